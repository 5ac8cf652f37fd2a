package ssm

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"

	"github.com/ssmlab/sidewinder/internal/config"
	"github.com/ssmlab/sidewinder/internal/device"
)

// Parameters are sampled at full (unsharded) width from a seeded source,
// then each rank slices out its shard. Sharded and unsharded runs of the
// same seed therefore see the same underlying model.
func (m *Mixer) initParams(cfg *config.Config, seed uint64) {
	src := rand.NewPCG(seed, seed)
	p := m.layout.WorldSize
	r := m.layout.Rank

	dInner := m.dInner
	nHeads := m.nHeads
	gState := cfg.NGroups * cfg.DState
	convChannels := dInner + 2*gState

	normal := distuv.Normal{Mu: 0, Sigma: cfg.InitStd, Src: src}

	// in_proj: (2*d_inner + 2*g*d_state + n_heads, d_model), column-parallel.
	// Output row regions z | x | B | C | dt are each sharded independently.
	inFull := sampleNormal(normal, (2*dInner+2*gState+nHeads)*cfg.DModel)
	inRegions := []int{dInner, dInner, gState, gState, nHeads}
	m.inProj = &Param{
		Name:           "in_proj.weight",
		Data:           shardRows(inFull, cfg.DModel, inRegions, p, r),
		Shape:          []int{m.dInProjLocal, cfg.DModel},
		TensorParallel: true,
	}

	// Depthwise conv over the x|B|C channel regions.
	convBound := cfg.ConvInit
	if convBound <= 0 {
		convBound = 1.0 / math.Sqrt(float64(cfg.DConv))
	}
	convU := distuv.Uniform{Min: -convBound, Max: convBound, Src: src}
	convFull := sampleUniform(convU, convChannels*cfg.DConv)
	convRegions := []int{dInner, gState, gState}
	m.convWeight = &Param{
		Name:           "conv1d.weight",
		Data:           shardRows(convFull, cfg.DConv, convRegions, p, r),
		Shape:          []int{m.convDim, cfg.DConv},
		TensorParallel: true,
	}
	if cfg.ConvBias {
		biasFull := sampleUniform(convU, convChannels)
		m.convBias = &Param{
			Name:           "conv1d.bias",
			Data:           shardVec(biasFull, convRegions, p, r),
			Shape:          []int{m.convDim},
			TensorParallel: true,
		}
	}

	// dt_bias: sample dt log-uniformly in [dt_min, dt_max], floor, then
	// store inverse-softplus so softplus(dt_bias) reproduces dt.
	logU := distuv.Uniform{Min: math.Log(cfg.DtMin), Max: math.Log(cfg.DtMax), Src: src}
	dtFull := make([]float32, nHeads)
	for i := range dtFull {
		dt := math.Exp(logU.Rand())
		if dt < cfg.DtInitFloor {
			dt = cfg.DtInitFloor
		}
		dtFull[i] = float32(device.InvSoftplus(dt))
	}
	m.dtBias = &Param{
		Name:           "dt_bias",
		Data:           shardVec(dtFull, []int{nHeads}, p, r),
		Shape:          []int{m.nHeadsLocal},
		TensorParallel: true,
		NoWeightDecay:  true,
		NoReinit:       true,
	}

	// A_log: A ~ U(a_lo, a_hi) with a_lo > 0, stored in log domain. The
	// use-time transform -exp(A_log) keeps the decay strictly negative for
	// any finite value.
	aU := distuv.Uniform{Min: cfg.AInitLo, Max: cfg.AInitHi, Src: src}
	aFull := make([]float32, nHeads)
	for i := range aFull {
		aFull[i] = float32(math.Log(aU.Rand()))
	}
	m.aLog = &Param{
		Name:           "A_log",
		Data:           shardVec(aFull, []int{nHeads}, p, r),
		Shape:          []int{m.nHeadsLocal},
		TensorParallel: true,
		NoWeightDecay:  true,
	}

	// D skip weight: ones, per head or per inner channel.
	dLen := nHeads
	dLocal := m.nHeadsLocal
	if cfg.DHasHeadDim {
		dLen = dInner
		dLocal = m.dInnerLocal
	}
	dFull := make([]float32, dLen)
	for i := range dFull {
		dFull[i] = 1
	}
	m.dSkip = &Param{
		Name:           "D",
		Data:           shardVec(dFull, []int{dLen}, p, r),
		Shape:          []int{dLocal},
		TensorParallel: true,
		NoWeightDecay:  true,
	}

	if cfg.RMSNorm {
		normData := make([]float32, m.dInnerLocal)
		for i := range normData {
			normData[i] = 1
		}
		m.normWeight = &Param{
			Name:           "norm.weight",
			Data:           normData,
			Shape:          []int{m.dInnerLocal},
			TensorParallel: true,
		}
	}

	// out_proj: (d_model, d_inner), row-parallel along the contraction dim.
	outFull := sampleNormal(normal, cfg.DModel*dInner)
	m.outProj = &Param{
		Name:           "out_proj.weight",
		Data:           shardCols(outFull, cfg.DModel, dInner, p, r),
		Shape:          []int{cfg.DModel, m.dInnerLocal},
		TensorParallel: true,
	}
}

func sampleNormal(d distuv.Normal, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(d.Rand())
	}
	return out
}

func sampleUniform(d distuv.Uniform, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float32(d.Rand())
	}
	return out
}

// SetParam replaces a parameter's data by name, for checkpoint restore.
func (m *Mixer) SetParam(name string, data []float32) error {
	for _, par := range m.Params() {
		if par.Name != name {
			continue
		}
		if len(data) != par.NumElements() {
			return fmt.Errorf("param %s: got %d elements, want %d", name, len(data), par.NumElements())
		}
		copy(par.Data, data)
		return nil
	}
	return fmt.Errorf("unknown param: %s", name)
}
