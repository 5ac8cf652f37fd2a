package ssm

import (
	"fmt"
	"time"

	"github.com/ssmlab/sidewinder/internal/config"
	"github.com/ssmlab/sidewinder/internal/device"
	"github.com/ssmlab/sidewinder/internal/logger"
	"github.com/ssmlab/sidewinder/internal/metrics"
	"github.com/ssmlab/sidewinder/internal/parallel"
)

// Mixer is one tensor-parallel selective state-space layer. Each rank
// holds its shard of the parameters; forward passes are SPMD, meeting at
// the collectives the Comm provides.
type Mixer struct {
	cfg    config.Config
	layout parallel.Layout
	comm   *parallel.Comm
	ctx    *device.Context
	log    *logger.Logger

	layerIdx int

	dInner       int
	nHeads       int
	dInnerLocal  int
	nHeadsLocal  int
	nGroupsLocal int
	convDim      int // conv channels: d_inner_local + 2*n_groups_local*d_state
	dInProjLocal int // 2*d_inner_local + 2*n_groups_local*d_state + n_heads_local

	inProj     *Param
	convWeight *Param
	convBias   *Param
	dtBias     *Param
	aLog       *Param
	dSkip      *Param
	normWeight *Param
	outProj    *Param

	convFn device.ConvFunc
}

// NewMixer builds the layer for one rank. The layer index keys the
// session state cache and must be non-negative.
func NewMixer(cfg config.Config, comm *parallel.Comm, layerIdx int, seed uint64, ctx *device.Context) (*Mixer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("mixer config: %w", err)
	}
	if comm.WorldSize() != cfg.WorldSize {
		return nil, fmt.Errorf("mixer config: comm world_size %d != config world_size %d",
			comm.WorldSize(), cfg.WorldSize)
	}
	if layerIdx < 0 {
		return nil, fmt.Errorf("mixer layer index %d: %w", layerIdx, ErrLayerIdentity)
	}
	layout := parallel.Layout{WorldSize: cfg.WorldSize, Rank: comm.Rank()}

	m := &Mixer{
		cfg:      cfg,
		layout:   layout,
		comm:     comm,
		ctx:      ctx,
		log:      logger.Log.WithRank(comm.Rank()),
		layerIdx: layerIdx,
		dInner:   cfg.DInner(),
		nHeads:   cfg.NHeads(),
	}

	var err error
	if m.dInnerLocal, err = layout.Divide(m.dInner, "d_inner"); err != nil {
		return nil, err
	}
	if m.nHeadsLocal, err = layout.Divide(m.nHeads, "n_heads"); err != nil {
		return nil, err
	}
	if m.nGroupsLocal, err = layout.Divide(cfg.NGroups, "n_groups"); err != nil {
		return nil, err
	}
	m.convDim = m.dInnerLocal + 2*m.nGroupsLocal*cfg.DState
	m.dInProjLocal = 2*m.dInnerLocal + 2*m.nGroupsLocal*cfg.DState + m.nHeadsLocal

	m.initParams(&cfg, seed)

	// Conv strategy is resolved once here, not per call.
	switch cfg.ConvMode {
	case config.ConvReference:
		m.convFn = device.CausalConv1D
	default:
		m.convFn = device.CausalConvSiLUFused
	}

	m.log.Debug("mixer constructed",
		"layer", layerIdx,
		"d_inner_local", m.dInnerLocal,
		"n_heads_local", m.nHeadsLocal,
		"conv_dim", m.convDim)
	return m, nil
}

func (m *Mixer) LayerIndex() int {
	return m.layerIdx
}

func (m *Mixer) Rank() int {
	return m.layout.Rank
}

func (m *Mixer) Config() config.Config {
	return m.cfg
}

func (m *Mixer) stateDims() StateDims {
	return StateDims{
		ConvDim:    m.convDim,
		ConvWidth:  m.cfg.DConv,
		InnerLocal: m.dInnerLocal,
		StateDim:   m.cfg.DState,
	}
}

// AllocateCache pre-creates this layer's state buffers on the session.
func (m *Mixer) AllocateCache(session *Session, batch int) error {
	_, err := session.StateForLayer(m.layerIdx, batch, m.stateDims(), false)
	return err
}

// Forward runs the chunked-scan path over a (seq, batch, d_model)
// activation tensor and returns a tensor of the same shape. When a
// session is supplied its conv and SSM state are filled for later
// stepwise decoding, and a positive session offset routes the call to the
// stepwise path instead. The session offset is owned by the generation
// loop: every layer of a stack must see the same offset within one token,
// so the caller advances it once per consumed position, not the mixer.
// Sequence-parallel partitioning and sessions are mutually exclusive.
func (m *Mixer) Forward(hidden *device.Tensor, session *Session) (*device.Tensor, error) {
	dims := hidden.Dims()
	if len(dims) != 3 || dims[2] != m.cfg.DModel {
		return nil, fmt.Errorf("forward: want (seq, batch, %d) input, got %v", m.cfg.DModel, dims)
	}
	seq, batch := dims[0], dims[1]

	if session != nil {
		if m.cfg.SequenceParallel {
			metrics.ValidationErrors.WithLabelValues("forward", "sequence_parallel_decode").Inc()
			return nil, fmt.Errorf("forward: %w", ErrSequenceParallelDecode)
		}
		if session.Offset() > 0 {
			return m.Step(hidden, session)
		}
	}

	start := time.Now()
	path := "chunked"

	data := hidden.Data()
	if m.cfg.SequenceParallel {
		path = "seq_parallel"
		full, err := m.comm.AllGatherSequence(data)
		if err != nil {
			return nil, fmt.Errorf("forward sequence gather: %w", err)
		}
		data = full
		seq = seq * m.layout.WorldSize
	} else {
		data = m.comm.CopyToModelParallelRegion(data)
	}
	rows := seq * batch

	// Input projection, then split into gate / conv-input / dt streams.
	proj := make([]float32, rows*m.dInProjLocal)
	device.MatMul(proj, data, m.inProj.Data, rows, m.dInProjLocal, m.cfg.DModel)

	z := make([]float32, rows*m.dInnerLocal)
	xBC := make([]float32, rows*m.convDim)
	dtRaw := make([]float32, rows*m.nHeadsLocal)
	for r := 0; r < rows; r++ {
		row := proj[r*m.dInProjLocal : (r+1)*m.dInProjLocal]
		copy(z[r*m.dInnerLocal:], row[:m.dInnerLocal])
		copy(xBC[r*m.convDim:], row[m.dInnerLocal:m.dInnerLocal+m.convDim])
		copy(dtRaw[r*m.nHeadsLocal:], row[m.dInnerLocal+m.convDim:])
	}

	// Channel-major layout for the convolution: (batch, convDim, seq).
	xc := make([]float32, batch*m.convDim*seq)
	for t := 0; t < seq; t++ {
		for b := 0; b < batch; b++ {
			src := xBC[(t*batch+b)*m.convDim : (t*batch+b+1)*m.convDim]
			for c, v := range src {
				xc[(b*m.convDim+c)*seq+t] = v
			}
		}
	}

	var state *LayerState
	if session != nil {
		var err error
		state, err = session.StateForLayer(m.layerIdx, batch, m.stateDims(), false)
		if err != nil {
			return nil, fmt.Errorf("forward state lookup: %w", err)
		}
		m.writeConvState(state, xc, batch, seq)
	}

	var convBias []float32
	if m.convBias != nil {
		convBias = m.convBias.Data
	}
	convOut := make([]float32, len(xc))
	m.convFn(convOut, xc, m.convWeight.Data, convBias, batch, m.convDim, seq, m.cfg.DConv)

	// Back to sequence-major, split into signal / B / C streams.
	gState := m.nGroupsLocal * m.cfg.DState
	x := make([]float32, rows*m.dInnerLocal)
	bStream := make([]float32, rows*gState)
	cStream := make([]float32, rows*gState)
	for t := 0; t < seq; t++ {
		for b := 0; b < batch; b++ {
			r := t*batch + b
			for c := 0; c < m.dInnerLocal; c++ {
				x[r*m.dInnerLocal+c] = convOut[(b*m.convDim+c)*seq+t]
			}
			for c := 0; c < gState; c++ {
				bStream[r*gState+c] = convOut[(b*m.convDim+m.dInnerLocal+c)*seq+t]
				cStream[r*gState+c] = convOut[(b*m.convDim+m.dInnerLocal+gState+c)*seq+t]
			}
		}
	}

	var gate []float32
	if !m.cfg.RMSNorm {
		gate = z
	}
	var finalState []float32
	if state != nil {
		finalState = state.SSM.Data()
	}
	y := m.chunkedScan(x, dtRaw, bStream, cStream, gate, seq, batch, finalState)

	if m.cfg.DebugScan {
		device.Audit("scan_out", y)
	}

	out, err := m.outputStage(y, z, rows)
	if err != nil {
		return nil, err
	}

	metrics.PrefillDuration.WithLabelValues(path).Observe(time.Since(start).Seconds())
	metrics.SequenceLength.Observe(float64(seq))

	outSeq := seq
	if m.cfg.SequenceParallel {
		outSeq = seq / m.layout.WorldSize
	}
	return device.NewTensorFrom(hidden.Name(), out, outSeq, batch, m.cfg.DModel), nil
}

// writeConvState stores the last d_conv conv-input positions (zero-padded
// on the left when the sequence is shorter) so stepwise decoding can
// continue the convolution exactly.
func (m *Mixer) writeConvState(state *LayerState, xc []float32, batch, seq int) {
	w := m.cfg.DConv
	conv := state.Conv.Data()
	for b := 0; b < batch; b++ {
		for c := 0; c < m.convDim; c++ {
			dst := conv[(b*m.convDim+c)*w : (b*m.convDim+c+1)*w]
			src := xc[(b*m.convDim+c)*seq : (b*m.convDim+c+1)*seq]
			for k := 0; k < w; k++ {
				t := seq - w + k
				if t >= 0 {
					dst[k] = src[t]
				} else {
					dst[k] = 0
				}
			}
		}
	}
}

// outputStage applies gated normalization (when configured) and the
// row-parallel output projection, then combines the partial products
// across ranks. The norm statistic is taken per group of
// d_inner_local/n_groups_local channels, so it never spans a rank
// boundary and needs no collective. The projection reduction is
// mandatory for correctness: each rank contracts only its shard of the
// inner dimension.
func (m *Mixer) outputStage(y, z []float32, rows int) ([]float32, error) {
	if m.cfg.RMSNorm {
		device.RMSNormGated(y, y, z, m.normWeight.Data, rows, m.dInnerLocal, m.dInnerLocal/m.nGroupsLocal, m.cfg.Eps, m.cfg.NormBeforeGate)
	}

	out := make([]float32, rows*m.cfg.DModel)
	device.MatMul(out, y, m.outProj.Data, rows, m.cfg.DModel, m.dInnerLocal)

	if m.cfg.SequenceParallel {
		reduced, err := m.comm.ReduceScatterSequence(out)
		if err != nil {
			return nil, fmt.Errorf("output reduce-scatter: %w", err)
		}
		return reduced, nil
	}
	if err := m.comm.AllReduce(out); err != nil {
		return nil, fmt.Errorf("output all-reduce: %w", err)
	}
	return out, nil
}
