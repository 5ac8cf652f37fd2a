package ssm

import (
	"fmt"
	"math"
	"time"

	"github.com/ssmlab/sidewinder/internal/device"
	"github.com/ssmlab/sidewinder/internal/metrics"
)

// Step decodes exactly one token per sequence, reading and updating the
// session's conv ring buffer and SSM state in place. The input must be
// (1, batch, d_model).
func (m *Mixer) Step(hidden *device.Tensor, session *Session) (*device.Tensor, error) {
	dims := hidden.Dims()
	if len(dims) != 3 || dims[2] != m.cfg.DModel {
		return nil, fmt.Errorf("step: want (1, batch, %d) input, got %v", m.cfg.DModel, dims)
	}
	if dims[0] != 1 {
		metrics.ValidationErrors.WithLabelValues("step", "seq_length").Inc()
		return nil, fmt.Errorf("step with sequence length %d: %w", dims[0], ErrStepLength)
	}
	if session == nil {
		metrics.ValidationErrors.WithLabelValues("step", "no_session").Inc()
		return nil, fmt.Errorf("step: %w", ErrNoSession)
	}
	if m.cfg.SequenceParallel {
		metrics.ValidationErrors.WithLabelValues("step", "sequence_parallel_decode").Inc()
		return nil, fmt.Errorf("step: %w", ErrSequenceParallelDecode)
	}
	batch := dims[1]

	state, err := session.StateForLayer(m.layerIdx, batch, m.stateDims(), false)
	if err != nil {
		return nil, fmt.Errorf("step state lookup: %w", err)
	}

	start := time.Now()
	data := m.comm.CopyToModelParallelRegion(hidden.Data())

	// Input projection and split, one row per sequence.
	proj := make([]float32, batch*m.dInProjLocal)
	device.MatMul(proj, data, m.inProj.Data, batch, m.dInProjLocal, m.cfg.DModel)

	z := make([]float32, batch*m.dInnerLocal)
	xBC := make([]float32, batch*m.convDim)
	dtRaw := make([]float32, batch*m.nHeadsLocal)
	for b := 0; b < batch; b++ {
		row := proj[b*m.dInProjLocal : (b+1)*m.dInProjLocal]
		copy(z[b*m.dInnerLocal:], row[:m.dInnerLocal])
		copy(xBC[b*m.convDim:], row[m.dInnerLocal:m.dInnerLocal+m.convDim])
		copy(dtRaw[b*m.nHeadsLocal:], row[m.dInnerLocal+m.convDim:])
	}

	// Conv ring-buffer update, one position.
	var convBias []float32
	if m.convBias != nil {
		convBias = m.convBias.Data
	}
	convOut := make([]float32, batch*m.convDim)
	device.CausalConvStep(convOut, xBC, state.Conv.Data(), m.convWeight.Data, convBias,
		batch, m.convDim, m.cfg.DConv)

	// Single-timestep recurrence, mutating the cached state in place.
	gWidth := m.nGroupsLocal * m.cfg.DState
	headsPerGroup := m.nHeadsLocal / m.nGroupsLocal
	headDim := m.cfg.HeadDim
	dState := m.cfg.DState
	ssm := state.SSM.Data()

	y := make([]float32, batch*m.dInnerLocal)
	for b := 0; b < batch; b++ {
		xRow := convOut[b*m.convDim : b*m.convDim+m.dInnerLocal]
		bRow := convOut[b*m.convDim+m.dInnerLocal : b*m.convDim+m.dInnerLocal+gWidth]
		cRow := convOut[b*m.convDim+m.dInnerLocal+gWidth : b*m.convDim+m.dInnerLocal+2*gWidth]

		for h := 0; h < m.nHeadsLocal; h++ {
			g := h / headsPerGroup
			a := -math.Exp(float64(m.aLog.Data[h]))
			dt := device.Softplus(float64(dtRaw[b*m.nHeadsLocal+h]) + float64(m.dtBias.Data[h]))
			dA := math.Exp(dt * a)

			bg := bRow[g*dState : (g+1)*dState]
			cg := cRow[g*dState : (g+1)*dState]
			for p := 0; p < headDim; p++ {
				ch := h*headDim + p
				xv := float64(xRow[ch])
				base := (b*m.dInnerLocal + ch) * dState
				sum := 0.0
				for nn := 0; nn < dState; nn++ {
					sv := float64(ssm[base+nn])*dA + dt*float64(bg[nn])*xv
					ssm[base+nn] = float32(sv)
					sum += float64(cg[nn]) * sv
				}
				d := m.dSkip.Data[h]
				if m.cfg.DHasHeadDim {
					d = m.dSkip.Data[ch]
				}
				v := float32(sum) + d*xRow[ch]
				if !m.cfg.RMSNorm {
					v *= device.SiLU(z[b*m.dInnerLocal+ch])
				}
				y[b*m.dInnerLocal+ch] = v
			}
		}
	}

	out, err := m.outputStage(y, z, batch)
	if err != nil {
		return nil, err
	}

	metrics.StepDuration.Observe(time.Since(start).Seconds())
	metrics.RecordDecodedTokens(batch)

	return device.NewTensorFrom(hidden.Name(), out, 1, batch, m.cfg.DModel), nil
}
