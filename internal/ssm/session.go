package ssm

import (
	"fmt"
	"sort"

	"github.com/ssmlab/sidewinder/internal/device"
	"github.com/ssmlab/sidewinder/internal/metrics"
)

// StateDims sizes the per-layer recurrent buffers.
type StateDims struct {
	ConvDim    int // conv channels: d_inner_local + 2*n_groups_local*d_state
	ConvWidth  int // conv kernel width
	InnerLocal int
	StateDim   int
}

// LayerState holds one layer's recurrent state for one inference session.
// Conv is (batch, convDim, convWidth) with the newest input last; SSM is
// (batch, innerLocal, stateDim). Both are mutated in place by decode steps
// and are exclusively owned by the session: concurrent decode calls
// sharing a session are not supported.
type LayerState struct {
	Conv  *device.Tensor
	SSM   *device.Tensor
	batch int
}

func (s *LayerState) Batch() int {
	return s.batch
}

func (s *LayerState) zero() {
	s.Conv.Zero()
	s.SSM.Zero()
}

func (s *LayerState) bytes() int64 {
	return int64(s.Conv.NumElements()+s.SSM.NumElements()) * 4
}

// Session owns the recurrent state of one inference session, keyed by
// layer index. It replaces any process-wide state cache: callers pass the
// session explicitly into every forward call.
type Session struct {
	states map[int]*LayerState
	offset int
	bytes  int64
}

func NewSession() *Session {
	return &Session{states: make(map[int]*LayerState)}
}

// StateForLayer returns the layer's state buffers, allocating zeroed ones
// on first use. With reinit set, existing buffers are zeroed before being
// returned. A request with a batch size different from the cached one is a
// usage error: the recurrent state is per-sequence and silently resizing
// would discard history.
func (s *Session) StateForLayer(layer, batch int, dims StateDims, reinit bool) (*LayerState, error) {
	if layer < 0 {
		metrics.ValidationErrors.WithLabelValues("state_for_layer", "layer_identity").Inc()
		return nil, fmt.Errorf("state lookup for layer %d: %w", layer, ErrLayerIdentity)
	}
	st, ok := s.states[layer]
	if !ok {
		st = &LayerState{
			Conv:  device.NewTensor(fmt.Sprintf("conv_state.%d", layer), batch, dims.ConvDim, dims.ConvWidth),
			SSM:   device.NewTensor(fmt.Sprintf("ssm_state.%d", layer), batch, dims.InnerLocal, dims.StateDim),
			batch: batch,
		}
		s.states[layer] = st
		s.bytes += st.bytes()
		metrics.StateCacheEntries.Inc()
		metrics.StateCacheBytes.Add(float64(st.bytes()))
		return st, nil
	}
	if st.batch != batch {
		metrics.ValidationErrors.WithLabelValues("state_for_layer", "batch_mismatch").Inc()
		return nil, fmt.Errorf("layer %d: cached batch %d, requested %d: %w",
			layer, st.batch, batch, ErrBatchMismatch)
	}
	if reinit {
		st.zero()
	}
	return st, nil
}

// Offset returns the number of positions already consumed by this session.
func (s *Session) Offset() int {
	return s.offset
}

// Advance moves the session offset forward by n positions.
func (s *Session) Advance(n int) {
	s.offset += n
}

// Reset zeroes every cached state and rewinds the offset, keeping the
// allocations.
func (s *Session) Reset() {
	for _, st := range s.states {
		st.zero()
	}
	s.offset = 0
	metrics.StateCacheResets.Inc()
}

// Layers returns the layer indices with allocated state, sorted, for
// export.
func (s *Session) Layers() []int {
	out := make([]int, 0, len(s.states))
	for layer := range s.states {
		out = append(out, layer)
	}
	sort.Ints(out)
	return out
}

// State returns the cached state for a layer, or nil.
func (s *Session) State(layer int) *LayerState {
	return s.states[layer]
}

// Close releases all state buffers. The session must not be used after.
func (s *Session) Close() {
	for layer, st := range s.states {
		st.Conv.Free()
		st.SSM.Free()
		metrics.StateCacheEntries.Dec()
		delete(s.states, layer)
	}
	metrics.StateCacheBytes.Sub(float64(s.bytes))
	s.bytes = 0
	s.offset = 0
}
