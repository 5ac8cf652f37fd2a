package engine

import (
	"fmt"

	"github.com/ssmlab/sidewinder/internal/config"
	"github.com/ssmlab/sidewinder/internal/device"
	"github.com/ssmlab/sidewinder/internal/logger"
	"github.com/ssmlab/sidewinder/internal/parallel"
	"github.com/ssmlab/sidewinder/internal/ssm"
)

// Model is a stack of residual mixer blocks sharing one process group.
// It owns the session offset: the offset advances once per forward pass,
// after every layer has consumed the positions, so all layers route the
// same way within a single token.
type Model struct {
	cfg    config.Config
	blocks []*Block
	log    *logger.Logger
}

// NewModel builds all layers for one rank. Each layer draws its
// parameters from its own derived seed so layers do not share weights.
func NewModel(cfg config.Config, comm *parallel.Comm, seed uint64, ctx *device.Context) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("model config: %w", err)
	}
	m := &Model{cfg: cfg, log: logger.Log.WithRank(comm.Rank())}
	for layer := 0; layer < cfg.Layers; layer++ {
		b, err := NewBlock(cfg, comm, layer, layerSeed(seed, layer), ctx)
		if err != nil {
			return nil, fmt.Errorf("layer %d: %w", layer, err)
		}
		m.blocks = append(m.blocks, b)
	}
	m.log.Debug("model constructed",
		"layers", cfg.Layers,
		"world_size", cfg.WorldSize,
		"d_model", cfg.DModel)
	return m, nil
}

// layerSeed spreads a base seed across layers so adjacent layers land far
// apart in the generator's sequence.
func layerSeed(seed uint64, layer int) uint64 {
	return seed + uint64(layer)*0x9e3779b97f4a7c15
}

func (m *Model) Layers() int {
	return len(m.blocks)
}

func (m *Model) Block(i int) *Block {
	return m.blocks[i]
}

func (m *Model) Config() config.Config {
	return m.cfg
}

// Params returns every layer's parameters, indexed by layer.
func (m *Model) Params() [][]*ssm.Param {
	out := make([][]*ssm.Param, len(m.blocks))
	for i, b := range m.blocks {
		out[i] = b.Params()
	}
	return out
}

// AllocateCache pre-creates every layer's session state for a batch.
func (m *Model) AllocateCache(session *ssm.Session, batch int) error {
	for _, b := range m.blocks {
		if err := b.mixer.AllocateCache(session, batch); err != nil {
			return err
		}
	}
	return nil
}

// Forward runs the stack over (seq, batch, d_model) activations.
func (m *Model) Forward(hidden *device.Tensor, session *ssm.Session) (*device.Tensor, error) {
	dims := hidden.Dims()
	if len(dims) != 3 {
		return nil, fmt.Errorf("model forward: want (seq, batch, d_model) input, got %v", dims)
	}
	cur := hidden
	for _, b := range m.blocks {
		next, err := b.Forward(cur, session)
		if err != nil {
			return nil, err
		}
		cur = next
	}
	if m.cfg.DebugActivations {
		device.Audit("model_out", cur.Data())
	}
	if session != nil {
		session.Advance(dims[0])
	}
	return cur, nil
}

// Decode runs one single-token step for every layer through the session.
func (m *Model) Decode(hidden *device.Tensor, session *ssm.Session) (*device.Tensor, error) {
	if session == nil {
		return nil, fmt.Errorf("model decode: %w", ssm.ErrNoSession)
	}
	dims := hidden.Dims()
	if len(dims) != 3 || dims[0] != 1 {
		return nil, fmt.Errorf("model decode: want (1, batch, d_model) input, got %v: %w",
			dims, ssm.ErrStepLength)
	}
	return m.Forward(hidden, session)
}
