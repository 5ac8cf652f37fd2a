package engine

import (
	"fmt"

	"github.com/ssmlab/sidewinder/internal/config"
	"github.com/ssmlab/sidewinder/internal/device"
	"github.com/ssmlab/sidewinder/internal/parallel"
	"github.com/ssmlab/sidewinder/internal/ssm"
)

// Block is one pre-norm residual layer: out = hidden + Mixer(RMSNorm(hidden)).
// The norm weight is replicated on every rank; only the mixer is sharded.
type Block struct {
	cfg       config.Config
	mixer     *ssm.Mixer
	inputNorm *ssm.Param
}

func NewBlock(cfg config.Config, comm *parallel.Comm, layerIdx int, seed uint64, ctx *device.Context) (*Block, error) {
	m, err := ssm.NewMixer(cfg, comm, layerIdx, seed, ctx)
	if err != nil {
		return nil, err
	}
	norm := make([]float32, cfg.DModel)
	for i := range norm {
		norm[i] = 1
	}
	return &Block{
		cfg:   cfg,
		mixer: m,
		inputNorm: &ssm.Param{
			Name:  "input_norm.weight",
			Data:  norm,
			Shape: []int{cfg.DModel},
		},
	}, nil
}

func (b *Block) Mixer() *ssm.Mixer {
	return b.mixer
}

// Params returns the pre-norm weight followed by the mixer's parameters
// in their stable order.
func (b *Block) Params() []*ssm.Param {
	return append([]*ssm.Param{b.inputNorm}, b.mixer.Params()...)
}

// Forward applies the residual block to (seq, batch, d_model) activations.
// Under sequence parallelism seq is the per-rank shard on both sides, so
// the residual add stays local.
func (b *Block) Forward(hidden *device.Tensor, session *ssm.Session) (*device.Tensor, error) {
	dims := hidden.Dims()
	if len(dims) != 3 || dims[2] != b.cfg.DModel {
		return nil, fmt.Errorf("block %d: want (seq, batch, %d) input, got %v",
			b.mixer.LayerIndex(), b.cfg.DModel, dims)
	}
	rows := dims[0] * dims[1]

	normed := device.NewTensor(hidden.Name(), dims...)
	device.RMSNorm(normed.Data(), hidden.Data(), b.inputNorm.Data, rows, b.cfg.DModel, b.cfg.Eps)

	mixed, err := b.mixer.Forward(normed, session)
	if err != nil {
		return nil, err
	}

	out := mixed.Data()
	res := hidden.Data()
	for i := range out {
		out[i] += res[i]
	}
	return mixed, nil
}
