package config

import (
	"fmt"
)

// ConvMode selects the causal-convolution execution path. The choice is
// resolved once at construction; both paths produce identical numerics.
type ConvMode int

const (
	ConvAuto ConvMode = iota
	ConvFused
	ConvReference
)

// Config describes the mixer geometry, initialization ranges and runtime
// options for one model. The same Config is used on every rank; per-rank
// shard widths are derived from it via parallel.Layout.
type Config struct {
	DModel  int // model (hidden) width
	DState  int // state dimension per head
	DConv   int // causal conv kernel width
	Expand  int // inner width = Expand * DModel
	HeadDim int // channels per head
	NGroups int // groups sharing B/C state
	Layers  int

	ChunkSize int // scan chunk length for the prefill path

	// Initialization ranges.
	DtMin       float64 // softplus(dt_bias) lower target
	DtMax       float64 // softplus(dt_bias) upper target
	DtInitFloor float64 // floor applied to sampled dt
	AInitLo     float64 // A ~ U(AInitLo, AInitHi), pre-log
	AInitHi     float64
	ConvInit    float64 // conv weight ~ U(-ConvInit, +ConvInit); 0 = default bound
	InitStd     float64 // projection weight init stddev

	RMSNorm        bool // gated RMS norm on the scan output
	NormBeforeGate bool
	DHasHeadDim    bool // D per inner channel instead of per head
	ConvBias       bool
	Bias           bool // projection bias; must stay false
	Eps            float32

	// Parallelism.
	WorldSize        int
	SequenceParallel bool

	ConvMode ConvMode

	DebugActivations bool
	DebugScan        bool
	DebugMemory      bool
}

// DInner returns the expanded inner width.
func (c *Config) DInner() int {
	return c.Expand * c.DModel
}

// NHeads returns the head count.
func (c *Config) NHeads() int {
	return c.DInner() / c.HeadDim
}

func (c *Config) Validate() error {
	if c.DModel <= 0 {
		return fmt.Errorf("invalid d_model: %d (must be positive)", c.DModel)
	}
	if c.DState <= 0 {
		return fmt.Errorf("invalid d_state: %d (must be positive)", c.DState)
	}
	if c.DConv <= 0 {
		return fmt.Errorf("invalid d_conv: %d (must be positive)", c.DConv)
	}
	if c.Expand <= 0 {
		return fmt.Errorf("invalid expand: %d (must be positive)", c.Expand)
	}
	if c.HeadDim <= 0 {
		return fmt.Errorf("invalid head_dim: %d (must be positive)", c.HeadDim)
	}
	if c.DInner()%c.HeadDim != 0 {
		return fmt.Errorf("d_inner (%d) not divisible by head_dim (%d)", c.DInner(), c.HeadDim)
	}
	if c.NGroups <= 0 {
		return fmt.Errorf("invalid n_groups: %d (must be positive)", c.NGroups)
	}
	if c.NHeads()%c.NGroups != 0 {
		return fmt.Errorf("n_heads (%d) not divisible by n_groups (%d)", c.NHeads(), c.NGroups)
	}
	if c.Layers <= 0 {
		return fmt.Errorf("invalid layers: %d (must be positive)", c.Layers)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("invalid chunk_size: %d (must be positive)", c.ChunkSize)
	}
	if c.WorldSize <= 0 {
		return fmt.Errorf("invalid world_size: %d (must be positive)", c.WorldSize)
	}
	if c.DInner()%c.WorldSize != 0 {
		return fmt.Errorf("d_inner (%d) not divisible by world_size (%d)", c.DInner(), c.WorldSize)
	}
	if c.NGroups%c.WorldSize != 0 {
		return fmt.Errorf("n_groups (%d) not divisible by world_size (%d)", c.NGroups, c.WorldSize)
	}
	if c.NHeads()%c.WorldSize != 0 {
		return fmt.Errorf("n_heads (%d) not divisible by world_size (%d)", c.NHeads(), c.WorldSize)
	}
	if c.DtMin <= 0 || c.DtMax <= 0 {
		return fmt.Errorf("invalid dt range: (%g, %g) (must be positive)", c.DtMin, c.DtMax)
	}
	if c.DtMax < c.DtMin {
		return fmt.Errorf("invalid dt range: dt_max (%g) < dt_min (%g)", c.DtMax, c.DtMin)
	}
	if c.DtInitFloor <= 0 {
		return fmt.Errorf("invalid dt_init_floor: %g (must be positive)", c.DtInitFloor)
	}
	if c.AInitLo <= 0 {
		return fmt.Errorf("invalid A_init range: lower bound %g (must be positive)", c.AInitLo)
	}
	if c.AInitHi < c.AInitLo {
		return fmt.Errorf("invalid A_init range: (%g, %g)", c.AInitLo, c.AInitHi)
	}
	if c.Bias {
		return fmt.Errorf("projection bias is not supported")
	}
	if c.Eps <= 0 {
		return fmt.Errorf("invalid eps: %g (must be positive)", c.Eps)
	}
	return nil
}

func Default() Config {
	return Config{
		DState:      128,
		DConv:       4,
		Expand:      2,
		HeadDim:     64,
		NGroups:     1,
		Layers:      1,
		ChunkSize:   128,
		DtMin:       0.001,
		DtMax:       0.1,
		DtInitFloor: 1e-4,
		AInitLo:     1.0,
		AInitHi:     16.0,
		InitStd:     0.02,
		RMSNorm:     true,
		ConvBias:    true,
		Eps:         1e-5,
		WorldSize:   1,
		ConvMode:    ConvAuto,
	}
}
