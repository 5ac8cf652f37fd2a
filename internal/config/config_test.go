package config

import (
	"strings"
	"testing"
)

func TestDefault(t *testing.T) {
	cfg := Default()
	cfg.DModel = 256

	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
	if cfg.DInner() != 512 {
		t.Errorf("expected DInner 512, got %d", cfg.DInner())
	}
	if cfg.NHeads() != 8 {
		t.Errorf("expected NHeads 8, got %d", cfg.NHeads())
	}
	if cfg.DtMin != 0.001 || cfg.DtMax != 0.1 {
		t.Errorf("unexpected dt range: (%g, %g)", cfg.DtMin, cfg.DtMax)
	}
	if !cfg.RMSNorm {
		t.Error("expected RMSNorm enabled by default")
	}
}

func TestValidate(t *testing.T) {
	base := func() Config {
		cfg := Default()
		cfg.DModel = 64
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero d_model",
			mutate:  func(c *Config) { c.DModel = 0 },
			wantErr: "d_model",
		},
		{
			name:    "head_dim indivisible",
			mutate:  func(c *Config) { c.HeadDim = 48 },
			wantErr: "head_dim",
		},
		{
			name:    "world_size indivisible inner",
			mutate:  func(c *Config) { c.WorldSize = 3 },
			wantErr: "world_size",
		},
		{
			name:    "groups indivisible by world_size",
			mutate:  func(c *Config) { c.WorldSize = 2; c.NGroups = 1; c.HeadDim = 64 },
			wantErr: "n_groups",
		},
		{
			name:    "inverted dt range",
			mutate:  func(c *Config) { c.DtMin = 0.2 },
			wantErr: "dt_max",
		},
		{
			name:    "non-positive dt_min",
			mutate:  func(c *Config) { c.DtMin = 0 },
			wantErr: "dt range",
		},
		{
			name:    "non-positive A lower bound",
			mutate:  func(c *Config) { c.AInitLo = 0 },
			wantErr: "A_init",
		},
		{
			name:    "inverted A range",
			mutate:  func(c *Config) { c.AInitHi = 0.5 },
			wantErr: "A_init",
		},
		{
			name:    "bias forbidden",
			mutate:  func(c *Config) { c.Bias = true },
			wantErr: "bias",
		},
		{
			name:    "zero chunk_size",
			mutate:  func(c *Config) { c.ChunkSize = 0 },
			wantErr: "chunk_size",
		},
		{
			name:    "zero eps",
			mutate:  func(c *Config) { c.Eps = 0 },
			wantErr: "eps",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q, got nil", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Fatalf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestValidateShardedGeometry(t *testing.T) {
	// Divisibility must hold for every configured world size.
	for _, p := range []int{1, 2, 4, 8} {
		cfg := Default()
		cfg.DModel = 256
		cfg.NGroups = 8
		cfg.WorldSize = p
		if err := cfg.Validate(); err != nil {
			t.Errorf("world_size %d: %v", p, err)
		}
	}
}
