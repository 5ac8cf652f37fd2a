package ssm

import (
	"sync"
	"testing"

	"github.com/ssmlab/sidewinder/internal/device"
	"github.com/ssmlab/sidewinder/internal/parallel"
)

// Sharded forward passes must reproduce the single-rank result: the same
// seed samples the same full parameters, each rank slices its shard, and
// the output collective reassembles the full contraction.
func TestShardedForwardMatchesUnsharded(t *testing.T) {
	const seq, batch, seed = 6, 2, 42

	baseCfg := testConfig()
	hidden := randomHidden(40, seq, batch, baseCfg.DModel)

	for _, p := range []int{2, 4} {
		cfg := baseCfg
		// Groups must shard too; their count changes B/C sharing, so the
		// unsharded reference is derived per p.
		cfg.NGroups = p
		refP := newTestMixer(t, cfg, seed)
		cfgWant, err := refP.Forward(hidden.Clone(), nil)
		if err != nil {
			t.Fatal(err)
		}

		cfg.WorldSize = p
		outs := make([][]float32, p)
		var mu sync.Mutex
		err = parallel.Run(p, func(rank int, c *parallel.Comm) error {
			m, err := NewMixer(cfg, c, 0, seed, device.NewContext())
			if err != nil {
				return err
			}
			out, err := m.Forward(hidden.Clone(), nil)
			if err != nil {
				return err
			}
			mu.Lock()
			outs[rank] = out.Data()
			mu.Unlock()
			return nil
		})
		if err != nil {
			t.Fatalf("p=%d: %v", p, err)
		}

		for rank := 0; rank < p; rank++ {
			if diff := maxAbsDiff(outs[rank], cfgWant.Data()); diff > 5e-5 {
				t.Errorf("p=%d rank %d diverges from unsharded by %g", p, rank, diff)
			}
		}
	}
}

// Sequence-parallel forward: each rank feeds its sequence shard, gathers
// for the mixer body, and gets back its shard of the reduced output.
// Concatenating the shards must match the non-sequence-parallel run.
func TestSequenceParallelForward(t *testing.T) {
	const p = 2
	const seqLocal, batch, seed = 3, 2, 42
	const seq = p * seqLocal

	cfg := testConfig()
	cfg.NGroups = 2
	cfg.WorldSize = p
	hidden := randomHidden(41, seq, batch, cfg.DModel)

	// Baseline: same world size, tensor-parallel only.
	base := make([][]float32, p)
	err := parallel.Run(p, func(rank int, c *parallel.Comm) error {
		m, err := NewMixer(cfg, c, 0, seed, device.NewContext())
		if err != nil {
			return err
		}
		out, err := m.Forward(hidden.Clone(), nil)
		if err != nil {
			return err
		}
		base[rank] = out.Data()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	spCfg := cfg
	spCfg.SequenceParallel = true
	rowElems := batch * cfg.DModel
	shards := make([][]float32, p)
	err = parallel.Run(p, func(rank int, c *parallel.Comm) error {
		m, err := NewMixer(spCfg, c, 0, seed, device.NewContext())
		if err != nil {
			return err
		}
		local := append([]float32(nil),
			hidden.Data()[rank*seqLocal*rowElems:(rank+1)*seqLocal*rowElems]...)
		in := device.NewTensorFrom("shard", local, seqLocal, batch, cfg.DModel)
		out, err := m.Forward(in, nil)
		if err != nil {
			return err
		}
		dims := out.Dims()
		if dims[0] != seqLocal {
			t.Errorf("rank %d: output seq %d, want %d", rank, dims[0], seqLocal)
		}
		shards[rank] = out.Data()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	full := append(append([]float32(nil), shards[0]...), shards[1]...)
	if diff := maxAbsDiff(full, base[0]); diff > 5e-5 {
		t.Fatalf("sequence-parallel output diverges by %g", diff)
	}
}

// Stepwise decode under tensor parallelism must agree with the sharded
// prefill, exercising the per-step all-reduce.
func TestShardedStepwiseDecode(t *testing.T) {
	const p = 2
	const seq, batch, seed = 4, 1, 7

	cfg := testConfig()
	cfg.NGroups = 2
	cfg.WorldSize = p
	hidden := randomHidden(42, seq, batch, cfg.DModel)

	ref := make([][]float32, p)
	err := parallel.Run(p, func(rank int, c *parallel.Comm) error {
		m, err := NewMixer(cfg, c, 0, seed, device.NewContext())
		if err != nil {
			return err
		}
		out, err := m.Forward(hidden.Clone(), nil)
		if err != nil {
			return err
		}
		ref[rank] = out.Data()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	rowElems := batch * cfg.DModel
	err = parallel.Run(p, func(rank int, c *parallel.Comm) error {
		m, err := NewMixer(cfg, c, 0, seed, device.NewContext())
		if err != nil {
			return err
		}
		sess := NewSession()
		defer sess.Close()
		for tok := 0; tok < seq; tok++ {
			one := append([]float32(nil), hidden.Data()[tok*rowElems:(tok+1)*rowElems]...)
			out, err := m.Forward(device.NewTensorFrom("tok", one, 1, batch, cfg.DModel), sess)
			if err != nil {
				return err
			}
			sess.Advance(1)
			want := ref[rank][tok*rowElems : (tok+1)*rowElems]
			if diff := maxAbsDiff(out.Data(), want); diff > 1e-4 {
				t.Errorf("rank %d token %d diverges by %g", rank, tok, diff)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}
