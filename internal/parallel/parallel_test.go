package parallel

import (
	"math"
	"sync"
	"testing"
)

func TestLayoutDivide(t *testing.T) {
	l, err := NewLayout(4, 1)
	if err != nil {
		t.Fatal(err)
	}
	local, err := l.Divide(32, "d_inner")
	if err != nil {
		t.Fatal(err)
	}
	if local != 8 {
		t.Fatalf("Divide(32) = %d, want 8", local)
	}
	if _, err := l.Divide(30, "d_inner"); err == nil {
		t.Fatal("expected indivisibility error")
	}
}

func TestLayoutShardWidthsSum(t *testing.T) {
	// Local shard widths must sum exactly to the unsharded width.
	for _, p := range []int{1, 2, 4, 8} {
		for _, n := range []int{8, 32, 64, 256} {
			total := 0
			for r := 0; r < p; r++ {
				l := Layout{WorldSize: p, Rank: r}
				local, err := l.Divide(n, "dim")
				if err != nil {
					t.Fatalf("p=%d n=%d: %v", p, n, err)
				}
				lo, hi, err := l.ShardRange(n, "dim")
				if err != nil {
					t.Fatal(err)
				}
				if hi-lo != local {
					t.Fatalf("shard range width %d != local %d", hi-lo, local)
				}
				total += local
			}
			if total != n {
				t.Fatalf("p=%d: shard widths sum to %d, want %d", p, total, n)
			}
		}
	}
}

func TestNewLayoutErrors(t *testing.T) {
	if _, err := NewLayout(0, 0); err == nil {
		t.Error("expected error for world_size 0")
	}
	if _, err := NewLayout(2, 2); err == nil {
		t.Error("expected error for rank out of range")
	}
	if _, err := NewLayout(2, -1); err == nil {
		t.Error("expected error for negative rank")
	}
}

func TestAllReduce(t *testing.T) {
	const p = 4
	const n = 16
	results := make([][]float32, p)
	err := Run(p, func(rank int, c *Comm) error {
		x := make([]float32, n)
		for i := range x {
			x[i] = float32(rank + i)
		}
		if err := c.AllReduce(x); err != nil {
			return err
		}
		results[rank] = x
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	// sum over ranks of (rank + i) = sum(ranks) + p*i
	rankSum := float32(0 + 1 + 2 + 3)
	for rank := 0; rank < p; rank++ {
		for i := 0; i < n; i++ {
			want := rankSum + float32(p*i)
			if results[rank][i] != want {
				t.Fatalf("rank %d elem %d = %f, want %f", rank, i, results[rank][i], want)
			}
		}
	}
}

func TestAllReduceDeterministic(t *testing.T) {
	// Same inputs must give bitwise-identical sums on every rank, twice.
	const p = 3
	run := func() [][]float32 {
		out := make([][]float32, p)
		err := Run(p, func(rank int, c *Comm) error {
			x := []float32{0.1 * float32(rank+1), -0.77, float32(math.Pi) * float32(rank)}
			if err := c.AllReduce(x); err != nil {
				return err
			}
			out[rank] = x
			return nil
		})
		if err != nil {
			t.Fatal(err)
		}
		return out
	}
	a, b := run(), run()
	for r := 0; r < p; r++ {
		for i := range a[r] {
			if a[r][i] != b[r][i] {
				t.Fatalf("nondeterministic reduction at rank %d elem %d", r, i)
			}
			if a[r][i] != a[0][i] {
				t.Fatalf("rank %d disagrees with rank 0 at elem %d", r, i)
			}
		}
	}
}

func TestAllGatherSequence(t *testing.T) {
	const p = 3
	const local = 4
	err := Run(p, func(rank int, c *Comm) error {
		shard := make([]float32, local)
		for i := range shard {
			shard[i] = float32(rank*local + i)
		}
		full, err := c.AllGatherSequence(shard)
		if err != nil {
			return err
		}
		if len(full) != p*local {
			t.Errorf("gathered length %d, want %d", len(full), p*local)
		}
		for i := range full {
			if full[i] != float32(i) {
				t.Errorf("rank %d: full[%d] = %f, want %d", rank, i, full[i], i)
			}
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
}

func TestReduceScatterComposesToAllReduce(t *testing.T) {
	// all-gather(reduce-scatter(x)) == all-reduce(x)
	const p = 4
	const n = 20
	inputs := make([][]float32, p)
	for r := range inputs {
		inputs[r] = make([]float32, n)
		for i := range inputs[r] {
			inputs[r][i] = float32(r)*0.25 + float32(i)*0.5
		}
	}

	var mu sync.Mutex
	composed := make([][]float32, p)
	reduced := make([][]float32, p)

	err := Run(p, func(rank int, c *Comm) error {
		shard, err := c.ReduceScatterSequence(append([]float32(nil), inputs[rank]...))
		if err != nil {
			return err
		}
		full, err := c.AllGatherSequence(shard)
		if err != nil {
			return err
		}
		x := append([]float32(nil), inputs[rank]...)
		if err := c.AllReduce(x); err != nil {
			return err
		}
		mu.Lock()
		composed[rank] = full
		reduced[rank] = x
		mu.Unlock()
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}
	for r := 0; r < p; r++ {
		for i := 0; i < n; i++ {
			if composed[r][i] != reduced[r][i] {
				t.Fatalf("rank %d elem %d: composed %f != all-reduce %f",
					r, i, composed[r][i], reduced[r][i])
			}
		}
	}
}

func TestReduceScatterIndivisible(t *testing.T) {
	const p = 3
	err := Run(p, func(rank int, c *Comm) error {
		_, err := c.ReduceScatterSequence(make([]float32, 7))
		return err
	})
	if err == nil {
		t.Fatal("expected indivisibility error")
	}
}

func TestCollectiveLengthMismatch(t *testing.T) {
	const p = 2
	err := Run(p, func(rank int, c *Comm) error {
		return c.AllReduce(make([]float32, 4+rank))
	})
	if err == nil {
		t.Fatal("expected length-mismatch error")
	}
}

func TestCopyToModelParallelRegion(t *testing.T) {
	g := NewGroup(1)
	c := g.Comm(0)
	x := []float32{1, 2, 3}
	y := c.CopyToModelParallelRegion(x)
	if &y[0] != &x[0] {
		t.Fatal("copy-to-region must be the identity in the forward pass")
	}
}
