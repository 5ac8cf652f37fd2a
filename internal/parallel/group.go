package parallel

import (
	"fmt"
	"sync"

	"github.com/ssmlab/sidewinder/internal/metrics"
)

// Group is an in-process collective group. Every rank runs on its own
// goroutine; each collective is a synchronous barrier, so all ranks must
// call the same collectives in the same order. Reductions always sum in
// rank order 0..p-1 so results are deterministic and identical on every
// rank.
type Group struct {
	worldSize int
	slots     [][]float32
	bar       *barrier
}

func NewGroup(worldSize int) *Group {
	return &Group{
		worldSize: worldSize,
		slots:     make([][]float32, worldSize),
		bar:       newBarrier(worldSize),
	}
}

func (g *Group) WorldSize() int {
	return g.worldSize
}

// Comm returns the per-rank handle used to issue collectives.
func (g *Group) Comm(rank int) *Comm {
	return &Comm{g: g, rank: rank}
}

type Comm struct {
	g    *Group
	rank int
}

func (c *Comm) Rank() int {
	return c.rank
}

func (c *Comm) WorldSize() int {
	return c.g.worldSize
}

// CopyToModelParallelRegion marks entry of a replicated activation into
// the tensor-parallel region. The forward pass is the identity; the name
// records where the backward-pass all-reduce would sit.
func (c *Comm) CopyToModelParallelRegion(x []float32) []float32 {
	metrics.RecordCollective("copy_to_region", len(x))
	return x
}

// AllReduce sums x elementwise across all ranks, in place. Every rank ends
// up with the identical rank-ordered sum.
func (c *Comm) AllReduce(x []float32) error {
	slots, err := c.exchange(x)
	if err != nil {
		return err
	}
	tmp := make([]float64, len(x))
	for r := 0; r < c.g.worldSize; r++ {
		for i, v := range slots[r] {
			tmp[i] += float64(v)
		}
	}
	c.g.bar.wait()
	for i := range x {
		x[i] = float32(tmp[i])
	}
	metrics.RecordCollective("all_reduce", len(x))
	return nil
}

// AllGatherSequence concatenates the per-rank sequence shards in rank
// order and returns the full sequence on every rank.
func (c *Comm) AllGatherSequence(shard []float32) ([]float32, error) {
	slots, err := c.exchange(shard)
	if err != nil {
		return nil, err
	}
	total := 0
	for _, s := range slots {
		total += len(s)
	}
	out := make([]float32, 0, total)
	for r := 0; r < c.g.worldSize; r++ {
		out = append(out, slots[r]...)
	}
	c.g.bar.wait()
	metrics.RecordCollective("all_gather_seq", len(out))
	return out, nil
}

// ReduceScatterSequence sums x across ranks and returns this rank's
// sequence shard of the sum. len(x) must divide evenly by the world size.
func (c *Comm) ReduceScatterSequence(x []float32) ([]float32, error) {
	slots, err := c.exchange(x)
	if err != nil {
		return nil, err
	}
	if len(x)%c.g.worldSize != 0 {
		c.g.bar.wait()
		return nil, fmt.Errorf("reduce-scatter length %d not divisible by world_size %d", len(x), c.g.worldSize)
	}
	local := len(x) / c.g.worldSize
	lo := c.rank * local
	out := make([]float32, local)
	tmp := make([]float64, local)
	for r := 0; r < c.g.worldSize; r++ {
		src := slots[r][lo : lo+local]
		for i, v := range src {
			tmp[i] += float64(v)
		}
	}
	for i := range out {
		out[i] = float32(tmp[i])
	}
	c.g.bar.wait()
	metrics.RecordCollective("reduce_scatter_seq", local)
	return out, nil
}

// exchange publishes this rank's buffer and waits until every rank has
// done the same. The returned slot slice is valid until the next barrier,
// which the caller must hit exactly once after reading. Length mismatches
// across ranks are reported on every rank.
func (c *Comm) exchange(x []float32) ([][]float32, error) {
	c.g.slots[c.rank] = x
	c.g.bar.wait()
	for r := 1; r < c.g.worldSize; r++ {
		if len(c.g.slots[r]) != len(c.g.slots[0]) {
			c.g.bar.wait()
			metrics.ValidationErrors.WithLabelValues("collective", "length_mismatch").Inc()
			return nil, fmt.Errorf("collective length mismatch: rank %d has %d elements, rank 0 has %d",
				r, len(c.g.slots[r]), len(c.g.slots[0]))
		}
	}
	return c.g.slots, nil
}

// barrier is a reusable generation-counting rendezvous.
type barrier struct {
	mu    sync.Mutex
	cond  *sync.Cond
	n     int
	count int
	gen   int
}

func newBarrier(n int) *barrier {
	b := &barrier{n: n}
	b.cond = sync.NewCond(&b.mu)
	return b
}

func (b *barrier) wait() {
	b.mu.Lock()
	gen := b.gen
	b.count++
	if b.count == b.n {
		b.count = 0
		b.gen++
		b.cond.Broadcast()
		b.mu.Unlock()
		return
	}
	for gen == b.gen {
		b.cond.Wait()
	}
	b.mu.Unlock()
}
