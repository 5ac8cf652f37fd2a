package parallel

import (
	"golang.org/x/sync/errgroup"
)

// Run launches fn once per rank as an SPMD group and joins. The first
// error wins. A rank failing outside a collective does not interrupt the
// others; a rank failing to reach a collective the others entered is fatal
// to the whole process group by design, so callers must treat any returned
// error as terminal.
func Run(worldSize int, fn func(rank int, c *Comm) error) error {
	g := NewGroup(worldSize)
	var eg errgroup.Group
	for rank := 0; rank < worldSize; rank++ {
		comm := g.Comm(rank)
		r := rank
		eg.Go(func() error {
			return fn(r, comm)
		})
	}
	return eg.Wait()
}
