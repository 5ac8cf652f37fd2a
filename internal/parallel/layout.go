package parallel

import "fmt"

// Layout identifies one rank's position in the tensor-parallel group.
type Layout struct {
	WorldSize int
	Rank      int
}

func NewLayout(worldSize, rank int) (Layout, error) {
	if worldSize <= 0 {
		return Layout{}, fmt.Errorf("invalid world_size: %d (must be positive)", worldSize)
	}
	if rank < 0 || rank >= worldSize {
		return Layout{}, fmt.Errorf("invalid rank: %d (world_size %d)", rank, worldSize)
	}
	return Layout{WorldSize: worldSize, Rank: rank}, nil
}

// Divide returns the per-rank width of a dimension of size n, failing when
// n does not shard evenly.
func (l Layout) Divide(n int, what string) (int, error) {
	if n%l.WorldSize != 0 {
		return 0, fmt.Errorf("%s (%d) not divisible by world_size (%d)", what, n, l.WorldSize)
	}
	return n / l.WorldSize, nil
}

// ShardRange returns this rank's [lo, hi) slice of a dimension of size n.
func (l Layout) ShardRange(n int, what string) (int, int, error) {
	local, err := l.Divide(n, what)
	if err != nil {
		return 0, 0, err
	}
	return l.Rank * local, (l.Rank + 1) * local, nil
}
