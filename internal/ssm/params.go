package ssm

// Param is a learned tensor plus the metadata external save/restore and
// gradient-averaging logic needs. TensorParallel marks the tensor as
// sharded along the partition dimension: it must never be
// replicate-averaged across ranks. NoWeightDecay and NoReinit carry the
// optimizer-facing tags of the numerically sensitive parameters.
type Param struct {
	Name           string
	Data           []float32
	Shape          []int
	TensorParallel bool
	NoWeightDecay  bool
	NoReinit       bool
}

func (p *Param) NumElements() int {
	n := 1
	for _, d := range p.Shape {
		n *= d
	}
	return n
}

// Params returns the mixer's parameters in a stable order.
func (m *Mixer) Params() []*Param {
	out := []*Param{
		m.inProj,
		m.convWeight,
	}
	if m.convBias != nil {
		out = append(out, m.convBias)
	}
	out = append(out, m.dtBias, m.aLog, m.dSkip)
	if m.normWeight != nil {
		out = append(out, m.normWeight)
	}
	out = append(out, m.outProj)
	return out
}

// shardRows slices rows of a (rows, cols) row-major matrix. The rows are
// described as consecutive segments of the full output dimension; each
// segment is independently partitioned across ranks, and the local matrix
// is the concatenation of this rank's slice of every segment.
func shardRows(full []float32, cols int, segments []int, worldSize, rank int) []float32 {
	localRows := 0
	for _, seg := range segments {
		localRows += seg / worldSize
	}
	out := make([]float32, 0, localRows*cols)
	base := 0
	for _, seg := range segments {
		local := seg / worldSize
		lo := base + rank*local
		out = append(out, full[lo*cols:(lo+local)*cols]...)
		base += seg
	}
	return out
}

// shardVec is shardRows for a vector (cols == 1).
func shardVec(full []float32, segments []int, worldSize, rank int) []float32 {
	return shardRows(full, 1, segments, worldSize, rank)
}

// shardCols slices columns of a (rows, cols) row-major matrix, taking this
// rank's contiguous slice of the contraction dimension.
func shardCols(full []float32, rows, cols, worldSize, rank int) []float32 {
	local := cols / worldSize
	out := make([]float32, 0, rows*local)
	for r := 0; r < rows; r++ {
		lo := r*cols + rank*local
		out = append(out, full[lo:lo+local]...)
	}
	return out
}
