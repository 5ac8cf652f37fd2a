package device

import (
	"runtime"
	"sync/atomic"
)

type Context struct {
	numThreads int
}

func NewContext() *Context {
	return &Context{
		numThreads: runtime.NumCPU(),
	}
}

func (c *Context) SetNumThreads(n int) {
	if n > 0 {
		c.numThreads = n
	}
}

func (c *Context) NumThreads() int {
	return c.numThreads
}

// Tensor is a row-major float32 tensor. Dimension order is the callers'
// contract; kernels in this package document the layout they expect.
type Tensor struct {
	data []float32
	dims []int
	name string
}

// NewTensor allocates a zeroed tensor.
func NewTensor(name string, dims ...int) *Tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	RecordMemory(int64(n * 4))
	return &Tensor{
		data: make([]float32, n),
		dims: append([]int(nil), dims...),
		name: name,
	}
}

// NewTensorFrom wraps an existing backing slice. len(data) must equal the
// product of dims.
func NewTensorFrom(name string, data []float32, dims ...int) *Tensor {
	n := 1
	for _, d := range dims {
		n *= d
	}
	if n != len(data) {
		panic("device: tensor dims do not match data length")
	}
	return &Tensor{
		data: data,
		dims: append([]int(nil), dims...),
		name: name,
	}
}

func (t *Tensor) Dims() []int {
	return t.dims
}

func (t *Tensor) Data() []float32 {
	return t.data
}

func (t *Tensor) Name() string {
	return t.name
}

func (t *Tensor) NumElements() int {
	n := 1
	for _, d := range t.dims {
		n *= d
	}
	return n
}

// Zero clears the tensor in place.
func (t *Tensor) Zero() {
	for i := range t.data {
		t.data[i] = 0
	}
}

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	data := make([]float32, len(t.data))
	copy(data, t.data)
	return NewTensorFrom(t.name, data, t.dims...)
}

func (t *Tensor) Free() {
	RecordMemory(int64(-len(t.data) * 4))
	t.data = nil
}

var cpuAllocatedBytes int64

func CPUAllocatedBytes() int64 {
	return atomic.LoadInt64(&cpuAllocatedBytes)
}

func RecordMemory(n int64) {
	atomic.AddInt64(&cpuAllocatedBytes, n)
}
