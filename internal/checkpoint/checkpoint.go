package checkpoint

import (
	"fmt"
	"io"
	"os"
	"strconv"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/ipc"
	"github.com/apache/arrow-go/v18/arrow/memory"
	"github.com/cespare/xxhash/v2"

	"github.com/ssmlab/sidewinder/internal/engine"
	"github.com/ssmlab/sidewinder/internal/metrics"
	"github.com/ssmlab/sidewinder/internal/ssm"
)

// Tensor is one named parameter or state buffer in a snapshot. Data is
// always float32 in memory; DType records the serialized encoding.
type Tensor struct {
	Layer          int
	Name           string
	DType          DType
	Shape          []int
	Data           []float32
	TensorParallel bool
	NoWeightDecay  bool
}

// Meta identifies which shard of which model a snapshot holds. Sharded
// tensors from different ranks are not interchangeable.
type Meta struct {
	WorldSize int
	Rank      int
	Layers    int
	DModel    int
}

// Snapshot is an in-memory checkpoint: shard metadata plus tensors.
type Snapshot struct {
	Meta    Meta
	Tensors []Tensor
}

// Tensors are rows of a single Arrow record batch; shard metadata rides
// on the schema. Each row carries the xxhash64 of its encoded payload.
func tensorSchema(meta Meta) *arrow.Schema {
	md := arrow.NewMetadata(
		[]string{"world_size", "rank", "layers", "d_model"},
		[]string{
			strconv.Itoa(meta.WorldSize),
			strconv.Itoa(meta.Rank),
			strconv.Itoa(meta.Layers),
			strconv.Itoa(meta.DModel),
		},
	)
	return arrow.NewSchema([]arrow.Field{
		{Name: "layer", Type: arrow.PrimitiveTypes.Int32},
		{Name: "name", Type: arrow.BinaryTypes.String},
		{Name: "dtype", Type: arrow.BinaryTypes.String},
		{Name: "shape", Type: arrow.ListOf(arrow.PrimitiveTypes.Int32)},
		{Name: "tensor_parallel", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "no_weight_decay", Type: arrow.FixedWidthTypes.Boolean},
		{Name: "data", Type: arrow.BinaryTypes.Binary},
		{Name: "xxh64", Type: arrow.PrimitiveTypes.Uint64},
	}, &md)
}

func buildRecord(mem memory.Allocator, schema *arrow.Schema, tensors []Tensor) (arrow.Record, error) {
	b := array.NewRecordBuilder(mem, schema)
	defer b.Release()

	layerB := b.Field(0).(*array.Int32Builder)
	nameB := b.Field(1).(*array.StringBuilder)
	dtypeB := b.Field(2).(*array.StringBuilder)
	shapeB := b.Field(3).(*array.ListBuilder)
	shapeVB := shapeB.ValueBuilder().(*array.Int32Builder)
	tpB := b.Field(4).(*array.BooleanBuilder)
	nwdB := b.Field(5).(*array.BooleanBuilder)
	dataB := b.Field(6).(*array.BinaryBuilder)
	sumB := b.Field(7).(*array.Uint64Builder)

	for i := range tensors {
		t := &tensors[i]
		raw, err := encodeValues(t.DType, t.Data)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", t.Name, err)
		}
		layerB.Append(int32(t.Layer))
		nameB.Append(t.Name)
		dtypeB.Append(string(t.DType))
		shapeB.Append(true)
		for _, d := range t.Shape {
			shapeVB.Append(int32(d))
		}
		tpB.Append(t.TensorParallel)
		nwdB.Append(t.NoWeightDecay)
		dataB.Append(raw)
		sumB.Append(xxhash.Sum64(raw))

		metrics.CheckpointBytes.WithLabelValues("write").Add(float64(len(raw)))
		metrics.CheckpointTensors.WithLabelValues("write").Inc()
	}
	return b.NewRecord(), nil
}

// Write serializes the snapshot as an Arrow IPC stream.
func Write(w io.Writer, snap *Snapshot) error {
	mem := memory.NewGoAllocator()
	schema := tensorSchema(snap.Meta)

	rec, err := buildRecord(mem, schema, snap.Tensors)
	if err != nil {
		return err
	}
	defer rec.Release()

	ipcW := ipc.NewWriter(w, ipc.WithSchema(schema), ipc.WithAllocator(mem))
	if err := ipcW.Write(rec); err != nil {
		ipcW.Close()
		return fmt.Errorf("checkpoint write: %w", err)
	}
	return ipcW.Close()
}

// Read parses an Arrow IPC stream, verifies every tensor checksum and
// decodes the payloads back to float32.
func Read(r io.Reader) (*Snapshot, error) {
	mem := memory.NewGoAllocator()
	ipcR, err := ipc.NewReader(r, ipc.WithAllocator(mem))
	if err != nil {
		return nil, fmt.Errorf("checkpoint read: %w", err)
	}
	defer ipcR.Release()

	snap := &Snapshot{Meta: metaFromSchema(ipcR.Schema())}
	for ipcR.Next() {
		tensors, err := tensorsFromRecord(ipcR.Record())
		if err != nil {
			return nil, err
		}
		snap.Tensors = append(snap.Tensors, tensors...)
	}
	if err := ipcR.Err(); err != nil && err != io.EOF {
		return nil, fmt.Errorf("checkpoint read: %w", err)
	}
	return snap, nil
}

func metaFromSchema(schema *arrow.Schema) Meta {
	md := schema.Metadata()
	get := func(key string) int {
		i := md.FindKey(key)
		if i < 0 {
			return 0
		}
		n, _ := strconv.Atoi(md.Values()[i])
		return n
	}
	return Meta{
		WorldSize: get("world_size"),
		Rank:      get("rank"),
		Layers:    get("layers"),
		DModel:    get("d_model"),
	}
}

func tensorsFromRecord(rec arrow.Record) ([]Tensor, error) {
	layerC := rec.Column(0).(*array.Int32)
	nameC := rec.Column(1).(*array.String)
	dtypeC := rec.Column(2).(*array.String)
	shapeC := rec.Column(3).(*array.List)
	shapeV := shapeC.ListValues().(*array.Int32)
	tpC := rec.Column(4).(*array.Boolean)
	nwdC := rec.Column(5).(*array.Boolean)
	dataC := rec.Column(6).(*array.Binary)
	sumC := rec.Column(7).(*array.Uint64)

	out := make([]Tensor, 0, rec.NumRows())
	for i := 0; i < int(rec.NumRows()); i++ {
		name := nameC.Value(i)
		raw := dataC.Value(i)
		if got := xxhash.Sum64(raw); got != sumC.Value(i) {
			return nil, fmt.Errorf("tensor %q: checksum mismatch (%016x != %016x)", name, got, sumC.Value(i))
		}
		dt, err := ParseDType(dtypeC.Value(i))
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}
		vals, err := decodeValues(dt, raw)
		if err != nil {
			return nil, fmt.Errorf("tensor %q: %w", name, err)
		}

		start, end := shapeC.ValueOffsets(i)
		shape := make([]int, 0, end-start)
		elems := 1
		for j := start; j < end; j++ {
			d := int(shapeV.Value(int(j)))
			shape = append(shape, d)
			elems *= d
		}
		if elems != len(vals) {
			return nil, fmt.Errorf("tensor %q: shape %v holds %d elements, payload has %d", name, shape, elems, len(vals))
		}

		out = append(out, Tensor{
			Layer:          int(layerC.Value(i)),
			Name:           name,
			DType:          dt,
			Shape:          shape,
			Data:           vals,
			TensorParallel: tpC.Value(i),
			NoWeightDecay:  nwdC.Value(i),
		})
		metrics.CheckpointBytes.WithLabelValues("read").Add(float64(len(raw)))
		metrics.CheckpointTensors.WithLabelValues("read").Inc()
	}
	return out, nil
}

// Save writes the snapshot to a file.
func Save(path string, snap *Snapshot) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Write(f, snap); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// Load reads a snapshot from a file.
func Load(path string) (*Snapshot, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return Read(f)
}

// FromModel captures every layer's parameters of one rank's model.
func FromModel(m *engine.Model, dt DType) *Snapshot {
	cfg := m.Config()
	snap := &Snapshot{Meta: Meta{
		WorldSize: cfg.WorldSize,
		Rank:      m.Block(0).Mixer().Rank(),
		Layers:    cfg.Layers,
		DModel:    cfg.DModel,
	}}
	for layer, params := range m.Params() {
		snap.Tensors = append(snap.Tensors, fromParams(layer, params, dt)...)
	}
	return snap
}

func fromParams(layer int, params []*ssm.Param, dt DType) []Tensor {
	out := make([]Tensor, 0, len(params))
	for _, p := range params {
		out = append(out, Tensor{
			Layer:          layer,
			Name:           p.Name,
			DType:          dt,
			Shape:          append([]int(nil), p.Shape...),
			Data:           append([]float32(nil), p.Data...),
			TensorParallel: p.TensorParallel,
			NoWeightDecay:  p.NoWeightDecay,
		})
	}
	return out
}

// FromSession captures a session's recurrent state buffers, one conv and
// one SSM tensor per touched layer.
func FromSession(sess *ssm.Session, dt DType) *Snapshot {
	snap := &Snapshot{}
	for _, layer := range sess.Layers() {
		st := sess.State(layer)
		snap.Tensors = append(snap.Tensors,
			Tensor{
				Layer: layer,
				Name:  "state.conv",
				DType: dt,
				Shape: append([]int(nil), st.Conv.Dims()...),
				Data:  append([]float32(nil), st.Conv.Data()...),
			},
			Tensor{
				Layer: layer,
				Name:  "state.ssm",
				DType: dt,
				Shape: append([]int(nil), st.SSM.Dims()...),
				Data:  append([]float32(nil), st.SSM.Data()...),
			},
		)
	}
	return snap
}

// Find returns the named tensor of a layer, or nil.
func (s *Snapshot) Find(layer int, name string) *Tensor {
	for i := range s.Tensors {
		if s.Tensors[i].Layer == layer && s.Tensors[i].Name == name {
			return &s.Tensors[i]
		}
	}
	return nil
}

// Restore copies every snapshot tensor into the matching model parameter.
// The model must have the same geometry and shard the snapshot was taken
// from.
func (s *Snapshot) Restore(m *engine.Model) error {
	for i := range s.Tensors {
		t := &s.Tensors[i]
		if t.Layer < 0 || t.Layer >= m.Layers() {
			return fmt.Errorf("restore %q: layer %d out of range (model has %d)", t.Name, t.Layer, m.Layers())
		}
		var dst *ssm.Param
		for _, p := range m.Block(t.Layer).Params() {
			if p.Name == t.Name {
				dst = p
				break
			}
		}
		if dst == nil {
			return fmt.Errorf("restore: layer %d has no parameter %q", t.Layer, t.Name)
		}
		if len(dst.Data) != len(t.Data) {
			return fmt.Errorf("restore %q: %d elements, model expects %d", t.Name, len(t.Data), len(dst.Data))
		}
		copy(dst.Data, t.Data)
	}
	return nil
}
