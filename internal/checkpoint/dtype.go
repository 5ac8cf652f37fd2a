package checkpoint

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DType names the on-disk element encoding of a tensor. All tensors are
// float32 in memory; narrower encodings trade precision for size.
type DType string

const (
	F32  DType = "f32"
	F16  DType = "f16"
	BF16 DType = "bf16"
)

func ParseDType(s string) (DType, error) {
	switch DType(s) {
	case F32, F16, BF16:
		return DType(s), nil
	}
	return "", fmt.Errorf("unknown dtype %q", s)
}

// ElemSize returns the encoded bytes per element.
func (d DType) ElemSize() int {
	if d == F32 {
		return 4
	}
	return 2
}

func encodeValues(d DType, vals []float32) ([]byte, error) {
	switch d {
	case F32:
		raw := make([]byte, 4*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint32(raw[4*i:], math.Float32bits(v))
		}
		return raw, nil
	case F16:
		raw := make([]byte, 2*len(vals))
		for i, v := range vals {
			binary.LittleEndian.PutUint16(raw[2*i:], float16.Fromfloat32(v).Bits())
		}
		return raw, nil
	case BF16:
		return bfloat16.EncodeFloat32(vals), nil
	}
	return nil, fmt.Errorf("unknown dtype %q", d)
}

func decodeValues(d DType, raw []byte) ([]float32, error) {
	if len(raw)%d.ElemSize() != 0 {
		return nil, fmt.Errorf("dtype %s: %d bytes is not a whole number of elements", d, len(raw))
	}
	switch d {
	case F32:
		vals := make([]float32, len(raw)/4)
		for i := range vals {
			vals[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
		}
		return vals, nil
	case F16:
		vals := make([]float32, len(raw)/2)
		for i := range vals {
			vals[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[2*i:])).Float32()
		}
		return vals, nil
	case BF16:
		return bfloat16.DecodeFloat32(raw), nil
	}
	return nil, fmt.Errorf("unknown dtype %q", d)
}
