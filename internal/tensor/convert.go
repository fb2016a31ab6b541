package tensor

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/d4l3k/go-bfloat16"
	"github.com/x448/float16"
)

// DecodeFloat32 decodes little-endian values of type dt into a new []float32.
// Integer types are accepted so that scalar hyper-parameters stored as integers can be read.
func DecodeFloat32(dt DataType, b []byte) ([]float32, error) {
	if len(b)%dt.Size() != 0 {
		return nil, fmt.Errorf("%d bytes is not a multiple of %s element size", len(b), dt)
	}
	n := len(b) / dt.Size()

	switch dt {
	case Float32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*4:]))
		}
		return out, nil
	case Float64:
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(math.Float64frombits(binary.LittleEndian.Uint64(b[i*8:])))
		}
		return out, nil
	case Float16:
		out := make([]float32, n)
		for i := range out {
			out[i] = float16.Frombits(binary.LittleEndian.Uint16(b[i*2:])).Float32()
		}
		return out, nil
	case BFloat16:
		return bfloat16.DecodeFloat32(b), nil
	case Int32:
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(int32(binary.LittleEndian.Uint32(b[i*4:]))) //nolint:gosec // G115: reinterpretation of stored bits
		}
		return out, nil
	case Int64:
		out := make([]float32, n)
		for i := range out {
			out[i] = float32(int64(binary.LittleEndian.Uint64(b[i*8:]))) //nolint:gosec // G115: reinterpretation of stored bits
		}
		return out, nil
	default:
		return nil, fmt.Errorf("cannot decode %s as float32", dt)
	}
}

// EncodeFloat32 writes vals into dst using the encoding of dt, rounding to the target precision.
// dst must be exactly len(vals)*dt.Size() bytes.
func EncodeFloat32(dt DataType, vals []float32, dst []byte) error {
	if !dt.IsFloat() {
		return fmt.Errorf("cannot encode float32 values as %s", dt)
	}
	if len(dst) != len(vals)*dt.Size() {
		return fmt.Errorf("destination holds %d bytes, need %d", len(dst), len(vals)*dt.Size())
	}

	switch dt {
	case Float32:
		for i, v := range vals {
			binary.LittleEndian.PutUint32(dst[i*4:], math.Float32bits(v))
		}
	case Float64:
		for i, v := range vals {
			binary.LittleEndian.PutUint64(dst[i*8:], math.Float64bits(float64(v)))
		}
	case Float16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(dst[i*2:], float16.Fromfloat32(v).Bits())
		}
	case BFloat16:
		for i, v := range vals {
			binary.LittleEndian.PutUint16(dst[i*2:], bfloat16Bits(v))
		}
	}
	return nil
}

// Round replaces every value in vals with the nearest value representable in dt.
// Float32 and Float64 leave vals unchanged.
func Round(dt DataType, vals []float32) {
	switch dt {
	case Float16:
		for i, v := range vals {
			vals[i] = float16.Fromfloat32(v).Float32()
		}
	case BFloat16:
		for i, v := range vals {
			vals[i] = math.Float32frombits(uint32(bfloat16Bits(v)) << 16)
		}
	}
}

// bfloat16Bits converts v to bfloat16 bits, rounding to nearest with ties to even.
// NaN stays a quiet NaN with its sign.
func bfloat16Bits(v float32) uint16 {
	u := math.Float32bits(v)
	if u&0x7fffffff > 0x7f800000 {
		return uint16(u>>16) | 0x0040
	}
	u += 0x7fff + (u>>16)&1
	return uint16(u >> 16)
}
