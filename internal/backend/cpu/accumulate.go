package cpu

import (
	"fmt"

	"github.com/born-ml/loramerge/internal/parallel"
	"github.com/born-ml/loramerge/internal/tensor"
)

// AddInPlace performs dst += delta element-wise.
//
// delta is first rounded to dst's dtype and then added, with the sum rounded again to dst's
// dtype. Elements whose rounded delta is exactly zero are left untouched, so an all-zero
// delta never changes a single bit of dst. dst must live on this backend's device.
func (cpu *CPUBackend) AddInPlace(dst *tensor.RawTensor, delta []float32) error {
	if dst.Device() != cpu.device {
		return fmt.Errorf("add: destination on %s, backend on %s", dst.Device(), cpu.device)
	}
	if len(delta) != dst.NumElements() {
		return fmt.Errorf("add: delta has %d elements, destination %s has %d", len(delta), dst.Shape(), dst.NumElements())
	}

	switch dst.DType() {
	case tensor.Float32:
		out := dst.AsFloat32()
		return cpu.parallelRange(len(delta), func(lo, hi int) error {
			addFloat32(out[lo:hi], delta[lo:hi])
			return nil
		})
	case tensor.Float64:
		out := dst.AsFloat64()
		return cpu.parallelRange(len(delta), func(lo, hi int) error {
			addFloat64(out[lo:hi], delta[lo:hi])
			return nil
		})
	case tensor.Float16, tensor.BFloat16:
		dt := dst.DType()
		size := dt.Size()
		data := dst.Data()
		return cpu.parallelRange(len(delta), func(lo, hi int) error {
			return addHalf(dt, data[lo*size:hi*size], delta[lo:hi])
		})
	default:
		return fmt.Errorf("add: cannot accumulate into %s tensor", dst.DType())
	}
}

func addFloat32(dst, delta []float32) {
	for i, d := range delta {
		if d == 0 {
			continue
		}
		dst[i] += d
	}
}

func addFloat64(dst []float64, delta []float32) {
	for i, d := range delta {
		if d == 0 {
			continue
		}
		dst[i] += float64(d)
	}
}

// addHalf accumulates into a 16-bit float buffer. Only elements with a non-zero rounded
// delta are re-encoded.
func addHalf(dt tensor.DataType, dst []byte, delta []float32) error {
	size := dt.Size()

	d := make([]float32, len(delta))
	copy(d, delta)
	tensor.Round(dt, d)

	sums, err := tensor.DecodeFloat32(dt, dst)
	if err != nil {
		return err
	}
	for i := range sums {
		sums[i] += d[i]
	}

	encoded := make([]byte, len(dst))
	if err := tensor.EncodeFloat32(dt, sums, encoded); err != nil {
		return err
	}
	for i, v := range d {
		if v == 0 {
			continue
		}
		copy(dst[i*size:(i+1)*size], encoded[i*size:(i+1)*size])
	}
	return nil
}

// parallelRange runs fn over [0, n) in disjoint chunks.
func (cpu *CPUBackend) parallelRange(n int, fn func(lo, hi int) error) error {
	return parallel.Range(n, cpu.parallel, fn)
}
