// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package tensor

import (
	"github.com/born-ml/loramerge/internal/tensor"
)

// RawTensor is a shaped, typed buffer.
//
// RawTensor provides:
//   - Shape and type information via Shape(), DType(), Device()
//   - Decoded access via Float32s() and Scalar()
//   - Shared references via Clone()
//   - Reference counting via Release()
//
// Example:
//
//	raw, _ := tensor.NewRaw(tensor.Shape{2, 3}, tensor.Float16, tensor.CPU)
//	vals, _ := raw.Float32s() // decoded copy
//	clone := raw.Clone()      // same buffer, writes are visible to both
type RawTensor = tensor.RawTensor

// Shape is a list of dimension sizes.
type Shape = tensor.Shape

// DataType identifies the element type of a tensor.
type DataType = tensor.DataType

// Device identifies where a tensor's buffer lives.
type Device = tensor.Device

// StateDict maps unique tensor names to tensors.
type StateDict = tensor.StateDict

// Element types.
const (
	Float32  = tensor.Float32
	Float64  = tensor.Float64
	Float16  = tensor.Float16
	BFloat16 = tensor.BFloat16
	Int32    = tensor.Int32
	Int64    = tensor.Int64
	Uint8    = tensor.Uint8
	Bool     = tensor.Bool
)

// Devices.
const (
	CPU    = tensor.CPU
	CUDA   = tensor.CUDA
	Vulkan = tensor.Vulkan
	Metal  = tensor.Metal
	WebGPU = tensor.WebGPU
)

// NewRaw allocates a zero-filled tensor.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	return tensor.NewRaw(shape, dtype, device)
}

// FromBytes wraps data as a tensor. data must hold exactly shape's elements of dtype.
func FromBytes(shape Shape, dtype DataType, device Device, data []byte) (*RawTensor, error) {
	return tensor.FromBytes(shape, dtype, device, data)
}

// FromFloat32 builds a CPU tensor of dtype from float32 values, rounding each value.
func FromFloat32(shape Shape, dtype DataType, values []float32) (*RawTensor, error) {
	return tensor.FromFloat32(shape, dtype, values)
}

// ParseDevice converts a selector such as "cpu" or "cuda:0" into a Device.
func ParseDevice(s string) (Device, error) {
	return tensor.ParseDevice(s)
}
