package tensor

import (
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"unsafe"
)

// Device represents the compute device a tensor's buffer lives on.
type Device int

// Supported compute devices.
const (
	CPU Device = iota
	CUDA
	Vulkan
	Metal
	WebGPU
)

// String returns a human-readable device name.
func (d Device) String() string {
	switch d {
	case CPU:
		return "CPU"
	case CUDA:
		return "CUDA"
	case Vulkan:
		return "Vulkan"
	case Metal:
		return "Metal"
	case WebGPU:
		return "WebGPU"
	default:
		return "Unknown"
	}
}

// ParseDevice converts a user-supplied selector such as "cpu" or "cuda:0" into a Device.
// The ordinal after the colon is accepted and ignored.
func ParseDevice(s string) (Device, error) {
	name, _, _ := strings.Cut(strings.ToLower(strings.TrimSpace(s)), ":")
	switch name {
	case "", "cpu":
		return CPU, nil
	case "cuda":
		return CUDA, nil
	case "vulkan":
		return Vulkan, nil
	case "metal", "mps":
		return Metal, nil
	case "webgpu":
		return WebGPU, nil
	default:
		return CPU, fmt.Errorf("unknown device %q", s)
	}
}

// tensorBuffer is a reference-counted buffer shared between a tensor and its clones.
type tensorBuffer struct {
	data     []byte
	refCount atomic.Int32
	mu       sync.Mutex // For safe deallocation
}

func newTensorBuffer(data []byte) *tensorBuffer {
	buf := &tensorBuffer{data: data}
	buf.refCount.Store(1)
	return buf
}

func (tb *tensorBuffer) addRef() {
	tb.refCount.Add(1)
}

// release decrements the reference count and drops the bytes when it reaches 0.
func (tb *tensorBuffer) release() {
	if tb.refCount.Add(-1) == 0 {
		tb.mu.Lock()
		defer tb.mu.Unlock()
		tb.data = nil
	}
}

// RawTensor is a dense, row-major, little-endian tensor.
type RawTensor struct {
	buffer *tensorBuffer
	shape  Shape
	dtype  DataType
	device Device
}

// NewRaw creates a new zero-filled RawTensor with the given shape and type.
func NewRaw(shape Shape, dtype DataType, device Device) (*RawTensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("invalid dtype %d", dtype)
	}
	size, err := shape.ByteSize(dtype)
	if err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}

	return &RawTensor{
		buffer: newTensorBuffer(make([]byte, size)),
		shape:  shape.Clone(),
		dtype:  dtype,
		device: device,
	}, nil
}

// FromBytes wraps data as a tensor without copying. The tensor takes ownership of data.
func FromBytes(shape Shape, dtype DataType, device Device, data []byte) (*RawTensor, error) {
	if !dtype.Valid() {
		return nil, fmt.Errorf("invalid dtype %d", dtype)
	}
	want, err := shape.ByteSize(dtype)
	if err != nil {
		return nil, fmt.Errorf("invalid shape: %w", err)
	}
	if len(data) != want {
		return nil, fmt.Errorf("shape %s of %s needs %d bytes, got %d", shape, dtype, want, len(data))
	}
	if data == nil {
		data = []byte{}
	}

	return &RawTensor{
		buffer: newTensorBuffer(data),
		shape:  shape.Clone(),
		dtype:  dtype,
		device: device,
	}, nil
}

// FromFloat32 creates a tensor of the given dtype holding values rounded to that dtype.
func FromFloat32(shape Shape, dtype DataType, values []float32) (*RawTensor, error) {
	if shape.NumElements() != len(values) {
		return nil, fmt.Errorf("shape %s requires %d elements, but got %d", shape, shape.NumElements(), len(values))
	}
	raw, err := NewRaw(shape, dtype, CPU)
	if err != nil {
		return nil, err
	}
	if err := EncodeFloat32(dtype, values, raw.Data()); err != nil {
		return nil, err
	}
	return raw, nil
}

// Shape returns the tensor's shape.
func (r *RawTensor) Shape() Shape {
	return r.shape
}

// DType returns the tensor's data type.
func (r *RawTensor) DType() DataType {
	return r.dtype
}

// Device returns the tensor's compute device.
func (r *RawTensor) Device() Device {
	return r.device
}

// NumElements returns the total number of elements.
func (r *RawTensor) NumElements() int {
	return r.shape.NumElements()
}

// ByteSize returns the total memory size in bytes.
func (r *RawTensor) ByteSize() int {
	return r.NumElements() * r.dtype.Size()
}

// Data returns the raw little-endian byte slice.
// WARNING: Direct access to underlying memory. Writes are visible to every clone.
func (r *RawTensor) Data() []byte {
	return r.buffer.data
}

// AsFloat32 interprets the data as []float32.
// Panics if the tensor's dtype is not Float32.
func (r *RawTensor) AsFloat32() []float32 {
	if r.dtype != Float32 {
		panic(fmt.Sprintf("tensor dtype is %s, not float32", r.dtype))
	}
	data := r.buffer.data
	if len(data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy performance, bounds checked by NumElements()
	return unsafe.Slice((*float32)(unsafe.Pointer(&data[0])), len(data)/4)
}

// AsFloat64 interprets the data as []float64.
// Panics if the tensor's dtype is not Float64.
func (r *RawTensor) AsFloat64() []float64 {
	if r.dtype != Float64 {
		panic(fmt.Sprintf("tensor dtype is %s, not float64", r.dtype))
	}
	data := r.buffer.data
	if len(data) == 0 {
		return nil
	}
	//nolint:gosec // unsafe.Slice for zero-copy performance, bounds checked by the buffer length
	return unsafe.Slice((*float64)(unsafe.Pointer(&data[0])), len(data)/8)
}

// Float32s decodes the tensor into a newly allocated []float32.
func (r *RawTensor) Float32s() ([]float32, error) {
	return DecodeFloat32(r.dtype, r.buffer.data)
}

// Scalar returns the single value of a one-element floating point tensor.
func (r *RawTensor) Scalar() (float32, error) {
	if r.NumElements() != 1 {
		return 0, fmt.Errorf("tensor of shape %s is not a scalar", r.shape)
	}
	vals, err := r.Float32s()
	if err != nil {
		return 0, err
	}
	return vals[0], nil
}

// Clone creates a shallow copy that shares the buffer with r. Writes through either tensor
// are visible to both.
func (r *RawTensor) Clone() *RawTensor {
	r.buffer.addRef()
	return &RawTensor{
		buffer: r.buffer,
		shape:  r.shape.Clone(),
		dtype:  r.dtype,
		device: r.device,
	}
}

// Copy returns a deep copy of r placed on device.
func (r *RawTensor) Copy(device Device) *RawTensor {
	data := make([]byte, len(r.buffer.data))
	copy(data, r.buffer.data)
	return &RawTensor{
		buffer: newTensorBuffer(data),
		shape:  r.shape.Clone(),
		dtype:  r.dtype,
		device: device,
	}
}

// Release decrements the reference count and drops the bytes once no clone remains.
func (r *RawTensor) Release() {
	r.buffer.release()
}

// Released reports whether the buffer has been dropped.
func (r *RawTensor) Released() bool {
	r.buffer.mu.Lock()
	defer r.buffer.mu.Unlock()
	return r.buffer.data == nil
}

// String returns a short description such as "bfloat16[4,4]@CPU".
func (r *RawTensor) String() string {
	return fmt.Sprintf("%s%s@%s", r.dtype, r.shape, r.device)
}
