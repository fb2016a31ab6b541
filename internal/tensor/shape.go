package tensor

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Shape represents the dimensions of a tensor.
type Shape []int

// NumElements returns the total number of elements in the tensor.
func (s Shape) NumElements() int {
	if len(s) == 0 {
		return 1 // Scalar has 1 element
	}
	n := 1
	for _, dim := range s {
		n *= dim
	}
	return n
}

// Validate checks that no dimension is negative and that the element count fits in an int.
// Zero-length dimensions are allowed and describe an empty tensor.
func (s Shape) Validate() error {
	_, err := s.checkedElements()
	return err
}

func (s Shape) checkedElements() (int, error) {
	n := 1
	for i, dim := range s {
		if dim < 0 {
			return 0, fmt.Errorf("invalid dimension at index %d: %d (must be >= 0)", i, dim)
		}
		if dim != 0 && n > math.MaxInt/dim {
			return 0, fmt.Errorf("shape %s overflows the element count", s)
		}
		n *= dim
	}
	return n, nil
}

// ByteSize returns the buffer size of a tensor of shape s and type dt, or an error when the
// shape is invalid or the size does not fit in an int.
func (s Shape) ByteSize(dt DataType) (int, error) {
	n, err := s.checkedElements()
	if err != nil {
		return 0, err
	}
	if size := dt.Size(); size > 0 && n > math.MaxInt/size {
		return 0, fmt.Errorf("shape %s of %s overflows the byte size", s, dt)
	}
	return n * dt.Size(), nil
}

// Equal checks if two shapes are equal.
func (s Shape) Equal(other Shape) bool {
	if len(s) != len(other) {
		return false
	}
	for i := range s {
		if s[i] != other[i] {
			return false
		}
	}
	return true
}

// Clone returns a copy of the shape.
func (s Shape) Clone() Shape {
	clone := make(Shape, len(s))
	copy(clone, s)
	return clone
}

// Rows returns the leading dimension, treating a scalar as a single row.
func (s Shape) Rows() int {
	if len(s) == 0 {
		return 1
	}
	return s[0]
}

// Cols returns the product of all dimensions after the first.
// A [out, in, kh, kw] convolution kernel has out rows of in*kh*kw columns.
func (s Shape) Cols() int {
	if len(s) < 2 {
		return 1
	}
	return Shape(s[1:]).NumElements()
}

// String formats the shape as [d0,d1,...].
func (s Shape) String() string {
	var b strings.Builder
	b.WriteByte('[')
	for i, d := range s {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.Itoa(d))
	}
	b.WriteByte(']')
	return b.String()
}
