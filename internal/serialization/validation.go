package serialization

import (
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/loramerge/internal/tensor"
)

// Validation limits for security and resource protection.
const (
	MaxHeaderSize    = 100 * 1024 * 1024 // 100MB - maximum header size
	MaxTensorCount   = 1_000_000         // Maximum number of tensors in a file
	MaxTensorNameLen = 4096              // Maximum tensor name length
)

// ValidationLevel controls the strictness of validation.
type ValidationLevel int

const (
	// ValidationStrict additionally requires the data section to be covered exactly, so a
	// truncated or padded file is rejected (default).
	ValidationStrict ValidationLevel = iota
	// ValidationNormal checks names, dtypes, sizes, bounds and overlaps.
	ValidationNormal
	// ValidationNone skips validation (dangerous! Use only with trusted input).
	ValidationNone
)

type namedInfo struct {
	name string
	info TensorInfo
}

// ValidateTensorOffsets checks every entry's byte range against its dtype and shape, and the
// ranges against each other and the data section.
func ValidateTensorOffsets(tensors map[string]TensorInfo, dataSize int64, level ValidationLevel) error {
	if len(tensors) > MaxTensorCount {
		return &ValidationError{
			Type:    "too_many_tensors",
			Details: fmt.Sprintf("got %d, max %d", len(tensors), MaxTensorCount),
		}
	}

	sorted := make([]namedInfo, 0, len(tensors))
	for name, info := range tensors {
		sorted = append(sorted, namedInfo{name: name, info: info})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].info.DataOffsets[0] != sorted[j].info.DataOffsets[0] {
			return sorted[i].info.DataOffsets[0] < sorted[j].info.DataOffsets[0]
		}
		return sorted[i].name < sorted[j].name
	})

	var expectedStart int64
	for i, t := range sorted {
		start, end := t.info.DataOffsets[0], t.info.DataOffsets[1]

		if start < 0 || end < start {
			return &ValidationError{
				Type:    "negative_offset",
				Tensor:  t.name,
				Details: fmt.Sprintf("data_offsets [%d, %d]", start, end),
			}
		}

		if err := validateEntrySize(t.name, t.info); err != nil {
			return err
		}

		if end > dataSize {
			return &ValidationError{
				Type:    "out_of_bounds",
				Tensor:  t.name,
				Details: fmt.Sprintf("end %d > data_size %d", end, dataSize),
			}
		}

		if i < len(sorted)-1 {
			next := sorted[i+1]
			if end > next.info.DataOffsets[0] {
				return &ValidationError{
					Type:    "offset_overlap",
					Tensor:  t.name,
					Tensor2: next.name,
					Details: fmt.Sprintf("regions [%d-%d] and [%d-%d] overlap",
						start, end, next.info.DataOffsets[0], next.info.DataOffsets[1]),
				}
			}
		}

		if level == ValidationStrict {
			if start != expectedStart {
				return &ValidationError{
					Type:    "gap",
					Tensor:  t.name,
					Details: fmt.Sprintf("starts at %d, previous data ends at %d", start, expectedStart),
				}
			}
			expectedStart = end
		}
	}

	if level == ValidationStrict && expectedStart != dataSize {
		return &ValidationError{
			Type:    "length_mismatch",
			Details: fmt.Sprintf("tensors cover %d bytes, data section is %d bytes", expectedStart, dataSize),
		}
	}

	return nil
}

// validateEntrySize checks that the dtype is known and that the byte range matches the shape.
func validateEntrySize(name string, info TensorInfo) error {
	dt, err := DTypeFromSafeTensors(info.DType)
	if err != nil {
		return &ValidationError{Type: "invalid_dtype", Tensor: name, Details: err.Error()}
	}
	shape := tensor.Shape(info.Shape)
	size, err := shape.ByteSize(dt)
	if err != nil {
		return &ValidationError{Type: "invalid_shape", Tensor: name, Details: err.Error()}
	}
	if want := int64(size); info.Size() != want {
		return &ValidationError{
			Type:    "size_mismatch",
			Tensor:  name,
			Details: fmt.Sprintf("%s %s needs %d bytes, entry spans %d", info.DType, shape, want, info.Size()),
		}
	}
	return nil
}

// ValidateTensorName rejects names that are empty, oversized or contain null bytes.
func ValidateTensorName(name string) error {
	if name == "" {
		return &ValidationError{
			Type:    "invalid_name",
			Details: "empty tensor name",
		}
	}

	if len(name) > MaxTensorNameLen {
		return &ValidationError{
			Type:    "name_too_long",
			Tensor:  name[:64] + "...",
			Details: fmt.Sprintf("length %d > max %d", len(name), MaxTensorNameLen),
		}
	}

	// Prevent null bytes (can bypass length checks in some contexts).
	if strings.Contains(name, "\x00") {
		return &ValidationError{
			Type:    "invalid_name",
			Tensor:  name,
			Details: "contains null byte",
		}
	}

	return nil
}

// ValidateHeader performs header validation at the requested level.
func ValidateHeader(h *Header, dataSize int64, level ValidationLevel) error {
	if level == ValidationNone {
		return nil
	}

	for name := range h.Tensors {
		if err := ValidateTensorName(name); err != nil {
			return err
		}
	}

	return ValidateTensorOffsets(h.Tensors, dataSize, level)
}
