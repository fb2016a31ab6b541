package serialization

import (
	"encoding/json"
	"fmt"

	"github.com/born-ml/loramerge/internal/tensor"
)

// Format constants.
const (
	HeaderLengthSize = 8              // uint64 LE header length prefix
	HeaderAlignment  = 8              // header JSON is space-padded to this boundary
	MetadataKey      = "__metadata__" // reserved header key for string metadata
)

// Metadata keys written by SafeTensorsWriter.
const (
	MetaFormat      = "format"
	MetaChecksum    = "loramerge.checksum"     // hex xxh64 of the data section
	MetaDataSize    = "loramerge.data_size"    // data section length in bytes
	MetaTensorCount = "loramerge.tensor_count" // number of tensors
)

// SafeTensors dtype names.
const (
	DTypeF64  = "F64"
	DTypeF32  = "F32"
	DTypeF16  = "F16"
	DTypeBF16 = "BF16"
	DTypeI64  = "I64"
	DTypeI32  = "I32"
	DTypeU8   = "U8"
	DTypeBool = "BOOL"
)

// TensorInfo describes a tensor in the SafeTensors header.
type TensorInfo struct {
	DType       string   `json:"dtype"`
	Shape       []int    `json:"shape"`
	DataOffsets [2]int64 `json:"data_offsets"` // [start, end) relative to the data section
}

// Size returns the number of data bytes the entry claims.
func (t TensorInfo) Size() int64 {
	return t.DataOffsets[1] - t.DataOffsets[0]
}

// Header is the JSON header of a SafeTensors file.
type Header struct {
	Metadata map[string]string
	Tensors  map[string]TensorInfo
}

// UnmarshalJSON splits the reserved metadata entry from tensor entries.
func (h *Header) UnmarshalJSON(data []byte) error {
	var rawMap map[string]json.RawMessage
	if err := json.Unmarshal(data, &rawMap); err != nil {
		return err
	}

	if metadataRaw, ok := rawMap[MetadataKey]; ok {
		if err := json.Unmarshal(metadataRaw, &h.Metadata); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	h.Tensors = make(map[string]TensorInfo, len(rawMap))
	for key, value := range rawMap {
		if key == MetadataKey {
			continue
		}
		var info TensorInfo
		if err := json.Unmarshal(value, &info); err != nil {
			return fmt.Errorf("failed to unmarshal tensor %s: %w", key, err)
		}
		h.Tensors[key] = info
	}

	return nil
}

// MarshalJSON emits tensor entries and the metadata entry as one flat object.
// encoding/json sorts map keys, so output is deterministic.
func (h Header) MarshalJSON() ([]byte, error) {
	flat := make(map[string]any, len(h.Tensors)+1)
	if len(h.Metadata) > 0 {
		flat[MetadataKey] = h.Metadata
	}
	for name, info := range h.Tensors {
		flat[name] = info
	}
	return json.Marshal(flat)
}

// DTypeToSafeTensors converts tensor.DataType to a SafeTensors dtype string.
func DTypeToSafeTensors(dt tensor.DataType) (string, error) {
	switch dt {
	case tensor.Float64:
		return DTypeF64, nil
	case tensor.Float32:
		return DTypeF32, nil
	case tensor.Float16:
		return DTypeF16, nil
	case tensor.BFloat16:
		return DTypeBF16, nil
	case tensor.Int64:
		return DTypeI64, nil
	case tensor.Int32:
		return DTypeI32, nil
	case tensor.Uint8:
		return DTypeU8, nil
	case tensor.Bool:
		return DTypeBool, nil
	default:
		return "", fmt.Errorf("%w: %s", ErrUnsupportedDType, dt)
	}
}

// DTypeFromSafeTensors converts a SafeTensors dtype string to tensor.DataType.
func DTypeFromSafeTensors(s string) (tensor.DataType, error) {
	switch s {
	case DTypeF64:
		return tensor.Float64, nil
	case DTypeF32:
		return tensor.Float32, nil
	case DTypeF16:
		return tensor.Float16, nil
	case DTypeBF16:
		return tensor.BFloat16, nil
	case DTypeI64:
		return tensor.Int64, nil
	case DTypeI32:
		return tensor.Int32, nil
	case DTypeU8:
		return tensor.Uint8, nil
	case DTypeBool:
		return tensor.Bool, nil
	default:
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedDType, s)
	}
}
