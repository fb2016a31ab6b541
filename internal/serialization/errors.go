package serialization

import (
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrChecksumMismatch  = errors.New("checksum mismatch: file may be corrupted")
	ErrOffsetOverlap     = errors.New("tensor offsets overlap")
	ErrOutOfBounds       = errors.New("tensor extends beyond data section")
	ErrNegativeOffset    = errors.New("negative offset or size")
	ErrTooManyTensors    = errors.New("too many tensors in file")
	ErrTensorNameTooLong = errors.New("tensor name too long")
	ErrInvalidTensorName = errors.New("invalid tensor name")
	ErrHeaderTooLarge    = errors.New("header exceeds maximum size")
	ErrInvalidHeader     = errors.New("invalid safetensors header")
	ErrUnsupportedDType  = errors.New("unsupported dtype")
	ErrTensorNotFound    = errors.New("tensor not found")
	ErrWriterClosed      = errors.New("writer is closed")
)

// ValidationError provides detailed information about validation failures.
type ValidationError struct {
	Type    string // Type of error (e.g., "offset_overlap", "out_of_bounds")
	Tensor  string // Primary tensor name involved
	Tensor2 string // Secondary tensor name (for overlap errors)
	Details string // Additional details
}

// Error implements the error interface.
func (e *ValidationError) Error() string {
	if e.Tensor2 != "" {
		return fmt.Sprintf("%s: tensors %q and %q: %s", e.Type, e.Tensor, e.Tensor2, e.Details)
	}
	if e.Tensor != "" {
		return fmt.Sprintf("%s: tensor %q: %s", e.Type, e.Tensor, e.Details)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Details)
}

// validationSentinels maps ValidationError types to the sentinel each one unwraps to.
var validationSentinels = map[string]error{
	"too_many_tensors": ErrTooManyTensors,
	"negative_offset":  ErrNegativeOffset,
	"out_of_bounds":    ErrOutOfBounds,
	"offset_overlap":   ErrOffsetOverlap,
	"name_too_long":    ErrTensorNameTooLong,
	"invalid_name":     ErrInvalidTensorName,
	"invalid_dtype":    ErrUnsupportedDType,
}

// Unwrap returns the sentinel for e.Type so callers can match with errors.Is. Layout
// problems without a dedicated sentinel (gaps, size or shape mismatches) unwrap to
// ErrInvalidHeader.
func (e *ValidationError) Unwrap() error {
	if err, ok := validationSentinels[e.Type]; ok {
		return err
	}
	return ErrInvalidHeader
}

// StorageError reports an I/O or integrity failure while reading or writing a checkpoint file.
type StorageError struct {
	Op   string // "open", "read", "validate", "write", "commit"
	Path string
	Err  error
}

// Error implements the error interface.
func (e *StorageError) Error() string {
	return fmt.Sprintf("storage %s %s: %v", e.Op, e.Path, e.Err)
}

// Unwrap returns the underlying error.
func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op, path string, err error) error {
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Path: path, Err: err}
}
