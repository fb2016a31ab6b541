package merge

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/born-ml/loramerge/internal/lora"
	"github.com/born-ml/loramerge/internal/serialization"
)

// Sentinel errors.
var (
	ErrTooManyMultipliers = errors.New("more multipliers than adapters")
	ErrDeviceMismatch     = errors.New("tensor is not on the merge device")
)

// PartialMergeError reports an adapter whose declared targets were not all updated.
// The base model may hold a partially applied delta for Adapter.
type PartialMergeError struct {
	Adapter  string
	Declared []string // base tensors the adapter resolved to
	Merged   []string // base tensors actually updated
	Err      error    // failure that stopped the adapter, if any
}

// Error implements the error interface.
func (e *PartialMergeError) Error() string {
	msg := fmt.Sprintf("adapter %s: merged %d of %d targets", e.Adapter, len(e.Merged), len(e.Declared))
	if missing := e.Missing(); len(missing) > 0 {
		msg += " (missing " + strings.Join(missing, ", ") + ")"
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *PartialMergeError) Unwrap() error {
	return e.Err
}

// Missing returns declared targets that were not merged.
func (e *PartialMergeError) Missing() []string {
	merged := make(map[string]int, len(e.Merged))
	for _, m := range e.Merged {
		merged[m]++
	}
	var missing []string
	for _, d := range e.Declared {
		if merged[d] > 0 {
			merged[d]--
			continue
		}
		missing = append(missing, d)
	}
	return missing
}

// ErrorKind classifies err for metrics and exit reporting.
func ErrorKind(err error) string {
	var (
		structural *lora.StructuralError
		unresolved *lora.UnresolvedTargetError
		shape      *lora.ShapeMismatchError
		dtype      *lora.DTypeError
		partial    *PartialMergeError
		storage    *serialization.StorageError
	)
	switch {
	case err == nil:
		return ""
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	case errors.As(err, &partial):
		return "partial_merge"
	case errors.As(err, &structural):
		return "structural"
	case errors.As(err, &unresolved):
		return "unresolved_target"
	case errors.As(err, &shape):
		return "shape_mismatch"
	case errors.As(err, &dtype):
		return "dtype"
	case errors.Is(err, ErrTooManyMultipliers):
		return "config"
	case errors.As(err, &storage):
		return "storage"
	default:
		return "other"
	}
}
