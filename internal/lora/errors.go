package lora

import (
	"fmt"
	"strings"

	"github.com/born-ml/loramerge/internal/tensor"
)

// StructuralError reports an adapter group that cannot form a valid low-rank update.
type StructuralError struct {
	Target string // adapter target prefix
	Reason string
}

// Error implements the error interface.
func (e *StructuralError) Error() string {
	return fmt.Sprintf("adapter target %q: %s", e.Target, e.Reason)
}

// UnresolvedTargetError reports an adapter target with no matching base tensor.
type UnresolvedTargetError struct {
	Target     string
	Tried      []string // base tensor names that were looked up
	Candidates []string // set when a flattened name matches several base modules
}

// Error implements the error interface.
func (e *UnresolvedTargetError) Error() string {
	if len(e.Candidates) > 0 {
		return fmt.Sprintf("adapter target %q is ambiguous: matches %s", e.Target, strings.Join(e.Candidates, ", "))
	}
	return fmt.Sprintf("adapter target %q not found in base model (tried %s)", e.Target, strings.Join(e.Tried, ", "))
}

// ShapeMismatchError reports a delta whose shape differs from the base tensor it targets.
type ShapeMismatchError struct {
	Target string       // adapter target prefix
	Base   string       // base tensor name
	Want   tensor.Shape // base tensor shape
	Got    tensor.Shape // implied delta shape
}

// Error implements the error interface.
func (e *ShapeMismatchError) Error() string {
	return fmt.Sprintf("adapter target %q: delta shape %s does not match %s %s", e.Target, e.Got, e.Base, e.Want)
}

// DTypeError reports a tensor whose dtype cannot take part in a merge.
type DTypeError struct {
	Target string // adapter target prefix
	Tensor string // offending tensor name
	DType  tensor.DataType
}

// Error implements the error interface.
func (e *DTypeError) Error() string {
	return fmt.Sprintf("adapter target %q: tensor %s has non-floating dtype %s", e.Target, e.Tensor, e.DType)
}
