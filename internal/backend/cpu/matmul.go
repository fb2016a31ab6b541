package cpu

import (
	"fmt"

	"gonum.org/v1/gonum/blas"
	"gonum.org/v1/gonum/blas/blas32"

	"github.com/born-ml/loramerge/internal/tensor"
)

// MatMul computes alpha * (A @ B) for row-major float32 matrices.
// A is (m, k), B is (k, n); the result is a new (m, n) slice.
func MatMul(a, b []float32, m, k, n int, alpha float32) ([]float32, error) {
	if len(a) != m*k || len(b) != k*n {
		return nil, fmt.Errorf("matmul: shape mismatch [%d,%d] @ [%d,%d] with %d and %d elements", m, k, k, n, len(a), len(b))
	}

	c := make([]float32, m*n)
	blas32.Gemm(blas.NoTrans, blas.NoTrans, alpha,
		blas32.General{Rows: m, Cols: k, Stride: k, Data: a},
		blas32.General{Rows: k, Cols: n, Stride: n, Data: b},
		0,
		blas32.General{Rows: m, Cols: n, Stride: n, Data: c},
	)
	return c, nil
}

// LowRankProduct returns scale * (up @ down) as a dense row-major slice.
//
// Both factors are flattened to matrices: up [out, r, ...] becomes (out, r*...) and
// down [r, in, ...] becomes (r, in*...). The inner dimensions must agree.
// Factors stored in half precision are widened to float32 before the product.
func (cpu *CPUBackend) LowRankProduct(up, down *tensor.RawTensor, scale float32) ([]float32, error) {
	upShape, downShape := up.Shape(), down.Shape()
	m, k := upShape.Rows(), upShape.Cols()
	kAlt, n := downShape.Rows(), downShape.Cols()
	if k != kAlt {
		return nil, fmt.Errorf("low-rank product: up %s and down %s disagree on rank (%d vs %d)", upShape, downShape, k, kAlt)
	}

	a, err := up.Float32s()
	if err != nil {
		return nil, fmt.Errorf("low-rank product: up factor: %w", err)
	}
	b, err := down.Float32s()
	if err != nil {
		return nil, fmt.Errorf("low-rank product: down factor: %w", err)
	}

	return MatMul(a, b, m, k, n, scale)
}
