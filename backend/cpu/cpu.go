// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

package cpu

import (
	internalcpu "github.com/born-ml/loramerge/internal/backend/cpu"
)

// Backend is the CPU merge backend.
//
// It computes low-rank products with gonum's BLAS and accumulates deltas into base tensors
// in place, splitting large tensors across worker goroutines.
type Backend = internalcpu.CPUBackend

// New creates a CPU backend with one worker per logical CPU.
//
// Example:
//
//	import (
//	    "github.com/born-ml/loramerge/backend/cpu"
//	    "github.com/born-ml/loramerge/merge"
//	)
//
//	func main() {
//	    engine := merge.NewEngine(merge.WithBackend(cpu.New()))
//	    _ = engine
//	}
func New() *Backend {
	return internalcpu.New()
}

// NewWithWorkers creates a CPU backend that uses at most n goroutines per tensor.
func NewWithWorkers(n int) *Backend {
	return internalcpu.NewWithWorkers(n)
}
