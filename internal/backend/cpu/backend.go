// Package cpu implements the CPU backend used by the merge engine: low-rank products through
// gonum BLAS and in-place dtype-aware accumulation split across goroutines.
package cpu

import (
	"github.com/born-ml/loramerge/internal/parallel"
	"github.com/born-ml/loramerge/internal/tensor"
)

// CPUBackend implements the merge arithmetic on CPU.
type CPUBackend struct {
	device   tensor.Device
	parallel parallel.Config
}

// New creates a new CPU backend using GOMAXPROCS workers.
func New() *CPUBackend {
	return &CPUBackend{
		device:   tensor.CPU,
		parallel: parallel.DefaultConfig(),
	}
}

// NewWithWorkers creates a CPU backend that splits element-wise work across at most n goroutines.
func NewWithWorkers(n int) *CPUBackend {
	return &CPUBackend{
		device:   tensor.CPU,
		parallel: parallel.WithWorkers(n),
	}
}

// Name returns the backend name.
func (cpu *CPUBackend) Name() string {
	return "CPU"
}

// Device returns the compute device.
func (cpu *CPUBackend) Device() tensor.Device {
	return cpu.device
}

// Workers returns the parallelism limit for element-wise operations.
func (cpu *CPUBackend) Workers() int {
	return cpu.parallel.NumWorkers
}
