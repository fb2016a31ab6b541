package cpu

import "github.com/born-ml/loramerge/internal/tensor"

// Transfer returns t as a tensor resident on this backend's device.
// A tensor already on the device is returned as is; otherwise its bytes are copied.
// The copy completes before Transfer returns, so any following in-place update observes it.
func (cpu *CPUBackend) Transfer(t *tensor.RawTensor) *tensor.RawTensor {
	if t.Device() == cpu.device {
		return t
	}
	return t.Copy(cpu.device)
}
