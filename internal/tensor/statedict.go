package tensor

import "sort"

// StateDict maps unique tensor names to tensors. It represents both a full model checkpoint
// and an adapter checkpoint. Iteration order carries no meaning.
type StateDict map[string]*RawTensor

// Names returns the tensor names in sorted order.
func (s StateDict) Names() []string {
	names := make([]string, 0, len(s))
	for name := range s {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ByteSize returns the sum of all tensor byte sizes.
func (s StateDict) ByteSize() int64 {
	var total int64
	for _, t := range s {
		total += int64(t.ByteSize())
	}
	return total
}

// Release releases every tensor and empties the map.
func (s StateDict) Release() {
	for name, t := range s {
		t.Release()
		delete(s, name)
	}
}
