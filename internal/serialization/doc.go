// Package serialization reads and writes SafeTensors checkpoints.
//
// The writer streams a state dictionary to disk one tensor at a time:
//
//	Format Structure:
//	  [8 bytes: Header Size (uint64 LE)]
//	  [Header: JSON, space padded to 8 bytes]
//	  [Tensor data: raw little-endian bytes, sorted by tensor name]
//
// The header's __metadata__ entry records the data section length, the tensor count and an
// xxh64 checksum of the data section, so a truncated or corrupted file is detected on load.
// Output is written to "<path>.partial" and renamed into place only after a successful sync.
//
// The reader memory-maps the file, validates the header against the file length and copies
// tensors out on demand.
//
// Example usage:
//
//	// Save a state dictionary
//	err := serialization.WriteSafeTensors(ctx, "merged.safetensors", stateDict, serialization.WriteOptions{})
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	// Load it back
//	r, err := serialization.OpenSafeTensors("merged.safetensors")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer r.Close()
//	stateDict, err := r.LoadAll()
package serialization
