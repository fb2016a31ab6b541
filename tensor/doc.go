// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package tensor exposes the tensor types loramerge reads, merges and writes.
//
// A RawTensor is a shaped, typed byte buffer on one device. A StateDict maps unique tensor
// names to tensors and represents a whole checkpoint, base model or adapter alike.
//
// # Basic Usage
//
//	import "github.com/born-ml/loramerge/tensor"
//
//	w, err := tensor.FromFloat32(tensor.Shape{2, 2}, tensor.BFloat16, []float32{1, 0, 0, 1})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	sd := tensor.StateDict{"blocks.0.attn.q.weight": w}
//	defer sd.Release()
//
// Values are always exchanged as float32 and rounded to the tensor's data type on store,
// so a bf16 tensor written with FromFloat32 holds the nearest bf16 values.
package tensor
