// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package cpu provides the pure Go CPU backend used to merge adapters.
//
// # Overview
//
// The backend implements the two operations a merge needs:
//   - the scaled low-rank product Up @ Down, via gonum BLAS
//   - in-place accumulation of a float32 delta into a tensor of any float dtype
//
// For half precision targets (float16, bfloat16) the delta is first rounded to the target
// dtype, then widened to float32, added to the widened element and the sum rounded back to
// nearest-even. Elements whose rounded delta is zero are left untouched.
//
// # Thread Safety
//
// A backend holds no mutable state and may be shared. Callers must not mutate the same
// tensor from two goroutines.
package cpu
