// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package loader loads base models and LoRA adapters from safetensors checkpoints.
//
// This package wraps internal loader implementations and exports a clean public API.
// A base model may be a single file, a directory of shards, or a directory with a
// model.safetensors.index.json weight map. Adapters are always single files.
//
// Example usage:
//
//	import "github.com/born-ml/loramerge/loader"
//
//	base, err := loader.LoadModel("models/dit")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer base.Release()
//
//	for _, name := range base.Names() {
//	    fmt.Println(name, base[name].Shape())
//	}
package loader

import (
	"github.com/born-ml/loramerge/internal/loader"
	"github.com/born-ml/loramerge/tensor"
)

// ModelFormat describes how a base model is laid out on disk.
type ModelFormat = loader.ModelFormat

// Supported model layouts.
const (
	FormatUnknown     ModelFormat = loader.FormatUnknown
	FormatSafeTensors ModelFormat = loader.FormatSafeTensors
	FormatShardIndex  ModelFormat = loader.FormatShardIndex
	FormatShardDir    ModelFormat = loader.FormatShardDir
)

// IndexFileName is the weight map file name recognized in shard directories.
const IndexFileName = loader.IndexFileName

// ErrDuplicateTensor is returned when two shards hold a tensor with the same name.
var ErrDuplicateTensor = loader.ErrDuplicateTensor

// Option configures loading.
type Option = loader.Option

// WithDevice tags loaded tensors with device. Tensors are always read into host memory.
func WithDevice(d tensor.Device) Option {
	return loader.WithDevice(d)
}

// DetectFormat inspects path and reports its layout.
func DetectFormat(path string) (ModelFormat, error) {
	return loader.DetectFormat(path)
}

// LoadModel loads a base model from a safetensors file or a shard directory.
//
// Every tensor is validated against the file header and copied out of the mapping, so the
// returned tensors stay valid after the files are closed. Tensor names must be unique
// across shards.
func LoadModel(path string, opts ...Option) (tensor.StateDict, error) {
	return loader.LoadModel(path, opts...)
}

// LoadAdapter loads a LoRA adapter checkpoint.
func LoadAdapter(path string, opts ...Option) (tensor.StateDict, error) {
	return loader.LoadAdapter(path, opts...)
}
