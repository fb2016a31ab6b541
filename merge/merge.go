// Copyright 2025 Born ML Framework. All rights reserved.
// Use of this source code is governed by an Apache 2.0
// license that can be found in the LICENSE file.

// Package merge applies LoRA adapters to a base model and saves the merged checkpoint.
//
// # Overview
//
// Each adapter entry carries low-rank factors Down [r, in] and Up [out, r] and an optional
// alpha. Merging adds
//
//	W' = W + (alpha / r) * multiplier * (Up @ Down)
//
// to the base weight W it resolves to, and multiplier * diff_b to the matching bias when the
// adapter carries one. Adapters are applied in plan order.
//
// # Basic Usage
//
//	plan, err := merge.BuildPlan(
//	    []string{"style.safetensors", "detail.safetensors"},
//	    []float32{1.0, 0.5},
//	)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	engine := merge.NewEngine()
//	report, err := engine.Run(ctx, merge.Job{
//	    BasePath: "dit.safetensors",
//	    Plan:     plan,
//	    Output:   "merged.safetensors",
//	    Verify:   true,
//	})
//
// # Failure Semantics
//
// Every adapter is resolved and validated against the base model before any tensor is
// written. When an adapter fails validation the base is left as the previous adapter left
// it; Run never leaves a file at the output path after a failure.
package merge

import (
	"github.com/born-ml/loramerge/internal/merge"
	"github.com/born-ml/loramerge/loader"
	"github.com/born-ml/loramerge/tensor"
)

// Engine applies adapters to a base model. It may be reused across merges.
type Engine = merge.Engine

// Option configures an Engine.
type Option = merge.Option

// Plan is the ordered list of adapters to apply.
type Plan = merge.Plan

// AdapterSpec is one adapter and its multiplier.
type AdapterSpec = merge.AdapterSpec

// Source loads an adapter checkpoint when the engine reaches it.
type Source = merge.Source

// Job describes a complete merge from base model path to output checkpoint.
type Job = merge.Job

// Report summarizes a finished job.
type Report = merge.Report

// PartialMergeError reports an adapter whose declared targets were not all updated.
type PartialMergeError = merge.PartialMergeError

// Output metadata keys.
const (
	MetaAdapters = merge.MetaAdapters
	MetaRunID    = merge.MetaRunID
)

// DefaultMultiplier applies to adapters given without a multiplier.
const DefaultMultiplier = merge.DefaultMultiplier

// Sentinel errors.
var (
	ErrTooManyMultipliers = merge.ErrTooManyMultipliers
	ErrDeviceMismatch     = merge.ErrDeviceMismatch
)

// NewEngine creates an engine. Without options it runs on the CPU backend and logs through
// the package logger.
func NewEngine(opts ...Option) *Engine {
	return merge.NewEngine(opts...)
}

// WithBackend sets the compute backend, see backend/cpu.
var WithBackend = merge.WithBackend

// BuildPlan pairs adapter paths with multipliers by position.
func BuildPlan(paths []string, multipliers []float32, opts ...loader.Option) (Plan, error) {
	return merge.BuildPlan(paths, multipliers, opts...)
}

// FileSource loads an adapter from a safetensors file.
func FileSource(path string, opts ...loader.Option) Source {
	return merge.FileSource(path, opts...)
}

// StateDictSource hands an already loaded adapter to the engine.
func StateDictSource(sd tensor.StateDict) Source {
	return merge.StateDictSource(sd)
}

// ErrorKind classifies err for reporting, for example "unresolved_target" or "storage".
func ErrorKind(err error) string {
	return merge.ErrorKind(err)
}
