package merge

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/born-ml/loramerge/internal/backend/cpu"
	"github.com/born-ml/loramerge/internal/logger"
	"github.com/born-ml/loramerge/internal/lora"
	"github.com/born-ml/loramerge/internal/metrics"
	"github.com/born-ml/loramerge/internal/tensor"
)

// Engine applies adapters to a base model. It holds no per-merge state and may be reused.
type Engine struct {
	backend *cpu.CPUBackend
	log     *logger.Logger
	metrics *metrics.Recorder
}

// Option configures an Engine.
type Option func(*Engine)

// WithBackend sets the compute backend.
func WithBackend(b *cpu.CPUBackend) Option {
	return func(e *Engine) {
		e.backend = b
	}
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithMetrics records merge statistics in r.
func WithMetrics(r *metrics.Recorder) Option {
	return func(e *Engine) {
		e.metrics = r
	}
}

// NewEngine creates an engine on the CPU backend.
func NewEngine(opts ...Option) *Engine {
	e := &Engine{}
	for _, opt := range opts {
		opt(e)
	}
	if e.backend == nil {
		e.backend = cpu.New()
	}
	if e.log == nil {
		e.log = logger.Log
	}
	if e.metrics == nil {
		e.metrics = metrics.New()
	}
	return e
}

// Merge applies every adapter in plan to base, in order, and returns base.
//
// The engine owns base for the duration of the call. Each adapter is fully validated before
// its first write, so a failed adapter leaves base as the previous adapter left it. ctx is
// checked before each adapter starts.
func (e *Engine) Merge(ctx context.Context, base tensor.StateDict, plan Plan) (tensor.StateDict, error) {
	resolver := lora.NewResolver(base)

	for i, spec := range plan.Adapters {
		if err := ctx.Err(); err != nil {
			e.metrics.RecordError(ErrorKind(err))
			return nil, fmt.Errorf("merge canceled before adapter %d (%s): %w", i+1, spec.Path, err)
		}
		if err := e.apply(ctx, base, resolver, spec); err != nil {
			e.metrics.RecordError(ErrorKind(err))
			return nil, err
		}
	}
	return base, nil
}

func (e *Engine) apply(ctx context.Context, base tensor.StateDict, resolver *lora.Resolver, spec AdapterSpec) error {
	start := time.Now()
	e.log.Info("loading LoRA weights", "path", spec.Path, "multiplier", spec.Multiplier)

	if spec.Source == nil {
		return fmt.Errorf("adapter %s: no source", spec.Path)
	}
	raw, err := spec.Source(ctx)
	if err != nil {
		return fmt.Errorf("adapter %s: %w", spec.Path, err)
	}
	defer raw.Release()

	set, err := lora.ParseAdapter(raw)
	if err != nil {
		return fmt.Errorf("adapter %s: %w", spec.Path, err)
	}
	defer set.Release()
	if len(set.Ignored) > 0 {
		e.log.Debug("ignoring unrecognized adapter keys", "path", spec.Path, "count", len(set.Ignored))
	}

	bindings, err := resolver.Resolve(set)
	if err != nil {
		return fmt.Errorf("adapter %s: %w", spec.Path, err)
	}
	declared, err := e.checkDevices(base, bindings)
	if err != nil {
		return fmt.Errorf("adapter %s: %w", spec.Path, err)
	}

	if spec.Multiplier == 0 {
		e.log.Info("multiplier is zero, leaving weights unchanged", "path", spec.Path, "targets", len(bindings))
		e.metrics.RecordAdapter(time.Since(start), len(set.Ignored))
		return nil
	}

	merged := make([]string, 0, len(declared))
	for _, b := range bindings {
		done, err := e.applyBinding(base, b, spec.Multiplier)
		merged = append(merged, done...)
		if err != nil {
			return &PartialMergeError{Adapter: spec.Path, Declared: declared, Merged: merged, Err: err}
		}
	}

	if !sameTargets(declared, merged) {
		return &PartialMergeError{Adapter: spec.Path, Declared: declared, Merged: merged}
	}

	e.metrics.RecordAdapter(time.Since(start), len(set.Ignored))
	e.log.Info("LoRA weights merged",
		"path", spec.Path,
		"targets", len(merged),
		"duration", time.Since(start).Round(time.Millisecond).String(),
	)
	return nil
}

// checkDevices verifies every resolved base tensor lives on the backend's device and returns
// the declared target list.
func (e *Engine) checkDevices(base tensor.StateDict, bindings []lora.Binding) ([]string, error) {
	var declared []string
	for _, b := range bindings {
		for _, name := range b.Tensors() {
			if dev := base[name].Device(); dev != e.backend.Device() {
				return nil, fmt.Errorf("%w: %s is on %s, backend runs on %s", ErrDeviceMismatch, name, dev, e.backend.Device())
			}
			declared = append(declared, name)
		}
	}
	return declared, nil
}

// applyBinding adds one adapter entry's weight and bias deltas. It returns the base tensors it
// finished updating.
func (e *Engine) applyBinding(base tensor.StateDict, b lora.Binding, multiplier float32) ([]string, error) {
	var done []string
	a := b.Adapter

	if b.Weight != "" {
		target := base[b.Weight]
		up, down := e.backend.Transfer(a.Up), e.backend.Transfer(a.Down)
		delta, err := e.backend.LowRankProduct(up, down, a.Scale()*multiplier)
		releaseCopy(up, a.Up)
		releaseCopy(down, a.Down)
		if err != nil {
			return done, fmt.Errorf("target %s: %w", b.Weight, err)
		}
		if err := e.backend.AddInPlace(target, delta); err != nil {
			return done, fmt.Errorf("target %s: %w", b.Weight, err)
		}
		done = append(done, b.Weight)
		e.metrics.RecordTarget(target.DType().String())
		e.log.Debug("merged weight", "target", b.Weight, "rank", a.Rank(), "scale", a.Scale(), "convention", b.Convention)
	}

	if b.Bias != "" {
		target := base[b.Bias]
		bias := e.backend.Transfer(a.BiasDelta)
		delta, err := bias.Float32s()
		releaseCopy(bias, a.BiasDelta)
		if err != nil {
			return done, fmt.Errorf("target %s: %w", b.Bias, err)
		}
		for i := range delta {
			delta[i] *= multiplier
		}
		if err := e.backend.AddInPlace(target, delta); err != nil {
			return done, fmt.Errorf("target %s: %w", b.Bias, err)
		}
		done = append(done, b.Bias)
		e.metrics.RecordTarget(target.DType().String())
		e.log.Debug("merged bias", "target", b.Bias, "convention", b.Convention)
	}
	return done, nil
}

// releaseCopy frees t when Transfer had to copy orig.
func releaseCopy(t, orig *tensor.RawTensor) {
	if t != orig {
		t.Release()
	}
}

func sameTargets(declared, merged []string) bool {
	if len(declared) != len(merged) {
		return false
	}
	a := append([]string(nil), declared...)
	b := append([]string(nil), merged...)
	sort.Strings(a)
	sort.Strings(b)
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
