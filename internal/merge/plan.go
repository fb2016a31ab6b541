package merge

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/born-ml/loramerge/internal/loader"
	"github.com/born-ml/loramerge/internal/logger"
	"github.com/born-ml/loramerge/internal/tensor"
)

// MetaAdapters is the output metadata key listing the merged adapters.
const MetaAdapters = "loramerge.adapters"

// DefaultMultiplier applies to adapters given without a multiplier.
const DefaultMultiplier float32 = 1.0

// Source loads an adapter checkpoint. The engine takes ownership of the returned map and
// releases it once the adapter has been applied.
type Source func(ctx context.Context) (tensor.StateDict, error)

// FileSource loads an adapter from a safetensors file when the engine reaches it.
func FileSource(path string, opts ...loader.Option) Source {
	return func(ctx context.Context) (tensor.StateDict, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return loader.LoadAdapter(path, opts...)
	}
}

// StateDictSource hands an already loaded adapter to the engine.
func StateDictSource(sd tensor.StateDict) Source {
	return func(context.Context) (tensor.StateDict, error) {
		return sd, nil
	}
}

// AdapterSpec is one adapter checkpoint and the multiplier applied to all of its targets.
type AdapterSpec struct {
	Path       string
	Multiplier float32
	Source     Source
}

// Plan is the ordered list of adapters to apply.
type Plan struct {
	Adapters []AdapterSpec
}

// BuildPlan pairs adapter paths with multipliers by position. Adapters past the end of
// multipliers get DefaultMultiplier; more multipliers than paths is an error.
func BuildPlan(paths []string, multipliers []float32, opts ...loader.Option) (Plan, error) {
	if len(multipliers) > len(paths) {
		return Plan{}, fmt.Errorf("%w: %d multipliers for %d adapters", ErrTooManyMultipliers, len(multipliers), len(paths))
	}

	plan := Plan{Adapters: make([]AdapterSpec, len(paths))}
	for i, path := range paths {
		m := DefaultMultiplier
		if i < len(multipliers) {
			m = multipliers[i]
		} else {
			logger.Log.Info("no multiplier given, using default", "adapter", path, "multiplier", m)
		}
		plan.Adapters[i] = AdapterSpec{Path: path, Multiplier: m, Source: FileSource(path, opts...)}
	}
	return plan, nil
}

type adapterRecord struct {
	Path       string  `json:"path"`
	Multiplier float32 `json:"multiplier"`
}

// Metadata describes the plan for the merged checkpoint's header.
func (p Plan) Metadata() map[string]string {
	records := make([]adapterRecord, len(p.Adapters))
	for i, a := range p.Adapters {
		records[i] = adapterRecord{Path: a.Path, Multiplier: a.Multiplier}
	}
	b, err := json.Marshal(records)
	if err != nil {
		return nil
	}
	return map[string]string{MetaAdapters: string(b)}
}
