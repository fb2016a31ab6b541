// Package merge applies low-rank adapters to a base model in place.
//
// A Plan lists adapter checkpoints in the order they are applied, each with its own
// multiplier. For every adapter the Engine parses and resolves all targets before touching the
// base model, then adds multiplier * alpha/rank * (Up @ Down) to each resolved weight and
// multiplier * diff_b to each resolved bias. A later adapter sees the values left by the
// earlier ones.
//
//	plan, err := merge.BuildPlan([]string{"style.safetensors", "detail.safetensors"}, []float32{1, 0.5})
//	if err != nil {
//	    return err
//	}
//	merged, err := merge.NewEngine().Merge(ctx, base, plan)
package merge
