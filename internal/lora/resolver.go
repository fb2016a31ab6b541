package lora

import (
	"sort"
	"strings"

	"github.com/born-ml/loramerge/internal/tensor"
)

// Convention is one adapter naming scheme: a key prefix and whether the module path after it
// is dotted or flattened with underscores.
type Convention struct {
	Name      string
	Prefix    string
	Flattened bool
}

// Conventions lists the naming schemes tried, in order, when resolving a target.
var Conventions = []Convention{
	{Name: "kohya", Prefix: "lora_unet_", Flattened: true},
	{Name: "comfy", Prefix: "diffusion_model."},
	{Name: "diffusers", Prefix: "transformer."},
	{Name: "peft", Prefix: "base_model.model."},
	{Name: "plain"},
}

// TranslateName strips the convention's prefix from an adapter target and returns the module
// path it names. For flattened conventions the result is the underscore-joined form.
func TranslateName(c Convention, target string) (string, bool) {
	module, ok := strings.CutPrefix(target, c.Prefix)
	if !ok || module == "" {
		return "", false
	}
	return module, true
}

// flattenModule converts a dotted module path to its underscore-joined key.
func flattenModule(module string) string {
	return strings.ReplaceAll(module, ".", "_")
}

// Binding ties one adapter entry to the base tensors it updates.
type Binding struct {
	Target     string
	Adapter    *LowRankAdapter
	Weight     string // base tensor receiving Up @ Down; empty for bias-only adapters
	Bias       string // base tensor receiving BiasDelta; empty when there is none
	Convention string
}

// Tensors returns the base tensor names the binding writes to.
func (b Binding) Tensors() []string {
	var names []string
	if b.Weight != "" {
		names = append(names, b.Weight)
	}
	if b.Bias != "" {
		names = append(names, b.Bias)
	}
	return names
}

// Resolver maps adapter targets onto base model tensors.
type Resolver struct {
	base tensor.StateDict
	flat map[string][]string // flattened module key -> dotted modules
}

// NewResolver indexes the base model's module paths. base is only read.
func NewResolver(base tensor.StateDict) *Resolver {
	flat := make(map[string][]string)
	seen := make(map[string]bool)
	for _, name := range base.Names() {
		module, ok := strings.CutSuffix(name, ".weight")
		if !ok {
			module, ok = strings.CutSuffix(name, ".bias")
		}
		if !ok || seen[module] {
			continue
		}
		seen[module] = true
		key := flattenModule(module)
		flat[key] = append(flat[key], module)
	}
	return &Resolver{base: base, flat: flat}
}

// Resolve binds every adapter in set to base tensors and checks shapes and dtypes.
// It returns bindings sorted by target name, or the first error found; the base model is
// never modified.
func (r *Resolver) Resolve(set *AdapterWeightSet) ([]Binding, error) {
	bindings := make([]Binding, 0, len(set.Adapters))
	for _, target := range set.Targets() {
		b, err := r.resolveOne(set.Adapters[target])
		if err != nil {
			return nil, err
		}
		bindings = append(bindings, b)
	}
	return bindings, nil
}

func (r *Resolver) resolveOne(a *LowRankAdapter) (Binding, error) {
	module, convention, err := r.findModule(a)
	if err != nil {
		return Binding{}, err
	}

	b := Binding{Target: a.Target, Adapter: a, Convention: convention}
	if a.HasFactors() {
		b.Weight = module + ".weight"
		if err := r.checkWeight(a, b.Weight); err != nil {
			return Binding{}, err
		}
	}
	if a.BiasDelta != nil {
		b.Bias = module + ".bias"
		if err := r.checkBias(a, b.Bias); err != nil {
			return Binding{}, err
		}
	}
	return b, nil
}

// findModule walks the conventions in order and returns the first base module that holds the
// tensor the adapter needs.
func (r *Resolver) findModule(a *LowRankAdapter) (string, string, error) {
	suffix := ".weight"
	if !a.HasFactors() {
		suffix = ".bias"
	}

	var tried []string
	for _, c := range Conventions {
		name, ok := TranslateName(c, a.Target)
		if !ok {
			continue
		}
		if !c.Flattened {
			tried = append(tried, name+suffix)
			if _, ok := r.base[name+suffix]; ok {
				return name, c.Name, nil
			}
			continue
		}

		modules := r.flat[name]
		var hits []string
		for _, m := range modules {
			if _, ok := r.base[m+suffix]; ok {
				hits = append(hits, m)
			}
		}
		switch len(hits) {
		case 0:
			tried = append(tried, name+suffix)
		case 1:
			return hits[0], c.Name, nil
		default:
			candidates := make([]string, len(hits))
			for i, m := range hits {
				candidates[i] = m + suffix
			}
			sort.Strings(candidates)
			return "", "", &UnresolvedTargetError{Target: a.Target, Tried: tried, Candidates: candidates}
		}
	}
	return "", "", &UnresolvedTargetError{Target: a.Target, Tried: tried}
}

func (r *Resolver) checkWeight(a *LowRankAdapter, name string) error {
	for _, f := range []struct {
		key string
		t   *tensor.RawTensor
	}{{a.DownKey, a.Down}, {a.UpKey, a.Up}} {
		if !f.t.DType().IsFloat() {
			return &DTypeError{Target: a.Target, Tensor: f.key, DType: f.t.DType()}
		}
	}

	base := r.base[name]
	if !base.DType().IsFloat() {
		return &DTypeError{Target: a.Target, Tensor: name, DType: base.DType()}
	}
	if got := a.DeltaShape(); !got.Equal(base.Shape()) {
		return &ShapeMismatchError{Target: a.Target, Base: name, Want: base.Shape(), Got: got}
	}
	return nil
}

func (r *Resolver) checkBias(a *LowRankAdapter, name string) error {
	base, ok := r.base[name]
	if !ok {
		return &UnresolvedTargetError{Target: a.Target, Tried: []string{name}}
	}
	if !a.BiasDelta.DType().IsFloat() {
		return &DTypeError{Target: a.Target, Tensor: a.BiasKey, DType: a.BiasDelta.DType()}
	}
	if !base.DType().IsFloat() {
		return &DTypeError{Target: a.Target, Tensor: name, DType: base.DType()}
	}
	if !a.BiasDelta.Shape().Equal(base.Shape()) {
		return &ShapeMismatchError{Target: a.Target, Base: name, Want: base.Shape(), Got: a.BiasDelta.Shape()}
	}
	return nil
}
