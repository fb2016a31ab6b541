package lora

import (
	"fmt"
	"sort"
	"strings"

	"github.com/born-ml/loramerge/internal/tensor"
)

type factorRole int

const (
	roleDown factorRole = iota
	roleUp
	roleAlpha
	roleBias
)

func (r factorRole) String() string {
	switch r {
	case roleDown:
		return "down"
	case roleUp:
		return "up"
	case roleAlpha:
		return "alpha"
	default:
		return "bias delta"
	}
}

// factorSuffixes maps recognized key suffixes to the factor they hold.
var factorSuffixes = []struct {
	suffix string
	role   factorRole
}{
	{".lora_down.weight", roleDown},
	{".lora_A.default.weight", roleDown},
	{".lora_A.weight", roleDown},
	{".lora_up.weight", roleUp},
	{".lora_B.default.weight", roleUp},
	{".lora_B.weight", roleUp},
	{".alpha", roleAlpha},
	{".diff_b", roleBias},
}

// splitKey returns the target prefix and role of an adapter key.
func splitKey(key string) (string, factorRole, bool) {
	for _, s := range factorSuffixes {
		if target, ok := strings.CutSuffix(key, s.suffix); ok && target != "" {
			return target, s.role, true
		}
	}
	return "", 0, false
}

// LowRankAdapter holds the factors for one adapted module.
//
// Down is [r, in] or [r, in, kh, kw]; Up is [out, r] or [out, r, 1, 1]. The update it implies
// is Scale() * (Up @ Down) reshaped to [out, in] or [out, in, kh, kw].
type LowRankAdapter struct {
	Target    string
	Down      *tensor.RawTensor
	Up        *tensor.RawTensor
	Alpha     *tensor.RawTensor // optional scalar
	BiasDelta *tensor.RawTensor // optional, added to the module's bias

	// Checkpoint keys, kept for error messages.
	DownKey, UpKey, AlphaKey, BiasKey string

	alpha float32
}

// HasFactors reports whether the adapter carries a low-rank weight update.
func (a *LowRankAdapter) HasFactors() bool {
	return a.Down != nil
}

// Rank returns the inner dimension r, or 0 for a bias-only adapter.
func (a *LowRankAdapter) Rank() int {
	if a.Down == nil {
		return 0
	}
	return a.Down.Shape()[0]
}

// Scale returns alpha / rank, or 1 when no alpha is stored.
func (a *LowRankAdapter) Scale() float32 {
	if a.Alpha == nil || a.Rank() == 0 {
		return 1
	}
	return a.alpha / float32(a.Rank())
}

// AlphaValue returns the stored alpha and whether one exists.
func (a *LowRankAdapter) AlphaValue() (float32, bool) {
	return a.alpha, a.Alpha != nil
}

// DeltaShape returns the shape of Up @ Down reshaped to the target weight.
func (a *LowRankAdapter) DeltaShape() tensor.Shape {
	if a.Down == nil {
		return nil
	}
	down := a.Down.Shape()
	shape := tensor.Shape{a.Up.Shape().Rows()}
	return append(shape, down[1:]...)
}

func (a *LowRankAdapter) release() {
	for _, t := range []*tensor.RawTensor{a.Down, a.Up, a.Alpha, a.BiasDelta} {
		if t != nil {
			t.Release()
		}
	}
}

// AdapterWeightSet is a parsed adapter checkpoint.
type AdapterWeightSet struct {
	Adapters map[string]*LowRankAdapter // keyed by target prefix
	Ignored  []string                   // keys with no recognized suffix, sorted
}

// Targets returns the target prefixes in sorted order.
func (s *AdapterWeightSet) Targets() []string {
	targets := make([]string, 0, len(s.Adapters))
	for t := range s.Adapters {
		targets = append(targets, t)
	}
	sort.Strings(targets)
	return targets
}

// Release drops the set's references to the adapter tensors.
func (s *AdapterWeightSet) Release() {
	for _, a := range s.Adapters {
		a.release()
	}
	s.Adapters = nil
}

// ParseAdapter groups a raw adapter checkpoint into per-target low-rank adapters.
// Keys it does not recognize are listed in Ignored. raw is not modified; the set holds its own
// references to the tensors and should be released when done.
func ParseAdapter(raw tensor.StateDict) (*AdapterWeightSet, error) {
	set := &AdapterWeightSet{Adapters: make(map[string]*LowRankAdapter)}

	for _, key := range raw.Names() {
		target, role, ok := splitKey(key)
		if !ok {
			set.Ignored = append(set.Ignored, key)
			continue
		}
		a, ok := set.Adapters[target]
		if !ok {
			a = &LowRankAdapter{Target: target}
			set.Adapters[target] = a
		}
		if err := a.assign(role, key, raw[key]); err != nil {
			set.Release()
			return nil, err
		}
	}

	for _, target := range set.Targets() {
		if err := set.Adapters[target].validate(); err != nil {
			set.Release()
			return nil, err
		}
	}
	return set, nil
}

func (a *LowRankAdapter) assign(role factorRole, key string, t *tensor.RawTensor) error {
	var slot **tensor.RawTensor
	var keySlot *string
	switch role {
	case roleDown:
		slot, keySlot = &a.Down, &a.DownKey
	case roleUp:
		slot, keySlot = &a.Up, &a.UpKey
	case roleAlpha:
		slot, keySlot = &a.Alpha, &a.AlphaKey
	default:
		slot, keySlot = &a.BiasDelta, &a.BiasKey
	}
	if *slot != nil {
		return &StructuralError{
			Target: a.Target,
			Reason: fmt.Sprintf("%s factor stored twice (%s and %s)", role, *keySlot, key),
		}
	}
	*slot = t.Clone()
	*keySlot = key
	return nil
}

func (a *LowRankAdapter) validate() error {
	switch {
	case a.Down != nil && a.Up == nil:
		return &StructuralError{Target: a.Target, Reason: "down projection without up projection"}
	case a.Up != nil && a.Down == nil:
		return &StructuralError{Target: a.Target, Reason: "up projection without down projection"}
	case a.Alpha != nil && a.Down == nil:
		return &StructuralError{Target: a.Target, Reason: "alpha without low-rank factors"}
	}

	if a.Alpha != nil {
		if a.Alpha.NumElements() != 1 {
			return &StructuralError{
				Target: a.Target,
				Reason: fmt.Sprintf("alpha must be a scalar, got shape %s", a.Alpha.Shape()),
			}
		}
		v, err := a.Alpha.Scalar()
		if err != nil {
			return &StructuralError{Target: a.Target, Reason: fmt.Sprintf("unreadable alpha: %v", err)}
		}
		a.alpha = v
	}

	if a.Down == nil {
		return nil
	}

	down, up := a.Down.Shape(), a.Up.Shape()
	if (len(down) != 2 && len(down) != 4) || (len(up) != 2 && len(up) != 4) {
		return &StructuralError{
			Target: a.Target,
			Reason: fmt.Sprintf("factors must be 2-D or 4-D, got down %s and up %s", down, up),
		}
	}
	if a.Down.NumElements() == 0 || a.Up.NumElements() == 0 {
		return &StructuralError{
			Target: a.Target,
			Reason: fmt.Sprintf("empty factors: down %s, up %s", down, up),
		}
	}
	if len(up) == 4 && (up[2] != 1 || up[3] != 1) {
		return &StructuralError{
			Target: a.Target,
			Reason: fmt.Sprintf("convolution up projection must be 1x1, got %s", up),
		}
	}
	if down[0] != up[1] {
		return &StructuralError{
			Target: a.Target,
			Reason: fmt.Sprintf("rank mismatch: down %s has rank %d, up %s has rank %d", down, down[0], up, up[1]),
		}
	}
	return nil
}
