package lora

import (
	"bytes"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/loramerge/internal/tensor"
)

func filled(t *testing.T, dt tensor.DataType, shape ...int) *tensor.RawTensor {
	t.Helper()
	s := tensor.Shape(shape)
	vals := make([]float32, s.NumElements())
	for i := range vals {
		vals[i] = float32(i%7) - 3
	}
	raw, err := tensor.FromFloat32(s, dt, vals)
	require.NoError(t, err)
	return raw
}

func scalar(t *testing.T, v float32) *tensor.RawTensor {
	t.Helper()
	raw, err := tensor.FromFloat32(tensor.Shape{}, tensor.Float32, []float32{v})
	require.NoError(t, err)
	return raw
}

func TestParseAdapterGroupsKeys(t *testing.T) {
	raw := tensor.StateDict{
		"lora_unet_blocks_0_attn_q.lora_down.weight": filled(t, tensor.BFloat16, 4, 16),
		"lora_unet_blocks_0_attn_q.lora_up.weight":   filled(t, tensor.BFloat16, 8, 4),
		"lora_unet_blocks_0_attn_q.alpha":            scalar(t, 8),
		"blocks.1.ffn.lora_A.default.weight":         filled(t, tensor.Float32, 2, 16),
		"blocks.1.ffn.lora_B.default.weight":         filled(t, tensor.Float32, 16, 2),
		"blocks.1.ffn.diff_b":                        filled(t, tensor.Float32, 16),
		"blocks.2.norm.diff_b":                       filled(t, tensor.Float32, 16),
		"text_encoder.something":                     filled(t, tensor.Float32, 1),
	}
	before := raw.Names()

	set, err := ParseAdapter(raw)
	require.NoError(t, err)
	defer set.Release()

	assert.Equal(t, []string{"blocks.1.ffn", "blocks.2.norm", "lora_unet_blocks_0_attn_q"}, set.Targets())
	assert.Equal(t, []string{"text_encoder.something"}, set.Ignored)

	kohya := set.Adapters["lora_unet_blocks_0_attn_q"]
	assert.Equal(t, 4, kohya.Rank())
	assert.Equal(t, float32(2), kohya.Scale())
	alpha, ok := kohya.AlphaValue()
	assert.True(t, ok)
	assert.Equal(t, float32(8), alpha)
	if diff := cmp.Diff(tensor.Shape{8, 16}, kohya.DeltaShape()); diff != "" {
		t.Errorf("DeltaShape mismatch (-want +got):\n%s", diff)
	}

	peft := set.Adapters["blocks.1.ffn"]
	assert.Equal(t, float32(1), peft.Scale(), "no alpha means scale 1")
	assert.NotNil(t, peft.BiasDelta)

	biasOnly := set.Adapters["blocks.2.norm"]
	assert.False(t, biasOnly.HasFactors())
	assert.Equal(t, 0, biasOnly.Rank())
	assert.Nil(t, biasOnly.DeltaShape())

	assert.Equal(t, before, raw.Names(), "raw map must not change")
}

func TestParseAdapterConvFactors(t *testing.T) {
	raw := tensor.StateDict{
		"conv.lora_down.weight": filled(t, tensor.Float16, 2, 3, 3, 3),
		"conv.lora_up.weight":   filled(t, tensor.Float16, 5, 2, 1, 1),
	}
	set, err := ParseAdapter(raw)
	require.NoError(t, err)
	if diff := cmp.Diff(tensor.Shape{5, 3, 3, 3}, set.Adapters["conv"].DeltaShape()); diff != "" {
		t.Errorf("DeltaShape mismatch (-want +got):\n%s", diff)
	}
}

func TestParseAdapterStructuralErrors(t *testing.T) {
	tests := []struct {
		name string
		raw  func(t *testing.T) tensor.StateDict
	}{
		{
			name: "down without up",
			raw: func(t *testing.T) tensor.StateDict {
				return tensor.StateDict{"m.lora_down.weight": filled(t, tensor.Float32, 2, 4)}
			},
		},
		{
			name: "up without down",
			raw: func(t *testing.T) tensor.StateDict {
				return tensor.StateDict{"m.lora_B.weight": filled(t, tensor.Float32, 4, 2)}
			},
		},
		{
			name: "alpha without factors",
			raw: func(t *testing.T) tensor.StateDict {
				return tensor.StateDict{"m.alpha": scalar(t, 1)}
			},
		},
		{
			name: "rank mismatch",
			raw: func(t *testing.T) tensor.StateDict {
				return tensor.StateDict{
					"m.lora_down.weight": filled(t, tensor.Float32, 2, 4),
					"m.lora_up.weight":   filled(t, tensor.Float32, 4, 3),
				}
			},
		},
		{
			name: "3-D factor",
			raw: func(t *testing.T) tensor.StateDict {
				return tensor.StateDict{
					"m.lora_down.weight": filled(t, tensor.Float32, 2, 4, 1),
					"m.lora_up.weight":   filled(t, tensor.Float32, 4, 2),
				}
			},
		},
		{
			name: "non-1x1 conv up",
			raw: func(t *testing.T) tensor.StateDict {
				return tensor.StateDict{
					"m.lora_down.weight": filled(t, tensor.Float32, 2, 4, 3, 3),
					"m.lora_up.weight":   filled(t, tensor.Float32, 4, 2, 3, 3),
				}
			},
		},
		{
			name: "zero rank",
			raw: func(t *testing.T) tensor.StateDict {
				return tensor.StateDict{
					"m.lora_down.weight": filled(t, tensor.Float32, 0, 4),
					"m.lora_up.weight":   filled(t, tensor.Float32, 4, 0),
				}
			},
		},
		{
			name: "vector alpha",
			raw: func(t *testing.T) tensor.StateDict {
				return tensor.StateDict{
					"m.lora_down.weight": filled(t, tensor.Float32, 2, 4),
					"m.lora_up.weight":   filled(t, tensor.Float32, 4, 2),
					"m.alpha":            filled(t, tensor.Float32, 2),
				}
			},
		},
		{
			name: "duplicate down",
			raw: func(t *testing.T) tensor.StateDict {
				return tensor.StateDict{
					"m.lora_down.weight": filled(t, tensor.Float32, 2, 4),
					"m.lora_A.weight":    filled(t, tensor.Float32, 2, 4),
					"m.lora_up.weight":   filled(t, tensor.Float32, 4, 2),
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseAdapter(tt.raw(t))
			var se *StructuralError
			require.True(t, errors.As(err, &se), "got %v", err)
			assert.Equal(t, "m", se.Target)
		})
	}
}

func TestTranslateName(t *testing.T) {
	tests := []struct {
		convention string
		target     string
		want       string
		ok         bool
	}{
		{"kohya", "lora_unet_blocks_0_self_attn_q", "blocks_0_self_attn_q", true},
		{"kohya", "blocks.0.self_attn.q", "", false},
		{"comfy", "diffusion_model.blocks.0.self_attn.q", "blocks.0.self_attn.q", true},
		{"diffusers", "transformer.blocks.0.ffn.0", "blocks.0.ffn.0", true},
		{"peft", "base_model.model.blocks.0.ffn.0", "blocks.0.ffn.0", true},
		{"plain", "blocks.0.ffn.0", "blocks.0.ffn.0", true},
		{"comfy", "diffusion_model.", "", false},
	}

	rules := make(map[string]Convention)
	for _, c := range Conventions {
		rules[c.Name] = c
	}

	for _, tt := range tests {
		got, ok := TranslateName(rules[tt.convention], tt.target)
		assert.Equal(t, tt.ok, ok, "%s %s", tt.convention, tt.target)
		assert.Equal(t, tt.want, got, "%s %s", tt.convention, tt.target)
	}
}

func baseModel(t *testing.T) tensor.StateDict {
	return tensor.StateDict{
		"blocks.0.self_attn.q.weight": filled(t, tensor.BFloat16, 8, 16),
		"blocks.0.self_attn.q.bias":   filled(t, tensor.BFloat16, 8),
		"blocks.0.ffn.0.weight":       filled(t, tensor.Float32, 16, 16),
		"blocks.0.ffn.0.bias":         filled(t, tensor.Float32, 16),
		"patch_embedding.weight":      filled(t, tensor.Float16, 5, 3, 2, 2),
		"freqs":                       filled(t, tensor.Float32, 4),
	}
}

func TestResolveConventions(t *testing.T) {
	base := baseModel(t)
	raw := tensor.StateDict{
		"lora_unet_blocks_0_self_attn_q.lora_down.weight": filled(t, tensor.Float32, 2, 16),
		"lora_unet_blocks_0_self_attn_q.lora_up.weight":   filled(t, tensor.Float32, 8, 2),
		"diffusion_model.blocks.0.ffn.0.lora_A.weight":    filled(t, tensor.Float32, 4, 16),
		"diffusion_model.blocks.0.ffn.0.lora_B.weight":    filled(t, tensor.Float32, 16, 4),
		"diffusion_model.blocks.0.ffn.0.diff_b":           filled(t, tensor.Float32, 16),
		"base_model.model.patch_embedding.lora_A.weight":  filled(t, tensor.Float32, 1, 3, 2, 2),
		"base_model.model.patch_embedding.lora_B.weight":  filled(t, tensor.Float32, 5, 1, 1, 1),
		"transformer.blocks.0.self_attn.q.diff_b":         filled(t, tensor.Float32, 8),
	}
	set, err := ParseAdapter(raw)
	require.NoError(t, err)

	snapshot := make(map[string][]byte, len(base))
	for name, tt := range base {
		snapshot[name] = bytes.Clone(tt.Data())
	}

	bindings, err := NewResolver(base).Resolve(set)
	require.NoError(t, err)

	type row struct{ Target, Weight, Bias, Convention string }
	got := make([]row, len(bindings))
	for i, b := range bindings {
		got[i] = row{b.Target, b.Weight, b.Bias, b.Convention}
	}
	want := []row{
		{"base_model.model.patch_embedding", "patch_embedding.weight", "", "peft"},
		{"diffusion_model.blocks.0.ffn.0", "blocks.0.ffn.0.weight", "blocks.0.ffn.0.bias", "comfy"},
		{"lora_unet_blocks_0_self_attn_q", "blocks.0.self_attn.q.weight", "", "kohya"},
		{"transformer.blocks.0.self_attn.q", "", "blocks.0.self_attn.q.bias", "diffusers"},
	}
	if diff := cmp.Diff(want, got); diff != "" {
		t.Errorf("bindings mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, []string{"blocks.0.ffn.0.weight", "blocks.0.ffn.0.bias"}, bindings[1].Tensors())

	for name, tt := range base {
		assert.True(t, bytes.Equal(snapshot[name], tt.Data()), "%s modified by Resolve", name)
	}
}

func TestResolveUnresolved(t *testing.T) {
	raw := tensor.StateDict{
		"block.99.lora_down.weight": filled(t, tensor.Float32, 2, 16),
		"block.99.lora_up.weight":   filled(t, tensor.Float32, 16, 2),
	}
	set, err := ParseAdapter(raw)
	require.NoError(t, err)

	_, err = NewResolver(baseModel(t)).Resolve(set)
	var ue *UnresolvedTargetError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Equal(t, "block.99", ue.Target)
	assert.Equal(t, []string{"block.99.weight"}, ue.Tried)
	assert.Contains(t, ue.Error(), "block.99.weight")
}

func TestResolveAmbiguousFlattenedName(t *testing.T) {
	base := tensor.StateDict{
		"blocks.0.attn.weight": filled(t, tensor.Float32, 4, 4),
		"blocks_0.attn.weight": filled(t, tensor.Float32, 4, 4),
	}
	raw := tensor.StateDict{
		"lora_unet_blocks_0_attn.lora_down.weight": filled(t, tensor.Float32, 1, 4),
		"lora_unet_blocks_0_attn.lora_up.weight":   filled(t, tensor.Float32, 4, 1),
	}
	set, err := ParseAdapter(raw)
	require.NoError(t, err)

	_, err = NewResolver(base).Resolve(set)
	var ue *UnresolvedTargetError
	require.True(t, errors.As(err, &ue), "got %v", err)
	assert.Equal(t, []string{"blocks.0.attn.weight", "blocks_0.attn.weight"}, ue.Candidates)
	assert.Contains(t, ue.Error(), "ambiguous")
}

func TestResolveShapeMismatch(t *testing.T) {
	raw := tensor.StateDict{
		"blocks.0.ffn.0.lora_down.weight": filled(t, tensor.Float32, 2, 8),
		"blocks.0.ffn.0.lora_up.weight":   filled(t, tensor.Float32, 16, 2),
	}
	set, err := ParseAdapter(raw)
	require.NoError(t, err)

	_, err = NewResolver(baseModel(t)).Resolve(set)
	var se *ShapeMismatchError
	require.True(t, errors.As(err, &se), "got %v", err)
	assert.Equal(t, "blocks.0.ffn.0.weight", se.Base)
	if diff := cmp.Diff(tensor.Shape{16, 8}, se.Got); diff != "" {
		t.Errorf("Got shape mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff(tensor.Shape{16, 16}, se.Want); diff != "" {
		t.Errorf("Want shape mismatch (-want +got):\n%s", diff)
	}
}

func TestResolveBiasErrors(t *testing.T) {
	base := baseModel(t)

	wrongShape, err := ParseAdapter(tensor.StateDict{"blocks.0.ffn.0.diff_b": filled(t, tensor.Float32, 8)})
	require.NoError(t, err)
	_, err = NewResolver(base).Resolve(wrongShape)
	var se *ShapeMismatchError
	assert.True(t, errors.As(err, &se), "got %v", err)

	// Weight resolves but the module has no bias.
	missingBias, err := ParseAdapter(tensor.StateDict{
		"patch_embedding.lora_down.weight": filled(t, tensor.Float32, 1, 3, 2, 2),
		"patch_embedding.lora_up.weight":   filled(t, tensor.Float32, 5, 1),
		"patch_embedding.diff_b":           filled(t, tensor.Float32, 5),
	})
	require.NoError(t, err)
	_, err = NewResolver(base).Resolve(missingBias)
	var ue *UnresolvedTargetError
	assert.True(t, errors.As(err, &ue), "got %v", err)
}

func TestResolveDTypeErrors(t *testing.T) {
	ids, err := tensor.NewRaw(tensor.Shape{4, 4}, tensor.Int64, tensor.CPU)
	require.NoError(t, err)
	base := tensor.StateDict{"pos.weight": ids}

	set, err := ParseAdapter(tensor.StateDict{
		"pos.lora_down.weight": filled(t, tensor.Float32, 1, 4),
		"pos.lora_up.weight":   filled(t, tensor.Float32, 4, 1),
	})
	require.NoError(t, err)
	_, err = NewResolver(base).Resolve(set)
	var de *DTypeError
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, "pos.weight", de.Tensor)

	intFactor, err := tensor.NewRaw(tensor.Shape{1, 16}, tensor.Int32, tensor.CPU)
	require.NoError(t, err)
	set, err = ParseAdapter(tensor.StateDict{
		"blocks.0.ffn.0.lora_down.weight": intFactor,
		"blocks.0.ffn.0.lora_up.weight":   filled(t, tensor.Float32, 16, 1),
	})
	require.NoError(t, err)
	_, err = NewResolver(baseModel(t)).Resolve(set)
	require.True(t, errors.As(err, &de), "got %v", err)
	assert.Equal(t, "blocks.0.ffn.0.lora_down.weight", de.Tensor)
}
