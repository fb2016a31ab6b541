package envconfig

import (
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestVar(t *testing.T) {
	cases := map[string]string{
		"cpu":       "cpu",
		" cuda ":    "cuda",
		"\"metal\"": "metal",
		"'json'":    "json",
		"":          "",
	}
	for input, expect := range cases {
		t.Run(input, func(t *testing.T) {
			t.Setenv("LORAMERGE_TEST_VAR", input)
			if actual := Var("LORAMERGE_TEST_VAR"); actual != expect {
				t.Errorf("%s: expected %q, actual %q", input, expect, actual)
			}
		})
	}
}

func TestBool(t *testing.T) {
	cases := map[string]bool{
		"":       false,
		"true":   true,
		"false":  false,
		"1":      true,
		"0":      false,
		"random": true,
	}

	for k, v := range cases {
		t.Run(k, func(t *testing.T) {
			t.Setenv("LORAMERGE_VERIFY", k)
			if b := Verify(); b != v {
				t.Errorf("%s: expected %t, got %t", k, v, b)
			}
		})
	}
}

func TestDefaults(t *testing.T) {
	t.Setenv("LORAMERGE_DEVICE", "")
	t.Setenv("LORAMERGE_LOG_LEVEL", "")
	t.Setenv("LORAMERGE_LOG_FORMAT", "")
	t.Setenv("LORAMERGE_VERIFY", "")
	t.Setenv("LORAMERGE_NO_PROGRESS", "")

	expect := map[string]string{
		"LORAMERGE_DEVICE":      "cpu",
		"LORAMERGE_LOG_LEVEL":   "info",
		"LORAMERGE_LOG_FORMAT":  "console",
		"LORAMERGE_VERIFY":      "false",
		"LORAMERGE_NO_PROGRESS": "false",
	}
	if diff := cmp.Diff(expect, Values()); diff != "" {
		t.Errorf("default values mismatch (-want +got):\n%s", diff)
	}
}

func TestOverrides(t *testing.T) {
	t.Setenv("LORAMERGE_DEVICE", "cuda:1")
	t.Setenv("LORAMERGE_LOG_FORMAT", "json")
	t.Setenv("LORAMERGE_NO_PROGRESS", "1")

	if Device() != "cuda:1" {
		t.Errorf("Device() = %q", Device())
	}
	if LogFormat() != "json" {
		t.Errorf("LogFormat() = %q", LogFormat())
	}
	if !NoProgress() {
		t.Error("NoProgress() should be true")
	}

	m := AsMap()
	if m["LORAMERGE_DEVICE"].Value != "cuda:1" {
		t.Errorf("AsMap value = %v", m["LORAMERGE_DEVICE"].Value)
	}
	for name, v := range m {
		if v.Name != name || v.Description == "" {
			t.Errorf("incomplete entry for %s: %+v", name, v)
		}
	}
}
