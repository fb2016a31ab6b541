// Package envconfig reads loramerge settings from the environment. Command-line flags take
// precedence over every value here.
package envconfig

import (
	"os"
	"strconv"
	"strings"
)

// Var returns the trimmed value of an environment variable with surrounding quotes removed.
func Var(key string) string {
	return strings.Trim(strings.TrimSpace(os.Getenv(key)), "\"'")
}

// BoolWithDefault returns a getter for a boolean variable. A set but unparsable value counts
// as true.
func BoolWithDefault(k string) func(defaultValue bool) bool {
	return func(defaultValue bool) bool {
		if s := Var(k); s != "" {
			b, err := strconv.ParseBool(s)
			if err != nil {
				return true
			}
			return b
		}
		return defaultValue
	}
}

// Bool returns a getter for a boolean variable that defaults to false.
func Bool(k string) func() bool {
	withDefault := BoolWithDefault(k)
	return func() bool {
		return withDefault(false)
	}
}

// StringWithDefault returns a getter for a string variable.
func StringWithDefault(k, defaultValue string) func() string {
	return func() string {
		if s := Var(k); s != "" {
			return s
		}
		return defaultValue
	}
}

var (
	// Device selects the merge device (cpu, cuda, metal, vulkan, webgpu).
	Device = StringWithDefault("LORAMERGE_DEVICE", "cpu")
	// LogLevel sets the log level (debug, info, warn, error).
	LogLevel = StringWithDefault("LORAMERGE_LOG_LEVEL", "info")
	// LogFormat selects console or json log output.
	LogFormat = StringWithDefault("LORAMERGE_LOG_FORMAT", "console")
	// Verify re-opens the merged checkpoint and checks its checksum after saving.
	Verify = Bool("LORAMERGE_VERIFY")
	// NoProgress disables the save progress bar.
	NoProgress = Bool("LORAMERGE_NO_PROGRESS")
)

// EnvVar describes one environment variable.
type EnvVar struct {
	Name        string
	Value       any
	Description string
}

// AsMap returns every recognized variable with its current value.
func AsMap() map[string]EnvVar {
	return map[string]EnvVar{
		"LORAMERGE_DEVICE":      {"LORAMERGE_DEVICE", Device(), "Device to merge on (default \"cpu\")"},
		"LORAMERGE_LOG_LEVEL":   {"LORAMERGE_LOG_LEVEL", LogLevel(), "Log level: debug, info, warn or error (default \"info\")"},
		"LORAMERGE_LOG_FORMAT":  {"LORAMERGE_LOG_FORMAT", LogFormat(), "Log format: console or json (default \"console\")"},
		"LORAMERGE_VERIFY":      {"LORAMERGE_VERIFY", Verify(), "Verify the merged checkpoint's checksum after saving"},
		"LORAMERGE_NO_PROGRESS": {"LORAMERGE_NO_PROGRESS", NoProgress(), "Do not show a progress bar while saving"},
	}
}

// Values returns the current value of every variable as a string.
func Values() map[string]string {
	vals := make(map[string]string)
	for k, v := range AsMap() {
		vals[k] = stringify(v.Value)
	}
	return vals
}

func stringify(v any) string {
	switch x := v.(type) {
	case string:
		return x
	case bool:
		return strconv.FormatBool(x)
	default:
		return ""
	}
}
