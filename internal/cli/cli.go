// Package cli implements the loramerge command line.
package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/born-ml/loramerge/internal/envconfig"
)

// Version is the loramerge release, set at build time with -ldflags.
var Version = "v0.1.0-dev"

func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-24s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// underscoreFlags lets --lora_weight and --lora-weight name the same flag.
func underscoreFlags(_ *pflag.FlagSet, name string) pflag.NormalizedName {
	return pflag.NormalizedName(strings.ReplaceAll(name, "_", "-"))
}

// NewCLI builds the root command. Running it without a subcommand performs a merge.
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	rootCmd := newMergeCmd()
	rootCmd.AddCommand(newInspectCmd(), newVersionCmd())

	envVars := envconfig.AsMap()
	appendEnvDocs(rootCmd, []envconfig.EnvVar{
		envVars["LORAMERGE_DEVICE"],
		envVars["LORAMERGE_LOG_LEVEL"],
		envVars["LORAMERGE_LOG_FORMAT"],
		envVars["LORAMERGE_VERIFY"],
		envVars["LORAMERGE_NO_PROGRESS"],
	})
	return rootCmd
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the loramerge version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loramerge %s\n", Version)
		},
	}
}
