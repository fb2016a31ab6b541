package cli

import (
	"fmt"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/born-ml/loramerge/internal/loader"
	"github.com/born-ml/loramerge/internal/lora"
)

func newInspectCmd() *cobra.Command {
	var dit string

	cmd := &cobra.Command{
		Use:   "inspect ADAPTER",
		Short: "List the targets, ranks and scales of a LoRA adapter",
		Long: `List every target of a LoRA adapter with its rank, alpha and scale.
With --dit the targets are also resolved against the base model, reporting the tensors
each one would update.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInspect(cmd, args[0], dit)
		},
	}
	cmd.Flags().SetNormalizeFunc(underscoreFlags)
	cmd.Flags().StringVar(&dit, "dit", "", "base model to resolve targets against")
	return cmd
}

func runInspect(cmd *cobra.Command, path, dit string) error {
	raw, err := loader.LoadAdapter(path)
	if err != nil {
		return err
	}
	defer raw.Release()

	set, err := lora.ParseAdapter(raw)
	if err != nil {
		return err
	}
	defer set.Release()

	resolved := make(map[string]lora.Binding)
	if dit != "" {
		base, err := loader.LoadModel(dit)
		if err != nil {
			return err
		}
		defer base.Release()

		bindings, err := lora.NewResolver(base).Resolve(set)
		if err != nil {
			return err
		}
		for _, b := range bindings {
			resolved[b.Target] = b
		}
	}

	header := []string{"TARGET", "RANK", "ALPHA", "SCALE", "DELTA", "BIAS"}
	if dit != "" {
		header = append(header, "BASE TENSORS")
	}

	var data [][]string
	for _, target := range set.Targets() {
		a := set.Adapters[target]
		alpha := "-"
		if v, ok := a.AlphaValue(); ok {
			alpha = strconv.FormatFloat(float64(v), 'g', -1, 32)
		}
		delta := "-"
		if a.HasFactors() {
			delta = a.DeltaShape().String()
		}
		bias := "-"
		if a.BiasDelta != nil {
			bias = a.BiasDelta.Shape().String()
		}
		row := []string{
			target,
			strconv.Itoa(a.Rank()),
			alpha,
			strconv.FormatFloat(float64(a.Scale()), 'g', -1, 32),
			delta,
			bias,
		}
		if dit != "" {
			b := resolved[target]
			row = append(row, fmt.Sprint(b.Tensors()))
		}
		data = append(data, row)
	}

	table := tablewriter.NewWriter(cmd.OutOrStdout())
	table.SetHeader(header)
	table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoFormatHeaders(false)
	table.SetAutoWrapText(false)
	table.SetHeaderLine(false)
	table.SetBorder(false)
	table.SetNoWhiteSpace(true)
	table.SetTablePadding("    ")
	table.AppendBulk(data)
	table.Render()

	fmt.Fprintf(cmd.OutOrStdout(), "\n%d targets, %d ignored keys\n", len(data), len(set.Ignored))
	return nil
}
