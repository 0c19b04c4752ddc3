package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/softlens/detbridge/internal/graph"
)

var inspectOutputFormat string

var inspectCmd = &cobra.Command{
	Use:   "inspect <graph.json>",
	Short: "Print metadata of an exported graph definition",
	Args:  cobra.ExactArgs(1),
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().StringVar(&inspectOutputFormat, "output", "table",
		"Output format: table, json")
}

// graphSummary is the flattened view printed by inspect.
type graphSummary struct {
	Name             string   `json:"name"`
	MetaArchitecture string   `json:"meta_architecture"`
	SizeDivisibility int64    `json:"size_divisibility"`
	Ops              int      `json:"ops"`
	PayloadBytes     int      `json:"payload_bytes"`
	ExternalInputs   []string `json:"external_inputs"`
	ExternalOutputs  []string `json:"external_outputs"`
}

func summarize(g *graph.Def) graphSummary {
	return graphSummary{
		Name:             g.Name,
		MetaArchitecture: g.ArgString("meta_architecture", "GeneralizedRCNN"),
		SizeDivisibility: g.ArgInt("size_divisibility", 0),
		Ops:              len(g.Ops),
		PayloadBytes:     len(g.Payload),
		ExternalInputs:   g.ExternalInputs,
		ExternalOutputs:  g.ExternalOutputs,
	}
}

func runInspect(cmd *cobra.Command, args []string) error {
	g, err := graph.Load(args[0])
	if err != nil {
		return fmt.Errorf("load graph: %w", err)
	}

	summary := summarize(g)
	if inspectOutputFormat == "json" {
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(summary)
	}

	fmt.Print(formatSummary(summary))
	return nil
}

func formatSummary(s graphSummary) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Name:              %s\n", s.Name)
	fmt.Fprintf(&b, "Meta architecture: %s\n", s.MetaArchitecture)
	fmt.Fprintf(&b, "Size divisibility: %d\n", s.SizeDivisibility)
	fmt.Fprintf(&b, "Ops:               %d\n", s.Ops)
	fmt.Fprintf(&b, "Payload:           %d bytes\n", s.PayloadBytes)
	fmt.Fprintf(&b, "Inputs:            %s\n", strings.Join(s.ExternalInputs, ", "))
	fmt.Fprintf(&b, "Outputs:           %s\n", strings.Join(s.ExternalOutputs, ", "))
	return b.String()
}
