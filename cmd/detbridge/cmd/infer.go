package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/softlens/detbridge/internal/config"
	"github.com/softlens/detbridge/internal/detection"
)

var inferOutputFormat string

var inferCmd = &cobra.Command{
	Use:   "infer [image]...",
	Short: "Run detection on image files",
	Long: `Infer runs the configured graph on one or more JPEG or PNG files
and prints the detections.

Example:
  detbridge infer --config config/default.yaml street.jpg
  detbridge infer --output json a.png b.png`,
	Args: cobra.MinimumNArgs(1),
	RunE: runInfer,
}

func init() {
	rootCmd.AddCommand(inferCmd)

	inferCmd.Flags().StringVar(&inferOutputFormat, "output", "table",
		"Output format: table, json")
}

func runInfer(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	adapter, closer, err := buildAdapter(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer closer()

	inputs := make([]detection.ImageInput, 0, len(args))
	for _, path := range args {
		input, err := readImageFile(path)
		if err != nil {
			return err
		}
		inputs = append(inputs, input)
	}

	results, err := adapter.Forward(context.Background(), inputs)
	if err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}

	switch inferOutputFormat {
	case "json":
		return outputJSON(results)
	default:
		return outputTable(args, results)
	}
}

func readImageFile(path string) (detection.ImageInput, error) {
	f, err := os.Open(path)
	if err != nil {
		return detection.ImageInput{}, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	input, err := detection.ReadImageInput(f)
	if err != nil {
		return detection.ImageInput{}, fmt.Errorf("decode %s: %w", path, err)
	}
	return input, nil
}

func outputJSON(results []detection.Result) error {
	encoder := json.NewEncoder(os.Stdout)
	encoder.SetIndent("", "  ")
	return encoder.Encode(results)
}

func outputTable(paths []string, results []detection.Result) error {
	fmt.Printf("%-30s %-8s %-10s %-30s\n", "IMAGE", "CLASS", "SCORE", "BOX")
	fmt.Println("--------------------------------------------------------------------------------")

	for i, res := range results {
		name := fmt.Sprintf("image[%d]", i)
		if i < len(paths) {
			name = paths[i]
		}
		if len(res.Detections) == 0 {
			fmt.Printf("%-30s (no detections)\n", name)
			continue
		}
		for _, d := range res.Detections {
			fmt.Printf("%-30s %-8d %-10.3f [%.1f %.1f %.1f %.1f]\n",
				name, d.Class, d.Score, d.Box[0], d.Box[1], d.Box[2], d.Box[3])
		}
	}
	return nil
}
