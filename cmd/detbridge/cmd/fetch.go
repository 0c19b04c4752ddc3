package cmd

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/softlens/detbridge/internal/bundle"
)

var (
	fetchBase string
	fetchDest string
)

var fetchCmd = &cobra.Command{
	Use:   "fetch <manifest>",
	Short: "Download and verify a graph bundle",
	Long: `Fetch downloads a bundle manifest and its artifacts into a local
directory, verifying each artifact's checksum against the manifest.

The manifest argument is resolved relative to --base, which may be an
http(s) URL, a gs:// bucket prefix, or a local directory.

Example:
  detbridge fetch --base gs://models/detbridge --dest ./models rcnn/manifest.json
  detbridge fetch --base https://models.example.com --dest ./models rcnn/manifest.json`,
	Args: cobra.ExactArgs(1),
	RunE: runFetch,
}

func init() {
	rootCmd.AddCommand(fetchCmd)

	fetchCmd.Flags().StringVar(&fetchBase, "base", "",
		"Base URL or directory the manifest path is resolved against")
	fetchCmd.Flags().StringVar(&fetchDest, "dest", "models",
		"Destination directory for the bundle")
	_ = fetchCmd.MarkFlagRequired("base")
}

func runFetch(cmd *cobra.Command, args []string) error {
	fetcher := bundle.NewFetcher(fetchBase, slog.Default())

	manifest, err := fetcher.FetchBundle(context.Background(), args[0], fetchDest)
	if err != nil {
		return fmt.Errorf("fetch bundle: %w", err)
	}

	slog.Info("bundle fetched",
		"name", manifest.Name,
		"artifacts", len(manifest.Keys()),
		"dest", fetchDest,
	)
	return nil
}
