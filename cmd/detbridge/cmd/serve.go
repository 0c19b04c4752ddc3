package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/softlens/detbridge/internal/config"
	"github.com/softlens/detbridge/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the detbridge inference server",
	Long: `Serve loads the configured graph bundle and exposes it over HTTP.

Endpoints:
  POST /v1/detect  run detection on base64-encoded images
  GET  /healthz    liveness probe
  GET  /metrics    Prometheus metrics`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	slog.Info("starting detbridge server",
		"graph", cfg.Model.GraphPath,
		"listen", cfg.Server.ListenAddress,
	)

	adapter, closer, err := buildAdapter(cfg, slog.Default())
	if err != nil {
		return err
	}
	defer func() {
		if err := closer(); err != nil {
			slog.Warn("failed to release engine", "error", err)
		}
	}()

	srv := server.New(cfg.Server, adapter, slog.Default())
	if err := srv.Run(ctx); err != nil {
		return fmt.Errorf("server exited: %w", err)
	}

	slog.Info("detbridge server stopped")
	return nil
}
