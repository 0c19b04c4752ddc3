package cmd

import (
	"fmt"
	"log/slog"
	"path/filepath"

	"github.com/softlens/detbridge/internal/bundle"
	"github.com/softlens/detbridge/internal/config"
	"github.com/softlens/detbridge/internal/detection"
	"github.com/softlens/detbridge/internal/graph"
	"github.com/softlens/detbridge/internal/ortengine"
	"github.com/softlens/detbridge/internal/policy"
	"github.com/softlens/detbridge/internal/runner"
)

// buildAdapter wires the full inference stack from configuration: bundle
// verification, graph loading, engine, runner, policy filter, adapter.
// The returned closer releases the engine and its sessions.
func buildAdapter(cfg *config.Config, logger *slog.Logger) (*detection.Adapter, func() error, error) {
	if cfg.Model.ManifestPath != "" {
		manifest, err := bundle.LoadManifest(cfg.Model.ManifestPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load manifest: %w", err)
		}
		if err := manifest.Verify(filepath.Dir(cfg.Model.ManifestPath)); err != nil {
			return nil, nil, fmt.Errorf("bundle verification failed: %w", err)
		}
		logger.Info("bundle verified", "name", manifest.Name, "artifacts", len(manifest.Keys()))
	}

	g, err := graph.Load(cfg.Model.GraphPath)
	if err != nil {
		return nil, nil, fmt.Errorf("load prediction graph: %w", err)
	}
	var initGraph *graph.Def
	if cfg.Model.InitGraphPath != "" {
		initGraph, err = graph.Load(cfg.Model.InitGraphPath)
		if err != nil {
			return nil, nil, fmt.Errorf("load init graph: %w", err)
		}
	}

	filter, err := loadFilter(cfg.Policy, logger)
	if err != nil {
		return nil, nil, err
	}

	engine, err := ortengine.New(ortengine.Config{
		SharedLibraryPath: cfg.Runtime.SharedLibraryPath,
		IntraOpThreads:    cfg.Runtime.IntraOpThreads,
		Logger:            logger,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize engine: %w", err)
	}

	r, err := runner.New(runner.Config{
		Graph:         g,
		InitGraph:     initGraph,
		Engine:        engine,
		WorkspaceName: cfg.Runtime.WorkspaceName,
		Logger:        logger,
	})
	if err != nil {
		engine.Close()
		return nil, nil, fmt.Errorf("create graph runner: %w", err)
	}

	adapter, err := detection.New(detection.Config{
		Runner:           r,
		InitGraph:        initGraph,
		MetaArchitecture: cfg.Model.MetaArchitecture,
		Filter:           filter,
		Logger:           logger,
	})
	if err != nil {
		r.Close()
		return nil, nil, fmt.Errorf("create detection adapter: %w", err)
	}

	return adapter, r.Close, nil
}

// loadFilter builds the policy filter from inline expression or file.
// Returns nil when neither is configured.
func loadFilter(cfg config.PolicyConfig, logger *slog.Logger) (*policy.Filter, error) {
	switch {
	case cfg.Expression != "":
		f, err := policy.New(cfg.Expression, logger)
		if err != nil {
			return nil, fmt.Errorf("parse policy expression: %w", err)
		}
		return f, nil
	case cfg.ExpressionPath != "":
		f, err := policy.Load(cfg.ExpressionPath, logger)
		if err != nil {
			return nil, fmt.Errorf("load policy expression: %w", err)
		}
		return f, nil
	default:
		return nil, nil
	}
}
