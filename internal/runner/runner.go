// Package runner drives a serialized graph against an external execution
// engine. It owns the workspace the graph reads and writes, validates the
// caller's input names, and applies the best-effort failure policy: a
// recoverable engine fault is logged once per distinct message and the run
// still returns whatever outputs the engine produced.
package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/softlens/detbridge/internal/graph"
	"github.com/softlens/detbridge/internal/metrics"
	"github.com/softlens/detbridge/internal/workspace"
)

// ErrInvalidInput marks a Run call that supplied a tensor name not declared
// as an external input of the graph.
var ErrInvalidInput = errors.New("undeclared graph input")

// Engine executes serialized graphs against a workspace. Implementations
// wrap an external inference library; the runner never executes operators
// itself.
type Engine interface {
	// CompileNet registers g for repeated execution against ws.
	CompileNet(ws *workspace.Workspace, g *graph.Def) error

	// RunNetOnce executes g exactly once against ws. Used for init graphs
	// that populate constant blobs.
	RunNetOnce(ws *workspace.Workspace, g *graph.Def) error

	// RunNet executes a net previously registered with CompileNet, by its
	// graph name. Declared inputs are read from ws and declared outputs
	// are written back to ws.
	RunNet(ws *workspace.Workspace, name string) error

	// Close releases engine resources.
	Close() error
}

// Config configures a GraphRunner.
type Config struct {
	// Graph is the main prediction graph. Required.
	Graph *graph.Def

	// InitGraph populates constant blobs before the first run. Optional.
	InitGraph *graph.Def

	// Engine executes the graphs. Required.
	Engine Engine

	// WorkspaceName identifies the runner's workspace in logs. Optional;
	// derived from the graph name when empty. Workspaces are instance
	// scoped, so equal names on two runners never collide.
	WorkspaceName string

	Logger *slog.Logger
}

// GraphRunner feeds named input tensors into its workspace, executes the
// registered graph, and fetches named outputs. One runner supports one
// caller at a time; concurrent use requires external locking.
type GraphRunner struct {
	engine Engine
	graph  *graph.Def
	ws     *workspace.Workspace
	logger *slog.Logger

	// seenFaults deduplicates recoverable fault log lines by message.
	seenFaults map[string]struct{}
}

// New validates both graph definitions, creates the workspace, executes the
// init graph once, ensures every declared external input has a placeholder
// blob, and registers the main graph with the engine.
func New(cfg Config) (*GraphRunner, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	if err := cfg.Graph.Validate(); err != nil {
		return nil, fmt.Errorf("invalid prediction graph: %w", err)
	}
	if cfg.InitGraph != nil {
		if err := cfg.InitGraph.Validate(); err != nil {
			return nil, fmt.Errorf("invalid init graph: %w", err)
		}
	}

	wsName := cfg.WorkspaceName
	if wsName == "" {
		wsName = "ws_" + cfg.Graph.Name
	}
	ws := workspace.New(wsName)

	logger.Info("initializing graph runner",
		"graph", cfg.Graph.Name,
		"workspace", wsName,
		"inputs", cfg.Graph.ExternalInputs,
		"outputs", cfg.Graph.ExternalOutputs,
	)

	if cfg.InitGraph != nil {
		if err := cfg.Engine.RunNetOnce(ws, cfg.InitGraph); err != nil {
			return nil, fmt.Errorf("failed to run init graph %s: %w", cfg.InitGraph.Name, err)
		}
	}

	// Every declared input needs at least an uninitialized slot so the
	// compiled net is runnable before the first Feed.
	for _, name := range cfg.Graph.ExternalInputs {
		if !ws.Has(name) {
			ws.Create(name)
		}
	}

	if err := cfg.Engine.CompileNet(ws, cfg.Graph); err != nil {
		return nil, fmt.Errorf("failed to compile graph %s: %w", cfg.Graph.Name, err)
	}

	return &GraphRunner{
		engine:     cfg.Engine,
		graph:      cfg.Graph,
		ws:         ws,
		logger:     logger,
		seenFaults: make(map[string]struct{}),
	}, nil
}

// Graph returns the runner's prediction graph definition.
func (r *GraphRunner) Graph() *graph.Def {
	return r.graph
}

// Run feeds inputs, executes the graph, and returns a TensorDict whose keys
// are exactly the declared external outputs in declared order. After a
// recoverable engine fault the dict is still returned; outputs the fault
// prevented carry a nil tensor, and the caller validates completeness.
func (r *GraphRunner) Run(ctx context.Context, inputs *workspace.TensorDict) (*workspace.TensorDict, error) {
	// Validate every key before feeding anything, so an invalid call has
	// no side effect on the workspace.
	for _, key := range inputs.Keys() {
		if !r.graph.HasInput(key) {
			return nil, fmt.Errorf("%w: %q is not an external input of graph %q",
				ErrInvalidInput, key, r.graph.Name)
		}
	}

	for _, key := range inputs.Keys() {
		t, _ := inputs.Get(key)
		r.ws.Feed(key, t)
	}

	metrics.GraphRuns.WithLabelValues(r.graph.Name).Inc()

	if err := r.engine.RunNet(r.ws, r.graph.Name); err != nil {
		metrics.GraphFaults.WithLabelValues(r.graph.Name).Inc()
		msg := err.Error()
		if _, seen := r.seenFaults[msg]; !seen {
			r.seenFaults[msg] = struct{}{}
			r.logger.Warn("graph execution fault", "graph", r.graph.Name, "error", msg)
		}
		r.logger.Warn("returning partial results after fault", "graph", r.graph.Name)
	}

	outputs := workspace.NewTensorDict()
	partial := false
	for _, name := range r.graph.ExternalOutputs {
		if t, ok := r.ws.Fetch(name); ok {
			outputs.Set(name, t)
		} else {
			outputs.Set(name, nil)
			partial = true
		}
	}
	if partial {
		metrics.PartialOutputs.WithLabelValues(r.graph.Name).Inc()
	}

	// Reset output blobs immediately so a future run that fails mid-graph
	// cannot fetch this run's results as if they were its own.
	for _, name := range r.graph.ExternalOutputs {
		r.ws.Reset(name)
	}

	return outputs, nil
}

// Close releases the engine.
func (r *GraphRunner) Close() error {
	return r.engine.Close()
}
