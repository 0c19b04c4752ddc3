// Package ortengine implements the runner.Engine interface on top of ONNX
// Runtime. Each compiled graph is backed by one session built from the
// graph's opaque payload; operator execution, memory planning, and graph
// optimization all happen inside the runtime.
package ortengine

import (
	"fmt"
	"log/slog"

	ort "github.com/yalue/onnxruntime_go"
	"gorgonia.org/tensor"

	"github.com/softlens/detbridge/internal/graph"
	"github.com/softlens/detbridge/internal/workspace"
)

// Config configures the engine.
type Config struct {
	// SharedLibraryPath overrides shared-library resolution. Optional.
	SharedLibraryPath string

	// IntraOpThreads limits per-op parallelism. 0 keeps the runtime default.
	IntraOpThreads int

	Logger *slog.Logger
}

type compiledNet struct {
	session *ort.DynamicAdvancedSession
	inputs  []string
	outputs []string
}

// Engine executes graph payloads through ONNX Runtime sessions.
type Engine struct {
	logger         *slog.Logger
	intraOpThreads int
	nets           map[string]*compiledNet
}

// New initializes the ONNX Runtime environment and returns an engine.
func New(cfg Config) (*Engine, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	setSharedLibraryPath(cfg.SharedLibraryPath)
	if err := ort.InitializeEnvironment(); err != nil {
		logger.Warn("ONNX Runtime already initialized or failed", "error", err)
	}

	return &Engine{
		logger:         logger,
		intraOpThreads: cfg.IntraOpThreads,
		nets:           make(map[string]*compiledNet),
	}, nil
}

func (e *Engine) sessionOptions() (*ort.SessionOptions, error) {
	if e.intraOpThreads <= 0 {
		return nil, nil
	}
	opts, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("failed to create session options: %w", err)
	}
	if err := opts.SetIntraOpNumThreads(e.intraOpThreads); err != nil {
		opts.Destroy()
		return nil, fmt.Errorf("failed to set intra-op threads: %w", err)
	}
	return opts, nil
}

func (e *Engine) newSession(g *graph.Def) (*ort.DynamicAdvancedSession, error) {
	if len(g.Payload) == 0 {
		return nil, fmt.Errorf("graph %s carries no engine payload", g.Name)
	}
	opts, err := e.sessionOptions()
	if err != nil {
		return nil, err
	}
	if opts != nil {
		defer opts.Destroy()
	}
	session, err := ort.NewDynamicAdvancedSessionWithONNXData(
		g.Payload, g.ExternalInputs, g.ExternalOutputs, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create session for graph %s: %w", g.Name, err)
	}
	return session, nil
}

// CompileNet builds a session for g and registers it under the graph name.
func (e *Engine) CompileNet(ws *workspace.Workspace, g *graph.Def) error {
	if _, exists := e.nets[g.Name]; exists {
		return fmt.Errorf("net %q is already compiled", g.Name)
	}
	session, err := e.newSession(g)
	if err != nil {
		return err
	}
	e.nets[g.Name] = &compiledNet{
		session: session,
		inputs:  g.ExternalInputs,
		outputs: g.ExternalOutputs,
	}
	e.logger.Info("compiled net", "graph", g.Name, "workspace", ws.Name())
	return nil
}

// RunNetOnce executes g with a throwaway session. Init graphs with no
// payload (weights folded into the prediction payload) are a no-op.
func (e *Engine) RunNetOnce(ws *workspace.Workspace, g *graph.Def) error {
	if len(g.Payload) == 0 {
		e.logger.Debug("init graph has no payload, skipping", "graph", g.Name)
		return nil
	}
	session, err := e.newSession(g)
	if err != nil {
		return err
	}
	defer session.Destroy()
	return e.execute(ws, session, g.ExternalInputs, g.ExternalOutputs, g.Name)
}

// RunNet executes a previously compiled net by name.
func (e *Engine) RunNet(ws *workspace.Workspace, name string) error {
	net, ok := e.nets[name]
	if !ok {
		return fmt.Errorf("net %q is not compiled", name)
	}
	return e.execute(ws, net.session, net.inputs, net.outputs, name)
}

func (e *Engine) execute(ws *workspace.Workspace, session *ort.DynamicAdvancedSession, inputs, outputs []string, name string) error {
	inputValues := make([]ort.Value, len(inputs))
	fed := make([]*ort.Tensor[float32], 0, len(inputs))
	destroyFed := func() {
		for _, t := range fed {
			t.Destroy()
		}
	}

	for i, in := range inputs {
		t, ok := ws.Fetch(in)
		if !ok {
			destroyFed()
			return fmt.Errorf("net %s: input blob %q is uninitialized", name, in)
		}
		ot, err := denseToORT(t)
		if err != nil {
			destroyFed()
			return fmt.Errorf("net %s: input blob %q: %w", name, in, err)
		}
		fed = append(fed, ot)
		inputValues[i] = ot
	}

	// nil entries let the runtime allocate outputs with the shapes it
	// actually produced.
	outputValues := make([]ort.Value, len(outputs))
	err := session.Run(inputValues, outputValues)
	destroyFed()
	if err != nil {
		return fmt.Errorf("net %s execution failed: %w", name, err)
	}

	for i, out := range outputs {
		ot, ok := outputValues[i].(*ort.Tensor[float32])
		if !ok {
			return fmt.Errorf("net %s: output %q has unexpected type %T", name, out, outputValues[i])
		}
		ws.Feed(out, ortToDense(ot))
		ot.Destroy()
	}
	return nil
}

// Close destroys all sessions and the runtime environment.
func (e *Engine) Close() error {
	for name, net := range e.nets {
		if err := net.session.Destroy(); err != nil {
			e.logger.Warn("failed to destroy session", "graph", name, "error", err)
		}
	}
	e.nets = make(map[string]*compiledNet)
	return ort.DestroyEnvironment()
}

func denseToORT(t *tensor.Dense) (*ort.Tensor[float32], error) {
	data, ok := t.Data().([]float32)
	if !ok {
		return nil, fmt.Errorf("tensor dtype %v is not float32", t.Dtype())
	}
	return ort.NewTensor(ort.NewShape(shapeToInt64(t.Shape())...), data)
}

func ortToDense(t *ort.Tensor[float32]) *tensor.Dense {
	src := t.GetData()
	data := make([]float32, len(src))
	copy(data, src)

	shape := t.GetShape()
	dims := make([]int, len(shape))
	for i, d := range shape {
		dims[i] = int(d)
	}
	if len(dims) == 0 {
		dims = []int{1}
	}
	return tensor.New(tensor.WithShape(dims...), tensor.WithBacking(data))
}

func shapeToInt64(shape tensor.Shape) []int64 {
	dims := make([]int64, len(shape))
	for i, d := range shape {
		dims[i] = int64(d)
	}
	return dims
}
