package runner

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"gorgonia.org/tensor"

	"github.com/softlens/detbridge/internal/graph"
	"github.com/softlens/detbridge/internal/workspace"
)

func scalar(v float32) *tensor.Dense {
	return tensor.New(tensor.WithShape(1), tensor.WithBacking([]float32{v}))
}

// fakeEngine implements Engine for tests. Its default RunNet writes every
// declared output as the sum of all initialized declared inputs.
type fakeEngine struct {
	compiled map[string]*graph.Def
	lastWS   *workspace.Workspace
	runCount int
	initRuns int

	// onRun overrides the default execution when set.
	onRun func(ws *workspace.Workspace, g *graph.Def) error
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{compiled: make(map[string]*graph.Def)}
}

func (e *fakeEngine) CompileNet(ws *workspace.Workspace, g *graph.Def) error {
	e.lastWS = ws
	e.compiled[g.Name] = g
	return nil
}

func (e *fakeEngine) RunNetOnce(ws *workspace.Workspace, g *graph.Def) error {
	e.initRuns++
	for _, name := range g.ExternalOutputs {
		ws.Feed(name, scalar(1))
	}
	return nil
}

func (e *fakeEngine) RunNet(ws *workspace.Workspace, name string) error {
	e.runCount++
	e.lastWS = ws
	g, ok := e.compiled[name]
	if !ok {
		return fmt.Errorf("net %q not compiled", name)
	}
	if e.onRun != nil {
		return e.onRun(ws, g)
	}

	var sum float32
	for _, in := range g.ExternalInputs {
		if t, ok := ws.Fetch(in); ok {
			for _, v := range t.Data().([]float32) {
				sum += v
			}
		}
	}
	for _, out := range g.ExternalOutputs {
		ws.Feed(out, scalar(sum))
	}
	return nil
}

func (e *fakeEngine) Close() error { return nil }

func testGraph() *graph.Def {
	return &graph.Def{
		Name:            "predict_net",
		ExternalInputs:  []string{"data", "im_info"},
		ExternalOutputs: []string{"bbox_nms", "score_nms", "class_nms"},
	}
}

func newTestRunner(t *testing.T, e *fakeEngine) *GraphRunner {
	t.Helper()
	r, err := New(Config{Graph: testGraph(), Engine: e})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}
	return r
}

func validInputs() *workspace.TensorDict {
	in := workspace.NewTensorDict()
	in.Set("data", scalar(2))
	in.Set("im_info", scalar(3))
	return in
}

func TestRunReturnsDeclaredOutputsInOrder(t *testing.T) {
	r := newTestRunner(t, newFakeEngine())

	out, err := r.Run(context.Background(), validInputs())
	if err != nil {
		t.Fatalf("Run() failed: %v", err)
	}

	want := []string{"bbox_nms", "score_nms", "class_nms"}
	keys := out.Keys()
	if len(keys) != len(want) {
		t.Fatalf("output keys = %v, want %v", keys, want)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("output keys = %v, want declared order %v", keys, want)
		}
	}
	for _, k := range want {
		v, ok := out.Get(k)
		if !ok || v == nil {
			t.Errorf("output %q missing", k)
		}
	}
}

func TestRunIsDeterministic(t *testing.T) {
	r := newTestRunner(t, newFakeEngine())

	first, err := r.Run(context.Background(), validInputs())
	if err != nil {
		t.Fatal(err)
	}
	second, err := r.Run(context.Background(), validInputs())
	if err != nil {
		t.Fatal(err)
	}

	for _, k := range first.Keys() {
		a, _ := first.Get(k)
		b, _ := second.Get(k)
		av := a.Data().([]float32)[0]
		bv := b.Data().([]float32)[0]
		if av != bv {
			t.Errorf("output %q differs across identical runs: %v vs %v", k, av, bv)
		}
		if av != 5 {
			t.Errorf("output %q = %v, want 5", k, av)
		}
	}
}

func TestNoStaleOutputAfterFault(t *testing.T) {
	e := newFakeEngine()
	r := newTestRunner(t, e)

	// First run succeeds and fills all outputs.
	out, err := r.Run(context.Background(), validInputs())
	if err != nil {
		t.Fatal(err)
	}
	if v, _ := out.Get("bbox_nms"); v == nil {
		t.Fatal("expected full output on clean run")
	}

	// Second run faults before writing any output. The previous results
	// must not leak through.
	e.onRun = func(ws *workspace.Workspace, g *graph.Def) error {
		return errors.New("op ConvFwd: out of memory")
	}
	out, err = r.Run(context.Background(), validInputs())
	if err != nil {
		t.Fatalf("fault must not propagate from Run: %v", err)
	}

	for _, k := range out.Keys() {
		if v, _ := out.Get(k); v != nil {
			t.Errorf("output %q holds a stale tensor after fault", k)
		}
	}
}

func TestPartialResultsAfterMidGraphFault(t *testing.T) {
	e := newFakeEngine()
	e.onRun = func(ws *workspace.Workspace, g *graph.Def) error {
		ws.Feed("bbox_nms", scalar(9))
		return errors.New("op BBoxTransform: shape mismatch")
	}
	r := newTestRunner(t, e)

	out, err := r.Run(context.Background(), validInputs())
	if err != nil {
		t.Fatalf("Run() must recover from the fault: %v", err)
	}

	if v, _ := out.Get("bbox_nms"); v == nil {
		t.Error("partially computed output should be returned")
	}
	if v, _ := out.Get("score_nms"); v != nil {
		t.Error("uncomputed output should be nil")
	}
	if got := out.Len(); got != 3 {
		t.Errorf("key set must stay the declared outputs, got %d keys", got)
	}
}

func TestInvalidInputFailsFast(t *testing.T) {
	e := newFakeEngine()
	r := newTestRunner(t, e)

	in := workspace.NewTensorDict()
	in.Set("data", scalar(1))
	in.Set("bogus", scalar(1))

	_, err := r.Run(context.Background(), in)
	if !errors.Is(err, ErrInvalidInput) {
		t.Fatalf("Run() error = %v, want ErrInvalidInput", err)
	}
	if e.runCount != 0 {
		t.Error("engine must not execute after an invalid input")
	}
	// Nothing may have been fed: the valid key that accompanied the
	// invalid one must remain uninitialized.
	if _, ok := e.lastWS.Fetch("data"); ok {
		t.Error("blobs were fed before input validation completed")
	}
}

func TestFaultLogDeduplication(t *testing.T) {
	e := newFakeEngine()
	e.onRun = func(ws *workspace.Workspace, g *graph.Def) error {
		return errors.New("repeated fault")
	}
	r := newTestRunner(t, e)

	for i := 0; i < 3; i++ {
		if _, err := r.Run(context.Background(), validInputs()); err != nil {
			t.Fatal(err)
		}
	}
	if len(r.seenFaults) != 1 {
		t.Errorf("seenFaults = %d entries, want 1", len(r.seenFaults))
	}

	e.onRun = func(ws *workspace.Workspace, g *graph.Def) error {
		return errors.New("a different fault")
	}
	if _, err := r.Run(context.Background(), validInputs()); err != nil {
		t.Fatal(err)
	}
	if len(r.seenFaults) != 2 {
		t.Errorf("seenFaults = %d entries, want 2", len(r.seenFaults))
	}
}

func TestInitGraphRunsOnceAndInputsGetPlaceholders(t *testing.T) {
	e := newFakeEngine()
	initGraph := &graph.Def{
		Name:            "init_net",
		ExternalOutputs: []string{"conv1_w"},
	}
	r, err := New(Config{Graph: testGraph(), InitGraph: initGraph, Engine: e})
	if err != nil {
		t.Fatalf("New() failed: %v", err)
	}

	if e.initRuns != 1 {
		t.Errorf("init graph ran %d times, want 1", e.initRuns)
	}
	for _, in := range testGraph().ExternalInputs {
		if !e.lastWS.Has(in) {
			t.Errorf("external input %q has no placeholder blob", in)
		}
	}
	if _, ok := e.lastWS.Fetch("conv1_w"); !ok {
		t.Error("init graph output missing from workspace")
	}
	_ = r
}

func TestNewValidatesGraphs(t *testing.T) {
	e := newFakeEngine()

	if _, err := New(Config{Graph: &graph.Def{}, Engine: e}); err == nil {
		t.Error("New() should reject a malformed prediction graph")
	}
	if _, err := New(Config{Graph: testGraph(), InitGraph: &graph.Def{}, Engine: e}); err == nil {
		t.Error("New() should reject a malformed init graph")
	}
	if _, err := New(Config{Graph: testGraph()}); err == nil {
		t.Error("New() should require an engine")
	}
}
