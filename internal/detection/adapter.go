package detection

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"gorgonia.org/tensor"

	"github.com/softlens/detbridge/internal/graph"
	"github.com/softlens/detbridge/internal/metrics"
	"github.com/softlens/detbridge/internal/policy"
	"github.com/softlens/detbridge/internal/workspace"
)

// ErrUnknownArchitecture marks a meta_architecture tag with no registered
// converter. Raised at construction so misconfiguration surfaces before
// serving begins, never at the first inference call.
var ErrUnknownArchitecture = errors.New("unknown meta architecture")

// Input blob names every exported detection graph declares.
const (
	blobData   = "data"
	blobImInfo = "im_info"
)

// Runner is the slice of GraphRunner the adapter needs.
type Runner interface {
	Run(ctx context.Context, inputs *workspace.TensorDict) (*workspace.TensorDict, error)
	Graph() *graph.Def
}

// OutputConverter turns raw graph outputs back into per-image results.
// Converters are total over well-formed graph outputs; they reject partial
// output left behind by a runtime fault.
type OutputConverter func(batched []ImageInput, inputs, raw *workspace.TensorDict) ([]Result, error)

// ConverterFactory builds a converter from the graph definitions, letting
// an architecture read its own metadata args.
type ConverterFactory func(g, initGraph *graph.Def) OutputConverter

var converterFactories = map[string]ConverterFactory{
	"GeneralizedRCNN": newRCNNConverter,
	"RetinaNet":       newRetinaNetConverter,
	"ProposalNetwork": newProposalConverter,
}

// Config configures an Adapter.
type Config struct {
	// Runner executes the detection graph. Required.
	Runner Runner

	// InitGraph is passed through to converter factories. Optional.
	InitGraph *graph.Def

	// Converter overrides registry resolution via the graph's
	// meta_architecture arg. Optional.
	Converter OutputConverter

	// MetaArchitecture overrides the graph's meta_architecture arg when
	// resolving from the registry. Optional.
	MetaArchitecture string

	// Filter drops detections the keep expression rejects. Optional.
	Filter *policy.Filter

	Logger *slog.Logger
}

// Adapter drives an exported detection graph as a drop-in replacement for
// the original model during inference.
type Adapter struct {
	runner           Runner
	sizeDivisibility int
	convert          OutputConverter
	filter           *policy.Filter
	logger           *slog.Logger
}

// New resolves the output converter and padding granularity from the graph
// metadata and returns an adapter ready to serve.
func New(cfg Config) (*Adapter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Runner == nil {
		return nil, fmt.Errorf("runner is required")
	}

	g := cfg.Runner.Graph()
	convert := cfg.Converter
	if convert == nil {
		tag := cfg.MetaArchitecture
		if tag == "" {
			tag = g.ArgString("meta_architecture", "GeneralizedRCNN")
		}
		factory, ok := converterFactories[tag]
		if !ok {
			return nil, fmt.Errorf("%w: %q", ErrUnknownArchitecture, tag)
		}
		convert = factory(g, cfg.InitGraph)
		logger.Info("resolved output converter", "meta_architecture", tag)
	}

	return &Adapter{
		runner:           cfg.Runner,
		sizeDivisibility: int(g.ArgInt("size_divisibility", 0)),
		convert:          convert,
		filter:           cfg.Filter,
		logger:           logger,
	}, nil
}

// SizeDivisibility returns the padding granularity read from the graph.
func (a *Adapter) SizeDivisibility() int {
	return a.sizeDivisibility
}

// ConvertInputs batches per-image CHW tensors into one zero-padded NCHW
// "data" tensor whose spatial dims are rounded up to the nearest multiple
// of the size divisibility (0 pads nothing beyond the batch max), plus a
// per-image "im_info" tensor of [height, width, scale] rows.
func (a *Adapter) ConvertInputs(batched []ImageInput) (*workspace.TensorDict, error) {
	if len(batched) == 0 {
		return nil, fmt.Errorf("batch is empty")
	}

	channels := 0
	maxH, maxW := 0, 0
	for i, in := range batched {
		if in.Image == nil {
			return nil, fmt.Errorf("batch entry %d has no image tensor", i)
		}
		shape := in.Image.Shape()
		if len(shape) != 3 {
			return nil, fmt.Errorf("batch entry %d: image tensor must be CHW, got shape %v", i, shape)
		}
		if channels == 0 {
			channels = shape[0]
		} else if channels != shape[0] {
			return nil, fmt.Errorf("batch entry %d: channel count %d differs from %d", i, shape[0], channels)
		}
		if shape[1] > maxH {
			maxH = shape[1]
		}
		if shape[2] > maxW {
			maxW = shape[2]
		}
	}

	if a.sizeDivisibility > 0 {
		maxH = alignUp(maxH, a.sizeDivisibility)
		maxW = alignUp(maxW, a.sizeDivisibility)
	}

	data := make([]float32, len(batched)*channels*maxH*maxW)
	imInfo := make([]float32, len(batched)*3)
	for i, in := range batched {
		shape := in.Image.Shape()
		h, w := shape[1], shape[2]
		src, ok := in.Image.Data().([]float32)
		if !ok {
			return nil, fmt.Errorf("batch entry %d: image tensor is not float32", i)
		}
		base := i * channels * maxH * maxW
		for c := 0; c < channels; c++ {
			for y := 0; y < h; y++ {
				srcOff := (c*h + y) * w
				dstOff := base + (c*maxH+y)*maxW
				copy(data[dstOff:dstOff+w], src[srcOff:srcOff+w])
			}
		}
		imInfo[i*3+0] = float32(h)
		imInfo[i*3+1] = float32(w)
		imInfo[i*3+2] = 1.0
	}

	dict := workspace.NewTensorDict()
	dict.Set(blobData, tensor.New(
		tensor.WithShape(len(batched), channels, maxH, maxW),
		tensor.WithBacking(data)))
	dict.Set(blobImInfo, tensor.New(
		tensor.WithShape(len(batched), 3),
		tensor.WithBacking(imInfo)))
	return dict, nil
}

// Forward converts inputs, runs the graph, and converts raw outputs into
// structured per-image results, applying the filter policy when configured.
func (a *Adapter) Forward(ctx context.Context, batched []ImageInput) ([]Result, error) {
	start := time.Now()

	inputs, err := a.ConvertInputs(batched)
	if err != nil {
		return nil, fmt.Errorf("failed to convert inputs: %w", err)
	}

	raw, err := a.runner.Run(ctx, inputs)
	if err != nil {
		return nil, err
	}

	results, err := a.convert(batched, inputs, raw)
	if err != nil {
		return nil, fmt.Errorf("failed to convert outputs: %w", err)
	}

	if a.filter != nil {
		if err := a.applyFilter(results); err != nil {
			return nil, err
		}
	}

	metrics.InferenceLatency.Observe(time.Since(start).Seconds())
	for _, res := range results {
		metrics.DetectionsReturned.Observe(float64(len(res.Detections)))
	}
	return results, nil
}

func (a *Adapter) applyFilter(results []Result) error {
	for i := range results {
		kept := results[i].Detections[:0]
		for _, det := range results[i].Detections {
			keep, err := a.filter.Keep(map[string]float64{
				"score":  float64(det.Score),
				"class":  float64(det.Class),
				"area":   float64(det.Area()),
				"width":  float64(det.Box[2] - det.Box[0]),
				"height": float64(det.Box[3] - det.Box[1]),
				"x1":     float64(det.Box[0]),
				"y1":     float64(det.Box[1]),
				"x2":     float64(det.Box[2]),
				"y2":     float64(det.Box[3]),
			})
			if err != nil {
				return fmt.Errorf("filter policy failed: %w", err)
			}
			if keep {
				kept = append(kept, det)
			} else {
				metrics.PolicyDropped.Inc()
			}
		}
		results[i].Detections = kept
	}
	return nil
}

func alignUp(v, d int) int {
	return (v + d - 1) / d * d
}
