// Package policy evaluates a configurable keep/drop expression over each
// detection. Expressions are plain govaluate syntax over per-detection
// variables (score, class, area, width, height, x1, y1, x2, y2), e.g.
// "score >= 0.5 && area > 100".
package policy

import (
	"fmt"
	"log/slog"
	"math"
	"os"
	"strings"

	"github.com/Knetic/govaluate"
)

// Filter holds a compiled keep expression.
type Filter struct {
	expression *govaluate.EvaluableExpression
	vars       []string
	logger     *slog.Logger
}

// New compiles a keep expression. An empty expression is an error; callers
// that want no filtering pass a nil *Filter instead.
func New(expr string, logger *slog.Logger) (*Filter, error) {
	if logger == nil {
		logger = slog.Default()
	}
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return nil, fmt.Errorf("filter expression is empty")
	}

	evaluable, err := govaluate.NewEvaluableExpressionWithFunctions(expr, exprFunctions())
	if err != nil {
		return nil, fmt.Errorf("failed to parse filter expression: %w", err)
	}

	return &Filter{
		expression: evaluable,
		vars:       evaluable.Vars(),
		logger:     logger,
	}, nil
}

// Load reads a keep expression from a file.
func Load(path string, logger *slog.Logger) (*Filter, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read filter expression %s: %w", path, err)
	}
	return New(string(payload), logger)
}

// Keep evaluates the expression over the detection features. A nil filter
// keeps everything. Missing variables and non-boolean results are errors so
// a misconfigured policy never silently drops detections.
func (f *Filter) Keep(features map[string]float64) (bool, error) {
	if f == nil {
		return true, nil
	}

	params := make(map[string]interface{}, len(f.vars))
	for _, key := range f.vars {
		value, ok := features[key]
		if !ok {
			return false, fmt.Errorf("filter references unknown variable %q", key)
		}
		params[key] = value
	}

	result, err := f.expression.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("filter evaluation failed: %w", err)
	}
	keep, ok := result.(bool)
	if !ok {
		return false, fmt.Errorf("filter expression returned %T, want bool", result)
	}
	return keep, nil
}

// Vars returns the variable names the expression references.
func (f *Filter) Vars() []string {
	if f == nil {
		return nil
	}
	out := make([]string, len(f.vars))
	copy(out, f.vars)
	return out
}

func exprFunctions() map[string]govaluate.ExpressionFunction {
	return map[string]govaluate.ExpressionFunction{
		"sqrt": func(args ...interface{}) (interface{}, error) {
			v, err := toFloat(args, 0)
			if err != nil {
				return nil, err
			}
			if v < 0 {
				v = 0
			}
			return math.Sqrt(v), nil
		},
		"abs": func(args ...interface{}) (interface{}, error) {
			v, err := toFloat(args, 0)
			if err != nil {
				return nil, err
			}
			return math.Abs(v), nil
		},
		"min": func(args ...interface{}) (interface{}, error) {
			a, err := toFloat(args, 0)
			if err != nil {
				return nil, err
			}
			b, err := toFloat(args, 1)
			if err != nil {
				return nil, err
			}
			return math.Min(a, b), nil
		},
		"max": func(args ...interface{}) (interface{}, error) {
			a, err := toFloat(args, 0)
			if err != nil {
				return nil, err
			}
			b, err := toFloat(args, 1)
			if err != nil {
				return nil, err
			}
			return math.Max(a, b), nil
		},
	}
}

func toFloat(args []interface{}, idx int) (float64, error) {
	if len(args) <= idx {
		return 0, fmt.Errorf("missing argument %d", idx)
	}
	switch v := args[idx].(type) {
	case float64:
		return v, nil
	case float32:
		return float64(v), nil
	case int:
		return float64(v), nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("unsupported numeric type %T", args[idx])
	}
}
