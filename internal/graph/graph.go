// Package graph models serialized computation graph definitions produced by
// the export pipeline. A definition names its external inputs and outputs and
// carries side-channel args; the actual operator payload is an opaque blob
// owned by the execution engine.
package graph

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// Op is a single operator entry. Kept for inspection only; the engine
// executes the opaque payload, not this list.
type Op struct {
	Type    string   `json:"type"`
	Name    string   `json:"name,omitempty"`
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
}

// Arg is a named side-channel argument embedded in the graph definition.
// Exactly one of IntValue/StrValue is set.
type Arg struct {
	Name     string  `json:"name"`
	IntValue *int64  `json:"i,omitempty"`
	StrValue *string `json:"s,omitempty"`
}

// Def is an immutable serialized graph definition. Never mutated after Load.
type Def struct {
	Name            string   `json:"name"`
	Ops             []Op     `json:"ops,omitempty"`
	ExternalInputs  []string `json:"external_inputs"`
	ExternalOutputs []string `json:"external_outputs"`
	Args            []Arg    `json:"args,omitempty"`

	// PayloadPath locates the engine-owned blob, relative to the
	// definition file. Payload holds its bytes after Load.
	PayloadPath string `json:"payload,omitempty"`
	Payload     []byte `json:"-"`
}

// Load reads a graph definition from a JSON file and resolves its payload
// relative to the definition's directory.
func Load(path string) (*Def, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read graph definition %s: %w", path, err)
	}

	var def Def
	if err := json.Unmarshal(data, &def); err != nil {
		return nil, fmt.Errorf("failed to parse graph definition %s: %w", path, err)
	}

	if def.PayloadPath != "" {
		payloadPath := def.PayloadPath
		if !filepath.IsAbs(payloadPath) {
			payloadPath = filepath.Join(filepath.Dir(path), payloadPath)
		}
		payload, err := os.ReadFile(payloadPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read graph payload %s: %w", payloadPath, err)
		}
		def.Payload = payload
	}

	if err := def.Validate(); err != nil {
		return nil, fmt.Errorf("invalid graph definition %s: %w", path, err)
	}

	return &def, nil
}

// Validate checks that the definition is well-formed.
func (d *Def) Validate() error {
	if d == nil {
		return fmt.Errorf("graph definition is nil")
	}
	if d.Name == "" {
		return fmt.Errorf("graph name is required")
	}

	seen := make(map[string]struct{}, len(d.ExternalInputs))
	for _, name := range d.ExternalInputs {
		if name == "" {
			return fmt.Errorf("graph %s declares an empty external input name", d.Name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("graph %s declares duplicate external input %q", d.Name, name)
		}
		seen[name] = struct{}{}
	}

	seen = make(map[string]struct{}, len(d.ExternalOutputs))
	for _, name := range d.ExternalOutputs {
		if name == "" {
			return fmt.Errorf("graph %s declares an empty external output name", d.Name)
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("graph %s declares duplicate external output %q", d.Name, name)
		}
		seen[name] = struct{}{}
	}

	return nil
}

// HasInput reports whether name is a declared external input.
func (d *Def) HasInput(name string) bool {
	for _, in := range d.ExternalInputs {
		if in == name {
			return true
		}
	}
	return false
}

// ArgInt returns the named int arg, or def when absent or non-int.
func (d *Def) ArgInt(name string, def int64) int64 {
	for _, arg := range d.Args {
		if arg.Name == name && arg.IntValue != nil {
			return *arg.IntValue
		}
	}
	return def
}

// ArgString returns the named string arg, or def when absent or non-string.
func (d *Def) ArgString(name string, def string) string {
	for _, arg := range d.Args {
		if arg.Name == name && arg.StrValue != nil {
			return *arg.StrValue
		}
	}
	return def
}
