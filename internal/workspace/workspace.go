// Package workspace provides the named tensor-blob store a graph executes
// against, plus the ordered TensorDict exchanged at the runner boundary.
package workspace

import (
	"fmt"
	"sort"

	"gorgonia.org/tensor"
)

// blob is a single named tensor slot. A blob exists from the moment it is
// created or first fed; initialized tracks whether it currently holds a
// value. Resetting a blob keeps the slot but drops the value, so a later
// failed run can never surface a stale tensor.
type blob struct {
	value       *tensor.Dense
	initialized bool
}

// Workspace is a named, mutable mapping from blob name to tensor value,
// scoped to one runner instance. It is not safe for concurrent use; callers
// serialize access themselves.
type Workspace struct {
	name  string
	blobs map[string]*blob
}

// New creates an empty workspace with the given identifier. The identifier
// is owned by the caller; two workspaces never share state regardless of
// their names.
func New(name string) *Workspace {
	return &Workspace{
		name:  name,
		blobs: make(map[string]*blob),
	}
}

// Name returns the workspace identifier.
func (w *Workspace) Name() string {
	return w.name
}

// Create ensures a blob slot exists for name, uninitialized if new.
// Creating an existing blob is a no-op.
func (w *Workspace) Create(name string) {
	if _, ok := w.blobs[name]; !ok {
		w.blobs[name] = &blob{}
	}
}

// Has reports whether a blob slot exists for name, initialized or not.
func (w *Workspace) Has(name string) bool {
	_, ok := w.blobs[name]
	return ok
}

// Feed stores t under name, creating the slot if needed.
func (w *Workspace) Feed(name string, t *tensor.Dense) {
	w.blobs[name] = &blob{value: t, initialized: true}
}

// Fetch returns the tensor stored under name. The second return is false
// when the slot does not exist or is uninitialized.
func (w *Workspace) Fetch(name string) (*tensor.Dense, bool) {
	b, ok := w.blobs[name]
	if !ok || !b.initialized {
		return nil, false
	}
	return b.value, true
}

// Reset returns the named blob to the uninitialized state without removing
// the slot. Resetting an unknown name creates an uninitialized slot.
func (w *Workspace) Reset(name string) {
	w.blobs[name] = &blob{}
}

// Blobs returns the names of all slots, sorted for stable iteration.
func (w *Workspace) Blobs() []string {
	names := make([]string, 0, len(w.blobs))
	for name := range w.blobs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TensorDict is an insertion-ordered mapping from blob name to tensor, used
// uniformly for graph inputs and outputs. A nil value is a legal entry and
// marks an output the engine did not produce.
type TensorDict struct {
	keys   []string
	values map[string]*tensor.Dense
}

// NewTensorDict returns an empty TensorDict.
func NewTensorDict() *TensorDict {
	return &TensorDict{values: make(map[string]*tensor.Dense)}
}

// Set stores t under key, preserving first-insertion order.
func (d *TensorDict) Set(key string, t *tensor.Dense) {
	if _, ok := d.values[key]; !ok {
		d.keys = append(d.keys, key)
	}
	d.values[key] = t
}

// Get returns the tensor stored under key and whether the key is present.
func (d *TensorDict) Get(key string) (*tensor.Dense, bool) {
	t, ok := d.values[key]
	return t, ok
}

// Keys returns the keys in insertion order.
func (d *TensorDict) Keys() []string {
	out := make([]string, len(d.keys))
	copy(out, d.keys)
	return out
}

// Len returns the number of entries.
func (d *TensorDict) Len() int {
	return len(d.keys)
}

// String renders the dict keys for log output.
func (d *TensorDict) String() string {
	return fmt.Sprintf("TensorDict%v", d.keys)
}
