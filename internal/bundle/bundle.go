// Package bundle loads exported model bundles: a JSON manifest naming the
// graph artifacts with sha256 checksums, plus fetching of the artifacts
// from local paths, HTTP, or GCS.
package bundle

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// Artifact is one file of a bundle.
type Artifact struct {
	Path   string `json:"path"`
	SHA256 string `json:"sha256"`
}

// Manifest describes an exported model bundle. The export pipeline writes
// it next to the graph artifacts.
type Manifest struct {
	Name      string              `json:"name"`
	Artifacts map[string]Artifact `json:"artifacts"`
}

// Well-known artifact keys.
const (
	ArtifactPredictGraph = "predict_graph"
	ArtifactInitGraph    = "init_graph"
)

// LoadManifest reads and validates a bundle manifest.
func LoadManifest(path string) (*Manifest, error) {
	payload, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest %s: %w", path, err)
	}

	var m Manifest
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	if m.Name == "" {
		return nil, fmt.Errorf("manifest %s has no bundle name", path)
	}
	if _, ok := m.Artifacts[ArtifactPredictGraph]; !ok {
		return nil, fmt.Errorf("manifest %s names no %s artifact", path, ArtifactPredictGraph)
	}
	for key, art := range m.Artifacts {
		if art.Path == "" {
			return nil, fmt.Errorf("manifest %s: artifact %q has no path", path, key)
		}
		if art.SHA256 != "" && !isSHA256Hex(art.SHA256) {
			return nil, fmt.Errorf("manifest %s: artifact %q has malformed sha256 %q", path, key, art.SHA256)
		}
	}
	return &m, nil
}

// ArtifactPath resolves the named artifact relative to dir.
func (m *Manifest) ArtifactPath(dir, key string) (string, error) {
	art, ok := m.Artifacts[key]
	if !ok {
		return "", fmt.Errorf("bundle %s has no %q artifact", m.Name, key)
	}
	return filepath.Join(dir, art.Path), nil
}

// Keys returns the artifact keys in sorted order.
func (m *Manifest) Keys() []string {
	keys := make([]string, 0, len(m.Artifacts))
	for key := range m.Artifacts {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

// Verify hashes every artifact under dir against the manifest. Artifacts
// without a recorded checksum are skipped.
func (m *Manifest) Verify(dir string) error {
	for _, key := range m.Keys() {
		art := m.Artifacts[key]
		if art.SHA256 == "" {
			continue
		}
		path := filepath.Join(dir, art.Path)
		sum, err := hashFile(path)
		if err != nil {
			return fmt.Errorf("failed to hash artifact %q: %w", key, err)
		}
		if !strings.EqualFold(sum, art.SHA256) {
			return fmt.Errorf("artifact %q checksum mismatch: manifest %s, file %s", key, art.SHA256, sum)
		}
	}
	return nil
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func isSHA256Hex(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		switch {
		case r >= '0' && r <= '9':
		case r >= 'a' && r <= 'f':
		case r >= 'A' && r <= 'F':
		default:
			return false
		}
	}
	return true
}
