package bundle

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
)

func sha256Hex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func writeManifest(t *testing.T, dir string, m *Manifest) string {
	t.Helper()
	payload, err := json.Marshal(m)
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(dir, "manifest.json")
	if err := os.WriteFile(path, payload, 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadManifest(t *testing.T) {
	dir := t.TempDir()
	path := writeManifest(t, dir, &Manifest{
		Name: "rcnn-r50",
		Artifacts: map[string]Artifact{
			ArtifactPredictGraph: {Path: "predict.graph.json", SHA256: sha256Hex([]byte("x"))},
			ArtifactInitGraph:    {Path: "init.graph.json"},
		},
	})

	m, err := LoadManifest(path)
	if err != nil {
		t.Fatalf("LoadManifest() failed: %v", err)
	}
	if m.Name != "rcnn-r50" {
		t.Errorf("Name = %q", m.Name)
	}

	got, err := m.ArtifactPath(dir, ArtifactPredictGraph)
	if err != nil {
		t.Fatal(err)
	}
	if got != filepath.Join(dir, "predict.graph.json") {
		t.Errorf("ArtifactPath = %q", got)
	}
	if _, err := m.ArtifactPath(dir, "nope"); err == nil {
		t.Error("unknown artifact key should fail")
	}
}

func TestLoadManifestRejectsMalformed(t *testing.T) {
	dir := t.TempDir()

	cases := []struct {
		name string
		m    *Manifest
	}{
		{"no name", &Manifest{Artifacts: map[string]Artifact{ArtifactPredictGraph: {Path: "p"}}}},
		{"no predict graph", &Manifest{Name: "m", Artifacts: map[string]Artifact{"other": {Path: "p"}}}},
		{"bad checksum", &Manifest{Name: "m", Artifacts: map[string]Artifact{
			ArtifactPredictGraph: {Path: "p", SHA256: "zz"},
		}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			path := writeManifest(t, t.TempDir(), tc.m)
			if _, err := LoadManifest(path); err == nil {
				t.Error("LoadManifest() should fail")
			}
		})
	}
	_ = dir
}

func TestVerifyChecksums(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("graph payload")
	if err := os.WriteFile(filepath.Join(dir, "predict.graph.json"), payload, 0o644); err != nil {
		t.Fatal(err)
	}

	m := &Manifest{
		Name: "m",
		Artifacts: map[string]Artifact{
			ArtifactPredictGraph: {Path: "predict.graph.json", SHA256: sha256Hex(payload)},
		},
	}
	if err := m.Verify(dir); err != nil {
		t.Errorf("Verify() failed on a valid bundle: %v", err)
	}

	m.Artifacts[ArtifactPredictGraph] = Artifact{
		Path:   "predict.graph.json",
		SHA256: sha256Hex([]byte("tampered")),
	}
	if err := m.Verify(dir); err == nil {
		t.Error("Verify() should reject a checksum mismatch")
	}
}

func TestFetchBundleOverHTTP(t *testing.T) {
	graphPayload := []byte(`{"name":"predict_net","external_inputs":[],"external_outputs":[]}`)
	manifest := Manifest{
		Name: "rcnn-r50",
		Artifacts: map[string]Artifact{
			ArtifactPredictGraph: {Path: "predict.graph.json", SHA256: sha256Hex(graphPayload)},
		},
	}
	manifestPayload, err := json.Marshal(manifest)
	if err != nil {
		t.Fatal(err)
	}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/bundles/rcnn/manifest.json":
			w.Write(manifestPayload)
		case "/bundles/rcnn/predict.graph.json":
			w.Write(graphPayload)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	destDir := t.TempDir()
	f := NewFetcher(srv.URL+"/bundles/rcnn", nil)
	m, err := f.FetchBundle(context.Background(), "manifest.json", destDir)
	if err != nil {
		t.Fatalf("FetchBundle() failed: %v", err)
	}
	if m.Name != "rcnn-r50" {
		t.Errorf("Name = %q", m.Name)
	}

	got, err := os.ReadFile(filepath.Join(destDir, "predict.graph.json"))
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != string(graphPayload) {
		t.Error("fetched artifact differs from source")
	}
}

func TestFetchBundleRejectsTamperedArtifact(t *testing.T) {
	manifest := Manifest{
		Name: "m",
		Artifacts: map[string]Artifact{
			ArtifactPredictGraph: {Path: "predict.graph.json", SHA256: sha256Hex([]byte("expected"))},
		},
	}
	manifestPayload, _ := json.Marshal(manifest)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if filepath.Base(r.URL.Path) == "manifest.json" {
			w.Write(manifestPayload)
			return
		}
		w.Write([]byte("tampered"))
	}))
	defer srv.Close()

	f := NewFetcher(srv.URL, nil)
	if _, err := f.FetchBundle(context.Background(), "manifest.json", t.TempDir()); err == nil {
		t.Error("FetchBundle() should reject a checksum mismatch")
	}
}

func TestFetchLocalFile(t *testing.T) {
	srcDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(srcDir, "a.bin"), []byte("abc"), 0o644); err != nil {
		t.Fatal(err)
	}

	dest := filepath.Join(t.TempDir(), "nested", "a.bin")
	f := NewFetcher(srcDir, nil)
	if err := f.Fetch(context.Background(), "a.bin", dest); err != nil {
		t.Fatalf("Fetch() failed: %v", err)
	}
	got, err := os.ReadFile(dest)
	if err != nil || string(got) != "abc" {
		t.Errorf("fetched %q err=%v", got, err)
	}
}

func TestFetchHTTPErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	defer srv.Close()

	f := NewFetcher(srv.URL, nil)
	dest := filepath.Join(t.TempDir(), "a.bin")
	if err := f.Fetch(context.Background(), "a.bin", dest); err == nil {
		t.Error("Fetch() should fail on a 404")
	}
	if _, err := os.Stat(dest); !os.IsNotExist(err) {
		t.Error("failed fetch must not leave a destination file")
	}
}
