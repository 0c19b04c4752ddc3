package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func load(t *testing.T, yaml string) (*Config, error) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatal(err)
	}
	return Load(path)
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := load(t, `
model:
  graphPath: models/predict.graph.json
`)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Server.ListenAddress != ":8080" {
		t.Errorf("ListenAddress = %q", cfg.Server.ListenAddress)
	}
	if cfg.Server.MaxBodyBytes != 64<<20 {
		t.Errorf("MaxBodyBytes = %d", cfg.Server.MaxBodyBytes)
	}
	if cfg.Server.Timeout() != 60*time.Second {
		t.Errorf("Timeout = %v", cfg.Server.Timeout())
	}
}

func TestLoadFullConfig(t *testing.T) {
	cfg, err := load(t, `
model:
  graphPath: models/predict.graph.json
  initGraphPath: models/init.graph.json
  manifestPath: models/manifest.json
  metaArchitecture: RetinaNet
runtime:
  sharedLibraryPath: /usr/lib/libonnxruntime.so
  intraOpThreads: 4
  workspaceName: serving_ws
server:
  listenAddress: ":9000"
  timeoutSeconds: 30
policy:
  expression: "score >= 0.5"
`)
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.Model.MetaArchitecture != "RetinaNet" {
		t.Errorf("MetaArchitecture = %q", cfg.Model.MetaArchitecture)
	}
	if cfg.Runtime.IntraOpThreads != 4 {
		t.Errorf("IntraOpThreads = %d", cfg.Runtime.IntraOpThreads)
	}
	if cfg.Server.ListenAddress != ":9000" {
		t.Errorf("ListenAddress = %q", cfg.Server.ListenAddress)
	}
	if cfg.Policy.Expression != "score >= 0.5" {
		t.Errorf("Expression = %q", cfg.Policy.Expression)
	}
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing graph path", `
server:
  listenAddress: ":8080"
`},
		{"negative threads", `
model:
  graphPath: p
runtime:
  intraOpThreads: -1
`},
		{"conflicting policy sources", `
model:
  graphPath: p
policy:
  expression: "score >= 0.5"
  expressionPath: keep.expr
`},
		{"malformed yaml", `model: [`},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := load(t, tc.yaml); err == nil {
				t.Error("Load() should fail")
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Error("Load() should fail on a missing file")
	}
}
