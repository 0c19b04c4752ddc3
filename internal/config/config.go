// Package config provides configuration loading for detbridge.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all detbridge configuration.
type Config struct {
	Model   ModelConfig   `yaml:"model"`
	Runtime RuntimeConfig `yaml:"runtime"`
	Server  ServerConfig  `yaml:"server"`
	Policy  PolicyConfig  `yaml:"policy"`
}

// ModelConfig locates the exported graph bundle.
type ModelConfig struct {
	// GraphPath is the prediction graph definition. Required.
	GraphPath string `yaml:"graphPath"`

	// InitGraphPath is the init graph definition. Optional; graphs whose
	// weights are folded into the prediction payload have none.
	InitGraphPath string `yaml:"initGraphPath"`

	// ManifestPath enables bundle checksum verification at startup.
	ManifestPath string `yaml:"manifestPath"`

	// MetaArchitecture overrides the graph's meta_architecture arg.
	MetaArchitecture string `yaml:"metaArchitecture"`
}

// RuntimeConfig configures the execution engine.
type RuntimeConfig struct {
	// SharedLibraryPath overrides onnxruntime shared-library resolution.
	SharedLibraryPath string `yaml:"sharedLibraryPath"`

	// IntraOpThreads limits per-op parallelism. 0 keeps the runtime default.
	IntraOpThreads int `yaml:"intraOpThreads"`

	// WorkspaceName labels the runner's workspace in logs.
	WorkspaceName string `yaml:"workspaceName"`
}

// ServerConfig configures the HTTP inference server.
type ServerConfig struct {
	ListenAddress  string `yaml:"listenAddress"`
	MaxBodyBytes   int64  `yaml:"maxBodyBytes"`
	TimeoutSeconds int    `yaml:"timeoutSeconds"`
}

// PolicyConfig configures the detection filter.
type PolicyConfig struct {
	// Expression is an inline keep expression, e.g. "score >= 0.5".
	Expression string `yaml:"expression"`

	// ExpressionPath reads the expression from a file instead.
	ExpressionPath string `yaml:"expressionPath"`
}

// Load reads configuration from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// Validate checks required fields and applies defaults for optional ones.
func (c *Config) Validate() error {
	if c.Model.GraphPath == "" {
		return fmt.Errorf("model.graphPath is required")
	}
	if c.Policy.Expression != "" && c.Policy.ExpressionPath != "" {
		return fmt.Errorf("policy.expression and policy.expressionPath are mutually exclusive")
	}
	if c.Server.ListenAddress == "" {
		c.Server.ListenAddress = ":8080"
	}
	if c.Server.MaxBodyBytes <= 0 {
		c.Server.MaxBodyBytes = 64 << 20
	}
	if c.Server.TimeoutSeconds <= 0 {
		c.Server.TimeoutSeconds = 60
	}
	if c.Runtime.IntraOpThreads < 0 {
		return fmt.Errorf("runtime.intraOpThreads must be >= 0")
	}
	return nil
}

// Timeout returns the server request timeout as a duration.
func (s *ServerConfig) Timeout() time.Duration {
	return time.Duration(s.TimeoutSeconds) * time.Second
}
