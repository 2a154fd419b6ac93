package app

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/vk/dgsplice/internal/core"
	"gopkg.in/yaml.v3"
)

// Config holds all the necessary configuration for an App instance to run.
type Config struct {
	ScenePaths []string `yaml:"scenes"` // hcl files or directories

	LogFormat string `yaml:"log_format"`
	LogLevel  string `yaml:"log_level"`

	Guarded      bool     `yaml:"guarded"`
	Optimization string   `yaml:"optimization"`
	RTFolders    []string `yaml:"rt_folders"`
	ExtFolders   []string `yaml:"ext_folders"`
	Extensions   []string `yaml:"extensions"`
	LogWarnings  bool     `yaml:"log_warnings"`

	// Evaluate names the nodes to evaluate. Empty means every node.
	Evaluate []string `yaml:"evaluate"`
	Output   bool     `yaml:"output"`
	// Instrument logs per-operator timing after every evaluation.
	Instrument bool `yaml:"instrument"`

	HealthcheckPort int    `yaml:"healthcheck_port"`
	StatusURL       string `yaml:"status_url"`
	StatusEvent     string `yaml:"status_event"`
	Watch           bool   `yaml:"watch"`
}

// NewConfig fills defaults and validates cfg.
func NewConfig(cfg Config) (*Config, error) {
	if len(cfg.ScenePaths) == 0 {
		return nil, errors.New("at least one scene path is required")
	}
	if cfg.LogFormat == "" {
		cfg.LogFormat = "text"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.LogFormat != "text" && cfg.LogFormat != "json" {
		return nil, fmt.Errorf("invalid log-format '%s': must be 'text' or 'json'", cfg.LogFormat)
	}
	switch cfg.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return nil, fmt.Errorf("invalid log-level '%s': must be 'debug', 'info', 'warn', or 'error'", cfg.LogLevel)
	}
	if _, err := core.ParseOptimization(cfg.Optimization); err != nil {
		return nil, err
	}
	if cfg.HealthcheckPort < 0 || cfg.HealthcheckPort > 65535 {
		return nil, fmt.Errorf("invalid healthcheck-port %d", cfg.HealthcheckPort)
	}
	return &cfg, nil
}

// LoadConfigFile reads a YAML config file. Unknown keys are rejected.
func LoadConfigFile(path string) (Config, error) {
	var cfg Config
	buf, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(buf))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}
