// Package config loads ruleflow's engine configuration.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// LoggingConfig controls the engine's structured logging.
type LoggingConfig struct {
	Debug bool `yaml:"debug"`
	JSON  bool `yaml:"json"`
}

// StoreConfig controls the persistence layer.
type StoreConfig struct {
	// DSN is the sqlite data source, e.g. "ruleflow.db" or ":memory:".
	DSN string `yaml:"dsn"`
}

// Config holds all ruleflow engine configuration, as consumed by
// internal/engine. Values map directly onto the configuration options of
// spec.md §6.
type Config struct {
	// WorkingDirectory is the base directory file paths in the definition
	// are resolved relative to, before being absolutized.
	WorkingDirectory string `yaml:"working_directory"`

	// DryRun disables callback invocation and persisted status/mtime
	// writes; missing input files are treated as mtime=null.
	DryRun bool `yaml:"dry_run"`

	// WorkerCount sizes the scheduler's bounded worker pool. Must be a
	// positive int; 0 means "use host concurrency".
	WorkerCount int `yaml:"worker_count"`

	Logging LoggingConfig `yaml:"logging"`
	Store   StoreConfig   `yaml:"store"`
}

// Default returns the engine's default configuration.
func Default() *Config {
	return &Config{
		WorkingDirectory: ".",
		DryRun:           false,
		WorkerCount:      runtime.NumCPU(),
		Logging: LoggingConfig{
			Debug: false,
			JSON:  false,
		},
		Store: StoreConfig{
			DSN: "ruleflow.db",
		},
	}
}

// Load reads a YAML configuration file at path, overlaying it onto
// Default(). A missing file is not an error; Default() is returned as-is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", path, err)
	}
	return cfg.normalize()
}

func (c *Config) normalize() (*Config, error) {
	if c.WorkerCount <= 0 {
		c.WorkerCount = runtime.NumCPU()
	}
	if c.WorkingDirectory == "" {
		c.WorkingDirectory = "."
	}
	abs, err := filepath.Abs(c.WorkingDirectory)
	if err != nil {
		return nil, fmt.Errorf("resolving working directory %s: %w", c.WorkingDirectory, err)
	}
	c.WorkingDirectory = abs
	return c, nil
}
