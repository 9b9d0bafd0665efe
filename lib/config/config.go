// Copyright 2026 The Stitch Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"

	"gopkg.in/yaml.v3"
)

// Config is the master configuration for Stitch commands.
type Config struct {
	// Worker configures how the patch worker process is located and
	// run.
	Worker WorkerConfig `yaml:"worker"`

	// Logging configures diagnostic output.
	Logging LoggingConfig `yaml:"logging"`
}

// WorkerConfig configures the sandboxed worker process.
type WorkerConfig struct {
	// Binary is the path of the stitch-worker executable. When empty,
	// the worker is resolved from BinDir and then PATH.
	Binary string `yaml:"binary"`

	// BinDir is where Stitch binaries are installed. This provides
	// hermetic binary paths independent of user PATH.
	BinDir string `yaml:"bin_dir"`
}

// LoggingConfig configures diagnostic output.
type LoggingConfig struct {
	// Level is the minimum slog level emitted (debug, info, warn,
	// error). Default: info.
	Level string `yaml:"level"`
}

// Default returns the default configuration. These defaults ensure
// all fields have sensible zero-values; the config file itself stays
// optional for the CLI.
func Default() *Config {
	return &Config{
		Logging: LoggingConfig{
			Level: "info",
		},
	}
}

// Load loads configuration from the STITCH_CONFIG environment
// variable. There are no fallbacks: if STITCH_CONFIG is not set, this
// fails.
func Load() (*Config, error) {
	configPath := os.Getenv("STITCH_CONFIG")
	if configPath == "" {
		return nil, fmt.Errorf("STITCH_CONFIG environment variable not set; " +
			"set it to the path of your stitch.yaml config file, or use --config flag")
	}
	return LoadFile(configPath)
}

// LoadFile loads configuration from a specific file path. The config
// file is the single source of truth; environment variables do not
// override config values. The only expansion performed is ${HOME} and
// similar path variables for portability.
func LoadFile(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", path, err)
	}

	cfg.expandVariables()
	return cfg, nil
}

// expandVariables expands ${VAR} and ${VAR:-default} patterns in path
// fields.
func (c *Config) expandVariables() {
	vars := map[string]string{
		"HOME": os.Getenv("HOME"),
	}
	c.Worker.Binary = expandVars(c.Worker.Binary, vars)
	c.Worker.BinDir = expandVars(c.Worker.BinDir, vars)
}

var varPattern = regexp.MustCompile(`\$\{([^}:]+)(?::-([^}]*))?\}`)

func expandVars(s string, vars map[string]string) string {
	return varPattern.ReplaceAllStringFunc(s, func(match string) string {
		parts := varPattern.FindStringSubmatch(match)
		if len(parts) < 2 {
			return match
		}

		name := parts[1]
		defaultValue := ""
		if len(parts) >= 3 {
			defaultValue = parts[2]
		}

		if value, ok := vars[name]; ok && value != "" {
			return value
		}
		if value := os.Getenv(name); value != "" {
			return value
		}
		return defaultValue
	})
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		errs = append(errs, fmt.Errorf("logging.level must be one of: debug, info, warn, error"))
	}

	if c.Worker.Binary != "" {
		if _, err := os.Stat(c.Worker.Binary); err != nil {
			errs = append(errs, fmt.Errorf("worker.binary: %w", err))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// WorkerBinary resolves the worker executable path. An explicit
// Worker.Binary wins; otherwise BinDir is checked, then PATH.
func (c *Config) WorkerBinary() (string, error) {
	if c.Worker.Binary != "" {
		return c.Worker.Binary, nil
	}

	const name = "stitch-worker"
	if c.Worker.BinDir != "" {
		binPath := filepath.Join(c.Worker.BinDir, name)
		if _, err := os.Stat(binPath); err == nil {
			return binPath, nil
		}
	}

	path, err := exec.LookPath(name)
	if err != nil {
		if c.Worker.BinDir != "" {
			return "", fmt.Errorf("%s not found in %s or PATH", name, c.Worker.BinDir)
		}
		return "", fmt.Errorf("%s not found in PATH", name)
	}
	return path, nil
}
