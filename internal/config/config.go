// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads Pipekeeper's worker configuration: which Store
// backend to use, the Claimer and Recovery Orchestrator's timing, and
// default step limits. Configuration is resolved in layers: built-in
// defaults, then an optional YAML file, then PIPEKEEPER_* environment
// variables, validated at the end.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pipekeeper/pipekeeper/pkg/pipelineerr"
)

// Config is the full worker configuration.
type Config struct {
	Log      LogConfig      `yaml:"log"`
	Backend  BackendConfig  `yaml:"backend"`
	Claimer  ClaimerConfig  `yaml:"claimer"`
	Recovery RecoveryConfig `yaml:"recovery"`
	Defaults DefaultsConfig `yaml:"defaults"`
}

// LogConfig controls the slog.Logger built by internal/obslog.
type LogConfig struct {
	Level     string `yaml:"level,omitempty"`
	Format    string `yaml:"format,omitempty"`
	AddSource bool   `yaml:"add_source,omitempty"`
}

// BackendConfig selects and configures a Store implementation.
type BackendConfig struct {
	// Type is one of "memory", "sqlite", "postgres".
	Type string `yaml:"type,omitempty"`

	// SQLitePath is the database file path, used when Type is "sqlite".
	SQLitePath string `yaml:"sqlite_path,omitempty"`

	// PostgresDSN is the connection string, used when Type is "postgres".
	PostgresDSN string `yaml:"postgres_dsn,omitempty"`
}

// ClaimerConfig controls the poll loop that claims pending Runs.
type ClaimerConfig struct {
	// PollIntervalMin/Max bound the jittered sleep after an empty claim.
	PollIntervalMin time.Duration `yaml:"poll_interval_min,omitempty"`
	PollIntervalMax time.Duration `yaml:"poll_interval_max,omitempty"`
}

// RecoveryConfig controls the Recovery Orchestrator's scan cadence.
type RecoveryConfig struct {
	// ScanInterval is how often the periodic scan for stuck Runs runs.
	ScanInterval time.Duration `yaml:"scan_interval,omitempty"`
	// StaleAfter is how long a Run may sit in `running` before it is
	// considered abandoned by its worker.
	StaleAfter time.Duration `yaml:"stale_after,omitempty"`
}

// DefaultsConfig holds fallback step limits. They are loaded and validated
// here, but no code in this repository applies them to step definitions:
// the engine honors only whatever each StepDefinition carries.
type DefaultsConfig struct {
	StepTimeoutMs  int `yaml:"step_timeout_ms,omitempty"`
	StepMaxRetries int `yaml:"step_max_retries,omitempty"`
}

// Default returns the built-in configuration: an in-memory backend, a
// 200-1000ms jittered poll interval, and a ten-minute staleness threshold
// for recovery.
func Default() *Config {
	return &Config{
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Backend: BackendConfig{
			Type: "memory",
		},
		Claimer: ClaimerConfig{
			PollIntervalMin: 200 * time.Millisecond,
			PollIntervalMax: 1000 * time.Millisecond,
		},
		Recovery: RecoveryConfig{
			ScanInterval: 5 * time.Minute,
			StaleAfter:   10 * time.Minute,
		},
		Defaults: DefaultsConfig{
			StepTimeoutMs:  0, // unbounded
			StepMaxRetries: 0,
		},
	}
}

// Load builds a Config from the built-in defaults, a YAML file (if
// configPath is non-empty), and environment variables, in that order of
// precedence, then validates the result.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		if err := cfg.loadFromFile(configPath); err != nil {
			return nil, &pipelineerr.ConfigError{Key: "config_file", Reason: fmt.Sprintf("failed to load from %s", configPath), Cause: err}
		}
	}

	cfg.applyDefaults()
	cfg.loadFromEnv()

	if err := cfg.Validate(); err != nil {
		return nil, &pipelineerr.ConfigError{Key: "validation", Reason: "configuration validation failed", Cause: err}
	}
	return cfg, nil
}

func (c *Config) loadFromFile(path string) error {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return fmt.Errorf("failed to get home directory: %w", err)
		}
		path = filepath.Join(home, path[2:])
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("failed to parse YAML: %w", err)
	}
	return nil
}

// applyDefaults fills any zero-valued field left unset by a minimal YAML
// file with the built-in default.
func (c *Config) applyDefaults() {
	d := Default()

	if c.Log.Level == "" {
		c.Log.Level = d.Log.Level
	}
	if c.Log.Format == "" {
		c.Log.Format = d.Log.Format
	}
	if c.Backend.Type == "" {
		c.Backend.Type = d.Backend.Type
	}
	if c.Claimer.PollIntervalMin == 0 {
		c.Claimer.PollIntervalMin = d.Claimer.PollIntervalMin
	}
	if c.Claimer.PollIntervalMax == 0 {
		c.Claimer.PollIntervalMax = d.Claimer.PollIntervalMax
	}
	if c.Recovery.ScanInterval == 0 {
		c.Recovery.ScanInterval = d.Recovery.ScanInterval
	}
	if c.Recovery.StaleAfter == 0 {
		c.Recovery.StaleAfter = d.Recovery.StaleAfter
	}
}

// loadFromEnv overrides cfg with any PIPEKEEPER_* environment variables
// present, taking precedence over both the built-in defaults and a loaded
// YAML file.
func (c *Config) loadFromEnv() {
	if val := os.Getenv("PIPEKEEPER_LOG_LEVEL"); val != "" {
		c.Log.Level = strings.ToLower(val)
	}
	if val := os.Getenv("PIPEKEEPER_LOG_FORMAT"); val != "" {
		c.Log.Format = strings.ToLower(val)
	}
	if val := os.Getenv("PIPEKEEPER_LOG_SOURCE"); val != "" {
		c.Log.AddSource = val == "1" || strings.ToLower(val) == "true"
	}

	if val := os.Getenv("PIPEKEEPER_BACKEND"); val != "" {
		c.Backend.Type = val
	}
	if val := os.Getenv("PIPEKEEPER_SQLITE_PATH"); val != "" {
		c.Backend.SQLitePath = val
	}
	if val := os.Getenv("PIPEKEEPER_POSTGRES_DSN"); val != "" {
		c.Backend.PostgresDSN = val
	}

	if val := os.Getenv("PIPEKEEPER_POLL_INTERVAL_MIN"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Claimer.PollIntervalMin = d
		}
	}
	if val := os.Getenv("PIPEKEEPER_POLL_INTERVAL_MAX"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Claimer.PollIntervalMax = d
		}
	}
	if val := os.Getenv("PIPEKEEPER_RECOVERY_SCAN_INTERVAL"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Recovery.ScanInterval = d
		}
	}
	if val := os.Getenv("PIPEKEEPER_RECOVERY_STALE_AFTER"); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			c.Recovery.StaleAfter = d
		}
	}
	if val := os.Getenv("PIPEKEEPER_STEP_TIMEOUT_MS"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Defaults.StepTimeoutMs = n
		}
	}
	if val := os.Getenv("PIPEKEEPER_STEP_MAX_RETRIES"); val != "" {
		if n, err := strconv.Atoi(val); err == nil {
			c.Defaults.StepMaxRetries = n
		}
	}
}

// Validate checks that the configuration describes a usable worker.
func (c *Config) Validate() error {
	var errs []string

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "warning": true, "error": true, "trace": true}
	if !validLevels[c.Log.Level] {
		errs = append(errs, fmt.Sprintf("log.level must be one of [debug, info, warn, warning, error, trace], got %q", c.Log.Level))
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[c.Log.Format] {
		errs = append(errs, fmt.Sprintf("log.format must be one of [json, text], got %q", c.Log.Format))
	}

	switch c.Backend.Type {
	case "memory":
	case "sqlite":
		if c.Backend.SQLitePath == "" {
			errs = append(errs, "backend.sqlite_path is required when backend.type is \"sqlite\"")
		}
	case "postgres":
		if c.Backend.PostgresDSN == "" {
			errs = append(errs, "backend.postgres_dsn is required when backend.type is \"postgres\"")
		}
	default:
		errs = append(errs, fmt.Sprintf("backend.type must be one of [memory, sqlite, postgres], got %q", c.Backend.Type))
	}

	if c.Claimer.PollIntervalMin <= 0 {
		errs = append(errs, "claimer.poll_interval_min must be positive")
	}
	if c.Claimer.PollIntervalMax < c.Claimer.PollIntervalMin {
		errs = append(errs, "claimer.poll_interval_max must be >= claimer.poll_interval_min")
	}
	if c.Recovery.ScanInterval <= 0 {
		errs = append(errs, "recovery.scan_interval must be positive")
	}
	if c.Recovery.StaleAfter <= 0 {
		errs = append(errs, "recovery.stale_after must be positive")
	}
	if c.Defaults.StepTimeoutMs < 0 {
		errs = append(errs, "defaults.step_timeout_ms must be >= 0")
	}
	if c.Defaults.StepMaxRetries < 0 {
		errs = append(errs, "defaults.step_max_retries must be >= 0")
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
