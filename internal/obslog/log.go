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

// Package obslog provides the engine's structured logging setup: a
// log/slog configuration loaded from environment variables, a handful of
// correlation-field constants, and small helpers for attaching run/step
// context to a logger.
package obslog

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

// Correlation field keys used consistently across the engine so that log
// aggregation can group by run, pipeline, or step.
const (
	RunIDKey      = "run_id"
	PipelineIDKey = "pipeline_id"
	StepNameKey   = "step_name"
	AttemptKey    = "attempt"
	DurationKey   = "duration_ms"
	EventKey      = "event"
)

// LevelTrace is a level below slog.LevelDebug for very chatty diagnostics
// (e.g. every wave-dispatch decision).
const LevelTrace = slog.Level(-8)

// Format selects the slog handler used to render log lines.
type Format string

const (
	FormatJSON Format = "json"
	FormatText Format = "text"
)

// Config controls logger construction.
type Config struct {
	Level     slog.Level
	Format    Format
	Output    io.Writer
	AddSource bool
}

// DefaultConfig returns the engine's baseline logging configuration: info
// level, JSON output to stderr.
func DefaultConfig() Config {
	return Config{
		Level:  slog.LevelInfo,
		Format: FormatJSON,
		Output: os.Stderr,
	}
}

// FromEnv builds a Config from PIPEKEEPER_LOG_LEVEL, PIPEKEEPER_LOG_FORMAT,
// and PIPEKEEPER_LOG_SOURCE, falling back to DefaultConfig for anything
// unset.
func FromEnv() Config {
	cfg := DefaultConfig()

	if lvl := os.Getenv("PIPEKEEPER_LOG_LEVEL"); lvl != "" {
		cfg.Level = parseLevel(lvl)
	}
	if fmtVal := strings.ToLower(os.Getenv("PIPEKEEPER_LOG_FORMAT")); fmtVal == "text" {
		cfg.Format = FormatText
	}
	if os.Getenv("PIPEKEEPER_LOG_SOURCE") == "true" {
		cfg.AddSource = true
	}
	return cfg
}

// ParseLevel maps a level name ("trace", "debug", "info", "warn"/"warning",
// "error") to its slog.Level, defaulting to LevelInfo for anything else.
func ParseLevel(s string) slog.Level {
	return parseLevel(s)
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "trace":
		return LevelTrace
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// New builds a slog.Logger per cfg.
func New(cfg Config) *slog.Logger {
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	opts := &slog.HandlerOptions{Level: cfg.Level, AddSource: cfg.AddSource}

	var handler slog.Handler
	if cfg.Format == FormatText {
		handler = slog.NewTextHandler(out, opts)
	} else {
		handler = slog.NewJSONHandler(out, opts)
	}
	return slog.New(handler)
}

// WithRun returns a logger with runId/pipelineId attached.
func WithRun(l *slog.Logger, runID, pipelineID string) *slog.Logger {
	return l.With(slog.String(RunIDKey, runID), slog.String(PipelineIDKey, pipelineID))
}

// WithStep returns a logger with stepName/attempt attached, in addition to
// any fields already attached by WithRun.
func WithStep(l *slog.Logger, stepName string, attempt int) *slog.Logger {
	return l.With(slog.String(StepNameKey, stepName), slog.Int(AttemptKey, attempt))
}

// Trace logs at LevelTrace, mirroring slog.Logger's Debug/Info/Warn/Error
// helpers for the engine's custom level.
func Trace(ctx context.Context, l *slog.Logger, msg string, args ...any) {
	l.Log(ctx, LevelTrace, msg, args...)
}

// SanitizeConnectionString redacts credentials embedded in a DSN before it
// is logged, e.g. in a config-load error message.
func SanitizeConnectionString(s string) string {
	if idx := strings.Index(s, "@"); idx != -1 {
		if schemeIdx := strings.Index(s, "://"); schemeIdx != -1 && schemeIdx < idx {
			return fmt.Sprintf("%s://***@%s", s[:schemeIdx], s[idx+1:])
		}
	}
	return s
}
