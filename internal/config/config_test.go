package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	assert.Equal(t, "memory", cfg.Backend.Type)
	assert.Equal(t, 200*time.Millisecond, cfg.Claimer.PollIntervalMin)
}

func TestLoad_NoFileUsesDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.Backend.Type)
}

func TestLoad_FromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipekeeper.yaml")
	yamlContent := "backend:\n  type: sqlite\n  sqlite_path: /tmp/pk.db\nlog:\n  level: debug\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlContent), 0o600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "sqlite", cfg.Backend.Type)
	assert.Equal(t, "/tmp/pk.db", cfg.Backend.SQLitePath)
	assert.Equal(t, "debug", cfg.Log.Level)
	// Unset fields still fall back to defaults.
	assert.Equal(t, 5*time.Minute, cfg.Recovery.ScanInterval)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "pipekeeper.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log:\n  level: debug\n"), 0o600))

	t.Setenv("PIPEKEEPER_LOG_LEVEL", "error")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "error", cfg.Log.Level)
}

func TestValidate_RejectsUnknownBackend(t *testing.T) {
	cfg := Default()
	cfg.Backend.Type = "dynamodb"
	assert.Error(t, cfg.Validate())
}

func TestValidate_RequiresSQLitePath(t *testing.T) {
	cfg := Default()
	cfg.Backend.Type = "sqlite"
	assert.Error(t, cfg.Validate())

	cfg.Backend.SQLitePath = "/tmp/pk.db"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RequiresPostgresDSN(t *testing.T) {
	cfg := Default()
	cfg.Backend.Type = "postgres"
	assert.Error(t, cfg.Validate())

	cfg.Backend.PostgresDSN = "postgres://localhost/pipekeeper"
	assert.NoError(t, cfg.Validate())
}

func TestValidate_RejectsBadPollIntervalOrdering(t *testing.T) {
	cfg := Default()
	cfg.Claimer.PollIntervalMin = 2 * time.Second
	cfg.Claimer.PollIntervalMax = time.Second
	assert.Error(t, cfg.Validate())
}

func TestValidate_RejectsNegativeDefaults(t *testing.T) {
	cfg := Default()
	cfg.Defaults.StepMaxRetries = -1
	assert.Error(t, cfg.Validate())
}
