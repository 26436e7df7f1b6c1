package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSeedsDefaultFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vcrund.yaml")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.FileExists(t, path)
	assert.Equal(t, 8585, cfg.Listen.Port)
	assert.Equal(t, "auto", cfg.Execution.Mode)
	assert.Equal(t, 5*time.Minute, cfg.Execution.DefaultTimeout.Std())
	assert.Equal(t, 5, cfg.Pool.Capacity)
	assert.True(t, cfg.Pool.SmokeTest)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, slog.LevelInfo, cfg.SlogLevel())
}

func TestLoadParsesFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vcrund.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
version: 1
listen:
  port: 9090
execution:
  mode: embedded
  default_timeout: 90s
  max_concurrent: 2
pool:
  capacity: 3
history:
  path: runs.db
log:
  level: debug
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Listen.Port)
	assert.Equal(t, "embedded", cfg.Execution.Mode)
	assert.Equal(t, 90*time.Second, cfg.Execution.DefaultTimeout.Std())
	assert.Equal(t, int64(2), cfg.Execution.MaxConcurrent)
	assert.Equal(t, 3, cfg.Pool.Capacity)
	assert.Equal(t, slog.LevelDebug, cfg.SlogLevel())
}

func TestHistoryPathResolvedAgainstConfigDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vcrund.yaml")
	require.NoError(t, os.WriteFile(path, []byte("history:\n  path: data/runs.db\n"), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "data", "runs.db"), cfg.History.Path)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvPort, "7777")
	t.Setenv(EnvMode, "external")
	t.Setenv(EnvJWTSecret, "from-env")
	t.Setenv(EnvLogLevel, "warn")

	cfg, err := Load(filepath.Join(t.TempDir(), "vcrund.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 7777, cfg.Listen.Port)
	assert.Equal(t, "external", cfg.Execution.Mode)
	assert.Equal(t, "from-env", cfg.Auth.JWTSecret)
	assert.Equal(t, slog.LevelWarn, cfg.SlogLevel())
}

func TestValidation(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"bad port", "listen:\n  port: 99999\n", "listen.port"},
		{"bad mode", "execution:\n  mode: turbo\n", "execution.mode"},
		{"bad capacity", "pool:\n  capacity: 0\n", "pool.capacity"},
		{"bad level", "log:\n  level: loud\n", "log.level"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "vcrund.yaml")
			require.NoError(t, os.WriteFile(path, []byte(tt.yaml), 0o644))
			_, err := Load(path)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestBadDurationRejected(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vcrund.yaml")
	require.NoError(t, os.WriteFile(path, []byte("execution:\n  default_timeout: soon\n"), 0o644))

	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid duration")
}
