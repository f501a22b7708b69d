package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	for _, k := range []string{
		"STUDIO_DEBUG", "STUDIO_LOG_DIR", "STUDIO_LOCK_DIR", "STUDIO_REGISTRY", "STUDIO_ROOT", "STUDIO_PYTHON",
		"STUDIO_LMSTUDIO_URL", "STUDIO_LISTEN", "STUDIO_SECRET",
		"STUDIO_GRACE_PERIOD", "STUDIO_EVICT_TIMEOUT", "STUDIO_READY_TIMEOUT",
	} {
		t.Setenv(k, "")
	}

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig(), cfg)
	assert.Equal(t, time.Second, cfg.GracePeriod)
	assert.Equal(t, "/opt/studio", cfg.StudioRoot)
}

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("STUDIO_DEBUG", "true")
	t.Setenv("STUDIO_ROOT", "/srv/studio")
	t.Setenv("STUDIO_LOCK_DIR", "/tmp/studio-locks")
	t.Setenv("STUDIO_LMSTUDIO_URL", "http://10.0.0.5:1234/")
	t.Setenv("STUDIO_SECRET", "  s3cret \n")
	t.Setenv("STUDIO_GRACE_PERIOD", "3s")
	t.Setenv("STUDIO_READY_TIMEOUT", "2m")

	cfg, err := Load()
	require.NoError(t, err)
	assert.True(t, cfg.Debug)
	assert.Equal(t, "/srv/studio", cfg.StudioRoot)
	assert.Equal(t, "/tmp/studio-locks", cfg.LockDir)
	assert.Equal(t, "http://10.0.0.5:1234", cfg.LMStudioURL)
	assert.Equal(t, "s3cret", cfg.Secret)
	assert.Equal(t, 3*time.Second, cfg.GracePeriod)
	assert.Equal(t, 2*time.Minute, cfg.ReadyTimeout)
}

func TestLoadRejectsBadDurations(t *testing.T) {
	t.Setenv("STUDIO_EVICT_TIMEOUT", "soon")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "STUDIO_EVICT_TIMEOUT")

	t.Setenv("STUDIO_EVICT_TIMEOUT", "-5s")
	_, err = Load()
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg := DefaultConfig()
	cfg.LogDir = filepath.Join(t.TempDir(), "logs")

	logger, closer, err := NewLogger(cfg, "studioctl")
	require.NoError(t, err)
	logger.Info("hello", "worker", "gpu0")
	require.NoError(t, closer.Close())

	data, err := os.ReadFile(filepath.Join(cfg.LogDir, "studioctl.log"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"worker":"gpu0"`)
	assert.Equal(t, filepath.Join(cfg.LogDir, "gpu1.log"), cfg.WorkerLogPath("gpu1"))
}

func TestNewLoggerFallsBackToStderr(t *testing.T) {
	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	cfg := DefaultConfig()
	cfg.LogDir = filepath.Join(blocker, "logs")

	logger, closer, err := NewLogger(cfg, "studioctl")
	assert.Error(t, err)
	require.NotNil(t, logger)
	assert.NoError(t, closer.Close())
}

func TestResolveDir(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)

	preferred := filepath.Join(t.TempDir(), "logs")
	assert.Equal(t, preferred, ResolveDir(preferred, "logs"))
	assert.DirExists(t, preferred)

	blocker := filepath.Join(t.TempDir(), "file")
	require.NoError(t, os.WriteFile(blocker, nil, 0o644))

	got := ResolveDir(filepath.Join(blocker, "logs"), "logs")
	assert.Equal(t, filepath.Join(home, ".studio", "logs"), got)
	assert.DirExists(t, got)
}
