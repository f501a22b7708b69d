package config

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Build-time variables injected via -ldflags.
var (
	Version   = "dev"
	BuildTime = "unknown"
)

// Config holds all supervisor configuration loaded from environment variables.
type Config struct {
	// Debug enables mock GPU data and verbose logging.
	Debug bool

	// LogDir is the directory for the supervisor log and per-worker output logs.
	LogDir string

	// LockDir holds the per-worker and per-GPU lock files shared by every
	// studioctl process on the host.
	LockDir string

	// RegistryPath points at a YAML worker table. Empty means the built-in table.
	RegistryPath string

	// StudioRoot is the install root of the generation application.
	StudioRoot string

	// PythonBinary is the interpreter used for runtime package probes.
	PythonBinary string

	// LMStudioURL is the base URL of the local language-model server.
	LMStudioURL string

	// ListenAddr is the bind address of the HTTP API started by "serve".
	ListenAddr string

	// Secret, when set, is required in the X-Studio-Secret header of API calls.
	Secret string

	// GracePeriod bounds how long stop waits for processes to exit.
	GracePeriod time.Duration

	// EvictTimeout bounds the eviction request sent during reset.
	EvictTimeout time.Duration

	// ReadyTimeout is the default readiness poll timeout.
	ReadyTimeout time.Duration
}

// DefaultConfig returns a Config populated with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LogDir:       "/var/log/studio",
		LockDir:      "/run/studio",
		StudioRoot:   "/opt/studio",
		PythonBinary: "python3",
		LMStudioURL:  "http://127.0.0.1:1234",
		ListenAddr:   "127.0.0.1:8399",
		GracePeriod:  time.Second,
		EvictTimeout: 5 * time.Second,
		ReadyTimeout: 60 * time.Second,
	}
}

// Load reads configuration from environment variables, applying defaults
// for anything not explicitly set. Returns an error if values are malformed.
func Load() (*Config, error) {
	cfg := DefaultConfig()

	cfg.Debug = os.Getenv("STUDIO_DEBUG") == "true"

	if v := os.Getenv("STUDIO_LOG_DIR"); v != "" {
		cfg.LogDir = v
	}

	if v := os.Getenv("STUDIO_LOCK_DIR"); v != "" {
		cfg.LockDir = v
	}

	if v := os.Getenv("STUDIO_REGISTRY"); v != "" {
		cfg.RegistryPath = v
	}

	if v := os.Getenv("STUDIO_ROOT"); v != "" {
		cfg.StudioRoot = v
	}

	if v := os.Getenv("STUDIO_PYTHON"); v != "" {
		cfg.PythonBinary = v
	}

	if v := os.Getenv("STUDIO_LMSTUDIO_URL"); v != "" {
		cfg.LMStudioURL = strings.TrimRight(v, "/")
	}

	if v := os.Getenv("STUDIO_LISTEN"); v != "" {
		cfg.ListenAddr = v
	}

	cfg.Secret = strings.TrimSpace(os.Getenv("STUDIO_SECRET"))

	var err error
	if cfg.GracePeriod, err = durationEnv("STUDIO_GRACE_PERIOD", cfg.GracePeriod); err != nil {
		return nil, err
	}
	if cfg.EvictTimeout, err = durationEnv("STUDIO_EVICT_TIMEOUT", cfg.EvictTimeout); err != nil {
		return nil, err
	}
	if cfg.ReadyTimeout, err = durationEnv("STUDIO_READY_TIMEOUT", cfg.ReadyTimeout); err != nil {
		return nil, err
	}

	return cfg, nil
}

func durationEnv(name string, def time.Duration) (time.Duration, error) {
	v := strings.TrimSpace(os.Getenv(name))
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", name, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive, got %s", name, v)
	}
	return d, nil
}

// WorkerLogPath is where a worker's stdout and stderr are appended.
func (c *Config) WorkerLogPath(workerID string) string {
	return filepath.Join(c.LogDir, workerID+".log")
}

// NewLogger creates a structured JSON logger writing to <LogDir>/<name>.log.
// If the log directory is not writable the logger falls back to stderr.
func NewLogger(cfg *Config, name string) (*slog.Logger, io.Closer, error) {
	level := slog.LevelInfo
	if cfg.Debug {
		level = slog.LevelDebug
	}
	opts := &slog.HandlerOptions{Level: level}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), io.NopCloser(nil), fmt.Errorf("create log dir: %w", err)
	}

	logPath := filepath.Join(cfg.LogDir, name+".log")
	file, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return slog.New(slog.NewJSONHandler(os.Stderr, opts)), io.NopCloser(nil), fmt.Errorf("open log file %s: %w", logPath, err)
	}

	return slog.New(slog.NewJSONHandler(file, opts)), file, nil
}
