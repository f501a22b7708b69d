package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"syscall"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

// ExecSpawner launches worker processes detached into their own process
// group, with stdout and stderr appended to a per-worker log file.
type ExecSpawner struct {
	logPath func(workerID string) string
	logger  *slog.Logger
}

// NewExecSpawner takes the per-worker log location from logPath, normally
// config.Config.WorkerLogPath.
func NewExecSpawner(logPath func(workerID string) string, logger *slog.Logger) *ExecSpawner {
	return &ExecSpawner{logPath: logPath, logger: logger}
}

// Spawn starts w and returns its pid once the OS has created the process.
// It does not wait for the worker to become ready.
func (s *ExecSpawner) Spawn(_ context.Context, w domain.WorkerDescriptor) (int, error) {
	if len(w.StartCommand) == 0 {
		return 0, fmt.Errorf("worker %s has no start command", w.ID)
	}
	logPath := s.logPath(w.ID)
	if err := os.MkdirAll(filepath.Dir(logPath), 0o755); err != nil {
		return 0, fmt.Errorf("create log dir: %w", err)
	}
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open worker log %s: %w", logPath, err)
	}

	// Not CommandContext: the worker must outlive the request that started it.
	cmd := exec.Command(w.StartCommand[0], w.StartCommand[1:]...)
	cmd.Dir = w.WorkingDirectory
	cmd.Env = MergeEnv(os.Environ(), w.Environment)
	cmd.Stdout = logFile
	cmd.Stderr = logFile
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	if err := cmd.Start(); err != nil {
		logFile.Close()
		return 0, err
	}

	pid := cmd.Process.Pid
	s.logger.Info("worker process spawned",
		"worker", w.ID,
		"pid", pid,
		"dir", w.WorkingDirectory,
		"log", logPath,
	)

	go s.monitor(w.ID, cmd, logFile)
	return pid, nil
}

// monitor reaps the child if it exits while this process is still alive.
func (s *ExecSpawner) monitor(id string, cmd *exec.Cmd, logFile *os.File) {
	err := cmd.Wait()
	logFile.Close()

	if err != nil {
		s.logger.Warn("worker process exited", "worker", id, "pid", cmd.Process.Pid, "err", err)
		return
	}
	s.logger.Info("worker process exited", "worker", id, "pid", cmd.Process.Pid)
}

// MergeEnv applies overrides on top of base (KEY=VALUE entries). Overrides
// with an empty value are kept as KEY= so they can hide devices.
func MergeEnv(base []string, overrides map[string]string) []string {
	out := make([]string, 0, len(base)+len(overrides))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if _, overridden := overrides[key]; overridden {
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(overrides))
	for k := range overrides {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+overrides[k])
	}
	return out
}
