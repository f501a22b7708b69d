package gpu

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

const (
	smiBinary = "nvidia-smi"

	queryFields = "index,name,memory.total,memory.used,utilization.gpu,driver_version"
)

// Runner executes a command and returns its standard output.
type Runner func(ctx context.Context, name string, args ...string) ([]byte, error)

// Metrics reads driver and device details through nvidia-smi.
// In debug mode every call returns mock values and nothing is executed.
type Metrics struct {
	debug   bool
	timeout time.Duration
	logger  *slog.Logger
	run     Runner
}

type Option func(*Metrics)

// WithRunner replaces the command runner.
func WithRunner(r Runner) Option { return func(m *Metrics) { m.run = r } }

// NewMetrics creates a GPU metrics provider.
func NewMetrics(debug bool, logger *slog.Logger, opts ...Option) *Metrics {
	m := &Metrics{
		debug:   debug,
		timeout: 10 * time.Second,
		logger:  logger,
		run:     runCommand,
	}
	for _, opt := range opts {
		opt(m)
	}
	if debug {
		logger.Info("debug mode, using mock GPU data")
	}
	return m
}

// GPUReport never fails: a missing driver or a broken query is recorded in
// the report's Error field.
func (m *Metrics) GPUReport(ctx context.Context) domain.GPUReport {
	if m.debug {
		return MockProvider{}.GPUReport(ctx)
	}

	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	out, err := m.run(ctx, smiBinary, "--query-gpu="+queryFields, "--format=csv,noheader,nounits")
	if err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			m.logger.Warn("nvidia-smi not found, GPU details unavailable")
			return domain.GPUReport{Error: "nvidia-smi not found"}
		}
		m.logger.Warn("nvidia-smi query failed", "err", err)
		return domain.GPUReport{DriverPresent: true, Error: err.Error()}
	}

	devices, driver, err := parseQuery(out)
	if err != nil {
		return domain.GPUReport{DriverPresent: true, Error: err.Error()}
	}
	return domain.GPUReport{
		DriverPresent: true,
		DriverVersion: driver,
		Devices:       devices,
	}
}

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	out, err := cmd.Output()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return nil, fmt.Errorf("%s: %w: %s", name, err, strings.TrimSpace(string(exitErr.Stderr)))
		}
		return nil, err
	}
	return out, nil
}
