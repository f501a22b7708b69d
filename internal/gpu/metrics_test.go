package gpu

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func fixedRunner(out string, err error) Runner {
	return func(_ context.Context, name string, _ ...string) ([]byte, error) {
		if name != smiBinary {
			return nil, fmt.Errorf("unexpected command %s", name)
		}
		return []byte(out), err
	}
}

func TestGPUReportParsesDevices(t *testing.T) {
	out := "0, NVIDIA GeForce RTX 3090, 24576, 1024, 7, 550.54.14\n" +
		"1, NVIDIA GeForce RTX 3090, 24576, [N/A], 0, 550.54.14\n"
	m := NewMetrics(false, discard(), WithRunner(fixedRunner(out, nil)))

	report := m.GPUReport(context.Background())
	assert.True(t, report.DriverPresent)
	assert.Equal(t, "550.54.14", report.DriverVersion)
	assert.Empty(t, report.Error)
	require.Len(t, report.Devices, 2)

	assert.Equal(t, 0, report.Devices[0].Index)
	assert.Equal(t, "NVIDIA GeForce RTX 3090", report.Devices[0].Name)
	assert.Equal(t, 24576.0, report.Devices[0].MemoryTotal)
	assert.Equal(t, 1024.0, report.Devices[0].MemoryUsed)
	assert.Equal(t, 7.0, report.Devices[0].Utilization)
	assert.Zero(t, report.Devices[1].MemoryUsed)
}

func TestGPUReportMissingDriver(t *testing.T) {
	err := &exec.Error{Name: smiBinary, Err: exec.ErrNotFound}
	m := NewMetrics(false, discard(), WithRunner(fixedRunner("", err)))

	report := m.GPUReport(context.Background())
	assert.False(t, report.DriverPresent)
	assert.Contains(t, report.Error, "not found")
}

func TestGPUReportQueryFailure(t *testing.T) {
	m := NewMetrics(false, discard(), WithRunner(fixedRunner("", errors.New("NVIDIA-SMI has failed"))))

	report := m.GPUReport(context.Background())
	assert.True(t, report.DriverPresent)
	assert.Contains(t, report.Error, "NVIDIA-SMI has failed")
	assert.Empty(t, report.Devices)
}

func TestGPUReportMalformedOutput(t *testing.T) {
	m := NewMetrics(false, discard(), WithRunner(fixedRunner("garbage\n", nil)))

	report := m.GPUReport(context.Background())
	assert.NotEmpty(t, report.Error)
}

func TestGPUReportDebugNeverRuns(t *testing.T) {
	called := false
	m := NewMetrics(true, discard(), WithRunner(func(context.Context, string, ...string) ([]byte, error) {
		called = true
		return nil, nil
	}))

	report := m.GPUReport(context.Background())
	assert.False(t, called)
	assert.Len(t, report.Devices, 2)
}
