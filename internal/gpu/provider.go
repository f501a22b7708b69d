package gpu

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

// parseQuery reads nvidia-smi CSV output (no header, no units), one row per
// device in queryFields order.
func parseQuery(out []byte) ([]domain.GPUDevice, string, error) {
	r := csv.NewReader(bytes.NewReader(out))
	r.TrimLeadingSpace = true
	r.FieldsPerRecord = 6

	var (
		devices []domain.GPUDevice
		driver  string
	)
	for {
		rec, err := r.Read()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, "", fmt.Errorf("parse nvidia-smi output: %w", err)
		}

		idx, err := strconv.Atoi(strings.TrimSpace(rec[0]))
		if err != nil {
			return nil, "", fmt.Errorf("parse gpu index %q: %w", rec[0], err)
		}
		devices = append(devices, domain.GPUDevice{
			Index:       idx,
			Name:        strings.TrimSpace(rec[1]),
			MemoryTotal: number(rec[2]),
			MemoryUsed:  number(rec[3]),
			Utilization: number(rec[4]),
		})
		driver = strings.TrimSpace(rec[5])
	}

	if len(devices) == 0 {
		return nil, driver, fmt.Errorf("nvidia-smi reported no devices")
	}
	return devices, driver, nil
}

// number parses a numeric field; "[N/A]" and friends become 0.
func number(s string) float64 {
	v, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0
	}
	return v
}

// MockProvider returns a fixed two-GPU report for debug mode.
type MockProvider struct{}

func (MockProvider) GPUReport(_ context.Context) domain.GPUReport {
	return domain.GPUReport{
		DriverPresent: true,
		DriverVersion: "debug",
		Devices: []domain.GPUDevice{
			{Index: 0, Name: "Debug GPU", MemoryTotal: 24576},
			{Index: 1, Name: "Debug GPU", MemoryTotal: 24576},
		},
	}
}
