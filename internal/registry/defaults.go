package registry

import (
	"path/filepath"
	"strconv"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

// Built-in port assignments, one generation instance per GPU plus the
// CPU-only control instance.
const (
	PortGPU0    = 8188
	PortGPU1    = 8288
	PortControl = 8388
)

// Defaults returns the built-in worker table rooted at studioRoot.
func Defaults(studioRoot string) []domain.WorkerDescriptor {
	entry := filepath.Join(studioRoot, "main.py")
	outputs := func(id string) []domain.ResetTarget {
		return []domain.ResetTarget{
			{Dir: filepath.Join("output", id), Baseline: []string{"video"}},
			{Dir: filepath.Join("temp", id)},
		}
	}

	gpu := func(id string, index, port int) domain.WorkerDescriptor {
		return domain.WorkerDescriptor{
			ID:               id,
			GPUIndex:         &index,
			ListenPort:       port,
			StartCommand: []string{
				"python3", entry,
				"--listen", "0.0.0.0",
				"--port", strconv.Itoa(port),
				"--output-directory", filepath.Join(studioRoot, "output", id),
				"--temp-directory", filepath.Join(studioRoot, "temp", id),
			},
			WorkingDirectory: studioRoot,
			ResetTargets:     outputs(id),
		}
	}

	return []domain.WorkerDescriptor{
		gpu("gpu0", 0, PortGPU0),
		gpu("gpu1", 1, PortGPU1),
		{
			ID:               "control",
			ListenPort:       PortControl,
			StartCommand:     []string{"python3", entry, "--listen", "127.0.0.1", "--port", strconv.Itoa(PortControl), "--cpu"},
			WorkingDirectory: studioRoot,
			Environment:      map[string]string{"CUDA_VISIBLE_DEVICES": ""},
		},
	}
}
