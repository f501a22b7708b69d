package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

// Registry is the read-only table of supervised workers. Changing the worker
// set requires a new registry file and a restart of the supervisor.
type Registry struct {
	workers []domain.WorkerDescriptor
	byID    map[string]int
}

type file struct {
	Workers []domain.WorkerDescriptor `yaml:"workers"`
}

// Load builds the registry from the YAML file at path, or from the built-in
// table when path is empty. Relative paths inside the file are resolved
// against studioRoot.
func Load(path, studioRoot string) (*Registry, error) {
	if path == "" {
		return New(Defaults(studioRoot), studioRoot)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.ErrRegistry{Reason: fmt.Sprintf("read %s: %v", path, err)}
	}

	var f file
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
		return nil, domain.ErrRegistry{Reason: fmt.Sprintf("parse %s: %v", path, err)}
	}
	if len(f.Workers) == 0 {
		return nil, domain.ErrRegistry{Reason: fmt.Sprintf("%s defines no workers", path)}
	}

	return New(f.Workers, studioRoot)
}

// New validates and normalises workers into a registry.
func New(workers []domain.WorkerDescriptor, studioRoot string) (*Registry, error) {
	r := &Registry{byID: make(map[string]int, len(workers))}

	ports := make(map[int]string)
	gpus := make(map[int]string)

	for _, w := range workers {
		w = normalize(w.Clone(), studioRoot)

		if err := validate(w); err != nil {
			return nil, err
		}
		if _, dup := r.byID[w.ID]; dup {
			return nil, domain.ErrRegistry{Reason: fmt.Sprintf("duplicate worker id %q", w.ID)}
		}
		if other, dup := ports[w.ListenPort]; dup {
			return nil, domain.ErrRegistry{Reason: fmt.Sprintf("workers %s and %s share port %d", other, w.ID, w.ListenPort)}
		}
		if w.GPUIndex != nil {
			if other, dup := gpus[*w.GPUIndex]; dup {
				return nil, domain.ErrRegistry{Reason: fmt.Sprintf("workers %s and %s share GPU %d", other, w.ID, *w.GPUIndex)}
			}
			gpus[*w.GPUIndex] = w.ID
		}

		ports[w.ListenPort] = w.ID
		r.byID[w.ID] = len(r.workers)
		r.workers = append(r.workers, w)
	}

	if err := checkPatterns(r.workers); err != nil {
		return nil, err
	}
	return r, nil
}

// All returns copies of every descriptor in registry order.
func (r *Registry) All() []domain.WorkerDescriptor {
	out := make([]domain.WorkerDescriptor, len(r.workers))
	for i, w := range r.workers {
		out[i] = w.Clone()
	}
	return out
}

// Get returns a copy of the descriptor for id.
func (r *Registry) Get(id string) (domain.WorkerDescriptor, error) {
	i, ok := r.byID[id]
	if !ok {
		return domain.WorkerDescriptor{}, domain.ErrWorkerNotFound{ID: id}
	}
	return r.workers[i].Clone(), nil
}

// IDs returns worker ids in registry order.
func (r *Registry) IDs() []string {
	ids := make([]string, len(r.workers))
	for i, w := range r.workers {
		ids[i] = w.ID
	}
	return ids
}

func normalize(w domain.WorkerDescriptor, studioRoot string) domain.WorkerDescriptor {
	if w.WorkingDirectory == "" {
		w.WorkingDirectory = studioRoot
	} else if !filepath.IsAbs(w.WorkingDirectory) && studioRoot != "" {
		w.WorkingDirectory = filepath.Join(studioRoot, w.WorkingDirectory)
	}

	if w.MatchPattern == "" && w.ListenPort > 0 {
		w.MatchPattern = "--port " + strconv.Itoa(w.ListenPort)
	}
	if w.ControlURL == "" && w.ListenPort > 0 {
		w.ControlURL = fmt.Sprintf("http://127.0.0.1:%d", w.ListenPort)
	}

	if w.Environment == nil {
		w.Environment = make(map[string]string)
	}
	if _, ok := w.Environment["PYTHONUNBUFFERED"]; !ok {
		w.Environment["PYTHONUNBUFFERED"] = "1"
	}
	if w.GPUIndex != nil {
		if _, ok := w.Environment["CUDA_VISIBLE_DEVICES"]; !ok {
			w.Environment["CUDA_VISIBLE_DEVICES"] = strconv.Itoa(*w.GPUIndex)
		}
	}

	for i, t := range w.ResetTargets {
		if t.Dir != "" && !filepath.IsAbs(t.Dir) && studioRoot != "" {
			w.ResetTargets[i].Dir = filepath.Join(studioRoot, t.Dir)
		}
	}
	return w
}

// checkPatterns rejects a match pattern that also selects another worker's
// start command, e.g. "--port 818" against "... --port 8188".
func checkPatterns(workers []domain.WorkerDescriptor) error {
	for _, w := range workers {
		for _, other := range workers {
			if other.ID == w.ID {
				continue
			}
			if strings.Contains(other.CommandLine(), w.MatchPattern) {
				return domain.ErrRegistry{Reason: fmt.Sprintf(
					"worker %q: match_pattern %q also matches worker %q (%s)",
					w.ID, w.MatchPattern, other.ID, other.CommandLine())}
			}
		}
	}
	return nil
}

func validate(w domain.WorkerDescriptor) error {
	bad := func(format string, args ...any) error {
		return domain.ErrRegistry{Reason: fmt.Sprintf("worker %q: ", w.ID) + fmt.Sprintf(format, args...)}
	}

	switch {
	case w.ID == "":
		return domain.ErrRegistry{Reason: "worker with empty id"}
	case w.ListenPort < 1 || w.ListenPort > 65535:
		return bad("listen_port %d out of range", w.ListenPort)
	case len(w.StartCommand) == 0 || w.StartCommand[0] == "":
		return bad("start_command is empty")
	case w.GPUIndex != nil && *w.GPUIndex < 0:
		return bad("gpu_index %d is negative", *w.GPUIndex)
	case w.AutoStart:
		return bad("auto_start must be false; workers are started only on explicit request")
	}

	for _, t := range w.ResetTargets {
		dir := filepath.Clean(t.Dir)
		if t.Dir == "" || dir == "/" || dir == "." {
			return bad("reset target dir %q is not allowed", t.Dir)
		}
		for _, p := range t.Patterns {
			if _, err := filepath.Match(p, ""); err != nil {
				return bad("reset pattern %q: %v", p, err)
			}
		}
	}
	return nil
}
