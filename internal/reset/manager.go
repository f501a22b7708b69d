package reset

import (
	"context"
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

// Evicter asks a running worker to drop cached model and VRAM state.
type Evicter interface {
	Evict(ctx context.Context, baseURL string) error
}

// Manager clears worker output and cache directories.
type Manager struct {
	evicter Evicter
	logger  *slog.Logger
}

func NewManager(evicter Evicter, logger *slog.Logger) *Manager {
	return &Manager{evicter: evicter, logger: logger}
}

// Reset clears target and returns the removed paths. A missing directory
// is created. The directory itself is never removed; if it is a symlink the
// link is kept and the directory it points to is cleared.
func (m *Manager) Reset(ctx context.Context, target domain.ResetTarget) ([]string, error) {
	dir := filepath.Clean(target.Dir)

	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		m.logger.Debug("reset target missing, creating", "dir", dir)
	case err != nil:
		return nil, domain.ErrFilesystemReset{Op: "stat", Path: dir, Err: err}
	case !info.IsDir():
		return nil, domain.ErrFilesystemReset{Op: "stat", Path: dir, Err: errors.New("not a directory")}
	}

	var (
		removed []string
		errs    []error
	)
	if err == nil {
		removed, errs = m.clear(ctx, dir, target)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		errs = append(errs, domain.ErrFilesystemReset{Op: "create", Path: dir, Err: err})
	}
	for _, sub := range target.Baseline {
		path := filepath.Join(dir, sub)
		if err := os.MkdirAll(path, 0o755); err != nil {
			errs = append(errs, domain.ErrFilesystemReset{Op: "create", Path: path, Err: err})
		}
	}

	m.logger.Info("reset target cleared",
		"dir", dir,
		"patterns", target.Patterns,
		"removed", len(removed),
		"errors", len(errs),
	)
	return removed, errors.Join(errs...)
}

// ResetWorker optionally requests eviction from the worker and then clears
// all of its reset targets. Eviction failures are warnings only; every target
// is attempted even if an earlier one fails.
func (m *Manager) ResetWorker(ctx context.Context, w domain.WorkerDescriptor, evict bool) (domain.ResetReport, error) {
	report := domain.ResetReport{WorkerID: w.ID}

	if evict && w.ControlURL != "" && m.evicter != nil {
		if err := m.evicter.Evict(ctx, w.ControlURL); err != nil {
			warn := domain.ErrEvictionRequestFailed{URL: w.ControlURL, Err: err}
			m.logger.Warn("eviction request failed, continuing with filesystem reset",
				"worker", w.ID,
				"err", warn,
			)
			report.Warnings = append(report.Warnings, warn.Error())
		} else {
			report.Evicted = true
		}
	}

	var errs []error
	for _, target := range w.ResetTargets {
		removed, err := m.Reset(ctx, target)
		report.Removed = append(report.Removed, removed...)
		if err != nil {
			errs = append(errs, err)
		}
	}
	return report, errors.Join(errs...)
}

func (m *Manager) clear(ctx context.Context, dir string, target domain.ResetTarget) ([]string, []error) {
	var (
		removed []string
		errs    []error
	)
	remove := func(path string) {
		if err := os.RemoveAll(path); err != nil {
			errs = append(errs, domain.ErrFilesystemReset{Op: "remove", Path: path, Err: err})
			return
		}
		removed = append(removed, path)
	}

	if target.ClearsEverything() {
		entries, err := os.ReadDir(dir)
		if err != nil {
			return nil, []error{domain.ErrFilesystemReset{Op: "list", Path: dir, Err: err}}
		}
		for _, e := range entries {
			remove(filepath.Join(dir, e.Name()))
		}
		return removed, errs
	}

	// WalkDir does not descend into a symlinked root.
	root, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return nil, []error{domain.ErrFilesystemReset{Op: "resolve", Path: dir, Err: err}}
	}

	walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			errs = append(errs, domain.ErrFilesystemReset{Op: "walk", Path: path, Err: err})
			if d != nil && d.IsDir() && path != root {
				return fs.SkipDir
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if path == root {
			return nil
		}
		if !matchAny(target.Patterns, d.Name()) {
			return nil
		}
		remove(path)
		if d.IsDir() {
			return fs.SkipDir
		}
		return nil
	})
	if walkErr != nil {
		errs = append(errs, domain.ErrFilesystemReset{Op: "walk", Path: root, Err: walkErr})
	}
	return removed, errs
}

func matchAny(patterns []string, name string) bool {
	for _, p := range patterns {
		if ok, _ := filepath.Match(p, name); ok {
			return true
		}
	}
	return false
}
