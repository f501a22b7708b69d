package supervisor

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gofrs/flock"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

// hostLocks takes the advisory lock files for w under dir: one for the
// worker and one for its GPU. They are shared by every studioctl process on
// the host, so two CLI runs cannot mutate the same worker or GPU at once.
// A held lock yields ErrOperationInProgress. An empty dir disables file
// locking.
func hostLocks(dir string, w domain.WorkerDescriptor) (func(), error) {
	if dir == "" {
		return func() {}, nil
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create lock dir: %w", err)
	}

	type lockSpec struct {
		file     string
		resource string
	}
	specs := []lockSpec{{file: "worker-" + w.ID + ".lock", resource: "worker " + w.ID}}
	if w.GPUIndex != nil {
		idx := strconv.Itoa(*w.GPUIndex)
		specs = append(specs, lockSpec{file: "gpu-" + idx + ".lock", resource: "gpu " + idx})
	}

	var held []*flock.Flock
	unlock := func() {
		for i := len(held) - 1; i >= 0; i-- {
			_ = held[i].Unlock()
		}
	}

	for _, s := range specs {
		l := flock.New(filepath.Join(dir, s.file))
		ok, err := l.TryLock()
		if err != nil {
			unlock()
			return nil, fmt.Errorf("lock %s: %w", l.Path(), err)
		}
		if !ok {
			unlock()
			return nil, domain.ErrOperationInProgress{ID: w.ID, Resource: s.resource}
		}
		held = append(held, l)
	}
	return unlock, nil
}
