package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

func TestEmitter(t *testing.T) {
	reg := prometheus.NewRegistry()
	e, err := NewEmitter(reg)
	require.NoError(t, err)

	e.ObserveResult(domain.Result{WorkerID: "gpu0", Action: domain.ActionStart})
	e.ObserveResult(domain.Result{WorkerID: "gpu0", Action: domain.ActionStart, Err: domain.ErrAlreadyRunning{ID: "gpu0"}})
	e.ObserveResult(domain.Result{WorkerID: "gpu0", Action: domain.ActionStart, Err: domain.ErrAlreadyRunning{ID: "gpu0"}})

	assert.Equal(t, 1.0, testutil.ToFloat64(e.operations.WithLabelValues("gpu0", "start", "ok")))
	assert.Equal(t, 2.0, testutil.ToFloat64(e.operations.WithLabelValues("gpu0", "start", "already_running")))

	e.ObserveState(domain.WorkerState{ID: "gpu1", Status: domain.WorkerRunning})
	assert.Equal(t, 1.0, testutil.ToFloat64(e.status.WithLabelValues("gpu1", "RUNNING")))
	assert.Equal(t, 0.0, testutil.ToFloat64(e.status.WithLabelValues("gpu1", "STOPPED")))

	e.ObserveReset(domain.ResetReport{WorkerID: "gpu1", Removed: []string{"a", "b"}, Warnings: []string{"refused"}})
	assert.Equal(t, 2.0, testutil.ToFloat64(e.removed.WithLabelValues("gpu1")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.evictFails.WithLabelValues("gpu1")))
}

func TestEmitterFoldsUnknownWorkers(t *testing.T) {
	e, err := NewEmitter(prometheus.NewRegistry())
	require.NoError(t, err)

	for _, id := range []string{"gpu7", "../etc", "x-1"} {
		e.ObserveResult(domain.Result{WorkerID: id, Action: domain.ActionStart, Err: domain.ErrWorkerNotFound{ID: id}})
	}

	assert.Equal(t, 1, testutil.CollectAndCount(e.operations))
	assert.Equal(t, 3.0, testutil.ToFloat64(e.operations.WithLabelValues(UnknownWorker, "start", "not_found")))
}

func TestEmitterDoubleRegistration(t *testing.T) {
	reg := prometheus.NewRegistry()
	_, err := NewEmitter(reg)
	require.NoError(t, err)

	_, err = NewEmitter(reg)
	assert.Error(t, err)
}

func TestNilEmitter(t *testing.T) {
	var e *Emitter
	assert.NotPanics(t, func() {
		e.ObserveResult(domain.Result{WorkerID: "gpu0", Action: domain.ActionStop})
		e.ObserveState(domain.WorkerState{ID: "gpu0"})
		e.ObserveReset(domain.ResetReport{WorkerID: "gpu0"})
	})
}
