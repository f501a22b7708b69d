package metrics

import (
	"fmt"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

const (
	LabelWorker = "worker"
	LabelAction = "action"
	LabelResult = "result"
	LabelStatus = "status"
)

// Emitter records supervisor activity as Prometheus metrics.
// A nil *Emitter is valid and records nothing.
type Emitter struct {
	operations *prometheus.CounterVec
	status     *prometheus.GaugeVec
	removed    *prometheus.CounterVec
	evictFails *prometheus.CounterVec
}

// NewEmitter registers all supervisor metrics with registry.
func NewEmitter(registry prometheus.Registerer) (*Emitter, error) {
	e := &Emitter{
		operations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studio_lifecycle_operations_total",
				Help: "Lifecycle operations by worker, action and result kind",
			},
			[]string{LabelWorker, LabelAction, LabelResult},
		),
		status: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "studio_worker_status",
				Help: "1 for the worker's last observed status, 0 for the others",
			},
			[]string{LabelWorker, LabelStatus},
		),
		removed: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studio_reset_removed_entries_total",
				Help: "Filesystem entries removed by resets",
			},
			[]string{LabelWorker},
		),
		evictFails: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "studio_eviction_failures_total",
				Help: "Eviction requests that failed during reset",
			},
			[]string{LabelWorker},
		),
	}

	for name, c := range map[string]prometheus.Collector{
		"operations": e.operations,
		"status":     e.status,
		"removed":    e.removed,
		"evictFails": e.evictFails,
	} {
		if err := registry.Register(c); err != nil {
			return nil, fmt.Errorf("failed to register %s metric: %w", name, err)
		}
	}
	return e, nil
}

// UnknownWorker is the worker label of operations on unregistered ids.
const UnknownWorker = "unknown"

// ObserveResult counts one lifecycle mutation.
func (e *Emitter) ObserveResult(r domain.Result) {
	if e == nil {
		return
	}
	worker, result := r.WorkerID, "ok"
	if r.Err != nil {
		kind := domain.KindOf(r.Err)
		result = string(kind)
		// Ids that are not in the registry come straight from the caller.
		if kind == domain.KindNotFound {
			worker = UnknownWorker
		}
	}
	e.operations.With(prometheus.Labels{
		LabelWorker: worker,
		LabelAction: string(r.Action),
		LabelResult: result,
	}).Inc()
}

// ObserveState records the last derived status of a worker.
func (e *Emitter) ObserveState(s domain.WorkerState) {
	if e == nil {
		return
	}
	for _, st := range []domain.WorkerStatus{domain.WorkerStopped, domain.WorkerRunning, domain.WorkerUnknown} {
		v := 0.0
		if st == s.Status {
			v = 1
		}
		e.status.With(prometheus.Labels{LabelWorker: s.ID, LabelStatus: string(st)}).Set(v)
	}
}

// ObserveReset records the filesystem and eviction outcome of a reset.
func (e *Emitter) ObserveReset(r domain.ResetReport) {
	if e == nil {
		return
	}
	e.removed.WithLabelValues(r.WorkerID).Add(float64(len(r.Removed)))
	if len(r.Warnings) > 0 {
		e.evictFails.WithLabelValues(r.WorkerID).Inc()
	}
}
