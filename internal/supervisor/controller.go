package supervisor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
	"github.com/edwinlacy/LocaldevScripts/internal/metrics"
	"github.com/edwinlacy/LocaldevScripts/internal/network"
	"github.com/edwinlacy/LocaldevScripts/internal/process"
)

// Registry is the static worker table.
type Registry interface {
	All() []domain.WorkerDescriptor
	Get(id string) (domain.WorkerDescriptor, error)
}

type PortProber interface {
	State(ctx context.Context, port int) network.Probe
	WaitListening(ctx context.Context, port int, timeout, interval time.Duration) error
}

type ProcessMatcher interface {
	Find(ctx context.Context, pattern string) ([]process.Info, error)
	Terminate(ctx context.Context, pids []int, sig domain.Signal) []process.Failure
}

type Spawner interface {
	Spawn(ctx context.Context, w domain.WorkerDescriptor) (int, error)
}

type Resetter interface {
	ResetWorker(ctx context.Context, w domain.WorkerDescriptor, evict bool) (domain.ResetReport, error)
}

// Controller starts, stops, resets and reports on registered workers.
//
// State is never cached: every call re-derives it from the port and process
// probes. Mutations on the same worker or the same GPU are serialised by
// failing fast with ErrOperationInProgress, across processes when LockDir is
// set. Workers are only ever started by
// an explicit Start call.
type Controller struct {
	registry Registry
	ports    PortProber
	procs    ProcessMatcher
	spawner  Spawner
	resetter Resetter
	metrics  *metrics.Emitter
	logger   *slog.Logger

	readyInterval time.Duration
	lockDir       string

	mu          sync.Mutex
	busyWorkers map[string]string
	busyGPUs    map[int]string
}

// Deps groups the collaborators of a Controller.
type Deps struct {
	Registry Registry
	Ports    PortProber
	Procs    ProcessMatcher
	Spawner  Spawner
	Resetter Resetter
	Metrics  *metrics.Emitter
	// LockDir holds lock files shared with other studioctl processes.
	// Empty limits mutual exclusion to this Controller.
	LockDir string
}

func New(deps Deps, logger *slog.Logger) *Controller {
	return &Controller{
		registry:      deps.Registry,
		ports:         deps.Ports,
		procs:         deps.Procs,
		spawner:       deps.Spawner,
		resetter:      deps.Resetter,
		metrics:       deps.Metrics,
		logger:        logger,
		readyInterval: 250 * time.Millisecond,
		lockDir:       deps.LockDir,
		busyWorkers:   make(map[string]string),
		busyGPUs:      make(map[int]string),
	}
}

// observation is a WorkerState plus the process probe error, which Stop
// needs to tell "no processes" apart from "could not look".
type observation struct {
	state   domain.WorkerState
	procErr error
}

// Status derives the current state of one worker.
func (c *Controller) Status(ctx context.Context, id string) (domain.WorkerState, error) {
	w, err := c.registry.Get(id)
	if err != nil {
		return domain.WorkerState{}, &domain.OpError{WorkerID: id, Action: domain.ActionStatus, Err: err}
	}
	return c.observe(ctx, w).state, nil
}

// StatusAll derives the state of every worker. Probes run in parallel.
func (c *Controller) StatusAll(ctx context.Context) map[string]domain.WorkerState {
	workers := c.registry.All()
	states := make([]domain.WorkerState, len(workers))

	var g errgroup.Group
	for i, w := range workers {
		g.Go(func() error {
			states[i] = c.observe(ctx, w).state
			return nil
		})
	}
	_ = g.Wait()

	out := make(map[string]domain.WorkerState, len(states))
	for _, s := range states {
		out[s.ID] = s
	}
	return out
}

// Start launches the worker unless it is already running. It returns once
// the process is spawned; use WaitReady to poll for the listen port.
func (c *Controller) Start(ctx context.Context, id string) domain.Result {
	res := c.newResult(id, domain.ActionStart)
	defer func() { c.metrics.ObserveResult(res) }()

	w, err := c.registry.Get(id)
	if err != nil {
		res.Err = c.fail(res, err)
		return res
	}

	release, err := c.acquire(w, res.OpID)
	if err != nil {
		res.Err = c.fail(res, err)
		return res
	}
	defer release()

	obs := c.observe(ctx, w)
	switch {
	case obs.state.Status == domain.WorkerRunning:
		res.Err = c.fail(res, domain.ErrAlreadyRunning{ID: id, PID: obs.state.PID})
		return res
	case obs.state.Status == domain.WorkerUnknown && len(obs.state.PIDs) > 0:
		// A matching process without a bound port is most likely still
		// starting; a second spawn would contend for the same GPU.
		res.Err = c.fail(res, domain.ErrAlreadyRunning{ID: id, PID: obs.state.PID})
		return res
	case obs.state.Status == domain.WorkerUnknown:
		res.Warnings = append(res.Warnings, obs.state.Reason)
		c.logger.Warn("starting worker with inconclusive state",
			"worker", id,
			"op_id", res.OpID,
			"reason", obs.state.Reason,
		)
	}

	pid, err := c.spawner.Spawn(ctx, w)
	if err != nil {
		res.Err = c.fail(res, domain.ErrSpawnFailed{ID: id, Command: w.CommandLine(), Err: err})
		return res
	}

	res.PIDs = []int{pid}
	c.logger.Info("worker started",
		"worker", id,
		"op_id", res.OpID,
		"pid", pid,
		"port", w.ListenPort,
		"gpu", gpuLabel(w),
	)
	return res
}

// WaitReady polls the worker's listen port until it is bound, ctx is
// cancelled, or timeout elapses. It never signals the worker.
func (c *Controller) WaitReady(ctx context.Context, id string, timeout time.Duration) error {
	w, err := c.registry.Get(id)
	if err != nil {
		return &domain.OpError{WorkerID: id, Action: domain.ActionStart, Err: err}
	}
	if err := c.ports.WaitListening(ctx, w.ListenPort, timeout, c.readyInterval); err != nil {
		return fmt.Errorf("worker %s not ready: %w", id, err)
	}
	return nil
}

// Stop terminates the worker's processes with sig. A stopped worker yields
// ErrNotRunning, which batch callers treat as informational.
func (c *Controller) Stop(ctx context.Context, id string, sig domain.Signal) domain.Result {
	res := c.newResult(id, domain.ActionStop)
	defer func() { c.metrics.ObserveResult(res) }()

	w, err := c.registry.Get(id)
	if err != nil {
		res.Err = c.fail(res, err)
		return res
	}

	release, err := c.acquire(w, res.OpID)
	if err != nil {
		res.Err = c.fail(res, err)
		return res
	}
	defer release()

	c.stopLocked(ctx, w, sig, &res)
	return res
}

// StopAll stops every worker. One worker's failure never prevents the
// others from being stopped.
func (c *Controller) StopAll(ctx context.Context, sig domain.Signal) map[string]domain.Result {
	out := make(map[string]domain.Result)
	for _, w := range c.registry.All() {
		out[w.ID] = c.Stop(ctx, w.ID, sig)
	}
	return out
}

// ResetOptions control a worker reset.
type ResetOptions struct {
	// Stop terminates the worker before its directories are cleared.
	Stop   bool
	Signal domain.Signal
	// Evict asks a live worker to release cached state first.
	Evict bool
}

// Reset clears the worker's reset targets. It never starts the worker.
func (c *Controller) Reset(ctx context.Context, id string, opts ResetOptions) (domain.ResetReport, domain.Result) {
	res := c.newResult(id, domain.ActionReset)
	defer func() { c.metrics.ObserveResult(res) }()

	report := domain.ResetReport{WorkerID: id}

	w, err := c.registry.Get(id)
	if err != nil {
		res.Err = c.fail(res, err)
		return report, res
	}

	release, err := c.acquire(w, res.OpID)
	if err != nil {
		res.Err = c.fail(res, err)
		return report, res
	}
	defer release()

	if opts.Stop {
		sig := opts.Signal
		if sig == "" {
			sig = domain.SignalSoft
		}
		stop := domain.Result{WorkerID: id, Action: domain.ActionStop, OpID: res.OpID}
		c.stopLocked(ctx, w, sig, &stop)
		c.metrics.ObserveResult(stop)
		res.PIDs = stop.PIDs
		res.Warnings = append(res.Warnings, stop.Warnings...)
		if stop.Err != nil && !domain.Informational(stop.Err) {
			res.Err = c.fail(res, fmt.Errorf("stop before reset: %w", stop.Err))
			return report, res
		}
	}

	evict := opts.Evict
	if evict {
		if st := c.observe(ctx, w).state; st.Status == domain.WorkerStopped {
			c.logger.Debug("worker stopped, skipping eviction", "worker", id, "op_id", res.OpID)
			evict = false
		}
	}

	report, err = c.resetter.ResetWorker(ctx, w, evict)
	c.metrics.ObserveReset(report)
	res.Warnings = append(res.Warnings, report.Warnings...)
	if err != nil {
		res.Err = c.fail(res, err)
		return report, res
	}

	c.logger.Info("worker reset",
		"worker", id,
		"op_id", res.OpID,
		"removed", len(report.Removed),
		"evicted", report.Evicted,
	)
	return report, res
}

// --- internal ---

func (c *Controller) stopLocked(ctx context.Context, w domain.WorkerDescriptor, sig domain.Signal, res *domain.Result) {
	obs := c.observe(ctx, w)

	if obs.state.Status == domain.WorkerStopped {
		res.Err = c.fail(*res, domain.ErrNotRunning{ID: w.ID})
		return
	}
	if obs.procErr != nil {
		res.Err = c.fail(*res, obs.procErr)
		return
	}
	if len(obs.state.PIDs) == 0 {
		// Port bound by something that does not match the worker pattern.
		res.Warnings = append(res.Warnings, obs.state.Reason)
		res.Err = c.fail(*res, domain.ErrNotRunning{ID: w.ID})
		return
	}

	res.PIDs = obs.state.PIDs
	c.logger.Info("stopping worker",
		"worker", w.ID,
		"op_id", res.OpID,
		"pids", obs.state.PIDs,
		"signal", string(sig),
	)

	failures := c.procs.Terminate(ctx, obs.state.PIDs, sig)
	if len(failures) == 0 {
		c.logger.Info("worker stopped", "worker", w.ID, "op_id", res.OpID)
		return
	}

	remaining := make([]int, 0, len(failures))
	for _, f := range failures {
		remaining = append(remaining, f.PID)
		if !errors.Is(f.Err, process.ErrStillPresent) {
			res.Warnings = append(res.Warnings, f.Error())
		}
	}
	res.Err = c.fail(*res, domain.ErrTerminationIncomplete{ID: w.ID, PIDs: remaining})
}

func (c *Controller) observe(ctx context.Context, w domain.WorkerDescriptor) observation {
	var (
		port    network.Probe
		infos   []process.Info
		procErr error
	)

	var g errgroup.Group
	g.Go(func() error {
		port = c.ports.State(ctx, w.ListenPort)
		return nil
	})
	g.Go(func() error {
		infos, procErr = c.procs.Find(ctx, w.MatchPattern)
		return nil
	})
	_ = g.Wait()

	state := domain.WorkerState{
		ID:        w.ID,
		Port:      w.ListenPort,
		PortState: port.State,
		Status:    domain.DeriveStatus(port.State, len(infos) > 0, procErr == nil),
	}
	for _, p := range infos {
		state.PIDs = append(state.PIDs, p.PID)
	}
	if len(state.PIDs) > 0 {
		state.PID = state.PIDs[0]
	}

	switch {
	case port.State == domain.PortUnknown:
		state.Reason = "port probe: " + port.Reason
	case procErr != nil:
		state.Reason = procErr.Error()
	case state.Status == domain.WorkerUnknown && port.State == domain.PortInUse:
		state.Reason = "port bound but no matching process"
	case state.Status == domain.WorkerUnknown:
		state.Reason = "matching process found but port not bound"
	}

	c.metrics.ObserveState(state)
	return observation{state: state, procErr: procErr}
}

func (c *Controller) acquire(w domain.WorkerDescriptor, opID string) (func(), error) {
	release, err := c.reserve(w, opID)
	if err != nil {
		return nil, err
	}
	unlock, err := hostLocks(c.lockDir, w)
	if err != nil {
		release()
		return nil, err
	}
	return func() {
		unlock()
		release()
	}, nil
}

// reserve marks the worker and its GPU busy within this process.
func (c *Controller) reserve(w domain.WorkerDescriptor, opID string) (func(), error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, busy := c.busyWorkers[w.ID]; busy {
		return nil, domain.ErrOperationInProgress{ID: w.ID, Resource: "worker " + w.ID}
	}
	if w.GPUIndex != nil {
		if _, busy := c.busyGPUs[*w.GPUIndex]; busy {
			return nil, domain.ErrOperationInProgress{ID: w.ID, Resource: "gpu " + strconv.Itoa(*w.GPUIndex)}
		}
		c.busyGPUs[*w.GPUIndex] = opID
	}
	c.busyWorkers[w.ID] = opID

	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.busyWorkers, w.ID)
		if w.GPUIndex != nil {
			delete(c.busyGPUs, *w.GPUIndex)
		}
	}, nil
}

func (c *Controller) newResult(id string, action domain.Action) domain.Result {
	return domain.Result{WorkerID: id, Action: action, OpID: uuid.NewString()}
}

func (c *Controller) fail(res domain.Result, err error) error {
	level := slog.LevelError
	if domain.Informational(err) || domain.KindOf(err) == domain.KindOperationInProgress {
		level = slog.LevelInfo
	}
	c.logger.Log(context.Background(), level, "lifecycle operation failed",
		"worker", res.WorkerID,
		"action", string(res.Action),
		"op_id", res.OpID,
		"kind", string(domain.KindOf(err)),
		"err", err,
	)
	return &domain.OpError{WorkerID: res.WorkerID, Action: res.Action, Err: err}
}

func gpuLabel(w domain.WorkerDescriptor) string {
	if w.GPUIndex == nil {
		return "none"
	}
	return strconv.Itoa(*w.GPUIndex)
}
