package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
	"github.com/edwinlacy/LocaldevScripts/internal/supervisor"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fakeLifecycle struct {
	states    map[string]domain.WorkerState
	startErr  error
	readyErr  error
	stopErrs  map[string]error
	lastSig   domain.Signal
	lastReset supervisor.ResetOptions
	waited    time.Duration
}

func (f *fakeLifecycle) Status(_ context.Context, id string) (domain.WorkerState, error) {
	s, ok := f.states[id]
	if !ok {
		return domain.WorkerState{}, &domain.OpError{WorkerID: id, Action: domain.ActionStatus, Err: domain.ErrWorkerNotFound{ID: id}}
	}
	return s, nil
}

func (f *fakeLifecycle) StatusAll(context.Context) map[string]domain.WorkerState {
	return f.states
}

func (f *fakeLifecycle) Start(_ context.Context, id string) domain.Result {
	return domain.Result{WorkerID: id, Action: domain.ActionStart, OpID: "op-1", PIDs: []int{4321}, Err: f.startErr}
}

func (f *fakeLifecycle) WaitReady(_ context.Context, _ string, timeout time.Duration) error {
	f.waited = timeout
	return f.readyErr
}

func (f *fakeLifecycle) Stop(_ context.Context, id string, sig domain.Signal) domain.Result {
	f.lastSig = sig
	return domain.Result{WorkerID: id, Action: domain.ActionStop, Err: f.stopErrs[id]}
}

func (f *fakeLifecycle) StopAll(ctx context.Context, sig domain.Signal) map[string]domain.Result {
	out := make(map[string]domain.Result)
	for id := range f.states {
		out[id] = f.Stop(ctx, id, sig)
	}
	return out
}

func (f *fakeLifecycle) Reset(_ context.Context, id string, opts supervisor.ResetOptions) (domain.ResetReport, domain.Result) {
	f.lastReset = opts
	return domain.ResetReport{WorkerID: id, Removed: []string{"/opt/studio/output/gpu0/a.png"}},
		domain.Result{WorkerID: id, Action: domain.ActionReset}
}

type fakeInspector struct{}

func (fakeInspector) Inspect(context.Context) domain.EnvironmentReport {
	return domain.EnvironmentReport{Hostname: "studio", MissingPrerequisites: []string{"command: ffmpeg"}}
}

func newTestRouter(t *testing.T, secret string, lc *fakeLifecycle) http.Handler {
	t.Helper()
	reg := prometheus.NewRegistry()
	reg.MustRegister(prometheus.NewCounter(prometheus.CounterOpts{Name: "studio_test_total", Help: "test"}))
	h := NewHandler(lc, fakeInspector{}, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}), time.Minute, discard())
	return NewRouter(secret, h, discard())
}

func defaultLifecycle() *fakeLifecycle {
	return &fakeLifecycle{
		states: map[string]domain.WorkerState{
			"gpu1": {ID: "gpu1", Status: domain.WorkerStopped, Port: 8288, PortState: domain.PortFree},
			"gpu0": {ID: "gpu0", Status: domain.WorkerRunning, PID: 10, Port: 8188, PortState: domain.PortInUse},
		},
		stopErrs: map[string]error{},
	}
}

type envelope struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data"`
	Kind  string          `json:"kind"`
	Error string          `json:"error"`
}

func do(t *testing.T, h http.Handler, method, path string, header ...string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)

	var env envelope
	if rec.Header().Get("Content-Type") == "application/json; charset=utf-8" {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	}
	return rec, env
}

func TestPingIsPublic(t *testing.T) {
	h := newTestRouter(t, "s3cret", defaultLifecycle())

	rec, env := do(t, h, http.MethodGet, "/ping")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.OK)
}

func TestAuth(t *testing.T) {
	h := newTestRouter(t, "s3cret", defaultLifecycle())

	rec, env := do(t, h, http.MethodGet, "/workers")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", env.Kind)

	rec, env = do(t, h, http.MethodGet, "/workers", SecretHeader, "wrong")
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "forbidden", env.Kind)
	assert.False(t, env.OK)

	rec, _ = do(t, h, http.MethodGet, "/workers", SecretHeader, "s3cret")
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestListWorkersSorted(t *testing.T) {
	h := newTestRouter(t, "", defaultLifecycle())

	rec, env := do(t, h, http.MethodGet, "/workers")
	require.Equal(t, http.StatusOK, rec.Code)

	var states []domain.WorkerState
	require.NoError(t, json.Unmarshal(env.Data, &states))
	require.Len(t, states, 2)
	assert.Equal(t, "gpu0", states[0].ID)
	assert.Equal(t, domain.WorkerRunning, states[0].Status)
	assert.Equal(t, "gpu1", states[1].ID)
}

func TestGetWorkerNotFound(t *testing.T) {
	h := newTestRouter(t, "", defaultLifecycle())

	rec, env := do(t, h, http.MethodGet, "/workers/gpu7")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", env.Kind)
}

func TestStartWorker(t *testing.T) {
	lc := defaultLifecycle()
	h := newTestRouter(t, "", lc)

	rec, env := do(t, h, http.MethodPost, "/workers/gpu1/start?wait=true&timeout=5s")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.OK)
	assert.Equal(t, 5*time.Second, lc.waited)

	var res struct {
		OpID string `json:"op_id"`
		PIDs []int  `json:"pids"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &res))
	assert.Equal(t, "op-1", res.OpID)
	assert.Equal(t, []int{4321}, res.PIDs)
}

func TestStartWorkerStatusCodes(t *testing.T) {
	cases := []struct {
		name string
		err  error
		code int
	}{
		{"already running", domain.ErrAlreadyRunning{ID: "gpu0", PID: 10}, http.StatusConflict},
		{"busy", domain.ErrOperationInProgress{ID: "gpu0", Resource: "gpu 0"}, http.StatusLocked},
		{"spawn failed", domain.ErrSpawnFailed{ID: "gpu0", Command: "python3", Err: errors.New("boom")}, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			lc := defaultLifecycle()
			lc.startErr = &domain.OpError{WorkerID: "gpu0", Action: domain.ActionStart, Err: tc.err}
			h := newTestRouter(t, "", lc)

			rec, env := do(t, h, http.MethodPost, "/workers/gpu0/start")
			assert.Equal(t, tc.code, rec.Code)
			assert.False(t, env.OK)
			assert.NotEmpty(t, env.Error)
		})
	}
}

func TestStartWorkerNotReady(t *testing.T) {
	lc := defaultLifecycle()
	lc.readyErr = errors.New("port 8288 not listening")
	h := newTestRouter(t, "", lc)

	rec, env := do(t, h, http.MethodPost, "/workers/gpu1/start?wait=1")
	assert.Equal(t, http.StatusGatewayTimeout, rec.Code)
	assert.Contains(t, env.Error, "not listening")
	assert.Equal(t, time.Minute, lc.waited, "default ready timeout")
}

func TestStartWorkerBadQuery(t *testing.T) {
	h := newTestRouter(t, "", defaultLifecycle())

	rec, env := do(t, h, http.MethodPost, "/workers/gpu1/start?wait=maybe")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", env.Kind)
	assert.Contains(t, env.Error, "wait")

	rec, env = do(t, h, http.MethodPost, "/workers/gpu1/start?timeout=-1s")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", env.Kind)

	rec, env = do(t, h, http.MethodPost, "/workers/gpu0/reset?evict=sometimes")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, "bad_request", env.Kind)
}

func TestStopWorkerForce(t *testing.T) {
	lc := defaultLifecycle()
	h := newTestRouter(t, "", lc)

	rec, _ := do(t, h, http.MethodPost, "/workers/gpu0/stop?force=true")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SignalHard, lc.lastSig)

	rec, _ = do(t, h, http.MethodPost, "/workers/gpu0/stop")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, domain.SignalSoft, lc.lastSig)
}

func TestStopAll(t *testing.T) {
	lc := defaultLifecycle()
	lc.stopErrs["gpu1"] = domain.ErrNotRunning{ID: "gpu1"}
	h := newTestRouter(t, "", lc)

	rec, env := do(t, h, http.MethodPost, "/workers/stop-all")
	assert.Equal(t, http.StatusOK, rec.Code, "not running is informational")
	assert.True(t, env.OK)

	lc.stopErrs["gpu0"] = domain.ErrTerminationIncomplete{ID: "gpu0", PIDs: []int{10}}
	rec, env = do(t, h, http.MethodPost, "/workers/stop-all")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.False(t, env.OK)
}

func TestResetWorkerOptions(t *testing.T) {
	lc := defaultLifecycle()
	h := newTestRouter(t, "", lc)

	rec, env := do(t, h, http.MethodPost, "/workers/gpu0/reset")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.True(t, env.OK)
	assert.Equal(t, supervisor.ResetOptions{Evict: true, Signal: domain.SignalSoft}, lc.lastReset)

	rec, _ = do(t, h, http.MethodPost, "/workers/gpu0/reset?stop=true&force=true&evict=false")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, supervisor.ResetOptions{Stop: true, Signal: domain.SignalHard}, lc.lastReset)
}

func TestInspectAndMetrics(t *testing.T) {
	h := newTestRouter(t, "", defaultLifecycle())

	rec, env := do(t, h, http.MethodGet, "/inspect")
	require.Equal(t, http.StatusOK, rec.Code)
	var report domain.EnvironmentReport
	require.NoError(t, json.Unmarshal(env.Data, &report))
	assert.Equal(t, []string{"command: ffmpeg"}, report.MissingPrerequisites)

	rec, _ = do(t, h, http.MethodGet, "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "studio_test_total")
}

func TestRecoveryMiddleware(t *testing.T) {
	h := NewHandler(nil, nil, nil, time.Second, discard())
	router := NewRouter("", h, discard())

	rec, env := do(t, router, http.MethodGet, "/inspect")
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal server error", env.Error)
	assert.Equal(t, string(domain.KindInternal), env.Kind)
}
