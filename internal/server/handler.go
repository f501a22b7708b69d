package server

import (
	"context"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
	"github.com/edwinlacy/LocaldevScripts/internal/supervisor"
)

// Lifecycle is the part of the supervisor the API drives.
type Lifecycle interface {
	Status(ctx context.Context, id string) (domain.WorkerState, error)
	StatusAll(ctx context.Context) map[string]domain.WorkerState
	Start(ctx context.Context, id string) domain.Result
	WaitReady(ctx context.Context, id string, timeout time.Duration) error
	Stop(ctx context.Context, id string, sig domain.Signal) domain.Result
	StopAll(ctx context.Context, sig domain.Signal) map[string]domain.Result
	Reset(ctx context.Context, id string, opts supervisor.ResetOptions) (domain.ResetReport, domain.Result)
}

type Inspector interface {
	Inspect(ctx context.Context) domain.EnvironmentReport
}

type Handler struct {
	lifecycle    Lifecycle
	inspector    Inspector
	metrics      http.Handler
	readyTimeout time.Duration
	logger       *slog.Logger
}

// NewHandler wires the API. metrics may be nil, in which case /metrics is
// not served.
func NewHandler(
	lifecycle Lifecycle,
	inspector Inspector,
	metrics http.Handler,
	readyTimeout time.Duration,
	logger *slog.Logger,
) *Handler {
	return &Handler{
		lifecycle:    lifecycle,
		inspector:    inspector,
		metrics:      metrics,
		readyTimeout: readyTimeout,
		logger:       logger,
	}
}

func (h *Handler) RegisterRoutes(r gin.IRouter) {
	r.GET("/ping", h.Ping)
	r.GET("/workers", h.ListWorkers)
	r.POST("/workers/stop-all", h.StopAll)
	r.GET("/workers/:id", h.GetWorker)
	r.POST("/workers/:id/start", h.StartWorker)
	r.POST("/workers/:id/stop", h.StopWorker)
	r.POST("/workers/:id/reset", h.ResetWorker)
	r.GET("/inspect", h.Inspect)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics))
	}
}

func (h *Handler) Ping(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true})
}

func (h *Handler) ListWorkers(c *gin.Context) {
	states := h.lifecycle.StatusAll(c.Request.Context())

	list := make([]domain.WorkerState, 0, len(states))
	for _, s := range states {
		list = append(list, s)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })

	c.JSON(http.StatusOK, gin.H{"ok": true, "data": list})
}

func (h *Handler) GetWorker(c *gin.Context) {
	state, err := h.lifecycle.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": state})
}

func (h *Handler) StartWorker(c *gin.Context) {
	id := c.Param("id")
	wait, err := boolQuery(c, "wait", false)
	if err != nil {
		abortJSON(c, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	timeout := h.readyTimeout
	if v := c.Query("timeout"); v != "" {
		if timeout, err = time.ParseDuration(v); err != nil || timeout <= 0 {
			abortJSON(c, http.StatusBadRequest, kindBadRequest, "invalid timeout "+strconv.Quote(v))
			return
		}
	}

	res := h.lifecycle.Start(c.Request.Context(), id)
	if res.Err != nil {
		h.result(c, res)
		return
	}

	if wait {
		if err := h.lifecycle.WaitReady(c.Request.Context(), id, timeout); err != nil {
			c.JSON(http.StatusGatewayTimeout, gin.H{"ok": false, "data": res, "error": err.Error()})
			return
		}
	}
	h.result(c, res)
}

func (h *Handler) StopWorker(c *gin.Context) {
	sig, err := signalQuery(c)
	if err != nil {
		abortJSON(c, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	h.result(c, h.lifecycle.Stop(c.Request.Context(), c.Param("id"), sig))
}

func (h *Handler) StopAll(c *gin.Context) {
	sig, err := signalQuery(c)
	if err != nil {
		abortJSON(c, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}

	results := h.lifecycle.StopAll(c.Request.Context(), sig)
	ok := true
	for _, r := range results {
		if r.Err != nil && !domain.Informational(r.Err) {
			ok = false
		}
	}

	code := http.StatusOK
	if !ok {
		code = http.StatusInternalServerError
	}
	c.JSON(code, gin.H{"ok": ok, "data": results})
}

func (h *Handler) ResetWorker(c *gin.Context) {
	var (
		opts supervisor.ResetOptions
		err  error
	)
	if opts.Stop, err = boolQuery(c, "stop", false); err != nil {
		abortJSON(c, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	if opts.Evict, err = boolQuery(c, "evict", true); err != nil {
		abortJSON(c, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}
	if opts.Signal, err = signalQuery(c); err != nil {
		abortJSON(c, http.StatusBadRequest, kindBadRequest, err.Error())
		return
	}

	report, res := h.lifecycle.Reset(c.Request.Context(), c.Param("id"), opts)
	if res.Err != nil {
		c.JSON(statusFor(res.Err), gin.H{"ok": false, "data": res, "report": report, "error": res.Err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": res, "report": report})
}

func (h *Handler) Inspect(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": h.inspector.Inspect(c.Request.Context())})
}

func (h *Handler) result(c *gin.Context, res domain.Result) {
	if res.Err != nil {
		c.JSON(statusFor(res.Err), gin.H{"ok": false, "data": res, "error": res.Err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"ok": true, "data": res})
}

func (h *Handler) fail(c *gin.Context, err error) {
	c.JSON(statusFor(err), gin.H{"ok": false, "kind": domain.KindOf(err), "error": err.Error()})
}

// statusFor maps a domain error to an HTTP status code.
func statusFor(err error) int {
	switch domain.KindOf(err) {
	case domain.KindNone:
		return http.StatusOK
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindAlreadyRunning, domain.KindNotRunning:
		return http.StatusConflict
	case domain.KindOperationInProgress:
		return http.StatusLocked
	case domain.KindProbeUnavailable:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func boolQuery(c *gin.Context, name string, def bool) (bool, error) {
	v := c.Query(name)
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, &queryError{name: name, value: v}
	}
	return b, nil
}

func signalQuery(c *gin.Context) (domain.Signal, error) {
	force, err := boolQuery(c, "force", false)
	if err != nil {
		return "", err
	}
	if force {
		return domain.SignalHard, nil
	}
	return domain.SignalSoft, nil
}

type queryError struct {
	name  string
	value string
}

func (e *queryError) Error() string {
	return "invalid " + e.name + " parameter " + strconv.Quote(e.value)
}
