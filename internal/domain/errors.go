package domain

import (
	"errors"
	"fmt"
	"strings"
)

type ErrWorkerNotFound struct {
	ID string
}

func (e ErrWorkerNotFound) Error() string {
	return fmt.Sprintf("unknown worker %q", e.ID)
}

type ErrAlreadyRunning struct {
	ID  string
	PID int
}

func (e ErrAlreadyRunning) Error() string {
	if e.PID > 0 {
		return fmt.Sprintf("worker %s is already running (pid %d)", e.ID, e.PID)
	}
	return fmt.Sprintf("worker %s is already running", e.ID)
}

type ErrNotRunning struct {
	ID string
}

func (e ErrNotRunning) Error() string {
	return fmt.Sprintf("worker %s is not running", e.ID)
}

// ErrOperationInProgress is returned when a start/stop/reset for the same
// worker or the same GPU is already being executed.
type ErrOperationInProgress struct {
	ID       string
	Resource string
}

func (e ErrOperationInProgress) Error() string {
	return fmt.Sprintf("worker %s: another operation holds %s", e.ID, e.Resource)
}

type ErrProbeUnavailable struct {
	Probe  string
	Reason string
}

func (e ErrProbeUnavailable) Error() string {
	return fmt.Sprintf("%s probe unavailable: %s", e.Probe, e.Reason)
}

type ErrSpawnFailed struct {
	ID      string
	Command string
	Err     error
}

func (e ErrSpawnFailed) Error() string {
	return fmt.Sprintf("spawn %s (%s): %v", e.ID, e.Command, e.Err)
}

func (e ErrSpawnFailed) Unwrap() error {
	return e.Err
}

type ErrTerminationIncomplete struct {
	ID   string
	PIDs []int
}

func (e ErrTerminationIncomplete) Error() string {
	pids := make([]string, 0, len(e.PIDs))
	for _, pid := range e.PIDs {
		pids = append(pids, fmt.Sprint(pid))
	}
	return fmt.Sprintf("worker %s: processes still present after grace period: %s", e.ID, strings.Join(pids, ","))
}

type ErrEvictionRequestFailed struct {
	URL string
	Err error
}

func (e ErrEvictionRequestFailed) Error() string {
	return fmt.Sprintf("eviction request %s: %v", e.URL, e.Err)
}

func (e ErrEvictionRequestFailed) Unwrap() error {
	return e.Err
}

type ErrFilesystemReset struct {
	Op   string
	Path string
	Err  error
}

func (e ErrFilesystemReset) Error() string {
	return fmt.Sprintf("reset %s %s: %v", e.Op, e.Path, e.Err)
}

func (e ErrFilesystemReset) Unwrap() error {
	return e.Err
}

// ErrRegistry reports a misconfigured worker table.
type ErrRegistry struct {
	Reason string
}

func (e ErrRegistry) Error() string {
	return "registry: " + e.Reason
}

// OpError attaches the worker and the attempted action to a failure.
type OpError struct {
	WorkerID string
	Action   Action
	Err      error
}

func (e *OpError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Action, e.WorkerID, e.Err)
}

func (e *OpError) Unwrap() error {
	return e.Err
}

// ErrorKind is a stable, machine-readable classification of an error.
type ErrorKind string

const (
	KindNone                  ErrorKind = ""
	KindNotFound              ErrorKind = "not_found"
	KindAlreadyRunning        ErrorKind = "already_running"
	KindNotRunning            ErrorKind = "not_running"
	KindOperationInProgress   ErrorKind = "operation_in_progress"
	KindProbeUnavailable      ErrorKind = "probe_unavailable"
	KindSpawnFailed           ErrorKind = "spawn_failed"
	KindTerminationIncomplete ErrorKind = "termination_incomplete"
	KindEvictionFailed        ErrorKind = "eviction_request_failed"
	KindFilesystemReset       ErrorKind = "filesystem_reset_failed"
	KindRegistry              ErrorKind = "registry"
	KindInternal              ErrorKind = "internal"
)

// KindOf walks the error chain and returns the first recognised kind.
func KindOf(err error) ErrorKind {
	if err == nil {
		return KindNone
	}

	var (
		notFound   ErrWorkerNotFound
		running    ErrAlreadyRunning
		notRunning ErrNotRunning
		inProgress ErrOperationInProgress
		probe      ErrProbeUnavailable
		spawn      ErrSpawnFailed
		term       ErrTerminationIncomplete
		evict      ErrEvictionRequestFailed
		fsReset    ErrFilesystemReset
		registry   ErrRegistry
	)

	switch {
	case errors.As(err, &notFound):
		return KindNotFound
	case errors.As(err, &running):
		return KindAlreadyRunning
	case errors.As(err, &notRunning):
		return KindNotRunning
	case errors.As(err, &inProgress):
		return KindOperationInProgress
	case errors.As(err, &probe):
		return KindProbeUnavailable
	case errors.As(err, &spawn):
		return KindSpawnFailed
	case errors.As(err, &term):
		return KindTerminationIncomplete
	case errors.As(err, &evict):
		return KindEvictionFailed
	case errors.As(err, &fsReset):
		return KindFilesystemReset
	case errors.As(err, &registry):
		return KindRegistry
	default:
		return KindInternal
	}
}

// Informational reports whether err only describes a state that already
// matches the request (start on running, stop on stopped).
func Informational(err error) bool {
	switch KindOf(err) {
	case KindAlreadyRunning, KindNotRunning:
		return true
	}
	return false
}
