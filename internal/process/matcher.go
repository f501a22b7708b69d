package process

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

// ErrStillPresent marks a pid that outlived the grace period.
var ErrStillPresent = errors.New("still present after grace period")

// Info is one running process.
type Info struct {
	PID     int    `json:"pid"`
	Cmdline string `json:"cmdline"`
}

// Failure is a pid that could not be terminated.
type Failure struct {
	PID int
	Err error
}

func (f Failure) Error() string {
	return fmt.Sprintf("pid %d: %v", f.PID, f.Err)
}

// Lister returns every process visible to this user.
type Lister func(ctx context.Context) ([]Info, error)

// Signaler delivers sig to pid.
type Signaler func(ctx context.Context, pid int, sig syscall.Signal) error

// Liveness reports whether pid still exists as a non-zombie process.
type Liveness func(ctx context.Context, pid int) bool

// Matcher finds worker processes by command line and terminates them.
type Matcher struct {
	logger *slog.Logger
	grace  time.Duration
	poll   time.Duration
	self   int

	list   Lister
	signal Signaler
	alive  Liveness
}

type Option func(*Matcher)

func WithLister(fn Lister) Option     { return func(m *Matcher) { m.list = fn } }
func WithSignaler(fn Signaler) Option { return func(m *Matcher) { m.signal = fn } }
func WithLiveness(fn Liveness) Option { return func(m *Matcher) { m.alive = fn } }

// WithPollInterval sets how often liveness is rechecked during the grace period.
func WithPollInterval(d time.Duration) Option { return func(m *Matcher) { m.poll = d } }

// NewMatcher creates a matcher over the OS process table. grace bounds how
// long Terminate waits for processes to go away.
func NewMatcher(grace time.Duration, logger *slog.Logger, opts ...Option) *Matcher {
	m := &Matcher{
		logger: logger,
		grace:  grace,
		poll:   50 * time.Millisecond,
		self:   os.Getpid(),
		list:   listProcesses,
		signal: signalProcess,
		alive:  processAlive,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Find returns processes whose full command line contains pattern
// (case-sensitive). When the process table cannot be read it returns no
// matches and a non-nil ErrProbeUnavailable; it never panics.
func (m *Matcher) Find(ctx context.Context, pattern string) ([]Info, error) {
	if pattern == "" {
		return nil, nil
	}

	procs, err := m.list(ctx)
	if err != nil {
		return nil, domain.ErrProbeUnavailable{Probe: "process", Reason: err.Error()}
	}

	var out []Info
	for _, p := range procs {
		if p.PID == m.self {
			continue
		}
		if strings.Contains(p.Cmdline, pattern) {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b Info) int { return a.PID - b.PID })
	return out, nil
}

// Terminate signals pids (SIGTERM for SOFT, SIGKILL for HARD) and waits at
// most the grace period. Survivors are reported, not escalated.
func (m *Matcher) Terminate(ctx context.Context, pids []int, sig domain.Signal) []Failure {
	s := syscall.SIGTERM
	if sig == domain.SignalHard {
		s = syscall.SIGKILL
	}

	var (
		failures []Failure
		pending  []int
	)
	for _, pid := range pids {
		if err := m.signal(ctx, pid, s); err != nil {
			if !m.alive(ctx, pid) {
				continue
			}
			failures = append(failures, Failure{PID: pid, Err: err})
			continue
		}
		m.logger.Debug("signal sent", "pid", pid, "signal", s.String())
		pending = append(pending, pid)
	}

	deadline := time.NewTimer(m.grace)
	defer deadline.Stop()
	ticker := time.NewTicker(m.poll)
	defer ticker.Stop()

	gone := func(pid int) bool { return !m.alive(ctx, pid) }

wait:
	for len(pending) > 0 {
		pending = slices.DeleteFunc(pending, gone)
		if len(pending) == 0 {
			break
		}
		select {
		case <-ticker.C:
		case <-deadline.C:
			break wait
		case <-ctx.Done():
			break wait
		}
	}
	pending = slices.DeleteFunc(pending, gone)

	for _, pid := range pending {
		failures = append(failures, Failure{PID: pid, Err: ErrStillPresent})
	}
	return failures
}

func listProcesses(ctx context.Context) ([]Info, error) {
	procs, err := process.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("list processes: %w", err)
	}

	out := make([]Info, 0, len(procs))
	for _, p := range procs {
		cmdline, err := p.CmdlineWithContext(ctx)
		if err != nil || cmdline == "" {
			// Kernel threads and processes that vanished mid-scan.
			continue
		}
		out = append(out, Info{PID: int(p.Pid), Cmdline: cmdline})
	}
	return out, nil
}

func signalProcess(_ context.Context, pid int, sig syscall.Signal) error {
	return syscall.Kill(pid, sig)
}

func processAlive(ctx context.Context, pid int) bool {
	p, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	status, err := p.StatusWithContext(ctx)
	if err != nil {
		// Gone between the two calls, or unreadable: trust the pid check.
		ok, _ := process.PidExistsWithContext(ctx, int32(pid))
		return ok
	}
	return !slices.Contains(status, process.Zombie)
}
