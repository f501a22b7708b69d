package network

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"syscall"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

// ConnectionsFunc lists sockets of the given kind ("tcp", "tcp4", ...).
type ConnectionsFunc func(ctx context.Context, kind string) ([]psnet.ConnectionStat, error)

// BindFunc attempts to bind port and releases it immediately.
type BindFunc func(port int) error

// Probe is the outcome of a single port check.
type Probe struct {
	State  domain.PortState
	Reason string
}

// Prober reports whether a TCP port has a listener on this machine.
// It never fails: when nothing can tell, the state is PortUnknown.
type Prober struct {
	logger      *slog.Logger
	connections ConnectionsFunc
	bind        BindFunc
}

type ProberOption func(*Prober)

// WithConnections replaces the socket table reader.
func WithConnections(fn ConnectionsFunc) ProberOption {
	return func(p *Prober) { p.connections = fn }
}

// WithBind replaces the bind fallback. A nil fn disables the fallback.
func WithBind(fn BindFunc) ProberOption {
	return func(p *Prober) { p.bind = fn }
}

// NewProber creates a prober backed by the kernel socket table, falling back
// to a bind attempt when the table cannot be read.
func NewProber(logger *slog.Logger, opts ...ProberOption) *Prober {
	p := &Prober{
		logger:      logger,
		connections: psnet.ConnectionsWithContext,
		bind:        bindPort,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// State returns the listen state of port.
func (p *Prober) State(ctx context.Context, port int) Probe {
	if port <= 0 || port > 65535 {
		return Probe{State: domain.PortUnknown, Reason: fmt.Sprintf("invalid port %d", port)}
	}

	var tableErr error
	if p.connections != nil {
		conns, err := p.connections(ctx, "tcp")
		if err == nil {
			for _, c := range conns {
				if c.Status == "LISTEN" && c.Laddr.Port == uint32(port) {
					return Probe{State: domain.PortInUse}
				}
			}
			return Probe{State: domain.PortFree}
		}
		tableErr = err
		p.logger.Debug("socket table unavailable, trying bind probe", "port", port, "err", err)
	}

	if p.bind == nil {
		return Probe{State: domain.PortUnknown, Reason: reason("socket table", tableErr)}
	}

	err := p.bind(port)
	switch {
	case err == nil:
		return Probe{State: domain.PortFree}
	case errors.Is(err, syscall.EADDRINUSE):
		return Probe{State: domain.PortInUse}
	default:
		return Probe{
			State:  domain.PortUnknown,
			Reason: fmt.Sprintf("%s; bind probe: %v", reason("socket table", tableErr), err),
		}
	}
}

// WaitListening polls until port has a listener, ctx is done, or timeout
// elapses. The poll never touches the process that owns the port.
func (p *Prober) WaitListening(ctx context.Context, port int, timeout, interval time.Duration) error {
	if interval <= 0 {
		interval = 250 * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if p.State(ctx, port).State == domain.PortInUse {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("port %d not listening: %w", port, ctx.Err())
		case <-ticker.C:
		}
	}
}

func reason(what string, err error) string {
	if err == nil {
		return what + " not configured"
	}
	return fmt.Sprintf("%s: %v", what, err)
}

func bindPort(port int) error {
	listener, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return err
	}
	return listener.Close()
}
