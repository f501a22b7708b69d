package network

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"

	psnet "github.com/shirou/gopsutil/v3/net"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/edwinlacy/LocaldevScripts/internal/domain"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func table(conns ...psnet.ConnectionStat) ConnectionsFunc {
	return func(context.Context, string) ([]psnet.ConnectionStat, error) {
		return conns, nil
	}
}

func listening(port uint32) psnet.ConnectionStat {
	return psnet.ConnectionStat{Status: "LISTEN", Laddr: psnet.Addr{IP: "127.0.0.1", Port: port}}
}

func TestProberSocketTable(t *testing.T) {
	p := NewProber(discard(),
		WithConnections(table(
			listening(8188),
			psnet.ConnectionStat{Status: "ESTABLISHED", Laddr: psnet.Addr{Port: 8288}},
		)),
		WithBind(func(int) error { t.Fatal("bind probe must not run"); return nil }),
	)

	assert.Equal(t, domain.PortInUse, p.State(context.Background(), 8188).State)
	assert.Equal(t, domain.PortFree, p.State(context.Background(), 8288).State, "non-listening sockets do not count")
	assert.Equal(t, domain.PortFree, p.State(context.Background(), 9000).State)
}

// freePort asks the OS for an available port by binding to :0.
func freePort(t *testing.T) int {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	return ln.Addr().(*net.TCPAddr).Port
}

func TestProberFallsBackToBind(t *testing.T) {
	ln, err := net.Listen("tcp", ":0")
	require.NoError(t, err)
	defer ln.Close()
	busy := ln.Addr().(*net.TCPAddr).Port

	free := freePort(t)

	broken := func(context.Context, string) ([]psnet.ConnectionStat, error) {
		return nil, errors.New("permission denied")
	}
	p := NewProber(discard(), WithConnections(broken))

	assert.Equal(t, domain.PortInUse, p.State(context.Background(), busy).State)
	assert.Equal(t, domain.PortFree, p.State(context.Background(), free).State)
}

func TestProberUnknownWhenNothingWorks(t *testing.T) {
	broken := func(context.Context, string) ([]psnet.ConnectionStat, error) {
		return nil, errors.New("no /proc")
	}

	p := NewProber(discard(), WithConnections(broken), WithBind(nil))
	got := p.State(context.Background(), 8188)
	assert.Equal(t, domain.PortUnknown, got.State)
	assert.Contains(t, got.Reason, "no /proc")

	p = NewProber(discard(), WithConnections(broken), WithBind(func(int) error { return errors.New("eacces") }))
	got = p.State(context.Background(), 80)
	assert.Equal(t, domain.PortUnknown, got.State, "an unexpected bind error is not proof the port is free")
	assert.Contains(t, got.Reason, "eacces")

	assert.Equal(t, domain.PortUnknown, p.State(context.Background(), 0).State)
}

func TestWaitListening(t *testing.T) {
	var calls int
	conns := func(context.Context, string) ([]psnet.ConnectionStat, error) {
		calls++
		if calls < 3 {
			return nil, nil
		}
		return []psnet.ConnectionStat{listening(8188)}, nil
	}
	p := NewProber(discard(), WithConnections(conns))

	err := p.WaitListening(context.Background(), 8188, time.Second, 5*time.Millisecond)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, calls, 3)
}

func TestWaitListeningCancel(t *testing.T) {
	p := NewProber(discard(), WithConnections(table()))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	start := time.Now()
	err := p.WaitListening(ctx, 8188, time.Minute, 5*time.Millisecond)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
	assert.Less(t, time.Since(start), 5*time.Second)
}
