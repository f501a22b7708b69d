package control

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestEvict(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, EvictPath, r.URL.Path)
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}))
	defer server.Close()

	c := NewClient(time.Second, 0, discard())
	require.NoError(t, c.Evict(context.Background(), server.URL+"/"))
	assert.Equal(t, int32(1), hits.Load())
}

func TestEvictWorkerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"status":"error","message":"model busy"}`)
	}))
	defer server.Close()

	c := NewClient(time.Second, 0, discard())
	err := c.Evict(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "model busy")
}

func TestEvictHTTPFailure(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "nope", http.StatusNotFound)
	}))
	defer server.Close()

	c := NewClient(time.Second, 0, discard())
	err := c.Evict(context.Background(), server.URL)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "404")
}

func TestEvictRetriesServerErrors(t *testing.T) {
	var hits atomic.Int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = io.WriteString(w, `{"status":"ok"}`)
	}))
	defer server.Close()

	c := NewClient(5*time.Second, 2, discard())
	require.NoError(t, c.Evict(context.Background(), server.URL))
	assert.Equal(t, int32(2), hits.Load())
}

func TestEvictTimeout(t *testing.T) {
	release := make(chan struct{})
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer server.Close()
	defer close(release)

	c := NewClient(50*time.Millisecond, 0, discard())
	start := time.Now()
	err := c.Evict(context.Background(), server.URL)
	require.Error(t, err)
	assert.Less(t, time.Since(start), 2*time.Second)
}

func TestEvictConnectionRefused(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	c := NewClient(time.Second, 0, discard())
	require.Error(t, c.Evict(context.Background(), url))
}

func TestMetrics(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, MetricsPath, r.URL.Path)
		_, _ = io.WriteString(w, "vram_used_bytes 1024\nqueue_depth 0\n")
	}))
	defer server.Close()

	c := NewClient(time.Second, 0, discard())
	text, err := c.Metrics(context.Background(), server.URL)
	require.NoError(t, err)
	assert.Contains(t, text, "vram_used_bytes 1024")
}
