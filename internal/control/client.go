package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
)

const (
	EvictPath   = "/control/evict_aggressive"
	MetricsPath = "/control/metrics"

	maxBody = 4 << 20
)

// Client talks to a worker's control endpoint. Every call is bounded by the
// client timeout regardless of the caller's context.
type Client struct {
	http    *http.Client
	timeout time.Duration
	logger  *slog.Logger
}

// NewClient creates a control endpoint client. retries is the number of
// additional attempts on connection errors and 5xx responses.
func NewClient(timeout time.Duration, retries int, logger *slog.Logger) *Client {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = retries
	retryClient.RetryWaitMin = 100 * time.Millisecond
	retryClient.RetryWaitMax = 500 * time.Millisecond
	retryClient.Logger = nil // suppress default logging

	return &Client{
		http:    retryClient.StandardClient(),
		timeout: timeout,
		logger:  logger,
	}
}

type evictResponse struct {
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

// Evict asks the worker at baseURL to release cached model and VRAM state.
func (c *Client) Evict(ctx context.Context, baseURL string) error {
	body, err := c.get(ctx, baseURL, EvictPath)
	if err != nil {
		return err
	}

	var resp evictResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return fmt.Errorf("decode eviction response: %w", err)
	}
	if resp.Status != "ok" {
		if resp.Message != "" {
			return fmt.Errorf("worker reported status %q: %s", resp.Status, resp.Message)
		}
		return fmt.Errorf("worker reported status %q", resp.Status)
	}
	return nil
}

// Metrics returns the worker's text metrics payload.
func (c *Client) Metrics(ctx context.Context, baseURL string) (string, error) {
	body, err := c.get(ctx, baseURL, MetricsPath)
	if err != nil {
		return "", err
	}
	return string(body), nil
}

// GetJSON fetches url and decodes the JSON body into out.
func (c *Client) GetJSON(ctx context.Context, baseURL, path string, out any) error {
	body, err := c.get(ctx, baseURL, path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("decode %s: %w", path, err)
	}
	return nil
}

// --- internal ---

func (c *Client) get(ctx context.Context, baseURL, path string) ([]byte, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	url := strings.TrimRight(baseURL, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json, text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("http GET %s: %w", url, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBody))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		c.logger.Debug("control endpoint error",
			"url", url,
			"status", resp.StatusCode,
			"body", string(body),
		)
		return nil, fmt.Errorf("GET %s returned %d: %s", url, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	return body, nil
}
