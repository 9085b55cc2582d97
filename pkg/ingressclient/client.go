// Package ingressclient is a small HTTP client for the ingress datapath's
// admin surface — the library an operator dashboard or a deploy script
// embeds to read stats, trigger a flush, or check liveness without
// hand-rolling HTTP requests.
package ingressclient

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Config holds the client's connection settings.
type Config struct {
	// BaseURL is the admin HTTP surface's address, e.g. "http://localhost:9090".
	BaseURL string

	// Timeout bounds each request (default 10s).
	Timeout time.Duration
}

// Client talks to one ingress datapath instance's admin HTTP surface.
type Client struct {
	config     Config
	httpClient *http.Client
}

// NewClient creates a client for the given config.
func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}
	return &Client{
		config:     cfg,
		httpClient: &http.Client{Timeout: cfg.Timeout},
	}
}

// Healthz checks GET /healthz and returns the raw status payload.
func (c *Client) Healthz(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.get(ctx, "/healthz", &out); err != nil {
		return nil, fmt.Errorf("ingressclient: healthz: %w", err)
	}
	return out, nil
}

// Stats fetches GET /v1/stats, returned as a raw map since the shape is a
// composite of the hot store's and processor's independent Stats() types.
func (c *Client) Stats(ctx context.Context) (map[string]interface{}, error) {
	var out map[string]interface{}
	if err := c.get(ctx, "/v1/stats", &out); err != nil {
		return nil, fmt.Errorf("ingressclient: stats: %w", err)
	}
	return out, nil
}

// FlushResult is the response body of POST /v1/flush.
type FlushResult struct {
	Flushed int    `json:"flushed"`
	Error   string `json:"error,omitempty"`
}

// Flush triggers a synchronous writeback of every dirty cache entry.
func (c *Client) Flush(ctx context.Context) (FlushResult, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.BaseURL+"/v1/flush", nil)
	if err != nil {
		return FlushResult{}, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return FlushResult{}, fmt.Errorf("ingressclient: flush: %w", err)
	}
	defer resp.Body.Close()

	var out FlushResult
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return FlushResult{}, fmt.Errorf("ingressclient: flush: decode response: %w", err)
	}
	return out, nil
}

func (c *Client) get(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.config.BaseURL+path, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return json.NewDecoder(resp.Body).Decode(out)
}
