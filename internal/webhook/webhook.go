// Package webhook implements the generic HTTP collaborator invoked by
// api_webhook nodes.
package webhook

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/MikeRubio/botflow/internal/engine"
	"github.com/MikeRubio/botflow/internal/models"
)

// DefaultTimeout applies when a node's api config carries no timeout.
const DefaultTimeout = 10 * time.Second

// maxResponseBody caps how much of a webhook response is read back into a
// conversation variable.
const maxResponseBody = 64 * 1024

// Caller performs outbound webhook requests with per-call timeouts.
type Caller struct {
	client *http.Client
}

// Opts holds configuration options for the webhook caller.
type Opts struct {
	Client *http.Client
}

// Option defines a configuration option for the webhook caller.
type Option func(*Opts)

// WithHTTPClient injects a custom HTTP client (used by tests).
func WithHTTPClient(client *http.Client) Option {
	return func(o *Opts) { o.Client = client }
}

// NewCaller creates a webhook caller.
func NewCaller(opts ...Option) *Caller {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	client := cfg.Client
	if client == nil {
		client = &http.Client{}
	}
	return &Caller{client: client}
}

// Request performs the configured HTTP call. The timeout comes from the
// node's api config (seconds); timeouts and transport failures are
// returned as errors for the engine to log and tolerate. Non-2xx statuses
// are errors too: a webhook that answers 500 failed from the flow's
// perspective.
func (c *Caller) Request(ctx context.Context, cfg models.APIConfig) (*engine.WebhookResult, error) {
	method := strings.ToUpper(cfg.Method)
	if method == "" {
		method = http.MethodGet
	}
	timeout := DefaultTimeout
	if cfg.TimeoutSeconds > 0 {
		timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	var body io.Reader
	if cfg.Body != "" {
		body = strings.NewReader(cfg.Body)
	}
	req, err := http.NewRequestWithContext(callCtx, method, cfg.URL, body)
	if err != nil {
		return nil, fmt.Errorf("failed to build webhook request: %w", err)
	}
	if cfg.Body != "" && req.Header.Get("Content-Type") == "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for key, value := range cfg.Headers {
		req.Header.Set(key, value)
	}

	slog.Debug("webhook.Request: calling endpoint", "method", method, "url", cfg.URL, "timeout", timeout)
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("webhook request failed: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	slog.Debug("webhook.Request: call succeeded", "url", cfg.URL, "status", resp.StatusCode, "body_length", len(payload))
	return &engine.WebhookResult{Status: resp.StatusCode, Body: string(payload)}, nil
}
