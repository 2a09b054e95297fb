// Package backend executes requests against the named capability
// services (stt, tts, llm, voice, agent, knowledge, leads, billing).
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/voxgate/voxgate/internal/metrics"
)

// StatusUnavailable is the synthetic status returned when a call could
// not produce a well-formed HTTP response after all retries.
const StatusUnavailable = http.StatusServiceUnavailable

var unavailableBody = json.RawMessage(`{"error":"service unavailable"}`)

// BackoffPolicy controls retry behavior for transport-level failures.
type BackoffPolicy struct {
	Attempts int
	Base     time.Duration
	Max      time.Duration
}

// DefaultBackoff retries three times, waiting 2s, 4s, capped at 10s.
var DefaultBackoff = BackoffPolicy{Attempts: 3, Base: 2 * time.Second, Max: 10 * time.Second}

// Delay returns the wait before the given retry (1-based).
func (p BackoffPolicy) Delay(retry int) time.Duration {
	d := p.Base
	for i := 1; i < retry; i++ {
		d *= 2
		if d >= p.Max {
			return p.Max
		}
	}
	if d > p.Max {
		return p.Max
	}
	return d
}

// ProbeResult reports a collaborator liveness check.
type ProbeResult struct {
	Status     string  `json:"status"`
	HTTPStatus int     `json:"http_status,omitempty"`
	Latency    float64 `json:"latency"`
	Error      string  `json:"error,omitempty"`
}

// Client issues JSON requests to capability services. It is safe for
// concurrent use by many sessions.
type Client struct {
	httpClient *http.Client
	baseURLs   map[string]string
	apiKey     string
	timeout    time.Duration
	backoff    BackoffPolicy
}

// NewClient creates a client for the given service base URLs. Each call
// runs under its own timeout so one slow collaborator cannot stall a
// session indefinitely.
func NewClient(baseURLs map[string]string, apiKey string, timeout time.Duration, backoff BackoffPolicy) *Client {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	if backoff.Attempts <= 0 {
		backoff = DefaultBackoff
	}
	return &Client{
		httpClient: &http.Client{},
		baseURLs:   baseURLs,
		apiKey:     apiKey,
		timeout:    timeout,
		backoff:    backoff,
	}
}

// Call issues a request to a named service endpoint and returns the
// HTTP status with the response body. Transport failures are
// normalized: after the retry budget is spent, the result is a
// synthetic 503 with an error body. A well-formed non-2xx response is
// returned as-is without retry; it is a business-level outcome, not a
// transport error.
func (c *Client) Call(ctx context.Context, method, service, endpoint string, payload any) (int, json.RawMessage) {
	base, ok := c.baseURLs[service]
	if !ok {
		slog.Error("Unknown backend service", "service", service)
		return StatusUnavailable, unavailableBody
	}
	url := strings.TrimSuffix(base, "/") + "/" + strings.TrimPrefix(endpoint, "/")

	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			slog.Error("Failed to marshal backend payload", "service", service, "endpoint", endpoint, "error", err)
			return StatusUnavailable, unavailableBody
		}
	}

	start := time.Now()
	defer func() {
		metrics.BackendCallDuration.WithLabelValues(service).Observe(time.Since(start).Seconds())
	}()

	for attempt := 1; ; attempt++ {
		status, respBody, err := c.do(ctx, method, url, body)
		if err == nil {
			metrics.BackendCalls.WithLabelValues(service, strconv.Itoa(status)).Inc()
			return status, respBody
		}

		slog.Warn("Backend request failed",
			"service", service,
			"endpoint", endpoint,
			"attempt", attempt,
			"error", err,
		)

		if attempt >= c.backoff.Attempts {
			metrics.BackendCalls.WithLabelValues(service, "unavailable").Inc()
			return StatusUnavailable, unavailableBody
		}

		select {
		case <-ctx.Done():
			metrics.BackendCalls.WithLabelValues(service, "unavailable").Inc()
			return StatusUnavailable, unavailableBody
		case <-time.After(c.backoff.Delay(attempt)):
		}
	}
}

func (c *Client) do(ctx context.Context, method, url string, body []byte) (int, json.RawMessage, error) {
	reqCtx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(reqCtx, method, url, reader)
	if err != nil {
		return 0, nil, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("X-API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			slog.Debug("Failed to close response body", "error", closeErr)
		}
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 10<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("read response: %w", err)
	}
	if len(respBody) == 0 {
		respBody = []byte("{}")
	}
	return resp.StatusCode, respBody, nil
}

// Probe checks a collaborator's liveness endpoint. It never retries;
// the health report should reflect the current state.
func (c *Client) Probe(ctx context.Context, service string) ProbeResult {
	base, ok := c.baseURLs[service]
	if !ok {
		return ProbeResult{Status: "unreachable", Error: "unknown service"}
	}

	start := time.Now()
	status, _, err := c.do(ctx, http.MethodGet, strings.TrimSuffix(base, "/")+"/health", nil)
	latency := time.Since(start).Seconds()
	if err != nil {
		return ProbeResult{Status: "unreachable", Latency: latency, Error: err.Error()}
	}
	result := ProbeResult{Status: "healthy", HTTPStatus: status, Latency: latency}
	if status != http.StatusOK {
		result.Status = "unhealthy"
	}
	return result
}

// Services returns the configured collaborator names.
func (c *Client) Services() []string {
	names := make([]string, 0, len(c.baseURLs))
	for name := range c.baseURLs {
		names = append(names, name)
	}
	return names
}
