// Package httptransport delivers pending ops to an HTTP backend and ships a
// small reference backend for local runs and tests.
package httptransport

import (
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
	"github.com/c0deZ3R0/go-offline-kit/worker"
)

const component = "transport"

// Client implements worker.Transport over HTTP. Each envelope is posted to
// {base}/{entityType}/{entityID}.
type Client struct {
	baseURL string
	http    *http.Client
	limits  Limits
	headers http.Header
	logger  *slog.Logger
	metrics telemetry.Sink
}

var _ worker.Transport = (*Client)(nil)

// NewClient creates a client for baseURL.
func NewClient(baseURL string, opts ...ClientOption) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("invalid endpoint %q", baseURL))
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 30 * time.Second},
		limits:  DefaultLimits(),
		headers: make(http.Header),
		logger:  logging.ForComponent(nil, component),
		metrics: telemetry.NoOp{},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the base URL for the client.
func (c *Client) BaseURL() string { return c.baseURL }

// Limits returns the current limits configuration.
func (c *Client) Limits() Limits { return c.limits }

func (c *Client) endpoint(env worker.Envelope) string {
	return c.baseURL + "/" + url.PathEscape(env.EntityType) + "/" + url.PathEscape(env.EntityID)
}

// Send posts one envelope. Errors are classified for the retry machinery:
// connection failures, 408, 429 and 5xx are retryable network errors, 409
// is a *worker.ConflictError and any other status is a validation error.
func (c *Client) Send(ctx context.Context, env worker.Envelope) error {
	payload, err := json.Marshal(PushRequest{
		OpID:    env.OpID,
		Action:  env.Action,
		Payload: env.Payload,
		Attempt: env.Attempt,
	})
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpSend, fmt.Errorf("failed to marshal envelope: %w", err))
	}

	body, encoding, err := c.encodeBody(payload)
	if err != nil {
		return syncErrors.NewWithComponent(syncErrors.OpSend, component, err)
	}

	target := c.endpoint(env)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target, bytes.NewReader(body))
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpSend, fmt.Errorf("failed to create request: %w", err))
	}
	for k, vs := range c.headers {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Content-Type", "application/json")
	if encoding != "" {
		req.Header.Set("Content-Encoding", encoding)
	}
	req.Header.Set(HeaderIdempotencyKey, env.IdempotencyKey)
	if env.TraceID != "" {
		req.Header.Set(HeaderTraceID, env.TraceID)
	}
	req.Header.Set(HeaderAttempt, strconv.Itoa(env.Attempt))

	start := time.Now()
	resp, err := c.http.Do(req)
	c.metrics.Timing("transport.request.duration_ms", time.Since(start))
	if err != nil {
		c.metrics.Count("transport.request.error", 1)
		c.logger.Warn("push request failed",
			slog.String("url", target),
			slog.Any("op_id", logging.OpID(env.OpID)),
			slog.String("error", err.Error()))
		return syncErrors.NewNetworkError(syncErrors.OpSend, fmt.Errorf("network error: %w", err))
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, c.limits.MaxResponseBytes))
	c.metrics.Count("transport.response."+statusClass(resp.StatusCode), 1)
	return c.classify(resp, respBody, env)
}

func (c *Client) encodeBody(payload []byte) ([]byte, string, error) {
	if !c.limits.EnableGzip || len(payload) < c.limits.GzipMinBytes {
		return payload, "", nil
	}
	var buf bytes.Buffer
	gw := gzip.NewWriter(&buf)
	if _, err := gw.Write(payload); err != nil {
		return nil, "", fmt.Errorf("failed to compress request: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, "", fmt.Errorf("failed to close gzip writer: %w", err)
	}
	c.logger.Debug("compressed push request",
		slog.Int("original_size", len(payload)),
		slog.Int("compressed_size", buf.Len()))
	return buf.Bytes(), "gzip", nil
}

func (c *Client) classify(resp *http.Response, body []byte, env worker.Envelope) error {
	code := resp.StatusCode
	if code >= 200 && code < 300 {
		return nil
	}

	cause := fmt.Errorf("server returned status %d: %s", code, strings.TrimSpace(errorText(body)))
	switch {
	case code == http.StatusConflict:
		remote, ok := remoteVersion(resp, body)
		if !ok {
			return syncErrors.NewValidationError(syncErrors.OpSend,
				fmt.Errorf("%w (conflict response carries no version)", cause))
		}
		c.logger.Debug("push rejected with conflict",
			slog.Any("op_id", logging.OpID(env.OpID)), slog.Int64("remote_version", remote))
		return &worker.ConflictError{RemoteVersion: remote, Err: syncErrors.NewConflictError(syncErrors.OpSend, cause)}
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		err := syncErrors.NewNetworkError(syncErrors.OpSend, cause)
		if ra := resp.Header.Get("Retry-After"); ra != "" {
			err.Metadata = map[string]interface{}{"retry_after": ra}
		}
		return err
	default:
		return syncErrors.NewValidationError(syncErrors.OpSend, cause)
	}
}

// remoteVersion reads the backend's version from the JSON body, falling
// back to the X-Entity-Version header.
func remoteVersion(resp *http.Response, body []byte) (int64, bool) {
	var pr struct {
		Version *int64 `json:"version"`
	}
	if json.Unmarshal(body, &pr) == nil && pr.Version != nil {
		return *pr.Version, true
	}
	if h := resp.Header.Get(HeaderEntityVersion); h != "" {
		if v, err := strconv.ParseInt(h, 10, 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func errorText(body []byte) string {
	var pr PushResponse
	if json.Unmarshal(body, &pr) == nil && pr.Error != "" {
		return pr.Error
	}
	return string(body)
}

func statusClass(code int) string {
	return strconv.Itoa(code/100) + "xx"
}
