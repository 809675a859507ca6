package httptransport

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
)

// Limits defines size and compression limits for the client.
type Limits struct {
	MaxResponseBytes int64 // Maximum response body read, larger bodies are truncated
	EnableGzip       bool  // Whether to gzip request bodies
	GzipMinBytes     int   // Minimum body size before gzip is applied
}

// DefaultLimits returns the client limits used by NewClient.
func DefaultLimits() Limits {
	return Limits{
		MaxResponseBytes: 1 << 20,
		EnableGzip:       true,
		GzipMinBytes:     1024,
	}
}

// ClientOption configures a Client using the functional options pattern.
type ClientOption func(*Client)

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(cl *http.Client) ClientOption {
	return func(c *Client) {
		if cl != nil {
			c.http = cl
		}
	}
}

// WithLimits sets the size and compression limits.
func WithLimits(l Limits) ClientOption {
	return func(c *Client) {
		c.limits = l
	}
}

// WithTimeout sets the timeout of the underlying HTTP client.
func WithTimeout(d time.Duration) ClientOption {
	return func(c *Client) {
		c.http.Timeout = d
	}
}

// WithHeader adds a header sent with every request.
func WithHeader(key, value string) ClientOption {
	return func(c *Client) {
		c.headers.Set(key, value)
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logging.ForComponent(l, component)
	}
}

// WithTelemetry sets the metrics sink.
func WithTelemetry(s telemetry.Sink) ClientOption {
	return func(c *Client) {
		c.metrics = telemetry.OrNoOp(s)
	}
}

// ServerOptions configures the reference ingest Handler.
type ServerOptions struct {
	MaxRequestSize       int64 // Maximum compressed request body
	MaxDecompressedSize  int64 // Maximum request body after gunzip
	CompressionEnabled   bool  // Gzip responses when the client accepts it
	CompressionThreshold int64 // Minimum response size before gzip is applied
}

// DefaultServerOptions returns the handler defaults.
func DefaultServerOptions() *ServerOptions {
	return &ServerOptions{
		MaxRequestSize:       10 * 1024 * 1024,
		MaxDecompressedSize:  20 * 1024 * 1024,
		CompressionEnabled:   true,
		CompressionThreshold: 1024,
	}
}

// ServerOption is a function that configures a ServerOptions struct.
type ServerOption func(*ServerOptions)

// WithMaxRequestSize sets the maximum allowed size of incoming request bodies.
func WithMaxRequestSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxRequestSize = size
	}
}

// WithMaxDecompressedSize sets the maximum allowed size of decompressed request bodies.
func WithMaxDecompressedSize(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.MaxDecompressedSize = size
	}
}

// WithCompression enables or disables response compression.
func WithCompression(enabled bool) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionEnabled = enabled
	}
}

// WithCompressionThreshold sets the minimum size for response compression.
func WithCompressionThreshold(size int64) ServerOption {
	return func(opts *ServerOptions) {
		opts.CompressionThreshold = size
	}
}

func applyServerOptions(opts ...ServerOption) *ServerOptions {
	options := DefaultServerOptions()
	for _, opt := range opts {
		opt(options)
	}
	return options
}

// Validate checks the server options for impossible values.
func (o *ServerOptions) Validate() error {
	if o.MaxRequestSize < 0 {
		return fmt.Errorf("max request size must not be negative, got %d", o.MaxRequestSize)
	}
	if o.MaxDecompressedSize < 0 {
		return fmt.Errorf("max decompressed size must not be negative, got %d", o.MaxDecompressedSize)
	}
	if o.CompressionThreshold < 0 {
		return fmt.Errorf("compression threshold must not be negative, got %d", o.CompressionThreshold)
	}
	return nil
}
