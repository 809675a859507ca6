package httptransport

import (
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestServerOptionsValidate(t *testing.T) {
	tests := []struct {
		name    string
		opts    ServerOptions
		wantErr string
	}{
		{name: "defaults", opts: *DefaultServerOptions()},
		{name: "zero limits fall back at read time", opts: ServerOptions{}},
		{name: "negative request size", opts: ServerOptions{MaxRequestSize: -1}, wantErr: "max request size"},
		{name: "negative decompressed size", opts: ServerOptions{MaxDecompressedSize: -1}, wantErr: "max decompressed size"},
		{name: "negative threshold", opts: ServerOptions{CompressionThreshold: -1}, wantErr: "compression threshold"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestDefaultServerOptions(t *testing.T) {
	opts := DefaultServerOptions()
	assert.Equal(t, int64(10*1024*1024), opts.MaxRequestSize)
	assert.Equal(t, int64(20*1024*1024), opts.MaxDecompressedSize)
	assert.True(t, opts.CompressionEnabled)
	assert.Equal(t, int64(1024), opts.CompressionThreshold)

	// A gzip body may expand, so the decompressed limit is never below the wire limit.
	assert.GreaterOrEqual(t, opts.MaxDecompressedSize, opts.MaxRequestSize)
}

func TestApplyServerOptions(t *testing.T) {
	opts := applyServerOptions(
		WithMaxRequestSize(512),
		WithMaxDecompressedSize(2048),
		WithCompression(false),
		WithCompressionThreshold(64),
	)
	assert.Equal(t, &ServerOptions{
		MaxRequestSize:       512,
		MaxDecompressedSize:  2048,
		CompressionEnabled:   false,
		CompressionThreshold: 64,
	}, opts)
}

func TestClientOptions(t *testing.T) {
	custom := &http.Client{Timeout: time.Second}
	c := newClient(t, "http://example.com",
		WithHTTPClient(custom),
		WithTimeout(5*time.Second),
		WithHeader("Authorization", "Bearer token"),
		WithLimits(Limits{MaxResponseBytes: 10}),
	)
	assert.Same(t, custom, c.http)
	assert.Equal(t, 5*time.Second, c.http.Timeout)
	assert.Equal(t, "Bearer token", c.headers.Get("Authorization"))
	assert.Equal(t, Limits{MaxResponseBytes: 10}, c.Limits())

	// A nil client keeps the default.
	c = newClient(t, "http://example.com", WithHTTPClient(nil))
	assert.NotNil(t, c.http)
}
