package httptransport

import (
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
)

var (
	errDecompressedTooLarge = errors.New("decompressed data exceeds maximum size limit")
	errRequestTooLarge      = errors.New("compressed request body too large")
	errUnsupportedMedia     = errors.New("unsupported media type")
	errUnsupportedEncoding  = errors.New("unsupported content encoding")
	errInvalidGzip          = errors.New("invalid gzip data")
)

// maxDecompressedReader wraps an io.Reader to enforce decompressed size limits
type maxDecompressedReader struct {
	reader   io.Reader
	limit    int64
	consumed int64
}

func (r *maxDecompressedReader) Read(p []byte) (int, error) {
	if r.consumed >= r.limit {
		return 0, errDecompressedTooLarge
	}

	maxRead := r.limit - r.consumed
	if int64(len(p)) > maxRead {
		p = p[:maxRead]
	}

	n, err := r.reader.Read(p)
	r.consumed += int64(n)

	if r.consumed >= r.limit && err == nil {
		// At the limit: one more byte means the body is too large.
		var dummy [1]byte
		m, peekErr := r.reader.Read(dummy[:])
		if m > 0 {
			return n, errDecompressedTooLarge
		}
		if peekErr != nil {
			return n, peekErr
		}
	}

	return n, err
}

// createSafeRequestReader returns a body reader that enforces both the
// compressed and decompressed size limits, plus a cleanup function.
func createSafeRequestReader(w http.ResponseWriter, r *http.Request, options *ServerOptions) (io.Reader, func(), error) {
	maxRequestSize := options.MaxRequestSize
	if maxRequestSize == 0 {
		maxRequestSize = 10 * 1024 * 1024
	}
	maxDecompressedSize := options.MaxDecompressedSize
	if maxDecompressedSize == 0 {
		maxDecompressedSize = 20 * 1024 * 1024
	}

	contentType := r.Header.Get("Content-Type")
	if contentType != "" && !strings.HasPrefix(contentType, "application/json") {
		return nil, func() {}, fmt.Errorf("%w: %s", errUnsupportedMedia, contentType)
	}

	if r.ContentLength > 0 && r.ContentLength > maxRequestSize {
		return nil, func() {}, fmt.Errorf("%w: %d bytes (max %d)", errRequestTooLarge, r.ContentLength, maxRequestSize)
	}

	contentEncoding := strings.TrimSpace(strings.ToLower(r.Header.Get("Content-Encoding")))
	if contentEncoding != "" && contentEncoding != "gzip" {
		return nil, func() {}, fmt.Errorf("%w: %s (only gzip is supported)", errUnsupportedEncoding, contentEncoding)
	}

	if contentEncoding == "" {
		// Uncompressed bodies get the stricter of the two limits.
		limit := maxRequestSize
		if maxDecompressedSize < limit {
			limit = maxDecompressedSize
		}
		return http.MaxBytesReader(w, r.Body, limit), func() {}, nil
	}

	limited := http.MaxBytesReader(w, r.Body, maxRequestSize)
	gzReader, err := gzip.NewReader(limited)
	if err != nil {
		return nil, func() {}, fmt.Errorf("%w: %v", errInvalidGzip, err)
	}
	reader := &maxDecompressedReader{reader: gzReader, limit: maxDecompressedSize}
	return reader, func() { gzReader.Close() }, nil
}

// mapErrorToHTTPStatus maps request-reading errors to status codes.
func mapErrorToHTTPStatus(err error) int {
	if err == nil {
		return http.StatusOK
	}

	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, errDecompressedTooLarge), errors.Is(err, errRequestTooLarge), errors.As(err, &maxBytesErr):
		return http.StatusRequestEntityTooLarge
	case errors.Is(err, errUnsupportedMedia), errors.Is(err, errUnsupportedEncoding):
		return http.StatusUnsupportedMediaType
	}
	// Invalid gzip, malformed JSON and the rest are client errors.
	return http.StatusBadRequest
}

// respondWithMappedError responds with the status mapped from err.
func respondWithMappedError(w http.ResponseWriter, r *http.Request, err error, options *ServerOptions) {
	respondWithError(w, r, mapErrorToHTTPStatus(err), err.Error(), options)
}
