package httptransport

import (
	"compress/gzip"
	"encoding/json"
	"net/http"
	"strings"
)

// respondWithJSON writes payload as JSON, gzipped when enabled, large enough
// and accepted by the client.
func respondWithJSON(w http.ResponseWriter, r *http.Request, code int, payload interface{}, options *ServerOptions) {
	response, err := json.Marshal(payload)
	if err != nil {
		http.Error(w, "failed to marshal response", http.StatusInternalServerError)
		return
	}

	useCompression := options != nil && options.CompressionEnabled &&
		int64(len(response)) >= options.CompressionThreshold &&
		strings.Contains(r.Header.Get("Accept-Encoding"), "gzip")

	w.Header().Set("Content-Type", "application/json")
	if !useCompression {
		w.WriteHeader(code)
		_, _ = w.Write(response)
		return
	}

	w.Header().Set("Content-Encoding", "gzip")
	w.WriteHeader(code)
	gz := gzip.NewWriter(w)
	defer gz.Close()
	_, _ = gz.Write(response)
}

func respondWithError(w http.ResponseWriter, r *http.Request, code int, message string, options *ServerOptions) {
	respondWithJSON(w, r, code, PushResponse{Error: message}, options)
}
