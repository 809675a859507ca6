package httptransport

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"sync"

	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/op"
)

// Handler is an in-memory reference backend speaking the push protocol.
// It keeps the latest version per entity and remembers idempotency keys,
// so a replayed push is acknowledged without being applied twice. A push
// whose payload version is older than the stored one is answered with 409.
type Handler struct {
	mux     *http.ServeMux
	options *ServerOptions
	logger  *slog.Logger

	mu       sync.Mutex
	versions map[string]int64
	seen     map[string]int64
	applied  int
}

// NewHandler creates the reference backend.
func NewHandler(logger *slog.Logger, opts ...ServerOption) *Handler {
	h := &Handler{
		mux:      http.NewServeMux(),
		options:  applyServerOptions(opts...),
		logger:   logging.ForComponent(logger, "ingest"),
		versions: make(map[string]int64),
		seen:     make(map[string]int64),
	}
	h.mux.HandleFunc("POST /{entityType}/{entityID}", h.handlePush)
	h.mux.HandleFunc("GET /{entityType}/{entityID}", h.handleVersion)
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.mux.ServeHTTP(w, r)
}

// Version returns the stored version of an entity, zero if unknown.
func (h *Handler) Version(entityType, entityID string) int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.versions[entityType+"/"+entityID]
}

// Applied returns how many pushes changed state.
func (h *Handler) Applied() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.applied
}

func (h *Handler) handlePush(w http.ResponseWriter, r *http.Request) {
	key := r.Header.Get(HeaderIdempotencyKey)
	if key == "" {
		respondWithError(w, r, http.StatusBadRequest, "missing "+HeaderIdempotencyKey+" header", h.options)
		return
	}

	reader, cleanup, err := createSafeRequestReader(w, r, h.options)
	if err != nil {
		respondWithMappedError(w, r, err, h.options)
		return
	}
	defer cleanup()

	var req PushRequest
	if err := json.NewDecoder(reader).Decode(&req); err != nil {
		respondWithMappedError(w, r, err, h.options)
		return
	}
	if !req.Action.Valid() {
		respondWithError(w, r, http.StatusUnprocessableEntity, "unknown action "+strconv.Quote(string(req.Action)), h.options)
		return
	}
	if err := req.Payload.Validate(); err != nil {
		respondWithError(w, r, http.StatusUnprocessableEntity, err.Error(), h.options)
		return
	}

	entity := r.PathValue("entityType") + "/" + r.PathValue("entityID")
	h.mu.Lock()
	defer h.mu.Unlock()

	if v, ok := h.seen[key]; ok {
		respondWithJSON(w, r, http.StatusOK, PushResponse{Version: v, Replayed: true}, h.options)
		return
	}

	current := h.versions[entity]
	next := nextVersion(current, req.Payload)
	if next < current {
		w.Header().Set(HeaderEntityVersion, strconv.FormatInt(current, 10))
		respondWithJSON(w, r, http.StatusConflict, PushResponse{Version: current, Error: "stale version"}, h.options)
		return
	}

	h.versions[entity] = next
	h.seen[key] = next
	h.applied++
	h.logger.Debug("push applied",
		slog.String("entity", entity),
		slog.String("action", string(req.Action)),
		slog.Int64("version", next),
		slog.String("trace_id", r.Header.Get(HeaderTraceID)))
	respondWithJSON(w, r, http.StatusOK, PushResponse{Version: next}, h.options)
}

func (h *Handler) handleVersion(w http.ResponseWriter, r *http.Request) {
	v := h.Version(r.PathValue("entityType"), r.PathValue("entityID"))
	respondWithJSON(w, r, http.StatusOK, PushResponse{Version: v}, h.options)
}

// nextVersion is the version an entity holds after applying p. Versioned
// payloads carry it, unversioned ones bump the current version.
func nextVersion(current int64, p op.Payload) int64 {
	if v := p.Version(); v > 0 {
		return v
	}
	return current + 1
}
