package httptransport

import "github.com/c0deZ3R0/go-offline-kit/op"

// Request and response headers of the push protocol.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderTraceID        = "X-Trace-Id"
	HeaderAttempt        = "X-Attempt"
	HeaderEntityVersion  = "X-Entity-Version"
)

// PushRequest is the JSON body posted to {base}/{entityType}/{entityID}.
// Entity type, id, idempotency key and trace id travel in the path and
// headers.
type PushRequest struct {
	OpID    string     `json:"opId"`
	Action  op.Type    `json:"action"`
	Payload op.Payload `json:"payload"`
	Attempt int        `json:"attempt"`
}

// PushResponse is returned with 2xx and 409 statuses. On 409 Version is the
// version the backend holds.
type PushResponse struct {
	Version  int64  `json:"version"`
	Replayed bool   `json:"replayed,omitempty"`
	Error    string `json:"error,omitempty"`
}
