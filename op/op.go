// Package op defines the pending operation record and its payload union.
package op

import (
	"fmt"
	"strings"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
)

// Type is the kind of mutation an operation carries.
type Type string

const (
	TypeCreate  Type = "create"
	TypeUpdate  Type = "update"
	TypeDelete  Type = "delete"
	TypeToggle  Type = "toggle"
	TypeControl Type = "control"
)

// Valid reports whether t is a known operation type.
func (t Type) Valid() bool {
	switch t {
	case TypeCreate, TypeUpdate, TypeDelete, TypeToggle, TypeControl:
		return true
	}
	return false
}

// Status is the position of an operation in the retry state machine.
type Status string

const (
	StatusQueued     Status = "queued"
	StatusProcessing Status = "processing"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
)

// CanTransition reports whether moving from one status to another is legal.
//
//	queued -> processing
//	processing -> queued | completed | failed
func CanTransition(from, to Status) bool {
	switch from {
	case StatusQueued:
		return to == StatusProcessing
	case StatusProcessing:
		return to == StatusQueued || to == StatusCompleted || to == StatusFailed
	}
	return false
}

// PendingOp is an outgoing mutation awaiting delivery.
type PendingOp struct {
	ID             string     `json:"id"`
	Type           Type       `json:"opType"`
	EntityType     string     `json:"entityType"`
	EntityID       string     `json:"entityId"`
	Payload        Payload    `json:"payload"`
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
	Attempts       int        `json:"attempts"`
	Status         Status     `json:"status"`
	LastError      string     `json:"lastError,omitempty"`
	LastTriedAt    *time.Time `json:"lastTriedAt,omitempty"`
	NextAttemptAt  *time.Time `json:"nextAttemptAt,omitempty"`
	IdempotencyKey string     `json:"idempotencyKey"`
	TraceID        string     `json:"traceId,omitempty"`
	TxnToken       string     `json:"txnToken,omitempty"`
}

// Due reports whether the operation may be attempted at now.
func (p PendingOp) Due(now time.Time) bool {
	return p.NextAttemptAt == nil || !p.NextAttemptAt.After(now)
}

// EntityKey identifies the remote resource the operation targets.
func (p PendingOp) EntityKey() string {
	return p.EntityType + "/" + p.EntityID
}

// Draft is what callers hand to the queue. ID, timestamps and bookkeeping
// fields are assigned on enqueue.
type Draft struct {
	Type       Type
	EntityType string
	EntityID   string
	Payload    Payload

	// IdempotencyKey is reused when the caller is retrying a logical
	// operation it already enqueued once. Empty means generate one.
	IdempotencyKey string
	TraceID        string
	TxnToken       string

	// CreatedAt overrides the creation time. Zero means now.
	CreatedAt time.Time
}

// Validate checks the draft before it is accepted into the queue.
func (d Draft) Validate() error {
	var problems []string
	if !d.Type.Valid() {
		problems = append(problems, fmt.Sprintf("unknown op type %q", d.Type))
	}
	if strings.TrimSpace(d.EntityType) == "" {
		problems = append(problems, "entity type is required")
	}
	if strings.TrimSpace(d.EntityID) == "" {
		problems = append(problems, "entity id is required")
	}
	if err := d.Payload.Validate(); err != nil {
		problems = append(problems, err.Error())
	} else if d.Type.Valid() && !d.Payload.Fits(d.Type) {
		problems = append(problems, fmt.Sprintf("payload %q does not fit op type %q", d.Payload.Kind, d.Type))
	}
	if len(problems) > 0 {
		return syncErrors.E(syncErrors.Op("op.Validate"), syncErrors.KindPermanent, strings.Join(problems, "; "))
	}
	return nil
}

// Versioned is any entity that carries an id, a version and an update time.
type Versioned interface {
	EntityID() string
	EntityVersion() int64
	EntityUpdatedAt() time.Time
}

// Entity is a plain Versioned value.
type Entity struct {
	ID        string    `json:"id"`
	Version   int64     `json:"version"`
	UpdatedAt time.Time `json:"updatedAt"`
}

func (e Entity) EntityID() string           { return e.ID }
func (e Entity) EntityVersion() int64       { return e.Version }
func (e Entity) EntityUpdatedAt() time.Time { return e.UpdatedAt }
