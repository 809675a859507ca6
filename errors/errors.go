// Package errors provides the structured error type shared by every engine component.
package errors

import (
	"errors"
	"fmt"
	"strings"
)

// ErrorCode is the machine-readable failure code carried into quarantined operations.
type ErrorCode string

const (
	ErrCodeNetworkFailure    ErrorCode = "NETWORK_FAILURE"
	ErrCodeStorageFailure    ErrorCode = "STORAGE_FAILURE"
	ErrCodeConflictFailure   ErrorCode = "CONFLICT_FAILURE"
	ErrCodeValidationFailure ErrorCode = "VALIDATION_FAILURE"
	ErrCodeCorruption        ErrorCode = "CORRUPTION"
	ErrCodeUnknown           ErrorCode = "UNKNOWN"
)

// Kind classifies an error by how the caller is expected to react to it.
type Kind string

const (
	KindOther     Kind = ""
	KindTransient Kind = "transient" // network or backend hiccup, retried with backoff
	KindPermanent Kind = "permanent" // rejected by validation or business rules
	KindCorrupt   Kind = "corrupt"   // unreadable journal, index or record
	KindInvalid   Kind = "invalid"   // programmer error
	KindNotFound  Kind = "not_found"
	KindDuplicate Kind = "duplicate"
	KindConflict  Kind = "conflict"
)

// Operation names the engine operation during which an error occurred.
type Operation string

const (
	OpEnqueue    Operation = "enqueue"
	OpDequeue    Operation = "dequeue"
	OpIndex      Operation = "index"
	OpBegin      Operation = "begin"
	OpRecord     Operation = "record"
	OpCommit     Operation = "commit"
	OpRollback   Operation = "rollback"
	OpReplay     Operation = "replay"
	OpQuarantine Operation = "quarantine"
	OpSend       Operation = "send"
	OpStore      Operation = "store"
	OpLoad       Operation = "load"
	OpResolve    Operation = "conflict_resolve"
	OpConfig     Operation = "config"
	OpClose      Operation = "close"
)

// Component names the package that produced the error.
type Component string

// SyncError is the error type returned by engine components.
type SyncError struct {
	// Operation during which the error occurred
	Op Operation

	// Component that generated the error (e.g. "journal", "storage/sqlite")
	Component string

	// Underlying error
	Err error

	// Whether the operation can be retried
	Retryable bool

	// Error code recorded when the operation lands in the failed store
	Code ErrorCode

	// Kind classifies the failure
	Kind Kind

	// Metadata for additional context
	Metadata map[string]interface{}
}

func (e *SyncError) Error() string {
	if e.Op == "" && e.Component == "" {
		// Sentinels built with E carry only a kind and a message.
		if e.Err != nil {
			return e.Err.Error()
		}
		return "sync error: " + string(e.Kind)
	}

	var msg string
	if e.Component != "" {
		msg = fmt.Sprintf("%s operation failed in %s component", e.Op, e.Component)
	} else {
		msg = fmt.Sprintf("%s operation failed", e.Op)
	}

	if e.Code != "" {
		msg += fmt.Sprintf(" [%s]", e.Code)
	}

	if e.Err == nil {
		return msg
	}
	return msg + fmt.Sprintf(": %v", e.Err)
}

func (e *SyncError) Unwrap() error {
	return e.Err
}

// E builds a *SyncError from its arguments. Accepted argument types are
// Operation, Component, Kind, ErrorCode, error, string (joined into the
// message of a new underlying error when no error is given, otherwise
// stored as "detail" metadata) and map[string]interface{} (metadata).
// Later arguments of the same type override earlier ones.
func E(args ...interface{}) error {
	if len(args) == 0 {
		return nil
	}
	e := &SyncError{}
	var details []string
	for _, arg := range args {
		switch a := arg.(type) {
		case Operation:
			e.Op = a
		case Component:
			e.Component = string(a)
		case Kind:
			e.Kind = a
		case ErrorCode:
			e.Code = a
		case error:
			e.Err = a
		case string:
			details = append(details, a)
		case map[string]interface{}:
			e.Metadata = a
		default:
			details = append(details, fmt.Sprintf("%v", a))
		}
	}
	if len(details) > 0 {
		detail := strings.Join(details, ": ")
		if e.Err == nil {
			e.Err = errors.New(detail)
		} else {
			if e.Metadata == nil {
				e.Metadata = make(map[string]interface{})
			}
			e.Metadata["detail"] = detail
		}
	}
	if e.Kind == KindTransient {
		e.Retryable = true
	}
	if e.Code == "" {
		e.Code = codeForKind(e.Kind)
	}
	return e
}

// Op is the builder helper for E.
func Op(name string) Operation { return Operation(name) }

// Comp is the builder helper for E.
func Comp(name string) Component { return Component(name) }

func codeForKind(k Kind) ErrorCode {
	switch k {
	case KindTransient:
		return ErrCodeNetworkFailure
	case KindPermanent:
		return ErrCodeValidationFailure
	case KindCorrupt:
		return ErrCodeCorruption
	case KindConflict:
		return ErrCodeConflictFailure
	default:
		return ""
	}
}

// NewStorageError creates a new storage-related SyncError
func NewStorageError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeStorageFailure,
		Op:        op,
		Component: "store",
		Err:       cause,
		Retryable: true,
		Kind:      KindTransient,
	}
}

// NewConflictError creates a new conflict-related SyncError
func NewConflictError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeConflictFailure,
		Op:        op,
		Component: "sync",
		Err:       cause,
		Retryable: false,
		Kind:      KindConflict,
	}
}

// NewValidationError creates a new validation-related SyncError
func NewValidationError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeValidationFailure,
		Op:        op,
		Err:       cause,
		Retryable: false,
		Kind:      KindPermanent,
	}
}

// NewNetworkError creates a new network-related SyncError
func NewNetworkError(op Operation, cause error) *SyncError {
	return &SyncError{
		Code:      ErrCodeNetworkFailure,
		Op:        op,
		Component: "transport",
		Err:       cause,
		Retryable: true,
		Kind:      KindTransient,
	}
}

// New creates a new SyncError
func New(op Operation, err error) *SyncError {
	return &SyncError{
		Op:  op,
		Err: err,
	}
}

// NewWithComponent creates a new SyncError with component information
func NewWithComponent(op Operation, component string, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Component: component,
		Err:       err,
	}
}

// NewRetryable creates a new retryable SyncError
func NewRetryable(op Operation, err error) *SyncError {
	return &SyncError{
		Op:        op,
		Err:       err,
		Retryable: true,
		Kind:      KindTransient,
	}
}

// IsRetryable checks if an error is a retryable SyncError
func IsRetryable(err error) bool {
	var syncErr *SyncError
	if errors.As(err, &syncErr) {
		return syncErr.Retryable
	}
	return false
}

// KindOf returns the Kind of the outermost SyncError in err's chain that
// carries one, or KindOther.
func KindOf(err error) Kind {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			return KindOther
		}
		if syncErr.Kind != KindOther {
			return syncErr.Kind
		}
		err = syncErr.Err
	}
	return KindOther
}

// Is reports whether err's chain contains a SyncError of kind k.
func Is(err error, k Kind) bool {
	return KindOf(err) == k
}

// CodeOf returns the first non-empty ErrorCode in err's chain, or ErrCodeUnknown.
func CodeOf(err error) ErrorCode {
	for err != nil {
		var syncErr *SyncError
		if !errors.As(err, &syncErr) {
			break
		}
		if syncErr.Code != "" {
			return syncErr.Code
		}
		err = syncErr.Err
	}
	return ErrCodeUnknown
}
