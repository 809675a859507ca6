package errors

import (
	"errors"
	"fmt"
	"testing"
)

func TestSyncError_Error(t *testing.T) {
	tests := []struct {
		name      string
		op        Operation
		component string
		code      ErrorCode
		err       error
		want      string
	}{
		{
			name:      "with component and code",
			op:        OpCommit,
			component: "journal",
			code:      ErrCodeStorageFailure,
			err:       fmt.Errorf("disk full"),
			want:      "commit operation failed in journal component [STORAGE_FAILURE]: disk full",
		},
		{
			name:      "with component no code",
			op:        OpEnqueue,
			component: "queue",
			err:       fmt.Errorf("disk full"),
			want:      "enqueue operation failed in queue component: disk full",
		},
		{
			name: "without component with code",
			op:   OpSend,
			code: ErrCodeNetworkFailure,
			err:  fmt.Errorf("connection reset"),
			want: "send operation failed [NETWORK_FAILURE]: connection reset",
		},
		{
			name: "without underlying error",
			op:   OpReplay,
			want: "replay operation failed",
		},
		{
			name: "sentinel without op",
			code: ErrCodeCorruption,
			err:  fmt.Errorf("kv: key not found"),
			want: "kv: key not found",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &SyncError{
				Op:        tt.op,
				Component: tt.component,
				Err:       tt.err,
				Code:      tt.code,
			}

			if got := e.Error(); got != tt.want {
				t.Errorf("SyncError.Error() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestConstructorsClassify(t *testing.T) {
	cause := fmt.Errorf("cause")
	tests := []struct {
		name      string
		err       *SyncError
		code      ErrorCode
		kind      Kind
		retryable bool
	}{
		{"network", NewNetworkError(OpSend, cause), ErrCodeNetworkFailure, KindTransient, true},
		{"storage", NewStorageError(OpStore, cause), ErrCodeStorageFailure, KindTransient, true},
		{"validation", NewValidationError(OpSend, cause), ErrCodeValidationFailure, KindPermanent, false},
		{"conflict", NewConflictError(OpResolve, cause), ErrCodeConflictFailure, KindConflict, false},
		{"retryable", NewRetryable(OpSend, cause), "", KindTransient, true},
		{"plain", New(OpSend, cause), "", KindOther, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.err.Code != tt.code {
				t.Errorf("Code = %v, want %v", tt.err.Code, tt.code)
			}
			if tt.err.Kind != tt.kind {
				t.Errorf("Kind = %v, want %v", tt.err.Kind, tt.kind)
			}
			if tt.err.Retryable != tt.retryable {
				t.Errorf("Retryable = %v, want %v", tt.err.Retryable, tt.retryable)
			}
			if tt.err.Err != cause {
				t.Errorf("Err = %v, want %v", tt.err.Err, cause)
			}
		})
	}
}

func TestE_Builder(t *testing.T) {
	cause := errors.New("boom")
	err := E(Op("journal.Commit"), Comp("journal"), KindInvalid, cause, "handle not active")

	var se *SyncError
	if !errors.As(err, &se) {
		t.Fatalf("expected *SyncError, got %T", err)
	}
	if se.Op != "journal.Commit" || se.Component != "journal" {
		t.Fatalf("unexpected op/component: %q/%q", se.Op, se.Component)
	}
	if se.Kind != KindInvalid {
		t.Fatalf("expected KindInvalid, got %q", se.Kind)
	}
	if !errors.Is(err, cause) {
		t.Fatalf("expected cause to be reachable through errors.Is")
	}
	if se.Metadata["detail"] != "handle not active" {
		t.Fatalf("expected detail metadata, got %v", se.Metadata)
	}
}

func TestE_StringOnlyBecomesCause(t *testing.T) {
	err := E(Op("queue.Begin"), KindNotFound, "op missing")
	if err.Error() != "queue.Begin operation failed: op missing" {
		t.Fatalf("unexpected message: %q", err.Error())
	}
	if KindOf(err) != KindNotFound {
		t.Fatalf("expected KindNotFound, got %q", KindOf(err))
	}
}

func TestE_TransientIsRetryable(t *testing.T) {
	err := E(Op("send"), KindTransient, errors.New("timeout"))
	if !IsRetryable(err) {
		t.Fatalf("transient errors must be retryable")
	}
	if CodeOf(err) != ErrCodeNetworkFailure {
		t.Fatalf("expected network code, got %q", CodeOf(err))
	}
}

func TestKindOf_LooksThroughUnkindWrappers(t *testing.T) {
	inner := E(Op("inner"), KindCorrupt, errors.New("bad json"))
	outer := WrapOpComponent(inner, "outer", "journal")
	if got := KindOf(outer); got != KindCorrupt {
		t.Fatalf("KindOf() = %q, want %q", got, KindCorrupt)
	}
	if !Is(fmt.Errorf("wrapped: %w", outer), KindCorrupt) {
		t.Fatalf("expected Is to match through fmt wrapping")
	}
	if KindOf(errors.New("plain")) != KindOther {
		t.Fatalf("plain errors have no kind")
	}
}

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorCode
	}{
		{"validation", NewValidationError(OpSend, errors.New("bad")), ErrCodeValidationFailure},
		{"wrapped", fmt.Errorf("x: %w", NewNetworkError(OpSend, errors.New("down"))), ErrCodeNetworkFailure},
		{"plain", errors.New("plain"), ErrCodeUnknown},
		{"nil", nil, ErrCodeUnknown},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CodeOf(tt.err); got != tt.want {
				t.Errorf("CodeOf() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestWrapOpComponent(t *testing.T) {
	if WrapOpComponent(nil, "op", "comp") != nil {
		t.Fatalf("nil error must stay nil")
	}
	sentinel := errors.New("substrate failure")
	err := WrapOpComponent(sentinel, "sqlite.Put", "storage/sqlite")
	if !errors.Is(err, sentinel) {
		t.Fatalf("substrate sentinel must remain reachable")
	}
	var se *SyncError
	if !errors.As(err, &se) || se.Op != "sqlite.Put" || se.Component != "storage/sqlite" {
		t.Fatalf("unexpected wrapped error: %#v", err)
	}

	kinded := WrapOpComponentKind(sentinel, "op", "comp", KindCorrupt)
	if KindOf(kinded) != KindCorrupt {
		t.Fatalf("expected KindCorrupt")
	}
}

func TestIsRetryable(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"retryable sync error", NewRetryable(OpSend, fmt.Errorf("temporary error")), true},
		{"non-retryable sync error", New(OpSend, fmt.Errorf("permanent error")), false},
		{"non-sync error", fmt.Errorf("regular error"), false},
		{"wrapped retryable error", fmt.Errorf("wrapped: %w", NewRetryable(OpSend, fmt.Errorf("temporary"))), true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsRetryable(tt.err); got != tt.want {
				t.Errorf("IsRetryable() = %v, want %v", got, tt.want)
			}
		})
	}
}
