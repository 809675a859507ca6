// Package failed quarantines operations that exhausted their retry budget.
package failed

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/journal"
	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/op"
	"github.com/c0deZ3R0/go-offline-kit/queue"
	"github.com/c0deZ3R0/go-offline-kit/synckit/codec"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
)

// Collection holds FailedOp records keyed by failed-op id.
const Collection = "failed_ops"

const component = "failed"

// ErrorInfo is the failure recorded with a quarantined op.
type ErrorInfo struct {
	Code    syncErrors.ErrorCode `json:"code"`
	Message string               `json:"message"`
}

// FailedOp is an operation that will not be retried automatically.
type FailedOp struct {
	ID        string       `json:"id"`
	Operation op.PendingOp `json:"operation"`
	Error     ErrorInfo    `json:"error"`
	Attempts  int          `json:"attempts"`
	FailedAt  time.Time    `json:"failedAt"`
	RetryAt   *time.Time   `json:"retryAt,omitempty"`
	Archived  bool         `json:"archived"`
}

// ListOptions filters List.
type ListOptions struct {
	// IncludeArchived also returns archived ops.
	IncludeArchived bool
}

// Option configures a Store.
type Option interface{ apply(*Store) }

type optionFn func(*Store)

func (f optionFn) apply(s *Store) { f(s) }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFn(func(s *Store) { s.logger = logging.ForComponent(l, component) })
}

// WithTelemetry sets the metrics sink.
func WithTelemetry(t telemetry.Sink) Option {
	return optionFn(func(s *Store) { s.metrics = telemetry.OrNoOp(t) })
}

// WithCodecs sets the registry; the codec registered for Collection
// encodes FailedOp records.
func WithCodecs(r *codec.Registry) Option {
	return optionFn(func(s *Store) { s.codecs = r })
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return optionFn(func(s *Store) { s.now = now })
}

// Store is the quarantine. Moves between it and the queue keep the queue
// index consistent; run them under a journal transaction to make each move
// all-or-nothing.
type Store struct {
	records kv.Collection
	queue   *queue.Queue
	codecs  *codec.Registry
	logger  *slog.Logger
	metrics telemetry.Sink
	now     func() time.Time
}

// New opens the failed-ops collection on store. q is where retried ops go
// back to.
func New(ctx context.Context, store kv.Store, q *queue.Queue, opts ...Option) (*Store, error) {
	records, err := store.Open(ctx, Collection)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, "failed.New", component)
	}
	s := &Store{
		records: records,
		queue:   q,
		codecs:  codec.NewRegistry(),
		logger:  logging.ForComponent(nil, component),
		metrics: telemetry.NoOp{},
		now:     time.Now,
	}
	for _, o := range opts {
		o.apply(s)
	}
	return s, nil
}

func (s *Store) save(ctx context.Context, f FailedOp) error {
	data, err := s.codecs.For(Collection).Marshal(f)
	if err != nil {
		return syncErrors.E(syncErrors.KindInvalid, err)
	}
	return journal.Put(ctx, s.records, f.ID, data)
}

func (s *Store) decode(data []byte) (FailedOp, error) {
	var f FailedOp
	if err := s.codecs.For(Collection).Unmarshal(data, &f); err != nil {
		return FailedOp{}, err
	}
	if f.ID == "" {
		return FailedOp{}, fmt.Errorf("record without id")
	}
	return f, nil
}

// Add quarantines p. The error code comes from cause's SyncError chain,
// UNKNOWN otherwise. p is removed from the queue and its index.
func (s *Store) Add(ctx context.Context, p op.PendingOp, cause error) (FailedOp, error) {
	const opName = "failed.Add"

	f := FailedOp{
		ID:        p.ID,
		Operation: p,
		Error:     ErrorInfo{Code: syncErrors.ErrCodeUnknown, Message: p.LastError},
		Attempts:  p.Attempts,
		FailedAt:  s.now().UTC(),
	}
	if cause != nil {
		f.Error.Code = syncErrors.CodeOf(cause)
		f.Error.Message = cause.Error()
	}
	if f.ID == "" {
		f.ID = uuid.NewString()
	}

	if err := s.save(ctx, f); err != nil {
		return FailedOp{}, syncErrors.WrapOpComponent(err, opName, component)
	}
	if p.ID != "" {
		if err := s.queue.Remove(ctx, p.ID); err != nil {
			return FailedOp{}, syncErrors.WrapOpComponent(err, opName, component)
		}
	}

	s.metrics.Count("failed_ops.added", 1)
	s.logger.Warn("op quarantined",
		slog.Any("op_id", logging.OpID(p.ID)),
		slog.String("code", string(f.Error.Code)),
		slog.Int("attempts", f.Attempts))
	s.updateGauge(ctx)
	return f, nil
}

// Get returns the failed op stored under id.
func (s *Store) Get(ctx context.Context, id string) (FailedOp, error) {
	const opName = "failed.Get"

	raw, err := s.records.Get(ctx, id)
	if stdErrors.Is(err, kv.ErrNotFound) {
		return FailedOp{}, syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component), syncErrors.KindNotFound,
			fmt.Errorf("failed op %q: %w", id, err))
	}
	if err != nil {
		return FailedOp{}, syncErrors.WrapOpComponent(err, opName, component)
	}
	f, err := s.decode(raw)
	if err != nil {
		return FailedOp{}, syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component), syncErrors.KindCorrupt,
			fmt.Errorf("failed op %q: %w", id, err))
	}
	return f, nil
}

// Retry turns a failed op back into a fresh queued op: new id, zero
// attempts, same payload, idempotency key and trace id. The failed record
// is deleted.
func (s *Store) Retry(ctx context.Context, id string) (op.PendingOp, error) {
	const opName = "failed.Retry"

	f, err := s.Get(ctx, id)
	if err != nil {
		return op.PendingOp{}, err
	}
	old := f.Operation
	p, err := s.queue.Enqueue(ctx, op.Draft{
		Type:           old.Type,
		EntityType:     old.EntityType,
		EntityID:       old.EntityID,
		Payload:        old.Payload,
		IdempotencyKey: old.IdempotencyKey,
		TraceID:        old.TraceID,
		TxnToken:       old.TxnToken,
	})
	if err != nil {
		return op.PendingOp{}, syncErrors.WrapOpComponent(err, opName, component)
	}
	if err := journal.Delete(ctx, s.records, id); err != nil {
		return op.PendingOp{}, syncErrors.WrapOpComponent(err, opName, component)
	}

	s.metrics.Count("failed_ops.retried", 1)
	s.logger.Info("failed op retried",
		slog.Any("failed_id", logging.OpID(id)),
		slog.Any("op_id", logging.OpID(p.ID)))
	s.updateGauge(ctx)
	return p, nil
}

func (s *Store) setArchived(ctx context.Context, id string, archived bool, opName string) error {
	f, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if f.Archived == archived {
		return nil
	}
	f.Archived = archived
	if err := s.save(ctx, f); err != nil {
		return syncErrors.WrapOpComponent(err, opName, component)
	}
	return nil
}

// Archive hides the op from default listings without deleting it.
func (s *Store) Archive(ctx context.Context, id string) error {
	if err := s.setArchived(ctx, id, true, "failed.Archive"); err != nil {
		return err
	}
	s.metrics.Count("failed_ops.archived", 1)
	s.updateGauge(ctx)
	return nil
}

// Unarchive makes an archived op visible again.
func (s *Store) Unarchive(ctx context.Context, id string) error {
	if err := s.setArchived(ctx, id, false, "failed.Unarchive"); err != nil {
		return err
	}
	s.updateGauge(ctx)
	return nil
}

// SetRetryAt records when an operator intends to retry the op. A nil t
// clears it.
func (s *Store) SetRetryAt(ctx context.Context, id string, t *time.Time) error {
	f, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if t != nil {
		u := t.UTC()
		t = &u
	}
	f.RetryAt = t
	if err := s.save(ctx, f); err != nil {
		return syncErrors.WrapOpComponent(err, "failed.SetRetryAt", component)
	}
	return nil
}

// Delete removes the failed op permanently. The op is also removed from
// the queue in case a partial move left it there.
func (s *Store) Delete(ctx context.Context, id string) error {
	const opName = "failed.Delete"

	f, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := journal.Delete(ctx, s.records, id); err != nil {
		return syncErrors.WrapOpComponent(err, opName, component)
	}
	if f.Operation.ID != "" {
		if err := s.queue.Remove(ctx, f.Operation.ID); err != nil {
			return syncErrors.WrapOpComponent(err, opName, component)
		}
	}
	s.metrics.Count("failed_ops.deleted", 1)
	s.updateGauge(ctx)
	return nil
}

// List returns failed ops, most recent failure first. Unreadable records
// are skipped.
func (s *Store) List(ctx context.Context, opts ListOptions) ([]FailedOp, error) {
	raw, err := s.records.Values(ctx)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, "failed.List", component)
	}
	out := make([]FailedOp, 0, len(raw))
	for key, data := range raw {
		f, err := s.decode(data)
		if err != nil {
			s.logger.Warn("skipping unreadable failed op", slog.String("key", key), slog.String("error", err.Error()))
			continue
		}
		if f.Archived && !opts.IncludeArchived {
			continue
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FailedAt.Equal(out[j].FailedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].FailedAt.After(out[j].FailedAt)
	})
	return out, nil
}

// Count returns how many failed ops exist.
func (s *Store) Count(ctx context.Context, includeArchived bool) (int, error) {
	list, err := s.List(ctx, ListOptions{IncludeArchived: includeArchived})
	if err != nil {
		return 0, err
	}
	return len(list), nil
}

func (s *Store) updateGauge(ctx context.Context) {
	n, err := s.Count(ctx, false)
	if err != nil {
		return
	}
	s.metrics.Gauge("failed_ops.count", float64(n))
}
