// Package queue holds outgoing operations awaiting delivery together with
// the FIFO index over them, and drives each operation through the retry
// state machine:
//
//	queued -> processing -> completed (record deleted)
//	                     -> queued (attempts+1, nextAttemptAt set)
//	                     -> failed (attempts reached the maximum)
//
// The queue stores attempts and nextAttemptAt only; the backoff curve is the
// caller's.
package queue

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/journal"
	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/op"
	"github.com/c0deZ3R0/go-offline-kit/synckit/codec"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
)

// Collection holds PendingOp records keyed by op id.
const Collection = "pending_ops"

const component = "queue"

// Outcome is the result of a failed attempt.
type Outcome int

const (
	// OutcomeRequeued means the op is queued again for a later attempt.
	OutcomeRequeued Outcome = iota
	// OutcomeExhausted means the op used its last attempt and must be
	// moved to the failed store.
	OutcomeExhausted
)

func (o Outcome) String() string {
	if o == OutcomeExhausted {
		return "exhausted"
	}
	return "requeued"
}

// Option configures a Queue.
type Option interface{ apply(*Queue) }

type optionFn func(*Queue)

func (f optionFn) apply(q *Queue) { f(q) }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFn(func(q *Queue) { q.logger = logging.ForComponent(l, component) })
}

// WithTelemetry sets the metrics sink.
func WithTelemetry(s telemetry.Sink) Option {
	return optionFn(func(q *Queue) { q.metrics = telemetry.OrNoOp(s) })
}

// WithCodecs sets the registry; the codec registered for Collection
// encodes PendingOp records.
func WithCodecs(r *codec.Registry) Option {
	return optionFn(func(q *Queue) { q.codecs = r })
}

// WithDuplicatePolicy sets how the index treats an id enqueued twice.
func WithDuplicatePolicy(p DuplicatePolicy) Option {
	return optionFn(func(q *Queue) { q.policy = p })
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return optionFn(func(q *Queue) { q.now = now })
}

// WithIDGenerator overrides how op ids are generated.
func WithIDGenerator(gen func() string) Option {
	return optionFn(func(q *Queue) { q.newID = gen })
}

// Queue is the PendingOp store. Callers serialize access; every write goes
// through journal.Put/Delete so it joins the transaction carried by ctx.
type Queue struct {
	records kv.Collection
	index   *Index
	codecs  *codec.Registry
	policy  DuplicatePolicy
	logger  *slog.Logger
	metrics telemetry.Sink
	now     func() time.Time
	newID   func() string
}

// New opens the queue and index collections on store.
func New(ctx context.Context, store kv.Store, opts ...Option) (*Queue, error) {
	const opName = "queue.New"

	records, err := store.Open(ctx, Collection)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opName, component)
	}
	order, err := store.Open(ctx, IndexCollection)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, opName, component)
	}

	q := &Queue{
		records: records,
		codecs:  codec.NewRegistry(),
		logger:  logging.ForComponent(nil, component),
		metrics: telemetry.NoOp{},
		now:     time.Now,
		newID:   newOpID,
	}
	for _, o := range opts {
		o.apply(q)
	}
	q.index = &Index{
		order:   order,
		records: records,
		codecs:  q.codecs,
		policy:  q.policy,
		logger:  q.logger.With(slog.String("part", "index")),
		metrics: q.metrics,
	}
	return q, nil
}

// newOpID returns a time-ordered UUIDv7, falling back to v4.
func newOpID() string {
	if id, err := uuid.NewV7(); err == nil {
		return id.String()
	}
	return uuid.NewString()
}

// Index returns the FIFO index over the queue.
func (q *Queue) Index() *Index { return q.index }

func decodeOp(c codec.Codec, data []byte) (op.PendingOp, error) {
	var p op.PendingOp
	if err := c.Unmarshal(data, &p); err != nil {
		return op.PendingOp{}, err
	}
	if p.ID == "" {
		return op.PendingOp{}, fmt.Errorf("record without id")
	}
	return p, nil
}

func (q *Queue) save(ctx context.Context, p op.PendingOp) error {
	data, err := q.codecs.For(Collection).Marshal(p)
	if err != nil {
		return syncErrors.E(syncErrors.KindInvalid, err)
	}
	return journal.Put(ctx, q.records, p.ID, data)
}

// Enqueue validates d, turns it into a queued PendingOp and indexes it.
func (q *Queue) Enqueue(ctx context.Context, d op.Draft) (op.PendingOp, error) {
	const opName = "queue.Enqueue"

	if err := d.Validate(); err != nil {
		return op.PendingOp{}, syncErrors.WrapOpComponent(err, opName, component)
	}

	now := q.now().UTC()
	created := now
	if !d.CreatedAt.IsZero() {
		created = d.CreatedAt.UTC()
	}
	p := op.PendingOp{
		ID:             q.newID(),
		Type:           d.Type,
		EntityType:     d.EntityType,
		EntityID:       d.EntityID,
		Payload:        d.Payload,
		CreatedAt:      created,
		UpdatedAt:      now,
		Status:         op.StatusQueued,
		IdempotencyKey: d.IdempotencyKey,
		TraceID:        d.TraceID,
		TxnToken:       d.TxnToken,
	}
	if p.IdempotencyKey == "" {
		p.IdempotencyKey = uuid.NewString()
	}
	if p.TraceID == "" {
		p.TraceID = uuid.NewString()
	}

	if err := q.save(ctx, p); err != nil {
		return op.PendingOp{}, syncErrors.WrapOpComponent(err, opName, component)
	}
	if err := q.index.Enqueue(ctx, p.ID, p.CreatedAt); err != nil {
		return op.PendingOp{}, err
	}

	q.metrics.Count("queue.enqueued", 1)
	q.logger.Debug("op enqueued",
		slog.Any("op_id", logging.OpID(p.ID)),
		slog.String("op_type", string(p.Type)),
		slog.String("entity", p.EntityKey()))
	return p, nil
}

// Get returns the op stored under id. A missing op is KindNotFound and
// still matches kv.ErrNotFound; an unreadable one is KindCorrupt.
func (q *Queue) Get(ctx context.Context, id string) (op.PendingOp, error) {
	const opName = "queue.Get"

	raw, err := q.records.Get(ctx, id)
	if stdErrors.Is(err, kv.ErrNotFound) {
		return op.PendingOp{}, syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component), syncErrors.KindNotFound,
			fmt.Errorf("op %q: %w", id, err))
	}
	if err != nil {
		return op.PendingOp{}, syncErrors.WrapOpComponent(err, opName, component)
	}
	p, err := decodeOp(q.codecs.For(Collection), raw)
	if err != nil {
		return op.PendingOp{}, syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component), syncErrors.KindCorrupt,
			fmt.Errorf("op %q: %w", id, err))
	}
	return p, nil
}

// List returns every op in FIFO order.
func (q *Queue) List(ctx context.Context) ([]op.PendingOp, error) {
	return q.index.Oldest(ctx, 0)
}

// Len counts the records in the queue collection.
func (q *Queue) Len(ctx context.Context) (int, error) {
	keys, err := q.records.Keys(ctx)
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, "queue.Len", component)
	}
	q.metrics.Gauge("queue.depth", float64(len(keys)))
	return len(keys), nil
}

// Due returns up to limit queued ops whose next attempt time has passed,
// oldest first.
func (q *Queue) Due(ctx context.Context, now time.Time, limit int) ([]op.PendingOp, error) {
	return q.index.scan(ctx, limit, func(p op.PendingOp) bool {
		return p.Status == op.StatusQueued && p.Due(now)
	})
}

func (q *Queue) transition(p *op.PendingOp, to op.Status, opName string) error {
	if !op.CanTransition(p.Status, to) {
		return syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component), syncErrors.KindInvalid,
			fmt.Errorf("op %q cannot move from %s to %s", p.ID, p.Status, to))
	}
	p.Status = to
	p.UpdatedAt = q.now().UTC()
	return nil
}

// Begin marks a queued op as processing. Ops whose next attempt lies in the
// future are refused.
func (q *Queue) Begin(ctx context.Context, id string) (op.PendingOp, error) {
	const opName = "queue.Begin"

	p, err := q.Get(ctx, id)
	if err != nil {
		return op.PendingOp{}, err
	}
	now := q.now().UTC()
	if p.Status == op.StatusQueued && !p.Due(now) {
		return op.PendingOp{}, syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component), syncErrors.KindInvalid,
			fmt.Errorf("op %q not due until %s", id, p.NextAttemptAt.Format(time.RFC3339)))
	}
	if err := q.transition(&p, op.StatusProcessing, opName); err != nil {
		return op.PendingOp{}, err
	}
	p.LastTriedAt = &now
	if err := q.save(ctx, p); err != nil {
		return op.PendingOp{}, syncErrors.WrapOpComponent(err, opName, component)
	}
	return p, nil
}

// Complete finishes a processing op: its record and index entry are deleted.
func (q *Queue) Complete(ctx context.Context, id string) error {
	const opName = "queue.Complete"

	p, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if err := q.transition(&p, op.StatusCompleted, opName); err != nil {
		return err
	}
	if err := q.remove(ctx, id); err != nil {
		return syncErrors.WrapOpComponent(err, opName, component)
	}
	q.metrics.Count("queue.completed", 1)
	q.logger.Debug("op completed", slog.Any("op_id", logging.OpID(id)), slog.Int("attempts", p.Attempts+1))
	return nil
}

// Fail records a failed attempt of a processing op. If the op has now used
// maxAttempts attempts it is marked failed and OutcomeExhausted is returned;
// the caller moves it to the failed store. Otherwise it is queued again
// with nextAttemptAt.
func (q *Queue) Fail(ctx context.Context, id string, cause error, nextAttemptAt time.Time, maxAttempts int) (Outcome, op.PendingOp, error) {
	const opName = "queue.Fail"

	if maxAttempts <= 0 {
		return OutcomeRequeued, op.PendingOp{}, syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component),
			syncErrors.KindInvalid, fmt.Errorf("maxAttempts must be positive, got %d", maxAttempts))
	}
	p, err := q.Get(ctx, id)
	if err != nil {
		return OutcomeRequeued, op.PendingOp{}, err
	}

	p.Attempts++
	if cause != nil {
		p.LastError = cause.Error()
	}
	outcome := OutcomeRequeued
	if p.Attempts >= maxAttempts {
		outcome = OutcomeExhausted
		err = q.transition(&p, op.StatusFailed, opName)
		p.NextAttemptAt = nil
	} else {
		err = q.transition(&p, op.StatusQueued, opName)
		next := nextAttemptAt.UTC()
		p.NextAttemptAt = &next
	}
	if err != nil {
		return outcome, op.PendingOp{}, err
	}
	if err := q.save(ctx, p); err != nil {
		return outcome, op.PendingOp{}, syncErrors.WrapOpComponent(err, opName, component)
	}

	if outcome == OutcomeExhausted {
		q.metrics.Count("queue.exhausted", 1)
		q.logger.Warn("op exhausted its attempts",
			slog.Any("op_id", logging.OpID(id)), slog.Int("attempts", p.Attempts), slog.String("error", p.LastError))
	} else {
		q.metrics.Count("queue.requeued", 1)
		q.logger.Debug("op requeued",
			slog.Any("op_id", logging.OpID(id)), slog.Int("attempts", p.Attempts), slog.Time("next_attempt_at", *p.NextAttemptAt))
	}
	return outcome, p, nil
}

// Release returns a processing op to queued without spending an attempt.
// The worker uses it when an attempt could not be recorded.
func (q *Queue) Release(ctx context.Context, id string) error {
	const opName = "queue.Release"

	p, err := q.Get(ctx, id)
	if err != nil {
		return err
	}
	if p.Status == op.StatusQueued {
		return nil
	}
	if err := q.transition(&p, op.StatusQueued, opName); err != nil {
		return err
	}
	if err := q.save(ctx, p); err != nil {
		return syncErrors.WrapOpComponent(err, opName, component)
	}
	q.metrics.Count("queue.released", 1)
	return nil
}

// Exhausted returns the ops marked failed that are still in the queue,
// oldest first.
func (q *Queue) Exhausted(ctx context.Context) ([]op.PendingOp, error) {
	return q.index.scan(ctx, 0, func(p op.PendingOp) bool {
		return p.Status == op.StatusFailed
	})
}

// Remove deletes the op record and its index entry regardless of status.
func (q *Queue) Remove(ctx context.Context, id string) error {
	if err := q.remove(ctx, id); err != nil {
		return syncErrors.WrapOpComponent(err, "queue.Remove", component)
	}
	return nil
}

func (q *Queue) remove(ctx context.Context, id string) error {
	if err := journal.Delete(ctx, q.records, id); err != nil {
		return err
	}
	return q.index.Remove(ctx, id)
}

// RecoverInFlight returns ops left processing by a crash to queued. Their
// attempts are left unchanged. It returns how many ops were recovered.
func (q *Queue) RecoverInFlight(ctx context.Context) (int, error) {
	const opName = "queue.RecoverInFlight"

	raw, err := q.records.Values(ctx)
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, opName, component)
	}
	c := q.codecs.For(Collection)
	recovered := 0
	for key, data := range raw {
		p, err := decodeOp(c, data)
		if err != nil || p.Status != op.StatusProcessing {
			continue
		}
		p.Status = op.StatusQueued
		p.UpdatedAt = q.now().UTC()
		if err := q.save(ctx, p); err != nil {
			return recovered, syncErrors.WrapOpComponent(err, opName, component)
		}
		recovered++
		q.logger.Info("recovered in-flight op", slog.Any("op_id", logging.OpID(key)))
	}
	if recovered > 0 {
		q.metrics.Count("queue.recovered", int64(recovered))
	}
	return recovered, nil
}

// Counts returns how many records are in each status.
func (q *Queue) Counts(ctx context.Context) (map[op.Status]int, error) {
	raw, err := q.records.Values(ctx)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, "queue.Counts", component)
	}
	c := q.codecs.For(Collection)
	counts := make(map[op.Status]int)
	for _, data := range raw {
		p, err := decodeOp(c, data)
		if err != nil {
			continue
		}
		counts[p.Status]++
	}
	q.metrics.Gauge("queue.depth", float64(len(raw)))
	return counts, nil
}
