// Package worker drains the pending queue through a Transport.
//
// Ops are spread over lanes by a hash of their entity, and each lane sends
// sequentially, so one entity never has two ops in flight. A failed op
// blocks the rest of its entity for the remainder of the pass.
package worker

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/c0deZ3R0/go-offline-kit/conflict"
	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/op"
	"github.com/c0deZ3R0/go-offline-kit/queue"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
)

const component = "worker"

// Envelope is what the transport delivers for one attempt of an op.
type Envelope struct {
	OpID           string     `json:"opId"`
	EntityType     string     `json:"entityType"`
	EntityID       string     `json:"entityId"`
	Action         op.Type    `json:"action"`
	Payload        op.Payload `json:"payload"`
	IdempotencyKey string     `json:"idempotencyKey"`
	TraceID        string     `json:"traceId,omitempty"`
	Attempt        int        `json:"attempt"`
}

// EnvelopeFor builds the envelope of the next attempt of p.
func EnvelopeFor(p op.PendingOp) Envelope {
	return Envelope{
		OpID:           p.ID,
		EntityType:     p.EntityType,
		EntityID:       p.EntityID,
		Action:         p.Type,
		Payload:        p.Payload,
		IdempotencyKey: p.IdempotencyKey,
		TraceID:        p.TraceID,
		Attempt:        p.Attempts + 1,
	}
}

// Transport delivers envelopes to the remote backend. A nil error means the
// backend accepted the op.
type Transport interface {
	Send(ctx context.Context, env Envelope) error
}

// TransportFunc adapts a function to Transport.
type TransportFunc func(ctx context.Context, env Envelope) error

func (f TransportFunc) Send(ctx context.Context, env Envelope) error { return f(ctx, env) }

// ConflictError reports that the backend holds a different version of the
// entity. The worker resolves it instead of retrying blindly.
type ConflictError struct {
	RemoteVersion int64
	Err           error
}

func (e *ConflictError) Error() string {
	msg := fmt.Sprintf("remote holds version %d", e.RemoteVersion)
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *ConflictError) Unwrap() error { return e.Err }

// Source is the queue side the worker drives. The engine implements it.
//
// Fail must move an op that has run out of attempts to the failed store in
// the same step that records the attempt, and report OutcomeExhausted.
// Release returns a processing op to queued without spending an attempt.
type Source interface {
	Due(ctx context.Context, now time.Time, limit int) ([]op.PendingOp, error)
	Begin(ctx context.Context, id string) (op.PendingOp, error)
	Complete(ctx context.Context, id string) error
	Fail(ctx context.Context, id string, cause error, nextAttemptAt time.Time, maxAttempts int) (queue.Outcome, op.PendingOp, error)
	Release(ctx context.Context, id string) error
}

// Options configures a Worker.
type Options struct {
	Backoff        Backoff
	Resolver       *conflict.Resolver
	Limiter        *rate.Limiter
	Lanes          int
	BatchSize      int
	MaxAttempts    int
	RequestTimeout time.Duration
	Logger         *slog.Logger
	Metrics        telemetry.Sink
	Now            func() time.Time
}

// DefaultOptions returns the options used for zero fields.
func DefaultOptions() Options {
	return Options{
		Backoff:        DefaultBackoff(),
		Lanes:          4,
		BatchSize:      50,
		MaxAttempts:    5,
		RequestTimeout: 30 * time.Second,
	}
}

// Report summarizes one Drain pass.
type Report struct {
	Attempted   int
	Sent        int
	Requeued    int
	Quarantined int
	Conflicts   int
	Discarded   int
	Skipped     int
}

func (r *Report) add(o Report) {
	r.Attempted += o.Attempted
	r.Sent += o.Sent
	r.Requeued += o.Requeued
	r.Quarantined += o.Quarantined
	r.Conflicts += o.Conflicts
	r.Discarded += o.Discarded
	r.Skipped += o.Skipped
}

// Worker moves due ops from a Source through a Transport.
type Worker struct {
	source    Source
	transport Transport
	opts      Options
	logger    *slog.Logger
	metrics   telemetry.Sink
}

// New returns a Worker. Zero option fields take DefaultOptions values.
func New(source Source, transport Transport, opts Options) *Worker {
	def := DefaultOptions()
	if opts.Backoff == nil {
		opts.Backoff = def.Backoff
	}
	if opts.Resolver == nil {
		opts.Resolver = conflict.New(conflict.WithLogger(opts.Logger), conflict.WithTelemetry(opts.Metrics))
	}
	if opts.Limiter == nil {
		opts.Limiter = rate.NewLimiter(rate.Inf, 1)
	}
	if opts.Lanes <= 0 {
		opts.Lanes = def.Lanes
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = def.BatchSize
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = def.MaxAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Worker{
		source:    source,
		transport: transport,
		opts:      opts,
		logger:    logging.ForComponent(opts.Logger, component),
		metrics:   telemetry.OrNoOp(opts.Metrics),
	}
}

// Lane returns the lane an entity is assigned to.
func Lane(entityType, entityID string, lanes int) int {
	if lanes <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(entityType+"/"+entityID) % uint64(lanes))
}

// Drain runs one pass over the ops due now. Delivery failures are recorded
// on the ops; only errors from the source or ctx are returned.
func (w *Worker) Drain(ctx context.Context) (Report, error) {
	const opName = "worker.Drain"

	due, err := w.source.Due(ctx, w.opts.Now(), w.opts.BatchSize)
	if err != nil {
		return Report{}, syncErrors.WrapOpComponent(err, opName, component)
	}
	if len(due) == 0 {
		return Report{}, nil
	}

	lanes := make([][]op.PendingOp, w.opts.Lanes)
	for _, p := range due {
		i := Lane(p.EntityType, p.EntityID, w.opts.Lanes)
		lanes[i] = append(lanes[i], p)
	}

	reports := make([]Report, len(lanes))
	g, gctx := errgroup.WithContext(ctx)
	for i := range lanes {
		if len(lanes[i]) == 0 {
			continue
		}
		i := i
		g.Go(func() error {
			return w.drainLane(gctx, lanes[i], &reports[i])
		})
	}
	err = g.Wait()

	var total Report
	for _, r := range reports {
		total.add(r)
	}
	w.metrics.Gauge("worker.last_batch", float64(len(due)))
	w.logger.Debug("drain pass finished",
		slog.Int("due", len(due)),
		slog.Int("sent", total.Sent),
		slog.Int("requeued", total.Requeued),
		slog.Int("quarantined", total.Quarantined))
	if err != nil {
		return total, syncErrors.WrapOpComponent(err, opName, component)
	}
	return total, nil
}

func (w *Worker) drainLane(ctx context.Context, ops []op.PendingOp, report *Report) error {
	blocked := make(map[string]bool)
	for _, p := range ops {
		if blocked[p.EntityKey()] {
			report.Skipped++
			continue
		}
		if err := w.opts.Limiter.Wait(ctx); err != nil {
			return err
		}
		delivered, err := w.process(ctx, p, report)
		if err != nil {
			return err
		}
		if !delivered {
			blocked[p.EntityKey()] = true
		}
	}
	return nil
}

// process attempts one op. It reports whether the op left the queue as
// delivered or discarded; false means later ops of the entity must wait.
func (w *Worker) process(ctx context.Context, p op.PendingOp, report *Report) (bool, error) {
	p, err := w.source.Begin(ctx, p.ID)
	if err != nil {
		// Raced with another writer or not due after all.
		if syncErrors.Is(err, syncErrors.KindInvalid) || syncErrors.Is(err, syncErrors.KindNotFound) {
			report.Skipped++
			return false, nil
		}
		return false, err
	}
	report.Attempted++

	sendCtx := ctx
	if w.opts.RequestTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, w.opts.RequestTimeout)
		defer cancel()
	}
	start := w.opts.Now()
	sendErr := w.transport.Send(sendCtx, EnvelopeFor(p))
	w.metrics.Timing("worker.send.duration_ms", w.opts.Now().Sub(start))

	if sendErr == nil {
		if err := w.source.Complete(ctx, p.ID); err != nil {
			return false, w.release(ctx, p.ID, err)
		}
		report.Sent++
		w.metrics.Count("worker.sent", 1)
		return true, nil
	}

	var conflictErr *ConflictError
	if stdErrors.As(sendErr, &conflictErr) {
		report.Conflicts++
		res := w.opts.Resolver.Resolve(p.Payload.Version(), conflictErr.RemoteVersion,
			conflict.Subject{EntityType: p.EntityType, EntityID: p.EntityID})
		if _, push := conflict.Apply(res, p, op.PendingOp{}); !push {
			if err := w.source.Complete(ctx, p.ID); err != nil {
				return false, w.release(ctx, p.ID, err)
			}
			report.Discarded++
			w.logger.Info("local op discarded, remote is newer",
				slog.Any("op_id", logging.OpID(p.ID)), slog.String("reason", res.Reason))
			return true, nil
		}
		sendErr = syncErrors.E(syncErrors.Op("worker.send"), syncErrors.Comp(component), syncErrors.KindConflict, sendErr)
	}

	return false, w.fail(ctx, p, sendErr, report)
}

func (w *Worker) fail(ctx context.Context, p op.PendingOp, cause error, report *Report) error {
	// If ctx was cancelled mid-send, record the attempt without it.
	recordCtx := context.WithoutCancel(ctx)
	next := w.opts.Now().Add(w.opts.Backoff.Next(p.Attempts + 1))
	outcome, _, err := w.source.Fail(recordCtx, p.ID, cause, next, w.opts.MaxAttempts)
	if err != nil {
		return w.release(ctx, p.ID, err)
	}
	if outcome == queue.OutcomeExhausted {
		report.Quarantined++
		return nil
	}
	report.Requeued++
	w.logger.Debug("send failed, op requeued",
		slog.Any("op_id", logging.OpID(p.ID)),
		slog.Bool("retryable", syncErrors.IsRetryable(cause)),
		slog.Time("next_attempt_at", next),
		slog.String("error", cause.Error()))
	return nil
}

// release puts op id back to queued after its outcome could not be
// recorded, so a later pass sends it again under the same idempotency key.
// It returns cause.
func (w *Worker) release(ctx context.Context, id string, cause error) error {
	if err := w.source.Release(context.WithoutCancel(ctx), id); err != nil {
		w.logger.Error("op left in flight until restart",
			slog.Any("op_id", logging.OpID(id)), slog.String("error", err.Error()))
		return stdErrors.Join(cause, err)
	}
	w.metrics.Count("worker.released", 1)
	return cause
}

// Run drains every interval until ctx is done. Drain errors are logged and
// the loop continues.
func (w *Worker) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		if _, err := w.Drain(ctx); err != nil && ctx.Err() == nil {
			w.logger.Error("drain failed", slog.String("error", err.Error()))
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}
