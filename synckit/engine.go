// Package synckit assembles the offline sync engine: a transaction journal,
// the pending queue with its FIFO index, the failed-ops quarantine and the
// conflict resolver, all on one kv.Store.
//
// The engine is the single logical writer of its collections. Every write
// method takes one engine-wide mutex, and multi-key changes run inside a
// journal transaction so a crash leaves either all of them or none.
// Methods called with a context that already carries a transaction (from
// Transact) join it and do not lock again.
package synckit

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gofrs/flock"
	"github.com/google/uuid"

	"github.com/c0deZ3R0/go-offline-kit/conflict"
	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/failed"
	"github.com/c0deZ3R0/go-offline-kit/journal"
	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/op"
	"github.com/c0deZ3R0/go-offline-kit/queue"
	"github.com/c0deZ3R0/go-offline-kit/synckit/codec"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
)

const component = "engine"

// LockFile is created in the data directory while an engine holds it.
const LockFile = ".lock"

// Stats is a point-in-time count of the engine's operations.
type Stats struct {
	Pending    int `json:"pending"`
	Processing int `json:"processing"`
	Failed     int `json:"failed"`
	Archived   int `json:"archived"`
}

// StartupReport describes the recovery Open performed.
type StartupReport struct {
	Replay       journal.ReplayReport
	Recovered    int
	IndexRebuilt bool
	Quarantined  int
}

// Engine is an opened offline sync engine. It is safe for concurrent use.
type Engine struct {
	store    kv.Store
	lock     *flock.Flock
	codecs   *codec.Registry
	journal  *journal.Journal
	queue    *queue.Queue
	failed   *failed.Store
	resolver *conflict.Resolver
	logger   *slog.Logger
	metrics  telemetry.Sink
	now      func() time.Time

	maxAttempts int
	startup     StartupReport

	// mu serializes every read and write of the engine's collections.
	mu sync.Mutex

	stateMu sync.RWMutex
	closed  bool

	colMu       sync.Mutex
	collections map[string]kv.Collection
}

// reserved are the collections owned by the engine's components.
var reserved = map[string]bool{
	journal.Collection:    true,
	queue.Collection:      true,
	queue.IndexCollection: true,
	failed.Collection:     true,
}

// Open builds an engine and runs startup recovery: abandoned transactions
// are rolled back, ops left processing are requeued, and the pending index
// is checked against the queue and rebuilt if they disagree.
func Open(ctx context.Context, opts ...Option) (*Engine, error) {
	const opName = "synckit.Open"

	o := defaultOptions()
	for _, opt := range opts {
		if err := opt(o); err != nil {
			return nil, syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component), syncErrors.KindInvalid, err)
		}
	}
	baseLogger := o.logger
	if baseLogger == nil {
		baseLogger = logging.Default().Logger
	}
	logger := logging.ForComponent(baseLogger, component)
	metrics := telemetry.Safe(telemetry.OrNoOp(o.metrics), logger)

	e := &Engine{
		codecs:      o.codecs,
		logger:      logger,
		metrics:     metrics,
		now:         o.now,
		maxAttempts: o.maxAttempts,
		collections: make(map[string]kv.Collection),
	}

	if o.dataDir != "" {
		if err := e.acquireLock(o.dataDir); err != nil {
			return nil, err
		}
	}

	store, owned := o.store, false
	if store == nil {
		if o.storage == nil {
			e.releaseLock()
			return nil, syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component), syncErrors.KindInvalid,
				"store is required (use WithStore or WithConfig)")
		}
		var err error
		store, err = OpenStore(*o.storage, baseLogger)
		if err != nil {
			e.releaseLock()
			return nil, err
		}
		owned = true
	}
	e.store = store

	fail := func(err error) (*Engine, error) {
		if owned {
			_ = store.Close()
		}
		e.releaseLock()
		return nil, err
	}

	var err error
	e.journal, err = journal.New(ctx, store,
		journal.WithLogger(baseLogger), journal.WithTelemetry(metrics),
		journal.WithCodecs(e.codecs), journal.WithClock(e.now))
	if err != nil {
		return fail(err)
	}
	e.queue, err = queue.New(ctx, store,
		queue.WithLogger(baseLogger), queue.WithTelemetry(metrics),
		queue.WithCodecs(e.codecs), queue.WithClock(e.now), queue.WithDuplicatePolicy(o.policy))
	if err != nil {
		return fail(err)
	}
	e.failed, err = failed.New(ctx, store, e.queue,
		failed.WithLogger(baseLogger), failed.WithTelemetry(metrics),
		failed.WithCodecs(e.codecs), failed.WithClock(e.now))
	if err != nil {
		return fail(err)
	}
	e.resolver = conflict.New(conflict.WithLogger(baseLogger), conflict.WithTelemetry(metrics), conflict.WithClock(e.now))

	if err := e.recover(ctx); err != nil {
		return fail(err)
	}

	logger.Info("engine opened",
		slog.Int("rolled_back", len(e.startup.Replay.RolledBack)),
		slog.Int("recovered", e.startup.Recovered),
		slog.Bool("index_rebuilt", e.startup.IndexRebuilt))
	return e, nil
}

// recover runs the startup sequence in its required order.
func (e *Engine) recover(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	replay, err := e.journal.ReplayPending(ctx)
	e.startup.Replay = replay
	if err != nil {
		return err
	}
	if e.startup.Recovered, err = e.queue.RecoverInFlight(ctx); err != nil {
		return err
	}
	if e.startup.IndexRebuilt, err = e.queue.Index().IntegrityCheckAndRebuild(ctx); err != nil {
		return err
	}
	if e.startup.Quarantined, err = e.quarantineExhausted(ctx); err != nil {
		return err
	}
	return nil
}

// quarantineExhausted moves ops that ran out of attempts but never reached
// the failed store into it. The caller holds mu.
func (e *Engine) quarantineExhausted(ctx context.Context) (int, error) {
	ops, err := e.queue.Exhausted(ctx)
	if err != nil {
		return 0, err
	}
	for i, p := range ops {
		// The original cause is gone; the record keeps its last error text.
		err := journal.Run(ctx, e.journal, e.NewTransactionID(), func(ctx context.Context) error {
			_, err := e.failed.Add(ctx, p, nil)
			return err
		})
		if err != nil {
			return i, err
		}
		e.logger.Warn("quarantined exhausted op found at startup", slog.Any("op_id", logging.OpID(p.ID)))
	}
	return len(ops), nil
}

func (e *Engine) acquireLock(dir string) error {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpStore, fmt.Errorf("create data directory: %w", err))
	}
	path := filepath.Join(dir, LockFile)
	fl := flock.New(path)
	locked, err := fl.TryLock()
	if err != nil {
		return syncErrors.NewStorageError(syncErrors.OpStore, fmt.Errorf("lock %s: %w", path, err))
	}
	if !locked {
		return syncErrors.E(syncErrors.Op("synckit.Open"), syncErrors.Comp(component), syncErrors.KindConflict,
			fmt.Errorf("data directory %s is in use by another process", dir))
	}
	e.lock = fl
	return nil
}

func (e *Engine) releaseLock() {
	if e.lock == nil {
		return
	}
	if err := e.lock.Unlock(); err != nil {
		e.logger.Warn("failed to release data directory lock", slog.String("error", err.Error()))
	}
	e.lock = nil
}

// Close waits for in-flight writes, closes the store and releases the data
// directory lock. Calling it twice is safe.
func (e *Engine) Close() error {
	e.stateMu.Lock()
	if e.closed {
		e.stateMu.Unlock()
		return nil
	}
	e.closed = true
	e.stateMu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	var errs []error
	if err := e.store.Close(); err != nil {
		e.logger.Error("error closing store", slog.String("error", err.Error()))
		errs = append(errs, syncErrors.NewWithComponent(syncErrors.OpClose, "store", err))
	}
	e.releaseLock()
	e.logger.Info("engine closed")
	return stdErrors.Join(errs...)
}

func (e *Engine) check(opName string) error {
	e.stateMu.RLock()
	defer e.stateMu.RUnlock()
	if e.closed {
		return syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component), syncErrors.KindInvalid, "engine is closed")
	}
	return nil
}

// locked runs fn holding the engine mutex unless ctx carries a transaction,
// whose owner already holds it.
func (e *Engine) locked(ctx context.Context, opName string, fn func() error) error {
	if err := e.check(opName); err != nil {
		return err
	}
	if journal.FromContext(ctx) == nil {
		e.mu.Lock()
		defer e.mu.Unlock()
	}
	return fn()
}

// atomically runs fn as one journal transaction, or inside the caller's.
func (e *Engine) atomically(ctx context.Context, opName string, fn func(ctx context.Context) error) error {
	return e.locked(ctx, opName, func() error {
		return journal.Run(ctx, e.journal, e.NewTransactionID(), fn)
	})
}

// NewTransactionID returns a fresh, time-ordered transaction id.
func (e *Engine) NewTransactionID() string {
	if id, err := uuid.NewV7(); err == nil {
		return "txn-" + id.String()
	}
	return "txn-" + uuid.NewString()
}

// Transact runs fn inside transaction id (generated when empty). Every
// engine write fn makes with the context it receives is undone if fn fails,
// panics or the process dies before Transact returns.
func (e *Engine) Transact(ctx context.Context, id string, fn func(ctx context.Context) error) error {
	if id == "" {
		id = e.NewTransactionID()
	}
	start := e.now()
	err := e.locked(ctx, "synckit.Transact", func() error {
		return journal.Run(ctx, e.journal, id, fn)
	})
	e.metrics.Timing("engine.transact.duration_ms", e.now().Sub(start))
	if err != nil {
		e.metrics.Count("engine.transact.failed", 1)
	}
	return err
}

// collection returns an application collection, refusing the engine's own.
func (e *Engine) collection(ctx context.Context, name string) (kv.Collection, error) {
	if reserved[name] {
		return nil, syncErrors.E(syncErrors.Op("synckit.collection"), syncErrors.Comp(component), syncErrors.KindInvalid,
			fmt.Errorf("collection %q is reserved by the engine", name))
	}
	e.colMu.Lock()
	defer e.colMu.Unlock()
	if c, ok := e.collections[name]; ok {
		return c, nil
	}
	c, err := e.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	e.collections[name] = c
	return c, nil
}

// Put encodes value with the codec registered for collection and writes it
// under key. Inside Transact the prior value is journaled first.
func (e *Engine) Put(ctx context.Context, collection, key string, value any) error {
	const opName = "synckit.Put"
	return e.locked(ctx, opName, func() error {
		c, err := e.collection(ctx, collection)
		if err != nil {
			return err
		}
		data, err := e.codecs.For(collection).Marshal(value)
		if err != nil {
			return syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component), syncErrors.KindInvalid, err)
		}
		return syncErrors.WrapOpComponent(journal.Put(ctx, c, key, data), opName, component)
	})
}

// Delete removes key from collection. Deleting an absent key is not an
// error.
func (e *Engine) Delete(ctx context.Context, collection, key string) error {
	const opName = "synckit.Delete"
	return e.locked(ctx, opName, func() error {
		c, err := e.collection(ctx, collection)
		if err != nil {
			return err
		}
		return syncErrors.WrapOpComponent(journal.Delete(ctx, c, key), opName, component)
	})
}

// Get decodes the value under key into dst. A missing key is KindNotFound
// and matches kv.ErrNotFound.
func (e *Engine) Get(ctx context.Context, collection, key string, dst any) error {
	const opName = "synckit.Get"
	return e.locked(ctx, opName, func() error {
		c, err := e.collection(ctx, collection)
		if err != nil {
			return err
		}
		raw, err := c.Get(ctx, key)
		if stdErrors.Is(err, kv.ErrNotFound) {
			return syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component), syncErrors.KindNotFound,
				fmt.Errorf("%s/%s: %w", collection, key, err))
		}
		if err != nil {
			return syncErrors.WrapOpComponent(err, opName, component)
		}
		if err := e.codecs.For(collection).Unmarshal(raw, dst); err != nil {
			return syncErrors.E(syncErrors.Op(opName), syncErrors.Comp(component), syncErrors.KindCorrupt,
				fmt.Errorf("%s/%s: %w", collection, key, err))
		}
		return nil
	})
}

// Enqueue adds an outgoing operation. The record and its index entry are
// written atomically.
func (e *Engine) Enqueue(ctx context.Context, d op.Draft) (op.PendingOp, error) {
	var p op.PendingOp
	err := e.atomically(ctx, "synckit.Enqueue", func(ctx context.Context) error {
		var err error
		p, err = e.queue.Enqueue(ctx, d)
		return err
	})
	return p, err
}

// Due returns up to limit queued ops ready at now, oldest first.
func (e *Engine) Due(ctx context.Context, now time.Time, limit int) ([]op.PendingOp, error) {
	var ops []op.PendingOp
	err := e.locked(ctx, "synckit.Due", func() error {
		var err error
		ops, err = e.queue.Due(ctx, now, limit)
		return err
	})
	return ops, err
}

// ListPending returns up to limit ops in FIFO order regardless of status.
// A non-positive limit returns all of them.
func (e *Engine) ListPending(ctx context.Context, limit int) ([]op.PendingOp, error) {
	var ops []op.PendingOp
	err := e.locked(ctx, "synckit.ListPending", func() error {
		var err error
		ops, err = e.queue.Index().Oldest(ctx, limit)
		return err
	})
	return ops, err
}

// Begin marks a due op as processing.
func (e *Engine) Begin(ctx context.Context, id string) (op.PendingOp, error) {
	var p op.PendingOp
	err := e.locked(ctx, "synckit.Begin", func() error {
		var err error
		p, err = e.queue.Begin(ctx, id)
		return err
	})
	return p, err
}

// Complete removes a delivered op from the queue and its index.
func (e *Engine) Complete(ctx context.Context, id string) error {
	return e.atomically(ctx, "synckit.Complete", func(ctx context.Context) error {
		return e.queue.Complete(ctx, id)
	})
}

// Fail records a failed attempt. A non-positive maxAttempts uses the
// engine's configured budget. An op that has run out of attempts is moved
// to the failed store in the same transaction.
func (e *Engine) Fail(ctx context.Context, id string, cause error, nextAttemptAt time.Time, maxAttempts int) (queue.Outcome, op.PendingOp, error) {
	if maxAttempts <= 0 {
		maxAttempts = e.maxAttempts
	}
	var (
		outcome queue.Outcome
		p       op.PendingOp
	)
	err := e.atomically(ctx, "synckit.Fail", func(ctx context.Context) error {
		var err error
		outcome, p, err = e.queue.Fail(ctx, id, cause, nextAttemptAt, maxAttempts)
		if err != nil || outcome != queue.OutcomeExhausted {
			return err
		}
		_, err = e.failed.Add(ctx, p, cause)
		return err
	})
	if err != nil {
		return queue.OutcomeRequeued, op.PendingOp{}, err
	}
	return outcome, p, nil
}

// Release returns a processing op to queued without spending an attempt.
func (e *Engine) Release(ctx context.Context, id string) error {
	return e.locked(ctx, "synckit.Release", func() error {
		return e.queue.Release(ctx, id)
	})
}

// Quarantine moves op id from the queue into the failed store in one
// transaction.
func (e *Engine) Quarantine(ctx context.Context, id string, cause error) error {
	return e.atomically(ctx, "synckit.Quarantine", func(ctx context.Context) error {
		p, err := e.queue.Get(ctx, id)
		if err != nil {
			return err
		}
		_, err = e.failed.Add(ctx, p, cause)
		return err
	})
}

// RetryFailed requeues a failed op under a new id with a fresh retry budget.
func (e *Engine) RetryFailed(ctx context.Context, id string) (op.PendingOp, error) {
	var p op.PendingOp
	err := e.atomically(ctx, "synckit.RetryFailed", func(ctx context.Context) error {
		var err error
		p, err = e.failed.Retry(ctx, id)
		return err
	})
	return p, err
}

// ArchiveFailed hides a failed op from default listings and stats.
func (e *Engine) ArchiveFailed(ctx context.Context, id string) error {
	return e.locked(ctx, "synckit.ArchiveFailed", func() error {
		return e.failed.Archive(ctx, id)
	})
}

// UnarchiveFailed reverses ArchiveFailed.
func (e *Engine) UnarchiveFailed(ctx context.Context, id string) error {
	return e.locked(ctx, "synckit.UnarchiveFailed", func() error {
		return e.failed.Unarchive(ctx, id)
	})
}

// DeleteFailed removes a failed op permanently.
func (e *Engine) DeleteFailed(ctx context.Context, id string) error {
	return e.atomically(ctx, "synckit.DeleteFailed", func(ctx context.Context) error {
		return e.failed.Delete(ctx, id)
	})
}

// ListFailed returns failed ops, most recent first.
func (e *Engine) ListFailed(ctx context.Context, includeArchived bool) ([]failed.FailedOp, error) {
	var list []failed.FailedOp
	err := e.locked(ctx, "synckit.ListFailed", func() error {
		var err error
		list, err = e.failed.List(ctx, failed.ListOptions{IncludeArchived: includeArchived})
		return err
	})
	return list, err
}

// CheckIndex compares the pending index with the queue and rebuilds it on
// divergence. It reports whether a rebuild happened.
func (e *Engine) CheckIndex(ctx context.Context) (bool, error) {
	var rebuilt bool
	err := e.locked(ctx, "synckit.CheckIndex", func() error {
		var err error
		rebuilt, err = e.queue.Index().IntegrityCheckAndRebuild(ctx)
		return err
	})
	return rebuilt, err
}

// Resolve decides a version conflict for subject.
func (e *Engine) Resolve(local, remote int64, subject conflict.Subject) conflict.Result {
	return e.resolver.Resolve(local, remote, subject)
}

// Resolver returns the engine's conflict resolver.
func (e *Engine) Resolver() *conflict.Resolver { return e.resolver }

// Startup returns what Open recovered.
func (e *Engine) Startup() StartupReport { return e.startup }

// Stats counts queued, processing and failed ops. Failed counts only
// unarchived ops; Archived counts the rest. An op that exhausted its
// attempts but was not yet quarantined counts as failed.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var s Stats
	err := e.locked(ctx, "synckit.Stats", func() error {
		counts, err := e.queue.Counts(ctx)
		if err != nil {
			return err
		}
		s.Pending = counts[op.StatusQueued]
		s.Processing = counts[op.StatusProcessing]
		s.Failed = counts[op.StatusFailed]

		list, err := e.failed.List(ctx, failed.ListOptions{IncludeArchived: true})
		if err != nil {
			return err
		}
		for _, f := range list {
			if f.Archived {
				s.Archived++
			} else {
				s.Failed++
			}
		}
		return nil
	})
	if err != nil {
		return Stats{}, err
	}
	e.metrics.Gauge("engine.pending", float64(s.Pending))
	e.metrics.Gauge("engine.failed", float64(s.Failed))
	return s, nil
}
