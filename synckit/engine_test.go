package synckit

import (
	"context"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c0deZ3R0/go-offline-kit/config"
	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/failed"
	"github.com/c0deZ3R0/go-offline-kit/journal"
	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/kv/memory"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/op"
	"github.com/c0deZ3R0/go-offline-kit/queue"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
	"github.com/c0deZ3R0/go-offline-kit/transport/httptransport"
	"github.com/c0deZ3R0/go-offline-kit/worker"
)

type note struct {
	Title string `json:"title"`
	Done  bool   `json:"done"`
}

func openEngine(t *testing.T, store kv.Store, opts ...Option) *Engine {
	t.Helper()
	opts = append([]Option{WithStore(store), WithLogger(logging.Discard().Logger)}, opts...)
	e, err := Open(context.Background(), opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return e
}

func draft(entityID string, version int64) op.Draft {
	return op.Draft{
		Type:       op.TypeUpdate,
		EntityType: "note",
		EntityID:   entityID,
		Payload:    op.Upsert(version, map[string]json.RawMessage{"title": json.RawMessage(`"x"`)}),
	}
}

func TestOpenRequiresStore(t *testing.T) {
	_, err := Open(context.Background(), WithLogger(logging.Discard().Logger))
	require.Error(t, err)
	assert.True(t, syncErrors.Is(err, syncErrors.KindInvalid))

	_, err = Open(context.Background(), WithStore(nil))
	assert.True(t, syncErrors.Is(err, syncErrors.KindInvalid))
}

func TestOpenRollsBackAbandonedTransaction(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	notes, err := store.Open(ctx, "notes")
	require.NoError(t, err)
	require.NoError(t, notes.Put(ctx, "n1", []byte(`{"title":"before"}`)))

	// A previous process began a transaction and died mid-way.
	j, err := journal.New(ctx, store, journal.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	h, err := j.Begin(ctx, "txn-crashed")
	require.NoError(t, err)
	require.NoError(t, j.Capture(ctx, h, notes, "n1"))
	require.NoError(t, notes.Put(ctx, "n1", []byte(`{"title":"after"}`)))

	e := openEngine(t, store)
	assert.Equal(t, []string{"txn-crashed"}, e.Startup().Replay.RolledBack)

	var got note
	require.NoError(t, e.Get(ctx, "notes", "n1", &got))
	assert.Equal(t, "before", got.Title)
}

func TestOpenRecoversInFlightOps(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	q, err := queue.New(ctx, store, queue.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	p, err := q.Enqueue(ctx, draft("n1", 1))
	require.NoError(t, err)
	_, err = q.Begin(ctx, p.ID)
	require.NoError(t, err)

	e := openEngine(t, store)
	assert.Equal(t, 1, e.Startup().Recovered)
	assert.False(t, e.Startup().IndexRebuilt)

	due, err := e.Due(ctx, time.Now(), 10)
	require.NoError(t, err)
	require.Len(t, due, 1)
	assert.Equal(t, op.StatusQueued, due[0].Status)
}

func TestOpenRebuildsCorruptIndex(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	q, err := queue.New(ctx, store, queue.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	first, err := q.Enqueue(ctx, draft("n1", 1))
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, draft("n2", 1))
	require.NoError(t, err)

	index, err := store.Open(ctx, queue.IndexCollection)
	require.NoError(t, err)
	require.NoError(t, index.Put(ctx, queue.IndexKey, []byte("{not json")))

	e := openEngine(t, store)
	assert.True(t, e.Startup().IndexRebuilt)

	pending, err := e.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, first.ID, pending[0].ID)
	assert.Equal(t, second.ID, pending[1].ID)

	rebuilt, err := e.CheckIndex(ctx)
	require.NoError(t, err)
	assert.False(t, rebuilt)
}

func TestTransactRollsBackOnError(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, memory.New())
	require.NoError(t, e.Put(ctx, "notes", "n1", note{Title: "before"}))

	boom := errors.New("boom")
	err := e.Transact(ctx, "", func(ctx context.Context) error {
		if err := e.Put(ctx, "notes", "n1", note{Title: "after"}); err != nil {
			return err
		}
		if err := e.Put(ctx, "notes", "n2", note{Title: "new"}); err != nil {
			return err
		}
		if _, err := e.Enqueue(ctx, draft("n1", 2)); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	var got note
	require.NoError(t, e.Get(ctx, "notes", "n1", &got))
	assert.Equal(t, "before", got.Title)

	err = e.Get(ctx, "notes", "n2", &got)
	assert.True(t, syncErrors.Is(err, syncErrors.KindNotFound))
	assert.ErrorIs(t, err, kv.ErrNotFound)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, stats.Pending)
}

func TestTransactCommits(t *testing.T) {
	ctx := context.Background()
	metrics := telemetry.NewMemory()
	e := openEngine(t, memory.New(), WithTelemetry(metrics))

	err := e.Transact(ctx, "txn-1", func(ctx context.Context) error {
		if err := e.Put(ctx, "notes", "n1", note{Title: "saved", Done: true}); err != nil {
			return err
		}
		// Nested transactions join the outer one.
		return e.Transact(ctx, "", func(ctx context.Context) error {
			_, err := e.Enqueue(ctx, draft("n1", 1))
			return err
		})
	})
	require.NoError(t, err)

	var got note
	require.NoError(t, e.Get(ctx, "notes", "n1", &got))
	assert.Equal(t, note{Title: "saved", Done: true}, got)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Pending)
	assert.Equal(t, 2, metrics.Timings("engine.transact.duration_ms"))
	assert.Zero(t, metrics.Counter("engine.transact.failed"))
}

func TestTransactRollsBackOnPanic(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, memory.New())

	assert.Panics(t, func() {
		_ = e.Transact(ctx, "", func(ctx context.Context) error {
			_ = e.Put(ctx, "notes", "n1", note{Title: "lost"})
			panic("boom")
		})
	})

	var got note
	err := e.Get(ctx, "notes", "n1", &got)
	assert.True(t, syncErrors.Is(err, syncErrors.KindNotFound))

	// The engine lock was released by the panicking call.
	require.NoError(t, e.Put(ctx, "notes", "n1", note{Title: "kept"}))
}

func TestEnqueueIsAtomic(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := openEngine(t, store)

	store.SetFault(func(collection string, o memory.Op, key string) error {
		if collection == queue.IndexCollection && o == memory.OpPut {
			return errors.New("disk full")
		}
		return nil
	})
	_, err := e.Enqueue(ctx, draft("n1", 1))
	require.Error(t, err)
	store.SetFault(nil)

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)

	rebuilt, err := e.CheckIndex(ctx)
	require.NoError(t, err)
	assert.False(t, rebuilt)
}

func TestFailUsesConfiguredBudget(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, memory.New(), WithMaxAttempts(2))

	p, err := e.Enqueue(ctx, draft("n1", 1))
	require.NoError(t, err)
	cause := syncErrors.NewNetworkError(syncErrors.OpSend, errors.New("connection reset"))

	_, err = e.Begin(ctx, p.ID)
	require.NoError(t, err)
	outcome, _, err := e.Fail(ctx, p.ID, cause, time.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeRequeued, outcome)

	_, err = e.Begin(ctx, p.ID)
	require.NoError(t, err)
	outcome, got, err := e.Fail(ctx, p.ID, cause, time.Now(), 0)
	require.NoError(t, err)
	assert.Equal(t, queue.OutcomeExhausted, outcome)
	assert.Equal(t, 2, got.Attempts)

	// The exhausted op moved to the failed store in the same step.
	list, err := e.ListFailed(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
	assert.Equal(t, syncErrors.ErrCodeNetworkFailure, list[0].Error.Code)
	assert.Equal(t, Stats{Failed: 1}, mustStats(t, e))
}

func mustStats(t *testing.T, e *Engine) Stats {
	t.Helper()
	stats, err := e.Stats(context.Background())
	require.NoError(t, err)
	return stats
}

func TestExhaustedOpIsQuarantinedAtomically(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := openEngine(t, store, WithMaxAttempts(1))

	p, err := e.Enqueue(ctx, draft("n1", 1))
	require.NoError(t, err)

	hiccup := errors.New("disk hiccup")
	fired := false
	store.SetFault(func(collection string, o memory.Op, _ string) error {
		if collection == failed.Collection && o == memory.OpPut && !fired {
			fired = true
			return hiccup
		}
		return nil
	})

	rejected := worker.TransportFunc(func(context.Context, worker.Envelope) error {
		return syncErrors.NewValidationError(syncErrors.OpSend, errors.New("422"))
	})
	w := e.NewWorker(rejected, worker.Options{Backoff: worker.Constant(0)})

	_, err = w.Drain(ctx)
	require.ErrorIs(t, err, hiccup)

	// The attempt was rolled back with the quarantine and the op released.
	pending, err := e.ListPending(ctx, 0)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, op.StatusQueued, pending[0].Status)
	assert.Equal(t, 0, pending[0].Attempts)
	assert.Equal(t, Stats{Pending: 1}, mustStats(t, e))

	report, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Quarantined)
	assert.Equal(t, Stats{Failed: 1}, mustStats(t, e))

	retried, err := e.RetryFailed(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, p.IdempotencyKey, retried.IdempotencyKey)
}

func TestOpenQuarantinesExhaustedOps(t *testing.T) {
	ctx := context.Background()
	store := memory.New()

	// A previous process recorded the last attempt but never quarantined.
	q, err := queue.New(ctx, store, queue.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	p, err := q.Enqueue(ctx, draft("n1", 1))
	require.NoError(t, err)
	_, err = q.Begin(ctx, p.ID)
	require.NoError(t, err)
	outcome, _, err := q.Fail(ctx, p.ID, errors.New("503 from backend"), time.Now(), 1)
	require.NoError(t, err)
	require.Equal(t, queue.OutcomeExhausted, outcome)

	e := openEngine(t, store)
	assert.Equal(t, 1, e.Startup().Quarantined)
	assert.Equal(t, Stats{Failed: 1}, mustStats(t, e))

	list, err := e.ListFailed(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)
	assert.Equal(t, syncErrors.ErrCodeUnknown, list[0].Error.Code)
	assert.Contains(t, list[0].Error.Message, "503 from backend")

	require.NoError(t, e.DeleteFailed(ctx, p.ID))
	assert.Equal(t, Stats{}, mustStats(t, e))
}

func TestDeliveryIsRetriedAfterUnrecordedCompletion(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	e := openEngine(t, store)

	_, err := e.Enqueue(ctx, draft("n1", 1))
	require.NoError(t, err)

	fired := false
	store.SetFault(func(collection string, o memory.Op, _ string) error {
		if collection == queue.Collection && o == memory.OpDelete && !fired {
			fired = true
			return errors.New("io")
		}
		return nil
	})

	sends := 0
	w := e.NewWorker(worker.TransportFunc(func(context.Context, worker.Envelope) error {
		sends++
		return nil
	}), worker.Options{Lanes: 1})

	_, err = w.Drain(ctx)
	require.Error(t, err)
	assert.Equal(t, Stats{Pending: 1}, mustStats(t, e))

	report, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Sent)
	assert.Equal(t, 2, sends)
	assert.Equal(t, Stats{}, mustStats(t, e))
}

func TestFailedOpsLifecycle(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, memory.New())

	p, err := e.Enqueue(ctx, draft("n1", 1))
	require.NoError(t, err)
	_, err = e.Enqueue(ctx, draft("n2", 1))
	require.NoError(t, err)

	cause := syncErrors.NewValidationError(syncErrors.OpSend, errors.New("rejected"))
	require.NoError(t, e.Quarantine(ctx, p.ID, cause))

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Failed: 1}, stats)

	list, err := e.ListFailed(ctx, false)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, p.ID, list[0].ID)

	retried, err := e.RetryFailed(ctx, p.ID)
	require.NoError(t, err)
	assert.NotEqual(t, p.ID, retried.ID)
	assert.Equal(t, 0, retried.Attempts)
	assert.Equal(t, p.IdempotencyKey, retried.IdempotencyKey)

	stats, err = e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 2}, stats)

	require.NoError(t, e.Quarantine(ctx, retried.ID, cause))
	require.NoError(t, e.ArchiveFailed(ctx, retried.ID))

	stats, err = e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{Pending: 1, Archived: 1}, stats)

	list, err = e.ListFailed(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, list)

	require.NoError(t, e.UnarchiveFailed(ctx, retried.ID))
	require.NoError(t, e.DeleteFailed(ctx, retried.ID))

	list, err = e.ListFailed(ctx, true)
	require.NoError(t, err)
	assert.Empty(t, list)

	err = e.Quarantine(ctx, "missing", cause)
	assert.True(t, syncErrors.Is(err, syncErrors.KindNotFound))
}

func TestDataDirLockIsExclusive(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	logger := logging.Discard().Logger

	first, err := Open(ctx, WithStore(memory.New()), WithDataDir(dir), WithLogger(logger))
	require.NoError(t, err)

	_, err = Open(ctx, WithStore(memory.New()), WithDataDir(dir), WithLogger(logger))
	require.Error(t, err)
	assert.True(t, syncErrors.Is(err, syncErrors.KindConflict), "kind = %s", syncErrors.KindOf(err))

	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second, err := Open(ctx, WithStore(memory.New()), WithDataDir(dir), WithLogger(logger))
	require.NoError(t, err)
	require.NoError(t, second.Close())
}

func TestReservedCollectionsAreRejected(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, memory.New())

	for _, name := range []string{journal.Collection, queue.Collection, queue.IndexCollection, "failed_ops"} {
		err := e.Put(ctx, name, "k", "v")
		assert.True(t, syncErrors.Is(err, syncErrors.KindInvalid), "collection %s", name)
	}
}

func TestGetReportsUndecodableValue(t *testing.T) {
	ctx := context.Background()
	store := memory.New()
	notes, err := store.Open(ctx, "notes")
	require.NoError(t, err)
	require.NoError(t, notes.Put(ctx, "n1", []byte("not json")))

	e := openEngine(t, store)
	var got note
	err = e.Get(ctx, "notes", "n1", &got)
	assert.True(t, syncErrors.Is(err, syncErrors.KindCorrupt))
}

func TestClosedEngineRejectsCalls(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, memory.New())
	require.NoError(t, e.Close())

	_, err := e.Enqueue(ctx, draft("n1", 1))
	assert.True(t, syncErrors.Is(err, syncErrors.KindInvalid))
	_, err = e.Stats(ctx)
	assert.Error(t, err)
}

func TestConcurrentEnqueues(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, memory.New())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := e.Enqueue(ctx, draft("n"+string(rune('a'+i)), 1))
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	pending, err := e.ListPending(ctx, 0)
	require.NoError(t, err)
	assert.Len(t, pending, 20)

	rebuilt, err := e.CheckIndex(ctx)
	require.NoError(t, err)
	assert.False(t, rebuilt)
}

func TestWorkerOptions(t *testing.T) {
	cfg := config.Default()
	opts := WorkerOptions(cfg)
	assert.Nil(t, opts.Limiter)
	assert.Equal(t, 4, opts.Lanes)
	assert.Equal(t, 50, opts.BatchSize)
	assert.Equal(t, 5, opts.MaxAttempts)
	assert.Equal(t, 30*time.Second, opts.RequestTimeout)
	assert.Equal(t, worker.Exponential{Initial: time.Second, Max: 5 * time.Minute, Multiplier: 2, Jitter: 0.2}, opts.Backoff)

	cfg.Worker.Rate = 10
	opts = WorkerOptions(cfg)
	require.NotNil(t, opts.Limiter)
	assert.Equal(t, 1, opts.Limiter.Burst())
}

func TestOpenStore(t *testing.T) {
	logger := logging.Discard().Logger
	for _, backend := range []string{config.BackendMemory, config.BackendSQLite, config.BackendBadger, config.BackendPebble} {
		t.Run(backend, func(t *testing.T) {
			ctx := context.Background()
			store, err := OpenStore(config.StorageConfig{Backend: backend, DataDir: t.TempDir(), SyncWrites: true}, logger)
			require.NoError(t, err)
			defer store.Close()

			c, err := store.Open(ctx, "notes")
			require.NoError(t, err)
			require.NoError(t, c.Put(ctx, "n1", []byte("v")))
			got, err := c.Get(ctx, "n1")
			require.NoError(t, err)
			assert.Equal(t, "v", string(got))
		})
	}

	_, err := OpenStore(config.StorageConfig{Backend: "etcd"}, logger)
	assert.True(t, syncErrors.Is(err, syncErrors.KindPermanent))

	_, err = OpenStore(config.StorageConfig{Backend: config.BackendSQLite}, logger)
	assert.Error(t, err)
}

func TestDrainDeliversQueuedOps(t *testing.T) {
	ctx := context.Background()

	cfg := config.Default()
	cfg.Storage.DataDir = t.TempDir()
	e, err := Open(ctx, WithConfig(cfg), WithLogger(logging.Discard().Logger))
	require.NoError(t, err)
	defer e.Close()
	assert.FileExists(t, filepath.Join(cfg.Storage.DataDir, SQLiteFile))

	backend := httptransport.NewHandler(logging.Discard().Logger)
	srv := httptest.NewServer(backend)
	defer srv.Close()
	client, err := httptransport.NewClient(srv.URL, httptransport.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)

	for _, d := range []op.Draft{draft("n1", 1), draft("n2", 1), draft("n1", 2)} {
		_, err := e.Enqueue(ctx, d)
		require.NoError(t, err)
	}

	w := e.NewWorker(client, WorkerOptions(cfg))
	report, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 3, report.Sent)

	assert.Equal(t, int64(2), backend.Version("note", "n1"))
	assert.Equal(t, int64(1), backend.Version("note", "n2"))
	assert.Equal(t, 3, backend.Applied())

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}

func TestDrainDiscardsOpsTheBackendOutdated(t *testing.T) {
	ctx := context.Background()
	e := openEngine(t, memory.New())

	backend := httptransport.NewHandler(logging.Discard().Logger)
	srv := httptest.NewServer(backend)
	defer srv.Close()
	client, err := httptransport.NewClient(srv.URL, httptransport.WithLogger(logging.Discard().Logger))
	require.NoError(t, err)

	// Another device already pushed version 5.
	_, err = e.Enqueue(ctx, draft("n1", 5))
	require.NoError(t, err)
	w := e.NewWorker(client, worker.Options{})
	_, err = w.Drain(ctx)
	require.NoError(t, err)

	_, err = e.Enqueue(ctx, draft("n1", 3))
	require.NoError(t, err)
	report, err := w.Drain(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Conflicts)
	assert.Equal(t, 1, report.Discarded)
	assert.Equal(t, int64(5), backend.Version("note", "n1"))

	stats, err := e.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, Stats{}, stats)
}
