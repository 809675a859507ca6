// Package journal implements an undo-log write-ahead journal that makes a
// sequence of writes across several kv collections all-or-nothing, even
// though the substrate only guarantees single-key atomicity.
//
// Before a key is written inside a transaction its prior value (or its
// absence) is appended to the transaction's handle and the handle is
// persisted. Commit deletes the handle. Rollback, explicit or at startup
// replay, restores the captured values in reverse order.
package journal

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/synckit/codec"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
)

// Collection is where handles are persisted, keyed by transaction id.
const Collection = "txn_journal"

const component = "journal"

// State is the lifecycle position of a transaction.
type State string

const (
	StateActive      State = "active"
	StateCommitting  State = "committing"
	StateCommitted   State = "committed"
	StateRollingBack State = "rollingBack"
	StateRolledBack  State = "rolledBack"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCommitted || s == StateRolledBack
}

// Entry is one undo record: the value key held in collection before the
// transaction first wrote it.
type Entry struct {
	Collection string `json:"collection"`
	Key        string `json:"key"`
	Existed    bool   `json:"existed"`
	Snapshot   []byte `json:"snapshot,omitempty"`
}

// Handle is a transaction in flight.
type Handle struct {
	ID        string    `json:"id"`
	StartedAt time.Time `json:"startedAt"`
	State     State     `json:"state"`
	Entries   []Entry   `json:"entries"`

	journal *Journal
	touched map[string]struct{}
}

func touchKey(collection, key string) string {
	return collection + "\x00" + key
}

// captured reports whether the handle already holds an undo record for key.
func (h *Handle) captured(collection, key string) bool {
	if h.touched == nil {
		h.touched = make(map[string]struct{}, len(h.Entries))
		for _, e := range h.Entries {
			h.touched[touchKey(e.Collection, e.Key)] = struct{}{}
		}
	}
	_, ok := h.touched[touchKey(collection, key)]
	return ok
}

// RestoreFailure describes an undo record that could not be applied.
type RestoreFailure struct {
	Collection string
	Key        string
	Err        error
}

// RollbackReport summarizes one rollback.
type RollbackReport struct {
	Restored int
	Failures []RestoreFailure
}

// ReplayReport summarizes a startup replay.
type ReplayReport struct {
	// RolledBack holds the ids of abandoned transactions that were undone.
	RolledBack []string
	// Removed counts leftover handles already in a terminal state.
	Removed int
	// Corrupt counts handles that could not be decoded and were deleted.
	Corrupt int
	// RestoreFailures counts undo records that failed during replay.
	RestoreFailures int
}

// Option configures a Journal.
type Option interface{ apply(*Journal) }

type optionFn func(*Journal)

func (f optionFn) apply(j *Journal) { f(j) }

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return optionFn(func(j *Journal) { j.logger = logging.ForComponent(l, component) })
}

// WithTelemetry sets the metrics sink.
func WithTelemetry(s telemetry.Sink) Option {
	return optionFn(func(j *Journal) { j.metrics = telemetry.OrNoOp(s) })
}

// WithCodecs sets the registry used to encode snapshots passed to Record.
func WithCodecs(r *codec.Registry) Option {
	return optionFn(func(j *Journal) { j.codecs = r })
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return optionFn(func(j *Journal) { j.now = now })
}

// Journal persists transaction handles and applies undo records.
// It takes no locks around multi-step sequences; callers serialize access.
type Journal struct {
	store   kv.Store
	handles kv.Collection
	codecs  *codec.Registry
	logger  *slog.Logger
	metrics telemetry.Sink
	now     func() time.Time

	mu          sync.Mutex
	collections map[string]kv.Collection
}

// New opens the journal collection on store.
func New(ctx context.Context, store kv.Store, opts ...Option) (*Journal, error) {
	const op = "journal.New"

	handles, err := store.Open(ctx, Collection)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, op, component)
	}
	j := &Journal{
		store:       store,
		handles:     handles,
		codecs:      codec.NewRegistry(),
		logger:      logging.ForComponent(nil, component),
		metrics:     telemetry.NoOp{},
		now:         time.Now,
		collections: map[string]kv.Collection{Collection: handles},
	}
	for _, o := range opts {
		o.apply(j)
	}
	return j, nil
}

// collection returns the named collection, opening it on first use.
func (j *Journal) collection(ctx context.Context, name string) (kv.Collection, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if c, ok := j.collections[name]; ok {
		return c, nil
	}
	c, err := j.store.Open(ctx, name)
	if err != nil {
		return nil, err
	}
	j.collections[name] = c
	return c, nil
}

func (j *Journal) persist(ctx context.Context, h *Handle) error {
	data, err := j.codecs.For(Collection).Marshal(h)
	if err != nil {
		return syncErrors.E(syncErrors.Op("journal.persist"), syncErrors.Comp(component), syncErrors.KindInvalid, err)
	}
	return j.handles.Put(ctx, h.ID, data)
}

func (j *Journal) decode(data []byte) (*Handle, error) {
	var h Handle
	if err := j.codecs.For(Collection).Unmarshal(data, &h); err != nil {
		return nil, err
	}
	if h.ID == "" {
		return nil, fmt.Errorf("handle without id")
	}
	switch h.State {
	case StateActive, StateCommitting, StateCommitted, StateRollingBack, StateRolledBack:
	default:
		return nil, fmt.Errorf("unknown state %q", h.State)
	}
	h.journal = j
	return &h, nil
}

// Begin persists a new active handle. It fails with KindDuplicate if a
// handle with the same id is still on disk.
func (j *Journal) Begin(ctx context.Context, id string) (*Handle, error) {
	const op = "journal.Begin"

	if id == "" {
		return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Comp(component), syncErrors.KindInvalid, "empty transaction id")
	}
	_, err := j.handles.Get(ctx, id)
	switch {
	case err == nil:
		return nil, syncErrors.E(syncErrors.Op(op), syncErrors.Comp(component), syncErrors.KindDuplicate,
			fmt.Errorf("transaction %q already in progress", id))
	case !stdErrors.Is(err, kv.ErrNotFound):
		return nil, syncErrors.WrapOpComponent(err, op, component)
	}

	h := &Handle{
		ID:        id,
		StartedAt: j.now().UTC(),
		State:     StateActive,
		Entries:   []Entry{},
		journal:   j,
	}
	if err := j.persist(ctx, h); err != nil {
		return nil, syncErrors.WrapOpComponent(err, op, component)
	}
	j.metrics.Count("transaction_journal.begun", 1)
	j.logger.Debug("transaction begun", slog.Any("txn_id", logging.TxnID(id)))
	return h, nil
}

// Record captures current as the prior value of collection/key. A nil
// current means the key did not exist. Values are encoded with the codec
// registered for collection. The handle is persisted before Record returns,
// so the paired write may only be issued afterwards.
func (j *Journal) Record(ctx context.Context, h *Handle, collection, key string, current any) error {
	if current == nil {
		return j.RecordRaw(ctx, h, collection, key, nil, false)
	}
	data, err := j.codecs.For(collection).Marshal(current)
	if err != nil {
		return syncErrors.E(syncErrors.Op("journal.Record"), syncErrors.Comp(component), syncErrors.KindInvalid, err,
			map[string]interface{}{"collection": collection, "key": key})
	}
	return j.RecordRaw(ctx, h, collection, key, data, true)
}

// RecordRaw is Record for a value that is already encoded.
func (j *Journal) RecordRaw(ctx context.Context, h *Handle, collection, key string, snapshot []byte, existed bool) error {
	const op = "journal.Record"

	if h == nil || h.State != StateActive {
		return syncErrors.E(syncErrors.Op(op), syncErrors.Comp(component), syncErrors.KindInvalid, notActive(h))
	}
	entry := Entry{Collection: collection, Key: key, Existed: existed}
	if existed {
		entry.Snapshot = append([]byte{}, snapshot...)
	}
	h.Entries = append(h.Entries, entry)
	if err := j.persist(ctx, h); err != nil {
		h.Entries = h.Entries[:len(h.Entries)-1]
		return syncErrors.WrapOpComponent(err, op, component)
	}
	if h.touched != nil {
		h.touched[touchKey(collection, key)] = struct{}{}
	}
	j.logger.Log(ctx, slog.Level(logging.LevelTrace), "undo record captured",
		slog.Any("txn_id", logging.TxnID(h.ID)),
		slog.String("collection", collection),
		slog.String("key", key),
		slog.Bool("existed", existed))
	return nil
}

// Capture reads the current value of key from c and records it.
func (j *Journal) Capture(ctx context.Context, h *Handle, c kv.Collection, key string) error {
	const op = "journal.Capture"

	cur, err := c.Get(ctx, key)
	switch {
	case stdErrors.Is(err, kv.ErrNotFound):
		return j.RecordRaw(ctx, h, c.Name(), key, nil, false)
	case err != nil:
		return syncErrors.WrapOpComponent(err, op, component)
	}
	return j.RecordRaw(ctx, h, c.Name(), key, cur, true)
}

// Commit moves h through committing to committed and deletes its persisted
// record. Committing a handle that is not active is an error and leaves the
// collections untouched.
func (j *Journal) Commit(ctx context.Context, h *Handle) error {
	const op = "journal.Commit"
	start := j.now()

	if h == nil || h.State != StateActive {
		return syncErrors.E(syncErrors.Op(op), syncErrors.Comp(component), syncErrors.KindInvalid, notActive(h))
	}
	h.State = StateCommitting
	if err := j.persist(ctx, h); err != nil {
		return syncErrors.WrapOpComponent(err, op, component)
	}
	if err := j.handles.Delete(ctx, h.ID); err != nil {
		// The on-disk record still says committing; replay will undo it.
		return syncErrors.WrapOpComponent(err, op, component)
	}
	h.State = StateCommitted
	h.Entries = nil
	h.touched = nil

	j.metrics.Count("transaction_journal.committed", 1)
	j.metrics.Timing("transaction_journal.commit.duration_ms", j.now().Sub(start))
	j.logger.Debug("transaction committed", slog.Any("txn_id", logging.TxnID(h.ID)))
	return nil
}

// Rollback restores every undo record of h in reverse order, then deletes
// the persisted handle. A restore failure is logged, counted and reported
// but does not stop the remaining restores. Rolling back an already
// rolled-back handle does nothing.
func (j *Journal) Rollback(ctx context.Context, h *Handle) (RollbackReport, error) {
	const op = "journal.Rollback"

	var report RollbackReport
	if h == nil {
		return report, syncErrors.E(syncErrors.Op(op), syncErrors.Comp(component), syncErrors.KindInvalid, "nil handle")
	}
	switch h.State {
	case StateRolledBack:
		return report, nil
	case StateCommitted:
		return report, syncErrors.E(syncErrors.Op(op), syncErrors.Comp(component), syncErrors.KindInvalid,
			fmt.Errorf("transaction %q already committed", h.ID))
	}

	h.State = StateRollingBack
	if err := j.persist(ctx, h); err != nil {
		// Restoring is still safe; the stale on-disk state is rolled back again on replay.
		j.logger.Warn("could not persist rolling back state",
			slog.Any("txn_id", logging.TxnID(h.ID)), slog.String("error", err.Error()))
	}

	for i := len(h.Entries) - 1; i >= 0; i-- {
		e := h.Entries[i]
		if err := j.restore(ctx, e); err != nil {
			report.Failures = append(report.Failures, RestoreFailure{Collection: e.Collection, Key: e.Key, Err: err})
			j.metrics.Count("transaction_journal.restore_failed", 1)
			j.logger.Error("undo record restore failed",
				slog.Any("txn_id", logging.TxnID(h.ID)),
				slog.String("collection", e.Collection),
				slog.String("key", e.Key),
				slog.String("error", err.Error()))
			continue
		}
		report.Restored++
	}

	h.State = StateRolledBack
	h.Entries = nil
	h.touched = nil
	if err := j.handles.Delete(ctx, h.ID); err != nil {
		return report, syncErrors.WrapOpComponent(err, op, component)
	}

	j.metrics.Count("transaction_journal.rolled_back", 1)
	j.logger.Info("transaction rolled back",
		slog.Any("txn_id", logging.TxnID(h.ID)),
		slog.Int("restored", report.Restored),
		slog.Int("failed", len(report.Failures)))
	return report, nil
}

func (j *Journal) restore(ctx context.Context, e Entry) error {
	c, err := j.collection(ctx, e.Collection)
	if err != nil {
		return err
	}
	if !e.Existed {
		return c.Delete(ctx, e.Key)
	}
	return c.Put(ctx, e.Key, e.Snapshot)
}

// ReplayPending rolls back every transaction a crash left behind. It must
// run once at startup after the application's collections are registered
// and before any new transaction begins. Undecodable handles are deleted
// and counted. Failure to read the journal collection is returned.
func (j *Journal) ReplayPending(ctx context.Context) (ReplayReport, error) {
	const op = "journal.ReplayPending"

	var report ReplayReport
	raw, err := j.handles.Values(ctx)
	if err != nil {
		return report, syncErrors.WrapOpComponent(err, op, component)
	}

	var pending []*Handle
	var errs []error
	for key, data := range raw {
		h, err := j.decode(data)
		if err != nil || h.ID != key {
			report.Corrupt++
			j.metrics.Count("transaction_journal.corrupt", 1)
			j.logger.Warn("discarding undecodable journal record",
				slog.String("key", key), slog.Any("error", err))
			if delErr := j.handles.Delete(ctx, key); delErr != nil {
				errs = append(errs, delErr)
			}
			continue
		}
		if h.State.Terminal() {
			report.Removed++
			if delErr := j.handles.Delete(ctx, key); delErr != nil {
				errs = append(errs, delErr)
			}
			continue
		}
		pending = append(pending, h)
	}

	// Undo the newest transaction first.
	sort.SliceStable(pending, func(a, b int) bool {
		if pending[a].StartedAt.Equal(pending[b].StartedAt) {
			return pending[a].ID > pending[b].ID
		}
		return pending[a].StartedAt.After(pending[b].StartedAt)
	})

	for _, h := range pending {
		rep, err := j.Rollback(ctx, h)
		report.RestoreFailures += len(rep.Failures)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		report.RolledBack = append(report.RolledBack, h.ID)
		j.metrics.Count("transaction_journal.replayed", 1)
	}

	if len(report.RolledBack) > 0 || report.Corrupt > 0 {
		j.logger.Info("journal replay finished",
			slog.Int("rolled_back", len(report.RolledBack)),
			slog.Int("removed", report.Removed),
			slog.Int("corrupt", report.Corrupt),
			slog.Int("restore_failures", report.RestoreFailures))
	}
	if len(errs) > 0 {
		return report, syncErrors.WrapOpComponent(stdErrors.Join(errs...), op, component)
	}
	return report, nil
}

// Pending returns the ids of transactions currently persisted.
func (j *Journal) Pending(ctx context.Context) ([]string, error) {
	keys, err := j.handles.Keys(ctx)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, "journal.Pending", component)
	}
	return keys, nil
}

func notActive(h *Handle) error {
	if h == nil {
		return fmt.Errorf("nil handle")
	}
	return fmt.Errorf("transaction %q is %s, not active", h.ID, h.State)
}
