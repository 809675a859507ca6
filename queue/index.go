package queue

import (
	"context"
	"encoding/json"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/journal"
	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/op"
	"github.com/c0deZ3R0/go-offline-kit/synckit/codec"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
)

const (
	// IndexCollection holds the FIFO order of queued operation ids.
	IndexCollection = "pending_index"

	// IndexKey is the single key under which the order array is stored.
	IndexKey = "order"
)

// IndexEntry is one position in the FIFO order.
type IndexEntry struct {
	ID        string    `json:"id"`
	CreatedAt time.Time `json:"createdAt"`
}

// DuplicatePolicy decides what Index.Enqueue does with an id that is
// already indexed.
type DuplicatePolicy int

const (
	// DuplicatesAllowed inserts the id again. The integrity check then
	// sees a count mismatch and rebuilds, which drops the extra entry.
	DuplicatesAllowed DuplicatePolicy = iota
	// DuplicatesIgnored leaves the existing entry and returns nil.
	DuplicatesIgnored
	// DuplicatesRejected returns a KindDuplicate error.
	DuplicatesRejected
)

func (p DuplicatePolicy) String() string {
	switch p {
	case DuplicatesIgnored:
		return "ignore"
	case DuplicatesRejected:
		return "reject"
	default:
		return "allow"
	}
}

// ParseDuplicatePolicy maps "allow", "ignore" or "reject" to a policy.
func ParseDuplicatePolicy(s string) (DuplicatePolicy, error) {
	switch s {
	case "", "allow":
		return DuplicatesAllowed, nil
	case "ignore":
		return DuplicatesIgnored, nil
	case "reject":
		return DuplicatesRejected, nil
	}
	return DuplicatesAllowed, fmt.Errorf("unknown duplicate policy %q", s)
}

var errCorruptIndex = syncErrors.E(syncErrors.KindCorrupt, "pending index order is unreadable")

// Index keeps queued operation ids ordered by creation time so the oldest
// N can be read without scanning the queue collection. It is the only
// writer of IndexCollection.
type Index struct {
	order   kv.Collection
	records kv.Collection
	codecs  *codec.Registry
	policy  DuplicatePolicy
	logger  *slog.Logger
	metrics telemetry.Sink
}

func (x *Index) load(ctx context.Context) ([]IndexEntry, error) {
	raw, err := x.order.Get(ctx, IndexKey)
	if stdErrors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var entries []IndexEntry
	if err := json.Unmarshal(raw, &entries); err != nil {
		return nil, errCorruptIndex
	}
	return entries, nil
}

// loadOrRebuild returns the current order, rebuilding it first when the
// stored order cannot be decoded.
func (x *Index) loadOrRebuild(ctx context.Context) ([]IndexEntry, bool, error) {
	entries, err := x.load(ctx)
	if !stdErrors.Is(err, errCorruptIndex) {
		return entries, false, err
	}
	x.metrics.Count("index.corrupt", 1)
	x.logger.Warn("pending index unreadable, rebuilding")
	entries, err = x.rebuild(ctx)
	return entries, true, err
}

func (x *Index) save(ctx context.Context, entries []IndexEntry) error {
	if entries == nil {
		entries = []IndexEntry{}
	}
	data, err := json.Marshal(entries)
	if err != nil {
		return err
	}
	if err := journal.Put(ctx, x.order, IndexKey, data); err != nil {
		return err
	}
	x.metrics.Gauge("index.size", float64(len(entries)))
	return nil
}

func contains(entries []IndexEntry, id string) bool {
	for _, e := range entries {
		if e.ID == id {
			return true
		}
	}
	return false
}

// Enqueue inserts id keeping the order ascending by createdAt. Entries with
// equal createdAt keep their insertion order.
func (x *Index) Enqueue(ctx context.Context, id string, createdAt time.Time) error {
	const op = "queue.Index.Enqueue"

	entries, rebuilt, err := x.loadOrRebuild(ctx)
	if err != nil {
		return syncErrors.WrapOpComponent(err, op, component)
	}
	if contains(entries, id) {
		if rebuilt {
			// The rebuild already picked the record up from the queue.
			return nil
		}
		switch x.policy {
		case DuplicatesIgnored:
			return nil
		case DuplicatesRejected:
			return syncErrors.E(syncErrors.Op(op), syncErrors.Comp(component), syncErrors.KindDuplicate,
				fmt.Errorf("op %q already indexed", id))
		}
	}

	entries = append(entries, IndexEntry{ID: id, CreatedAt: createdAt.UTC()})
	sort.SliceStable(entries, func(i, j int) bool {
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if err := x.save(ctx, entries); err != nil {
		return syncErrors.WrapOpComponent(err, op, component)
	}
	x.metrics.Count("index.enqueue", 1)
	return nil
}

// Remove deletes every entry for id. Removing an absent id does nothing.
func (x *Index) Remove(ctx context.Context, id string) error {
	const op = "queue.Index.Remove"

	entries, _, err := x.loadOrRebuild(ctx)
	if err != nil {
		return syncErrors.WrapOpComponent(err, op, component)
	}
	kept := entries[:0]
	for _, e := range entries {
		if e.ID != id {
			kept = append(kept, e)
		}
	}
	if len(kept) == len(entries) {
		return nil
	}
	if err := x.save(ctx, kept); err != nil {
		return syncErrors.WrapOpComponent(err, op, component)
	}
	x.metrics.Count("index.remove", 1)
	return nil
}

// Entries returns the whole order.
func (x *Index) Entries(ctx context.Context) ([]IndexEntry, error) {
	entries, _, err := x.loadOrRebuild(ctx)
	if err != nil {
		return nil, syncErrors.WrapOpComponent(err, "queue.Index.Entries", component)
	}
	return entries, nil
}

// OldestIDs returns up to limit ids, oldest first. A limit of zero or less
// returns every id.
func (x *Index) OldestIDs(ctx context.Context, limit int) ([]string, error) {
	entries, err := x.Entries(ctx)
	if err != nil {
		return nil, err
	}
	if limit > 0 && len(entries) > limit {
		entries = entries[:limit]
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	return ids, nil
}

// Oldest returns up to limit operations, oldest first. Ids whose record is
// gone or unreadable are skipped.
func (x *Index) Oldest(ctx context.Context, limit int) ([]op.PendingOp, error) {
	return x.scan(ctx, limit, func(op.PendingOp) bool { return true })
}

// scan walks the order and returns up to limit records accepted by keep.
func (x *Index) scan(ctx context.Context, limit int, keep func(op.PendingOp) bool) ([]op.PendingOp, error) {
	const opName = "queue.Index.scan"

	entries, err := x.Entries(ctx)
	if err != nil {
		return nil, err
	}
	c := x.codecs.For(Collection)
	var out []op.PendingOp
	for _, e := range entries {
		if limit > 0 && len(out) >= limit {
			break
		}
		raw, err := x.records.Get(ctx, e.ID)
		if stdErrors.Is(err, kv.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, syncErrors.WrapOpComponent(err, opName, component)
		}
		p, err := decodeOp(c, raw)
		if err != nil {
			x.logger.Warn("skipping unreadable queue record", slog.Any("op_id", logging.OpID(e.ID)), slog.String("error", err.Error()))
			continue
		}
		if keep(p) {
			out = append(out, p)
		}
	}
	return out, nil
}

// IntegrityCheckAndRebuild compares the indexed ids with the keys of the
// queue collection and rebuilds the index when count or membership differ.
// It reports whether a rebuild happened.
func (x *Index) IntegrityCheckAndRebuild(ctx context.Context) (bool, error) {
	const op = "queue.Index.IntegrityCheckAndRebuild"

	entries, err := x.load(ctx)
	if stdErrors.Is(err, errCorruptIndex) {
		x.metrics.Count("index.corrupt", 1)
		x.metrics.Count("index.divergence", 1)
		if _, err := x.rebuild(ctx); err != nil {
			return false, syncErrors.WrapOpComponent(err, op, component)
		}
		return true, nil
	}
	if err != nil {
		return false, syncErrors.WrapOpComponent(err, op, component)
	}

	keys, err := x.records.Keys(ctx)
	if err != nil {
		return false, syncErrors.WrapOpComponent(err, op, component)
	}

	diverged := len(keys) != len(entries)
	if !diverged {
		indexed := make(map[string]struct{}, len(entries))
		for _, e := range entries {
			indexed[e.ID] = struct{}{}
		}
		for _, k := range keys {
			if _, ok := indexed[k]; !ok {
				diverged = true
				break
			}
		}
	}
	if !diverged {
		return false, nil
	}

	x.metrics.Count("index.divergence", 1)
	x.logger.Warn("pending index diverged from queue, rebuilding",
		slog.Int("indexed", len(entries)), slog.Int("queued", len(keys)))
	if _, err := x.rebuild(ctx); err != nil {
		return false, syncErrors.WrapOpComponent(err, op, component)
	}
	return true, nil
}

// Rebuild reconstructs the order from a full scan of the queue collection
// and overwrites it in one put. Unreadable records are deleted and counted.
// Only substrate errors are returned.
func (x *Index) Rebuild(ctx context.Context) (int, error) {
	entries, err := x.rebuild(ctx)
	if err != nil {
		return 0, syncErrors.WrapOpComponent(err, "queue.Index.Rebuild", component)
	}
	return len(entries), nil
}

func (x *Index) rebuild(ctx context.Context) ([]IndexEntry, error) {
	start := time.Now()

	raw, err := x.records.Values(ctx)
	if err != nil {
		return nil, err
	}
	c := x.codecs.For(Collection)
	entries := make([]IndexEntry, 0, len(raw))
	discarded := 0
	for key, data := range raw {
		p, err := decodeOp(c, data)
		if err != nil {
			// An unreadable record can never be delivered or indexed.
			if err := journal.Delete(ctx, x.records, key); err != nil {
				return nil, err
			}
			x.logger.Warn("discarded unreadable queue record",
				slog.Any("op_id", logging.OpID(key)), slog.String("error", err.Error()))
			discarded++
			continue
		}
		entries = append(entries, IndexEntry{ID: key, CreatedAt: p.CreatedAt.UTC()})
	}
	// Map order is random; ties fall back to id so rebuilds are deterministic.
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].ID < entries[j].ID
		}
		return entries[i].CreatedAt.Before(entries[j].CreatedAt)
	})
	if err := x.save(ctx, entries); err != nil {
		return nil, err
	}

	if discarded > 0 {
		x.metrics.Count("index.rebuild.discarded", int64(discarded))
	}
	x.metrics.Count("index.rebuild", 1)
	x.metrics.Timing("index.rebuild.duration_ms", time.Since(start))
	x.logger.Info("pending index rebuilt", slog.Int("entries", len(entries)))
	return entries, nil
}
