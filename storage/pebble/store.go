// Package pebble provides a Pebble implementation of kv.Store.
//
// Records live under collection + "\x00" + key. Iteration bounds are
// [collection+"\x00", collection+"\x01"), so a collection never sees the
// keys of another whose name it prefixes.
package pebble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdSync "sync"

	"github.com/cockroachdb/pebble"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/logging"
)

const (
	opPut    = "pebble.Put"
	opGet    = "pebble.Get"
	opDelete = "pebble.Delete"
	opScan   = "pebble.Scan"

	component = "storage/pebble"
)

// Config tunes the database. Zero sizes keep the defaults.
type Config struct {
	Dir string

	// SyncWrites fsyncs the WAL on every write.
	SyncWrites bool

	// Defaults: 32MB block cache, 16MB memtables.
	CacheSizeMB    int64
	MemTableSizeMB int64

	Logger *slog.Logger
}

// DefaultConfig returns a durable config rooted at dir.
func DefaultConfig(dir string) *Config {
	return &Config{Dir: dir, SyncWrites: true}
}

// pebbleLogger wraps slog for Pebble
type pebbleLogger struct {
	logger *slog.Logger
}

func (l *pebbleLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *pebbleLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *pebbleLogger) Fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	l.logger.Error(msg, slog.Bool("fatal", true))
	panic(msg)
}

// Store implements kv.Store on a Pebble database.
type Store struct {
	db        *pebble.DB
	writeOpts *pebble.WriteOptions
	mu        stdSync.RWMutex
	closed    bool
	logger    *slog.Logger
}

var _ kv.Store = (*Store)(nil)

// New opens or creates the database in config.Dir.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, errors.New("pebble: config cannot be nil"))
	}
	if config.Dir == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, errors.New("pebble: Dir is required"))
	}
	logger := logging.ForComponent(config.Logger, component)

	cacheSize := int64(32 << 20)
	if config.CacheSizeMB > 0 {
		cacheSize = config.CacheSizeMB << 20
	}
	memTable := uint64(16 << 20)
	if config.MemTableSizeMB > 0 {
		memTable = uint64(config.MemTableSizeMB << 20)
	}

	cache := pebble.NewCache(cacheSize)
	defer cache.Unref() // DB holds its own reference

	db, err := pebble.Open(config.Dir, &pebble.Options{
		Cache:        cache,
		MemTableSize: memTable,
		Logger:       &pebbleLogger{logger: logger},
	})
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpStore, fmt.Errorf("failed to open pebble db: %w", err))
	}

	writeOpts := pebble.NoSync
	if config.SyncWrites {
		writeOpts = pebble.Sync
	}
	logger.Info("pebble store opened",
		slog.String("dir", config.Dir),
		slog.Bool("sync_writes", config.SyncWrites),
	)
	return &Store{db: db, writeOpts: writeOpts, logger: logger}, nil
}

func (s *Store) Open(ctx context.Context, name string) (kv.Collection, error) {
	if err := kv.ValidateName(name); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, kv.ErrNotOpen
	}
	return &collection{
		store: s,
		name:  name,
		lower: []byte(name + "\x00"),
		upper: []byte(name + "\x01"),
	}, nil
}

// Close flushes and closes the database. Calling it twice is safe.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

type collection struct {
	store        *Store
	name         string
	lower, upper []byte
}

func (c *collection) Name() string { return c.name }

func (c *collection) key(k string) []byte {
	out := make([]byte, 0, len(c.lower)+len(k))
	out = append(out, c.lower...)
	return append(out, k...)
}

// do runs fn under the store read lock so Close waits for it. Pebble
// panics on a closed DB.
func (c *collection) do(ctx context.Context, fn func() error) error {
	c.store.mu.RLock()
	defer c.store.mu.RUnlock()
	if c.store.closed {
		return kv.ErrNotOpen
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return fn()
}

func (c *collection) Put(ctx context.Context, key string, value []byte) error {
	err := c.do(ctx, func() error {
		return c.store.db.Set(c.key(key), value, c.store.writeOpts)
	})
	return wrap(err, opPut)
}

func (c *collection) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func() error {
		val, closer, err := c.store.db.Get(c.key(key))
		if err != nil {
			return err
		}
		out = append([]byte{}, val...)
		return closer.Close()
	})
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err, opGet)
	}
	return out, nil
}

func (c *collection) Delete(ctx context.Context, key string) error {
	err := c.do(ctx, func() error {
		return c.store.db.Delete(c.key(key), c.store.writeOpts)
	})
	return wrap(err, opDelete)
}

func (c *collection) scan(ctx context.Context, fn func(key string, value []byte)) error {
	err := c.do(ctx, func() error {
		iter, err := c.store.db.NewIter(&pebble.IterOptions{
			LowerBound: c.lower,
			UpperBound: c.upper,
		})
		if err != nil {
			return err
		}
		for iter.First(); iter.Valid(); iter.Next() {
			fn(string(iter.Key()[len(c.lower):]), append([]byte{}, iter.Value()...))
		}
		if err := iter.Error(); err != nil {
			iter.Close()
			return err
		}
		return iter.Close()
	})
	return wrap(err, opScan)
}

func (c *collection) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}
	if err := c.scan(ctx, func(k string, _ []byte) { keys = append(keys, k) }); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *collection) Values(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	if err := c.scan(ctx, func(k string, v []byte) { out[k] = v }); err != nil {
		return nil, err
	}
	return out, nil
}

func wrap(err error, op string) error {
	if err == nil || errors.Is(err, kv.ErrNotOpen) {
		return err
	}
	return syncErrors.WrapOpComponent(err, op, component)
}
