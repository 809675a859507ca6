// Package badger provides a BadgerDB implementation of kv.Store.
//
// Collections share one keyspace. A record is stored under
// collection + "\x00" + key, which keeps each collection contiguous and in
// key byte order.
package badger

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdSync "sync"

	"github.com/dgraph-io/badger/v4"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/logging"
)

const (
	opPut    = "badger.Put"
	opGet    = "badger.Get"
	opDelete = "badger.Delete"
	opScan   = "badger.Scan"

	component = "storage/badger"
)

// Config tunes the embedded database. The zero value of a size field keeps
// the package default.
type Config struct {
	// Dir holds the database files. Ignored when InMemory is set.
	Dir string

	// InMemory keeps everything in RAM. Meant for tests.
	InMemory bool

	// SyncWrites fsyncs every write before it returns.
	SyncWrites bool

	// Memory tuning. Defaults: 64MB block cache, 2 memtables of 32MB,
	// 64MB value log files.
	BlockCacheMB   int64
	MemTableSizeMB int64
	NumMemTables   int
	ValueLogFileMB int64

	Logger *slog.Logger
}

// DefaultConfig returns a durable on-disk config rooted at dir.
func DefaultConfig(dir string) *Config {
	return &Config{Dir: dir, SyncWrites: true}
}

func (c *Config) options() badger.Options {
	opts := badger.DefaultOptions(c.Dir)
	if c.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.SyncWrites = c.SyncWrites
	opts.Logger = &badgerLogger{logger: c.Logger}

	opts.BlockCacheSize = 64 << 20
	if c.BlockCacheMB > 0 {
		opts.BlockCacheSize = c.BlockCacheMB << 20
	}
	opts.MemTableSize = 32 << 20
	if c.MemTableSizeMB > 0 {
		opts.MemTableSize = c.MemTableSizeMB << 20
	}
	opts.NumMemtables = 2
	if c.NumMemTables > 0 {
		opts.NumMemtables = c.NumMemTables
	}
	opts.ValueLogFileSize = 64 << 20
	if c.ValueLogFileMB > 0 {
		opts.ValueLogFileSize = c.ValueLogFileMB << 20
	}
	return opts
}

// badgerLogger routes badger's printf-style logging into slog. Info and
// debug chatter is demoted to debug.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

// Store implements kv.Store on a BadgerDB instance.
type Store struct {
	db     *badger.DB
	mu     stdSync.RWMutex
	closed bool
	logger *slog.Logger
}

var _ kv.Store = (*Store)(nil)

// New opens the database described by config.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, errors.New("badger: config cannot be nil"))
	}
	if config.Dir == "" && !config.InMemory {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, errors.New("badger: Dir is required"))
	}
	config.Logger = logging.ForComponent(config.Logger, component)

	db, err := badger.Open(config.options())
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpStore, fmt.Errorf("failed to open badger db: %w", err))
	}
	config.Logger.Info("badger store opened",
		slog.String("dir", config.Dir),
		slog.Bool("in_memory", config.InMemory),
		slog.Bool("sync_writes", config.SyncWrites),
	)
	return &Store{db: db, logger: config.Logger}, nil
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
	return &collection{store: s, name: name, prefix: []byte(name + "\x00")}, nil
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
	store  *Store
	name   string
	prefix []byte
}

func (c *collection) Name() string { return c.name }

func (c *collection) key(k string) []byte {
	out := make([]byte, 0, len(c.prefix)+len(k))
	out = append(out, c.prefix...)
	return append(out, k...)
}

// do runs fn under the store read lock so Close waits for it.
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
		return c.store.db.Update(func(txn *badger.Txn) error {
			return txn.Set(c.key(key), append([]byte{}, value...))
		})
	})
	return wrap(err, opPut)
}

func (c *collection) Get(ctx context.Context, key string) ([]byte, error) {
	var out []byte
	err := c.do(ctx, func() error {
		return c.store.db.View(func(txn *badger.Txn) error {
			item, err := txn.Get(c.key(key))
			if err != nil {
				return err
			}
			out, err = item.ValueCopy(nil)
			return err
		})
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, wrap(err, opGet)
	}
	if out == nil {
		out = []byte{}
	}
	return out, nil
}

func (c *collection) Delete(ctx context.Context, key string) error {
	err := c.do(ctx, func() error {
		return c.store.db.Update(func(txn *badger.Txn) error {
			return txn.Delete(c.key(key))
		})
	})
	return wrap(err, opDelete)
}

// scan visits every record of the collection in key order.
func (c *collection) scan(ctx context.Context, withValues bool, fn func(key string, value []byte)) error {
	err := c.do(ctx, func() error {
		return c.store.db.View(func(txn *badger.Txn) error {
			opts := badger.DefaultIteratorOptions
			opts.Prefix = c.prefix
			opts.PrefetchValues = withValues
			it := txn.NewIterator(opts)
			defer it.Close()

			for it.Seek(c.prefix); it.ValidForPrefix(c.prefix); it.Next() {
				item := it.Item()
				k := string(item.Key()[len(c.prefix):])
				if !withValues {
					fn(k, nil)
					continue
				}
				v, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				if v == nil {
					v = []byte{}
				}
				fn(k, v)
			}
			return nil
		})
	})
	return wrap(err, opScan)
}

func (c *collection) Keys(ctx context.Context) ([]string, error) {
	keys := []string{}
	if err := c.scan(ctx, false, func(k string, _ []byte) { keys = append(keys, k) }); err != nil {
		return nil, err
	}
	return keys, nil
}

func (c *collection) Values(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte)
	if err := c.scan(ctx, true, func(k string, v []byte) { out[k] = v }); err != nil {
		return nil, err
	}
	return out, nil
}

func wrap(err error, op string) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, kv.ErrNotOpen):
		return err
	case errors.Is(err, badger.ErrDBClosed):
		return kv.ErrNotOpen
	case errors.Is(err, badger.ErrConflict):
		return syncErrors.WrapOpComponentKind(err, op, component, syncErrors.KindTransient)
	}
	return syncErrors.WrapOpComponent(err, op, component)
}
