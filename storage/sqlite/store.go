// Package sqlite provides a SQLite implementation of kv.Store.
//
// Every collection lives in one table keyed by (collection, key). Single
// statements are atomic in SQLite, so each Put and Delete is durable once it
// returns.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	stdSync "sync"
	"time"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/logging"

	"github.com/mattn/go-sqlite3"
)

// Operation constants for consistent error reporting
const (
	opOpen   = "sqlite.Open"
	opPut    = "sqlite.Put"
	opGet    = "sqlite.Get"
	opDelete = "sqlite.Delete"
	opKeys   = "sqlite.Keys"
	opValues = "sqlite.Values"

	component = "storage/sqlite"
)

// ErrStoreClosed is returned by every call made after Close.
var ErrStoreClosed = kv.ErrNotOpen

// Config holds configuration options for the Store.
//
// DefaultConfig applies:
//   - WAL journal mode
//   - a 5s busy timeout so concurrent writers wait instead of failing
//   - a connection pool of 25 open and 5 idle connections
type Config struct {
	// DataSourceName is the path or file: URI of the database.
	// Example: "file:offline.db" or "/var/lib/app/offline.db"
	DataSourceName string

	// EnableWAL appends _journal_mode=WAL to DataSourceName.
	EnableWAL bool

	// BusyTimeout appends _busy_timeout when positive.
	BusyTimeout time.Duration

	// Logger receives lifecycle messages. Defaults to the package default.
	Logger *slog.Logger

	// TableName defaults to "kv".
	TableName string

	// Connection pool settings.
	// Defaults: MaxOpen=25, MaxIdle=5, Lifetime=1h, IdleTime=5m
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// setDefaults applies default values to the config
func (c *Config) setDefaults() {
	if c.TableName == "" {
		c.TableName = "kv"
	}
	c.Logger = logging.ForComponent(c.Logger, component)
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 25
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = time.Hour
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	if c.EnableWAL && !strings.Contains(c.DataSourceName, "_journal_mode=") {
		c.DataSourceName = withParam(c.DataSourceName, "_journal_mode=WAL")
	}
	if c.BusyTimeout > 0 && !strings.Contains(c.DataSourceName, "_busy_timeout=") {
		c.DataSourceName = withParam(c.DataSourceName, fmt.Sprintf("_busy_timeout=%d", c.BusyTimeout.Milliseconds()))
	}
}

func withParam(dsn, param string) string {
	if strings.Contains(dsn, "?") {
		return dsn + "&" + param
	}
	return dsn + "?" + param
}

// DefaultConfig returns a Config with production defaults for path.
func DefaultConfig(path string) *Config {
	config := &Config{
		DataSourceName: path,
		EnableWAL:      true,
		BusyTimeout:    5 * time.Second,
	}
	config.setDefaults()
	return config
}

// Store implements kv.Store on a single SQLite table.
type Store struct {
	db        *sql.DB
	mu        stdSync.RWMutex
	closed    bool
	logger    *slog.Logger
	tableName string
}

var _ kv.Store = (*Store)(nil)

// NewWithPath opens path with DefaultConfig.
func NewWithPath(path string) (*Store, error) {
	return New(DefaultConfig(path))
}

// New opens the database described by config and creates the table.
func New(config *Config) (*Store, error) {
	if config == nil {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, errors.New("sqlite: config cannot be nil"))
	}
	config.setDefaults()
	if config.DataSourceName == "" {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, errors.New("sqlite: DataSourceName is required"))
	}
	if !validIdentifier(config.TableName) {
		return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("sqlite: invalid table name %q", config.TableName))
	}

	logger := config.Logger
	logger.Info("opening SQLite database",
		slog.String("data_source", config.DataSourceName),
		slog.Bool("wal_enabled", config.EnableWAL),
	)

	db, err := sql.Open("sqlite3", config.DataSourceName)
	if err != nil {
		return nil, syncErrors.NewStorageError(syncErrors.OpStore, fmt.Errorf("failed to open sqlite database: %w", err))
	}

	db.SetMaxOpenConns(config.MaxOpenConns)
	db.SetMaxIdleConns(config.MaxIdleConns)
	db.SetConnMaxLifetime(config.ConnMaxLifetime)
	db.SetConnMaxIdleTime(config.ConnMaxIdleTime)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpStore, fmt.Errorf("failed to connect to sqlite database: %w", err))
	}

	store := &Store{
		db:        db,
		logger:    logger,
		tableName: config.TableName,
	}
	if err := store.setupSchema(); err != nil {
		db.Close()
		return nil, syncErrors.NewStorageError(syncErrors.OpStore, fmt.Errorf("failed to setup database schema: %w", err))
	}

	logger.Debug("SQLite store initialized",
		slog.String("table_name", config.TableName),
		slog.Int("max_open_conns", config.MaxOpenConns),
	)
	return store, nil
}

func (s *Store) setupSchema() error {
	query := fmt.Sprintf(`
    CREATE TABLE IF NOT EXISTS %s (
        collection TEXT NOT NULL,
        key        TEXT NOT NULL,
        value      BLOB NOT NULL,
        PRIMARY KEY (collection, key)
    ) WITHOUT ROWID;
    `, s.tableName)
	_, err := s.db.Exec(query)
	return err
}

// validIdentifier accepts plain SQL identifiers so table names can be
// interpolated safely.
func validIdentifier(name string) bool {
	if name == "" {
		return false
	}
	for i, r := range name {
		switch {
		case r == '_', r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9' && i > 0:
		default:
			return false
		}
	}
	return true
}

func (s *Store) Open(ctx context.Context, name string) (kv.Collection, error) {
	if err := kv.ValidateName(name); err != nil {
		return nil, err
	}
	if err := s.check(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, syncErrors.WrapOpComponent(err, opOpen, component)
	}
	return &collection{store: s, name: name}, nil
}

// Close closes the database. Calling it twice is safe.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	s.logger.Debug("closing SQLite database")
	return s.db.Close()
}

// Stats returns database/sql pool statistics.
func (s *Store) Stats() sql.DBStats {
	return s.db.Stats()
}

func (s *Store) check() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// storageErr classifies driver errors. Only lock contention is worth
// retrying; other errors keep the driver's meaning.
func storageErr(op string, err error) error {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code {
		case sqlite3.ErrBusy, sqlite3.ErrLocked:
			return syncErrors.WrapOpComponentKind(err, op, component, syncErrors.KindTransient)
		case sqlite3.ErrCorrupt, sqlite3.ErrNotADB:
			return syncErrors.WrapOpComponentKind(err, op, component, syncErrors.KindCorrupt)
		}
	}
	return syncErrors.WrapOpComponent(err, op, component)
}

type collection struct {
	store *Store
	name  string
}

func (c *collection) Name() string { return c.name }

func (c *collection) Put(ctx context.Context, key string, value []byte) error {
	if err := c.store.check(); err != nil {
		return err
	}
	if value == nil {
		// nil binds as NULL
		value = []byte{}
	}
	query := fmt.Sprintf(`INSERT INTO %s (collection, key, value) VALUES (?, ?, ?)
        ON CONFLICT(collection, key) DO UPDATE SET value = excluded.value`, c.store.tableName)
	if _, err := c.store.db.ExecContext(ctx, query, c.name, key, value); err != nil {
		return storageErr(opPut, err)
	}
	return nil
}

func (c *collection) Get(ctx context.Context, key string) ([]byte, error) {
	if err := c.store.check(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT value FROM %s WHERE collection = ? AND key = ?`, c.store.tableName)
	var value []byte
	err := c.store.db.QueryRowContext(ctx, query, c.name, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, storageErr(opGet, err)
	}
	if value == nil {
		value = []byte{}
	}
	return value, nil
}

func (c *collection) Delete(ctx context.Context, key string) error {
	if err := c.store.check(); err != nil {
		return err
	}
	query := fmt.Sprintf(`DELETE FROM %s WHERE collection = ? AND key = ?`, c.store.tableName)
	if _, err := c.store.db.ExecContext(ctx, query, c.name, key); err != nil {
		return storageErr(opDelete, err)
	}
	return nil
}

func (c *collection) Keys(ctx context.Context) ([]string, error) {
	if err := c.store.check(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT key FROM %s WHERE collection = ? ORDER BY key`, c.store.tableName)
	rows, err := c.store.db.QueryContext(ctx, query, c.name)
	if err != nil {
		return nil, storageErr(opKeys, err)
	}
	defer rows.Close()

	keys := []string{}
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, storageErr(opKeys, err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(opKeys, err)
	}
	return keys, nil
}

func (c *collection) Values(ctx context.Context) (map[string][]byte, error) {
	if err := c.store.check(); err != nil {
		return nil, err
	}
	query := fmt.Sprintf(`SELECT key, value FROM %s WHERE collection = ?`, c.store.tableName)
	rows, err := c.store.db.QueryContext(ctx, query, c.name)
	if err != nil {
		return nil, storageErr(opValues, err)
	}
	defer rows.Close()

	out := make(map[string][]byte)
	for rows.Next() {
		var k string
		var v []byte
		if err := rows.Scan(&k, &v); err != nil {
			return nil, storageErr(opValues, err)
		}
		if v == nil {
			v = []byte{}
		}
		out[k] = v
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(opValues, err)
	}
	return out, nil
}
