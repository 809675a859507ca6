package synckit

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/config"
	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/kv/memory"
	"github.com/c0deZ3R0/go-offline-kit/storage/badger"
	"github.com/c0deZ3R0/go-offline-kit/storage/pebble"
	"github.com/c0deZ3R0/go-offline-kit/storage/postgres"
	"github.com/c0deZ3R0/go-offline-kit/storage/sqlite"
)

// SQLiteFile is the database file name inside the data directory.
const SQLiteFile = "offline.db"

// OpenStore opens the kv.Store selected by cfg.Backend. File-backed
// backends create their directory under cfg.DataDir.
func OpenStore(cfg config.StorageConfig, logger *slog.Logger) (kv.Store, error) {
	switch cfg.Backend {
	case config.BackendMemory:
		return memory.New(), nil

	case config.BackendSQLite:
		if err := ensureDir(cfg.DataDir); err != nil {
			return nil, err
		}
		dsn := filepath.Join(cfg.DataDir, SQLiteFile)
		if !cfg.SyncWrites {
			dsn += "?_synchronous=NORMAL"
		}
		return sqlite.New(&sqlite.Config{
			DataSourceName: dsn,
			EnableWAL:      true,
			BusyTimeout:    5 * time.Second,
			Logger:         logger,
		})

	case config.BackendPostgres:
		pg := postgres.DefaultConfig(cfg.DSN)
		pg.Logger = logger
		return postgres.New(pg)

	case config.BackendBadger:
		dir := filepath.Join(cfg.DataDir, "badger")
		if err := ensureDir(dir); err != nil {
			return nil, err
		}
		return badger.New(&badger.Config{Dir: dir, SyncWrites: cfg.SyncWrites, Logger: logger})

	case config.BackendPebble:
		dir := filepath.Join(cfg.DataDir, "pebble")
		if err := ensureDir(dir); err != nil {
			return nil, err
		}
		return pebble.New(&pebble.Config{Dir: dir, SyncWrites: cfg.SyncWrites, Logger: logger})
	}
	return nil, syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("unknown storage backend %q", cfg.Backend))
}

func ensureDir(dir string) error {
	if dir == "" {
		return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("data directory is required"))
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return syncErrors.NewStorageError(syncErrors.OpStore, fmt.Errorf("create data directory: %w", err))
	}
	return nil
}
