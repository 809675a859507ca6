package synckit

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/c0deZ3R0/go-offline-kit/config"
	"github.com/c0deZ3R0/go-offline-kit/failed"
	"github.com/c0deZ3R0/go-offline-kit/journal"
	"github.com/c0deZ3R0/go-offline-kit/kv"
	"github.com/c0deZ3R0/go-offline-kit/queue"
	"github.com/c0deZ3R0/go-offline-kit/synckit/codec"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
)

// Option is a functional option for configuring an Engine via Open.
type Option func(*options) error

type options struct {
	store       kv.Store
	storage     *config.StorageConfig
	dataDir     string
	logger      *slog.Logger
	metrics     telemetry.Sink
	now         func() time.Time
	codecs      *codec.Registry
	maxAttempts int
	policy      queue.DuplicatePolicy
}

func defaultOptions() *options {
	return &options{
		codecs:      codec.NewRegistry(),
		maxAttempts: config.Default().Queue.MaxAttempts,
		now:         time.Now,
	}
}

// WithStore injects an opened kv.Store. The engine closes it on Close.
func WithStore(s kv.Store) Option {
	return func(o *options) error {
		if s == nil {
			return errors.New("store cannot be nil")
		}
		o.store = s
		return nil
	}
}

// WithConfig applies a loaded configuration: the storage backend is opened
// from cfg.Storage unless WithStore is also given, file-backed backends lock
// their data directory, and the queue settings and record codec are taken
// from cfg.
func WithConfig(cfg *config.Config) Option {
	return func(o *options) error {
		if cfg == nil {
			return errors.New("config cannot be nil")
		}
		if err := cfg.Validate(); err != nil {
			return err
		}
		storage := cfg.Storage
		o.storage = &storage
		switch storage.Backend {
		case config.BackendSQLite, config.BackendBadger, config.BackendPebble:
			o.dataDir = storage.DataDir
		}
		o.maxAttempts = cfg.Queue.MaxAttempts
		policy, err := queue.ParseDuplicatePolicy(cfg.Queue.DuplicatePolicy)
		if err != nil {
			return err
		}
		o.policy = policy
		c, err := codec.ByName(storage.Codec)
		if err != nil {
			return err
		}
		for _, name := range []string{queue.Collection, failed.Collection, journal.Collection} {
			o.codecs.Register(name, c)
		}
		return nil
	}
}

// WithDataDir makes Open take an exclusive lock on dir/.lock so a second
// process cannot open the same data.
func WithDataDir(dir string) Option {
	return func(o *options) error {
		o.dataDir = dir
		return nil
	}
}

// WithLogger sets the base logger for the engine and its components.
func WithLogger(l *slog.Logger) Option {
	return func(o *options) error {
		o.logger = l
		return nil
	}
}

// WithTelemetry sets the metrics sink. Sink panics are recovered.
func WithTelemetry(s telemetry.Sink) Option {
	return func(o *options) error {
		o.metrics = s
		return nil
	}
}

// WithClock overrides time.Now for every component.
func WithClock(now func() time.Time) Option {
	return func(o *options) error {
		if now == nil {
			return errors.New("clock cannot be nil")
		}
		o.now = now
		return nil
	}
}

// WithCodec binds c to an application collection or to one of the engine's
// own collections.
func WithCodec(collection string, c codec.Codec) Option {
	return func(o *options) error {
		if err := kv.ValidateName(collection); err != nil {
			return err
		}
		if c == nil {
			return fmt.Errorf("codec for %q cannot be nil", collection)
		}
		o.codecs.Register(collection, c)
		return nil
	}
}

// WithMaxAttempts sets the retry budget used when Fail is called with a
// non-positive maximum.
func WithMaxAttempts(n int) Option {
	return func(o *options) error {
		if n < 1 {
			return fmt.Errorf("max attempts must be at least 1, got %d", n)
		}
		o.maxAttempts = n
		return nil
	}
}

// WithDuplicatePolicy sets how the pending index treats a re-enqueued id.
func WithDuplicatePolicy(p queue.DuplicatePolicy) Option {
	return func(o *options) error {
		o.policy = p
		return nil
	}
}
