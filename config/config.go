// Package config loads the engine configuration from YAML or JSON files
// with environment overrides.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/queue"
	"github.com/c0deZ3R0/go-offline-kit/synckit/codec"
)

// Storage backends.
const (
	BackendMemory   = "memory"
	BackendSQLite   = "sqlite"
	BackendPostgres = "postgres"
	BackendBadger   = "badger"
	BackendPebble   = "pebble"
)

// Environment variables read by ApplyEnv.
const (
	EnvBackend     = "OFFLINE_SYNC_BACKEND"
	EnvDSN         = "OFFLINE_SYNC_DSN"
	EnvDataDir     = "OFFLINE_SYNC_DATA_DIR"
	EnvMaxAttempts = "OFFLINE_SYNC_MAX_ATTEMPTS"
	EnvEndpoint    = "OFFLINE_SYNC_ENDPOINT"
)

// Duration is a time.Duration written as "1.5s" in config files.
type Duration time.Duration

func (d Duration) String() string { return time.Duration(d).String() }

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(time.Duration(d).String()), nil
}

func (d *Duration) UnmarshalText(text []byte) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", text, err)
	}
	*d = Duration(parsed)
	return nil
}

// Config is the complete engine configuration.
type Config struct {
	Storage   StorageConfig   `json:"storage" yaml:"storage"`
	Queue     QueueConfig     `json:"queue" yaml:"queue"`
	Retry     RetryConfig     `json:"retry" yaml:"retry"`
	Worker    WorkerConfig    `json:"worker" yaml:"worker"`
	Telemetry TelemetryConfig `json:"telemetry" yaml:"telemetry"`
	Logging   logging.Config  `json:"logging" yaml:"logging"`
}

// StorageConfig selects the key-value substrate.
type StorageConfig struct {
	Backend    string `json:"backend" yaml:"backend"`
	DataDir    string `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`
	DSN        string `json:"dsn,omitempty" yaml:"dsn,omitempty"`
	SyncWrites bool   `json:"sync_writes" yaml:"sync_writes"`
	// Codec used for the pending op records.
	Codec string `json:"codec,omitempty" yaml:"codec,omitempty"`
}

type QueueConfig struct {
	MaxAttempts     int    `json:"max_attempts" yaml:"max_attempts"`
	BatchSize       int    `json:"batch_size" yaml:"batch_size"`
	DuplicatePolicy string `json:"duplicate_policy,omitempty" yaml:"duplicate_policy,omitempty"`
}

type RetryConfig struct {
	Initial    Duration `json:"initial" yaml:"initial"`
	Max        Duration `json:"max" yaml:"max"`
	Multiplier float64  `json:"multiplier" yaml:"multiplier"`
	Jitter     float64  `json:"jitter" yaml:"jitter"`
}

type WorkerConfig struct {
	Endpoint       string   `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`
	Lanes          int      `json:"lanes" yaml:"lanes"`
	Rate           float64  `json:"rate,omitempty" yaml:"rate,omitempty"` // sends per second, 0 is unlimited
	Burst          int      `json:"burst,omitempty" yaml:"burst,omitempty"`
	Interval       Duration `json:"interval" yaml:"interval"`
	RequestTimeout Duration `json:"request_timeout" yaml:"request_timeout"`
}

type TelemetryConfig struct {
	Prometheus bool   `json:"prometheus" yaml:"prometheus"`
	Namespace  string `json:"namespace,omitempty" yaml:"namespace,omitempty"`
	ListenAddr string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`
}

// Default returns the configuration used when no file is given.
func Default() *Config {
	return &Config{
		Storage: StorageConfig{
			Backend:    BackendSQLite,
			DataDir:    "./data",
			SyncWrites: true,
			Codec:      "json",
		},
		Queue: QueueConfig{
			MaxAttempts:     5,
			BatchSize:       50,
			DuplicatePolicy: queue.DuplicatesAllowed.String(),
		},
		Retry: RetryConfig{
			Initial:    Duration(time.Second),
			Max:        Duration(5 * time.Minute),
			Multiplier: 2.0,
			Jitter:     0.2,
		},
		Worker: WorkerConfig{
			Lanes:          4,
			Interval:       Duration(5 * time.Second),
			RequestTimeout: Duration(30 * time.Second),
		},
		Telemetry: TelemetryConfig{
			Namespace:  "offline_sync",
			ListenAddr: ":9464",
		},
		Logging: logging.DefaultConfig,
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, syncErrors.NewWithComponent(syncErrors.OpConfig, "config",
				fmt.Errorf("failed to read config file %s: %w", path, err))
		}
		if err := cfg.decode(data, detectFormat(path)); err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes data in format ("yaml" or "json") over the defaults and
// validates it. The environment is not consulted.
func Parse(data []byte, format string) (*Config, error) {
	cfg := Default()
	if err := cfg.decode(data, format); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decode(data []byte, format string) error {
	var err error
	switch strings.ToLower(format) {
	case "yaml", "yml":
		err = yaml.Unmarshal(data, c)
	case "json":
		err = json.Unmarshal(data, c)
	default:
		err = fmt.Errorf("unsupported config format: %s", format)
	}
	if err != nil {
		return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("failed to parse %s config: %w", format, err))
	}
	return nil
}

// detectFormat determines file format from extension.
func detectFormat(path string) string {
	switch strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")) {
	case "json":
		return "json"
	default:
		return "yaml"
	}
}

// ApplyEnv overlays the OFFLINE_SYNC_* variables and the logging variables.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvBackend); v != "" {
		c.Storage.Backend = strings.ToLower(v)
	}
	if v := os.Getenv(EnvDSN); v != "" {
		c.Storage.DSN = v
	}
	if v := os.Getenv(EnvDataDir); v != "" {
		c.Storage.DataDir = v
	}
	if v := os.Getenv(EnvEndpoint); v != "" {
		c.Worker.Endpoint = v
	}
	if v := os.Getenv(EnvMaxAttempts); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return syncErrors.NewValidationError(syncErrors.OpConfig, fmt.Errorf("%s: %w", EnvMaxAttempts, err))
		}
		c.Queue.MaxAttempts = n
	}
	c.Logging = logging.ApplyEnv(c.Logging)
	return nil
}

// Validate reports every invalid setting at once.
func (c *Config) Validate() error {
	var errs []error
	switch c.Storage.Backend {
	case BackendMemory:
	case BackendSQLite, BackendBadger, BackendPebble:
		if c.Storage.DataDir == "" {
			errs = append(errs, fmt.Errorf("storage.data_dir is required for the %s backend", c.Storage.Backend))
		}
	case BackendPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend %q is not one of memory, sqlite, postgres, badger, pebble", c.Storage.Backend))
	}
	if _, err := codec.ByName(c.Storage.Codec); err != nil {
		errs = append(errs, fmt.Errorf("storage.codec: %w", err))
	} else if c.Storage.Codec == "raw" {
		errs = append(errs, errors.New("storage.codec: raw cannot encode pending ops"))
	}
	if c.Queue.MaxAttempts < 1 {
		errs = append(errs, fmt.Errorf("queue.max_attempts must be at least 1, got %d", c.Queue.MaxAttempts))
	}
	if c.Queue.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("queue.batch_size must be at least 1, got %d", c.Queue.BatchSize))
	}
	if _, err := queue.ParseDuplicatePolicy(c.Queue.DuplicatePolicy); err != nil {
		errs = append(errs, fmt.Errorf("queue.duplicate_policy: %w", err))
	}
	if c.Retry.Initial <= 0 {
		errs = append(errs, errors.New("retry.initial must be positive"))
	}
	if c.Retry.Max < c.Retry.Initial {
		errs = append(errs, fmt.Errorf("retry.max (%s) is below retry.initial (%s)", c.Retry.Max, c.Retry.Initial))
	}
	if c.Retry.Multiplier < 1 {
		errs = append(errs, fmt.Errorf("retry.multiplier must be at least 1, got %g", c.Retry.Multiplier))
	}
	if c.Retry.Jitter < 0 || c.Retry.Jitter > 1 {
		errs = append(errs, fmt.Errorf("retry.jitter must be within [0, 1], got %g", c.Retry.Jitter))
	}
	if c.Worker.Lanes < 1 {
		errs = append(errs, fmt.Errorf("worker.lanes must be at least 1, got %d", c.Worker.Lanes))
	}
	if c.Worker.Rate < 0 {
		errs = append(errs, fmt.Errorf("worker.rate must not be negative, got %g", c.Worker.Rate))
	}
	if c.Worker.Interval <= 0 {
		errs = append(errs, errors.New("worker.interval must be positive"))
	}
	if c.Telemetry.Prometheus && c.Telemetry.Namespace == "" {
		errs = append(errs, errors.New("telemetry.namespace is required when prometheus is enabled"))
	}
	switch c.Logging.Format {
	case "", "json", "text":
	default:
		errs = append(errs, fmt.Errorf("logging.format %q is not json or text", c.Logging.Format))
	}

	if len(errs) == 0 {
		return nil
	}
	return syncErrors.NewValidationError(syncErrors.OpConfig, errors.Join(errs...))
}
