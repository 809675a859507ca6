package config

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	syncErrors "github.com/c0deZ3R0/go-offline-kit/errors"
	"github.com/c0deZ3R0/go-offline-kit/logging"
)

const yamlConfig = `
storage:
  backend: badger
  data_dir: /var/lib/offline
  codec: msgpack
queue:
  max_attempts: 8
  batch_size: 20
  duplicate_policy: ignore
retry:
  initial: 250ms
  max: 1m
  multiplier: 3
  jitter: 0.1
worker:
  endpoint: https://api.example.com/sync
  lanes: 2
  rate: 10
  interval: 2s
  request_timeout: 5s
telemetry:
  prometheus: true
  namespace: app
logging:
  level: debug
  format: text
`

func TestParseYAML(t *testing.T) {
	cfg, err := Parse([]byte(yamlConfig), "yaml")
	require.NoError(t, err)

	assert.Equal(t, BackendBadger, cfg.Storage.Backend)
	assert.Equal(t, "/var/lib/offline", cfg.Storage.DataDir)
	assert.Equal(t, "msgpack", cfg.Storage.Codec)
	assert.True(t, cfg.Storage.SyncWrites, "unset keys keep their defaults")
	assert.Equal(t, 8, cfg.Queue.MaxAttempts)
	assert.Equal(t, "ignore", cfg.Queue.DuplicatePolicy)
	assert.Equal(t, Duration(250*time.Millisecond), cfg.Retry.Initial)
	assert.Equal(t, Duration(time.Minute), cfg.Retry.Max)
	assert.Equal(t, 3.0, cfg.Retry.Multiplier)
	assert.Equal(t, 2, cfg.Worker.Lanes)
	assert.Equal(t, Duration(2*time.Second), cfg.Worker.Interval)
	assert.Equal(t, "app", cfg.Telemetry.Namespace)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestParseJSON(t *testing.T) {
	data := `{"storage":{"backend":"memory"},"retry":{"initial":"2s","max":"10s","multiplier":2},"worker":{"interval":"1s","lanes":1}}`
	cfg, err := Parse([]byte(data), "json")
	require.NoError(t, err)
	assert.Equal(t, BackendMemory, cfg.Storage.Backend)
	assert.Equal(t, Duration(2*time.Second), cfg.Retry.Initial)
	assert.Equal(t, 1, cfg.Worker.Lanes)
}

func TestParseRejectsBadInput(t *testing.T) {
	_, err := Parse([]byte("retry:\n  initial: soon\n"), "yaml")
	require.Error(t, err)
	assert.True(t, syncErrors.Is(err, syncErrors.KindPermanent))

	_, err = Parse([]byte("{}"), "toml")
	assert.ErrorContains(t, err, "unsupported config format")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"unknown backend", func(c *Config) { c.Storage.Backend = "mongo" }, "storage.backend"},
		{"postgres without dsn", func(c *Config) { c.Storage.Backend = BackendPostgres }, "storage.dsn"},
		{"file backend without dir", func(c *Config) { c.Storage.DataDir = "" }, "storage.data_dir"},
		{"unknown codec", func(c *Config) { c.Storage.Codec = "xml" }, "storage.codec"},
		{"raw codec", func(c *Config) { c.Storage.Codec = "raw" }, "raw cannot encode"},
		{"zero attempts", func(c *Config) { c.Queue.MaxAttempts = 0 }, "queue.max_attempts"},
		{"zero batch", func(c *Config) { c.Queue.BatchSize = 0 }, "queue.batch_size"},
		{"bad policy", func(c *Config) { c.Queue.DuplicatePolicy = "merge" }, "queue.duplicate_policy"},
		{"zero initial", func(c *Config) { c.Retry.Initial = 0 }, "retry.initial"},
		{"max below initial", func(c *Config) { c.Retry.Max = Duration(time.Millisecond) }, "retry.max"},
		{"shrinking multiplier", func(c *Config) { c.Retry.Multiplier = 0.5 }, "retry.multiplier"},
		{"jitter above one", func(c *Config) { c.Retry.Jitter = 1.5 }, "retry.jitter"},
		{"no lanes", func(c *Config) { c.Worker.Lanes = 0 }, "worker.lanes"},
		{"negative rate", func(c *Config) { c.Worker.Rate = -1 }, "worker.rate"},
		{"zero interval", func(c *Config) { c.Worker.Interval = 0 }, "worker.interval"},
		{"prometheus without namespace", func(c *Config) {
			c.Telemetry.Prometheus = true
			c.Telemetry.Namespace = ""
		}, "telemetry.namespace"},
		{"log format", func(c *Config) { c.Logging.Format = "xml" }, "logging.format"},
	}
	require.NoError(t, Default().Validate())
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			assert.Equal(t, syncErrors.ErrCodeValidationFailure, syncErrors.CodeOf(err))
		})
	}
}

func TestValidateReportsAllProblems(t *testing.T) {
	cfg := Default()
	cfg.Queue.MaxAttempts = 0
	cfg.Worker.Lanes = 0
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "queue.max_attempts")
	assert.Contains(t, err.Error(), "worker.lanes")
}

func TestLoadAppliesEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "offline.yaml")
	require.NoError(t, os.WriteFile(path, []byte(yamlConfig), 0o600))

	t.Setenv(EnvBackend, "POSTGRES")
	t.Setenv(EnvDSN, "postgres://localhost/offline")
	t.Setenv(EnvMaxAttempts, "3")
	t.Setenv(EnvEndpoint, "http://localhost:8080")
	t.Setenv(EnvDataDir, "/tmp/offline")
	t.Setenv("LOG_LEVEL", "WARN")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, BackendPostgres, cfg.Storage.Backend)
	assert.Equal(t, "postgres://localhost/offline", cfg.Storage.DSN)
	assert.Equal(t, "/tmp/offline", cfg.Storage.DataDir)
	assert.Equal(t, 3, cfg.Queue.MaxAttempts)
	assert.Equal(t, "http://localhost:8080", cfg.Worker.Endpoint)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadBadEnv(t *testing.T) {
	t.Setenv(EnvMaxAttempts, "many")
	_, err := Load("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), EnvMaxAttempts)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestDetectFormat(t *testing.T) {
	cases := map[string]string{
		"a.json":    "json",
		"a.JSON":    "json",
		"a.yaml":    "yaml",
		"a.yml":     "yaml",
		"noext":     "yaml",
		"dir.json/": "yaml",
	}
	for path, want := range cases {
		if got := detectFormat(path); got != want {
			t.Errorf("detectFormat(%q) = %q, want %q", path, got, want)
		}
	}
}

func TestDurationText(t *testing.T) {
	var d Duration
	require.NoError(t, d.UnmarshalText([]byte(" 1m30s ")))
	assert.Equal(t, Duration(90*time.Second), d)
	text, err := d.MarshalText()
	require.NoError(t, err)
	assert.Equal(t, "1m30s", string(text))
	assert.Error(t, d.UnmarshalText([]byte("90")))
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "offline.yaml")
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: info\n"), 0o600))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var mu sync.Mutex
	var levels []string
	done := make(chan error, 1)
	go func() {
		done <- Watch(ctx, path, logging.Discard().Logger, func(c *Config) {
			mu.Lock()
			levels = append(levels, c.Logging.Level)
			mu.Unlock()
		})
	}()

	// Give the watcher time to register before writing.
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.WriteFile(path, []byte("logging:\n  level: debug\n"), 0o600))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(levels) > 0 && levels[len(levels)-1] == "debug"
	}, 5*time.Second, 20*time.Millisecond)

	// An invalid file is skipped.
	require.NoError(t, os.WriteFile(path, []byte("queue:\n  max_attempts: 0\n"), 0o600))
	time.Sleep(2 * DebounceDelay)
	mu.Lock()
	last := levels[len(levels)-1]
	mu.Unlock()
	assert.Equal(t, "debug", last)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Watch did not stop")
	}
}
