package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/c0deZ3R0/go-offline-kit/logging"
)

// DebounceDelay is how long Watch waits for writes to settle before
// reloading.
const DebounceDelay = 250 * time.Millisecond

// Watch reloads path whenever it changes and hands each valid config to fn.
// Invalid configs are logged and skipped. The parent directory is watched
// so editors that replace the file on save are seen too. Watch blocks until
// ctx is done.
func Watch(ctx context.Context, path string, logger *slog.Logger, fn func(*Config)) error {
	logger = logging.ForComponent(logger, "config")
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watch: %w", err)
	}
	defer w.Close()
	if err := w.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("config watch %s: %w", filepath.Dir(abs), err)
	}

	timer := time.NewTimer(DebounceDelay)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				timer.Reset(DebounceDelay)
			}

		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("config watcher error", slog.String("error", err.Error()))

		case <-timer.C:
			cfg, err := Load(path)
			if err != nil {
				logger.Error("config reload rejected", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			logger.Info("config reloaded", slog.String("path", path))
			fn(cfg)
		}
	}
}
