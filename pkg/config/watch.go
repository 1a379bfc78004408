package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// reloadDelay coalesces the burst of events an editor produces on save.
const reloadDelay = 500 * time.Millisecond

// Watcher reloads a configuration file when it changes on disk.
type Watcher struct {
	loader  *Loader
	path    string
	logger  zerolog.Logger
	watcher *fsnotify.Watcher

	mu   sync.Mutex
	last *Config
}

// NewWatcher creates a watcher for the file at path. current is the
// configuration already applied.
func NewWatcher(loader *Loader, path string, current *Config, logger zerolog.Logger) *Watcher {
	return &Watcher{
		loader: loader,
		path:   filepath.Clean(path),
		logger: logger.With().Str("component", "config-watcher").Logger(),
		last:   current,
	}
}

// Watch starts watching the file and calls reloadFn with every valid new
// configuration until ctx is done. Invalid files are logged and ignored.
func (w *Watcher) Watch(ctx context.Context, reloadFn func(*Config) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace the file, so the directory is watched.
	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.watcher = watcher

	go w.processEvents(ctx, reloadFn)

	w.logger.Info().Str("path", w.path).Msg("Started watching config file")
	return nil
}

func (w *Watcher) processEvents(ctx context.Context, reloadFn func(*Config) error) {
	var reloadTimer *time.Timer

	for {
		select {
		case <-ctx.Done():
			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			_ = w.watcher.Close()
			return

		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			w.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Config file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(reloadDelay, func() {
				if err := w.reload(reloadFn); err != nil {
					w.logger.Error().Err(err).Msg("Failed to reload config")
				}
			})

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")
		}
	}
}

func (w *Watcher) reload(reloadFn func(*Config) error) error {
	cfg, err := w.loader.Load(w.path)
	if err != nil {
		return err
	}

	w.mu.Lock()
	prev := w.last
	w.mu.Unlock()

	if prev != nil && restartRequired(prev, cfg) {
		w.logger.Warn().Msg("Config change of endpoints, feed or ledger needs a restart, only tunables applied")
	}

	if err := reloadFn(cfg); err != nil {
		return fmt.Errorf("failed to apply reloaded config: %w", err)
	}

	w.mu.Lock()
	w.last = cfg
	w.mu.Unlock()

	w.logger.Info().
		Dur("poll_interval", cfg.Worker.PollInterval).
		Int("attempts", cfg.Retry.Attempts).
		Dur("base_delay", cfg.Retry.BaseDelay).
		Msg("Config reloaded")
	return nil
}

// Close stops watching.
func (w *Watcher) Close() error {
	if w.watcher != nil {
		return w.watcher.Close()
	}
	return nil
}

// restartRequired reports whether b differs from a outside the hot-reloadable
// tunables.
func restartRequired(a, b *Config) bool {
	return a.Lots != b.Lots ||
		a.Assets != b.Assets ||
		a.Ledger != b.Ledger ||
		a.Feed.URL != b.Feed.URL ||
		a.Feed.Database != b.Feed.Database ||
		a.Feed.Filter != b.Feed.Filter
}
