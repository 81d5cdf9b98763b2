package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher watches a config file for changes and hot-reloads it. A reload
// that fails to parse or validate is rejected and the previous config stays
// current.
//
// The watch is on the file's directory rather than the file itself, so
// editor save strategies that rename a temp file over the target still
// deliver events.
type Watcher struct {
	path   string
	logger *zap.Logger

	watcher *fsnotify.Watcher
	stopCh  chan struct{}
	doneCh  chan struct{}

	mu       sync.RWMutex
	current  *Config
	onReload func(*Config)

	// Debounce bookkeeping. Editors fire several events per save.
	debounceMu  sync.Mutex
	pendingAt   time.Time
	hasPending  bool
	debounceFor time.Duration

	statsMu  sync.Mutex
	reloads  int
	rejected int
}

// WatcherStats reports reload counters.
type WatcherStats struct {
	Reloads  int
	Rejected int
}

// NewWatcher creates a watcher for the given config file. The file is
// loaded once up front; a missing file yields the defaults.
func NewWatcher(path string, onReload func(*Config), logger *zap.Logger) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}

	cfg, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("initial config load: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("initial config invalid: %w", err)
	}

	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}

	w := &Watcher{
		path:        path,
		logger:      logger.Named("config-watcher"),
		watcher:     fsWatcher,
		stopCh:      make(chan struct{}),
		doneCh:      make(chan struct{}),
		current:     cfg,
		onReload:    onReload,
		debounceFor: 200 * time.Millisecond,
	}
	return w, nil
}

// Start begins watching. Stop with Stop or by cancelling the context.
func (w *Watcher) Start(ctx context.Context) error {
	dir := filepath.Dir(w.path)
	if err := w.watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	w.logger.Info("Watching config file", zap.String("path", w.path))

	go w.loop(ctx)
	return nil
}

// Stop stops the watcher and waits for the loop to exit.
func (w *Watcher) Stop() {
	close(w.stopCh)
	<-w.doneCh
	w.watcher.Close()
}

// Current returns the most recently accepted config.
func (w *Watcher) Current() *Config {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.current
}

// Stats returns reload counters.
func (w *Watcher) Stats() WatcherStats {
	w.statsMu.Lock()
	defer w.statsMu.Unlock()
	return WatcherStats{Reloads: w.reloads, Rejected: w.rejected}
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)

	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("Watcher error", zap.Error(err))

		case <-ticker.C:
			w.processPending()

		case <-ctx.Done():
			w.logger.Debug("Config watcher stopping (context cancelled)")
			return

		case <-w.stopCh:
			w.logger.Debug("Config watcher stopping")
			return
		}
	}
}

func (w *Watcher) handleEvent(event fsnotify.Event) {
	// Only the config file itself matters. The directory watch also
	// reports siblings and temp files.
	if filepath.Clean(event.Name) != filepath.Clean(w.path) {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}

	w.debounceMu.Lock()
	w.pendingAt = time.Now()
	w.hasPending = true
	w.debounceMu.Unlock()
}

func (w *Watcher) processPending() {
	w.debounceMu.Lock()
	if !w.hasPending || time.Since(w.pendingAt) < w.debounceFor {
		w.debounceMu.Unlock()
		return
	}
	w.hasPending = false
	w.debounceMu.Unlock()

	w.reload()
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err == nil {
		err = cfg.Validate()
	}
	if err != nil {
		// Keep the previous config.
		w.logger.Warn("Rejected config reload, keeping previous",
			zap.String("path", w.path),
			zap.Error(err))
		w.statsMu.Lock()
		w.rejected++
		w.statsMu.Unlock()
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.statsMu.Lock()
	w.reloads++
	w.statsMu.Unlock()

	w.logger.Info("Config reloaded", zap.String("path", w.path))

	if w.onReload != nil {
		w.onReload(cfg)
	}
}
