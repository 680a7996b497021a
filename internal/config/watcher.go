package config

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"
)

// defaultPollInterval is how often the watcher re-reads the config file.
const defaultPollInterval = 2 * time.Second

// Watcher polls a config file and reports keyword model changes, so a model
// switch edited into the file takes effect without a restart. Only the
// keyword section is watched; other fields require a restart.
type Watcher struct {
	path     string
	interval time.Duration
	onModel  func(modelPath string)

	mu       sync.Mutex
	lastMod  time.Time
	lastPath string
}

// WatcherOption customises a [Watcher].
type WatcherOption func(*Watcher)

// WithPollInterval overrides the default 2s poll interval.
func WithPollInterval(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.interval = d
		}
	}
}

// NewWatcher creates a watcher over the config file at path. onModel is
// invoked with the new model path whenever keyword.current_model (or
// keyword.models_path) changes on disk.
func NewWatcher(path string, current *Config, onModel func(modelPath string), opts ...WatcherOption) *Watcher {
	w := &Watcher{
		path:     path,
		interval: defaultPollInterval,
		onModel:  onModel,
		lastPath: current.ModelPath(),
	}
	if info, err := os.Stat(path); err == nil {
		w.lastMod = info.ModTime()
	}
	for _, o := range opts {
		o(w)
	}
	return w
}

// Run polls until ctx is cancelled. Parse failures are logged and skipped;
// the previous model stays active.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *Watcher) poll() {
	info, err := os.Stat(w.path)
	if err != nil {
		slog.Debug("config watcher: stat failed", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	unchanged := !info.ModTime().After(w.lastMod)
	w.mu.Unlock()
	if unchanged {
		return
	}

	f, err := os.Open(w.path)
	if err != nil {
		slog.Warn("config watcher: open failed", "path", w.path, "error", err)
		return
	}
	cfg, err := LoadFromReader(f)
	f.Close()
	if err != nil {
		slog.Warn("config watcher: ignoring invalid config", "error", err)
		return
	}

	w.mu.Lock()
	w.lastMod = info.ModTime()
	modelPath := cfg.ModelPath()
	changed := modelPath != w.lastPath
	if changed {
		w.lastPath = modelPath
	}
	w.mu.Unlock()

	if changed && w.onModel != nil {
		slog.Info("config watcher: keyword model changed", "model", modelPath)
		w.onModel(modelPath)
	}
}
