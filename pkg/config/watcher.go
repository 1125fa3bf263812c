package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/snow-ghost/usagemeter/pkg/logging"
)

const debounceInterval = 100 * time.Millisecond

// Watcher reloads the config file when it changes and hands every valid
// version to onChange. Invalid edits are logged and skipped.
type Watcher struct {
	path     string
	logger   *logging.Logger
	onChange func(*Config)

	mu      sync.Mutex
	current *Config
}

// NewWatcher creates a watcher for path seeded with the loaded config
func NewWatcher(path string, current *Config, logger *logging.Logger, onChange func(*Config)) *Watcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Watcher{
		path:     path,
		logger:   logger,
		onChange: onChange,
		current:  current,
	}
}

// Current returns the last valid configuration
func (w *Watcher) Current() *Config {
	w.mu.Lock()
	defer w.mu.Unlock()

	return w.current
}

// Run watches until ctx is done. The directory is watched so editors that
// replace the file by rename are followed.
func (w *Watcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}

	var debounce *time.Timer
	defer func() {
		if debounce != nil {
			debounce.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if debounce != nil {
				debounce.Stop()
			}
			debounce = time.AfterFunc(debounceInterval, w.reload)

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("Config watcher error", "path", w.path, "error", err)

		case <-ctx.Done():
			return nil
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := loadFile(w.path)
	if err != nil {
		w.logger.Warn("Config reload rejected", "path", w.path, "error", err)
		return
	}

	w.mu.Lock()
	w.current = cfg
	w.mu.Unlock()

	w.logger.Info("Config reloaded", "path", w.path, "alert_rules", len(cfg.Alerts.Rules))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}
