package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog/log"
)

const defaultStabilityThreshold = 200 * time.Millisecond

// ChangeCallback receives the reloaded configuration, or the error that
// prevented loading it.
type ChangeCallback func(cfg *Config, err error)

// WatcherConfig holds configuration for the watcher
type WatcherConfig struct {
	Loader             *Loader
	StabilityThreshold time.Duration
	OnChange           ChangeCallback
}

// Watcher reports edits to the config file. The parent directory is watched
// so editors that replace the file on save are still seen.
type Watcher struct {
	watcher            *fsnotify.Watcher
	loader             *Loader
	path               string
	stabilityThreshold time.Duration
	onChange           ChangeCallback
	done               chan struct{}
	stopOnce           sync.Once

	mu      sync.Mutex
	pending *time.Timer
}

// NewWatcher creates a new config file watcher
func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("loader is required")
	}
	if cfg.OnChange == nil {
		return nil, fmt.Errorf("change callback is required")
	}
	path := cfg.Loader.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("config path is unknown")
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	if cfg.StabilityThreshold <= 0 {
		cfg.StabilityThreshold = defaultStabilityThreshold
	}

	return &Watcher{
		watcher:            watcher,
		loader:             cfg.Loader,
		path:               filepath.Clean(path),
		stabilityThreshold: cfg.StabilityThreshold,
		onChange:           cfg.OnChange,
		done:               make(chan struct{}),
	}, nil
}

// Start starts watching the config file
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop()

	log.Debug().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.pending != nil {
		w.pending.Stop()
		w.pending = nil
	}
	w.mu.Unlock()

	if err := w.watcher.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			w.debounce()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

// debounce collapses a burst of writes into one reload
func (w *Watcher) debounce() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.pending != nil {
		w.pending.Stop()
	}
	w.pending = time.AfterFunc(w.stabilityThreshold, func() {
		w.mu.Lock()
		w.pending = nil
		w.mu.Unlock()

		select {
		case <-w.done:
			return
		default:
		}

		cfg, err := w.loader.Load()
		if err == nil {
			err = cfg.Validate()
		}
		if err != nil {
			log.Warn().Err(err).Str("path", w.path).Msg("Changed config could not be loaded")
		}
		w.onChange(cfg, err)
	})
}
