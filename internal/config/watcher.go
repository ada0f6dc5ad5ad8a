package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// ReloadFunc receives each successfully reloaded and validated config
type ReloadFunc func(cfg *Config)

// Watcher reloads the config file when it changes on disk
type Watcher struct {
	loader   *Loader
	path     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	onReload ReloadFunc
	logger   zerolog.Logger

	done     chan struct{}
	stopOnce sync.Once
	mu       sync.Mutex
	timer    *time.Timer
}

// NewWatcher creates a watcher for the loader's config file. The parent
// directory is watched so editors that replace the file are still seen.
func NewWatcher(loader *Loader, debounce time.Duration, onReload ReloadFunc, logger zerolog.Logger) (*Watcher, error) {
	path := loader.GetConfigPath()
	if path == "" {
		return nil, fmt.Errorf("failed to resolve config path")
	}
	if debounce <= 0 {
		debounce = 100 * time.Millisecond
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		loader:   loader,
		path:     filepath.Clean(path),
		watcher:  fw,
		debounce: debounce,
		onReload: onReload,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
		done:     make(chan struct{}),
	}, nil
}

// Start begins watching
func (w *Watcher) Start() error {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}

	go w.eventLoop()

	w.logger.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

// Stop stops the watcher
func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
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
			if event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) {
				w.schedule()
			}

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.reload)
}

func (w *Watcher) reload() {
	select {
	case <-w.done:
		return
	default:
	}

	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	if errs := NewValidator().ValidateConfig(cfg); len(errs) > 0 {
		w.logger.Warn().Errs("errors", errs).Msg("Reloaded config is invalid, keeping previous config")
		return
	}

	w.logger.Info().Msg("Config reloaded")
	if w.onReload != nil {
		w.onReload(cfg)
	}
}
