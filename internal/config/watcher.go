package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// ReloadFunc receives each successfully reloaded configuration.
type ReloadFunc func(cfg *Config)

// Watcher reloads the config file when it changes on disk.
type Watcher struct {
	loader   *Loader
	path     string
	onReload ReloadFunc
	debounce time.Duration
	logger   zerolog.Logger

	fsw      *fsnotify.Watcher
	done     chan struct{}
	mu       sync.Mutex
	timer    *time.Timer
	stopOnce sync.Once
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	Loader   *Loader
	OnReload ReloadFunc
	Debounce time.Duration
	Logger   *zerolog.Logger
}

func NewWatcher(cfg WatcherConfig) (*Watcher, error) {
	if cfg.Loader == nil {
		return nil, fmt.Errorf("config watcher requires a loader")
	}
	if cfg.OnReload == nil {
		return nil, fmt.Errorf("config watcher requires a reload callback")
	}
	path := cfg.Loader.ConfigPath()
	if path == "" {
		return nil, fmt.Errorf("config watcher: cannot resolve config path")
	}
	if cfg.Debounce <= 0 {
		cfg.Debounce = 200 * time.Millisecond
	}
	logger := log.Logger
	if cfg.Logger != nil {
		logger = *cfg.Logger
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}

	return &Watcher{
		loader:   cfg.Loader,
		path:     filepath.Clean(path),
		onReload: cfg.OnReload,
		debounce: cfg.Debounce,
		logger:   logger.With().Str("component", "config_watcher").Logger(),
		fsw:      fsw,
		done:     make(chan struct{}),
	}, nil
}

// Start watches the directory holding the config file. Editors often
// replace files by rename, so the directory is watched rather than the file.
func (w *Watcher) Start() error {
	if err := w.fsw.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	go w.eventLoop()
	w.logger.Info().Str("path", w.path).Msg("Config watcher started")
	return nil
}

func (w *Watcher) Stop() error {
	w.stopOnce.Do(func() {
		close(w.done)
	})

	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	if err := w.fsw.Close(); err != nil {
		return fmt.Errorf("failed to close watcher: %w", err)
	}
	return nil
}

func (w *Watcher) eventLoop() {
	for {
		select {
		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Error().Err(err).Msg("Config watcher error")

		case <-w.done:
			return
		}
	}
}

// schedule coalesces bursts of writes into a single reload.
func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, func() {
		select {
		case <-w.done:
			return
		default:
		}
		w.reload()
	})
}

func (w *Watcher) reload() {
	cfg, err := w.loader.Load()
	if err != nil {
		w.logger.Warn().Err(err).Msg("Config reload failed, keeping previous config")
		return
	}
	w.logger.Info().Msg("Config reloaded")
	w.onReload(cfg)
}
