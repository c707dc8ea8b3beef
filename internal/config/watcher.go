package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
)

const (
	watchDebounce = 100 * time.Millisecond
	pollInterval  = 5 * time.Second
)

// Watcher monitors the data directory .env file and applies settings that
// can change without a restart. Only BIZDESK_LOG_LEVEL is live-reloadable.
type Watcher struct {
	config      *Config
	envPath     string
	watcher     *fsnotify.Watcher
	stopChan    chan struct{}
	stopOnce    sync.Once
	lastModTime time.Time

	mu         sync.Mutex
	onLogLevel func(level string)
}

// NewWatcher creates a watcher for cfg's .env file.
func NewWatcher(cfg *Config) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		config:   cfg,
		envPath:  cfg.EnvFilePath(),
		watcher:  fsw,
		stopChan: make(chan struct{}),
	}
	if stat, err := os.Stat(w.envPath); err == nil {
		w.lastModTime = stat.ModTime()
	}
	return w, nil
}

// OnLogLevel registers the callback invoked when the log level changes.
func (w *Watcher) OnLogLevel(fn func(level string)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.onLogLevel = fn
}

// Start begins watching. When the directory cannot be watched it falls
// back to polling the file's modification time.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.envPath)
	if err := w.watcher.Add(dir); err != nil {
		log.Warn().Err(err).Str("path", dir).Msg("Failed to watch config directory; falling back to polling")
		go w.poll()
		return nil
	}

	go w.handleEvents(w.watcher.Events, w.watcher.Errors)
	log.Info().Str("env_path", w.envPath).Msg("Started watching config file for changes")
	return nil
}

// Stop stops the watcher. It is safe to call more than once.
func (w *Watcher) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
		_ = w.watcher.Close()
	})
}

// Reload re-reads the .env file immediately.
func (w *Watcher) Reload() {
	w.reload()
}

func (w *Watcher) handleEvents(events <-chan fsnotify.Event, errs <-chan error) {
	for {
		select {
		case event, ok := <-events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.envPath) {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) == 0 {
				continue
			}
			// Editors often write in several steps.
			time.Sleep(watchDebounce)
			log.Info().Str("event", event.Op.String()).Msg("Detected .env file change")
			w.reload()

		case err, ok := <-errs:
			if !ok {
				return
			}
			log.Error().Err(err).Msg("Config watcher error")

		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) poll() {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			stat, err := os.Stat(w.envPath)
			if err != nil || !stat.ModTime().After(w.lastModTime) {
				continue
			}
			w.lastModTime = stat.ModTime()
			log.Info().Msg("Detected .env file change via polling")
			w.reload()
		case <-w.stopChan:
			return
		}
	}
}

func (w *Watcher) reload() {
	envMap, err := godotenv.Read(w.envPath)
	if err != nil {
		if !os.IsNotExist(err) {
			log.Error().Err(err).Msg("Failed to read .env file")
		}
		return
	}

	level := strings.Trim(strings.TrimSpace(envMap["BIZDESK_LOG_LEVEL"]), `'"`)
	if level == "" {
		return
	}

	Mu.Lock()
	changed := !strings.EqualFold(level, w.config.LogLevel)
	if changed {
		w.config.LogLevel = level
	}
	Mu.Unlock()

	if !changed {
		log.Debug().Msg("No relevant changes detected in .env file")
		return
	}

	w.mu.Lock()
	callback := w.onLogLevel
	w.mu.Unlock()
	if callback != nil {
		callback(level)
	}
	log.Info().Str("level", level).Msg("Applied log level from .env file")
}
