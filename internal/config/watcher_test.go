package config

import (
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/stretchr/testify/require"
)

func TestWatcherAppliesLogLevel(t *testing.T) {
	dir := t.TempDir()
	cfg := &Config{DataDir: dir, LogLevel: "info"}
	envPath := cfg.EnvFilePath()
	require.NoError(t, os.WriteFile(envPath, []byte("BIZDESK_LOG_LEVEL=info\n"), 0o600))

	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	defer w.Stop()

	var (
		mu     sync.Mutex
		levels []string
	)
	w.OnLogLevel(func(level string) {
		mu.Lock()
		levels = append(levels, level)
		mu.Unlock()
	})

	events := make(chan fsnotify.Event)
	errs := make(chan error)
	go w.handleEvents(events, errs)

	require.NoError(t, os.WriteFile(envPath, []byte("BIZDESK_LOG_LEVEL=debug\n"), 0o600))
	events <- fsnotify.Event{Name: envPath, Op: fsnotify.Write}

	require.Eventually(t, func() bool {
		Mu.RLock()
		defer Mu.RUnlock()
		return cfg.LogLevel == "debug"
	}, 2*time.Second, 20*time.Millisecond)

	// Unrelated files and errors are ignored.
	events <- fsnotify.Event{Name: filepath.Join(dir, "other.txt"), Op: fsnotify.Write}
	errs <- errors.New("watch failure")

	w.Reload()

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"debug"}, levels)
}

func TestWatcherReloadMissingFile(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir(), LogLevel: "info"}
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	defer w.Stop()

	w.Reload()
	require.Equal(t, "info", cfg.LogLevel)
}

func TestWatcherStopIsIdempotent(t *testing.T) {
	cfg := &Config{DataDir: t.TempDir()}
	w, err := NewWatcher(cfg)
	require.NoError(t, err)
	require.NoError(t, w.Start())
	w.Stop()
	w.Stop()
}
