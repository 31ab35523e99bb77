package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads the user config file when it changes on disk and hands
// the fresh Config to the registered callbacks. Only settings that are
// safe to change mid-run should be applied from a reload; callers decide
// which fields they honor.
type Watcher struct {
	log     zerolog.Logger
	watcher *fsnotify.Watcher

	mu        sync.Mutex
	callbacks []func(*Config)
	closed    bool
}

// NewWatcher starts watching the user config file. The file does not need
// to exist yet; creation is picked up because the directory is watched.
func NewWatcher(log zerolog.Logger) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create config watcher: %w", err)
	}

	dir := getUserConfigDir()
	if err := os.MkdirAll(dir, 0700); err != nil {
		fw.Close()
		return nil, fmt.Errorf("create config directory: %w", err)
	}
	if err := fw.Add(dir); err != nil {
		fw.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	w := &Watcher{log: log, watcher: fw}
	go w.loop()
	return w, nil
}

// OnReload registers a callback invoked with the fresh config after each
// successful reload.
func (w *Watcher) OnReload(fn func(*Config)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Close stops watching.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()
	return w.watcher.Close()
}

func (w *Watcher) loop() {
	target := GetUserConfigPath()

	for {
		select {
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
				continue
			}

			cfg, err := Load()
			if err != nil {
				w.log.Warn().Err(err).Msg("[config] reload failed, keeping previous config")
				continue
			}

			w.mu.Lock()
			callbacks := make([]func(*Config), len(w.callbacks))
			copy(callbacks, w.callbacks)
			w.mu.Unlock()

			for _, fn := range callbacks {
				fn(cfg)
			}
			w.log.Info().Msg("[config] reloaded")

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.log.Warn().Err(err).Msg("[config] watcher error")
		}
	}
}
