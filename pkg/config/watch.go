package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher calls a callback when one of the registered files changes.
// Directories are watched rather than files so editors that replace a file
// by rename are still seen.
type Watcher struct {
	fsw      *fsnotify.Watcher
	logger   zerolog.Logger
	debounce time.Duration

	mu       sync.Mutex
	handlers map[string]func()
	timers   map[string]*time.Timer
	stopCh   chan struct{}
}

// NewWatcher creates a watcher. Writes within debounce of each other fire
// the callback once.
func NewWatcher(logger zerolog.Logger, debounce time.Duration) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	return &Watcher{
		fsw:      fsw,
		logger:   logger,
		debounce: debounce,
		handlers: make(map[string]func()),
		timers:   make(map[string]*time.Timer),
		stopCh:   make(chan struct{}),
	}, nil
}

// Watch registers fn for path. Empty paths are ignored.
func (w *Watcher) Watch(path string, fn func()) error {
	if path == "" {
		return nil
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := w.fsw.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", path, err)
	}

	w.mu.Lock()
	w.handlers[abs] = fn
	w.mu.Unlock()
	return nil
}

// Start begins delivering events
func (w *Watcher) Start() {
	go w.run()
}

// Stop stops the watcher
func (w *Watcher) Stop() {
	close(w.stopCh)
	_ = w.fsw.Close()

	w.mu.Lock()
	defer w.mu.Unlock()
	for _, t := range w.timers {
		t.Stop()
	}
}

func (w *Watcher) run() {
	for {
		select {
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			w.trigger(filepath.Clean(ev.Name))
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn().Err(err).Msg("File watcher error")
		case <-w.stopCh:
			return
		}
	}
}

func (w *Watcher) trigger(path string) {
	w.mu.Lock()
	defer w.mu.Unlock()

	fn, ok := w.handlers[path]
	if !ok {
		return
	}
	if t, pending := w.timers[path]; pending {
		t.Reset(w.debounce)
		return
	}
	w.timers[path] = time.AfterFunc(w.debounce, func() {
		w.mu.Lock()
		delete(w.timers, path)
		w.mu.Unlock()

		w.logger.Info().Str("file", path).Msg("Configuration file changed")
		fn()
	})
}
