package config

import (
	"fmt"
	"log"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const reloadDebounce = 2 * time.Second

// Watcher reloads a config file on change and hands the result to
// onChange. Grounded on the teacher's internal/watcher.Watcher (an
// fsnotify.Watcher plus a debounce goroutine), narrowed from
// "watch a directory tree of DCP files" to "watch one config file".
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	path      string
	onChange  func(*Config)

	mu       sync.Mutex
	pending  bool
	stopChan chan struct{}
}

// NewWatcher watches configPath and invokes onChange with a freshly
// loaded Config whenever the file is written. configPath must be
// non-empty; use Load's no-file mode (env vars only) if there is
// nothing to watch.
func NewWatcher(configPath string, onChange func(*Config)) (*Watcher, error) {
	if configPath == "" {
		return nil, fmt.Errorf("config: watch requires a non-empty config path")
	}
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("config: failed to create fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsWatcher: fsWatcher,
		path:      configPath,
		onChange:  onChange,
		stopChan:  make(chan struct{}),
	}, nil
}

// Start begins watching. The parent directory is watched rather than
// the file itself, since editors commonly replace the file (rename +
// write) instead of writing it in place.
func (w *Watcher) Start() error {
	dir := filepath.Dir(w.path)
	if err := w.fsWatcher.Add(dir); err != nil {
		return fmt.Errorf("config: failed to watch %s: %w", dir, err)
	}
	log.Printf("[config] watching %s for changes", w.path)
	go w.processEvents()
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() {
	close(w.stopChan)
	w.fsWatcher.Close()
}

func (w *Watcher) processEvents() {
	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if filepath.Base(event.Name) != filepath.Base(w.path) {
				continue
			}
			w.scheduleReload()
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watch error: %v", err)
		case <-w.stopChan:
			return
		}
	}
}

// scheduleReload debounces bursts of filesystem events (a single save
// can fire several) into one reload after reloadDebounce has elapsed.
func (w *Watcher) scheduleReload() {
	w.mu.Lock()
	if w.pending {
		w.mu.Unlock()
		return
	}
	w.pending = true
	w.mu.Unlock()

	time.AfterFunc(reloadDebounce, func() {
		w.mu.Lock()
		w.pending = false
		w.mu.Unlock()

		cfg, err := Load(w.path)
		if err != nil {
			log.Printf("[config] reload of %s failed: %v", w.path, err)
			return
		}
		log.Printf("[config] reloaded %s", w.path)
		w.onChange(cfg)
	})
}
