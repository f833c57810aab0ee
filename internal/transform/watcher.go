package transform

import (
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tvalentius/jest/internal/config"
)

// Watcher watches the project roots for source changes and invalidates the
// in-memory transform entries for modified files. The disk cache is
// content-addressed and needs no invalidation.
type Watcher struct {
	cfg        *config.Config
	watcher    *fsnotify.Watcher
	invalidate func(path string)

	watchedDirs map[string]int
	mu          sync.Mutex

	// Debouncing
	pendingInvalidations map[string]time.Time
	debounceMu           sync.Mutex
	debounceDelay        time.Duration

	done chan struct{}
}

// NewWatcher creates a watcher over the configured roots. invalidate is
// called once per settled change with the absolute file path.
func NewWatcher(cfg *config.Config, invalidate func(path string)) (*Watcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{
		cfg:                  cfg,
		watcher:              watcher,
		invalidate:           invalidate,
		watchedDirs:          make(map[string]int),
		pendingInvalidations: make(map[string]time.Time),
		debounceDelay:        100 * time.Millisecond,
		done:                 make(chan struct{}),
	}
	return w, nil
}

// Start begins watching the roots and all their subdirectories.
func (w *Watcher) Start() error {
	for _, root := range w.cfg.Project.Roots {
		abs, err := filepath.Abs(root)
		if err != nil {
			continue
		}
		if err := w.addTree(abs); err != nil {
			w.cfg.Log(1, "watcher: cannot watch %s: %v", abs, err)
		}
	}

	go w.eventLoop()
	go w.debounceLoop()

	w.cfg.Log(1, "watcher: watching %d directories", len(w.watchedDirs))
	return nil
}

// Stop stops the watcher.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.watcher.Close()
}

// addTree watches dir and every directory below it.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return nil // Skip unreadable entries
		}
		if d.IsDir() {
			w.addWatch(path)
		}
		return nil
	})
}

// addWatch adds a directory to the watch list with reference counting.
func (w *Watcher) addWatch(dir string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.watchedDirs[dir]++
	if w.watchedDirs[dir] == 1 {
		if err := w.watcher.Add(dir); err != nil {
			w.watchedDirs[dir]--
			return
		}
		w.cfg.Log(2, "watcher: added watch for %s", dir)
	}
}

// eventLoop processes file system events.
func (w *Watcher) eventLoop() {
	for {
		select {
		case <-w.done:
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(event)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.cfg.Log(1, "watcher: error: %v", err)
		}
	}
}

// handleEvent queues invalidation for writes and watches new directories.
func (w *Watcher) handleEvent(event fsnotify.Event) {
	w.cfg.Log(3, "watcher: event %s on %s", event.Op, event.Name)

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			w.addWatch(event.Name)
			return
		}
	}

	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) != 0 {
		w.queueInvalidation(event.Name)
	}
}

// queueInvalidation records a change with debouncing.
func (w *Watcher) queueInvalidation(path string) {
	w.debounceMu.Lock()
	w.pendingInvalidations[path] = time.Now()
	w.debounceMu.Unlock()
}

// debounceLoop flushes pending invalidations after the debounce delay.
func (w *Watcher) debounceLoop() {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()

	for {
		select {
		case <-w.done:
			return
		case <-ticker.C:
			w.processPending()
		}
	}
}

// processPending invalidates files that have been quiet for debounceDelay.
func (w *Watcher) processPending() {
	w.debounceMu.Lock()
	now := time.Now()
	var settled []string
	for path, queuedAt := range w.pendingInvalidations {
		if now.Sub(queuedAt) >= w.debounceDelay {
			settled = append(settled, path)
			delete(w.pendingInvalidations, path)
		}
	}
	w.debounceMu.Unlock()

	for _, path := range settled {
		w.cfg.Log(2, "watcher: invalidating %s", path)
		w.invalidate(path)
	}
}
