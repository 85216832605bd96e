package scanner

import (
	"fmt"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reacts to filesystem notifications under the scan root by
// triggering incremental re-scans. Notifications are debounced: bursts of
// events (a device dumping many logs at once) collapse into one re-scan.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	window    time.Duration
	onDirty   func()

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	done    chan struct{}
}

// NewWatcher creates a watcher over the given root. onDirty is invoked
// (on the watcher goroutine) once per debounce window in which anything
// under the root changed.
func NewWatcher(root string, window time.Duration, onDirty func()) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fs watcher: %w", err)
	}
	if err := fsw.Add(root); err != nil {
		fsw.Close()
		return nil, fmt.Errorf("watching %s: %w", root, err)
	}

	w := &Watcher{
		fsWatcher: fsw,
		window:    window,
		onDirty:   onDirty,
		done:      make(chan struct{}),
	}
	go w.loop()
	fmt.Printf("[Watcher] Watching %s (debounce %s)\n", root, window)
	return w, nil
}

func (w *Watcher) loop() {
	defer close(w.done)
	for {
		select {
		case ev, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) != 0 {
				w.markDirty()
			}
		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			fmt.Printf("[Watcher] Error: %v\n", err)
		}
	}
}

// markDirty resets the debounce timer; the callback fires once the
// window passes without further events.
func (w *Watcher) markDirty() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.stopped {
		return
	}
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.window, w.onDirty)
}

// Close stops watching. Pending debounced callbacks are cancelled.
func (w *Watcher) Close() error {
	w.mu.Lock()
	w.stopped = true
	if w.timer != nil {
		w.timer.Stop()
		w.timer = nil
	}
	w.mu.Unlock()

	err := w.fsWatcher.Close()
	<-w.done
	return err
}
