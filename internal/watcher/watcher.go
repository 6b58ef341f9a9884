// Package watcher notifies the learning service when anchored files
// change on disk, so drift detection runs eagerly instead of only on
// demand. The fsnotify implementation is optional; the no-op variant
// satisfies the same contract for headless deployments.
package watcher

import (
	"context"
	"sync"

	"github.com/fsnotify/fsnotify"

	"tx/internal/logging"
	"tx/internal/txerr"
)

// Handler receives the path of a changed watched file.
type Handler func(path string)

// Watcher observes a set of paths until stopped.
type Watcher interface {
	// Start begins watching. Starting a running watcher fails with
	// WatcherAlreadyRunning.
	Start(ctx context.Context, paths []string) error
	// Stop halts the watcher. Stopping a stopped watcher fails with
	// WatcherNotRunning.
	Stop() error
	Running() bool
}

// FSWatcher is the fsnotify-backed implementation.
type FSWatcher struct {
	onChange Handler

	mu   sync.Mutex
	fsw  *fsnotify.Watcher
	done chan struct{}
}

// NewFSWatcher builds a watcher calling onChange for every write,
// create, rename or remove on a watched path.
func NewFSWatcher(onChange Handler) *FSWatcher {
	return &FSWatcher{onChange: onChange}
}

// Start begins watching the given paths. Paths that cannot be watched
// (already deleted, permission) are logged and skipped.
func (w *FSWatcher) Start(ctx context.Context, paths []string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw != nil {
		return txerr.New(txerr.CodeWatcherAlreadyRunning, "watcher is already running")
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return txerr.Wrap(txerr.CodeFileWatcherError, err, "create watcher")
	}
	for _, p := range paths {
		if err := fsw.Add(p); err != nil {
			logging.Watcher("Cannot watch %s: %v", p, err)
		}
	}
	w.fsw = fsw
	w.done = make(chan struct{})
	go w.loop(ctx, fsw, w.done)
	logging.Watcher("Watching %d paths", len(paths))
	return nil
}

func (w *FSWatcher) loop(ctx context.Context, fsw *fsnotify.Watcher, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-fsw.Events:
			if !ok {
				return
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename|fsnotify.Remove) != 0 {
				if w.onChange != nil {
					w.onChange(ev.Name)
				}
			}
		case err, ok := <-fsw.Errors:
			if !ok {
				return
			}
			logging.Watcher("Watch error: %v", err)
		}
	}
}

// Add watches one more path on a running watcher.
func (w *FSWatcher) Add(path string) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.fsw == nil {
		return txerr.New(txerr.CodeWatcherNotRunning, "watcher is not running")
	}
	if err := w.fsw.Add(path); err != nil {
		return txerr.Wrap(txerr.CodeFileWatcherError, err, "watch %s", path)
	}
	return nil
}

// Stop halts the watcher and waits for its loop to exit.
func (w *FSWatcher) Stop() error {
	w.mu.Lock()
	fsw, done := w.fsw, w.done
	w.fsw, w.done = nil, nil
	w.mu.Unlock()
	if fsw == nil {
		return txerr.New(txerr.CodeWatcherNotRunning, "watcher is not running")
	}
	if err := fsw.Close(); err != nil {
		return txerr.Wrap(txerr.CodeFileWatcherError, err, "close watcher")
	}
	<-done
	return nil
}

// Running reports whether the watcher loop is active.
func (w *FSWatcher) Running() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.fsw != nil
}

// Noop satisfies Watcher without observing anything; it still enforces
// the start/stop state machine.
type Noop struct {
	mu      sync.Mutex
	running bool
}

func (n *Noop) Start(ctx context.Context, paths []string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.running {
		return txerr.New(txerr.CodeWatcherAlreadyRunning, "watcher is already running")
	}
	n.running = true
	return nil
}

func (n *Noop) Stop() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if !n.running {
		return txerr.New(txerr.CodeWatcherNotRunning, "watcher is not running")
	}
	n.running = false
	return nil
}

func (n *Noop) Running() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.running
}
