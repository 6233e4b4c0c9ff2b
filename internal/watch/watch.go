// Package watch re-runs a callback when files under a directory tree change.
// Bursts of events are coalesced: the callback runs once the tree has been
// quiet for the debounce window.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"taskledger/internal/logging"
)

// DefaultDebounce is used when Options.Debounce is zero.
const DefaultDebounce = 250 * time.Millisecond

// Options configures a Watcher.
type Options struct {
	Debounce time.Duration

	// Ignore lists paths whose events never trigger a run, such as the
	// report file itself.
	Ignore []string
}

// Stats counts watcher activity.
type Stats struct {
	Events        int
	Runs          int
	Errors        int
	LastEventPath string
	LastEventTime time.Time
}

// Watcher watches a directory tree.
type Watcher struct {
	mu       sync.Mutex
	watcher  *fsnotify.Watcher
	root     string
	opts     Options
	ignore   map[string]bool
	onChange func(ctx context.Context) error

	// add registers a directory, replaced in tests to inject failures
	add func(name string) error

	pending   bool
	lastEvent time.Time

	stopCh  chan struct{}
	doneCh  chan struct{}
	running bool
	stopped bool

	stats Stats
}

// New returns a Watcher over root calling onChange after changes settle.
func New(root string, opts Options, onChange func(ctx context.Context) error) (*Watcher, error) {
	if onChange == nil {
		return nil, errors.New("watch: onChange is required")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	ignore := make(map[string]bool, len(opts.Ignore))
	for _, p := range opts.Ignore {
		if abs, err := filepath.Abs(p); err == nil {
			ignore[abs] = true
		}
	}
	return &Watcher{
		watcher:  fw,
		root:     root,
		opts:     opts,
		ignore:   ignore,
		onChange: onChange,
		add:      fw.Add,
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}, nil
}

// Start begins watching. It does not block. A Watcher that fails to start
// is released and cannot be started again.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	if w.running || w.stopped {
		w.mu.Unlock()
		return nil
	}
	w.running = true
	w.mu.Unlock()

	if err := os.MkdirAll(w.root, 0o755); err != nil {
		logging.Get(logging.CategoryWatch).Warn("cannot create %s: %v", w.root, err)
	}
	if err := w.addTree(w.root); err != nil {
		w.mu.Lock()
		w.running = false
		w.mu.Unlock()
		w.Stop()
		return fmt.Errorf("watch %s: %w", w.root, err)
	}
	logging.Watch("watching %s (debounce %s)", w.root, w.opts.Debounce)

	go w.run(ctx)
	return nil
}

// Stop ends the watcher and waits for the loop to exit. A run in progress
// finishes first.
func (w *Watcher) Stop() {
	w.mu.Lock()
	if w.stopped {
		w.mu.Unlock()
		return
	}
	wasRunning := w.running
	w.running = false
	w.stopped = true
	w.mu.Unlock()

	close(w.stopCh)
	if wasRunning {
		<-w.doneCh
	}
	if err := w.watcher.Close(); err != nil {
		logging.Get(logging.CategoryWatch).Error("closing watcher: %v", err)
	}
	logging.Watch("stopped watching %s", w.root)
}

// Stats returns a copy of the counters.
func (w *Watcher) Stats() Stats {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.stats
}

// addTree watches dir and all its subdirectories; fsnotify is not recursive.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.add(path); err != nil {
			return err
		}
		return nil
	})
}

func (w *Watcher) run(ctx context.Context) {
	defer close(w.doneCh)

	tick := w.opts.Debounce / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Watch("context cancelled")
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			w.handleEvent(ev)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			logging.Get(logging.CategoryWatch).Error("watcher error: %v", err)
			w.mu.Lock()
			w.stats.Errors++
			w.mu.Unlock()
		case <-ticker.C:
			w.fireIfSettled(ctx)
		}
	}
}

func (w *Watcher) relevant(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") || strings.Contains(base, ".tmp.") {
		return false
	}
	if abs, err := filepath.Abs(name); err == nil && w.ignore[abs] {
		return false
	}
	return true
}

func (w *Watcher) handleEvent(ev fsnotify.Event) {
	if ev.Op == fsnotify.Chmod || !w.relevant(ev.Name) {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name); err != nil {
				logging.Get(logging.CategoryWatch).Warn("cannot watch %s: %v", ev.Name, err)
			}
		}
	}
	logging.Get(logging.CategoryWatch).Debug("%s %s", ev.Op, ev.Name)

	w.mu.Lock()
	w.pending = true
	w.lastEvent = time.Now()
	w.stats.Events++
	w.stats.LastEventPath = ev.Name
	w.stats.LastEventTime = w.lastEvent
	w.mu.Unlock()
}

func (w *Watcher) fireIfSettled(ctx context.Context) {
	w.mu.Lock()
	if !w.pending || time.Since(w.lastEvent) < w.opts.Debounce {
		w.mu.Unlock()
		return
	}
	w.pending = false
	w.stats.Runs++
	w.mu.Unlock()

	if err := w.onChange(ctx); err != nil {
		logging.Get(logging.CategoryWatch).Error("change handler failed: %v", err)
		w.mu.Lock()
		w.stats.Errors++
		w.mu.Unlock()
	}
}
