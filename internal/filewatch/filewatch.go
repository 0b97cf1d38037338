// Package filewatch reports changes to a set of individual files.
//
// Parent directories are watched rather than the files themselves so that
// editors and config managers that replace a file by rename are observed.
// Bursts of events for one path are debounced into a single notification.
package filewatch

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 200 * time.Millisecond

// Watcher watches a mutable set of files.
type Watcher struct {
	log      *slog.Logger
	debounce time.Duration
	fsw      *fsnotify.Watcher

	mu      sync.Mutex
	files   map[string]struct{}
	dirs    map[string]int
	pending map[string]*time.Timer
}

// New creates a Watcher. Call Close when done.
func New(log *slog.Logger, debounce time.Duration) (*Watcher, error) {
	if log == nil {
		log = slog.Default()
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("filewatch: %w", err)
	}
	return &Watcher{
		log:      log.With(slog.String("component", "filewatch")),
		debounce: debounce,
		fsw:      fsw,
		files:    make(map[string]struct{}),
		dirs:     make(map[string]int),
		pending:  make(map[string]*time.Timer),
	}, nil
}

// Set replaces the watched files. Paths are cleaned to absolute form; the
// returned slice holds them in the same order as the input.
func (w *Watcher) Set(paths []string) ([]string, error) {
	want := make(map[string]struct{}, len(paths))
	abs := make([]string, 0, len(paths))
	for _, p := range paths {
		a, err := filepath.Abs(p)
		if err != nil {
			return nil, fmt.Errorf("filewatch: %w", err)
		}
		want[a] = struct{}{}
		abs = append(abs, a)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	for f := range w.files {
		if _, keep := want[f]; keep {
			continue
		}
		delete(w.files, f)
		dir := filepath.Dir(f)
		w.dirs[dir]--
		if w.dirs[dir] <= 0 {
			delete(w.dirs, dir)
			_ = w.fsw.Remove(dir)
		}
	}
	var errs []error
	for f := range want {
		if _, have := w.files[f]; have {
			continue
		}
		dir := filepath.Dir(f)
		if w.dirs[dir] == 0 {
			if err := w.fsw.Add(dir); err != nil {
				errs = append(errs, fmt.Errorf("filewatch: watch %s: %w", dir, err))
				continue
			}
		}
		w.dirs[dir]++
		w.files[f] = struct{}{}
	}
	if len(errs) > 0 {
		return abs, errs[0]
	}
	return abs, nil
}

// Run delivers debounced change notifications to onChange until ctx is done
// or the watcher is closed. onChange receives the absolute path.
func (w *Watcher) Run(ctx context.Context, onChange func(path string)) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename|fsnotify.Remove) == 0 {
				continue
			}
			name := filepath.Clean(ev.Name)
			w.mu.Lock()
			_, watched := w.files[name]
			if watched {
				if t, ok := w.pending[name]; ok {
					t.Stop()
				}
				w.pending[name] = time.AfterFunc(w.debounce, func() {
					w.mu.Lock()
					delete(w.pending, name)
					w.mu.Unlock()
					w.log.Debug("filewatch.change", slog.String("path", name))
					onChange(name)
				})
			}
			w.mu.Unlock()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("filewatch.error", slog.String("err", err.Error()))
		}
	}
}

// Close stops the watcher and cancels pending notifications.
func (w *Watcher) Close() error {
	w.mu.Lock()
	for p, t := range w.pending {
		t.Stop()
		delete(w.pending, p)
	}
	w.mu.Unlock()
	return w.fsw.Close()
}
