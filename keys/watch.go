package keys

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/ggoodman/jwtgateway/internal/filewatch"
	"github.com/ggoodman/jwtgateway/issuer"
)

// FileWatcher invalidates cached sets whose File key source changes on disk.
type FileWatcher struct {
	r   *Resolver
	fw  *filewatch.Watcher
	log *slog.Logger

	mu     sync.Mutex
	byPath map[string][]string
}

// NewFileWatcher returns a FileWatcher bound to r.
func NewFileWatcher(r *Resolver, log *slog.Logger, debounce time.Duration) (*FileWatcher, error) {
	if log == nil {
		log = slog.Default()
	}
	fw, err := filewatch.New(log, debounce)
	if err != nil {
		return nil, err
	}
	return &FileWatcher{r: r, fw: fw, log: log.With(slog.String("component", "keys")), byPath: map[string][]string{}}, nil
}

// Sync replaces the watched set with the File sources of configs.
func (w *FileWatcher) Sync(configs []issuer.Config) error {
	var paths, names []string
	for _, c := range configs {
		if c.KeySource.Kind != issuer.KeySourceFile || !c.Enabled {
			continue
		}
		paths = append(paths, c.KeySource.Value)
		names = append(names, c.Name)
	}
	abs, err := w.fw.Set(paths)
	if abs == nil {
		return err
	}
	byPath := make(map[string][]string, len(abs))
	for i, p := range abs {
		byPath[p] = append(byPath[p], names[i])
	}
	w.mu.Lock()
	w.byPath = byPath
	w.mu.Unlock()
	return err
}

// Run blocks until ctx is done, invalidating issuers as their files change.
func (w *FileWatcher) Run(ctx context.Context) error {
	return w.fw.Run(ctx, func(path string) {
		w.mu.Lock()
		names := append([]string(nil), w.byPath[path]...)
		w.mu.Unlock()
		if len(names) == 0 {
			return
		}
		w.log.Info("keys.file.changed", slog.String("path", path), slog.Any("issuers", names))
		w.r.Invalidate(names...)
	})
}

func (w *FileWatcher) Close() error { return w.fw.Close() }
