// Package kernelwatch reports edits to a kernel source file so the program
// can be rebuilt while the renderer runs.
package kernelwatch

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
	"golang.org/x/xerrors"

	"clgol/internal/logging"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 250 * time.Millisecond

// Watcher watches a single file. Editors often replace files instead of
// writing them in place, so the parent directory is watched and events are
// filtered by name.
type Watcher struct {
	path     string
	debounce time.Duration
	log      *zap.Logger
	watcher  *fsnotify.Watcher
}

// New creates a watcher for path. A non-positive debounce uses
// DefaultDebounce.
func New(path string, debounce time.Duration, log *zap.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, xerrors.Errorf("resolving %s: %w", path, err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, xerrors.Errorf("creating file watcher: %w", err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	return &Watcher{path: abs, debounce: debounce, log: logging.OrNop(log), watcher: fw}, nil
}

// Start begins watching. The returned channel receives the file path once
// per settled burst of changes and is closed when ctx ends or Close is
// called.
func (w *Watcher) Start(ctx context.Context) (<-chan string, error) {
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return nil, xerrors.Errorf("watching %s: %w", filepath.Dir(w.path), err)
	}
	w.log.Info("watching kernel source", zap.String("path", w.path))

	out := make(chan string, 1)
	debounce := time.NewTimer(w.debounce)
	if !debounce.Stop() {
		<-debounce.C
	}

	go func() {
		defer close(out)
		defer debounce.Stop()
		for {
			select {
			case event, ok := <-w.watcher.Events:
				if !ok {
					return
				}
				if w.relevant(event) {
					w.log.Debug("kernel source changed", zap.String("op", event.Op.String()))
					debounce.Reset(w.debounce)
				}
			case err, ok := <-w.watcher.Errors:
				if !ok {
					return
				}
				w.log.Error("watcher error", zap.Error(err))
			case <-debounce.C:
				select {
				case out <- w.path:
				default:
					// A reload is already pending.
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
		return false
	}
	return filepath.Clean(event.Name) == w.path
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}
