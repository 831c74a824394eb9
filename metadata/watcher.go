package metadata

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
)

// Watcher keeps a registry in sync with a schema file. Each reload builds a
// fresh immutable Registry and swaps it in atomically; readers holding the
// previous one are unaffected.
type Watcher struct {
	path     string
	opts     []LoadOption
	current  atomic.Pointer[Registry]
	fsw      *fsnotify.Watcher
	logger   *slog.Logger
	onReload func(*Registry)
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatchLogger sets the logger used for reload failures.
func WithWatchLogger(l *slog.Logger) WatcherOption {
	return func(w *Watcher) {
		w.logger = l
	}
}

// WithLoadOptions sets the options used on every load.
func WithLoadOptions(opts ...LoadOption) WatcherOption {
	return func(w *Watcher) {
		w.opts = append(w.opts, opts...)
	}
}

// OnReload registers a callback invoked after a successful reload.
func OnReload(fn func(*Registry)) WatcherOption {
	return func(w *Watcher) {
		w.onReload = fn
	}
}

// NewWatcher loads the schema at path and starts watching its directory.
// Editors often replace files by rename, so the directory is watched and
// events are filtered by file name.
func NewWatcher(path string, opts ...WatcherOption) (*Watcher, error) {
	w := &Watcher{path: filepath.Clean(path), logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	reg, err := LoadFile(w.path, w.opts...)
	if err != nil {
		return nil, err
	}
	w.current.Store(reg)
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("metadata: create watcher: %w", err)
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		return nil, errors.Join(fmt.Errorf("metadata: watch %s: %w", w.path, err), fsw.Close())
	}
	w.fsw = fsw
	return w, nil
}

// Registry returns the current registry.
func (w *Watcher) Registry() *Registry {
	return w.current.Load()
}

// Run processes file events until ctx is done or the watcher is closed.
func (w *Watcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != w.path || !(ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)) {
				continue
			}
			w.reload()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("metadata watcher error", "path", w.path, "error", err)
		}
	}
}

func (w *Watcher) reload() {
	reg, err := LoadFile(w.path, w.opts...)
	if err != nil {
		// Keep serving the previous registry.
		w.logger.Warn("metadata reload failed", "path", w.path, "error", err)
		return
	}
	w.current.Store(reg)
	w.logger.Info("metadata reloaded", "path", w.path, "classes", len(reg.order))
	if w.onReload != nil {
		w.onReload(reg)
	}
}

// Close stops watching.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
