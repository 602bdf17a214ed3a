// Package watcher re-runs ingestion when a source document changes on disk.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultDebounce collapses the burst of events editors emit on save.
const DefaultDebounce = 500 * time.Millisecond

// Options configures Watch.
type Options struct {
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watch blocks until ctx is done, calling onChange after every settled
// modification of the file at path. The parent directory is watched so that
// editors replacing the file through rename are still observed. Errors from
// onChange are logged and do not stop the watch.
func Watch(ctx context.Context, path string, onChange func(context.Context) error, opts Options) error {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "watcher", "path", path)

	target, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve %s: %w", path, err)
	}

	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	defer w.Close()

	if err := w.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	timer := time.NewTimer(opts.Debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.Events:
			if !ok {
				return nil
			}
			if !Relevant(ev, target) {
				continue
			}
			logger.Debug("change detected", "op", ev.Op.String())
			timer.Reset(opts.Debounce)
		case err, ok := <-w.Errors:
			if !ok {
				return nil
			}
			logger.Warn("watch error", "error", err)
		case <-timer.C:
			if err := onChange(ctx); err != nil {
				logger.Error("reingest failed", "error", err)
				continue
			}
			logger.Info("reingested")
		}
	}
}

// Relevant reports whether ev signals new content for target. Removals and
// chmods are ignored; a replacing editor is seen as a Create of the same name.
func Relevant(ev fsnotify.Event, target string) bool {
	name, err := filepath.Abs(ev.Name)
	if err != nil || name != target {
		return false
	}
	return ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create)
}
