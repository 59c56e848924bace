// Package ingest watches the inbox and takes stable files into custody as
// new jobs.
package ingest

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Handler receives each file once it has stopped changing.
type Handler func(ctx context.Context, path string)

type pendingFile struct {
	timer *time.Timer
	size  int64
	mod   time.Time
}

// Watcher reports files under a directory tree after no writes have been
// seen for the debounce window and their size and modification time have
// not moved since.
type Watcher struct {
	root     string
	debounce time.Duration
	handle   Handler
	logger   *slog.Logger
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithWatcherLogger sets the logger.
func WithWatcherLogger(logger *slog.Logger) WatcherOption {
	return func(w *Watcher) { w.logger = logger }
}

// NewWatcher creates a watcher on root. A debounce of zero or less defaults
// to 1.5s.
func NewWatcher(root string, debounce time.Duration, handle Handler, opts ...WatcherOption) *Watcher {
	if debounce <= 0 {
		debounce = 1500 * time.Millisecond
	}
	w := &Watcher{root: root, debounce: debounce, handle: handle, logger: slog.Default()}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// ignored reports whether path, relative to the root, passes through a
// hidden or editor-temporary name.
func (w *Watcher) ignored(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil || rel == "." {
		return false
	}
	for _, part := range strings.Split(rel, string(filepath.Separator)) {
		if strings.HasPrefix(part, ".") || strings.HasPrefix(part, "~") || strings.HasSuffix(part, "~") {
			return true
		}
	}
	return false
}

// Run watches until ctx is cancelled. Files already present are picked up
// by an initial scan. Stable files are handed to the handler one at a time.
func (w *Watcher) Run(ctx context.Context) error {
	if err := os.MkdirAll(w.root, 0o750); err != nil {
		return fmt.Errorf("creating inbox: %w", err)
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	defer fw.Close()

	ready := make(chan string, 64)
	stable := make(chan string, 256)
	pending := map[string]*pendingFile{}

	schedule := func(path string) {
		info, err := os.Stat(path)
		if err != nil || !info.Mode().IsRegular() {
			return
		}
		if p, ok := pending[path]; ok {
			p.size, p.mod = info.Size(), info.ModTime()
			p.timer.Reset(w.debounce)
			return
		}
		pending[path] = &pendingFile{
			size: info.Size(),
			mod:  info.ModTime(),
			timer: time.AfterFunc(w.debounce, func() {
				select {
				case ready <- path:
				case <-ctx.Done():
				}
			}),
		}
	}

	// addTree watches dir and every non-ignored directory below it, and
	// schedules the files it finds.
	addTree := func(dir string) {
		err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, walkErr error) error {
			if walkErr != nil {
				return walkErr
			}
			if w.ignored(path) {
				if d.IsDir() {
					return filepath.SkipDir
				}
				return nil
			}
			if d.IsDir() {
				return fw.Add(path)
			}
			schedule(path)
			return nil
		})
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			w.logger.Warn("failed to watch directory", "path", dir, "error", err)
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return
			case path := <-stable:
				w.handle(ctx, path)
			}
		}
	}()
	defer func() { <-done }()

	addTree(w.root)
	w.logger.Info("watching inbox", "dir", w.root, "debounce", w.debounce)

	for {
		select {
		case <-ctx.Done():
			for _, p := range pending {
				p.timer.Stop()
			}
			return nil

		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if w.ignored(ev.Name) {
				continue
			}
			switch {
			case ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename):
				if p, ok := pending[ev.Name]; ok {
					p.timer.Stop()
					delete(pending, ev.Name)
				}
			case ev.Has(fsnotify.Create):
				if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
					addTree(ev.Name)
					continue
				}
				schedule(ev.Name)
			case ev.Has(fsnotify.Write):
				schedule(ev.Name)
			}

		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watcher error", "error", err)

		case path := <-ready:
			p, ok := pending[path]
			if !ok {
				continue
			}
			info, err := os.Stat(path)
			if err != nil {
				delete(pending, path)
				continue
			}
			if info.Size() != p.size || !info.ModTime().Equal(p.mod) {
				p.size, p.mod = info.Size(), info.ModTime()
				p.timer.Reset(w.debounce)
				continue
			}
			delete(pending, path)
			select {
			case stable <- path:
			case <-ctx.Done():
			}
		}
	}
}
