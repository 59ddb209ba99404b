// Package watch turns file system notifications under a project root into
// debounced batches of changed and removed source files.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
)

// Batch is one debounced set of file events. A path appears in at most one
// of the two lists; which one is decided by whether it exists when the
// batch is flushed.
type Batch struct {
	Changed []string
	Removed []string
}

// Len is the number of paths in the batch.
func (b Batch) Len() int { return len(b.Changed) + len(b.Removed) }

type Options struct {
	Root string
	// Exclude holds doublestar patterns matched against paths relative to
	// Root. A directory matching a pattern is not watched at all.
	Exclude []string
	// Match selects the files of interest. Nil accepts every file.
	Match    func(path string) bool
	Debounce time.Duration
	Logger   *slog.Logger
}

// Watcher watches Root and every non-excluded directory below it.
type Watcher struct {
	opts    Options
	fsw     *fsnotify.Watcher
	log     *slog.Logger
	pending map[string]struct{}
}

// New creates a Watcher and registers watches for the whole tree. Events are
// not delivered until Run is called.
func New(opts Options) (*Watcher, error) {
	root, err := filepath.Abs(opts.Root)
	if err != nil {
		return nil, fmt.Errorf("watch: resolve root: %w", err)
	}
	opts.Root = root
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("watch: %w", err)
	}
	w := &Watcher{opts: opts, fsw: fsw, log: opts.Logger, pending: make(map[string]struct{})}
	if err := w.addTree(root, false); err != nil {
		fsw.Close()
		return nil, err
	}
	return w, nil
}

// Excluded reports whether path, relative to root, matches any of patterns.
// A pattern ending in "/**" also matches the directory itself.
func Excluded(root, path string, patterns []string) bool {
	rel, err := filepath.Rel(root, path)
	if err != nil || rel == "." {
		return false
	}
	rel = filepath.ToSlash(rel)
	for _, pat := range patterns {
		if ok, _ := doublestar.Match(pat, rel); ok {
			return true
		}
		if dir, cut := strings.CutSuffix(pat, "/**"); cut {
			if ok, _ := doublestar.Match(dir, rel); ok {
				return true
			}
		}
	}
	return false
}

func (w *Watcher) interesting(path string) bool {
	if Excluded(w.opts.Root, path, w.opts.Exclude) {
		return false
	}
	return w.opts.Match == nil || w.opts.Match(path)
}

// addTree watches dir and its subdirectories. With queue set, files already
// present are queued as changed; they may have been written before the watch
// existed.
func (w *Watcher) addTree(dir string, queue bool) error {
	visited := make(map[string]bool)
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return fmt.Errorf("watch: walk %s: %w", dir, err)
			}
			return nil
		}
		if !d.IsDir() {
			if queue && d.Type().IsRegular() && w.interesting(path) {
				w.pending[path] = struct{}{}
			}
			return nil
		}
		if Excluded(w.opts.Root, path, w.opts.Exclude) {
			return filepath.SkipDir
		}
		real, err := filepath.EvalSymlinks(path)
		if err != nil || visited[real] {
			return filepath.SkipDir
		}
		visited[real] = true
		if err := w.fsw.Add(path); err != nil {
			w.log.Warn("watch.add_failed", "dir", path, "err", err)
		}
		return nil
	})
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
		return
	}
	if ev.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(ev.Name); err == nil && info.IsDir() {
			if err := w.addTree(ev.Name, true); err != nil {
				w.log.Warn("watch.add_failed", "dir", ev.Name, "err", err)
			}
			return
		}
	}
	if w.interesting(ev.Name) {
		w.pending[ev.Name] = struct{}{}
	}
}

func (w *Watcher) flush() Batch {
	var b Batch
	for path := range w.pending {
		info, err := os.Stat(path)
		switch {
		case err == nil && info.Mode().IsRegular():
			b.Changed = append(b.Changed, path)
		case errors.Is(err, fs.ErrNotExist):
			b.Removed = append(b.Removed, path)
		}
	}
	clear(w.pending)
	slices.Sort(b.Changed)
	slices.Sort(b.Removed)
	return b
}

// Run delivers batches to fn until ctx is done. fn runs on the Run goroutine;
// events that arrive meanwhile are held for the next batch. Run closes the
// underlying watcher before returning.
func (w *Watcher) Run(ctx context.Context, fn func(Batch)) error {
	defer w.fsw.Close()

	timer := time.NewTimer(w.opts.Debounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)
			if len(w.pending) > 0 {
				timer.Reset(w.opts.Debounce)
			}

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch.error", "err", err)

		case <-timer.C:
			b := w.flush()
			if b.Len() == 0 {
				continue
			}
			w.log.Debug("watch.batch", "changed", len(b.Changed), "removed", len(b.Removed))
			fn(b)
		}
	}
}

// Close releases the watcher without running it.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
