package xrefdb

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	goruntime "runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jward/xrefdb/internal/catalog"
	"github.com/jward/xrefdb/internal/db"
	"github.com/jward/xrefdb/internal/index"
	"github.com/jward/xrefdb/internal/lock"
	"github.com/jward/xrefdb/internal/runtime"
)

// ProjectFragment is the id of the writable fragment.
const ProjectFragment = "project"

// Engine owns a composite index and keeps it in step with the source tree:
// file discovery, change detection, extraction, commit under the write
// lock, and rebuilds when the stored index cannot be trusted.
type Engine struct {
	indexPath string
	root      string
	cat       *catalog.Catalog
	ix        *index.Index
	locks     *lock.Manager
	source    Source
	log       *slog.Logger

	scriptsDir  string
	scriptsFS   fs.FS
	languages   map[index.Language]bool // nil means all languages
	exclude     []string
	includeDirs []string
	workers     int
	retry       int
	runtime     *runtime.Runtime

	// needsRebuild is set when the fragment was discarded or found corrupt,
	// or the extraction scripts changed since the last build.
	needsRebuild atomic.Bool

	taskMu     sync.Mutex
	taskDone   chan struct{}
	taskCancel context.CancelFunc
	taskErr    error
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the structured logger. The default is slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.log = l
	}
}

// WithRoot sets the project root used by IndexDirectory callers and by
// Reindex. The default is the working directory.
func WithRoot(root string) Option {
	return func(e *Engine) {
		e.root = root
	}
}

// WithLanguages restricts which languages the Engine will process. An empty
// list lifts the restriction.
func WithLanguages(languages ...index.Language) Option {
	return func(e *Engine) {
		if len(languages) == 0 {
			e.languages = nil
			return
		}
		e.languages = make(map[index.Language]bool, len(languages))
		for _, lang := range languages {
			e.languages[lang] = true
		}
	}
}

// WithWorkers sets how many files are extracted concurrently. Commits are
// always serial.
func WithWorkers(n int) Option {
	return func(e *Engine) {
		e.workers = n
	}
}

// WithRetry sets how many times a file whose commit failed with a storage
// error is retried before the error is recorded.
func WithRetry(n int) Option {
	return func(e *Engine) {
		e.retry = n
	}
}

// WithExclude sets doublestar globs, relative to the root, of paths that
// are never indexed.
func WithExclude(patterns ...string) Option {
	return func(e *Engine) {
		e.exclude = patterns
	}
}

// WithIncludeDirs sets the include search path handed to the extraction
// scripts.
func WithIncludeDirs(dirs ...string) Option {
	return func(e *Engine) {
		e.includeDirs = dirs
	}
}

// WithScriptsDir loads extraction scripts from dir on disk.
func WithScriptsDir(dir string) Option {
	return func(e *Engine) {
		e.scriptsDir = dir
	}
}

// WithScriptsFS loads extraction scripts from fsys, typically the embedded
// scripts.FS. It takes precedence over WithScriptsDir.
func WithScriptsFS(fsys fs.FS) Option {
	return func(e *Engine) {
		e.scriptsFS = fsys
	}
}

// WithSource replaces the script-based Source.
func WithSource(s Source) Option {
	return func(e *Engine) {
		e.source = s
	}
}

// New opens the project fragment at indexPath and the catalog at
// catalogPath, creating both when missing. An empty indexPath keeps the
// fragment in memory.
//
// A fragment written with another format version, or one that fails its
// structural check, is discarded; NeedsRebuild then reports true and the
// next IndexDirectory replays everything.
func New(indexPath, catalogPath string, opts ...Option) (*Engine, error) {
	e := &Engine{
		indexPath: indexPath,
		locks:     lock.New(),
		log:       slog.Default(),
		workers:   goruntime.NumCPU(),
		retry:     1,
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.root == "" {
		e.root = "."
	}
	root, err := filepath.Abs(e.root)
	if err != nil {
		return nil, fmt.Errorf("xrefdb: root: %w", err)
	}
	e.root = root

	var rtOpts []runtime.RuntimeOption
	if e.scriptsFS != nil {
		rtOpts = append(rtOpts, runtime.WithRuntimeFS(e.scriptsFS))
	}
	rtOpts = append(rtOpts, runtime.WithIncludeDirs(e.includeDirs...), runtime.WithLogger(e.log))
	e.runtime = runtime.NewRuntime(e.scriptsDir, rtOpts...)
	if e.source == nil {
		e.source = &scriptSource{rt: e.runtime, languages: e.languages, exclude: e.exclude}
	}

	if dir := filepath.Dir(catalogPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("xrefdb: create catalog dir: %w", err)
		}
	}
	cat, err := catalog.Open(catalogPath)
	if err != nil {
		return nil, fmt.Errorf("xrefdb: open catalog: %w", err)
	}
	if err := cat.Migrate(); err != nil {
		cat.Close()
		return nil, fmt.Errorf("xrefdb: migrate catalog: %w", err)
	}
	e.cat = cat

	writable, err := e.openProject()
	if err != nil {
		cat.Close()
		return nil, err
	}
	ix, err := index.New(writable)
	if err != nil {
		writable.Close()
		cat.Close()
		return nil, err
	}
	e.ix = ix

	if err := e.checkScripts(); err != nil {
		e.Close()
		return nil, err
	}
	e.attachRecorded()
	return e, nil
}

// openProject opens the writable fragment, discarding it when it cannot be
// trusted.
func (e *Engine) openProject() (*index.Fragment, error) {
	if e.indexPath != "" {
		if err := os.MkdirAll(filepath.Dir(e.indexPath), 0o755); err != nil {
			return nil, fmt.Errorf("xrefdb: create index dir: %w", err)
		}
	}
	open := func() (*index.Fragment, error) {
		return index.OpenFragment(e.indexPath, index.Options{ID: ProjectFragment, Logger: e.log})
	}

	f, err := open()
	if err == nil {
		if err = f.Check(); err != nil {
			f.Close()
		}
	}
	switch {
	case err == nil:
		return f, nil
	case errors.Is(err, db.ErrVersionMismatch), errors.Is(err, db.ErrCorrupt):
		e.log.Warn("rebuild.discard", "path", e.indexPath, "err", err)
		if rmErr := os.Remove(e.indexPath); rmErr != nil && !os.IsNotExist(rmErr) {
			return nil, fmt.Errorf("xrefdb: discard index: %w", rmErr)
		}
		if err := e.cat.ClearFiles(); err != nil {
			return nil, fmt.Errorf("xrefdb: discard index: %w", err)
		}
		e.needsRebuild.Store(true)
		f, err = open()
		if err != nil {
			return nil, fmt.Errorf("xrefdb: recreate index: %w", err)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("xrefdb: open index: %w", err)
	}
}

// checkScripts compares the extraction scripts and format version with the
// ones recorded by the last build. A difference means every stored file
// content may be stale.
func (e *Engine) checkScripts() error {
	if !e.ScriptsChanged() {
		return nil
	}
	files, err := e.cat.Files()
	if err != nil {
		return fmt.Errorf("xrefdb: catalog files: %w", err)
	}
	if len(files) == 0 {
		return nil
	}
	e.log.Info("rebuild.scripts_changed", "files", len(files))
	e.needsRebuild.Store(true)
	return nil
}

// attachRecorded reattaches the dependency fragments recorded in the
// catalog. A fragment that no longer opens is logged and skipped.
func (e *Engine) attachRecorded() {
	entries, err := e.cat.Fragments()
	if err != nil {
		e.log.Warn("fragment.list_failed", "err", err)
		return
	}
	for _, fe := range entries {
		f, err := index.OpenFragment(fe.Path, index.Options{ID: fe.ID, ReadOnly: true, Logger: e.log})
		if err != nil {
			e.log.Warn("fragment.reattach_failed", "id", fe.ID, "path", fe.Path, "err", err)
			continue
		}
		if err := e.ix.Attach(f); err != nil {
			f.Close()
			e.log.Warn("fragment.reattach_failed", "id", fe.ID, "err", err)
		}
	}
}

// Close stops a running background indexer, flushes the project fragment
// and releases every resource.
func (e *Engine) Close() error {
	e.taskMu.Lock()
	cancel, done := e.taskCancel, e.taskDone
	e.taskMu.Unlock()
	if cancel != nil {
		cancel()
		<-done
	}

	var first error
	if e.ix != nil {
		first = e.ix.Close()
	}
	if err := e.cat.Close(); err != nil && first == nil {
		first = err
	}
	return first
}

// Root returns the absolute project root.
func (e *Engine) Root() string { return e.root }

// Catalog returns the project catalog.
func (e *Engine) Catalog() *catalog.Catalog { return e.cat }

// Handles reports whether path is a source file the Engine indexes.
func (e *Engine) Handles(path string) bool {
	_, ok := e.source.LanguageForFile(path)
	return ok
}

// NeedsRebuild reports whether the stored index was discarded, found
// corrupt or built by other extraction scripts, so a full rebuild is due.
func (e *Engine) NeedsRebuild() bool { return e.needsRebuild.Load() }

// Query returns a QueryBuilder over the composite index.
func (e *Engine) Query() *QueryBuilder {
	return &QueryBuilder{e: e}
}

func (e *Engine) formatVersion() string {
	return strconv.FormatUint(uint64(index.FormatVersion), 10)
}

// ScriptsChanged reports whether the extraction scripts or the store format
// differ from what was used to build the current index. It is true before
// the first build.
func (e *Engine) ScriptsChanged() bool {
	stored, err := e.cat.GetMetadata(catalog.KeyScriptsHash)
	if err != nil || stored == "" || stored != e.runtime.ScriptsHash() {
		return true
	}
	version, err := e.cat.GetMetadata(catalog.KeyFormatVersion)
	return err != nil || version != e.formatVersion()
}

// storeBuildInfo records the scripts hash and format version the index was
// built with.
func (e *Engine) storeBuildInfo() {
	if err := e.cat.SetMetadata(catalog.KeyScriptsHash, e.runtime.ScriptsHash()); err != nil {
		e.log.Warn("catalog.metadata_failed", "key", catalog.KeyScriptsHash, "err", err)
	}
	if err := e.cat.SetMetadata(catalog.KeyFormatVersion, e.formatVersion()); err != nil {
		e.log.Warn("catalog.metadata_failed", "key", catalog.KeyFormatVersion, "err", err)
	}
}

// write runs fn under the write lock.
func (e *Engine) write(ctx context.Context, fn func() error) error {
	h := e.locks.Holder()
	if err := h.Lock(ctx); err != nil {
		return err
	}
	defer h.Unlock()
	return fn()
}

// read runs fn under a read lock.
func (e *Engine) read(ctx context.Context, fn func() error) error {
	h := e.locks.Holder()
	if err := h.RLock(ctx); err != nil {
		return err
	}
	defer h.RUnlock()
	return fn()
}

// =============================================================================
// Rebuild and background indexing
// =============================================================================

// Rebuild clears the project fragment and the catalog's file table and
// indexes the root from scratch.
func (e *Engine) Rebuild(ctx context.Context) error {
	started := time.Now()
	runID, err := e.cat.BeginRun(catalog.RunRebuild, started)
	if err != nil {
		return fmt.Errorf("xrefdb: record run: %w", err)
	}
	e.log.Info("rebuild.start", "root", e.root)

	err = e.write(ctx, func() error {
		if err := e.ix.Writable().Clear(); err != nil {
			return err
		}
		return e.cat.ClearFiles()
	})
	var n int
	if err == nil {
		n, err = e.indexDirectory(ctx, e.root)
	}
	if ferr := e.cat.FinishRun(runID, time.Now(), n, errCount(err), err); ferr != nil {
		e.log.Warn("catalog.run_failed", "err", ferr)
	}
	if err != nil {
		e.log.Error("rebuild.failed", "err", err)
		return err
	}

	e.needsRebuild.Store(false)
	if err := e.cat.SetMetadata(catalog.KeyLastRebuild, time.Now().UTC().Format(time.RFC3339)); err != nil {
		e.log.Warn("catalog.metadata_failed", "key", catalog.KeyLastRebuild, "err", err)
	}
	e.log.Info("rebuild.done", "files", n, "elapsed", time.Since(started))
	return nil
}

// recoverCorrupt rebuilds the project fragment when err reports corruption
// and reports whether it did. Partial repair is never attempted.
func (e *Engine) recoverCorrupt(ctx context.Context, err error) (bool, error) {
	if !errors.Is(err, db.ErrCorrupt) {
		return false, err
	}
	e.log.Warn("rebuild.corrupt", "path", e.indexPath, "err", err)
	e.needsRebuild.Store(true)
	if rerr := e.Rebuild(ctx); rerr != nil {
		return true, fmt.Errorf("xrefdb: rebuild after corruption: %w", rerr)
	}
	return true, nil
}

// reindexIfIdle schedules a background rebuild unless one is running.
func (e *Engine) reindexIfIdle() {
	e.taskMu.Lock()
	busy := e.taskCancel != nil
	e.taskMu.Unlock()
	if !busy {
		e.Reindex(context.Background())
	}
}

// Reindex schedules a full rebuild in the background and returns at once.
// A rebuild already in flight is cancelled and replaced. Use JoinIndexer to
// wait for it.
func (e *Engine) Reindex(ctx context.Context) {
	e.taskMu.Lock()
	if e.taskCancel != nil {
		e.taskCancel()
		prev := e.taskDone
		e.taskMu.Unlock()
		<-prev
		e.taskMu.Lock()
	}
	taskCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	e.taskCancel, e.taskDone, e.taskErr = cancel, done, nil
	e.taskMu.Unlock()

	go func() {
		defer close(done)
		err := e.Rebuild(taskCtx)
		e.taskMu.Lock()
		e.taskErr = err
		if e.taskDone == done {
			e.taskCancel = nil
		}
		e.taskMu.Unlock()
		cancel()
	}()
}

// JoinIndexer waits up to timeout for the background indexer to finish and
// reports whether it is idle. A non-positive timeout waits indefinitely.
func (e *Engine) JoinIndexer(timeout time.Duration) bool {
	e.taskMu.Lock()
	done := e.taskDone
	e.taskMu.Unlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-done:
		return true
	case <-t.C:
		return false
	}
}

// IndexerErr returns the error of the last finished background rebuild.
func (e *Engine) IndexerErr() error {
	e.taskMu.Lock()
	defer e.taskMu.Unlock()
	return e.taskErr
}

// =============================================================================
// Maintenance
// =============================================================================

// Compact reclaims orphan bindings of the project fragment and returns how
// many were freed.
func (e *Engine) Compact(ctx context.Context) (int, error) {
	runID, err := e.cat.BeginRun(catalog.RunCompact, time.Now())
	if err != nil {
		return 0, fmt.Errorf("xrefdb: record run: %w", err)
	}
	var freed int
	err = e.write(ctx, func() error {
		var err error
		if freed, err = e.ix.Compact(); err != nil {
			return err
		}
		return e.ix.Flush()
	})
	if ferr := e.cat.FinishRun(runID, time.Now(), freed, errCount(err), err); ferr != nil {
		e.log.Warn("catalog.run_failed", "err", ferr)
	}
	if err != nil {
		return 0, fmt.Errorf("xrefdb: compact: %w", err)
	}
	e.log.Info("compact.done", "freed", freed)
	return freed, nil
}

// Stats summarizes every fragment of the index.
func (e *Engine) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	err := e.read(ctx, func() error {
		var err error
		st, err = e.ix.Stats()
		return err
	})
	return st, err
}

// Runs returns the most recent index runs, newest first.
func (e *Engine) Runs(limit int) ([]*Run, error) {
	return e.cat.Runs(limit)
}

func errCount(err error) int {
	if err == nil {
		return 0
	}
	var ie *IndexError
	if errors.As(err, &ie) {
		return len(ie.Errs)
	}
	return 1
}
