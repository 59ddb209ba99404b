package xrefdb

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/jward/xrefdb/internal/catalog"
	"github.com/jward/xrefdb/internal/db"
	"github.com/jward/xrefdb/internal/index"
)

// IndexError collects the per-file failures of one indexing pass. Files
// that failed keep their previous content; the rest of the batch commits.
type IndexError struct {
	Errs []error
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("indexing had %d error(s): %v", len(e.Errs), errors.Join(e.Errs...))
}

func (e *IndexError) Unwrap() []error { return e.Errs }

// workItem holds everything an extraction worker needs for one file.
type workItem struct {
	path    string
	lang    index.Language
	src     []byte
	hash    string
	modTime time.Time
}

type workResult struct {
	content index.FileContent
	err     error
}

// IndexFiles indexes the given files. Files whose content hash matches the
// catalog are skipped. Files that include a changed file are re-extracted
// too, so their include edges and references follow the new content.
func (e *Engine) IndexFiles(ctx context.Context, paths []string) error {
	runID, err := e.cat.BeginRun(catalog.RunIndex, time.Now())
	if err != nil {
		return fmt.Errorf("xrefdb: record run: %w", err)
	}
	n, err := e.indexFiles(ctx, paths, false)
	if ferr := e.cat.FinishRun(runID, time.Now(), n, errCount(err), err); ferr != nil {
		e.log.Warn("catalog.run_failed", "err", ferr)
	}
	rebuilt, err := e.recoverCorrupt(ctx, err)
	if rebuilt && err == nil {
		// The rebuild covers the root only.
		_, err = e.indexFiles(ctx, paths, false)
	}
	return err
}

// IndexDirectory indexes every source file under root and drops files the
// catalog knows under root that no longer exist.
func (e *Engine) IndexDirectory(ctx context.Context, root string) error {
	runID, err := e.cat.BeginRun(catalog.RunIndex, time.Now())
	if err != nil {
		return fmt.Errorf("xrefdb: record run: %w", err)
	}
	n, err := e.indexDirectory(ctx, root)
	if ferr := e.cat.FinishRun(runID, time.Now(), n, errCount(err), err); ferr != nil {
		e.log.Warn("catalog.run_failed", "err", ferr)
	}
	rebuilt, err := e.recoverCorrupt(ctx, err)
	if rebuilt && err == nil && !pathWithin(e.root, root) {
		_, err = e.indexDirectory(ctx, root)
	}
	return err
}

// pathWithin reports whether path is root or lies below it.
func pathWithin(root, path string) bool {
	abs, err := filepath.Abs(path)
	if err != nil {
		return false
	}
	rel, err := filepath.Rel(root, abs)
	return err == nil && rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))
}

func (e *Engine) indexDirectory(ctx context.Context, root string) (int, error) {
	root, err := filepath.Abs(root)
	if err != nil {
		return 0, fmt.Errorf("xrefdb: root: %w", err)
	}
	paths, err := e.source.Files(ctx, root)
	if err != nil {
		return 0, fmt.Errorf("xrefdb: list files: %w", err)
	}

	present := make(map[string]bool, len(paths))
	for _, p := range paths {
		present[p] = true
	}
	known, err := e.cat.Files()
	if err != nil {
		return 0, fmt.Errorf("xrefdb: catalog files: %w", err)
	}
	var gone []string
	prefix := root + string(filepath.Separator)
	for _, f := range known {
		if strings.HasPrefix(f.Path, prefix) && !present[f.Path] {
			gone = append(gone, f.Path)
		}
	}
	if len(gone) > 0 {
		if err := e.removeFiles(ctx, gone); err != nil {
			return 0, err
		}
	}

	force := e.needsRebuild.Load()
	n, err := e.indexFiles(ctx, paths, force)
	if err != nil {
		return n, err
	}
	e.storeBuildInfo()
	e.needsRebuild.Store(false)
	return n, nil
}

// indexFiles runs the three-phase pipeline and returns how many files were
// committed.
//
//	Phase A (serial):   language check, read, hash check against the catalog.
//	Phase B (parallel): extraction, one goroutine per file up to the worker limit.
//	Phase C (serial):   commit each file under the write lock, in path order.
func (e *Engine) indexFiles(ctx context.Context, paths []string, force bool) (int, error) {
	start := time.Now()
	var errs []error

	// ---- Phase A: Serial preparation ----
	items, prepErrs := e.prepare(paths, force)
	errs = append(errs, prepErrs...)
	if len(items) == 0 {
		return 0, joinIndexErrors(errs)
	}

	// ---- Phase B: Parallel extraction ----
	results := make([]workResult, len(items))
	g := new(errgroup.Group)
	g.SetLimit(max(e.workers, 1))
	for i, item := range items {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].err = err
				return nil
			}
			content, err := e.source.Extract(ctx, item.path, item.src, item.lang)
			if err != nil {
				results[i].err = fmt.Errorf("extract %s: %w", item.path, err)
				return nil
			}
			content.Location = item.path
			content.Language = item.lang
			content.Timestamp = item.modTime
			results[i].content = content
			return nil
		})
	}
	_ = g.Wait()
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	// ---- Phase C: Serial commit ----
	var committed []string
	for i, item := range items {
		if results[i].err != nil {
			e.log.Warn("index.extract_failed", "path", item.path, "err", results[i].err)
			errs = append(errs, results[i].err)
			continue
		}
		if err := e.commit(ctx, item, results[i].content); err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return len(committed), err
			}
			if errors.Is(err, db.ErrCorrupt) {
				return len(committed), fmt.Errorf("commit %s: %w", item.path, err)
			}
			e.log.Warn("index.commit_failed", "path", item.path, "err", err)
			errs = append(errs, fmt.Errorf("commit %s: %w", item.path, err))
			continue
		}
		committed = append(committed, item.path)
	}
	if err := e.write(ctx, e.ix.Flush); err != nil {
		errs = append(errs, fmt.Errorf("flush: %w", err))
	}

	e.log.Info("index.batch",
		"files", len(paths), "extracted", len(items), "committed", len(committed),
		"errors", len(errs), "elapsed", time.Since(start))

	// Files including a changed file see new targets and bindings; refresh
	// them once. Their own includers are not followed.
	if !force && len(committed) > 0 {
		dependents, err := e.includersOutside(ctx, committed, paths)
		if err != nil {
			errs = append(errs, err)
		} else if len(dependents) > 0 {
			e.log.Debug("index.dependents", "files", len(dependents))
			n, err := e.indexFiles(ctx, dependents, true)
			errs = appendIndexError(errs, err)
			return len(committed) + n, joinIndexErrors(errs)
		}
	}
	return len(committed), joinIndexErrors(errs)
}

// prepare reads and hashes each path, skipping files that are not source
// files and files whose content the catalog has already seen.
func (e *Engine) prepare(paths []string, force bool) ([]workItem, []error) {
	var (
		items []workItem
		errs  []error
		seen  = make(map[string]bool, len(paths))
	)
	for _, p := range paths {
		path, err := filepath.Abs(p)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p, err))
			continue
		}
		if seen[path] {
			continue
		}
		seen[path] = true

		lang, ok := e.source.LanguageForFile(path)
		if !ok {
			continue
		}
		src, err := os.ReadFile(path)
		if err != nil {
			errs = append(errs, fmt.Errorf("read %s: %w", path, err))
			continue
		}
		hash := catalog.ContentHash(src)
		if !force {
			unchanged, err := e.cat.Unchanged(path, hash)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			if unchanged && e.indexed(path) {
				continue
			}
		}
		item := workItem{path: path, lang: lang, src: src, hash: hash}
		if info, err := os.Stat(path); err == nil {
			item.modTime = info.ModTime()
		}
		items = append(items, item)
	}
	return items, errs
}

// indexed reports whether the project fragment holds indexed content for
// path. A catalog entry without it means the fragment was replaced.
func (e *Engine) indexed(path string) bool {
	var (
		file index.File
		ok   bool
	)
	err := e.read(context.Background(), func() error {
		var err error
		file, ok, err = e.ix.Writable().File(path)
		return err
	})
	return err == nil && ok && file.State == index.StateIndexed
}

// commit replaces the content of one file under the write lock, then
// records the file in the catalog. A storage failure rolls the file's
// changes back and the file is retried.
func (e *Engine) commit(ctx context.Context, item workItem, content index.FileContent) error {
	var err error
	for attempt := 0; attempt <= e.retry; attempt++ {
		err = e.write(ctx, func() error {
			return e.ix.Update(func() error {
				file, err := e.ix.AddFile(item.path)
				if err != nil {
					return err
				}
				return e.ix.SetFileContent(file, content)
			})
		})
		if err == nil || !errors.Is(err, db.ErrStorageIO) {
			break
		}
		e.log.Warn("index.retry", "path", item.path, "attempt", attempt+1, "err", err)
	}
	if err != nil {
		return err
	}
	return e.cat.PutFile(&catalog.FileEntry{
		Path:      item.path,
		Language:  item.lang.String(),
		Hash:      item.hash,
		Size:      int64(len(item.src)),
		IndexedAt: time.Now(),
	})
}

// includersOutside returns the project files that include one of changed
// and are not part of batch.
func (e *Engine) includersOutside(ctx context.Context, changed, batch []string) ([]string, error) {
	inBatch := make(map[string]bool, len(batch))
	for _, p := range batch {
		if abs, err := filepath.Abs(p); err == nil {
			inBatch[abs] = true
		}
	}
	var out []string
	err := e.read(ctx, func() error {
		for _, path := range changed {
			locs, err := e.ix.Writable().Includers(path)
			if err != nil {
				return err
			}
			for _, loc := range locs {
				if !inBatch[loc] {
					out = append(out, loc)
				}
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("includers: %w", err)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// RemoveFiles clears the given files from the project fragment and the
// catalog. Their bindings become orphans until Compact. Files that include
// a removed file are re-extracted. A corrupt fragment is rebuilt from the
// files that remain.
func (e *Engine) RemoveFiles(ctx context.Context, paths []string) error {
	err := e.removeFiles(ctx, paths)
	_, err = e.recoverCorrupt(ctx, err)
	return err
}

func (e *Engine) removeFiles(ctx context.Context, paths []string) error {
	var (
		removed []string
		errs    []error
	)
	err := e.write(ctx, func() error {
		for _, p := range paths {
			path, err := filepath.Abs(p)
			if err != nil {
				errs = append(errs, err)
				continue
			}
			file, ok, err := e.ix.Writable().File(path)
			if err != nil {
				errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
				continue
			}
			if ok {
				if err := e.ix.ClearFile(file); err != nil {
					if errors.Is(err, db.ErrCorrupt) {
						return fmt.Errorf("remove %s: %w", path, err)
					}
					errs = append(errs, fmt.Errorf("remove %s: %w", path, err))
					continue
				}
			}
			if err := e.cat.DeleteFile(path); err != nil {
				errs = append(errs, err)
				continue
			}
			removed = append(removed, path)
		}
		return e.ix.Flush()
	})
	if err != nil {
		return err
	}
	e.log.Info("index.removed", "files", len(removed))

	if len(removed) > 0 {
		dependents, err := e.includersOutside(ctx, removed, removed)
		if err != nil {
			errs = append(errs, err)
		} else if len(dependents) > 0 {
			_, err := e.indexFiles(ctx, dependents, true)
			errs = appendIndexError(errs, err)
		}
	}
	return joinIndexErrors(errs)
}

func joinIndexErrors(errs []error) error {
	if len(errs) == 0 {
		return nil
	}
	return &IndexError{Errs: errs}
}

// appendIndexError appends err to errs, flattening a nested IndexError.
func appendIndexError(errs []error, err error) []error {
	var ie *IndexError
	switch {
	case err == nil:
		return errs
	case errors.As(err, &ie):
		return append(errs, ie.Errs...)
	default:
		return append(errs, err)
	}
}
