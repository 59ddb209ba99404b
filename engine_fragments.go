package xrefdb

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/jward/xrefdb/internal/catalog"
	"github.com/jward/xrefdb/internal/index"
)

// Attach opens the fragment file at path read-only and adds it to the
// composite index under id. References in the project fragment that were
// left unresolved may resolve against it from the next extraction on. The
// attachment is recorded in the catalog and restored by New.
func (e *Engine) Attach(ctx context.Context, id, path string) error {
	if id == ProjectFragment {
		return fmt.Errorf("xrefdb: attach %s: id is reserved for the project fragment", id)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("xrefdb: attach %s: %w", id, err)
	}
	f, err := index.OpenFragment(abs, index.Options{ID: id, ReadOnly: true, Logger: e.log})
	if err != nil {
		return fmt.Errorf("xrefdb: attach %s: %w", id, err)
	}
	err = e.write(ctx, func() error {
		return e.ix.Attach(f)
	})
	if err != nil {
		f.Close()
		return fmt.Errorf("xrefdb: attach %s: %w", id, err)
	}
	if err := e.cat.AddFragment(&catalog.FragmentEntry{ID: id, Path: abs, AttachedAt: time.Now()}); err != nil {
		return err
	}
	e.log.Info("fragment.attached", "id", id, "path", abs, "version", f.Version())
	return nil
}

// Detach removes fragment id from the composite index and the catalog and
// closes it. Cross-fragment references into it stay in the project fragment
// and read as unresolved until it is attached again.
func (e *Engine) Detach(ctx context.Context, id string) error {
	var f *index.Fragment
	err := e.write(ctx, func() error {
		var err error
		f, err = e.ix.Detach(id)
		return err
	})
	if err != nil {
		return fmt.Errorf("xrefdb: detach %s: %w", id, err)
	}
	if _, err := e.cat.RemoveFragment(id); err != nil {
		f.Close()
		return err
	}
	e.log.Info("fragment.detached", "id", id)
	return f.Close()
}

// Fragments lists the attached dependency fragments as recorded in the
// catalog.
func (e *Engine) Fragments() ([]*FragmentEntry, error) {
	return e.cat.Fragments()
}
