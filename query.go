package xrefdb

import (
	"cmp"
	"context"
	"errors"
	"slices"

	edlib "github.com/hbollon/go-edlib"

	"github.com/jward/xrefdb/internal/db"
	"github.com/jward/xrefdb/internal/index"
	"github.com/jward/xrefdb/internal/lock"
)

// QueryBuilder answers questions about the composite index. Every method
// holds a read lock for its duration, so results never mix the before and
// after of a file update.
//
// Structural failures of the store degrade to empty results and are logged
// as query.degraded; only an interrupted lock wait is returned as an error.
// A corrupt project fragment is rebuilt in the background.
type QueryBuilder struct {
	e *Engine
}

// Suggestion is a binding name close to a name that matched nothing.
type Suggestion struct {
	Name  string  `json:"name"`
	Score float32 `json:"score"`
}

// run holds a read lock while fn runs and folds store failures into an
// empty result.
func (q *QueryBuilder) run(ctx context.Context, op string, fn func(ix *index.Index) error) error {
	err := q.e.read(ctx, func() error {
		return fn(q.e.ix)
	})
	if err == nil || errors.Is(err, lock.ErrInterrupted) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	q.e.log.Warn("query.degraded", "op", op, "err", err)
	if errors.Is(q.e.ix.Writable().Err(), db.ErrCorrupt) {
		q.e.needsRebuild.Store(true)
		q.e.reindexIfIdle()
	}
	return nil
}

// FindBindings returns the bindings matching pattern: a plain name, a
// prefix ending in '*', a qualified name such as "ns::Class::name", or "*"
// for everything.
func (q *QueryBuilder) FindBindings(ctx context.Context, pattern string) ([]Binding, error) {
	var out []Binding
	err := q.run(ctx, "find_bindings", func(ix *index.Index) error {
		bs, err := ix.FindBindings(pattern)
		if err != nil {
			return err
		}
		out = bs
		return nil
	})
	return out, err
}

func (q *QueryBuilder) names(ctx context.Context, op string, b Binding, mask index.Role) ([]Occurrence, error) {
	var out []Occurrence
	err := q.run(ctx, op, func(ix *index.Index) error {
		ns, err := ix.Names(b, mask)
		if err != nil {
			return err
		}
		out = occurrences(ns)
		return nil
	})
	return out, err
}

// Declarations returns where b is declared.
func (q *QueryBuilder) Declarations(ctx context.Context, b Binding) ([]Occurrence, error) {
	return q.names(ctx, "declarations", b, index.RoleDeclaration)
}

// Definitions returns where b is defined.
func (q *QueryBuilder) Definitions(ctx context.Context, b Binding) ([]Occurrence, error) {
	return q.names(ctx, "definitions", b, index.RoleDefinition)
}

// References returns where b is referenced.
func (q *QueryBuilder) References(ctx context.Context, b Binding) ([]Occurrence, error) {
	return q.names(ctx, "references", b, index.RoleReference)
}

// FileNames returns every occurrence in location, in offset order.
func (q *QueryBuilder) FileNames(ctx context.Context, location string) ([]Occurrence, error) {
	var out []Occurrence
	err := q.run(ctx, "file_names", func(ix *index.Index) error {
		ns, err := ix.FileNames(location)
		if err != nil {
			return err
		}
		out = occurrences(ns)
		return nil
	})
	return out, err
}

// File returns the file record of location and whether any fragment knows
// it.
func (q *QueryBuilder) File(ctx context.Context, location string) (File, bool, error) {
	var (
		out   File
		found bool
	)
	err := q.run(ctx, "file", func(ix *index.Index) error {
		f, frag, err := ix.File(location)
		if err != nil {
			return err
		}
		out, found = f, frag != nil
		return nil
	})
	return out, found, err
}

// Includes returns the include directives of location.
func (q *QueryBuilder) Includes(ctx context.Context, location string) ([]Include, error) {
	var out []Include
	err := q.run(ctx, "includes", func(ix *index.Index) error {
		var err error
		out, err = ix.Includes(location)
		return err
	})
	return out, err
}

// Includers returns the files that include location, sorted.
func (q *QueryBuilder) Includers(ctx context.Context, location string) ([]string, error) {
	var out []string
	err := q.run(ctx, "includers", func(ix *index.Index) error {
		var err error
		out, err = ix.Includers(location)
		return err
	})
	return out, err
}

// Macros returns the macros defined in location.
func (q *QueryBuilder) Macros(ctx context.Context, location string) ([]Macro, error) {
	var out []Macro
	err := q.run(ctx, "macros", func(ix *index.Index) error {
		var err error
		out, err = ix.Macros(location)
		return err
	})
	return out, err
}

// Files returns every file of every fragment.
func (q *QueryBuilder) Files(ctx context.Context) ([]File, error) {
	var out []File
	err := q.run(ctx, "files", func(ix *index.Index) error {
		var err error
		out, err = ix.Files()
		return err
	})
	return out, err
}

// Resolve follows the external reference of a proxy binding. It returns
// false when b is not a proxy or its fragment is detached.
func (q *QueryBuilder) Resolve(ctx context.Context, b Binding) (Binding, bool, error) {
	if b.External == nil {
		return Binding{}, false, nil
	}
	var (
		out Binding
		ok  bool
	)
	err := q.run(ctx, "resolve", func(ix *index.Index) error {
		if _, attached := ix.Fragment(b.External.Fragment); !attached {
			return nil
		}
		target, err := ix.Binding(*b.External)
		if err != nil {
			return err
		}
		out, ok = target, true
		return nil
	})
	return out, ok, err
}

// minSuggestScore drops candidates that share little more than a letter.
const minSuggestScore = 0.7

// Suggest ranks binding names by Jaro-Winkler similarity to name and
// returns up to limit of them. It is meant for "did you mean" hints when
// FindBindings comes back empty.
func (q *QueryBuilder) Suggest(ctx context.Context, name string, limit int) ([]Suggestion, error) {
	all, err := q.FindBindings(ctx, "*")
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool)
	var out []Suggestion
	for _, b := range all {
		if seen[b.Name] {
			continue
		}
		seen[b.Name] = true
		score, err := edlib.StringsSimilarity(name, b.Name, edlib.JaroWinkler)
		if err != nil || score < minSuggestScore {
			continue
		}
		out = append(out, Suggestion{Name: b.Name, Score: score})
	}
	slices.SortFunc(out, func(a, b Suggestion) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.Name, b.Name)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
