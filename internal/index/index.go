package index

import (
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
)

// Index composes one writable fragment with any number of read-only
// fragments. Updates go to the writable fragment; queries fan out to all
// of them and merge.
type Index struct {
	writable *Fragment
	readOnly []*Fragment
	log      *slog.Logger

	cacheMu     sync.Mutex
	cacheVector string
	cache       map[string][]Binding
}

// New builds an Index over writable and readOnly.
func New(writable *Fragment, readOnly ...*Fragment) (*Index, error) {
	if writable.ReadOnly() {
		return nil, fmt.Errorf("index: fragment %s cannot be the writable fragment: %w", writable.ID(), ErrReadOnly)
	}
	ix := &Index{writable: writable, log: writable.log}
	writable.external = ix.resolveExternal
	for _, f := range readOnly {
		if err := ix.Attach(f); err != nil {
			return nil, err
		}
	}
	return ix, nil
}

// Writable returns the project fragment.
func (ix *Index) Writable() *Fragment { return ix.writable }

// Fragments returns the writable fragment followed by the read-only ones in
// attach order.
func (ix *Index) Fragments() []*Fragment {
	return append([]*Fragment{ix.writable}, ix.readOnly...)
}

// Fragment returns the fragment with the given id.
func (ix *Index) Fragment(id string) (*Fragment, bool) {
	for _, f := range ix.Fragments() {
		if f.ID() == id {
			return f, true
		}
	}
	return nil, false
}

// Attach adds a read-only fragment. Callers hold the write lock.
func (ix *Index) Attach(f *Fragment) error {
	if !f.ReadOnly() {
		return fmt.Errorf("index: attach %s: dependency fragments must be opened read-only", f.ID())
	}
	if _, dup := ix.Fragment(f.ID()); dup {
		return fmt.Errorf("index: attach %s: duplicate fragment id", f.ID())
	}
	ix.readOnly = append(ix.readOnly, f)
	ix.log.Info("fragment.attach", "id", f.ID(), "path", f.Path())
	return nil
}

// Detach removes the read-only fragment id and returns it without closing
// it. Proxy bindings that point into it keep their XRef and stop resolving.
func (ix *Index) Detach(id string) (*Fragment, error) {
	for i, f := range ix.readOnly {
		if f.ID() == id {
			ix.readOnly = slices.Delete(ix.readOnly, i, i+1)
			ix.log.Info("fragment.detach", "id", id)
			return f, nil
		}
	}
	return nil, fmt.Errorf("index: detach %s: %w", id, ErrUnknownFragment)
}

// Version returns the version vector of all fragments. Any write to any
// fragment changes it.
func (ix *Index) Version() string {
	var b strings.Builder
	for i, f := range ix.Fragments() {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(f.ID())
		b.WriteByte('@')
		b.WriteString(strconv.FormatUint(f.Version(), 10))
	}
	return b.String()
}

// =============================================================================
// Updates
// =============================================================================

func (ix *Index) target(file File) (*Fragment, error) {
	if file.Fragment == "" {
		return ix.writable, nil
	}
	f, ok := ix.Fragment(file.Fragment)
	if !ok {
		return nil, fmt.Errorf("index: file %s: fragment %s: %w", file.Location, file.Fragment, ErrUnknownFragment)
	}
	return f, nil
}

// AddFile adds location to the writable fragment.
func (ix *Index) AddFile(location string) (File, error) {
	return ix.writable.AddFile(location)
}

// SetFileContent replaces the content of file in its fragment. Files of a
// read-only fragment fail with ErrReadOnly.
func (ix *Index) SetFileContent(file File, content FileContent) error {
	f, err := ix.target(file)
	if err != nil {
		return err
	}
	return f.SetFileContent(file, content)
}

// ClearFile clears file in its fragment. Files of a read-only fragment fail
// with ErrReadOnly.
func (ix *Index) ClearFile(file File) error {
	f, err := ix.target(file)
	if err != nil {
		return err
	}
	return f.ClearFile(file)
}

// Compact reclaims orphans of the writable fragment.
func (ix *Index) Compact() (int, error) { return ix.writable.Compact() }

// Update runs fn as one unit of change on the writable fragment.
func (ix *Index) Update(fn func() error) error { return ix.writable.Update(fn) }

// resolveExternal looks a binding up in the read-only fragments, in attach
// order.
func (ix *Index) resolveExternal(qname string, kind Kind, sig string) (XRef, bool, error) {
	for _, f := range ix.readOnly {
		b, ok, err := f.LookupBinding(qname, kind, sig)
		if err != nil {
			return XRef{}, false, err
		}
		if ok {
			return XRef{Fragment: f.ID(), Addr: b.Addr}, true, nil
		}
	}
	return XRef{}, false, nil
}

// =============================================================================
// Queries
// =============================================================================

func identity(b Binding) string {
	return b.QualifiedName + "\x00" + b.Kind.String() + "\x00" + b.Signature
}

// FindBindings merges the matches of every fragment. A binding found in
// several fragments is reported once, preferring the writable copy; the
// other copies are kept as Alternates. Results are cached per version
// vector.
func (ix *Index) FindBindings(pattern string) ([]Binding, error) {
	vector := ix.Version()
	ix.cacheMu.Lock()
	if ix.cacheVector != vector {
		ix.cacheVector = vector
		ix.cache = make(map[string][]Binding)
	}
	cached, ok := ix.cache[pattern]
	ix.cacheMu.Unlock()
	if ok {
		return cloneBindings(cached), nil
	}

	var merged []Binding
	pos := make(map[string]int)
	for _, f := range ix.Fragments() {
		bs, err := f.FindBindings(pattern)
		if err != nil {
			return nil, fmt.Errorf("index: find %q in %s: %w", pattern, f.ID(), err)
		}
		for _, b := range bs {
			key := identity(b)
			if i, dup := pos[key]; dup {
				merged[i].Alternates = append(merged[i].Alternates, b)
				continue
			}
			pos[key] = len(merged)
			merged = append(merged, b)
		}
	}
	sortBindings(merged)

	ix.cacheMu.Lock()
	if ix.cacheVector == vector {
		ix.cache[pattern] = merged
	}
	ix.cacheMu.Unlock()
	return cloneBindings(merged), nil
}

// cloneBindings deep-copies bs so callers never share memory with the
// cache.
func cloneBindings(bs []Binding) []Binding {
	if bs == nil {
		return nil
	}
	out := make([]Binding, len(bs))
	for i, b := range bs {
		b.Payload.Params = slices.Clone(b.Payload.Params)
		if b.External != nil {
			x := *b.External
			b.External = &x
		}
		b.Alternates = cloneBindings(b.Alternates)
		out[i] = b
	}
	return out
}

// Binding follows a cross-fragment reference.
func (ix *Index) Binding(x XRef) (Binding, error) {
	f, ok := ix.Fragment(x.Fragment)
	if !ok {
		return Binding{}, fmt.Errorf("index: xref into %s: %w", x.Fragment, ErrUnknownFragment)
	}
	return f.Binding(x.Addr)
}

// Names returns the occurrences of b with roles in mask, including those of
// its alternates and, for a proxy binding, those of the binding it adapts.
func (ix *Index) Names(b Binding, mask Role) ([]Name, error) {
	type source struct {
		fragment string
		binding  Binding
	}
	sources := []source{{b.Fragment, b}}
	for _, alt := range b.Alternates {
		sources = append(sources, source{alt.Fragment, alt})
	}
	if b.External != nil {
		sources = append(sources, source{b.External.Fragment, Binding{Addr: b.External.Addr}})
	}

	var out []Name
	seen := make(map[string]bool)
	for _, s := range sources {
		f, ok := ix.Fragment(s.fragment)
		if !ok {
			continue
		}
		key := s.fragment + "@" + strconv.FormatInt(int64(s.binding.Addr), 10)
		if seen[key] {
			continue
		}
		seen[key] = true
		ns, err := f.Names(s.binding.Addr, mask)
		if err != nil {
			return nil, err
		}
		out = append(out, ns...)
	}
	sortNames(out)
	return out, nil
}

// Declarations returns the declaring occurrences of b across fragments.
func (ix *Index) Declarations(b Binding) ([]Name, error) { return ix.Names(b, RoleDeclaration) }

// Definitions returns the defining occurrences of b across fragments.
func (ix *Index) Definitions(b Binding) ([]Name, error) { return ix.Names(b, RoleDefinition) }

// References returns the referencing occurrences of b across fragments.
func (ix *Index) References(b Binding) ([]Name, error) { return ix.Names(b, RoleReference) }

// File finds location in the first fragment that has indexed it, falling
// back to any fragment that merely knows it.
func (ix *Index) File(location string) (File, *Fragment, error) {
	var (
		fallback   File
		fallbackIn *Fragment
	)
	for _, f := range ix.Fragments() {
		file, ok, err := f.File(location)
		if err != nil {
			return File{}, nil, err
		}
		if !ok {
			continue
		}
		if file.State == StateIndexed {
			return file, f, nil
		}
		if fallbackIn == nil {
			fallback, fallbackIn = file, f
		}
	}
	return fallback, fallbackIn, nil
}

// FileNames returns the occurrences of location from the fragment that
// indexed it.
func (ix *Index) FileNames(location string) ([]Name, error) {
	_, f, err := ix.File(location)
	if err != nil || f == nil {
		return nil, err
	}
	return f.FileNames(location)
}

// Includes returns the include edges of location.
func (ix *Index) Includes(location string) ([]Include, error) {
	_, f, err := ix.File(location)
	if err != nil || f == nil {
		return nil, err
	}
	return f.Includes(location)
}

// Macros returns the macro definitions of location.
func (ix *Index) Macros(location string) ([]Macro, error) {
	_, f, err := ix.File(location)
	if err != nil || f == nil {
		return nil, err
	}
	return f.Macros(location)
}

// Includers returns every file in any fragment that includes location.
func (ix *Index) Includers(location string) ([]string, error) {
	var out []string
	for _, f := range ix.Fragments() {
		locs, err := f.Includers(location)
		if err != nil {
			return nil, err
		}
		out = append(out, locs...)
	}
	slices.Sort(out)
	return slices.Compact(out), nil
}

// Files returns the files of every fragment, writable fragment first.
func (ix *Index) Files() ([]File, error) {
	var out []File
	for _, f := range ix.Fragments() {
		fs, err := f.Files()
		if err != nil {
			return nil, err
		}
		out = append(out, fs...)
	}
	return out, nil
}

// Stats sums the stats of every fragment.
func (ix *Index) Stats() (Stats, error) {
	var total Stats
	for _, f := range ix.Fragments() {
		st, err := f.Stats()
		if err != nil {
			return Stats{}, err
		}
		total.Fragments++
		total.Files += st.Files
		total.Bindings += st.Bindings
		total.Orphans += st.Orphans
		total.Names += st.Names
		total.Bytes += st.Bytes
		total.FreeBytes += st.FreeBytes
	}
	return total, nil
}

// Check validates every fragment.
func (ix *Index) Check() error {
	for _, f := range ix.Fragments() {
		if err := f.Check(); err != nil {
			return err
		}
	}
	return nil
}

// Flush flushes the writable fragment.
func (ix *Index) Flush() error { return ix.writable.Flush() }

// Close closes every fragment and returns the first error.
func (ix *Index) Close() error {
	var first error
	for _, f := range ix.Fragments() {
		if err := f.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
