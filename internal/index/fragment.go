// Package index implements the per-language binding model on top of the
// record store, and the composition of several stores into one index.
//
// A Fragment is one store file holding linkages, bindings, occurrences and
// files. An Index composes the project's writable fragment with read-only
// dependency fragments. Neither type locks: callers hold the lock manager's
// read lock for queries and its write lock for updates.
package index

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync/atomic"
	"time"

	"github.com/jward/xrefdb/internal/btree"
	"github.com/jward/xrefdb/internal/db"
)

// maxScopeDepth bounds owner-chain walks; a longer chain means a cycle.
const maxScopeDepth = 256

// Options configures OpenFragment.
type Options struct {
	// ID names the fragment. A new writable fragment stores it; an existing
	// fragment keeps its stored id unless ID overrides it.
	ID       string
	ReadOnly bool
	Logger   *slog.Logger
}

// externalResolver finds a binding in another fragment by qualified name,
// kind and signature.
type externalResolver func(qname string, kind Kind, sig string) (XRef, bool, error)

// Fragment is one independently stored instance of the index model.
type Fragment struct {
	id       string
	d        *db.Database
	log      *slog.Logger
	linkages map[Language]db.Address
	files    *btree.Tree
	version  atomic.Uint64
	external externalResolver
}

// OpenFragment opens or creates the fragment store at path. An empty path
// creates an in-memory fragment.
func OpenFragment(path string, opts Options) (*Fragment, error) {
	d, err := db.Open(path, db.Options{Version: FormatVersion, ReadOnly: opts.ReadOnly})
	if err != nil {
		return nil, fmt.Errorf("index: open fragment: %w", err)
	}
	f := &Fragment{d: d, log: opts.Logger}
	if f.log == nil {
		f.log = slog.Default()
	}
	if err := f.init(opts.ID, path); err != nil {
		d.Close()
		return nil, err
	}
	return f, nil
}

func (f *Fragment) init(id, path string) error {
	f.files = btree.New(f.d, db.RootSlot(rootFiles), f.fileKey)
	f.loadLinkages()

	stored := f.d.String(f.d.Root(rootID))
	switch {
	case id != "":
		f.id = id
	case stored != "":
		f.id = stored
	case path != "":
		f.id = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	default:
		f.id = "local"
	}
	if !f.d.ReadOnly() && stored != f.id {
		rec, err := f.d.InternString([]byte(f.id))
		if err != nil {
			return fmt.Errorf("index: store fragment id: %w", err)
		}
		if err := f.d.ReleaseString(f.d.Root(rootID)); err != nil {
			return err
		}
		f.d.SetRoot(rootID, rec)
	}
	if err := f.d.Err(); err != nil {
		return fmt.Errorf("index: load fragment %s: %w", f.id, err)
	}
	return nil
}

func (f *Fragment) loadLinkages() {
	f.linkages = make(map[Language]db.Address)
	for lk := f.d.Root(rootLinkages); lk != db.Null; lk = f.d.GetAddress(lk + lkNext) {
		f.linkages[Language(f.d.GetByte(lk+lkLang))] = lk
	}
}

// ID returns the fragment id.
func (f *Fragment) ID() string { return f.id }

// ReadOnly reports whether the fragment rejects updates.
func (f *Fragment) ReadOnly() bool { return f.d.ReadOnly() }

// Path returns the backing file, or "" for an in-memory fragment.
func (f *Fragment) Path() string { return f.d.Path() }

// Version is a counter bumped by every mutation. Caches keyed by it are
// never served across a write.
func (f *Fragment) Version() uint64 { return f.version.Load() }

func (f *Fragment) touch() { f.version.Add(1) }

// Flush writes pending changes to disk.
func (f *Fragment) Flush() error { return f.d.Flush() }

// Close flushes and closes the fragment store.
func (f *Fragment) Close() error { return f.d.Close() }

// Err returns the sticky store fault, if any.
func (f *Fragment) Err() error { return f.d.Err() }

// Clear discards every record in the fragment, keeping its id.
func (f *Fragment) Clear() error {
	if f.ReadOnly() {
		return ErrReadOnly
	}
	if err := f.d.Clear(); err != nil {
		return fmt.Errorf("index: clear fragment %s: %w", f.id, err)
	}
	defer f.touch()
	return f.init(f.id, f.d.Path())
}

// Update runs fn as one unit of change. When fn fails with a storage error
// every change it made is undone, so the fragment stays usable and fn may be
// retried. Other failures keep whatever fn wrote.
func (f *Fragment) Update(fn func() error) error {
	if err := f.writable(); err != nil {
		return err
	}
	f.d.Begin()
	err := fn()
	if err == nil || !errors.Is(err, db.ErrStorageIO) {
		f.d.Commit()
		return err
	}
	f.d.Rollback()
	f.loadLinkages()
	f.touch()
	f.log.Debug("index.update.rolled_back", "fragment", f.id, "err", err)
	return err
}

// Check validates every B-tree and free list in the fragment. A failure
// means the fragment must be rebuilt.
func (f *Fragment) Check() error {
	if err := f.d.CheckFreeLists(); err != nil {
		return fmt.Errorf("index: fragment %s free lists: %w", f.id, err)
	}
	if err := f.files.Check(); err != nil {
		return fmt.Errorf("index: fragment %s file index: %w", f.id, err)
	}
	for _, lang := range Languages() {
		lk, ok := f.linkages[lang]
		if !ok {
			continue
		}
		if err := f.nameTree(lk).Check(); err != nil {
			return fmt.Errorf("index: fragment %s %s linkage: %w", f.id, lang, err)
		}
	}
	return f.d.Err()
}

func (f *Fragment) writable() error {
	if f.ReadOnly() {
		return fmt.Errorf("fragment %s: %w", f.id, ErrReadOnly)
	}
	return nil
}

// =============================================================================
// Keys and trees
// =============================================================================

func (f *Fragment) fileKey(rec db.Address) ([]byte, error) {
	return f.d.StringBytes(f.d.GetAddress(rec + fLocation)), f.d.Err()
}

func (f *Fragment) bindingKey(rec db.Address) ([]byte, error) {
	return f.d.StringBytes(f.d.GetAddress(rec + bName)), f.d.Err()
}

func (f *Fragment) nameTree(lk db.Address) *btree.Tree {
	return btree.New(f.d, lk+lkNames, f.bindingKey)
}

func exactKey(key btree.KeyFunc, want []byte) btree.Comparator {
	return func(rec db.Address) (int, error) {
		k, err := key(rec)
		if err != nil {
			return 0, err
		}
		return bytes.Compare(k, want), nil
	}
}

func prefixKey(key btree.KeyFunc, prefix []byte) btree.Comparator {
	return func(rec db.Address) (int, error) {
		k, err := key(rec)
		if err != nil {
			return 0, err
		}
		if bytes.HasPrefix(k, prefix) {
			return 0, nil
		}
		return bytes.Compare(k, prefix), nil
	}
}

// linkage returns the linkage record of lang, creating it when create is set.
func (f *Fragment) linkage(lang Language, create bool) (db.Address, error) {
	if lk, ok := f.linkages[lang]; ok || !create {
		return lk, nil
	}
	lk, err := allocRecord(f.d, lkSize, "linkage")
	if err != nil {
		return db.Null, err
	}
	f.d.PutByte(lk+lkLang, byte(lang))
	f.d.PutAddress(lk+lkNext, f.d.Root(rootLinkages))
	f.d.SetRoot(rootLinkages, lk)
	f.linkages[lang] = lk
	return lk, f.d.Err()
}

// =============================================================================
// Files
// =============================================================================

func (f *Fragment) lookupFile(location string) (db.Address, error) {
	return f.files.Find(exactKey(f.fileKey, []byte(location)))
}

// ensureFile returns the file record for location, creating it in state
// when missing.
func (f *Fragment) ensureFile(location string, state FileState) (db.Address, bool, error) {
	rec, err := f.lookupFile(location)
	if err != nil || rec != db.Null {
		return rec, false, err
	}
	rec, err = allocRecord(f.d, fSize, "file")
	if err != nil {
		return db.Null, false, err
	}
	loc, err := f.d.InternString([]byte(location))
	if err != nil {
		return db.Null, false, err
	}
	f.d.PutAddress(rec+fLocation, loc)
	f.d.PutByte(rec+fState, byte(state))
	if _, err := f.files.Insert(rec); err != nil {
		return db.Null, false, fmt.Errorf("index: insert file %s: %w", location, err)
	}
	return rec, true, f.d.Err()
}

// AddFile returns the file record for location, creating it on first use.
// A file that is unindexed or cleared moves to Indexing.
func (f *Fragment) AddFile(location string) (File, error) {
	if err := f.writable(); err != nil {
		return File{}, err
	}
	rec, created, err := f.ensureFile(location, StateIndexing)
	if err != nil {
		return File{}, err
	}
	if !created {
		switch FileState(f.d.GetByte(rec + fState)) {
		case StateUnindexed, StateCleared:
			f.d.PutByte(rec+fState, byte(StateIndexing))
		}
	}
	f.touch()
	return f.fileSnapshot(rec), f.d.Err()
}

// File looks up the file record for location.
func (f *Fragment) File(location string) (File, bool, error) {
	rec, err := f.lookupFile(location)
	if err != nil || rec == db.Null {
		return File{}, false, err
	}
	return f.fileSnapshot(rec), true, nil
}

func (f *Fragment) fileSnapshot(rec db.Address) File {
	file := File{
		Fragment: f.id,
		Addr:     rec,
		Location: f.d.String(f.d.GetAddress(rec + fLocation)),
		Language: Language(f.d.GetByte(rec + fLang)),
		State:    FileState(f.d.GetByte(rec + fState)),
	}
	if ts := f.d.GetInt64(rec + fTimestamp); ts != 0 {
		file.Timestamp = time.Unix(0, ts).UTC()
	}
	return file
}

// =============================================================================
// Snapshots
// =============================================================================

// qualifiedName joins the owner chain of rec with "::".
func (f *Fragment) qualifiedName(rec db.Address) (string, error) {
	var parts []string
	for cur := rec; cur != db.Null; cur = f.d.GetAddress(cur + bOwner) {
		if len(parts) == maxScopeDepth {
			return "", fmt.Errorf("index: owner chain of %d too deep: %w", rec, db.ErrCorrupt)
		}
		parts = append(parts, f.d.String(f.d.GetAddress(cur+bName)))
	}
	for i, j := 0, len(parts)-1; i < j; i, j = i+1, j-1 {
		parts[i], parts[j] = parts[j], parts[i]
	}
	return strings.Join(parts, "::"), f.d.Err()
}

func (f *Fragment) bindingSnapshot(rec db.Address) (Binding, error) {
	qname, err := f.qualifiedName(rec)
	if err != nil {
		return Binding{}, err
	}
	flags := f.d.GetByte(rec + bFlags)
	b := Binding{
		Fragment:      f.id,
		Addr:          rec,
		Name:          f.d.String(f.d.GetAddress(rec + bName)),
		QualifiedName: qname,
		Kind:          Kind(f.d.GetByte(rec + bKind)),
		Language:      Language(f.d.GetByte(rec + bLang)),
		Owner:         f.d.GetAddress(rec + bOwner),
		Signature:     f.d.String(f.d.GetAddress(rec + bSig)),
		Payload:       readPayload(f.d, f.d.GetAddress(rec+bPayload)),
		Orphan:        flags&flagOrphan != 0,
	}
	if flags&flagExternal != 0 {
		b.External = &XRef{
			Fragment: f.d.String(f.d.GetAddress(rec + bXFrag)),
			Addr:     f.d.GetAddress(rec + bXAddr),
		}
	}
	for n := f.d.GetAddress(rec + bFirstName); n != db.Null; n = f.d.GetAddress(n + nNextInBind) {
		if Role(f.d.GetByte(n+nRoles))&(RoleDeclaration|RoleDefinition) != 0 {
			b.Resolved = true
			break
		}
	}
	return b, f.d.Err()
}

func (f *Fragment) nameSnapshot(rec db.Address) Name {
	file := f.d.GetAddress(rec + nFile)
	return Name{
		Fragment: f.id,
		Addr:     rec,
		File:     f.d.String(f.d.GetAddress(file + fLocation)),
		Offset:   int(f.d.GetInt32(rec + nOffset)),
		Length:   int(f.d.GetInt32(rec + nLength)),
		Roles:    Role(f.d.GetByte(rec + nRoles)),
		Binding:  f.d.GetAddress(rec + nBinding),
	}
}

// errUnsupportedKind marks a binding description the linkage cannot store.
var errUnsupportedKind = errors.New("index: kind not supported by linkage")
