package index

import (
	"errors"
	"fmt"

	"github.com/jward/xrefdb/internal/btree"
	"github.com/jward/xrefdb/internal/db"
)

// SetFileContent replaces the includes, macros and occurrences of file with
// content. The new occurrence chain is built off to the side, the old chain
// is unlinked and freed, and only then is the new chain linked in, so a
// reader never sees a mix of old and new occurrences. Bindings that lost
// their last occurrence are freed.
//
// Names whose kind the linkage does not support are dropped and logged.
func (f *Fragment) SetFileContent(file File, content FileContent) error {
	if err := f.writable(); err != nil {
		return err
	}
	rec, err := f.fileRecord(file)
	if err != nil {
		return err
	}
	defer f.touch()

	names, err := f.buildNames(rec, content)
	var includes, macros db.Address
	if err == nil {
		includes, err = f.buildIncludes(content.Includes)
	}
	if err == nil {
		macros, err = f.buildMacros(content.Macros)
	}
	if err != nil {
		f.discardBuilt(names, includes, macros)
		return err
	}

	switch FileState(f.d.GetByte(rec + fState)) {
	case StateIndexed:
		f.d.PutByte(rec+fState, byte(StateReindexing))
	case StateUnindexed, StateCleared:
		f.d.PutByte(rec+fState, byte(StateIndexing))
	}

	touched, err := f.unlinkContent(rec)
	if err != nil {
		return err
	}

	for n := names; n != db.Null; n = f.d.GetAddress(n + nNextInFile) {
		b := f.d.GetAddress(n + nBinding)
		f.d.PutAddress(n+nNextInBind, f.d.GetAddress(b+bFirstName))
		f.d.PutAddress(b+bFirstName, n)
	}
	f.d.PutAddress(rec+fFirstName, names)
	f.d.PutAddress(rec+fFirstInclude, includes)
	f.d.PutAddress(rec+fFirstMacro, macros)
	f.d.PutByte(rec+fLang, byte(content.Language))
	if !content.Timestamp.IsZero() {
		f.d.PutInt64(rec+fTimestamp, content.Timestamp.UnixNano())
	}
	f.d.PutByte(rec+fState, byte(StateIndexed))

	if _, err := f.reclaim(touched, true); err != nil {
		return err
	}
	return f.d.Err()
}

// fileRecord validates that file belongs to this fragment and returns its
// record address.
func (f *Fragment) fileRecord(file File) (db.Address, error) {
	if file.Fragment != "" && file.Fragment != f.id {
		return db.Null, fmt.Errorf("index: file %s belongs to fragment %s, not %s: %w", file.Location, file.Fragment, f.id, ErrUnknownFragment)
	}
	rec, err := f.lookupFile(file.Location)
	if err != nil {
		return db.Null, err
	}
	if rec == db.Null {
		return db.Null, fmt.Errorf("index: file %s was never added", file.Location)
	}
	return rec, nil
}

// buildNames resolves every name of content and returns the head of a new,
// unlinked occurrence chain in source order. On error the partial chain is
// returned for discardBuilt.
func (f *Fragment) buildNames(file db.Address, content FileContent) (db.Address, error) {
	var head, tail db.Address
	for _, n := range content.Names {
		b, err := f.resolveDesc(content.Language, n.Binding, n.Roles)
		if errors.Is(err, errUnsupportedKind) {
			f.log.Debug("index.name.dropped",
				"file", content.Location, "name", n.Binding.Name, "offset", n.Offset, "err", err)
			continue
		}
		if err != nil {
			return head, fmt.Errorf("index: resolve %s at %s:%d: %w", n.Binding.Name, content.Location, n.Offset, err)
		}
		rec, err := allocRecord(f.d, nSize, "name")
		if err != nil {
			f.releaseScope(b)
			return head, err
		}
		f.d.PutByte(rec+nRoles, byte(n.Roles))
		f.d.PutAddress(rec+nFile, file)
		f.d.PutAddress(rec+nBinding, b)
		f.d.PutInt32(rec+nOffset, int32(n.Offset))
		f.d.PutInt32(rec+nLength, int32(n.Length))
		if tail == db.Null {
			head = rec
		} else {
			f.d.PutAddress(tail+nNextInFile, rec)
		}
		tail = rec
	}
	return head, f.d.Err()
}

func (f *Fragment) buildIncludes(includes []IncludeDesc) (db.Address, error) {
	var head db.Address
	for i := len(includes) - 1; i >= 0; i-- {
		inc := includes[i]
		rec, err := allocRecord(f.d, iSize, "include")
		if err != nil {
			return head, err
		}
		f.d.PutAddress(rec+iNext, head)
		head = rec
		flags := byte(0)
		if inc.System {
			flags |= inclSystem
		}
		if inc.Target != "" {
			target, _, err := f.ensureFile(inc.Target, StateUnindexed)
			if err != nil {
				return head, err
			}
			f.d.PutAddress(rec+iTarget, target)
			flags |= inclResolved
		}
		dir, err := internOrNull(f.d, inc.Directive)
		if err != nil {
			return head, err
		}
		f.d.PutInt32(rec+iOffset, int32(inc.Offset))
		f.d.PutByte(rec+iFlags, flags)
		f.d.PutAddress(rec+iDirective, dir)
	}
	return head, f.d.Err()
}

func (f *Fragment) buildMacros(macros []MacroDesc) (db.Address, error) {
	var head db.Address
	for i := len(macros) - 1; i >= 0; i-- {
		m := macros[i]
		rec, err := allocRecord(f.d, mSize, "macro")
		if err != nil {
			return head, err
		}
		f.d.PutAddress(rec+mNext, head)
		head = rec
		name, err := f.d.InternString([]byte(m.Name))
		if err != nil {
			return head, err
		}
		f.d.PutAddress(rec+mName, name)
		exp, err := internOrNull(f.d, m.Expansion)
		if err != nil {
			return head, err
		}
		f.d.PutAddress(rec+mExpansion, exp)
		f.d.PutInt32(rec+mOffset, int32(m.Offset))
	}
	return head, f.d.Err()
}

// discardBuilt frees chains built by a SetFileContent that failed before
// linking them, and the bindings only they would have kept alive. Errors
// are logged; the build error is what the caller reports.
func (f *Fragment) discardBuilt(names, includes, macros db.Address) {
	var bindings []db.Address
	seen := make(map[db.Address]bool)
	for n := names; n != db.Null; n = f.d.GetAddress(n + nNextInFile) {
		if b := f.d.GetAddress(n + nBinding); b != db.Null && !seen[b] {
			seen[b] = true
			bindings = append(bindings, b)
		}
	}
	err := f.freeNames(names)
	if err == nil {
		err = f.freeIncludes(includes)
	}
	if err == nil {
		err = f.freeMacros(macros)
	}
	if err == nil {
		_, err = f.reclaim(bindings, true)
	}
	if err != nil {
		f.log.Debug("index.discard_failed", "err", err)
	}
}

func (f *Fragment) freeNames(head db.Address) error {
	for n := head; n != db.Null; {
		next := f.d.GetAddress(n + nNextInFile)
		if err := f.d.Free(n); err != nil {
			return err
		}
		n = next
	}
	return nil
}

func (f *Fragment) freeIncludes(head db.Address) error {
	for inc := head; inc != db.Null; {
		next := f.d.GetAddress(inc + iNext)
		if err := f.d.ReleaseString(f.d.GetAddress(inc + iDirective)); err != nil {
			return err
		}
		if err := f.d.Free(inc); err != nil {
			return err
		}
		inc = next
	}
	return nil
}

func (f *Fragment) freeMacros(head db.Address) error {
	for m := head; m != db.Null; {
		next := f.d.GetAddress(m + mNext)
		for _, off := range []db.Address{mName, mExpansion} {
			if err := f.d.ReleaseString(f.d.GetAddress(m + off)); err != nil {
				return err
			}
		}
		if err := f.d.Free(m); err != nil {
			return err
		}
		m = next
	}
	return nil
}

// unlinkContent removes every occurrence, include and macro of file. Each
// affected binding's chain is filtered once. It returns the affected
// bindings in first-seen order.
func (f *Fragment) unlinkContent(file db.Address) ([]db.Address, error) {
	var touched []db.Address
	seen := make(map[db.Address]bool)
	for n := f.d.GetAddress(file + fFirstName); n != db.Null; n = f.d.GetAddress(n + nNextInFile) {
		if b := f.d.GetAddress(n + nBinding); !seen[b] {
			seen[b] = true
			touched = append(touched, b)
		}
	}

	for _, b := range touched {
		prev := db.Null
		for n := f.d.GetAddress(b + bFirstName); n != db.Null; {
			next := f.d.GetAddress(n + nNextInBind)
			if f.d.GetAddress(n+nFile) != file {
				prev = n
			} else if prev == db.Null {
				f.d.PutAddress(b+bFirstName, next)
			} else {
				f.d.PutAddress(prev+nNextInBind, next)
			}
			n = next
		}
	}

	if err := f.freeNames(f.d.GetAddress(file + fFirstName)); err != nil {
		return nil, err
	}
	f.d.PutAddress(file+fFirstName, db.Null)
	if err := f.freeIncludes(f.d.GetAddress(file + fFirstInclude)); err != nil {
		return nil, err
	}
	f.d.PutAddress(file+fFirstInclude, db.Null)
	if err := f.freeMacros(f.d.GetAddress(file + fFirstMacro)); err != nil {
		return nil, err
	}
	f.d.PutAddress(file+fFirstMacro, db.Null)

	return touched, f.d.Err()
}

// ClearFile removes the content of file and moves it to Cleared. The file
// record stays so includes of it keep resolving. Bindings left without
// occurrences are marked orphan and reclaimed by Compact.
func (f *Fragment) ClearFile(file File) error {
	if err := f.writable(); err != nil {
		return err
	}
	rec, err := f.fileRecord(file)
	if err != nil {
		return err
	}
	defer f.touch()

	touched, err := f.unlinkContent(rec)
	if err != nil {
		return err
	}
	if _, err := f.reclaim(touched, false); err != nil {
		return err
	}
	f.d.PutByte(rec+fState, byte(StateCleared))
	return f.d.Err()
}

// Compact frees orphan bindings and returns how many bindings were freed.
func (f *Fragment) Compact() (int, error) {
	if err := f.writable(); err != nil {
		return 0, err
	}
	var orphans []db.Address
	err := f.visitBindings(pattern{all: true}, func(rec db.Address) error {
		if f.d.GetByte(rec+bFlags)&flagOrphan != 0 {
			orphans = append(orphans, rec)
		}
		return nil
	})
	if err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}
	defer f.touch()
	return f.reclaim(orphans, true)
}

// visitFiles calls fn for every file record in location order.
func (f *Fragment) visitFiles(fn func(rec db.Address) error) error {
	return f.files.Visit(btree.NewVisitor(nil, func(rec db.Address) (btree.Action, error) {
		if err := fn(rec); err != nil {
			return btree.Stop, err
		}
		return btree.Continue, nil
	}))
}
