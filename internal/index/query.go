package index

import (
	"cmp"
	"fmt"
	"slices"

	"github.com/jward/xrefdb/internal/db"
)

func sortNames(ns []Name) {
	slices.SortFunc(ns, func(a, b Name) int {
		if c := cmp.Compare(a.File, b.File); c != 0 {
			return c
		}
		return cmp.Compare(a.Offset, b.Offset)
	})
}

// Names returns the occurrences of the binding at rec whose roles intersect
// mask, sorted by file and offset.
func (f *Fragment) Names(rec db.Address, mask Role) ([]Name, error) {
	if rec == db.Null {
		return nil, nil
	}
	var out []Name
	for n := f.d.GetAddress(rec + bFirstName); n != db.Null; n = f.d.GetAddress(n + nNextInBind) {
		if Role(f.d.GetByte(n+nRoles))&mask == 0 {
			continue
		}
		out = append(out, f.nameSnapshot(n))
	}
	if err := f.d.Err(); err != nil {
		return nil, err
	}
	sortNames(out)
	return out, nil
}

// Declarations returns the declaring occurrences of b.
func (f *Fragment) Declarations(b Binding) ([]Name, error) {
	return f.Names(b.Addr, RoleDeclaration)
}

// Definitions returns the defining occurrences of b.
func (f *Fragment) Definitions(b Binding) ([]Name, error) {
	return f.Names(b.Addr, RoleDefinition)
}

// References returns the referencing occurrences of b.
func (f *Fragment) References(b Binding) ([]Name, error) {
	return f.Names(b.Addr, RoleReference)
}

// FileNames returns the occurrences recorded for location in source order.
func (f *Fragment) FileNames(location string) ([]Name, error) {
	rec, err := f.lookupFile(location)
	if err != nil || rec == db.Null {
		return nil, err
	}
	var out []Name
	for n := f.d.GetAddress(rec + fFirstName); n != db.Null; n = f.d.GetAddress(n + nNextInFile) {
		out = append(out, f.nameSnapshot(n))
	}
	if err := f.d.Err(); err != nil {
		return nil, err
	}
	sortNames(out)
	return out, nil
}

func (f *Fragment) includeSnapshot(file, rec db.Address) Include {
	flags := f.d.GetByte(rec + iFlags)
	inc := Include{
		File:      f.d.String(f.d.GetAddress(file + fLocation)),
		Offset:    int(f.d.GetInt32(rec + iOffset)),
		Directive: f.d.String(f.d.GetAddress(rec + iDirective)),
		System:    flags&inclSystem != 0,
		Resolved:  flags&inclResolved != 0,
	}
	if target := f.d.GetAddress(rec + iTarget); target != db.Null {
		inc.Target = f.d.String(f.d.GetAddress(target + fLocation))
	}
	return inc
}

// Includes returns the include edges of location in source order.
func (f *Fragment) Includes(location string) ([]Include, error) {
	rec, err := f.lookupFile(location)
	if err != nil || rec == db.Null {
		return nil, err
	}
	var out []Include
	for inc := f.d.GetAddress(rec + fFirstInclude); inc != db.Null; inc = f.d.GetAddress(inc + iNext) {
		out = append(out, f.includeSnapshot(rec, inc))
	}
	return out, f.d.Err()
}

// Includers returns the locations of files that include location directly.
func (f *Fragment) Includers(location string) ([]string, error) {
	target, err := f.lookupFile(location)
	if err != nil || target == db.Null {
		return nil, err
	}
	var out []string
	err = f.visitFiles(func(rec db.Address) error {
		for inc := f.d.GetAddress(rec + fFirstInclude); inc != db.Null; inc = f.d.GetAddress(inc + iNext) {
			if f.d.GetAddress(inc+iTarget) == target {
				out = append(out, f.d.String(f.d.GetAddress(rec+fLocation)))
				break
			}
		}
		return nil
	})
	return out, err
}

// Macros returns the macro definitions recorded for location.
func (f *Fragment) Macros(location string) ([]Macro, error) {
	rec, err := f.lookupFile(location)
	if err != nil || rec == db.Null {
		return nil, err
	}
	loc := f.d.String(f.d.GetAddress(rec + fLocation))
	var out []Macro
	for m := f.d.GetAddress(rec + fFirstMacro); m != db.Null; m = f.d.GetAddress(m + mNext) {
		out = append(out, Macro{
			File:      loc,
			Name:      f.d.String(f.d.GetAddress(m + mName)),
			Expansion: f.d.String(f.d.GetAddress(m + mExpansion)),
			Offset:    int(f.d.GetInt32(m + mOffset)),
		})
	}
	return out, f.d.Err()
}

// Files returns every file record in location order.
func (f *Fragment) Files() ([]File, error) {
	var out []File
	err := f.visitFiles(func(rec db.Address) error {
		out = append(out, f.fileSnapshot(rec))
		return nil
	})
	return out, err
}

// Stats counts the records of the fragment.
func (f *Fragment) Stats() (Stats, error) {
	st := Stats{Fragments: 1}
	err := f.visitFiles(func(rec db.Address) error {
		st.Files++
		for n := f.d.GetAddress(rec + fFirstName); n != db.Null; n = f.d.GetAddress(n + nNextInFile) {
			st.Names++
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("index: stats of %s: %w", f.id, err)
	}
	err = f.visitBindings(pattern{all: true}, func(rec db.Address) error {
		if f.d.GetByte(rec+bFlags)&flagOrphan != 0 {
			st.Orphans++
		} else {
			st.Bindings++
		}
		return nil
	})
	if err != nil {
		return Stats{}, fmt.Errorf("index: stats of %s: %w", f.id, err)
	}
	ds := f.d.Stats()
	st.Bytes, st.FreeBytes = ds.Bytes, ds.FreeBytes
	return st, nil
}
