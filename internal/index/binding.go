package index

import (
	"fmt"
	"slices"
	"strings"

	"github.com/jward/xrefdb/internal/btree"
	"github.com/jward/xrefdb/internal/db"
)

// anySignature makes findBinding accept the first binding of the right kind
// and owner. No rendered signature starts with a NUL byte.
const anySignature = "\x00any"

// findBinding walks the name chain of name in lang's linkage for a binding
// with the given kind, owner and signature. Hash matches are confirmed by
// comparing the full signature; anything else is a different binding.
func (f *Fragment) findBinding(lang Language, name string, kind Kind, owner db.Address, sig string) (db.Address, error) {
	lk, err := f.linkage(lang, false)
	if err != nil || lk == db.Null {
		return db.Null, err
	}
	head, err := f.nameTree(lk).Find(exactKey(f.bindingKey, []byte(name)))
	if err != nil {
		return db.Null, err
	}
	hash := SignatureHash(sig)
	for b := head; b != db.Null; b = f.d.GetAddress(b + bNext) {
		if Kind(f.d.GetByte(b+bKind)) != kind || f.d.GetAddress(b+bOwner) != owner {
			continue
		}
		if sig == anySignature {
			return b, nil
		}
		if f.d.GetUint64(b+bSigHash) != hash {
			continue
		}
		if f.d.String(f.d.GetAddress(b+bSig)) == sig {
			return b, nil
		}
	}
	return db.Null, f.d.Err()
}

// createBinding allocates a fully populated binding and then links it at the
// end of its name chain.
func (f *Fragment) createBinding(lang Language, desc BindingDesc, owner db.Address, sig string, xref *XRef) (db.Address, error) {
	lk, err := f.linkage(lang, true)
	if err != nil {
		return db.Null, err
	}
	rec, err := allocRecord(f.d, bSize, "binding")
	if err != nil {
		return db.Null, err
	}
	name, err := f.d.InternString([]byte(desc.Name))
	if err != nil {
		return db.Null, err
	}
	sigRec, err := internOrNull(f.d, sig)
	if err != nil {
		return db.Null, err
	}
	f.d.PutByte(rec+bKind, byte(desc.Kind))
	f.d.PutByte(rec+bLang, byte(lang))
	f.d.PutAddress(rec+bName, name)
	f.d.PutAddress(rec+bOwner, owner)
	f.d.PutAddress(rec+bSig, sigRec)
	f.d.PutUint64(rec+bSigHash, SignatureHash(sig))
	f.d.PutAddress(rec+bLinkage, lk)
	if xref != nil {
		frag, err := f.d.InternString([]byte(xref.Fragment))
		if err != nil {
			return db.Null, err
		}
		f.d.PutByte(rec+bFlags, flagExternal)
		f.d.PutAddress(rec+bXFrag, frag)
		f.d.PutAddress(rec+bXAddr, xref.Addr)
	}
	if owner != db.Null {
		f.d.PutInt32(owner+bChildren, f.d.GetInt32(owner+bChildren)+1)
	}

	head, err := f.nameTree(lk).Insert(rec)
	if err != nil {
		return db.Null, fmt.Errorf("index: link binding %s: %w", desc.Name, err)
	}
	if head != rec {
		last := head
		for next := f.d.GetAddress(last + bNext); next != db.Null; next = f.d.GetAddress(last + bNext) {
			last = next
		}
		f.d.PutAddress(last+bNext, rec)
	}
	return rec, f.d.Err()
}

// resolveScopes resolves or creates the owner chain described by scopes and
// returns the innermost owner and its qualified name. Every scope kind is
// checked before any scope binding is created.
func (f *Fragment) resolveScopes(lang Language, scopes []ScopeDesc) (db.Address, string, error) {
	for _, s := range scopes {
		if !lang.Supports(s.Kind) {
			return db.Null, "", fmt.Errorf("scope %s %s: %w", s.Kind, s.Name, errUnsupportedKind)
		}
	}
	owner := db.Null
	qname := ""
	for _, s := range scopes {
		desc := BindingDesc{Name: s.Name, Kind: s.Kind}
		rec, err := f.findBinding(lang, s.Name, s.Kind, owner, "")
		if err != nil {
			return db.Null, "", err
		}
		if rec == db.Null {
			if rec, err = f.createBinding(lang, desc, owner, "", nil); err != nil {
				f.releaseScope(owner)
				return db.Null, "", err
			}
		}
		f.revive(rec)
		owner = rec
		if qname != "" {
			qname += "::"
		}
		qname += s.Name
	}
	return owner, qname, nil
}

// ResolveOrCreateBinding returns the binding described by desc in lang,
// creating it and its owner chain when missing. A found binding keeps its
// address; when roles declare or define it, its payload is replaced.
func (f *Fragment) ResolveOrCreateBinding(lang Language, desc BindingDesc, roles Role) (Binding, error) {
	if err := f.writable(); err != nil {
		return Binding{}, err
	}
	rec, err := f.resolveDesc(lang, desc, roles)
	if err != nil {
		return Binding{}, err
	}
	f.touch()
	return f.bindingSnapshot(rec)
}

func (f *Fragment) resolveDesc(lang Language, desc BindingDesc, roles Role) (db.Address, error) {
	if !lang.Supports(desc.Kind) {
		return db.Null, fmt.Errorf("%s %s in %s: %w", desc.Kind, desc.Name, lang, errUnsupportedKind)
	}
	owner, ownerQ, err := f.resolveScopes(lang, desc.Scope)
	if err != nil {
		return db.Null, err
	}
	rec, err := f.resolveInScope(lang, desc, roles, owner, ownerQ)
	if err != nil {
		f.releaseScope(owner)
		return db.Null, err
	}
	return rec, nil
}

// releaseScope frees the owner chain ending at owner when a failed
// resolution left it without occurrences or children.
func (f *Fragment) releaseScope(owner db.Address) {
	if owner == db.Null {
		return
	}
	if _, err := f.reclaim([]db.Address{owner}, true); err != nil {
		f.log.Debug("index.scope.release_failed", "owner", owner, "err", err)
	}
}

func (f *Fragment) resolveInScope(lang Language, desc BindingDesc, roles Role, owner db.Address, ownerQ string) (db.Address, error) {
	var (
		sig string
		err error
	)
	if lang.Overloads() {
		sig = Signature(desc, ownerQ)
	}
	defining := roles&(RoleDeclaration|RoleDefinition) != 0

	var rec db.Address
	if desc.AnySignature && !defining && lang.Overloads() {
		if rec, err = f.findBinding(lang, desc.Name, desc.Kind, owner, anySignature); err != nil {
			return db.Null, err
		}
		if rec == db.Null {
			sig = ""
		}
	}
	if rec == db.Null {
		if rec, err = f.findBinding(lang, desc.Name, desc.Kind, owner, sig); err != nil {
			return db.Null, err
		}
	}
	if rec == db.Null {
		var xref *XRef
		if !defining && f.external != nil {
			qname := desc.Name
			if ownerQ != "" {
				qname = ownerQ + "::" + desc.Name
			}
			x, ok, err := f.external(qname, desc.Kind, sig)
			if err != nil {
				return db.Null, err
			}
			if ok {
				xref = &x
			}
		}
		if rec, err = f.createBinding(lang, desc, owner, sig, xref); err != nil {
			return db.Null, err
		}
	}
	f.revive(rec)
	if defining {
		if err := f.adoptLocal(rec); err != nil {
			return db.Null, err
		}
		if err := f.updatePayload(rec, desc); err != nil {
			return db.Null, err
		}
	}
	return rec, f.d.Err()
}

func (f *Fragment) revive(rec db.Address) {
	if flags := f.d.GetByte(rec + bFlags); flags&flagOrphan != 0 {
		f.d.PutByte(rec+bFlags, flags&^flagOrphan)
	}
}

// adoptLocal drops the external reference of a proxy binding once a local
// file declares the entity itself.
func (f *Fragment) adoptLocal(rec db.Address) error {
	flags := f.d.GetByte(rec + bFlags)
	if flags&flagExternal == 0 {
		return nil
	}
	if err := f.d.ReleaseString(f.d.GetAddress(rec + bXFrag)); err != nil {
		return err
	}
	f.d.PutAddress(rec+bXFrag, db.Null)
	f.d.PutAddress(rec+bXAddr, db.Null)
	f.d.PutByte(rec+bFlags, flags&^flagExternal)
	return f.d.Err()
}

// updatePayload replaces the payload of rec in place. The binding address is
// preserved and the old payload record is freed.
func (f *Fragment) updatePayload(rec db.Address, desc BindingDesc) error {
	old := f.d.GetAddress(rec + bPayload)
	want := Payload{Type: normalizeType(desc.Type), Value: desc.Value}
	for _, p := range desc.Params {
		want.Params = append(want.Params, normalizeType(p))
	}
	have := readPayload(f.d, old)
	if have.Type == want.Type && have.Value == want.Value && slices.Equal(have.Params, want.Params) {
		return nil
	}
	next, err := writePayload(f.d, desc)
	if err != nil {
		return err
	}
	f.d.PutAddress(rec+bPayload, next)
	return freePayload(f.d, old)
}

// freeBinding unlinks rec from its name chain and frees it with everything it
// owns. The caller guarantees rec has no occurrences and no children.
func (f *Fragment) freeBinding(rec db.Address) error {
	tree := f.nameTree(f.d.GetAddress(rec + bLinkage))
	name := f.d.StringBytes(f.d.GetAddress(rec + bName))
	head, err := tree.Find(exactKey(f.bindingKey, name))
	if err != nil {
		return err
	}
	next := f.d.GetAddress(rec + bNext)
	if head == rec {
		if _, err := tree.Remove(rec); err != nil {
			return fmt.Errorf("index: unlink binding %s: %w", name, err)
		}
		if next != db.Null {
			if _, err := tree.Insert(next); err != nil {
				return fmt.Errorf("index: relink chain %s: %w", name, err)
			}
		}
	} else {
		prev := head
		for prev != db.Null && f.d.GetAddress(prev+bNext) != rec {
			prev = f.d.GetAddress(prev + bNext)
		}
		if prev == db.Null {
			return fmt.Errorf("index: binding %d missing from chain %s: %w", rec, name, db.ErrCorrupt)
		}
		f.d.PutAddress(prev+bNext, next)
	}

	if owner := f.d.GetAddress(rec + bOwner); owner != db.Null {
		f.d.PutInt32(owner+bChildren, f.d.GetInt32(owner+bChildren)-1)
	}
	for _, s := range []int{bName, bSig, bXFrag} {
		if err := f.d.ReleaseString(f.d.GetAddress(rec + db.Address(s))); err != nil {
			return err
		}
	}
	if err := freePayload(f.d, f.d.GetAddress(rec+bPayload)); err != nil {
		return err
	}
	return f.d.Free(rec)
}

// reclaim examines bindings that lost occurrences. Those left with no
// occurrences and no children are freed (cascading to their owners) when
// free is set, and marked orphan otherwise. It returns how many were freed.
func (f *Fragment) reclaim(candidates []db.Address, free bool) (int, error) {
	freed := make(map[db.Address]bool)
	queue := slices.Clone(candidates)
	for len(queue) > 0 {
		rec := queue[0]
		queue = queue[1:]
		if freed[rec] {
			continue
		}
		if f.d.GetAddress(rec+bFirstName) != db.Null || f.d.GetInt32(rec+bChildren) > 0 {
			continue
		}
		if !free {
			f.d.PutByte(rec+bFlags, f.d.GetByte(rec+bFlags)|flagOrphan)
			continue
		}
		owner := f.d.GetAddress(rec + bOwner)
		if err := f.freeBinding(rec); err != nil {
			return len(freed), err
		}
		freed[rec] = true
		if owner != db.Null {
			queue = append(queue, owner)
		}
	}
	return len(freed), f.d.Err()
}

// =============================================================================
// Lookup
// =============================================================================

// pattern is a parsed binding pattern: "name", "pre*", "A::B::name" or "*".
type pattern struct {
	scopes    []string
	qualified bool
	name      string
	prefix    bool
	all       bool
}

func parsePattern(p string) pattern {
	parts := strings.Split(p, "::")
	pat := pattern{name: parts[len(parts)-1]}
	if len(parts) > 1 {
		pat.qualified = true
		pat.scopes = parts[:len(parts)-1]
		if pat.scopes[0] == "" {
			pat.scopes = pat.scopes[1:]
		}
	}
	switch {
	case pat.name == "*":
		pat.all = true
	case strings.HasSuffix(pat.name, "*"):
		pat.prefix = true
		pat.name = strings.TrimSuffix(pat.name, "*")
	}
	return pat
}

func (p pattern) comparator(key btree.KeyFunc) btree.Comparator {
	switch {
	case p.all:
		return nil
	case p.prefix:
		return prefixKey(key, []byte(p.name))
	}
	return exactKey(key, []byte(p.name))
}

// scopesMatch reports whether the owner chain of rec is exactly p.scopes.
func (f *Fragment) scopesMatch(rec db.Address, p pattern) bool {
	if !p.qualified {
		return true
	}
	owner := f.d.GetAddress(rec + bOwner)
	for i := len(p.scopes) - 1; i >= 0; i-- {
		if owner == db.Null || f.d.String(f.d.GetAddress(owner+bName)) != p.scopes[i] {
			return false
		}
		owner = f.d.GetAddress(owner + bOwner)
	}
	return owner == db.Null
}

// visitBindings calls fn for every binding matching pattern, in name order
// and chain order within a name.
func (f *Fragment) visitBindings(p pattern, fn func(rec db.Address) error) error {
	for _, lang := range Languages() {
		lk, ok := f.linkages[lang]
		if !ok {
			continue
		}
		visit := func(head db.Address) (btree.Action, error) {
			for rec := head; rec != db.Null; rec = f.d.GetAddress(rec + bNext) {
				if f.scopesMatch(rec, p) {
					if err := fn(rec); err != nil {
						return btree.Stop, err
					}
				}
			}
			return btree.Continue, nil
		}
		if err := f.nameTree(lk).Visit(btree.NewVisitor(p.comparator(f.bindingKey), visit)); err != nil {
			return err
		}
	}
	return f.d.Err()
}

// FindBindings returns the live bindings matching pattern, sorted by
// qualified name, kind and signature. Orphans are filtered out.
func (f *Fragment) FindBindings(pattern string) ([]Binding, error) {
	var out []Binding
	err := f.visitBindings(parsePattern(pattern), func(rec db.Address) error {
		if f.d.GetByte(rec+bFlags)&flagOrphan != 0 {
			return nil
		}
		b, err := f.bindingSnapshot(rec)
		if err != nil {
			return err
		}
		out = append(out, b)
		return nil
	})
	if err != nil {
		return nil, err
	}
	sortBindings(out)
	return out, nil
}

// LookupBinding finds a live binding by qualified name, kind and signature.
func (f *Fragment) LookupBinding(qname string, kind Kind, sig string) (Binding, bool, error) {
	p := parsePattern(qname)
	p.qualified = true
	p.all, p.prefix = false, false
	var found db.Address
	err := f.visitBindings(p, func(rec db.Address) error {
		if found != db.Null || Kind(f.d.GetByte(rec+bKind)) != kind {
			return nil
		}
		if f.d.GetByte(rec+bFlags)&(flagOrphan|flagExternal) != 0 {
			return nil
		}
		if f.d.GetUint64(rec+bSigHash) == SignatureHash(sig) && f.d.String(f.d.GetAddress(rec+bSig)) == sig {
			found = rec
		}
		return nil
	})
	if err != nil || found == db.Null {
		return Binding{}, false, err
	}
	b, err := f.bindingSnapshot(found)
	return b, err == nil, err
}

// Binding returns the snapshot of the binding at rec.
func (f *Fragment) Binding(rec db.Address) (Binding, error) {
	if rec == db.Null {
		return Binding{}, fmt.Errorf("index: null binding: %w", db.ErrCorrupt)
	}
	return f.bindingSnapshot(rec)
}

func sortBindings(bs []Binding) {
	slices.SortStableFunc(bs, func(a, b Binding) int {
		if c := strings.Compare(a.QualifiedName, b.QualifiedName); c != 0 {
			return c
		}
		if a.Kind != b.Kind {
			return int(a.Kind) - int(b.Kind)
		}
		if c := strings.Compare(a.Signature, b.Signature); c != 0 {
			return c
		}
		return int(a.Language) - int(b.Language)
	})
}
