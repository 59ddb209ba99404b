package index

import (
	"strings"

	"github.com/cespare/xxhash/v2"
)

// Signature renders the overload-disambiguating signature of a binding whose
// owner has the qualified name ownerQName. Template arguments come first as
// <a,b>; callables append (p1,p2) with a lone void parameter collapsed to ().
// Non-template, non-callable bindings have an empty signature.
func Signature(d BindingDesc, ownerQName string) string {
	params := make(map[string]bool, len(d.TemplateParams))
	for _, p := range d.TemplateParams {
		params[p] = true
	}
	render := func(t string) string {
		return qualifyParams(normalizeType(t), params, ownerQName)
	}

	var b strings.Builder
	if len(d.TemplateArgs) > 0 {
		b.WriteByte('<')
		for i, a := range d.TemplateArgs {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(render(a))
		}
		b.WriteByte('>')
	}
	if d.Kind.Callable() {
		ps := d.Params
		if len(ps) == 1 && normalizeType(ps[0]) == "void" {
			ps = nil
		}
		b.WriteByte('(')
		for i, p := range ps {
			if i > 0 {
				b.WriteByte(',')
			}
			b.WriteString(render(p))
		}
		b.WriteByte(')')
	}
	return b.String()
}

// SignatureHash is the stored hash of a signature. The empty signature
// hashes to zero.
func SignatureHash(sig string) uint64 {
	if sig == "" {
		return 0
	}
	return xxhash.Sum64String(sig)
}

func isPunct(c byte) bool {
	return strings.IndexByte("*&,<>()[]:", c) >= 0
}

// normalizeType collapses whitespace runs and drops whitespace next to
// punctuation, so "const  char *" and "const char*" render the same.
func normalizeType(t string) string {
	fields := strings.Fields(t)
	if len(fields) == 0 {
		return ""
	}
	joined := strings.Join(fields, " ")
	var b strings.Builder
	for i := 0; i < len(joined); i++ {
		c := joined[i]
		if c == ' ' {
			prev, next := joined[i-1], joined[i+1]
			if isPunct(prev) || isPunct(next) {
				continue
			}
		}
		b.WriteByte(c)
	}
	return b.String()
}

func isIdent(c byte) bool {
	return c == '_' || c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9'
}

// qualifyParams rewrites identifiers naming template parameters as
// owner::name. Identifiers already following :: are left alone.
func qualifyParams(t string, params map[string]bool, owner string) string {
	if len(params) == 0 {
		return t
	}
	var b strings.Builder
	for i := 0; i < len(t); {
		if !isIdent(t[i]) {
			b.WriteByte(t[i])
			i++
			continue
		}
		j := i
		for j < len(t) && isIdent(t[j]) {
			j++
		}
		word := t[i:j]
		if params[word] && !strings.HasSuffix(t[:i], "::") {
			b.WriteString(owner)
			b.WriteString("::")
		}
		b.WriteString(word)
		i = j
	}
	return b.String()
}
