package index

import "fmt"

// Language identifies the linkage a binding belongs to.
type Language byte

const (
	LangC Language = iota + 1
	LangCPP
)

var languageNames = map[Language]string{
	LangC:   "c",
	LangCPP: "cpp",
}

func (l Language) String() string {
	if s, ok := languageNames[l]; ok {
		return s
	}
	return fmt.Sprintf("lang(%d)", byte(l))
}

// ParseLanguage maps a language name ("c", "cpp", "c++") to a Language.
func ParseLanguage(s string) (Language, error) {
	switch s {
	case "c":
		return LangC, nil
	case "cpp", "c++", "cxx":
		return LangCPP, nil
	}
	return 0, fmt.Errorf("index: unknown language %q", s)
}

// Languages returns every supported language in tag order.
func Languages() []Language { return []Language{LangC, LangCPP} }

// Kind is the node-type tag stored in every binding record.
type Kind byte

const (
	KindFunction Kind = iota + 1
	KindVariable
	KindStructure
	KindUnion
	KindEnumeration
	KindEnumerator
	KindTypedef
	KindField
	KindNamespace
	KindClass
	KindMethod
)

var kindNames = map[Kind]string{
	KindFunction:    "function",
	KindVariable:    "variable",
	KindStructure:   "struct",
	KindUnion:       "union",
	KindEnumeration: "enum",
	KindEnumerator:  "enumerator",
	KindTypedef:     "typedef",
	KindField:       "field",
	KindNamespace:   "namespace",
	KindClass:       "class",
	KindMethod:      "method",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", byte(k))
}

// ParseKind maps a kind name as produced by String back to a Kind.
func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("index: unknown kind %q", s)
}

// Callable reports whether bindings of kind k carry a parameter list.
func (k Kind) Callable() bool { return k == KindFunction || k == KindMethod }

// Scope reports whether bindings of kind k can own other bindings.
func (k Kind) Scope() bool {
	switch k {
	case KindStructure, KindUnion, KindEnumeration, KindNamespace, KindClass:
		return true
	}
	return false
}

// Supports reports whether the linkage of l stores bindings of kind k.
func (l Language) Supports(k Kind) bool {
	switch k {
	case KindFunction, KindVariable, KindStructure, KindUnion, KindEnumeration,
		KindEnumerator, KindTypedef, KindField:
		return l == LangC || l == LangCPP
	case KindNamespace, KindClass, KindMethod:
		return l == LangCPP
	}
	return false
}

// Overloads reports whether bindings of l are told apart by signature. C
// has a single namespace per kind, so its bindings carry no signature.
func (l Language) Overloads() bool { return l == LangCPP }

// Role flags mark what an occurrence does with its binding.
type Role byte

const (
	RoleDeclaration Role = 1 << iota
	RoleDefinition
	RoleReference
)

func (r Role) String() string {
	s := ""
	for _, f := range []struct {
		bit  Role
		name string
	}{{RoleDeclaration, "decl"}, {RoleDefinition, "def"}, {RoleReference, "ref"}} {
		if r&f.bit == 0 {
			continue
		}
		if s != "" {
			s += "|"
		}
		s += f.name
	}
	return s
}

// FileState is the update-protocol state of a file record.
type FileState byte

const (
	StateUnindexed FileState = iota
	StateIndexing
	StateIndexed
	StateReindexing
	StateCleared
)

var stateNames = [...]string{"unindexed", "indexing", "indexed", "reindexing", "cleared"}

func (s FileState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", byte(s))
}

func (l Language) MarshalText() ([]byte, error) { return []byte(l.String()), nil }

func (l *Language) UnmarshalText(b []byte) error {
	v, err := ParseLanguage(string(b))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

func (k Kind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *Kind) UnmarshalText(b []byte) error {
	v, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = v
	return nil
}

func (r Role) MarshalText() ([]byte, error) { return []byte(r.String()), nil }

func (s FileState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
