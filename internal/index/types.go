package index

import (
	"errors"
	"time"

	"github.com/jward/xrefdb/internal/db"
)

// FormatVersion is the on-disk layout version of fragment stores. Opening a
// store written with another version fails with db.ErrVersionMismatch.
const FormatVersion uint32 = 3

var (
	// ErrReadOnly is returned by mutating calls on a read-only fragment.
	ErrReadOnly = errors.New("index: fragment is read-only")

	// ErrUnknownFragment is returned when a binding or id names a fragment
	// that is not part of the index.
	ErrUnknownFragment = errors.New("index: unknown fragment")
)

// Source-side descriptions, as produced by an extractor for one file.

// ScopeDesc names one enclosing scope of a binding, outermost first.
type ScopeDesc struct {
	Name string
	Kind Kind
}

// BindingDesc describes the entity an occurrence resolves to.
type BindingDesc struct {
	Name  string
	Kind  Kind
	Scope []ScopeDesc

	// TemplateParams lists template parameter names visible at the binding.
	// Occurrences of these names in TemplateArgs and Params are rendered
	// qualified by the binding's owner so equally named parameters of
	// different templates do not collide.
	TemplateParams []string
	TemplateArgs   []string

	// Params is the parameter-type list of a callable.
	Params []string
	// Type is the return type of a callable, the type of a variable or
	// field, or the target of a typedef.
	Type string
	// Value is the value of an enumerator.
	Value int64

	// AnySignature marks a reference whose parameter types the extractor
	// could not determine. It binds to the first existing overload with the
	// same name, kind and owner, or to an unsigned binding.
	AnySignature bool
}

// NameDesc is one lexical mention of a binding.
type NameDesc struct {
	Offset  int
	Length  int
	Roles   Role
	Binding BindingDesc
}

// IncludeDesc is one include directive. An empty Target means the directive
// did not resolve to a file.
type IncludeDesc struct {
	Target    string
	Offset    int
	Directive string
	System    bool
}

// MacroDesc is one macro definition active in a file.
type MacroDesc struct {
	Name      string
	Expansion string
	Offset    int
}

// FileContent is everything the index stores for one file.
type FileContent struct {
	Location  string
	Language  Language
	Timestamp time.Time
	Includes  []IncludeDesc
	Macros    []MacroDesc
	Names     []NameDesc
}

// Snapshots returned by queries. They copy record contents and stay valid
// after the read lock is released, but Addr values must be re-validated
// before being passed back in under a later lock.

// XRef addresses a record in another fragment.
type XRef struct {
	Fragment string
	Addr     db.Address
}

// Payload is the kind-specific data of a binding.
type Payload struct {
	Params []string `json:"params,omitempty"`
	Type   string   `json:"type,omitempty"`
	Value  int64    `json:"value,omitempty"`
}

// Binding is a snapshot of one binding record.
type Binding struct {
	Fragment      string     `json:"fragment"`
	Addr          db.Address `json:"addr"`
	Name          string     `json:"name"`
	QualifiedName string     `json:"qualified_name"`
	Kind          Kind       `json:"kind"`
	Language      Language   `json:"language"`
	Owner         db.Address `json:"owner,omitempty"`
	Signature     string     `json:"signature,omitempty"`
	Payload       Payload    `json:"payload"`
	Orphan        bool       `json:"orphan,omitempty"`
	External      *XRef      `json:"external,omitempty"`

	// Resolved is false when no live file declares or defines the binding,
	// for example after the declaring file was cleared.
	Resolved bool `json:"resolved"`

	// Alternates holds copies of the same entity found in other fragments.
	Alternates []Binding `json:"alternates,omitempty"`
}

// Name is a snapshot of one occurrence.
type Name struct {
	Fragment string     `json:"fragment"`
	Addr     db.Address `json:"addr"`
	File     string     `json:"file"`
	Offset   int        `json:"offset"`
	Length   int        `json:"length"`
	Roles    Role       `json:"roles"`
	Binding  db.Address `json:"binding"`
}

// File is a snapshot of one file record.
type File struct {
	Fragment  string     `json:"fragment"`
	Addr      db.Address `json:"addr"`
	Location  string     `json:"location"`
	Language  Language   `json:"language"`
	Timestamp time.Time  `json:"timestamp"`
	State     FileState  `json:"state"`
}

// Include is a snapshot of one include edge.
type Include struct {
	File      string `json:"file"`
	Target    string `json:"target,omitempty"`
	Offset    int    `json:"offset"`
	Directive string `json:"directive"`
	System    bool   `json:"system,omitempty"`
	Resolved  bool   `json:"resolved"`
}

// Macro is a snapshot of one macro definition.
type Macro struct {
	File      string `json:"file"`
	Name      string `json:"name"`
	Expansion string `json:"expansion"`
	Offset    int    `json:"offset"`
}

// Stats summarizes a fragment or a composite index.
type Stats struct {
	Fragments int   `json:"fragments"`
	Files     int   `json:"files"`
	Bindings  int   `json:"bindings"`
	Orphans   int   `json:"orphans"`
	Names     int   `json:"names"`
	Bytes     int64 `json:"bytes"`
	FreeBytes int64 `json:"free_bytes"`
}
