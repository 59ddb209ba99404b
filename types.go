package xrefdb

import (
	"context"

	"github.com/jward/xrefdb/internal/catalog"
	"github.com/jward/xrefdb/internal/index"
)

// Public type aliases for internal types used in the Engine and
// QueryBuilder API. These are Go type aliases (=), so no conversion is
// needed.

type Binding = index.Binding
type File = index.File
type Include = index.Include
type Macro = index.Macro
type Stats = index.Stats
type FileContent = index.FileContent
type Language = index.Language
type Run = catalog.Run
type FragmentEntry = catalog.FragmentEntry

// Occurrence is one mention of a binding in a source file.
type Occurrence struct {
	Fragment string     `json:"fragment"`
	File     string     `json:"file"`
	Offset   int        `json:"offset"`
	Length   int        `json:"length"`
	Roles    index.Role `json:"roles"`
}

func occurrences(ns []index.Name) []Occurrence {
	out := make([]Occurrence, len(ns))
	for i, n := range ns {
		out[i] = Occurrence{Fragment: n.Fragment, File: n.File, Offset: n.Offset, Length: n.Length, Roles: n.Roles}
	}
	return out
}

// Source produces file content for the Engine. The default Source runs the
// Risor extraction scripts; tests and embedders can supply their own.
type Source interface {
	// Files lists the source files under root that should be indexed.
	Files(ctx context.Context, root string) ([]string, error)

	// Extract turns the bytes of path into file content. The language is
	// the one Files or LanguageForFile chose for path.
	Extract(ctx context.Context, path string, src []byte, lang Language) (FileContent, error)

	// LanguageForFile reports the language of path, or false when path is
	// not a source file.
	LanguageForFile(path string) (Language, bool)
}
