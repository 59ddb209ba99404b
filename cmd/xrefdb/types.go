package main

import "github.com/jward/xrefdb"

// CLIResult is the top-level JSON envelope for every command.
type CLIResult struct {
	Command    string `json:"command"`
	Results    any    `json:"results"`
	TotalCount *int   `json:"total_count,omitempty"`
	Error      string `json:"error,omitempty"`
}

// CLIBinding is a JSON-friendly binding.
type CLIBinding struct {
	Fragment      string `json:"fragment"`
	Name          string `json:"name"`
	QualifiedName string `json:"qualified_name"`
	Kind          string `json:"kind"`
	Language      string `json:"language"`
	Signature     string `json:"signature,omitempty"`
	Type          string `json:"type,omitempty"`
	Resolved      bool   `json:"resolved"`
	External      string `json:"external,omitempty"`
	Alternates    int    `json:"alternates,omitempty"`
}

// CLIOccurrence is one mention of a binding.
type CLIOccurrence struct {
	Binding  string `json:"binding,omitempty"`
	Fragment string `json:"fragment"`
	File     string `json:"file"`
	Offset   int    `json:"offset"`
	Length   int    `json:"length"`
	Roles    string `json:"roles"`
}

// CLIFile describes one indexed file.
type CLIFile struct {
	Fragment  string           `json:"fragment"`
	Location  string           `json:"location"`
	Language  string           `json:"language"`
	State     string           `json:"state"`
	Names     []CLIOccurrence  `json:"names,omitempty"`
	Includes  []xrefdb.Include `json:"includes,omitempty"`
	Macros    []xrefdb.Macro   `json:"macros,omitempty"`
	Includers []string         `json:"includers,omitempty"`
}

// CLISummary describes the whole index.
type CLISummary struct {
	Stats     xrefdb.Stats            `json:"stats"`
	Languages map[string]int          `json:"languages"`
	Fragments []*xrefdb.FragmentEntry `json:"fragments"`
	Runs      []*xrefdb.Run           `json:"runs,omitempty"`
	Stale     bool                    `json:"stale"`
}

func bindingToCLI(b xrefdb.Binding) CLIBinding {
	out := CLIBinding{
		Fragment:      b.Fragment,
		Name:          b.Name,
		QualifiedName: b.QualifiedName,
		Kind:          b.Kind.String(),
		Language:      b.Language.String(),
		Signature:     b.Signature,
		Type:          b.Payload.Type,
		Resolved:      b.Resolved,
		Alternates:    len(b.Alternates),
	}
	if b.External != nil {
		out.External = b.External.Fragment
	}
	return out
}

func occurrenceToCLI(binding string, o xrefdb.Occurrence) CLIOccurrence {
	return CLIOccurrence{
		Binding:  binding,
		Fragment: o.Fragment,
		File:     o.File,
		Offset:   o.Offset,
		Length:   o.Length,
		Roles:    o.Roles.String(),
	}
}
