package main

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"

	"github.com/jward/xrefdb"
)

// outputResultText writes result in human-readable form.
func outputResultText(w io.Writer, result CLIResult) error {
	if result.Error != "" {
		fmt.Fprintln(w, result.Error)
	}
	switch r := result.Results.(type) {
	case nil:
		fmt.Fprintln(w, "No results.")
	case []CLIBinding:
		formatBindingsText(w, r)
	case []CLIOccurrence:
		formatOccurrencesText(w, r)
	case []xrefdb.Include:
		formatIncludesText(w, r)
	case []string:
		for _, s := range r {
			fmt.Fprintln(w, s)
		}
	case CLIFile:
		formatFileText(w, r)
	case CLISummary:
		formatSummaryText(w, r)
	case IndexSummary:
		formatIndexSummaryText(w, r)
	case []*xrefdb.FragmentEntry:
		formatFragmentsText(w, r)
	case []any:
		if len(r) == 0 && result.Error == "" {
			fmt.Fprintln(w, "No results.")
		}
	default:
		fmt.Fprintf(w, "%v\n", r)
	}
	if result.TotalCount != nil {
		fmt.Fprintf(w, "(%d total)\n", *result.TotalCount)
	}
	return nil
}

// formatBindingsText formats bindings as aligned columns.
func formatBindingsText(w io.Writer, bs []CLIBinding) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "NAME\tKIND\tLANG\tSIGNATURE\tFRAGMENT")
	for _, b := range bs {
		frag := b.Fragment
		if b.External != "" {
			frag += " -> " + b.External
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", b.QualifiedName, b.Kind, b.Language, b.Signature, frag)
	}
	tw.Flush()
}

// formatOccurrencesText formats occurrences as "file:offset" lines.
func formatOccurrencesText(w io.Writer, occs []CLIOccurrence) {
	for _, o := range occs {
		if o.Binding != "" {
			fmt.Fprintf(w, "%s:%d\t%s\t%s\n", o.File, o.Offset, o.Roles, o.Binding)
		} else {
			fmt.Fprintf(w, "%s:%d\t%s\n", o.File, o.Offset, o.Roles)
		}
	}
}

func formatIncludesText(w io.Writer, incs []xrefdb.Include) {
	for _, inc := range incs {
		target := inc.Target
		if target == "" {
			target = "(unresolved)"
		}
		fmt.Fprintf(w, "%d\t%s\t%s\n", inc.Offset, inc.Directive, target)
	}
}

func formatFileText(w io.Writer, f CLIFile) {
	fmt.Fprintf(w, "File: %s\n", f.Location)
	fmt.Fprintf(w, "Fragment: %s  Language: %s  State: %s\n", f.Fragment, f.Language, f.State)
	if len(f.Includes) > 0 {
		fmt.Fprintln(w, "\nIncludes:")
		formatIncludesText(w, f.Includes)
	}
	if len(f.Macros) > 0 {
		fmt.Fprintln(w, "\nMacros:")
		for _, m := range f.Macros {
			fmt.Fprintf(w, "%d\t%s %s\n", m.Offset, m.Name, m.Expansion)
		}
	}
	if len(f.Names) > 0 {
		fmt.Fprintln(w, "\nNames:")
		formatOccurrencesText(w, f.Names)
	}
	if len(f.Includers) > 0 {
		fmt.Fprintln(w, "\nIncluded by:")
		for _, s := range f.Includers {
			fmt.Fprintln(w, s)
		}
	}
}

func formatStatsText(w io.Writer, st xrefdb.Stats) {
	fmt.Fprintf(w, "Fragments: %d\n", st.Fragments)
	fmt.Fprintf(w, "Files:     %d\n", st.Files)
	fmt.Fprintf(w, "Bindings:  %d (%d orphaned)\n", st.Bindings, st.Orphans)
	fmt.Fprintf(w, "Names:     %d\n", st.Names)
	fmt.Fprintf(w, "Storage:   %d bytes (%d free)\n", st.Bytes, st.FreeBytes)
}

// formatSummaryText formats the index summary as readable text.
func formatSummaryText(w io.Writer, s CLISummary) {
	fmt.Fprintln(w, "Index Summary")
	fmt.Fprintln(w, "=============")
	formatStatsText(w, s.Stats)
	if s.Stale {
		fmt.Fprintln(w, "Stale: run 'xrefdb index' to rebuild")
	}

	if len(s.Languages) > 0 {
		fmt.Fprintln(w, "\nLanguages:")
		langs := make([]string, 0, len(s.Languages))
		for l := range s.Languages {
			langs = append(langs, l)
		}
		sort.Strings(langs)
		for _, l := range langs {
			fmt.Fprintf(w, "  %s: %d files\n", l, s.Languages[l])
		}
	}
	if len(s.Fragments) > 0 {
		fmt.Fprintln(w, "\nFragments:")
		formatFragmentsText(w, s.Fragments)
	}
	if len(s.Runs) > 0 {
		fmt.Fprintln(w, "\nRecent runs:")
		tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
		for _, r := range s.Runs {
			fmt.Fprintf(tw, "  %s\t%s\t%d files\t%d errors\n", r.StartedAt.Format("2006-01-02 15:04:05"), r.Kind, r.Files, r.Errors)
		}
		tw.Flush()
	}
}

func formatIndexSummaryText(w io.Writer, s IndexSummary) {
	verb := "Indexed"
	if s.Rebuilt {
		verb = "Rebuilt"
	}
	fmt.Fprintf(w, "%s %s in %s\n", verb, s.Root, s.Elapsed)
	formatStatsText(w, s.Stats)
	for _, warn := range s.Warnings {
		fmt.Fprintf(w, "warning: %s\n", warn)
	}
}

func formatFragmentsText(w io.Writer, entries []*xrefdb.FragmentEntry) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tPATH\tATTACHED")
	for _, f := range entries {
		fmt.Fprintf(tw, "%s\t%s\t%s\n", f.ID, f.Path, f.AttachedAt.Format("2006-01-02 15:04:05"))
	}
	tw.Flush()
}
