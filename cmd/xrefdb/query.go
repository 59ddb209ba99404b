package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/jward/xrefdb"
)

var (
	flagLimit   int
	flagSuggest int
)

var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query the cross-reference index",
	Long: `Run queries against an indexed repository. Offsets are 0-based byte offsets.

Patterns are a plain name ("area"), a prefix ("are*"), a qualified name
("geo::Shape::area"), or "*" for every binding.`,
}

func init() {
	queryCmd.PersistentFlags().IntVar(&flagLimit, "limit", 100, "maximum results (0 = no limit)")
	queryCmd.PersistentFlags().IntVar(&flagSuggest, "suggest", 5, "names to suggest when a pattern matches nothing")

	queryCmd.AddCommand(bindingsCmd)
	queryCmd.AddCommand(declsCmd)
	queryCmd.AddCommand(defsCmd)
	queryCmd.AddCommand(refsCmd)
	queryCmd.AddCommand(fileCmd)
	queryCmd.AddCommand(includesCmd)
	queryCmd.AddCommand(includersCmd)
	queryCmd.AddCommand(summaryCmd)
}

// outputResult writes a CLIResult to stdout in the selected format.
func outputResult(result CLIResult) error {
	if flagFormat == "text" {
		return outputResultText(stdout, result)
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}

// outputError writes an error in the selected format and returns it so RunE
// can propagate it to Cobra. In JSON mode the error is written to stdout as a
// CLIResult envelope. In text mode it goes to stderr.
func outputError(command string, err error) error {
	errorHandled = true
	if flagFormat == "text" {
		fmt.Fprintf(stderr, "Error: %s\n", err)
		return err
	}
	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	_ = enc.Encode(CLIResult{Command: command, Error: err.Error()})
	return err
}

func limited[T any](items []T) ([]T, *int) {
	total := len(items)
	if flagLimit > 0 && len(items) > flagLimit {
		items = items[:flagLimit]
	}
	return items, &total
}

// --- bindings ---

var bindingsCmd = &cobra.Command{
	Use:   "bindings <pattern>",
	Short: "List bindings matching a pattern",
	Args:  cobra.ExactArgs(1),
	RunE:  runBindings,
}

func runBindings(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := openProjectCwd(ctx)
	if err != nil {
		return outputError("bindings", err)
	}
	defer p.Close()

	q := p.engine.Query()
	bs, err := q.FindBindings(ctx, args[0])
	if err != nil {
		return outputError("bindings", err)
	}
	if len(bs) == 0 {
		return outputNoMatch(ctx, "bindings", q, args[0])
	}
	out := make([]CLIBinding, len(bs))
	for i, b := range bs {
		out[i] = bindingToCLI(b)
	}
	results, total := limited(out)
	return outputResult(CLIResult{Command: "bindings", Results: results, TotalCount: total})
}

// outputNoMatch reports an empty result, with close names as suggestions.
func outputNoMatch(ctx context.Context, command string, q *xrefdb.QueryBuilder, pattern string) error {
	result := CLIResult{Command: command, Results: []any{}}
	if flagSuggest <= 0 {
		return outputResult(result)
	}
	suggestions, err := q.Suggest(ctx, pattern, flagSuggest)
	if err != nil || len(suggestions) == 0 {
		return outputResult(result)
	}
	names := make([]string, len(suggestions))
	for i, s := range suggestions {
		names[i] = s.Name
	}
	result.Error = fmt.Sprintf("no binding matches %q; did you mean %v?", pattern, names)
	return outputResult(result)
}

// --- decls / defs / refs ---

type occurrenceQuery func(*xrefdb.QueryBuilder, context.Context, xrefdb.Binding) ([]xrefdb.Occurrence, error)

func occurrenceCmd(use, short string, fn occurrenceQuery) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <pattern>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runOccurrences(cmd, use, args[0], fn)
		},
	}
}

var (
	declsCmd = occurrenceCmd("decls", "Where matching bindings are declared", (*xrefdb.QueryBuilder).Declarations)
	defsCmd  = occurrenceCmd("defs", "Where matching bindings are defined", (*xrefdb.QueryBuilder).Definitions)
	refsCmd  = occurrenceCmd("refs", "Where matching bindings are referenced", (*xrefdb.QueryBuilder).References)
)

func runOccurrences(cmd *cobra.Command, command, pattern string, fn occurrenceQuery) error {
	ctx := cmd.Context()
	p, err := openProjectCwd(ctx)
	if err != nil {
		return outputError(command, err)
	}
	defer p.Close()

	q := p.engine.Query()
	bs, err := q.FindBindings(ctx, pattern)
	if err != nil {
		return outputError(command, err)
	}
	if len(bs) == 0 {
		return outputNoMatch(ctx, command, q, pattern)
	}
	var out []CLIOccurrence
	for _, b := range bs {
		occs, err := fn(q, ctx, b)
		if err != nil {
			return outputError(command, err)
		}
		for _, o := range occs {
			out = append(out, occurrenceToCLI(b.QualifiedName, o))
		}
	}
	if out == nil {
		out = []CLIOccurrence{}
	}
	results, total := limited(out)
	return outputResult(CLIResult{Command: command, Results: results, TotalCount: total})
}

// --- file / includes / includers ---

var fileCmd = &cobra.Command{
	Use:   "file <path>",
	Short: "Show the names, includes and macros of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runFile,
}

var includesCmd = &cobra.Command{
	Use:   "includes <path>",
	Short: "List the include directives of a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runIncludes,
}

var includersCmd = &cobra.Command{
	Use:   "includers <path>",
	Short: "List the files that include a file",
	Args:  cobra.ExactArgs(1),
	RunE:  runIncluders,
}

func runFile(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path, err := resolveFilePath(args[0])
	if err != nil {
		return outputError("file", err)
	}
	p, err := openProjectCwd(ctx)
	if err != nil {
		return outputError("file", err)
	}
	defer p.Close()

	q := p.engine.Query()
	f, found, err := q.File(ctx, path)
	if err != nil {
		return outputError("file", err)
	}
	if !found {
		return outputResult(CLIResult{Command: "file", Results: nil})
	}
	out := CLIFile{
		Fragment: f.Fragment,
		Location: f.Location,
		Language: f.Language.String(),
		State:    f.State.String(),
	}
	names, err := q.FileNames(ctx, path)
	if err != nil {
		return outputError("file", err)
	}
	for _, n := range names {
		out.Names = append(out.Names, occurrenceToCLI("", n))
	}
	if out.Includes, err = q.Includes(ctx, path); err != nil {
		return outputError("file", err)
	}
	if out.Macros, err = q.Macros(ctx, path); err != nil {
		return outputError("file", err)
	}
	if out.Includers, err = q.Includers(ctx, path); err != nil {
		return outputError("file", err)
	}
	return outputResult(CLIResult{Command: "file", Results: out})
}

func runIncludes(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path, err := resolveFilePath(args[0])
	if err != nil {
		return outputError("includes", err)
	}
	p, err := openProjectCwd(ctx)
	if err != nil {
		return outputError("includes", err)
	}
	defer p.Close()

	incs, err := p.engine.Query().Includes(ctx, path)
	if err != nil {
		return outputError("includes", err)
	}
	if incs == nil {
		incs = []xrefdb.Include{}
	}
	return outputResult(CLIResult{Command: "includes", Results: incs})
}

func runIncluders(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	path, err := resolveFilePath(args[0])
	if err != nil {
		return outputError("includers", err)
	}
	p, err := openProjectCwd(ctx)
	if err != nil {
		return outputError("includers", err)
	}
	defer p.Close()

	locs, err := p.engine.Query().Includers(ctx, path)
	if err != nil {
		return outputError("includers", err)
	}
	if locs == nil {
		locs = []string{}
	}
	return outputResult(CLIResult{Command: "includers", Results: locs})
}

// --- summary ---

var summaryCmd = &cobra.Command{
	Use:   "summary",
	Short: "Summarize the index: counts, languages, fragments and recent runs",
	Args:  cobra.NoArgs,
	RunE:  runSummary,
}

func runSummary(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := openProjectCwd(ctx)
	if err != nil {
		return outputError("summary", err)
	}
	defer p.Close()

	out := CLISummary{Languages: make(map[string]int), Stale: p.engine.NeedsRebuild()}
	if out.Stats, err = p.engine.Stats(ctx); err != nil {
		return outputError("summary", err)
	}
	files, err := p.engine.Query().Files(ctx)
	if err != nil {
		return outputError("summary", err)
	}
	for _, f := range files {
		out.Languages[f.Language.String()]++
	}
	if out.Fragments, err = p.engine.Fragments(); err != nil {
		return outputError("summary", err)
	}
	if out.Runs, err = p.engine.Runs(5); err != nil {
		return outputError("summary", err)
	}
	return outputResult(CLIResult{Command: "summary", Results: out})
}
