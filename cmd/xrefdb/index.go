package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jward/xrefdb"
	"github.com/jward/xrefdb/internal/watch"
)

var flagForce bool

var indexCmd = &cobra.Command{
	Use:   "index [path]",
	Short: "Index the C and C++ sources of a repository",
	Long:  "Extracts every source file under path that changed since the last run and commits it to the index. Files removed from disk are dropped.",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runIndex,
}

var reindexCmd = &cobra.Command{
	Use:   "reindex [path]",
	Short: "Discard the project index and rebuild it",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runReindex,
}

var watchCmd = &cobra.Command{
	Use:   "watch [path]",
	Short: "Index, then keep the index current as files change",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runWatch,
}

var compactCmd = &cobra.Command{
	Use:   "compact",
	Short: "Reclaim bindings left without occurrences",
	Args:  cobra.NoArgs,
	RunE:  runCompact,
}

func init() {
	indexCmd.Flags().BoolVar(&flagForce, "force", false, "rebuild from scratch")
}

// IndexSummary is the result of index and reindex.
type IndexSummary struct {
	Root     string       `json:"root"`
	Rebuilt  bool         `json:"rebuilt"`
	Elapsed  string       `json:"elapsed"`
	Stats    xrefdb.Stats `json:"stats"`
	Warnings []string     `json:"warnings,omitempty"`
}

func runIndex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	targetDir, err := resolveTargetDir(args)
	if err != nil {
		return outputError("index", err)
	}
	p, err := openProject(ctx, targetDir)
	if err != nil {
		return outputError("index", err)
	}
	defer p.Close()

	start := time.Now()
	rebuild := flagForce || p.engine.NeedsRebuild()
	if rebuild {
		err = p.engine.Rebuild(ctx)
	} else {
		err = p.engine.IndexDirectory(ctx, targetDir)
	}
	return finishIndex(ctx, "index", p, targetDir, rebuild, start, err)
}

func runReindex(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	targetDir, err := resolveTargetDir(args)
	if err != nil {
		return outputError("reindex", err)
	}
	p, err := openProject(ctx, targetDir)
	if err != nil {
		return outputError("reindex", err)
	}
	defer p.Close()

	start := time.Now()
	p.engine.Reindex(ctx)
	for !p.engine.JoinIndexer(2 * time.Second) {
		fmt.Fprintf(stderr, "Rebuilding %s (%s)\n", p.engine.Root(), time.Since(start).Round(time.Second))
	}
	return finishIndex(ctx, "reindex", p, p.engine.Root(), true, start, p.engine.IndexerErr())
}

// finishIndex reports an index run. Per-file failures are warnings; any
// other error fails the command.
func finishIndex(ctx context.Context, command string, p *project, root string, rebuilt bool, start time.Time, err error) error {
	var ie *xrefdb.IndexError
	summary := IndexSummary{Root: root, Rebuilt: rebuilt}
	if errors.As(err, &ie) {
		for _, e := range ie.Errs {
			summary.Warnings = append(summary.Warnings, e.Error())
		}
	} else if err != nil {
		return outputError(command, err)
	}
	summary.Elapsed = time.Since(start).Round(time.Millisecond).String()
	st, err := p.engine.Stats(ctx)
	if err != nil {
		return outputError(command, err)
	}
	summary.Stats = st
	return outputResult(CLIResult{Command: command, Results: summary})
}

func runWatch(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	targetDir, err := resolveTargetDir(args)
	if err != nil {
		return outputError("watch", err)
	}
	p, err := openProject(ctx, targetDir)
	if err != nil {
		return outputError("watch", err)
	}
	defer p.Close()
	log := p.cfg.Logger(stderr)

	if p.engine.NeedsRebuild() {
		err = p.engine.Rebuild(ctx)
	} else {
		err = p.engine.IndexDirectory(ctx, targetDir)
	}
	if err != nil {
		log.Warn("watch.initial_index", "err", err)
	}

	w, err := watch.New(watch.Options{
		Root:     targetDir,
		Exclude:  p.cfg.Index.Exclude,
		Match:    p.engine.Handles,
		Debounce: p.cfg.Debounce(),
		Logger:   log,
	})
	if err != nil {
		return outputError("watch", err)
	}
	fmt.Fprintf(stderr, "Watching %s\n", targetDir)

	return w.Run(ctx, func(b watch.Batch) {
		if len(b.Removed) > 0 {
			if err := p.engine.RemoveFiles(ctx, b.Removed); err != nil {
				log.Warn("watch.remove", "err", err)
			}
		}
		if len(b.Changed) > 0 {
			if err := p.engine.IndexFiles(ctx, b.Changed); err != nil {
				log.Warn("watch.index", "err", err)
			}
		}
	})
}

func runCompact(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	p, err := openProjectCwd(ctx)
	if err != nil {
		return outputError("compact", err)
	}
	defer p.Close()

	freed, err := p.engine.Compact(ctx)
	if err != nil {
		return outputError("compact", err)
	}
	return outputResult(CLIResult{Command: "compact", Results: map[string]int{"freed": freed}})
}
