package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/jward/xrefdb"
	"github.com/jward/xrefdb/internal/config"
	"github.com/jward/xrefdb/scripts"
)

var (
	flagDB         string
	flagFormat     string
	flagScriptsDir string
)

// stdout and stderr receive command output; tests swap them.
var (
	stdout io.Writer = os.Stdout
	stderr io.Writer = os.Stderr
)

// errorHandled is set by outputError so main() doesn't double-print.
var errorHandled bool

func main() {
	if err := rootCmd.Execute(); err != nil {
		if !errorHandled {
			fmt.Fprintf(stderr, "Error: %s\n", err)
		}
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:           "xrefdb",
	Short:         "Cross-reference database for C and C++ sources",
	Long:          "xrefdb extracts declarations, definitions, references, includes and macros from C and C++ sources into a persisted index and answers cross-reference queries against it.",
	SilenceErrors: true,
	SilenceUsage:  true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return validateFormat(flagFormat)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagDB, "db", "", "index path (default: index.path from .xrefdb.toml, relative to repo root)")
	rootCmd.PersistentFlags().StringVar(&flagFormat, "format", "json", "output format: json|text")
	rootCmd.PersistentFlags().StringVar(&flagScriptsDir, "scripts-dir", "", "load extraction scripts from disk instead of embedded")

	rootCmd.AddCommand(indexCmd)
	rootCmd.AddCommand(reindexCmd)
	rootCmd.AddCommand(watchCmd)
	rootCmd.AddCommand(compactCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(fragmentCmd)
}

func validateFormat(format string) error {
	switch format {
	case "json", "text":
		return nil
	}
	return fmt.Errorf("invalid --format %q: must be json or text", format)
}

// project is an opened engine together with the configuration it came from.
type project struct {
	cfg    *config.Config
	engine *xrefdb.Engine
}

func (p *project) Close() error { return p.engine.Close() }

// openProject loads the configuration of the repository containing dir and
// opens its engine. Fragments named in the configuration and not yet
// attached are attached.
func openProject(ctx context.Context, dir string) (*project, error) {
	root := findRepoRoot(dir)
	cfg, err := config.Load(root)
	if err != nil {
		return nil, err
	}
	indexPath := cfg.IndexPath()
	if flagDB != "" {
		indexPath = cfg.Resolve(flagDB)
	}

	opts := []xrefdb.Option{
		xrefdb.WithRoot(cfg.Root),
		xrefdb.WithLogger(cfg.Logger(stderr)),
		xrefdb.WithLanguages(cfg.Languages()...),
		xrefdb.WithExclude(cfg.Index.Exclude...),
		xrefdb.WithIncludeDirs(cfg.IncludeDirs()...),
		xrefdb.WithWorkers(cfg.Index.Workers),
		xrefdb.WithRetry(cfg.Index.Retry),
	}
	if flagScriptsDir != "" {
		opts = append(opts, xrefdb.WithScriptsDir(flagScriptsDir))
	} else {
		opts = append(opts, xrefdb.WithScriptsFS(scripts.FS))
	}

	e, err := xrefdb.New(indexPath, cfg.CatalogPath(), opts...)
	if err != nil {
		return nil, fmt.Errorf("opening index: %w", err)
	}

	attached, err := e.Fragments()
	if err != nil {
		e.Close()
		return nil, err
	}
	known := make(map[string]bool, len(attached))
	for _, f := range attached {
		known[f.ID] = true
	}
	for _, f := range cfg.Fragments {
		if known[f.ID] {
			continue
		}
		if err := e.Attach(ctx, f.ID, cfg.Resolve(f.Path)); err != nil {
			e.Close()
			return nil, err
		}
	}
	return &project{cfg: cfg, engine: e}, nil
}

// openProjectCwd opens the project containing the working directory.
func openProjectCwd(ctx context.Context) (*project, error) {
	cwd, err := os.Getwd()
	if err != nil {
		return nil, fmt.Errorf("getting cwd: %w", err)
	}
	return openProject(ctx, cwd)
}

// resolveTargetDir returns the absolute path of the directory to index.
func resolveTargetDir(args []string) (string, error) {
	dir := "."
	if len(args) > 0 {
		dir = args[0]
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return "", fmt.Errorf("resolving path %q: %w", dir, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return "", fmt.Errorf("directory not found: %s", abs)
	}
	if !info.IsDir() {
		return "", fmt.Errorf("not a directory: %s", abs)
	}
	return abs, nil
}

// findRepoRoot walks up from startDir looking for a .git directory or a
// configuration file. Returns startDir if neither is found.
func findRepoRoot(startDir string) string {
	dir := startDir
	for {
		for _, marker := range []string{".git", config.TOMLFile, config.KDLFile} {
			if _, err := os.Stat(filepath.Join(dir, marker)); err == nil {
				return dir
			}
		}
		parent := filepath.Dir(dir)
		if parent == dir {
			return startDir
		}
		dir = parent
	}
}

// resolveFilePath converts a file argument to an absolute path.
func resolveFilePath(file string) (string, error) {
	if filepath.IsAbs(file) {
		return filepath.Clean(file), nil
	}
	abs, err := filepath.Abs(file)
	if err != nil {
		return "", fmt.Errorf("resolving file path %q: %w", file, err)
	}
	return abs, nil
}
