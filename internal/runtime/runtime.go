package runtime

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/cespare/xxhash/v2"
	"github.com/risor-io/risor"
	"github.com/risor-io/risor/importer"
	"github.com/risor-io/risor/object"

	"github.com/jward/xrefdb/internal/index"
)

// Runtime embeds a Risor VM and provides tree-sitter host functions and
// file-content emitters to extraction scripts.
type Runtime struct {
	scriptsDir  string
	fsys        fs.FS
	includeDirs []string
	log         *slog.Logger
}

// RuntimeOption configures a Runtime.
type RuntimeOption func(*Runtime)

// WithRuntimeFS configures the Runtime to load scripts from an fs.FS
// instead of from disk. Also configures the Risor importer to use
// FSImporter for import statement resolution.
func WithRuntimeFS(fsys fs.FS) RuntimeOption {
	return func(r *Runtime) {
		r.fsys = fsys
	}
}

// WithIncludeDirs sets the directories searched for include targets that
// are not found next to the including file.
func WithIncludeDirs(dirs ...string) RuntimeOption {
	return func(r *Runtime) {
		r.includeDirs = dirs
	}
}

// WithLogger routes script log calls to l.
func WithLogger(l *slog.Logger) RuntimeOption {
	return func(r *Runtime) {
		r.log = l
	}
}

// NewRuntime creates a Runtime that loads scripts from scriptsDir.
func NewRuntime(scriptsDir string, opts ...RuntimeOption) *Runtime {
	r := &Runtime{scriptsDir: scriptsDir, log: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// RunScript loads and executes a Risor script with all standard globals
// plus any extra globals provided by the caller.
func (r *Runtime) RunScript(ctx context.Context, scriptPath string, extraGlobals map[string]any) error {
	src, err := r.LoadScript(scriptPath)
	if err != nil {
		return err
	}
	return r.eval(ctx, src, scriptPath, extraGlobals)
}

// RunSource executes Risor source code directly with all standard globals
// plus any extra globals. Useful for testing without script files.
func (r *Runtime) RunSource(ctx context.Context, source string, extraGlobals map[string]any) error {
	return r.eval(ctx, source, "<inline>", extraGlobals)
}

func (r *Runtime) eval(ctx context.Context, source, label string, extraGlobals map[string]any) error {
	ss := newSourceStore()
	defer ss.close()
	globals := r.buildGlobals(ss, extraGlobals)

	var opts []risor.Option
	for name, val := range globals {
		opts = append(opts, risor.WithGlobal(name, val))
	}
	if imp := r.buildImporter(globals); imp != nil {
		opts = append(opts, risor.WithImporter(imp))
	}

	if _, err := risor.Eval(ctx, source, opts...); err != nil {
		return fmt.Errorf("runtime: script %s: %w", label, err)
	}
	return nil
}

// buildImporter returns a Risor importer configured for the Runtime's script
// source, or nil if neither fs.FS nor scriptsDir is configured.
func (r *Runtime) buildImporter(globals map[string]any) importer.Importer {
	globalNames := make([]string, 0, len(globals))
	for name := range globals {
		globalNames = append(globalNames, name)
	}

	if r.fsys != nil {
		return importer.NewFSImporter(importer.FSImporterOptions{
			GlobalNames: globalNames,
			SourceFS:    r.fsys,
			Extensions:  []string{".risor"},
		})
	}
	if r.scriptsDir != "" {
		return importer.NewLocalImporter(importer.LocalImporterOptions{
			GlobalNames: globalNames,
			SourceDir:   r.scriptsDir,
			Extensions:  []string{".risor"},
		})
	}
	return nil
}

// LoadScript reads a .risor file from the configured fs.FS, or from
// scriptsDir on disk.
func (r *Runtime) LoadScript(path string) (string, error) {
	if r.fsys != nil {
		fsPath := strings.TrimPrefix(filepath.ToSlash(path), "/")
		data, err := fs.ReadFile(r.fsys, fsPath)
		if err != nil {
			return "", fmt.Errorf("runtime: loading script %s from fs: %w", fsPath, err)
		}
		return string(data), nil
	}

	fullPath := path
	if !filepath.IsAbs(path) {
		fullPath = filepath.Join(r.scriptsDir, path)
	}
	data, err := os.ReadFile(fullPath)
	if err != nil {
		return "", fmt.Errorf("runtime: loading script %s: %w", fullPath, err)
	}
	return string(data), nil
}

// ExtractionScriptPath returns the path to a language's extraction script.
func ExtractionScriptPath(lang index.Language) string {
	return filepath.Join("extract", lang.String()+".risor")
}

// ScriptsHash hashes the path and content of every .risor script, in path
// order. A change means previously extracted content may be stale.
func (r *Runtime) ScriptsHash() string {
	var paths []string
	walk := func(path string, d fs.DirEntry, err error) error {
		if err == nil && !d.IsDir() && strings.HasSuffix(path, ".risor") {
			paths = append(paths, path)
		}
		return nil
	}
	switch {
	case r.fsys != nil:
		_ = fs.WalkDir(r.fsys, ".", walk)
	case r.scriptsDir != "":
		_ = fs.WalkDir(os.DirFS(r.scriptsDir), ".", walk)
	}
	slices.Sort(paths)

	h := xxhash.New()
	for _, p := range paths {
		src, err := r.LoadScript(p)
		if err != nil {
			continue
		}
		h.WriteString(p)
		h.WriteString(src)
	}
	return fmt.Sprintf("%016x", h.Sum64())
}

// Extract reads path and runs the extraction script of lang over it.
func (r *Runtime) Extract(ctx context.Context, path string, lang index.Language) (index.FileContent, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return index.FileContent{}, fmt.Errorf("runtime: read %s: %w", path, err)
	}
	content, err := r.ExtractSource(ctx, path, src, lang)
	if err != nil {
		return index.FileContent{}, err
	}
	if info, err := os.Stat(path); err == nil {
		content.Timestamp = info.ModTime()
	}
	return content, nil
}

// ExtractSource runs the extraction script of lang over src as if it had
// been read from location.
func (r *Runtime) ExtractSource(ctx context.Context, location string, src []byte, lang index.Language) (index.FileContent, error) {
	c := newCollector(r, location)
	extras := c.globals()
	extras["file_path"] = location
	extras["file_source"] = string(src)
	extras["file_language"] = lang.String()

	if err := r.RunScript(ctx, ExtractionScriptPath(lang), extras); err != nil {
		return index.FileContent{}, err
	}
	content := c.content
	content.Location = location
	content.Language = lang
	return content, nil
}

// buildGlobals constructs the full set of globals exposed to Risor scripts.
func (r *Runtime) buildGlobals(ss *sourceStore, extra map[string]any) map[string]any {
	globals := map[string]any{
		"parse":      makeParseFn(ss),
		"parse_src":  makeParseSrcFn(ss),
		"node_text":  makeNodeTextFn(ss),
		"node_child": makeNodeChildFn(),
		"query":      makeQueryFn(ss),
		"log":        mustProxy(&logObject{log: r.log}),
	}
	for k, v := range extra {
		globals[k] = v
	}
	return globals
}

func mustProxy(v any) object.Object {
	p, err := object.NewProxy(v)
	if err != nil {
		panic(fmt.Sprintf("runtime: proxy error: %v", err))
	}
	return p
}
