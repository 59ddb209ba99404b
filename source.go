package xrefdb

import (
	"bytes"
	"context"
	"fmt"
	"io/fs"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"

	"github.com/jward/xrefdb/internal/index"
	"github.com/jward/xrefdb/internal/runtime"
	"github.com/jward/xrefdb/internal/watch"
)

// skipDirs are never descended into by the filesystem walk.
var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"build":        true,
}

// scriptSource is the default Source: it discovers C and C++ files and runs
// the language's Risor extraction script over each of them.
type scriptSource struct {
	rt        *runtime.Runtime
	languages map[index.Language]bool // nil means all languages
	exclude   []string
}

func (s *scriptSource) LanguageForFile(path string) (index.Language, bool) {
	lang, ok := runtime.LanguageForFile(path)
	if !ok || (s.languages != nil && !s.languages[lang]) {
		return 0, false
	}
	return lang, true
}

func (s *scriptSource) Extract(ctx context.Context, path string, src []byte, lang index.Language) (index.FileContent, error) {
	return s.rt.ExtractSource(ctx, path, src, lang)
}

// Files lists the source files under root. Inside a git work tree it uses
// git ls-files so .gitignore is respected; otherwise it walks the tree,
// skipping hidden and vendored directories. Exclude globs apply either way.
func (s *scriptSource) Files(ctx context.Context, root string) ([]string, error) {
	paths, err := s.gitListFiles(ctx, root)
	if err != nil {
		paths, err = s.walkListFiles(root)
		if err != nil {
			return nil, err
		}
	}
	slices.Sort(paths)
	return paths, nil
}

func (s *scriptSource) keep(root, path string) bool {
	if _, ok := s.LanguageForFile(path); !ok {
		return false
	}
	return !watch.Excluded(root, path, s.exclude)
}

// gitListFiles uses git ls-files to discover tracked and untracked (but not
// ignored) files under root.
func (s *scriptSource) gitListFiles(ctx context.Context, root string) ([]string, error) {
	cmd := exec.CommandContext(ctx, "git", "ls-files", "--cached", "--others", "--exclude-standard")
	cmd.Dir = root
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("git ls-files: %w", err)
	}

	var paths []string
	for _, line := range strings.Split(stdout.String(), "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		abs := filepath.Join(root, line)
		if s.keep(root, abs) {
			paths = append(paths, abs)
		}
	}
	return paths, nil
}

// walkListFiles discovers files by walking the filesystem, used when git is
// not available.
func (s *scriptSource) walkListFiles(root string) ([]string, error) {
	var paths []string
	err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			name := d.Name()
			if path != root && (strings.HasPrefix(name, ".") || skipDirs[name] || watch.Excluded(root, path, s.exclude)) {
				return filepath.SkipDir
			}
			return nil
		}
		if d.Type().IsRegular() && s.keep(root, path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("walk directory: %w", err)
	}
	return paths, nil
}
