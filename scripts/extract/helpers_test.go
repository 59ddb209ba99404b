package extract_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jward/xrefdb/internal/index"
	"github.com/jward/xrefdb/internal/runtime"
	"github.com/jward/xrefdb/scripts"
)

// extractFile writes src to name inside a temp dir and runs the embedded
// extraction script for lang over it. Extra files are written alongside.
func extractFile(t *testing.T, lang index.Language, name, src string, extra map[string]string) (index.FileContent, string) {
	t.Helper()
	dir := t.TempDir()
	for p, body := range extra {
		require.NoError(t, os.WriteFile(filepath.Join(dir, p), []byte(body), 0o644))
	}
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(src), 0o644))

	rt := runtime.NewRuntime("", runtime.WithRuntimeFS(scripts.FS))
	content, err := rt.Extract(context.Background(), path, lang)
	require.NoError(t, err)
	require.Equal(t, path, content.Location)
	require.Equal(t, lang, content.Language)
	return content, dir
}

// names returns every emitted name matching name and kind, in emit order.
func names(c index.FileContent, name string, kind index.Kind) []index.NameDesc {
	var out []index.NameDesc
	for _, n := range c.Names {
		if n.Binding.Name == name && n.Binding.Kind == kind {
			out = append(out, n)
		}
	}
	return out
}

func withRole(ns []index.NameDesc, r index.Role) []index.NameDesc {
	var out []index.NameDesc
	for _, n := range ns {
		if n.Roles&r != 0 {
			out = append(out, n)
		}
	}
	return out
}

func trimmed(ss []string) []string {
	out := make([]string, len(ss))
	for i, s := range ss {
		out[i] = strings.TrimSpace(s)
	}
	return out
}
