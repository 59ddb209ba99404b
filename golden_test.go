package xrefdb

import (
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jward/xrefdb/scripts"
)

// Golden test format. Names are qualified; lines are 0-based.
type goldenFile struct {
	Definitions  []goldenName    `json:"definitions,omitempty"`
	Declarations []goldenName    `json:"declarations,omitempty"`
	References   []goldenName    `json:"references,omitempty"`
	Includes     []goldenInclude `json:"includes,omitempty"`
}

type goldenName struct {
	Name string `json:"name"`
	Kind string `json:"kind"`
	File string `json:"file"`
	Line int    `json:"line"`
}

type goldenInclude struct {
	File   string `json:"file"`
	Target string `json:"target"`
}

// TestGolden walks testdata/{language}/ directories and runs golden tests
// for all languages that have testdata.
func TestGolden(t *testing.T) {
	langDirs, err := os.ReadDir("testdata")
	if err != nil {
		t.Skip("no testdata directory found")
	}

	for _, langDir := range langDirs {
		if !langDir.IsDir() {
			continue
		}
		lang := langDir.Name()
		langRoot := filepath.Join("testdata", lang)
		levels, err := os.ReadDir(langRoot)
		if err != nil {
			continue
		}

		for _, level := range levels {
			if !level.IsDir() {
				continue
			}
			testDir := filepath.Join(langRoot, level.Name())
			goldenPath := filepath.Join(testDir, "golden.json")
			srcDir := filepath.Join(testDir, "src")

			if _, err := os.Stat(goldenPath); err != nil {
				continue
			}
			if _, err := os.Stat(srcDir); err != nil {
				continue
			}

			t.Run(lang+"/"+level.Name(), func(t *testing.T) {
				runGoldenTest(t, srcDir, goldenPath)
			})
		}
	}
}

func runGoldenTest(t *testing.T, srcDir, goldenPath string) {
	t.Helper()

	goldenData, err := os.ReadFile(goldenPath)
	require.NoError(t, err)
	var golden goldenFile
	require.NoError(t, json.Unmarshal(goldenData, &golden))

	srcDir, err = filepath.Abs(srcDir)
	require.NoError(t, err)
	state := t.TempDir()
	engine, err := New(filepath.Join(state, "golden.xdb"), filepath.Join(state, "catalog.db"),
		WithScriptsFS(scripts.FS), WithRoot(srcDir))
	require.NoError(t, err)
	defer engine.Close()

	srcEntries, err := os.ReadDir(srcDir)
	require.NoError(t, err)
	var paths []string
	for _, e := range srcEntries {
		if !e.IsDir() {
			paths = append(paths, filepath.Join(srcDir, e.Name()))
		}
	}
	ctx := context.Background()
	require.NoError(t, engine.IndexFiles(ctx, paths))

	lines := newLineIndex(t, srcDir)
	q := engine.Query()
	checks := []struct {
		name     string
		expected []goldenName
		query    func(context.Context, Binding) ([]Occurrence, error)
	}{
		{"definitions", golden.Definitions, q.Definitions},
		{"declarations", golden.Declarations, q.Declarations},
		{"references", golden.References, q.References},
	}
	for _, c := range checks {
		if len(c.expected) == 0 {
			continue
		}
		t.Run(c.name, func(t *testing.T) {
			verifyOccurrences(t, q, lines, c.expected, c.query)
		})
	}

	if len(golden.Includes) > 0 {
		t.Run("includes", func(t *testing.T) {
			for _, exp := range golden.Includes {
				incs, err := q.Includes(ctx, filepath.Join(srcDir, exp.File))
				require.NoError(t, err)
				var targets []string
				for _, inc := range incs {
					targets = append(targets, filepath.Base(inc.Target))
				}
				assert.Contains(t, targets, exp.Target, "missing include: %+v", exp)
			}
		})
	}
}

func verifyOccurrences(t *testing.T, q *QueryBuilder, lines lineIndex, expected []goldenName, query func(context.Context, Binding) ([]Occurrence, error)) {
	t.Helper()
	ctx := context.Background()
	for _, exp := range expected {
		bs, err := q.FindBindings(ctx, exp.Name)
		require.NoError(t, err)

		found := false
		for _, b := range bs {
			if b.QualifiedName != exp.Name || b.Kind.String() != exp.Kind {
				continue
			}
			occs, err := query(ctx, b)
			require.NoError(t, err)
			for _, o := range occs {
				file := filepath.Base(o.File)
				if file == exp.File && lines.line(file, o.Offset) == exp.Line {
					found = true
				}
			}
		}
		assert.True(t, found, "missing occurrence: %+v", exp)
	}
}

// lineIndex maps byte offsets to 0-based lines, per file base name.
type lineIndex map[string][]byte

func newLineIndex(t *testing.T, dir string) lineIndex {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	idx := make(lineIndex)
	for _, e := range entries {
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		require.NoError(t, err)
		idx[e.Name()] = data
	}
	return idx
}

func (idx lineIndex) line(file string, offset int) int {
	data := idx[file]
	if offset > len(data) {
		return -1
	}
	return bytes.Count(data[:offset], []byte("\n"))
}
