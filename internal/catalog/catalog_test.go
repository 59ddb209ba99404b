package catalog

import (
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCatalog(t *testing.T) *Catalog {
	t.Helper()
	c, err := Open(filepath.Join(t.TempDir(), "catalog.db"))
	require.NoError(t, err)
	require.NoError(t, c.Migrate())
	t.Cleanup(func() { c.Close() })
	return c
}

// =============================================================================
// Schema & Lifecycle
// =============================================================================

func TestMigrate_AllTablesExist(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)

	for _, table := range []string{"metadata", "files", "fragments", "index_runs"} {
		var name string
		err := c.DB().QueryRow("SELECT name FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&name)
		require.NoError(t, err, "table %s should exist", table)
	}
}

func TestMigrate_Idempotent(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)
	require.NoError(t, c.Migrate())
}

func TestMetadata_RoundTrip(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)

	v, err := c.GetMetadata(KeyScriptsHash)
	require.NoError(t, err)
	assert.Empty(t, v)

	require.NoError(t, c.SetMetadata(KeyScriptsHash, "abc"))
	require.NoError(t, c.SetMetadata(KeyScriptsHash, "def"))
	v, err = c.GetMetadata(KeyScriptsHash)
	require.NoError(t, err)
	assert.Equal(t, "def", v)
}

// =============================================================================
// Files
// =============================================================================

func TestContentHash(t *testing.T) {
	t.Parallel()
	a := ContentHash([]byte("int x;"))
	assert.Len(t, a, 16)
	assert.Equal(t, a, ContentHash([]byte("int x;")))
	assert.NotEqual(t, a, ContentHash([]byte("int y;")))
}

func TestFiles_PutLookupDelete(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)
	now := time.Now().Truncate(time.Second)

	f, err := c.FileByPath("a.c")
	require.NoError(t, err)
	assert.Nil(t, f)

	require.NoError(t, c.PutFile(&FileEntry{Path: "a.c", Language: "c", Hash: "h1", Size: 10, IndexedAt: now}))
	require.NoError(t, c.PutFile(&FileEntry{Path: "b.cpp", Language: "cpp", Hash: "h2", IndexedAt: now}))

	same, err := c.Unchanged("a.c", "h1")
	require.NoError(t, err)
	assert.True(t, same)
	same, err = c.Unchanged("a.c", "other")
	require.NoError(t, err)
	assert.False(t, same)
	same, err = c.Unchanged("missing.c", "h1")
	require.NoError(t, err)
	assert.False(t, same)

	require.NoError(t, c.PutFile(&FileEntry{Path: "a.c", Language: "c", Hash: "h3", Size: 12, IndexedAt: now}))
	f, err = c.FileByPath("a.c")
	require.NoError(t, err)
	require.NotNil(t, f)
	assert.Equal(t, "h3", f.Hash)
	assert.Equal(t, int64(12), f.Size)

	files, err := c.Files()
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "a.c", files[0].Path)
	assert.Equal(t, "b.cpp", files[1].Path)

	require.NoError(t, c.DeleteFile("a.c"))
	require.NoError(t, c.DeleteFile("a.c"))
	f, err = c.FileByPath("a.c")
	require.NoError(t, err)
	assert.Nil(t, f)

	require.NoError(t, c.ClearFiles())
	files, err = c.Files()
	require.NoError(t, err)
	assert.Empty(t, files)
}

// =============================================================================
// Fragments
// =============================================================================

func TestFragments_Registry(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)
	t0 := time.Now().Truncate(time.Second)

	require.NoError(t, c.AddFragment(&FragmentEntry{ID: "libc", Path: "/deps/libc.xdb", AttachedAt: t0}))
	require.NoError(t, c.AddFragment(&FragmentEntry{ID: "boost", Path: "/deps/boost.xdb", AttachedAt: t0.Add(time.Second)}))

	frags, err := c.Fragments()
	require.NoError(t, err)
	require.Len(t, frags, 2)
	assert.Equal(t, "libc", frags[0].ID)
	assert.Equal(t, "boost", frags[1].ID)

	ok, err := c.RemoveFragment("libc")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = c.RemoveFragment("libc")
	require.NoError(t, err)
	assert.False(t, ok)

	frags, err = c.Fragments()
	require.NoError(t, err)
	require.Len(t, frags, 1)
	assert.Equal(t, "/deps/boost.xdb", frags[0].Path)
}

// =============================================================================
// Runs
// =============================================================================

func TestRuns_History(t *testing.T) {
	t.Parallel()
	c := newTestCatalog(t)
	t0 := time.Now().Truncate(time.Second)

	first, err := c.BeginRun(RunRebuild, t0)
	require.NoError(t, err)
	require.NoError(t, c.FinishRun(first, t0.Add(time.Second), 3, 0, nil))

	second, err := c.BeginRun(RunIndex, t0.Add(2*time.Second))
	require.NoError(t, err)
	require.NoError(t, c.FinishRun(second, t0.Add(3*time.Second), 1, 1, errors.New("boom")))

	open, err := c.BeginRun(RunCompact, t0.Add(4*time.Second))
	require.NoError(t, err)

	runs, err := c.Runs(10)
	require.NoError(t, err)
	require.Len(t, runs, 3)

	assert.Equal(t, open, runs[0].ID)
	assert.Nil(t, runs[0].FinishedAt)

	assert.Equal(t, RunIndex, runs[1].Kind)
	assert.Equal(t, 1, runs[1].Errors)
	assert.Equal(t, "boom", runs[1].Error)

	assert.Equal(t, RunRebuild, runs[2].Kind)
	assert.Equal(t, 3, runs[2].Files)
	assert.Empty(t, runs[2].Error)
	require.NotNil(t, runs[2].FinishedAt)

	runs, err = c.Runs(1)
	require.NoError(t, err)
	assert.Len(t, runs, 1)
}
