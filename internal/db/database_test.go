package db

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testVersion = 7

func newTestDB(t *testing.T) (*Database, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.idx")
	d, err := Open(path, Options{Version: testVersion})
	require.NoError(t, err)
	t.Cleanup(func() { d.Close() })
	return d, path
}

// =============================================================================
// Open / header
// =============================================================================

func TestOpen_CreatesHeader(t *testing.T) {
	t.Parallel()
	d, path := newTestDB(t)
	require.NoError(t, d.Flush())

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(ChunkSize), info.Size())
	assert.Equal(t, uint32(testVersion), d.Version())
}

func TestOpen_VersionMismatch(t *testing.T) {
	t.Parallel()
	d, path := newTestDB(t)
	require.NoError(t, d.Close())

	_, err := Open(path, Options{Version: testVersion + 1})
	require.ErrorIs(t, err, ErrVersionMismatch)
}

func TestOpen_BadMagicIsCorrupt(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "junk.idx")
	require.NoError(t, os.WriteFile(path, make([]byte, ChunkSize), 0o644))

	_, err := Open(path, Options{Version: testVersion})
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestOpen_ReadOnlyRejectsMutation(t *testing.T) {
	t.Parallel()
	d, path := newTestDB(t)
	_, err := d.Malloc(32)
	require.NoError(t, err)
	require.NoError(t, d.Close())

	ro, err := Open(path, Options{Version: testVersion, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Malloc(32)
	require.ErrorIs(t, err, ErrReadOnly)
	_, err = ro.InternString([]byte("x"))
	require.ErrorIs(t, err, ErrReadOnly)
}

func TestOpen_InMemory(t *testing.T) {
	t.Parallel()
	d, err := Open("", Options{Version: 1})
	require.NoError(t, err)
	rec, err := d.Malloc(16)
	require.NoError(t, err)
	d.PutInt64(rec, 42)
	assert.Equal(t, int64(42), d.GetInt64(rec))
	require.NoError(t, d.Close())
}

// =============================================================================
// Allocation
// =============================================================================

func TestMalloc_ReusesFreedBlock(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)

	a, err := d.Malloc(40)
	require.NoError(t, err)
	require.NoError(t, d.Free(a))

	b, err := d.Malloc(40)
	require.NoError(t, err)
	assert.Equal(t, a, b, "same size class should reuse the freed block")
}

func TestMalloc_ZeroesReusedRecord(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)

	a, err := d.Malloc(16)
	require.NoError(t, err)
	d.PutInt64(a, -1)
	d.PutInt64(a+8, -1)
	require.NoError(t, d.Free(a))

	b, err := d.Malloc(16)
	require.NoError(t, err)
	require.Equal(t, a, b)
	assert.Zero(t, d.GetInt64(b+8))
}

func TestMalloc_SplitsLargerFreeBlock(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)

	big, err := d.Malloc(500)
	require.NoError(t, err)
	require.NoError(t, d.Free(big))

	small, err := d.Malloc(8)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, d.RecordSize(small), 8)
	assert.Less(t, d.RecordSize(small), 500)
}

func TestMalloc_GrowsByChunk(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)
	before := d.Stats().Chunks

	for range 100 {
		_, err := d.Malloc(200)
		require.NoError(t, err)
	}
	assert.Greater(t, d.Stats().Chunks, before)
}

func TestMalloc_LargeRecordSpansChunks(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)

	data := make([]byte, 3*ChunkSize)
	for i := range data {
		data[i] = byte(i % 251)
	}
	rec, err := d.Malloc(len(data))
	require.NoError(t, err)
	d.PutBytes(rec, data)
	assert.Equal(t, data, d.GetBytes(rec, len(data)))

	require.NoError(t, d.Free(rec))
	again, err := d.Malloc(2 * ChunkSize)
	require.NoError(t, err)
	assert.Equal(t, rec, again, "large free list should be reused first-fit")
}

func TestFree_DoubleFreeIsCorrupt(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)

	rec, err := d.Malloc(24)
	require.NoError(t, err)
	require.NoError(t, d.Free(rec))
	require.ErrorIs(t, d.Free(rec), ErrCorrupt)
	require.ErrorIs(t, d.Err(), ErrCorrupt)
}

func TestMalloc_CorruptFreeListIsFatal(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)

	rec, err := d.Malloc(24)
	require.NoError(t, err)
	require.NoError(t, d.Free(rec))
	// Stomp the block tag of the freed block.
	d.PutUint16(rec-blockHeaderSize+4, 0)

	_, err = d.Malloc(24)
	require.ErrorIs(t, err, ErrCorrupt)
}

func TestCheckFreeLists(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)

	small, err := d.Malloc(24)
	require.NoError(t, err)
	large, err := d.Malloc(2 * ChunkSize)
	require.NoError(t, err)
	_, err = d.Malloc(24)
	require.NoError(t, err)
	require.NoError(t, d.Free(small))
	require.NoError(t, d.Free(large))
	require.NoError(t, d.CheckFreeLists())

	d.PutUint16(small-blockHeaderSize+4, tagUsed)
	require.ErrorIs(t, d.CheckFreeLists(), ErrCorrupt)
	require.ErrorIs(t, d.Err(), ErrCorrupt)
}

func TestCheckFreeLists_Cycle(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)

	rec, err := d.Malloc(24)
	require.NoError(t, err)
	require.NoError(t, d.Free(rec))
	d.PutAddress(rec, rec)

	require.ErrorIs(t, d.CheckFreeLists(), ErrCorrupt)
}

func TestAccess_NullIsCorrupt(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)
	_ = d.GetInt32(Null)
	require.ErrorIs(t, d.Err(), ErrCorrupt)
}

// =============================================================================
// Persistence
// =============================================================================

func TestFlush_ReloadsRecordsAndRoots(t *testing.T) {
	t.Parallel()
	d, path := newTestDB(t)

	rec, err := d.Malloc(64)
	require.NoError(t, err)
	d.PutInt32(rec, 1234)
	d.PutBytes(rec+8, []byte("payload"))
	d.SetRoot(3, rec)
	require.NoError(t, d.Close())

	re, err := Open(path, Options{Version: testVersion})
	require.NoError(t, err)
	defer re.Close()

	got := re.Root(3)
	require.Equal(t, rec, got)
	assert.Equal(t, int32(1234), re.GetInt32(got))
	assert.Equal(t, []byte("payload"), re.GetBytes(got+8, 7))
	require.NoError(t, re.Err())
}

func TestClear_ResetsStore(t *testing.T) {
	t.Parallel()
	d, path := newTestDB(t)
	for range 50 {
		_, err := d.Malloc(300)
		require.NoError(t, err)
	}
	d.SetRoot(0, ChunkSize+8)
	require.NoError(t, d.Clear())
	require.NoError(t, d.Flush())

	assert.Equal(t, Null, d.Root(0))
	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(ChunkSize), info.Size())
}

func TestRollback_UndoesWritesAndGrowth(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)
	keep, err := d.Malloc(32)
	require.NoError(t, err)
	d.PutInt32(keep, 1)
	before := d.Stats()

	d.Begin()
	d.PutInt32(keep, 2)
	_, err = d.Malloc(3 * ChunkSize)
	require.NoError(t, err)
	d.Rollback()

	assert.Equal(t, int32(1), d.GetInt32(keep))
	assert.Equal(t, before, d.Stats())
	require.NoError(t, d.CheckFreeLists())
}

func TestRollback_ClearsStorageFault(t *testing.T) {
	t.Parallel()
	d, path := newTestDB(t)
	var recs []Address
	for range 3 {
		rec, err := d.Malloc(ChunkSize - 64)
		require.NoError(t, err)
		d.PutInt32(rec, int32(len(recs)+1))
		recs = append(recs, rec)
	}
	d.SetRoot(0, recs[2])
	require.NoError(t, d.Close())

	re, err := Open(path, Options{Version: testVersion})
	require.NoError(t, err)
	defer re.Close()
	assert.Equal(t, int32(1), re.GetInt32(recs[0]))

	// Chunks not yet loaded now fail to read.
	file := re.file
	require.NoError(t, file.Close())

	re.Begin()
	re.PutInt32(recs[0], 10)
	_ = re.GetInt32(recs[2])
	require.ErrorIs(t, re.Err(), ErrStorageIO)
	re.Rollback()
	require.NoError(t, re.Err())
	assert.Equal(t, int32(1), re.GetInt32(recs[0]))

	re.file, err = os.OpenFile(path, os.O_RDWR, 0o644)
	require.NoError(t, err)
	re.Begin()
	assert.Equal(t, int32(3), re.GetInt32(re.Root(0)))
	re.Commit()
	require.NoError(t, re.Err())
}

func TestRollback_KeepsCorruption(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)
	d.Begin()
	_ = d.GetInt32(Null)
	d.Rollback()
	require.ErrorIs(t, d.Err(), ErrCorrupt)
}

// =============================================================================
// Interned strings
// =============================================================================

func TestInternString_SharesRecords(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)

	a, err := d.InternString([]byte("foo"))
	require.NoError(t, err)
	b, err := d.InternString([]byte("foo"))
	require.NoError(t, err)
	c, err := d.InternString([]byte("bar"))
	require.NoError(t, err)

	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
	assert.Equal(t, 2, d.StringRefs(a))
	assert.Equal(t, "foo", d.String(a))
	assert.Equal(t, a, d.LookupString([]byte("foo")))
}

func TestReleaseString_FreesAtZero(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)

	a, err := d.InternString([]byte("transient"))
	require.NoError(t, err)
	_, err = d.InternString([]byte("transient"))
	require.NoError(t, err)

	require.NoError(t, d.ReleaseString(a))
	assert.Equal(t, a, d.LookupString([]byte("transient")))
	require.NoError(t, d.ReleaseString(a))
	assert.Equal(t, Null, d.LookupString([]byte("transient")))
}

func TestInternString_Empty(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)
	a, err := d.InternString(nil)
	require.NoError(t, err)
	assert.Empty(t, d.StringBytes(a))
	assert.NotEqual(t, Null, a)
}

func TestRootSlot_AccessibleThroughAccessors(t *testing.T) {
	t.Parallel()
	d, _ := newTestDB(t)
	d.PutAddress(RootSlot(2), 8192)
	assert.Equal(t, Address(8192), d.Root(2))
	require.NoError(t, d.Err())
}
