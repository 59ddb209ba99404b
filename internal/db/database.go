// Package db implements the page-backed record store underneath a fragment.
//
// A Database is a file of fixed-size chunks. Chunk 0 holds the header (magic,
// format version, chunk count, free-list heads and persistent root slots);
// every other chunk holds allocated or free blocks. Records are addressed by
// their byte offset in the file, so the graph built on top of the store is
// relocatable and can be reloaded without pointer fix-ups.
//
// The store performs no locking of its own beyond what is needed to load
// chunks lazily. Callers serialize writers against readers with the lock
// manager in internal/lock.
//
// Accessors never return errors. A bad address or a failed chunk read records
// a sticky fault that callers check with [Database.Err] at the end of an
// operation. A storage fault raised between [Database.Begin] and
// [Database.Rollback] is undone with the writes; any other faulted store must
// be discarded and rebuilt.
package db

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
)

// Address is the byte offset of a record inside a Database. Zero is null.
type Address int64

// Null is the address that denotes "no record".
const Null Address = 0

const (
	// ChunkSize is the unit in which the store is read, written and grown.
	ChunkSize = 4096

	// NumRoots is the number of persistent root slots in the header.
	NumRoots = 16

	magic uint32 = 0x58524442 // "XRDB"

	offMagic      = 0
	offVersion    = 4
	offChunkCount = 8
	offLargeFree  = 16
	offStrings    = 24
	offRoots      = 32
	offFreeHeads  = offRoots + NumRoots*8
)

var (
	ErrCorrupt         = errors.New("db: corrupt record store")
	ErrVersionMismatch = errors.New("db: format version mismatch")
	ErrStorageIO       = errors.New("db: storage i/o failure")
	ErrReadOnly        = errors.New("db: store is read-only")
)

// Options configures Open.
type Options struct {
	// Version is the format version the caller expects. A stored header with
	// a different version makes Open fail with ErrVersionMismatch.
	Version uint32

	// ReadOnly opens an existing store without permitting mutation.
	ReadOnly bool
}

// Database is a chunked record store backed by a file, or by memory when
// opened with an empty path.
type Database struct {
	path     string
	file     *os.File
	readOnly bool
	version  uint32

	mu      sync.Mutex
	chunks  [][]byte
	dirty   []bool
	fault   error
	journal *journal
}

// journal holds the pre-images of chunks changed since Begin.
type journal struct {
	chunks int
	pre    map[int]preImage
}

type preImage struct {
	data  []byte
	dirty bool
}

// Open opens or creates the store at path. An empty path creates an
// in-memory store that is never written to disk.
func Open(path string, opts Options) (*Database, error) {
	d := &Database{path: path, readOnly: opts.ReadOnly, version: opts.Version}
	if path == "" {
		if opts.ReadOnly {
			return nil, fmt.Errorf("db: open: in-memory store cannot be read-only")
		}
		d.initHeader()
		return d, nil
	}

	flag := os.O_RDWR | os.O_CREATE
	if opts.ReadOnly {
		flag = os.O_RDONLY
	}
	f, err := os.OpenFile(path, flag, 0o644)
	if err != nil {
		return nil, fmt.Errorf("db: open %s: %w: %w", path, ErrStorageIO, err)
	}
	d.file = f

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("db: stat %s: %w: %w", path, ErrStorageIO, err)
	}
	if info.Size() == 0 {
		if opts.ReadOnly {
			f.Close()
			return nil, fmt.Errorf("db: open %s: empty store: %w", path, ErrCorrupt)
		}
		d.initHeader()
		return d, nil
	}

	if err := d.loadHeader(info.Size()); err != nil {
		f.Close()
		return nil, fmt.Errorf("db: open %s: %w", path, err)
	}
	return d, nil
}

func (d *Database) initHeader() {
	hdr := make([]byte, ChunkSize)
	binary.LittleEndian.PutUint32(hdr[offMagic:], magic)
	binary.LittleEndian.PutUint32(hdr[offVersion:], d.version)
	binary.LittleEndian.PutUint64(hdr[offChunkCount:], 1)
	d.chunks = [][]byte{hdr}
	d.dirty = []bool{true}
}

func (d *Database) loadHeader(size int64) error {
	hdr := make([]byte, ChunkSize)
	if _, err := d.file.ReadAt(hdr, 0); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("read header: %w: %w", ErrStorageIO, err)
	}
	if binary.LittleEndian.Uint32(hdr[offMagic:]) != magic {
		return fmt.Errorf("bad magic: %w", ErrCorrupt)
	}
	if v := binary.LittleEndian.Uint32(hdr[offVersion:]); v != d.version {
		return fmt.Errorf("stored version %d, expected %d: %w", v, d.version, ErrVersionMismatch)
	}
	count := int64(binary.LittleEndian.Uint64(hdr[offChunkCount:]))
	if count < 1 || count*ChunkSize > size {
		return fmt.Errorf("chunk count %d exceeds file size %d: %w", count, size, ErrCorrupt)
	}
	d.chunks = make([][]byte, count)
	d.dirty = make([]bool, count)
	d.chunks[0] = hdr
	return nil
}

// Path returns the backing file path, or "" for an in-memory store.
func (d *Database) Path() string { return d.path }

// Version returns the format version of the store.
func (d *Database) Version() uint32 { return d.version }

// ReadOnly reports whether the store rejects mutation.
func (d *Database) ReadOnly() bool { return d.readOnly }

// Err returns the first fault recorded by an accessor, if any.
func (d *Database) Err() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.fault
}

func (d *Database) setFault(err error) {
	d.mu.Lock()
	if d.fault == nil {
		d.fault = err
	}
	d.mu.Unlock()
}

// chunk returns chunk i, loading it from disk on first use.
func (d *Database) chunk(i int) []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	if i < 0 || i >= len(d.chunks) {
		if d.fault == nil {
			d.fault = fmt.Errorf("chunk %d out of range (%d chunks): %w", i, len(d.chunks), ErrCorrupt)
		}
		return make([]byte, ChunkSize)
	}
	if c := d.chunks[i]; c != nil {
		return c
	}
	c := make([]byte, ChunkSize)
	if _, err := d.file.ReadAt(c, int64(i)*ChunkSize); err != nil && !errors.Is(err, io.EOF) {
		if d.fault == nil {
			d.fault = fmt.Errorf("read chunk %d: %w: %w", i, ErrStorageIO, err)
		}
		return c
	}
	d.chunks[i] = c
	return c
}

// preserveLocked saves chunk i for Rollback the first time it changes after
// Begin. Chunks that never loaded are skipped; nothing was written to them.
func (d *Database) preserveLocked(i int) {
	j := d.journal
	if j == nil || i >= j.chunks || d.chunks[i] == nil {
		return
	}
	if _, ok := j.pre[i]; ok {
		return
	}
	j.pre[i] = preImage{data: append([]byte(nil), d.chunks[i]...), dirty: d.dirty[i]}
}

// Begin starts recording changes so Rollback can undo them. Begin while a
// journal is open restarts it.
func (d *Database) Begin() {
	d.mu.Lock()
	d.journal = &journal{chunks: len(d.chunks), pre: make(map[int]preImage)}
	d.mu.Unlock()
}

// Commit keeps the changes made since Begin.
func (d *Database) Commit() {
	d.mu.Lock()
	d.journal = nil
	d.mu.Unlock()
}

// Rollback restores every chunk changed since Begin, drops chunks grown
// since then and clears a storage fault. A corruption fault stays.
func (d *Database) Rollback() {
	d.mu.Lock()
	defer d.mu.Unlock()
	j := d.journal
	if j == nil {
		return
	}
	d.journal = nil
	if j.chunks <= len(d.chunks) {
		d.chunks = d.chunks[:j.chunks]
		d.dirty = d.dirty[:j.chunks]
	}
	for i, p := range j.pre {
		if i < len(d.chunks) {
			d.chunks[i] = p.data
			d.dirty[i] = p.dirty
		}
	}
	if errors.Is(d.fault, ErrStorageIO) {
		d.fault = nil
	}
}

func (d *Database) markDirty(i int) {
	d.mu.Lock()
	if i >= 0 && i < len(d.dirty) {
		d.dirty[i] = true
	}
	d.mu.Unlock()
}

func (d *Database) chunkCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.chunks)
}

// grow appends n zeroed chunks and returns the index of the first.
func (d *Database) grow(n int) int {
	d.mu.Lock()
	d.preserveLocked(0)
	first := len(d.chunks)
	for range n {
		d.chunks = append(d.chunks, make([]byte, ChunkSize))
		d.dirty = append(d.dirty, true)
	}
	count := uint64(len(d.chunks))
	binary.LittleEndian.PutUint64(d.chunks[0][offChunkCount:], count)
	d.dirty[0] = true
	d.mu.Unlock()
	return first
}

func (d *Database) read(addr Address, buf []byte) {
	for len(buf) > 0 {
		c := d.chunk(int(addr / ChunkSize))
		n := copy(buf, c[addr%ChunkSize:])
		buf = buf[n:]
		addr += Address(n)
	}
}

func (d *Database) write(addr Address, data []byte) {
	if d.readOnly {
		d.setFault(fmt.Errorf("write at %d: %w", addr, ErrReadOnly))
		return
	}
	for len(data) > 0 {
		i := int(addr / ChunkSize)
		c := d.chunk(i)
		d.mu.Lock()
		if i >= 0 && i < len(d.chunks) {
			d.preserveLocked(i)
		}
		d.mu.Unlock()
		n := copy(c[addr%ChunkSize:], data)
		d.markDirty(i)
		data = data[n:]
		addr += Address(n)
	}
}

// check validates that [addr, addr+n) lies inside the record area or the
// header's root slots.
func (d *Database) check(addr Address, n int) bool {
	if addr >= offRoots && addr+Address(n) <= offFreeHeads {
		return true
	}
	end := Address(d.chunkCount()) * ChunkSize
	if addr < ChunkSize || addr+Address(n) > end {
		d.setFault(fmt.Errorf("access of %d bytes at %d outside [%d, %d): %w", n, addr, ChunkSize, end, ErrCorrupt))
		return false
	}
	return true
}

func (d *Database) GetByte(addr Address) byte {
	var b [1]byte
	if d.check(addr, 1) {
		d.read(addr, b[:])
	}
	return b[0]
}

func (d *Database) PutByte(addr Address, v byte) {
	if d.check(addr, 1) {
		d.write(addr, []byte{v})
	}
}

func (d *Database) GetUint16(addr Address) uint16 {
	var b [2]byte
	if d.check(addr, 2) {
		d.read(addr, b[:])
	}
	return binary.LittleEndian.Uint16(b[:])
}

func (d *Database) PutUint16(addr Address, v uint16) {
	var b [2]byte
	binary.LittleEndian.PutUint16(b[:], v)
	if d.check(addr, 2) {
		d.write(addr, b[:])
	}
}

func (d *Database) GetInt32(addr Address) int32 {
	var b [4]byte
	if d.check(addr, 4) {
		d.read(addr, b[:])
	}
	return int32(binary.LittleEndian.Uint32(b[:]))
}

func (d *Database) PutInt32(addr Address, v int32) {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], uint32(v))
	if d.check(addr, 4) {
		d.write(addr, b[:])
	}
}

func (d *Database) GetInt64(addr Address) int64 {
	var b [8]byte
	if d.check(addr, 8) {
		d.read(addr, b[:])
	}
	return int64(binary.LittleEndian.Uint64(b[:]))
}

func (d *Database) PutInt64(addr Address, v int64) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	if d.check(addr, 8) {
		d.write(addr, b[:])
	}
}

func (d *Database) GetUint64(addr Address) uint64 { return uint64(d.GetInt64(addr)) }

func (d *Database) PutUint64(addr Address, v uint64) { d.PutInt64(addr, int64(v)) }

func (d *Database) GetAddress(addr Address) Address { return Address(d.GetInt64(addr)) }

func (d *Database) PutAddress(addr Address, v Address) { d.PutInt64(addr, int64(v)) }

// GetBytes copies n bytes starting at addr into a new slice.
func (d *Database) GetBytes(addr Address, n int) []byte {
	buf := make([]byte, n)
	if n > 0 && d.check(addr, n) {
		d.read(addr, buf)
	}
	return buf
}

func (d *Database) PutBytes(addr Address, data []byte) {
	if len(data) > 0 && d.check(addr, len(data)) {
		d.write(addr, data)
	}
}

// Root returns persistent root slot i.
func (d *Database) Root(i int) Address {
	if i < 0 || i >= NumRoots {
		return Null
	}
	var b [8]byte
	d.read(Address(offRoots+i*8), b[:])
	return Address(binary.LittleEndian.Uint64(b[:]))
}

// SetRoot stores addr in persistent root slot i.
func (d *Database) SetRoot(i int, addr Address) {
	if i < 0 || i >= NumRoots {
		d.setFault(fmt.Errorf("root slot %d out of range: %w", i, ErrCorrupt))
		return
	}
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(addr))
	d.write(Address(offRoots+i*8), b[:])
}

// RootSlot returns the header address of root slot i, for structures such
// as B-trees that keep their root pointer in a slot.
func RootSlot(i int) Address { return Address(offRoots + i*8) }

// headerAddress reads an address field from the header.
func (d *Database) headerAddress(off int) Address {
	var b [8]byte
	d.read(Address(off), b[:])
	return Address(binary.LittleEndian.Uint64(b[:]))
}

func (d *Database) setHeaderAddress(off int, v Address) {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], uint64(v))
	d.write(Address(off), b[:])
}

// Clear discards every record and resets the store to an empty header.
func (d *Database) Clear() error {
	if d.readOnly {
		return ErrReadOnly
	}
	d.mu.Lock()
	d.fault = nil
	d.journal = nil
	d.mu.Unlock()
	d.initHeader()
	return nil
}

// Flush writes dirty chunks to disk and syncs the file.
func (d *Database) Flush() error {
	if d.file == nil || d.readOnly {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, dirty := range d.dirty {
		if !dirty || d.chunks[i] == nil {
			continue
		}
		if _, err := d.file.WriteAt(d.chunks[i], int64(i)*ChunkSize); err != nil {
			return fmt.Errorf("db: flush chunk %d: %w: %w", i, ErrStorageIO, err)
		}
		d.dirty[i] = false
	}
	if err := d.file.Truncate(int64(len(d.chunks)) * ChunkSize); err != nil {
		return fmt.Errorf("db: truncate: %w: %w", ErrStorageIO, err)
	}
	if err := d.file.Sync(); err != nil {
		return fmt.Errorf("db: sync: %w: %w", ErrStorageIO, err)
	}
	return nil
}

// Close flushes and closes the backing file.
func (d *Database) Close() error {
	if d.file == nil {
		return nil
	}
	err := d.Flush()
	if cerr := d.file.Close(); err == nil && cerr != nil {
		err = fmt.Errorf("db: close: %w: %w", ErrStorageIO, cerr)
	}
	d.file = nil
	return err
}

// Stats describes store usage.
type Stats struct {
	Chunks    int
	Bytes     int64
	FreeBytes int64
}

// Stats walks the free lists and reports store usage.
func (d *Database) Stats() Stats {
	st := Stats{Chunks: d.chunkCount()}
	st.Bytes = int64(st.Chunks) * ChunkSize
	for b := range numBuckets {
		for rec := d.headerAddress(offFreeHeads + b*8); rec != Null; rec = d.GetAddress(rec) {
			st.FreeBytes += int64(d.blockSize(rec))
		}
	}
	for rec := d.headerAddress(offLargeFree); rec != Null; rec = d.GetAddress(rec) {
		st.FreeBytes += int64(d.blockSize(rec))
	}
	return st
}
