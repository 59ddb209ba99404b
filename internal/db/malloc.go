package db

import (
	"encoding/binary"
	"fmt"
)

const (
	blockUnit       = 16
	blockHeaderSize = 8
	numBuckets      = ChunkSize / blockUnit

	tagUsed uint16 = 0x5EED
	tagFree uint16 = 0xF4EE
)

// blockSizeFor rounds a record size plus its block header up to the block unit.
func blockSizeFor(size int) int {
	return (size + blockHeaderSize + blockUnit - 1) / blockUnit * blockUnit
}

func (d *Database) blockSize(rec Address) int {
	var b [4]byte
	if d.check(rec-blockHeaderSize, 4) {
		d.read(rec-blockHeaderSize, b[:])
	}
	return int(binary.LittleEndian.Uint32(b[:]))
}

func (d *Database) blockTag(rec Address) uint16 {
	var b [2]byte
	if d.check(rec-blockHeaderSize+4, 2) {
		d.read(rec-blockHeaderSize+4, b[:])
	}
	return binary.LittleEndian.Uint16(b[:])
}

func (d *Database) setBlock(rec Address, size int, tag uint16) {
	var b [blockHeaderSize]byte
	binary.LittleEndian.PutUint32(b[0:], uint32(size))
	binary.LittleEndian.PutUint16(b[4:], tag)
	d.write(rec-blockHeaderSize, b[:])
}

// RecordSize returns the usable size of the record at rec.
func (d *Database) RecordSize(rec Address) int {
	return d.blockSize(rec) - blockHeaderSize
}

// Malloc allocates a zeroed record of at least size bytes. Freed blocks of
// the exact size class are reused first, then larger free blocks (split when
// the remainder is usable), and only then is the store grown.
func (d *Database) Malloc(size int) (Address, error) {
	if d.readOnly {
		return Null, ErrReadOnly
	}
	if size <= 0 {
		return Null, fmt.Errorf("db: malloc %d bytes: invalid size", size)
	}
	need := blockSizeFor(size)

	var (
		rec Address
		err error
	)
	if need > ChunkSize {
		rec, err = d.mallocLarge(need)
	} else {
		rec, err = d.mallocSmall(need)
	}
	if err != nil {
		return Null, err
	}
	d.write(rec, make([]byte, d.blockSize(rec)-blockHeaderSize))
	if err := d.Err(); err != nil {
		return Null, err
	}
	return rec, nil
}

func (d *Database) mallocSmall(need int) (Address, error) {
	for b := need/blockUnit - 1; b < numBuckets; b++ {
		head := d.headerAddress(offFreeHeads + b*8)
		if head == Null {
			continue
		}
		if err := d.popFree(b, head); err != nil {
			return Null, err
		}
		have := (b + 1) * blockUnit
		if rem := have - need; rem >= blockUnit {
			d.setBlock(head, need, tagUsed)
			d.pushFree(head+Address(need), rem)
		} else {
			d.setBlock(head, have, tagUsed)
		}
		return head, nil
	}

	first := d.grow(1)
	rec := Address(first)*ChunkSize + blockHeaderSize
	d.setBlock(rec, need, tagUsed)
	if rem := ChunkSize - need; rem >= blockUnit {
		d.pushFree(rec+Address(need), rem)
	}
	return rec, nil
}

func (d *Database) mallocLarge(need int) (Address, error) {
	n := (need + ChunkSize - 1) / ChunkSize
	want := n * ChunkSize

	prev := Null
	for rec := d.headerAddress(offLargeFree); rec != Null; {
		if d.blockTag(rec) != tagFree {
			err := fmt.Errorf("db: large free block at %d has bad tag: %w", rec, ErrCorrupt)
			d.setFault(err)
			return Null, err
		}
		next := d.GetAddress(rec)
		if size := d.blockSize(rec); size >= want {
			if prev == Null {
				d.setHeaderAddress(offLargeFree, next)
			} else {
				d.PutAddress(prev, next)
			}
			d.setBlock(rec, size, tagUsed)
			return rec, nil
		}
		prev, rec = rec, next
	}

	first := d.grow(n)
	rec := Address(first)*ChunkSize + blockHeaderSize
	d.setBlock(rec, want, tagUsed)
	return rec, nil
}

func (d *Database) pushFree(rec Address, size int) {
	off := offFreeHeads + (size/blockUnit-1)*8
	d.setBlock(rec, size, tagFree)
	d.PutAddress(rec, d.headerAddress(off))
	d.setHeaderAddress(off, rec)
}

func (d *Database) popFree(bucket int, rec Address) error {
	if d.blockTag(rec) != tagFree || d.blockSize(rec) != (bucket+1)*blockUnit {
		err := fmt.Errorf("db: free-list entry %d in bucket %d failed sanity check: %w", rec, bucket, ErrCorrupt)
		d.setFault(err)
		return err
	}
	d.setHeaderAddress(offFreeHeads+bucket*8, d.GetAddress(rec))
	return nil
}

// Free returns the record at rec to the free lists. Freeing Null is a no-op;
// freeing anything that is not a live block is reported as corruption.
func (d *Database) Free(rec Address) error {
	if d.readOnly {
		return ErrReadOnly
	}
	if rec == Null {
		return nil
	}
	if !d.check(rec-blockHeaderSize, blockHeaderSize) {
		return d.Err()
	}
	if d.blockTag(rec) != tagUsed {
		err := fmt.Errorf("db: free of %d: block not in use: %w", rec, ErrCorrupt)
		d.setFault(err)
		return err
	}
	size := d.blockSize(rec)
	switch {
	case size > ChunkSize && size%ChunkSize == 0:
		d.setBlock(rec, size, tagFree)
		d.PutAddress(rec, d.headerAddress(offLargeFree))
		d.setHeaderAddress(offLargeFree, rec)
	case size >= blockUnit && size <= ChunkSize && size%blockUnit == 0:
		d.pushFree(rec, size)
	default:
		err := fmt.Errorf("db: free of %d: invalid block size %d: %w", rec, size, ErrCorrupt)
		d.setFault(err)
		return err
	}
	return d.Err()
}

// CheckFreeLists walks every free list and verifies that each entry lies in
// the store, carries the free tag and has the size its list promises. A
// failure is recorded as a fault and returned.
func (d *Database) CheckFreeLists() error {
	limit := d.chunkCount() * ChunkSize / blockUnit
	walk := func(head Address, valid func(size int) bool, what string) error {
		steps := 0
		for rec := head; rec != Null; rec = d.GetAddress(rec) {
			if steps++; steps > limit {
				return fmt.Errorf("db: %s free list does not terminate: %w", what, ErrCorrupt)
			}
			if !d.check(rec-blockHeaderSize, blockHeaderSize+8) {
				return d.Err()
			}
			if d.blockTag(rec) != tagFree || !valid(d.blockSize(rec)) {
				return fmt.Errorf("db: %s free-list entry %d failed sanity check: %w", what, rec, ErrCorrupt)
			}
		}
		return nil
	}
	for b := range numBuckets {
		want := (b + 1) * blockUnit
		err := walk(d.headerAddress(offFreeHeads+b*8), func(size int) bool { return size == want }, fmt.Sprintf("bucket %d", b))
		if err != nil {
			d.setFault(err)
			return err
		}
	}
	large := func(size int) bool { return size > ChunkSize && size%ChunkSize == 0 }
	if err := walk(d.headerAddress(offLargeFree), large, "large"); err != nil {
		d.setFault(err)
		return err
	}
	return d.Err()
}
