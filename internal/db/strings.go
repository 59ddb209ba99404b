package db

import (
	"bytes"
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// The interned string table is a chained hash table whose bucket array is a
// record referenced from the header. Each string record is laid out as
//
//	next  Address  (bucket chain)
//	hash  uint64
//	refs  int32
//	len   int32
//	bytes [len]byte
const (
	stringBuckets = 256

	strNext   = 0
	strHash   = 8
	strRefs   = 16
	strLen    = 20
	strHeader = 24
)

func (d *Database) stringTable() (Address, error) {
	table := d.headerAddress(offStrings)
	if table != Null || d.readOnly {
		return table, nil
	}
	table, err := d.Malloc(stringBuckets * 8)
	if err != nil {
		return Null, fmt.Errorf("db: allocate string table: %w", err)
	}
	d.setHeaderAddress(offStrings, table)
	return table, nil
}

// InternString returns the record holding b, creating it on first use. Every
// call takes a reference that must be returned with ReleaseString.
func (d *Database) InternString(b []byte) (Address, error) {
	if d.readOnly {
		return Null, ErrReadOnly
	}
	table, err := d.stringTable()
	if err != nil {
		return Null, err
	}
	h := xxhash.Sum64(b)
	slot := table + Address(h%stringBuckets)*8

	for rec := d.GetAddress(slot); rec != Null; rec = d.GetAddress(rec + strNext) {
		if d.GetUint64(rec+strHash) != h || int(d.GetInt32(rec+strLen)) != len(b) {
			continue
		}
		if bytes.Equal(d.GetBytes(rec+strHeader, len(b)), b) {
			d.PutInt32(rec+strRefs, d.GetInt32(rec+strRefs)+1)
			return rec, d.Err()
		}
	}

	rec, err := d.Malloc(strHeader + len(b))
	if err != nil {
		return Null, fmt.Errorf("db: intern string: %w", err)
	}
	d.PutUint64(rec+strHash, h)
	d.PutInt32(rec+strRefs, 1)
	d.PutInt32(rec+strLen, int32(len(b)))
	d.PutBytes(rec+strHeader, b)
	d.PutAddress(rec+strNext, d.GetAddress(slot))
	d.PutAddress(slot, rec)
	return rec, d.Err()
}

// LookupString returns the record holding b without taking a reference, or
// Null when b was never interned. It works on read-only stores.
func (d *Database) LookupString(b []byte) Address {
	table := d.headerAddress(offStrings)
	if table == Null {
		return Null
	}
	h := xxhash.Sum64(b)
	for rec := d.GetAddress(table + Address(h%stringBuckets)*8); rec != Null; rec = d.GetAddress(rec + strNext) {
		if d.GetUint64(rec+strHash) == h && int(d.GetInt32(rec+strLen)) == len(b) &&
			bytes.Equal(d.GetBytes(rec+strHeader, len(b)), b) {
			return rec
		}
	}
	return Null
}

// StringBytes returns the contents of an interned string. Null yields nil.
func (d *Database) StringBytes(rec Address) []byte {
	if rec == Null {
		return nil
	}
	return d.GetBytes(rec+strHeader, int(d.GetInt32(rec+strLen)))
}

// String is StringBytes as a string.
func (d *Database) String(rec Address) string {
	return string(d.StringBytes(rec))
}

// StringHash returns the stored xxhash of an interned string.
func (d *Database) StringHash(rec Address) uint64 {
	if rec == Null {
		return 0
	}
	return d.GetUint64(rec + strHash)
}

// StringRefs returns the reference count of an interned string.
func (d *Database) StringRefs(rec Address) int {
	if rec == Null {
		return 0
	}
	return int(d.GetInt32(rec + strRefs))
}

// ReleaseString drops one reference and frees the record at zero.
func (d *Database) ReleaseString(rec Address) error {
	if rec == Null {
		return nil
	}
	if d.readOnly {
		return ErrReadOnly
	}
	refs := d.GetInt32(rec+strRefs) - 1
	if refs > 0 {
		d.PutInt32(rec+strRefs, refs)
		return d.Err()
	}
	if refs < 0 {
		err := fmt.Errorf("db: release of string %d with no references: %w", rec, ErrCorrupt)
		d.setFault(err)
		return err
	}

	table := d.headerAddress(offStrings)
	slot := table + Address(d.GetUint64(rec+strHash)%stringBuckets)*8
	prev := Null
	for cur := d.GetAddress(slot); cur != Null; prev, cur = cur, d.GetAddress(cur+strNext) {
		if cur != rec {
			continue
		}
		next := d.GetAddress(cur + strNext)
		if prev == Null {
			d.PutAddress(slot, next)
		} else {
			d.PutAddress(prev+strNext, next)
		}
		return d.Free(rec)
	}
	err := fmt.Errorf("db: string %d not found in table: %w", rec, ErrCorrupt)
	d.setFault(err)
	return err
}
