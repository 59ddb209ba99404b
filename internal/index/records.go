package index

import (
	"fmt"

	"github.com/jward/xrefdb/internal/db"
)

// Header root slots of a fragment store.
const (
	rootLinkages = 0 // head of the linkage list
	rootFiles    = 1 // file B-tree keyed by location
	rootID       = 2 // interned fragment id
)

// Linkage record.
const (
	lkNext  = 0
	lkLang  = 8
	lkNames = 16 // name B-tree root; entries are binding chain heads
	lkSize  = 24
)

// Binding record.
const (
	bKind      = 0
	bFlags     = 1
	bLang      = 2
	bName      = 8
	bOwner     = 16
	bNext      = 24
	bSig       = 32
	bSigHash   = 40
	bFirstName = 48
	bPayload   = 56
	bLinkage   = 64
	bXFrag     = 72
	bXAddr     = 80
	bChildren  = 88
	bSize      = 96

	flagOrphan   byte = 1 << 0
	flagExternal byte = 1 << 1
)

// Payload record: a fixed part followed by count parameter strings.
const (
	pCount  = 0
	pType   = 8
	pValue  = 16
	pParams = 24
)

// Name (occurrence) record.
const (
	nRoles      = 0
	nFile       = 8
	nBinding    = 16
	nOffset     = 24
	nLength     = 28
	nNextInBind = 32
	nNextInFile = 40
	nSize       = 48
)

// File record.
const (
	fLocation     = 0
	fTimestamp    = 8
	fFirstName    = 16
	fFirstInclude = 24
	fFirstMacro   = 32
	fState        = 40
	fLang         = 41
	fSize         = 48
)

// Include record.
const (
	iNext      = 0
	iTarget    = 8
	iOffset    = 16
	iFlags     = 20
	iDirective = 24
	iSize      = 32

	inclSystem   byte = 1 << 0
	inclResolved byte = 1 << 1
)

// Macro record.
const (
	mNext      = 0
	mName      = 8
	mExpansion = 16
	mOffset    = 24
	mSize      = 32
)

// internOrNull interns s, leaving empty strings as Null.
func internOrNull(d *db.Database, s string) (db.Address, error) {
	if s == "" {
		return db.Null, nil
	}
	return d.InternString([]byte(s))
}

// allocRecord allocates a record of size bytes, wrapping the error with what.
func allocRecord(d *db.Database, size int, what string) (db.Address, error) {
	rec, err := d.Malloc(size)
	if err != nil {
		return db.Null, fmt.Errorf("index: allocate %s: %w", what, err)
	}
	return rec, nil
}

// writePayload stores the payload of desc in a new record.
func writePayload(d *db.Database, desc BindingDesc) (db.Address, error) {
	if desc.Type == "" && len(desc.Params) == 0 && desc.Value == 0 {
		return db.Null, nil
	}
	rec, err := allocRecord(d, pParams+8*len(desc.Params), "payload")
	if err != nil {
		return db.Null, err
	}
	typ, err := internOrNull(d, normalizeType(desc.Type))
	if err != nil {
		return db.Null, err
	}
	d.PutInt32(rec+pCount, int32(len(desc.Params)))
	d.PutAddress(rec+pType, typ)
	d.PutInt64(rec+pValue, desc.Value)
	for i, p := range desc.Params {
		s, err := internOrNull(d, normalizeType(p))
		if err != nil {
			return db.Null, err
		}
		d.PutAddress(rec+pParams+db.Address(8*i), s)
	}
	return rec, d.Err()
}

func readPayload(d *db.Database, rec db.Address) Payload {
	var p Payload
	if rec == db.Null {
		return p
	}
	p.Type = d.String(d.GetAddress(rec + pType))
	p.Value = d.GetInt64(rec + pValue)
	n := int(d.GetInt32(rec + pCount))
	if n > 0 {
		p.Params = make([]string, n)
		for i := range n {
			p.Params[i] = d.String(d.GetAddress(rec + pParams + db.Address(8*i)))
		}
	}
	return p
}

func freePayload(d *db.Database, rec db.Address) error {
	if rec == db.Null {
		return nil
	}
	if err := d.ReleaseString(d.GetAddress(rec + pType)); err != nil {
		return err
	}
	n := int(d.GetInt32(rec + pCount))
	for i := range n {
		if err := d.ReleaseString(d.GetAddress(rec + pParams + db.Address(8*i))); err != nil {
			return err
		}
	}
	return d.Free(rec)
}
