// Package btree implements a balanced multi-way tree of record addresses
// stored inside a db.Database.
//
// The tree does not own the records it indexes. Each entry is the address of
// a caller record, and ordering comes from a KeyFunc that extracts the key
// bytes of a record. Equal keys are stored once: callers that need several
// records under one key chain them from the stored record.
//
// Lookups take a comparator per call, so one tree serves exact, prefix and
// open-ended range walks.
package btree

import (
	"bytes"
	"fmt"

	"github.com/jward/xrefdb/internal/db"
)

// Degree is the minimum degree of the tree. Every node other than the root
// holds between Degree-1 and 2*Degree-1 keys.
const Degree = 8

const (
	maxKeys     = 2*Degree - 1
	maxChildren = 2 * Degree

	offCount    = 0
	offLeaf     = 4
	offKeys     = 8
	offChildren = offKeys + maxKeys*8
	nodeSize    = offChildren + maxChildren*8
)

// KeyFunc returns the ordering key of a record.
type KeyFunc func(rec db.Address) ([]byte, error)

// Comparator reports the sign of (record - target): negative when rec sorts
// before the target, zero on a match, positive after.
type Comparator func(rec db.Address) (int, error)

// Action tells Visit how to proceed after a record.
type Action int

const (
	// Continue moves on to the next record in order.
	Continue Action = iota
	// SkipSubtree abandons the remaining records of the current node and
	// resumes with the parent.
	SkipSubtree
	// Stop ends the walk.
	Stop
)

// Visitor drives Visit. Compare restricts the walk to records that compare
// as zero. Visit may remove the record it is given.
type Visitor interface {
	Compare(rec db.Address) (int, error)
	Visit(rec db.Address) (Action, error)
}

type funcVisitor struct {
	cmp   Comparator
	visit func(db.Address) (Action, error)
}

func (v funcVisitor) Compare(rec db.Address) (int, error) {
	if v.cmp == nil {
		return 0, nil
	}
	return v.cmp(rec)
}

func (v funcVisitor) Visit(rec db.Address) (Action, error) { return v.visit(rec) }

// NewVisitor builds a Visitor from functions. A nil cmp visits every record.
func NewVisitor(cmp Comparator, visit func(db.Address) (Action, error)) Visitor {
	return funcVisitor{cmp: cmp, visit: visit}
}

// Tree is a handle on a tree whose root pointer lives at a fixed address.
// Handles are cheap; any number may refer to the same tree.
type Tree struct {
	d    *db.Database
	slot db.Address
	key  KeyFunc
}

// New returns a handle on the tree whose root address is stored at slot.
// A Null root is an empty tree.
func New(d *db.Database, slot db.Address, key KeyFunc) *Tree {
	return &Tree{d: d, slot: slot, key: key}
}

type node struct {
	addr     db.Address
	n        int
	leaf     bool
	keys     [maxKeys]db.Address
	children [maxChildren]db.Address
}

func (t *Tree) root() db.Address { return t.d.GetAddress(t.slot) }

func (t *Tree) setRoot(addr db.Address) { t.d.PutAddress(t.slot, addr) }

func (t *Tree) load(addr db.Address) (*node, error) {
	n := &node{addr: addr}
	n.n = int(t.d.GetInt32(addr + offCount))
	n.leaf = t.d.GetByte(addr+offLeaf) == 1
	for i := range maxKeys {
		n.keys[i] = t.d.GetAddress(addr + offKeys + db.Address(i*8))
	}
	for i := range maxChildren {
		n.children[i] = t.d.GetAddress(addr + offChildren + db.Address(i*8))
	}
	if err := t.d.Err(); err != nil {
		return nil, err
	}
	if n.n < 0 || n.n > maxKeys {
		return nil, fmt.Errorf("btree: node %d has %d keys: %w", addr, n.n, db.ErrCorrupt)
	}
	return n, nil
}

func (t *Tree) store(n *node) {
	t.d.PutInt32(n.addr+offCount, int32(n.n))
	var leaf byte
	if n.leaf {
		leaf = 1
	}
	t.d.PutByte(n.addr+offLeaf, leaf)
	for i := range maxKeys {
		t.d.PutAddress(n.addr+offKeys+db.Address(i*8), n.keys[i])
	}
	for i := range maxChildren {
		t.d.PutAddress(n.addr+offChildren+db.Address(i*8), n.children[i])
	}
}

func (t *Tree) alloc(leaf bool) (*node, error) {
	addr, err := t.d.Malloc(nodeSize)
	if err != nil {
		return nil, fmt.Errorf("btree: allocate node: %w", err)
	}
	return &node{addr: addr, leaf: leaf}, nil
}

// search returns the first index in n whose key compares >= 0 under cmp, and
// whether that key compared equal.
func (t *Tree) search(n *node, cmp Comparator) (int, bool, error) {
	lo, hi := 0, n.n
	for lo < hi {
		mid := (lo + hi) / 2
		c, err := cmp(n.keys[mid])
		if err != nil {
			return 0, false, err
		}
		if c < 0 {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	if lo < n.n {
		c, err := cmp(n.keys[lo])
		if err != nil {
			return 0, false, err
		}
		return lo, c == 0, nil
	}
	return lo, false, nil
}

func (t *Tree) keyComparator(key []byte) Comparator {
	return func(rec db.Address) (int, error) {
		k, err := t.key(rec)
		if err != nil {
			return 0, err
		}
		return bytes.Compare(k, key), nil
	}
}

// Find returns a record comparing equal under cmp, or Null.
func (t *Tree) Find(cmp Comparator) (db.Address, error) {
	addr := t.root()
	for addr != db.Null {
		n, err := t.load(addr)
		if err != nil {
			return db.Null, err
		}
		i, eq, err := t.search(n, cmp)
		if err != nil {
			return db.Null, err
		}
		if eq {
			return n.keys[i], nil
		}
		if n.leaf {
			break
		}
		addr = n.children[i]
	}
	return db.Null, t.d.Err()
}

// Insert adds rec to the tree. When a record with an equal key is already
// present the tree is unchanged and that record is returned; otherwise rec is
// returned.
func (t *Tree) Insert(rec db.Address) (db.Address, error) {
	key, err := t.key(rec)
	if err != nil {
		return db.Null, err
	}
	cmp := t.keyComparator(key)
	existing, err := t.Find(cmp)
	if err != nil || existing != db.Null {
		return existing, err
	}

	rootAddr := t.root()
	if rootAddr == db.Null {
		r, err := t.alloc(true)
		if err != nil {
			return db.Null, err
		}
		r.n = 1
		r.keys[0] = rec
		t.store(r)
		t.setRoot(r.addr)
		return rec, t.d.Err()
	}

	r, err := t.load(rootAddr)
	if err != nil {
		return db.Null, err
	}
	if r.n == maxKeys {
		s, err := t.alloc(false)
		if err != nil {
			return db.Null, err
		}
		s.children[0] = r.addr
		if err := t.split(s, 0, r); err != nil {
			return db.Null, err
		}
		t.setRoot(s.addr)
		r = s
	}
	if err := t.insertNonFull(r, rec, cmp); err != nil {
		return db.Null, err
	}
	return rec, t.d.Err()
}

// split moves the upper half of the full child y = parent.children[i] into a
// new sibling and lifts the median into parent.
func (t *Tree) split(parent *node, i int, y *node) error {
	z, err := t.alloc(y.leaf)
	if err != nil {
		return err
	}
	z.n = Degree - 1
	copy(z.keys[:], y.keys[Degree:])
	if !y.leaf {
		copy(z.children[:], y.children[Degree:])
	}
	median := y.keys[Degree-1]
	for j := Degree - 1; j < maxKeys; j++ {
		y.keys[j] = db.Null
	}
	for j := Degree; j < maxChildren; j++ {
		y.children[j] = db.Null
	}
	y.n = Degree - 1

	copy(parent.children[i+2:parent.n+2], parent.children[i+1:parent.n+1])
	parent.children[i+1] = z.addr
	copy(parent.keys[i+1:parent.n+1], parent.keys[i:parent.n])
	parent.keys[i] = median
	parent.n++

	t.store(y)
	t.store(z)
	t.store(parent)
	return nil
}

func (t *Tree) insertNonFull(x *node, rec db.Address, cmp Comparator) error {
	for {
		i, _, err := t.search(x, cmp)
		if err != nil {
			return err
		}
		if x.leaf {
			copy(x.keys[i+1:x.n+1], x.keys[i:x.n])
			x.keys[i] = rec
			x.n++
			t.store(x)
			return nil
		}
		c, err := t.load(x.children[i])
		if err != nil {
			return err
		}
		if c.n == maxKeys {
			if err := t.split(x, i, c); err != nil {
				return err
			}
			s, err := cmp(x.keys[i])
			if err != nil {
				return err
			}
			if s < 0 {
				i++
			}
			if c, err = t.load(x.children[i]); err != nil {
				return err
			}
		}
		x = c
	}
}

// Remove deletes rec from the tree. It reports false when rec is not the
// record stored under its key.
func (t *Tree) Remove(rec db.Address) (bool, error) {
	key, err := t.key(rec)
	if err != nil {
		return false, err
	}
	found, err := t.Find(t.keyComparator(key))
	if err != nil || found != rec {
		return false, err
	}

	r, err := t.load(t.root())
	if err != nil {
		return false, err
	}
	if err := t.remove(r, key); err != nil {
		return false, err
	}

	if r, err = t.load(r.addr); err != nil {
		return false, err
	}
	if r.n == 0 {
		next := db.Null
		if !r.leaf {
			next = r.children[0]
		}
		t.setRoot(next)
		if err := t.d.Free(r.addr); err != nil {
			return false, err
		}
	}
	return true, t.d.Err()
}

// remove deletes key from the subtree rooted at x. Every node it descends
// into holds at least Degree keys, so a single pass suffices.
func (t *Tree) remove(x *node, key []byte) error {
	cmp := t.keyComparator(key)
	for {
		i, eq, err := t.search(x, cmp)
		if err != nil {
			return err
		}

		if eq && x.leaf {
			copy(x.keys[i:], x.keys[i+1:x.n])
			x.n--
			x.keys[x.n] = db.Null
			t.store(x)
			return nil
		}

		if eq {
			y, err := t.load(x.children[i])
			if err != nil {
				return err
			}
			if y.n >= Degree {
				pred, err := t.edge(y, false)
				if err != nil {
					return err
				}
				x.keys[i] = pred
				t.store(x)
				if key, err = t.key(pred); err != nil {
					return err
				}
				cmp = t.keyComparator(key)
				x = y
				continue
			}
			z, err := t.load(x.children[i+1])
			if err != nil {
				return err
			}
			if z.n >= Degree {
				succ, err := t.edge(z, true)
				if err != nil {
					return err
				}
				x.keys[i] = succ
				t.store(x)
				if key, err = t.key(succ); err != nil {
					return err
				}
				cmp = t.keyComparator(key)
				x = z
				continue
			}
			if err := t.merge(x, i, y, z); err != nil {
				return err
			}
			x = y
			continue
		}

		if x.leaf {
			return fmt.Errorf("btree: key vanished during remove: %w", db.ErrCorrupt)
		}
		c, err := t.load(x.children[i])
		if err != nil {
			return err
		}
		if c.n < Degree {
			if c, err = t.fill(x, i, c); err != nil {
				return err
			}
		}
		x = c
	}
}

// edge returns the smallest (first) or largest record in the subtree at n.
func (t *Tree) edge(n *node, first bool) (db.Address, error) {
	for !n.leaf {
		next := n.children[n.n]
		if first {
			next = n.children[0]
		}
		var err error
		if n, err = t.load(next); err != nil {
			return db.Null, err
		}
	}
	if first {
		return n.keys[0], nil
	}
	return n.keys[n.n-1], nil
}

// merge folds x.keys[i] and the right child z into the left child y.
func (t *Tree) merge(x *node, i int, y, z *node) error {
	y.keys[y.n] = x.keys[i]
	copy(y.keys[y.n+1:], z.keys[:z.n])
	if !y.leaf {
		copy(y.children[y.n+1:], z.children[:z.n+1])
	}
	y.n += z.n + 1

	copy(x.keys[i:], x.keys[i+1:x.n])
	copy(x.children[i+1:], x.children[i+2:x.n+1])
	x.n--
	x.keys[x.n] = db.Null
	x.children[x.n+1] = db.Null

	t.store(y)
	t.store(x)
	return t.d.Free(z.addr)
}

// fill brings the child c = x.children[i] up to at least Degree keys by
// borrowing from a sibling or merging with one, and returns the node to
// descend into.
func (t *Tree) fill(x *node, i int, c *node) (*node, error) {
	if i > 0 {
		left, err := t.load(x.children[i-1])
		if err != nil {
			return nil, err
		}
		if left.n >= Degree {
			copy(c.keys[1:c.n+1], c.keys[:c.n])
			c.keys[0] = x.keys[i-1]
			if !c.leaf {
				copy(c.children[1:c.n+2], c.children[:c.n+1])
				c.children[0] = left.children[left.n]
				left.children[left.n] = db.Null
			}
			c.n++
			x.keys[i-1] = left.keys[left.n-1]
			left.n--
			left.keys[left.n] = db.Null
			t.store(left)
			t.store(c)
			t.store(x)
			return c, nil
		}
	}
	if i < x.n {
		right, err := t.load(x.children[i+1])
		if err != nil {
			return nil, err
		}
		if right.n >= Degree {
			c.keys[c.n] = x.keys[i]
			if !c.leaf {
				c.children[c.n+1] = right.children[0]
				copy(right.children[:], right.children[1:right.n+1])
				right.children[right.n] = db.Null
			}
			c.n++
			x.keys[i] = right.keys[0]
			copy(right.keys[:], right.keys[1:right.n])
			right.n--
			right.keys[right.n] = db.Null
			t.store(right)
			t.store(c)
			t.store(x)
			return c, nil
		}
		return c, t.merge(x, i, c, right)
	}
	left, err := t.load(x.children[i-1])
	if err != nil {
		return nil, err
	}
	return left, t.merge(x, i-1, left, c)
}

type frame struct {
	n *node
	i int
}

// seek builds the cursor stack positioned at the first record comparing
// >= 0 under lower.
func (t *Tree) seek(lower Comparator) ([]frame, error) {
	var stack []frame
	addr := t.root()
	for addr != db.Null {
		n, err := t.load(addr)
		if err != nil {
			return nil, err
		}
		i, _, err := t.search(n, lower)
		if err != nil {
			return nil, err
		}
		stack = append(stack, frame{n: n, i: i})
		if n.leaf {
			break
		}
		addr = n.children[i]
	}
	return stack, nil
}

// stale reports whether any node on the stack changed since it was loaded.
func (t *Tree) stale(stack []frame, root db.Address) (bool, error) {
	if t.root() != root {
		return true, nil
	}
	for _, f := range stack {
		n, err := t.load(f.n.addr)
		if err != nil {
			return true, nil
		}
		if *n != *f.n {
			return true, nil
		}
	}
	return false, nil
}

// Visit walks the records comparing as zero under v.Compare in key order.
// When the visitor mutates the tree the walk re-seeks to the first record
// after the last one visited.
func (t *Tree) Visit(v Visitor) error {
	root := t.root()
	stack, err := t.seek(v.Compare)
	if err != nil {
		return err
	}
	for len(stack) > 0 {
		f := &stack[len(stack)-1]
		if f.i >= f.n.n {
			stack = stack[:len(stack)-1]
			continue
		}
		rec := f.n.keys[f.i]
		c, err := v.Compare(rec)
		if err != nil {
			return err
		}
		if c > 0 {
			return t.d.Err()
		}
		last, err := t.key(rec)
		if err != nil {
			return err
		}

		act := Continue
		if c == 0 {
			if act, err = v.Visit(rec); err != nil {
				return err
			}
		}
		if act == Stop {
			return t.d.Err()
		}

		changed, err := t.stale(stack, root)
		if err != nil {
			return err
		}
		if changed {
			root = t.root()
			after := func(r db.Address) (int, error) {
				k, err := t.key(r)
				if err != nil {
					return 0, err
				}
				if bytes.Compare(k, last) <= 0 {
					return -1, nil
				}
				return 1, nil
			}
			if stack, err = t.seek(after); err != nil {
				return err
			}
			continue
		}

		if act == SkipSubtree {
			stack = stack[:len(stack)-1]
			continue
		}
		f.i++
		if f.n.leaf {
			continue
		}
		for addr := f.n.children[f.i]; addr != db.Null; {
			n, err := t.load(addr)
			if err != nil {
				return err
			}
			stack = append(stack, frame{n: n})
			if n.leaf {
				break
			}
			addr = n.children[0]
		}
	}
	return t.d.Err()
}

// Count returns the number of records in the tree.
func (t *Tree) Count() (int, error) {
	var count func(addr db.Address) (int, error)
	count = func(addr db.Address) (int, error) {
		n, err := t.load(addr)
		if err != nil {
			return 0, err
		}
		total := n.n
		if n.leaf {
			return total, nil
		}
		for i := 0; i <= n.n; i++ {
			c, err := count(n.children[i])
			if err != nil {
				return 0, err
			}
			total += c
		}
		return total, nil
	}
	root := t.root()
	if root == db.Null {
		return 0, nil
	}
	return count(root)
}

// Check validates key order, node fill and uniform leaf depth. Any violation
// is reported as db.ErrCorrupt.
func (t *Tree) Check() error {
	root := t.root()
	if root == db.Null {
		return nil
	}
	leafDepth := -1
	var walk func(addr db.Address, depth int, lo, hi []byte) error
	walk = func(addr db.Address, depth int, lo, hi []byte) error {
		n, err := t.load(addr)
		if err != nil {
			return err
		}
		if addr != root && n.n < Degree-1 {
			return fmt.Errorf("btree: node %d underfull with %d keys: %w", addr, n.n, db.ErrCorrupt)
		}
		if addr == root && n.n == 0 {
			return fmt.Errorf("btree: empty root %d: %w", addr, db.ErrCorrupt)
		}
		keys := make([][]byte, n.n)
		for i := range n.n {
			if keys[i], err = t.key(n.keys[i]); err != nil {
				return err
			}
			prev := lo
			if i > 0 {
				prev = keys[i-1]
			}
			if prev != nil && bytes.Compare(prev, keys[i]) >= 0 {
				return fmt.Errorf("btree: node %d key %d out of order: %w", addr, i, db.ErrCorrupt)
			}
		}
		if hi != nil && n.n > 0 && bytes.Compare(keys[n.n-1], hi) >= 0 {
			return fmt.Errorf("btree: node %d exceeds parent bound: %w", addr, db.ErrCorrupt)
		}
		if n.leaf {
			if leafDepth == -1 {
				leafDepth = depth
			} else if leafDepth != depth {
				return fmt.Errorf("btree: leaf %d at depth %d, expected %d: %w", addr, depth, leafDepth, db.ErrCorrupt)
			}
			return nil
		}
		for i := 0; i <= n.n; i++ {
			clo, chi := lo, hi
			if i > 0 {
				clo = keys[i-1]
			}
			if i < n.n {
				chi = keys[i]
			}
			if n.children[i] == db.Null {
				return fmt.Errorf("btree: node %d missing child %d: %w", addr, i, db.ErrCorrupt)
			}
			if err := walk(n.children[i], depth+1, clo, chi); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk(root, 0, nil, nil); err != nil {
		return err
	}
	return t.d.Err()
}
