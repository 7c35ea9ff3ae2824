package brt

import (
	"bytes"
	"sort"

	"github.com/alexhholmes/ftdb/internal/basement"
	"github.com/alexhholmes/ftdb/internal/node"
	"github.com/alexhholmes/ftdb/internal/ule"
)

// Pair is a row as a reader sees it.
type Pair struct {
	Key []byte
	Val []byte
}

// Cursor walks the rows visible to a reader in key order.
//
// A cursor copies one leaf at a time and holds no pins between calls. It
// moves to a neighbouring leaf by routing just past the bounds of the one it
// copied, so it keeps working while the tree splits under it and sees rows
// written after it was positioned once it reaches their leaf.
type Cursor struct {
	t    *Tree
	r    ule.Reader
	rows []Pair
	pos  int
	// lower and upper are the bounds of the copied leaf; nil is unbounded.
	lower *node.Pivot
	upper *node.Pivot
	err   error
}

// NewCursor returns an unpositioned cursor reading as r.
func (t *Tree) NewCursor(r ule.Reader) *Cursor {
	return &Cursor{t: t, r: r, pos: -1}
}

// First moves to the first row.
func (c *Cursor) First() bool {
	if !c.load(&node.PartialSpec{Leftmost: true}) {
		return false
	}
	c.pos = 0
	return c.forward()
}

// Last moves to the last row.
func (c *Cursor) Last() bool {
	if !c.load(&node.PartialSpec{Rightmost: true}) {
		return false
	}
	c.pos = len(c.rows) - 1
	return c.backward()
}

// Seek moves to the first row with a key at or after key.
func (c *Cursor) Seek(key []byte) bool {
	if !c.load(&node.PartialSpec{Key: key}) {
		return false
	}
	c.pos = sort.Search(len(c.rows), func(i int) bool {
		return c.t.cfg.Compare(c.rows[i].Key, key) >= 0
	})
	return c.forward()
}

// Next moves to the following row.
func (c *Cursor) Next() bool {
	if c.err != nil || c.pos >= len(c.rows) {
		return false
	}
	c.pos++
	return c.forward()
}

// Prev moves to the preceding row.
func (c *Cursor) Prev() bool {
	if c.err != nil || c.pos < 0 {
		return false
	}
	c.pos--
	return c.backward()
}

// Valid reports whether the cursor is at a row.
func (c *Cursor) Valid() bool {
	return c.err == nil && c.pos >= 0 && c.pos < len(c.rows)
}

// Key returns the key of the current row. It stays valid after the cursor
// moves.
func (c *Cursor) Key() []byte {
	if !c.Valid() {
		return nil
	}
	return c.rows[c.pos].Key
}

// Value returns the value of the current row.
func (c *Cursor) Value() []byte {
	if !c.Valid() {
		return nil
	}
	return c.rows[c.pos].Val
}

// Err returns the error that stopped the cursor.
func (c *Cursor) Err() error {
	return c.err
}

// forward moves on to the next leaves until pos is at a row.
func (c *Cursor) forward() bool {
	for c.pos >= len(c.rows) {
		if c.upper == nil {
			c.pos = len(c.rows)
			return false
		}
		from := *c.upper
		if !c.load(&node.PartialSpec{Key: from.Key, Val: from.Val, After: true}) {
			return false
		}
		// The leaf may have grown left of from since the last copy.
		c.rows = c.rows[c.countUpTo(from):]
		c.pos = 0
	}
	return true
}

// backward moves on to the previous leaves until pos is at a row.
func (c *Cursor) backward() bool {
	for c.pos < 0 {
		if c.lower == nil {
			c.pos = -1
			return false
		}
		from := *c.lower
		if !c.load(&node.PartialSpec{Key: from.Key, Val: from.Val}) {
			return false
		}
		c.rows = c.rows[:c.countUpTo(from)]
		c.pos = len(c.rows) - 1
	}
	return true
}

// countUpTo returns the number of copied rows at or below p.
func (c *Cursor) countUpTo(p node.Pivot) int {
	return sort.Search(len(c.rows), func(i int) bool {
		return c.comparePivot(c.rows[i], p) > 0
	})
}

func (c *Cursor) comparePivot(row Pair, p node.Pivot) int {
	if n := c.t.cfg.Compare(row.Key, p.Key); n != 0 || !c.t.opts.Duplicates {
		return n
	}
	return c.t.cfg.Compare(row.Val, p.Val)
}

// load copies the visible rows of the leaf spec routes to.
func (c *Cursor) load(spec *node.PartialSpec) bool {
	c.err = c.t.withLeaf(spec, func(leaf *node.Node, bounds node.Bounds) error {
		c.rows = c.rows[:0]
		c.lower, c.upper = clonePivot(bounds.Lower), clonePivot(bounds.Upper)
		leaf.Basement().Ascend(nil, nil, func(row *basement.Row) bool {
			v, ok, err := ule.Lookup(row.LE, c.r)
			if err != nil {
				c.t.fatal(err, "block", leaf.BlockNum, "key", row.Key)
			}
			if ok {
				c.rows = append(c.rows, Pair{Key: bytes.Clone(row.Key), Val: bytes.Clone(v)})
			}
			return true
		})
		return nil
	})
	if c.err != nil {
		c.rows, c.pos = nil, -1
		return false
	}
	return true
}

func clonePivot(p *node.Pivot) *node.Pivot {
	if p == nil {
		return nil
	}
	return &node.Pivot{Key: bytes.Clone(p.Key), Val: bytes.Clone(p.Val)}
}
