// Package basement holds the rows of a leaf node.
//
// A basement keeps rows in key order (key, then value, for duplicate trees)
// with exact byte accounting and an msn watermark: every message with an msn
// at or below the watermark is already reflected in the rows.
package basement

import (
	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/ule"
)

const degree = 32

// RowOverhead is the per-row byte cost on top of key, value and leaf entry.
const RowOverhead = 12

// Compare orders keys and, in duplicate trees, values.
type Compare func(a, b []byte) int

// Row is one leaf entry. In duplicate trees DupVal is the value that, with
// Key, identifies the row; it is nil otherwise.
type Row struct {
	Key    []byte
	DupVal []byte
	LE     ule.LeafEntry
}

// Size returns the bytes the row accounts for.
func (r *Row) Size() int {
	return RowOverhead + len(r.Key) + len(r.DupVal) + len(r.LE)
}

// Delta is the change caused by applying a message.
type Delta struct {
	Bytes int
	Rows  int
}

func (d *Delta) add(o Delta) {
	d.Bytes += o.Bytes
	d.Rows += o.Rows
}

// Basement is the row set of a leaf.
type Basement struct {
	rows   *btree.BTreeG[*Row]
	cmp    Compare
	dup    bool
	maxMSN msg.MSN
	bytes  int
}

// New creates an empty basement.
func New(cmp Compare, dup bool) *Basement {
	return &Basement{
		rows: btree.NewG[*Row](degree, func(a, b *Row) bool {
			if c := cmp(a.Key, b.Key); c != 0 {
				return c < 0
			}
			return dup && cmp(a.DupVal, b.DupVal) < 0
		}),
		cmp: cmp,
		dup: dup,
	}
}

// Duplicates reports whether rows are keyed by (key, value).
func (b *Basement) Duplicates() bool {
	return b.dup
}

// MaxMSN returns the watermark.
func (b *Basement) MaxMSN() msg.MSN {
	return b.maxMSN
}

// SetMaxMSN raises the watermark to msn. It never lowers it.
func (b *Basement) SetMaxMSN(msn msg.MSN) {
	b.maxMSN = max(b.maxMSN, msn)
}

// Len returns the number of rows.
func (b *Basement) Len() int {
	return b.rows.Len()
}

// Bytes returns the accounted size of all rows.
func (b *Basement) Bytes() int {
	return b.bytes
}

// Insert adds a deserialized row. Rows must not already exist.
func (b *Basement) Insert(r *Row) {
	if _, ok := b.rows.ReplaceOrInsert(r); ok {
		panic(errors.AssertionFailedf("duplicate row %q", r.Key))
	}
	b.bytes += r.Size()
}

// Apply applies m to the rows it targets. It does not consult the watermark;
// callers skip messages at or below MaxMSN and raise it afterwards.
func (b *Basement) Apply(m *msg.Message, ctx ule.ApplyContext) (Delta, error) {
	caps := m.Caps()
	switch {
	case caps.IsNoOp:
		return Delta{}, nil
	case caps.AppliesToAllChildren:
		return b.applyBroadcast(m, ctx)
	case b.dup && caps.DoesAny:
		var (
			d       Delta
			targets []*Row
		)
		b.rows.AscendGreaterOrEqual(&Row{Key: m.Key}, func(r *Row) bool {
			if b.cmp(r.Key, m.Key) != 0 {
				return false
			}
			targets = append(targets, r)
			return true
		})
		for _, r := range targets {
			rd, err := b.applyRow(r, r.Key, r.DupVal, m, ctx)
			if err != nil {
				return d, err
			}
			d.add(rd)
		}
		return d, nil
	}

	probe := &Row{Key: m.Key}
	if b.dup {
		probe.DupVal = m.Val
	}
	existing, _ := b.rows.Get(probe)
	return b.applyRow(existing, probe.Key, probe.DupVal, m, ctx)
}

func (b *Basement) applyBroadcast(m *msg.Message, ctx ule.ApplyContext) (Delta, error) {
	var (
		d    Delta
		rows = make([]*Row, 0, b.rows.Len())
	)
	b.rows.Ascend(func(r *Row) bool {
		rows = append(rows, r)
		return true
	})
	for _, r := range rows {
		rm := m
		if m.Type == msg.UpdateBroadcastAll {
			rm = &msg.Message{Type: msg.Update, MSN: m.MSN, XIDs: m.XIDs, Key: r.Key, Val: m.Val}
		}
		rd, err := b.applyRow(r, r.Key, r.DupVal, rm, ctx)
		if err != nil {
			return d, err
		}
		d.add(rd)
	}
	return d, nil
}

func (b *Basement) applyRow(existing *Row, key, dupVal []byte, m *msg.Message, ctx ule.ApplyContext) (Delta, error) {
	var (
		d   Delta
		old ule.LeafEntry
	)
	if existing != nil {
		old = existing.LE
	}
	le, err := ule.Apply(old, m, ctx)
	if err != nil {
		return d, errors.Wrapf(err, "apply %s", m)
	}
	if existing != nil {
		d.Bytes -= existing.Size()
		d.Rows--
		if le == nil {
			b.rows.Delete(existing)
		}
	}
	if le != nil {
		r := &Row{Key: key, DupVal: dupVal, LE: le}
		b.rows.ReplaceOrInsert(r)
		d.Bytes += r.Size()
		d.Rows++
	}
	b.bytes += d.Bytes
	return d, nil
}

// GCRows garbage collects the rows with the given keys. Missing rows are
// ignored.
func (b *Basement) GCRows(rows []*Row, info ule.GCInfo) (Delta, error) {
	var d Delta
	for _, probe := range rows {
		r, ok := b.rows.Get(probe)
		if !ok {
			continue
		}
		le, err := ule.GC(r.LE, info)
		if err != nil {
			return d, errors.Wrapf(err, "gc row %q", r.Key)
		}
		if len(le) == len(r.LE) {
			continue
		}
		d.Bytes -= r.Size()
		d.Rows--
		if le == nil {
			b.rows.Delete(r)
		} else {
			nr := &Row{Key: r.Key, DupVal: r.DupVal, LE: le}
			b.rows.ReplaceOrInsert(nr)
			d.Bytes += nr.Size()
			d.Rows++
		}
	}
	b.bytes += d.Bytes
	return d, nil
}

// Get returns the row for key (and dupVal in duplicate trees).
func (b *Basement) Get(key, dupVal []byte) (*Row, bool) {
	return b.rows.Get(&Row{Key: key, DupVal: dupVal})
}

// Ascend visits rows in order starting at the first row at or after
// (key, dupVal). A nil key starts at the first row.
func (b *Basement) Ascend(key, dupVal []byte, fn func(r *Row) bool) {
	if key == nil {
		b.rows.Ascend(fn)
		return
	}
	b.rows.AscendGreaterOrEqual(&Row{Key: key, DupVal: dupVal}, fn)
}

// Descend visits rows in reverse order starting at the last row at or
// before (key, dupVal). A nil key starts at the last row.
func (b *Basement) Descend(key, dupVal []byte, fn func(r *Row) bool) {
	if key == nil {
		b.rows.Descend(fn)
		return
	}
	b.rows.DescendLessOrEqual(&Row{Key: key, DupVal: dupVal}, fn)
}

// Min returns the first row.
func (b *Basement) Min() (*Row, bool) {
	return b.rows.Min()
}

// Max returns the last row.
func (b *Basement) Max() (*Row, bool) {
	return b.rows.Max()
}

// SplitIndex returns the number of rows that go left so that the left half
// holds at least half of the bytes and both halves are non-empty.
func (b *Basement) SplitIndex() int {
	n := b.rows.Len()
	if n < 2 {
		panic(errors.AssertionFailedf("splitting a basement with %d rows", n))
	}
	var (
		acc  int
		left int
	)
	b.rows.Ascend(func(r *Row) bool {
		acc += r.Size()
		left++
		return acc*2 < b.bytes
	})
	return min(max(left, 1), n-1)
}

// Split moves every row after the first n to a new basement, which inherits
// the watermark.
func (b *Basement) Split(n int) *Basement {
	right := New(b.cmp, b.dup)
	right.maxMSN = b.maxMSN
	var moved []*Row
	i := 0
	b.rows.Ascend(func(r *Row) bool {
		if i >= n {
			moved = append(moved, r)
		}
		i++
		return true
	})
	for _, r := range moved {
		b.rows.Delete(r)
		b.bytes -= r.Size()
		right.rows.ReplaceOrInsert(r)
		right.bytes += r.Size()
	}
	return right
}

// Validate checks row order and byte accounting.
func (b *Basement) Validate() error {
	var (
		bytes int
		prev  *Row
		err   error
	)
	b.rows.Ascend(func(r *Row) bool {
		if len(r.LE) == 0 {
			err = errors.Newf("row %q has an empty leaf entry", r.Key)
			return false
		}
		if prev != nil {
			c := b.cmp(prev.Key, r.Key)
			if c > 0 || (c == 0 && (!b.dup || b.cmp(prev.DupVal, r.DupVal) >= 0)) {
				err = errors.Newf("row %q out of order after %q", r.Key, prev.Key)
				return false
			}
		}
		prev = r
		bytes += r.Size()
		return true
	})
	if err == nil && bytes != b.bytes {
		err = errors.Newf("basement bytes %d, rows hold %d", b.bytes, bytes)
	}
	return err
}
