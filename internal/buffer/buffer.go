// Package buffer holds the messages a nonleaf node keeps for one child.
//
// Messages are kept in arrival (msn) order for flushing, and are indexed by
// (key, msn) for reads. A point message is fresh until a reader has applied it
// to the leaf below, after which it moves to the stale index. Broadcast
// messages live in their own list.
package buffer

import (
	"sync"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"

	"github.com/alexhholmes/ftdb/internal/msg"
)

const degree = 16

// Compare orders keys.
type Compare func(a, b []byte) int

// Entry is one buffered message.
type Entry struct {
	Msg   *msg.Message
	fresh bool
}

// Fresh reports whether no reader has applied the message yet.
func (e *Entry) Fresh() bool {
	return e.fresh
}

// Buffer is a message buffer for one child of a nonleaf node.
//
// Writers hold the node exclusively. Readers holding the node shared call
// Lock before ranging over or reclassifying entries.
type Buffer struct {
	mu        sync.Mutex
	fifo      []*Entry
	fresh     *btree.BTreeG[*Entry]
	stale     *btree.BTreeG[*Entry]
	broadcast []*Entry
	bytes     int
	maxMSN    msg.MSN
	cmp       Compare
}

// New creates an empty buffer ordered by cmp.
func New(cmp Compare) *Buffer {
	less := func(a, b *Entry) bool {
		if c := cmp(a.Msg.Key, b.Msg.Key); c != 0 {
			return c < 0
		}
		return a.Msg.MSN < b.Msg.MSN
	}
	return &Buffer{
		fresh: btree.NewG[*Entry](degree, less),
		stale: btree.NewG[*Entry](degree, less),
		cmp:   cmp,
	}
}

// Lock guards index reclassification by concurrent readers.
func (b *Buffer) Lock() {
	b.mu.Lock()
}

// Unlock releases the buffer lock.
func (b *Buffer) Unlock() {
	b.mu.Unlock()
}

// Enqueue appends m. Messages must arrive in strictly increasing msn order.
func (b *Buffer) Enqueue(m *msg.Message, fresh bool) {
	if n := len(b.fifo); n > 0 && b.fifo[n-1].Msg.MSN >= m.MSN {
		panic(errors.AssertionFailedf("buffer msn %d enqueued after %d", m.MSN, b.fifo[n-1].Msg.MSN))
	}
	e := &Entry{Msg: m, fresh: fresh}
	b.fifo = append(b.fifo, e)
	switch caps := m.Caps(); {
	case caps.AppliesToAllChildren:
		b.broadcast = append(b.broadcast, e)
	case fresh:
		b.fresh.ReplaceOrInsert(e)
	default:
		b.stale.ReplaceOrInsert(e)
	}
	b.bytes += m.Size()
	b.maxMSN = m.MSN
}

// Len returns the number of buffered messages.
func (b *Buffer) Len() int {
	return len(b.fifo)
}

// Bytes returns the buffered message bytes.
func (b *Buffer) Bytes() int {
	return b.bytes
}

// MaxMSN returns the msn of the newest message, or zero.
func (b *Buffer) MaxMSN() msg.MSN {
	return b.maxMSN
}

// NumFresh returns the number of fresh point messages.
func (b *Buffer) NumFresh() int {
	return b.fresh.Len()
}

// NumStale returns the number of stale point messages.
func (b *Buffer) NumStale() int {
	return b.stale.Len()
}

// NumBroadcast returns the number of broadcast messages.
func (b *Buffer) NumBroadcast() int {
	return len(b.broadcast)
}

// Iterate visits every message in msn order until fn returns false.
func (b *Buffer) Iterate(fn func(e *Entry) bool) {
	for _, e := range b.fifo {
		if !fn(e) {
			return
		}
	}
}

// Broadcasts returns the broadcast entries in msn order.
func (b *Buffer) Broadcasts() []*Entry {
	return b.broadcast
}

// Bounds restricts a key range. A nil Lower or Upper is unbounded. Upper is
// inclusive; Lower is inclusive only when LowerInclusive is set.
type Bounds struct {
	Lower          []byte
	LowerInclusive bool
	Upper          []byte
}

// Contains reports whether key is inside the bounds.
func (r Bounds) Contains(cmp Compare, key []byte) bool {
	if r.Lower != nil {
		c := cmp(key, r.Lower)
		if c < 0 || (c == 0 && !r.LowerInclusive) {
			return false
		}
	}
	return r.Upper == nil || cmp(key, r.Upper) <= 0
}

// Fresh visits fresh point entries within r in (key, msn) order.
func (b *Buffer) Fresh(r Bounds, fn func(e *Entry) bool) {
	b.ascend(b.fresh, r, fn)
}

// Stale visits stale point entries within r in (key, msn) order.
func (b *Buffer) Stale(r Bounds, fn func(e *Entry) bool) {
	b.ascend(b.stale, r, fn)
}

func (b *Buffer) ascend(t *btree.BTreeG[*Entry], r Bounds, fn func(e *Entry) bool) {
	visit := func(e *Entry) bool {
		if r.Upper != nil && b.cmp(e.Msg.Key, r.Upper) > 0 {
			return false
		}
		return fn(e)
	}
	if r.Lower == nil {
		t.Ascend(visit)
		return
	}
	pivot := &msg.Message{Key: r.Lower, MSN: msg.ZeroMSN}
	if !r.LowerInclusive {
		pivot.MSN = msg.MaxMSN
	}
	t.AscendGreaterOrEqual(&Entry{Msg: pivot}, visit)
}

// MarkStale moves fresh entries to the stale index.
func (b *Buffer) MarkStale(entries []*Entry) {
	for _, e := range entries {
		if !e.fresh {
			continue
		}
		if _, ok := b.fresh.Delete(e); !ok {
			panic(errors.AssertionFailedf("fresh entry %s missing from index", e.Msg))
		}
		e.fresh = false
		b.stale.ReplaceOrInsert(e)
	}
}

// Drain removes and returns every message in msn order.
func (b *Buffer) Drain() []*msg.Message {
	out := make([]*msg.Message, len(b.fifo))
	for i, e := range b.fifo {
		out[i] = e.Msg
	}
	b.fifo = nil
	b.fresh.Clear(false)
	b.stale.Clear(false)
	b.broadcast = nil
	b.bytes = 0
	return out
}

// Validate checks msn order, index membership and the byte count.
func (b *Buffer) Validate() error {
	var (
		prev  msg.MSN
		bytes int
		nf    int
		ns    int
		nb    int
	)
	for _, e := range b.fifo {
		if e.Msg.MSN <= prev {
			return errors.Newf("msn %d follows %d", e.Msg.MSN, prev)
		}
		prev = e.Msg.MSN
		bytes += e.Msg.Size()
		switch {
		case e.Msg.Caps().AppliesToAllChildren:
			nb++
		case e.fresh:
			nf++
			if !b.fresh.Has(e) {
				return errors.Newf("fresh entry %s not indexed", e.Msg)
			}
		default:
			ns++
			if !b.stale.Has(e) {
				return errors.Newf("stale entry %s not indexed", e.Msg)
			}
		}
	}
	if bytes != b.bytes {
		return errors.Newf("buffer bytes %d, messages hold %d", b.bytes, bytes)
	}
	if nf != b.fresh.Len() || ns != b.stale.Len() || nb != len(b.broadcast) {
		return errors.Newf("index sizes fresh=%d stale=%d broadcast=%d, fifo has %d/%d/%d",
			b.fresh.Len(), b.stale.Len(), len(b.broadcast), nf, ns, nb)
	}
	return nil
}
