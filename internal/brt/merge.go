package brt

import (
	"cmp"
	"slices"

	"github.com/alexhholmes/ftdb/internal/basement"
	"github.com/alexhholmes/ftdb/internal/buffer"
	"github.com/alexhholmes/ftdb/internal/node"
	"github.com/alexhholmes/ftdb/internal/ule"
)

// ancestor is one step of a root-to-leaf path: a pinned nonleaf node and the
// child the path took.
type ancestor struct {
	n     *node.Node
	child int
}

// applyAncestors brings a leaf up to date with the messages buffered above
// it. bounds is the key range of the leaf. Deeper buffers hold older
// messages, so the path is consumed from the parent upwards; each ancestor
// raises the basement watermark to its own msn, which lets the next read skip
// it.
//
// The leaf must be pinned for writing and the ancestors at least for
// reading. The leaf is not dirtied: if it is dropped, the messages are still
// buffered and are applied again.
func (t *Tree) applyAncestors(leaf *node.Node, path []ancestor, bounds node.Bounds) {
	bsm := leaf.Basement()
	ctx := ule.ApplyContext{Update: t.cfg.Update, IsLive: t.cfg.Txns.IsLive}
	caughtUp := true
	for i := len(path) - 1; i >= 0; i-- {
		anc := path[i]
		if bsm.MaxMSN() >= anc.n.MaxMSN {
			continue
		}
		caughtUp = false
		t.applyBuffer(leaf, bsm, anc, bounds, ctx)
		bsm.SetMaxMSN(anc.n.MaxMSN)
	}
	if caughtUp {
		t.ctx.mergeSkips.Add(1)
	}
}

func (t *Tree) applyBuffer(leaf *node.Node, bsm *basement.Basement, anc ancestor, bounds node.Bounds, ctx ule.ApplyContext) {
	buf := anc.n.Buffer(anc.child)
	watermark := bsm.MaxMSN()
	relevant := func(dst *[]*buffer.Entry) func(e *buffer.Entry) bool {
		return func(e *buffer.Entry) bool {
			if e.Msg.MSN > watermark && anc.n.Contains(bounds, e.Msg) {
				*dst = append(*dst, e)
			}
			return true
		}
	}

	buf.Lock()
	defer buf.Unlock()

	var fresh, stale, broadcast []*buffer.Entry
	kb := bounds.KeyBounds(t.opts.Duplicates)
	buf.Fresh(kb, relevant(&fresh))
	buf.Stale(kb, relevant(&stale))
	for _, e := range buf.Broadcasts() {
		if e.Msg.MSN > watermark {
			broadcast = append(broadcast, e)
		}
	}

	var order []*buffer.Entry
	switch {
	case len(broadcast) > 0:
		// Broadcasts have no key; only msn order is sound.
		order = slices.Concat(fresh, stale, broadcast)
		slices.SortFunc(order, func(a, b *buffer.Entry) int {
			return cmp.Compare(a.Msg.MSN, b.Msg.MSN)
		})
	case len(stale) == 0:
		order = fresh
	case len(fresh) == 0:
		order = stale
	default:
		order = t.mergeByKey(fresh, stale)
	}

	var bytes int64
	for _, e := range order {
		if _, err := bsm.Apply(e.Msg, ctx); err != nil {
			t.fatal(err, "block", leaf.BlockNum, "ancestor", anc.n.BlockNum,
				"child", anc.child, "type", e.Msg.Type, "msn", e.Msg.MSN)
		}
		bytes += int64(e.Msg.Size())
	}
	buf.MarkStale(fresh)
	anc.n.Parts[anc.child].WorkDone.Add(bytes)
	t.ctx.readerApplied.Add(uint64(len(order)))
}

// mergeByKey merges two runs ordered by (key, msn).
func (t *Tree) mergeByKey(a, b []*buffer.Entry) []*buffer.Entry {
	out := make([]*buffer.Entry, 0, len(a)+len(b))
	for len(a) > 0 && len(b) > 0 {
		if t.entryLess(b[0], a[0]) {
			out = append(out, b[0])
			b = b[1:]
		} else {
			out = append(out, a[0])
			a = a[1:]
		}
	}
	out = append(out, a...)
	return append(out, b...)
}

func (t *Tree) entryLess(a, b *buffer.Entry) bool {
	if c := t.cfg.Compare(a.Msg.Key, b.Msg.Key); c != 0 {
		return c < 0
	}
	return a.Msg.MSN < b.Msg.MSN
}
