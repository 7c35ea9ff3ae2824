package brt

import (
	"github.com/cockroachdb/errors"

	"github.com/alexhholmes/ftdb/internal/cachetable"
	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/node"
	"github.com/alexhholmes/ftdb/internal/ule"
)

// Put injects m at the root. Put assigns m its msn and logs it before the
// tree buffers it. The tree keeps m; callers must not modify it afterwards.
func (t *Tree) Put(m *msg.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.writer.Lock()
	defer t.writer.Unlock()
	return t.put(m, true)
}

// Replay injects a message recovered from the log without logging it again.
func (t *Tree) Replay(m *msg.Message) error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.writer.Lock()
	defer t.writer.Unlock()
	return t.put(m, false)
}

// Optimize pushes every buffered message down to the leaves, promoting the
// provisional records of finished transactions and collecting garbage on
// the way.
func (t *Tree) Optimize() error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.writer.Lock()
	defer t.writer.Unlock()

	if err := t.put(&msg.Message{Type: msg.Optimize}, true); err != nil {
		return err
	}
	rh, err := t.cache.Pin(t.root, cachetable.Write, nil)
	if err != nil {
		return err
	}
	root := rh.Value()
	for i := root.NumChildren() - 1; !root.IsLeaf() && i >= 0; i-- {
		if err = t.flushChild(root, i, true); err != nil {
			break
		}
	}
	t.splitRoot(rh)
	t.cache.Unpin(rh, true)
	return err
}

func (t *Tree) put(m *msg.Message, log bool) error {
	caps := m.Caps()
	if caps.IsNoOp {
		return nil
	}
	if caps.Update && t.cfg.Update == nil {
		return ule.ErrNoUpdateFunc
	}

	rh, err := t.cache.Pin(t.root, cachetable.Write, nil)
	if err != nil {
		return err
	}
	root := rh.Value()
	m.MSN = t.ctx.NextMSN()
	if log {
		if err := t.cfg.WAL.Append(m); err != nil {
			t.cache.Unpin(rh, false)
			return errors.Wrapf(err, "log %s", m)
		}
	}
	root.MaxMSN = m.MSN
	root.Dirty = true
	t.ctx.puts.Add(1)

	if root.IsLeaf() {
		t.applyToLeaf(root, []*msg.Message{m}, false)
	} else {
		root.Route(m, func(c int) {
			root.Buffer(c).Enqueue(m, true)
		})
	}

	for root.IsGorged(t.limits) {
		if err = t.flushChild(root, root.HeaviestChild(), false); err != nil {
			break
		}
	}
	t.splitRoot(rh)
	t.cache.Unpin(rh, true)
	return err
}

// applyToLeaf applies msgs in order. Messages the leaf already reflects are
// skipped. Flushed messages garbage collect the rows they touch.
func (t *Tree) applyToLeaf(leaf *node.Node, msgs []*msg.Message, flushing bool) {
	bsm := leaf.Basement()
	ctx := ule.ApplyContext{Update: t.cfg.Update, IsLive: t.cfg.Txns.IsLive}
	if flushing {
		info := t.cfg.Txns.GCInfo()
		ctx.GC = &info
	}
	for _, m := range msgs {
		if m.MSN <= bsm.MaxMSN() {
			t.ctx.staleSkipped.Add(1)
			continue
		}
		if m.Type == msg.Insert || m.Type == msg.InsertNoOverwrite {
			if last, ok := bsm.Max(); !ok || t.cfg.Compare(m.Key, last.Key) >= 0 {
				leaf.SeqInserts++
			} else {
				leaf.SeqInserts = 0
			}
		}
		if _, err := bsm.Apply(m, ctx); err != nil {
			t.fatal(err, "block", leaf.BlockNum, "type", m.Type, "msn", m.MSN)
		}
		bsm.SetMaxMSN(m.MSN)
	}
	leaf.Dirty = true
}

// flushChild moves the buffer for child i of parent into the child, then
// lets the child react. A deep flush empties the child's buffers too, all
// the way to the leaves.
func (t *Tree) flushChild(parent *node.Node, i int, deep bool) error {
	ch, err := t.cache.Pin(parent.Children[i], cachetable.Write, nil)
	if err != nil {
		return errors.Wrapf(err, "flush %s child %d", parent.BlockNum, i)
	}
	child := ch.Value()
	msgs := parent.Buffer(i).Drain()
	parent.ResetWorkDone(i)
	parent.Dirty = true
	t.ctx.flushes.Add(1)

	// Everything the parent held for this child is now below it.
	child.MaxMSN = max(child.MaxMSN, parent.MaxMSN)
	if child.IsLeaf() {
		t.applyToLeaf(child, msgs, true)
		child.Basement().SetMaxMSN(child.MaxMSN)
	} else {
		for _, m := range msgs {
			child.Route(m, func(c int) {
				child.Buffer(c).Enqueue(m, true)
			})
		}
	}
	child.Dirty = true

	switch {
	case child.IsLeaf():
	case deep:
		for j := child.NumChildren() - 1; j >= 0 && err == nil; j-- {
			if child.Buffer(j).Len() > 0 {
				err = t.flushChild(child, j, true)
			}
		}
	default:
		for err == nil && child.IsGorged(t.limits) {
			err = t.flushChild(child, child.HeaviestChild(), false)
		}
	}
	t.reactChild(parent, i, ch)
	return err
}

// reactChild splits or hands off child i of parent according to its
// reactivity, and unpins it.
func (t *Tree) reactChild(parent *node.Node, i int, ch *handle) {
	child := ch.Value()
	switch r := child.Reactivity(t.limits); r {
	case node.Fissible:
		t.splitChild(parent, i, ch)
		return
	case node.Fusible:
		t.ctx.fusible.Add(1)
		t.log.Info("fusible node", "block", child.BlockNum, "height", child.Height,
			"parent", parent.BlockNum, "child", i, "size", child.Size())
		t.cfg.Merger.Merge(parent, child, i)
	}
	t.cache.Unpin(ch, true)
}

// splitChild splits child i of parent until it is no longer Fissible. Every
// right half is inserted after it and reacts on its own.
func (t *Tree) splitChild(parent *node.Node, i int, ch *handle) {
	child := ch.Value()
	for child.Reactivity(t.limits) == node.Fissible {
		right, pivot := t.split(child)
		parent.InsertChild(i, pivot, right.BlockNum)
		t.reactChild(parent, i+1, t.cache.Create(right.BlockNum, right))
	}
	t.cache.Unpin(ch, true)
}

func (t *Tree) split(n *node.Node) (*node.Node, node.Pivot) {
	rb := t.bt.AllocateBlockNum()
	if n.IsLeaf() {
		t.ctx.leafSplits.Add(1)
		return n.SplitLeaf(rb)
	}
	t.ctx.nonleafSplits.Add(1)
	return n.SplitNonleaf(rb)
}

// splitRoot grows the tree while the root is Fissible. The root keeps its
// block number: its contents move to a new node, which is then split, and
// the root becomes the parent of both halves.
func (t *Tree) splitRoot(rh *handle) {
	root := rh.Value()
	for root.Reactivity(t.limits) == node.Fissible {
		left := root.MoveTo(t.bt.AllocateBlockNum())
		right, pivot := t.split(left)
		root.BecomeRoot(left.Height+1, left.BlockNum, right.BlockNum, pivot)
		t.ctx.rootSplits.Add(1)
		t.log.Info("root split", "height", root.Height, "left", left.BlockNum,
			"right", right.BlockNum, "pivot", pivot)

		lh := t.cache.Create(left.BlockNum, left)
		t.reactChild(root, 1, t.cache.Create(right.BlockNum, right))
		t.reactChild(root, 0, lh)
	}
}
