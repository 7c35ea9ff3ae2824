package brt

import (
	"time"

	"github.com/cockroachdb/errors"

	"github.com/alexhholmes/ftdb/internal/basement"
	"github.com/alexhholmes/ftdb/internal/blocktable"
	"github.com/alexhholmes/ftdb/internal/cachetable"
	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/node"
)

// Checkpoint writes every dirty node, the translation table and a new
// header, in that order, syncing between them. Once it returns, the file
// opens to the current state of the tree and the log is trimmed.
func (t *Tree) Checkpoint() error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.writer.Lock()
	defer t.writer.Unlock()
	return t.checkpoint()
}

func (t *Tree) checkpoint() error {
	start := time.Now()
	if err := t.cache.FlushAll(); err != nil {
		return errors.Wrap(err, "checkpoint")
	}
	table, gen, err := t.bt.WriteTable(func(offset uint64, data []byte) error {
		return t.store.WriteAt(data, offset)
	})
	if err != nil {
		return err
	}
	if err := t.store.Sync(); err != nil {
		return errors.Wrap(err, "sync checkpoint")
	}

	h := t.hdr
	h.Seq++
	h.FileID = t.fileID
	h.Root = t.root
	h.Table = table
	h.CheckpointMSN = t.ctx.LastMSN()
	h.LastXID = t.cfg.Txns.Last()
	h.Duplicates = t.opts.Duplicates
	if err := writeHeader(t.store, &h); err != nil {
		return err
	}
	t.hdr = h
	freed := t.bt.Release(gen)

	if size, err := t.store.Size(); err == nil {
		if limit := t.bt.AllocatedLimit(); limit < size {
			if err := t.store.Truncate(limit); err != nil {
				t.log.Warn("truncate tree file", "size", size, "limit", limit, "error", err)
			}
		}
	}
	if err := t.cfg.WAL.Checkpoint(h.CheckpointMSN); err != nil {
		return errors.Wrapf(err, "trim log to msn %d", h.CheckpointMSN)
	}

	t.ctx.checkpoints.Add(1)
	t.log.Info("checkpoint", "seq", h.Seq, "msn", h.CheckpointMSN, "table", h.Table,
		"blocks", t.bt.NumBlocks(), "freed", freed, "elapsed", time.Since(start))
	return nil
}

// Verify checks the structure of the whole tree: node contents, heights,
// that every row lies within its leaf's bounds and that msns never grow
// downwards. It reads every node and blocks writers while it runs.
func (t *Tree) Verify() error {
	if t.closed.Load() {
		return ErrClosed
	}
	t.writer.Lock()
	defer t.writer.Unlock()

	if err := t.verify(t.root, -1, node.Bounds{}, 0); err != nil {
		return err
	}
	return t.bt.Validate()
}

func (t *Tree) verify(bn blocktable.BlockNum, height int, bounds node.Bounds, parentMSN msg.MSN) error {
	h, err := t.cache.Pin(bn, cachetable.Read, nil)
	if err != nil {
		return err
	}
	defer t.cache.Unpin(h, false)
	n := h.Value()

	if err := n.Validate(); err != nil {
		return err
	}
	if height >= 0 && n.Height != height {
		return errors.Newf("%s: height %d below a node of height %d", bn, n.Height, height+1)
	}
	if bn != t.root && n.MaxMSN > parentMSN {
		return errors.Newf("%s: msn %d above parent msn %d", bn, n.MaxMSN, parentMSN)
	}

	if n.IsLeaf() {
		var err error
		n.Basement().Ascend(nil, nil, func(r *basement.Row) bool {
			if !n.Contains(bounds, rowTarget(r)) {
				err = errors.Newf("%s: row %q outside %s", bn, r.Key, bounds)
			}
			return err == nil
		})
		return err
	}
	for i, child := range n.Children {
		if err := t.verify(child, n.Height-1, n.ChildBounds(i, bounds), n.MaxMSN); err != nil {
			return errors.Wrapf(err, "%s child %d", bn, i)
		}
	}
	return nil
}

// rowTarget is the message that would address row r.
func rowTarget(r *basement.Row) *msg.Message {
	return &msg.Message{Type: msg.DeleteBoth, Key: r.Key, Val: r.DupVal}
}
