package brt

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"github.com/alexhholmes/ftdb/internal/cachetable"
	"github.com/alexhholmes/ftdb/internal/node"
	"github.com/alexhholmes/ftdb/internal/ule"
)

// withLeaf descends to the leaf spec routes to, brings it up to date and
// calls fn with it and its key range. The leaf is only valid during fn.
func (t *Tree) withLeaf(spec *node.PartialSpec, fn func(leaf *node.Node, bounds node.Bounds) error) error {
	if t.closed.Load() {
		return ErrClosed
	}
	for attempt := 0; ; attempt++ {
		blocking := attempt >= t.cfg.MaxTryAgain
		if attempt == t.cfg.MaxTryAgain {
			t.ctx.escalations.Add(1)
		}
		err := t.descend(spec, blocking, fn)
		if !errors.Is(err, cachetable.ErrTryAgain) {
			return err
		}
		t.ctx.tryAgains.Add(1)
	}
}

// descend pins the path to a leaf: ancestors shared, the leaf exclusive so
// buffered messages can be applied to it. Below the root it only takes pins
// that do not block unless blocking is set; a node that is missing or busy
// is prefetched and the descent gives up with ErrTryAgain.
func (t *Tree) descend(spec *node.PartialSpec, blocking bool, fn func(leaf *node.Node, bounds node.Bounds) error) error {
	var (
		pinned []*handle
		path   []ancestor
		bounds node.Bounds
	)
	defer func() {
		for i := len(pinned) - 1; i >= 0; i-- {
			t.cache.Unpin(pinned[i], false)
		}
	}()

	h, err := t.cache.Pin(t.root, cachetable.Read, spec)
	if err != nil {
		return err
	}
	pinned = append(pinned, h)
	n := h.Value()
	for !n.IsLeaf() {
		c := spec.Child(n)
		path = append(path, ancestor{n: n, child: c})
		bounds = n.ChildBounds(c, bounds)

		mode := cachetable.Read
		if n.Height == 1 {
			mode = cachetable.Write
		}
		bn := n.Children[c]
		if blocking {
			h, err = t.cache.Pin(bn, mode, spec)
		} else if h, err = t.cache.TryPin(bn, mode, spec); errors.Is(err, cachetable.ErrTryAgain) {
			t.cache.Prefetch(bn, spec)
		}
		if err != nil {
			return err
		}
		pinned = append(pinned, h)
		n = h.Value()
	}
	if len(path) > 0 {
		t.applyAncestors(n, path, bounds)
	}
	return fn(n, bounds)
}

// Get returns the value of key visible to r. In duplicate trees it returns
// the smallest visible value of key.
func (t *Tree) Get(key []byte, r ule.Reader) ([]byte, bool, error) {
	if t.opts.Duplicates {
		c := t.NewCursor(r)
		if !c.Seek(key) || t.cfg.Compare(c.Key(), key) != 0 {
			return nil, false, c.Err()
		}
		return c.Value(), true, nil
	}

	var (
		val   []byte
		found bool
	)
	err := t.withLeaf(&node.PartialSpec{Key: key}, func(leaf *node.Node, _ node.Bounds) error {
		row, ok := leaf.Basement().Get(key, nil)
		if !ok {
			return nil
		}
		v, ok, err := ule.Lookup(row.LE, r)
		if err != nil {
			t.fatal(err, "block", leaf.BlockNum, "key", key)
		}
		if ok {
			val, found = bytes.Clone(v), true
		}
		return nil
	})
	return val, found, err
}
