// Package brt is the message buffering tree.
//
// Writes enter at the root as messages and wait in nonleaf buffers until a
// buffer grows heavy enough to be flushed one level down. Leaves hold rows.
// Reads apply the messages buffered above a leaf to the leaf's rows before
// looking at them, so every read sees every write that preceded it.
//
// Nodes live in a cachetable and are written copy-on-write: a flushed node
// gets a fresh extent and its old one is freed once the next checkpoint is
// durable.
package brt

import (
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/alexhholmes/ftdb/internal/blockalloc"
	"github.com/alexhholmes/ftdb/internal/blocktable"
	"github.com/alexhholmes/ftdb/internal/cachetable"
	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/node"
	"github.com/alexhholmes/ftdb/internal/storage"
)

// ErrClosed is returned by operations on a closed tree.
var ErrClosed = errors.New("tree is closed")

type handle = cachetable.Handle[*node.Node]

// Tree is a message buffering tree stored in one block file. It is safe for
// concurrent use; writers are serialized.
type Tree struct {
	cfg    Config
	ctx    *TreeContext
	opts   node.Options
	limits node.Limits
	log    Logger

	store  storage.Store
	fileID uuid.UUID
	root   blocktable.BlockNum
	bt     *blocktable.Table
	cache  *cachetable.Table[*node.Node, *node.PartialSpec]

	// writer serializes message injection, optimize and checkpoint. Reads
	// never take it.
	writer sync.Mutex
	hdr    header // last durable header, guarded by writer
	closed atomic.Bool
}

// Open opens the tree stored in store, creating it when store is empty. The
// tree owns store from then on.
func Open(store storage.Store, cfg Config) (*Tree, error) {
	cfg.setDefaults()
	t := &Tree{
		cfg:    cfg,
		ctx:    &TreeContext{},
		opts:   cfg.nodeOptions(),
		limits: cfg.limits(),
		log:    cfg.Logger,
		store:  store,
	}
	cache, err := cachetable.New[*node.Node, *node.PartialSpec](cfg.CacheSize, cfg.CacheBytes, &blockIO{t: t})
	if err != nil {
		return nil, err
	}
	t.cache = cache

	size, err := store.Size()
	if err != nil {
		return nil, errors.Wrap(err, "stat tree file")
	}
	if size == 0 {
		err = t.create()
	} else {
		err = t.load()
	}
	if err != nil {
		_ = t.cache.Close()
		return nil, err
	}
	return t, nil
}

func (t *Tree) alignment() uint64 {
	return max(t.store.Alignment(), blockalloc.DefaultAlignment)
}

func (t *Tree) create() error {
	t.fileID = uuid.New()
	t.bt = blocktable.New(headerReserve, t.alignment())
	t.root = t.bt.AllocateBlockNum()
	h := t.cache.Create(t.root, node.NewLeaf(t.root, t.opts))
	t.cache.Unpin(h, true)
	t.hdr = header{FileID: t.fileID, Root: t.root, Duplicates: t.opts.Duplicates}

	t.writer.Lock()
	defer t.writer.Unlock()
	if err := t.checkpoint(); err != nil {
		return errors.Wrap(err, "initial checkpoint")
	}
	t.log.Info("created tree", "file", t.fileID, "duplicates", t.opts.Duplicates)
	return nil
}

func (t *Tree) load() error {
	h, err := readHeader(t.store)
	if err != nil {
		return err
	}
	if h.Duplicates != t.opts.Duplicates {
		return errors.Newf("tree was created with duplicates=%t, opened with %t", h.Duplicates, t.opts.Duplicates)
	}
	data := make([]byte, h.Table.Size)
	if err := t.store.ReadAt(data, h.Table.Offset); err != nil {
		return errors.Wrapf(err, "read translation table at %s", h.Table)
	}
	bt, err := blocktable.Load(data, h.Table, headerReserve, t.alignment())
	if err != nil {
		return errors.Wrapf(err, "checkpoint %d", h.Seq)
	}
	if _, ok := bt.Translate(h.Root); !ok {
		return errors.Wrapf(ErrCorrupt, "root %s has no extent", h.Root)
	}
	t.fileID, t.root, t.bt, t.hdr = h.FileID, h.Root, bt, *h
	t.ctx.Advance(h.CheckpointMSN)
	t.log.Info("opened tree", "file", t.fileID, "checkpoint", h.Seq, "msn", h.CheckpointMSN, "blocks", bt.NumBlocks())
	return nil
}

// Context returns the tree's shared state.
func (t *Tree) Context() *TreeContext {
	return t.ctx
}

// LastXID returns the transaction id recorded by the last checkpoint.
func (t *Tree) LastXID() msg.TxnID {
	t.writer.Lock()
	defer t.writer.Unlock()
	return t.hdr.LastXID
}

// Stats returns a snapshot of the tree's counters.
func (t *Tree) Stats() Stats {
	st := t.ctx.stats()
	st.Cache = t.cache.Stats()
	st.Store = t.store.Stats()
	if size, err := t.store.Size(); err == nil {
		st.Fragmentation = t.bt.Fragmentation(size)
	}
	if h, err := t.cache.Pin(t.root, cachetable.Read, &node.PartialSpec{Leftmost: true}); err == nil {
		st.Height = h.Value().Height
		t.cache.Unpin(h, false)
	}
	return st
}

// Close drops every cached node and closes the store. Callers checkpoint
// first; work since the last checkpoint is lost otherwise.
func (t *Tree) Close() error {
	if t.closed.Swap(true) {
		return ErrClosed
	}
	t.writer.Lock()
	defer t.writer.Unlock()
	err := t.cache.Close()
	return errors.CombineErrors(err, t.store.Close())
}

// fatal logs an invariant violation with its context and panics.
func (t *Tree) fatal(err error, args ...any) {
	t.log.Error(err.Error(), args...)
	panic(errors.AssertionFailedf("%+v", err))
}

// blockIO moves nodes between the cachetable and the block file.
type blockIO struct {
	t *Tree
}

func (b *blockIO) extent(bn blocktable.BlockNum) blockalloc.Extent {
	ext, ok := b.t.bt.Translate(bn)
	if !ok {
		b.t.fatal(errors.Newf("%s has no extent", bn), "block", bn)
	}
	return ext
}

// Fetch implements cachetable.Callbacks.
func (b *blockIO) Fetch(bn blocktable.BlockNum, spec *node.PartialSpec) (*node.Node, error) {
	ext := b.extent(bn)
	data := make([]byte, ext.Size)
	if err := b.t.store.ReadAt(data, ext.Offset); err != nil {
		return nil, errors.Wrapf(err, "read %s at %s", bn, ext)
	}
	n, err := node.Deserialize(data, b.t.fileID, b.t.opts, spec)
	if err != nil {
		b.t.fatal(err, "block", bn, "extent", ext)
	}
	if n.BlockNum != bn {
		b.t.fatal(errors.Wrapf(node.ErrCorrupt, "%s holds %s", ext, n.BlockNum), "block", bn)
	}
	return n, nil
}

// PartialFetchNeeded implements cachetable.Callbacks.
func (b *blockIO) PartialFetchNeeded(n *node.Node, spec *node.PartialSpec) bool {
	return spec.Missing(n)
}

// PartialFetch implements cachetable.Callbacks.
func (b *blockIO) PartialFetch(bn blocktable.BlockNum, n *node.Node, spec *node.PartialSpec) error {
	for i, p := range n.Parts {
		if p.State() == node.Available || !spec.Wants(n, i) {
			continue
		}
		var raw []byte
		if p.State() == node.OnDisk {
			ext := b.extent(bn)
			off, length := n.PartitionExtent(i)
			raw = make([]byte, length)
			if err := b.t.store.ReadAt(raw, ext.Offset+off); err != nil {
				return errors.Wrapf(err, "read %s partition %d", bn, i)
			}
		}
		if err := n.Materialize(i, raw); err != nil {
			b.t.fatal(err, "block", bn, "partition", i)
		}
	}
	return nil
}

// Flush implements cachetable.Callbacks.
func (b *blockIO) Flush(bn blocktable.BlockNum, n *node.Node) error {
	data, err := n.Serialize(b.t.fileID)
	if err != nil {
		return errors.Wrapf(err, "serialize %s", bn)
	}
	off := b.t.bt.Realloc(bn, uint64(len(data)))
	if err := b.t.store.WriteAt(data, off); err != nil {
		return errors.Wrapf(err, "write %s", bn)
	}
	n.Dirty = false
	return nil
}

// PartialEvict implements cachetable.Callbacks. Clean nodes drop their
// partitions; dirty ones can only compress them.
func (b *blockIO) PartialEvict(bn blocktable.BlockNum, n *node.Node) error {
	for i := range n.Parts {
		if n.Dirty {
			if err := n.Compress(i); err != nil {
				return err
			}
			continue
		}
		n.Evict(i)
	}
	return nil
}

// Size implements cachetable.Callbacks.
func (b *blockIO) Size(n *node.Node) int {
	return n.MemSize()
}

var _ cachetable.Callbacks[*node.Node, *node.PartialSpec] = (*blockIO)(nil)
