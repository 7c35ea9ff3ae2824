package brt

import (
	"sync/atomic"

	"github.com/alexhholmes/ftdb/internal/blockalloc"
	"github.com/alexhholmes/ftdb/internal/cachetable"
	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/storage"
)

// TreeContext is the state every operation on a tree shares: the msn clock
// and the statistics counters.
type TreeContext struct {
	msn atomic.Uint64

	puts          atomic.Uint64
	flushes       atomic.Uint64
	leafSplits    atomic.Uint64
	nonleafSplits atomic.Uint64
	rootSplits    atomic.Uint64
	fusible       atomic.Uint64
	staleSkipped  atomic.Uint64
	readerApplied atomic.Uint64
	mergeSkips    atomic.Uint64
	tryAgains     atomic.Uint64
	escalations   atomic.Uint64
	checkpoints   atomic.Uint64
}

// NextMSN assigns the next message sequence number.
func (c *TreeContext) NextMSN() msg.MSN {
	return msg.MSN(c.msn.Add(1))
}

// LastMSN returns the newest assigned msn.
func (c *TreeContext) LastMSN() msg.MSN {
	return msg.MSN(c.msn.Load())
}

// Advance moves the clock forward to at least msn.
func (c *TreeContext) Advance(msn msg.MSN) {
	for {
		current := c.msn.Load()
		if uint64(msn) <= current || c.msn.CompareAndSwap(current, uint64(msn)) {
			return
		}
	}
}

// Stats is a snapshot of a tree's counters.
type Stats struct {
	Height int
	MSN    msg.MSN

	Puts          uint64
	Flushes       uint64
	LeafSplits    uint64
	NonleafSplits uint64
	RootSplits    uint64
	// Fusible counts children handed to the Merger.
	Fusible uint64
	// StaleSkipped counts flushed messages a leaf already reflected.
	StaleSkipped uint64
	// ReaderApplied counts ancestor messages applied by reads.
	ReaderApplied uint64
	// MergeSkips counts reads whose leaf was already caught up.
	MergeSkips  uint64
	TryAgains   uint64
	Escalations uint64
	Checkpoints uint64

	Cache         cachetable.Stats
	Store         storage.Stats
	Fragmentation blockalloc.Report
}

func (c *TreeContext) stats() Stats {
	return Stats{
		MSN:           c.LastMSN(),
		Puts:          c.puts.Load(),
		Flushes:       c.flushes.Load(),
		LeafSplits:    c.leafSplits.Load(),
		NonleafSplits: c.nonleafSplits.Load(),
		RootSplits:    c.rootSplits.Load(),
		Fusible:       c.fusible.Load(),
		StaleSkipped:  c.staleSkipped.Load(),
		ReaderApplied: c.readerApplied.Load(),
		MergeSkips:    c.mergeSkips.Load(),
		TryAgains:     c.tryAgains.Load(),
		Escalations:   c.escalations.Load(),
		Checkpoints:   c.checkpoints.Load(),
	}
}
