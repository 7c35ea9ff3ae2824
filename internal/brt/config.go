package brt

import (
	"bytes"

	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/node"
	"github.com/alexhholmes/ftdb/internal/ule"
	"github.com/alexhholmes/ftdb/internal/wal"
)

// Config holds the engine settings of a tree.
type Config struct {
	// NodeSize is the target serialized size of a node in bytes. Leaves
	// larger than this split; nonleaf nodes larger than this flush.
	NodeSize int
	// Fanout is the target number of children of a nonleaf node.
	Fanout int
	// CacheSize is the number of unpinned nodes kept in memory.
	CacheSize int
	// CacheBytes is the resident size above which unpinned nodes shed
	// partitions. Zero disables partial eviction.
	CacheBytes int64
	// MaxTryAgain bounds the non-blocking descents of a read before it pins
	// blocking.
	MaxTryAgain int

	Duplicates bool
	Compare    func(a, b []byte) int
	Update     ule.UpdateFunc

	Txns   Txns
	WAL    wal.Log
	Logger Logger
	Merger Merger
}

// DefaultConfig returns the settings used when nothing is configured.
func DefaultConfig() Config {
	return Config{
		NodeSize:    4 << 20,
		Fanout:      16,
		CacheSize:   1024,
		CacheBytes:  256 << 20,
		MaxTryAgain: 8,
		Compare:     bytes.Compare,
	}
}

func (c *Config) setDefaults() {
	d := DefaultConfig()
	if c.NodeSize <= 0 {
		c.NodeSize = d.NodeSize
	}
	if c.Fanout < 3 {
		c.Fanout = d.Fanout
	}
	if c.CacheSize <= 0 {
		c.CacheSize = d.CacheSize
	}
	if c.MaxTryAgain <= 0 {
		c.MaxTryAgain = d.MaxTryAgain
	}
	if c.Compare == nil {
		c.Compare = d.Compare
	}
	if c.Txns == nil {
		c.Txns = noTxns{}
	}
	if c.WAL == nil {
		c.WAL = wal.Discard{}
	}
	if c.Logger == nil {
		c.Logger = DiscardLogger{}
	}
	if c.Merger == nil {
		c.Merger = TolerateUnderfull{}
	}
}

func (c *Config) nodeOptions() node.Options {
	return node.Options{Compare: c.Compare, Duplicates: c.Duplicates}
}

func (c *Config) limits() node.Limits {
	return node.Limits{NodeSize: c.NodeSize, Fanout: c.Fanout}
}

// Txns is the transaction table a tree consults while applying messages.
type Txns interface {
	// IsLive reports whether a root transaction is still running.
	IsLive(xid msg.TxnID) bool
	// GCInfo describes what running transactions can still observe.
	GCInfo() ule.GCInfo
	// Last returns the largest transaction id handed out.
	Last() msg.TxnID
}

// noTxns is the table of a tree used without transactions.
type noTxns struct{}

func (noTxns) IsLive(msg.TxnID) bool { return false }
func (noTxns) Last() msg.TxnID       { return msg.TxnNone }

func (noTxns) GCInfo() ule.GCInfo {
	return ule.GCInfo{IsLive: func(msg.TxnID) bool { return false }}
}

// Logger matches the method set of slog.Logger.
type Logger interface {
	Error(msg string, args ...any)
	Warn(msg string, args ...any)
	Info(msg string, args ...any)
}

// DiscardLogger drops everything.
type DiscardLogger struct{}

func (DiscardLogger) Error(string, ...any) {}
func (DiscardLogger) Warn(string, ...any)  {}
func (DiscardLogger) Info(string, ...any)  {}

// Merger is handed every child a flush leaves Fusible. The parent and the
// child are pinned for writing during the call; a merger that restructures
// them must leave both valid.
type Merger interface {
	Merge(parent, child *node.Node, childIndex int)
}

// TolerateUnderfull is the default Merger. It leaves under-full nodes in
// place.
type TolerateUnderfull struct{}

func (TolerateUnderfull) Merge(*node.Node, *node.Node, int) {}
