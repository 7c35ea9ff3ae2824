package ftdb

import (
	"time"

	"github.com/alexhholmes/ftdb/internal/brt"
	"github.com/alexhholmes/ftdb/internal/ule"
	"github.com/alexhholmes/ftdb/internal/wal"
)

// SyncMode controls when the write-ahead log is fsynced to disk
type SyncMode int

const (
	// SyncEveryCommit fsyncs the log on every transaction commit.
	// - Guarantees zero data loss on power failure
	// - Limited by fsync latency (typically 1-10ms per commit)
	SyncEveryCommit SyncMode = iota

	// SyncBytes fsyncs when at least N bytes have been logged since the last
	// fsync.
	// - Some data loss possible on crash (up to N bytes)
	SyncBytes

	// SyncOff disables fsync of the log entirely (testing/bulk loads only).
	// Work since the last checkpoint is lost on crash.
	SyncOff
)

func (m SyncMode) wal() wal.SyncMode {
	switch m {
	case SyncBytes:
		return wal.SyncBytes
	case SyncOff:
		return wal.SyncOff
	default:
		return wal.SyncEveryCommit
	}
}

// UpdateFunc computes a row's new value from its current value and the extra
// bytes passed to Tx.Update. old is nil when the key has no value.
type UpdateFunc = ule.UpdateFunc

// UpdateAction is what an UpdateFunc does to the row.
type UpdateAction = ule.UpdateAction

const (
	UpdateNoop   = ule.UpdateNoop
	UpdateSet    = ule.UpdateSet
	UpdateDelete = ule.UpdateDelete
)

// DBOptions configures database behavior.
type DBOptions struct {
	nodeSize   int
	fanout     int
	cacheSize  int   // Number of unpinned nodes kept in memory.
	cacheBytes int64 // Resident bytes above which unpinned nodes shed partitions.

	duplicates bool
	compare    func(a, b []byte) int
	update     UpdateFunc

	syncMode           SyncMode
	syncBytes          int // Number of bytes to log before fsync when SyncMode is SyncBytes.
	walDisabled        bool
	directIO           bool
	checkpointInterval time.Duration // 0 disables the background checkpointer.
	maxTxns            int

	logger Logger
}

// DefaultDBOptions returns safe default configuration.
//
// goland:noinspection GoUnusedExportedFunction
func DefaultDBOptions() DBOptions {
	cfg := brt.DefaultConfig()
	return DBOptions{
		nodeSize:           cfg.NodeSize,
		fanout:             cfg.Fanout,
		cacheSize:          cfg.CacheSize,
		cacheBytes:         cfg.CacheBytes,
		compare:            cfg.Compare,
		syncMode:           SyncEveryCommit,
		syncBytes:          1024 * 1024, // 1MB
		checkpointInterval: time.Minute,
		maxTxns:            1024,
		logger:             DiscardLogger{},
	}
}

func (o *DBOptions) treeConfig() brt.Config {
	cfg := brt.DefaultConfig()
	cfg.NodeSize = o.nodeSize
	cfg.Fanout = o.fanout
	cfg.CacheSize = o.cacheSize
	cfg.CacheBytes = o.cacheBytes
	cfg.Duplicates = o.duplicates
	cfg.Compare = o.compare
	cfg.Update = o.update
	cfg.Logger = o.logger
	return cfg
}

// DBOption configures database options using the functional options pattern.
type DBOption func(*DBOptions)

// WithNodeSize sets the target size of a tree node in bytes. Larger nodes
// buffer more messages per flush; smaller nodes make point reads cheaper.
//
//goland:noinspection GoUnusedExportedFunction
func WithNodeSize(bytes int) DBOption {
	return func(opts *DBOptions) {
		opts.nodeSize = bytes
	}
}

// WithFanout sets the target number of children of an interior node.
//
//goland:noinspection GoUnusedExportedFunction
func WithFanout(n int) DBOption {
	return func(opts *DBOptions) {
		opts.fanout = n
	}
}

// WithCacheSize sets the number of unpinned nodes kept in memory.
//
//goland:noinspection GoUnusedExportedFunction
func WithCacheSize(nodes int) DBOption {
	return func(opts *DBOptions) {
		opts.cacheSize = nodes
	}
}

// WithCacheBytes sets the memory budget of the node cache. Above it, cached
// nodes drop their decoded partitions. Zero disables the budget.
//
//goland:noinspection GoUnusedExportedFunction
func WithCacheBytes(bytes int64) DBOption {
	return func(opts *DBOptions) {
		opts.cacheBytes = bytes
	}
}

// WithDuplicates stores several values per key, ordered by value. Set it
// when the database is created; reopening with a different setting fails.
//
//goland:noinspection GoUnusedExportedFunction
func WithDuplicates() DBOption {
	return func(opts *DBOptions) {
		opts.duplicates = true
	}
}

// WithComparator orders keys (and duplicate values) with compare instead of
// bytes.Compare. It must be the same every time the database is opened.
//
//goland:noinspection GoUnusedExportedFunction
func WithComparator(compare func(a, b []byte) int) DBOption {
	return func(opts *DBOptions) {
		opts.compare = compare
	}
}

// WithUpdateFunc sets the function Tx.Update and Tx.UpdateAll apply.
//
//goland:noinspection GoUnusedExportedFunction
func WithUpdateFunc(fn UpdateFunc) DBOption {
	return func(opts *DBOptions) {
		opts.update = fn
	}
}

// WithLogger sets the logger. *slog.Logger satisfies Logger.
//
//goland:noinspection GoUnusedExportedFunction
func WithLogger(logger Logger) DBOption {
	return func(opts *DBOptions) {
		opts.logger = logger
	}
}

// WithSyncEveryCommit configures the database to fsync on every commit.
// This provides maximum durability (zero data loss) but lower throughput.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncEveryCommit() DBOption {
	return func(opts *DBOptions) {
		opts.syncMode = SyncEveryCommit
	}
}

// WithSyncBytes fsyncs the log once bytes have been written since the last
// fsync.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncBytes(bytes int) DBOption {
	return func(opts *DBOptions) {
		opts.syncMode = SyncBytes
		opts.syncBytes = bytes
	}
}

// WithSyncOff disables fsync entirely.
// This provides maximum throughput but all unflushed data is lost on crash.
// Only use for testing or bulk loads where data can be reconstructed.
//
//goland:noinspection GoUnusedExportedFunction
func WithSyncOff() DBOption {
	return func(opts *DBOptions) {
		opts.syncMode = SyncOff
	}
}

// WithoutWAL disables the write-ahead log. Only checkpointed work survives
// a crash.
//
//goland:noinspection GoUnusedExportedFunction
func WithoutWAL() DBOption {
	return func(opts *DBOptions) {
		opts.walDisabled = true
	}
}

// WithDirectIO opens the tree file with O_DIRECT where the platform supports
// it, bypassing the page cache.
//
//goland:noinspection GoUnusedExportedFunction
func WithDirectIO() DBOption {
	return func(opts *DBOptions) {
		opts.directIO = true
	}
}

// WithCheckpointInterval sets how often the background checkpointer runs.
// Zero disables it; Close always checkpoints.
//
//goland:noinspection GoUnusedExportedFunction
func WithCheckpointInterval(d time.Duration) DBOption {
	return func(opts *DBOptions) {
		opts.checkpointInterval = d
	}
}

// WithMaxTxns sets the number of transactions that can run at once.
//
//goland:noinspection GoUnusedExportedFunction
func WithMaxTxns(n int) DBOption {
	return func(opts *DBOptions) {
		opts.maxTxns = n
	}
}
