// Package ftdb is an embedded key/value store built on a message-buffering
// (fractal) tree. Writes are buffered as messages in interior nodes and
// pushed towards the leaves in batches, so random inserts cost a fraction of
// a disk write each. Reads merge the buffered messages into the leaf they
// land on.
//
// Transactions are multi-version: readers see the snapshot taken when they
// began and never block writers. One write transaction runs at a time.
package ftdb

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/alexhholmes/ftdb/internal/brt"
	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/storage"
	"github.com/alexhholmes/ftdb/internal/txn"
	"github.com/alexhholmes/ftdb/internal/wal"
)

const (
	// MaxKeySize is the maximum length of a key, in bytes.
	// Pivot keys are copied into interior nodes, so keys stay small next to
	// the node size.
	MaxKeySize = 32 << 10

	// MaxValueSize is the maximum length of a value, in bytes.
	MaxValueSize = 16 << 20
)

type DB struct {
	tree   *brt.Tree
	txns   *txn.Manager
	log    wal.Log
	logger Logger
	opts   DBOptions

	writer sync.Mutex // held by the write transaction from Begin to Commit/Rollback
	closed atomic.Bool

	// Background checkpointer
	stopC chan struct{}
	wg    sync.WaitGroup
}

// Stats describes the tree and its cache.
type Stats struct {
	brt.Stats
	LiveTxns int
}

// Open opens the database at path, creating it if it does not exist. The
// write-ahead log lives next to it at path + ".wal". Work the log holds
// beyond the last checkpoint is replayed before Open returns.
func Open(path string, options ...DBOption) (*DB, error) {
	opts := DefaultDBOptions()
	for _, opt := range options {
		opt(&opts)
	}
	if opts.logger == nil {
		opts.logger = DiscardLogger{}
	}

	store, err := storage.Open(path, opts.directIO)
	if err != nil {
		return nil, err
	}

	var (
		log  wal.Log = wal.Discard{}
		file *wal.File
	)
	if !opts.walDisabled {
		file, err = wal.Open(path+".wal", opts.syncMode.wal(), opts.syncBytes)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		log = file
	}

	txns := txn.NewManager(opts.maxTxns, msg.TxnNone)
	cfg := opts.treeConfig()
	cfg.Txns = txns
	cfg.WAL = log
	tree, err := brt.Open(store, cfg)
	if err != nil {
		_ = log.Close()
		return nil, errors.CombineErrors(err, store.Close())
	}
	txns.Advance(tree.LastXID())

	d := &DB{
		tree:   tree,
		txns:   txns,
		log:    log,
		logger: opts.logger,
		opts:   opts,
		stopC:  make(chan struct{}),
	}

	if file != nil {
		if err := d.recover(file); err != nil {
			_ = tree.Close()
			_ = log.Close()
			return nil, err
		}
	}

	if opts.checkpointInterval > 0 {
		d.wg.Add(1)
		go d.backgroundCheckpointer(opts.checkpointInterval)
	}
	d.logger.Info("opened database", "path", path, "msn", tree.Context().LastMSN(),
		"lastXID", txns.Last(), "duplicates", opts.duplicates)
	return d, nil
}

// recover replays the messages the log holds beyond the last checkpoint,
// aborts the transactions a crash interrupted and checkpoints the result.
func (d *DB) recover(file *wal.File) error {
	replayed := 0
	err := file.Replay(d.tree.Context().LastMSN(), func(m *msg.Message) error {
		replayed++
		return d.tree.Replay(m)
	})
	if err != nil {
		return errors.Wrap(err, "replay wal")
	}
	lastMSN, lastXID := file.Last()
	d.tree.Context().Advance(lastMSN)
	d.txns.Advance(lastXID)

	// Their messages may already be in the checkpointed tree.
	orphans := file.Orphans()
	for _, xid := range orphans {
		if err := d.tree.Replay(&msg.Message{Type: msg.AbortBroadcastTxn, XIDs: msg.XIDs{xid}}); err != nil {
			return err
		}
		if err := file.Abort(xid); err != nil {
			return err
		}
	}
	if replayed == 0 && len(orphans) == 0 {
		return nil
	}
	d.logger.Info("recovered wal", "messages", replayed, "aborted", len(orphans), "msn", lastMSN)
	return d.tree.Checkpoint()
}

func (d *DB) Get(key []byte) ([]byte, error) {
	var result []byte
	err := d.View(func(tx *Tx) error {
		val, err := tx.Get(key)
		if err != nil {
			return err
		}
		result = val
		return nil
	})
	return result, err
}

func (d *DB) Set(key, value []byte) error {
	return d.Update(func(tx *Tx) error {
		return tx.Put(key, value)
	})
}

func (d *DB) Delete(key []byte) error {
	return d.Update(func(tx *Tx) error {
		return tx.Delete(key)
	})
}

// Begin starts a transaction. A write transaction waits for the previous
// one to finish.
func (d *DB) Begin(writable bool) (*Tx, error) {
	if d.closed.Load() {
		return nil, ErrDatabaseClosed
	}
	if writable {
		d.writer.Lock()
	}
	t, err := d.txns.Begin(nil)
	if err != nil {
		if writable {
			d.writer.Unlock()
		}
		return nil, err
	}
	return &Tx{db: d, txn: t, writable: writable}, nil
}

// View executes a function within a read-only transaction.
// If the function returns an error, the transaction is rolled back.
// If the function returns nil, the transaction is rolled back (read-only).
func (d *DB) View(fn func(*Tx) error) error {
	tx, err := d.Begin(false)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	return fn(tx)
}

// Update executes a function within a read-write transaction.
// If the function returns an error, the transaction is rolled back.
// If the function returns nil, the transaction is committed.
func (d *DB) Update(fn func(*Tx) error) error {
	tx, err := d.Begin(true)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if err := fn(tx); err != nil {
		return err
	}

	return tx.Commit()
}

// Checkpoint makes everything written so far durable in the tree file and
// trims the log.
func (d *DB) Checkpoint() error {
	if d.closed.Load() {
		return ErrDatabaseClosed
	}
	return d.tree.Checkpoint()
}

// Optimize pushes every buffered message down to the leaves.
func (d *DB) Optimize() error {
	if d.closed.Load() {
		return ErrDatabaseClosed
	}
	return d.tree.Optimize()
}

// Verify checks the structure of the whole tree. It reads every node.
func (d *DB) Verify() error {
	if d.closed.Load() {
		return ErrDatabaseClosed
	}
	return d.tree.Verify()
}

func (d *DB) Stats() Stats {
	return Stats{Stats: d.tree.Stats(), LiveTxns: d.txns.Live()}
}

// Close checkpoints and closes the database. Transactions still running are
// lost.
func (d *DB) Close() error {
	if d.closed.Swap(true) {
		return ErrDatabaseClosed
	}
	close(d.stopC)
	d.wg.Wait()

	err := d.tree.Checkpoint()
	err = errors.CombineErrors(err, d.tree.Close())
	err = errors.CombineErrors(err, d.log.Close())
	d.logger.Info("closed database", "error", err)
	return err
}

// backgroundCheckpointer periodically checkpoints the tree and trims the log
func (d *DB) backgroundCheckpointer(interval time.Duration) {
	defer d.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := d.tree.Checkpoint(); err != nil {
				d.logger.Warn("background checkpoint", "error", err)
			}

		case <-d.stopC:
			return
		}
	}
}
