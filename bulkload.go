package ftdb

import (
	"bytes"

	"github.com/alexhholmes/ftdb/internal/msg"
)

// BulkLoader inserts rows in ascending key order through one write
// transaction.
//
// Rows are not tracked per key. The owning transaction ends with a single
// broadcast commit or abort, so a load may write any number of rows without
// the transaction holding them in memory.
type BulkLoader struct {
	tx *Tx

	lastKey []byte // Enforce sorted order
	lastVal []byte
	stats   BulkLoaderStats
}

// BulkLoaderStats describes a finished load.
type BulkLoaderStats struct {
	Rows  int
	Bytes int64 // Key and value bytes loaded.
}

// BulkLoad runs fn with a loader writing into tx. The rows become visible
// when tx commits and are discarded if it rolls back.
func (tx *Tx) BulkLoad(fn func(*BulkLoader) error) (BulkLoaderStats, error) {
	if err := tx.check(); err != nil {
		return BulkLoaderStats{}, err
	}
	if !tx.writable {
		return BulkLoaderStats{}, ErrTxNotWritable
	}
	l := &BulkLoader{tx: tx}
	tx.broadcast = true
	err := fn(l)
	return l.stats, err
}

// Set adds a row. Keys must be strictly ascending under the database's
// comparator. In a duplicates database a key may repeat with strictly
// ascending values.
func (l *BulkLoader) Set(key, value []byte) error {
	if err := l.tx.validate(key, value); err != nil {
		return err
	}
	if l.lastKey != nil {
		compare := l.tx.db.opts.compare
		c := compare(key, l.lastKey)
		if c < 0 || c == 0 && (!l.tx.db.opts.duplicates || compare(value, l.lastVal) <= 0) {
			return ErrKeysUnsorted
		}
	}
	if err := l.tx.put(msg.Insert, key, value); err != nil {
		return err
	}
	l.lastKey = append(l.lastKey[:0], key...)
	l.lastVal = append(l.lastVal[:0], value...)
	l.stats.Rows++
	l.stats.Bytes += int64(len(key) + len(value))
	return nil
}

// Rows returns the number of rows loaded so far.
func (l *BulkLoader) Rows() int {
	return l.stats.Rows
}

// Last returns the last key loaded, or nil.
func (l *BulkLoader) Last() []byte {
	return bytes.Clone(l.lastKey)
}
