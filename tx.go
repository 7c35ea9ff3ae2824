package ftdb

import (
	"bytes"

	"github.com/cockroachdb/errors"

	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/txn"
)

// maxTouchedKeys is the number of written keys above which a transaction
// ends with one broadcast message instead of a commit or abort per key.
const maxTouchedKeys = 1024

// Tx represents a transaction on the database.
//
// CONCURRENCY: Transactions are NOT thread-safe and must only be used by a single
// goroutine at a time.
//
// Reads see the rows committed before the transaction began plus the
// transaction's own writes. Writes are provisional until the outermost
// transaction commits.
type Tx struct {
	db       *DB
	txn      *txn.Txn
	parent   *Tx
	child    *Tx
	writable bool
	done     bool

	// Keys written by this transaction and its committed children. They
	// receive a commit or abort message when the transaction ends.
	touched   map[string]struct{}
	broadcast bool
	// logged is set on the outermost transaction once any message of its
	// family has reached the tree.
	logged bool
}

// ID returns the transaction id.
func (tx *Tx) ID() uint64 {
	return uint64(tx.txn.ID)
}

// Writable reports whether the transaction can write.
func (tx *Tx) Writable() bool {
	return tx.writable
}

// Get retrieves the value for a key. In a duplicates database it returns the
// smallest value of the key.
// Returns ErrKeyNotFound if the key does not exist.
func (tx *Tx) Get(key []byte) ([]byte, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if len(key) == 0 {
		return nil, ErrKeyEmpty
	}
	val, ok, err := tx.db.tree.Get(key, tx.txn)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, ErrKeyNotFound
	}
	return val, nil
}

// Put writes a key-value pair. In a duplicates database it adds value to
// the values of key.
// Returns ErrTxNotWritable if called on a read-only transaction.
// Returns ErrKeyTooLarge if key exceeds MaxKeySize (32KB).
// Returns ErrValueTooLarge if value exceeds MaxValueSize (16MB).
func (tx *Tx) Put(key, value []byte) error {
	if err := tx.validate(key, value); err != nil {
		return err
	}
	return tx.write(msg.Insert, key, value)
}

// PutIfAbsent writes a key-value pair unless key already has a value. In a
// duplicates database it adds the pair unless that exact pair exists; other
// values of key do not block it.
func (tx *Tx) PutIfAbsent(key, value []byte) error {
	if err := tx.validate(key, value); err != nil {
		return err
	}
	return tx.write(msg.InsertNoOverwrite, key, value)
}

// Delete removes a key, and in a duplicates database every value of it.
// Idempotent: returns nil if key doesn't exist.
func (tx *Tx) Delete(key []byte) error {
	if err := tx.validate(key, nil); err != nil {
		return err
	}
	return tx.write(msg.DeleteAny, key, nil)
}

// DeletePair removes one value of a key in a duplicates database. Without
// duplicates it is Delete.
func (tx *Tx) DeletePair(key, value []byte) error {
	if err := tx.validate(key, value); err != nil {
		return err
	}
	return tx.write(msg.DeleteBoth, key, value)
}

// Update applies the database's update function to key with extra. The
// function runs when the message reaches the key's leaf, so Update never
// reads the key first.
// Returns ErrUpdateDuplicates in a duplicates database, where a key has no
// single value to update.
func (tx *Tx) Update(key, extra []byte) error {
	if err := tx.validate(key, extra); err != nil {
		return err
	}
	if tx.db.opts.duplicates {
		return ErrUpdateDuplicates
	}
	return tx.write(msg.Update, key, extra)
}

// UpdateAll applies the database's update function to every key.
// Returns ErrUpdateDuplicates in a duplicates database.
func (tx *Tx) UpdateAll(extra []byte) error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	if tx.db.opts.duplicates {
		return ErrUpdateDuplicates
	}
	if err := tx.put(msg.UpdateBroadcastAll, nil, extra); err != nil {
		return err
	}
	tx.broadcast = true
	return nil
}

// Cursor creates a cursor over the rows this transaction sees.
func (tx *Tx) Cursor() *Cursor {
	return &Cursor{tx: tx, c: tx.db.tree.NewCursor(tx.txn)}
}

// ForEach iterates over all key-value pairs in key order.
func (tx *Tx) ForEach(fn func(key, value []byte) error) error {
	c := tx.Cursor()
	for k, v := c.First(); k != nil; k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return c.Err()
}

// ForEachPrefix iterates over the key-value pairs whose key starts with
// prefix.
func (tx *Tx) ForEachPrefix(prefix []byte, fn func(key, value []byte) error) error {
	c := tx.Cursor()
	for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
		if err := fn(k, v); err != nil {
			return err
		}
	}
	return c.Err()
}

// Begin starts a transaction nested in tx. Its writes become part of tx when
// it commits and are undone when it rolls back. tx cannot be used until the
// child ends.
func (tx *Tx) Begin() (*Tx, error) {
	if err := tx.check(); err != nil {
		return nil, err
	}
	if !tx.writable {
		return nil, ErrTxNotWritable
	}
	t, err := tx.db.txns.Begin(tx.txn)
	if err != nil {
		return nil, err
	}
	tx.child = &Tx{db: tx.db, txn: t, parent: tx, writable: true}
	return tx.child, nil
}

// Commit makes the transaction's writes visible to transactions that begin
// afterwards, or hands them to the parent of a nested transaction.
func (tx *Tx) Commit() error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}

	if err := tx.resolve(msg.CommitBoth, msg.CommitAny, msg.CommitBroadcastTxn); err != nil {
		return err
	}
	if tx.parent != nil {
		for k := range tx.touched {
			tx.parent.touch(k)
		}
		tx.parent.broadcast = tx.parent.broadcast || tx.broadcast
	} else if tx.logged {
		if err := tx.db.log.Commit(tx.txn.ID); err != nil {
			return err
		}
	}
	return tx.end()
}

// Rollback undoes the transaction's writes. The transaction ends even when
// an error is returned.
func (tx *Tx) Rollback() error {
	if tx.done {
		return nil // Already committed or rolled back
	}
	var err error
	if tx.child != nil {
		err = tx.child.Rollback()
	}
	if tx.writable {
		err = errors.CombineErrors(err, tx.resolve(msg.AbortBoth, msg.AbortAny, msg.AbortBroadcastTxn))
		if tx.parent == nil && tx.logged {
			err = errors.CombineErrors(err, tx.db.log.Abort(tx.txn.ID))
		}
	}
	return errors.CombineErrors(err, tx.end())
}

// resolve sends the messages that end every provisional record tx wrote:
// one per key, or one broadcast when tx touched every row or too many keys.
func (tx *Tx) resolve(point, dup, broadcast msg.Type) error {
	if tx.broadcast || len(tx.touched) > maxTouchedKeys {
		return tx.put(broadcast, nil, nil)
	}
	ty := point
	if tx.db.opts.duplicates {
		ty = dup
	}
	for k := range tx.touched {
		if err := tx.put(ty, []byte(k), nil); err != nil {
			return err
		}
	}
	return nil
}

func (tx *Tx) end() error {
	tx.done = true
	if tx.parent != nil {
		tx.parent.child = nil
	}
	err := tx.db.txns.End(tx.txn)
	if tx.writable && tx.parent == nil {
		tx.db.writer.Unlock()
	}
	return err
}

func (tx *Tx) write(ty msg.Type, key, val []byte) error {
	if err := tx.put(ty, key, val); err != nil {
		return err
	}
	tx.touch(string(key))
	return nil
}

func (tx *Tx) touch(key string) {
	if tx.touched == nil {
		tx.touched = make(map[string]struct{})
	}
	tx.touched[key] = struct{}{}
}

func (tx *Tx) put(ty msg.Type, key, val []byte) error {
	m := &msg.Message{
		Type: ty,
		XIDs: tx.txn.XIDs,
		Key:  bytes.Clone(key),
		Val:  bytes.Clone(val),
	}
	root := tx
	for root.parent != nil {
		root = root.parent
	}
	root.logged = true
	return tx.db.tree.Put(m)
}

func (tx *Tx) validate(key, value []byte) error {
	if err := tx.check(); err != nil {
		return err
	}
	if !tx.writable {
		return ErrTxNotWritable
	}
	if len(key) == 0 {
		return ErrKeyEmpty
	}
	if len(key) > MaxKeySize {
		return ErrKeyTooLarge
	}
	if len(value) > MaxValueSize {
		return ErrValueTooLarge
	}
	return nil
}

// check verifies the transaction is still active.
// Returns ErrTxDone if the transaction has been committed or rolled back,
// and ErrChildActive while a nested transaction runs.
func (tx *Tx) check() error {
	if tx.done {
		return ErrTxDone
	}
	if tx.child != nil {
		return ErrChildActive
	}
	if tx.db.closed.Load() {
		return ErrDatabaseClosed
	}
	return nil
}
