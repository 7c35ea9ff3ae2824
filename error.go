package ftdb

import (
	"github.com/cockroachdb/errors"

	"github.com/alexhholmes/ftdb/internal/brt"
	"github.com/alexhholmes/ftdb/internal/node"
	"github.com/alexhholmes/ftdb/internal/txn"
	"github.com/alexhholmes/ftdb/internal/ule"
)

//goland:noinspection GoUnusedGlobalVariable
var (
	ErrKeyNotFound    = errors.New("key not found")
	ErrDatabaseClosed = errors.New("database is closed")
	ErrKeyEmpty       = errors.New("key cannot be empty")
	ErrKeyTooLarge    = errors.New("key too large")
	ErrValueTooLarge  = errors.New("value too large")
	ErrKeysUnsorted   = errors.New("bulk load keys must be in strictly ascending order")

	ErrTxNotWritable = errors.New("transaction is read-only")
	ErrTxDone        = errors.New("transaction has been committed or rolled back")
	ErrChildActive   = txn.ErrChildActive
	ErrTooManyTxns   = txn.ErrTooManyTxns

	ErrNoUpdateFunc     = ule.ErrNoUpdateFunc
	ErrUpdateDuplicates = errors.New("update is not supported in a duplicates database")
	ErrCorruption       = brt.ErrCorrupt
	ErrNoHeader         = brt.ErrNoHeader
	ErrCorruptNode      = node.ErrCorrupt
)
