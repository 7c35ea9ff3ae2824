// Package msg defines the messages that flow through the tree.
//
// A message is created once at the root, is immutable afterwards, and is
// ordered against every other message of the same tree by its MSN.
package msg

import (
	"fmt"
	"math"
)

// MSN is a message sequence number. Zero means none.
type MSN uint64

const (
	// ZeroMSN is below every assigned MSN.
	ZeroMSN MSN = 0
	// MaxMSN is above every assigned MSN. It is only used for search bounds.
	MaxMSN MSN = math.MaxUint64
)

// TxnID identifies a transaction. Zero is the absence of a transaction:
// messages carrying it are applied as already committed.
type TxnID uint64

// TxnNone is the id of non-transactional (auto-committed) work.
const TxnNone TxnID = 0

// XIDs is a transaction chain ordered outermost (root transaction) to
// innermost (the nested transaction that issued the message).
type XIDs []TxnID

// Len returns the nesting depth.
func (x XIDs) Len() int {
	return len(x)
}

// Innermost returns the issuing transaction, or TxnNone.
func (x XIDs) Innermost() TxnID {
	if len(x) == 0 {
		return TxnNone
	}
	return x[len(x)-1]
}

// Outermost returns the root transaction, or TxnNone.
func (x XIDs) Outermost() TxnID {
	if len(x) == 0 {
		return TxnNone
	}
	return x[0]
}

// Child returns a new chain with id nested below x.
func (x XIDs) Child(id TxnID) XIDs {
	out := make(XIDs, len(x)+1)
	copy(out, x)
	out[len(x)] = id
	return out
}

// Type is the kind of a message.
type Type uint8

const (
	None Type = iota
	Insert
	InsertNoOverwrite
	DeleteAny
	DeleteBoth
	CommitAny
	CommitBoth
	AbortAny
	AbortBoth
	CommitBroadcastAll
	CommitBroadcastTxn
	AbortBroadcastTxn
	Optimize
	Update
	UpdateBroadcastAll

	numTypes
)

var typeNames = [numTypes]string{
	None:               "none",
	Insert:             "insert",
	InsertNoOverwrite:  "insert-no-overwrite",
	DeleteAny:          "delete-any",
	DeleteBoth:         "delete-both",
	CommitAny:          "commit-any",
	CommitBoth:         "commit-both",
	AbortAny:           "abort-any",
	AbortBoth:          "abort-both",
	CommitBroadcastAll: "commit-broadcast-all",
	CommitBroadcastTxn: "commit-broadcast-txn",
	AbortBroadcastTxn:  "abort-broadcast-txn",
	Optimize:           "optimize",
	Update:             "update",
	UpdateBroadcastAll: "update-broadcast-all",
}

func (t Type) String() string {
	if t >= numTypes {
		return fmt.Sprintf("type(%d)", uint8(t))
	}
	return typeNames[t]
}

// Valid reports whether t is a known message type.
func (t Type) Valid() bool {
	return t < numTypes
}

// Capabilities describes how routing and leaf application treat a message
// type. It is computed once per type.
type Capabilities struct {
	// AppliesOnce messages target one row (or one key) and are routed to a
	// single child, except DoesAny messages in duplicate mode.
	AppliesOnce bool
	// AppliesToAllChildren messages are broadcast to every child and every
	// row of a leaf.
	AppliesToAllChildren bool
	// IsNoOp messages are dropped at injection.
	IsNoOp bool
	// DoesAny messages match every duplicate of their key.
	DoesAny bool
	// Commit and Abort identify transaction resolution messages.
	Commit bool
	Abort  bool
	// Update messages run the tree's update function.
	Update bool
}

var capabilities = [numTypes]Capabilities{
	None:               {IsNoOp: true},
	Insert:             {AppliesOnce: true},
	InsertNoOverwrite:  {AppliesOnce: true},
	DeleteAny:          {AppliesOnce: true, DoesAny: true},
	DeleteBoth:         {AppliesOnce: true},
	CommitAny:          {AppliesOnce: true, DoesAny: true, Commit: true},
	CommitBoth:         {AppliesOnce: true, Commit: true},
	AbortAny:           {AppliesOnce: true, DoesAny: true, Abort: true},
	AbortBoth:          {AppliesOnce: true, Abort: true},
	CommitBroadcastAll: {AppliesToAllChildren: true, Commit: true},
	CommitBroadcastTxn: {AppliesToAllChildren: true, Commit: true},
	AbortBroadcastTxn:  {AppliesToAllChildren: true, Abort: true},
	Optimize:           {AppliesToAllChildren: true},
	Update:             {AppliesOnce: true, Update: true},
	UpdateBroadcastAll: {AppliesToAllChildren: true, Update: true},
}

// Caps returns the capabilities of t.
func (t Type) Caps() Capabilities {
	if t >= numTypes {
		return Capabilities{IsNoOp: true}
	}
	return capabilities[t]
}

// Message is one buffered write. Key is nil for broadcasts. Val holds the
// value for inserts, the value of the pair for *Both messages in duplicate
// mode, and the extra bytes for updates.
type Message struct {
	Type Type
	MSN  MSN
	XIDs XIDs
	Key  []byte
	Val  []byte
}

// Fixed per-message overhead in a buffer: type, msn, lengths and xid count.
const messageOverhead = 1 + 8 + 4 + 4 + 1

// Size returns the bytes the message occupies in a message buffer.
func (m *Message) Size() int {
	return messageOverhead + 8*len(m.XIDs) + len(m.Key) + len(m.Val)
}

// Caps returns the capabilities of the message's type.
func (m *Message) Caps() Capabilities {
	return m.Type.Caps()
}

func (m *Message) String() string {
	return fmt.Sprintf("%s msn=%d xids=%v key=%q", m.Type, m.MSN, []TxnID(m.XIDs), m.Key)
}

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := &Message{Type: m.Type, MSN: m.MSN}
	if m.XIDs != nil {
		c.XIDs = append(XIDs(nil), m.XIDs...)
	}
	if m.Key != nil {
		c.Key = append([]byte(nil), m.Key...)
	}
	if m.Val != nil {
		c.Val = append([]byte(nil), m.Val...)
	}
	return c
}
