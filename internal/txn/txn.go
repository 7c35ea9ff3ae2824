// Package txn tracks live transactions and the snapshots they read from.
//
// Root transactions occupy a slot in a fixed-size array, so registering and
// releasing a transaction does not allocate. Nested transactions share their
// root's slot and snapshot.
package txn

import (
	"math"
	"slices"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/ule"
)

var (
	// ErrTooManyTxns is returned when every slot is taken.
	ErrTooManyTxns = errors.New("too many concurrent transactions (increase max transactions)")
	// ErrTxnDone is returned when beginning a child of a finished transaction.
	ErrTxnDone = errors.New("transaction has already finished")
	// ErrChildActive is returned when a transaction with a live child is
	// ended, or a second child is begun.
	ErrChildActive = errors.New("transaction has an active child")
)

// Manager allocates transaction ids and knows which transactions are live.
type Manager struct {
	mu     sync.Mutex // serializes id allocation, registration and snapshots
	last   atomic.Uint64
	slots  []atomic.Pointer[Txn]
	active atomic.Int32
	oldest atomic.Uint64 // cached smallest live root id (MaxUint64 when none)
}

// NewManager returns a manager with room for maxTxns concurrent root
// transactions. Ids continue after last, the largest id handed out before.
func NewManager(maxTxns int, last msg.TxnID) *Manager {
	m := &Manager{slots: make([]atomic.Pointer[Txn], maxTxns)}
	m.last.Store(uint64(last))
	m.oldest.Store(math.MaxUint64)
	return m
}

// Txn is a live transaction. A Txn is used by one goroutine at a time.
type Txn struct {
	ID     msg.TxnID
	XIDs   msg.XIDs
	Parent *Txn

	m     *Manager
	root  *Txn
	slot  int
	snap  *snapshot
	child *Txn
	done  bool
}

// snapshot is the set of transactions that had not committed when a root
// transaction began.
type snapshot struct {
	begin msg.TxnID   // first id not visible
	live  []msg.TxnID // sorted
}

func (s *snapshot) visible(xid msg.TxnID) bool {
	if xid == msg.TxnNone {
		return true
	}
	if xid >= s.begin {
		return false
	}
	_, found := slices.BinarySearch(s.live, xid)
	return !found
}

// Visible implements ule.Snapshot.
func (s *snapshot) Visible(xid msg.TxnID) bool {
	return s.visible(xid)
}

// Begin starts a transaction, nested below parent when parent is not nil.
func (m *Manager) Begin(parent *Txn) (*Txn, error) {
	if parent != nil {
		if parent.done {
			return nil, ErrTxnDone
		}
		if parent.child != nil {
			return nil, ErrChildActive
		}
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	id := msg.TxnID(m.last.Add(1))
	if parent != nil {
		t := &Txn{
			ID:     id,
			XIDs:   parent.XIDs.Child(id),
			Parent: parent,
			m:      m,
			root:   parent.root,
			slot:   -1,
		}
		parent.child = t
		return t, nil
	}

	t := &Txn{ID: id, XIDs: msg.XIDs{id}, m: m, slot: -1}
	t.root = t
	t.snap = &snapshot{begin: id, live: m.liveLocked()}
	for i := range m.slots {
		if m.slots[i].CompareAndSwap(nil, t) {
			t.slot = i
			break
		}
	}
	if t.slot < 0 {
		return nil, ErrTooManyTxns
	}
	m.active.Add(1)
	for {
		current := m.oldest.Load()
		if uint64(id) >= current || m.oldest.CompareAndSwap(current, uint64(id)) {
			break
		}
	}
	return t, nil
}

// End finishes t. Ending a root transaction releases its slot.
func (m *Manager) End(t *Txn) error {
	if t.done {
		return ErrTxnDone
	}
	if t.child != nil {
		return ErrChildActive
	}
	t.done = true
	if t.Parent != nil {
		t.Parent.child = nil
		return nil
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.slots[t.slot].Store(nil)
	if m.active.Add(-1) == 0 {
		m.oldest.Store(math.MaxUint64)
	} else if uint64(t.ID) == m.oldest.Load() {
		m.rescanOldest()
	}
	return nil
}

func (m *Manager) rescanOldest() {
	oldest := uint64(math.MaxUint64)
	for i := range m.slots {
		if t := m.slots[i].Load(); t != nil && uint64(t.ID) < oldest {
			oldest = uint64(t.ID)
		}
	}
	m.oldest.Store(oldest)
}

func (m *Manager) liveLocked() []msg.TxnID {
	var live []msg.TxnID
	for i := range m.slots {
		if t := m.slots[i].Load(); t != nil {
			live = append(live, t.ID)
		}
	}
	slices.Sort(live)
	return live
}

// IsLive reports whether xid is a running root transaction.
func (m *Manager) IsLive(xid msg.TxnID) bool {
	if xid == msg.TxnNone || m.active.Load() == 0 || uint64(xid) < m.oldest.Load() {
		return false
	}
	for i := range m.slots {
		if t := m.slots[i].Load(); t != nil && t.ID == xid {
			return true
		}
	}
	return false
}

// GCInfo returns the snapshots of every live transaction.
func (m *Manager) GCInfo() ule.GCInfo {
	info := ule.GCInfo{IsLive: m.IsLive}
	if m.active.Load() == 0 {
		return info
	}
	for i := range m.slots {
		if t := m.slots[i].Load(); t != nil {
			info.Snapshots = append(info.Snapshots, t.snap)
		}
	}
	return info
}

// Live returns the number of running root transactions.
func (m *Manager) Live() int {
	return int(m.active.Load())
}

// Oldest returns the smallest running root id, or false when none runs.
func (m *Manager) Oldest() (msg.TxnID, bool) {
	if m.active.Load() == 0 {
		return msg.TxnNone, false
	}
	return msg.TxnID(m.oldest.Load()), true
}

// Advance makes later ids start after last.
func (m *Manager) Advance(last msg.TxnID) {
	for {
		current := m.last.Load()
		if uint64(last) <= current || m.last.CompareAndSwap(current, uint64(last)) {
			return
		}
	}
}

// Last returns the largest id handed out.
func (m *Manager) Last() msg.TxnID {
	return msg.TxnID(m.last.Load())
}

// Root returns the outermost transaction of t's chain.
func (t *Txn) Root() *Txn {
	return t.root
}

// Done reports whether t has ended.
func (t *Txn) Done() bool {
	return t.done
}

// Visible implements ule.Snapshot using the root transaction's snapshot.
func (t *Txn) Visible(xid msg.TxnID) bool {
	if xid == t.root.ID {
		return true
	}
	return t.root.snap.visible(xid)
}

// Owns implements ule.Reader.
func (t *Txn) Owns(root msg.TxnID) bool {
	return root == t.root.ID
}

// Latest reads the newest committed value of every row.
type Latest struct{}

// Visible implements ule.Snapshot.
func (Latest) Visible(msg.TxnID) bool {
	return true
}

// Owns implements ule.Reader.
func (Latest) Owns(msg.TxnID) bool {
	return false
}

var (
	_ ule.Reader   = (*Txn)(nil)
	_ ule.Reader   = Latest{}
	_ ule.Snapshot = (*snapshot)(nil)
)
