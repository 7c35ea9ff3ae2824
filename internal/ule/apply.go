package ule

import (
	"github.com/cockroachdb/errors"

	"github.com/alexhholmes/ftdb/internal/msg"
)

// ErrNoUpdateFunc is returned when an update message reaches a row but the
// tree has no update function.
var ErrNoUpdateFunc = errors.New("update message without an update function")

// UpdateAction is the outcome of an UpdateFunc.
type UpdateAction uint8

const (
	// UpdateNoop leaves the row untouched.
	UpdateNoop UpdateAction = iota
	// UpdateSet replaces the row's value.
	UpdateSet
	// UpdateDelete deletes the row.
	UpdateDelete
)

// UpdateFunc computes a row's new value from its latest value and the
// update's extra bytes. old is nil when the row has no value.
type UpdateFunc func(key, old, extra []byte) (newVal []byte, action UpdateAction)

// ApplyContext carries the tree-wide collaborators of a row update.
type ApplyContext struct {
	Update UpdateFunc
	// IsLive reports whether a transaction is still running. Optimize
	// promotes provisional records of transactions that are not. A nil
	// IsLive treats every transaction as live.
	IsLive func(msg.TxnID) bool
	// GC, when set, garbage collects the row after the message is applied.
	GC *GCInfo
}

// Apply applies m to le and returns the new packed row. A nil result is an
// absent row. le is not modified.
func Apply(le LeafEntry, m *msg.Message, ctx ApplyContext) (LeafEntry, error) {
	if m.Type == msg.Update {
		converted, err := convertUpdate(le, m, ctx.Update)
		if err != nil || converted == nil {
			return le, err
		}
		m = converted
	}

	u, err := Unpack(le)
	if err != nil {
		return nil, err
	}
	if m.Caps().AppliesOnce {
		u.doImplicitPromotions(m.XIDs)
	}

	switch m.Type {
	case msg.Insert:
		u.insert(m.XIDs, m.Val)
	case msg.InsertNoOverwrite:
		if !u.latestIsInsert() {
			u.insert(m.XIDs, m.Val)
		}
	case msg.DeleteAny, msg.DeleteBoth:
		u.delete(m.XIDs)
	case msg.CommitAny, msg.CommitBoth, msg.CommitBroadcastTxn:
		u.commit(m.XIDs)
	case msg.AbortAny, msg.AbortBoth:
		u.abort(m.XIDs)
	case msg.AbortBroadcastTxn:
		u.abortLevel(m.XIDs)
	case msg.CommitBroadcastAll:
		if u.NumProvisional() > 0 {
			u.promoteInnermostToCommitted()
		}
	case msg.Optimize:
		if u.NumProvisional() > 0 && ctx.IsLive != nil && !ctx.IsLive(u.Records[u.NumCommitted].XID) {
			u.promoteInnermostToCommitted()
		}
	case msg.None:
	default:
		panic(errors.AssertionFailedf("message %s cannot be applied to a row", m.Type))
	}

	if ctx.GC != nil {
		u.gc(*ctx.GC)
	}
	return u.Pack(), nil
}

// convertUpdate turns an update into the equivalent insert or delete. It
// returns nil when the update function leaves the row alone.
func convertUpdate(le LeafEntry, m *msg.Message, fn UpdateFunc) (*msg.Message, error) {
	if fn == nil {
		return nil, ErrNoUpdateFunc
	}
	old, ok, err := LatestValue(le)
	if err != nil {
		return nil, err
	}
	if !ok {
		old = nil
	}
	newVal, action := fn(m.Key, old, m.Val)
	switch action {
	case UpdateSet:
		if newVal == nil {
			newVal = []byte{}
		}
		return &msg.Message{Type: msg.Insert, MSN: m.MSN, XIDs: m.XIDs, Key: m.Key, Val: newVal}, nil
	case UpdateDelete:
		return &msg.Message{Type: msg.DeleteAny, MSN: m.MSN, XIDs: m.XIDs, Key: m.Key}, nil
	}
	return nil, nil
}

func (u *ULE) insert(xids msg.XIDs, val []byte) {
	u.prepareForNewRecord(xids)
	u.push(Record{Type: RecordInsert, XID: xids.Innermost(), Val: val}, xids.Len() == 0)
}

func (u *ULE) delete(xids msg.XIDs) {
	u.prepareForNewRecord(xids)
	u.push(Record{Type: RecordDelete, XID: xids.Innermost()}, xids.Len() == 0)
}

// prepareForNewRecord makes room for a record of the innermost transaction
// of xids. A non-transactional write replaces a non-transactional committed
// top record. A transaction rewriting its own provisional record replaces it.
// Otherwise placeholders fill the nesting levels between the existing
// provisional records and the new one.
func (u *ULE) prepareForNewRecord(xids msg.XIDs) {
	this := xids.Innermost()
	switch {
	case this == msg.TxnNone:
		if u.NumProvisional() != 0 {
			panic(errors.AssertionFailedf("non-transactional write over %d provisional records", u.NumProvisional()))
		}
		if u.innermostXID() == msg.TxnNone {
			u.pop()
		}
	case u.NumProvisional() > 0 && u.innermostXID() == this:
		u.pop()
	default:
		for level := u.NumProvisional(); level < xids.Len()-1; level++ {
			u.push(Record{Type: RecordPlaceholder, XID: xids[level]}, false)
		}
	}
}

// doImplicitPromotions commits the provisional records that do not belong to
// the chain xids. Row locks guarantee the transactions that wrote them have
// finished, and an abort would already have been delivered in msn order, so
// whatever is left committed.
func (u *ULE) doImplicitPromotions(xids msg.XIDs) {
	np := u.NumProvisional()
	if np == 0 {
		return
	}
	nc := u.NumCommitted
	levels := min(np, xids.Len())
	ica := nc + levels
	for i := 0; i < levels; i++ {
		if u.Records[nc+i].XID != xids[i] {
			ica = nc + i
			break
		}
	}
	if ica >= len(u.Records) {
		return
	}
	if ica == nc {
		u.promoteInnermostToCommitted()
	} else {
		u.promoteInnermostToIndex(ica - 1)
	}
}

// promoteInnermostToCommitted replaces every provisional record with one
// committed record carrying the innermost value and the outermost xid.
func (u *ULE) promoteInnermostToCommitted() {
	top := *u.innermost()
	if top.Type == RecordPlaceholder {
		panic(errors.AssertionFailedf("promoting a placeholder"))
	}
	xid := u.Records[u.NumCommitted].XID
	u.Records = u.Records[:u.NumCommitted]
	u.push(Record{Type: top.Type, XID: xid, Val: top.Val}, true)
}

// promoteInnermostToIndex collapses the provisional records at and above
// index into one record carrying the innermost value and index's xid.
func (u *ULE) promoteInnermostToIndex(index int) {
	if index < u.NumCommitted || index >= len(u.Records) {
		panic(errors.AssertionFailedf("promotion index %d outside provisional records [%d,%d)",
			index, u.NumCommitted, len(u.Records)))
	}
	top := *u.innermost()
	if top.Type == RecordPlaceholder {
		panic(errors.AssertionFailedf("promoting a placeholder"))
	}
	xid := u.Records[index].XID
	u.Records = u.Records[:index]
	u.push(Record{Type: top.Type, XID: xid, Val: top.Val}, false)
}

func (u *ULE) commit(xids msg.XIDs) {
	if u.NumProvisional() == 0 || u.innermostXID() != xids.Innermost() {
		return
	}
	if xids.Len() == 1 {
		u.promoteInnermostToCommitted()
	} else {
		u.promoteInnermostToIndex(u.NumCommitted + xids.Len() - 2)
	}
}

func (u *ULE) abort(xids msg.XIDs) {
	if u.NumProvisional() == 0 || u.innermostXID() != xids.Innermost() {
		return
	}
	u.pop()
	for u.NumProvisional() > 0 && u.innermost().Type == RecordPlaceholder {
		u.pop()
	}
}

// abortLevel discards the provisional records of the innermost transaction
// of xids together with those of its unfinished children.
func (u *ULE) abortLevel(xids msg.XIDs) {
	level := u.NumCommitted + xids.Len() - 1
	if xids.Len() == 0 || level >= len(u.Records) || u.Records[level].XID != xids.Innermost() {
		return
	}
	u.Records = u.Records[:level]
	for u.NumProvisional() > 0 && u.innermost().Type == RecordPlaceholder {
		u.pop()
	}
}

func (u *ULE) latestIsInsert() bool {
	return u.innermost().Type == RecordInsert
}
