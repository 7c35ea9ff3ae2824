package ule

import (
	"github.com/alexhholmes/ftdb/internal/msg"
)

// Snapshot decides which committed records a reader sees.
type Snapshot interface {
	// Visible reports whether a record committed by xid is visible.
	Visible(xid msg.TxnID) bool
}

// Reader is a Snapshot that may also own provisional records.
type Reader interface {
	Snapshot
	// Owns reports whether provisional records whose outermost transaction
	// is root were written by the reader's own transaction chain.
	Owns(root msg.TxnID) bool
}

// GCInfo describes the transactions that can still observe old records.
type GCInfo struct {
	Snapshots []Snapshot
	// IsLive reports whether a transaction is still running.
	IsLive func(msg.TxnID) bool
}

// GC drops committed records that no live snapshot or transaction can see.
// It keeps the innermost committed record, the newest committed record
// visible to each snapshot, records of live transactions and every
// provisional record.
func GC(le LeafEntry, info GCInfo) (LeafEntry, error) {
	if len(le) == 0 || le[0] == formatClean {
		return le, nil
	}
	u, err := Unpack(le)
	if err != nil {
		return nil, err
	}
	if !u.gc(info) {
		return le, nil
	}
	return u.Pack(), nil
}

// gc reports whether any record was dropped.
func (u *ULE) gc(info GCInfo) bool {
	nc := u.NumCommitted
	if nc <= 1 {
		return false
	}
	keep := make([]bool, nc)
	keep[nc-1] = true
	for _, s := range info.Snapshots {
		for i := nc - 1; i >= 0; i-- {
			if s.Visible(u.Records[i].XID) {
				keep[i] = true
				break
			}
		}
	}
	if info.IsLive != nil {
		for i := 0; i < nc-1; i++ {
			if xid := u.Records[i].XID; xid != msg.TxnNone && info.IsLive(xid) {
				keep[i] = true
			}
		}
	}

	out := u.Records[:0]
	for i, r := range u.Records {
		if i >= nc || keep[i] {
			out = append(out, r)
		}
	}
	dropped := len(u.Records) - len(out)
	u.Records = out
	u.NumCommitted -= dropped
	return dropped > 0
}

// Lookup returns the value of le as seen by r. Provisional records are
// visible only to their own transaction chain; committed records are visible
// according to r's snapshot. Returned values alias le.
func Lookup(le LeafEntry, r Reader) ([]byte, bool, error) {
	if len(le) == 0 {
		return nil, false, nil
	}
	var (
		nc, i     uint64
		own       bool
		committed Record
		found     bool
		latest    Record
	)
	err := walk(le, func(c, _ uint64) {
		nc = c
	}, func(rec Record) {
		switch {
		case i < nc:
			if r.Visible(rec.XID) {
				committed, found = rec, true
			}
		case i == nc:
			own = r.Owns(rec.XID)
			latest = rec
		default:
			latest = rec
		}
		i++
	})
	if err != nil {
		return nil, false, err
	}
	if own {
		return recordValue(latest)
	}
	if !found {
		return nil, false, nil
	}
	return recordValue(committed)
}

// LatestValue returns the value of the innermost record, committed or not.
func LatestValue(le LeafEntry) ([]byte, bool, error) {
	if len(le) == 0 {
		return nil, false, nil
	}
	var latest Record
	err := walk(le, func(_, _ uint64) {}, func(rec Record) {
		latest = rec
	})
	if err != nil {
		return nil, false, err
	}
	return recordValue(latest)
}

// LatestIsDelete reports whether the innermost record deletes the row.
func LatestIsDelete(le LeafEntry) (bool, error) {
	_, ok, err := LatestValue(le)
	return !ok, err
}

func recordValue(rec Record) ([]byte, bool, error) {
	if rec.Type == RecordInsert {
		return rec.Val, true, nil
	}
	return nil, false, nil
}
