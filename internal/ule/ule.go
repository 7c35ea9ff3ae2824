// Package ule converts rows between their packed leaf entry form and the
// unpacked stack of transaction records, and applies messages to them.
//
// A row is a stack of transaction records. The outermost records are
// committed history, oldest first; the innermost records are provisional
// writes of one live transaction chain, one record per nesting level.
package ule

import (
	"encoding/binary"

	"github.com/cockroachdb/errors"

	"github.com/alexhholmes/ftdb/internal/msg"
)

// MaxTransactionRecords bounds the depth of a row's record stack.
const MaxTransactionRecords = 254

// ErrCorrupt is returned when a packed leaf entry cannot be decoded.
var ErrCorrupt = errors.New("corrupt leaf entry")

// LeafEntry is the packed form of a row. A nil LeafEntry is an absent row.
// Leaf entries are never modified in place.
type LeafEntry []byte

// Size returns the packed size in bytes.
func (le LeafEntry) Size() int {
	return len(le)
}

// RecordType is the kind of a transaction record.
type RecordType uint8

const (
	RecordInsert RecordType = iota + 1
	RecordDelete
	RecordPlaceholder
)

func (t RecordType) String() string {
	switch t {
	case RecordInsert:
		return "insert"
	case RecordDelete:
		return "delete"
	case RecordPlaceholder:
		return "placeholder"
	}
	return "invalid"
}

// Record is one level of a row's history. Val aliases the packed leaf entry
// it was decoded from.
type Record struct {
	Type RecordType
	XID  msg.TxnID
	Val  []byte
}

// ULE is an unpacked leaf entry. Records[:NumCommitted] are committed,
// outermost first; the rest are provisional.
type ULE struct {
	Records      []Record
	NumCommitted int
}

// NumProvisional returns the number of provisional records.
func (u *ULE) NumProvisional() int {
	return len(u.Records) - u.NumCommitted
}

func (u *ULE) innermost() *Record {
	return &u.Records[len(u.Records)-1]
}

func (u *ULE) innermostXID() msg.TxnID {
	return u.innermost().XID
}

// empty resets u to the state of an absent row: one committed delete.
func (u *ULE) empty() {
	u.Records = append(u.Records[:0], Record{Type: RecordDelete, XID: msg.TxnNone})
	u.NumCommitted = 1
}

func (u *ULE) push(r Record, committed bool) {
	if len(u.Records) >= MaxTransactionRecords {
		panic(errors.AssertionFailedf("row exceeds %d transaction records", MaxTransactionRecords))
	}
	if committed && u.NumProvisional() != 0 {
		panic(errors.AssertionFailedf("committed record pushed above %d provisional records", u.NumProvisional()))
	}
	u.Records = append(u.Records, r)
	if committed {
		u.NumCommitted++
	}
}

func (u *ULE) pop() {
	if len(u.Records) == u.NumCommitted {
		u.NumCommitted--
	}
	u.Records = u.Records[:len(u.Records)-1]
}

// Packed layout.
//
//	clean: [formatClean][uvarint vallen][val]
//	mvcc:  [formatMVCC][uvarint committed][uvarint provisional]
//	       { [type][uvarint xid] ([uvarint vallen][val] if insert) } ...
//
// A row that is exactly one committed insert always packs clean.
const (
	formatClean byte = 1
	formatMVCC  byte = 2
)

// Unpack decodes le. A nil le unpacks to an absent row.
func Unpack(le LeafEntry) (*ULE, error) {
	u := &ULE{}
	if err := u.unpack(le); err != nil {
		return nil, err
	}
	return u, nil
}

func (u *ULE) unpack(le LeafEntry) error {
	if len(le) == 0 {
		u.empty()
		return nil
	}
	u.Records = u.Records[:0]
	u.NumCommitted = 0

	var nc, np uint64
	err := walk(le, func(committed, provisional uint64) {
		nc, np = committed, provisional
	}, func(r Record) {
		u.Records = append(u.Records, r)
	})
	if err != nil {
		return err
	}
	if nc == 0 || nc+np != uint64(len(u.Records)) || nc+np > MaxTransactionRecords {
		return errors.Wrapf(ErrCorrupt, "record counts %d+%d for %d records", nc, np, len(u.Records))
	}
	u.NumCommitted = int(nc)
	return nil
}

// walk decodes le without copying values, reporting the stack shape first and
// then each record outermost to innermost.
func walk(le LeafEntry, shape func(committed, provisional uint64), fn func(Record)) error {
	buf := []byte(le)
	readUvarint := func() (uint64, error) {
		v, n := binary.Uvarint(buf)
		if n <= 0 {
			return 0, errors.Wrap(ErrCorrupt, "bad varint")
		}
		buf = buf[n:]
		return v, nil
	}
	readVal := func() ([]byte, error) {
		n, err := readUvarint()
		if err != nil {
			return nil, err
		}
		if uint64(len(buf)) < n {
			return nil, errors.Wrapf(ErrCorrupt, "value length %d exceeds %d remaining", n, len(buf))
		}
		v := buf[:n:n]
		buf = buf[n:]
		return v, nil
	}

	format := buf[0]
	buf = buf[1:]
	switch format {
	case formatClean:
		val, err := readVal()
		if err != nil {
			return err
		}
		shape(1, 0)
		fn(Record{Type: RecordInsert, XID: msg.TxnNone, Val: val})
	case formatMVCC:
		nc, err := readUvarint()
		if err != nil {
			return err
		}
		np, err := readUvarint()
		if err != nil {
			return err
		}
		shape(nc, np)
		for i := uint64(0); i < nc+np; i++ {
			if len(buf) == 0 {
				return errors.Wrapf(ErrCorrupt, "truncated at record %d", i)
			}
			r := Record{Type: RecordType(buf[0])}
			buf = buf[1:]
			xid, err := readUvarint()
			if err != nil {
				return err
			}
			r.XID = msg.TxnID(xid)
			switch r.Type {
			case RecordInsert:
				if r.Val, err = readVal(); err != nil {
					return err
				}
			case RecordDelete, RecordPlaceholder:
			default:
				return errors.Wrapf(ErrCorrupt, "record %d has type %d", i, r.Type)
			}
			fn(r)
		}
	default:
		return errors.Wrapf(ErrCorrupt, "unknown format %d", format)
	}
	if len(buf) != 0 {
		return errors.Wrapf(ErrCorrupt, "%d trailing bytes", len(buf))
	}
	return nil
}

// Pack encodes u. It returns nil when the row has no remaining history: a
// single committed delete and nothing provisional. A clean row drops the xid
// of its only record, which every reader sees.
func (u *ULE) Pack() LeafEntry {
	np := u.NumProvisional()
	if u.NumCommitted < 1 {
		panic(errors.AssertionFailedf("row has no committed record"))
	}
	if np > 0 && u.innermost().Type == RecordPlaceholder {
		panic(errors.AssertionFailedf("innermost provisional record is a placeholder"))
	}
	if np == 0 && u.NumCommitted == 1 {
		r := u.Records[0]
		if r.Type == RecordDelete {
			return nil
		}
		out := make([]byte, 0, 1+binary.MaxVarintLen64+len(r.Val))
		out = append(out, formatClean)
		out = binary.AppendUvarint(out, uint64(len(r.Val)))
		return append(out, r.Val...)
	}

	out := make([]byte, 0, u.packedSize())
	out = append(out, formatMVCC)
	out = binary.AppendUvarint(out, uint64(u.NumCommitted))
	out = binary.AppendUvarint(out, uint64(np))
	for _, r := range u.Records {
		out = append(out, byte(r.Type))
		out = binary.AppendUvarint(out, uint64(r.XID))
		if r.Type == RecordInsert {
			out = binary.AppendUvarint(out, uint64(len(r.Val)))
			out = append(out, r.Val...)
		}
	}
	return out
}

func (u *ULE) packedSize() int {
	n := 1 + 2*binary.MaxVarintLen64
	for _, r := range u.Records {
		n += 1 + binary.MaxVarintLen64
		if r.Type == RecordInsert {
			n += binary.MaxVarintLen64 + len(r.Val)
		}
	}
	return n
}

// Clone returns a copy of u whose record slice may be modified freely.
func (u *ULE) Clone() *ULE {
	return &ULE{Records: append([]Record(nil), u.Records...), NumCommitted: u.NumCommitted}
}
