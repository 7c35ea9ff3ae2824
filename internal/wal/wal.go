// Package wal records the messages injected into a tree so that the work done
// since the last checkpoint survives a crash.
//
// The tree calls Append once per message, in msn order, before the message
// is buffered. Transactions end with a Commit or Abort marker. Replay hands
// back the messages of committed transactions and of non-transactional work,
// and drops the rest.
package wal

import (
	"bufio"
	"encoding/binary"
	"io"
	"os"
	"slices"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/alexhholmes/ftdb/internal/msg"
)

// Log is the write-ahead log collaborator of a tree.
type Log interface {
	// Append records m. It returns once the record is written, not
	// necessarily synced.
	Append(m *msg.Message) error
	// Commit and Abort record the outcome of root transaction xid. Commit
	// makes the log durable according to the log's sync mode.
	Commit(xid msg.TxnID) error
	Abort(xid msg.TxnID) error
	// Checkpoint discards every record with msn up to msn. The caller
	// guarantees a durable checkpoint covers them.
	Checkpoint(msn msg.MSN) error
	Close() error
}

// SyncMode controls when the log is synced to disk.
type SyncMode int

const (
	// SyncEveryCommit syncs on every transaction commit.
	SyncEveryCommit SyncMode = iota
	// SyncBytes syncs once bytesPerSync bytes have been written.
	SyncBytes
	// SyncOff never syncs. Testing and bulk loads only.
	SyncOff
)

// RecordType is the kind of a log record.
type RecordType uint8

const (
	RecordMessage RecordType = 1
	RecordCommit  RecordType = 2
	RecordAbort   RecordType = 3
)

// record is the msgpack body of one log record.
type record struct {
	Type RecordType `msgpack:"t"`
	TxID uint64     `msgpack:"x,omitempty"`
	Msg  *msgRecord `msgpack:"m,omitempty"`
}

type msgRecord struct {
	Type uint8    `msgpack:"t"`
	MSN  uint64   `msgpack:"n"`
	XIDs []uint64 `msgpack:"x,omitempty"`
	Key  []byte   `msgpack:"k,omitempty"`
	Val  []byte   `msgpack:"v,omitempty"`
}

func toRecord(m *msg.Message) *msgRecord {
	r := &msgRecord{Type: uint8(m.Type), MSN: uint64(m.MSN), Key: m.Key, Val: m.Val}
	if len(m.XIDs) > 0 {
		r.XIDs = make([]uint64, len(m.XIDs))
		for i, x := range m.XIDs {
			r.XIDs[i] = uint64(x)
		}
	}
	return r
}

func (r *msgRecord) message() *msg.Message {
	m := &msg.Message{Type: msg.Type(r.Type), MSN: msg.MSN(r.MSN), Key: r.Key, Val: r.Val}
	if len(r.XIDs) > 0 {
		m.XIDs = make(msg.XIDs, len(r.XIDs))
		for i, x := range r.XIDs {
			m.XIDs[i] = msg.TxnID(x)
		}
	}
	return m
}

// frameHeaderSize is the [length uint32][xxhash uint64] prefix of a record.
const frameHeaderSize = 4 + 8

// File is a Log stored in one append-only file.
type File struct {
	path string
	file *os.File

	mu             sync.Mutex
	syncMode       SyncMode
	bytesPerSync   int
	bytesSinceSync int
	lastMSN        msg.MSN
	lastXID        msg.TxnID
	// open holds root transactions with logged messages and no outcome yet.
	// Checkpoint keeps their records.
	open map[msg.TxnID]struct{}
}

// Open opens or creates the log file at path.
func Open(path string, syncMode SyncMode, bytesPerSync int) (*File, error) {
	file, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0600)
	if err != nil {
		return nil, errors.Wrapf(err, "open wal %s", path)
	}
	return &File{
		path:         path,
		file:         file,
		syncMode:     syncMode,
		bytesPerSync: bytesPerSync,
		open:         make(map[msg.TxnID]struct{}),
	}, nil
}

func frame(r *record) ([]byte, error) {
	body, err := msgpack.Marshal(r)
	if err != nil {
		return nil, err
	}
	out := make([]byte, frameHeaderSize, frameHeaderSize+len(body))
	binary.LittleEndian.PutUint32(out, uint32(len(body)))
	binary.LittleEndian.PutUint64(out[4:], xxhash.Sum64(body))
	return append(out, body...), nil
}

func (f *File) write(r *record) error {
	data, err := frame(r)
	if err != nil {
		return errors.Wrap(err, "encode wal record")
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	if _, err := f.file.Write(data); err != nil {
		return errors.Wrap(err, "append wal record")
	}
	f.bytesSinceSync += len(data)
	switch r.Type {
	case RecordMessage:
		f.lastMSN = msg.MSN(r.Msg.MSN)
		if len(r.Msg.XIDs) > 0 {
			f.open[msg.TxnID(r.Msg.XIDs[0])] = struct{}{}
		}
	case RecordCommit, RecordAbort:
		delete(f.open, msg.TxnID(r.TxID))
	}
	return nil
}

// Append implements Log.
func (f *File) Append(m *msg.Message) error {
	return f.write(&record{Type: RecordMessage, Msg: toRecord(m)})
}

// Commit implements Log.
func (f *File) Commit(xid msg.TxnID) error {
	if err := f.write(&record{Type: RecordCommit, TxID: uint64(xid)}); err != nil {
		return err
	}
	return f.Sync()
}

// Abort implements Log. Aborts are not synced: losing one only loses work
// that replay would discard anyway.
func (f *File) Abort(xid msg.TxnID) error {
	return f.write(&record{Type: RecordAbort, TxID: uint64(xid)})
}

// Sync syncs the log according to the sync mode.
func (f *File) Sync() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.syncMode {
	case SyncEveryCommit:
		return f.syncLocked()
	case SyncBytes:
		if f.bytesSinceSync >= f.bytesPerSync {
			return f.syncLocked()
		}
		return nil
	case SyncOff:
		return nil
	default:
		return errors.Newf("unknown wal sync mode: %d", f.syncMode)
	}
}

// ForceSync syncs regardless of the sync mode.
func (f *File) ForceSync() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.syncLocked()
}

func (f *File) syncLocked() error {
	if err := f.file.Sync(); err != nil {
		return errors.Wrap(err, "sync wal")
	}
	f.bytesSinceSync = 0
	return nil
}

// scan reads every intact record from the start of the file and returns the
// length of the intact prefix. A torn or corrupt record ends the log.
func (f *File) scan(fn func(r *record) error) (int64, error) {
	file, err := os.Open(f.path)
	if err != nil {
		return 0, errors.Wrap(err, "open wal for reading")
	}
	defer file.Close()

	rd := bufio.NewReader(file)
	var (
		hdr   [frameHeaderSize]byte
		valid int64
	)
	for {
		if _, err := io.ReadFull(rd, hdr[:]); err != nil {
			return valid, nil
		}
		body := make([]byte, binary.LittleEndian.Uint32(hdr[:]))
		if _, err := io.ReadFull(rd, body); err != nil {
			return valid, nil
		}
		if xxhash.Sum64(body) != binary.LittleEndian.Uint64(hdr[4:]) {
			return valid, nil
		}
		var r record
		if err := msgpack.Unmarshal(body, &r); err != nil {
			return valid, nil
		}
		if err := fn(&r); err != nil {
			return valid, err
		}
		valid += int64(frameHeaderSize + len(body))
	}
}

// Replay calls fn, in log order, for every message with msn above after that
// belongs to a committed transaction or to no transaction. Transactions
// without an outcome are left open; see Orphans.
func (f *File) Replay(after msg.MSN, fn func(m *msg.Message) error) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	uncommitted := make(map[uint64][]*msg.Message)
	valid, err := f.scan(func(r *record) error {
		switch r.Type {
		case RecordMessage:
			m := r.Msg.message()
			for _, x := range m.XIDs {
				f.lastXID = max(f.lastXID, x)
			}
			if root := m.XIDs.Outermost(); root != msg.TxnNone {
				f.open[root] = struct{}{}
			}
			if m.MSN <= after {
				return nil
			}
			if m.MSN > f.lastMSN {
				f.lastMSN = m.MSN
			}
			if root := m.XIDs.Outermost(); root != msg.TxnNone {
				uncommitted[uint64(root)] = append(uncommitted[uint64(root)], m)
				return nil
			}
			return fn(m)
		case RecordCommit:
			f.lastXID = max(f.lastXID, msg.TxnID(r.TxID))
			delete(f.open, msg.TxnID(r.TxID))
			for _, m := range uncommitted[r.TxID] {
				if err := fn(m); err != nil {
					return errors.Wrapf(err, "replay %s", m)
				}
			}
			delete(uncommitted, r.TxID)
		case RecordAbort:
			f.lastXID = max(f.lastXID, msg.TxnID(r.TxID))
			delete(f.open, msg.TxnID(r.TxID))
			delete(uncommitted, r.TxID)
		default:
			return errors.Newf("wal replay: unknown record type: %d", r.Type)
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Drop a torn tail so new records follow the intact ones.
	info, err := f.file.Stat()
	if err != nil {
		return errors.Wrap(err, "stat wal")
	}
	if info.Size() > valid {
		if err := f.file.Truncate(valid); err != nil {
			return errors.Wrap(err, "truncate torn wal tail")
		}
	}
	return nil
}

// Last returns the largest msn and transaction id Replay saw, including
// those of transactions that never committed. Reopened trees continue after
// them.
func (f *File) Last() (msg.MSN, msg.TxnID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastMSN, f.lastXID
}

// Orphans returns the root transactions that logged messages but have no
// outcome. After Replay these are the transactions a crash interrupted.
func (f *File) Orphans() []msg.TxnID {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]msg.TxnID, 0, len(f.open))
	for x := range f.open {
		out = append(out, x)
	}
	slices.Sort(out)
	return out
}

// Checkpoint implements Log. Records above msn, and every record of a
// transaction still open, are kept by rewriting the file; usually there are
// none and the file is truncated.
func (f *File) Checkpoint(msn msg.MSN) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.lastMSN <= msn && len(f.open) == 0 {
		return f.resetLocked()
	}

	var keep [][]byte
	_, err := f.scan(func(r *record) error {
		if r.Type == RecordMessage && msg.MSN(r.Msg.MSN) <= msn {
			if len(r.Msg.XIDs) == 0 {
				return nil
			}
			if _, ok := f.open[msg.TxnID(r.Msg.XIDs[0])]; !ok {
				return nil
			}
		}
		data, err := frame(r)
		keep = append(keep, data)
		return err
	})
	if err != nil {
		return err
	}

	tmp := f.path + ".tmp"
	out, err := os.OpenFile(tmp, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0600)
	if err != nil {
		return errors.Wrap(err, "create wal rewrite")
	}
	for _, data := range keep {
		if _, err := out.Write(data); err != nil {
			_ = out.Close()
			return errors.Wrap(err, "rewrite wal")
		}
	}
	if err := out.Sync(); err != nil {
		_ = out.Close()
		return errors.Wrap(err, "sync wal rewrite")
	}
	if err := out.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return errors.Wrap(err, "replace wal")
	}
	_ = f.file.Close()
	f.file, err = os.OpenFile(f.path, os.O_RDWR|os.O_APPEND, 0600)
	if err != nil {
		return errors.Wrap(err, "reopen wal")
	}
	f.bytesSinceSync = 0
	return nil
}

func (f *File) resetLocked() error {
	if err := f.file.Truncate(0); err != nil {
		return errors.Wrap(err, "truncate wal")
	}
	f.bytesSinceSync = 0
	return f.syncLocked()
}

// Close closes the log file
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.file.Close()
}

// Discard is a Log that records nothing.
type Discard struct{}

func (Discard) Append(*msg.Message) error { return nil }
func (Discard) Commit(msg.TxnID) error    { return nil }
func (Discard) Abort(msg.TxnID) error     { return nil }
func (Discard) Checkpoint(msg.MSN) error  { return nil }
func (Discard) Close() error              { return nil }

// Recorder is an in-memory Log that keeps every record. Tests use it to
// observe what the tree logged.
type Recorder struct {
	mu       sync.Mutex
	Messages []*msg.Message
	Commits  []msg.TxnID
	Aborts   []msg.TxnID
	Trimmed  msg.MSN
}

// Append implements Log.
func (r *Recorder) Append(m *msg.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Messages = append(r.Messages, m.Clone())
	return nil
}

// Commit implements Log.
func (r *Recorder) Commit(xid msg.TxnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Commits = append(r.Commits, xid)
	return nil
}

// Abort implements Log.
func (r *Recorder) Abort(xid msg.TxnID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.Aborts = append(r.Aborts, xid)
	return nil
}

// Checkpoint implements Log.
func (r *Recorder) Checkpoint(msn msg.MSN) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	kept := r.Messages[:0]
	for _, m := range r.Messages {
		if m.MSN > msn {
			kept = append(kept, m)
		}
	}
	r.Messages = kept
	r.Trimmed = msn
	return nil
}

// Close implements Log.
func (r *Recorder) Close() error {
	return nil
}

// Snapshot returns a copy of the recorded messages.
func (r *Recorder) Snapshot() []*msg.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]*msg.Message(nil), r.Messages...)
}

var (
	_ Log = (*File)(nil)
	_ Log = Discard{}
	_ Log = (*Recorder)(nil)
)
