package brt

import (
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/alexhholmes/ftdb/internal/blockalloc"
	"github.com/alexhholmes/ftdb/internal/blocktable"
	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/storage"
)

// The file starts with two header slots. Checkpoints alternate between them
// so a torn header write leaves the previous one intact.
//
// Layout: [magic 8][version 4][flags 4][seq 8][file id 16][root 8]
// [table offset 8][table size 8][checkpoint msn 8][last xid 8][xxhash 8]
const (
	headerMagic    = "ftdbhead"
	headerVersion  = 1
	headerSlotSize = 4096
	headerReserve  = 2 * headerSlotSize
	headerLen      = 8 + 4 + 4 + 8 + 16 + 8 + 8 + 8 + 8 + 8
	headerSize     = headerLen + 8

	flagDuplicates = 1 << 0
)

var (
	// ErrCorrupt is returned when the file fails verification.
	ErrCorrupt = errors.New("corrupt tree file")
	// ErrNoHeader is returned when neither header slot is valid.
	ErrNoHeader = errors.New("no valid header")
)

// header is the root of a checkpoint.
type header struct {
	Seq           uint64
	FileID        uuid.UUID
	Root          blocktable.BlockNum
	Table         blockalloc.Extent
	CheckpointMSN msg.MSN
	LastXID       msg.TxnID
	Duplicates    bool
}

func (h *header) slot() uint64 {
	return h.Seq % 2 * headerSlotSize
}

func (h *header) marshal() []byte {
	var flags uint32
	if h.Duplicates {
		flags |= flagDuplicates
	}
	out := make([]byte, 0, headerSlotSize)
	out = append(out, headerMagic...)
	out = binary.LittleEndian.AppendUint32(out, headerVersion)
	out = binary.LittleEndian.AppendUint32(out, flags)
	out = binary.LittleEndian.AppendUint64(out, h.Seq)
	out = append(out, h.FileID[:]...)
	out = binary.LittleEndian.AppendUint64(out, uint64(h.Root))
	out = binary.LittleEndian.AppendUint64(out, h.Table.Offset)
	out = binary.LittleEndian.AppendUint64(out, h.Table.Size)
	out = binary.LittleEndian.AppendUint64(out, uint64(h.CheckpointMSN))
	out = binary.LittleEndian.AppendUint64(out, uint64(h.LastXID))
	out = binary.LittleEndian.AppendUint64(out, xxhash.Sum64(out))
	return out[:headerSlotSize]
}

func unmarshalHeader(data []byte) (*header, error) {
	if len(data) < headerSize || string(data[:len(headerMagic)]) != headerMagic {
		return nil, errors.Wrap(ErrCorrupt, "bad header magic")
	}
	if sum := binary.LittleEndian.Uint64(data[headerLen:]); sum != xxhash.Sum64(data[:headerLen]) {
		return nil, errors.Wrap(ErrCorrupt, "header checksum mismatch")
	}
	d := data[len(headerMagic):]
	if v := binary.LittleEndian.Uint32(d); v != headerVersion {
		return nil, errors.Wrapf(ErrCorrupt, "header version %d", v)
	}
	flags := binary.LittleEndian.Uint32(d[4:])
	h := &header{
		Seq:        binary.LittleEndian.Uint64(d[8:]),
		Duplicates: flags&flagDuplicates != 0,
	}
	copy(h.FileID[:], d[16:32])
	h.Root = blocktable.BlockNum(binary.LittleEndian.Uint64(d[32:]))
	h.Table.Offset = binary.LittleEndian.Uint64(d[40:])
	h.Table.Size = binary.LittleEndian.Uint64(d[48:])
	h.CheckpointMSN = msg.MSN(binary.LittleEndian.Uint64(d[56:]))
	h.LastXID = msg.TxnID(binary.LittleEndian.Uint64(d[64:]))
	if h.Root == blocktable.None {
		return nil, errors.Wrap(ErrCorrupt, "header without root")
	}
	return h, nil
}

// readHeader returns the valid header with the highest sequence number.
func readHeader(store storage.Store) (*header, error) {
	var (
		best *header
		errs error
	)
	for _, off := range []uint64{0, headerSlotSize} {
		data := make([]byte, headerSize)
		if err := store.ReadAt(data, off); err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "header slot %d", off/headerSlotSize))
			continue
		}
		h, err := unmarshalHeader(data)
		if err != nil {
			errs = errors.CombineErrors(errs, errors.Wrapf(err, "header slot %d", off/headerSlotSize))
			continue
		}
		if best == nil || h.Seq > best.Seq {
			best = h
		}
	}
	if best == nil {
		return nil, errors.Mark(errs, ErrNoHeader)
	}
	return best, nil
}

func writeHeader(store storage.Store, h *header) error {
	if err := store.WriteAt(h.marshal(), h.slot()); err != nil {
		return errors.Wrapf(err, "write header %d", h.Seq)
	}
	return errors.Wrap(store.Sync(), "sync header")
}
