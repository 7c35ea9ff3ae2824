package node

import (
	"bytes"
	"encoding/binary"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/alexhholmes/ftdb/internal/basement"
	"github.com/alexhholmes/ftdb/internal/blocktable"
	"github.com/alexhholmes/ftdb/internal/buffer"
	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/ule"
)

// Serialized node layout:
//
//	[magic 8][header length uint32][msgpack header][partition blobs...]
//
// The header lists each partition's location, size and xxhash so that a
// single partition can be read and verified without the others.
const (
	magic = "ftdbnode"
	// Version is the node format version.
	Version = 1

	prefixSize = len(magic) + 4
)

// ErrCorrupt is returned when serialized node data fails verification.
var ErrCorrupt = errors.New("corrupt node")

type blobRef struct {
	Off  uint32 `msgpack:"o"` // from the start of the node block
	Len  uint32 `msgpack:"l"`
	Sum  uint64 `msgpack:"s"`
	Size int    `msgpack:"z"`
}

type pivotBlob struct {
	Key []byte `msgpack:"k"`
	Val []byte `msgpack:"v"`
}

type header struct {
	Version    uint32      `msgpack:"v"`
	FileID     []byte      `msgpack:"f"`
	BlockNum   uint64      `msgpack:"b"`
	Height     int         `msgpack:"h"`
	MaxMSN     uint64      `msgpack:"m"`
	SeqInserts int         `msgpack:"q"`
	Dup        bool        `msgpack:"d"`
	Pivots     []pivotBlob `msgpack:"p"`
	Children   []uint64    `msgpack:"c"`
	Parts      []blobRef   `msgpack:"r"`
}

type rowBlob struct {
	Key    []byte `msgpack:"k"`
	DupVal []byte `msgpack:"d"`
	LE     []byte `msgpack:"l"`
}

type basementBlob struct {
	MaxMSN uint64    `msgpack:"m"`
	Rows   []rowBlob `msgpack:"r"`
}

type msgBlob struct {
	Type  uint8    `msgpack:"t"`
	MSN   uint64   `msgpack:"m"`
	XIDs  []uint64 `msgpack:"x"`
	Key   []byte   `msgpack:"k"`
	Val   []byte   `msgpack:"v"`
	Fresh bool     `msgpack:"f"`
}

type bufferBlob struct {
	Msgs []msgBlob `msgpack:"m"`
}

func marshal(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.GetEncoder()
	enc.Reset(&buf)
	err := enc.Encode(v)
	msgpack.PutEncoder(enc)
	if err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func unmarshal(data []byte, v any) error {
	dec := msgpack.GetDecoder()
	dec.Reset(bytes.NewReader(data))
	err := dec.Decode(v)
	msgpack.PutDecoder(dec)
	return err
}

func (p *Partition) encode() ([]byte, error) {
	if p.buf != nil {
		blob := bufferBlob{Msgs: make([]msgBlob, 0, p.buf.Len())}
		p.buf.Iterate(func(e *buffer.Entry) bool {
			xids := make([]uint64, len(e.Msg.XIDs))
			for i, x := range e.Msg.XIDs {
				xids[i] = uint64(x)
			}
			blob.Msgs = append(blob.Msgs, msgBlob{
				Type:  uint8(e.Msg.Type),
				MSN:   uint64(e.Msg.MSN),
				XIDs:  xids,
				Key:   e.Msg.Key,
				Val:   e.Msg.Val,
				Fresh: e.Fresh(),
			})
			return true
		})
		return marshal(&blob)
	}
	blob := basementBlob{MaxMSN: uint64(p.bsm.MaxMSN()), Rows: make([]rowBlob, 0, p.bsm.Len())}
	p.bsm.Ascend(nil, nil, func(r *basement.Row) bool {
		blob.Rows = append(blob.Rows, rowBlob{Key: r.Key, DupVal: r.DupVal, LE: r.LE})
		return true
	})
	return marshal(&blob)
}

func (n *Node) decodePartition(i int, raw []byte, sum uint64) error {
	p := n.Parts[i]
	if xxhash.Sum64(raw) != sum {
		return errors.Wrapf(ErrCorrupt, "%s partition %d checksum mismatch", n.BlockNum, i)
	}
	if n.IsLeaf() {
		var blob basementBlob
		if err := unmarshal(raw, &blob); err != nil {
			return errors.Wrapf(ErrCorrupt, "%s partition %d: %v", n.BlockNum, i, err)
		}
		bsm := basement.New(basement.Compare(n.opts.Compare), n.opts.Duplicates)
		for _, r := range blob.Rows {
			if len(r.LE) == 0 {
				return errors.Wrapf(ErrCorrupt, "%s row %q has no leaf entry", n.BlockNum, r.Key)
			}
			bsm.Insert(&basement.Row{Key: r.Key, DupVal: r.DupVal, LE: ule.LeafEntry(r.LE)})
		}
		bsm.SetMaxMSN(msg.MSN(blob.MaxMSN))
		p.bsm = bsm
	} else {
		var blob bufferBlob
		if err := unmarshal(raw, &blob); err != nil {
			return errors.Wrapf(ErrCorrupt, "%s partition %d: %v", n.BlockNum, i, err)
		}
		buf := buffer.New(buffer.Compare(n.opts.Compare))
		var prev msg.MSN
		for _, b := range blob.Msgs {
			if msg.MSN(b.MSN) <= prev || !msg.Type(b.Type).Valid() {
				return errors.Wrapf(ErrCorrupt, "%s partition %d: message %d type %d after msn %d",
					n.BlockNum, i, b.MSN, b.Type, prev)
			}
			prev = msg.MSN(b.MSN)
			var xids msg.XIDs
			if len(b.XIDs) > 0 {
				xids = make(msg.XIDs, len(b.XIDs))
				for j, x := range b.XIDs {
					xids[j] = msg.TxnID(x)
				}
			}
			buf.Enqueue(&msg.Message{
				Type: msg.Type(b.Type),
				MSN:  msg.MSN(b.MSN),
				XIDs: xids,
				Key:  b.Key,
				Val:  b.Val,
			}, b.Fresh)
		}
		p.buf = buf
	}
	p.state = Available
	p.raw, p.rawSum = nil, 0
	return nil
}

// Serialize encodes the node for the file identified by fileID. Every
// partition must be Available or Compressed. Partition locations are updated
// to point into the returned bytes.
func (n *Node) Serialize(fileID uuid.UUID) ([]byte, error) {
	blobs := make([][]byte, len(n.Parts))
	refs := make([]blobRef, len(n.Parts))
	for i, p := range n.Parts {
		switch p.state {
		case Available:
			raw, err := p.encode()
			if err != nil {
				return nil, errors.Wrapf(err, "%s encode partition %d", n.BlockNum, i)
			}
			blobs[i] = raw
		case Compressed:
			blobs[i] = p.raw
		default:
			panic(errors.AssertionFailedf("%s serialize with partition %d %s", n.BlockNum, i, p.state))
		}
		refs[i] = blobRef{Len: uint32(len(blobs[i])), Sum: xxhash.Sum64(blobs[i]), Size: p.Size()}
	}

	h := header{
		Version:    Version,
		FileID:     fileID[:],
		BlockNum:   uint64(n.BlockNum),
		Height:     n.Height,
		MaxMSN:     uint64(n.MaxMSN),
		SeqInserts: n.SeqInserts,
		Dup:        n.opts.Duplicates,
		Pivots:     make([]pivotBlob, len(n.Pivots)),
		Children:   make([]uint64, len(n.Children)),
		Parts:      refs,
	}
	for i, p := range n.Pivots {
		h.Pivots[i] = pivotBlob{Key: p.Key, Val: p.Val}
	}
	for i, c := range n.Children {
		h.Children[i] = uint64(c)
	}

	// Offsets depend on the header length; re-encode until it settles.
	var hdr []byte
	for attempt, hdrLen := 0, -1; ; attempt++ {
		var err error
		if hdr, err = marshal(&h); err != nil {
			return nil, errors.Wrapf(err, "%s encode header", n.BlockNum)
		}
		if len(hdr) == hdrLen {
			break
		}
		if attempt == 4 {
			panic(errors.AssertionFailedf("%s header length did not settle", n.BlockNum))
		}
		hdrLen = len(hdr)
		off := uint32(prefixSize + hdrLen)
		for i := range h.Parts {
			h.Parts[i].Off = off
			off += h.Parts[i].Len
		}
	}

	size := prefixSize + len(hdr)
	for _, b := range blobs {
		size += len(b)
	}
	out := make([]byte, 0, size)
	out = append(out, magic...)
	out = binary.LittleEndian.AppendUint32(out, uint32(len(hdr)))
	out = append(out, hdr...)
	for _, b := range blobs {
		out = append(out, b...)
	}
	for i, p := range n.Parts {
		p.ref = h.Parts[i]
	}
	return out, nil
}

// Deserialize decodes a node block. Partitions spec selects are made
// Available; the rest are kept Compressed.
func Deserialize(data []byte, fileID uuid.UUID, opts Options, spec *PartialSpec) (*Node, error) {
	h, err := decodeHeader(data, fileID)
	if err != nil {
		return nil, err
	}
	if h.Dup != opts.Duplicates {
		return nil, errors.Wrapf(ErrCorrupt, "block %d duplicate flag %t, tree has %t", h.BlockNum, h.Dup, opts.Duplicates)
	}
	n := nodeFromHeader(h, opts)
	for i, p := range n.Parts {
		if uint64(p.ref.Off)+uint64(p.ref.Len) > uint64(len(data)) {
			return nil, errors.Wrapf(ErrCorrupt, "%s partition %d at %d+%d beyond %d bytes",
				n.BlockNum, i, p.ref.Off, p.ref.Len, len(data))
		}
		raw := data[p.ref.Off : p.ref.Off+p.ref.Len]
		if spec.Wants(n, i) {
			if err := n.decodePartition(i, raw, p.ref.Sum); err != nil {
				return nil, err
			}
			continue
		}
		if xxhash.Sum64(raw) != p.ref.Sum {
			return nil, errors.Wrapf(ErrCorrupt, "%s partition %d checksum mismatch", n.BlockNum, i)
		}
		p.state = Compressed
		p.raw = append([]byte(nil), raw...)
		p.rawSum = p.ref.Sum
	}
	return n, nil
}

func decodeHeader(data []byte, fileID uuid.UUID) (*header, error) {
	if len(data) < prefixSize || string(data[:len(magic)]) != magic {
		return nil, errors.Wrap(ErrCorrupt, "bad magic")
	}
	hl := int(binary.LittleEndian.Uint32(data[len(magic):]))
	if prefixSize+hl > len(data) {
		return nil, errors.Wrapf(ErrCorrupt, "header length %d beyond %d bytes", hl, len(data))
	}
	var h header
	if err := unmarshal(data[prefixSize:prefixSize+hl], &h); err != nil {
		return nil, errors.Wrapf(ErrCorrupt, "header: %v", err)
	}
	switch {
	case h.Version != Version:
		return nil, errors.Wrapf(ErrCorrupt, "block %d version %d", h.BlockNum, h.Version)
	case !bytes.Equal(h.FileID, fileID[:]):
		return nil, errors.Wrapf(ErrCorrupt, "block %d belongs to another file", h.BlockNum)
	case h.Height < 0:
		return nil, errors.Wrapf(ErrCorrupt, "block %d height %d", h.BlockNum, h.Height)
	case h.Height == 0 && (len(h.Parts) != 1 || len(h.Children) != 0):
		return nil, errors.Wrapf(ErrCorrupt, "leaf block %d with %d partitions", h.BlockNum, len(h.Parts))
	case h.Height > 0 && (len(h.Children) != len(h.Pivots)+1 || len(h.Parts) != len(h.Children)):
		return nil, errors.Wrapf(ErrCorrupt, "block %d with %d children, %d pivots, %d partitions",
			h.BlockNum, len(h.Children), len(h.Pivots), len(h.Parts))
	}
	return &h, nil
}

func nodeFromHeader(h *header, opts Options) *Node {
	n := &Node{
		BlockNum:   blocktable.BlockNum(h.BlockNum),
		Height:     h.Height,
		MaxMSN:     msg.MSN(h.MaxMSN),
		SeqInserts: h.SeqInserts,
		Parts:      make([]*Partition, len(h.Parts)),
		opts:       opts,
	}
	if len(h.Pivots) > 0 {
		n.Pivots = make([]Pivot, len(h.Pivots))
		for i, p := range h.Pivots {
			n.Pivots[i] = Pivot{Key: p.Key, Val: p.Val}
		}
	}
	if len(h.Children) > 0 {
		n.Children = make([]blocktable.BlockNum, len(h.Children))
		for i, c := range h.Children {
			n.Children[i] = blocktable.BlockNum(c)
		}
	}
	for i, ref := range h.Parts {
		n.Parts[i] = &Partition{state: OnDisk, ref: ref, size: ref.Size}
	}
	return n
}

// PartitionExtent returns where partition i lives inside the node block.
func (n *Node) PartitionExtent(i int) (offset, length uint64) {
	ref := n.Parts[i].ref
	return uint64(ref.Off), uint64(ref.Len)
}

// Materialize makes partition i Available. A Compressed partition decodes
// its retained bytes; an OnDisk partition decodes raw, which the caller read
// from PartitionExtent.
func (n *Node) Materialize(i int, raw []byte) error {
	p := n.Parts[i]
	switch p.state {
	case Available:
		return nil
	case Compressed:
		return n.decodePartition(i, p.raw, p.rawSum)
	}
	if raw == nil {
		panic(errors.AssertionFailedf("%s materialize on-disk partition %d without data", n.BlockNum, i))
	}
	return n.decodePartition(i, raw, p.ref.Sum)
}

// Compress serializes an Available partition and drops its decoded form.
func (n *Node) Compress(i int) error {
	p := n.Parts[i]
	if p.state != Available {
		return nil
	}
	raw, err := p.encode()
	if err != nil {
		return errors.Wrapf(err, "%s compress partition %d", n.BlockNum, i)
	}
	p.raw, p.rawSum, p.size = raw, xxhash.Sum64(raw), p.Size()
	p.buf, p.bsm = nil, nil
	p.state = Compressed
	return nil
}

// Evict drops partition i down to its on-disk location. Only clean nodes
// can evict, since their partitions match the last written block.
func (n *Node) Evict(i int) {
	if n.Dirty {
		panic(errors.AssertionFailedf("%s evict partition %d of a dirty node", n.BlockNum, i))
	}
	p := n.Parts[i]
	if p.state == Available {
		p.size = p.Size()
	}
	p.raw, p.rawSum, p.buf, p.bsm = nil, 0, nil, nil
	p.state = OnDisk
}
