// Package blocktable translates block numbers to extents of the block file.
//
// Nodes refer to each other by block number. Every write of a node goes to a
// fresh extent, so the previous extent stays intact for the last durable
// checkpoint. Replaced extents are freed in two stages:
//  1. Pending: extents replaced during checkpoint generation g cannot be
//     reused until the header of checkpoint g is durable
//  2. Free: Release(g) hands them back to the allocator
package blocktable

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"

	"github.com/alexhholmes/ftdb/internal/blockalloc"
)

// BlockNum names a node independently of where it is stored.
type BlockNum uint64

// None is the absent block number.
const None BlockNum = 0

func (b BlockNum) String() string {
	return fmt.Sprintf("block#%d", uint64(b))
}

// ErrCorrupt is returned when a serialized translation table fails to decode.
var ErrCorrupt = errors.New("corrupt translation table")

// Table is the block translation table. It is safe for concurrent use.
type Table struct {
	mu       sync.Mutex
	alloc    *blockalloc.Allocator
	extents  []blockalloc.Extent // index is the block number; Size 0 is unassigned
	freeNums []BlockNum
	pending  map[uint64][]uint64 // generation -> offsets replaced in it
	gen      uint64
	table    blockalloc.Extent // where the last written translation table lives
}

// New creates an empty table over a fresh allocator.
func New(reserve, alignment uint64) *Table {
	return &Table{
		alloc:   blockalloc.New(reserve, alignment),
		extents: make([]blockalloc.Extent, 1), // block 0 is never used
		pending: make(map[uint64][]uint64),
	}
}

// AllocateBlockNum returns an unused block number. Freed numbers are reused.
func (t *Table) AllocateBlockNum() BlockNum {
	t.mu.Lock()
	defer t.mu.Unlock()

	if n := len(t.freeNums); n > 0 {
		b := t.freeNums[n-1]
		t.freeNums = t.freeNums[:n-1]
		return b
	}
	t.extents = append(t.extents, blockalloc.Extent{})
	return BlockNum(len(t.extents) - 1)
}

// FreeBlockNum releases b. Its extent, if any, becomes pending.
func (t *Table) FreeBlockNum(b BlockNum) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.check(b)
	if e := t.extents[b]; e.Size != 0 {
		t.pending[t.gen] = append(t.pending[t.gen], e.Offset)
	}
	t.extents[b] = blockalloc.Extent{}
	t.freeNums = append(t.freeNums, b)
}

// Realloc assigns b a fresh extent of the given size and returns its offset.
// The previous extent becomes pending.
func (t *Table) Realloc(b BlockNum, size uint64) uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.check(b)
	if old := t.extents[b]; old.Size != 0 {
		t.pending[t.gen] = append(t.pending[t.gen], old.Offset)
	}
	off := t.alloc.Alloc(size)
	t.extents[b] = blockalloc.Extent{Offset: off, Size: size}
	return off
}

// Translate returns the extent of b.
func (t *Table) Translate(b BlockNum) (blockalloc.Extent, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if b == None || int(b) >= len(t.extents) || t.extents[b].Size == 0 {
		return blockalloc.Extent{}, false
	}
	return t.extents[b], true
}

func (t *Table) check(b BlockNum) {
	if b == None || int(b) >= len(t.extents) {
		panic(errors.AssertionFailedf("%s outside table of %d", b, len(t.extents)))
	}
}

// Serialized layout, little-endian:
//
//	[count uint64] { [offset uint64][size uint64] } * count [xxhash uint64]
//
// Entry 0 is block 0 and is always empty.
func (t *Table) marshal() []byte {
	out := make([]byte, 0, 8+16*len(t.extents)+8)
	out = binary.LittleEndian.AppendUint64(out, uint64(len(t.extents)))
	for _, e := range t.extents {
		out = binary.LittleEndian.AppendUint64(out, e.Offset)
		out = binary.LittleEndian.AppendUint64(out, e.Size)
	}
	return binary.LittleEndian.AppendUint64(out, xxhash.Sum64(out))
}

// WriteTable places the current translation table in a fresh extent and
// writes it with write. It closes the current pending generation and returns
// that generation with the table's extent; once a header pointing at the
// extent is durable, Release(gen) frees everything replaced before it.
func (t *Table) WriteTable(write func(offset uint64, data []byte) error) (blockalloc.Extent, uint64, error) {
	t.mu.Lock()
	data := t.marshal()
	if t.table.Size != 0 {
		t.pending[t.gen] = append(t.pending[t.gen], t.table.Offset)
	}
	ext := blockalloc.Extent{Offset: t.alloc.Alloc(uint64(len(data))), Size: uint64(len(data))}
	t.table = ext
	gen := t.gen
	t.gen++
	t.mu.Unlock()

	if err := write(ext.Offset, data); err != nil {
		return blockalloc.Extent{}, 0, errors.Wrap(err, "write translation table")
	}
	return ext, gen, nil
}

// Release frees the extents replaced in generations up to gen. It returns
// the number of extents freed.
func (t *Table) Release(gen uint64) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for g, offsets := range t.pending {
		if g > gen {
			continue
		}
		for _, off := range offsets {
			t.alloc.Free(off)
		}
		n += len(offsets)
		delete(t.pending, g)
	}
	return n
}

// Pending returns the number of extents waiting for a checkpoint.
func (t *Table) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, offsets := range t.pending {
		n += len(offsets)
	}
	return n
}

// Load replaces the table with one read from data, which was stored at ext.
// Every extent, including the table's own, is replayed into a fresh
// allocator.
func Load(data []byte, ext blockalloc.Extent, reserve, alignment uint64) (*Table, error) {
	if len(data) < 16 {
		return nil, errors.Wrapf(ErrCorrupt, "%d bytes", len(data))
	}
	body, sum := data[:len(data)-8], binary.LittleEndian.Uint64(data[len(data)-8:])
	if xxhash.Sum64(body) != sum {
		return nil, errors.Wrap(ErrCorrupt, "checksum mismatch")
	}
	count := binary.LittleEndian.Uint64(body)
	body = body[8:]
	if count == 0 || uint64(len(body)) != 16*count {
		return nil, errors.Wrapf(ErrCorrupt, "%d entries in %d bytes", count, len(body))
	}

	t := New(reserve, alignment)
	t.extents = make([]blockalloc.Extent, count)
	for i := range t.extents {
		e := blockalloc.Extent{
			Offset: binary.LittleEndian.Uint64(body[16*i:]),
			Size:   binary.LittleEndian.Uint64(body[16*i+8:]),
		}
		t.extents[i] = e
		if i == 0 {
			if e.Size != 0 {
				return nil, errors.Wrap(ErrCorrupt, "block 0 has an extent")
			}
			continue
		}
		if e.Size == 0 {
			t.freeNums = append(t.freeNums, BlockNum(i))
			continue
		}
		t.alloc.AllocFixed(e.Size, e.Offset)
	}
	t.alloc.AllocFixed(ext.Size, ext.Offset)
	t.table = ext
	return t, nil
}

// NumBlocks returns the number of block numbers with an extent.
func (t *Table) NumBlocks() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for _, e := range t.extents[1:] {
		if e.Size != 0 {
			n++
		}
	}
	return n
}

// Fragmentation reports free space given the current file size.
func (t *Table) Fragmentation(fileSize uint64) blockalloc.Report {
	t.mu.Lock()
	defer t.mu.Unlock()

	var data, overhead uint64
	for _, e := range t.extents[1:] {
		data += e.Size
	}
	for _, offsets := range t.pending {
		for _, off := range offsets {
			size, _ := t.alloc.SizeOf(off)
			overhead += size
		}
	}
	overhead += t.table.Size
	return t.alloc.Fragmentation(fileSize, data, overhead)
}

// AllocatedLimit returns the first offset past every allocated extent.
func (t *Table) AllocatedLimit() uint64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.alloc.AllocatedLimit()
}

// Validate checks the allocator and that every assigned extent is allocated.
func (t *Table) Validate() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.alloc.Validate(); err != nil {
		return err
	}
	for b, e := range t.extents {
		if e.Size == 0 {
			continue
		}
		if size, ok := t.alloc.SizeOf(e.Offset); !ok || size != e.Size {
			return errors.Newf("%s extent %s not allocated", BlockNum(b), e)
		}
	}
	return nil
}
