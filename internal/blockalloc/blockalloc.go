// Package blockalloc manages free space of a single block file.
//
// The allocator tracks (offset, size) extents in one linearly addressed
// region. A prefix of the region is reserved for headers and is never handed
// out. The allocator does no I/O and has no locking of its own: exactly one
// owner mutates it at a time.
package blockalloc

import (
	"fmt"

	"github.com/cockroachdb/errors"
	"github.com/google/btree"
)

const (
	// DefaultAlignment is the alignment used for node blocks.
	DefaultAlignment = 512

	degree = 32
)

// Extent is an allocated region of the block file.
type Extent struct {
	Offset uint64
	Size   uint64
}

// End returns the first offset after the extent.
func (e Extent) End() uint64 {
	return e.Offset + e.Size
}

func (e Extent) String() string {
	return fmt.Sprintf("[%d,+%d)", e.Offset, e.Size)
}

func lessExtent(a, b Extent) bool {
	return a.Offset < b.Offset
}

// Allocator keeps a sorted, non-overlapping set of extents.
type Allocator struct {
	reserve   uint64
	alignment uint64
	extents   *btree.BTreeG[Extent]
	used      uint64 // Sum of extent sizes
}

// New creates an allocator. Nothing below reserveAtBeginning, rounded up to
// alignment, is ever allocated. alignment must be a power of two.
func New(reserveAtBeginning, alignment uint64) *Allocator {
	if alignment == 0 || alignment&(alignment-1) != 0 {
		panic(errors.AssertionFailedf("block allocator alignment %d is not a power of two", alignment))
	}
	return &Allocator{
		reserve:   (reserveAtBeginning + alignment - 1) &^ (alignment - 1),
		alignment: alignment,
		extents:   btree.NewG[Extent](degree, lessExtent),
	}
}

// align rounds v up to the allocator's alignment.
func (a *Allocator) align(v uint64) uint64 {
	return ((v + a.alignment - 1) / a.alignment) * a.alignment
}

// Reserve returns the size of the reserved prefix.
func (a *Allocator) Reserve() uint64 {
	return a.reserve
}

// Alignment returns the allocation alignment.
func (a *Allocator) Alignment() uint64 {
	return a.alignment
}

// Len returns the number of allocated extents.
func (a *Allocator) Len() int {
	return a.extents.Len()
}

// AllocFixed records an extent at a caller-chosen offset. It is used when
// replaying known placements, so overlap is a programming error.
func (a *Allocator) AllocFixed(size, offset uint64) {
	if size == 0 {
		panic(errors.AssertionFailedf("zero-size extent at offset %d", offset))
	}
	if offset%a.alignment != 0 {
		panic(errors.AssertionFailedf("fixed extent offset %d not aligned to %d", offset, a.alignment))
	}
	if offset < a.reserve {
		panic(errors.AssertionFailedf("fixed extent offset %d inside reserved prefix %d", offset, a.reserve))
	}
	e := Extent{Offset: offset, Size: size}

	// Predecessor must end at or before offset.
	a.extents.DescendLessOrEqual(e, func(prev Extent) bool {
		if prev.Offset == offset || prev.End() > offset {
			panic(errors.AssertionFailedf("fixed extent %s overlaps %s", e, prev))
		}
		return false
	})
	// Successor must begin at or after the end.
	a.extents.AscendGreaterOrEqual(e, func(next Extent) bool {
		if next.Offset < e.End() {
			panic(errors.AssertionFailedf("fixed extent %s overlaps %s", e, next))
		}
		return false
	})

	a.extents.ReplaceOrInsert(e)
	a.used += size
}

// Alloc places an extent of the given size using first fit in offset order,
// starting right after the reserved prefix. Blocks are periodically moved
// toward the front to shrink the file, so the first gap wins over a cursor.
func (a *Allocator) Alloc(size uint64) uint64 {
	if size == 0 {
		panic(errors.AssertionFailedf("zero-size extent"))
	}
	answer := a.reserve
	a.extents.Ascend(func(e Extent) bool {
		if answer+size <= e.Offset {
			return false
		}
		if end := a.align(e.End()); end > answer {
			answer = end
		}
		return true
	})
	a.extents.ReplaceOrInsert(Extent{Offset: answer, Size: size})
	a.used += size
	return answer
}

// Free removes the extent that starts exactly at offset.
func (a *Allocator) Free(offset uint64) {
	if !a.FreeChecked(offset) {
		panic(errors.AssertionFailedf("no extent starts at offset %d", offset))
	}
}

// FreeChecked is Free that reports a missing extent instead of panicking.
func (a *Allocator) FreeChecked(offset uint64) bool {
	e, ok := a.extents.Delete(Extent{Offset: offset})
	if !ok {
		return false
	}
	a.used -= e.Size
	return true
}

// SizeOf returns the size of the extent starting at offset.
func (a *Allocator) SizeOf(offset uint64) (uint64, bool) {
	e, ok := a.extents.Get(Extent{Offset: offset})
	if !ok {
		return 0, false
	}
	return e.Size, true
}

// AllocatedLimit returns the first offset past every allocated byte.
func (a *Allocator) AllocatedLimit() uint64 {
	last, ok := a.extents.Max()
	if !ok {
		return a.reserve
	}
	return last.End()
}

// NthExtentInLayoutOrder returns the n'th extent in offset order. n == 0 is
// the reserved prefix; allocated extents start at n == 1.
func (a *Allocator) NthExtentInLayoutOrder(n int) (Extent, bool) {
	if n == 0 {
		return Extent{Offset: 0, Size: a.reserve}, true
	}
	if n < 0 || n > a.extents.Len() {
		return Extent{}, false
	}
	var (
		found Extent
		i     int
	)
	a.extents.Ascend(func(e Extent) bool {
		i++
		if i == n {
			found = e
			return false
		}
		return true
	})
	return found, true
}

// Extents returns a copy of the extent set in offset order.
func (a *Allocator) Extents() []Extent {
	out := make([]Extent, 0, a.extents.Len())
	a.extents.Ascend(func(e Extent) bool {
		out = append(out, e)
		return true
	})
	return out
}

// Used returns the sum of allocated extent sizes.
func (a *Allocator) Used() uint64 {
	return a.used
}

// Report summarizes free space in the block file.
type Report struct {
	FileSizeBytes             uint64
	DataBytes                 uint64
	DataBlocks                uint64
	CheckpointBytesAdditional uint64
	UnusedBytes               uint64
	UnusedExtents             uint64
	LargestUnusedExtent       uint64
}

// Fragmentation reports the unused gaps between extents and between the last
// extent and the end of the file.
func (a *Allocator) Fragmentation(fileSize, dataBytes, checkpointOverhead uint64) Report {
	r := Report{
		FileSizeBytes:             fileSize,
		DataBytes:                 dataBytes,
		DataBlocks:                uint64(a.extents.Len()),
		CheckpointBytesAdditional: checkpointOverhead,
	}
	gap := func(free uint64) {
		if free == 0 {
			return
		}
		r.UnusedBytes += free
		r.UnusedExtents++
		r.LargestUnusedExtent = max(r.LargestUnusedExtent, free)
	}

	end := a.reserve
	a.extents.Ascend(func(e Extent) bool {
		if e.Offset < end {
			panic(errors.AssertionFailedf("extent %s overlaps previous end %d", e, end))
		}
		gap(e.Offset - end)
		end = a.align(e.End())
		return true
	})
	if end < fileSize {
		gap(fileSize - end)
	}
	return r
}

// Validate checks that extents are sorted, aligned, outside the reserved
// prefix and non-overlapping.
func (a *Allocator) Validate() error {
	var (
		prev  Extent
		first = true
		used  uint64
		err   error
	)
	a.extents.Ascend(func(e Extent) bool {
		switch {
		case e.Offset%a.alignment != 0:
			err = errors.Newf("extent %s not aligned to %d", e, a.alignment)
		case e.Offset < a.reserve:
			err = errors.Newf("extent %s inside reserved prefix %d", e, a.reserve)
		case !first && prev.End() > e.Offset:
			err = errors.Newf("extent %s overlaps %s", e, prev)
		}
		prev, first = e, false
		used += e.Size
		return err == nil
	})
	if err == nil && used != a.used {
		err = errors.Newf("used bytes %d does not match extents %d", a.used, used)
	}
	return err
}
