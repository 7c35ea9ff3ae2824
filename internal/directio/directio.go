// Package directio opens files that bypass the OS page cache and allocates
// the aligned buffers such files require. Adapted from
// https://github.com/ncw/directio.
package directio

import (
	"unsafe"

	"github.com/cockroachdb/errors"
)

// IsAligned reports whether block starts at a multiple of AlignSize.
func IsAligned(block []byte) bool {
	if AlignSize == 0 || len(block) == 0 {
		return true
	}
	return alignment(block, AlignSize) == 0
}

// AlignedBlock returns a zeroed slice of size bytes whose first byte is
// aligned to AlignSize.
func AlignedBlock(size int) []byte {
	block := make([]byte, size+AlignSize)
	if AlignSize == 0 || size == 0 {
		return block[:size]
	}
	offset := 0
	if a := alignment(block, AlignSize); a != 0 {
		offset = AlignSize - a
	}
	block = block[offset : offset+size]
	if !IsAligned(block) {
		panic(errors.AssertionFailedf("failed to align %d byte block", size))
	}
	return block
}

// RoundUp rounds n up to a multiple of BlockSize.
func RoundUp(n int) int {
	return (n + BlockSize - 1) / BlockSize * BlockSize
}

// alignment returns the offset of block's first byte from the previous
// multiple of align. block must not be empty.
func alignment(block []byte, align int) int {
	return int(uintptr(unsafe.Pointer(&block[0])) & uintptr(align-1))
}
