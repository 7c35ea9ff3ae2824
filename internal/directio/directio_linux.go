package directio

import (
	"os"

	"golang.org/x/sys/unix"
)

const (
	// AlignSize is the memory alignment of direct I/O buffers.
	AlignSize = 4096
	// BlockSize is the granularity of direct I/O offsets and lengths.
	BlockSize = 4096
	// Supported reports whether OpenFile bypasses the page cache.
	Supported = true
)

// OpenFile is os.OpenFile with O_DIRECT set.
func OpenFile(name string, flag int, perm os.FileMode) (*os.File, error) {
	return os.OpenFile(name, unix.O_DIRECT|flag, perm)
}
