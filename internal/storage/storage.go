// Package storage provides the byte stores that hold the block file.
package storage

import (
	"os"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/alexhholmes/ftdb/internal/directio"
)

// Store is a linearly addressed region of bytes. Reads and writes either
// transfer the whole slice or fail.
type Store interface {
	ReadAt(p []byte, off uint64) error
	WriteAt(p []byte, off uint64) error
	Sync() error
	Size() (uint64, error)
	Truncate(size uint64) error
	// Alignment is the granularity writes must start at and be padded to.
	// 1 means unaligned access is allowed.
	Alignment() uint64
	Stats() Stats
	Close() error
}

// Stats holds I/O statistics
type Stats struct {
	Reads   uint64
	Writes  uint64
	Read    uint64
	Written uint64
	Syncs   uint64
}

type counters struct {
	reads   atomic.Uint64
	writes  atomic.Uint64
	read    atomic.Uint64
	written atomic.Uint64
	syncs   atomic.Uint64
}

func (c *counters) stats() Stats {
	return Stats{
		Reads:   c.reads.Load(),
		Writes:  c.writes.Load(),
		Read:    c.read.Load(),
		Written: c.written.Load(),
		Syncs:   c.syncs.Load(),
	}
}

// File is a Store backed by an operating system file, optionally opened for
// direct I/O.
type File struct {
	file   *os.File
	direct bool
	align  uint64
	stats  counters
}

// Open opens or creates the file at path. With direct set, the page cache is
// bypassed where the platform supports it.
func Open(path string, direct bool) (*File, error) {
	var (
		file *os.File
		err  error
	)
	if direct {
		file, err = directio.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	} else {
		file, err = os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0600)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", path)
	}
	f := &File{file: file, direct: direct && directio.Supported, align: 1}
	if f.direct {
		f.align = directio.BlockSize
	}
	return f, nil
}

// Alignment implements Store.
func (f *File) Alignment() uint64 {
	return f.align
}

// ReadAt reads len(p) bytes at off. Direct files read the enclosing aligned
// range and copy out.
func (f *File) ReadAt(p []byte, off uint64) error {
	if len(p) == 0 {
		return nil
	}
	buf, start := p, off
	if f.direct {
		start = off / f.align * f.align
		end := (off + uint64(len(p)) + f.align - 1) / f.align * f.align
		buf = directio.AlignedBlock(int(end - start))
	}

	f.stats.reads.Add(1)
	n, err := f.file.ReadAt(buf, int64(start))
	f.stats.read.Add(uint64(n))
	// Direct reads of the last block may stop at end of file.
	if f.direct && uint64(n) >= off-start+uint64(len(p)) {
		err = nil
	}
	if err != nil {
		return errors.Wrapf(err, "read %d bytes at %d", len(p), off)
	}
	if n < len(p) {
		return errors.Newf("short read: got %d bytes, expected %d", n, len(p))
	}
	if f.direct {
		copy(p, buf[off-start:])
	}
	return nil
}

// WriteAt writes p at off. Direct files require an aligned offset and pad
// the write with zeros to the alignment.
func (f *File) WriteAt(p []byte, off uint64) error {
	buf := p
	if f.direct {
		if off%f.align != 0 {
			panic(errors.AssertionFailedf("direct write at unaligned offset %d", off))
		}
		size := directio.RoundUp(len(p))
		if size != len(p) || !directio.IsAligned(p) {
			buf = directio.AlignedBlock(size)
			copy(buf, p)
		}
	}

	f.stats.writes.Add(1)
	n, err := f.file.WriteAt(buf, int64(off))
	f.stats.written.Add(uint64(n))
	if err != nil {
		return errors.Wrapf(err, "write %d bytes at %d", len(buf), off)
	}
	if n != len(buf) {
		return errors.Newf("short write: wrote %d bytes, expected %d", n, len(buf))
	}
	return nil
}

// Sync flushes written data to stable storage.
func (f *File) Sync() error {
	f.stats.syncs.Add(1)
	return datasync(f.file)
}

// Size returns the file size.
func (f *File) Size() (uint64, error) {
	info, err := f.file.Stat()
	if err != nil {
		return 0, err
	}
	return uint64(info.Size()), nil
}

// Truncate changes the file size.
func (f *File) Truncate(size uint64) error {
	return f.file.Truncate(int64(size))
}

// Stats implements Store.
func (f *File) Stats() Stats {
	return f.stats.stats()
}

// Close closes the file
func (f *File) Close() error {
	return f.file.Close()
}

// Memory is an in-memory Store.
type Memory struct {
	mu     sync.RWMutex
	data   []byte
	closed bool
	stats  counters
}

// NewMemory returns an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

var errClosed = errors.New("store closed")

// ReadAt implements Store.
func (m *Memory) ReadAt(p []byte, off uint64) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return errClosed
	}
	m.stats.reads.Add(1)
	if off+uint64(len(p)) > uint64(len(m.data)) {
		return errors.Newf("short read: %d bytes at %d beyond %d", len(p), off, len(m.data))
	}
	copy(p, m.data[off:])
	m.stats.read.Add(uint64(len(p)))
	return nil
}

// WriteAt implements Store.
func (m *Memory) WriteAt(p []byte, off uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return errClosed
	}
	m.stats.writes.Add(1)
	if end := off + uint64(len(p)); end > uint64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-uint64(len(m.data)))...)
	}
	copy(m.data[off:], p)
	m.stats.written.Add(uint64(len(p)))
	return nil
}

// Sync implements Store.
func (m *Memory) Sync() error {
	m.stats.syncs.Add(1)
	return nil
}

// Size implements Store.
func (m *Memory) Size() (uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return uint64(len(m.data)), nil
}

// Truncate implements Store.
func (m *Memory) Truncate(size uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if size <= uint64(len(m.data)) {
		m.data = m.data[:size]
		return nil
	}
	m.data = append(m.data, make([]byte, size-uint64(len(m.data)))...)
	return nil
}

// Alignment implements Store.
func (m *Memory) Alignment() uint64 {
	return 1
}

// Stats implements Store.
func (m *Memory) Stats() Stats {
	return m.stats.stats()
}

// Close implements Store. Closing does not discard the contents, so a test
// can reopen a tree over the same Memory with Reopen.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// Reopen makes a closed Memory usable again.
func (m *Memory) Reopen() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = false
}

// Corrupt flips the byte at off. Tests use it to damage stored blocks.
func (m *Memory) Corrupt(off uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[off] ^= 0xff
}
