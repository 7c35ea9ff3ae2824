// Package cachetable pins tree nodes in memory.
//
// A pinned value is stable until it is unpinned: Read pins share it, Write
// pins own it. Unpinned values wait in an LRU; values pushed out of the LRU
// are written back if dirty and dropped. When the resident bytes exceed the
// budget, unpinned values are asked to shed parts of themselves (partial
// eviction), and later pins fetch those parts back (partial fetch).
package cachetable

import (
	"sync"
	"sync/atomic"

	"github.com/cespare/xxhash/v2"
	"github.com/cockroachdb/errors"
	"github.com/elastic/go-freelru"
	"golang.org/x/sync/errgroup"

	"github.com/alexhholmes/ftdb/internal/blocktable"
)

const (
	// MinCacheSize holds a root-to-leaf path for several concurrent operations.
	MinCacheSize = 16

	flushParallelism    = 8
	prefetchParallelism = 4
)

var (
	// ErrTryAgain is returned by TryPin when pinning would block or needs I/O.
	ErrTryAgain = errors.New("cachetable: try again")
	// ErrClosed is returned after Close.
	ErrClosed = errors.New("cachetable: closed")
)

// Key identifies a cached value.
type Key = blocktable.BlockNum

// Mode is the kind of pin.
type Mode uint8

const (
	Read Mode = iota
	Write
)

func (m Mode) String() string {
	if m == Write {
		return "write"
	}
	return "read"
}

// Callbacks connect the table to the values it caches. The table calls them
// with the value locked exclusively, except Fetch which runs before the value
// exists. W describes the parts of a value a pin needs; only the callbacks
// interpret it.
type Callbacks[V, W any] interface {
	// Fetch reads key's value with at least the parts want selects.
	Fetch(key Key, want W) (V, error)
	// PartialFetchNeeded reports whether v lacks parts want selects.
	PartialFetchNeeded(v V, want W) bool
	// PartialFetch brings the parts want selects into v.
	PartialFetch(key Key, v V, want W) error
	// Flush writes v back. The table only calls it for dirty values.
	Flush(key Key, v V) error
	// PartialEvict sheds whatever parts of v can be rebuilt later.
	PartialEvict(key Key, v V) error
	// Size estimates the memory held by v.
	Size(v V) int
}

type pair[V any] struct {
	key   Key
	value V
	lock  sync.RWMutex
	pins  int // guarded by Table.mu
	dirty atomic.Bool
	size  atomic.Int64
	ready chan struct{} // closed once the first fetch finishes
	err   error         // fetch error, valid after ready
}

func (p *pair[V]) loaded() bool {
	select {
	case <-p.ready:
		return true
	default:
		return false
	}
}

// Handle is a pinned value.
type Handle[V any] struct {
	p    *pair[V]
	mode Mode
}

// Value returns the pinned value.
func (h *Handle[V]) Value() V {
	return h.p.value
}

// Key returns the key of the pinned value.
func (h *Handle[V]) Key() Key {
	return h.p.key
}

// Mode returns how the value is pinned.
func (h *Handle[V]) Mode() Mode {
	return h.mode
}

// Stats are the table's counters.
type Stats struct {
	Hits             uint64
	Misses           uint64
	TryAgains        uint64
	Evictions        uint64
	PartialEvictions uint64
	PartialFetches   uint64
	Flushes          uint64
	Resident         int
	Bytes            int64
}

// Table caches values of type V by key. Pins name the parts they need with
// a W. It is safe for concurrent use.
type Table[V, W any] struct {
	cb       Callbacks[V, W]
	maxBytes int64

	mu       sync.Mutex
	pairs    map[Key]*pair[V]
	lru      *freelru.LRU[Key, *pair[V]] // unpinned pairs
	removing bool                        // set while the table itself removes from lru
	victims  []*pair[V]
	closed   bool

	bytes    atomic.Int64
	prefetch chan struct{}
	wg       sync.WaitGroup

	hits, misses, tryAgains     atomic.Uint64
	evictions, partialEvictions atomic.Uint64
	partialFetches, flushes     atomic.Uint64
}

func hashKey(k Key) uint32 {
	var b [8]byte
	for i := range b {
		b[i] = byte(k >> (8 * i))
	}
	return uint32(xxhash.Sum64(b[:]))
}

// New returns a table keeping up to size unpinned values and about maxBytes
// of resident data before partial eviction starts. maxBytes <= 0 disables
// partial eviction.
func New[V, W any](size int, maxBytes int64, cb Callbacks[V, W]) (*Table[V, W], error) {
	size = max(size, MinCacheSize)
	lru, err := freelru.New[Key, *pair[V]](uint32(size), hashKey)
	if err != nil {
		return nil, errors.Wrap(err, "create lru")
	}
	t := &Table[V, W]{
		cb:       cb,
		maxBytes: maxBytes,
		pairs:    make(map[Key]*pair[V]),
		lru:      lru,
		prefetch: make(chan struct{}, prefetchParallelism),
	}
	lru.SetOnEvict(t.onEvict)
	return t, nil
}

// onEvict runs under t.mu when the LRU pushes out its oldest pair.
func (t *Table[V, W]) onEvict(_ Key, p *pair[V]) {
	if t.removing {
		return
	}
	t.victims = append(t.victims, p)
}

func (t *Table[V, W]) lruRemove(k Key) {
	t.removing = true
	t.lru.Remove(k)
	t.removing = false
}

func lock[V any](p *pair[V], mode Mode) {
	if mode == Write {
		p.lock.Lock()
	} else {
		p.lock.RLock()
	}
}

func unlock[V any](p *pair[V], mode Mode) {
	if mode == Write {
		p.lock.Unlock()
	} else {
		p.lock.RUnlock()
	}
}

func tryLock[V any](p *pair[V], mode Mode) bool {
	if mode == Write {
		return p.lock.TryLock()
	}
	return p.lock.TryRLock()
}

// Pin pins key, fetching it if it is not resident, and makes sure the parts
// want selects are in memory. Pin blocks on I/O and on conflicting pins.
func (t *Table[V, W]) Pin(key Key, mode Mode, want W) (*Handle[V], error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	p, ok := t.pairs[key]
	if !ok {
		p = &pair[V]{key: key, ready: make(chan struct{}), pins: 1}
		t.pairs[key] = p
		t.mu.Unlock()
		if err := t.fetch(p, want); err != nil {
			return nil, err
		}
	} else {
		p.pins++
		t.lruRemove(key)
		t.mu.Unlock()
		<-p.ready
		if p.err != nil {
			t.release(p)
			return nil, p.err
		}
		t.hits.Add(1)
	}

	lock(p, mode)
	if t.cb.PartialFetchNeeded(p.value, want) {
		if err := t.partialFetch(p, mode, want); err != nil {
			t.release(p)
			return nil, err
		}
	}
	return &Handle[V]{p: p, mode: mode}, nil
}

func (t *Table[V, W]) fetch(p *pair[V], want W) error {
	t.misses.Add(1)
	v, err := t.cb.Fetch(p.key, want)
	if err != nil {
		t.mu.Lock()
		delete(t.pairs, p.key)
		t.mu.Unlock()
		p.err = errors.Wrapf(err, "fetch %s", p.key)
		close(p.ready)
		return p.err
	}
	p.value = v
	size := int64(t.cb.Size(v))
	p.size.Store(size)
	t.bytes.Add(size)
	close(p.ready)
	return nil
}

// partialFetch runs with p locked in mode and returns with it locked in mode.
func (t *Table[V, W]) partialFetch(p *pair[V], mode Mode, want W) error {
	if mode == Read {
		p.lock.RUnlock()
		p.lock.Lock()
	}
	var err error
	if t.cb.PartialFetchNeeded(p.value, want) {
		t.partialFetches.Add(1)
		err = t.cb.PartialFetch(p.key, p.value, want)
		t.resize(p)
	}
	if mode == Read {
		p.lock.Unlock()
		if err == nil {
			p.lock.RLock()
		}
	} else if err != nil {
		p.lock.Unlock()
	}
	if err != nil {
		return errors.Wrapf(err, "partial fetch %s", p.key)
	}
	return nil
}

// TryPin is Pin without blocking: it returns ErrTryAgain when key is not
// resident, is locked in a conflicting mode, or lacks parts want selects.
func (t *Table[V, W]) TryPin(key Key, mode Mode, want W) (*Handle[V], error) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil, ErrClosed
	}
	p, ok := t.pairs[key]
	if !ok || !p.loaded() || p.err != nil {
		t.mu.Unlock()
		t.tryAgains.Add(1)
		return nil, ErrTryAgain
	}
	p.pins++
	t.lruRemove(key)
	t.mu.Unlock()

	if !tryLock(p, mode) {
		t.release(p)
		t.tryAgains.Add(1)
		return nil, ErrTryAgain
	}
	if t.cb.PartialFetchNeeded(p.value, want) {
		unlock(p, mode)
		t.release(p)
		t.tryAgains.Add(1)
		return nil, ErrTryAgain
	}
	t.hits.Add(1)
	return &Handle[V]{p: p, mode: mode}, nil
}

// Create adds a new value under key, pinned for writing and dirty.
func (t *Table[V, W]) Create(key Key, v V) *Handle[V] {
	p := &pair[V]{key: key, value: v, ready: make(chan struct{}), pins: 1}
	close(p.ready)
	p.dirty.Store(true)
	size := int64(t.cb.Size(v))
	p.size.Store(size)
	p.lock.Lock()

	t.mu.Lock()
	if _, ok := t.pairs[key]; ok {
		t.mu.Unlock()
		panic(errors.AssertionFailedf("create %s: already cached", key))
	}
	t.pairs[key] = p
	t.mu.Unlock()
	t.bytes.Add(size)
	return &Handle[V]{p: p, mode: Write}
}

// Unpin releases h. dirty marks the value as modified; the table then writes
// it back before dropping it. The value's size is re-estimated.
func (t *Table[V, W]) Unpin(h *Handle[V], dirty bool) {
	p := h.p
	if dirty {
		if h.mode != Write {
			panic(errors.AssertionFailedf("unpin %s dirty under a read pin", p.key))
		}
		p.dirty.Store(true)
	}
	if h.mode == Write {
		t.resize(p)
	}
	unlock(p, h.mode)
	h.p = nil
	t.release(p)
}

func (t *Table[V, W]) resize(p *pair[V]) {
	size := int64(t.cb.Size(p.value))
	t.bytes.Add(size - p.size.Swap(size))
}

// release drops one pin on p and evicts whatever the LRU pushed out.
func (t *Table[V, W]) release(p *pair[V]) {
	t.mu.Lock()
	p.pins--
	if p.pins < 0 {
		t.mu.Unlock()
		panic(errors.AssertionFailedf("%s unpinned more than pinned", p.key))
	}
	if p.pins == 0 && t.pairs[p.key] == p && !t.closed {
		t.lru.Add(p.key, p)
	}
	victims := t.victims
	t.victims = nil
	t.mu.Unlock()

	for _, v := range victims {
		t.evict(v)
	}
	if t.maxBytes > 0 && t.bytes.Load() > t.maxBytes {
		t.shed()
	}
}

// evict writes p back if dirty and drops it, unless it was pinned again.
func (t *Table[V, W]) evict(p *pair[V]) {
	t.mu.Lock()
	if p.pins != 0 || t.pairs[p.key] != p {
		t.mu.Unlock()
		return
	}
	p.pins++
	t.mu.Unlock()

	var err error
	p.lock.Lock()
	if p.dirty.Load() {
		if err = t.cb.Flush(p.key, p.value); err == nil {
			p.dirty.Store(false)
			t.flushes.Add(1)
		}
	}
	p.lock.Unlock()

	t.mu.Lock()
	p.pins--
	if p.pins == 0 {
		if err != nil {
			// Keep it; the next checkpoint reports the error.
			t.lru.Add(p.key, p)
		} else {
			t.lruRemove(p.key)
			delete(t.pairs, p.key)
			t.bytes.Add(-p.size.Load())
			t.evictions.Add(1)
		}
	}
	t.mu.Unlock()
}

// shed partially evicts unpinned values until the resident bytes fit.
func (t *Table[V, W]) shed() {
	t.mu.Lock()
	keys := t.lru.Keys()
	candidates := make([]*pair[V], 0, len(keys))
	for _, k := range keys {
		if p, ok := t.pairs[k]; ok {
			candidates = append(candidates, p)
		}
	}
	t.mu.Unlock()

	for _, p := range candidates {
		if t.bytes.Load() <= t.maxBytes {
			return
		}
		if !p.lock.TryLock() {
			continue
		}
		if err := t.cb.PartialEvict(p.key, p.value); err == nil {
			t.partialEvictions.Add(1)
			t.resize(p)
		}
		p.lock.Unlock()
	}
}

// Prefetch starts fetching key in the background unless it is resident with
// the parts want selects, or too many prefetches are running.
func (t *Table[V, W]) Prefetch(key Key, want W) {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return
	}
	if p, ok := t.pairs[key]; ok && p.loaded() && p.lock.TryRLock() {
		needed := p.err == nil && t.cb.PartialFetchNeeded(p.value, want)
		p.lock.RUnlock()
		if !needed {
			t.mu.Unlock()
			return
		}
	}
	t.wg.Add(1)
	t.mu.Unlock()

	select {
	case t.prefetch <- struct{}{}:
	default:
		t.wg.Done()
		return
	}
	go func() {
		defer t.wg.Done()
		defer func() { <-t.prefetch }()
		if h, err := t.Pin(key, Read, want); err == nil {
			t.Unpin(h, false)
		}
	}()
}

// FlushAll writes back every dirty value. Values stay cached and clean.
func (t *Table[V, W]) FlushAll() error {
	t.mu.Lock()
	var dirty []*pair[V]
	for _, p := range t.pairs {
		if p.loaded() && p.err == nil && p.dirty.Load() {
			p.pins++
			dirty = append(dirty, p)
		}
	}
	t.mu.Unlock()

	var g errgroup.Group
	g.SetLimit(flushParallelism)
	for _, p := range dirty {
		g.Go(func() error {
			defer t.release(p)
			p.lock.Lock()
			defer p.lock.Unlock()
			if !p.dirty.Load() {
				return nil
			}
			if err := t.cb.Flush(p.key, p.value); err != nil {
				return errors.Wrapf(err, "flush %s", p.key)
			}
			p.dirty.Store(false)
			t.flushes.Add(1)
			return nil
		})
	}
	return g.Wait()
}

// Remove drops the value pinned by h without writing it back. h must be a
// write pin and the only pin.
func (t *Table[V, W]) Remove(h *Handle[V]) {
	p := h.p
	if h.mode != Write {
		panic(errors.AssertionFailedf("remove %s under a read pin", p.key))
	}
	t.mu.Lock()
	if p.pins != 1 {
		t.mu.Unlock()
		panic(errors.AssertionFailedf("remove %s with %d pins", p.key, p.pins))
	}
	p.pins = 0
	delete(t.pairs, p.key)
	t.lruRemove(p.key)
	t.mu.Unlock()
	t.bytes.Add(-p.size.Load())
	p.lock.Unlock()
	h.p = nil
}

// Len returns the number of resident values.
func (t *Table[V, W]) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pairs)
}

// Stats returns the table's counters.
func (t *Table[V, W]) Stats() Stats {
	return Stats{
		Hits:             t.hits.Load(),
		Misses:           t.misses.Load(),
		TryAgains:        t.tryAgains.Load(),
		Evictions:        t.evictions.Load(),
		PartialEvictions: t.partialEvictions.Load(),
		PartialFetches:   t.partialFetches.Load(),
		Flushes:          t.flushes.Load(),
		Resident:         t.Len(),
		Bytes:            t.bytes.Load(),
	}
}

// Close waits for prefetches and drops every value without writing it back.
// Callers flush first.
func (t *Table[V, W]) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return ErrClosed
	}
	t.closed = true
	t.mu.Unlock()

	t.wg.Wait()

	t.mu.Lock()
	defer t.mu.Unlock()
	for k, p := range t.pairs {
		if p.pins > 0 {
			return errors.Newf("close with %s pinned %d times", k, p.pins)
		}
	}
	t.removing = true
	t.lru.Purge()
	t.removing = false
	t.pairs = make(map[Key]*pair[V])
	t.bytes.Store(0)
	return nil
}
