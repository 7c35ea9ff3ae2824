// Package node is the in-memory model of a tree node.
//
// A nonleaf node routes by pivots and holds one message buffer per child. A
// leaf node holds one basement of rows. Either kind can have partitions that
// are not decoded (Compressed) or not even read (OnDisk); callers pin nodes
// with the partitions they need made Available.
package node

import (
	"fmt"
	"sync/atomic"

	"github.com/cockroachdb/errors"

	"github.com/alexhholmes/ftdb/internal/basement"
	"github.com/alexhholmes/ftdb/internal/blocktable"
	"github.com/alexhholmes/ftdb/internal/buffer"
	"github.com/alexhholmes/ftdb/internal/msg"
)

// Compare orders keys, and values in duplicate trees.
type Compare func(a, b []byte) int

// Options fix how a tree's nodes compare keys.
type Options struct {
	Compare    Compare
	Duplicates bool
}

// Limits are the size targets that drive flushing and splitting.
type Limits struct {
	// NodeSize is the target serialized size of a node in bytes.
	NodeSize int
	// Fanout is the target number of children of a nonleaf node.
	Fanout int
}

// Reactivity says whether a node should split, merge or be left alone.
type Reactivity uint8

const (
	Stable Reactivity = iota
	Fissible
	Fusible
)

func (r Reactivity) String() string {
	switch r {
	case Stable:
		return "stable"
	case Fissible:
		return "fissible"
	case Fusible:
		return "fusible"
	}
	return fmt.Sprintf("reactivity(%d)", uint8(r))
}

// State is the residency of a partition.
type State uint8

const (
	// OnDisk partitions have only their location in the node block.
	OnDisk State = iota
	// Compressed partitions hold their serialized bytes.
	Compressed
	// Available partitions are decoded.
	Available
)

func (s State) String() string {
	switch s {
	case OnDisk:
		return "on-disk"
	case Compressed:
		return "compressed"
	case Available:
		return "available"
	}
	return fmt.Sprintf("state(%d)", uint8(s))
}

// Pivot separates two children. Val is only used by duplicate trees.
type Pivot struct {
	Key []byte
	Val []byte
}

func (p Pivot) String() string {
	if p.Val == nil {
		return fmt.Sprintf("%q", p.Key)
	}
	return fmt.Sprintf("(%q,%q)", p.Key, p.Val)
}

// Partition is the per-child content of a node.
type Partition struct {
	state  State
	buf    *buffer.Buffer
	bsm    *basement.Basement
	raw    []byte // serialized form while Compressed
	rawSum uint64
	ref    blobRef // location in the last written block
	size   int     // accounted bytes while not Available

	// WorkDone counts bytes of messages readers applied below this
	// partition. Readers hold the node shared, so it is atomic.
	WorkDone atomic.Int64
}

// State returns the residency of the partition.
func (p *Partition) State() State {
	return p.state
}

// Buffer returns the message buffer of an available nonleaf partition.
func (p *Partition) Buffer() *buffer.Buffer {
	if p.state != Available || p.buf == nil {
		panic(errors.AssertionFailedf("buffer of %s partition", p.state))
	}
	return p.buf
}

// Basement returns the rows of an available leaf partition.
func (p *Partition) Basement() *basement.Basement {
	if p.state != Available || p.bsm == nil {
		panic(errors.AssertionFailedf("basement of %s partition", p.state))
	}
	return p.bsm
}

// Size returns the accounted bytes of the partition.
func (p *Partition) Size() int {
	if p.state != Available {
		return p.size
	}
	if p.buf != nil {
		return p.buf.Bytes()
	}
	return p.bsm.Bytes()
}

// Node is a tree node. Its fields are guarded by the pin that holds it.
type Node struct {
	BlockNum blocktable.BlockNum
	// Height is 0 for leaves.
	Height   int
	Pivots   []Pivot
	Children []blocktable.BlockNum
	Parts    []*Partition
	// MaxMSN is the newest message applied to or buffered in the node.
	MaxMSN msg.MSN
	Dirty  bool
	// SeqInserts counts consecutive inserts at the right edge of a leaf.
	SeqInserts int

	opts Options
}

// NewLeaf creates an empty dirty leaf.
func NewLeaf(b blocktable.BlockNum, opts Options) *Node {
	return &Node{
		BlockNum: b,
		Parts:    []*Partition{{state: Available, bsm: basement.New(basement.Compare(opts.Compare), opts.Duplicates)}},
		Dirty:    true,
		opts:     opts,
	}
}

// NewNonleaf creates a dirty nonleaf node with empty buffers.
func NewNonleaf(b blocktable.BlockNum, height int, children []blocktable.BlockNum, pivots []Pivot, opts Options) *Node {
	if height < 1 || len(children) != len(pivots)+1 {
		panic(errors.AssertionFailedf("nonleaf height %d with %d children and %d pivots",
			height, len(children), len(pivots)))
	}
	n := &Node{
		BlockNum: b,
		Height:   height,
		Pivots:   pivots,
		Children: children,
		Parts:    make([]*Partition, len(children)),
		Dirty:    true,
		opts:     opts,
	}
	for i := range n.Parts {
		n.Parts[i] = n.newBufferPartition()
	}
	return n
}

func (n *Node) newBufferPartition() *Partition {
	return &Partition{state: Available, buf: buffer.New(buffer.Compare(n.opts.Compare))}
}

// Options returns the comparison options of the node.
func (n *Node) Options() Options {
	return n.opts
}

// IsLeaf reports whether the node holds rows.
func (n *Node) IsLeaf() bool {
	return n.Height == 0
}

// NumChildren returns the fanout of a nonleaf node, or 1 for a leaf.
func (n *Node) NumChildren() int {
	return len(n.Parts)
}

// Basement returns the rows of a leaf.
func (n *Node) Basement() *basement.Basement {
	return n.Parts[0].Basement()
}

// Buffer returns the buffer for child i.
func (n *Node) Buffer(i int) *buffer.Buffer {
	return n.Parts[i].Buffer()
}

// AllAvailable reports whether every partition is decoded.
func (n *Node) AllAvailable() bool {
	for _, p := range n.Parts {
		if p.state != Available {
			return false
		}
	}
	return true
}

// comparePivot compares (key, val) to p. val only matters in duplicate
// trees.
func (n *Node) comparePivot(key, val []byte, p Pivot) int {
	if c := n.opts.Compare(key, p.Key); c != 0 || !n.opts.Duplicates {
		return c
	}
	return n.opts.Compare(val, p.Val)
}

// ChildFor returns the child whose range holds (key, val): the first child
// whose pivot is at or above it.
func (n *Node) ChildFor(key, val []byte) int {
	np := len(n.Pivots)
	if np == 0 {
		return 0
	}
	// Sequential inserts land right of the last pivot.
	if n.comparePivot(key, val, n.Pivots[np-1]) > 0 {
		return np
	}
	lo, hi := 0, np-1
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if n.comparePivot(key, val, n.Pivots[mid]) <= 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// ChildAfter returns the first child whose range lies strictly above
// (key, val).
func (n *Node) ChildAfter(key, val []byte) int {
	lo, hi := 0, len(n.Pivots)
	for lo < hi {
		mid := int(uint(lo+hi) >> 1)
		if n.comparePivot(key, val, n.Pivots[mid]) < 0 {
			hi = mid
		} else {
			lo = mid + 1
		}
	}
	return lo
}

// ChildRange returns the inclusive range of children that may hold rows with
// key, whatever their value. It is a single child unless the tree has
// duplicates.
func (n *Node) ChildRange(key []byte) (int, int) {
	if !n.opts.Duplicates {
		i := n.ChildFor(key, nil)
		return i, i
	}
	lo, hi := len(n.Pivots), len(n.Pivots)
	for i, p := range n.Pivots {
		c := n.opts.Compare(key, p.Key)
		if c <= 0 && lo == len(n.Pivots) {
			lo = i
		}
		if c < 0 {
			hi = i
			break
		}
	}
	return lo, hi
}

// PartialSpec selects the partitions a pin needs decoded: leaves always
// need their basement, nonleaf nodes only the buffer on the path the spec
// routes along. A nil spec selects every partition.
type PartialSpec struct {
	Key []byte
	Val []byte
	// After routes strictly above (Key, Val) instead of to it.
	After bool
	// Leftmost and Rightmost route to the edges of the tree and ignore Key.
	Leftmost  bool
	Rightmost bool
}

// Child returns the child of n that s routes to.
func (s *PartialSpec) Child(n *Node) int {
	switch {
	case s.Leftmost:
		return 0
	case s.Rightmost:
		return len(n.Parts) - 1
	case s.After:
		return n.ChildAfter(s.Key, s.Val)
	}
	return n.ChildFor(s.Key, s.Val)
}

// Wants reports whether s selects partition i of n.
func (s *PartialSpec) Wants(n *Node, i int) bool {
	if s == nil || n.IsLeaf() {
		return true
	}
	return i == s.Child(n)
}

// Missing reports whether a partition s selects is not Available.
func (s *PartialSpec) Missing(n *Node) bool {
	for i, p := range n.Parts {
		if p.state != Available && s.Wants(n, i) {
			return true
		}
	}
	return false
}

// Route calls fn for every child that m must be delivered to.
func (n *Node) Route(m *msg.Message, fn func(child int)) {
	caps := m.Caps()
	switch {
	case caps.IsNoOp:
	case caps.AppliesToAllChildren:
		for i := range n.Parts {
			fn(i)
		}
	case n.opts.Duplicates && caps.DoesAny:
		lo, hi := n.ChildRange(m.Key)
		for i := lo; i <= hi; i++ {
			fn(i)
		}
	default:
		var val []byte
		if n.opts.Duplicates {
			val = m.Val
		}
		fn(n.ChildFor(m.Key, val))
	}
}

// Bounds is the key range of a subtree: pairs strictly above Lower and at or
// below Upper. A nil bound is unbounded.
type Bounds struct {
	Lower *Pivot
	Upper *Pivot
}

func (b Bounds) String() string {
	lo, hi := "-inf", "+inf"
	if b.Lower != nil {
		lo = b.Lower.String()
	}
	if b.Upper != nil {
		hi = b.Upper.String()
	}
	return fmt.Sprintf("(%s, %s]", lo, hi)
}

// ChildBounds narrows parent to the range of child i.
func (n *Node) ChildBounds(i int, parent Bounds) Bounds {
	b := parent
	if i > 0 {
		b.Lower = &n.Pivots[i-1]
	}
	if i < len(n.Pivots) {
		b.Upper = &n.Pivots[i]
	}
	return b
}

// KeyBounds converts b to the key range used to query buffers. In duplicate
// trees both ends are inclusive and pairs are filtered with Contains.
func (b Bounds) KeyBounds(dup bool) buffer.Bounds {
	var kb buffer.Bounds
	if b.Lower != nil {
		kb.Lower = b.Lower.Key
		kb.LowerInclusive = dup
	}
	if b.Upper != nil {
		kb.Upper = b.Upper.Key
	}
	return kb
}

// Contains reports whether a message's target lies inside b. DoesAny
// messages in duplicate trees match if their key can appear inside b.
func (n *Node) Contains(b Bounds, m *msg.Message) bool {
	if m.Caps().AppliesToAllChildren {
		return true
	}
	if n.opts.Duplicates && m.Caps().DoesAny {
		return (b.Lower == nil || n.opts.Compare(m.Key, b.Lower.Key) >= 0) &&
			(b.Upper == nil || n.opts.Compare(m.Key, b.Upper.Key) <= 0)
	}
	var val []byte
	if n.opts.Duplicates {
		val = m.Val
	}
	return (b.Lower == nil || n.comparePivot(m.Key, val, *b.Lower) > 0) &&
		(b.Upper == nil || n.comparePivot(m.Key, val, *b.Upper) <= 0)
}

// pivotOverhead is the per-pivot cost counted towards node size.
const pivotOverhead = 16

// Size returns the accounted bytes of the node.
func (n *Node) Size() int {
	size := 0
	for _, p := range n.Pivots {
		size += pivotOverhead + len(p.Key) + len(p.Val)
	}
	for _, p := range n.Parts {
		size += p.Size()
	}
	return size
}

// MemSize estimates the memory the node holds. Unlike Size it shrinks when
// partitions are compressed or evicted.
func (n *Node) MemSize() int {
	size := 0
	for _, p := range n.Pivots {
		size += pivotOverhead + len(p.Key) + len(p.Val)
	}
	for _, p := range n.Parts {
		switch p.state {
		case Available:
			size += p.Size()
		case Compressed:
			size += len(p.raw)
		}
	}
	return size
}

// IsGorged reports whether a nonleaf node must flush before taking more
// messages. Work readers did below the node counts towards its size.
func (n *Node) IsGorged(l Limits) bool {
	if n.IsLeaf() {
		return false
	}
	size, buffered := n.Size(), false
	for _, p := range n.Parts {
		size += int(p.WorkDone.Load())
		if p.Size() > 0 {
			buffered = true
		}
	}
	return buffered && size > l.NodeSize
}

// ResetWorkDone forgets reader work below child i once its buffer is flushed.
func (n *Node) ResetWorkDone(i int) {
	n.Parts[i].WorkDone.Store(0)
}

// Reactivity classifies the node against l.
func (n *Node) Reactivity(l Limits) Reactivity {
	if n.IsLeaf() {
		size := n.Size()
		switch {
		case size > l.NodeSize && n.Parts[0].state == Available && n.Basement().Len() > 1:
			return Fissible
		case size*4 < l.NodeSize && n.SeqInserts == 0:
			return Fusible
		}
		return Stable
	}
	switch fanout := len(n.Children); {
	case fanout > l.Fanout:
		return Fissible
	case fanout*4 < l.Fanout:
		return Fusible
	}
	return Stable
}

// HeaviestChild returns the child whose buffer holds the most bytes.
func (n *Node) HeaviestChild() int {
	best, bytes := 0, -1
	for i := range n.Parts {
		if b := n.Buffer(i).Bytes(); b > bytes {
			best, bytes = i, b
		}
	}
	return best
}

// SplitLeaf moves the upper half of the rows (by bytes) to a new leaf with
// block number right. The pivot is the largest key left behind.
func (n *Node) SplitLeaf(right blocktable.BlockNum) (*Node, Pivot) {
	if !n.IsLeaf() {
		panic(errors.AssertionFailedf("%s: leaf split of height %d", n.BlockNum, n.Height))
	}
	bsm := n.Basement()
	rb := bsm.Split(bsm.SplitIndex())
	last, _ := bsm.Max()
	pivot := Pivot{Key: last.Key}
	if n.opts.Duplicates {
		pivot.Val = last.DupVal
	}

	r := &Node{
		BlockNum: right,
		Parts:    []*Partition{{state: Available, bsm: rb}},
		MaxMSN:   n.MaxMSN,
		Dirty:    true,
		opts:     n.opts,
	}
	n.Dirty = true
	n.SeqInserts = 0
	return r, pivot
}

// SplitNonleaf moves the upper half of the children, with their buffers, to
// a new node with block number right. The middle pivot moves up.
func (n *Node) SplitNonleaf(right blocktable.BlockNum) (*Node, Pivot) {
	if n.IsLeaf() || len(n.Children) < 2 {
		panic(errors.AssertionFailedf("%s: nonleaf split of height %d with %d children",
			n.BlockNum, n.Height, len(n.Children)))
	}
	mid := len(n.Children) / 2
	pivot := n.Pivots[mid-1]

	r := &Node{
		BlockNum: right,
		Height:   n.Height,
		Pivots:   append([]Pivot(nil), n.Pivots[mid:]...),
		Children: append([]blocktable.BlockNum(nil), n.Children[mid:]...),
		Parts:    append([]*Partition(nil), n.Parts[mid:]...),
		MaxMSN:   n.MaxMSN,
		Dirty:    true,
		opts:     n.opts,
	}
	n.Pivots = n.Pivots[: mid-1 : mid-1]
	n.Children = n.Children[:mid:mid]
	n.Parts = n.Parts[:mid:mid]
	n.Dirty = true
	return r, pivot
}

// InsertChild records that child i split into itself and right, separated by
// pivot. The buffer for child i must be empty.
func (n *Node) InsertChild(i int, pivot Pivot, right blocktable.BlockNum) {
	if l := n.Buffer(i).Len(); l != 0 {
		panic(errors.AssertionFailedf("%s: splitting child %d with %d buffered messages", n.BlockNum, i, l))
	}
	n.Pivots = append(n.Pivots, Pivot{})
	copy(n.Pivots[i+1:], n.Pivots[i:])
	n.Pivots[i] = pivot

	n.Children = append(n.Children, blocktable.None)
	copy(n.Children[i+2:], n.Children[i+1:])
	n.Children[i+1] = right

	n.Parts = append(n.Parts, nil)
	copy(n.Parts[i+2:], n.Parts[i+1:])
	n.Parts[i+1] = n.newBufferPartition()
	n.Dirty = true
}

// MoveTo transfers the contents of n to a new node numbered b, leaving n
// empty. It is used to grow the tree while the root keeps its block number.
func (n *Node) MoveTo(b blocktable.BlockNum) *Node {
	moved := &Node{
		BlockNum:   b,
		Height:     n.Height,
		Pivots:     n.Pivots,
		Children:   n.Children,
		Parts:      n.Parts,
		MaxMSN:     n.MaxMSN,
		Dirty:      true,
		SeqInserts: n.SeqInserts,
		opts:       n.opts,
	}
	n.Pivots, n.Children, n.Parts = nil, nil, nil
	return moved
}

// BecomeRoot turns an emptied node into a nonleaf parent of left and right.
func (n *Node) BecomeRoot(height int, left, right blocktable.BlockNum, pivot Pivot) {
	n.Height = height
	n.Pivots = []Pivot{pivot}
	n.Children = []blocktable.BlockNum{left, right}
	n.Parts = []*Partition{n.newBufferPartition(), n.newBufferPartition()}
	n.SeqInserts = 0
	n.Dirty = true
}

// Validate checks pivot order and that every buffered message routes to the
// child that buffers it.
func (n *Node) Validate() error {
	if n.IsLeaf() {
		if len(n.Parts) != 1 || len(n.Children) != 0 || len(n.Pivots) != 0 {
			return errors.Newf("%s: leaf with %d partitions, %d children, %d pivots",
				n.BlockNum, len(n.Parts), len(n.Children), len(n.Pivots))
		}
		if n.Parts[0].state == Available {
			return n.Basement().Validate()
		}
		return nil
	}
	if len(n.Children) != len(n.Pivots)+1 || len(n.Parts) != len(n.Children) {
		return errors.Newf("%s: %d children, %d pivots, %d partitions",
			n.BlockNum, len(n.Children), len(n.Pivots), len(n.Parts))
	}
	for i := 1; i < len(n.Pivots); i++ {
		if n.comparePivot(n.Pivots[i].Key, n.Pivots[i].Val, n.Pivots[i-1]) <= 0 {
			return errors.Newf("%s: pivot %d %s not above %s", n.BlockNum, i, n.Pivots[i], n.Pivots[i-1])
		}
	}
	for i, p := range n.Parts {
		if p.state != Available {
			continue
		}
		if err := p.buf.Validate(); err != nil {
			return errors.Wrapf(err, "%s child %d", n.BlockNum, i)
		}
		if p.buf.Len() > 0 && p.buf.MaxMSN() > n.MaxMSN {
			return errors.Newf("%s: child %d buffers msn %d above node msn %d",
				n.BlockNum, i, p.buf.MaxMSN(), n.MaxMSN)
		}
		var err error
		bounds := n.ChildBounds(i, Bounds{})
		p.buf.Iterate(func(e *buffer.Entry) bool {
			if !n.Contains(bounds, e.Msg) {
				err = errors.Newf("%s: child %d buffers %s outside %s", n.BlockNum, i, e.Msg, bounds)
			}
			return err == nil
		})
		if err != nil {
			return err
		}
	}
	return nil
}
