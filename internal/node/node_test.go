package node

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/ftdb/internal/blocktable"
	"github.com/alexhholmes/ftdb/internal/buffer"
	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/ule"
)

var (
	plain = Options{Compare: bytes.Compare}
	dups  = Options{Compare: bytes.Compare, Duplicates: true}
)

func pivots(keys ...string) []Pivot {
	out := make([]Pivot, len(keys))
	for i, k := range keys {
		out[i] = Pivot{Key: []byte(k)}
	}
	return out
}

func children(n int) []blocktable.BlockNum {
	out := make([]blocktable.BlockNum, n)
	for i := range out {
		out[i] = blocktable.BlockNum(10 + i)
	}
	return out
}

func fillLeaf(t *testing.T, n *Node, count int, val string) {
	t.Helper()
	for i := 0; i < count; i++ {
		n.MaxMSN++
		_, err := n.Basement().Apply(&msg.Message{
			Type: msg.Insert, MSN: n.MaxMSN, Key: []byte(fmt.Sprintf("k%03d", i)), Val: []byte(val),
		}, ule.ApplyContext{})
		require.NoError(t, err)
	}
	n.Basement().SetMaxMSN(n.MaxMSN)
}

func TestChildFor(t *testing.T) {
	t.Parallel()

	n := NewNonleaf(1, 1, children(4), pivots("c", "f", "m"), plain)
	tests := []struct {
		key  string
		want int
	}{
		{"a", 0},
		{"c", 0}, // keys equal to a pivot go left
		{"d", 1},
		{"f", 1},
		{"g", 2},
		{"m", 2},
		{"z", 3},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, n.ChildFor([]byte(tt.key), nil), tt.key)
	}

	lo, hi := n.ChildRange([]byte("f"))
	assert.Equal(t, 1, lo)
	assert.Equal(t, 1, hi)
}

func TestDuplicateRouting(t *testing.T) {
	t.Parallel()

	p := []Pivot{{Key: []byte("k"), Val: []byte("2")}, {Key: []byte("k"), Val: []byte("5")}, {Key: []byte("p"), Val: []byte("1")}}
	n := NewNonleaf(1, 1, children(4), p, dups)

	assert.Equal(t, 0, n.ChildFor([]byte("k"), []byte("1")))
	assert.Equal(t, 1, n.ChildFor([]byte("k"), []byte("3")))
	assert.Equal(t, 2, n.ChildFor([]byte("k"), []byte("9")))

	lo, hi := n.ChildRange([]byte("k"))
	assert.Equal(t, 0, lo)
	assert.Equal(t, 2, hi)

	var got []int
	n.Route(&msg.Message{Type: msg.DeleteAny, Key: []byte("k")}, func(c int) { got = append(got, c) })
	assert.Equal(t, []int{0, 1, 2}, got)

	got = nil
	n.Route(&msg.Message{Type: msg.DeleteBoth, Key: []byte("k"), Val: []byte("3")}, func(c int) { got = append(got, c) })
	assert.Equal(t, []int{1}, got)

	b := n.ChildBounds(1, Bounds{})
	assert.True(t, n.Contains(b, &msg.Message{Type: msg.DeleteAny, Key: []byte("k")}))
	assert.False(t, n.Contains(b, &msg.Message{Type: msg.DeleteBoth, Key: []byte("k"), Val: []byte("1")}))
	assert.True(t, b.KeyBounds(true).LowerInclusive)
}

func TestRouteBroadcast(t *testing.T) {
	t.Parallel()

	n := NewNonleaf(1, 1, children(3), pivots("b", "d"), plain)
	var got []int
	n.Route(&msg.Message{Type: msg.CommitBroadcastAll}, func(c int) { got = append(got, c) })
	assert.Equal(t, []int{0, 1, 2}, got)

	got = nil
	n.Route(&msg.Message{Type: msg.None}, func(c int) { got = append(got, c) })
	assert.Empty(t, got)
}

func TestReactivity(t *testing.T) {
	t.Parallel()

	l := Limits{NodeSize: 1000, Fanout: 8}

	leaf := NewLeaf(1, plain)
	assert.Equal(t, Fusible, leaf.Reactivity(l))
	leaf.SeqInserts = 3
	assert.Equal(t, Stable, leaf.Reactivity(l), "sequential streak suppresses merging")

	fillLeaf(t, leaf, 40, "0123456789")
	assert.Greater(t, leaf.Size(), l.NodeSize)
	assert.Equal(t, Fissible, leaf.Reactivity(l))

	big := NewLeaf(2, plain)
	fillLeaf(t, big, 1, string(make([]byte, 2000)))
	assert.Equal(t, Stable, big.Reactivity(l), "a single row never splits")

	assert.Equal(t, Fissible, NewNonleaf(3, 1, children(9), pivots("1", "2", "3", "4", "5", "6", "7", "8"), plain).Reactivity(l))
	assert.Equal(t, Fusible, NewNonleaf(3, 1, children(1), nil, plain).Reactivity(l))
	assert.Equal(t, Stable, NewNonleaf(3, 1, children(4), pivots("1", "2", "3"), plain).Reactivity(l))
}

func TestSplitLeaf(t *testing.T) {
	t.Parallel()

	n := NewLeaf(1, plain)
	fillLeaf(t, n, 10, "v")
	n.Dirty = false
	right, pivot := n.SplitLeaf(2)

	assert.Equal(t, "k004", string(pivot.Key))
	last, _ := n.Basement().Max()
	first, _ := right.Basement().Min()
	assert.Equal(t, pivot.Key, last.Key)
	assert.Less(t, bytes.Compare(pivot.Key, first.Key), 0)
	assert.Equal(t, n.MaxMSN, right.MaxMSN)
	assert.Equal(t, n.Basement().MaxMSN(), right.Basement().MaxMSN())
	assert.True(t, n.Dirty)
	assert.True(t, right.Dirty)
	require.NoError(t, n.Validate())
	require.NoError(t, right.Validate())
}

func TestSplitNonleafMovesBuffers(t *testing.T) {
	t.Parallel()

	n := NewNonleaf(1, 1, children(4), pivots("c", "f", "m"), plain)
	for i, k := range []string{"a", "d", "g", "z"} {
		m := &msg.Message{Type: msg.Insert, MSN: msg.MSN(i + 1), Key: []byte(k), Val: []byte("v")}
		n.MaxMSN = m.MSN
		n.Route(m, func(c int) { n.Buffer(c).Enqueue(m, true) })
	}
	require.NoError(t, n.Validate())

	right, pivot := n.SplitNonleaf(2)
	assert.Equal(t, "f", string(pivot.Key))
	assert.Equal(t, pivots("c"), n.Pivots)
	assert.Equal(t, pivots("m"), right.Pivots)
	assert.Equal(t, []blocktable.BlockNum{12, 13}, right.Children)
	assert.Equal(t, 1, right.Buffer(0).Len())
	assert.Equal(t, 1, n.Buffer(1).Len())
	require.NoError(t, n.Validate())
	require.NoError(t, right.Validate())
}

func TestInsertChildAndGrowRoot(t *testing.T) {
	t.Parallel()

	n := NewNonleaf(1, 1, children(2), pivots("m"), plain)
	n.InsertChild(0, Pivot{Key: []byte("f")}, 99)
	assert.Equal(t, pivots("f", "m"), n.Pivots)
	assert.Equal(t, []blocktable.BlockNum{10, 99, 11}, n.Children)
	assert.Equal(t, 3, n.NumChildren())

	m := &msg.Message{Type: msg.Insert, MSN: 1, Key: []byte("a")}
	n.MaxMSN = 1
	n.Buffer(0).Enqueue(m, true)
	assert.Panics(t, func() { n.InsertChild(0, Pivot{Key: []byte("b")}, 100) })

	left := n.MoveTo(50)
	n.BecomeRoot(2, 50, 51, Pivot{Key: []byte("q")})
	assert.Equal(t, blocktable.BlockNum(1), n.BlockNum)
	assert.Equal(t, 2, n.Height)
	assert.Equal(t, []blocktable.BlockNum{50, 51}, n.Children)
	assert.Equal(t, 1, left.Buffer(0).Len())
	require.NoError(t, n.Validate())
	require.NoError(t, left.Validate())
}

func TestValidateCatchesMisroutedMessage(t *testing.T) {
	t.Parallel()

	n := NewNonleaf(1, 1, children(2), pivots("m"), plain)
	n.MaxMSN = 1
	n.Buffer(0).Enqueue(&msg.Message{Type: msg.Insert, MSN: 1, Key: []byte("z")}, true)
	assert.Error(t, n.Validate())
}

func TestSerializeRoundTrip(t *testing.T) {
	t.Parallel()

	id := uuid.New()

	t.Run("leaf", func(t *testing.T) {
		n := NewLeaf(7, plain)
		fillLeaf(t, n, 20, "value")
		n.SeqInserts = 2
		data, err := n.Serialize(id)
		require.NoError(t, err)

		got, err := Deserialize(data, id, plain, nil)
		require.NoError(t, err)
		assert.Equal(t, n.BlockNum, got.BlockNum)
		assert.Equal(t, n.MaxMSN, got.MaxMSN)
		assert.Equal(t, 2, got.SeqInserts)
		assert.False(t, got.Dirty)
		assert.Equal(t, n.Basement().Len(), got.Basement().Len())
		assert.Equal(t, n.Basement().Bytes(), got.Basement().Bytes())
		assert.Equal(t, n.Basement().MaxMSN(), got.Basement().MaxMSN())
		require.NoError(t, got.Validate())

		again, err := got.Serialize(id)
		require.NoError(t, err)
		assert.Equal(t, data, again)
	})

	t.Run("nonleaf partial", func(t *testing.T) {
		n := NewNonleaf(3, 2, children(3), pivots("f", "p"), plain)
		for i, k := range []string{"a", "g", "q", "b"} {
			m := &msg.Message{Type: msg.Insert, MSN: msg.MSN(i + 1), XIDs: msg.XIDs{4, 5}, Key: []byte(k), Val: []byte("v")}
			n.MaxMSN = m.MSN
			n.Route(m, func(c int) { n.Buffer(c).Enqueue(m, i%2 == 0) })
		}
		data, err := n.Serialize(id)
		require.NoError(t, err)

		got, err := Deserialize(data, id, plain, &PartialSpec{Key: []byte("g")})
		require.NoError(t, err)
		assert.Equal(t, Compressed, got.Parts[0].State())
		assert.Equal(t, Available, got.Parts[1].State())
		assert.Equal(t, n.Size(), got.Size(), "sizes are known without decoding")
		assert.False(t, got.AllAvailable())

		require.NoError(t, got.Materialize(0, nil))
		buf := got.Buffer(0)
		assert.Equal(t, 2, buf.Len())
		assert.Equal(t, 1, buf.NumFresh())
		assert.Equal(t, 1, buf.NumStale())

		got.Evict(2)
		assert.Equal(t, OnDisk, got.Parts[2].State())
		off, length := got.PartitionExtent(2)
		require.NoError(t, got.Materialize(2, data[off:off+length]))
		assert.Equal(t, 1, got.Buffer(2).Len())
		got.Buffer(2).Iterate(func(e *buffer.Entry) bool {
			assert.Equal(t, msg.XIDs{4, 5}, e.Msg.XIDs)
			return true
		})
	})
}

func TestCompressKeepsContent(t *testing.T) {
	t.Parallel()

	n := NewLeaf(4, plain)
	fillLeaf(t, n, 5, "x")
	size := n.Size()
	require.NoError(t, n.Compress(0))
	assert.Equal(t, Compressed, n.Parts[0].State())
	assert.Equal(t, size, n.Size())
	assert.Panics(t, func() { n.Basement() })

	require.NoError(t, n.Materialize(0, nil))
	assert.Equal(t, 5, n.Basement().Len())
	assert.Panics(t, func() { n.Evict(0) }, "dirty nodes keep their partitions")
}

func TestDeserializeRejectsCorruption(t *testing.T) {
	t.Parallel()

	id := uuid.New()
	n := NewLeaf(7, plain)
	fillLeaf(t, n, 3, "v")
	data, err := n.Serialize(id)
	require.NoError(t, err)

	flipped := append([]byte(nil), data...)
	flipped[len(flipped)-1] ^= 0xff
	_, err = Deserialize(flipped, id, plain, nil)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Deserialize(data, uuid.New(), plain, nil)
	assert.ErrorIs(t, err, ErrCorrupt, "foreign file id")

	_, err = Deserialize(data[:5], id, plain, nil)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Deserialize(data, id, dups, nil)
	assert.ErrorIs(t, err, ErrCorrupt, "duplicate mode mismatch")
}

func TestIsGorgedCountsReaderWork(t *testing.T) {
	t.Parallel()

	l := Limits{NodeSize: 100, Fanout: 8}
	n := NewNonleaf(1, 1, children(2), pivots("m"), plain)
	n.Parts[0].WorkDone.Add(500)
	assert.False(t, n.IsGorged(l), "nothing buffered to flush")

	n.MaxMSN = 1
	n.Buffer(1).Enqueue(&msg.Message{Type: msg.Insert, MSN: 1, Key: []byte("x"), Val: []byte("v")}, true)
	assert.True(t, n.IsGorged(l))

	n.ResetWorkDone(0)
	assert.False(t, n.IsGorged(l))
	assert.False(t, NewLeaf(2, plain).IsGorged(Limits{}))
}

func TestPartialSpec(t *testing.T) {
	t.Parallel()

	n := NewNonleaf(1, 1, children(3), pivots("f", "p"), plain)
	var nilSpec *PartialSpec
	assert.True(t, nilSpec.Wants(n, 2))

	spec := &PartialSpec{Key: []byte("g")}
	assert.False(t, spec.Wants(n, 0))
	assert.True(t, spec.Wants(n, 1))
	assert.False(t, spec.Missing(n))

	n.Dirty = false
	n.Evict(2)
	assert.False(t, spec.Missing(n), "child 2 is not on the path")
	n.Evict(1)
	assert.True(t, spec.Missing(n))

	tests := []struct {
		name string
		spec PartialSpec
		want int
	}{
		{"at pivot", PartialSpec{Key: []byte("f")}, 0},
		{"after pivot", PartialSpec{Key: []byte("f"), After: true}, 1},
		{"after inner key", PartialSpec{Key: []byte("g"), After: true}, 1},
		{"after last pivot", PartialSpec{Key: []byte("p"), After: true}, 2},
		{"leftmost", PartialSpec{Key: []byte("z"), Leftmost: true}, 0},
		{"rightmost", PartialSpec{Rightmost: true}, 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.spec.Child(n))
		})
	}
	assert.True(t, spec.Wants(NewLeaf(3, plain), 0), "leaves always need their rows")
}

func TestMemSizeShrinksOnEvict(t *testing.T) {
	t.Parallel()

	n := NewLeaf(4, plain)
	fillLeaf(t, n, 10, "value")
	assert.Equal(t, n.Size(), n.MemSize())

	n.Dirty = false
	n.Evict(0)
	assert.Zero(t, n.MemSize())
	assert.Positive(t, n.Size(), "accounted size survives eviction")
}
