package basement

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/ule"
)

type everyone struct{}

func (everyone) Visible(msg.TxnID) bool { return true }
func (everyone) Owns(msg.TxnID) bool    { return false }

func value(t *testing.T, b *Basement, key, dupVal string) (string, bool) {
	t.Helper()
	var dv []byte
	if dupVal != "" {
		dv = []byte(dupVal)
	}
	r, ok := b.Get([]byte(key), dv)
	if !ok {
		return "", false
	}
	v, ok, err := ule.Lookup(r.LE, everyone{})
	require.NoError(t, err)
	return string(v), ok
}

func put(t *testing.T, b *Basement, msn msg.MSN, ty msg.Type, key, val string) Delta {
	t.Helper()
	var v []byte
	if val != "" {
		v = []byte(val)
	}
	d, err := b.Apply(&msg.Message{Type: ty, MSN: msn, Key: []byte(key), Val: v}, ule.ApplyContext{})
	require.NoError(t, err)
	require.NoError(t, b.Validate())
	return d
}

func TestApplyDeltas(t *testing.T) {
	t.Parallel()

	b := New(bytes.Compare, false)
	d := put(t, b, 1, msg.Insert, "k", "v1")
	assert.Equal(t, 1, d.Rows)
	assert.Equal(t, b.Bytes(), d.Bytes)

	before := b.Bytes()
	d = put(t, b, 2, msg.Insert, "k", "v2")
	assert.Equal(t, 0, d.Rows)
	assert.Equal(t, 0, d.Bytes)
	assert.Equal(t, before, b.Bytes())

	v, ok := value(t, b, "k", "")
	require.True(t, ok)
	assert.Equal(t, "v2", v)

	d = put(t, b, 3, msg.DeleteAny, "k", "")
	assert.Equal(t, -1, d.Rows)
	assert.Equal(t, -before, d.Bytes)
	assert.Equal(t, 0, b.Len())
	assert.Equal(t, 0, b.Bytes())
}

func TestWatermarkOnlyRises(t *testing.T) {
	t.Parallel()

	b := New(bytes.Compare, false)
	b.SetMaxMSN(10)
	b.SetMaxMSN(4)
	assert.Equal(t, msg.MSN(10), b.MaxMSN())
}

func TestBroadcastCommit(t *testing.T) {
	t.Parallel()

	b := New(bytes.Compare, false)
	for i, k := range []string{"a", "b", "c"} {
		_, err := b.Apply(&msg.Message{Type: msg.Insert, MSN: msg.MSN(i + 1), XIDs: msg.XIDs{7},
			Key: []byte(k), Val: []byte(k)}, ule.ApplyContext{})
		require.NoError(t, err)
	}
	_, err := b.Apply(&msg.Message{Type: msg.CommitBroadcastTxn, MSN: 4, XIDs: msg.XIDs{7}}, ule.ApplyContext{})
	require.NoError(t, err)
	require.NoError(t, b.Validate())

	b.Ascend(nil, nil, func(r *Row) bool {
		u, err := ule.Unpack(r.LE)
		require.NoError(t, err)
		assert.Equal(t, 0, u.NumProvisional(), string(r.Key))
		return true
	})
}

func TestUpdateBroadcast(t *testing.T) {
	t.Parallel()

	b := New(bytes.Compare, false)
	put(t, b, 1, msg.Insert, "a", "1")
	put(t, b, 2, msg.Insert, "b", "2")

	ctx := ule.ApplyContext{Update: func(key, old, extra []byte) ([]byte, ule.UpdateAction) {
		if string(key) == "b" {
			return nil, ule.UpdateDelete
		}
		return append(append([]byte(nil), old...), extra...), ule.UpdateSet
	}}
	_, err := b.Apply(&msg.Message{Type: msg.UpdateBroadcastAll, MSN: 3, Val: []byte("+")}, ctx)
	require.NoError(t, err)
	require.NoError(t, b.Validate())

	v, ok := value(t, b, "a", "")
	assert.True(t, ok)
	assert.Equal(t, "1+", v)
	_, ok = value(t, b, "b", "")
	assert.False(t, ok)
}

func TestDuplicates(t *testing.T) {
	t.Parallel()

	b := New(bytes.Compare, true)
	put(t, b, 1, msg.Insert, "k", "x")
	put(t, b, 2, msg.Insert, "k", "y")
	put(t, b, 3, msg.Insert, "j", "z")
	assert.Equal(t, 3, b.Len())

	put(t, b, 4, msg.DeleteBoth, "k", "x")
	_, ok := value(t, b, "k", "x")
	assert.False(t, ok)
	v, ok := value(t, b, "k", "y")
	assert.True(t, ok)
	assert.Equal(t, "y", v)

	put(t, b, 5, msg.Insert, "k", "w")
	d := put(t, b, 6, msg.DeleteAny, "k", "")
	assert.Equal(t, -2, d.Rows)
	assert.Equal(t, 1, b.Len())
}

func TestGCRows(t *testing.T) {
	t.Parallel()

	b := New(bytes.Compare, false)
	for i, x := range []msg.TxnID{3, 4} {
		xids := msg.XIDs{x}
		_, err := b.Apply(&msg.Message{Type: msg.Insert, MSN: msg.MSN(2*i + 1), XIDs: xids,
			Key: []byte("k"), Val: []byte("v")}, ule.ApplyContext{})
		require.NoError(t, err)
		_, err = b.Apply(&msg.Message{Type: msg.CommitAny, MSN: msg.MSN(2*i + 2), XIDs: xids,
			Key: []byte("k")}, ule.ApplyContext{})
		require.NoError(t, err)
	}
	before := b.Bytes()

	d, err := b.GCRows([]*Row{{Key: []byte("k")}, {Key: []byte("missing")}}, ule.GCInfo{})
	require.NoError(t, err)
	assert.Less(t, d.Bytes, 0)
	assert.Equal(t, 0, d.Rows)
	assert.Equal(t, before+d.Bytes, b.Bytes())
	require.NoError(t, b.Validate())
}

func TestSplit(t *testing.T) {
	t.Parallel()

	b := New(bytes.Compare, false)
	for i := 0; i < 10; i++ {
		put(t, b, msg.MSN(i+1), msg.Insert, fmt.Sprintf("k%02d", i), "value")
	}
	b.SetMaxMSN(10)
	total := b.Bytes()

	n := b.SplitIndex()
	assert.Equal(t, 5, n)
	right := b.Split(n)

	assert.Equal(t, 5, b.Len())
	assert.Equal(t, 5, right.Len())
	assert.Equal(t, total, b.Bytes()+right.Bytes())
	assert.Equal(t, msg.MSN(10), right.MaxMSN())

	last, _ := b.Max()
	first, _ := right.Min()
	assert.Equal(t, "k04", string(last.Key))
	assert.Equal(t, "k05", string(first.Key))
	require.NoError(t, b.Validate())
	require.NoError(t, right.Validate())

	single := New(bytes.Compare, false)
	put(t, single, 1, msg.Insert, "only", "v")
	assert.Panics(t, func() { single.SplitIndex() })
}

func TestDescend(t *testing.T) {
	t.Parallel()

	b := New(bytes.Compare, false)
	for i, k := range []string{"a", "c", "e"} {
		put(t, b, msg.MSN(i+1), msg.Insert, k, "v")
	}
	var got []string
	b.Descend([]byte("d"), nil, func(r *Row) bool {
		got = append(got, string(r.Key))
		return true
	})
	assert.Equal(t, []string{"c", "a"}, got)
}
