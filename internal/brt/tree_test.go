package brt

import (
	"fmt"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/ftdb/internal/msg"
	"github.com/alexhholmes/ftdb/internal/storage"
	"github.com/alexhholmes/ftdb/internal/txn"
	"github.com/alexhholmes/ftdb/internal/ule"
	"github.com/alexhholmes/ftdb/internal/wal"
)

// testConfig keeps nodes small so a few hundred keys build a deep tree.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.NodeSize = 1 << 10
	cfg.Fanout = 4
	return cfg
}

func newTree(t *testing.T, cfg Config) (*Tree, *storage.Memory) {
	t.Helper()
	store := storage.NewMemory()
	return openTree(t, store, cfg), store
}

func openTree(t *testing.T, store *storage.Memory, cfg Config) *Tree {
	t.Helper()
	tree, err := Open(store, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = tree.Close() })
	return tree
}

func reopen(t *testing.T, tree *Tree, store *storage.Memory, cfg Config) *Tree {
	t.Helper()
	require.NoError(t, tree.Checkpoint())
	require.NoError(t, tree.Close())
	store.Reopen()
	return openTree(t, store, cfg)
}

func key(i int) string { return fmt.Sprintf("key%05d", i) }
func val(i int) string { return fmt.Sprintf("value-%05d", i) }

func put(t *testing.T, tree *Tree, ty msg.Type, k, v string, xids ...msg.TxnID) {
	t.Helper()
	m := &msg.Message{Type: ty, Key: []byte(k), XIDs: xids}
	if v != "" {
		m.Val = []byte(v)
	}
	require.NoError(t, tree.Put(m))
}

func fill(t *testing.T, tree *Tree, order []int) {
	t.Helper()
	for _, i := range order {
		put(t, tree, msg.Insert, key(i), val(i))
	}
}

func get(t *testing.T, tree *Tree, k string, r ule.Reader) string {
	t.Helper()
	v, ok, err := tree.Get([]byte(k), r)
	require.NoError(t, err)
	if !ok {
		return "<absent>"
	}
	return string(v)
}

func shuffled(n int) []int {
	return rand.New(rand.NewPCG(1, 2)).Perm(n)
}

func TestEmptyTree(t *testing.T) {
	t.Parallel()

	tree, _ := newTree(t, testConfig())
	assert.Equal(t, "<absent>", get(t, tree, "a", txn.Latest{}))
	c := tree.NewCursor(txn.Latest{})
	assert.False(t, c.First())
	assert.False(t, c.Last())
	assert.NoError(t, c.Err())
	assert.NoError(t, tree.Verify())

	st := tree.Stats()
	assert.Equal(t, 0, st.Height)
	assert.Equal(t, uint64(1), st.Checkpoints, "creating a tree checkpoints it")
}

func TestOverwriteKeepsNewest(t *testing.T) {
	t.Parallel()

	t.Run("leaf root", func(t *testing.T) {
		tree, _ := newTree(t, testConfig())
		put(t, tree, msg.Insert, "k", "v1")
		put(t, tree, msg.Insert, "k", "v2")
		assert.Equal(t, "v2", get(t, tree, "k", txn.Latest{}))
	})

	t.Run("across flushes", func(t *testing.T) {
		tree, _ := newTree(t, testConfig())
		fill(t, tree, shuffled(300))
		require.Positive(t, tree.Stats().Height)

		put(t, tree, msg.Insert, "k", "v1")
		require.NoError(t, tree.Optimize())
		put(t, tree, msg.Insert, "k", "v2")
		assert.Equal(t, "v2", get(t, tree, "k", txn.Latest{}), "buffered message beats the leaf")
		require.NoError(t, tree.Optimize())
		assert.Equal(t, "v2", get(t, tree, "k", txn.Latest{}))
		assert.NoError(t, tree.Verify())
	})
}

func TestDelete(t *testing.T) {
	t.Parallel()

	tree, _ := newTree(t, testConfig())
	fill(t, tree, shuffled(200))
	for i := 0; i < 200; i += 2 {
		put(t, tree, msg.DeleteAny, key(i), "")
	}
	for i := 0; i < 200; i++ {
		want := val(i)
		if i%2 == 0 {
			want = "<absent>"
		}
		require.Equal(t, want, get(t, tree, key(i), txn.Latest{}), key(i))
	}
	require.NoError(t, tree.Optimize())
	assert.Equal(t, "<absent>", get(t, tree, key(10), txn.Latest{}))
	assert.Equal(t, val(11), get(t, tree, key(11), txn.Latest{}))
	assert.NoError(t, tree.Verify())
}

func TestSplitsKeepOrder(t *testing.T) {
	t.Parallel()

	const n = 1500
	tree, _ := newTree(t, testConfig())
	fill(t, tree, shuffled(n))
	require.NoError(t, tree.Verify())

	st := tree.Stats()
	assert.Positive(t, st.LeafSplits)
	assert.Positive(t, st.NonleafSplits)
	assert.Positive(t, st.RootSplits)
	assert.GreaterOrEqual(t, st.Height, 2)
	assert.Equal(t, uint64(n), st.Puts)

	c := tree.NewCursor(txn.Latest{})
	i := 0
	for ok := c.First(); ok; ok = c.Next() {
		require.Equal(t, key(i), string(c.Key()))
		require.Equal(t, val(i), string(c.Value()))
		i++
	}
	require.NoError(t, c.Err())
	assert.Equal(t, n, i)

	for ok := c.Last(); ok; ok = c.Prev() {
		i--
		require.Equal(t, key(i), string(c.Key()))
	}
	assert.Zero(t, i)
}

func TestCursorSeek(t *testing.T) {
	t.Parallel()

	tree, _ := newTree(t, testConfig())
	for i := 0; i < 400; i += 2 {
		put(t, tree, msg.Insert, key(i), val(i))
	}

	c := tree.NewCursor(txn.Latest{})
	require.True(t, c.Seek([]byte(key(101))))
	assert.Equal(t, key(102), string(c.Key()))
	require.True(t, c.Prev())
	assert.Equal(t, key(100), string(c.Key()))
	require.True(t, c.Next())
	require.True(t, c.Next())
	assert.Equal(t, key(104), string(c.Key()))

	assert.False(t, c.Seek([]byte("zzz")))
	assert.False(t, c.Valid())
	require.True(t, c.Prev(), "prev from the end is the last row")
	assert.Equal(t, key(398), string(c.Key()))

	require.True(t, c.Seek(nil))
	assert.Equal(t, key(0), string(c.Key()))
	assert.False(t, c.Prev())
}

func TestCursorSeesLaterWrites(t *testing.T) {
	t.Parallel()

	tree, _ := newTree(t, testConfig())
	fill(t, tree, shuffled(300))

	c := tree.NewCursor(txn.Latest{})
	require.True(t, c.First())
	put(t, tree, msg.Insert, "zzz", "last")
	var last string
	for ok := true; ok; ok = c.Next() {
		last = string(c.Key())
	}
	assert.Equal(t, "zzz", last)
}

func TestAncestorMergeIsIdempotent(t *testing.T) {
	t.Parallel()

	tree, _ := newTree(t, testConfig())
	fill(t, tree, shuffled(300))
	require.NoError(t, tree.Optimize())
	require.Positive(t, tree.Stats().Height)

	put(t, tree, msg.Insert, key(42), "buffered")
	before := tree.Stats()
	assert.Equal(t, "buffered", get(t, tree, key(42), txn.Latest{}))
	once := tree.Stats()
	assert.Equal(t, before.ReaderApplied+1, once.ReaderApplied)

	assert.Equal(t, "buffered", get(t, tree, key(42), txn.Latest{}))
	twice := tree.Stats()
	assert.Equal(t, once.ReaderApplied, twice.ReaderApplied, "second read applies nothing")
	assert.Equal(t, once.MergeSkips+1, twice.MergeSkips)

	// The message is still buffered; flushing it must not apply it twice.
	require.NoError(t, tree.Optimize())
	assert.Equal(t, "buffered", get(t, tree, key(42), txn.Latest{}))
	assert.NoError(t, tree.Verify())
}

func TestReopen(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	tree, store := newTree(t, cfg)
	fill(t, tree, shuffled(500))
	msn := tree.Stats().MSN

	tree = reopen(t, tree, store, cfg)
	assert.Equal(t, msn, tree.Stats().MSN, "the msn clock continues")
	for i := 0; i < 500; i += 7 {
		require.Equal(t, val(i), get(t, tree, key(i), txn.Latest{}))
	}
	require.NoError(t, tree.Verify())

	put(t, tree, msg.Insert, key(1), "again")
	tree = reopen(t, tree, store, cfg)
	assert.Equal(t, "again", get(t, tree, key(1), txn.Latest{}))

	dup := cfg
	dup.Duplicates = true
	_, err := Open(store, dup)
	assert.Error(t, err, "the duplicates setting is fixed at creation")
}

func TestUncheckpointedWorkIsLost(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	tree, store := newTree(t, cfg)
	put(t, tree, msg.Insert, "kept", "1")
	require.NoError(t, tree.Checkpoint())
	put(t, tree, msg.Insert, "lost", "2")
	require.NoError(t, tree.Close())

	store.Reopen()
	tree = openTree(t, store, cfg)
	assert.Equal(t, "1", get(t, tree, "kept", txn.Latest{}))
	assert.Equal(t, "<absent>", get(t, tree, "lost", txn.Latest{}))
}

func TestTinyCache(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.CacheSize = 1
	cfg.CacheBytes = 1
	tree, store := newTree(t, cfg)
	fill(t, tree, shuffled(800))
	for i := 0; i < 800; i += 13 {
		require.Equal(t, val(i), get(t, tree, key(i), txn.Latest{}))
	}

	st := tree.Stats()
	assert.Positive(t, st.Cache.Evictions)
	assert.Positive(t, st.Cache.PartialEvictions)

	tree = reopen(t, tree, store, cfg)
	assert.Equal(t, val(799), get(t, tree, key(799), txn.Latest{}))
	assert.Positive(t, tree.Stats().TryAgains, "a cold cache sends readers back to the root")
	require.NoError(t, tree.Verify())
}

func TestDuplicates(t *testing.T) {
	t.Parallel()

	cfg := testConfig()
	cfg.Duplicates = true
	tree, _ := newTree(t, cfg)

	put(t, tree, msg.Insert, "k", "v1")
	put(t, tree, msg.Insert, "k", "v2")
	put(t, tree, msg.Insert, "k", "v0")
	put(t, tree, msg.Insert, "j", "x")
	assert.Equal(t, "v0", get(t, tree, "k", txn.Latest{}))

	values := func(k string) []string {
		var out []string
		c := tree.NewCursor(txn.Latest{})
		for ok := c.Seek([]byte(k)); ok && string(c.Key()) == k; ok = c.Next() {
			out = append(out, string(c.Value()))
		}
		require.NoError(t, c.Err())
		return out
	}
	assert.Equal(t, []string{"v0", "v1", "v2"}, values("k"))

	put(t, tree, msg.DeleteBoth, "k", "v1")
	assert.Equal(t, []string{"v0", "v2"}, values("k"))

	for i := 0; i < 300; i++ {
		put(t, tree, msg.Insert, "many", val(i))
	}
	require.Positive(t, tree.Stats().Height, "one key's duplicates span leaves")
	assert.Len(t, values("many"), 300)
	require.NoError(t, tree.Verify())

	put(t, tree, msg.DeleteAny, "many", "")
	assert.Empty(t, values("many"))
	assert.Equal(t, "x", get(t, tree, "j", txn.Latest{}))
	assert.Equal(t, []string{"v0", "v2"}, values("k"))
	require.NoError(t, tree.Optimize())
	assert.Empty(t, values("many"))
	require.NoError(t, tree.Verify())
}

func TestTransactions(t *testing.T) {
	t.Parallel()

	mgr := txn.NewManager(8, 0)
	cfg := testConfig()
	cfg.Txns = mgr
	tree, _ := newTree(t, cfg)
	fill(t, tree, shuffled(200))

	tx, err := mgr.Begin(nil)
	require.NoError(t, err)
	put(t, tree, msg.Insert, key(5), "mine", tx.XIDs...)
	assert.Equal(t, val(5), get(t, tree, key(5), txn.Latest{}), "provisional writes are private")
	assert.Equal(t, "mine", get(t, tree, key(5), tx))

	reader, err := mgr.Begin(nil)
	require.NoError(t, err)
	put(t, tree, msg.CommitBoth, key(5), "", tx.XIDs...)
	require.NoError(t, mgr.End(tx))
	assert.Equal(t, "mine", get(t, tree, key(5), txn.Latest{}))
	assert.Equal(t, val(5), get(t, tree, key(5), reader), "snapshots predate the commit")
	require.NoError(t, mgr.End(reader))

	t.Run("abort", func(t *testing.T) {
		tx, err := mgr.Begin(nil)
		require.NoError(t, err)
		child, err := mgr.Begin(tx)
		require.NoError(t, err)
		put(t, tree, msg.Insert, key(6), "child", child.XIDs...)
		assert.Equal(t, "child", get(t, tree, key(6), tx))

		put(t, tree, msg.AbortBroadcastTxn, "", "", tx.XIDs...)
		require.NoError(t, mgr.End(child))
		require.NoError(t, mgr.End(tx))
		assert.Equal(t, val(6), get(t, tree, key(6), txn.Latest{}))
	})

	t.Run("optimize promotes finished work", func(t *testing.T) {
		tx, err := mgr.Begin(nil)
		require.NoError(t, err)
		put(t, tree, msg.Insert, key(7), "late", tx.XIDs...)
		require.NoError(t, mgr.End(tx))
		assert.Equal(t, val(7), get(t, tree, key(7), txn.Latest{}))

		require.NoError(t, tree.Optimize())
		assert.Equal(t, "late", get(t, tree, key(7), txn.Latest{}))
	})
}

func TestUpdate(t *testing.T) {
	t.Parallel()

	tree, _ := newTree(t, testConfig())
	err := tree.Put(&msg.Message{Type: msg.Update, Key: []byte("k"), Val: []byte("x")})
	assert.ErrorIs(t, err, ule.ErrNoUpdateFunc)

	cfg := testConfig()
	cfg.Update = func(_, old, extra []byte) ([]byte, ule.UpdateAction) {
		if string(extra) == "drop" {
			return nil, ule.UpdateDelete
		}
		return append(append([]byte(nil), old...), extra...), ule.UpdateSet
	}
	tree, _ = newTree(t, cfg)
	fill(t, tree, shuffled(200))
	put(t, tree, msg.Update, key(3), "+")
	put(t, tree, msg.Update, key(3), "+")
	put(t, tree, msg.Update, "fresh", "new")
	assert.Equal(t, val(3)+"++", get(t, tree, key(3), txn.Latest{}))
	assert.Equal(t, "new", get(t, tree, "fresh", txn.Latest{}))

	put(t, tree, msg.UpdateBroadcastAll, "", "!")
	assert.Equal(t, val(3)+"++!", get(t, tree, key(3), txn.Latest{}))
	assert.Equal(t, val(150)+"!", get(t, tree, key(150), txn.Latest{}))

	put(t, tree, msg.Update, key(4), "drop")
	assert.Equal(t, "<absent>", get(t, tree, key(4), txn.Latest{}))
}

func TestWALRecordsPuts(t *testing.T) {
	t.Parallel()

	rec := &wal.Recorder{}
	cfg := testConfig()
	cfg.WAL = rec
	tree, _ := newTree(t, cfg)

	put(t, tree, msg.Insert, "a", "1")
	put(t, tree, msg.None, "b", "2")
	put(t, tree, msg.DeleteAny, "a", "")
	require.NoError(t, tree.Replay(&msg.Message{Type: msg.Insert, Key: []byte("c"), Val: []byte("3")}))

	got := rec.Snapshot()
	require.Len(t, got, 2, "no-ops are dropped and replayed messages are not logged again")
	assert.Equal(t, msg.MSN(1), got[0].MSN)
	assert.Equal(t, msg.DeleteAny, got[1].Type)
	assert.Equal(t, "3", get(t, tree, "c", txn.Latest{}))

	require.NoError(t, tree.Checkpoint())
	assert.Empty(t, rec.Snapshot())
	assert.Equal(t, msg.MSN(3), rec.Trimmed)
}

func TestClosed(t *testing.T) {
	t.Parallel()

	tree, _ := newTree(t, testConfig())
	require.NoError(t, tree.Close())
	assert.ErrorIs(t, tree.Close(), ErrClosed)
	assert.ErrorIs(t, tree.Put(&msg.Message{Type: msg.Insert, Key: []byte("k")}), ErrClosed)
	_, _, err := tree.Get([]byte("k"), txn.Latest{})
	assert.ErrorIs(t, err, ErrClosed)
	assert.ErrorIs(t, tree.Checkpoint(), ErrClosed)
}
