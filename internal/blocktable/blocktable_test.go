package blocktable

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexhholmes/ftdb/internal/blockalloc"
)

func TestBlockNumsStartAtOne(t *testing.T) {
	t.Parallel()

	tbl := New(1024, 512)
	a := tbl.AllocateBlockNum()
	b := tbl.AllocateBlockNum()
	assert.Equal(t, BlockNum(1), a)
	assert.Equal(t, BlockNum(2), b)

	tbl.FreeBlockNum(a)
	assert.Equal(t, a, tbl.AllocateBlockNum(), "freed numbers are reused")
	assert.Panics(t, func() { tbl.Realloc(None, 10) })
	assert.Panics(t, func() { tbl.Realloc(99, 10) })
}

func TestReallocKeepsOldExtentUntilRelease(t *testing.T) {
	t.Parallel()

	tbl := New(1024, 512)
	b := tbl.AllocateBlockNum()
	first := tbl.Realloc(b, 100)
	second := tbl.Realloc(b, 100)
	assert.NotEqual(t, first, second, "old extent must stay allocated")
	assert.Equal(t, 1, tbl.Pending())

	e, ok := tbl.Translate(b)
	require.True(t, ok)
	assert.Equal(t, blockalloc.Extent{Offset: second, Size: 100}, e)

	var written []byte
	ext, gen, err := tbl.WriteTable(func(off uint64, data []byte) error {
		written = data
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, uint64(len(written)), ext.Size)

	// Replaced after the table was written: belongs to the next generation.
	third := tbl.Realloc(b, 100)
	assert.Equal(t, 2, tbl.Pending())
	assert.Equal(t, 1, tbl.Release(gen))
	assert.Equal(t, 1, tbl.Pending())
	require.NoError(t, tbl.Validate())

	assert.Equal(t, first, tbl.Realloc(tbl.AllocateBlockNum(), 10), "released extent is reused first fit")
	_ = third
}

func TestWriteTableLoadRoundTrip(t *testing.T) {
	t.Parallel()

	tbl := New(8192, 512)
	var nums []BlockNum
	for i := 0; i < 5; i++ {
		b := tbl.AllocateBlockNum()
		tbl.Realloc(b, uint64(100*(i+1)))
		nums = append(nums, b)
	}
	tbl.FreeBlockNum(nums[2])

	var data []byte
	ext, _, err := tbl.WriteTable(func(_ uint64, d []byte) error {
		data = d
		return nil
	})
	require.NoError(t, err)

	loaded, err := Load(data, ext, 8192, 512)
	require.NoError(t, err)
	require.NoError(t, loaded.Validate())
	assert.Equal(t, 4, loaded.NumBlocks())
	for i, b := range nums {
		want, wantOK := tbl.Translate(b)
		got, ok := loaded.Translate(b)
		assert.Equal(t, wantOK, ok, "block %d", i)
		assert.Equal(t, want, got)
	}
	assert.Equal(t, nums[2], loaded.AllocateBlockNum())
	assert.GreaterOrEqual(t, loaded.AllocatedLimit(), ext.End())
}

func TestLoadRejectsCorruption(t *testing.T) {
	t.Parallel()

	tbl := New(0, 1)
	tbl.Realloc(tbl.AllocateBlockNum(), 10)
	var data []byte
	ext, _, err := tbl.WriteTable(func(_ uint64, d []byte) error {
		data = append([]byte(nil), d...)
		return nil
	})
	require.NoError(t, err)

	data[9] ^= 0xff
	_, err = Load(data, ext, 0, 1)
	assert.ErrorIs(t, err, ErrCorrupt)

	_, err = Load(data[:4], ext, 0, 1)
	assert.ErrorIs(t, err, ErrCorrupt)
}

func TestFragmentationCountsPending(t *testing.T) {
	t.Parallel()

	tbl := New(0, 1)
	b := tbl.AllocateBlockNum()
	tbl.Realloc(b, 10)
	tbl.Realloc(b, 10)
	r := tbl.Fragmentation(100)
	assert.Equal(t, uint64(10), r.DataBytes)
	assert.Equal(t, uint64(10), r.CheckpointBytesAdditional)
	assert.Equal(t, uint64(80), r.UnusedBytes)
}
