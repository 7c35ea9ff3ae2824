package blockalloc

import (
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocFirstFitReusesGap(t *testing.T) {
	t.Parallel()

	a := New(0, 1)
	assert.Equal(t, uint64(0), a.Alloc(10))
	assert.Equal(t, uint64(10), a.Alloc(5))
	a.Free(0)
	assert.Equal(t, uint64(0), a.Alloc(3), "first fit must reuse the freed gap instead of appending at 15")
	require.NoError(t, a.Validate())
}

func TestAllocRespectsReserveAndAlignment(t *testing.T) {
	t.Parallel()

	a := New(1000, 512)
	off := a.Alloc(100)
	assert.Equal(t, uint64(1024), off)

	off2 := a.Alloc(1)
	assert.Equal(t, uint64(1536), off2)

	size, ok := a.SizeOf(off)
	require.True(t, ok)
	assert.Equal(t, uint64(100), size)

	assert.Equal(t, uint64(1537), a.AllocatedLimit())
	require.NoError(t, a.Validate())
}

func TestReserveRoundedToAlignment(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		reserve   uint64
		alignment uint64
		want      uint64
	}{
		{"unaligned", 1000, 512, 1024},
		{"aligned", 1024, 512, 1024},
		{"zero", 0, 4096, 0},
		{"one byte", 1, 4096, 4096},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			a := New(tt.reserve, tt.alignment)
			assert.Equal(t, tt.want, a.Reserve())
			assert.Equal(t, tt.want, a.AllocatedLimit())
			prefix, ok := a.NthExtentInLayoutOrder(0)
			require.True(t, ok)
			assert.Equal(t, tt.want, prefix.Size)
		})
	}
}

func TestAllocatedLimitEmpty(t *testing.T) {
	t.Parallel()

	a := New(4096, 512)
	assert.Equal(t, uint64(4096), a.AllocatedLimit())
	assert.Equal(t, 0, a.Len())
}

func TestAllocFixed(t *testing.T) {
	t.Parallel()

	a := New(512, 512)
	a.AllocFixed(100, 1024)
	a.AllocFixed(512, 512)
	a.AllocFixed(10, 2048)

	// First gap large enough for 400 bytes is [1536, 2048).
	assert.Equal(t, uint64(1536), a.Alloc(400))
	require.NoError(t, a.Validate())

	assert.Panics(t, func() { a.AllocFixed(10, 1024) }, "same offset")
	assert.Panics(t, func() { a.AllocFixed(600, 0) }, "inside reserve")
	assert.Panics(t, func() { a.AllocFixed(10, 1000) }, "unaligned")
}

func TestAllocFixedOverlapWithNext(t *testing.T) {
	t.Parallel()

	a := New(0, 1)
	a.AllocFixed(10, 100)
	assert.Panics(t, func() { a.AllocFixed(20, 90) })
	assert.Panics(t, func() { a.AllocFixed(5, 105) })
	a.AllocFixed(10, 90)
	a.AllocFixed(10, 110)
	require.NoError(t, a.Validate())
}

func TestFree(t *testing.T) {
	t.Parallel()

	a := New(0, 1)
	off := a.Alloc(8)
	assert.False(t, a.FreeChecked(off+1))
	assert.Panics(t, func() { a.Free(off + 1) })

	a.Free(off)
	_, ok := a.SizeOf(off)
	assert.False(t, ok)
	assert.Equal(t, uint64(0), a.Used())
}

func TestNthExtentInLayoutOrder(t *testing.T) {
	t.Parallel()

	a := New(64, 64)
	a.Alloc(10)
	a.Alloc(20)

	e, ok := a.NthExtentInLayoutOrder(0)
	require.True(t, ok)
	assert.Equal(t, Extent{Offset: 0, Size: 64}, e)

	e, ok = a.NthExtentInLayoutOrder(1)
	require.True(t, ok)
	assert.Equal(t, Extent{Offset: 64, Size: 10}, e)

	e, ok = a.NthExtentInLayoutOrder(2)
	require.True(t, ok)
	assert.Equal(t, Extent{Offset: 128, Size: 20}, e)

	_, ok = a.NthExtentInLayoutOrder(3)
	assert.False(t, ok)
}

func TestFragmentation(t *testing.T) {
	t.Parallel()

	t.Run("empty", func(t *testing.T) {
		a := New(100, 1)
		r := a.Fragmentation(1000, 0, 0)
		assert.Equal(t, uint64(900), r.UnusedBytes)
		assert.Equal(t, uint64(1), r.UnusedExtents)
		assert.Equal(t, uint64(900), r.LargestUnusedExtent)
	})

	t.Run("gaps", func(t *testing.T) {
		a := New(0, 1)
		a.AllocFixed(10, 5)  // gap [0,5)
		a.AllocFixed(10, 30) // gap [15,30)
		r := a.Fragmentation(50, 20, 7)
		assert.Equal(t, uint64(5+15+10), r.UnusedBytes)
		assert.Equal(t, uint64(3), r.UnusedExtents)
		assert.Equal(t, uint64(15), r.LargestUnusedExtent)
		assert.Equal(t, uint64(2), r.DataBlocks)
		assert.Equal(t, uint64(20), r.DataBytes)
		assert.Equal(t, uint64(7), r.CheckpointBytesAdditional)
	})
}

// TestRandomAllocFree checks the extent invariants across a random sequence
// and that freeing a fresh allocation restores the previous extent set.
func TestRandomAllocFree(t *testing.T) {
	t.Parallel()

	rng := rand.New(rand.NewPCG(1, 2))
	a := New(4096, 512)
	live := map[uint64]uint64{}

	for i := 0; i < 2000; i++ {
		if len(live) > 0 && rng.IntN(3) == 0 {
			for off := range live {
				a.Free(off)
				delete(live, off)
				break
			}
		} else {
			size := uint64(rng.IntN(5000) + 1)
			before := a.Extents()

			off := a.Alloc(size)
			require.GreaterOrEqual(t, off, uint64(4096))
			require.Zero(t, off%512)
			for lo, sz := range live {
				overlap := off < lo+sz && lo < off+size
				require.False(t, overlap, "alloc %d+%d overlaps %d+%d", off, size, lo, sz)
			}

			if rng.IntN(10) == 0 {
				a.Free(off)
				require.Equal(t, before, a.Extents())
				continue
			}
			live[off] = size
		}
		require.NoError(t, a.Validate())
	}
}
