package mem

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickos/internal/kerr"
)

func TestAllocFirstFit(t *testing.T) {
	a := New(16)
	require.NoError(t, a.Free(0x1000, 0x100))
	require.NoError(t, a.Free(0x3000, 0x1000))

	addr, err := a.Alloc(0x200)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x3000), addr, "first block is too small")

	addr, err = a.Alloc(0x100)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x1000), addr)
	assert.Equal(t, []Block{{Addr: 0x3200, Size: 0xe00}}, a.Blocks(), "exhausted block is removed")
}

func TestAllocExhausted(t *testing.T) {
	a := New(4)
	require.NoError(t, a.Free(0, 0x100))

	_, err := a.Alloc(0x101)
	assert.True(t, errors.Is(err, kerr.ErrExhausted))
	assert.True(t, kerr.IsRefused(err))
	assert.Equal(t, uint32(0x100), a.Total())
}

func TestFreeMerges(t *testing.T) {
	tests := []struct {
		name  string
		setup []Block
		free  Block
		want  []Block
	}{
		{
			name:  "into predecessor",
			setup: []Block{{0x1000, 0x100}},
			free:  Block{0x1100, 0x100},
			want:  []Block{{0x1000, 0x200}},
		},
		{
			name:  "predecessor and successor",
			setup: []Block{{0x1000, 0x100}, {0x1200, 0x100}},
			free:  Block{0x1100, 0x100},
			want:  []Block{{0x1000, 0x300}},
		},
		{
			name:  "into successor",
			setup: []Block{{0x1200, 0x100}},
			free:  Block{0x1100, 0x100},
			want:  []Block{{0x1100, 0x200}},
		},
		{
			name:  "standalone",
			setup: []Block{{0x1000, 0x100}, {0x3000, 0x100}},
			free:  Block{0x2000, 0x100},
			want:  []Block{{0x1000, 0x100}, {0x2000, 0x100}, {0x3000, 0x100}},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			a := New(8)
			for _, b := range tc.setup {
				require.NoError(t, a.Free(b.Addr, b.Size))
			}
			require.NoError(t, a.Free(tc.free.Addr, tc.free.Size))
			assert.Equal(t, tc.want, a.Blocks())
		})
	}
}

func TestFreeLostWhenTableFull(t *testing.T) {
	a := New(2)
	require.NoError(t, a.Free(0x1000, 0x100))
	require.NoError(t, a.Free(0x3000, 0x100))

	err := a.Free(0x2000, 0x80)
	assert.True(t, errors.Is(err, kerr.ErrLostFree))

	st := a.Stats()
	assert.Equal(t, uint32(1), st.Losts)
	assert.Equal(t, uint32(0x80), st.LostSize)
	assert.Equal(t, uint32(0x200), st.Total)

	// merging still works on a full table
	require.NoError(t, a.Free(0x1100, 0x100))
	assert.Equal(t, uint32(1), a.Stats().Losts)
}

func TestFreeOverlapPanics(t *testing.T) {
	a := New(4)
	require.NoError(t, a.Free(0x1000, 0x1000))

	assert.Panics(t, func() { _ = a.Free(0x1000, 0x10) })
	assert.Panics(t, func() { _ = a.Free(0x1800, 0x10) })
	assert.Panics(t, func() { _ = a.Free(0x0f00, 0x200) })
}

func TestAlloc4KRounds(t *testing.T) {
	a := New(4)
	require.NoError(t, a.Free(0x400000, 0x10000))

	addr, err := a.Alloc4K(1)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x400000), addr)
	assert.Equal(t, uint32(0xf000), a.Total())

	require.NoError(t, a.Free4K(addr, 1))
	assert.Equal(t, []Block{{0x400000, 0x10000}}, a.Blocks())
}

func TestPageRoundingNeverWraps(t *testing.T) {
	a := New(4)
	require.NoError(t, a.Free(0x400000, 0x10000))

	_, err := a.Alloc4K(0xfffff001)
	assert.True(t, errors.Is(err, kerr.ErrExhausted))
	assert.True(t, errors.Is(a.Free4K(0x400000, 0xfffff001), kerr.ErrBadRange))
	assert.Equal(t, uint32(0x10000), a.Total())

	// the largest request that still rounds is refused for lack of space
	_, err = a.Alloc4K(0xfffff000)
	assert.True(t, errors.Is(err, kerr.ErrExhausted))
}

func TestFreeRejectsWrappingRange(t *testing.T) {
	a := New(4)
	require.NoError(t, a.Free(0x1000, 0x1000))

	err := a.Free(0xffff0000, 0x20000)
	assert.True(t, errors.Is(err, kerr.ErrBadRange))
	assert.Equal(t, []Block{{0x1000, 0x1000}}, a.Blocks())
	assert.Zero(t, a.Stats().Losts)
}

func TestReuseAfterFree(t *testing.T) {
	const mib = 1 << 20
	a := New(16)
	require.NoError(t, a.Free(0x400000, mib))

	first, err := a.Alloc(256 << 10)
	require.NoError(t, err)
	require.NoError(t, a.Free(first, 256<<10))

	second, err := a.Alloc(256 << 10)
	require.NoError(t, err)
	assert.Equal(t, first, second)
}

func TestConservation(t *testing.T) {
	const (
		base  = 0x400000
		total = 1 << 20
	)
	a := New(4090)
	require.NoError(t, a.Free(base, total))

	type live struct{ addr, size uint32 }
	var held []live
	r := rand.New(rand.NewSource(7))

	for i := 0; i < 2000; i++ {
		if len(held) == 0 || r.Intn(3) > 0 {
			size := uint32(r.Intn(0x2000) + 1)
			addr, err := a.Alloc(size)
			if err != nil {
				continue
			}
			held = append(held, live{addr, size})
		} else {
			j := r.Intn(len(held))
			require.NoError(t, a.Free(held[j].addr, held[j].size))
			held = append(held[:j], held[j+1:]...)
		}

		var used uint32
		for _, h := range held {
			used += h.size
		}
		require.Equal(t, uint32(total), a.Total()+used, "step %d", i)
		assertCoalesced(t, a.Blocks())
	}
}

func assertCoalesced(t *testing.T, blocks []Block) {
	t.Helper()
	for i := 1; i < len(blocks); i++ {
		prevEnd := blocks[i-1].Addr + blocks[i-1].Size
		require.Less(t, prevEnd, blocks[i].Addr, "blocks %d and %d overlap or touch", i-1, i)
	}
}
