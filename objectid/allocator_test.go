package objectid

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestAllocateReservesZero(t *testing.T) {
	a := New()
	require.True(t, a.IsAllocated(0))

	id := a.Allocate()
	require.Equal(t, uint32(1), id)
}

func TestAllocateLowestClearBit(t *testing.T) {
	a := New()

	id1 := a.Allocate()
	id2 := a.Allocate()
	id3 := a.Allocate()
	require.Equal(t, []uint32{1, 2, 3}, []uint32{id1, id2, id3})

	a.Release(id2)
	id4 := a.Allocate()
	require.Equal(t, id2, id4, "released ids are reused as the lowest clear bit")
}

func TestAllocateReleaseRoundTrip(t *testing.T) {
	a := New()
	before := append([]uint64(nil), a.words...)

	id := a.Allocate()
	require.NotEqual(t, before, a.words)

	a.Release(id)
	require.Equal(t, before, a.words, "allocate then release leaves the bitset unchanged")
}

func TestAllocateGrowsWords(t *testing.T) {
	a := New()

	var last uint32
	for i := 0; i < 130; i++ {
		last = a.Allocate()
	}
	require.True(t, last >= 64)
	require.True(t, len(a.words) > 1)
}

func TestPendingSetDefersRelease(t *testing.T) {
	a := New()
	id := a.Allocate()

	var p PendingSet
	p.Schedule(id)
	require.True(t, a.IsAllocated(id), "id remains reserved until Flush")

	p.Flush(a)
	require.False(t, a.IsAllocated(id))
}

func TestReserve(t *testing.T) {
	a := New()
	a.Reserve(42)
	require.True(t, a.IsAllocated(42))

	id := a.Allocate()
	require.NotEqual(t, uint32(42), id)
}
