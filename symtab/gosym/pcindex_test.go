package gosym

import (
	"math"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPCIndexFind(t *testing.T) {
	it := NewPCIndex(5)
	for i, v := range []uint64{0x10, 0x20, 0x20, 0x30, 0x40} {
		it.Set(i, v)
	}
	require.True(t, it.i32 != nil)

	require.Equal(t, -1, it.FindIndex(0xf))
	require.Equal(t, 0, it.FindIndex(0x10))
	require.Equal(t, 0, it.FindIndex(0x1f))
	// equal run collapses to its first entry
	require.Equal(t, 1, it.FindIndex(0x2f))
	require.Equal(t, 3, it.FindIndex(0x30))
	require.Equal(t, 4, it.FindIndex(0xdeadbeef))
}

func TestPCIndexWiden(t *testing.T) {
	it := NewPCIndex(3)
	it.Set(0, 0x10)
	it.Set(1, math.MaxUint32+uint64(0x20))
	it.Set(2, math.MaxUint32+uint64(0x30))
	require.Nil(t, it.i32)

	require.Equal(t, uint64(0x10), it.Value(0))
	require.Equal(t, 0, it.FindIndex(0x15))
	require.Equal(t, 1, it.FindIndex(math.MaxUint32+uint64(0x25)))
}
