package gosym

import (
	"math"

	"golang.org/x/exp/slices"
)

// PCIndex is a sorted index of code addresses. It stores values as uint32
// while they all fit and transparently widens to uint64 on the first large
// value, which roughly halves the footprint for small binaries.
type PCIndex struct {
	i32 []uint32
	i64 []uint64
}

func NewPCIndex(sz int) PCIndex {
	return PCIndex{i32: make([]uint32, sz)}
}

func (it *PCIndex) Set(idx int, value uint64) {
	if it.i32 != nil && value < math.MaxUint32 {
		it.i32[idx] = uint32(value)
		return
	}
	it.widenAndSet(idx, value)
}

func (it *PCIndex) widenAndSet(idx int, value uint64) {
	if it.i32 == nil {
		it.i64[idx] = value
		return
	}
	if value < math.MaxUint32 {
		it.i32[idx] = uint32(value)
		return
	}
	values := make([]uint64, len(it.i32))
	for j := 0; j < idx; j++ {
		values[j] = uint64(it.i32[j])
	}
	values[idx] = value
	it.i32 = nil
	it.i64 = values
}

func (it *PCIndex) Length() int {
	if it.i32 != nil {
		return len(it.i32)
	}
	return len(it.i64)
}

func (it *PCIndex) Value(idx int) uint64 {
	if it.i32 != nil {
		return uint64(it.i32[idx])
	}
	return it.i64[idx]
}

// FindIndex returns the index of the entry covering addr: the greatest entry
// <= addr, skipping back over duplicates to the first of an equal run.
// Returns -1 when addr precedes all entries.
func (it *PCIndex) FindIndex(addr uint64) int {
	if it.i32 != nil {
		if addr < uint64(it.i32[0]) {
			return -1
		}
		i, found := slices.BinarySearch(it.i32, uint32(addr))
		if found {
			return i
		}
		i--
		v := it.i32[i]
		for i > 0 && it.i32[i-1] == v {
			i--
		}
		return i
	}
	if addr < it.i64[0] {
		return -1
	}
	i, found := slices.BinarySearch(it.i64, addr)
	if found {
		return i
	}
	i--
	v := it.i64[i]
	for i > 0 && it.i64[i-1] == v {
		i--
	}
	return i
}
