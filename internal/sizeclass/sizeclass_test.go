package sizeclass

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapwright/remalloc/internal/config"
)

func newTestTable() *Table {
	return New(config.DefaultConfig())
}

func TestNew_PartitionSizes(t *testing.T) {
	cfg := config.DefaultConfig()
	tbl := New(cfg)

	assert.Equal(t, cfg.NumSmallClasses, tbl.NumSmallClasses())
	assert.Equal(t, cfg.NumSizeClasses, tbl.NumClasses())
	assert.Equal(t, Class(cfg.NumSizeClasses), tbl.Large())
}

func TestNew_StrictlyIncreasing(t *testing.T) {
	tbl := newTestTable()
	require.True(t, tbl.NumClasses() > 1)

	for i := 1; i < tbl.NumClasses(); i++ {
		prev := tbl.SizeOf(Class(i - 1))
		cur := tbl.SizeOf(Class(i))
		assert.Greaterf(t, cur, prev, "class %d size %d should exceed class %d size %d", i, cur, i-1, prev)
	}
}

func TestNew_MediumClassesArePageMultiples(t *testing.T) {
	cfg := config.DefaultConfig()
	tbl := New(cfg)

	for i := tbl.NumSmallClasses(); i < tbl.NumClasses(); i++ {
		size := tbl.SizeOf(Class(i))
		assert.Zerof(t, size%cfg.PageSize(), "medium class %d size %d must be a page multiple", i, size)
	}
}

func TestNew_SmallClassesFitHeader(t *testing.T) {
	tbl := newTestTable()
	assert.GreaterOrEqual(t, tbl.SizeOf(0), HeaderSize)
}

func TestOf_RoundTrip(t *testing.T) {
	tbl := newTestTable()

	sizes := []uintptr{1, 7, 8, 9, 31, 32, 33, 1000, 4095, 4096, 4097, 1 << 20}
	for _, s := range sizes {
		c := tbl.Of(s)
		if c == tbl.Large() {
			continue
		}
		got := tbl.SizeOf(c)
		assert.GreaterOrEqualf(t, got, s, "size %d rounded to class %d (%d) must be >= requested", s, c, got)

		// sizeclass(sizeclass_to_size(sizeclass(s))) == sizeclass(s)
		assert.Equal(t, c, tbl.Of(got))
	}
}

func TestOf_MinimalClass(t *testing.T) {
	tbl := newTestTable()
	c := tbl.Of(1)
	// No smaller class could also satisfy size >= 1, by construction of Of.
	if c > 0 {
		assert.Less(t, tbl.SizeOf(c-1), uintptr(1))
	}
}

func TestOf_LargeSentinel(t *testing.T) {
	tbl := newTestTable()
	huge := tbl.SizeOf(Class(tbl.NumClasses()-1)) + 1
	assert.Equal(t, tbl.Large(), tbl.Of(huge))
}

func TestIsSmall(t *testing.T) {
	tbl := newTestTable()
	assert.True(t, tbl.IsSmall(0))
	assert.False(t, tbl.IsSmall(Class(tbl.NumSmallClasses())))
}

func TestCellsPerSlab(t *testing.T) {
	tbl := newTestTable()
	cfg := config.DefaultConfig()

	c := tbl.Of(64)
	cells := tbl.CellsPerSlab(c, cfg.SlabSize())
	assert.Greater(t, cells, 0)
	assert.LessOrEqual(t, uintptr(cells)*tbl.SizeOf(c), cfg.SlabSize())
}

func TestIsShortEligible(t *testing.T) {
	tbl := newTestTable()
	cfg := config.DefaultConfig()
	shortSize := cfg.SlabSize() / 4

	small := tbl.Of(32)
	assert.True(t, tbl.IsShortEligible(small, shortSize))

	medium := Class(tbl.NumSmallClasses())
	assert.False(t, tbl.IsShortEligible(medium, shortSize))
}

func TestRoundBySizeClass(t *testing.T) {
	assert.Equal(t, uintptr(40), RoundBySizeClass(8, 47))
	assert.Equal(t, uintptr(0), RoundBySizeClass(8, 7))
	assert.Equal(t, uintptr(0), RoundBySizeClass(0, 100))
}

func TestSizeOf_PanicsOutOfRange(t *testing.T) {
	tbl := newTestTable()
	assert.Panics(t, func() { tbl.SizeOf(Class(-1)) })
	assert.Panics(t, func() { tbl.SizeOf(tbl.Large() + 1) })
}
