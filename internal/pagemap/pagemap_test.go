package pagemap

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSuperslabBits = 10 // 1 KiB "superslabs", small enough to test cheaply

func newMaps() []Map {
	return []Map{
		NewSparse(testSuperslabBits),
		NewFlat(testSuperslabBits, 0, 24),
	}
}

func TestMap_DefaultsToNotOurs(t *testing.T) {
	for _, m := range newMaps() {
		assert.Equal(t, NotOurs, m.Get(12345<<testSuperslabBits))
	}
}

func TestMap_SetGet(t *testing.T) {
	for _, m := range newMaps() {
		addr := uintptr(5) << testSuperslabBits
		m.Set(addr, Superslab)
		assert.Equal(t, Superslab, m.Get(addr))
		assert.Equal(t, NotOurs, m.Get(addr+(1<<testSuperslabBits)))
	}
}

func TestMap_SetRange(t *testing.T) {
	for _, m := range newMaps() {
		base := uintptr(3) << testSuperslabBits
		m.SetRange(base, Mediumslab, 4)
		for i := 0; i < 4; i++ {
			assert.Equal(t, Mediumslab, m.Get(base+uintptr(i)<<testSuperslabBits))
		}
		assert.Equal(t, NotOurs, m.Get(base+4<<testSuperslabBits))
	}
}

func TestSetLargeSize_HeadAndWalk(t *testing.T) {
	for _, m := range newMaps() {
		superslabSize := uintptr(1) << testSuperslabBits
		p := uintptr(8) * superslabSize
		size := superslabSize << 5 // 32 superslabs

		SetLargeSize(m, testSuperslabBits, p, size)

		head, k, ok := Head(m, p)
		require.True(t, ok)
		assert.Equal(t, p, head)
		assert.GreaterOrEqual(t, uintptr(1)<<k, size)

		// Every superslab-aligned address within the allocation should
		// walk back to the same head.
		count := int(size / superslabSize)
		for i := 0; i < count; i++ {
			addr := p + uintptr(i)*superslabSize
			h, _, ok := Head(m, addr)
			require.Truef(t, ok, "index %d should resolve", i)
			assert.Equalf(t, p, h, "index %d should walk back to head", i)
		}
	}
}

func TestClearLargeSize(t *testing.T) {
	for _, m := range newMaps() {
		superslabSize := uintptr(1) << testSuperslabBits
		p := uintptr(2) * superslabSize
		size := superslabSize << 3

		SetLargeSize(m, testSuperslabBits, p, size)
		ClearLargeSize(m, testSuperslabBits, p, size)

		count := int(size / superslabSize)
		for i := 0; i < count; i++ {
			assert.Equal(t, NotOurs, m.Get(p+uintptr(i)*superslabSize))
		}
	}
}

func TestHead_UnknownAddressReturnsFalse(t *testing.T) {
	for _, m := range newMaps() {
		_, _, ok := Head(m, uintptr(999)<<testSuperslabBits)
		assert.False(t, ok)
	}
}

func TestFlat_SetOutsideWindowPanics(t *testing.T) {
	m := NewFlat(testSuperslabBits, 0, 16)
	assert.Panics(t, func() { m.Set(uintptr(1)<<40, Superslab) })
}
