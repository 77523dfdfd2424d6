package slab

import (
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapwright/remalloc/internal/config"
	"github.com/heapwright/remalloc/internal/largealloc"
	"github.com/heapwright/remalloc/internal/pagemap"
	"github.com/heapwright/remalloc/internal/provider"
	"github.com/heapwright/remalloc/internal/remote"
	"github.com/heapwright/remalloc/internal/sizeclass"
)

// testEngine builds a small-geometry Engine (tiny superslabs/slabs) so
// tests can exhaust and recycle superslabs cheaply.
func testEngine(t *testing.T) (*Engine, *sizeclass.Table, *config.Config) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.SuperslabBits = 16 // 64 KiB superslabs
	cfg.SlabBits = 12      // 4 KiB slabs -> 16 slabs/superslab
	cfg.PageBits = 10      // 1 KiB "pages" -> short slab keeps 3 KiB usable
	cfg.NumSmallClasses = 8
	cfg.NumSizeClasses = 8

	classes := sizeclass.New(cfg)
	pm := pagemap.NewSparse(cfg.SuperslabBits)
	backend := provider.NewHeap()
	large := largealloc.New(cfg, backend, 8)

	owner := remote.Owner{ID: 1, Mailbox: remote.NewQueue()}
	e := New(cfg, classes, pm, large, backend, owner, NewRegistry())
	return e, classes, cfg
}

func TestEngine_SmallAllocDistinctCells(t *testing.T) {
	e, classes, _ := testEngine(t)
	c := classes.Of(16)

	seen := map[uintptr]bool{}
	for i := 0; i < 10; i++ {
		p := e.SmallAlloc(c, false, true)
		require.NotZero(t, p)
		assert.False(t, seen[p], "cell %x handed out twice", p)
		seen[p] = true
	}
}

func TestEngine_SmallAllocZeroesOnRequest(t *testing.T) {
	e, classes, _ := testEngine(t)
	c := classes.Of(32)

	p := e.SmallAlloc(c, false, true)
	require.NotZero(t, p)

	super := e.findOwningSuperBase(p)
	e.SmallDealloc(super, p, c)

	p2 := e.SmallAlloc(c, true, true)
	require.Equal(t, p, p2, "freed cell should be reused")

	b := unsafe.Slice((*byte)(unsafe.Pointer(p2)), classes.SizeOf(c))
	for _, v := range b {
		assert.Zero(t, v)
	}
}

func TestEngine_SuperslabEmptiedAndReleased(t *testing.T) {
	e, classes, cfg := testEngine(t)
	c := classes.Of(16)

	shortCap := classes.CellsPerSlab(c, cfg.ShortSlabSize())
	fullCap := classes.CellsPerSlab(c, cfg.SlabSize())
	require.Greater(t, fullCap, 0)

	first := e.SmallAlloc(c, false, true)
	require.NotZero(t, first)
	super := e.findOwningSuperBase(first)
	s, ok := e.Superslab(super)
	require.True(t, ok)
	total := shortCap + s.numFullSlabs*fullCap

	ptrs := make([]uintptr, 1, total)
	ptrs[0] = first
	for i := 1; i < total; i++ {
		p := e.SmallAlloc(c, false, true)
		require.NotZero(t, p)
		require.Equal(t, super, e.findOwningSuperBase(p), "every cell should land in the single superslab")
		ptrs = append(ptrs, p)
	}

	// The superslab should now be fully carved (Full).
	assert.Equal(t, Full, s.Status())

	for _, p := range ptrs {
		e.SmallDealloc(super, p, c)
	}

	// Every slab was returned to the pool, so the superslab as a whole
	// went Empty and was handed back to the large-allocator.
	_, stillTracked := e.Superslab(super)
	assert.False(t, stillTracked)

	// A subsequent request must carve a fresh slab rather than reuse
	// stale bookkeeping.
	p := e.SmallAlloc(c, false, true)
	require.NotZero(t, p)
}

func TestEngine_ShortEligibleClassUsesShortSlab(t *testing.T) {
	e, classes, cfg := testEngine(t)
	// A tiny class is short-eligible by construction (table minimum is
	// the remote-free header, well under ShortSlabSize).
	c := classes.Of(16)
	require.True(t, classes.IsShortEligible(c, cfg.ShortSlabSize()))

	p := e.SmallAlloc(c, false, true)
	require.NotZero(t, p)

	super := e.findOwningSuperBase(p)
	s, ok := e.Superslab(super)
	require.True(t, ok)
	assert.False(t, s.shortFree, "short slab should have been carved for a short-eligible class")
}

func TestEngine_SuperslabStatusTransitions(t *testing.T) {
	e, classes, cfg := testEngine(t)
	c := classes.Of(16)
	shortCap := classes.CellsPerSlab(c, cfg.ShortSlabSize())
	fullCap := classes.CellsPerSlab(c, cfg.SlabSize())

	p := e.SmallAlloc(c, false, true)
	require.NotZero(t, p)
	super := e.findOwningSuperBase(p)
	s, ok := e.Superslab(super)
	require.True(t, ok)
	assert.Equal(t, Available, s.Status())

	// Fill every remaining full slab and the short slab, driving the
	// superslab to Full.
	total := shortCap + s.numFullSlabs*fullCap
	ptrs := []uintptr{p}
	for i := 1; i < total; i++ {
		q := e.SmallAlloc(c, false, true)
		require.NotZero(t, q)
		ptrs = append(ptrs, q)
	}
	assert.Equal(t, Full, s.Status())
}

func TestEngine_NoReserveDoesNotMintFreshSuperslab(t *testing.T) {
	e, classes, _ := testEngine(t)
	c := classes.Of(16)

	assert.Zero(t, e.SmallAlloc(c, false, false), "no superslab exists yet: allowReserve=false must return 0")

	p := e.SmallAlloc(c, false, true)
	require.NotZero(t, p)

	q := e.SmallAlloc(c, false, false)
	assert.NotZero(t, q, "the freshly carved slab still has room, so NoReserve can still be served")
}

// findOwningSuperBase rounds p down to the superslab granularity this
// test's Engine was built with — a test-only stand-in for the
// pagemap lookup the façade performs in production.
func (e *Engine) findOwningSuperBase(p uintptr) uintptr {
	mask := e.cfg.SuperslabSize() - 1
	return p &^ mask
}
