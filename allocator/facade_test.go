package allocator

import (
	"sync"
	"testing"
	"unsafe"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heapwright/remalloc/internal/config"
	"github.com/heapwright/remalloc/internal/pagemap"
	"github.com/heapwright/remalloc/internal/provider"
)

// testConfig is a small geometry cheap enough to exhaust and recycle
// superslabs within a single test.
func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.SuperslabBits = 16 // 64 KiB superslabs
	cfg.SlabBits = 12      // 4 KiB slabs -> 16 slabs/superslab
	cfg.PageBits = 10
	cfg.NumSmallClasses = 12
	cfg.NumSizeClasses = 16
	cfg.RemoteSlotBits = 2 // 4 slots, cheap to exhaust S6
	cfg.RemoteCache = 256
	cfg.RemoteBatch = 64
	return cfg
}

func newPool() *Pool {
	return NewPool(testConfig(), provider.NewHeap())
}

// S1: small round-trip.
func TestFacade_SmallRoundTrip(t *testing.T) {
	pool := newPool()
	a := pool.New()

	p := a.Alloc(48, false, true)
	require.NotZero(t, p)

	b := unsafe.Slice((*byte)(unsafe.Pointer(p)), 48)
	for i := range b {
		b[i] = 0xAB
	}

	other := uintptr(999999) << 16
	before := a.pm.Get(other)

	a.Dealloc(p)
	p2 := a.Alloc(48, false, true)
	require.NotZero(t, p2)

	assert.Equal(t, before, a.pm.Get(other), "freeing and reallocating an unrelated size must not touch unrelated pagemap entries")
}

// S2: cross-thread free, synchronized with a channel rather than a
// sleep — goroutine B signals after freeing, goroutine A only reads
// the pagemap after that signal is observed.
func TestFacade_CrossGoroutineFree(t *testing.T) {
	pool := newPool()
	a := pool.New()
	b := pool.New()

	p := a.Alloc(128, false, true)
	require.NotZero(t, p)
	base := p &^ (a.cfg.SuperslabSize() - 1)
	require.Equal(t, pagemap.Superslab, a.pm.Get(base))

	freed := make(chan struct{})
	go func() {
		b.Dealloc(p)
		close(freed)
	}()
	<-freed

	// A must still see its superslab tracked until it drains the
	// mailbox itself (eventual, not immediate, consistency).
	assert.Equal(t, pagemap.Superslab, a.pm.Get(base))

	// Draining via any public entry eventually applies the remote free.
	for i := 0; i < 4 && a.mailboxHasPending(); i++ {
		a.Alloc(8, false, true)
	}

	p2 := a.Alloc(128, false, true)
	require.NotZero(t, p2)
}

func (a *Allocator) mailboxHasPending() bool { return !a.mailbox.IsEmpty() }

// S3: large boundary.
func TestFacade_LargeBoundary(t *testing.T) {
	pool := newPool()
	a := pool.New()

	size := a.cfg.SuperslabSize() + a.cfg.SuperslabSize()/2 // > 1 superslab, < 2
	p := a.Alloc(size, false, true)
	require.NotZero(t, p)

	assert.Zero(t, p%a.cfg.SuperslabSize(), "large allocation must be superslab-aligned")

	expected := a.cfg.SuperslabSize() * 2 // rounded up to the next power of two of superslabs
	assert.Equal(t, expected, a.AllocSize(p))

	mid := p + a.cfg.SuperslabSize() + 1
	assert.Equal(t, p, a.ExternalPointerStart(mid))
	assert.Equal(t, p+expected-1, a.ExternalPointerEnd(mid))

	a.Dealloc(p)
	p2 := a.Alloc(expected, false, true)
	assert.Equal(t, p, p2, "freeing a large block should make the same address available again")
}

// S4: superslab recycle.
func TestFacade_SuperslabRecycle(t *testing.T) {
	pool := newPool()
	a := pool.New()

	const objSize = 16
	c := a.classes.Of(objSize)
	require.True(t, a.classes.IsSmall(c))

	first := a.Alloc(objSize, false, true)
	require.NotZero(t, first)
	base := first &^ (a.cfg.SuperslabSize() - 1)

	s, ok := a.small.Superslab(base)
	require.True(t, ok)
	shortCap := a.classes.CellsPerSlab(c, a.cfg.ShortSlabSize())
	fullCap := a.classes.CellsPerSlab(c, a.cfg.SlabSize())
	total := shortCap + s.NumFullSlabs()*fullCap

	ptrs := []uintptr{first}
	for i := 1; i < total; i++ {
		p := a.Alloc(objSize, false, true)
		require.NotZero(t, p)
		ptrs = append(ptrs, p)
	}

	for _, p := range ptrs {
		a.Dealloc(p)
	}

	_, stillTracked := a.small.Superslab(base)
	assert.False(t, stillTracked, "a fully-emptied superslab must be returned to the large-allocator")
	assert.Equal(t, pagemap.NotOurs, a.pm.Get(base))

	fresh := a.large.Alloc(0, true)
	assert.Equal(t, base, fresh, "the large-allocator should hand back the just-released superslab base")
}

// S5: zeroed alloc.
func TestFacade_ZeroedAlloc(t *testing.T) {
	pool := newPool()
	a := pool.New()

	p := a.Alloc(4096, false, true)
	require.NotZero(t, p)
	b := unsafe.Slice((*byte)(unsafe.Pointer(p)), 4096)
	for i := range b {
		b[i] = 0xAA
	}
	a.Dealloc(p)

	p2 := a.Alloc(4096, true, true)
	require.Equal(t, p, p2)
	b2 := unsafe.Slice((*byte)(unsafe.Pointer(p2)), 4096)
	for i, v := range b2 {
		assert.Zerof(t, v, "byte %d should be zeroed on YesZero alloc", i)
	}
}

// S6: remote cache posting across REMOTE_SLOTS+1 distinct targets.
func TestFacade_RemoteCachePostingFanOut(t *testing.T) {
	pool := newPool()
	owner := pool.New()

	targets := make([]*Allocator, pool.cfg.RemoteSlots()+1)
	for i := range targets {
		targets[i] = pool.New()
	}

	const perTarget = 20
	const objSize = 16

	owned := make([][]uintptr, len(targets))
	for i, target := range targets {
		for j := 0; j < perTarget; j++ {
			p := target.Alloc(objSize, false, true)
			require.NotZero(t, p)
			owned[i] = append(owned[i], p)
		}
	}

	// One goroutine frees everything through owner: an Allocator must not
	// be shared by concurrently running goroutines.
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := range targets {
			for _, p := range owned[i] {
				owner.Dealloc(p)
			}
		}
	}()
	wg.Wait()

	// Force a final post in case the threshold was never crossed by
	// volume alone (perTarget*objSize*len(targets) usually exceeds
	// RemoteCache, but the exact boundary isn't the property under
	// test here).
	owner.drainMailbox()
	owner.outgoing.Post(owner.resolve)

	for i, target := range targets {
		seen := 0
		for {
			_, _, _, ok := target.mailbox.Dequeue()
			if !ok {
				break
			}
			seen++
		}
		assert.Equalf(t, perTarget, seen, "target %d should receive exactly the objects freed to it", i)
	}
}

func TestFacade_InvalidFreePanics(t *testing.T) {
	pool := newPool()
	a := pool.New()
	assert.Panics(t, func() { a.Dealloc(uintptr(0xdeadbeef) << 16) })
}

func TestFacade_AllocSizeFatalOnUnknownPointer(t *testing.T) {
	pool := newPool()
	a := pool.New()
	assert.Panics(t, func() { a.AllocSize(uintptr(0xdeadbeef) << 16) })
}

// SafeClient's "must be start of object" check, spec.md §7: freeing an
// interior pointer is fatal, not silently corrected, in every engine.
func TestFacade_SafeClientRejectsInteriorFree(t *testing.T) {
	t.Run("small", func(t *testing.T) {
		pool := newPool()
		a := pool.New()
		p := a.Alloc(48, false, true)
		require.NotZero(t, p)
		assert.Panics(t, func() { a.Dealloc(p + 1) })
	})

	t.Run("medium", func(t *testing.T) {
		pool := newPool()
		a := pool.New()
		// testConfig's small classes stop at NumSmallClasses=12; request
		// something large enough to land in a medium class.
		p := a.Alloc(pool.cfg.SlabSize(), false, true)
		require.NotZero(t, p)
		assert.Panics(t, func() { a.Dealloc(p + 1) })
	})

	t.Run("large", func(t *testing.T) {
		pool := newPool()
		a := pool.New()
		p := a.Alloc(pool.cfg.SuperslabSize(), false, true)
		require.NotZero(t, p)
		assert.Panics(t, func() { a.Dealloc(p + 1) })
	})
}

// With SafeClient disabled, an interior free is accepted (rounded down
// to the cell it falls in) rather than rejected.
func TestFacade_SafeClientDisabledAllowsInteriorFree(t *testing.T) {
	cfg := testConfig()
	cfg.SafeClient = false
	pool := NewPool(cfg, provider.NewHeap())
	a := pool.New()

	p := a.Alloc(48, false, true)
	require.NotZero(t, p)
	assert.NotPanics(t, func() { a.Dealloc(p + 1) })
}

func TestFacade_ExternalPointerUnknownReturnsSentinels(t *testing.T) {
	pool := newPool()
	a := pool.New()
	unknown := uintptr(0xdeadbeef) << 16
	assert.Zero(t, a.ExternalPointerStart(unknown))
	assert.Equal(t, ^uintptr(0), a.ExternalPointerEnd(unknown))
}

func TestFacade_NoReserveReturnsZeroWhenExhausted(t *testing.T) {
	pool := newPool()
	a := pool.New()
	assert.Zero(t, a.Alloc(32, false, false), "no slab minted yet, so NoReserve must not grow address space")
}
