// Package largealloc implements the large-object engine: a free list
// per large-class (power-of-two multiples of a superslab), backed by
// the memory provider. It is the allocator's foundation — superslabs
// and mediumslabs are themselves class-0 large allocations.
package largealloc

import (
	"fmt"
	"unsafe"

	"github.com/heapwright/remalloc/internal/config"
	"github.com/heapwright/remalloc/internal/provider"
	"github.com/heapwright/remalloc/internal/stats"
)

// Error mirrors the teacher's typed AllocatorError.
type Error struct {
	Op      string
	Size    uintptr
	Class   int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("largealloc error [%s]: %s (size=%d, class=%d)", e.Op, e.Message, e.Size, e.Class)
}

// node overlays the first machine word of a freed large block, turning
// its own storage into the free-list link — the same trick the slab
// engine's intrusive lists use, so a freed block costs no side memory.
type node struct {
	next uintptr
}

// Large is the large-object free-list engine. It is not safe for
// concurrent use by itself; an Allocator serialises access to it.
type Large struct {
	cfg     *config.Config
	backend provider.Backend

	// freeLists[c] is the head of large-class c's free list, or 0.
	freeLists []uintptr

	Stats stats.Counters
}

// New constructs a Large engine with NumLargeClasses free lists, one
// per power-of-two class above SuperslabSize.
func New(cfg *config.Config, backend provider.Backend, numLargeClasses int) *Large {
	return &Large{
		cfg:       cfg,
		backend:   backend,
		freeLists: make([]uintptr, numLargeClasses),
	}
}

// ClassSize returns the size in bytes of large-class c: 2^(SuperslabBits+c).
func (l *Large) ClassSize(c int) uintptr {
	return uintptr(1) << (l.cfg.SuperslabBits + uint(c))
}

// Alloc returns a block of exactly ClassSize(c) bytes, popping from
// class c's free list if non-empty. A block popped from the free list
// keeps its previous contents (its first word holds the old free-list
// link); only fresh provider memory is zeroed. If the free list is empty and
// allowReserve is false (NoReserve), it returns 0 without touching the
// provider, forbidding address-space growth as spec.md §4.8 requires;
// otherwise it requests fresh memory from the provider, still
// returning 0 if the provider itself is exhausted.
func (l *Large) Alloc(c int, allowReserve bool) uintptr {
	if c < 0 || c >= len(l.freeLists) {
		panic(&Error{Op: "alloc", Class: c, Message: "large-class out of range"})
	}

	if head := l.freeLists[c]; head != 0 {
		n := (*node)(unsafe.Pointer(head))
		l.freeLists[c] = n.next
		l.Stats.Allocs.Add(1)
		return head
	}

	if !allowReserve {
		return 0
	}

	size := l.ClassSize(c)
	mem := l.backend.Reserve(size, size)
	if mem == nil {
		return 0
	}
	l.Stats.Allocs.Add(1)
	return uintptr(unsafe.Pointer(&mem[0]))
}

// Dealloc returns block to large-class c's free list. If the
// configured decommit strategy includes large blocks (DecommitAll),
// the tail pages past the header are hinted back to the OS before the
// block is linked into the free list, so reuse still starts warm for
// the first page.
func (l *Large) Dealloc(block uintptr, c int) {
	if c < 0 || c >= len(l.freeLists) {
		panic(&Error{Op: "dealloc", Class: c, Message: "large-class out of range"})
	}

	if l.cfg.Decommit == config.DecommitAll {
		size := l.ClassSize(c)
		page := l.cfg.PageSize()
		if size > page {
			l.backend.NotifyNotUsing(block+page, size-page)
		}
	}

	n := (*node)(unsafe.Pointer(block))
	n.next = l.freeLists[c]
	l.freeLists[c] = block
	l.Stats.Deallocs.Add(1)
}

// Release unmaps every block queued in every free list, returning the
// underlying address space to the provider. Used for teardown.
func (l *Large) Release() {
	for c, head := range l.freeLists {
		size := l.ClassSize(c)
		for head != 0 {
			n := (*node)(unsafe.Pointer(head))
			next := n.next
			l.backend.Release(head, size)
			head = next
		}
		l.freeLists[c] = 0
	}
}
