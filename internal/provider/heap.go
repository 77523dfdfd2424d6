package provider

import (
	"sync"
	"unsafe"

	"github.com/heapwright/remalloc/internal/stats"
)

// Heap is the default, portable Backend: it satisfies alignment by
// over-allocating a Go []byte and rounding the base up, the same
// technique the pack's arena allocators (bnclabs-gostore's memarena)
// use to carve aligned blocks out of an unaligned allocator. The
// over-allocated slice is kept alive in a map keyed by the aligned
// base address, since the Allocator core only ever holds that region
// as a bare uintptr — invisible to the garbage collector — once it is
// threaded through slab headers and free lists.
type Heap struct {
	mu    sync.Mutex
	live  map[uintptr][]byte
	Stats stats.Counters
}

// NewHeap constructs an empty Heap backend.
func NewHeap() *Heap {
	return &Heap{live: make(map[uintptr][]byte)}
}

// Reserve implements Backend.
func (h *Heap) Reserve(size, align uintptr) []byte {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return nil
	}
	raw := make([]byte, size+align)
	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + align - 1) &^ (align - 1)

	h.mu.Lock()
	h.live[aligned] = raw
	h.mu.Unlock()

	h.Stats.BytesReserved.Add(uint64(size))
	h.Stats.Reservations.Add(1)

	return unsafe.Slice((*byte)(unsafe.Pointer(aligned)), size)
}

// NotifyNotUsing zeroes the range: Go cannot truly decommit pages, but
// eager zeroing is a valid (over-eager) implementation of "the
// contents may be discarded" and keeps the zero-on-first-touch
// contract (spec.md §6) trivially true for every backend.
func (h *Heap) NotifyNotUsing(addr uintptr, size uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	for i := range b {
		b[i] = 0
	}
}

// NotifyUsing is a no-op: the Heap backend never actually revokes
// physical backing, so there is nothing to restore.
func (h *Heap) NotifyUsing(addr uintptr, size uintptr) {}

// Release drops the keep-alive reference for a range returned by
// Reserve, making it eligible for garbage collection once the
// allocator core no longer references it.
func (h *Heap) Release(addr uintptr, size uintptr) {
	h.mu.Lock()
	delete(h.live, addr)
	h.mu.Unlock()

	h.Stats.BytesReleased.Add(uint64(size))
	h.Stats.Releases.Add(1)
}
