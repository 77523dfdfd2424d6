//go:build unix

package provider

import (
	"sync"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/heapwright/remalloc/internal/stats"
)

// Mmap is a real OS-backed Backend: anonymous mmap for reservation,
// over-mapped and trimmed to superslab alignment, and madvise for the
// decommit hints — the same mmap/madvise pairing production allocators
// (jemalloc, mimalloc) use, here via golang.org/x/sys/unix.
type Mmap struct {
	mu   sync.Mutex
	live map[uintptr]uintptr // aligned base -> reserved size, for Release

	Stats stats.Counters
}

// NewMmap constructs an empty Mmap backend.
func NewMmap() *Mmap {
	return &Mmap{live: make(map[uintptr]uintptr)}
}

// Reserve implements Backend.
func (m *Mmap) Reserve(size, align uintptr) []byte {
	if size == 0 || align == 0 || align&(align-1) != 0 {
		return nil
	}

	total := size + align
	raw, err := unix.Mmap(-1, 0, int(total), unix.PROT_READ|unix.PROT_WRITE,
		unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil
	}

	base := uintptr(unsafe.Pointer(&raw[0]))
	aligned := (base + align - 1) &^ (align - 1)

	if head := aligned - base; head > 0 {
		_ = unix.Munmap(raw[:head])
	}
	if tailStart := (aligned - base) + size; tailStart < uintptr(len(raw)) {
		_ = unix.Munmap(raw[tailStart:])
	}

	m.mu.Lock()
	m.live[aligned] = size
	m.mu.Unlock()

	m.Stats.BytesReserved.Add(uint64(size))
	m.Stats.Reservations.Add(1)

	return unsafe.Slice((*byte)(unsafe.Pointer(aligned)), size)
}

// NotifyNotUsing hints the range's physical pages may be reclaimed.
func (m *Mmap) NotifyNotUsing(addr uintptr, size uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	_ = unix.Madvise(b, unix.MADV_DONTNEED)
}

// NotifyUsing hints the range will be touched again soon.
func (m *Mmap) NotifyUsing(addr uintptr, size uintptr) {
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), size)
	_ = unix.Madvise(b, unix.MADV_WILLNEED)
}

// Release unmaps a range returned whole by Reserve.
func (m *Mmap) Release(addr uintptr, size uintptr) {
	m.mu.Lock()
	reserved, ok := m.live[addr]
	delete(m.live, addr)
	m.mu.Unlock()

	if !ok {
		return
	}
	b := unsafe.Slice((*byte)(unsafe.Pointer(addr)), reserved)
	_ = unix.Munmap(b)

	m.Stats.BytesReleased.Add(uint64(size))
	m.Stats.Releases.Add(1)
}
