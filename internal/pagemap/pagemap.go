// Package pagemap implements the global, address-keyed byte map that
// lets any allocator classify a pointer without consulting its owner:
// superslab, mediumslab, or a large allocation's head/redirect slide.
// See SPEC_FULL.md §3 and §4.2.
package pagemap

import "math/bits"

// Tag encodes what occupies the superslab-aligned region at an
// address. Values 3..63 are reserved; 64+k marks a redirect-slide
// entry of a large allocation: the walk toward its head steps back
// 2^k bytes from here, reaching the head or an earlier redirect entry.
type Tag = uint8

const (
	// NotOurs marks an address this allocator family does not own.
	NotOurs Tag = 0
	// Superslab marks the aligned base of a live superslab.
	Superslab Tag = 1
	// Mediumslab marks the aligned base of a live mediumslab.
	Mediumslab Tag = 2

	// redirectBase distinguishes a redirect-slide tag from a bare
	// log2(size) head tag, which never exceeds 63 (spec.md §3).
	redirectBase Tag = 64
)

// Map is the pagemap contract: get/set/set_range over superslab-aligned
// addresses. Implementations must return NotOurs for any address never
// written, and must not race on writes to distinct superslab indices
// (the allocator's single-writer-per-superslab discipline guarantees
// that in practice).
type Map interface {
	Get(addr uintptr) Tag
	Set(addr uintptr, tag Tag)
	SetRange(addr uintptr, tag Tag, count int)
}

// SetLargeSize stamps m with the head tag and the logarithmic redirect
// slide for a large allocation of size bytes starting at p
// (spec.md §4.2; the exact index arithmetic below follows
// original_source/src/mem/alloc.h's set_large_size, which spec.md's
// prose paraphrases — see DESIGN.md).
func SetLargeSize(m Map, superslabBits uint, p uintptr, size uintptr) {
	k := log2Ceil(size)
	m.Set(p, Tag(k))

	superslabSize := uintptr(1) << superslabBits
	ss := p + superslabSize
	for i := uint(0); i < k-superslabBits; i++ {
		run := uintptr(1) << i
		m.SetRange(ss, redirectBase+Tag(i+superslabBits), int(run))
		ss += superslabSize * run
	}
}

// ClearLargeSize undoes SetLargeSize: every superslab slot the
// allocation's slide touched, including the head, is reset to NotOurs.
func ClearLargeSize(m Map, superslabBits uint, p uintptr, size uintptr) {
	k := log2Ceil(size)
	count := int(uintptr(1) << (k - superslabBits))
	m.SetRange(p, NotOurs, count)
}

// log2Ceil returns ceil(log2(n)) for n > 0.
func log2Ceil(n uintptr) uint {
	if n <= 1 {
		return 0
	}
	return uint(bits.Len64(uint64(n) - 1))
}

// Head walks the redirect slide back from a superslab-aligned addr to
// the head of the large allocation it belongs to, returning the head
// address and its size-class exponent k (size = 1<<k). ok is false if
// addr's pagemap entry is NotOurs.
func Head(m Map, addr uintptr) (head uintptr, k uint, ok bool) {
	tag := m.Get(addr)
	ss := addr
	for tag > redirectBase {
		ss -= uintptr(1) << (uint(tag) - uint(redirectBase))
		tag = m.Get(ss)
	}
	if tag == NotOurs {
		return 0, 0, false
	}
	return ss, uint(tag), true
}
