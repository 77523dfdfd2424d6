// Package sizeclass computes the fixed size-class table that maps byte
// sizes to representative, rounded-up cell sizes for the slab and
// mediumslab engines. See SPEC_FULL.md §4.1.
package sizeclass

import (
	"fmt"
	"unsafe"

	"github.com/heapwright/remalloc/internal/config"
)

// Class is an index into the size-class table, or Large if the
// requested size does not fit any table entry.
type Class int

// classesPerOctave mirrors the "n classes per doubling" spacing used by
// most production allocators (jemalloc-style size class groups) instead
// of a bare power-of-two table, which would waste up to 2x on average.
const classesPerOctave = 4

// HeaderSize is the footprint of the remote-free header
// (next pointer + target allocator id + size-class byte) that gets
// overlaid on a freed cell's first bytes. Every small class must be at
// least this wide (SPEC_FULL.md §3, spec.md §9).
const HeaderSize = unsafe.Sizeof(struct {
	Next   uintptr
	Target uint64
	Class  uint8
}{})

// Table is a precomputed, immutable size-class table built from a
// Config. It is safe for concurrent read-only use by any number of
// Allocators.
type Table struct {
	cfg    *config.Config
	sizes  []uintptr // index -> representative cell size, small then medium
	nSmall int
}

// New builds the size-class table described by cfg.
func New(cfg *config.Config) *Table {
	minSmall := roundUp(HeaderSize, 8)
	small := buildClasses(cfg.NumSmallClasses, minSmall, 8)
	// Medium classes start above the last small class, so the combined
	// table stays strictly increasing even when small classes pass a page.
	mediumMin := cfg.PageSize()
	if n := len(small); n > 0 && small[n-1] >= mediumMin {
		mediumMin = roundUp(small[n-1]+1, cfg.PageSize())
	}
	medium := buildClasses(cfg.NumMediumClasses(), mediumMin, cfg.PageSize())

	sizes := make([]uintptr, 0, len(small)+len(medium))
	sizes = append(sizes, small...)
	sizes = append(sizes, medium...)
	return &Table{cfg: cfg, sizes: sizes, nSmall: len(small)}
}

// buildClasses generates count strictly increasing sizes, each a
// multiple of align, starting at minSize, spaced classesPerOctave times
// per doubling of the base.
func buildClasses(count int, minSize, align uintptr) []uintptr {
	sizes := make([]uintptr, 0, count)
	for g := uint(0); len(sizes) < count; g++ {
		base := minSize << g
		step := base / classesPerOctave
		if step < align {
			step = align
		}
		for k := uintptr(0); k < classesPerOctave && len(sizes) < count; k++ {
			size := roundUp(base+step*k, align)
			if n := len(sizes); n > 0 && size <= sizes[n-1] {
				size = sizes[n-1] + align
			}
			sizes = append(sizes, size)
		}
	}
	return sizes
}

func roundUp(n, align uintptr) uintptr {
	return (n + align - 1) &^ (align - 1)
}

// Large is the sentinel Class returned for sizes too big for the table.
func (t *Table) Large() Class { return Class(len(t.sizes)) }

// NumSmallClasses reports the small-class prefix length actually built
// (equal to cfg.NumSmallClasses).
func (t *Table) NumSmallClasses() int { return t.nSmall }

// NumClasses reports the total number of small+medium classes.
func (t *Table) NumClasses() int { return len(t.sizes) }

// IsSmall reports whether c indexes a slab-backed (as opposed to
// mediumslab-backed) class.
func (t *Table) IsSmall(c Class) bool { return int(c) < t.nSmall }

// Of is size_to_sizeclass: the total function mapping a requested byte
// size to the smallest class whose cell can hold it, or Large.
func (t *Table) Of(n uintptr) Class {
	if n == 0 {
		n = 1
	}
	// The table is small (tens of entries): a linear scan is simpler
	// than a binary search and cache-friendlier at this size, matching
	// how the original chooses a scan over the (larger) size table.
	for i, size := range t.sizes {
		if size >= n {
			return Class(i)
		}
	}
	return t.Large()
}

// SizeOf is sizeclass_to_size: the inverse of Of, up to rounding.
func (t *Table) SizeOf(c Class) uintptr {
	if int(c) < 0 || int(c) >= len(t.sizes) {
		panic(fmt.Sprintf("sizeclass: SizeOf: class %d out of range [0,%d)", c, len(t.sizes)))
	}
	return t.sizes[c]
}

// CellsPerSlab returns how many cells of class c fit in a span of
// spanSize bytes (used for both full slabs and the reduced short slab).
func (t *Table) CellsPerSlab(c Class, spanSize uintptr) int {
	size := t.SizeOf(c)
	if size == 0 {
		return 0
	}
	return int(spanSize / size)
}

// IsShortEligible reports whether class c may be carved out of a
// superslab's short slab: the short slab has less usable space than a
// full slab (it shares pages with the superslab header), so only
// classes whose cell fits comfortably still yield at least one cell.
func (t *Table) IsShortEligible(c Class, shortSlabSize uintptr) bool {
	return t.IsSmall(c) && t.SizeOf(c) <= shortSlabSize
}

// RoundBySizeClass computes the greatest multiple of rsize that is
// <= offset: the operation external_pointer uses to recover a cell's
// base address from any interior offset within it.
func RoundBySizeClass(rsize, offset uintptr) uintptr {
	if rsize == 0 {
		return 0
	}
	return (offset / rsize) * rsize
}
