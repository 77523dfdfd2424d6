package slab

import (
	"github.com/heapwright/remalloc/internal/remote"
	"github.com/heapwright/remalloc/internal/sizeclass"
)

// Status is a superslab's position in the Empty → Available →
// OnlyShortSlabAvailable → Full state machine (spec.md §4.4).
type Status int

const (
	// Empty means no slab inside the superslab has ever been carved
	// (or every carved slab has since been returned) — eligible to be
	// handed back to the large-allocator.
	Empty Status = iota
	// Available means at least one full (non-short) slab is still
	// uncarved.
	Available
	// OnlyShortSlabAvailable means every full slab has been carved;
	// only the short slab remains.
	OnlyShortSlabAvailable
	// Full means no slab — short or full — is left to carve.
	Full
)

func (s Status) String() string {
	switch s {
	case Empty:
		return "empty"
	case Available:
		return "available"
	case OnlyShortSlabAvailable:
		return "only-short-available"
	case Full:
		return "full"
	default:
		return "unknown"
	}
}

// Metaslab is the per-slab bookkeeping entry living in a superslab's
// metadata table: which size-class it has been carved for, how many
// cells are live, and a bump/free-list allocator over its span.
type Metaslab struct {
	class sizeclass.Class
	carved bool

	base     uintptr
	cellSize uintptr
	capacity int

	used     int
	bump     int     // index of the next never-touched cell
	freeHead uintptr // intrusive free-list head, 0 if empty

	listNext *Metaslab // link in Engine's per-class serving list
	inList   bool
}

// freeNode overlays a freed cell's first machine word, turning the
// cell itself into the free-list link.
type freeNode struct {
	next uintptr
}

// Carved reports whether m has ever been carved for a size-class. An
// uncarved metaslab entry is unused index-table filler.
func (m *Metaslab) Carved() bool { return m.carved }

// Class reports the size-class m was carved for, needed by callers
// (the façade's dealloc(p)/alloc_size forms) that only have a pointer
// and must recover which class it belongs to.
func (m *Metaslab) Class() sizeclass.Class { return m.class }

// CellSize reports m's cell size in bytes.
func (m *Metaslab) CellSize() uintptr { return m.cellSize }

// CellBase rounds p down to the base address of its containing cell
// within m.
func (m *Metaslab) CellBase(p uintptr) uintptr {
	return m.base + ((p - m.base) / m.cellSize) * m.cellSize
}

// Superslab is one SUPERSLAB_SIZE-aligned region's header. It is kept
// as ordinary Go bookkeeping alongside the raw backing memory — the
// same side-table approach internal/provider.Heap uses to keep GC-
// invisible ranges alive — rather than overlaid on the memory itself.
type Superslab struct {
	Base  uintptr
	Owner remote.Owner // owning allocator's identity and mailbox

	numFullSlabs int
	freeFullIdx  []int // stack of uncarved full-slab indices
	shortFree    bool

	slabs []Metaslab // index 0 is the short slab

	prev, next *Superslab // link in Engine's super_available /
	// super_only_short_available lists
	inAvailable     bool
	inOnlyShortList bool
}

// NumFullSlabs reports how many non-short slabs s was carved into,
// for callers computing total capacity from outside this package.
func (s *Superslab) NumFullSlabs() int { return s.numFullSlabs }

// SlabAt returns the metaslab containing p, given the slab size used to
// carve this superslab's index table. Callers outside this package
// (the façade) use this to recover a pointer's size-class without
// duplicating SmallDealloc's index arithmetic.
func (s *Superslab) SlabAt(p uintptr, slabSize uintptr) *Metaslab {
	idx := int((p - s.Base) / slabSize)
	return &s.slabs[idx]
}

// Status derives the superslab's state purely from which slabs remain
// uncarved — matching spec.md's "states are a function of which slabs
// inside are free".
func (s *Superslab) Status() Status {
	switch {
	case s.shortFree && len(s.freeFullIdx) == s.numFullSlabs:
		return Empty
	case len(s.freeFullIdx) > 0:
		return Available
	case s.shortFree:
		return OnlyShortSlabAvailable
	default:
		return Full
	}
}
