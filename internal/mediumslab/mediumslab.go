// Package mediumslab implements the medium-object engine: objects that
// are too big for a slab cell but still smaller than a whole mediumslab
// are served out of page-aligned cells within a dedicated
// SUPERSLAB_SIZE region. See spec.md §4.5.
package mediumslab

import (
	"fmt"
	"unsafe"

	"github.com/heapwright/remalloc/internal/config"
	"github.com/heapwright/remalloc/internal/largealloc"
	"github.com/heapwright/remalloc/internal/pagemap"
	"github.com/heapwright/remalloc/internal/provider"
	"github.com/heapwright/remalloc/internal/remote"
	"github.com/heapwright/remalloc/internal/sizeclass"
	"github.com/heapwright/remalloc/internal/stats"
)

// Error mirrors the teacher's typed AllocatorError for this engine's
// fatal, invariant-violation paths.
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("mediumslab error [%s]: %s", e.Op, e.Message)
}

type freeNode struct {
	next uintptr
}

// Slab is one mediumslab's header: a single sizeclass tag, a bump/
// free-list cell allocator, and the owning allocator's identity.
type Slab struct {
	Base  uintptr
	Owner remote.Owner
	class sizeclass.Class

	cellSize uintptr
	capacity int
	used     int
	bump     int
	freeHead uintptr

	listNext *Slab
	inList   bool
}

func (s *Slab) popCell() uintptr {
	if s.freeHead != 0 {
		p := s.freeHead
		s.freeHead = (*freeNode)(unsafe.Pointer(p)).next
		s.used++
		return p
	}
	if s.bump < s.capacity {
		p := s.Base + uintptr(s.bump)*s.cellSize
		s.bump++
		s.used++
		return p
	}
	return 0
}

func (s *Slab) isFull() bool { return s.freeHead == 0 && s.bump >= s.capacity }

// Class reports the size-class s serves, needed by callers (the
// façade's dealloc(p)/alloc_size forms) that only have a pointer.
func (s *Slab) Class() sizeclass.Class { return s.class }

// CellSize reports s's cell size in bytes.
func (s *Slab) CellSize() uintptr { return s.cellSize }

// CellBase rounds p down to the base address of its containing cell.
func (s *Slab) CellBase(p uintptr) uintptr {
	return s.Base + ((p - s.Base) / s.cellSize) * s.cellSize
}

// Engine is the per-Allocator mediumslab state.
type Engine struct {
	cfg     *config.Config
	classes *sizeclass.Table
	pm      pagemap.Map
	large   *largealloc.Large
	backend provider.Backend
	owner   remote.Owner

	slabs *Registry

	// classList[c - NumSmallClasses] is the head of the list of
	// mediumslabs currently serving class c.
	classList []*Slab

	Stats stats.Counters
}

// New constructs an Engine for medium classes [NumSmallClasses,
// NumClasses). registry must be shared with every other Engine drawn
// from the same pool, for the same cross-allocator lookup reason
// slab.New shares its Registry.
func New(cfg *config.Config, classes *sizeclass.Table, pm pagemap.Map, large *largealloc.Large, backend provider.Backend, owner remote.Owner, registry *Registry) *Engine {
	return &Engine{
		cfg:       cfg,
		classes:   classes,
		pm:        pm,
		large:     large,
		backend:   backend,
		owner:     owner,
		slabs:     registry,
		classList: make([]*Slab, classes.NumClasses()-classes.NumSmallClasses()),
	}
}

func (e *Engine) slot(c sizeclass.Class) int { return int(c) - e.classes.NumSmallClasses() }

// Alloc implements medium_alloc: take a cell from the class's serving
// mediumslab, minting a fresh one via the large-allocator (class 0) if
// none has room and allowReserve permits growing address space.
func (e *Engine) Alloc(c sizeclass.Class, zero bool, allowReserve bool) uintptr {
	i := e.slot(c)
	head := e.classList[i]
	if head == nil {
		s := e.newSlab(c, allowReserve)
		if s == nil {
			return 0
		}
		e.pushClassList(i, s)
		head = s
	}

	p := head.popCell()
	if p == 0 {
		return 0
	}
	e.Stats.Allocs.Add(1)

	if head.isFull() {
		e.popClassList(i)
	}

	if zero {
		b := unsafe.Slice((*byte)(unsafe.Pointer(p)), head.cellSize)
		for j := range b {
			b[j] = 0
		}
	}
	return p
}

func (e *Engine) newSlab(c sizeclass.Class, allowReserve bool) *Slab {
	base := e.large.Alloc(0, allowReserve)
	if base == 0 {
		return nil
	}
	s := &Slab{
		Base:     base,
		Owner:    e.owner,
		class:    c,
		cellSize: e.classes.SizeOf(c),
		capacity: e.classes.CellsPerSlab(c, e.cfg.SuperslabSize()),
	}
	e.slabs.Set(base, s)
	e.pm.Set(base, pagemap.Mediumslab)
	return s
}

// Slab looks up the mediumslab header owning base, for callers (the
// façade, remote dispatch) that already resolved base via the pagemap.
// Unlike the rest of Engine's state, this may be called for a base
// minted by a different Engine sharing the same registry.
func (e *Engine) Slab(base uintptr) (*Slab, bool) {
	return e.slabs.Get(base)
}

// Dealloc implements medium_dealloc: free p within the mediumslab
// based at base. If the mediumslab becomes empty, it is unlisted,
// optionally decommitted, and returned to the large-allocator; if it
// was full and is no longer, it is reinserted into the class list.
func (e *Engine) Dealloc(base uintptr, p uintptr, c sizeclass.Class) {
	s, ok := e.slabs.Get(base)
	if !ok {
		panic(&Error{Op: "medium_dealloc", Message: "unknown mediumslab base"})
	}

	wasFull := s.isFull()
	node := (*freeNode)(unsafe.Pointer(p))
	node.next = s.freeHead
	s.freeHead = p
	s.used--
	e.Stats.Deallocs.Add(1)

	if s.used > 0 {
		if wasFull {
			e.pushClassList(e.slot(c), s)
		}
		return
	}

	i := e.slot(c)
	if s.inList {
		e.removeFromClassList(i, s)
	}
	e.slabs.Delete(base)
	e.pm.Set(base, pagemap.NotOurs)

	if e.cfg.Decommit == config.DecommitSuper || e.cfg.Decommit == config.DecommitAll {
		page := e.cfg.PageSize()
		e.backend.NotifyNotUsing(base+page, e.cfg.SuperslabSize()-page)
	}
	e.large.Dealloc(base, 0)
}

func (e *Engine) pushClassList(i int, s *Slab) {
	if s.inList {
		return
	}
	s.listNext = e.classList[i]
	e.classList[i] = s
	s.inList = true
}

func (e *Engine) popClassList(i int) {
	head := e.classList[i]
	if head == nil {
		return
	}
	e.classList[i] = head.listNext
	head.listNext = nil
	head.inList = false
}

func (e *Engine) removeFromClassList(i int, target *Slab) {
	head := e.classList[i]
	if head == target {
		e.classList[i] = head.listNext
		target.listNext = nil
		target.inList = false
		return
	}
	for cur := head; cur != nil; cur = cur.listNext {
		if cur.listNext == target {
			cur.listNext = target.listNext
			target.listNext = nil
			target.inList = false
			return
		}
	}
}
