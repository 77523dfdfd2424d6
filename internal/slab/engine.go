// Package slab implements the slab/superslab engine: small objects are
// served out of SLAB_SIZE spans carved from SUPERSLAB_SIZE-aligned
// regions obtained from the large-allocator. See SPEC_FULL.md §4.4.
package slab

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
	return fmt.Sprintf("slab error [%s]: %s", e.Op, e.Message)
}

// Action reports what a Dealloc call did to the owning slab/superslab,
// the three-way result spec.md's small_dealloc switches on.
type Action int

const (
	// ActionNone means the cell was freed and nothing else changed.
	ActionNone Action = iota
	// ActionSlabReturned means the slab's last live cell was freed and
	// the slab itself went back to its superslab's free pool.
	ActionSlabReturned
	// ActionStatusChange means the superslab (or the individual slab's
	// class-list membership) moved between states.
	ActionStatusChange
)

// Engine is the per-Allocator slab/superslab state: exactly one
// instance lives inside each Allocator and is never touched by any
// other thread (spec.md §5).
type Engine struct {
	cfg     *config.Config
	classes *sizeclass.Table
	pm      pagemap.Map
	large   *largealloc.Large
	backend provider.Backend
	owner   remote.Owner

	supers *Registry

	superAvailable *Superslab
	superOnlyShort *Superslab

	smallClasses []*Metaslab // per-class serving list head

	Stats stats.Counters
}

// New constructs an Engine. owner identifies this allocator for
// superslab/metaslab headers and remote-free dispatch. registry must be
// shared with every other Engine drawn from the same pool, since any
// allocator's dealloc/resolve path may need to read a superslab header
// this Engine carved.
func New(cfg *config.Config, classes *sizeclass.Table, pm pagemap.Map, large *largealloc.Large, backend provider.Backend, owner remote.Owner, registry *Registry) *Engine {
	return &Engine{
		cfg:          cfg,
		classes:      classes,
		pm:           pm,
		large:        large,
		backend:      backend,
		owner:        owner,
		supers:       registry,
		smallClasses: make([]*Metaslab, classes.NumSmallClasses()),
	}
}

// Superslab looks up the superslab header owning base, for callers
// (the façade, remote dispatch) that already resolved base via the
// pagemap. Unlike the rest of Engine's state, this may be called for a
// base carved by a different Engine sharing the same registry.
func (e *Engine) Superslab(base uintptr) (*Superslab, bool) {
	return e.supers.Get(base)
}

// getSuperslab implements get_superslab: pop from super_available, or
// mint a fresh SUPERSLAB_SIZE block via the large-allocator.
func (e *Engine) getSuperslab(allowReserve bool) *Superslab {
	if s := e.popAvailable(); s != nil {
		return s
	}

	base := e.large.Alloc(0, allowReserve)
	if base == 0 {
		return nil
	}

	numFull := e.cfg.SlabsPerSuperslab() - 1
	s := &Superslab{
		Base:         base,
		Owner:        e.owner,
		numFullSlabs: numFull,
		shortFree:    true,
		slabs:        make([]Metaslab, numFull+1),
	}
	s.freeFullIdx = make([]int, numFull)
	for i := 0; i < numFull; i++ {
		s.freeFullIdx[i] = numFull - i // any order; stack pop order doesn't matter
	}

	e.supers.Set(base, s)
	e.pm.Set(base, pagemap.Superslab)

	// A freshly minted superslab is listed as available for carving
	// regardless of how Status() would read it (Status()'s "Empty"
	// reading is reserved for the dealloc-driven return path).
	e.pushAvailable(s)
	return s
}

// allocSlab implements alloc_slab: carve a fresh slab of sizeclass c
// out of a superslab, preferring a short-slab-only superslab when c is
// short-eligible.
func (e *Engine) allocSlab(c sizeclass.Class, allowReserve bool) *Metaslab {
	shortEligible := e.classes.IsShortEligible(c, e.cfg.ShortSlabSize())

	if shortEligible {
		if s := e.popOnlyShort(); s != nil {
			m := e.carveShort(s, c)
			e.repositionSuperslab(s)
			return m
		}
	}

	s := e.getSuperslab(allowReserve)
	if s == nil {
		return nil
	}

	var m *Metaslab
	if shortEligible && s.shortFree {
		m = e.carveShort(s, c)
	} else if len(s.freeFullIdx) > 0 {
		m = e.carveFull(s, c)
	} else if s.shortFree {
		// Only the short slab is left and c may not use it: nothing is
		// carved, and s is returned to neither superslab list.
		return nil
	} else {
		return nil
	}

	e.repositionSuperslab(s)
	return m
}

func (e *Engine) carveShort(s *Superslab, c sizeclass.Class) *Metaslab {
	m := &s.slabs[0]
	m.class = c
	m.carved = true
	m.base = s.Base + e.cfg.PageSize()
	m.cellSize = e.classes.SizeOf(c)
	m.capacity = e.classes.CellsPerSlab(c, e.cfg.ShortSlabSize())
	m.used, m.bump, m.freeHead = 0, 0, 0
	s.shortFree = false
	return m
}

func (e *Engine) carveFull(s *Superslab, c sizeclass.Class) *Metaslab {
	n := len(s.freeFullIdx)
	idx := s.freeFullIdx[n-1]
	s.freeFullIdx = s.freeFullIdx[:n-1]

	m := &s.slabs[idx]
	m.class = c
	m.carved = true
	m.base = s.Base + uintptr(idx)*e.cfg.SlabSize()
	m.cellSize = e.classes.SizeOf(c)
	m.capacity = e.classes.CellsPerSlab(c, e.cfg.SlabSize())
	m.used, m.bump, m.freeHead = 0, 0, 0
	return m
}

// repositionSuperslab implements reposition_superslab: sync s's
// membership in super_available / super_only_short_available with its
// current status. Empty is unreachable from the carve path (carving
// only ever removes freeness) and is a fatal logic error.
func (e *Engine) repositionSuperslab(s *Superslab) {
	switch s.Status() {
	case Empty:
		panic(&Error{Op: "reposition_superslab", Message: "superslab reported Empty after a carve"})
	case Available:
		e.unlinkOnlyShort(s)
		e.pushAvailable(s)
	case OnlyShortSlabAvailable:
		e.unlinkAvailable(s)
		e.pushOnlyShort(s)
	case Full:
		e.unlinkAvailable(s)
		e.unlinkOnlyShort(s)
	}
}

// SmallAlloc implements small_alloc: serve a cell of sizeclass c from
// the head of its serving list, carving a fresh slab if none has room.
// allowReserve mirrors spec.md §4.8's NoReserve flag: when false, no
// new slab or superslab may be minted and the call only serves what
// existing slabs can still offer.
func (e *Engine) SmallAlloc(c sizeclass.Class, zero bool, allowReserve bool) uintptr {
	head := e.smallClasses[c]
	if head == nil {
		m := e.allocSlab(c, allowReserve)
		if m == nil {
			return 0
		}
		e.pushClassList(c, m)
		head = m
	}

	p := head.popCell()
	if p == 0 {
		return 0
	}
	e.Stats.Allocs.Add(1)

	if head.isFull() {
		e.popClassList(c)
	}

	if zero {
		b := unsafe.Slice((*byte)(unsafe.Pointer(p)), head.cellSize)
		for i := range b {
			b[i] = 0
		}
	}
	return p
}

// SmallDealloc implements small_dealloc: free p, which must belong to
// slab sizeclass c inside the superslab based at superBase.
func (e *Engine) SmallDealloc(superBase uintptr, p uintptr, c sizeclass.Class) Action {
	s, ok := e.supers.Get(superBase)
	if !ok {
		panic(&Error{Op: "small_dealloc", Message: "unknown superslab base"})
	}

	idx := int((p - s.Base) / e.cfg.SlabSize())
	m := &s.slabs[idx]

	wasFull := m.isFull()
	node := (*freeNode)(unsafe.Pointer(p))
	node.next = m.freeHead
	m.freeHead = p
	m.used--
	e.Stats.Deallocs.Add(1)

	if m.used > 0 {
		if wasFull {
			e.pushClassList(c, m)
			return ActionStatusChange
		}
		return ActionNone
	}

	// The slab's last live cell was just freed: return it to the
	// superslab's own free pool.
	if m.inList {
		e.removeFromClassList(c, m)
	}
	if idx == 0 {
		s.shortFree = true
	} else {
		s.freeFullIdx = append(s.freeFullIdx, idx)
	}
	*m = Metaslab{}

	if s.Status() == Empty {
		e.returnSuperslabToLarge(s)
	} else {
		e.repositionSuperslab(s)
	}
	return ActionSlabReturned
}

// returnSuperslabToLarge decommits (per policy), clears the pagemap
// entry, and releases a fully-empty superslab back to the
// large-allocator's class-0 free list.
func (e *Engine) returnSuperslabToLarge(s *Superslab) {
	e.unlinkAvailable(s)
	e.unlinkOnlyShort(s)
	e.supers.Delete(s.Base)
	e.pm.Set(s.Base, pagemap.NotOurs)

	if e.cfg.Decommit == config.DecommitSuper || e.cfg.Decommit == config.DecommitAll {
		page := e.cfg.PageSize()
		e.backend.NotifyNotUsing(s.Base+page, e.cfg.SuperslabSize()-page)
	}
	e.large.Dealloc(s.Base, 0)
}

// --- cell-level bump/free-list allocator ---

func (m *Metaslab) popCell() uintptr {
	if m.freeHead != 0 {
		p := m.freeHead
		m.freeHead = (*freeNode)(unsafe.Pointer(p)).next
		m.used++
		return p
	}
	if m.bump < m.capacity {
		p := m.base + uintptr(m.bump)*m.cellSize
		m.bump++
		m.used++
		return p
	}
	return 0
}

func (m *Metaslab) isFull() bool {
	return m.freeHead == 0 && m.bump >= m.capacity
}

// --- intrusive list helpers: super_available / super_only_short_available ---

func (e *Engine) pushAvailable(s *Superslab) {
	if s.inAvailable {
		return
	}
	s.prev, s.next = nil, e.superAvailable
	if e.superAvailable != nil {
		e.superAvailable.prev = s
	}
	e.superAvailable = s
	s.inAvailable = true
}

func (e *Engine) popAvailable() *Superslab {
	s := e.superAvailable
	if s == nil {
		return nil
	}
	e.unlinkAvailable(s)
	return s
}

func (e *Engine) unlinkAvailable(s *Superslab) {
	if !s.inAvailable {
		return
	}
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		e.superAvailable = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
	s.inAvailable = false
}

func (e *Engine) pushOnlyShort(s *Superslab) {
	if s.inOnlyShortList {
		return
	}
	s.prev, s.next = nil, e.superOnlyShort
	if e.superOnlyShort != nil {
		e.superOnlyShort.prev = s
	}
	e.superOnlyShort = s
	s.inOnlyShortList = true
}

func (e *Engine) popOnlyShort() *Superslab {
	s := e.superOnlyShort
	if s == nil {
		return nil
	}
	e.unlinkOnlyShort(s)
	return s
}

func (e *Engine) unlinkOnlyShort(s *Superslab) {
	if !s.inOnlyShortList {
		return
	}
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		e.superOnlyShort = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next = nil, nil
	s.inOnlyShortList = false
}

// --- per-class serving list: smallClasses[c] ---

func (e *Engine) pushClassList(c sizeclass.Class, m *Metaslab) {
	if m.inList {
		return
	}
	m.listNext = e.smallClasses[c]
	e.smallClasses[c] = m
	m.inList = true
}

func (e *Engine) popClassList(c sizeclass.Class) {
	head := e.smallClasses[c]
	if head == nil {
		return
	}
	e.smallClasses[c] = head.listNext
	head.listNext = nil
	head.inList = false
}

func (e *Engine) removeFromClassList(c sizeclass.Class, target *Metaslab) {
	head := e.smallClasses[c]
	if head == target {
		e.smallClasses[c] = head.listNext
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
