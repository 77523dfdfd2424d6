// Package allocator implements the per-goroutine Allocator façade: the
// public alloc/dealloc surface that dispatches by size-class to the
// slab, mediumslab, and large-object engines, and drains its incoming
// remote-free mailbox on every entry. See spec.md §4.8, SPEC_FULL.md §4.
package allocator

import (
	"fmt"
	"unsafe"

	"github.com/heapwright/remalloc/internal/config"
	"github.com/heapwright/remalloc/internal/largealloc"
	"github.com/heapwright/remalloc/internal/mediumslab"
	"github.com/heapwright/remalloc/internal/pagemap"
	"github.com/heapwright/remalloc/internal/provider"
	"github.com/heapwright/remalloc/internal/remote"
	"github.com/heapwright/remalloc/internal/sizeclass"
	"github.com/heapwright/remalloc/internal/slab"
	"github.com/heapwright/remalloc/internal/stats"
)

// Error mirrors the corpus's typed AllocatorError for this package's
// fatal, invariant-violation paths (spec.md §7: invalid free, internal
// invariant violations abort with a diagnostic).
type Error struct {
	Op      string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("allocator error [%s]: %s", e.Op, e.Message)
}

// Allocator is the per-goroutine handle: callers must not share one
// instance across concurrently-running goroutines (spec.md §5), the
// same restriction the original design places on one allocator per OS
// thread.
type Allocator struct {
	id  uint64
	cfg *config.Config

	classes *sizeclass.Table
	pm      pagemap.Map
	backend provider.Backend

	large  *largealloc.Large
	small  *slab.Engine
	medium *mediumslab.Engine

	mailbox  *remote.Queue
	outgoing *remote.Cache

	Stats stats.Counters
}

// New constructs an Allocator identified by id, sharing classes, pm,
// and backend with every other allocator drawn from the same Pool (the
// pagemap must be shared for cross-allocator pointer resolution to
// work at all). superslabs and mediumslabs must likewise be shared:
// resolving a remote free's owner means reading a header a different
// Allocator's engine carved.
func New(cfg *config.Config, classes *sizeclass.Table, pm pagemap.Map, backend provider.Backend, id uint64, superslabs *slab.Registry, mediumslabs *mediumslab.Registry) *Allocator {
	large := largealloc.New(cfg, backend, cfg.NumLargeClasses())
	mailbox := remote.NewQueue()
	owner := remote.Owner{ID: id, Mailbox: mailbox}

	return &Allocator{
		id:       id,
		cfg:      cfg,
		classes:  classes,
		pm:       pm,
		backend:  backend,
		large:    large,
		small:    slab.New(cfg, classes, pm, large, backend, owner, superslabs),
		medium:   mediumslab.New(cfg, classes, pm, large, backend, owner, mediumslabs),
		mailbox:  mailbox,
		outgoing: remote.New(cfg, id),
	}
}

// ID reports this allocator's stable identity, the value stamped into
// remote-free headers and superslab/mediumslab owner records.
func (a *Allocator) ID() uint64 { return a.id }

// Dump reports a point-in-time snapshot of this allocator's operation
// counters, for cmd/remallocbench's summary printout.
func (a *Allocator) Dump() stats.Snapshot { return a.Stats.Load() }

// DrainMailbox applies every remote free already visible in this
// allocator's incoming mailbox. Every other public method already does
// this on entry; this is for callers (cmd/remallocbench, graceful
// shutdown) that want a final drain without performing an alloc or
// dealloc alongside it.
func (a *Allocator) DrainMailbox() { a.drainMailbox() }

// Flush forces the outgoing remote cache to post immediately,
// regardless of whether it has crossed RemoteCache's byte threshold —
// useful when a goroutine is about to exit and any frees it has queued
// for other allocators must not wait for the threshold to be crossed by
// someone else's traffic.
func (a *Allocator) Flush() { a.outgoing.Post(a.resolve) }

// Mailbox exposes the incoming queue so a Pool can hand it to a
// resolver or let other allocators address this one directly in
// tests; production code never needs this beyond owner headers, which
// already carry it.
func (a *Allocator) Mailbox() *remote.Queue { return a.mailbox }

// Alloc implements alloc/alloc<size>, collapsed into one runtime path
// per SPEC_FULL.md §9 (Go has no zero-cost const-generic dispatch to
// preserve the original's compile-time/runtime split). size must be
// non-zero; zero asks for a one-byte allocation rather than invoking
// undefined behaviour. allowReserve=false forbids growing address
// space and may return 0 instead of reserving fresh memory.
func (a *Allocator) Alloc(size uintptr, zero bool, allowReserve bool) uintptr {
	a.drainMailbox()

	if size == 0 {
		size = 1
	}

	c := a.classes.Of(size)
	var p uintptr
	switch {
	case c == a.classes.Large():
		p = a.allocLarge(size, zero, allowReserve)
	case a.classes.IsSmall(c):
		p = a.small.SmallAlloc(c, zero, allowReserve)
	default:
		p = a.medium.Alloc(c, zero, allowReserve)
	}

	if p != 0 {
		a.Stats.Allocs.Add(1)
	}
	return p
}

func (a *Allocator) allocLarge(size uintptr, zero bool, allowReserve bool) uintptr {
	c, classSize := largeClassFor(a.cfg, size)

	p := a.large.Alloc(c, allowReserve)
	if p == 0 {
		return 0
	}
	pagemap.SetLargeSize(a.pm, a.cfg.SuperslabBits, p, classSize)

	if zero {
		// A block served fresh from the provider is already
		// zero-initialised; one taken off the free list may carry a
		// previous life's bytes, since the provider only promises zero
		// on first physical touch.
		b := unsafe.Slice((*byte)(unsafe.Pointer(p)), classSize)
		for i := range b {
			b[i] = 0
		}
	}
	return p
}

// largeClassFor returns the smallest large-class c (and its exact
// byte size) that can hold size bytes.
func largeClassFor(cfg *config.Config, size uintptr) (int, uintptr) {
	c := 0
	classSize := cfg.SuperslabSize()
	for classSize < size {
		classSize <<= 1
		c++
	}
	return c, classSize
}

// Dealloc implements dealloc(p): the pagemap-consulting form, which
// also subsumes dealloc(p, size)/dealloc<size>(p) per the same
// collapse-to-one-runtime-path decision Alloc makes — recovering size
// from the pagemap costs one lookup the engines need to do regardless
// of whether the caller already knows it. Draining the mailbox first
// is required on every public entry (spec.md §4.7).
func (a *Allocator) Dealloc(p uintptr) {
	a.drainMailbox()
	if p == 0 {
		return
	}

	base := a.superslabBase(p)
	switch a.pm.Get(base) {
	case pagemap.Superslab:
		s, ok := a.small.Superslab(base)
		if !ok {
			a.Stats.PagemapFaults.Add(1)
			panic(&Error{Op: "dealloc", Message: "invalid free: superslab not tracked by this allocator family"})
		}
		m := s.SlabAt(p, a.cfg.SlabSize())
		if !m.Carved() {
			panic(&Error{Op: "dealloc", Message: "invalid free: address falls in an uncarved slab"})
		}
		cellBase := m.CellBase(p)
		if a.cfg.SafeClient && p != cellBase {
			panic(&Error{Op: "dealloc", Message: "not deallocating start of an object"})
		}
		c := m.Class()
		if s.Owner.ID == a.id {
			a.small.SmallDealloc(base, cellBase, c)
		} else {
			a.outgoing.Add(cellBase, s.Owner.ID, uint8(c), a.classes.SizeOf(c), a.resolve)
		}

	case pagemap.Mediumslab:
		s, ok := a.medium.Slab(base)
		if !ok {
			a.Stats.PagemapFaults.Add(1)
			panic(&Error{Op: "dealloc", Message: "invalid free: mediumslab not tracked by this allocator family"})
		}
		cellBase := s.CellBase(p)
		if a.cfg.SafeClient && p != cellBase {
			panic(&Error{Op: "dealloc", Message: "not deallocating start of an object"})
		}
		c := s.Class()
		if s.Owner.ID == a.id {
			a.medium.Dealloc(base, cellBase, c)
		} else {
			a.outgoing.Add(cellBase, s.Owner.ID, uint8(c), a.classes.SizeOf(c), a.resolve)
		}

	default:
		head, k, ok := pagemap.Head(a.pm, base)
		if !ok {
			a.Stats.PagemapFaults.Add(1)
			panic(&Error{Op: "dealloc", Message: "invalid free: address not owned by this allocator family"})
		}
		if a.cfg.SafeClient && p != head {
			panic(&Error{Op: "dealloc", Message: "not deallocating start of an object"})
		}
		c := int(k - a.cfg.SuperslabBits)
		pagemap.ClearLargeSize(a.pm, a.cfg.SuperslabBits, head, uintptr(1)<<k)
		a.large.Dealloc(head, c)
	}

	a.Stats.Deallocs.Add(1)
}

// ExternalPointerStart implements external_pointer<Start>: the first
// byte of the live allocation containing p, or 0 if p is unknown.
func (a *Allocator) ExternalPointerStart(p uintptr) uintptr {
	a.drainMailbox()
	base, cellBase, _, ok := a.resolveCell(p)
	if !ok {
		head, _, ok := pagemap.Head(a.pm, base)
		if !ok {
			return 0
		}
		return head
	}
	return cellBase
}

// ExternalPointerEnd implements external_pointer<End>: the last byte
// of the live allocation containing p, or ^uintptr(0) if unknown.
func (a *Allocator) ExternalPointerEnd(p uintptr) uintptr {
	a.drainMailbox()
	base, cellBase, cellSize, ok := a.resolveCell(p)
	if !ok {
		head, k, ok := pagemap.Head(a.pm, base)
		if !ok {
			return ^uintptr(0)
		}
		return head + (uintptr(1) << k) - 1
	}
	return cellBase + cellSize - 1
}

// AllocSize implements alloc_size(p): the allocated cell size for a
// pointer known to the allocator; fatal if the pagemap says 0.
func (a *Allocator) AllocSize(p uintptr) uintptr {
	a.drainMailbox()
	base, _, cellSize, ok := a.resolveCell(p)
	if ok {
		return cellSize
	}

	head, k, ok := pagemap.Head(a.pm, base)
	if !ok {
		a.Stats.PagemapFaults.Add(1)
		panic(&Error{Op: "alloc_size", Message: "address not owned by this allocator family"})
	}
	_ = head
	return uintptr(1) << k
}

// resolveCell resolves p to its containing small/medium cell, if any.
// ok is false (and base is still valid to feed into pagemap.Head) when
// p is not inside a tracked superslab/mediumslab — either a large
// allocation or genuinely unknown.
func (a *Allocator) resolveCell(p uintptr) (base, cellBase, cellSize uintptr, ok bool) {
	base = a.superslabBase(p)
	switch a.pm.Get(base) {
	case pagemap.Superslab:
		s, found := a.small.Superslab(base)
		if !found {
			return base, 0, 0, false
		}
		m := s.SlabAt(p, a.cfg.SlabSize())
		if !m.Carved() {
			return base, 0, 0, false
		}
		return base, m.CellBase(p), m.CellSize(), true
	case pagemap.Mediumslab:
		s, found := a.medium.Slab(base)
		if !found {
			return base, 0, 0, false
		}
		return base, s.CellBase(p), s.CellSize(), true
	default:
		return base, 0, 0, false
	}
}

func (a *Allocator) superslabBase(p uintptr) uintptr {
	return p &^ (a.cfg.SuperslabSize() - 1)
}

// drainMailbox implements handle_message_queue: fast-pathed by a
// non-blocking IsEmpty probe, pops up to RemoteBatch entries, dispatches
// self-addressed nodes to the local small/medium dealloc path and
// forwards foreign ones into the outgoing cache, then posts again if
// the outgoing cache has grown past threshold.
func (a *Allocator) drainMailbox() {
	if a.mailbox.IsEmpty() {
		return
	}

	for i := 0; i < a.cfg.RemoteBatch; i++ {
		node, target, class, ok := a.mailbox.Dequeue()
		if !ok {
			break
		}
		a.Stats.RemoteDrains.Add(1)

		if target == a.id {
			a.dispatchLocal(node, sizeclass.Class(class))
		} else {
			size := a.classes.SizeOf(sizeclass.Class(class))
			a.outgoing.Add(node, target, class, size, a.resolve)
		}
	}

	if a.outgoing.Size() >= a.cfg.RemoteCache {
		a.outgoing.Post(a.resolve)
		a.Stats.RemotePosts.Add(1)
	}
}

// dispatchLocal frees a node a remote producer stamped as ours: a node
// that survived stamping and transit must still resolve to a live
// superslab or mediumslab this allocator owns, or the ownership
// invariant has been violated.
func (a *Allocator) dispatchLocal(p uintptr, c sizeclass.Class) {
	base := a.superslabBase(p)
	switch a.pm.Get(base) {
	case pagemap.Superslab:
		a.small.SmallDealloc(base, p, c)
	case pagemap.Mediumslab:
		a.medium.Dealloc(base, p, c)
	default:
		panic(&Error{Op: "handle_message_queue", Message: "remote-freed node resolved to neither a superslab nor a mediumslab"})
	}
}

// resolve implements remote.Resolver: recover the owning allocator of
// addr by walking the pagemap to its containing superslab or
// mediumslab and reading the owner header stamped there at carve time.
func (a *Allocator) resolve(addr uintptr) (remote.Owner, bool) {
	base := a.superslabBase(addr)
	switch a.pm.Get(base) {
	case pagemap.Superslab:
		s, ok := a.small.Superslab(base)
		if !ok {
			return remote.Owner{}, false
		}
		return s.Owner, true
	case pagemap.Mediumslab:
		s, ok := a.medium.Slab(base)
		if !ok {
			return remote.Owner{}, false
		}
		return s.Owner, true
	default:
		return remote.Owner{}, false
	}
}
