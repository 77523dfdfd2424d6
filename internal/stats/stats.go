// Package stats holds the atomic counters the allocator core and its
// providers accumulate, in the style of the teacher's MemoryTracker
// (atomic.Uint64 fields read without locking the rest of the struct).
// spec.md explicitly keeps a full statistics reporter out of scope
// (§1); this is just enough bookkeeping for the façade's Dump and for
// cmd/remallocbench to print a summary.
package stats

import "sync/atomic"

// Counters is a set of monotonically-increasing byte/operation
// counters, safe for concurrent use.
type Counters struct {
	BytesReserved atomic.Uint64
	BytesReleased atomic.Uint64
	Reservations  atomic.Uint64
	Releases      atomic.Uint64

	Allocs       atomic.Uint64
	Deallocs     atomic.Uint64
	RemotePosts  atomic.Uint64
	RemoteDrains atomic.Uint64

	// PagemapFaults counts failed ownership lookups (the pagemap has no
	// record of the address, or no superslab/mediumslab header is
	// registered for it), immediately before the caller aborts with an
	// invalid-free/invalid-address diagnostic.
	PagemapFaults atomic.Uint64
}

// Snapshot is a point-in-time copy of Counters for printing.
type Snapshot struct {
	BytesReserved uint64
	BytesReleased uint64
	Reservations  uint64
	Releases      uint64
	Allocs        uint64
	Deallocs      uint64
	RemotePosts   uint64
	RemoteDrains  uint64
	PagemapFaults uint64
}

// Load takes a consistent-enough snapshot (each field loaded
// independently; this is a diagnostics aid, not a transaction).
func (c *Counters) Load() Snapshot {
	return Snapshot{
		BytesReserved: c.BytesReserved.Load(),
		BytesReleased: c.BytesReleased.Load(),
		Reservations:  c.Reservations.Load(),
		Releases:      c.Releases.Load(),
		Allocs:        c.Allocs.Load(),
		Deallocs:      c.Deallocs.Load(),
		RemotePosts:   c.RemotePosts.Load(),
		RemoteDrains:  c.RemoteDrains.Load(),
		PagemapFaults: c.PagemapFaults.Load(),
	}
}

// Live returns BytesReserved - BytesReleased, the working set currently
// held by the provider backing these counters.
func (s Snapshot) Live() uint64 { return s.BytesReserved - s.BytesReleased }
