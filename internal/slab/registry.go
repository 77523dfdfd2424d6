package slab

import "sync"

// Registry maps a superslab's base address to its header, shared by
// every Engine drawn from the same pool. A superslab's owning Engine is
// the only writer for a given base — carving and returning always run
// on the owner's own goroutine — but any allocator's Dealloc/resolve
// path may need to read another allocator's header to find its owner,
// so lookups must be safe to race against a different key's insert or
// delete. This stands in for the original design's superslab header
// living in addressable memory, reachable by any thread holding a raw
// pointer into it, the same role internal/provider.Heap's side table
// plays for GC-invisible backing memory.
type Registry struct {
	mu sync.RWMutex
	m  map[uintptr]*Superslab
}

// NewRegistry builds an empty, ready-to-share Registry.
func NewRegistry() *Registry {
	return &Registry{m: make(map[uintptr]*Superslab)}
}

// Get looks up the superslab header based at base, if any.
func (r *Registry) Get(base uintptr) (*Superslab, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.m[base]
	return s, ok
}

// Set publishes s under its own base, making it visible to every
// Engine sharing this Registry.
func (r *Registry) Set(base uintptr, s *Superslab) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.m[base] = s
}

// Delete removes base's entry once its superslab has been returned to
// the large-allocator.
func (r *Registry) Delete(base uintptr) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.m, base)
}
