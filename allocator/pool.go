package allocator

import (
	"sync"
	"sync/atomic"

	"github.com/heapwright/remalloc/internal/config"
	"github.com/heapwright/remalloc/internal/mediumslab"
	"github.com/heapwright/remalloc/internal/pagemap"
	"github.com/heapwright/remalloc/internal/provider"
	"github.com/heapwright/remalloc/internal/remote"
	"github.com/heapwright/remalloc/internal/sizeclass"
	"github.com/heapwright/remalloc/internal/slab"
)

// Pool is the minimal, in-package stand-in for the external "allocator
// pool" collaborator spec.md §1/§6 treats as out of scope
// (SPEC_FULL.md §4.9): it mints alloc_ids, builds Allocators that share
// one size-class table, pagemap, and memory provider, and keeps a
// lookup table from id to mailbox purely for tests and
// cmd/remallocbench to hand allocators to goroutines. It sits outside
// the core's cross-allocator dispatch path entirely — that path
// resolves mailboxes through ownership headers (internal/remote.Owner),
// never through this registry.
type Pool struct {
	cfg     *config.Config
	classes *sizeclass.Table
	pm      pagemap.Map
	backend provider.Backend

	superslabs  *slab.Registry
	mediumslabs *mediumslab.Registry

	nextID    atomic.Uint64
	mailboxes sync.Map // uint64 -> *remote.Queue
}

// NewPool builds a Pool whose Allocators share one pagemap, provider
// backend, and superslab/mediumslab registries — the minimum required
// for remote frees between them to resolve correctly.
func NewPool(cfg *config.Config, backend provider.Backend) *Pool {
	return &Pool{
		cfg:         cfg,
		classes:     sizeclass.New(cfg),
		pm:          pagemap.NewSparse(cfg.SuperslabBits),
		backend:     backend,
		superslabs:  slab.NewRegistry(),
		mediumslabs: mediumslab.NewRegistry(),
	}
}

// New mints a fresh Allocator with a unique, non-zero id.
func (p *Pool) New() *Allocator {
	id := p.nextID.Add(1)
	a := New(p.cfg, p.classes, p.pm, p.backend, id, p.superslabs, p.mediumslabs)
	p.mailboxes.Store(id, a.Mailbox())
	return a
}

// Mailbox looks up a previously-minted allocator's incoming queue by
// id, for tests that want to address one allocator from another
// without threading the *Allocator value itself around.
func (p *Pool) Mailbox(id uint64) (*remote.Queue, bool) {
	v, ok := p.mailboxes.Load(id)
	if !ok {
		return nil, false
	}
	return v.(*remote.Queue), true
}
