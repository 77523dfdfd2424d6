package remote

import (
	"github.com/heapwright/remalloc/internal/config"
)

// Resolver recovers the owning allocator of addr — in production this
// walks the pagemap to the containing superslab or mediumslab and
// reads its owner header; see SPEC_FULL.md §4.9.
type Resolver func(addr uintptr) (Owner, bool)

// bucket is one REMOTE_SLOTS-indexed chain of not-yet-posted messages.
type bucket struct {
	head, tail uintptr
	count      int
}

func (b *bucket) push(node uintptr) {
	if b.head == 0 {
		b.head = node
	} else {
		headerAt(b.tail).Next = node
	}
	b.tail = node
	b.count++
}

func (b *bucket) snapshot() (head, tail uintptr, count int) {
	head, tail, count = b.head, b.tail, b.count
	*b = bucket{}
	return
}

// Cache is the outgoing remote-free buffer owned by one allocator: an
// array of REMOTE_SLOTS singly-linked chains plus a running byte
// count, posted to target mailboxes once the count crosses
// REMOTE_CACHE (spec.md §4.7).
//
// shift is the bit offset every bucket's contents are currently keyed
// by (bucket i holds nodes whose target has (target>>shift)&mask ==
// i). Post advances it while redistributing its own slot and resets it
// to 0 once every bucket is empty, so each post starts from the lowest
// bits. Two different targets can still collide at a given shift, so
// a flushed bucket may need separating by more than one resolved
// mailbox, which Post does before handing each group off in one batch.
type Cache struct {
	selfID    uint64
	mask      uint64
	slotBits  uint
	threshold uint64

	shift   uint
	buckets []bucket
	size    uint64
}

// New constructs an empty outgoing cache for the allocator identified
// by selfID.
func New(cfg *config.Config, selfID uint64) *Cache {
	return &Cache{
		selfID:    selfID,
		mask:      cfg.RemoteMask(),
		slotBits:  cfg.RemoteSlotBits,
		threshold: cfg.RemoteCache,
		buckets:   make([]bucket, cfg.RemoteSlots()),
	}
}

// Add stamps addr with a remote-free header targeting target, appends
// it to its bucket, and posts the cache if the byte threshold has been
// crossed.
func (c *Cache) Add(addr uintptr, target uint64, class uint8, objSize uintptr, resolve Resolver) {
	StampHeader(addr, target, class)
	c.buckets[(target>>c.shift)&c.mask].push(addr)
	c.size += uint64(objSize)

	if c.size >= c.threshold {
		c.Post(resolve)
	}
}

// Size reports the current outgoing byte total, for the façade to
// decide whether to post again after a drain.
func (c *Cache) Size() uint64 { return c.size }

// Post runs the shift-based fan-out algorithm (spec.md §4.7): flush
// every foreign bucket to its resolved target mailbox (grouping by
// resolved owner, since a bucket may still mix more than one target at
// the current shift), then keep re-bucketing this allocator's own slot
// by increasingly significant bits of each message's target until that
// slot empties out.
func (c *Cache) Post(resolve Resolver) {
	// Every byte counted toward the threshold is about to be flushed or
	// folded back into our own slot's redistribution; either way it no
	// longer counts as pending, so the threshold clock resets here.
	c.size = 0

	for {
		mySlot := (c.selfID >> c.shift) & c.mask

		for i := range c.buckets {
			if uint64(i) == mySlot {
				continue
			}
			head, _, _ := c.buckets[i].snapshot()
			if head == 0 {
				continue
			}
			flushChain(head, resolve)
		}

		mine := &c.buckets[mySlot]
		if mine.head == 0 {
			c.shift = 0
			return
		}

		head, _, _ := mine.snapshot()
		c.shift += c.slotBits
		for node := head; node != 0; {
			next := headerAt(node).Next
			headerAt(node).Next = 0
			slot := (headerAt(node).Target >> c.shift) & c.mask
			c.buckets[slot].push(node)
			node = next
		}
	}
}

// flushChain walks a bucket's chain, groups consecutive runs bound for
// the same resolved mailbox, and hands each run off with one
// EnqueueChain call.
func flushChain(head uintptr, resolve Resolver) {
	for head != 0 {
		owner, ok := resolve(head)
		if !ok {
			// Target's owning region vanished (should not happen under
			// the ownership invariant); drop rather than leak into an
			// unreachable mailbox.
			head = headerAt(head).Next
			continue
		}

		runHead, runTail := head, head
		node := headerAt(head).Next
		for node != 0 {
			o, ok := resolve(node)
			if !ok || o.Mailbox != owner.Mailbox {
				break
			}
			runTail = node
			node = headerAt(node).Next
		}

		next := headerAt(runTail).Next
		headerAt(runTail).Next = 0
		owner.Mailbox.EnqueueChain(runHead, runTail)
		head = next
	}
}
