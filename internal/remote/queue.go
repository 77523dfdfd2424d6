// Package remote implements the cross-allocator free path: a
// single-consumer/multi-producer mailbox per allocator (Queue) and an
// outgoing fan-out buffer (Cache) that batches and redistributes
// remote frees to their owning allocators. See spec.md §4.7, §5.
package remote

import (
	"sync/atomic"
	"unsafe"
)

// Header is the sentinel overlay written into a freed object destined
// for another allocator: the intrusive queue link, the target
// allocator's identity, and the cached sizeclass needed to dispatch it
// on arrival without consulting the pagemap again.
type Header struct {
	Next   uintptr
	Target uint64
	Class  uint8
}

// StampHeader overlays a remote-free Header onto the first bytes of a
// freed cell at addr.
func StampHeader(addr uintptr, target uint64, class uint8) {
	h := (*Header)(unsafe.Pointer(addr))
	h.Next = 0
	h.Target = target
	h.Class = class
}

func headerAt(addr uintptr) *Header { return (*Header)(unsafe.Pointer(addr)) }

// Queue is a single-consumer, multi-producer intrusive linked mailbox.
// It always starts non-empty in structure: a stub sentinel guarantees
// head is never the zero address, so Dequeue never needs a special
// case for "never enqueued anything yet".
type Queue struct {
	stub Header
	tail atomic.Uintptr
	head uintptr // owned exclusively by the single consumer
}

// NewQueue constructs an empty mailbox.
func NewQueue() *Queue {
	q := &Queue{}
	stubAddr := uintptr(unsafe.Pointer(&q.stub))
	q.tail.Store(stubAddr)
	q.head = stubAddr
	return q
}

// Enqueue appends node (the address of a cell already stamped via
// StampHeader) to the mailbox. Safe for concurrent use by any number
// of producers; never called by the mailbox's own owner on itself.
//
// The append is a swap-tail followed by a release-store linking the
// former tail's next, exactly the two-step producer protocol spec.md
// §5 describes — the node is visible to the consumer only after the
// second step completes.
func (q *Queue) Enqueue(node uintptr) {
	prev := q.tail.Swap(node)
	atomic.StoreUintptr(&headerAt(prev).Next, node)
}

// IsEmpty is a non-blocking, consumer-side probe used to fast-path
// handle_message_queue.
func (q *Queue) IsEmpty() bool {
	return atomic.LoadUintptr(&headerAt(q.head).Next) == 0
}

// EnqueueChain appends an entire pre-linked chain [head..tail] in one
// swap, the batch form of Enqueue the posting algorithm uses to hand a
// whole outgoing bucket to its target mailbox without re-touching each
// node's link individually.
func (q *Queue) EnqueueChain(head, tail uintptr) {
	prev := q.tail.Swap(tail)
	atomic.StoreUintptr(&headerAt(prev).Next, head)
}

// Dequeue pops the oldest message, or reports ok=false if the mailbox
// is logically empty or the next producer's release-store has not yet
// become visible (indistinguishable from empty to the consumer, and
// harmless: it drains again on the next API entry).
func (q *Queue) Dequeue() (node uintptr, target uint64, class uint8, ok bool) {
	next := atomic.LoadUintptr(&headerAt(q.head).Next)
	if next == 0 {
		return 0, 0, 0, false
	}
	h := headerAt(next)
	target, class = h.Target, h.Class
	q.head = next
	return next, target, class, true
}
