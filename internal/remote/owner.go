package remote

// Owner identifies an allocator from a superslab or mediumslab header:
// an identity for self/target comparison, plus a direct reference to
// the owning allocator's mailbox. Resolving a remote target this way —
// straight from the owning region's header — avoids needing a global
// alloc_id-to-allocator registry; see SPEC_FULL.md §4.9.
type Owner struct {
	ID      uint64
	Mailbox *Queue
}
