// Package config holds the compile-time-flag equivalents the allocator
// core observes: address-space geometry, size-class partitioning, the
// remote-cache fan-out, and the decommit/safety policy knobs.
package config

// DecommitStrategy controls when freed memory is hinted back to the OS.
type DecommitStrategy int

const (
	// DecommitNone never calls back into the memory provider on free.
	DecommitNone DecommitStrategy = iota
	// DecommitSuper decommits empty superslabs and mediumslabs only.
	DecommitSuper
	// DecommitAll additionally decommits the tail of freed large blocks.
	DecommitAll
)

func (d DecommitStrategy) String() string {
	switch d {
	case DecommitNone:
		return "none"
	case DecommitSuper:
		return "super"
	case DecommitAll:
		return "all"
	default:
		return "unknown"
	}
}

// Config is the full set of tunables the allocator core reads. It plays
// the role the original design gives to compile-time constants; here it
// is an ordinary struct so tests can exercise more than one geometry.
type Config struct {
	// SuperslabBits is log2(SUPERSLAB_SIZE). Default 24 (16 MiB).
	SuperslabBits uint
	// SlabBits is log2(SLAB_SIZE). Default 16 (64 KiB).
	SlabBits uint
	// PageBits is log2(OS_PAGE_SIZE). Default 12 (4 KiB).
	PageBits uint

	// NumSizeClasses is the total number of small+medium size-classes.
	NumSizeClasses int
	// NumSmallClasses is the prefix of NumSizeClasses backed by slabs
	// rather than mediumslabs.
	NumSmallClasses int

	// RemoteSlotBits sizes the outgoing cache's bucket fan-out;
	// RemoteSlots = 1 << RemoteSlotBits, RemoteMask = RemoteSlots - 1.
	RemoteSlotBits uint
	// RemoteCache is the byte threshold that triggers a post.
	RemoteCache uint64
	// RemoteBatch caps messages drained per handle_message_queue call.
	RemoteBatch int

	// Decommit selects the eager-return-to-OS policy.
	Decommit DecommitStrategy
	// SafeClient enables "must be start of object" dealloc checks.
	SafeClient bool
}

// DefaultConfig returns the module's default geometry, matching
// SPEC_FULL.md §6 exactly.
func DefaultConfig() *Config {
	return &Config{
		SuperslabBits:   24,
		SlabBits:        16,
		PageBits:        12,
		NumSizeClasses:  64,
		NumSmallClasses: 48,
		RemoteSlotBits:  4,
		RemoteCache:     1 << 20,
		RemoteBatch:     64,
		Decommit:        DecommitSuper,
		SafeClient:      true,
	}
}

// SuperslabSize returns 1 << SuperslabBits.
func (c *Config) SuperslabSize() uintptr { return uintptr(1) << c.SuperslabBits }

// SlabSize returns 1 << SlabBits.
func (c *Config) SlabSize() uintptr { return uintptr(1) << c.SlabBits }

// PageSize returns 1 << PageBits.
func (c *Config) PageSize() uintptr { return uintptr(1) << c.PageBits }

// SlabsPerSuperslab is the number of fixed-size slab-sized spans a
// superslab is carved into, including the short slab.
func (c *Config) SlabsPerSuperslab() int {
	return int(c.SuperslabSize() / c.SlabSize())
}

// RemoteSlots returns 1 << RemoteSlotBits.
func (c *Config) RemoteSlots() int { return 1 << c.RemoteSlotBits }

// RemoteMask returns RemoteSlots - 1.
func (c *Config) RemoteMask() uint64 { return uint64(c.RemoteSlots() - 1) }

// NumMediumClasses is the size-class table's medium-class tail.
func (c *Config) NumMediumClasses() int { return c.NumSizeClasses - c.NumSmallClasses }

// NumLargeClasses returns enough power-of-two large classes above
// SuperslabSize to cover the full uintptr address range, so the
// large-allocator never needs to reject a class as out of range for
// any size an Alloc call could legitimately round up to.
func (c *Config) NumLargeClasses() int {
	bits := int(64 - c.SuperslabBits)
	if bits < 1 {
		bits = 1
	}
	return bits
}

// ShortSlabSize is the usable span of a superslab's first ("short")
// slab: one page less than a full slab, since that page is where the
// superslab header and metaslab table live.
func (c *Config) ShortSlabSize() uintptr { return c.SlabSize() - c.PageSize() }
