package vmm

// AreaFlag describes the access rights of an address-space area.
type AreaFlag uint8

const (
	// AreaRead allows loads from the area.
	AreaRead AreaFlag = 1 << iota

	// AreaWrite allows stores to the area.
	AreaWrite

	// AreaExec allows instruction fetches from the area.
	AreaExec

	// AreaCacheable allows the area's pages to be cached. Device-backed
	// areas clear it.
	AreaCacheable
)

// Access names the kind of memory access that raised a fault.
type Access uint8

const (
	AccessRead Access = iota
	AccessWrite
	AccessExec
)

// allows reports whether an access of the given kind is permitted by the
// area's flags.
func (f AreaFlag) allows(access Access) bool {
	switch access {
	case AccessRead:
		return f&AreaRead != 0
	case AccessWrite:
		return f&AreaWrite != 0
	case AccessExec:
		return f&AreaExec != 0
	}
	return false
}

// Area is a contiguous virtual range [base, base+size) with uniform access
// flags and a single pager backend. Pages become resident on demand as the
// backend services faults; the used-space set tracks the resident subset.
type Area struct {
	base uintptr
	size uintptr

	flags AreaFlag

	backend Backend

	// backendData holds two opaque slots interpreted by the backend: the
	// image backend stores its image and segment descriptors here.
	backendData [2]interface{}

	used usedSpace

	// as points back to the owning address space; the area borrows this
	// reference and never outlives it.
	as *AddressSpace
}

// Base returns the first virtual address covered by the area.
func (a *Area) Base() uintptr { return a.base }

// Size returns the length of the area in bytes.
func (a *Area) Size() uintptr { return a.size }

// Flags returns the area's access flags.
func (a *Area) Flags() AreaFlag { return a.flags }

// ResidentPages returns the number of pages currently backed by a frame.
func (a *Area) ResidentPages() int { return a.used.pageCount() }

// contains reports whether addr falls inside the area.
func (a *Area) contains(addr uintptr) bool {
	return addr >= a.base && addr < a.base+a.size
}

// PTEFlags translates the area's access flags into the page-table entry
// flags its resident pages are installed with.
func (a *Area) PTEFlags() PageTableEntryFlag {
	flags := FlagPresent | FlagUserAccessible

	if a.flags&AreaWrite != 0 {
		flags |= FlagRW
	}
	if a.flags&AreaExec == 0 {
		flags |= FlagNoExecute
	}
	if a.flags&AreaCacheable == 0 {
		flags |= FlagDoNotCache
	}

	return flags
}
