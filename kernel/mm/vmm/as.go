package vmm

import (
	"sync/atomic"

	"orrery/kernel"
	"orrery/kernel/mm"
	"orrery/kernel/mm/tlb"
	"orrery/kernel/sync"
)

var (
	errAreaUnaligned = &kernel.Error{Module: "vmm", Message: "area base and size must be page-aligned", Kind: kernel.KindInvalid}
	errAreaOverlap   = &kernel.Error{Module: "vmm", Message: "area overlaps an existing area", Kind: kernel.KindInvalid}
	errAreaNotFound  = &kernel.Error{Module: "vmm", Message: "no area registered at this base address", Kind: kernel.KindInvalid}
	errFaultNoArea   = &kernel.Error{Module: "vmm", Message: "fault address not covered by any area", Kind: kernel.KindPageFault}
	errFaultAccess   = &kernel.Error{Module: "vmm", Message: "access kind not permitted by area flags", Kind: kernel.KindPageFault}

	// CurrentCPU reports the ID of the CPU executing the caller, used to
	// exclude the initiator from its own TLB shootdowns. The scheduler
	// replaces it once per-CPU identities exist; early boot runs on CPU 0.
	CurrentCPU = func() int { return 0 }
)

// AddressSpace owns an ordered set of non-overlapping areas and the page
// table their resident pages are installed in. Tasks share an address space
// through its reference count; the space is destroyed when the last
// reference is dropped.
type AddressSpace struct {
	lock *sync.Mutex

	mapper Mapper

	// areas is kept sorted by base address.
	areas []*Area

	asid mm.ASID

	refs int32

	sd *tlb.Shootdown
}

// NewAddressSpace returns an empty address space installing its pages
// through mapper and broadcasting its unmaps through sd. The ASID is
// assigned lazily on the first mapping install.
func NewAddressSpace(mapper Mapper, sd *tlb.Shootdown) *AddressSpace {
	return &AddressSpace{
		lock:   sync.NewMutex(),
		mapper: mapper,
		sd:     sd,
	}
}

// Get adds a reference to the address space.
func (as *AddressSpace) Get() {
	atomic.AddInt32(&as.refs, 1)
}

// Put drops a reference; the last Put destroys the space.
func (as *AddressSpace) Put() {
	if atomic.AddInt32(&as.refs, -1) == 0 {
		as.Destroy()
	}
}

// Refs returns the current reference count.
func (as *AddressSpace) Refs() int32 {
	return atomic.LoadInt32(&as.refs)
}

// ASID returns the space's TLB tag, or mm.ASIDInvalid before the first
// mapping install.
func (as *AddressSpace) ASID() mm.ASID {
	as.lock.Lock()
	defer as.lock.Unlock()
	return as.asid
}

// Mapper exposes the page table implementation, mainly so tests can verify
// the mapping/used-space invariant.
func (as *AddressSpace) Mapper() Mapper { return as.mapper }

// CreateArea registers the virtual range [base, base+size) with the given
// access flags and pager backend. Base and size must be page-aligned and the
// range must not overlap any existing area.
func (as *AddressSpace) CreateArea(flags AreaFlag, size, base uintptr, backend Backend, backendData [2]interface{}) (*Area, *kernel.Error) {
	if size == 0 || base&(mm.PageSize-1) != 0 || size&(mm.PageSize-1) != 0 {
		return nil, errAreaUnaligned
	}

	as.lock.Lock()
	defer as.lock.Unlock()

	// Locate the insertion point and check both neighbors for overlap.
	index := len(as.areas)
	for i, area := range as.areas {
		if base < area.base {
			index = i
			break
		}
	}
	if index > 0 {
		prev := as.areas[index-1]
		if prev.base+prev.size > base {
			return nil, errAreaOverlap
		}
	}
	if index < len(as.areas) && base+size > as.areas[index].base {
		return nil, errAreaOverlap
	}

	area := &Area{
		base:        base,
		size:        size,
		flags:       flags,
		backend:     backend,
		backendData: backendData,
		as:          as,
	}

	as.areas = append(as.areas, nil)
	copy(as.areas[index+1:], as.areas[index:])
	as.areas[index] = area

	return area, nil
}

// DestroyArea tears down the area starting at base: every resident frame is
// released through the backend, its mapping removed and the invalidation
// broadcast to the other CPUs in a single shootdown.
func (as *AddressSpace) DestroyArea(base uintptr) *kernel.Error {
	as.lock.Lock()
	defer as.lock.Unlock()
	return as.destroyAreaLocked(base)
}

func (as *AddressSpace) destroyAreaLocked(base uintptr) *kernel.Error {
	index := -1
	for i, area := range as.areas {
		if area.base == base {
			index = i
			break
		}
	}
	if index < 0 {
		return errAreaNotFound
	}

	area := as.areas[index]
	as.shootdownRange(mm.PageFromAddress(area.base), int(area.size>>mm.PageShift), func() {
		area.used.visit(func(page mm.Page) bool {
			if pte, ok := as.mapper.Find(page); ok {
				area.backend.FrameFree(area, page, pte.Frame)
				_ = as.mapper.Remove(page)
			}
			return true
		})
	})

	area.used = usedSpace{}
	as.areas = append(as.areas[:index], as.areas[index+1:]...)
	return nil
}

// ResizeArea grows or shrinks the area starting at base. Growing fails if
// the extended range would collide with the next area; shrinking releases
// the frames of every resident page beyond the new end.
func (as *AddressSpace) ResizeArea(base, newSize uintptr) *kernel.Error {
	if newSize == 0 || newSize&(mm.PageSize-1) != 0 {
		return errAreaUnaligned
	}

	as.lock.Lock()
	defer as.lock.Unlock()

	index := -1
	for i, area := range as.areas {
		if area.base == base {
			index = i
			break
		}
	}
	if index < 0 {
		return errAreaNotFound
	}
	area := as.areas[index]

	if newSize > area.size {
		if index+1 < len(as.areas) && base+newSize > as.areas[index+1].base {
			return errAreaOverlap
		}
		area.size = newSize
		return nil
	}

	firstGone := mm.PageFromAddress(base + newSize)
	goneCount := int((area.size - newSize) >> mm.PageShift)

	as.shootdownRange(firstGone, goneCount, func() {
		var doomed []mm.Page
		area.used.visit(func(page mm.Page) bool {
			if page >= firstGone {
				doomed = append(doomed, page)
			}
			return true
		})
		for _, page := range doomed {
			if pte, ok := as.mapper.Find(page); ok {
				area.backend.FrameFree(area, page, pte.Frame)
				_ = as.mapper.Remove(page)
			}
			area.used.remove(page)
		}
	})

	area.size = newSize
	return nil
}

// Destroy tears down every area and releases the ASID. It is normally
// reached through the last Put.
func (as *AddressSpace) Destroy() {
	as.lock.Lock()
	defer as.lock.Unlock()

	for len(as.areas) > 0 {
		_ = as.destroyAreaLocked(as.areas[0].base)
	}

	asids.free(as.asid)
	as.asid = mm.ASIDInvalid
}

// HandleFault services a page fault at addr raised by an access of the given
// kind. The fault is satisfiable when an area covers addr, the area's flags
// permit the access and the area's backend can materialize the page; any
// other outcome is reported as a page-fault error for the trap handler to
// escalate.
func (as *AddressSpace) HandleFault(addr uintptr, access Access) *kernel.Error {
	as.lock.Lock()
	defer as.lock.Unlock()

	area := as.areaFor(addr)
	if area == nil {
		return errFaultNoArea
	}
	if !area.flags.allows(access) {
		return errFaultAccess
	}

	page := mm.PageFromAddress(addr)
	if area.used.contains(page) {
		// Another thread faulted the same page in while we waited for
		// the lock; the mapping is already in place.
		return nil
	}

	if err := area.backend.PageFault(area, addr); err != nil {
		return err
	}

	if !area.used.insert(page) {
		return &kernel.Error{Module: "vmm", Message: "used-space insert failed for freshly faulted page", Kind: kernel.KindFatal}
	}

	return nil
}

// AreaFor returns the area covering addr, or nil.
func (as *AddressSpace) AreaFor(addr uintptr) *Area {
	as.lock.Lock()
	defer as.lock.Unlock()
	return as.areaFor(addr)
}

// areaFor performs a binary search over the sorted area list. Must be called
// with the lock held.
func (as *AddressSpace) areaFor(addr uintptr) *Area {
	lo, hi := 0, len(as.areas)-1
	for lo <= hi {
		mid := (lo + hi) >> 1
		area := as.areas[mid]
		switch {
		case area.contains(addr):
			return area
		case addr < area.base:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}
	return nil
}

// Areas returns a snapshot of the area list in base order.
func (as *AddressSpace) Areas() []*Area {
	as.lock.Lock()
	defer as.lock.Unlock()
	out := make([]*Area, len(as.areas))
	copy(out, as.areas)
	return out
}

// installMapping assigns the ASID on first use and installs a mapping. It is
// the single choke point backends install pages through.
func (as *AddressSpace) installMapping(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	if as.asid == mm.ASIDInvalid {
		asid, err := asids.alloc()
		if err != nil {
			return err
		}
		as.asid = asid
	}
	return as.mapper.Insert(page, frame, flags)
}

// RemoveMapping drops the mapping for one page and broadcasts the
// invalidation so no thread of the address space can observe the stale
// translation afterwards.
func (as *AddressSpace) RemoveMapping(page mm.Page) *kernel.Error {
	as.lock.Lock()
	defer as.lock.Unlock()

	var err *kernel.Error
	as.shootdownRange(page, 1, func() {
		err = as.mapper.Remove(page)
	})
	return err
}

// shootdownRange runs fn (the page-table removals for the given page run)
// and then broadcasts the invalidation to the other CPUs. The removals must
// land before the remote flushes: a remote CPU that flushes first and then
// misses would walk the page table and reload the stale entry, which is
// exactly what the shootdown exists to prevent. No CPU can observe the
// mapping once this returns. Address spaces without a shootdown coordinator
// (single CPU) run fn directly.
func (as *AddressSpace) shootdownRange(page mm.Page, count int, fn func()) {
	if as.sd == nil || as.asid == mm.ASIDInvalid {
		fn()
		return
	}

	fn()
	as.sd.Start(CurrentCPU(), tlb.InvalidatePages, as.asid, page, count)
	as.sd.Finalize()
}
