package vmm

import (
	"orrery/kernel"
	"orrery/kernel/mm"
	"orrery/kernel/mm/pmm"
)

// Backend is the pager serving an area's faults. The two implementations are
// the anonymous backend (zero-filled memory) and the image backend (pages
// materialized from an in-memory executable image).
type Backend interface {
	// PageFault materializes the page covering addr: it obtains a frame,
	// fills it and installs the mapping. The address-space lock is held by
	// the caller, which records the page in the area's used-space set on
	// success.
	PageFault(area *Area, addr uintptr) *kernel.Error

	// FrameFree releases the frame backing one of the area's resident
	// pages during unmap or teardown. The address-space lock is held by
	// the caller.
	FrameFree(area *Area, page mm.Page, frame mm.Frame)
}

var (
	frameAllocFn = pmm.FrameAlloc
	frameFreeFn  = pmm.FrameFree
)

// AnonymousBackend serves zero-filled on-demand memory: stacks, heaps and
// any area created without an image. Every faulted page gets a fresh zeroed
// frame.
var AnonymousBackend Backend = anonymousBackend{}

type anonymousBackend struct{}

func (anonymousBackend) PageFault(area *Area, addr uintptr) *kernel.Error {
	page := mm.PageFromAddress(addr)

	// The fault path must succeed: block for reclaim instead of failing
	// when frames are exhausted.
	frame, err := frameAllocFn(1, 0)
	if err != nil {
		return err
	}

	if err = frameStore.Zero(frame); err != nil {
		_ = frameFreeFn(frame)
		return err
	}

	if err = area.as.installMapping(page, frame, area.PTEFlags()); err != nil {
		_ = frameFreeFn(frame)
		return err
	}

	return nil
}

func (anonymousBackend) FrameFree(_ *Area, _ mm.Page, frame mm.Frame) {
	_ = frameFreeFn(frame)
}
