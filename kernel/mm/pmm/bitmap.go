package pmm

import (
	"orrery/kernel"
	"orrery/kernel/mm"
	"orrery/kernel/sync"
	"orrery/multiboot"
)

var (
	errBitmapAllocOutOfMemory     = &kernel.Error{Module: "bitmap_alloc", Message: "out of memory", Kind: kernel.KindNoMem}
	errBitmapAllocFrameNotManaged = &kernel.Error{Module: "bitmap_alloc", Message: "frame not managed by this allocator", Kind: kernel.KindInvalid}
	errBitmapAllocDoubleFree      = &kernel.Error{Module: "bitmap_alloc", Message: "frame is already free", Kind: kernel.KindFatal}

	// visitMemRegionsFn is used by tests to override the bootloader
	// memory-map scan with a synthetic region list.
	visitMemRegionsFn = multiboot.VisitMemRegions
)

// framePool tracks the allocation state of one contiguous available region.
// A set bit marks a reserved frame.
type framePool struct {
	startFrame mm.Frame

	// endFrame is inclusive.
	endFrame mm.Frame

	freeCount int

	bitmap []uint64
}

func (p *framePool) contains(frame mm.Frame) bool {
	return frame >= p.startFrame && frame <= p.endFrame
}

func (p *framePool) markReserved(frame mm.Frame) {
	bit := uint(frame - p.startFrame)
	p.bitmap[bit>>6] |= 1 << (bit & 63)
	p.freeCount--
}

func (p *framePool) markFree(frame mm.Frame) {
	bit := uint(frame - p.startFrame)
	p.bitmap[bit>>6] &^= 1 << (bit & 63)
	p.freeCount++
}

func (p *framePool) isReserved(frame mm.Frame) bool {
	bit := uint(frame - p.startFrame)
	return p.bitmap[bit>>6]&(1<<(bit&63)) != 0
}

// BitmapAllocator tracks the state of each physical frame with a single bit
// per frame, one bitmap per available region reported by the bootloader.
// Pools are kept sorted by start frame. Frees and reservations locate a
// frame's pool with a binary search; single-frame allocation scans the pools
// in order until one has a free frame.
type BitmapAllocator struct {
	lock sync.Spinlock

	pools []framePool

	totalPages    int
	reservedPages int
}

// init bootstraps the bitmap allocator state using the region information
// supplied by the bootloader. Any frame already handed out by the boot memory
// allocator is marked as reserved so the two allocators never hand out the
// same frame.
func (alloc *BitmapAllocator) init() *kernel.Error {
	visitMemRegionsFn(func(region *multiboot.MemoryMapEntry) bool {
		if region.Type != multiboot.MemAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		pageSizeMinus1 := uint64(mm.PageSize - 1)
		startFrame := mm.Frame(((region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1) >> mm.PageShift)
		endFrame := mm.Frame(((region.PhysAddress+region.Length)& ^pageSizeMinus1)>>mm.PageShift) - 1
		if endFrame < startFrame {
			return true
		}

		alloc.AddRegion(startFrame, int(endFrame-startFrame)+1)
		return true
	})

	// Reserve the frames already handed out by the boot allocator plus the
	// kernel image itself.
	for frame := mm.Frame(0); frame <= bootMemAllocator.lastAllocFrame; frame++ {
		_ = alloc.markRangeReserved(frame)
	}
	for frame := bootMemAllocator.kernelStartFrame; frame <= bootMemAllocator.kernelEndFrame; frame++ {
		_ = alloc.markRangeReserved(frame)
	}

	if alloc.totalPages == alloc.reservedPages {
		return errBitmapAllocOutOfMemory
	}

	return nil
}

// AddRegion registers a contiguous run of available frames with the
// allocator. It is called by init for each bootloader-reported region; host
// harnesses and tests use it to seed the allocator with a synthetic pool.
func (alloc *BitmapAllocator) AddRegion(startFrame mm.Frame, frameCount int) {
	if frameCount <= 0 {
		return
	}

	pool := framePool{
		startFrame: startFrame,
		endFrame:   startFrame + mm.Frame(frameCount) - 1,
		freeCount:  frameCount,
		bitmap:     make([]uint64, (frameCount+63)>>6),
	}

	alloc.lock.Acquire()
	// Insert keeping pools sorted by start frame.
	index := len(alloc.pools)
	for i, p := range alloc.pools {
		if pool.startFrame < p.startFrame {
			index = i
			break
		}
	}
	alloc.pools = append(alloc.pools, framePool{})
	copy(alloc.pools[index+1:], alloc.pools[index:])
	alloc.pools[index] = pool
	alloc.totalPages += frameCount
	alloc.lock.Release()
}

// poolForFrame returns the index of the pool that contains frame or -1 if the
// frame is not managed by this allocator. Must be called with the lock held.
func (alloc *BitmapAllocator) poolForFrame(frame mm.Frame) int {
	lo, hi := 0, len(alloc.pools)-1
	for lo <= hi {
		mid := (lo + hi) >> 1
		switch {
		case alloc.pools[mid].contains(frame):
			return mid
		case frame < alloc.pools[mid].startFrame:
			hi = mid - 1
		default:
			lo = mid + 1
		}
	}

	return -1
}

func (alloc *BitmapAllocator) markRangeReserved(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	index := alloc.poolForFrame(frame)
	if index < 0 {
		return errBitmapAllocFrameNotManaged
	}
	if alloc.pools[index].isReserved(frame) {
		return nil
	}
	alloc.pools[index].markReserved(frame)
	alloc.reservedPages++
	return nil
}

// AllocFrame reserves and returns the first free frame.
func (alloc *BitmapAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for pi := range alloc.pools {
		pool := &alloc.pools[pi]
		if pool.freeCount == 0 {
			continue
		}

		for wi, word := range pool.bitmap {
			if word == ^uint64(0) {
				continue
			}

			for bit := uint(0); bit < 64; bit++ {
				if word&(1<<bit) != 0 {
					continue
				}
				frame := pool.startFrame + mm.Frame(wi<<6) + mm.Frame(bit)
				if frame > pool.endFrame {
					break
				}
				pool.markReserved(frame)
				alloc.reservedPages++
				return frame, nil
			}
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// AllocFrames makes a best-effort attempt to reserve a physically contiguous
// run of count frames, returning the first frame of the run. Callers that can
// tolerate fragmentation should request single frames instead.
func (alloc *BitmapAllocator) AllocFrames(count int) (mm.Frame, *kernel.Error) {
	if count == 1 {
		return alloc.AllocFrame()
	}

	alloc.lock.Acquire()
	defer alloc.lock.Release()

	for pi := range alloc.pools {
		pool := &alloc.pools[pi]
		if pool.freeCount < count {
			continue
		}

		run := 0
		for frame := pool.startFrame; frame <= pool.endFrame; frame++ {
			if pool.isReserved(frame) {
				run = 0
				continue
			}
			if run++; run == count {
				first := frame - mm.Frame(count) + 1
				for f := first; f <= frame; f++ {
					pool.markReserved(f)
				}
				alloc.reservedPages += count
				return first, nil
			}
		}
	}

	return mm.InvalidFrame, errBitmapAllocOutOfMemory
}

// FreeFrame returns a reserved frame back to its pool.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	alloc.lock.Acquire()
	defer alloc.lock.Release()

	index := alloc.poolForFrame(frame)
	if index < 0 {
		return errBitmapAllocFrameNotManaged
	}
	if !alloc.pools[index].isReserved(frame) {
		return errBitmapAllocDoubleFree
	}

	alloc.pools[index].markFree(frame)
	alloc.reservedPages--
	return nil
}

// FreeCount returns the number of frames currently available for allocation.
func (alloc *BitmapAllocator) FreeCount() int {
	alloc.lock.Acquire()
	defer alloc.lock.Release()
	return alloc.totalPages - alloc.reservedPages
}
