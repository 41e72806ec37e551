package pmm

import (
	"orrery/kernel"
	"orrery/kernel/mm"
	"orrery/kernel/sync"
)

// AllocFlag alters the behavior of FrameAlloc.
type AllocFlag uint8

const (
	// AllocAtomic requests that FrameAlloc must not block. Out-of-memory
	// conditions are reported to the caller instead of waiting for frames
	// to be reclaimed. Page-table construction and any other path that
	// runs with locks held or interrupts disabled must pass this flag.
	AllocAtomic AllocFlag = 1 << iota
)

var (
	// frameLock is a leaf lock protecting the refcount table. No other
	// lock may be acquired while it is held.
	frameLock sync.Spinlock

	// frameRefs maps an allocated frame to its reference count. Frames
	// absent from the table are either free or not managed by the bitmap
	// allocator.
	frameRefs = make(map[mm.Frame]int32)

	// reclaimWq parks non-atomic allocation requests that found the
	// allocator exhausted. Every freed frame delivers one wakeup; the
	// queue's balance keeps a wakeup that races with a failed allocation
	// from being lost.
	reclaimWq = sync.New()

	errFrameNotAllocated = &kernel.Error{Module: "pmm", Message: "frame has no active references", Kind: kernel.KindFatal}
)

// FrameAlloc reserves count physically contiguous frames and returns the
// first one with its reference count set to 1. Multi-frame requests are
// best-effort: callers should fall back to single frames when they fail.
//
// When the allocator is exhausted, non-atomic requests sleep until another
// thread frees a frame and then retry; AllocAtomic requests fail immediately
// with a NO_MEM error.
func FrameAlloc(count int, flags AllocFlag) (mm.Frame, *kernel.Error) {
	for {
		frame, err := bitmapAllocator.AllocFrames(count)
		if err == nil {
			frameLock.Acquire()
			for i := 0; i < count; i++ {
				frameRefs[frame+mm.Frame(i)] = 1
			}
			frameLock.Release()
			return frame, nil
		}

		if flags&AllocAtomic != 0 {
			return mm.InvalidFrame, err
		}

		reclaimWq.Sleep(nil, 0, sync.None)
	}
}

// IncFrameRef adds a reference to an allocated frame. Sharing a frame across
// address spaces (read-only image pages, COW duplicates) takes a reference
// per mapping so the frame survives until every mapping is gone.
func IncFrameRef(frame mm.Frame) {
	frameLock.Acquire()
	frameRefs[frame]++
	frameLock.Release()
}

// FrameRefCount returns the current reference count for frame; zero means the
// frame is free or unmanaged.
func FrameRefCount(frame mm.Frame) int32 {
	frameLock.Acquire()
	defer frameLock.Release()
	return frameRefs[frame]
}

// FrameFree drops one reference from frame. When the count reaches zero the
// frame is handed back to the bitmap allocator and one parked allocation
// request is woken to retry.
func FrameFree(frame mm.Frame) *kernel.Error {
	frameLock.Acquire()
	refs, ok := frameRefs[frame]
	if !ok {
		frameLock.Release()
		return errFrameNotAllocated
	}

	refs--
	if refs > 0 {
		frameRefs[frame] = refs
		frameLock.Release()
		return nil
	}

	delete(frameRefs, frame)
	frameLock.Release()

	if err := bitmapAllocator.FreeFrame(frame); err != nil {
		return err
	}

	reclaimWq.WakeOne()
	return nil
}

// FreeFrameCount returns the number of frames currently available from the
// bitmap allocator.
func FreeFrameCount() int {
	return bitmapAllocator.FreeCount()
}

// AddRegion registers a contiguous run of frames with the bitmap allocator.
// The boot path feeds it from the bootloader memory map; host harnesses use
// it to seed the allocator with a synthetic pool.
func AddRegion(startFrame mm.Frame, frameCount int) {
	bitmapAllocator.AddRegion(startFrame, frameCount)
}
