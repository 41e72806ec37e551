package vmm

import (
	"sync/atomic"

	"orrery/kernel"
	"orrery/kernel/mm"
)

// Image is an in-memory executable image shared by every area mapping it.
// Read-only segments map the image's own frames directly, so the image must
// stay alive until the last such mapping is gone; the reference count tracks
// those mappings.
type Image struct {
	data []byte
	refs int32
}

// NewImage wraps the raw image bytes. The backing slice must be page-aligned
// so its pages can be mapped directly into read-only segments.
func NewImage(data []byte) *Image {
	return &Image{data: data}
}

// Get adds a reference for one directly-mapped image page.
func (img *Image) Get() {
	atomic.AddInt32(&img.refs, 1)
}

// Put drops a reference added by Get.
func (img *Image) Put() {
	atomic.AddInt32(&img.refs, -1)
}

// Refs returns the number of live directly-mapped image pages.
func (img *Image) Refs() int32 {
	return atomic.LoadInt32(&img.refs)
}

// Bytes returns the raw image contents.
func (img *Image) Bytes() []byte { return img.data }

// Segment describes one loadable segment of an image: where it lives in the
// image file and how it is laid out in memory. Bytes between FileSize and
// MemSize are zero-filled on demand.
type Segment struct {
	// VAddr is the page-aligned virtual base the segment is mapped at.
	VAddr uintptr

	// FileOff is the byte offset of the segment contents within the image.
	FileOff uintptr

	// FileSize is the number of bytes backed by image content.
	FileSize uintptr

	// MemSize is the total in-memory size of the segment.
	MemSize uintptr
}

var errImageFrame = &kernel.Error{Module: "vmm", Message: "cannot resolve image frame", Kind: kernel.KindPageFault}

// ImageBackend serves faults in areas backed by an executable image. Area
// backend data slot 0 holds the *Image and slot 1 the *Segment.
var ImageBackend Backend = imageBackend{}

type imageBackend struct{}

// PageFault materializes the faulting page according to where it falls in
// the segment:
//
//  1. entirely file-backed, read-only: the image frame is mapped directly so
//     every address space mapping the segment shares one frame
//  2. entirely file-backed, writable: a private copy of the image page
//  3. entirely past FileSize: a zeroed frame
//  4. straddling FileSize: a partial copy with a zeroed tail
func (imageBackend) PageFault(area *Area, addr uintptr) *kernel.Error {
	img := area.backendData[0].(*Image)
	seg := area.backendData[1].(*Segment)

	page := mm.PageFromAddress(addr)
	off := page.Address() - seg.VAddr
	writable := area.flags&AreaWrite != 0

	var (
		frame mm.Frame
		err   *kernel.Error
	)

	switch {
	case off+mm.PageSize <= seg.FileSize && !writable:
		if frame, err = frameStore.ImageFrame(img, seg.FileOff+off); err != nil {
			return err
		}
		img.Get()

	case off+mm.PageSize <= seg.FileSize:
		if frame, err = allocImageFrame(); err != nil {
			return err
		}
		src := img.data[seg.FileOff+off : seg.FileOff+off+mm.PageSize]
		if err = frameStore.CopyIn(frame, 0, src); err != nil {
			_ = frameFreeFn(frame)
			return err
		}

	case off >= seg.FileSize:
		if frame, err = allocImageFrame(); err != nil {
			return err
		}
		if err = frameStore.Zero(frame); err != nil {
			_ = frameFreeFn(frame)
			return err
		}

	default:
		if frame, err = allocImageFrame(); err != nil {
			return err
		}
		if err = frameStore.Zero(frame); err != nil {
			_ = frameFreeFn(frame)
			return err
		}
		src := img.data[seg.FileOff+off : seg.FileOff+seg.FileSize]
		if err = frameStore.CopyIn(frame, 0, src); err != nil {
			_ = frameFreeFn(frame)
			return err
		}
	}

	if err = area.as.installMapping(page, frame, area.PTEFlags()); err != nil {
		if writable || off >= seg.FileSize {
			_ = frameFreeFn(frame)
		} else {
			img.Put()
		}
		return err
	}

	return nil
}

// FrameFree returns private frames to the allocator; directly-mapped image
// frames only drop their image reference.
func (imageBackend) FrameFree(area *Area, page mm.Page, frame mm.Frame) {
	img := area.backendData[0].(*Image)
	seg := area.backendData[1].(*Segment)

	off := page.Address() - seg.VAddr
	writable := area.flags&AreaWrite != 0

	if off+mm.PageSize <= seg.FileSize && !writable {
		img.Put()
		return
	}

	_ = frameFreeFn(frame)
}

func allocImageFrame() (mm.Frame, *kernel.Error) {
	return frameAllocFn(1, 0)
}
