package vmm

import (
	"unsafe"

	"orrery/kernel"
	"orrery/kernel/mm"
	"orrery/kernel/sync"
)

// FrameStore abstracts how the kernel reaches the contents of a physical
// frame while servicing a fault. On real hardware the frame is reached
// through a temporary kernel mapping; the host harness and tests install a
// MemFrameStore instead, since no paging hardware backs their frames.
type FrameStore interface {
	// Zero clears the frame contents.
	Zero(frame mm.Frame) *kernel.Error

	// CopyIn writes src into the frame starting at offset.
	CopyIn(frame mm.Frame, offset uintptr, src []byte) *kernel.Error

	// ImageFrame resolves the physical frame holding the image page at
	// the given byte offset, for mappings that share image frames
	// directly.
	ImageFrame(img *Image, offset uintptr) (mm.Frame, *kernel.Error)
}

// frameStore is the active FrameStore. Boot code leaves the default in
// place; hosts replace it via SetFrameStore before faulting any pages.
var frameStore FrameStore = tempMappingStore{}

// SetFrameStore installs the FrameStore used by the pager backends.
func SetFrameStore(fs FrameStore) { frameStore = fs }

// tempMappingStore reaches frame contents through the temporary kernel
// mapping slot, the same mechanism the copy-on-write fault path uses.
type tempMappingStore struct{}

func (tempMappingStore) Zero(frame mm.Frame) *kernel.Error {
	tmpPage, err := mapTemporaryFn(frame)
	if err != nil {
		return err
	}
	kernel.Memset(tmpPage.Address(), 0, mm.PageSize)
	_ = unmapFn(tmpPage)
	return nil
}

func (tempMappingStore) CopyIn(frame mm.Frame, offset uintptr, src []byte) *kernel.Error {
	tmpPage, err := mapTemporaryFn(frame)
	if err != nil {
		return err
	}
	kernel.Memcopy(uintptr(unsafe.Pointer(&src[0])), tmpPage.Address()+offset, uintptr(len(src)))
	_ = unmapFn(tmpPage)
	return nil
}

func (tempMappingStore) ImageFrame(img *Image, offset uintptr) (mm.Frame, *kernel.Error) {
	physAddr, err := translateFn(uintptr(unsafe.Pointer(&img.data[0])) + offset)
	if err != nil {
		return mm.InvalidFrame, errImageFrame
	}
	return mm.FrameFromAddress(physAddr), nil
}

// MemFrameStore keeps frame contents in host memory. It backs the host
// harness and the address-space tests, where frames are plain numbers with
// no hardware behind them.
type MemFrameStore struct {
	lock sync.Spinlock

	frames map[mm.Frame][]byte

	// imageFrames memoizes the synthetic frame assigned to each image
	// page so every mapping of the same page shares one frame.
	imageFrames map[*Image]map[uintptr]mm.Frame

	// nextImageFrame hands out synthetic frame numbers from a range far
	// above anything the physical allocator manages.
	nextImageFrame mm.Frame
}

// NewMemFrameStore returns an empty in-memory frame store.
func NewMemFrameStore() *MemFrameStore {
	return &MemFrameStore{
		frames:         make(map[mm.Frame][]byte),
		imageFrames:    make(map[*Image]map[uintptr]mm.Frame),
		nextImageFrame: mm.Frame(1) << 32,
	}
}

func (s *MemFrameStore) contents(frame mm.Frame) []byte {
	buf, ok := s.frames[frame]
	if !ok {
		buf = make([]byte, mm.PageSize)
		s.frames[frame] = buf
	}
	return buf
}

// Zero implements FrameStore.
func (s *MemFrameStore) Zero(frame mm.Frame) *kernel.Error {
	s.lock.Acquire()
	buf := s.contents(frame)
	for i := range buf {
		buf[i] = 0
	}
	s.lock.Release()
	return nil
}

// CopyIn implements FrameStore.
func (s *MemFrameStore) CopyIn(frame mm.Frame, offset uintptr, src []byte) *kernel.Error {
	s.lock.Acquire()
	copy(s.contents(frame)[offset:], src)
	s.lock.Release()
	return nil
}

// ImageFrame implements FrameStore: the first request for an image page
// assigns a synthetic frame holding that page's bytes; later requests for
// the same page return the same frame.
func (s *MemFrameStore) ImageFrame(img *Image, offset uintptr) (mm.Frame, *kernel.Error) {
	pageOff := offset & ^(mm.PageSize - 1)

	s.lock.Acquire()
	defer s.lock.Release()

	pages, ok := s.imageFrames[img]
	if !ok {
		pages = make(map[uintptr]mm.Frame)
		s.imageFrames[img] = pages
	}

	if frame, ok := pages[pageOff]; ok {
		return frame, nil
	}

	frame := s.nextImageFrame
	s.nextImageFrame++
	pages[pageOff] = frame

	buf := s.contents(frame)
	end := pageOff + mm.PageSize
	if end > uintptr(len(img.data)) {
		end = uintptr(len(img.data))
	}
	if pageOff < end {
		copy(buf, img.data[pageOff:end])
	}

	return frame, nil
}

// Bytes returns the contents of frame, or nil if the frame was never
// written through this store.
func (s *MemFrameStore) Bytes(frame mm.Frame) []byte {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.frames[frame]
}
