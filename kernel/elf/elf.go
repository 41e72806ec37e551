// Package elf loads statically linked executables into an address space.
// Only the subset the kernel itself needs is understood: identification,
// class/data/version checks and LOAD program headers, which become
// image-backed areas faulted in on demand. Interpreter, dynamic and symbol
// information is the user-space loader's business and is skipped here.
package elf

import (
	"encoding/binary"

	"orrery/kernel"
	"orrery/kernel/mm"
	"orrery/kernel/mm/vmm"
)

// ELF identification indices and values.
const (
	classELF32 = 1
	classELF64 = 2

	dataLittleEndian = 1

	versionCurrent = 1

	typeExec = 2

	machineX8664 = 62
	machine386   = 3
)

// Program header types and permission bits.
const (
	ptLoad = 1

	pfExec  = 1
	pfWrite = 2
	pfRead  = 4
)

var (
	errImageInvalid      = &kernel.Error{Module: "elf", Message: "invalid image", Kind: kernel.KindInvalid}
	errImageIncompatible = &kernel.Error{Module: "elf", Message: "incompatible image", Kind: kernel.KindInvalid}
	errImageUnsupported  = &kernel.Error{Module: "elf", Message: "unsupported image type", Kind: kernel.KindInvalid}
)

// Info describes a successfully loaded image.
type Info struct {
	// Entry is the virtual address execution starts at.
	Entry uintptr

	// Image is the shared in-memory image backing the read-only
	// segments.
	Image *vmm.Image
}

// Load validates the executable image and registers one image-backed area
// per LOAD segment in as. No frames are touched: segment pages materialize
// through the image backend as they are faulted.
func Load(image []byte, as *vmm.AddressSpace) (*Info, *kernel.Error) {
	if len(image) < 64 {
		return nil, errImageInvalid
	}
	if image[0] != 0x7f || image[1] != 'E' || image[2] != 'L' || image[3] != 'F' {
		return nil, errImageInvalid
	}

	class := image[4]
	if class != classELF32 && class != classELF64 {
		return nil, errImageIncompatible
	}
	if image[5] != dataLittleEndian || image[6] != versionCurrent {
		return nil, errImageIncompatible
	}

	le := binary.LittleEndian

	var (
		eType, machine  uint16
		entry, phOff    uintptr
		phEntSize, phNum int
	)

	if class == classELF64 {
		eType = le.Uint16(image[16:])
		machine = le.Uint16(image[18:])
		entry = uintptr(le.Uint64(image[24:]))
		phOff = uintptr(le.Uint64(image[32:]))
		phEntSize = int(le.Uint16(image[54:]))
		phNum = int(le.Uint16(image[56:]))
	} else {
		eType = le.Uint16(image[16:])
		machine = le.Uint16(image[18:])
		entry = uintptr(le.Uint32(image[24:]))
		phOff = uintptr(le.Uint32(image[28:]))
		phEntSize = int(le.Uint16(image[42:]))
		phNum = int(le.Uint16(image[44:]))
	}

	if eType != typeExec {
		return nil, errImageUnsupported
	}
	if (class == classELF64 && machine != machineX8664) || (class == classELF32 && machine != machine386) {
		return nil, errImageIncompatible
	}

	wantEntSize := 56
	if class == classELF32 {
		wantEntSize = 32
	}
	if phEntSize != wantEntSize {
		return nil, errImageIncompatible
	}
	if int(phOff)+phNum*phEntSize > len(image) {
		return nil, errImageInvalid
	}

	img := vmm.NewImage(image)

	for i := 0; i < phNum; i++ {
		ph := image[int(phOff)+i*phEntSize:]

		var (
			pType, pFlags                  uint32
			offset, vaddr, fileSz, memSz   uintptr
		)
		if class == classELF64 {
			pType = le.Uint32(ph)
			pFlags = le.Uint32(ph[4:])
			offset = uintptr(le.Uint64(ph[8:]))
			vaddr = uintptr(le.Uint64(ph[16:]))
			fileSz = uintptr(le.Uint64(ph[32:]))
			memSz = uintptr(le.Uint64(ph[40:]))
		} else {
			pType = le.Uint32(ph)
			offset = uintptr(le.Uint32(ph[4:]))
			vaddr = uintptr(le.Uint32(ph[8:]))
			fileSz = uintptr(le.Uint32(ph[16:]))
			memSz = uintptr(le.Uint32(ph[20:]))
			pFlags = le.Uint32(ph[24:])
		}

		if pType != ptLoad {
			continue
		}

		if err := loadSegment(as, img, pFlags, offset, vaddr, fileSz, memSz); err != nil {
			return nil, err
		}
	}

	return &Info{Entry: entry, Image: img}, nil
}

// loadSegment registers one LOAD segment as an image-backed area.
func loadSegment(as *vmm.AddressSpace, img *vmm.Image, pFlags uint32, offset, vaddr, fileSz, memSz uintptr) *kernel.Error {
	if vaddr&(mm.PageSize-1) != 0 {
		return errImageUnsupported
	}
	if fileSz > memSz || offset+fileSz > uintptr(len(img.Bytes())) {
		return errImageInvalid
	}

	var flags vmm.AreaFlag = vmm.AreaCacheable
	if pFlags&pfRead != 0 {
		flags |= vmm.AreaRead
	}
	if pFlags&pfWrite != 0 {
		flags |= vmm.AreaWrite
	}
	if pFlags&pfExec != 0 {
		flags |= vmm.AreaExec
	}

	size := (memSz + mm.PageSize - 1) & ^(mm.PageSize - 1)
	seg := &vmm.Segment{
		VAddr:    vaddr,
		FileOff:  offset,
		FileSize: fileSz,
		MemSize:  memSz,
	}

	_, err := as.CreateArea(flags, size, vaddr, vmm.ImageBackend, [2]interface{}{img, seg})
	return err
}
