package vmm

import (
	"orrery/kernel"
	"orrery/kernel/mm"
)

// PTE carries the attributes of one installed page mapping in an
// architecture-neutral form.
type PTE struct {
	Frame mm.Frame
	Flags PageTableEntryFlag
}

// HasFlags returns true if f contains all the given flags.
func (f PageTableEntryFlag) HasFlags(flags PageTableEntryFlag) bool {
	return f&flags == flags
}

// HasAnyFlag returns true if f contains at least one of the given flags.
func (f PageTableEntryFlag) HasAnyFlag(flags PageTableEntryFlag) bool {
	return f&flags != 0
}

// Mapper is the page-table contract the address-space layer programs
// against. The amd64 PageDirectoryTable implements it on top of the
// recursive-mapping walk; HashMapper implements it as a software hashed
// table for MMUs without hardware walkers.
//
// All four operations require the owning address space's lock to be held by
// the caller.
type Mapper interface {
	// Insert installs a mapping for page, replacing any previous mapping
	// at the same address.
	Insert(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error

	// Find looks up the mapping for page and reports whether one is
	// present.
	Find(page mm.Page) (PTE, bool)

	// Remove drops the mapping for page. The caller is responsible for
	// broadcasting the invalidation to other CPUs.
	Remove(page mm.Page) *kernel.Error

	// Update writes back the accessed/dirty bits from pte without any
	// structural change to the mapping.
	Update(page mm.Page, pte PTE) *kernel.Error
}

// withMapped temporarily installs this PDT into the last entry of the active
// PDT so the recursive-mapping walk can reach its entries, runs fn and
// restores the previous mapping. An already-active PDT is visited directly.
// This factors out the dance that Map and Unmap previously inlined.
func (pdt PageDirectoryTable) withMapped(fn func()) {
	var (
		activePdtFrame   = mm.Frame(activePDTFn() >> mm.PageShift)
		lastPdtEntryAddr uintptr
		lastPdtEntry     *pageTableEntry
	)

	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntryAddr = activePdtFrame.Address() + (((1 << pageLevelBits[0]) - 1) << mm.PointerShift)
		lastPdtEntry = (*pageTableEntry)(ptePtrFn(lastPdtEntryAddr))
		lastPdtEntry.SetFrame(pdt.pdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}

	fn()

	if activePdtFrame != pdt.pdtFrame {
		lastPdtEntry.SetFrame(activePdtFrame)
		flushTLBEntryFn(lastPdtEntryAddr)
	}
}

// Insert implements Mapper.
func (pdt PageDirectoryTable) Insert(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return pdt.Map(page, frame, flags)
}

// Find implements Mapper. Attributes are read through the same temporary
// recursive mapping that Map uses for inactive tables.
func (pdt PageDirectoryTable) Find(page mm.Page) (PTE, bool) {
	var (
		out   PTE
		found bool
	)

	pdt.withMapped(func() {
		pte, err := pteForAddress(page.Address())
		if err != nil {
			return
		}
		out = PTE{
			Frame: pte.Frame(),
			Flags: PageTableEntryFlag(uintptr(*pte) & ^ptePhysPageMask),
		}
		found = true
	})

	return out, found
}

// Remove implements Mapper.
func (pdt PageDirectoryTable) Remove(page mm.Page) *kernel.Error {
	return pdt.Unmap(page)
}

// Update implements Mapper. Only the accessed and dirty bits are written
// back; frame and structural flags are left untouched.
func (pdt PageDirectoryTable) Update(page mm.Page, in PTE) *kernel.Error {
	var err *kernel.Error

	pdt.withMapped(func() {
		pte, lookupErr := pteForAddress(page.Address())
		if lookupErr != nil {
			err = lookupErr
			return
		}
		pte.ClearFlags(FlagAccessed | FlagDirty)
		pte.SetFlags(in.Flags & (FlagAccessed | FlagDirty))
		flushTLBEntryFn(page.Address())
	})

	return err
}
