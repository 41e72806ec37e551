package vmm

import (
	"orrery/kernel"
	"orrery/kernel/mm"
	"orrery/kernel/sync"
)

// HashMapper is a software page table keyed by page number. Architectures
// whose MMU walks a hashed table in memory (or loads the TLB entirely in
// software) implement the Mapper contract with a structure like this one
// instead of a radix tree. It is also the mapper the host harness and tests
// plug into an address space, since it works without paging hardware.
type HashMapper struct {
	lock    sync.Spinlock
	entries map[mm.Page]PTE
}

// NewHashMapper returns an empty software page table.
func NewHashMapper() *HashMapper {
	return &HashMapper{entries: make(map[mm.Page]PTE)}
}

// Insert implements Mapper. An existing mapping at page is replaced.
func (h *HashMapper) Insert(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	h.lock.Acquire()
	h.entries[page] = PTE{Frame: frame, Flags: flags | FlagPresent}
	h.lock.Release()
	return nil
}

// Find implements Mapper.
func (h *HashMapper) Find(page mm.Page) (PTE, bool) {
	h.lock.Acquire()
	pte, ok := h.entries[page]
	h.lock.Release()
	return pte, ok
}

// Remove implements Mapper.
func (h *HashMapper) Remove(page mm.Page) *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	if _, ok := h.entries[page]; !ok {
		return ErrInvalidMapping
	}
	delete(h.entries, page)
	return nil
}

// Update implements Mapper. Only the accessed/dirty bits are copied from
// pte.
func (h *HashMapper) Update(page mm.Page, pte PTE) *kernel.Error {
	h.lock.Acquire()
	defer h.lock.Release()

	cur, ok := h.entries[page]
	if !ok {
		return ErrInvalidMapping
	}
	cur.Flags = (cur.Flags &^ (FlagAccessed | FlagDirty)) | (pte.Flags & (FlagAccessed | FlagDirty))
	h.entries[page] = cur
	return nil
}

// Len returns the number of installed mappings.
func (h *HashMapper) Len() int {
	h.lock.Acquire()
	defer h.lock.Release()
	return len(h.entries)
}

// VisitMappings calls fn for every installed mapping until fn returns false.
func (h *HashMapper) VisitMappings(fn func(page mm.Page, pte PTE) bool) {
	h.lock.Acquire()
	defer h.lock.Release()

	for page, pte := range h.entries {
		if !fn(page, pte) {
			return
		}
	}
}
