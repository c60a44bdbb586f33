package vmm

import (
	"unsafe"

	"halcyon/kernel/cpu"
	"halcyon/kernel/mm"
)

var (
	// activePDTFn is used by tests to override calls to cpu.ActivePDT
	// which will cause a fault if called in user-mode.
	activePDTFn = cpu.ActivePDT

	// flushTLBEntryFn is used by tests to override calls to
	// cpu.FlushTLBEntry which will cause a fault if called in user-mode.
	flushTLBEntryFn = cpu.FlushTLBEntry

	// switchPDTFn is used by tests to override calls to cpu.SwitchPDT
	// which will cause a fault if called in user-mode.
	switchPDTFn = cpu.SwitchPDT

	// ptePtrFn returns a pointer to the supplied entry address. It is
	// used by tests to override the page table entry pointers generated
	// by walk. When compiling the kernel this function is automatically
	// inlined.
	ptePtrFn = func(entryAddr uintptr) unsafe.Pointer {
		return unsafe.Pointer(entryAddr)
	}
)

// activeRootFrame returns the frame of the currently active top-level page
// table.
func activeRootFrame() mm.Frame {
	return mm.Frame(activePDTFn() >> mm.PageShift)
}

// tableAt overlays a page table array on the supplied frame. Page table
// frames are always accessed through the physical memory direct map.
func tableAt(frame mm.Frame) *[entriesPerTable]pageTableEntry {
	return (*[entriesPerTable]pageTableEntry)(ptePtrFn(mm.PhysToVirt(frame.Address())))
}

// pageTableWalker is a function that can be passed to the walk method. The
// function receives the current page level and page table entry as its
// arguments. If the function returns false, then the page walk is aborted.
type pageTableWalker func(pteLevel uint8, pte *pageTableEntry) bool

// walk performs a page table walk for the given virtual address starting at
// the supplied top-level table frame. It calls the supplied walkFn with the
// page table entry that corresponds to each page table level. Each
// next-level table is accessed through the direct map using the frame stored
// in the previous level's entry; walkFn is responsible for aborting the walk
// when an entry is not present or maps a huge page.
func walk(rootFrame mm.Frame, virtAddr uintptr, walkFn pageTableWalker) {
	tableFrame := rootFrame

	for level := uint8(0); level < pageLevels; level++ {
		// Extract the bits from the virtual address that correspond
		// to the index in this level's page table
		entryIndex := (virtAddr >> pageLevelShifts[level]) & ((1 << pageLevelBits[level]) - 1)
		entryAddr := mm.PhysToVirt(tableFrame.Address()) + (entryIndex << mm.PointerShift)

		pte := (*pageTableEntry)(ptePtrFn(entryAddr))
		if !walkFn(level, pte) {
			return
		}

		tableFrame = pte.Frame()
	}
}
