package vmm

import (
	"halcyon/kernel"
	"halcyon/kernel/mm"
)

var (
	// ErrAlreadyMapped is returned when attempting to map a page that
	// already holds a present mapping. Replacing a live mapping must be
	// requested explicitly via Remap.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "page is already mapped"}

	// ErrNotMapped is returned when trying to access, unmap or translate
	// a virtual address that is not mapped.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address does not point to a mapped physical page"}

	errNoHugePageSupport = &kernel.Error{Module: "vmm", Message: "operation does not support huge pages"}

	// mapFn and unmapFn are used by tests and are automatically inlined
	// by the compiler.
	mapFn   = Map
	unmapFn = Unmap
)

// Map establishes a mapping between a virtual page and a physical memory
// frame in the currently active address space. Missing intermediate page
// tables are allocated on demand using the registered frame allocator. If
// the page already holds a present mapping, Map fails with ErrAlreadyMapped
// and leaves the existing mapping untouched.
func Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapToRoot(activeRootFrame(), page, frame, flags)
}

// mapToRoot implements Map against an explicit top-level table so that
// inactive address spaces can be populated. If an intermediate table
// allocation fails, any tables that this call created are unlinked and
// released again before returning.
func mapToRoot(rootFrame mm.Frame, page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var (
		err           *kernel.Error
		createdTables [pageLevels - 1]mm.Frame
		createdCount  int
	)

	walk(rootFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		// If we reached the last level all we need to do is map the
		// frame in place, flag it as present and flush its TLB entry
		if pteLevel == pageLevels-1 {
			if pte.HasFlags(FlagPresent) {
				err = ErrAlreadyMapped
				return false
			}

			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		// Next table does not exist yet; allocate a physical frame
		// for it, link it and clear its contents.
		if !pte.HasFlags(FlagPresent) {
			var newTableFrame mm.Frame
			newTableFrame, err = mm.AllocFrame(mm.ZoneAny)
			if err != nil {
				return false
			}

			kernel.Memset(mm.PhysToVirt(newTableFrame.Address()), 0, mm.PageSize)

			*pte = 0
			pte.SetFrame(newTableFrame)
			pte.SetFlags(FlagPresent | FlagRW)

			createdTables[createdCount] = newTableFrame
			createdCount++
		}

		return true
	})

	if err != nil && createdCount > 0 {
		// Unlink the first table this call created from its parent;
		// that detaches the whole partially built chain.
		walk(rootFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
			if pte.HasFlags(FlagPresent) && pte.Frame() == createdTables[0] {
				*pte = 0
				return false
			}

			return pteLevel < pageLevels-1 && pte.HasFlags(FlagPresent)
		})

		for i := 0; i < createdCount; i++ {
			mm.FreeFrame(createdTables[i])
		}
	}

	return err
}

// Remap replaces the frame and flags of an existing mapping and flushes its
// TLB entry. Remapping a non-present page fails with ErrNotMapped.
func Remap(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return remapToRoot(activeRootFrame(), page, frame, flags)
}

func remapToRoot(rootFrame mm.Frame, page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	var err *kernel.Error

	walk(rootFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrNotMapped
			return false
		}

		if pteLevel == pageLevels-1 {
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(flags | FlagPresent)
			flushTLBEntryFn(page.Address())
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Unmap removes a mapping previously installed via a call to Map or Remap
// and flushes its TLB entry. When freePhysical is true the backing frame is
// returned to the frame allocator. Unmapping a non-present page fails with
// ErrNotMapped.
func Unmap(page mm.Page, freePhysical bool) *kernel.Error {
	return unmapToRoot(activeRootFrame(), page, freePhysical)
}

func unmapToRoot(rootFrame mm.Frame, page mm.Page, freePhysical bool) *kernel.Error {
	var err *kernel.Error

	walk(rootFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			err = ErrNotMapped
			return false
		}

		if pteLevel == pageLevels-1 {
			frame := pte.Frame()
			*pte = 0
			flushTLBEntryFn(page.Address())

			if freePhysical {
				err = mm.FreeFrame(frame)
			}
			return true
		}

		if pte.HasFlags(FlagHugePage) {
			err = errNoHugePageSupport
			return false
		}

		return true
	})

	return err
}

// Translate returns the physical address that corresponds to the supplied
// virtual address or ErrNotMapped if the virtual address does not correspond
// to a mapped physical address. Intermediate entries that map huge pages
// terminate the walk early and contribute their larger in-page offset.
func Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return translateInRoot(activeRootFrame(), virtAddr)
}

func translateInRoot(rootFrame mm.Frame, virtAddr uintptr) (uintptr, *kernel.Error) {
	var (
		physAddr uintptr
		err      = ErrNotMapped
	)

	walk(rootFrame, virtAddr, func(pteLevel uint8, pte *pageTableEntry) bool {
		if !pte.HasFlags(FlagPresent) {
			return false
		}

		if pteLevel == pageLevels-1 || pte.HasFlags(FlagHugePage) {
			offsetMask := (uintptr(1) << pageLevelShifts[pteLevel]) - 1
			physAddr = pte.Frame().Address() + (virtAddr & offsetMask)
			err = nil
			return false
		}

		return true
	})

	return physAddr, err
}

// Prune releases the intermediate page tables on the supplied page's walk
// path that no longer contain any present entries. Tables are examined from
// the leaf level towards the root; the first non-empty table stops the scan.
// Prune is a no-op for paths that are already fully or partially unlinked.
func Prune(page mm.Page) *kernel.Error {
	return pruneInRoot(activeRootFrame(), page)
}

func pruneInRoot(rootFrame mm.Frame, page mm.Page) *kernel.Error {
	var (
		entries [pageLevels]*pageTableEntry
		visited int
	)

	walk(rootFrame, page.Address(), func(pteLevel uint8, pte *pageTableEntry) bool {
		entries[pteLevel] = pte
		visited = int(pteLevel)

		return pteLevel < pageLevels-1 &&
			pte.HasFlags(FlagPresent) && !pte.HasFlags(FlagHugePage)
	})

	// entries[level] lives in the level's table and points to the table
	// visited at level+1. Free child tables bottom-up while empty.
	for level := visited - 1; level >= 0; level-- {
		pte := entries[level]
		if !pte.HasFlags(FlagPresent) {
			break
		}

		childFrame := pte.Frame()
		if !tableIsEmpty(childFrame) {
			break
		}

		*pte = 0
		flushTLBEntryFn(page.Address())

		if err := mm.FreeFrame(childFrame); err != nil {
			return err
		}
	}

	return nil
}

// tableIsEmpty returns true if no entry of the page table stored in the
// supplied frame is present.
func tableIsEmpty(frame mm.Frame) bool {
	table := tableAt(frame)
	for i := 0; i < entriesPerTable; i++ {
		if table[i].HasFlags(FlagPresent) {
			return false
		}
	}

	return true
}

// PageOffset returns the offset within the page specified by a virtual
// address.
func PageOffset(virtAddr uintptr) uintptr {
	return virtAddr & (mm.PageSize - 1)
}
