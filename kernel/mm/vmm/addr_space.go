package vmm

import (
	"halcyon/kernel"
	"halcyon/kernel/kfmt"
	"halcyon/kernel/mm"
)

var errMisalignedRoot = &kernel.Error{Module: "vmm", Message: "address space root table is not page-aligned"}

// AddressSpace describes one page table hierarchy. The kernel owns one
// address space built by Init; every other address space clones its upper
// half so kernel code and data stay mapped no matter which space is active.
type AddressSpace struct {
	rootFrame mm.Frame
}

// NewAddressSpace allocates a top-level page table, clears its lower half
// and copies the kernel mappings into its upper half.
func NewAddressSpace() (*AddressSpace, *kernel.Error) {
	rootFrame, err := mm.AllocFrame(mm.ZoneAny)
	if err != nil {
		return nil, err
	}

	kernel.Memset(mm.PhysToVirt(rootFrame.Address()), 0, mm.PageSize)

	src := tableAt(kernelSpace.rootFrame)
	dst := tableAt(rootFrame)
	for i := entriesPerTable / 2; i < entriesPerTable; i++ {
		dst[i] = src[i]
	}

	return &AddressSpace{rootFrame: rootFrame}, nil
}

// RootFrame returns the frame holding the top-level page table of this
// address space.
func (as *AddressSpace) RootFrame() mm.Frame {
	return as.rootFrame
}

// Map establishes a mapping between a virtual page and a physical frame in
// this address space.
func (as *AddressSpace) Map(page mm.Page, frame mm.Frame, flags PageTableEntryFlag) *kernel.Error {
	return mapToRoot(as.rootFrame, page, frame, flags)
}

// Unmap removes a mapping from this address space, optionally releasing the
// backing frame.
func (as *AddressSpace) Unmap(page mm.Page, freePhysical bool) *kernel.Error {
	return unmapToRoot(as.rootFrame, page, freePhysical)
}

// Translate returns the physical address that the supplied virtual address
// maps to in this address space.
func (as *AddressSpace) Translate(virtAddr uintptr) (uintptr, *kernel.Error) {
	return translateInRoot(as.rootFrame, virtAddr)
}

// Prune releases emptied intermediate page tables on the supplied page's
// walk path in this address space.
func (as *AddressSpace) Prune(page mm.Page) *kernel.Error {
	return pruneInRoot(as.rootFrame, page)
}

// Activate loads this address space's root table into the MMU, flushing all
// non-global TLB entries. The hardware silently ignores the low bits of the
// root register so a misaligned root would activate the wrong table; that is
// a kernel bug and halts the system.
func (as *AddressSpace) Activate() {
	rootAddr := as.rootFrame.Address()
	if rootAddr&(mm.PageSize-1) != 0 {
		kfmt.Panic(errMisalignedRoot)
	}

	switchPDTFn(rootAddr)
}

// Destroy releases the page table frames owned by this address space: the
// table trees reachable from its lower half and the root table itself. The
// upper-half tables are shared with the kernel space and are left alone.
// Frames mapped by leaf entries are not released; the owner of those
// mappings must unmap them first.
func (as *AddressSpace) Destroy() *kernel.Error {
	root := tableAt(as.rootFrame)
	for i := 0; i < entriesPerTable/2; i++ {
		if root[i].HasFlags(FlagPresent) && !root[i].HasFlags(FlagHugePage) {
			if err := freeTableTree(root[i].Frame(), 1); err != nil {
				return err
			}
		}
		root[i] = 0
	}

	return mm.FreeFrame(as.rootFrame)
}

// freeTableTree releases the page table stored in the supplied frame and,
// for non-leaf levels, every table reachable from it.
func freeTableTree(frame mm.Frame, level uint8) *kernel.Error {
	if level < pageLevels-1 {
		table := tableAt(frame)
		for i := 0; i < entriesPerTable; i++ {
			if table[i].HasFlags(FlagPresent) && !table[i].HasFlags(FlagHugePage) {
				if err := freeTableTree(table[i].Frame(), level+1); err != nil {
					return err
				}
			}
		}
	}

	return mm.FreeFrame(frame)
}
