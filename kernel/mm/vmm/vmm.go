// Package vmm manages the kernel's virtual address space: page table walks,
// mapping and translation, the kernel heap region and per-task address
// spaces. Page table frames are always accessed through the physical memory
// direct map so both active and inactive address spaces can be manipulated
// with the same code paths.
package vmm

import (
	"halcyon/kernel"
	"halcyon/kernel/hal/bootinfo"
	"halcyon/kernel/mm"
	"halcyon/kernel/mm/pmm"
	"halcyon/kernel/sync"
)

var (
	// kernelSpace is the address space built by Init. Every task address
	// space shares its upper half.
	kernelSpace AddressSpace

	// kernelHeap hands out virtual page blocks from the kernel heap
	// region.
	kernelHeap buddyAllocator

	// heapLock serializes heap reservations and the page table updates
	// that back them. Heap allocations can be triggered from interrupt
	// context so the lock must be IRQ-safe.
	heapLock sync.IrqSpinlock

	// The following functions are used by tests to mock calls into the
	// pmm package and are automatically inlined by the compiler.
	allocContiguousFn = pmm.AllocContiguous
	freeContiguousFn  = pmm.FreeContiguous

	// memsetFn is used by tests to override the zeroing of freshly
	// allocated heap blocks; the heap virtual addresses are not backed
	// by host memory when running in user mode.
	memsetFn = kernel.Memset

	errBootInfoMissing = &kernel.Error{Module: "vmm", Message: "boot info has not been registered"}
)

// heapPageFlags is applied to every kernel heap mapping. Heap memory holds
// data, never code.
const heapPageFlags = FlagRW | FlagNoExecute | FlagGlobal

// Init builds the kernel address space and the kernel heap. The new space
// re-creates the physical memory direct map established by the boot stub,
// maps the kernel image at its linked virtual base and is then activated.
func Init() *kernel.Error {
	bi := bootinfo.Get()
	if bi == nil {
		return errBootInfoMissing
	}

	rootFrame, err := mm.AllocFrame(mm.ZoneAny)
	if err != nil {
		return err
	}

	kernel.Memset(mm.PhysToVirt(rootFrame.Address()), 0, mm.PageSize)
	kernelSpace.rootFrame = rootFrame

	// Re-create the direct map of all physical memory inside the new
	// address space.
	var maxPhys uint64
	bootinfo.VisitMemRegions(func(region *bootinfo.MemRegion) bool {
		if end := region.PhysAddress + region.Length; end > maxPhys {
			maxPhys = end
		}
		return true
	})

	for phys := uint64(0); phys < maxPhys; phys += uint64(mm.PageSize) {
		page := mm.PageFromAddress(mm.DirectMapOffset() + uintptr(phys))
		if err = mapToRoot(rootFrame, page, mm.FrameFromAddress(uintptr(phys)), heapPageFlags); err != nil {
			return err
		}
	}

	// Map the kernel image at its linked virtual base.
	for off := uint64(0); bi.KernelPhysStart+off < bi.KernelPhysEnd; off += uint64(mm.PageSize) {
		page := mm.PageFromAddress(kernelBase + uintptr(off))
		frame := mm.FrameFromAddress(uintptr(bi.KernelPhysStart + off))
		if err = mapToRoot(rootFrame, page, frame, FlagRW|FlagGlobal); err != nil {
			return err
		}
	}

	// Pre-create the heap's top intermediate table by mapping and
	// unmapping a scratch frame at the heap base. Address spaces cloned
	// from the kernel space share the table and with it every future
	// heap mapping.
	heapStart := mm.PageFromAddress(kernelHeapBase)
	seedFrame, err := mm.AllocFrame(mm.ZoneAny)
	if err != nil {
		return err
	}
	if err = mapToRoot(rootFrame, heapStart, seedFrame, heapPageFlags); err != nil {
		return err
	}
	if err = unmapToRoot(rootFrame, heapStart, true); err != nil {
		return err
	}

	if err = kernelHeap.init(heapStart, uint64(kernelHeapSize>>mm.PageShift)); err != nil {
		return err
	}

	kernelSpace.Activate()
	return nil
}

// KernelAddressSpace returns the address space built by Init.
func KernelAddressSpace() *AddressSpace {
	return &kernelSpace
}

// KernelHeapStart returns the first virtual address of the kernel heap
// region.
func KernelHeapStart() uintptr {
	return kernelHeapBase
}

// AllocPages reserves a block of virtually contiguous kernel heap pages
// large enough to hold count pages and backs the whole block with physical
// frames. When contiguous is true the backing frames form one physical run
// allocated below 4GiB so the block can be handed to 32-bit capable devices.
// The returned address is the start of the block; its contents are not
// cleared. Either the entire block is allocated, mapped and returned or the
// request fails without leaking frames or heap space.
func AllocPages(count uint64, contiguous bool) (uintptr, *kernel.Error) {
	order, err := orderForCount(count)
	if err != nil {
		return 0, err
	}

	heapLock.AcquireIrqSave()
	addr, err := allocPagesLocked(order, contiguous)
	heapLock.ReleaseIrqRestore()

	return addr, err
}

func allocPagesLocked(order uint8, contiguous bool) (uintptr, *kernel.Error) {
	blockIndex, err := kernelHeap.reserveBlock(order)
	if err != nil {
		return 0, err
	}

	var (
		rootFrame  = kernelSpace.rootFrame
		blockPages = uint64(1) << order
		startPage  = kernelHeap.startPage + mm.Page(blockIndex<<order)
	)

	if contiguous {
		firstFrame, err := allocContiguousFn(blockPages, mm.ZoneDMA32)
		if err != nil {
			kernelHeap.releaseBlock(uint64(startPage-kernelHeap.startPage), order)
			return 0, err
		}

		for i := uint64(0); i < blockPages; i++ {
			if err = mapToRoot(rootFrame, startPage+mm.Page(i), firstFrame+mm.Frame(i), heapPageFlags); err != nil {
				for j := uint64(0); j < i; j++ {
					unmapToRoot(rootFrame, startPage+mm.Page(j), false)
					pruneInRoot(rootFrame, startPage+mm.Page(j))
				}
				freeContiguousFn(firstFrame, blockPages)
				kernelHeap.releaseBlock(uint64(startPage-kernelHeap.startPage), order)
				return 0, err
			}
		}

		return startPage.Address(), nil
	}

	for i := uint64(0); i < blockPages; i++ {
		frame, err := mm.AllocFrame(mm.ZoneAny)
		if err == nil {
			if err = mapToRoot(rootFrame, startPage+mm.Page(i), frame, heapPageFlags); err != nil {
				mm.FreeFrame(frame)
			}
		}

		if err != nil {
			for j := uint64(0); j < i; j++ {
				unmapToRoot(rootFrame, startPage+mm.Page(j), true)
				pruneInRoot(rootFrame, startPage+mm.Page(j))
			}
			kernelHeap.releaseBlock(uint64(startPage-kernelHeap.startPage), order)
			return 0, err
		}
	}

	return startPage.Address(), nil
}

// FreePages releases a heap block previously obtained via AllocPages or
// GetFreePages. The count must match the original request; the backing
// frames are returned to the frame allocator and emptied page tables are
// pruned.
func FreePages(addr uintptr, count uint64) *kernel.Error {
	order, err := orderForCount(count)
	if err != nil {
		return err
	}

	if PageOffset(addr) != 0 {
		return errInvalidHeapAddr
	}

	page := mm.PageFromAddress(addr)
	if page < kernelHeap.startPage {
		return errInvalidHeapAddr
	}

	var (
		blockPages = uint64(1) << order
		pageIndex  = uint64(page - kernelHeap.startPage)
	)
	if pageIndex&(blockPages-1) != 0 || pageIndex+blockPages > kernelHeap.pageCount {
		return errInvalidHeapAddr
	}

	heapLock.AcquireIrqSave()
	rootFrame := kernelSpace.rootFrame
	for i := uint64(0); i < blockPages; i++ {
		if err = unmapToRoot(rootFrame, page+mm.Page(i), true); err != nil {
			heapLock.ReleaseIrqRestore()
			return err
		}
		if err = pruneInRoot(rootFrame, page+mm.Page(i)); err != nil {
			heapLock.ReleaseIrqRestore()
			return err
		}
	}

	kernelHeap.releaseBlock(pageIndex, order)
	heapLock.ReleaseIrqRestore()

	return nil
}

// GetFreePages behaves like AllocPages but returns zero-filled memory.
func GetFreePages(count uint64) (uintptr, *kernel.Error) {
	addr, err := AllocPages(count, false)
	if err != nil {
		return 0, err
	}

	order, _ := orderForCount(count)
	memsetFn(addr, 0, uintptr(uint64(1)<<order)*mm.PageSize)

	return addr, nil
}

// GetFreePage returns one zero-filled kernel heap page.
func GetFreePage() (uintptr, *kernel.Error) {
	return GetFreePages(1)
}
