package pmm

import (
	"halcyon/kernel"
	"halcyon/kernel/hal/bootinfo"
	"halcyon/kernel/kfmt"
	"halcyon/kernel/mm"
)

var errBootAllocOutOfMemory = &kernel.Error{Module: "boot_mem_alloc", Message: "out of memory"}

// bootMemAllocator implements a rudimentary physical memory allocator which
// is used to bootstrap the kernel.
//
// The allocator uses the memory region information provided by the bootloader
// to hand out frames linearly, skipping over the region occupied by the
// kernel image. Allocations are tracked via a counter that contains the last
// allocated frame.
//
// Due to the way that the allocator works, it is not possible to free
// allocated pages. Once the kernel is properly initialized, the allocated
// blocks are handed over to the bitmap allocator which does support freeing.
type bootMemAllocator struct {
	// allocCount tracks the total number of allocated frames.
	allocCount uint64

	// lastAllocFrame tracks the last allocated frame number. It is only
	// meaningful while allocCount is non-zero.
	lastAllocFrame mm.Frame

	// Keep track of the kernel location so we exclude this region.
	kernelStartAddr, kernelEndAddr   uintptr
	kernelStartFrame, kernelEndFrame mm.Frame
}

// init sets up the boot memory allocator internal state.
func (alloc *bootMemAllocator) init(kernelStart, kernelEnd uintptr) {
	// round down kernel start to the nearest page and round up kernel end
	// to the nearest page.
	pageSizeMinus1 := uintptr(mm.PageSize - 1)
	alloc.kernelStartAddr = kernelStart
	alloc.kernelEndAddr = kernelEnd
	alloc.kernelStartFrame = mm.Frame((kernelStart & ^pageSizeMinus1) >> mm.PageShift)
	alloc.kernelEndFrame = mm.Frame(((kernelEnd+pageSizeMinus1) & ^pageSizeMinus1)>>mm.PageShift) - 1
}

// AllocFrame reserves the next available free frame.
func (alloc *bootMemAllocator) AllocFrame() (mm.Frame, *kernel.Error) {
	return alloc.AllocFrames(1)
}

// AllocFrames scans the system memory regions reported by the bootloader and
// reserves the next run of count physically contiguous free frames. Runs
// never overlap the kernel image and never span different memory regions.
//
// AllocFrames returns an error if no region contains a suitable run.
func (alloc *bootMemAllocator) AllocFrames(count uint64) (mm.Frame, *kernel.Error) {
	first := mm.InvalidFrame

	bootinfo.VisitMemRegions(func(region *bootinfo.MemRegion) bool {
		if region.Type != bootinfo.RegionAvailable || region.Length < uint64(mm.PageSize) {
			return true
		}

		// Reported addresses may not be page-aligned; round up to get
		// the start frame and round down to get the end frame
		pageSizeMinus1 := uint64(mm.PageSize - 1)
		alignedStart := (region.PhysAddress + pageSizeMinus1) & ^pageSizeMinus1
		alignedEnd := (region.PhysAddress + region.Length) & ^pageSizeMinus1
		if alignedEnd <= alignedStart {
			return true
		}

		regionStartFrame := mm.Frame(alignedStart >> mm.PageShift)
		regionEndFrame := mm.Frame(alignedEnd>>mm.PageShift) - 1

		next := regionStartFrame
		if alloc.allocCount != 0 && alloc.lastAllocFrame+1 > next {
			next = alloc.lastAllocFrame + 1
		}

		for {
			runEnd := next + mm.Frame(count) - 1
			if runEnd > regionEndFrame {
				// No room left in this region; try the next one.
				return true
			}

			// Jump over the kernel image if the run would overlap it.
			if next <= alloc.kernelEndFrame && runEnd >= alloc.kernelStartFrame {
				next = alloc.kernelEndFrame + 1
				continue
			}

			first = next
			return false
		}
	})

	if first == mm.InvalidFrame {
		return mm.InvalidFrame, errBootAllocOutOfMemory
	}

	alloc.lastAllocFrame = first + mm.Frame(count) - 1
	alloc.allocCount += count
	return first, nil
}

// printMemoryMap scans the memory region information provided by the
// bootloader and prints out the system's memory map.
func (alloc *bootMemAllocator) printMemoryMap() {
	kfmt.Printf("[boot_mem_alloc] system memory map:\n")
	var totalFree mm.Size
	bootinfo.VisitMemRegions(func(region *bootinfo.MemRegion) bool {
		kfmt.Printf("\t[0x%10x - 0x%10x], size: %10d, type: %s\n", region.PhysAddress, region.PhysAddress+region.Length, region.Length, region.Type.String())

		if region.Type == bootinfo.RegionAvailable {
			totalFree += mm.Size(region.Length)
		}
		return true
	})
	kfmt.Printf("[boot_mem_alloc] available memory: %dKb\n", uint64(totalFree/mm.Kb))
	kfmt.Printf("[boot_mem_alloc] kernel loaded at 0x%x - 0x%x\n", alloc.kernelStartAddr, alloc.kernelEndAddr)
	kfmt.Printf("[boot_mem_alloc] size: %d bytes, reserved pages: %d\n",
		uint64(alloc.kernelEndAddr-alloc.kernelStartAddr),
		uint64(alloc.kernelEndFrame-alloc.kernelStartFrame+1),
	)
}
