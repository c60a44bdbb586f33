// Package pmm manages physical memory frame allocations. It layers two
// allocators: a linear boot-mem allocator that can only hand out frames and
// the bitmap allocator that supports zones, contiguous runs and freeing. The
// boot-mem allocator bootstraps the bitmap allocator and is then retired.
package pmm

import (
	"halcyon/kernel"
	"halcyon/kernel/hal/bootinfo"
	"halcyon/kernel/mm"
	"halcyon/kernel/sync"
)

var (
	// bootMemAlloc is the page allocator used while the kernel boots. It
	// is used to bootstrap the bitmap allocator which serves all frame
	// allocations while the kernel runs.
	bootMemAlloc bootMemAllocator

	// bitmapAlloc is the standard allocator used by the kernel.
	bitmapAlloc BitmapAllocator

	// allocLock serializes access to the bitmap allocator. Frame
	// allocations can be triggered from interrupt context so the lock
	// must be IRQ-safe.
	allocLock sync.IrqSpinlock

	errBootInfoMissing = &kernel.Error{Module: "pmm", Message: "boot info has not been registered"}
)

// Init sets up the kernel physical memory allocation sub-system.
func Init() *kernel.Error {
	bi := bootinfo.Get()
	if bi == nil {
		return errBootInfoMissing
	}

	bootMemAlloc.init(uintptr(bi.KernelPhysStart), uintptr(bi.KernelPhysEnd))
	bootMemAlloc.printMemoryMap()
	mm.SetFrameAllocator(earlyAllocFrame)

	// Using the boot-mem allocator, bootstrap the bitmap allocator and
	// switch the registered hooks over to it.
	if err := bitmapAlloc.init(&bootMemAlloc); err != nil {
		return err
	}
	mm.SetFrameAllocator(AllocFrame)
	mm.SetFrameReclaimer(FreeFrame)

	return nil
}

// earlyAllocFrame satisfies frame allocations while the bitmap allocator is
// not available yet. The boot-mem allocator cannot honor zone placement; it
// hands out the next linear frame regardless of the requested zone.
func earlyAllocFrame(_ mm.Zone) (mm.Frame, *kernel.Error) {
	return bootMemAlloc.AllocFrame()
}

// AllocFrame reserves one free frame from the requested zone.
func AllocFrame(zone mm.Zone) (mm.Frame, *kernel.Error) {
	allocLock.AcquireIrqSave()
	frame, err := bitmapAlloc.AllocFrame(zone)
	allocLock.ReleaseIrqRestore()

	return frame, err
}

// AllocContiguous reserves count physically contiguous frames from the
// requested zone and returns the first frame of the run.
func AllocContiguous(count uint64, zone mm.Zone) (mm.Frame, *kernel.Error) {
	allocLock.AcquireIrqSave()
	frame, err := bitmapAlloc.AllocContiguous(count, zone)
	allocLock.ReleaseIrqRestore()

	return frame, err
}

// FreeFrame releases a previously reserved frame.
func FreeFrame(frame mm.Frame) *kernel.Error {
	allocLock.AcquireIrqSave()
	err := bitmapAlloc.FreeFrame(frame)
	allocLock.ReleaseIrqRestore()

	return err
}

// FreeContiguous releases a run of count frames previously reserved via
// AllocContiguous.
func FreeContiguous(frame mm.Frame, count uint64) *kernel.Error {
	allocLock.AcquireIrqSave()
	err := bitmapAlloc.FreeContiguous(frame, count)
	allocLock.ReleaseIrqRestore()

	return err
}

// FrameIsUsed returns true if the supplied frame is currently reserved.
func FrameIsUsed(frame mm.Frame) bool {
	allocLock.AcquireIrqSave()
	used := bitmapAlloc.FrameIsUsed(frame)
	allocLock.ReleaseIrqRestore()

	return used
}

// FreeFrameCount returns the number of frames available for allocation.
func FreeFrameCount() uint64 {
	allocLock.AcquireIrqSave()
	count := bitmapAlloc.FreeFrameCount()
	allocLock.ReleaseIrqRestore()

	return count
}

// TotalFrameCount returns the total number of frames managed by the bitmap
// allocator.
func TotalFrameCount() uint64 {
	allocLock.AcquireIrqSave()
	count := bitmapAlloc.TotalFrameCount()
	allocLock.ReleaseIrqRestore()

	return count
}
