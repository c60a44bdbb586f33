// Package kmain orchestrates the boot sequence: memory manager bring-up,
// scheduler creation and interrupt wiring.
package kmain

import (
	"unsafe"

	"halcyon/kernel"
	"halcyon/kernel/cpu"
	"halcyon/kernel/hal/bootinfo"
	"halcyon/kernel/irq"
	"halcyon/kernel/kfmt"
	"halcyon/kernel/mm"
	"halcyon/kernel/mm/pmm"
	"halcyon/kernel/mm/vmm"
	"halcyon/kernel/task"
)

var errBootInfoMissing = &kernel.Error{Module: "kmain", Message: "boot stub did not provide boot info"}

// Kmain is invoked by the boot stub after it has set up a minimal environment
// for executing Go code: a GDT, a bootstrap stack, the physical memory direct
// map and a populated boot info block whose address it passes here.
//
// Kmain does not return; after bring-up the bootstrap flow becomes the boot
// task and parks until the scheduler preempts it.
//
//go:noinline
func Kmain(bootInfoPtr uintptr) {
	if bootInfoPtr == 0 {
		kfmt.Panic(errBootInfoMissing)
	}

	bi := (*bootinfo.BootInfo)(unsafe.Pointer(bootInfoPtr))
	bootinfo.Set(bi)
	mm.SetDirectMapOffset(bi.DirectMapOffset)

	var err *kernel.Error
	if err = pmm.Init(); err != nil {
		kfmt.Panic(err)
	} else if err = vmm.Init(); err != nil {
		kfmt.Panic(err)
	} else if err = task.Init(); err != nil {
		kfmt.Panic(err)
	}

	irq.InstallHandler(irq.TimerVector, task.Tick)
	irq.InstallHandler(irq.RescheduleVector, task.CheckReschedule)

	kfmt.Printf("[kmain] %d/%d frames free, heap at %16x\n",
		pmm.FreeFrameCount(), pmm.TotalFrameCount(), vmm.KernelHeapStart())

	cpu.EnableInterrupts()

	for {
		cpu.HaltUntilInterrupt()
	}
}
