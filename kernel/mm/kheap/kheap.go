// Package kheap exposes the hooks that back the kernel's general purpose
// byte-granularity allocator: a lock pair and page-block alloc/free built on
// the vmm kernel heap. The allocator may be entered from interrupt context
// so the lock is IRQ-safe.
package kheap

import (
	"halcyon/kernel"
	"halcyon/kernel/mm/vmm"
	"halcyon/kernel/sync"
)

var (
	heapLock sync.IrqSpinlock

	// The following functions are used by tests to mock calls into the
	// vmm package and are automatically inlined by the compiler.
	allocPagesFn = vmm.GetFreePages
	freePagesFn  = vmm.FreePages
)

// Lock acquires the allocator lock, disabling interrupts on this CPU for as
// long as it is held.
func Lock() {
	heapLock.AcquireIrqSave()
}

// Unlock releases the allocator lock and restores the interrupt state that
// was in effect before the matching Lock call.
func Unlock() {
	heapLock.ReleaseIrqRestore()
}

// AllocPages hands the allocator a zero-filled, virtually contiguous block
// of count kernel pages. It returns 0 when the request cannot be satisfied.
func AllocPages(count uint64) uintptr {
	addr, err := allocPagesFn(count)
	if err != nil {
		return 0
	}

	return addr
}

// FreePages returns a block previously obtained via AllocPages. The count
// must match the original request.
func FreePages(addr uintptr, count uint64) *kernel.Error {
	return freePagesFn(addr, count)
}
