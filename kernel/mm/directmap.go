package mm

// directMapOffset is the virtual address where physical address 0 is mapped.
// The boot stub establishes the direct map before the kernel runs and the
// vmm re-creates it inside the kernel address space; all page-table frames
// are accessed through this window.
var directMapOffset uintptr

// SetDirectMapOffset records the virtual base address of the physical memory
// direct map. It must be called before any page-table walk takes place.
func SetDirectMapOffset(offset uintptr) {
	directMapOffset = offset
}

// DirectMapOffset returns the virtual base address of the physical memory
// direct map.
func DirectMapOffset() uintptr {
	return directMapOffset
}

// PhysToVirt returns a virtual address through which the supplied physical
// address can be accessed.
func PhysToVirt(physAddr uintptr) uintptr {
	return physAddr + directMapOffset
}

// VirtToPhys returns the physical address backing a virtual address inside
// the direct-map window. It is only valid for addresses obtained from
// PhysToVirt.
func VirtToPhys(virtAddr uintptr) uintptr {
	return virtAddr - directMapOffset
}
