// Package bootinfo defines the handoff protocol between the boot stub and
// the kernel proper: the physical memory map, the higher-half direct-map
// offset and the physical extent of the loaded kernel image. The boot stub
// populates a BootInfo from the bootloader-provided data and registers it
// before kmain runs; everything downstream treats it as read-only.
package bootinfo

// MemRegionType defines the type of a MemRegion.
type MemRegionType uint32

const (
	// RegionAvailable indicates that the memory region is available for use.
	RegionAvailable MemRegionType = iota + 1

	// RegionReserved indicates that the memory region is not available for use.
	RegionReserved

	// RegionACPIReclaimable indicates a memory region that holds ACPI info
	// that can be reused by the OS.
	RegionACPIReclaimable

	// RegionNVS indicates memory that must be preserved when hibernating.
	RegionNVS

	// Any value >= regionUnknown will be mapped to RegionReserved.
	regionUnknown
)

// String implements fmt.Stringer for MemRegionType.
func (t MemRegionType) String() string {
	switch t {
	case RegionAvailable:
		return "available"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaimable:
		return "ACPI (reclaimable)"
	case RegionNVS:
		return "NVS"
	default:
		return "unknown"
	}
}

// MemRegion describes a physical memory region reported by the bootloader:
// its physical address, its length and its type.
type MemRegion struct {
	// The physical address where this memory region starts.
	PhysAddress uint64

	// The length of the memory region.
	Length uint64

	// The type of this region.
	Type MemRegionType
}

// BootInfo carries the bootloader-provided data that the kernel needs to
// bootstrap memory management.
type BootInfo struct {
	// The physical memory map. The backing array lives in the boot stub's
	// data segment; no allocation is required to populate it.
	MemRegions []MemRegion

	// DirectMapOffset is the virtual address where the bootloader mapped
	// physical address 0. Adding it to a physical address yields a
	// usable virtual address for any mapped physical memory.
	DirectMapOffset uintptr

	// The physical extent of the loaded kernel image. Frames inside this
	// range must never be handed out by the frame allocators.
	KernelPhysStart uint64
	KernelPhysEnd   uint64
}

var info *BootInfo

// Set registers the boot information. It must be invoked by the boot stub
// before any other kernel subsystem initializes.
func Set(bi *BootInfo) {
	info = bi
}

// Get returns the registered boot information or nil if Set has not been
// invoked yet.
func Get() *BootInfo {
	return info
}

// MemRegionVisitor defines a visitor function that gets invoked by
// VisitMemRegions for each memory region provided by the boot loader. The
// visitor must return true to continue or false to abort the scan.
type MemRegionVisitor func(region *MemRegion) bool

// VisitMemRegions invokes the supplied visitor for each memory region in the
// registered boot information. Regions with types this kernel does not know
// about are treated as reserved.
func VisitMemRegions(visitor MemRegionVisitor) {
	if info == nil {
		return
	}

	for i := range info.MemRegions {
		region := &info.MemRegions[i]
		if region.Type == 0 || region.Type >= regionUnknown {
			region.Type = RegionReserved
		}

		if !visitor(region) {
			return
		}
	}
}
