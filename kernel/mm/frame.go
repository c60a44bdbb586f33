// Package mm defines the types shared by the physical and virtual memory
// managers: physical frames, virtual pages, allocation zones, the direct-map
// window and the frame allocation hooks that decouple the vmm from the
// currently active physical allocator.
package mm

import (
	"halcyon/kernel"
	"math"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by frame allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() uintptr {
	return uintptr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down.
func FrameFromAddress(physAddr uintptr) Frame {
	return Frame((physAddr & ^(uintptr(PageSize - 1))) >> PageShift)
}

// Zone selects the physical region that a frame allocation must be satisfied
// from. Devices with address-width limitations need their buffers below
// particular physical boundaries; everything else should leave those ranges
// alone.
type Zone uint8

const (
	// ZoneDMA covers physical memory below 16MiB, addressable by legacy
	// ISA DMA controllers.
	ZoneDMA Zone = iota

	// ZoneDMA32 covers physical memory below 4GiB, addressable by
	// 32-bit devices.
	ZoneDMA32

	// ZoneNormal covers physical memory at or above 4GiB.
	ZoneNormal

	// ZoneAny places no restriction on the returned frame. Allocators
	// satisfy it from the highest zone with free frames so that the
	// restricted zones are kept available.
	ZoneAny
)

// NumZones is the number of concrete allocation zones; ZoneAny is a
// selector, not a zone.
const NumZones = int(ZoneAny)

// String implements fmt.Stringer for Zone.
func (z Zone) String() string {
	switch z {
	case ZoneDMA:
		return "DMA"
	case ZoneDMA32:
		return "DMA32"
	case ZoneNormal:
		return "normal"
	case ZoneAny:
		return "any"
	default:
		return "unknown"
	}
}

// UpperBound returns the first frame past the zone, i.e. the exclusive upper
// limit of the frame indices the zone covers.
func (z Zone) UpperBound() Frame {
	switch z {
	case ZoneDMA:
		return Frame((16 * Mb) >> PageShift)
	case ZoneDMA32:
		return Frame((4 * Gb) >> PageShift)
	default:
		return InvalidFrame
	}
}

// ZoneForFrame returns the zone that the supplied frame belongs to.
func ZoneForFrame(f Frame) Zone {
	switch {
	case f < ZoneDMA.UpperBound():
		return ZoneDMA
	case f < ZoneDMA32.UpperBound():
		return ZoneDMA32
	default:
		return ZoneNormal
	}
}

var (
	// frameAllocator points to the frame allocator function registered
	// using SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// frameReclaimer points to the frame release function registered
	// using SetFrameReclaimer.
	frameReclaimer FrameReclaimerFn
)

// FrameAllocatorFn is a function that can allocate a physical frame from the
// requested zone.
type FrameAllocatorFn func(Zone) (Frame, *kernel.Error)

// FrameReclaimerFn is a function that returns a previously allocated
// physical frame to its allocator.
type FrameReclaimerFn func(Frame) *kernel.Error

// SetFrameAllocator registers a frame allocator function that will be used
// by the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetFrameReclaimer registers a function that the vmm code uses to release
// physical frames when mappings are torn down.
func SetFrameReclaimer(reclaimFn FrameReclaimerFn) { frameReclaimer = reclaimFn }

// AllocFrame allocates a new physical frame from the requested zone using
// the currently registered frame allocator.
func AllocFrame(zone Zone) (Frame, *kernel.Error) { return frameAllocator(zone) }

// FreeFrame returns a physical frame to the currently registered allocator.
func FreeFrame(frame Frame) *kernel.Error { return frameReclaimer(frame) }
