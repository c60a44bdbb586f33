package pmm

import (
	"testing"
	"unsafe"

	"halcyon/kernel/cpu"
	"halcyon/kernel/hal/bootinfo"
	"halcyon/kernel/mm"
)

// arenaHold keeps the backing slice of the fake physical arena reachable for
// the duration of a test.
var arenaHold []byte

// setupArena allocates a page-aligned block of memory that stands in for
// physical memory and points the direct map at it. Physical address 0 maps
// to the start of the block.
func setupArena(size uintptr) func() {
	arenaHold = make([]byte, size+mm.PageSize)
	base := (uintptr(unsafe.Pointer(&arenaHold[0])) + mm.PageSize - 1) & ^(mm.PageSize - 1)
	mm.SetDirectMapOffset(base)

	return func() {
		mm.SetDirectMapOffset(0)
		arenaHold = nil
	}
}

// mockCPUPort stubs the privileged flag save/restore calls that the IRQ
// spinlocks perform; the real implementations fault in user mode.
func mockCPUPort() func() {
	origSave, origRestore := cpu.SaveFlagsDisableInterrupts, cpu.RestoreFlags
	cpu.SaveFlagsDisableInterrupts = func() uintptr { return 0x202 }
	cpu.RestoreFlags = func(uintptr) {}

	return func() {
		cpu.SaveFlagsDisableInterrupts = origSave
		cpu.RestoreFlags = origRestore
	}
}

func resetAllocators() {
	bootMemAlloc = bootMemAllocator{}
	bitmapAlloc = BitmapAllocator{}
}

func TestBootMemAllocatorSkipsKernelAndReservedRegions(t *testing.T) {
	defer bootinfo.Set(nil)
	resetAllocators()

	bootinfo.Set(&bootinfo.BootInfo{
		MemRegions: []bootinfo.MemRegion{
			{PhysAddress: 0, Length: 16 * uint64(mm.PageSize), Type: bootinfo.RegionAvailable},
			{PhysAddress: 16 * uint64(mm.PageSize), Length: 4 * uint64(mm.PageSize), Type: bootinfo.RegionReserved},
			{PhysAddress: 20 * uint64(mm.PageSize), Length: 12 * uint64(mm.PageSize), Type: bootinfo.RegionAvailable},
		},
	})

	// Kernel occupies frames 4-7.
	bootMemAlloc.init(4*uintptr(mm.PageSize), 8*uintptr(mm.PageSize))

	var allocated []mm.Frame
	for {
		frame, err := bootMemAlloc.AllocFrame()
		if err == errBootAllocOutOfMemory {
			break
		}
		if err != nil {
			t.Fatal(err)
		}
		allocated = append(allocated, frame)
	}

	// 28 available frames minus the 4 kernel frames.
	if exp := 24; len(allocated) != exp {
		t.Fatalf("expected the boot allocator to hand out %d frames; got %d", exp, len(allocated))
	}

	seen := make(map[mm.Frame]bool)
	for _, frame := range allocated {
		if seen[frame] {
			t.Errorf("frame %d handed out twice", frame)
		}
		seen[frame] = true

		if frame >= 4 && frame <= 7 {
			t.Errorf("expected kernel frame %d to never be handed out", frame)
		}
		if frame >= 16 && frame <= 19 {
			t.Errorf("expected reserved frame %d to never be handed out", frame)
		}
	}
}

func TestBootMemAllocFramesRunPlacement(t *testing.T) {
	defer bootinfo.Set(nil)
	resetAllocators()

	bootinfo.Set(&bootinfo.BootInfo{
		MemRegions: []bootinfo.MemRegion{
			{PhysAddress: 0, Length: 8 * uint64(mm.PageSize), Type: bootinfo.RegionAvailable},
			{PhysAddress: 16 * uint64(mm.PageSize), Length: 8 * uint64(mm.PageSize), Type: bootinfo.RegionAvailable},
		},
	})

	// Kernel occupies frames 2-3, splitting the first region.
	bootMemAlloc.init(2*uintptr(mm.PageSize), 4*uintptr(mm.PageSize))

	// A 4-frame run does not fit before the kernel; it must land right
	// after it.
	frame, err := bootMemAlloc.AllocFrames(4)
	if err != nil {
		t.Fatal(err)
	}
	if frame != 4 {
		t.Fatalf("expected a 4-frame run to start at frame 4; got %d", frame)
	}

	// A 6-frame run does not fit in the remainder of the first region
	// and must not span into the second one.
	frame, err = bootMemAlloc.AllocFrames(6)
	if err != nil {
		t.Fatal(err)
	}
	if frame != 16 {
		t.Fatalf("expected a 6-frame run to start at frame 16; got %d", frame)
	}

	if _, err = bootMemAlloc.AllocFrames(16); err != errBootAllocOutOfMemory {
		t.Fatalf("expected an oversized run request to fail with %v; got %v", errBootAllocOutOfMemory, err)
	}
}

func TestInitWith16MBSystem(t *testing.T) {
	defer setupArena(16 * uintptr(mm.Mb))()
	defer mockCPUPort()()
	defer bootinfo.Set(nil)
	defer mm.SetFrameAllocator(nil)
	defer mm.SetFrameReclaimer(nil)
	resetAllocators()

	// Kernel loaded at 1MiB, 64 pages long.
	kernelStart := uint64(mm.Mb)
	kernelEnd := kernelStart + 64*uint64(mm.PageSize)

	bootinfo.Set(&bootinfo.BootInfo{
		MemRegions: []bootinfo.MemRegion{
			{PhysAddress: 0, Length: 16 * uint64(mm.Mb), Type: bootinfo.RegionAvailable},
		},
		DirectMapOffset: mm.DirectMapOffset(),
		KernelPhysStart: kernelStart,
		KernelPhysEnd:   kernelEnd,
	})

	if err := Init(); err != nil {
		t.Fatal(err)
	}

	if exp, got := uint64(4096), TotalFrameCount(); got != exp {
		t.Fatalf("expected a 16MiB system to manage %d frames; got %d", exp, got)
	}

	// Every kernel frame must be flagged as reserved.
	for frame := mm.FrameFromAddress(uintptr(kernelStart)); frame.Address() < uintptr(kernelEnd); frame++ {
		if !FrameIsUsed(frame) {
			t.Errorf("expected kernel frame %d to be reserved", frame)
		}
	}

	// Allocating and releasing a batch of frames must restore the free
	// count exactly.
	freeBefore := FreeFrameCount()

	var frames []mm.Frame
	for i := 0; i < 128; i++ {
		frame, err := AllocFrame(mm.ZoneAny)
		if err != nil {
			t.Fatal(err)
		}
		frames = append(frames, frame)
	}

	if got := FreeFrameCount(); got != freeBefore-128 {
		t.Fatalf("expected free count %d after allocations; got %d", freeBefore-128, got)
	}

	for _, frame := range frames {
		if err := FreeFrame(frame); err != nil {
			t.Fatal(err)
		}
	}

	if got := FreeFrameCount(); got != freeBefore {
		t.Fatalf("expected free count to return to %d; got %d", freeBefore, got)
	}

	// The frame allocation hooks must now point at the bitmap allocator.
	hookFrame, err := mm.AllocFrame(mm.ZoneAny)
	if err != nil {
		t.Fatal(err)
	}
	if !FrameIsUsed(hookFrame) {
		t.Fatal("expected the mm hook to reserve a frame via the bitmap allocator")
	}
	if err = mm.FreeFrame(hookFrame); err != nil {
		t.Fatal(err)
	}
}

func TestBitmapAllocatorFreeErrors(t *testing.T) {
	defer setupArena(4 * uintptr(mm.Mb))()
	defer bootinfo.Set(nil)
	resetAllocators()

	bootinfo.Set(&bootinfo.BootInfo{
		MemRegions: []bootinfo.MemRegion{
			{PhysAddress: 0, Length: 4 * uint64(mm.Mb), Type: bootinfo.RegionAvailable},
		},
	})

	bootMemAlloc.init(uintptr(mm.Mb), uintptr(mm.Mb)+8*uintptr(mm.PageSize))
	if err := bitmapAlloc.init(&bootMemAlloc); err != nil {
		t.Fatal(err)
	}

	frame, err := bitmapAlloc.AllocFrame(mm.ZoneAny)
	if err != nil {
		t.Fatal(err)
	}

	if err = bitmapAlloc.FreeFrame(frame); err != nil {
		t.Fatal(err)
	}

	if err = bitmapAlloc.FreeFrame(frame); err != ErrDoubleFree {
		t.Fatalf("expected freeing a free frame to return ErrDoubleFree; got %v", err)
	}

	if err = bitmapAlloc.FreeFrame(mm.Frame(1 << 40)); err != ErrFrameNotManaged {
		t.Fatalf("expected freeing an unmanaged frame to return ErrFrameNotManaged; got %v", err)
	}

	if !bitmapAlloc.FrameIsUsed(mm.Frame(1 << 40)) {
		t.Fatal("expected an unmanaged frame to be reported as used")
	}
}

func TestBitmapAllocContiguousAcrossWordBoundaries(t *testing.T) {
	defer setupArena(4 * uintptr(mm.Mb))()
	defer bootinfo.Set(nil)
	resetAllocators()

	bootinfo.Set(&bootinfo.BootInfo{
		MemRegions: []bootinfo.MemRegion{
			{PhysAddress: 0, Length: 4 * uint64(mm.Mb), Type: bootinfo.RegionAvailable},
		},
	})

	bootMemAlloc.init(uintptr(mm.Mb), uintptr(mm.Mb)+8*uintptr(mm.PageSize))
	if err := bitmapAlloc.init(&bootMemAlloc); err != nil {
		t.Fatal(err)
	}

	// Offset the next allocation so a long run cannot be word-aligned.
	if _, err := bitmapAlloc.AllocFrame(mm.ZoneAny); err != nil {
		t.Fatal(err)
	}

	// 100 frames always span at least two 64-bit bitmap words.
	const runLen = 100
	first, err := bitmapAlloc.AllocContiguous(runLen, mm.ZoneAny)
	if err != nil {
		t.Fatal(err)
	}

	for i := mm.Frame(0); i < runLen; i++ {
		if !bitmapAlloc.FrameIsUsed(first + i) {
			t.Fatalf("expected frame %d of the run to be reserved", first+i)
		}
	}

	freeBefore := bitmapAlloc.FreeFrameCount()
	if err = bitmapAlloc.FreeContiguous(first, runLen); err != nil {
		t.Fatal(err)
	}

	if got := bitmapAlloc.FreeFrameCount(); got != freeBefore+runLen {
		t.Fatalf("expected free count %d after releasing the run; got %d", freeBefore+runLen, got)
	}

	if _, err = bitmapAlloc.AllocContiguous(0, mm.ZoneAny); err != ErrInvalidParam {
		t.Fatalf("expected a zero-length run request to return ErrInvalidParam; got %v", err)
	}
}

func TestBitmapAllocatorZonePlacement(t *testing.T) {
	defer setupArena(2 * uintptr(mm.Mb))()
	defer bootinfo.Set(nil)
	resetAllocators()

	// The two high regions straddle the DMA/DMA32 and DMA32/normal
	// boundaries; only their bitmaps are ever touched so they do not
	// need arena backing.
	bootinfo.Set(&bootinfo.BootInfo{
		MemRegions: []bootinfo.MemRegion{
			{PhysAddress: 0, Length: 2 * uint64(mm.Mb), Type: bootinfo.RegionAvailable},
			{PhysAddress: 15 * uint64(mm.Mb), Length: 2 * uint64(mm.Mb), Type: bootinfo.RegionAvailable},
			{PhysAddress: 4*uint64(mm.Gb) - uint64(mm.Mb), Length: 2 * uint64(mm.Mb), Type: bootinfo.RegionAvailable},
		},
	})

	bootMemAlloc.init(uintptr(mm.Mb), uintptr(mm.Mb)+8*uintptr(mm.PageSize))
	if err := bitmapAlloc.init(&bootMemAlloc); err != nil {
		t.Fatal(err)
	}

	// Regions crossing a zone boundary are split into one pool per zone.
	if exp, got := 5, len(bitmapAlloc.pools); got != exp {
		t.Fatalf("expected %d pools; got %d", exp, got)
	}

	// Unrestricted allocations must be satisfied from the normal zone
	// while it has free frames.
	frame, err := bitmapAlloc.AllocFrame(mm.ZoneAny)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Address() < 4*uintptr(mm.Gb) {
		t.Fatalf("expected a ZoneAny frame to come from the normal zone; got address %x", frame.Address())
	}

	frame, err = bitmapAlloc.AllocFrame(mm.ZoneDMA)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Address() >= 16*uintptr(mm.Mb) {
		t.Fatalf("expected a ZoneDMA frame below 16MiB; got address %x", frame.Address())
	}

	frame, err = bitmapAlloc.AllocFrame(mm.ZoneDMA32)
	if err != nil {
		t.Fatal(err)
	}
	if frame.Address() < 16*uintptr(mm.Mb) || frame.Address() >= 4*uintptr(mm.Gb) {
		t.Fatalf("expected a ZoneDMA32 frame in [16MiB, 4GiB); got address %x", frame.Address())
	}

	// The DMA32 slice of the region at 15MiB holds exactly 1MiB; a
	// 2MiB run must not straddle the zone split.
	runLen := 2 * uint64(mm.Mb) / uint64(mm.PageSize)
	if _, err = bitmapAlloc.AllocContiguous(runLen, mm.ZoneDMA32); err != ErrOutOfMemory {
		t.Fatalf("expected a run spanning a zone split to fail with ErrOutOfMemory; got %v", err)
	}
}
