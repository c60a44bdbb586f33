package pmm

import (
	"reflect"
	"unsafe"

	"halcyon/kernel"
	"halcyon/kernel/hal/bootinfo"
	"halcyon/kernel/mm"
)

var (
	// ErrOutOfMemory is returned when no zone pool can satisfy an
	// allocation request.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of memory"}

	// ErrDoubleFree is returned when attempting to release a frame that
	// is already free.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is already free"}

	// ErrFrameNotManaged is returned when attempting to release a frame
	// that does not belong to any allocator pool.
	ErrFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame not managed by this allocator"}

	// ErrInvalidParam is returned for requests with a zero frame count.
	ErrInvalidParam = &kernel.Error{Module: "pmm", Message: "invalid allocation request"}
)

// zoneAnyOrder is the scan order for ZoneAny requests. Unrestricted
// allocations drain the normal zone first so the DMA-capable ranges stay
// available for callers that actually need them.
var zoneAnyOrder = [...]mm.Zone{mm.ZoneNormal, mm.ZoneDMA32, mm.ZoneDMA}

// framePool tracks the reservation state of the frames inside one available
// memory region, clipped to a single zone.
type framePool struct {
	// startFrame and endFrame define the inclusive frame range covered
	// by this pool. Free bitmap bit i corresponds to frame startFrame+i.
	startFrame mm.Frame
	endFrame   mm.Frame

	// zone is the allocation zone that the entire pool belongs to.
	zone mm.Zone

	// freeCount tracks the available frames in this pool. The allocator
	// uses this field to skip fully reserved pools without scanning
	// their bitmaps.
	freeCount uint64

	// freeBitmap tracks used/free frames in the pool; a set bit marks a
	// reserved frame.
	freeBitmap    []uint64
	freeBitmapHdr reflect.SliceHeader
}

// contains returns true if the pool covers the supplied frame.
func (pool *framePool) contains(frame mm.Frame) bool {
	return frame >= pool.startFrame && frame <= pool.endFrame
}

// bitPos returns the bitmap word index and mask for the supplied frame.
func (pool *framePool) bitPos(frame mm.Frame) (int, uint64) {
	bit := uint64(frame - pool.startFrame)
	return int(bit >> 6), 1 << (bit & 63)
}

// isUsed returns true if the supplied frame is flagged as reserved.
func (pool *framePool) isUsed(frame mm.Frame) bool {
	wordIndex, mask := pool.bitPos(frame)
	return pool.freeBitmap[wordIndex]&mask != 0
}

// BitmapAllocator implements the standard physical frame allocator. It
// tracks frame reservations across the available memory regions using one
// bitmap-backed pool per region and zone.
type BitmapAllocator struct {
	// totalFrames tracks the total number of frames across all pools.
	totalFrames uint64

	// reservedFrames tracks the number of reserved frames across all
	// pools.
	reservedFrames uint64

	pools    []framePool
	poolsHdr reflect.SliceHeader
}

// visitZonedPools invokes the visitor for each (region, zone) pair that the
// bitmap allocator must manage. Available regions that straddle a zone
// boundary are split so that every resulting pool lies within exactly one
// zone.
func visitZonedPools(visitor func(startFrame, endFrame mm.Frame, zone mm.Zone)) {
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

		startFrame := mm.Frame(alignedStart >> mm.PageShift)
		endFrame := mm.Frame(alignedEnd>>mm.PageShift) - 1

		for startFrame <= endFrame {
			zone := mm.ZoneForFrame(startFrame)
			splitEnd := endFrame
			if zone != mm.ZoneNormal && zone.UpperBound()-1 < endFrame {
				splitEnd = zone.UpperBound() - 1
			}

			visitor(startFrame, splitEnd, zone)
			startFrame = splitEnd + 1
		}

		return true
	})
}

// init bootstraps the allocator state using frames handed out by the boot
// allocator. The pool descriptors and their bitmaps are laid out in a single
// physically contiguous block which is accessed through the direct map.
func (alloc *BitmapAllocator) init(bootAlloc *bootMemAllocator) *kernel.Error {
	var (
		sizeofPool  = unsafe.Sizeof(framePool{})
		poolCount   int
		bitmapBytes uintptr
	)

	// First pass: count the required pools and their bitmap sizes. Bitmap
	// bits are rounded up to a multiple of 64 so each pool gets a whole
	// number of words.
	visitZonedPools(func(startFrame, endFrame mm.Frame, zone mm.Zone) {
		frameCount := uint64(endFrame-startFrame) + 1
		poolCount++
		bitmapBytes += uintptr(((frameCount + 63) &^ 63) >> 3)
		alloc.totalFrames += frameCount
	})

	requiredBytes := (uintptr(poolCount)*sizeofPool + bitmapBytes + mm.PageSize - 1) & ^(mm.PageSize - 1)

	metaFrame, err := bootAlloc.AllocFrames(uint64(requiredBytes >> mm.PageShift))
	if err != nil {
		return err
	}

	metaAddr := mm.PhysToVirt(metaFrame.Address())
	kernel.Memset(metaAddr, 0, requiredBytes)

	alloc.poolsHdr = reflect.SliceHeader{Data: metaAddr, Len: poolCount, Cap: poolCount}
	alloc.pools = *(*[]framePool)(unsafe.Pointer(&alloc.poolsHdr))

	// Second pass: initialize the pool descriptors and carve the bitmap
	// block into per-pool slices.
	bitmapAddr := metaAddr + uintptr(poolCount)*sizeofPool
	poolIndex := 0
	visitZonedPools(func(startFrame, endFrame mm.Frame, zone mm.Zone) {
		frameCount := uint64(endFrame-startFrame) + 1
		words := int((frameCount + 63) >> 6)

		pool := &alloc.pools[poolIndex]
		pool.startFrame = startFrame
		pool.endFrame = endFrame
		pool.zone = zone
		pool.freeCount = frameCount
		pool.freeBitmapHdr = reflect.SliceHeader{Data: bitmapAddr, Len: words, Cap: words}
		pool.freeBitmap = *(*[]uint64)(unsafe.Pointer(&pool.freeBitmapHdr))

		// Bits past endFrame have no backing memory; flag them so
		// they are never handed out.
		for bit := frameCount; bit < uint64(words)<<6; bit++ {
			pool.freeBitmap[bit>>6] |= 1 << (bit & 63)
		}

		bitmapAddr += uintptr(words) << 3
		poolIndex++
	})

	// Flag the kernel image and everything handed out by the boot
	// allocator (including this allocator's own metadata) as reserved.
	alloc.reserveRange(bootAlloc.kernelStartFrame, bootAlloc.kernelEndFrame)
	if bootAlloc.allocCount != 0 {
		alloc.reserveRange(0, bootAlloc.lastAllocFrame)
	}

	return nil
}

// reserveRange flags all pool frames inside the inclusive range as reserved.
// Frames in the range that are already reserved or not managed by any pool
// are skipped.
func (alloc *BitmapAllocator) reserveRange(startFrame, endFrame mm.Frame) {
	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]

		frame := startFrame
		if frame < pool.startFrame {
			frame = pool.startFrame
		}

		for ; frame <= endFrame && frame <= pool.endFrame; frame++ {
			if !pool.isUsed(frame) {
				alloc.markUsed(pool, frame)
			}
		}
	}
}

func (alloc *BitmapAllocator) markUsed(pool *framePool, frame mm.Frame) {
	wordIndex, mask := pool.bitPos(frame)
	pool.freeBitmap[wordIndex] |= mask
	pool.freeCount--
	alloc.reservedFrames++
}

func (alloc *BitmapAllocator) markFree(pool *framePool, frame mm.Frame) {
	wordIndex, mask := pool.bitPos(frame)
	pool.freeBitmap[wordIndex] &= ^mask
	pool.freeCount++
	alloc.reservedFrames--
}

// poolFor returns the pool that manages the supplied frame or nil if the
// frame is outside every pool.
func (alloc *BitmapAllocator) poolFor(frame mm.Frame) *framePool {
	for poolIndex := range alloc.pools {
		if alloc.pools[poolIndex].contains(frame) {
			return &alloc.pools[poolIndex]
		}
	}

	return nil
}

// AllocFrame reserves and returns one free frame from the requested zone.
func (alloc *BitmapAllocator) AllocFrame(zone mm.Zone) (mm.Frame, *kernel.Error) {
	if zone == mm.ZoneAny {
		for _, z := range zoneAnyOrder {
			if frame, err := alloc.AllocFrame(z); err == nil {
				return frame, nil
			}
		}

		return mm.InvalidFrame, ErrOutOfMemory
	}

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.zone != zone || pool.freeCount == 0 {
			continue
		}

		for wordIndex, word := range pool.freeBitmap {
			if word == ^uint64(0) {
				continue
			}

			for bit := uint64(0); bit < 64; bit++ {
				mask := uint64(1) << bit
				if word&mask != 0 {
					continue
				}

				frame := pool.startFrame + mm.Frame(uint64(wordIndex)<<6) + mm.Frame(bit)
				alloc.markUsed(pool, frame)
				return frame, nil
			}
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// AllocContiguous reserves a run of count physically contiguous frames from
// the requested zone and returns the first frame of the run. Runs may cross
// bitmap word boundaries but never pool boundaries.
func (alloc *BitmapAllocator) AllocContiguous(count uint64, zone mm.Zone) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, ErrInvalidParam
	}

	if zone == mm.ZoneAny {
		for _, z := range zoneAnyOrder {
			if frame, err := alloc.AllocContiguous(count, z); err == nil {
				return frame, nil
			}
		}

		return mm.InvalidFrame, ErrOutOfMemory
	}

	for poolIndex := range alloc.pools {
		pool := &alloc.pools[poolIndex]
		if pool.zone != zone || pool.freeCount < count {
			continue
		}

		var (
			run      uint64
			runStart mm.Frame
		)

		for frame := pool.startFrame; frame <= pool.endFrame; frame++ {
			// Skip whole words that are fully reserved.
			if run == 0 && uint64(frame-pool.startFrame)&63 == 0 {
				wordIndex := int(uint64(frame-pool.startFrame) >> 6)
				if pool.freeBitmap[wordIndex] == ^uint64(0) {
					frame += 63
					continue
				}
			}

			if pool.isUsed(frame) {
				run = 0
				continue
			}

			if run == 0 {
				runStart = frame
			}

			run++
			if run == count {
				for f := runStart; f <= frame; f++ {
					alloc.markUsed(pool, f)
				}
				return runStart, nil
			}
		}
	}

	return mm.InvalidFrame, ErrOutOfMemory
}

// FreeFrame releases a previously reserved frame back to its pool.
func (alloc *BitmapAllocator) FreeFrame(frame mm.Frame) *kernel.Error {
	pool := alloc.poolFor(frame)
	if pool == nil {
		return ErrFrameNotManaged
	}

	if !pool.isUsed(frame) {
		return ErrDoubleFree
	}

	alloc.markFree(pool, frame)
	return nil
}

// FreeContiguous releases a run of count frames previously reserved via
// AllocContiguous. The run is released front to back; the first invalid
// frame aborts the release and its error is returned.
func (alloc *BitmapAllocator) FreeContiguous(frame mm.Frame, count uint64) *kernel.Error {
	for i := uint64(0); i < count; i++ {
		if err := alloc.FreeFrame(frame + mm.Frame(i)); err != nil {
			return err
		}
	}

	return nil
}

// FrameIsUsed returns true if the supplied frame is currently reserved.
// Frames not managed by any pool are reported as used since they can never
// be handed out.
func (alloc *BitmapAllocator) FrameIsUsed(frame mm.Frame) bool {
	pool := alloc.poolFor(frame)
	if pool == nil {
		return true
	}

	return pool.isUsed(frame)
}

// FreeFrameCount returns the number of frames that are available for
// allocation across all pools.
func (alloc *BitmapAllocator) FreeFrameCount() uint64 {
	return alloc.totalFrames - alloc.reservedFrames
}

// TotalFrameCount returns the total number of frames managed by the
// allocator.
func (alloc *BitmapAllocator) TotalFrameCount() uint64 {
	return alloc.totalFrames
}
