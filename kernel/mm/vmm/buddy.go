package vmm

import (
	"reflect"
	"unsafe"

	"halcyon/kernel"
	"halcyon/kernel/mm"
)

var (
	// ErrHeapExhausted is returned when the kernel heap cannot reserve a
	// virtual region of the requested size.
	ErrHeapExhausted = &kernel.Error{Module: "vmm", Message: "kernel heap address space exhausted"}

	errInvalidPageCount = &kernel.Error{Module: "vmm", Message: "invalid page count"}
	errInvalidHeapAddr  = &kernel.Error{Module: "vmm", Message: "address does not point to a kernel heap block"}
)

// buddyAllocator hands out power-of-two blocks of virtual pages from a fixed
// region. Per-order bitmaps track which blocks are free; a set bit at order
// k, index i marks the block covering pages [i<<k, (i+1)<<k) as free. Blocks
// are split on allocation and merged with their buddy on release.
type buddyAllocator struct {
	// startPage is the first page of the managed region. All block
	// indices are relative to it.
	startPage mm.Page

	// pageCount is the total number of pages in the managed region.
	pageCount uint64

	// freeBitmaps and freeCounts track the free blocks at each order.
	// The counts allow the allocator to skip empty orders without
	// scanning their bitmaps.
	freeBitmaps    [maxPageOrder + 1][]uint64
	freeBitmapHdrs [maxPageOrder + 1]reflect.SliceHeader
	freeCounts     [maxPageOrder + 1]uint64
}

// blockCount returns the number of blocks that the managed region holds at
// the supplied order.
func (alloc *buddyAllocator) blockCount(order uint8) uint64 {
	return alloc.pageCount >> order
}

func (alloc *buddyAllocator) isFree(order uint8, index uint64) bool {
	return alloc.freeBitmaps[order][index>>6]&(1<<(index&63)) != 0
}

func (alloc *buddyAllocator) setFree(order uint8, index uint64) {
	alloc.freeBitmaps[order][index>>6] |= 1 << (index & 63)
	alloc.freeCounts[order]++
}

func (alloc *buddyAllocator) clearFree(order uint8, index uint64) {
	alloc.freeBitmaps[order][index>>6] &= ^(uint64(1) << (index & 63))
	alloc.freeCounts[order]--
}

// init sets up the allocator to manage pageCount pages starting at
// startPage. The bitmap storage is backed by physically contiguous frames
// accessed through the direct map.
func (alloc *buddyAllocator) init(startPage mm.Page, pageCount uint64) *kernel.Error {
	alloc.startPage = startPage
	alloc.pageCount = pageCount

	// One bit per block per order, with each order's bitmap padded to a
	// whole number of 64-bit words.
	var bitmapBytes uintptr
	for order := uint8(0); order <= maxPageOrder; order++ {
		bitmapBytes += uintptr((alloc.blockCount(order)+63)>>6) << 3
	}

	bitmapFrames := uint64((bitmapBytes + mm.PageSize - 1) >> mm.PageShift)
	firstFrame, err := allocContiguousFn(bitmapFrames, mm.ZoneAny)
	if err != nil {
		return err
	}

	bitmapAddr := mm.PhysToVirt(firstFrame.Address())
	kernel.Memset(bitmapAddr, 0, bitmapBytes)

	for order := uint8(0); order <= maxPageOrder; order++ {
		words := int((alloc.blockCount(order) + 63) >> 6)
		alloc.freeBitmapHdrs[order] = reflect.SliceHeader{Data: bitmapAddr, Len: words, Cap: words}
		alloc.freeBitmaps[order] = *(*[]uint64)(unsafe.Pointer(&alloc.freeBitmapHdrs[order]))
		bitmapAddr += uintptr(words) << 3
	}

	// Seed the free bitmaps: cover the region with the largest blocks
	// that remain aligned to their own size and inside the region.
	for pageIndex := uint64(0); pageIndex < pageCount; {
		order := maxPageOrder
		for order > 0 && (pageIndex&((1<<order)-1) != 0 || pageIndex+(1<<order) > pageCount) {
			order--
		}

		alloc.setFree(order, pageIndex>>order)
		pageIndex += 1 << order
	}

	return nil
}

// reserveBlock removes a free block of the requested order from the bitmaps
// and returns its block index. If no block of that order is free, a larger
// block is split repeatedly, returning its lower half and marking each upper
// half free at the order below.
func (alloc *buddyAllocator) reserveBlock(order uint8) (uint64, *kernel.Error) {
	for curOrder := order; curOrder <= maxPageOrder; curOrder++ {
		if alloc.freeCounts[curOrder] == 0 {
			continue
		}

		index := alloc.firstFree(curOrder)
		alloc.clearFree(curOrder, index)

		for ; curOrder > order; curOrder-- {
			index <<= 1
			alloc.setFree(curOrder-1, index|1)
		}

		return index, nil
	}

	return 0, ErrHeapExhausted
}

// releaseBlock returns the block starting at the supplied page index back to
// the bitmaps, merging it with its buddy at progressively higher orders for
// as long as the buddy is also free.
func (alloc *buddyAllocator) releaseBlock(pageIndex uint64, order uint8) {
	index := pageIndex >> order

	for order < maxPageOrder {
		buddy := index ^ 1
		if buddy >= alloc.blockCount(order) || !alloc.isFree(order, buddy) {
			break
		}

		alloc.clearFree(order, buddy)
		index >>= 1
		order++
	}

	alloc.setFree(order, index)
}

// firstFree returns the index of the first free block at the supplied order.
// The caller must ensure that freeCounts[order] is non-zero.
func (alloc *buddyAllocator) firstFree(order uint8) uint64 {
	for wordIndex, word := range alloc.freeBitmaps[order] {
		if word == 0 {
			continue
		}

		for bit := uint64(0); bit < 64; bit++ {
			if word&(1<<bit) != 0 {
				return uint64(wordIndex)<<6 + bit
			}
		}
	}

	return 0
}

// freePageCount returns the number of free pages across all orders.
func (alloc *buddyAllocator) freePageCount() uint64 {
	var total uint64
	for order := uint8(0); order <= maxPageOrder; order++ {
		total += alloc.freeCounts[order] << order
	}

	return total
}

// orderForCount returns the smallest block order that can hold count pages.
func orderForCount(count uint64) (uint8, *kernel.Error) {
	if count == 0 {
		return 0, errInvalidPageCount
	}

	for order := uint8(0); order <= maxPageOrder; order++ {
		if uint64(1)<<order >= count {
			return order, nil
		}
	}

	return 0, ErrHeapExhausted
}
