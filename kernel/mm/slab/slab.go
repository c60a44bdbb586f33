// Package slab implements a slab allocator for fixed-size kernel objects.
// Each cache carves page-sized slabs obtained from the kernel heap into
// equally sized slots and serves allocations from a per-slab free stack.
// Caches are safe to use from interrupt context: every mutating entry point
// runs under an IRQ-safe spinlock.
package slab

import (
	"reflect"
	"unsafe"

	"halcyon/kernel"
	"halcyon/kernel/kfmt"
	"halcyon/kernel/mm"
	"halcyon/kernel/mm/vmm"
	"halcyon/kernel/sync"
)

var (
	// ErrInvalidAlignment is returned when the requested object alignment
	// is not a power of two.
	ErrInvalidAlignment = &kernel.Error{Module: "slab", Message: "object alignment is not a power of two"}

	// ErrObjectTooLarge is returned when a single object cannot fit in a
	// slab together with the slab bookkeeping data.
	ErrObjectTooLarge = &kernel.Error{Module: "slab", Message: "object does not fit in a slab"}

	// ErrWrongCache is returned when freeing an address that does not
	// point to an object slot owned by this cache.
	ErrWrongCache = &kernel.Error{Module: "slab", Message: "address does not belong to an object of this cache"}

	// ErrDoubleFree is returned when freeing an object slot that is not
	// currently allocated.
	ErrDoubleFree = &kernel.Error{Module: "slab", Message: "object is already free"}

	// The following functions are used by tests to mock calls into the
	// vmm package and are automatically inlined by the compiler.
	getFreePagesFn = vmm.GetFreePages
	freePagesFn    = vmm.FreePages
)

const (
	// slabPages is the number of pages backing one slab. The object to
	// slab lookup masks the object address down to the page boundary;
	// that is only sound while slabs span exactly one page-aligned page.
	slabPages = 1

	// defaultAlignment is applied when CacheInit is called with a zero
	// alignment. Objects starting on their own cache line do not false
	// share with their neighbors.
	defaultAlignment = 64

	// minAlignment is the smallest supported object alignment.
	minAlignment = uintptr(1) << mm.PointerShift

	// maxSlabSlots bounds the number of object slots in a slab; it sizes
	// the per-slot liveness mask in the slab header.
	maxSlabSlots = (slabPages * mm.PageSize) / minAlignment
)

// CtorFn initializes a freshly allocated object slot.
type CtorFn func(obj uintptr)

// DtorFn tears down an object slot before its memory is reused or released.
type DtorFn func(obj uintptr)

// slabHeader is embedded at the start of every slab page. It is followed by
// the free-object stack and, after alignment padding, the object slots.
type slabHeader struct {
	prev, next *slabHeader
	cache      *Cache

	// freeTop is the number of valid entries in the free stack. The
	// stack holds the slot indices that are available for allocation.
	freeTop uint32

	// usedMask has one bit per object slot, set while the slot is live.
	// Freeing a slot whose bit is clear is a double free.
	usedMask [maxSlabSlots / 64]uint64
}

// slabHeaderSize must be recomputed if fields are added to slabHeader.
var slabHeaderSize = unsafe.Sizeof(slabHeader{})

// Cache serves fixed-size object allocations backed by page-sized slabs.
type Cache struct {
	// lock serializes all cache mutations. Allocations and frees can be
	// triggered from interrupt context so the lock must be IRQ-safe.
	lock sync.IrqSpinlock

	name string

	// slotSize is the object size rounded up to the object alignment;
	// objStart is the page offset of the first object slot.
	objSize     uintptr
	slotSize    uintptr
	objAlign    uintptr
	objStart    uintptr
	objsPerSlab uint32

	ctor CtorFn
	dtor DtorFn

	// Slabs move between the three lists as their occupancy changes.
	emptySlabs   *slabHeader
	partialSlabs *slabHeader
	fullSlabs    *slabHeader

	totalSlabs  uint64
	usedObjects uint64
}

// CacheInit prepares a cache for serving objSize-byte objects aligned to
// objAlign bytes. A zero objAlign selects the default cache-line alignment.
// The optional ctor runs on every allocation and the optional dtor on every
// release.
func CacheInit(cache *Cache, name string, objSize, objAlign uintptr, ctor CtorFn, dtor DtorFn) *kernel.Error {
	if objAlign == 0 {
		objAlign = defaultAlignment
	}
	if objAlign < minAlignment {
		objAlign = minAlignment
	}
	if objAlign&(objAlign-1) != 0 {
		return ErrInvalidAlignment
	}

	slotSize := (objSize + objAlign - 1) & ^(objAlign - 1)

	// Find the largest object count where the header, the free stack and
	// the aligned object area still fit in the slab page.
	var (
		objsPerSlab uint32
		objStart    uintptr
	)
	for count := uint32((slabPages * mm.PageSize) / slotSize); count > 0; count-- {
		stackEnd := slabHeaderSize + uintptr(count)*unsafe.Sizeof(uint16(0))
		start := (stackEnd + objAlign - 1) & ^(objAlign - 1)
		if start+uintptr(count)*slotSize <= slabPages*mm.PageSize {
			objsPerSlab = count
			objStart = start
			break
		}
	}

	if objsPerSlab == 0 {
		return ErrObjectTooLarge
	}

	*cache = Cache{
		name:        name,
		objSize:     objSize,
		slotSize:    slotSize,
		objAlign:    objAlign,
		objStart:    objStart,
		objsPerSlab: objsPerSlab,
		ctor:        ctor,
		dtor:        dtor,
	}

	return nil
}

// freeStack overlays the free-object stack that follows the slab header.
func (c *Cache) freeStack(slab *slabHeader) []uint16 {
	hdr := reflect.SliceHeader{
		Data: uintptr(unsafe.Pointer(slab)) + slabHeaderSize,
		Len:  int(c.objsPerSlab),
		Cap:  int(c.objsPerSlab),
	}
	return *(*[]uint16)(unsafe.Pointer(&hdr))
}

// objAddr returns the address of the object slot with the supplied index.
func (c *Cache) objAddr(slab *slabHeader, slotIndex uint32) uintptr {
	return uintptr(unsafe.Pointer(slab)) + c.objStart + uintptr(slotIndex)*c.slotSize
}

// grow allocates one more slab from the kernel heap and pushes it onto the
// empty list.
func (c *Cache) grow() *kernel.Error {
	addr, err := getFreePagesFn(slabPages)
	if err != nil {
		return err
	}

	slab := (*slabHeader)(unsafe.Pointer(addr))
	slab.cache = c
	slab.freeTop = c.objsPerSlab

	// Push the slot indices in reverse so the lowest slot is served
	// first.
	stack := c.freeStack(slab)
	for i := uint32(0); i < c.objsPerSlab; i++ {
		stack[i] = uint16(c.objsPerSlab - 1 - i)
	}

	listInsert(&c.emptySlabs, slab)
	c.totalSlabs++

	return nil
}

// Alloc reserves an object slot and returns its address. Partially used
// slabs are drained before empty ones; a new slab is allocated from the
// kernel heap when the cache has no free slot left.
func (c *Cache) Alloc() (uintptr, *kernel.Error) {
	c.lock.AcquireIrqSave()
	obj, err := c.allocLocked()
	c.lock.ReleaseIrqRestore()

	return obj, err
}

func (c *Cache) allocLocked() (uintptr, *kernel.Error) {
	slab := c.partialSlabs
	if slab == nil {
		if c.emptySlabs == nil {
			if err := c.grow(); err != nil {
				return 0, err
			}
		}

		slab = c.emptySlabs
		listRemove(&c.emptySlabs, slab)
		listInsert(&c.partialSlabs, slab)
	}

	slab.freeTop--
	slotIndex := uint32(c.freeStack(slab)[slab.freeTop])
	slab.usedMask[slotIndex>>6] |= 1 << (slotIndex & 63)
	obj := c.objAddr(slab, slotIndex)
	c.usedObjects++

	if slab.freeTop == 0 {
		listRemove(&c.partialSlabs, slab)
		listInsert(&c.fullSlabs, slab)
	}

	if c.ctor != nil {
		c.ctor(obj)
	}

	return obj, nil
}

// Free returns an object slot to its slab. The address must point to the
// start of a live object allocated from this cache; releasing a slot that is
// already free fails with ErrDoubleFree.
func (c *Cache) Free(obj uintptr) *kernel.Error {
	c.lock.AcquireIrqSave()
	err := c.freeLocked(obj)
	c.lock.ReleaseIrqRestore()

	return err
}

func (c *Cache) freeLocked(obj uintptr) *kernel.Error {
	slab := (*slabHeader)(unsafe.Pointer(obj & ^(mm.PageSize - 1)))
	if slab.cache != c {
		return ErrWrongCache
	}

	offset := obj - c.objAddr(slab, 0)
	if offset%c.slotSize != 0 {
		return ErrWrongCache
	}
	slotIndex := uint32(offset / c.slotSize)
	if slotIndex >= c.objsPerSlab {
		return ErrWrongCache
	}

	if slab.usedMask[slotIndex>>6]&(1<<(slotIndex&63)) == 0 {
		return ErrDoubleFree
	}

	if c.dtor != nil {
		c.dtor(obj)
	}

	wasFull := slab.freeTop == 0

	slab.usedMask[slotIndex>>6] &= ^(uint64(1) << (slotIndex & 63))
	c.freeStack(slab)[slab.freeTop] = uint16(slotIndex)
	slab.freeTop++
	c.usedObjects--

	switch {
	case slab.freeTop == c.objsPerSlab:
		if wasFull {
			listRemove(&c.fullSlabs, slab)
		} else {
			listRemove(&c.partialSlabs, slab)
		}
		listInsert(&c.emptySlabs, slab)
	case wasFull:
		listRemove(&c.fullSlabs, slab)
		listInsert(&c.partialSlabs, slab)
	}

	return nil
}

// Destroy runs the dtor on every live object, returns all slab pages to the
// kernel heap and resets the cache. The cache can keep serving allocations
// afterwards; it grows again on first use.
func (c *Cache) Destroy() *kernel.Error {
	c.lock.AcquireIrqSave()

	for _, list := range []*slabHeader{c.emptySlabs, c.partialSlabs, c.fullSlabs} {
		for slab := list; slab != nil; {
			next := slab.next

			if c.dtor != nil {
				c.destroyLiveObjects(slab)
			}

			if err := freePagesFn(uintptr(unsafe.Pointer(slab)), slabPages); err != nil {
				c.lock.ReleaseIrqRestore()
				return err
			}

			slab = next
		}
	}

	c.emptySlabs, c.partialSlabs, c.fullSlabs = nil, nil, nil
	c.totalSlabs, c.usedObjects = 0, 0

	c.lock.ReleaseIrqRestore()
	return nil
}

// destroyLiveObjects runs the dtor on every slot of the slab that is still
// allocated.
func (c *Cache) destroyLiveObjects(slab *slabHeader) {
	for slotIndex := uint32(0); slotIndex < c.objsPerSlab; slotIndex++ {
		if slab.usedMask[slotIndex>>6]&(1<<(slotIndex&63)) != 0 {
			c.dtor(c.objAddr(slab, slotIndex))
		}
	}
}

// TotalSlabs returns the number of slab pages owned by this cache.
func (c *Cache) TotalSlabs() uint64 { return c.totalSlabs }

// TotalObjects returns the number of object slots owned by this cache.
func (c *Cache) TotalObjects() uint64 { return c.totalSlabs * uint64(c.objsPerSlab) }

// UsedObjects returns the number of live objects allocated from this cache.
func (c *Cache) UsedObjects() uint64 { return c.usedObjects }

// DumpStats logs the cache utilization counters.
func (c *Cache) DumpStats() {
	c.lock.AcquireIrqSave()
	kfmt.Printf("[slab] cache %s: slabs: %d, objects: %d/%d (size: %d, slot: %d)\n",
		c.name, c.totalSlabs, c.usedObjects, c.TotalObjects(), uint64(c.objSize), uint64(c.slotSize))
	c.lock.ReleaseIrqRestore()
}

// listInsert pushes a slab onto the front of a list.
func listInsert(head **slabHeader, slab *slabHeader) {
	slab.prev = nil
	slab.next = *head
	if *head != nil {
		(*head).prev = slab
	}
	*head = slab
}

// listRemove unlinks a slab from a list.
func listRemove(head **slabHeader, slab *slabHeader) {
	if slab.prev != nil {
		slab.prev.next = slab.next
	} else {
		*head = slab.next
	}
	if slab.next != nil {
		slab.next.prev = slab.prev
	}
	slab.prev, slab.next = nil, nil
}
