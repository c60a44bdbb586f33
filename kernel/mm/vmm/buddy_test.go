package vmm

import (
	"testing"

	"halcyon/kernel"
	"halcyon/kernel/mm"
)

func TestBuddySeeding(t *testing.T) {
	_, cleanup := newTestEnv(16)
	defer cleanup()

	var alloc buddyAllocator

	// 2048 pages seed as two max-order blocks.
	if err := alloc.init(mm.PageFromAddress(kernelHeapBase), 2048); err != nil {
		t.Fatal(err)
	}

	for order := uint8(0); order < maxPageOrder; order++ {
		if alloc.freeCounts[order] != 0 {
			t.Errorf("expected no free blocks at order %d; got %d", order, alloc.freeCounts[order])
		}
	}
	if alloc.freeCounts[maxPageOrder] != 2 {
		t.Fatalf("expected 2 free max-order blocks; got %d", alloc.freeCounts[maxPageOrder])
	}
	if got := alloc.freePageCount(); got != 2048 {
		t.Fatalf("expected 2048 free pages; got %d", got)
	}
}

func TestBuddySeedingUnalignedTail(t *testing.T) {
	_, cleanup := newTestEnv(16)
	defer cleanup()

	var alloc buddyAllocator

	// 1024 + 16 + 1 pages seed as one order-10, one order-4 and one
	// order-0 block.
	if err := alloc.init(mm.PageFromAddress(kernelHeapBase), 1041); err != nil {
		t.Fatal(err)
	}

	expCounts := map[uint8]uint64{10: 1, 4: 1, 0: 1}
	for order := uint8(0); order <= maxPageOrder; order++ {
		if alloc.freeCounts[order] != expCounts[order] {
			t.Errorf("expected %d free blocks at order %d; got %d", expCounts[order], order, alloc.freeCounts[order])
		}
	}
	if got := alloc.freePageCount(); got != 1041 {
		t.Fatalf("expected 1041 free pages; got %d", got)
	}
}

func TestBuddySplitAndCoalesce(t *testing.T) {
	_, cleanup := newTestEnv(16)
	defer cleanup()

	var alloc buddyAllocator
	if err := alloc.init(mm.PageFromAddress(kernelHeapBase), 2048); err != nil {
		t.Fatal(err)
	}

	// Reserving a single page splits one max-order block all the way
	// down, leaving one free buddy at every order below.
	index, err := alloc.reserveBlock(0)
	if err != nil {
		t.Fatal(err)
	}
	if index != 0 {
		t.Fatalf("expected the lowest block to be handed out first; got index %d", index)
	}

	for order := uint8(0); order < maxPageOrder; order++ {
		if alloc.freeCounts[order] != 1 {
			t.Errorf("expected 1 free buddy at order %d after the split; got %d", order, alloc.freeCounts[order])
		}
	}
	if alloc.freeCounts[maxPageOrder] != 1 {
		t.Fatalf("expected 1 untouched max-order block; got %d", alloc.freeCounts[maxPageOrder])
	}
	if got := alloc.freePageCount(); got != 2047 {
		t.Fatalf("expected 2047 free pages; got %d", got)
	}

	// Releasing the page merges the chain back together.
	alloc.releaseBlock(0, 0)

	for order := uint8(0); order < maxPageOrder; order++ {
		if alloc.freeCounts[order] != 0 {
			t.Errorf("expected no free blocks at order %d after coalescing; got %d", order, alloc.freeCounts[order])
		}
	}
	if alloc.freeCounts[maxPageOrder] != 2 {
		t.Fatalf("expected both max-order blocks to be free again; got %d", alloc.freeCounts[maxPageOrder])
	}
}

func TestBuddyReturnsDistinctBlocks(t *testing.T) {
	_, cleanup := newTestEnv(16)
	defer cleanup()

	var alloc buddyAllocator
	if err := alloc.init(mm.PageFromAddress(kernelHeapBase), 2048); err != nil {
		t.Fatal(err)
	}

	seen := make(map[uint64]bool)
	for i := 0; i < 8; i++ {
		index, err := alloc.reserveBlock(2)
		if err != nil {
			t.Fatal(err)
		}
		if seen[index] {
			t.Fatalf("expected block index %d to be handed out once", index)
		}
		seen[index] = true
	}

	if got := alloc.freePageCount(); got != 2048-8*4 {
		t.Fatalf("expected %d free pages; got %d", 2048-8*4, got)
	}
}

func TestBuddyExhaustion(t *testing.T) {
	_, cleanup := newTestEnv(16)
	defer cleanup()

	var alloc buddyAllocator
	if err := alloc.init(mm.PageFromAddress(kernelHeapBase), 1024); err != nil {
		t.Fatal(err)
	}

	if _, err := alloc.reserveBlock(maxPageOrder); err != nil {
		t.Fatal(err)
	}

	if _, err := alloc.reserveBlock(0); err != ErrHeapExhausted {
		t.Fatalf("expected ErrHeapExhausted; got %v", err)
	}
}

func TestOrderForCount(t *testing.T) {
	specs := []struct {
		count    uint64
		expOrder uint8
		expErr   *kernel.Error
	}{
		{1, 0, nil},
		{2, 1, nil},
		{3, 2, nil},
		{4, 2, nil},
		{1023, 10, nil},
		{1024, 10, nil},
		{1025, 0, ErrHeapExhausted},
		{0, 0, errInvalidPageCount},
	}

	for specIndex, spec := range specs {
		order, err := orderForCount(spec.count)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}
		if err == nil && order != spec.expOrder {
			t.Errorf("[spec %d] expected order %d; got %d", specIndex, spec.expOrder, order)
		}
	}
}
