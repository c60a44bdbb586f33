package mm

import (
	"testing"

	"halcyon/kernel"
)

func TestFrameMethods(t *testing.T) {
	for frameIndex := uint64(0); frameIndex < 128; frameIndex++ {
		frame := Frame(frameIndex)

		if !frame.Valid() {
			t.Errorf("expected frame %d to be valid", frameIndex)
		}

		if exp, got := uintptr(frameIndex<<PageShift), frame.Address(); got != exp {
			t.Errorf("expected frame (%d, index: %d) call to Address() to return %x; got %x", frame, frameIndex, exp, got)
		}
	}

	invalidFrame := InvalidFrame
	if invalidFrame.Valid() {
		t.Error("expected InvalidFrame.Valid() to return false")
	}
}

func TestFrameFromAddress(t *testing.T) {
	specs := []struct {
		input    uintptr
		expFrame Frame
	}{
		{0, Frame(0)},
		{4095, Frame(0)},
		{4096, Frame(1)},
		{4123, Frame(1)},
	}

	for specIndex, spec := range specs {
		if got := FrameFromAddress(spec.input); got != spec.expFrame {
			t.Errorf("[spec %d] expected returned frame to be %v; got %v", specIndex, spec.expFrame, got)
		}
	}
}

func TestZoneForFrame(t *testing.T) {
	specs := []struct {
		physAddr uintptr
		expZone  Zone
	}{
		{0, ZoneDMA},
		{16*uintptr(Mb) - 1, ZoneDMA},
		{16 * uintptr(Mb), ZoneDMA32},
		{4*uintptr(Gb) - 1, ZoneDMA32},
		{4 * uintptr(Gb), ZoneNormal},
		{64 * uintptr(Gb), ZoneNormal},
	}

	for specIndex, spec := range specs {
		if got := ZoneForFrame(FrameFromAddress(spec.physAddr)); got != spec.expZone {
			t.Errorf("[spec %d] expected zone for address %x to be %s; got %s", specIndex, spec.physAddr, spec.expZone, got)
		}
	}
}

func TestZoneStrings(t *testing.T) {
	specs := []struct {
		zone Zone
		exp  string
	}{
		{ZoneDMA, "DMA"},
		{ZoneDMA32, "DMA32"},
		{ZoneNormal, "normal"},
		{ZoneAny, "any"},
		{Zone(0xff), "unknown"},
	}

	for specIndex, spec := range specs {
		if got := spec.zone.String(); got != spec.exp {
			t.Errorf("[spec %d] expected %q; got %q", specIndex, spec.exp, got)
		}
	}
}

func TestFrameAllocatorHooks(t *testing.T) {
	var (
		allocZone Zone
		freed     Frame
	)

	customAlloc := func(zone Zone) (Frame, *kernel.Error) {
		allocZone = zone
		return FrameFromAddress(0xbadf00), nil
	}
	customReclaim := func(frame Frame) *kernel.Error {
		freed = frame
		return nil
	}

	defer SetFrameAllocator(nil)
	defer SetFrameReclaimer(nil)
	SetFrameAllocator(customAlloc)
	SetFrameReclaimer(customReclaim)

	frame, err := AllocFrame(ZoneDMA32)
	if err != nil {
		t.Fatal(err)
	}

	if allocZone != ZoneDMA32 {
		t.Fatalf("expected the registered allocator to receive zone %s; got %s", ZoneDMA32, allocZone)
	}

	if err = FreeFrame(frame); err != nil {
		t.Fatal(err)
	}

	if freed != frame {
		t.Fatalf("expected the registered reclaimer to receive frame %d; got %d", frame, freed)
	}
}

func TestPageMethods(t *testing.T) {
	for pageIndex := uint64(0); pageIndex < 128; pageIndex++ {
		page := Page(pageIndex)

		if exp, got := uintptr(pageIndex<<PageShift), page.Address(); got != exp {
			t.Errorf("expected page (%d, index: %d) call to Address() to return %x; got %x", page, pageIndex, exp, got)
		}
	}
}

func TestPageFromAddress(t *testing.T) {
	specs := []struct {
		input   uintptr
		expPage Page
	}{
		{0, Page(0)},
		{4095, Page(0)},
		{4096, Page(1)},
		{4123, Page(1)},
	}

	for specIndex, spec := range specs {
		if got := PageFromAddress(spec.input); got != spec.expPage {
			t.Errorf("[spec %d] expected returned page to be %v; got %v", specIndex, spec.expPage, got)
		}
	}
}

func TestDirectMapTranslation(t *testing.T) {
	defer SetDirectMapOffset(0)

	offset := uintptr(0xffff800000000000)
	SetDirectMapOffset(offset)

	if got := DirectMapOffset(); got != offset {
		t.Fatalf("expected DirectMapOffset to return %x; got %x", offset, got)
	}

	physAddr := uintptr(0x1234000)
	virtAddr := PhysToVirt(physAddr)

	if exp := offset + physAddr; virtAddr != exp {
		t.Fatalf("expected PhysToVirt(%x) to return %x; got %x", physAddr, exp, virtAddr)
	}

	if got := VirtToPhys(virtAddr); got != physAddr {
		t.Fatalf("expected VirtToPhys(%x) to return %x; got %x", virtAddr, got, physAddr)
	}
}
