package mem

import (
	"testing"
	"unsafe"
)

func TestPhysAddrToVirtAppliesOffset(t *testing.T) {
	orig := PhysMapOffset
	SetPhysMapOffset(0x1000)
	t.Cleanup(func() { SetPhysMapOffset(orig) })

	pa := PhysAddr(0x2000)
	if got, want := pa.ToVirt(), VirtAddr(0x3000); got != want {
		t.Fatalf("got %#x want %#x", got, want)
	}
}

func TestAlignedAndAlign(t *testing.T) {
	pa := PhysAddr(uintptr(PageSize) * 3)
	if !pa.Aligned() {
		t.Fatalf("expected %#x to be page aligned", pa)
	}
	unaligned := pa.Add(17)
	if unaligned.Aligned() {
		t.Fatalf("expected %#x not to be page aligned", unaligned)
	}
	if unaligned.Align() != pa {
		t.Fatalf("got %#x want %#x", unaligned.Align(), pa)
	}
}

func TestFrameAndPageNumbers(t *testing.T) {
	pa := PhysAddr(uintptr(PageSize) * 5)
	if got, want := pa.Frame(), uintptr(5); got != want {
		t.Fatalf("got frame %d want %d", got, want)
	}
	va := VirtAddr(uintptr(PageSize) * 7)
	if got, want := va.Page(), uintptr(7); got != want {
		t.Fatalf("got page %d want %d", got, want)
	}
}

func TestHigherHalf(t *testing.T) {
	low := VirtAddr(0x1000)
	high := VirtAddr(0xffff800000000000)
	if low.HigherHalf() {
		t.Fatal("did not expect a low address to be in the higher half")
	}
	if !high.HigherHalf() {
		t.Fatal("expected a canonical higher-half address to report true")
	}
}

func TestOverlayBytesSharesBackingMemory(t *testing.T) {
	buf := make([]byte, 16)
	addr := VirtAddr(uintptr(unsafe.Pointer(&buf[0])))

	view := OverlayBytes(addr, len(buf))
	view[0] = 0xAB
	if buf[0] != 0xAB {
		t.Fatalf("expected OverlayBytes to alias buf, got buf[0]=%#x", buf[0])
	}
}

func TestOverlayUint32RoundTrip(t *testing.T) {
	buf := make([]uint32, 4)
	addr := VirtAddr(uintptr(unsafe.Pointer(&buf[0])))

	view := OverlayUint32(addr, len(buf))
	view[2] = 0xdeadbeef
	if buf[2] != 0xdeadbeef {
		t.Fatalf("got %#x want 0xdeadbeef", buf[2])
	}
}

func TestSizeConstants(t *testing.T) {
	if Kb != 1024*Byte {
		t.Fatalf("got Kb=%d want %d", Kb, 1024*Byte)
	}
	if Mb != 1024*Kb {
		t.Fatalf("got Mb=%d want %d", Mb, 1024*Kb)
	}
	if Gb != 1024*Mb {
		t.Fatalf("got Gb=%d want %d", Gb, 1024*Mb)
	}
}
