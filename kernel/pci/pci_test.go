package pci

import "testing"

// fakeConfigSpace models a handful of devices' configuration space as a
// map keyed by (bus/device/function) and offset, so tests can drive
// ReadDword/WriteDword without real port I/O. barMasks lets a BAR
// register answer the write-all-ones size probe the way real hardware
// does, without modeling an actual 32-bit decoder.
type fakeConfigSpace struct {
	space       map[uint32]map[uint8]uint32
	barMasks    map[uint32]map[uint8]uint32
	lastAddress uint32
}

func newFakeConfigSpace() *fakeConfigSpace {
	return &fakeConfigSpace{
		space:    make(map[uint32]map[uint8]uint32),
		barMasks: make(map[uint32]map[uint8]uint32),
	}
}

func slotKey(a Address) uint32 {
	return uint32(a.Bus)<<16 | uint32(a.Device)<<8 | uint32(a.Function)
}

func (f *fakeConfigSpace) put(a Address, offset uint8, value uint32) {
	dev := f.space[slotKey(a)]
	if dev == nil {
		dev = make(map[uint8]uint32)
		f.space[slotKey(a)] = dev
	}
	dev[offset] = value
}

// putBar registers a memory BAR of the given size at offset, so that
// writing 0xFFFFFFFF to it and reading back yields the inverted size
// mask (the standard BAR size-probe protocol).
func (f *fakeConfigSpace) putBar(a Address, offset uint8, phys, size uint32) {
	f.put(a, offset, phys)
	masks := f.barMasks[slotKey(a)]
	if masks == nil {
		masks = make(map[uint8]uint32)
		f.barMasks[slotKey(a)] = masks
	}
	masks[offset] = ^(size - 1) &^ 0xF
}

func (f *fakeConfigSpace) install() func() {
	prevOutl, prevInl := outlFn, inlFn
	outlFn = func(port uint16, value uint32) {
		if port != configAddressPort {
			if port == configDataPort {
				bus := uint8(f.lastAddress >> 16)
				dev := uint8((f.lastAddress >> 11) & 0x1f)
				fn := uint8((f.lastAddress >> 8) & 0x7)
				offset := uint8(f.lastAddress & 0xfc)
				key := slotKey(Address{Bus: bus, Device: dev, Function: fn})
				if value == 0xFFFFFFFF {
					if mask, ok := f.barMasks[key][offset]; ok {
						f.put(Address{Bus: bus, Device: dev, Function: fn}, offset, mask)
						return
					}
				}
				f.put(Address{Bus: bus, Device: dev, Function: fn}, offset, value)
			}
			return
		}
		f.lastAddress = value
	}
	inlFn = func(port uint16) uint32 {
		if port != configDataPort {
			return 0
		}
		bus := uint8(f.lastAddress >> 16)
		dev := uint8((f.lastAddress >> 11) & 0x1f)
		fn := uint8((f.lastAddress >> 8) & 0x7)
		offset := uint8(f.lastAddress & 0xfc)
		slot, ok := f.space[slotKey(Address{Bus: bus, Device: dev, Function: fn})]
		if !ok {
			return 0xFFFFFFFF
		}
		return slot[offset]
	}
	return func() {
		outlFn, inlFn = prevOutl, prevInl
	}
}

func TestEnumerateAddressesSkipsAbsentFunctions(t *testing.T) {
	fc := newFakeConfigSpace()
	present := Address{Bus: 0, Device: 3, Function: 0}
	fc.put(present, 0, 0x10DE8086) // device 0x10DE, vendor 0x8086
	fc.put(present, 8, 0x01060000)
	defer fc.install()()

	addrs := EnumerateAddresses()
	if len(addrs) != 1 || addrs[0] != present {
		t.Fatalf("expected exactly [%v], got %v", present, addrs)
	}
}

func TestProbeDecodesIdentityAndClass(t *testing.T) {
	fc := newFakeConfigSpace()
	addr := Address{Bus: 0, Device: 2, Function: 0}
	fc.put(addr, 0, 0x4321<<16|0x8086)
	fc.put(addr, 8, uint32(classMassStorage)<<24|uint32(subclassSerialATA)<<16)
	defer fc.install()()

	d := Probe(addr)
	if d.VendorID != 0x8086 || d.DeviceID != 0x4321 {
		t.Fatalf("unexpected identity: %04x:%04x", d.VendorID, d.DeviceID)
	}
	if !d.IsSATAController() {
		t.Fatalf("expected device to be recognized as a SATA controller")
	}
}

func TestProbeDecodesMemoryBarSize(t *testing.T) {
	fc := newFakeConfigSpace()
	addr := Address{Bus: 0, Device: 5, Function: 0}
	fc.put(addr, 0, 0x0001<<16|0x8086)
	fc.put(addr, 8, 0)

	const barPhys = 0xFEBF0000
	const barSize = 0x2000
	fc.putBar(addr, 0x10, barPhys, barSize)
	defer fc.install()()

	d := Probe(addr)
	if len(d.Bars) != 1 {
		t.Fatalf("expected 1 decoded BAR, got %d", len(d.Bars))
	}
	got := d.Bars[0]
	if got.Kind != BarMemory {
		t.Fatalf("expected a memory BAR, got kind %v", got.Kind)
	}
	if uint64(got.PhysAddr) != barPhys {
		t.Fatalf("expected PhysAddr 0x%x, got 0x%x", barPhys, got.PhysAddr)
	}
	if got.Size != barSize {
		t.Fatalf("expected size %#x, got %#x", barSize, got.Size)
	}
}

func TestFindCapabilityWalksList(t *testing.T) {
	fc := newFakeConfigSpace()
	addr := Address{Bus: 0, Device: 4, Function: 0}
	fc.put(addr, 0, 0x0001<<16|0x8086)
	fc.put(addr, 8, 0)
	fc.put(addr, 4, 0x0010<<16) // status bit 4: capability list present
	fc.put(addr, 0x34, 0x40)
	fc.put(addr, 0x40, 0x0000_0005) // MSI capability, no next pointer
	defer fc.install()()

	d := Probe(addr)
	if msiCap, ok := d.FindCapability(msiCapabilityID); !ok || msiCap.Pointer != 0x40 {
		t.Fatalf("expected MSI capability at 0x40, got %+v (ok=%v)", msiCap, ok)
	}
}
