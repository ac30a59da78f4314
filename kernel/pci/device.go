package pci

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
	"novakernel/kernel/pmm"
	"novakernel/kernel/vmm"
)

// Class and subclass bytes. Only the pair the AHCI driver cares about is
// named; everything else is carried as raw bytes (nothing else in
// novakernel dispatches on PCI class).
const (
	classMassStorage  = 0x01
	subclassSerialATA = 0x06
)

// Capability is one entry in a device's linked capability list.
type Capability struct {
	ID      uint8
	Pointer uint8
}

// BarKind distinguishes a memory-mapped BAR from an I/O-space BAR.
type BarKind uint8

const (
	BarMemory BarKind = iota
	BarIO
)

// Bar describes one decoded Base Address Register. For a BarMemory bar,
// VirtAddr is only valid after MapMemoryBars has been called.
type Bar struct {
	Kind         BarKind
	Index        uint8
	PhysAddr     mem.PhysAddr
	VirtAddr     mem.VirtAddr
	IOPort       uint16
	Size         uint64
	Prefetchable bool
}

// Device is a PCI device discovered during enumeration, with its BARs and
// capability list decoded.
type Device struct {
	Addr         Address
	VendorID     uint16
	DeviceID     uint16
	Class        uint8
	Subclass     uint8
	Bars         []Bar
	Capabilities []Capability
}

// Probe reads the identification, class and BAR registers for addr and
// returns the decoded Device. It does not map any memory BARs.
func Probe(addr Address) *Device {
	first := ReadDword(addr, 0)
	classDword := ReadDword(addr, 8)

	d := &Device{
		Addr:     addr,
		VendorID: uint16(first),
		DeviceID: uint16(first >> 16),
		Class:    uint8(classDword >> 24),
		Subclass: uint8(classDword >> 16),
	}

	// Disconnect the device from any BAR-decoded space while probing
	// BAR sizes, exactly as RegularPciDevice::new does, then restore it.
	command := d.getCommand()
	d.setCommand(command &^ 0x3)
	d.decodeBars()
	d.setCommand(command)

	d.loadCapabilities()
	return d
}

// IsSATAController reports whether this device is an AHCI-class SATA
// mass storage controller.
func (d *Device) IsSATAController() bool {
	return d.Class == classMassStorage && d.Subclass == subclassSerialATA
}

func (d *Device) getCommand() uint16 {
	return uint16(ReadDword(d.Addr, 4))
}

func (d *Device) setCommand(v uint16) {
	status := uint32(ReadDword(d.Addr, 4)) &^ 0xFFFF
	WriteDword(d.Addr, 4, status|uint32(v))
}

// EnableBusMastering sets the bus-master enable bit so the device may
// initiate DMA.
func (d *Device) EnableBusMastering() {
	d.setCommand(d.getCommand() | 0b100)
}

// decodeBars walks BAR registers 0..5, skipping the second dword of a
// 64-bit memory BAR.
func (d *Device) decodeBars() {
	i := uint8(0)
	for i < 6 {
		bar, consumed := d.decodeBar(i)
		if bar != nil {
			d.Bars = append(d.Bars, *bar)
			i += consumed
		} else {
			i++
		}
	}
}

func (d *Device) barSize(index uint8, mask uint32) uint32 {
	offset := 0x10 + index*4
	saved := ReadDword(d.Addr, offset)
	WriteDword(d.Addr, offset, 0xFFFFFFFF)
	probe := ReadDword(d.Addr, offset) &^ mask
	WriteDword(d.Addr, offset, saved)
	return ^probe + 1
}

func (d *Device) decodeBar(index uint8) (*Bar, uint8) {
	first := ReadDword(d.Addr, 0x10+index*4)
	if first == 0 {
		return nil, 1
	}
	if first&0x1 == 0 {
		prefetch := first&0b1000 != 0
		var pa mem.PhysAddr
		var size uint64
		var consumed uint8
		if first&0b100 != 0 {
			second := ReadDword(d.Addr, 0x10+index*4+4)
			pa = mem.PhysAddr(uint64(first&0xFFFFFFF0) | uint64(second)<<32)
			consumed = 2
			lo := uint64(d.barSize(index, 0xF))
			hi := uint64(d.barSize(index+1, 0))
			size = lo | hi<<32
		} else {
			pa = mem.PhysAddr(first & 0xFFFFFFF0)
			consumed = 1
			size = uint64(d.barSize(index, 0xF))
		}
		return &Bar{Kind: BarMemory, Index: index, PhysAddr: pa, Size: size, Prefetchable: prefetch}, consumed
	}
	port := uint16(first & 0xFFFC)
	size := uint64(d.barSize(index, 0x3))
	return &Bar{Kind: BarIO, Index: index, IOPort: port, Size: size}, 1
}

// MapMemoryBars maps every memory BAR into the kernel's virtual address
// space, populating each Bar's VirtAddr, and marks the BAR's physical
// range as reserved in the frame allocator so it is never handed out as
// ordinary RAM. Caching is write-through for prefetchable BARs and
// uncacheable otherwise, matching gopher-os's BAR-mapping convention.
func (d *Device) MapMemoryBars() *kernel.Error {
	for i := range d.Bars {
		bar := &d.Bars[i]
		if bar.Kind != BarMemory {
			continue
		}
		pages := (mem.Size(bar.Size) + mem.PageSize - 1) / mem.PageSize
		for p := mem.Size(0); p < pages; p++ {
			pmm.MarkAddr(bar.PhysAddr.Add(uintptr(p)*uintptr(mem.PageSize)), true)
		}
		page, err := vmm.MapRegion(bar.PhysAddr, mem.Size(bar.Size), vmm.FlagPresent|vmm.FlagRW|vmm.FlagCacheDisable)
		if err != nil {
			return err
		}
		bar.VirtAddr = mem.VirtAddr(page.Address())
		mode := vmm.CacheUncacheable
		if bar.Prefetchable {
			mode = vmm.CacheWriteThrough
		}
		for p := mem.Size(0); p < pages; p++ {
			pte, err := vmm.KernelTree().GetPageTableEntryMut(bar.VirtAddr.Add(uintptr(p) * uintptr(mem.PageSize)))
			if err != nil {
				return err
			}
			pte.SetCacheMode(mode)
		}
	}
	return nil
}

func (d *Device) getStatus() uint16 {
	return uint16(ReadDword(d.Addr, 4) >> 16)
}

func (d *Device) loadCapabilities() {
	if d.getStatus()&0x10 == 0 {
		return
	}
	pointer := uint8(ReadDword(d.Addr, 0x34) & 0xFC)
	for pointer != 0 {
		dword := ReadDword(d.Addr, pointer)
		d.Capabilities = append(d.Capabilities, Capability{ID: uint8(dword), Pointer: pointer})
		pointer = uint8(dword >> 8)
	}
}

// FindCapability returns the capability with the given id, if present.
func (d *Device) FindCapability(id uint8) (Capability, bool) {
	for _, c := range d.Capabilities {
		if c.ID == id {
			return c, true
		}
	}
	return Capability{}, false
}

const msiCapabilityID = 5

// InitMSI configures the device's MSI capability (if present) to deliver
// a single vector to apicID in fixed mode, disabling legacy INTx#
// signaling. Returns false if the device has no MSI capability.
func (d *Device) InitMSI(vector uint8, apicID uint32) bool {
	msiCap, ok := d.FindCapability(msiCapabilityID)
	if !ok {
		return false
	}

	d.setCommand(d.getCommand() &^ 0x400)

	first := ReadDword(d.Addr, msiCap.Pointer)
	messageControl := uint16(first >> 16)
	is64 := messageControl&0x80 != 0

	// Single requested vector: multi-message capability is not used.
	messageControl &^= 0b1110000

	lowAddr := uint32(0xFEE00000) | apicID<<12
	WriteDword(d.Addr, msiCap.Pointer+4, lowAddr)
	dataOffset := uint8(0x8)
	if is64 {
		WriteDword(d.Addr, msiCap.Pointer+8, 0)
		dataOffset = 0xC
	}
	data := ReadDword(d.Addr, msiCap.Pointer+dataOffset)
	WriteDword(d.Addr, msiCap.Pointer+dataOffset, data&0xFFFF0000|uint32(vector))

	messageControl |= 0x1
	WriteDword(d.Addr, msiCap.Pointer, uint32(messageControl)<<16|first&0xFFFF)
	return true
}
