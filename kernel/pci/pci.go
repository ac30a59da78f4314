// Package pci implements PCI configuration-space access and device
// enumeration over the legacy 0xCF8/0xCFC port-I/O mechanism.
//
// Grounded on original_source/kernel/src/pci/{mod.rs,port_access.rs,
// device_config.rs}: the bus/device/function/offset address word layout,
// the BAR decode (including 64-bit memory BARs spanning two config
// dwords and the write-all-ones size probe), and the capability-list walk
// used for MSI setup.
package pci

import "novakernel/kernel/cpu"

const (
	configAddressPort = 0x0CF8
	configDataPort    = 0x0CFC
)

// outlFn/inlFn are function variables (same convention as kernel/cpu's
// cpuidFn) so tests can substitute a fake configuration space without a
// real port-I/O instruction.
var (
	outlFn = cpu.Outl
	inlFn  = cpu.Inl
)

// Address is the bus/device/function/register address of a PCI device's
// configuration space.
type Address struct {
	Bus      uint8
	Device   uint8
	Function uint8
}

// configAddress builds the 32-bit CONFIG_ADDRESS value for offset, which
// must be dword-aligned.
func configAddress(a Address, offset uint8) uint32 {
	return uint32(1)<<31 |
		uint32(a.Bus)<<16 |
		uint32(a.Device&0x1f)<<11 |
		uint32(a.Function&0x7)<<8 |
		uint32(offset&^0x3)
}

// ReadDword reads one 32-bit configuration-space dword at offset.
func ReadDword(a Address, offset uint8) uint32 {
	outlFn(configAddressPort, configAddress(a, offset))
	return inlFn(configDataPort)
}

// WriteDword writes one 32-bit configuration-space dword at offset.
func WriteDword(a Address, offset uint8, value uint32) {
	outlFn(configAddressPort, configAddress(a, offset))
	outlFn(configDataPort, value)
}

// EnumerateAddresses scans every bus/device/function slot and returns the
// addresses of devices that respond (vendor ID != 0xFFFF). A function 0
// that doesn't respond skips the remaining functions of that device,
// matching the original enumeration's early-break.
func EnumerateAddresses() []Address {
	var found []Address
	for bus := 0; bus <= 255; bus++ {
		for dev := 0; dev < 32; dev++ {
			for fn := 0; fn < 8; fn++ {
				a := Address{Bus: uint8(bus), Device: uint8(dev), Function: uint8(fn)}
				vendor := uint16(ReadDword(a, 0))
				if vendor == 0xFFFF {
					if fn == 0 {
						break
					}
					continue
				}
				found = append(found, a)
			}
		}
	}
	return found
}
