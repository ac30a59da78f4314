package mem

// PhysAddr is a physical memory address. It is intentionally a distinct
// type from VirtAddr so that the two address spaces can never be
// silently mixed up by the compiler.
type PhysAddr uintptr

// VirtAddr is a virtual memory address.
type VirtAddr uintptr

// defaultPhysMapOffset is the higher-half direct-map base novakernel asks
// the bootloader for (mirrors the Limine HHDM convention referenced by
// original_source/kernel/src/limine.rs). It is used until the boot
// handoff reports an authoritative value via SetPhysMapOffset.
const defaultPhysMapOffset = VirtAddr(0xffff800000000000)

// PhysMapOffset is the VA at which PA 0 is canonically visible once the
// kernel has established its physical map: any PA P is visible at
// P+PhysMapOffset. SetPhysMapOffset replaces it; cmd/kmain does not call
// SetPhysMapOffset, so a booted kernel uses defaultPhysMapOffset.
var PhysMapOffset = defaultPhysMapOffset

// SetPhysMapOffset installs the authoritative physical-map offset
// reported by the boot handoff. Must be called before any PA is
// translated via PhysAddr.ToVirt.
func SetPhysMapOffset(off VirtAddr) {
	PhysMapOffset = off
}

// ToVirt returns the canonical kernel-visible VA for this PA via the
// physical map: PA + PhysMapOffset.
func (p PhysAddr) ToVirt() VirtAddr {
	return VirtAddr(uintptr(p) + uintptr(PhysMapOffset))
}

// Aligned reports whether the address is frame/page aligned.
func (p PhysAddr) Aligned() bool {
	return uintptr(p)&uintptr(PageSize-1) == 0
}

// Align rounds the address down to the nearest page boundary.
func (p PhysAddr) Align() PhysAddr {
	return PhysAddr(uintptr(p) &^ uintptr(PageSize-1))
}

// Frame returns the frame number that contains this PA.
func (p PhysAddr) Frame() uintptr {
	return uintptr(p) >> PageShift
}

// Aligned reports whether the address is page aligned.
func (v VirtAddr) Aligned() bool {
	return uintptr(v)&uintptr(PageSize-1) == 0
}

// Align rounds the address down to the nearest page boundary.
func (v VirtAddr) Align() VirtAddr {
	return VirtAddr(uintptr(v) &^ uintptr(PageSize-1))
}

// Page returns the page number that contains this VA.
func (v VirtAddr) Page() uintptr {
	return uintptr(v) >> PageShift
}

// Add returns v+delta.
func (v VirtAddr) Add(delta uintptr) VirtAddr {
	return VirtAddr(uintptr(v) + delta)
}

// Add returns p+delta.
func (p PhysAddr) Add(delta uintptr) PhysAddr {
	return PhysAddr(uintptr(p) + delta)
}

// higherHalfBit is the VA bit (47) that distinguishes the kernel-only
// higher half from user-mappable space.
const higherHalfBit = uintptr(1) << 47

// HigherHalf reports whether the VA lies in the shared kernel half.
func (v VirtAddr) HigherHalf() bool {
	return uintptr(v)&higherHalfBit != 0
}
