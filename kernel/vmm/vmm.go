package vmm

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
	"novakernel/kernel/pmm"
)

// Page describes a virtual memory page index, kept for the handful of
// early-boot and driver call sites (device/acpi, device/video/console,
// kernel/goruntime) that only ever address the kernel's own tree and find
// it more convenient to talk in page numbers than raw VirtAddrs.
type Page uintptr

// Address returns the virtual address this page number corresponds to.
func (p Page) Address() uintptr {
	return uintptr(p) << mem.PageShift
}

// PageFromAddress rounds addr down to the page that contains it.
func PageFromAddress(addr uintptr) Page {
	return Page(addr >> mem.PageShift)
}

// PageOffset returns the offset of addr within its containing page.
func PageOffset(addr uintptr) uintptr {
	return addr & uintptr(mem.PageSize-1)
}

var (
	// kernelTree is the address space every package-level helper below
	// operates on. cmd/kmain calls Init once, very early in boot.
	kernelTree PageTree

	// ReservedZeroedFrame is a zero-filled frame set aside by Init for
	// lazy, copy-on-write-backed allocations: map a page to it with
	// FlagCopyOnWrite and no FlagRW, and the first write takes a page
	// fault that installs a real, private frame in its place.
	ReservedZeroedFrame mem.PhysAddr

	protectReservedZeroedPage bool

	errAttemptToRWMapReservedFrame = &kernel.Error{Module: "vmm", Message: "reserved blank frame cannot be mapped with a RW flag"}
)

// FrameAllocatorFn allocates a single physical frame.
type FrameAllocatorFn func() (mem.PhysAddr, *kernel.Error)

// SetFrameAllocator overrides the frame allocator the kernel tree uses to
// materialize missing intermediate page tables. Defaults to pmm.AllocFrame;
// exposed for tests.
func SetFrameAllocator(fn FrameAllocatorFn) {
	kernelTree.allocFrame = fn
}

// Init creates the kernel's own PageTree and reserves the zeroed
// copy-on-write frame. It does not install the tree as active: the caller
// (cmd/kmain) owns the bootstrap sequencing around the temporary identity
// map it is replacing.
func Init() *kernel.Error {
	kernelTree.allocFrame = pmm.AllocFrame
	if err := kernelTree.Init(); err != nil {
		return err
	}

	pa, err := pmm.AllocFrame()
	if err != nil {
		return err
	}
	kernel.Memset(uintptr(pa.ToVirt()), 0, uintptr(mem.PageSize))
	ReservedZeroedFrame = pa
	protectReservedZeroedPage = true
	return nil
}

// Map establishes page -> pa with the given flags in the kernel tree.
// Attempting to map ReservedZeroedFrame with FlagRW fails: every mapper of
// that frame must go through the copy-on-write fault path instead.
func Map(page Page, pa mem.PhysAddr, flags PageTableEntryFlag) *kernel.Error {
	if protectReservedZeroedPage && pa == ReservedZeroedFrame && flags&FlagRW != 0 {
		return errAttemptToRWMapReservedFrame
	}
	return kernelTree.Map(mem.VirtAddr(page.Address()), pa, flags)
}

// Unmap removes a mapping previously installed via Map in the kernel tree.
func Unmap(page Page) *kernel.Error {
	return kernelTree.Unmap(mem.VirtAddr(page.Address()))
}

// Allocate finds a free VA in the kernel tree and maps it, backed by
// *physical if non-nil or a freshly allocated frame otherwise. Used by
// kernel/heap to grow a size class by one page.
func Allocate(physical *mem.PhysAddr) (mem.VirtAddr, *kernel.Error) {
	return kernelTree.Allocate(physical)
}

// AllocateContiguous reserves and maps n contiguous pages in the kernel
// tree, used by kernel/heap for allocations larger than the largest size
// class.
func AllocateContiguous(n uint64) (mem.VirtAddr, *kernel.Error) {
	return kernelTree.AllocateContiguous(n, nil)
}

// Deallocate unmaps a single page in the kernel tree and frees its
// backing frame.
func Deallocate(addr mem.VirtAddr) *kernel.Error {
	return kernelTree.Deallocate(addr)
}

// KernelTree returns the kernel's own address space, used by kernel/proc
// to seed a new process's higher half via CopyHigherHalf.
func KernelTree() *PageTree {
	return &kernelTree
}

// IdentityMapRegion maps size bytes starting at physical frame pa to the
// identical virtual address (VA == PA), rounding size up to a whole number
// of pages. Used for early ACPI table discovery, where tables are described
// by physical address before the kernel has any other reason to map them.
func IdentityMapRegion(pa mem.PhysAddr, size uintptr, flags PageTableEntryFlag) (Page, *kernel.Error) {
	pageCount := (mem.Size(size) + mem.PageSize - 1) >> mem.PageShift
	startPage := PageFromAddress(uintptr(pa))
	for i := mem.Size(0); i < pageCount; i++ {
		page := Page(uintptr(startPage) + uintptr(i))
		frame := pa.Add(uintptr(i) * uintptr(mem.PageSize))
		if err := Map(page, frame, flags); err != nil {
			return 0, err
		}
	}
	return startPage, nil
}

// MapRegion reserves the next available range of virtual address space big
// enough for size bytes (rounded up to a whole number of pages) and maps it
// to the physical region starting at pa, returning the Page the region
// starts at. Used for device memory (framebuffers, MMIO BARs) that needs a
// fresh VA rather than an identity mapping.
func MapRegion(pa mem.PhysAddr, size mem.Size, flags PageTableEntryFlag) (Page, *kernel.Error) {
	start, err := EarlyReserveRegion(size)
	if err != nil {
		return 0, err
	}

	pageCount := (size + mem.PageSize - 1) >> mem.PageShift
	startPage := PageFromAddress(start)
	for i := mem.Size(0); i < pageCount; i++ {
		page := Page(uintptr(startPage) + uintptr(i))
		frame := pa.Add(uintptr(i) * uintptr(mem.PageSize))
		if err := Map(page, frame, flags); err != nil {
			return 0, err
		}
	}
	return startPage, nil
}

// EarlyReserveRegion reserves size bytes of unmapped virtual address space
// in the kernel tree without mapping them to any frame, returning the start
// address. Callers (notably kernel/goruntime's Go allocator shims) then map
// pages into the reservation themselves as they are actually touched.
func EarlyReserveRegion(size mem.Size) (uintptr, *kernel.Error) {
	pageCount := uint64((size + mem.PageSize - 1) >> mem.PageShift)
	addr, err := kernelTree.findFreeRun(pageCount)
	if err != nil {
		return 0, err
	}
	return uintptr(addr), nil
}

// Translate resolves the physical address currently backing a virtual
// address in the kernel tree.
func Translate(addr uintptr) (mem.PhysAddr, *kernel.Error) {
	pte, err := kernelTree.walk(mem.VirtAddr(addr), false)
	if err != nil {
		return 0, err
	}
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrInvalidMapping
	}
	return pte.Frame().Add(PageOffset(addr)), nil
}
