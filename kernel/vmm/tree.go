// Package vmm implements the kernel's virtual memory mapper: a 4-level
// amd64 page table hierarchy (PageTree) reached entirely through the
// physical map established by kernel/pmm, plus a package-level convenience
// API (Map/Unmap/IdentityMapRegion/EarlyReserveRegion) wrapping a single
// kernel-owned PageTree for early-boot and driver callers that only ever
// touch the kernel's own address space.
package vmm

import (
	"novakernel/kernel"
	"novakernel/kernel/cpu"
	"novakernel/kernel/mem"
	"novakernel/kernel/pmm"
)

var (
	errHugePage              = &kernel.Error{Module: "vmm", Message: "huge pages are not supported"}
	errAddressSpaceExhausted = &kernel.Error{Module: "vmm", Message: "no free virtual address slot remains"}
	// ErrInvalidMapping is returned when looking up a virtual address that
	// has no active mapping.
	ErrInvalidMapping = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}
)

// PageTree is one complete 4-level amd64 paging hierarchy, identified by
// the physical address of its level-4 (PML4) table. Every process and the
// kernel itself owns one PageTree; cmd/kmain's kernel instance is also the
// one the package-level Map/Unmap/IdentityMapRegion helpers operate on.
type PageTree struct {
	Level4 mem.PhysAddr

	// allocated counts live leaf mappings, exposed via
	// GetNumAllocatedPages. It intentionally does not count the
	// intermediate PDPT/PD/PT frames themselves.
	allocated uint64

	// allocFrame is overridden by tests to avoid depending on pmm.Init.
	allocFrame func() (mem.PhysAddr, *kernel.Error)
}

// New wraps an already-initialized level-4 table (e.g. the one the
// bootloader or an earlier boot stage set up).
func New(level4 mem.PhysAddr) PageTree {
	return PageTree{Level4: level4, allocFrame: defaultAlloc}
}

// Init allocates and zeroes a fresh level-4 table for t.
func (t *PageTree) Init() *kernel.Error {
	if t.allocFrame == nil {
		t.allocFrame = defaultAlloc
	}
	pa, err := t.allocFrame()
	if err != nil {
		return err
	}
	kernel.Memset(uintptr(pa.ToVirt()), 0, uintptr(mem.PageSize))
	t.Level4 = pa
	return nil
}

// GetLevel4Addr returns the physical address of t's root table.
func (t *PageTree) GetLevel4Addr() mem.PhysAddr {
	return t.Level4
}

// GetNumAllocatedPages returns the number of leaf (4 KiB) mappings
// currently installed in this tree.
func (t *PageTree) GetNumAllocatedPages() uint64 {
	return t.allocated
}

// Reload installs t as the active address space by writing CR3.
func (t *PageTree) Reload() {
	cpu.SwitchPDT(uintptr(t.Level4))
}

// walk descends from the root to the leaf (level-1) entry that addr routes
// through, allocating and zeroing intermediate tables on the way down when
// create is true. It returns a pointer to the leaf PageTableEntry, which is
// backed directly by the physical page holding that table via the physical
// map.
func (t *PageTree) walk(addr mem.VirtAddr, create bool) (*PageTableEntry, *kernel.Error) {
	tablePA := t.Level4
	for level := uint(pageLevels); level > 1; level-- {
		table := tableAt(tablePA)
		idx := indexAt(addr, level)

		if !table.entries[idx].HasFlags(FlagPresent) {
			if !create {
				return nil, ErrInvalidMapping
			}
			childPA, err := table.ensureChild(idx, t.allocFrame)
			if err != nil {
				return nil, err
			}
			tablePA = childPA
			continue
		}
		if table.entries[idx].HasFlags(FlagHuge) {
			return nil, errHugePage
		}
		tablePA = table.entries[idx].Frame()
	}

	leaf := tableAt(tablePA)
	idx := indexAt(addr, 1)
	return &leaf.entries[idx], nil
}

// GetPageTableEntryMut returns the leaf entry for addr, creating any
// missing intermediate tables along the way.
func (t *PageTree) GetPageTableEntryMut(addr mem.VirtAddr) (*PageTableEntry, *kernel.Error) {
	return t.walk(addr, true)
}

// Map installs a single 4 KiB mapping from addr to pa with the given flags,
// replacing whatever was there before.
func (t *PageTree) Map(addr mem.VirtAddr, pa mem.PhysAddr, flags PageTableEntryFlag) *kernel.Error {
	pte, err := t.walk(addr, true)
	if err != nil {
		return err
	}
	wasPresent := pte.HasFlags(FlagPresent)
	*pte = 0
	pte.SetFrame(pa)
	pte.SetFlags(flags | FlagPresent)
	cpu.FlushTLBEntry(uintptr(addr))
	if !wasPresent {
		t.allocated++
	}
	return nil
}

// Unmap clears the present bit for addr without freeing the backing frame.
// Used for mappings (MMIO, frames owned by another subsystem) the tree does
// not itself own.
func (t *PageTree) Unmap(addr mem.VirtAddr) *kernel.Error {
	pte, err := t.walk(addr, false)
	if err != nil {
		return err
	}
	if !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}
	pte.ClearFlags(FlagPresent)
	cpu.FlushTLBEntry(uintptr(addr))
	t.allocated--
	return nil
}

// Deallocate unmaps addr and frees the physical frame it pointed to back to
// the physical frame allocator. Use Unmap instead when the frame is not
// owned by this tree (MMIO, a frame shared with another address space).
func (t *PageTree) Deallocate(addr mem.VirtAddr) *kernel.Error {
	pte, err := t.walk(addr, false)
	if err != nil {
		return err
	}
	if !pte.HasFlags(FlagPresent) {
		return ErrInvalidMapping
	}
	pa := pte.Frame()
	pte.ClearFlags(FlagPresent)
	cpu.FlushTLBEntry(uintptr(addr))
	t.allocated--
	return pmm.DeallocFrame(pa)
}

// Allocate finds a free virtual address slot, maps it, and returns it. If
// physical is non-nil the slot is backed by *physical; otherwise a fresh
// frame is allocated.
func (t *PageTree) Allocate(physical *mem.PhysAddr) (mem.VirtAddr, *kernel.Error) {
	addr, err := t.findFree()
	if err != nil {
		return 0, err
	}
	if err := t.AllocateSetVirtual(physical, addr); err != nil {
		return 0, err
	}
	return addr, nil
}

// AllocateSetVirtual maps a predetermined virtual address, backing it with
// *physical if non-nil or a freshly allocated frame otherwise.
func (t *PageTree) AllocateSetVirtual(physical *mem.PhysAddr, virtual mem.VirtAddr) *kernel.Error {
	pa := mem.PhysAddr(0)
	if physical != nil {
		pa = *physical
	} else {
		allocated, err := t.allocFrame()
		if err != nil {
			return err
		}
		pa = allocated
	}
	return t.Map(virtual, pa, FlagPresent|FlagRW|FlagNoExecute)
}

// AllocateContiguous reserves n contiguous free pages of virtual address
// space and maps them either to n contiguous frames starting at *physical
// (if non-nil) or to n freshly allocated (not necessarily contiguous)
// frames.
func (t *PageTree) AllocateContiguous(n uint64, physical *mem.PhysAddr) (mem.VirtAddr, *kernel.Error) {
	start, err := t.findFreeRun(n)
	if err != nil {
		return 0, err
	}

	for i := uint64(0); i < n; i++ {
		va := start.Add(uintptr(i) * uintptr(mem.PageSize))
		var pa mem.PhysAddr
		if physical != nil {
			pa = physical.Add(uintptr(i) * uintptr(mem.PageSize))
		} else {
			pa, err = t.allocFrame()
			if err != nil {
				return 0, err
			}
		}
		if err := t.Map(va, pa, FlagPresent|FlagRW|FlagNoExecute); err != nil {
			return 0, err
		}
	}
	return start, nil
}

// MmapContiguous maps a (possibly non-contiguous) list of physical
// addresses into a single contiguous virtual run, in order.
func (t *PageTree) MmapContiguous(physicalAddresses []mem.PhysAddr, flags PageTableEntryFlag) (mem.VirtAddr, *kernel.Error) {
	start, err := t.findFreeRun(uint64(len(physicalAddresses)))
	if err != nil {
		return 0, err
	}
	for i, pa := range physicalAddresses {
		va := start.Add(uintptr(i) * uintptr(mem.PageSize))
		if err := t.Map(va, pa, flags|FlagPresent); err != nil {
			return 0, err
		}
	}
	return start, nil
}

// CopyHigherHalf shares the kernel half of the virtual address space (PML4
// entries 256-511, VAs >= 0xffff800000000000) from t into dst by copying
// the PML4 entries directly: the PDPT/PD/PT tables underneath, and
// therefore their mappings, become shared between the two trees. Used when
// creating a new process address space so every process sees the same
// kernel mappings without re-walking them.
func (t *PageTree) CopyHigherHalf(dst *PageTree) *kernel.Error {
	src := tableAt(t.Level4)
	dstTable := tableAt(dst.Level4)
	for idx := uint64(256); idx < entriesPerTable; idx++ {
		dstTable.entries[idx] = src.entries[idx]
	}
	return nil
}

// findFree descends the tree picking, at each level, the first child whose
// subtree still has a free slot (its available-slots counter is nonzero)
// or that is entirely unmapped, and at the leaf level the first entry that
// isn't present. This is the allocate_any behaviour from
// original_source/kernel/src/memory/paging.rs.
func (t *PageTree) findFree() (mem.VirtAddr, *kernel.Error) {
	var indices [pageLevels]uint64
	tablePA := t.Level4

	for level := uint(pageLevels); level > 1; level-- {
		table := tableAt(tablePA)
		idx, err := table.firstAvailable()
		if err != nil {
			return 0, err
		}
		indices[pageLevels-level] = idx

		if !table.entries[idx].HasFlags(FlagPresent) {
			childPA, err := table.ensureChild(idx, t.allocFrame)
			if err != nil {
				return 0, err
			}
			tablePA = childPA
		} else {
			tablePA = table.entries[idx].Frame()
		}
		if table.entries[idx].NumAvailable() > 0 {
			table.entries[idx].DecAvailable()
		}
	}

	leaf := tableAt(tablePA)
	idx, err := leaf.firstFreeLeaf()
	if err != nil {
		return 0, err
	}
	indices[pageLevels-1] = idx

	return addrFromIndices(indices), nil
}

// findFreeRun locates n consecutive unmapped leaf slots within a single PT
// (at most entriesPerTable, i.e. 2 MiB), which keeps contiguous allocation
// simple at the cost of capping a single contiguous request at 2 MiB.
func (t *PageTree) findFreeRun(n uint64) (mem.VirtAddr, *kernel.Error) {
	if n == 0 || n > entriesPerTable {
		return 0, errAddressSpaceExhausted
	}

	var indices [pageLevels]uint64
	tablePA := t.Level4
	for level := uint(pageLevels); level > 1; level-- {
		table := tableAt(tablePA)
		idx, err := table.firstAvailable()
		if err != nil {
			return 0, err
		}
		indices[pageLevels-level] = idx
		childPA, err := table.ensureChild(idx, t.allocFrame)
		if err != nil {
			return 0, err
		}
		tablePA = childPA
	}

	leaf := tableAt(tablePA)
	start, err := leaf.firstFreeRun(n)
	if err != nil {
		return 0, err
	}
	indices[pageLevels-1] = start
	return addrFromIndices(indices), nil
}

// firstAvailable returns the index of the first entry in pt whose subtree
// still has room: either not present (entirely free) or present with a
// nonzero available-slots counter.
func (pt *pageTable) firstAvailable() (uint64, *kernel.Error) {
	for i := range pt.entries {
		e := &pt.entries[i]
		if !e.HasFlags(FlagPresent) || e.NumAvailable() > 0 {
			return uint64(i), nil
		}
	}
	return 0, errAddressSpaceExhausted
}

// firstFreeLeaf returns the index of the first non-present entry in a leaf
// (PT level) table.
func (pt *pageTable) firstFreeLeaf() (uint64, *kernel.Error) {
	for i := range pt.entries {
		if !pt.entries[i].HasFlags(FlagPresent) {
			return uint64(i), nil
		}
	}
	return 0, errAddressSpaceExhausted
}

// firstFreeRun returns the index of the first run of n consecutive
// non-present entries in a leaf table.
func (pt *pageTable) firstFreeRun(n uint64) (uint64, *kernel.Error) {
	var run uint64
	for i := range pt.entries {
		if pt.entries[i].HasFlags(FlagPresent) {
			run = 0
			continue
		}
		run++
		if run == n {
			return uint64(i) - n + 1, nil
		}
	}
	return 0, errAddressSpaceExhausted
}

// addrFromIndices reassembles a canonical virtual address from the 4
// per-level indices produced by findFree/findFreeRun, sign-extending bit 47
// into the top 16 bits as the architecture requires.
func addrFromIndices(indices [pageLevels]uint64) mem.VirtAddr {
	addr := (indices[0] << 39) | (indices[1] << 30) | (indices[2] << 21) | (indices[3] << 12)
	if addr&(1<<47) != 0 {
		addr |= ^uint64(0) << 48
	}
	return mem.VirtAddr(addr)
}
