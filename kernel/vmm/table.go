package vmm

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
	"novakernel/kernel/pmm"
	"unsafe"
)

// entriesPerTable is the number of entries in every level of the amd64 page
// table hierarchy.
const entriesPerTable = 512

// pageLevels is the depth of the hierarchy: PML4, PDPT, PD, PT.
const pageLevels = 4

// pageTable is one level of the hierarchy: 512 8-byte entries, always
// exactly one page in size. Tables are reached through the physical map
// (mem.PhysAddr.ToVirt), so no self-referencing or temporary-mapping dance
// is needed to read or write a table that isn't the currently active one.
type pageTable struct {
	entries [entriesPerTable]PageTableEntry
}

func tableAt(pa mem.PhysAddr) *pageTable {
	return (*pageTable)(unsafe.Pointer(uintptr(pa.ToVirt())))
}

// indexAt returns the index into the table at the given level (4=PML4 down
// to 1=PT) that addr routes through.
func indexAt(addr mem.VirtAddr, level uint) uint64 {
	shift := uint(12) + (level-1)*9
	return (uint64(addr) >> shift) & 0x1ff
}

// clear zeroes every entry, marking the table (and, if it is a non-leaf
// table, its full subtree) entirely free.
func (pt *pageTable) clear() {
	for i := range pt.entries {
		pt.entries[i] = 0
	}
}

// ensureChild returns the physical address of the child table reachable
// through entries[idx], allocating and zeroing a fresh frame for it if the
// slot isn't present yet.
func (pt *pageTable) ensureChild(idx uint64, allocFn func() (mem.PhysAddr, *kernel.Error)) (mem.PhysAddr, *kernel.Error) {
	e := &pt.entries[idx]
	if e.HasFlags(FlagPresent) {
		if e.HasFlags(FlagHuge) {
			return 0, errHugePage
		}
		return e.Frame(), nil
	}

	childPA, err := allocFn()
	if err != nil {
		return 0, err
	}
	kernel.Memset(uintptr(childPA.ToVirt()), 0, uintptr(mem.PageSize))

	*e = 0
	e.SetFrame(childPA)
	e.SetFlags(FlagPresent | FlagRW)
	e.SetNumAvailable(entriesPerTable)
	return childPA, nil
}

func defaultAlloc() (mem.PhysAddr, *kernel.Error) {
	return pmm.AllocFrame()
}
