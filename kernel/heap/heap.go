// Package heap implements novakernel's general-purpose allocator: a
// segregated-fit scheme over fixed size classes (16, 32, 64, 128, 256,
// 512, 1024 bytes), with requests above 1024 bytes going straight to
// kernel/vmm's whole-page allocation. Grounded on
// original_source/kernel/src/memory/heap.rs (HeapAllocationData's
// per-class free list, the size-class page metadata layout) and on
// iansmith-mazarin/src/go/mazarin/heap.go for the idiomatic-Go shape of
// placing the free-list linkage directly inside the freed memory via
// unsafe.Pointer rather than a Rust generic allocator trait.
package heap

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
	"novakernel/kernel/sync"
	"novakernel/kernel/vmm"
	"unsafe"
)

// numClasses is the count of segregated size classes: 16, 32, 64, 128,
// 256, 512, 1024 bytes.
const numClasses = 7

var classSizes = [numClasses]uint32{16, 32, 64, 128, 256, 512, 1024}

// blockHeader is the free-list linkage written into the first bytes of
// every free slot (and nowhere else — once a slot is handed out its
// contents belong entirely to the caller).
type blockHeader struct {
	next mem.VirtAddr
	prev mem.VirtAddr
}

// pageHeader sits at the start of every page dedicated to a size class:
// slot size, how many of its slots are currently allocated, and the head
///tail of this page's contribution to the class-wide free list.
type pageHeader struct {
	slotSize    uint32
	allocated   uint32
	maxSlots    uint32
	freeHead    mem.VirtAddr
	freeTail    mem.VirtAddr
	nextPage    mem.VirtAddr // 0 if none
}

const pageHeaderSize = unsafe.Sizeof(pageHeader{})

// classState tracks the free list spanning every page allocated for one
// size class so far: firstPage anchors the singly-linked page list
// (threaded through pageHeader.nextPage), and
// freeHead/freeTail are the ends of the one free list that threads
// through every page of this class.
type classState struct {
	slotSize  uint32
	firstPage mem.VirtAddr
	freeHead  mem.VirtAddr
	freeTail  mem.VirtAddr
	freeCount uint64
}

var (
	lock    sync.NoIntSpinlock
	classes [numClasses]classState

	errLayout = &kernel.Error{Module: "heap", Message: "alignment greater than size is not supported"}
)

// Init prepares the size-class tables. Must run after kernel/vmm.Init.
func Init() {
	for i, s := range classSizes {
		classes[i] = classState{slotSize: s}
	}
}

func classIndexForSize(size uint64) (int, bool) {
	for i, s := range classSizes {
		if size <= uint64(s) {
			return i, true
		}
	}
	return 0, false
}

func headerAt(addr mem.VirtAddr) *pageHeader {
	return (*pageHeader)(unsafe.Pointer(uintptr(addr)))
}

func blockAt(addr mem.VirtAddr) *blockHeader {
	return (*blockHeader)(unsafe.Pointer(uintptr(addr)))
}

// populatePage carves a freshly allocated page into slots of c's size and
// threads them onto the class-wide free list.
func populatePage(c *classState, page mem.VirtAddr) *kernel.Error {
	slotBase := (uint64(pageHeaderSize) + 15) &^ 15
	maxSlots := uint32((uint64(mem.PageSize) - slotBase) / uint64(c.slotSize))
	ph := headerAt(page)
	*ph = pageHeader{slotSize: c.slotSize, maxSlots: maxSlots, nextPage: c.firstPage}
	c.firstPage = page

	base := page.Add(uintptr(slotBase))
	var prev mem.VirtAddr
	for i := uint32(0); i < maxSlots; i++ {
		slot := base.Add(uintptr(i) * uintptr(c.slotSize))
		b := blockAt(slot)
		b.prev = prev
		b.next = 0
		if prev != 0 {
			blockAt(prev).next = slot
		} else {
			ph.freeHead = slot
		}
		prev = slot
	}
	ph.freeTail = prev

	if c.freeTail != 0 {
		blockAt(c.freeTail).next = ph.freeHead
		blockAt(ph.freeHead).prev = c.freeTail
	} else {
		c.freeHead = ph.freeHead
	}
	c.freeTail = ph.freeTail
	c.freeCount += uint64(maxSlots)
	return nil
}

// Allocate returns a pointer to size bytes, 16-byte aligned for
// everything up to the largest size class; alignments greater than the
// requested size are not supported.
func Allocate(size uint64) (mem.VirtAddr, *kernel.Error) {
	if size == 0 {
		return 0, nil
	}

	lock.Acquire()
	defer lock.Release()

	if size > 1024 {
		pages := (size + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
		return vmm.AllocateContiguous(pages)
	}

	idx, _ := classIndexForSize(size)
	c := &classes[idx]
	if c.freeCount == 0 {
		page, err := vmm.Allocate(nil)
		if err != nil {
			return 0, err
		}
		if err := populatePage(c, page); err != nil {
			return 0, err
		}
	}

	slot := c.freeHead
	b := blockAt(slot)
	c.freeHead = b.next
	if c.freeHead != 0 {
		blockAt(c.freeHead).prev = 0
	} else {
		c.freeTail = 0
	}
	c.freeCount--

	ph := headerAt(mem.VirtAddr(uintptr(slot) &^ uintptr(mem.PageSize-1)))
	ph.allocated++
	if ph.freeHead == slot {
		ph.freeHead = b.next
	}
	return slot, nil
}

// Deallocate returns a previously allocated block to its size class's
// free list (or frees the whole-page allocation it came from, for blocks
// larger than 1024 bytes).
func Deallocate(addr mem.VirtAddr, size uint64) *kernel.Error {
	if size == 0 || addr == 0 {
		return nil
	}

	lock.Acquire()
	defer lock.Release()

	if size > 1024 {
		pages := (size + uint64(mem.PageSize) - 1) / uint64(mem.PageSize)
		pageAddr := mem.VirtAddr(uintptr(addr) &^ uintptr(mem.PageSize-1))
		for i := uint64(0); i < pages; i++ {
			vmm.Deallocate(pageAddr.Add(uintptr(i) * uintptr(mem.PageSize)))
		}
		return nil
	}

	pageAddr := mem.VirtAddr(uintptr(addr) &^ uintptr(mem.PageSize-1))
	ph := headerAt(pageAddr)
	idx, _ := classIndexForSize(uint64(ph.slotSize))
	c := &classes[idx]

	b := blockAt(addr)
	b.next = 0
	b.prev = c.freeTail
	if c.freeTail != 0 {
		blockAt(c.freeTail).next = addr
	} else {
		c.freeHead = addr
	}
	c.freeTail = addr
	c.freeCount++
	ph.allocated--
	if ph.freeHead == 0 {
		ph.freeHead = addr
	}
	return nil
}

// unused keeps errLayout referenced; callers that need to reject an
// over-aligned request
// surface it rather than silently truncating alignment.
var _ = errLayout
