// Package pmm implements the kernel's physical frame allocator: a single
// bitmap, treated as an implicit complete binary tree, covering every
// frame up to the next power of two above the highest usable physical
// address reported by the firmware memory map.
package pmm

import (
	"novakernel/kernel"
	"novakernel/kernel/hal/multiboot"
	"novakernel/kernel/kfmt"
	"novakernel/kernel/mem"
)

var (
	errOOM          = &kernel.Error{Module: "pmm", Message: "no free frames remain"}
	errDoubleFree   = &kernel.Error{Module: "pmm", Message: "frame freed twice"}
	errNotAllocated = &kernel.Error{Module: "pmm", Message: "frame was never allocated"}

	// global is the single kernel-wide allocator instance.
	global buddyAllocator

	// debugChecks toggles the idempotent-double-free panic. Off by
	// default; tests flip it on.
	debugChecks = false
)

// buddyAllocator implements the physical frame allocator: a
// single bitmap sized 2N bits where N = next_pow2(frames), addressed as
// an implicit binary tree. Leaves live at indices [N, 2N); the parent of
// index i is i/2; the children of i are 2i and 2i+1.
type buddyAllocator struct {
	// frames is the number of representable frames (N); leaves past the
	// highest usable frame are marked permanently allocated.
	frames uint64

	// treeSize is 2*N, the number of bits (and tree nodes including the
	// unused index 0) in the bitmap.
	treeSize uint64

	// bitmap holds one bit per tree node, index 0 unused. bitmap[i] set
	// means "node i and everything below it is fully allocated".
	bitmap []uint64
}

// Init sets up the physical frame allocator bitmap from the firmware
// memory map. All bits start allocated; Usable regions are then cleared.
// The bitmap's own backing storage is reserved from within one of the
// regions it describes before the allocator is made live.
func Init() *kernel.Error {
	var highest uint64
	multiboot.VisitMemRegions(func(e *multiboot.MemoryMapEntry) bool {
		if e.Type == multiboot.MemAvailable {
			end := e.PhysAddress + e.Length
			if end > highest {
				highest = end
			}
		}
		return true
	})

	frames := highest >> mem.PageShift
	treeSize := nextPow2(frames) * 2

	bitmapWords := (treeSize + 63) / 64
	bitmapBytes := bitmapWords * 8

	// Reserve the bitmap's own storage from the first usable region
	// large enough to hold it, exactly as physical_allocator.rs does.
	storage, err := reserveStorage(bitmapBytes)
	if err != nil {
		return err
	}

	global = buddyAllocator{
		frames:   frames,
		treeSize: treeSize,
		bitmap:   storage,
	}

	// Start with everything allocated; leaves past the last usable
	// frame stay permanently set.
	for i := range global.bitmap {
		global.bitmap[i] = ^uint64(0)
	}

	multiboot.VisitMemRegions(func(e *multiboot.MemoryMapEntry) bool {
		if e.Type != multiboot.MemAvailable {
			return true
		}
		startFrame := (e.PhysAddress + uint64(mem.PageSize) - 1) >> mem.PageShift
		endFrame := (e.PhysAddress + e.Length) >> mem.PageShift
		for f := startFrame; f < endFrame; f++ {
			global.markIndex(global.leafIndex(f), false)
		}
		return true
	})

	// Re-reserve the bitmap's own frames; they were just marked free by
	// the scan above because they sit inside a Usable region.
	for addr := uint64(reservedBase); addr < uint64(reservedBase)+bitmapBytes; addr += uint64(mem.PageSize) {
		global.markIndex(global.leafIndex(addr>>mem.PageShift), true)
	}

	kfmt.Printf("[pmm] %d frames representable, bitmap reserved at 0x%x (%d bytes)\n",
		frames, reservedBase, bitmapBytes)
	return nil
}

// reservedBase records the PA the bitmap storage itself occupies so that
// Init can re-mark it allocated after the Usable-region sweep.
var reservedBase uint64

// reserveStorage claims the first Usable region from the firmware memory
// map large enough to hold n bytes and returns a slice overlaying it
// (accessed through the physical map, since paging may not be live yet
// for early-boot callers — see kernel/vmm.Init ordering in cmd/kmain).
func reserveStorage(n uint64) ([]uint64, *kernel.Error) {
	var base uint64
	var found bool
	multiboot.VisitMemRegions(func(e *multiboot.MemoryMapEntry) bool {
		if e.Type != multiboot.MemAvailable {
			return true
		}
		if e.Length >= n {
			base = e.PhysAddress
			found = true
			return false
		}
		return true
	})
	if !found {
		return nil, errOOM
	}
	reservedBase = base
	return mem.OverlayUint64(mem.PhysAddr(base).ToVirt(), int(n/8)), nil
}

// nextPow2 rounds n up to the next power of two (n itself if already one).
func nextPow2(n uint64) uint64 {
	if n == 0 {
		return 1
	}
	n--
	n |= n >> 1
	n |= n >> 2
	n |= n >> 4
	n |= n >> 8
	n |= n >> 16
	n |= n >> 32
	return n + 1
}

// leafIndex maps a frame number to its bitmap-tree leaf index.
func (a *buddyAllocator) leafIndex(frame uint64) uint64 {
	return frame + a.treeSize/2
}

func (a *buddyAllocator) get(index uint64) bool {
	return a.bitmap[index>>6]&(1<<(index&63)) != 0
}

func (a *buddyAllocator) set(index uint64, allocated bool) {
	if allocated {
		a.bitmap[index>>6] |= 1 << (index & 63)
	} else {
		a.bitmap[index>>6] &^= 1 << (index & 63)
	}
}

// markIndex sets the leaf at index and propagates the change towards the
// root: a parent's bit is set iff both children are set.
func (a *buddyAllocator) markIndex(index uint64, allocated bool) {
	a.set(index, allocated)
	for i := index >> 1; i >= 1; i >>= 1 {
		a.set(i, a.get(i<<1) && a.get(i<<1+1))
	}
}

// findFree descends from the root choosing a non-full child at each
// level, returning the leaf index of a free frame.
func (a *buddyAllocator) findFree() (uint64, *kernel.Error) {
	if a.get(1) {
		return 0, errOOM
	}
	index := uint64(1)
	for index < a.treeSize/2 {
		left := index << 1
		if !a.get(left) {
			index = left
		} else {
			index = left + 1
		}
	}
	return index, nil
}

// AllocFrame returns a currently free frame and marks it allocated.
func AllocFrame() (mem.PhysAddr, *kernel.Error) {
	index, err := global.findFree()
	if err != nil {
		kfmt.Panic(err)
		return 0, err
	}
	global.markIndex(index, true)
	frame := index - global.treeSize/2
	return mem.PhysAddr(frame << mem.PageShift), nil
}

// AllocFrameLow is identical to AllocFrame but only ever returns frames
// below 1 MiB, for the AP trampoline and other real-mode-reachable
// buffers. It performs a linear scan of the low leaves since they are
// few and this path is not hot.
func AllocFrameLow() (mem.PhysAddr, *kernel.Error) {
	const lowFrames = (1 << 20) >> mem.PageShift
	base := global.treeSize / 2
	for f := uint64(0); f < lowFrames; f++ {
		index := base + f
		if !global.get(index) {
			global.markIndex(index, true)
			return mem.PhysAddr(f << mem.PageShift), nil
		}
	}
	kfmt.Panic(errOOM)
	return 0, errOOM
}

// DeallocFrame marks pa free again. pa must have been returned by
// AllocFrame/AllocFrameLow. If the leaf is already clear — either pa was
// never allocated or it was already freed — DeallocFrame returns
// errNotAllocated; in debug builds that same condition panics instead,
// since it almost always indicates a double-free at the call site.
func DeallocFrame(pa mem.PhysAddr) *kernel.Error {
	index := global.leafIndex(uint64(pa) >> mem.PageShift)
	if !global.get(index) {
		if debugChecks {
			kfmt.Panic(errDoubleFree)
			return errDoubleFree
		}
		return errNotAllocated
	}
	global.markIndex(index, false)
	return nil
}

// MarkAddr forces the allocation state of an arbitrary PA, used by BAR
// reservation and firmware-claimed ranges that must never be handed out.
func MarkAddr(pa mem.PhysAddr, allocated bool) {
	global.markIndex(global.leafIndex(uint64(pa)>>mem.PageShift), allocated)
}

// IsFrameAllocated reports whether pa is currently allocated.
func IsFrameAllocated(pa mem.PhysAddr) bool {
	return global.get(global.leafIndex(uint64(pa) >> mem.PageShift))
}
