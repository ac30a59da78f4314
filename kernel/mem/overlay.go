package mem

import "unsafe"

// OverlayBytes returns a byte slice of length n backed directly by the
// memory at addr. Used to treat raw VAs (bitmaps, ring buffers, on-disk
// structures mapped into the physical map) as Go slices without a copy.
func OverlayBytes(addr VirtAddr, n int) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(addr))), n)
}

// OverlayUint64 returns a []uint64 of length n backed directly by the
// memory at addr.
func OverlayUint64(addr VirtAddr, n int) []uint64 {
	return unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(addr))), n)
}

// OverlayUint32 returns a []uint32 of length n backed directly by the
// memory at addr.
func OverlayUint32(addr VirtAddr, n int) []uint32 {
	return unsafe.Slice((*uint32)(unsafe.Pointer(uintptr(addr))), n)
}
