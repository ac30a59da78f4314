package smp

import (
	"novakernel/kernel/cpu"
	"novakernel/kernel/mem"
	"unsafe"
)

// trampolineSize bounds the real-mode + long-mode trampoline to one page
// below 1 MiB.
const trampolineSize = 4096

// trampolineImage is the pre-assembled trampoline blob patched with its
// base, GDT pointer, CR3, 64-bit entry address, and MTRR default before
// it is copied to the reserved low page. Populated by the architecture
// support build (not part of this retrieval pack, same convention as
// kernel/cpu's assembly stubs).
var trampolineImage [trampolineSize]byte

// mailboxOffset is the byte offset of the 4-byte mailbox within the
// trampoline page, placed immediately after the patch-point fields.
const mailboxOffset = 56

func copyTrampolineEntry(dest mem.VirtAddr) {
	destSlice := mem.OverlayBytes(dest, trampolineSize)
	copy(destSlice, trampolineImage[:])
}

func mailboxAt(trampolineVA mem.VirtAddr) unsafe.Pointer {
	return unsafe.Pointer(uintptr(trampolineVA) + mailboxOffset)
}

func mailboxAddr(mb *mailbox) unsafe.Pointer {
	return unsafe.Pointer(mb)
}

func localAddr(l *cpu.Local) unsafe.Pointer {
	return unsafe.Pointer(l)
}
