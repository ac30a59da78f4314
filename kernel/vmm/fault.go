package vmm

import (
	"novakernel/kernel"
	"novakernel/kernel/mem"
)

var errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable page fault"}

// HandlePageFault implements the kernel tree's copy-on-write fault path: a
// write to a page mapped FlagCopyOnWrite (and not FlagRW) is satisfied by
// giving the faulting page its own private frame, a copy of
// ReservedZeroedFrame's contents, mapped RW with the CoW flag cleared.
// Returns nil if the fault was resolved and the faulting instruction should
// be retried, or errUnrecoverableFault otherwise.
func HandlePageFault(faultAddr uintptr) *kernel.Error {
	page := PageFromAddress(faultAddr)
	pte, err := kernelTree.walk(mem.VirtAddr(page.Address()), false)
	if err != nil || !pte.HasFlags(FlagPresent) {
		return errUnrecoverableFault
	}
	if pte.HasFlags(FlagRW) || !pte.HasFlags(FlagCopyOnWrite) {
		return errUnrecoverableFault
	}

	frame, err := kernelTree.allocFrame()
	if err != nil {
		return err
	}
	kernel.Memcopy(uintptr(page.Address()), uintptr(frame.ToVirt()), uintptr(mem.PageSize))

	pte.ClearFlags(FlagCopyOnWrite)
	pte.SetFlags(FlagPresent | FlagRW)
	pte.SetFrame(frame)
	return nil
}
