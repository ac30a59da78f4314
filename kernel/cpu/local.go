package cpu

import (
	"novakernel/kernel/mem"
	"novakernel/kernel/sync"
	"unsafe"
)

// GDTEntry is a single 8-byte Global Descriptor Table segment descriptor.
// novakernel only ever installs flat code/data/TSS descriptors, so the
// base/limit fields are fixed at 0/0xfffff for everything but the TSS
// descriptor, which spans two entries (TSSEntry below).
type GDTEntry uint64

// Segment selectors into the per-CPU GDT, fixed across every CPU so that
// CS/SS loaded in one context remain valid after a CPU migration (not that
// migration is supported in this revision, but selectors are cheap to keep
// uniform regardless).
const (
	SelectorNull        = 0x00
	SelectorKernelCode   = 0x08
	SelectorKernelData   = 0x10
	SelectorUserCode     = 0x18 | 3
	SelectorUserData     = 0x20 | 3
	SelectorTSS          = 0x28
	gdtEntryCount        = 7 // null, kcode, kdata, ucode, udata, tss-lo, tss-hi
)

// TSSEntry is the amd64 Task State Segment. novakernel uses it exclusively
// for its IST (Interrupt Stack Table) slots and the ring0 stack pointer;
// hardware task-switching is never used.
type TSSEntry struct {
	reserved0 uint32
	RSP       [3]uint64
	reserved1 uint64
	IST       [7]uint64
	reserved2 uint64
	reserved3 uint16
	IOMapBase uint16
}

// Number of IST stack slots dedicated to specific vectors:
// double-fault, NMI and machine-check each get their own stack so a
// catastrophic fault is guaranteed a sane place to push its frame even if
// the faulting context's own stack is corrupt.
const (
	ISTDoubleFault    = 1
	ISTNMI            = 2
	ISTMachineCheck   = 3
	istStackPages     = 4 // pages per IST stack
)

// GDT is one CPU's Global Descriptor Table: the fixed flat descriptors plus
// the two entries that together describe this CPU's TSSEntry.
type GDT struct {
	Entries [gdtEntryCount]GDTEntry
	TSS     TSSEntry
}

// Local is the CPU-local block
// struct reachable in O(1) from any code running on a given logical CPU,
// addressed through IA32_GS_BASE (Self.Self always points back at Self, the
// way gs:0 dereferences are conventionally written).
//
// kernel/async and kernel/sched each keep their own per-CPU state indexed
// by ProcessorID rather than embedding it here directly (the arena+index
// pattern
// otherwise force an import cycle between them).
type Local struct {
	// Self lets `mov rax, gs:0` style access recover a typed pointer to
	// the block itself.
	Self *Local

	// KernelStackTop is read by the SYSCALL entry stub (at GS-relative
	// offset 0 from the start of the stack fields) to switch onto this
	// CPU's kernel stack before the Rust^Wgo dispatcher runs.
	KernelStackTop  mem.VirtAddr
	KernelStackBase mem.VirtAddr
	KernelStackSize mem.Size

	GDT *GDT
	TSS *TSSEntry

	// CurrentProcess is an opaque pointer to the kernel/proc.Process
	// currently bound to this CPU; stored untyped here to avoid an
	// import cycle (kernel/proc already imports kernel/cpu for Local).
	CurrentProcess unsafe.Pointer

	// IntDepth counts nested interrupt entries; the central dispatcher
	// only attempts a context switch when this drops back to 0.
	IntDepth uint32

	// Locks accounts for held NoIntSpinlocks.
	Locks sync.LockInfo

	APICID      uint32
	ProcessorID uint32
}

var (
	// locals holds every CPU's block, indexed by ProcessorID, allocated
	// once by InitBSP/InitAP. A slice (not a map) because the count is
	// fixed after SMP bring-up completes.
	locals []*Local
)

// InitBSP allocates and installs the bootstrap processor's Local block.
// Must run before any other subsystem that calls Current().
func InitBSP(maxCPUs uint32, stackBase mem.VirtAddr, stackSize mem.Size) *Local {
	locals = make([]*Local, maxCPUs)
	l := newLocal(0, stackBase, stackSize)
	locals[0] = l
	installGSBase(l)
	return l
}

// InitAP allocates processorID's Local block. Called by kernel/smp once per
// AP, from the BSP, before the STARTUP IPI sequence for that AP begins;
// the AP itself installs its own IA32_GS_BASE during the mailbox handshake.
func InitAP(processorID uint32, stackBase mem.VirtAddr, stackSize mem.Size) *Local {
	l := newLocal(processorID, stackBase, stackSize)
	locals[processorID] = l
	return l
}

func newLocal(processorID uint32, stackBase mem.VirtAddr, stackSize mem.Size) *Local {
	l := &Local{
		KernelStackBase: stackBase,
		KernelStackSize: stackSize,
		KernelStackTop:  stackBase.Add(uintptr(stackSize)),
		ProcessorID:     processorID,
	}
	l.Self = l
	return l
}

// MaxCPUs returns the number of Local slots reserved at InitBSP time.
func MaxCPUs() uint32 {
	return uint32(len(locals))
}

// LocalAt returns the Local block for a specific processor, or nil if that
// CPU has not completed bring-up yet. Used by remote-wake paths (the async
// runtime depositing a wake token into another CPU's to-wake vector).
func LocalAt(processorID uint32) *Local {
	if int(processorID) >= len(locals) {
		return nil
	}
	return locals[processorID]
}

// installGSBase loads IA32_GS_BASE with the address of l so that Current
// can recover it via a gs-relative load. Declared here so the asm stub
// lives next to its only caller; the actual WRMSR is implemented in the
// architecture support file novakernel's build links in alongside this
// package (not part of this retrieval pack, same as EnableInterrupts et al.
// above).
func installGSBase(l *Local)

// Current returns the calling CPU's Local block via a gs-relative load of
// Self. Safe to call from any context once InitBSP/InitAP has run for the
// calling CPU.
func Current() *Local
