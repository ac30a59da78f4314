// Command kmain is novakernel's entry point: the Go symbol the rt0
// assembly (not part of this retrieval pack, same as the GDT/IDT load
// stubs kernel/cpu and kernel/gate declare bodyless) calls once it has
// parked the BSP on a minimal bootstrap stack with a multiboot2 info
// pointer in hand.
//
// main itself only exists to keep the compiler from treating Kmain as
// dead code (it is never called from anywhere else in the program);
// this mirrors gopher-os's boot.go/stub.go trampoline convention, merged
// into one file since novakernel has no reason to split the exported
// entrypoint from its own caller.
package main

import (
	"novakernel/kernel"
	"novakernel/kernel/async"
	"novakernel/kernel/cpu"
	"novakernel/kernel/driver/ahci"
	"novakernel/kernel/fs/rfs"
	"novakernel/kernel/fs/vfs"
	"novakernel/kernel/goruntime"
	"novakernel/kernel/hal"
	"novakernel/kernel/hal/multiboot"
	"novakernel/kernel/heap"
	"novakernel/kernel/kfmt"
	"novakernel/kernel/mem"
	"novakernel/kernel/pci"
	"novakernel/kernel/pmm"
	"novakernel/kernel/proc"
	"novakernel/kernel/sched"
	"novakernel/kernel/smp"
	"novakernel/kernel/timer"
	"novakernel/kernel/vmm"
	"unsafe"

	"github.com/google/uuid"
)

// maxSupportedCPUs bounds the kernel/cpu.Local slice InitBSP allocates;
// novakernel has no ACPI/MADT CPU count discovery wired up (see
// bringUpAPs), so this is a fixed upper bound rather than a probed value.
const maxSupportedCPUs = 32

// multibootInfoPtr is a package-level variable (rather than a Kmain
// parameter literal) so the compiler cannot constant-fold the call and
// eliminate main/Kmain during dead-code elimination, the same convention
// stub.go used for its own dummy uintptr argument.
var multibootInfoPtr uintptr

// bootStackPages is the BSP kernel stack size reserved once the heap
// allocator (and therefore vmm.AllocateContiguous) is live; matches the
// per-CPU kernel stack size every later-started AP also gets.
const bootStackPages = 16

func main() {
	Kmain(multibootInfoPtr)
}

// Kmain sequences novakernel's boot in the dependency order fixed by
// spec.md's system overview: frame allocator, page tree, heap, CPU
// locals, interrupts/timers, SMP bring-up, scheduler/async runtime,
// AHCI, then VFS/RFS. Kmain never returns; if every init step succeeds
// it falls into the scheduler's idle loop, where HLT yields to whatever
// the timer or an AHCI completion wakes next.
//
//go:noinline
func Kmain(multibootInfoPtr uintptr) {
	multiboot.SetInfoPtr(multibootInfoPtr)

	hal.DetectHardware()
	kfmt.Printf("novakernel booting\n")

	if err := pmm.Init(); err != nil {
		kfmt.Panic(err)
	}
	if err := vmm.Init(); err != nil {
		kfmt.Panic(err)
	}
	heap.Init()
	if err := goruntime.Init(); err != nil {
		kfmt.Panic(err)
	}

	cmdline := multiboot.GetBootCmdLine()

	bspStack, err := vmm.AllocateContiguous(bootStackPages)
	if err != nil {
		kfmt.Panic(err)
	}
	bspLocal := cpu.InitBSP(maxSupportedCPUs, bspStack, mem.Size(bootStackPages)*mem.PageSize)
	_ = bspLocal

	if err := timer.Init(); err != nil {
		kfmt.Panic(err)
	}

	// MADT/ACPI enumeration of Application Processors is out of scope
	// here (device/acpi only parses tables, per spec.md's AML-parser
	// non-goal); with no AP list the kernel runs single-CPU, since
	// bringUpAPs returns before calling WakeAll.
	if err := bringUpAPs(nil); err != nil {
		kfmt.Printf("[kmain] SMP bring-up failed, continuing single-CPU: %s\n", err.Message)
	}

	async.Init(cpu.MaxCPUs())
	scheduler := sched.New()
	wireSchedulerToVMM(scheduler)

	discoverAHCIDisks()

	if rootUUID, ok := cmdline["root"]; ok {
		mountRoot(rootUUID)
	} else {
		kfmt.Printf("[kmain] no root= on the command line; booting without a mounted /\n")
	}

	idleLoop(scheduler)
}

// bringUpAPs is a thin wrapper around kernel/smp.WakeAll; the trampoline
// frame and per-CPU stack size are the only two things Kmain decides,
// since everything else (mailbox handshake, MTRR/CR sync) is smp's own
// concern.
func bringUpAPs(aps []smp.ApplicationProcessor) *kernel.Error {
	if len(aps) == 0 {
		return nil
	}
	trampolinePA, allocErr := pmm.AllocFrameLow()
	if allocErr != nil {
		return allocErr
	}
	return smp.WakeAll(aps, trampolinePA, bootStackPages)
}

// wireSchedulerToVMM installs the function-variable seams kernel/sched
// and kernel/async declare (to avoid importing kernel/vmm/kernel/proc
// themselves) with the real CR3 switch and kernel/cpu.Local.CurrentProcess
// update.
func wireSchedulerToVMM(s *sched.Scheduler) {
	sched.MemTreeSwitcher = func(p *proc.Process) {
		if p == nil {
			vmm.KernelTree().Reload()
			return
		}
		p.MemCtx.PageTree.Reload()
	}
	sched.CurrentProcessSetter = func(cpuID uint32, p *proc.Process) {
		local := cpu.LocalAt(cpuID)
		if local == nil {
			return
		}
		// CurrentProcess is stored as unsafe.Pointer (kernel/cpu can't
		// import kernel/proc without an import cycle: proc already
		// imports cpu); cmd/kmain is the one place low enough to
		// import both and perform the conversion.
		local.CurrentProcess = unsafe.Pointer(p)
	}
	async.SetMemTreeSwitcher(func(pid *uint32) {
		if pid == nil {
			vmm.KernelTree().Reload()
			return
		}
		if p, ok := s.ProcessByPID(proc.Pid(*pid)); ok && p.MemCtx != nil {
			p.MemCtx.PageTree.Reload()
		}
	})
}

// discoverAHCIDisks scans PCI for SATA controllers, brings each one's
// ports up through IDENTIFY DEVICE, and registers every resulting port as
// a VFS disk so its GPT partitions become mountable.
func discoverAHCIDisks() {
	vfs.RegisterFileSystemFactory(rfs.FSTypeGUID, rfs.Factory{})

	for _, addr := range pci.EnumerateAddresses() {
		dev := pci.Probe(addr)
		if dev == nil || !dev.IsSATAController() {
			continue
		}
		if err := dev.MapMemoryBars(); err != nil {
			kfmt.Printf("[kmain] ahci: BAR map failed: %s\n", err.Message)
			continue
		}

		ctrl, err := ahci.NewController(dev)
		if err != nil {
			kfmt.Printf("[kmain] ahci: controller init failed: %s\n", err.Message)
			continue
		}

		for _, port := range ctrl.Init() {
			if _, err := vfs.AddDisk(port); err != nil {
				kfmt.Printf("[kmain] ahci: disk registration failed: %s\n", err.Message)
			}
		}
	}
}

// mountRoot parses the root=<uuid> command-line option and mounts that
// partition at "/", the only boot-time mount the core requires.
func mountRoot(rawUUID string) {
	id, parseErr := uuid.Parse(rawUUID)
	if parseErr != nil {
		kfmt.Printf("[kmain] root= value %q is not a valid UUID\n", rawUUID)
		return
	}
	if err := vfs.MountPartition(id, "/", "/"); err != nil {
		kfmt.Printf("[kmain] failed to mount root partition %s: %s\n", id.String(), err.Message)
	}
}

// idleLoop is the fallback path once boot completes with nothing left to
// do yet: drain any ready async tasks, ask the scheduler for work, and
// HLT if there is none. Real process dispatch after this point happens
// entirely through kernel/irq.ContextSwitch, called from interrupt and
// syscall entry; this loop only covers the window between boot finishing
// and the first process being accepted.
func idleLoop(s *sched.Scheduler) {
	for {
		async.ProcessTasks()
		if p := s.Schedule(bspLocalProcessorID()); p != nil {
			// A process was accepted before boot finished (none are,
			// in this revision); nothing further to do from the idle
			// loop once kernel/irq.ContextSwitch takes over on the
			// next interrupt.
			_ = p
		}
		cpu.Halt()
	}
}

func bspLocalProcessorID() uint32 {
	return cpu.Current().ProcessorID
}
