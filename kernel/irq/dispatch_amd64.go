package irq

import (
	"novakernel/kernel/async"
	"novakernel/kernel/cpu"
	"novakernel/kernel/proc"
	"novakernel/kernel/sched"
)

// ContextSwitch is the single entry point every interrupt vector and the
// SYSCALL trampoline tail-call on their way back to userspace: save curr's
// CPU state (already built by the vector-specific entry code into
// state), drain this CPU's ready async tasks, ask the scheduler for the
// next process to run, and dispatch into it. There is no path that
// returns from here other than the next interrupt or syscall.
//
// Grounded on original_source/kernel/src/proc/context_switch.rs's
// context_switch/no_ret_context_switch: the int_depth/atomic-context
// guard, the process_tasks-then-schedule-then-dispatch order, and idling
// (HLT, here, rather than the original's sleep-and-retry loop, since a
// HLT'd CPU wakes on the next IRQ) are carried over one-for-one. The
// dispatch target's dispatcher.rs was not present in the retrieved
// source; the signature here follows the rest of this package's
// bodyless-function convention (kernel/cpu's EnableInterrupts, Halt,
// SwitchPDT) for the arch-specific register restore.
func ContextSwitch(s *sched.Scheduler, curr *proc.Process, state proc.SavedCPUState, sleep *sched.SleepCondition) {
	local := cpu.Current()

	// A nested interrupt (one that preempted kernel code already
	// running inside an interrupt or with a NoIntSpinlock held) must
	// never attempt a context switch: it simply unwinds back to
	// whatever it interrupted.
	if local.IntDepth > 1 || local.Locks.IsAtomicContext() {
		return
	}

	async.ProcessTasks()

	next := s.ReleaseAndSchedule(local.ProcessorID, curr, state, sleep)
	if next == nil {
		// Nothing ready: idle until the next IRQ re-enters this
		// function with a populated ready queue.
		cpu.Halt()
		return
	}

	dispatch(next)
}

// dispatch switches CR3 to next's page tree and restores its saved CPU
// state (an iret frame if it was preempted, a sysret frame if it was
// inside a syscall), transferring control. Implemented by the
// architecture support code linked in alongside this package, the same
// way kernel/cpu.SwitchPDT and kernel/cpu.Halt are.
func dispatch(next *proc.Process)
