// Package sched implements novakernel's process scheduler: a single
// lock-protected set of queues (ready, sleeping, active-on-CPU, purge)
// that the interrupt/syscall dispatch path consults on every exit back
// to userspace.6.
//
// Grounded on original_source/kernel/src/proc/scheduler.rs (the
// tasks/sleeping_tasks/active_tasks/ready_to_run/purge_queue fields and
// the schedule/release_process/remove_process/release_and_schedule
// methods) and on gopher-os's NoIntSpinlock-guarded global state
// convention.
package sched

import (
	"novakernel/kernel/proc"
	"novakernel/kernel/sync"
)

// SleepCondition mirrors the original's SleepCondition enum: either the
// process sleeps until a deadline, or it sleeps until some other
// subsystem wakes it directly (e.g. an AHCI completion).
type SleepCondition struct {
	IsTimed bool
	WakeAt  uint64 // nanoseconds since epoch, valid only if IsTimed
}

// State is a process's position in the scheduler state machine:
// New -> Ready -> Running -> {Ready, Sleeping, Stopping}.
type State uint8

const (
	StateNew State = iota
	StateReady
	StateRunning
	StateSleeping
	StateStopping
)

type sleepEntry struct {
	pid  proc.Pid
	cond SleepCondition
}

type activeEntry struct {
	pid proc.Pid
	cpu uint32
}

// Scheduler holds every process the kernel knows about plus the four
// queues.6. The zero value is ready to use.
type Scheduler struct {
	lock sync.NoIntSpinlock

	tasks       map[proc.Pid]*proc.Process
	sleeping    []sleepEntry
	active      []activeEntry
	readyToRun  []proc.Pid
	purgeQueue  map[proc.Pid]struct{}
}

// New returns an empty scheduler.
func New() *Scheduler {
	return &Scheduler{
		tasks:      make(map[proc.Pid]*proc.Process),
		purgeQueue: make(map[proc.Pid]struct{}),
	}
}

// AcceptNewProcess registers p and places it at the back of the ready
// queue.
func (s *Scheduler) AcceptNewProcess(p *proc.Process) {
	s.lock.Acquire()
	defer s.lock.Release()
	s.tasks[p.PID] = p
	s.readyToRun = append(s.readyToRun, p.PID)
}

// MemTreeSwitcher installs the process's page tree as the active one;
// set by cmd/kmain during boot. Left nil (no-op) otherwise so this
// package has no hard dependency on kernel/vmm/kernel/cpu.
var MemTreeSwitcher func(p *proc.Process)

func switchToGenericMemTree() {
	if MemTreeSwitcher != nil {
		MemTreeSwitcher(nil)
	}
}

// CurrentProcessSetter is called with the process now bound to this CPU
// (or nil) after every Schedule/ReleaseAndSchedule call, set by cmd/kmain
// to update kernel/cpu.Local.CurrentProcess.
var CurrentProcessSetter func(cpuID uint32, p *proc.Process)

// Schedule pops the next ready process, marks it Running on cpuID, and
// returns it; returns nil if nothing is ready (the caller should idle).
func (s *Scheduler) Schedule(cpuID uint32) *proc.Process {
	s.lock.Acquire()
	defer s.lock.Release()
	return s.scheduleLocked(cpuID)
}

func (s *Scheduler) scheduleLocked(cpuID uint32) *proc.Process {
	if len(s.readyToRun) == 0 {
		switchToGenericMemTree()
		if CurrentProcessSetter != nil {
			CurrentProcessSetter(cpuID, nil)
		}
		return nil
	}
	pid := s.readyToRun[0]
	s.readyToRun = s.readyToRun[1:]

	p, ok := s.tasks[pid]
	if !ok {
		switchToGenericMemTree()
		if CurrentProcessSetter != nil {
			CurrentProcessSetter(cpuID, nil)
		}
		return nil
	}
	s.active = append(s.active, activeEntry{pid: pid, cpu: cpuID})
	if CurrentProcessSetter != nil {
		CurrentProcessSetter(cpuID, p)
	}
	return p
}

// RemoveProcess takes pid out of every queue it might be in and marks it
// for purging: its resources are reclaimed the next time it would
// otherwise be released back to the ready queue.
func (s *Scheduler) RemoveProcess(pid proc.Pid) {
	s.lock.Acquire()
	defer s.lock.Release()
	s.removeFromSleeping(pid)
	s.removeFromReady(pid)
	s.purgeQueue[pid] = struct{}{}
}

func (s *Scheduler) removeFromSleeping(pid proc.Pid) {
	for i, e := range s.sleeping {
		if e.pid == pid {
			s.sleeping[i] = s.sleeping[len(s.sleeping)-1]
			s.sleeping = s.sleeping[:len(s.sleeping)-1]
			return
		}
	}
}

func (s *Scheduler) removeFromReady(pid proc.Pid) {
	for i, p := range s.readyToRun {
		if p == pid {
			s.readyToRun[i] = s.readyToRun[len(s.readyToRun)-1]
			s.readyToRun = s.readyToRun[:len(s.readyToRun)-1]
			return
		}
	}
}

// releaseLocked is called once a process's CPU state has already been
// saved by the dispatcher; it moves pid out of the active set and into
// whichever queue it belongs next.
func (s *Scheduler) releaseLocked(pid proc.Pid, sleep *SleepCondition) {
	found := false
	for i, e := range s.active {
		if e.pid == pid {
			s.active[i] = s.active[len(s.active)-1]
			s.active = s.active[:len(s.active)-1]
			found = true
			break
		}
	}
	if !found {
		// Should be unreachable; fall back to purging so a bookkeeping
		// bug can't leave a phantom process occupying memory forever.
		s.purgeQueue[pid] = struct{}{}
	}

	if _, purging := s.purgeQueue[pid]; purging {
		delete(s.purgeQueue, pid)
		s.purgeLocked(pid)
		return
	}

	if sleep != nil {
		s.sleeping = append(s.sleeping, sleepEntry{pid: pid, cond: *sleep})
	} else {
		s.readyToRun = append(s.readyToRun, pid)
	}
}

// purgeLocked frees every resource pid owns: its memory context (once
// its last reference drops) and its entry in the task table.
func (s *Scheduler) purgeLocked(pid proc.Pid) {
	p, ok := s.tasks[pid]
	if !ok {
		return
	}
	delete(s.tasks, pid)
	if p.MemCtx != nil && p.MemCtx.Ref.Release() {
		// The last reference to this address space just dropped; its
		// frames are reclaimed by whoever tears down MemoryContext
		// (cmd/kmain wires this through kernel/vmm, kept out of this
		// package to avoid importing it here).
	}
}

// ReleaseAndSchedule saves curr's CPU state (if curr is non-nil), moves
// it to its next queue, and immediately schedules the next process on
// cpuID. This is the single entry point the interrupt/syscall dispatcher
// calls on every exit, avoiding a second lock acquisition (mirrors the
// original's release_and_schedule).
func (s *Scheduler) ReleaseAndSchedule(cpuID uint32, curr *proc.Process, state proc.SavedCPUState, sleep *SleepCondition) *proc.Process {
	s.lock.Acquire()
	defer s.lock.Release()
	if curr != nil {
		curr.SetCPUState(state)
		s.releaseLocked(curr.PID, sleep)
	}
	return s.scheduleLocked(cpuID)
}

// WakeSleeping moves every sleeping process whose timed deadline is at
// or before nowNanos back onto the ready queue; called from the HPET/PIT
// tick handler. Event-woken sleepers (IsTimed == false) are moved by
// whichever subsystem owns the event, via WakeProcess.
func (s *Scheduler) WakeSleeping(nowNanos uint64) {
	s.lock.Acquire()
	defer s.lock.Release()
	remaining := s.sleeping[:0]
	for _, e := range s.sleeping {
		if e.cond.IsTimed && e.cond.WakeAt <= nowNanos {
			s.readyToRun = append(s.readyToRun, e.pid)
		} else {
			remaining = append(remaining, e)
		}
	}
	s.sleeping = remaining
}

// WakeProcess moves pid directly from the sleeping list to the ready
// queue, used by event-based sleepers (e.g. an AHCI command completion)
// rather than the timer tick.
func (s *Scheduler) WakeProcess(pid proc.Pid) bool {
	s.lock.Acquire()
	defer s.lock.Release()
	for i, e := range s.sleeping {
		if e.pid == pid {
			s.sleeping[i] = s.sleeping[len(s.sleeping)-1]
			s.sleeping = s.sleeping[:len(s.sleeping)-1]
			s.readyToRun = append(s.readyToRun, pid)
			return true
		}
	}
	return false
}

// ProcessByPID looks up a registered process; used by syscalls that
// operate on a PID other than the caller's.
func (s *Scheduler) ProcessByPID(pid proc.Pid) (*proc.Process, bool) {
	s.lock.Acquire()
	defer s.lock.Release()
	p, ok := s.tasks[pid]
	return p, ok
}
