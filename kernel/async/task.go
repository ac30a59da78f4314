// Package async implements the single-threaded, cooperative per-CPU task
// executor. Each CPU owns an intrusive ready
// list, a map of pending (awaiting-wake) tasks, and a vector of task ids
// deposited by remote CPUs; process_tasks drains the ready list once per
// dispatcher pass.
//
// No teacher equivalent exists in the pack (gopher-os has no async
// runtime at all); grounded on
// original_source/kernel/src/task_runner/mod.rs for the ready-list /
// waiting-map / to-wake-vector shape, translated from a generator-based
// Future into an explicit Poll-returning interface since Go has no
// async/await.
package async

import (
	"novakernel/kernel/cpu"
	"novakernel/kernel/sync"
)

// Task is a pollable continuation. Poll returns true once the task has
// run to completion; while it returns false the task remains pending and
// is expected to have registered w (via some AsyncSpinlock/AsyncRWlock
// Poll call, a timer, or an AHCI command future) to be woken later.
type Task interface {
	Poll(w sync.Waker) bool
}

// taskNode is one entry in a CPU's intrusive singly-linked ready list.
type taskNode struct {
	task   Task
	pid    *uint32 // owning PID, nil if kernel-only
	id     uint64
	next   *taskNode
}

// perCPU holds one CPU's executor state. Indexed by cpu.Local.ProcessorID
// rather than embedded in cpu.Local itself, following the arena+index
// pattern (kernel/async and kernel/cpu would otherwise import each
// other).
type perCPU struct {
	nextID  uint64
	ready   *taskNode
	pending map[uint64]*taskNode
	toWake  sync.NoIntSpinlock
	woken   []uint64
}

var perCPUState []perCPU

// Init reserves per-CPU executor state for n logical CPUs. Called once
// from cmd/kmain after kernel/cpu.InitBSP reports the CPU count.
func Init(n uint32) {
	perCPUState = make([]perCPU, n)
	for i := range perCPUState {
		perCPUState[i].pending = make(map[uint64]*taskNode)
	}
}

func current() *perCPU {
	return &perCPUState[cpu.Current().ProcessorID]
}

// taskWaker is the Waker handed to a task's Poll call: its Wake method
// deposits (cpu, task id) into the owning CPU's to-wake vector, the
// remote-wake token described by the design notes on async callbacks.
type taskWaker struct {
	cpuID uint32
	id    uint64
}

func (w *taskWaker) Wake() {
	target := &perCPUState[w.cpuID]
	target.toWake.Acquire()
	target.woken = append(target.woken, w.id)
	target.toWake.Release()
}

// AddTask pushes a new task onto the calling CPU's ready list. If pid is
// non-nil, ProcessTasks switches CR3 to that process's page tree while
// polling this task so I/O futures observe the right address space.
func AddTask(t Task, pid *uint32) uint64 {
	c := current()
	id := c.nextID
	c.nextID++
	c.ready = &taskNode{task: t, pid: pid, id: id, next: c.ready}
	return id
}

// drainWoken moves every pending task whose id was deposited in the
// to-wake vector back onto the ready list.
func (c *perCPU) drainWoken() {
	c.toWake.Acquire()
	woken := c.woken
	c.woken = nil
	c.toWake.Release()

	for _, id := range woken {
		if node, ok := c.pending[id]; ok {
			delete(c.pending, id)
			node.next = c.ready
			c.ready = node
		}
	}
}

// switchMemTreeFn is overridden by cmd/kmain to install the real CR3
// switch once kernel/vmm and kernel/proc are wired up; defaults to a
// no-op so tests can exercise the executor without a live page tree.
var switchMemTreeFn = func(pid *uint32) {}

// SetMemTreeSwitcher installs the function ProcessTasks calls before
// polling a task associated with a process, and once more (with a nil
// pid) after the ready list is drained, to revert to the generic
// kernel-only tree.
func SetMemTreeSwitcher(fn func(pid *uint32)) {
	switchMemTreeFn = fn
}

// ProcessTasks drains the calling CPU's ready list, polling each task
// once. A task that returns false moves into the pending map; one that
// returns true is dropped. Between polls the CR3 is switched to match the
// task's owning process, if any, reverting to the generic tree once the
// whole pass completes.
func ProcessTasks() {
	c := current()
	c.drainWoken()

	tasks := c.ready
	c.ready = nil

	anySwitched := false
	for tasks != nil {
		node := tasks
		tasks = tasks.next
		node.next = nil

		switchMemTreeFn(node.pid)
		if node.pid != nil {
			anySwitched = true
		}

		w := &taskWaker{cpuID: cpu.Current().ProcessorID, id: node.id}
		if node.task.Poll(w) {
			continue
		}
		c.pending[node.id] = node
	}

	if anySwitched {
		switchMemTreeFn(nil)
	}
}

// BlockTask polls future on the calling CPU until it completes, ignoring
// the rest of the executor: used by eager kernel-side call sites that
// need a synchronous result from an async operation (e.g. a syscall
// handler awaiting an AHCI command) and have no higher executor to notify.
// Wakers handed to the future during this loop are no-ops.
func BlockTask(t Task) {
	for !t.Poll(nopWaker{}) {
	}
}

type nopWaker struct{}

func (nopWaker) Wake() {}
