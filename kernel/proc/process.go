// Package proc implements the per-process metadata: the memory context
// (a refcounted page tree plus stack descriptors), the saved CPU state
// tagged union, and the open-file-handle table.
//
// Grounded on original_source/kernel/src/proc/process_data.rs
// (ProcessData/ProcessDataInternal's NoIntSpinlock-guarded cpu_state +
// file-handle map, the is_32_bit/cmdline fields) and on gopher-os's
// general struct-with-spinlock shape. Refcounting (Arc in the original)
// is carried as Ref, a small atomic counter standing in for Rust's Arc
// (see DESIGN.md's scheduler-purge-vs-dispatcher-Arc decision).
package proc

import (
	"novakernel/kernel"
	"novakernel/kernel/gate"
	"novakernel/kernel/mem"
	"novakernel/kernel/sync"
	"novakernel/kernel/vmm"
	"sync/atomic"
)

// Pid is a process identifier.
type Pid uint32

// StackDescriptor is (base VA, size in pages): the stack grows down from
// base for size pages, followed by one unmapped guard page.
type StackDescriptor struct {
	Base mem.VirtAddr
	Size uint64 // pages
}

// GuardPage returns the VA of the unmapped page immediately below the
// lowest addressable stack page.
func (s StackDescriptor) GuardPage() mem.VirtAddr {
	return s.Base.Add(-(uintptr(s.Size) + 1) * uintptr(mem.PageSize))
}

// Ref is a small atomic refcount standing in for the original's Arc: the
// memory context it guards is torn down exactly when the count reaches
// zero.
type Ref struct {
	count int32
}

// NewRef returns a Ref with an initial count of one.
func NewRef() *Ref {
	return &Ref{count: 1}
}

// Acquire increments the refcount; call once per new owner.
func (r *Ref) Acquire() {
	atomic.AddInt32(&r.count, 1)
}

// Release decrements the refcount and reports whether it reached zero
// (the caller is then responsible for tearing down whatever the Ref
// guards).
func (r *Ref) Release() bool {
	return atomic.AddInt32(&r.count, -1) == 0
}

// MemoryContext is the Arc-shared-in-spirit { page tree + stacks +
// default stack size } triple. Every thread of a process
// shares one; it is torn down (every owned frame freed bottom-up) when
// Ref.Release reports the last reference has dropped.
type MemoryContext struct {
	Ref              Ref
	PageTree         vmm.PageTree
	Stacks           []StackDescriptor
	DefaultStackSize uint64 // pages
}

// NewMemoryContext creates a fresh address space sharing the kernel's
// higher half.
func NewMemoryContext(defaultStackPages uint64) (*MemoryContext, *kernel.Error) {
	mc := &MemoryContext{DefaultStackSize: defaultStackPages}
	mc.Ref = Ref{count: 1}
	if err := mc.PageTree.Init(); err != nil {
		return nil, err
	}
	if err := vmm.KernelTree().CopyHigherHalf(&mc.PageTree); err != nil {
		return nil, err
	}
	return mc, nil
}

// CPUStateKind tags which arm of the SavedCPUState union is valid.
type CPUStateKind uint8

const (
	// StateNone means the process is currently executing: no saved
	// state exists because the live register file on some CPU's stack
	// is the authoritative copy.
	StateNone CPUStateKind = iota
	// StateInterrupt means the process was preempted by an interrupt.
	StateInterrupt
	// StateSyscall means the process is inside a SYSCALL that has not
	// yet returned.
	StateSyscall
)

// SyscallState is the small frame SYSCALL entry saves: callee-saved
// registers, rcx/r11 (SYSCALL clobbers these with RIP/RFLAGS), and the
// user RSP.5.
type SyscallState struct {
	RBX, RBP, R12, R13, R14, R15 uint64
	RCX, R11                     uint64
	UserRSP                      uint64
	RAX, RDX                     uint64 // syscall return value / status
}

// SavedCPUState is the tagged union
// valid at any instant, selected by Kind.
type SavedCPUState struct {
	Kind      CPUStateKind
	Interrupt gate.Registers
	Syscall   SyscallState
}

// internal is the NoIntSpinlock-guarded mutable half of Process, mirroring
// ProcessDataInternal.
type internal struct {
	cpuState    SavedCPUState
	fileHandles map[uint64]FileHandle
	nextFD      uint64
}

// FileHandle is the open-file record
// chain crosses mount points so per-mount inode numbers stay globally
// unique across an open file even if the file is later moved.
type FileHandle struct {
	Chain []MountedInode
	Pos   uint64
	Flags uint32
}

// MountedInode identifies an inode within a specific mounted filesystem.
type MountedInode struct {
	Device string // partition UUID
	Inode  uint64
}

// File handle flag bits.
const (
	FileFlagRead FileFlag = 1 << iota
	FileFlagWrite
	FileFlagAppend
	FileFlagDir
)

// FileFlag is a bitmask of the File handle flag bits above.
type FileFlag uint32

// Process is the per-process record, command line,
// bitness, shared memory context, and the NoIntSpinlock-protected saved
// CPU state + open-file table.
type Process struct {
	PID     Pid
	CmdLine string
	Is64Bit bool

	MemCtx *MemoryContext

	lock sync.NoIntSpinlock
	data internal
}

// New creates a process bound to an existing (already-refcounted) memory
// context.
func New(pid Pid, cmdline string, is64Bit bool, memCtx *MemoryContext) *Process {
	return &Process{
		PID:     pid,
		CmdLine: cmdline,
		Is64Bit: is64Bit,
		MemCtx:  memCtx,
		data: internal{
			fileHandles: make(map[uint64]FileHandle),
		},
	}
}

// OpenFileHandle installs a new open file and returns its fd.
func (p *Process) OpenFileHandle(fh FileHandle) uint64 {
	p.lock.Acquire()
	defer p.lock.Release()
	fd := p.data.nextFD
	p.data.fileHandles[fd] = fh
	p.data.nextFD++
	return fd
}

// CloseFileHandle removes fd from the open-file table, reporting whether
// it existed.
func (p *Process) CloseFileHandle(fd uint64) bool {
	p.lock.Acquire()
	defer p.lock.Release()
	if _, ok := p.data.fileHandles[fd]; !ok {
		return false
	}
	delete(p.data.fileHandles, fd)
	return true
}

// FileHandleAt returns the open file for fd, if any.
func (p *Process) FileHandleAt(fd uint64) (FileHandle, bool) {
	p.lock.Acquire()
	defer p.lock.Release()
	fh, ok := p.data.fileHandles[fd]
	return fh, ok
}

// UpdateFileHandle overwrites the state of an already-open fd (position
// advance after a read/write, typically).
func (p *Process) UpdateFileHandle(fd uint64, fh FileHandle) {
	p.lock.Acquire()
	defer p.lock.Release()
	p.data.fileHandles[fd] = fh
}

// SetCPUState installs the saved register state for this process, used by
// the central dispatcher when a process is preempted or traps into a
// syscall.
func (p *Process) SetCPUState(s SavedCPUState) {
	p.lock.Acquire()
	defer p.lock.Release()
	p.data.cpuState = s
}

// TakeCPUState returns the saved CPU state and resets it to StateNone,
// marking the process as "currently running" until the next save.
func (p *Process) TakeCPUState() SavedCPUState {
	p.lock.Acquire()
	defer p.lock.Release()
	s := p.data.cpuState
	p.data.cpuState = SavedCPUState{Kind: StateNone}
	return s
}

// SetSyscallReturn writes the return value/status into a pending
// Syscall-kind saved state, returning false if the process's saved state
// isn't currently a syscall (e.g. it was preempted by an interrupt
// instead).
func (p *Process) SetSyscallReturn(val, errCode uint64) bool {
	p.lock.Acquire()
	defer p.lock.Release()
	if p.data.cpuState.Kind != StateSyscall {
		return false
	}
	p.data.cpuState.Syscall.RAX = val
	p.data.cpuState.Syscall.RDX = errCode
	return true
}
