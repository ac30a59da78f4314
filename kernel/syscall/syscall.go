// Package syscall implements novakernel's syscall dispatch table: the
// SYSV-derived five-argument calling convention
// (rdi/rsi/rdx/r8/r9 in, rax/rdx out) and the small set of handlers
// (console write, fopen, fclose, fread).
//
// Grounded on original_source/kernel/src/proc/syscall/{mod.rs,
// handlers/{fopen,fread,fclose}.rs}: the handler_wrapper/handler split
// (entry trampoline vs. dispatch, kept here only as the Args struct and
// dispatch table since the trampoline itself is assembly not in this
// pack) and the "handler may kick off an async task and return false to
// mean 'don't resume the caller yet'" convention fopen/fread use.
package syscall

import (
	"novakernel/kernel/proc"
)

// Syscall numbers. New syscalls are assigned starting at
// 5, after the four the original implements.
const (
	NumConsoleWrite = 1
	NumFOpen        = 2
	NumFClose       = 3
	NumFRead        = 4
	NumFWrite       = 5
	NumReadDir      = 6
)

// Args is the decoded syscall entry frame: up to five 64-bit arguments
// plus the syscall number itself, matching the SYSV-derived convention
// the trampoline assembles on entry (rdi/rsi/rdx/r8/r9). Handlers report a
// malformed call with SetSyscallReturn(^uint64(0), ErrInvalid).
type Args struct {
	Number                         uint64
	Arg1, Arg2, Arg3, Arg4, Arg5 uint64
}

// ErrInvalid is the error status handlers write into SyscallState.RDX
// when a call is malformed (bad pointer, unknown fd, ...).
const ErrInvalid = 1

// Handler processes one syscall. It returns true if the process should
// be resumed immediately with SetSyscallReturn already populated, or
// false if the work was handed off to an async task that
// will call SetSyscallReturn and wake the process later.
type Handler func(args *Args, p *proc.Process) bool

var table = map[uint64]Handler{
	NumConsoleWrite: handleConsoleWrite,
	NumFOpen:        handleFOpen,
	NumFClose:       handleFClose,
	NumFRead:        handleFRead,
	NumFWrite:       handleFWrite,
	NumReadDir:      handleReadDir,
}

// Dispatch looks up and invokes the handler for args.Number, returning
// true (after setting an invalid-syscall status) for unrecognized numbers
// rather than panicking: a stray syscall from userspace must never bring
// the kernel down.
func Dispatch(args *Args, p *proc.Process) bool {
	h, ok := table[args.Number]
	if !ok {
		p.SetSyscallReturn(^uint64(0), ErrInvalid)
		return true
	}
	return h(args, p)
}

// ConsoleWriteFn performs the actual write; a replaceable variable so
// this package doesn't need to import kernel/hal directly. cmd/kmain does
// not replace it, so by default the data is discarded.
var ConsoleWriteFn = func(data []byte) {}

// UserBytesFn overlays a user-space pointer range as a byte slice; a
// replaceable variable to keep this package's import graph small.
// cmd/kmain does not replace it, so by default it returns nil.
var UserBytesFn = func(addr, length uint64) []byte { return nil }

func handleConsoleWrite(args *Args, p *proc.Process) bool {
	buf := UserBytesFn(args.Arg1, args.Arg2)
	ConsoleWriteFn(buf)
	p.SetSyscallReturn(uint64(len(buf)), 0)
	return true
}
