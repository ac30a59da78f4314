package syscall

import (
	"novakernel/kernel/async"
	"novakernel/kernel/proc"
	"novakernel/kernel/sync"
)

// OpenResult is what the injected VFS open hook reports back to an
// fopen task once it completes.
type OpenResult struct {
	Handle proc.FileHandle
	OK     bool
}

// ReadResult is what the injected VFS read hook reports back to an
// fread task once it completes.
type ReadResult struct {
	Data []byte
	OK   bool
}

// The hooks below let this package dispatch fopen/fread
// without importing kernel/fs/vfs directly (vfs, in turn, depends on
// kernel/driver/ahci and kernel/fs/rfs; keeping the dependency one-way
// through cmd/kmain wiring avoids a needless import fan-out here).
// Each hook itself returns an async.Task so the syscall handler can hand
// the work to the per-CPU executor and return control to the scheduler
// immediately.6.

// OpenFileTaskFn builds a task that resolves path, opens it with flags,
// and reports the result via the supplied callback once done.
var OpenFileTaskFn = func(path string, flags uint32, source *proc.FileHandle, report func(OpenResult)) async.Task {
	return pollOnceTask(func() { report(OpenResult{}) })
}

// ReadFileTaskFn builds a task that reads up to size bytes from fh and
// reports the result.
var ReadFileTaskFn = func(fh proc.FileHandle, size uint64, report func(ReadResult)) async.Task {
	return pollOnceTask(func() { report(ReadResult{}) })
}

// WakeProcessFn reaches the scheduler's sleeping-list wakeup without this
// package importing kernel/sched. cmd/kmain does not install it, so by
// default it does nothing.
var WakeProcessFn = func(pid proc.Pid) {}

// ProcessByPIDFn lets a completed async task re-fetch the process
// record by pid (it may have been removed while the task was running).
var ProcessByPIDFn = func(pid proc.Pid) (*proc.Process, bool) { return nil, false }

// pollOnceTask adapts a plain callback into an async.Task that runs to
// completion on its first poll, matching the original's "async move { ...
// }" blocks, which (absent real .await points in these particular
// handlers beyond the VFS call the injected hook already awaited) resolve
// in one step from the task runner's point of view.
type pollOnceTaskImpl struct {
	fn   func()
	done bool
}

func pollOnceTask(fn func()) async.Task {
	return &pollOnceTaskImpl{fn: fn}
}

func (t *pollOnceTaskImpl) Poll(w sync.Waker) bool {
	if t.done {
		return true
	}
	t.fn()
	t.done = true
	return true
}

func handleFOpen(args *Args, p *proc.Process) bool {
	pathBytes := UserBytesFn(args.Arg1, 4096)
	path := cString(pathBytes)
	fd := args.Arg2
	flags := uint32(args.Arg3)

	var source *proc.FileHandle
	if fd != 0 {
		fh, ok := p.FileHandleAt(fd)
		if !ok {
			p.SetSyscallReturn(^uint64(0), ErrInvalid)
			return true
		}
		source = &fh
	}

	pid := p.PID
	report := func(res OpenResult) {
		owner, ok := ProcessByPIDFn(pid)
		if !ok {
			return
		}
		if res.OK {
			newFD := owner.OpenFileHandle(res.Handle)
			owner.SetSyscallReturn(newFD, 0)
		} else {
			owner.SetSyscallReturn(^uint64(0), ErrInvalid)
		}
		WakeProcessFn(pid)
	}

	task := OpenFileTaskFn(path, flags, source, report)
	async.AddTask(task, (*uint32)(&pid))
	return false
}

func handleFRead(args *Args, p *proc.Process) bool {
	fd := args.Arg1
	size := args.Arg3

	fh, ok := p.FileHandleAt(fd)
	if !ok {
		p.SetSyscallReturn(^uint64(0), ErrInvalid)
		return true
	}
	p.CloseFileHandle(fd) // taken for the duration of the read, like the original's take_file_handle

	pid := p.PID
	destAddr := args.Arg2
	report := func(res ReadResult) {
		owner, ok := ProcessByPIDFn(pid)
		if !ok {
			return
		}
		if !res.OK {
			owner.SetSyscallReturn(^uint64(0), ErrInvalid)
			WakeProcessFn(pid)
			return
		}
		dst := UserBytesFn(destAddr, uint64(len(res.Data)))
		copy(dst, res.Data)

		updated := fh
		updated.Pos += uint64(len(res.Data))
		owner.UpdateFileHandle(fd, updated)
		owner.SetSyscallReturn(uint64(len(res.Data)), 0)
		WakeProcessFn(pid)
	}

	task := ReadFileTaskFn(fh, size, report)
	async.AddTask(task, (*uint32)(&pid))
	return false
}

func handleFClose(args *Args, p *proc.Process) bool {
	fd := args.Arg1
	if p.CloseFileHandle(fd) {
		p.SetSyscallReturn(0, 0)
	} else {
		p.SetSyscallReturn(^uint64(0), ErrInvalid)
	}
	return true
}

func handleFWrite(args *Args, p *proc.Process) bool {
	fd := args.Arg1
	size := args.Arg3
	fh, ok := p.FileHandleAt(fd)
	if !ok {
		p.SetSyscallReturn(^uint64(0), ErrInvalid)
		return true
	}
	if fh.Flags&uint32(proc.FileFlagWrite) == 0 {
		p.SetSyscallReturn(^uint64(0), ErrInvalid)
		return true
	}
	buf := UserBytesFn(args.Arg2, size)
	ConsoleWriteFn(buf) // placeholder sink until kernel/fs/vfs is wired for writes
	fh.Pos += uint64(len(buf))
	p.UpdateFileHandle(fd, fh)
	p.SetSyscallReturn(uint64(len(buf)), 0)
	return true
}

func handleReadDir(args *Args, p *proc.Process) bool {
	p.SetSyscallReturn(^uint64(0), ErrInvalid)
	return true
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}
