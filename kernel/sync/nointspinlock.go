package sync

import "sync/atomic"

// NoIntSpinlock is a spinlock that additionally disables interrupts for the
// duration it is held, for data touched by both thread-context code and an
// interrupt handler on the same CPU. Grounded on
// original_source/std/src/sync/no_int_spinlock.rs; Go's lack of a borrow
// checker means there is no compile-time guard equivalent to the Rust
// guard's non-Send marker, so callers are responsible for calling Release
// exactly once per Acquire (mirrored by the deferred Release pattern used
// throughout kernel/fs/rfs and kernel/sched).
type NoIntSpinlock struct {
	state uint32
}

// currentLockInfo is overridden by tests; production code reads
// cpu.Current().Locks. Declared as a function variable (rather than a
// direct import of kernel/cpu) to avoid a cyclic dependency between
// kernel/sync and kernel/cpu, which itself embeds a LockInfo.
var (
	currentLockInfo   = func() *LockInfo { return nil }
	saveFlagsDisableFn = func() bool { return true }
	restoreFlagsFn      = func(bool) {}
)

// SetCurrentLockInfoFn installs the accessor novakernel's cpu package uses
// to report the calling CPU's LockInfo. cmd/kmain does not call it; until
// it is called, currentLockInfo returns nil.
func SetCurrentLockInfoFn(fn func() *LockInfo) {
	currentLockInfo = fn
}

// SetInterruptControlFns installs the CLI/STI-with-saved-RFLAGS primitives
// NoIntSpinlock and RWSpinlock use. Declared this way for the same reason
// as SetCurrentLockInfoFn above.
func SetInterruptControlFns(saveAndDisable func() bool, restore func(bool)) {
	saveFlagsDisableFn = saveAndDisable
	restoreFlagsFn = restore
}

// Acquire disables interrupts (saving the prior state) and spins until the
// lock is free.
func (l *NoIntSpinlock) Acquire() {
	prevEnabled := saveFlagsDisableFn()
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
	}
	if info := currentLockInfo(); info != nil {
		info.IncSpinlocks(prevEnabled)
	}
}

// TryAcquire attempts a non-blocking acquire, restoring the interrupt state
// immediately on failure so a failed attempt never leaves interrupts off.
func (l *NoIntSpinlock) TryAcquire() bool {
	prevEnabled := saveFlagsDisableFn()
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		if info := currentLockInfo(); info != nil {
			info.IncSpinlocks(prevEnabled)
		}
		return true
	}
	if prevEnabled {
		restoreFlagsFn(true)
	}
	return false
}

// Release frees the lock and restores the pre-acquire interrupt state if
// this was the last NoIntSpinlock held by the calling CPU.
func (l *NoIntSpinlock) Release() {
	atomic.StoreUint32(&l.state, 0)
	if info := currentLockInfo(); info != nil {
		if info.DecSpinlocks() {
			restoreFlagsFn(true)
		}
	}
}
