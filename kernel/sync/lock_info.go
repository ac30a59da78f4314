package sync

// LockInfo is the per-CPU lock-accounting block
// counts how many NoIntSpinlocks the running CPU currently holds and
// remembers whether interrupts were enabled before the first of them was
// acquired, so the last release can restore the original state rather than
// unconditionally re-enabling interrupts.
//
// Grounded on original_source/std/src/sync/lock_info.rs: Go has no
// borrow checker to encode "no locks held across an await point", so the
// dispatcher (kernel/irq) consults HeldCount itself before yielding.
type LockInfo struct {
	heldCount     uint32
	intWasEnabled bool
}

// IncSpinlocks records that a NoIntSpinlock was just acquired. prevIntState
// is the interrupt-enable bit observed immediately before this particular
// acquire (every NoIntSpinlock.Acquire call captures it, since any nested
// acquire already has interrupts disabled).
func (li *LockInfo) IncSpinlocks(prevIntState bool) {
	if li.heldCount == 0 {
		li.intWasEnabled = prevIntState
	}
	li.heldCount++
}

// DecSpinlocks records a release and reports whether interrupts should be
// re-enabled now that this was (or wasn't) the last held lock.
func (li *LockInfo) DecSpinlocks() (shouldEnableInterrupts bool) {
	li.heldCount--
	return li.heldCount == 0 && li.intWasEnabled
}

// HeldCount returns the number of NoIntSpinlocks currently held by the
// calling CPU. The dispatcher refuses to yield to the scheduler while this
// is nonzero.
func (li *LockInfo) HeldCount() uint32 {
	return li.heldCount
}

// IsAtomicContext reports whether the calling CPU holds a NoIntSpinlock.
// Interrupt nesting is not tracked here; kernel/irq's central dispatcher
// checks it separately and consults this as well.
func (li *LockInfo) IsAtomicContext() bool {
	return li.heldCount > 0
}
