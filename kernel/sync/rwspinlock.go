package sync

import "sync/atomic"

// rwWriteBit marks the write-lock bit of an RWSpinlock's state word;
// the remaining bits count concurrent readers. Grounded on
// original_source/std/src/sync/rw_lock.rs (AtomicU16, bit 15 = writer).
const rwWriteBit = uint32(1 << 31)

// RWSpinlock is a reader-heavy busy-wait lock: any number of readers may
// hold it concurrently, but a writer excludes everyone. Does not disable
// interrupts since it is used
// only for data shared between kernel threads, never touched from an
// interrupt handler on the same CPU.
type RWSpinlock struct {
	state uint32
}

// RLock acquires the lock for shared (read) access.
func (l *RWSpinlock) RLock() {
	for {
		s := atomic.LoadUint32(&l.state)
		if s&rwWriteBit != 0 {
			continue
		}
		if atomic.CompareAndSwapUint32(&l.state, s, s+1) {
			return
		}
	}
}

// RUnlock releases one reader's hold on the lock.
func (l *RWSpinlock) RUnlock() {
	atomic.AddUint32(&l.state, ^uint32(0))
}

// Lock acquires the lock for exclusive (write) access.
func (l *RWSpinlock) Lock() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, rwWriteBit) {
	}
}

// Unlock releases a held write lock.
func (l *RWSpinlock) Unlock() {
	atomic.StoreUint32(&l.state, 0)
}
