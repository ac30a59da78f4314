package sync

import "sync/atomic"

// asyncRWWriteBit marks AsyncRWlock.state as exclusively held; the
// remaining bits count concurrent shared holders, mirroring RWSpinlock's
// state-word layout but polled instead of spun.
const asyncRWWriteBit = uint32(1 << 31)

// AsyncRWlock is the per-file lock kernel/fs/rfs keys by inode index
//: reads acquire shared, writes
// exclusive, and both are await points rather than busy-waits. Grounded on
// original_source/std/src/sync/async_rw_lock.rs.
type AsyncRWlock[T any] struct {
	state        uint32
	wakers       NoIntSpinlock
	pendingRead  []Waker
	pendingWrite []Waker
	data         T
}

// NewAsyncRWlock wraps t behind an async-safe reader/writer lock.
func NewAsyncRWlock[T any](t T) *AsyncRWlock[T] {
	return &AsyncRWlock[T]{data: t}
}

// AsyncRWlockReadGuard grants shared access to the protected value.
type AsyncRWlockReadGuard[T any] struct {
	lock *AsyncRWlock[T]
}

// Get returns a read-only pointer to the protected value.
func (g *AsyncRWlockReadGuard[T]) Get() *T { return &g.lock.data }

// Unlock releases this reader's hold.
func (g *AsyncRWlockReadGuard[T]) Unlock() {
	for {
		s := atomic.LoadUint32(&g.lock.state)
		if atomic.CompareAndSwapUint32(&g.lock.state, s, s-1) {
			if s-1 == 0 {
				g.lock.wakeOne()
			}
			return
		}
	}
}

// AsyncRWlockWriteGuard grants exclusive access to the protected value.
type AsyncRWlockWriteGuard[T any] struct {
	lock *AsyncRWlock[T]
}

// Get returns a mutable pointer to the protected value.
func (g *AsyncRWlockWriteGuard[T]) Get() *T { return &g.lock.data }

// Unlock releases the held write lock.
func (g *AsyncRWlockWriteGuard[T]) Unlock() {
	atomic.StoreUint32(&g.lock.state, 0)
	g.lock.wakeOne()
}

// wakeOne wakes a single pending writer if any are queued, else wakes
// every pending reader (so they can all proceed concurrently).
func (l *AsyncRWlock[T]) wakeOne() {
	l.wakers.Acquire()
	var wake []Waker
	if len(l.pendingWrite) > 0 {
		wake = append(wake, l.pendingWrite[0])
		l.pendingWrite = l.pendingWrite[1:]
	} else if len(l.pendingRead) > 0 {
		wake = l.pendingRead
		l.pendingRead = nil
	}
	l.wakers.Release()
	for _, w := range wake {
		w.Wake()
	}
}

// PollRead attempts to acquire shared access without blocking.
func (l *AsyncRWlock[T]) PollRead(w Waker) (*AsyncRWlockReadGuard[T], bool) {
	for {
		s := atomic.LoadUint32(&l.state)
		if s&asyncRWWriteBit != 0 {
			if w != nil {
				l.wakers.Acquire()
				l.pendingRead = append(l.pendingRead, w)
				l.wakers.Release()
			}
			return nil, false
		}
		if atomic.CompareAndSwapUint32(&l.state, s, s+1) {
			return &AsyncRWlockReadGuard[T]{lock: l}, true
		}
	}
}

// PollWrite attempts to acquire exclusive access without blocking.
func (l *AsyncRWlock[T]) PollWrite(w Waker) (*AsyncRWlockWriteGuard[T], bool) {
	if atomic.CompareAndSwapUint32(&l.state, 0, asyncRWWriteBit) {
		return &AsyncRWlockWriteGuard[T]{lock: l}, true
	}
	if w != nil {
		l.wakers.Acquire()
		l.pendingWrite = append(l.pendingWrite, w)
		l.wakers.Release()
	}
	return nil, false
}
