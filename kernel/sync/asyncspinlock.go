package sync

import "sync/atomic"

// Waker is the minimal capability an AsyncSpinlock/AsyncRWlock needs to
// notify a blocked task that the lock became available: kernel/async's
// per-task waker implements it, but this package never imports
// kernel/async (would be a cycle) so it only depends on the shape.
type Waker interface {
	Wake()
}

// AsyncSpinlock is a lock meant to be held across an await point: acquiring it never spins the CPU. Instead,
// Poll either returns a held guard immediately or registers the caller's
// Waker and returns false, mirroring
// original_source/std/src/sync/async_lock.rs's AsyncSpinLockFuture without
// needing a generator transform — kernel/async's executor calls Poll once
// per scheduling pass, exactly the way it polls any other future.
type AsyncSpinlock[T any] struct {
	state   uint32
	wakers  NoIntSpinlock
	pending []Waker
	data    T
}

// NewAsyncSpinlock wraps t behind an async-safe spinlock.
func NewAsyncSpinlock[T any](t T) *AsyncSpinlock[T] {
	return &AsyncSpinlock[T]{data: t}
}

// AsyncSpinlockGuard grants access to the protected value while the lock
// is held; Unlock must be called exactly once.
type AsyncSpinlockGuard[T any] struct {
	lock *AsyncSpinlock[T]
}

// Get returns a pointer to the protected value.
func (g *AsyncSpinlockGuard[T]) Get() *T {
	return &g.lock.data
}

// Unlock releases the lock and wakes one waiting task, if any.
func (g *AsyncSpinlockGuard[T]) Unlock() {
	atomic.StoreUint32(&g.lock.state, 0)
	g.lock.wakers.Acquire()
	var next Waker
	if len(g.lock.pending) > 0 {
		next = g.lock.pending[0]
		g.lock.pending = g.lock.pending[1:]
	}
	g.lock.wakers.Release()
	if next != nil {
		next.Wake()
	}
}

// Poll attempts to acquire the lock without blocking. On success it
// returns a held guard and true. On failure it registers w to be woken
// when the lock becomes free (unless w is nil, used by the eager
// block_task bridge in kernel/async, which polls in a tight loop instead
// of registering a waker) and returns (nil, false).
func (l *AsyncSpinlock[T]) Poll(w Waker) (*AsyncSpinlockGuard[T], bool) {
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		return &AsyncSpinlockGuard[T]{lock: l}, true
	}
	if w != nil {
		l.wakers.Acquire()
		l.pending = append(l.pending, w)
		l.wakers.Release()
	}
	return nil, false
}
