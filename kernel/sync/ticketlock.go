// Package sync provides the synchronization primitives used by the memory
// management code.
package sync

import (
	"runtime"
	"sync/atomic"
)

// attemptsBeforeYielding is the number of failed checks a waiter performs
// before invoking yieldFn.
const attemptsBeforeYielding = 64

var (
	// yieldFn is invoked by waiters that keep spinning on a held lock. It
	// is mocked by tests.
	yieldFn = runtime.Gosched
)

// TicketLock implements a fair spinlock. Each task trying to acquire it draws
// a ticket and busy-waits until the ticket is being served, so tasks acquire
// the lock in the order they requested it. The zero value is an unlocked
// lock.
type TicketLock struct {
	nextTicket atomic.Uint32
	nowServing atomic.Uint32
}

// Acquire blocks until the lock can be acquired by the currently active task.
// Any attempt to re-acquire a lock already held by the current task will cause
// a deadlock.
func (l *TicketLock) Acquire() {
	ticket := l.nextTicket.Add(1) - 1

	for attempts := 0; l.nowServing.Load() != ticket; attempts++ {
		if attempts == attemptsBeforeYielding {
			yieldFn()
			attempts = 0
		}
	}
}

// TryToAcquire attempts to acquire the lock and returns true if the lock could
// be acquired or false otherwise. It never waits behind other ticket holders.
func (l *TicketLock) TryToAcquire() bool {
	serving := l.nowServing.Load()
	return l.nextTicket.CompareAndSwap(serving, serving+1)
}

// Release relinquishes a held lock and hands it to the next ticket holder.
// Calling Release while the lock is free has no effect.
func (l *TicketLock) Release() {
	serving := l.nowServing.Load()
	if serving == l.nextTicket.Load() {
		return
	}

	l.nowServing.Store(serving + 1)
}

// Held returns true if the lock is currently held by some task.
func (l *TicketLock) Held() bool {
	return l.nowServing.Load() != l.nextTicket.Load()
}
