package sync2

import (
	"sync/atomic"

	"github.com/skyloft-rt/skyloft/errs"
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/task"
)

// futexWaiter records one blocked task keyed by the address it waited on.
type futexWaiter struct {
	addr *atomic.Uint32
	t    *task.Task
}

// Futex is the spec §4.6 futex subset: wait/wake only, no timeouts. One
// Futex instance models the global futex lock + waiter list; addresses are
// distinguished by pointer identity of the *atomic.Uint32 passed in.
type Futex struct {
	sched   Scheduler
	lock    spinlock.Spinlock
	waiters []futexWaiter
}

// NewFutex constructs an empty Futex that parks/wakes through sched.
func NewFutex(sched Scheduler) *Futex {
	return &Futex{sched: sched}
}

// Wait compares *uaddr to val under the global futex lock; on mismatch it
// returns errs.ErrTryAgain immediately, otherwise it records (uaddr, t) and
// blocks t until a matching Wake.
func (f *Futex) Wait(t *task.Task, uaddr *atomic.Uint32, val uint32) error {
	f.lock.Lock()
	if uaddr.Load() != val {
		f.lock.Unlock()
		return errs.ErrTryAgain
	}
	f.waiters = append(f.waiters, futexWaiter{addr: uaddr, t: t})
	f.sched.Block(t, &f.lock)
	return nil
}

// Wake scans the waiter list and wakes up to n tasks waiting on uaddr,
// returning the number actually woken.
func (f *Futex) Wake(uaddr *atomic.Uint32, n int) int {
	f.lock.Lock()
	var woken []*task.Task
	remaining := f.waiters[:0]
	for _, w := range f.waiters {
		if len(woken) < n && w.addr == uaddr {
			woken = append(woken, w.t)
			continue
		}
		remaining = append(remaining, w)
	}
	f.waiters = remaining
	f.lock.Unlock()

	for _, t := range woken {
		f.sched.Wakeup(t)
	}
	return len(woken)
}
