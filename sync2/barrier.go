package sync2

import (
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/task"
)

// Barrier is a standard N-party barrier: the last arriver wakes the rest
// and resets for the next round.
type Barrier struct {
	sched   Scheduler
	lock    spinlock.Spinlock
	n       int
	arrived int
	waiters []*task.Task
}

// NewBarrier constructs a Barrier for n parties.
func NewBarrier(sched Scheduler, n int) *Barrier {
	if n <= 0 {
		panic("sync2: barrier size must be positive")
	}
	return &Barrier{sched: sched, n: n}
}

// Wait blocks the calling task t until all n parties have arrived, then
// releases every party and resets the barrier for reuse.
func (b *Barrier) Wait(t *task.Task) {
	b.lock.Lock()
	b.arrived++
	if b.arrived < b.n {
		b.waiters = append(b.waiters, t)
		b.sched.Block(t, &b.lock)
		return
	}
	woken := b.waiters
	b.waiters = nil
	b.arrived = 0
	b.lock.Unlock()
	for _, w := range woken {
		b.sched.Wakeup(w)
	}
}
