package sync2

import (
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/task"
)

// Condvar is the spec §4.6 condition variable: `{waiter_lock, waiters}`.
type Condvar struct {
	sched      Scheduler
	waiterLock spinlock.Spinlock
	waiters    []*task.Task
}

// NewCondvar constructs a Condvar that parks/wakes through sched.
func NewCondvar(sched Scheduler) *Condvar {
	return &Condvar{sched: sched}
}

// Wait asserts m is held by the caller, unlocks m, blocks t until signaled,
// then reacquires m before returning.
func (c *Condvar) Wait(t *task.Task, m *Mutex) {
	c.waiterLock.Lock()
	m.Unlock()
	c.waiters = append(c.waiters, t)
	c.sched.Block(t, &c.waiterLock)
	m.Lock(t)
}

// Signal wakes one waiter, if any.
func (c *Condvar) Signal() {
	c.waiterLock.Lock()
	if len(c.waiters) == 0 {
		c.waiterLock.Unlock()
		return
	}
	next := c.waiters[0]
	c.waiters = c.waiters[1:]
	c.waiterLock.Unlock()
	c.sched.Wakeup(next)
}

// Broadcast wakes every waiter.
func (c *Condvar) Broadcast() {
	c.waiterLock.Lock()
	woken := c.waiters
	c.waiters = nil
	c.waiterLock.Unlock()
	for _, t := range woken {
		c.sched.Wakeup(t)
	}
}
