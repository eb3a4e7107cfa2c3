package sync2

import (
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/task"
)

// WaitGroup is the spec §4.6 waitgroup: a counter plus a waiter list. Add
// must never drive count below zero (P5 depends on this invariant holding).
type WaitGroup struct {
	sched   Scheduler
	lock    spinlock.Spinlock
	count   int
	waiters []*task.Task
}

// NewWaitGroup constructs a zeroed WaitGroup that parks/wakes through sched.
func NewWaitGroup(sched Scheduler) *WaitGroup {
	return &WaitGroup{sched: sched}
}

// Add adjusts the counter by delta. Panics if the result would be negative.
func (wg *WaitGroup) Add(delta int) {
	wg.lock.Lock()
	wg.count += delta
	if wg.count < 0 {
		wg.lock.Unlock()
		panic("sync2: negative WaitGroup counter")
	}
	reachedZero := wg.count == 0
	var woken []*task.Task
	if reachedZero {
		woken = wg.waiters
		wg.waiters = nil
	}
	wg.lock.Unlock()
	for _, t := range woken {
		wg.sched.Wakeup(t)
	}
}

// Done decrements the counter by one.
func (wg *WaitGroup) Done() { wg.Add(-1) }

// Wait blocks the calling task t until the counter reaches zero.
func (wg *WaitGroup) Wait(t *task.Task) {
	wg.lock.Lock()
	if wg.count == 0 {
		wg.lock.Unlock()
		return
	}
	wg.waiters = append(wg.waiters, t)
	wg.sched.Block(t, &wg.lock)
}
