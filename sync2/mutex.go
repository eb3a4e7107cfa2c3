package sync2

import (
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/task"
)

// Mutex is the spec §4.6 mutex: `{held, waiter_lock, waiters}`. No priority
// inheritance; waiters are served FIFO (P4).
type Mutex struct {
	sched      Scheduler
	waiterLock spinlock.Spinlock
	held       bool
	waiters    []*task.Task
}

// NewMutex constructs an unlocked Mutex that parks/wakes through sched.
func NewMutex(sched Scheduler) *Mutex {
	return &Mutex{sched: sched}
}

// TryLock tests held under the waiter lock without blocking.
func (m *Mutex) TryLock() bool {
	m.waiterLock.Lock()
	defer m.waiterLock.Unlock()
	if m.held {
		return false
	}
	m.held = true
	return true
}

// Lock acquires the mutex, blocking the calling task t if already held.
func (m *Mutex) Lock(t *task.Task) {
	m.waiterLock.Lock()
	if !m.held {
		m.held = true
		m.waiterLock.Unlock()
		return
	}
	m.waiters = append(m.waiters, t)
	// Block releases m.waiterLock itself, mirroring task_block(waiter_lock):
	// called with the lock held, transitions t to Blocked, then releases it.
	m.sched.Block(t, &m.waiterLock)
}

// Unlock releases the mutex, waking the first queued waiter if any,
// otherwise clearing held.
func (m *Mutex) Unlock() {
	m.waiterLock.Lock()
	if len(m.waiters) == 0 {
		m.held = false
		m.waiterLock.Unlock()
		return
	}
	next := m.waiters[0]
	m.waiters = m.waiters[1:]
	m.waiterLock.Unlock()
	m.sched.Wakeup(next)
}
