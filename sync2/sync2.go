// Package sync2 implements the task-level synchronization primitives of
// spec §4.6: mutex, condvar, waitgroup, barrier, and futex. Every primitive
// blocks the calling Task (not the calling goroutine) by deferring to a
// Scheduler, the same explicit-handle substitution task.Fn uses in place of
// an implicit "current task" accessor.
package sync2

import (
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/task"
)

// Scheduler is the hook sync2 primitives use to park and wake tasks. sched
// implements it; sync2 only depends on this interface, not on sched itself,
// to keep the primitives testable without a full scheduler core.
type Scheduler interface {
	// Block transitions t to Blocked and parks it, releasing lock once the
	// transition is safely recorded — the Go analogue of task_block(lock),
	// which is called with lock held and releases it internally.
	Block(t *task.Task, lock *spinlock.Spinlock)

	// Wakeup transitions t to Runnable and re-queues it with the active
	// policy (task_wakeup).
	Wakeup(t *task.Task)
}
