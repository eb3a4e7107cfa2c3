package timer

import (
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/task"
)

// Scheduler is the hook Sleep uses to park and wake the calling task,
// mirroring sync2.Scheduler's explicit-handle substitution.
type Scheduler interface {
	Block(t *task.Task, lock *spinlock.Spinlock)
	Wakeup(t *task.Task)
	NowUs() int64
}

// Sleep blocks t on h until durationUs microseconds have elapsed.
func Sleep(sched Scheduler, h *Heap, t *task.Task, durationUs int64) {
	SleepUntil(sched, h, t, sched.NowUs()+durationUs)
}

// SleepUntil blocks t on h until deadlineUs, via a one-shot entry whose
// callback wakes the sleeping task (spec §4.7: "an entry whose callback
// wakes the sleeping task; during sleep the task is Blocked"). A fresh
// Spinlock guards the handoff between installing the entry and parking the
// task, so a Softirq firing concurrently can't invoke Wakeup before Block
// has recorded the task as blocked.
func SleepUntil(sched Scheduler, h *Heap, t *task.Task, deadlineUs int64) {
	var lock spinlock.Spinlock
	e := &Entry{
		Fn: func(arg any) {
			// Block releases lock only after marking the task Blocked.
			lock.Lock()
			lock.Unlock()
			sched.Wakeup(arg.(*task.Task))
		},
		Arg: t,
	}
	lock.Lock()
	h.Start(e, deadlineUs)
	sched.Block(t, &lock)
}
