package task

import "runtime"

// HandoffKind reports why a task's goroutine stopped running.
type HandoffKind int

const (
	// Yielded means the task called Yield and should be re-placed by the
	// active policy.
	Yielded HandoffKind = HandoffKind(handoffYield)
	// Blocked means the task called SignalBlock (from within a sync2
	// primitive) and must not be re-placed until a matching wakeup.
	Blocked HandoffKind = HandoffKind(handoffBlock)
	// Exited means fn returned; the scheduler must run the policy finish
	// hook and free the task unless SkipFree is set.
	Exited HandoffKind = HandoffKind(handoffExit)
)

// Start launches the task's goroutine. It blocks immediately on the first
// resume signal, which is the Go analogue of the spec's initial stack frame
// "returning into a trampoline" on the first context switch: nothing of fn
// runs until a CPU actually switches into the task.
func (t *Task) Start() {
	go t.loop()
}

func (t *Task) loop() {
	<-t.resume
	if t.fn != nil {
		t.fn(t, t.arg)
	}
	t.signal(handoffExit)
	// no further resume: the goroutine returns, the task's one-and-only
	// stack is gone, matching task_exit's "never returns."
}

// signal is the shared tail of Yield/SignalBlock/exit: set StackBusy,
// publish the handoff, then clear StackBusy as the outgoing goroutine's
// last write before it becomes eligible to be resumed again (spec §4.2's
// "the flag is cleared atomically by the outgoing CPU as its last write to
// the outgoing stack"). handback is buffered (cap 1) so this never blocks
// on the scheduler having already called SwitchInto.
func (t *Task) signal(kind handoffKind) {
	t.StackBusy.Store(true)
	t.handback <- handoff{kind: kind}
	t.StackBusy.Store(false)
}

// Yield voluntarily gives up the CPU; called from within the task's own
// goroutine (task_yield).
func (t *Task) Yield() {
	t.signal(handoffYield)
	<-t.resume
}

// SignalBlock marks the task as having transitioned to Blocked and parks
// it; the caller (sync2 primitives, via the scheduler's Block operation)
// is responsible for having already released whatever spinlock guarded the
// transition, and for arranging a later call to Resume's counterpart
// (sched wakes the task by sending to resume through SwitchInto).
func (t *Task) SignalBlock() {
	t.signal(handoffBlock)
	<-t.resume
}

// SwitchInto is called by a CPU worker to run (or resume) this task until
// it next stops. It is the Go substitution for switch()/switch_from_idle():
// spin-wait for StackBusy to clear (P3), signal resume, then block until
// the task's next handoff.
func (t *Task) SwitchInto() HandoffKind {
	for t.StackBusy.Load() {
		runtime.Gosched()
	}
	t.resume <- struct{}{}
	hb := <-t.handback
	if hb.kind == handoffExit {
		t.done.Store(true)
	}
	return HandoffKind(hb.kind)
}

// Done reports whether the task's goroutine has returned (exited).
func (t *Task) Done() bool { return t.done.Load() }
