// Package task implements the task abstraction (spec §3, §4.1): a
// cache-line-aligned control block, a fixed-size stack, and the two
// provisioning modes (per-CPU magazine over a central slab, or a
// preallocated shared-mode array with a spinlock-guarded free ring).
//
// Go gives every goroutine its own growable stack but no way for user code
// to save/restore another goroutine's register file. The substitution
// documented in SPEC_FULL.md and DESIGN.md backs each Task with exactly one
// goroutine, parked on a pair of rendezvous channels that stand in for the
// spec's assembly switch primitives; see switch.go.
package task

import (
	"sync/atomic"
)

// State is a task's position in the spec §3 state machine.
type State int32

const (
	// Idle is the scheduler's own marker task (task_create_idle).
	Idle State = iota
	// Runnable means the task is queued in exactly one runqueue, or is
	// `current` on exactly one CPU (property P1).
	Runnable
	// Blocked means the task is parked on a sync primitive or timer sleep.
	Blocked
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Runnable:
		return "runnable"
	case Blocked:
		return "blocked"
	default:
		return "invalid"
	}
}

// PolicyDataSize is the size, in bytes, of the inline buffer each Task
// reserves for the active scheduling policy's per-task state (vruntime,
// deadline, RR quantum counter, SQ timestamps, ...). Matches the two
// cache-line reservation ("cache line 1~2") in the original task struct.
const PolicyDataSize = 128

// PolicyData is the fixed-size inline buffer a policy casts into its own
// per-task struct via policy.DataOf. Never accessed directly outside a
// policy implementation.
type PolicyData [PolicyDataSize]byte

// Fn is a task's entry point, the Go analogue of thread_fn_t. The *Task
// argument is the task's own handle, used to call Yield and (indirectly,
// via sync2) Block — the explicit-handle substitution for the spec's
// implicit "current task" accessors, since Go has no safe goroutine-local
// storage to hang an implicit one off.
type Fn func(t *Task, arg any)

// Task is an independently schedulable user-level execution.
//
// Invariants (spec §3): a Runnable task is owned by exactly one runqueue or
// is current on exactly one CPU (P1); StackBusy is true only while some CPU
// holds a not-yet-saved reference to this task's register state (P3, here:
// to this task's goroutine having not yet reached its next park point).
type Task struct {
	// betteralign:ignore — field order follows the spec's cache-line layout
	// notes, not Go's natural packing.

	ID    int64
	AppID int32

	state atomic.Int32 // State, accessed via Load/Store below

	// StackBusy is set by the task's own goroutine just before it hands
	// control back (yield, block or exit) and cleared right after the
	// handoff is sent. No CPU may resume a task while this is true; it must
	// spin (see SwitchInto).
	StackBusy atomic.Bool

	// AllowPreempt is a per-task critical-section flag. Nothing in this
	// module sets or reads it: sync2 primitives leave it alone, and
	// sched.Scheduler.ShouldPreempt checks only the per-CPU preempt-disable
	// counter.
	AllowPreempt atomic.Bool

	// SkipFree means the task object is not reclaimed on exit; the creator
	// owns the object's lifetime (used for e.g. the per-CPU idle task).
	SkipFree bool

	// LastCPU records the CPU this task most recently ran on, consulted by
	// RR's wakeup-returns-home and EEVDF/CFS placement heuristics.
	LastCPU int32

	Stack *Stack

	fn  Fn
	arg any

	resume   chan struct{}
	handback chan handoff

	// PolicyData is the active policy's inline per-task state.
	PolicyData PolicyData

	done    atomic.Bool // set once the goroutine has returned from fn
	exitErr any         // not assigned anywhere in this module
}

// handoff is sent on a Task's handback channel whenever its goroutine stops
// running: because it yielded, blocked, or returned (exited).
type handoff struct {
	kind handoffKind
}

type handoffKind int

const (
	handoffYield handoffKind = iota
	handoffBlock
	handoffExit
)

// State returns the task's current lifecycle state.
func (t *Task) State() State { return State(t.state.Load()) }

// setState is only called by the scheduler core, which owns all state
// transitions (spec §4.3).
func (t *Task) setState(s State) { t.state.Store(int32(s)) }

// MarkBlocked transitions the task to Blocked. Called by the scheduler
// core under task_block's contract, before the task's goroutine parks via
// SignalBlock.
func (t *Task) MarkBlocked() { t.setState(Blocked) }

// MarkRunnable transitions the task to Runnable. Called by the scheduler
// core under task_wakeup's contract, before notifying the policy.
func (t *Task) MarkRunnable() { t.setState(Runnable) }

// New constructs a Runnable Task bound to fn/arg and the given stack. It
// does not launch the task's goroutine; the caller does that with Start
// (switch.go), and even then fn does not run until the scheduler performs
// its first switch into the task.
func New(id int64, appID int32, stack *Stack, fn Fn, arg any) *Task {
	t := &Task{
		ID:       id,
		AppID:    appID,
		Stack:    stack,
		fn:       fn,
		arg:      arg,
		resume:   make(chan struct{}, 1),
		handback: make(chan handoff, 1),
	}
	t.setState(Runnable)
	return t
}

// NewIdle constructs the marker task used for a CPU's own scheduler loop
// (task_create_idle); it is never switched into via the normal fastpath, it
// is the identity of "no task," so PolicyData is left zeroed, LastCPU
// records cpu, and SkipFree is set since there is no creator to free it.
func NewIdle(cpu int32) *Task {
	t := &Task{
		ID:      -1,
		AppID:   -1,
		LastCPU: cpu,
		SkipFree: true,
	}
	t.setState(Idle)
	return t
}
