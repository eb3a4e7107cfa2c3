// Package policy defines the uniform scheduling-policy interface of spec
// §4.4: a capability set implemented by FIFO-steal, RR, CFS, EEVDF, SQ, and
// SQ-LCBE (the policy/fifo, policy/rr, policy/cfs, policy/eevdf, policy/sq,
// policy/sqlcbe subpackages). Unused methods are no-ops, preserving the
// "polymorphism over a capability set" property of the original's
// compile-time macro dispatch without losing dynamic selection.
package policy

import "github.com/skyloft-rt/skyloft/task"

// Policy is the per-CPU scheduling policy vtable. Every method operates on
// "the current CPU" implicitly via the cpu argument, since Go has no
// per-goroutine CPU affinity to hang an implicit receiver off.
type Policy interface {
	// Init configures policy-wide parameters from an opaque, policy-specific
	// value (spec's sched_set_params payload).
	Init(params any)

	// InitPercpu prepares any per-CPU state for cpu (runqueue, lock, ...).
	InitPercpu(cpu int32)

	// InitTask prepares t's PolicyData for first use on the given cpu.
	InitTask(t *task.Task, cpu int32)

	// FinishTask releases any policy-owned bookkeeping for t on task_exit.
	FinishTask(t *task.Task, cpu int32)

	// Spawn places a newly created task t, originating on cpu.
	Spawn(t *task.Task, cpu int32)

	// PickNext returns the next task to run on cpu, or nil if none is ready.
	PickNext(cpu int32) *task.Task

	// Block removes t (already transitioned to Blocked by the scheduler)
	// from cpu's runqueue bookkeeping.
	Block(t *task.Task, cpu int32)

	// Wakeup re-queues t (already transitioned to Runnable) for execution,
	// choosing a CPU itself when the policy owns placement (e.g. RR).
	Wakeup(t *task.Task)

	// Yield requeues the currently running task t on cpu, giving up the CPU
	// voluntarily.
	Yield(t *task.Task, cpu int32)

	// PercpuLock/PercpuUnlock guard cpu's runqueue against concurrent
	// access from a stealing or cross-CPU-waking CPU.
	PercpuLock(cpu int32)
	PercpuUnlock(cpu int32)

	// Balance is called from the slowpath when cpu's local queue is empty;
	// policies without work-stealing or rebalancing make this a no-op.
	Balance(cpu int32)

	// Poll lets dispatcher-style policies (SQ, SQ-LCBE) drive worker state
	// transitions independently of pick/block/wakeup; a no-op elsewhere.
	Poll()

	// Preempt asks whether the task currently running on cpu should yield
	// at the next safe point.
	Preempt(cpu int32) bool

	// SetParams updates policy-wide parameters at runtime (opaque payload).
	SetParams(params any)

	// DumpTasks returns a diagnostic snapshot of every task the policy
	// currently tracks, for tests and operational introspection.
	DumpTasks() []*task.Task
}

// NumCPUsFor derives a worker CPU count bound from the SQ/SQ-LCBE
// constraint "≤ total CPUs - 1" (spec §6). config.Validate does not call
// it.
func NumCPUsFor(totalCPUs int) int {
	if totalCPUs <= 1 {
		return 0
	}
	return totalCPUs - 1
}
