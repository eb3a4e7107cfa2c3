// Package sched implements the spec §4.3 scheduler core: task_yield,
// task_wakeup, task_block, task_exit, task_spawn, and the per-CPU
// fastpath/slowpath loop that ties task, policy, timer, rcu, and softirq
// together.
//
// Go's goroutine scheduler already does the actual register-level context
// switching; what this package reconstructs is the *decision* layer the
// spec describes — which task runs next, when to touch RCU generation
// parity, when to hand a CPU to another app — driven through task.Task's
// synchronous SwitchInto (task/switch.go), which stands in for the
// assembly switch()/switch_from_idle() primitives.
package sched

import (
	"runtime"
	"sync/atomic"

	"github.com/skyloft-rt/skyloft/errs"
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/logging"
	"github.com/skyloft-rt/skyloft/policy"
	"github.com/skyloft-rt/skyloft/rcu"
	"github.com/skyloft-rt/skyloft/softirq"
	"github.com/skyloft-rt/skyloft/task"
)

// Handoff abstracts the platform's switch_to(target_tid): hand cpu to appID
// and wake the thread waiting for cpu. The implementation lives in the
// platform package (platform.SwitchTo); it does not park the calling
// thread; Run instead yields while its CPUOwner entry names another app.
// sched depends only on this narrow interface to avoid importing platform.
type Handoff interface {
	SwitchTo(cpu int32, appID int32) error
}

// noHandoff is used when a Scheduler has no cross-app platform wired in
// (single-app deployments, tests): every task is assumed to belong to the
// Scheduler's own app, so SwitchTo is never reached.
type noHandoff struct{}

func (noHandoff) SwitchTo(int32, int32) error { return nil }

// Scheduler is one app's per-CPU scheduling core: a policy, an allocator,
// per-CPU RCU generations, and an optional softirq factory, tied into the
// fastpath/slowpath loop of §4.3. It implements sync2.Scheduler and
// timer.Scheduler, so sync2's primitives and timer.Sleep can block and
// wake tasks through the same core that runs them.
type Scheduler struct {
	AppID     int32
	Policy    policy.Policy
	Allocator task.Allocator
	Gens      []*rcu.Generation
	// Softirq holds one factory per CPU (nil entries are legal: that CPU
	// has no timer heap / NIC ring to drain). Indexed like Gens/CPUOwner.
	Softirq []*softirq.Factory
	Handoff Handoff
	Logger  *logging.Logger
	Clock   func() int64

	// CPUOwner publishes, per CPU, which app currently owns it (spec's
	// shared CPU-ownership array). A Scheduler only schedules on CPUs it
	// owns; on a CPU owned by another app, Run skips PickNext and yields
	// until ownership reverts.
	CPUOwner []atomic.Int32

	// preemptDisable is a per-CPU nesting counter; PreemptDisable/Enable
	// must balance, mirroring spec §4.5.
	preemptDisable []atomic.Int32

	stop []chan struct{}
}

// New constructs a Scheduler for numCPUs, owned by appID, driving pol.
// Gens/Softirq/Handoff/Logger may be set on the returned value before
// Run; zero values are legal (Gens nil disables RCU generation
// publishing, Softirq nil means "no softirq task to fall back to",
// Handoff nil defaults to noHandoff, Logger nil defaults to discard).
func New(appID int32, numCPUs int, pol policy.Policy, alloc task.Allocator, nowUs func() int64) *Scheduler {
	s := &Scheduler{
		AppID:          appID,
		Policy:         pol,
		Allocator:      alloc,
		Clock:          nowUs,
		CPUOwner:       make([]atomic.Int32, numCPUs),
		preemptDisable: make([]atomic.Int32, numCPUs),
		stop:           make([]chan struct{}, numCPUs),
	}
	for i := range s.CPUOwner {
		s.CPUOwner[i].Store(appID)
	}
	return s
}

func (s *Scheduler) handoff() Handoff {
	if s.Handoff == nil {
		return noHandoff{}
	}
	return s.Handoff
}

// NowUs satisfies timer.Scheduler's clock method.
func (s *Scheduler) NowUs() int64 { return s.Clock() }

// PreemptDisable increments cpu's preempt-disable nesting counter; while
// nonzero, Preempt is a no-op for that CPU on both the fast and slow path.
func (s *Scheduler) PreemptDisable(cpu int32) { s.preemptDisable[cpu].Add(1) }

// PreemptEnable decrements cpu's preempt-disable nesting counter.
func (s *Scheduler) PreemptEnable(cpu int32) { s.preemptDisable[cpu].Add(-1) }

func (s *Scheduler) preemptAllowed(cpu int32) bool {
	return s.preemptDisable[cpu].Load() == 0
}

// bumpGeneration publishes gen+delta on cpu's RCU generation, a no-op if
// Gens wasn't supplied.
func (s *Scheduler) bumpGeneration(cpu int32, delta uint64) {
	if s.Gens == nil {
		return
	}
	g := s.Gens[cpu]
	g.Store(g.Load() + delta)
}

// Spawn implements task_spawn: allocates and initializes a task bound to
// fn/arg, asks the policy to place it, and on allocator failure reports
// the error without ever handing the policy a half-built task.
func (s *Scheduler) Spawn(cpu int32, fn task.Fn, arg any) (*task.Task, error) {
	t, err := s.Allocator.Create(s.AppID, cpu, fn, arg)
	if err != nil {
		return nil, err
	}
	s.Policy.InitTask(t, cpu)
	s.Policy.Spawn(t, cpu)
	return t, nil
}

// Wakeup implements task_wakeup: asserts t is Blocked, transitions it to
// Runnable, and asks the policy to re-queue it. Also satisfies
// sync2.Scheduler and timer.Scheduler.
func (s *Scheduler) Wakeup(t *task.Task) {
	if t.State() != task.Blocked {
		panic(errs.NewUnrecoverable("task_wakeup: task not blocked", nil))
	}
	t.MarkRunnable()
	s.Policy.Wakeup(t)
}

// Block implements task_block: called with lock held, marks the current
// task Blocked, releases lock, notifies the policy, then parks the task's
// goroutine — the Go substitution for "enters the fastpath", since control
// only returns to the scheduling loop (Run below) once this call
// returns. Satisfies sync2.Scheduler and timer.Scheduler.
func (s *Scheduler) Block(t *task.Task, lock *spinlock.Spinlock) {
	t.MarkBlocked()
	lock.Unlock()
	s.Policy.Block(t, t.LastCPU)
	t.SignalBlock()
}


// runSoftirq runs one softirq pass inline on the calling goroutine,
// standing in for "switch_to_fn_nosave(softirq_fn, idle_rsp)": there is no
// separate stack to switch to in the Go substitution, so the slowpath
// simply calls it directly.
func (s *Scheduler) runSoftirq(cpu int32) {
	if s.Softirq == nil || int(cpu) >= len(s.Softirq) || s.Softirq[cpu] == nil {
		return
	}
	s.Softirq[cpu].Task()(nil, nil)
}

// crossAppSwitch performs the cross-app CPU hand-off (§4.3): publish the
// new owner, then ask the platform to wake the target app's thread. This
// goroutine is not parked: Run yields while CPUOwner names another app. If
// the target has exited, ownership reverts to this
// Scheduler's app and the caller should retry its slowpath loop.
func (s *Scheduler) crossAppSwitch(cpu int32, t *task.Task) {
	s.CPUOwner[cpu].Store(t.AppID)
	if err := s.handoff().SwitchTo(cpu, t.AppID); err != nil {
		s.CPUOwner[cpu].Store(s.AppID)
	}
}

// Run drives cpu's fastpath/slowpath loop until Stop(cpu) is called. It is
// meant to run on a goroutine dedicated to cpu (the Go substitution for a
// pinned OS thread).
func (s *Scheduler) Run(cpu int32) {
	stop := make(chan struct{})
	s.stop[cpu] = stop

	for {
		select {
		case <-stop:
			return
		default:
		}

		if s.CPUOwner[cpu].Load() != s.AppID {
			runtime.Gosched()
			continue
		}

		t := s.Policy.PickNext(cpu)
		if t == nil {
			// Slowpath: nothing runnable. The generation is already even
			// here (either its zero-value or from the post-SwitchInto bump
			// below) — re-bumping on every empty-queue retry would flip
			// parity without the CPU ever re-entering task land, desyncing
			// it from rcu.Domain.sweep()'s quiescent-state check. Drain
			// softirq work and ask the policy to rebalance (steal, or
			// install from a pending queue) before retrying.
			s.runSoftirq(cpu)
			s.Policy.Balance(cpu)
			s.Policy.Poll()
			runtime.Gosched()
			continue
		}

		if t.AppID != s.AppID {
			s.crossAppSwitch(cpu, t)
			continue
		}

		t.LastCPU = cpu
		s.bumpGeneration(cpu, 1) // odd parity: about to run in task land
		kind := t.SwitchInto()
		s.bumpGeneration(cpu, 1) // back to even: returned to scheduler

		switch kind {
		case task.Yielded:
			s.Policy.Yield(t, cpu)
		case task.Blocked:
			// Policy.Block and the state transition already happened
			// inside Block, above, before the task parked.
		case task.Exited:
			s.Policy.FinishTask(t, cpu)
			if !t.SkipFree {
				s.Allocator.Free(t)
			}
		}
	}
}

// Stop signals cpu's Run loop to return after its current iteration.
func (s *Scheduler) Stop(cpu int32) {
	if ch := s.stop[cpu]; ch != nil {
		close(ch)
	}
}

// ShouldPreempt asks the policy whether cpu's current task should yield at
// its next safe point, honoring the preempt-disable counter (spec §4.5).
// Platform-level preemption delivery (host timer, user-interrupt) calls
// this and, if true, arranges for the task to observe it cooperatively.
func (s *Scheduler) ShouldPreempt(cpu int32) bool {
	if !s.preemptAllowed(cpu) {
		return false
	}
	return s.Policy.Preempt(cpu)
}
