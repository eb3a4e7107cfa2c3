// Package sq implements the spec §4.4.5 single-queue c-FCFS policy: CPU 0
// is a dispatcher driving a shared pending FIFO, CPUs 1..W are workers each
// running at most one task at a time through an Idle/Queuing/Running/
// Finished state machine, with quantum expiry tracked as an advisory flag
// rather than a state of its own (see worker.preempted). The uniform cpu
// index this package's methods take refers to a worker slot (0-based); the
// dispatcher itself has no slot and is only driven through Poll.
package sq

import (
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/policy"
	"github.com/skyloft-rt/skyloft/task"
)

// State is a worker's position in the c-FCFS state machine.
type State int32

const (
	Idle State = iota
	Queuing
	Running
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Queuing:
		return "Queuing"
	case Running:
		return "Running"
	case Finished:
		return "Finished"
	default:
		return "Unknown"
	}
}

type worker struct {
	lock    spinlock.Spinlock
	state   State
	task    *task.Task
	startUs int64
	// preempted records that this Running spell has exceeded its quantum
	// (or taken an interrupt). It is advisory only: the worker's goroutine
	// may still be synchronously inside task.Task.SwitchInto for this exact
	// task, so nothing may clear the slot or hand the task to another
	// worker until that call actually returns, via FinishTask/Block below.
	// Go has no way to forcibly stop an arbitrary running goroutine, so a
	// task that never yields, blocks, or exits keeps the CPU regardless of
	// this flag — see Preempt's doc.
	preempted bool
}

// Policy is the single-queue dispatcher/worker scheduling policy.
type Policy struct {
	pendingLock spinlock.Spinlock
	pending     []*task.Task

	workers     []worker
	quantumUs   int64
	NowUs       func() int64
}

var _ policy.Policy = (*Policy)(nil)

// New constructs a Policy with numWorkers worker slots, a preemption
// quantum of quantumUs microseconds, and nowUs as the clock.
func New(numWorkers int, quantumUs int64, nowUs func() int64) *Policy {
	return &Policy{
		workers:   make([]worker, numWorkers),
		quantumUs: quantumUs,
		NowUs:     nowUs,
	}
}

func (p *Policy) Init(any)             {}
func (p *Policy) InitPercpu(cpu int32) {}
func (p *Policy) InitTask(*task.Task, int32) {}

// FinishTask transitions a worker's state to Finished; the dispatcher
// releases the task and frees the slot on its next Poll.
func (p *Policy) FinishTask(t *task.Task, cpu int32) {
	w := &p.workers[cpu]
	w.lock.Lock()
	w.state = Finished
	w.lock.Unlock()
}

func (p *Policy) PercpuLock(cpu int32)   { p.workers[cpu].lock.Lock() }
func (p *Policy) PercpuUnlock(cpu int32) { p.workers[cpu].lock.Unlock() }

// enqueuePending appends t to the global pending FIFO.
func (p *Policy) enqueuePending(t *task.Task) {
	p.pendingLock.Lock()
	p.pending = append(p.pending, t)
	p.pendingLock.Unlock()
}

// popPending removes and returns the pending FIFO head.
func (p *Policy) popPending() (*task.Task, bool) {
	p.pendingLock.Lock()
	defer p.pendingLock.Unlock()
	if len(p.pending) == 0 {
		return nil, false
	}
	t := p.pending[0]
	p.pending = p.pending[1:]
	return t, true
}

// Spawn enqueues a newly created task onto the global pending FIFO; the
// dispatcher installs it onto a worker on a later Poll.
func (p *Policy) Spawn(t *task.Task, cpu int32) {
	p.enqueuePending(t)
}

// Wakeup re-enqueues a woken task onto the global pending FIFO.
func (p *Policy) Wakeup(t *task.Task) {
	p.enqueuePending(t)
}

// PickNext returns the worker's installed task once it is Queuing,
// transitioning it to Running and timestamping the start.
func (p *Policy) PickNext(cpu int32) *task.Task {
	w := &p.workers[cpu]
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.state != Queuing {
		return nil
	}
	w.startUs = p.NowUs()
	w.state = Running
	w.preempted = false
	return w.task
}

// Yield is unused in the c-FCFS model: a worker runs its installed task to
// completion, preemption, or exit.
func (p *Policy) Yield(*task.Task, int32) {}

// Block transitions a worker's state to Finished. SQ has no mid-run
// blocking concept of its own; a task that blocks stops occupying the
// worker just as a task that completes does, and the dispatcher's Finished
// handling frees the slot identically either way.
func (p *Policy) Block(t *task.Task, cpu int32) {
	p.FinishTask(t, cpu)
}

// Balance is a no-op: placement is entirely the dispatcher's job.
func (p *Policy) Balance(int32) {}

// Preempt flags cpu's current Running spell as having exceeded its quantum,
// returning whether it newly set the flag (false if already flagged or the
// worker isn't Running). It cannot evict the task itself: see worker.preempted.
func (p *Policy) Preempt(cpu int32) bool {
	w := &p.workers[cpu]
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.state != Running || w.preempted {
		return false
	}
	w.preempted = true
	return true
}

// Poll runs one dispatcher sweep: flag long-running workers, free finished
// ones, and install pending work onto any worker with a free slot.
func (p *Policy) Poll() {
	now := p.NowUs()
	for i := range p.workers {
		w := &p.workers[i]
		w.lock.Lock()
		switch w.state {
		case Running:
			if p.quantumUs > 0 && !w.preempted && now-w.startUs >= p.quantumUs {
				w.preempted = true
			}
		case Finished:
			w.task = nil
			w.state = Idle
		}
		if w.task == nil && (w.state == Idle || w.state == Queuing) {
			if t, ok := p.popPending(); ok {
				w.task = t
				w.state = Queuing
			}
		}
		w.lock.Unlock()
	}
}

func (p *Policy) SetParams(any) {}

// DumpTasks returns every pending task plus each worker's installed task.
func (p *Policy) DumpTasks() []*task.Task {
	var out []*task.Task
	p.pendingLock.Lock()
	out = append(out, p.pending...)
	p.pendingLock.Unlock()
	for i := range p.workers {
		p.workers[i].lock.Lock()
		if p.workers[i].task != nil {
			out = append(out, p.workers[i].task)
		}
		p.workers[i].lock.Unlock()
	}
	return out
}
