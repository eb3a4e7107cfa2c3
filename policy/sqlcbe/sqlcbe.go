// Package sqlcbe implements the spec §4.4.6 single-queue policy with
// latency-critical/best-effort co-execution: each worker CPU carries two
// slots, one per app class, with a congestion test that reclaims
// BE-allocated CPUs for LC work under load. Per the spec's explicit
// decision not to invent a "give CPUs back to BE" path (the source never
// has one), LC allocation is permanent once granted — see DESIGN.md.
package sqlcbe

import (
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/policy"
	"github.com/skyloft-rt/skyloft/task"
)

// State is a slot's position in the c-FCFS state machine, mirroring sq.
type State int32

const (
	Idle State = iota
	Queuing
	Running
	Finished
)

// data is sqlcbe's per-task PolicyData: app class and the bookkeeping the
// congestion test reads.
type data struct {
	isLC      bool
	ingressUs int64
	activeUs  int64
}

type slot struct {
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

type worker struct {
	lock      spinlock.Spinlock
	isLC      bool // which slot currently owns this CPU
	needSched bool // set when an interrupt has requested LC reclaim
	lc        slot
	be        slot
}

// Policy is the SQ-LCBE dispatcher/worker scheduling policy.
type Policy struct {
	lcLock spinlock.Spinlock
	lcPending []*task.Task
	beLock spinlock.Spinlock
	bePending []*task.Task

	workers          []worker
	guaranteedCPUs   int
	congestionThresh float64
	adjustQuantumUs  int64
	quantumUs        int64
	lastAdjustUs     int64
	NowUs            func() int64
}

var _ policy.Policy = (*Policy)(nil)

// New constructs a Policy with numWorkers worker slots, guaranteedCPUs of
// which are permanently allocated to LC, a preemption quantum of
// quantumUs, a congestion check every adjustQuantumUs comparing against
// congestionThresh, using nowUs as the clock.
func New(numWorkers, guaranteedCPUs int, quantumUs, adjustQuantumUs int64, congestionThresh float64, nowUs func() int64) *Policy {
	p := &Policy{
		workers:          make([]worker, numWorkers),
		guaranteedCPUs:   guaranteedCPUs,
		congestionThresh: congestionThresh,
		adjustQuantumUs:  adjustQuantumUs,
		quantumUs:        quantumUs,
		NowUs:            nowUs,
	}
	for i := 0; i < guaranteedCPUs && i < numWorkers; i++ {
		p.workers[i].isLC = true
	}
	return p
}

func (p *Policy) Init(any)             {}
func (p *Policy) InitPercpu(cpu int32) {}

func (p *Policy) InitTask(t *task.Task, cpu int32) {
	*policy.DataOf[data](t) = data{}
}

// MarkLC classifies t as latency-critical. Must be called before Spawn;
// tasks default to best-effort.
func (p *Policy) MarkLC(t *task.Task) {
	policy.DataOf[data](t).isLC = true
}

func (p *Policy) PercpuLock(cpu int32)   { p.workers[cpu].lock.Lock() }
func (p *Policy) PercpuUnlock(cpu int32) { p.workers[cpu].lock.Unlock() }

func (p *Policy) enqueue(t *task.Task) {
	d := policy.DataOf[data](t)
	if d.isLC {
		p.lcLock.Lock()
		p.lcPending = append(p.lcPending, t)
		p.lcLock.Unlock()
		return
	}
	p.beLock.Lock()
	p.bePending = append(p.bePending, t)
	p.beLock.Unlock()
}

func pop(lock *spinlock.Spinlock, q *[]*task.Task) (*task.Task, bool) {
	lock.Lock()
	defer lock.Unlock()
	if len(*q) == 0 {
		return nil, false
	}
	t := (*q)[0]
	*q = (*q)[1:]
	return t, true
}

// Spawn stamps ingress time and enqueues t onto its class's pending FIFO.
func (p *Policy) Spawn(t *task.Task, cpu int32) {
	policy.DataOf[data](t).ingressUs = p.NowUs()
	p.enqueue(t)
}

// Wakeup re-enqueues a woken task onto its class's pending FIFO.
func (p *Policy) Wakeup(t *task.Task) {
	p.enqueue(t)
}

func activeSlot(w *worker) *slot {
	if w.isLC {
		return &w.lc
	}
	return &w.be
}

// PickNext raises is_lc if a reclaim was requested, then returns the
// active slot's installed task once Queuing.
func (p *Policy) PickNext(cpu int32) *task.Task {
	w := &p.workers[cpu]
	w.lock.Lock()
	defer w.lock.Unlock()
	if w.needSched && !w.isLC {
		w.isLC = true
		w.needSched = false
	}
	s := activeSlot(w)
	if s.state != Queuing {
		return nil
	}
	s.startUs = p.NowUs()
	s.state = Running
	s.preempted = false
	return s.task
}

// Yield is unused: a worker runs its installed task to completion,
// preemption, or exit.
func (p *Policy) Yield(*task.Task, int32) {}

func (p *Policy) accountActive(w *worker, s *slot, now int64) {
	if s.task == nil {
		return
	}
	d := policy.DataOf[data](s.task)
	delta := now - s.startUs
	if delta > 0 {
		d.activeUs += delta
	}
	s.startUs = now
}

// FinishTask transitions the task's class slot to Finished and records
// its active time for the congestion test.
func (p *Policy) FinishTask(t *task.Task, cpu int32) {
	w := &p.workers[cpu]
	w.lock.Lock()
	s := activeSlot(w)
	p.accountActive(w, s, p.NowUs())
	s.state = Finished
	w.lock.Unlock()
}

// Block behaves like FinishTask: the slot is freed identically whether
// the task blocked or completed (see sq's identical rationale).
func (p *Policy) Block(t *task.Task, cpu int32) {
	p.FinishTask(t, cpu)
}

// Balance is a no-op: placement is entirely the dispatcher's job.
func (p *Policy) Balance(int32) {}

// Preempt flags the active slot's current Running spell as having exceeded
// its quantum, returning whether it newly set the flag (false if already
// flagged or the slot isn't Running). It cannot evict the task itself: see
// slot.preempted.
func (p *Policy) Preempt(cpu int32) bool {
	w := &p.workers[cpu]
	w.lock.Lock()
	defer w.lock.Unlock()
	s := activeSlot(w)
	if s.state != Running || s.preempted {
		return false
	}
	p.accountActive(w, s, p.NowUs())
	s.preempted = true
	return true
}

// Poll runs one dispatcher sweep over every worker's active slot, then
// runs the congestion test at most once per adjust_quantum.
func (p *Policy) Poll() {
	now := p.NowUs()
	for i := range p.workers {
		w := &p.workers[i]
		w.lock.Lock()
		s := activeSlot(w)
		switch s.state {
		case Running:
			if p.quantumUs > 0 && !s.preempted && now-s.startUs >= p.quantumUs {
				p.accountActive(w, s, now)
				s.preempted = true
			}
		case Finished:
			s.task = nil
			s.state = Idle
		}
		if s.task == nil && (s.state == Idle || s.state == Queuing) {
			var t *task.Task
			var ok bool
			if w.isLC {
				t, ok = pop(&p.lcLock, &p.lcPending)
			} else {
				t, ok = pop(&p.beLock, &p.bePending)
			}
			if ok {
				s.task = t
				s.state = Queuing
			}
		}
		w.lock.Unlock()
	}

	if now-p.lastAdjustUs >= p.adjustQuantumUs {
		p.lastAdjustUs = now
		p.checkCongestion(now)
	}
}

// checkCongestion implements the LC congestion test: if the oldest pending
// LC request's active/elapsed ratio has dropped below the threshold, one
// BE-allocated worker beyond the guaranteed floor is flagged for reclaim.
func (p *Policy) checkCongestion(now int64) {
	p.lcLock.Lock()
	if len(p.lcPending) == 0 {
		p.lcLock.Unlock()
		return
	}
	oldest := p.lcPending[0]
	p.lcLock.Unlock()

	d := policy.DataOf[data](oldest)
	elapsed := now - d.ingressUs
	if elapsed <= 0 {
		return
	}
	ratio := float64(d.activeUs) / float64(elapsed)
	if ratio >= p.congestionThresh {
		return
	}
	for i := p.guaranteedCPUs; i < len(p.workers); i++ {
		w := &p.workers[i]
		w.lock.Lock()
		if !w.isLC && !w.needSched {
			w.needSched = true
			w.lock.Unlock()
			return
		}
		w.lock.Unlock()
	}
}

func (p *Policy) SetParams(any) {}

// DumpTasks returns every pending task of both classes plus each worker's
// installed task.
func (p *Policy) DumpTasks() []*task.Task {
	var out []*task.Task
	p.lcLock.Lock()
	out = append(out, p.lcPending...)
	p.lcLock.Unlock()
	p.beLock.Lock()
	out = append(out, p.bePending...)
	p.beLock.Unlock()
	for i := range p.workers {
		p.workers[i].lock.Lock()
		if p.workers[i].lc.task != nil {
			out = append(out, p.workers[i].lc.task)
		}
		if p.workers[i].be.task != nil {
			out = append(out, p.workers[i].be.task)
		}
		p.workers[i].lock.Unlock()
	}
	return out
}
