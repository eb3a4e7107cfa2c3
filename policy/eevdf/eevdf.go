// Package eevdf implements the spec §4.4.4 Earliest Eligible Virtual
// Deadline First policy: the same virtual-time accounting as cfs, but
// keyed on deadline with an eligibility test against the weighted-average
// virtual time V, and vlag carried across sleep/wake cycles.
//
// Like cfs, the augmented RB-tree the spec describes (subtree-cached
// min_vruntime, leftmost-by-deadline) is realized here as a plain slice
// scanned for its candidates — see DESIGN.md for the same O(log n)-vs.
// -correctness-under-no-compiler tradeoff made in cfs.
package eevdf

import (
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/policy"
	"github.com/skyloft-rt/skyloft/task"
)

// NICE0Weight is the nice-0 load weight.
const NICE0Weight = 1024

// DefaultSliceUs is the request slice assigned to a task at placement and
// at deadline exhaustion, in the absence of a per-task override.
const DefaultSliceUs = 3000

// data is EEVDF's per-task PolicyData.
type data struct {
	weight      int64
	vruntime    int64
	deadline    int64
	vlag        int64
	slice       int64
	execStart   int64
}

type percpu struct {
	lock     spinlock.Spinlock
	runnable []*task.Task
	curr     *task.Task
}

// Policy is the EEVDF scheduling policy.
type Policy struct {
	cpus  []percpu
	NowUs func() int64
}

var _ policy.Policy = (*Policy)(nil)

// New constructs a Policy for numCPUs worker CPUs using nowUs as the clock.
func New(numCPUs int, nowUs func() int64) *Policy {
	return &Policy{cpus: make([]percpu, numCPUs), NowUs: nowUs}
}

func (p *Policy) Init(any)             {}
func (p *Policy) InitPercpu(cpu int32) {}

func (p *Policy) InitTask(t *task.Task, cpu int32) {
	*policy.DataOf[data](t) = data{weight: NICE0Weight, slice: DefaultSliceUs}
}

func (p *Policy) FinishTask(*task.Task, int32) {}

func (p *Policy) PercpuLock(cpu int32)   { p.cpus[cpu].lock.Lock() }
func (p *Policy) PercpuUnlock(cpu int32) { p.cpus[cpu].lock.Unlock() }

// weightedAvgVruntime computes V, the weighted-average virtual time across
// cpu's runnable set plus curr. Caller holds cpu's lock.
func (c *percpu) weightedAvgVruntime() int64 {
	var sumWL, sumW int64
	for _, t := range c.runnable {
		d := policy.DataOf[data](t)
		sumWL += d.weight * d.vruntime
		sumW += d.weight
	}
	if c.curr != nil {
		d := policy.DataOf[data](c.curr)
		sumWL += d.weight * d.vruntime
		sumW += d.weight
	}
	if sumW == 0 {
		return 0
	}
	return sumWL / sumW
}

// place computes the new task's vruntime/deadline relative to the current
// weighted-average virtual time V and the task's carried vlag, per
// §4.4.4's placement rule, then inserts it. Caller holds cpu's lock.
func (p *Policy) place(t *task.Task, cpu int32) {
	c := &p.cpus[cpu]
	d := policy.DataOf[data](t)
	v := c.weightedAvgVruntime()
	d.vruntime = v - d.vlag
	if d.slice == 0 {
		d.slice = DefaultSliceUs
	}
	d.deadline = d.vruntime + d.slice*NICE0Weight/d.weight
	c.runnable = append(c.runnable, t)
}

// Spawn places a newly created task.
func (p *Policy) Spawn(t *task.Task, cpu int32) {
	p.PercpuLock(cpu)
	p.place(t, cpu)
	p.PercpuUnlock(cpu)
}

// Wakeup places a woken task back onto the CPU it last ran on, using the
// vlag it carried into sleep.
func (p *Policy) Wakeup(t *task.Task) {
	cpu := t.LastCPU
	p.PercpuLock(cpu)
	p.place(t, cpu)
	p.PercpuUnlock(cpu)
}

// pickLocked implements Earliest Eligible Virtual Deadline First: among
// tasks eligible (vruntime <= V), return the one with the smallest
// deadline; if none are eligible, fall back to the whole runnable set.
// Caller holds cpu's lock.
func (c *percpu) pickLocked() int {
	if len(c.runnable) == 0 {
		return -1
	}
	if len(c.runnable) == 1 {
		return 0
	}
	v := c.weightedAvgVruntime()
	best := -1
	var bestDeadline int64
	for i, t := range c.runnable {
		d := policy.DataOf[data](t)
		if d.vruntime > v {
			continue
		}
		if best == -1 || d.deadline < bestDeadline {
			best, bestDeadline = i, d.deadline
		}
	}
	if best != -1 {
		return best
	}
	// No task is eligible (shouldn't happen with a correctly maintained V,
	// but fall back to earliest deadline overall rather than starving).
	for i, t := range c.runnable {
		d := policy.DataOf[data](t)
		if best == -1 || d.deadline < bestDeadline {
			best, bestDeadline = i, d.deadline
		}
	}
	return best
}

// PickNext removes the earliest-eligible-deadline runnable task and
// remembers it as curr.
func (p *Policy) PickNext(cpu int32) *task.Task {
	c := &p.cpus[cpu]
	c.lock.Lock()
	defer c.lock.Unlock()
	i := c.pickLocked()
	if i == -1 {
		c.curr = nil
		return nil
	}
	t := c.runnable[i]
	c.runnable = append(c.runnable[:i], c.runnable[i+1:]...)
	d := policy.DataOf[data](t)
	d.execStart = p.NowUs()
	d.vlag = d.deadline // marks "currently running" per the pick-time hack
	c.curr = t
	return t
}

// updateCurrLocked advances curr's vruntime by its elapsed exec time.
// Caller holds cpu's lock.
func (p *Policy) updateCurrLocked(c *percpu) {
	if c.curr == nil {
		return
	}
	d := policy.DataOf[data](c.curr)
	now := p.NowUs()
	delta := now - d.execStart
	if delta < 0 {
		delta = 0
	}
	d.vruntime += delta * NICE0Weight / d.weight
	d.execStart = now
}

// Yield advances curr's vruntime, reassigns slice/deadline, and
// re-inserts it into the runnable set.
func (p *Policy) Yield(t *task.Task, cpu int32) {
	c := &p.cpus[cpu]
	c.lock.Lock()
	p.updateCurrLocked(c)
	c.curr = nil
	d := policy.DataOf[data](t)
	d.slice = DefaultSliceUs
	d.deadline = d.vruntime + d.slice*NICE0Weight/d.weight
	d.vlag = 0
	c.runnable = append(c.runnable, t)
	c.lock.Unlock()
}

// Block advances curr's vruntime, records its lag relative to the current
// V for use at the next wakeup, and clears curr without re-inserting it.
func (p *Policy) Block(t *task.Task, cpu int32) {
	c := &p.cpus[cpu]
	c.lock.Lock()
	p.updateCurrLocked(c)
	d := policy.DataOf[data](t)
	d.vlag = c.weightedAvgVruntime() - d.vruntime
	c.curr = nil
	c.lock.Unlock()
}

// Balance is a no-op: EEVDF has no inter-CPU work-stealing in this spec.
func (p *Policy) Balance(int32) {}

// Poll is a no-op: EEVDF has no dispatcher loop.
func (p *Policy) Poll() {}

// Preempt signals reschedule once curr has exhausted its deadline,
// assigning it a fresh slice and deadline for its next turn.
func (p *Policy) Preempt(cpu int32) bool {
	c := &p.cpus[cpu]
	c.lock.Lock()
	defer c.lock.Unlock()
	if c.curr == nil {
		return false
	}
	p.updateCurrLocked(c)
	d := policy.DataOf[data](c.curr)
	if d.vruntime >= d.deadline {
		d.slice = DefaultSliceUs
		d.deadline = d.vruntime + d.slice*NICE0Weight/d.weight
		return true
	}
	return false
}

func (p *Policy) SetParams(any) {}

// DumpTasks returns every runnable task plus each CPU's curr, for
// diagnostics and tests.
func (p *Policy) DumpTasks() []*task.Task {
	var out []*task.Task
	for i := range p.cpus {
		p.cpus[i].lock.Lock()
		out = append(out, p.cpus[i].runnable...)
		if p.cpus[i].curr != nil {
			out = append(out, p.cpus[i].curr)
		}
		p.cpus[i].lock.Unlock()
	}
	return out
}
