// Package rr implements the spec §4.4.2 round-robin policy: tasks are
// spread across CPUs on spawn, wakeups return to the CPU a task last ran
// on, and preemption fires once a task has consumed its quantum.
package rr

import (
	"sync/atomic"

	"github.com/skyloft-rt/skyloft/internal/ring"
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/policy"
	"github.com/skyloft-rt/skyloft/task"
)

// RingSize is the per-CPU MPSC ring capacity.
const RingSize = 1024

// PreemptQuantum is PREEMPT_QUAN: the count of Preempt calls on a running
// task at which Preempt starts returning true.
const PreemptQuantum = 5

// data is RR's per-task PolicyData: just the running quantum counter.
type data struct {
	quantum int32
}

type percpu struct {
	lock     spinlock.Spinlock
	ring     *ring.Buffer[*task.Task]
	overflow []*task.Task
	curr     *task.Task
}

// Policy is the round-robin scheduling policy.
type Policy struct {
	cpus []percpu
	next atomic.Int64 // fetch_add(target_cpu) mod N_cpus spawn spreader
}

var _ policy.Policy = (*Policy)(nil)

// New constructs a Policy for numCPUs worker CPUs.
func New(numCPUs int) *Policy {
	p := &Policy{cpus: make([]percpu, numCPUs)}
	for i := range p.cpus {
		p.cpus[i].ring = ring.New[*task.Task](RingSize)
	}
	return p
}

func (p *Policy) Init(any)             {}
func (p *Policy) InitPercpu(cpu int32) {}

func (p *Policy) InitTask(t *task.Task, cpu int32) {
	*policy.DataOf[data](t) = data{}
}

func (p *Policy) FinishTask(*task.Task, int32) {}

func (p *Policy) PercpuLock(cpu int32)   { p.cpus[cpu].lock.Lock() }
func (p *Policy) PercpuUnlock(cpu int32) { p.cpus[cpu].lock.Unlock() }

// Spawn spreads a new task across CPUs via fetch_add mod N_cpus, per
// §4.4.2, ignoring the caller-supplied cpu (placement is the policy's job).
func (p *Policy) Spawn(t *task.Task, cpu int32) {
	n := len(p.cpus)
	target := int32(p.next.Add(1) % int64(n))
	t.LastCPU = target
	p.enqueue(target, t)
}

// Wakeup returns t to the CPU it last ran on.
func (p *Policy) Wakeup(t *task.Task) {
	p.enqueue(t.LastCPU, t)
}

func (p *Policy) enqueue(cpu int32, t *task.Task) {
	c := &p.cpus[cpu]
	c.lock.Lock()
	if !c.ring.PushBack(t) {
		c.overflow = append(c.overflow, t)
	}
	c.lock.Unlock()
}

// PickNext pops cpu's ring head and remembers it as curr.
func (p *Policy) PickNext(cpu int32) *task.Task {
	c := &p.cpus[cpu]
	c.lock.Lock()
	tk, ok := c.ring.PopFront()
	if !ok && len(c.overflow) > 0 {
		tk, c.overflow = c.overflow[0], c.overflow[1:]
		ok = true
	}
	c.lock.Unlock()
	if !ok {
		c.curr = nil
		return nil
	}
	c.curr = tk
	return tk
}

// Yield requeues t on cpu's local ring.
func (p *Policy) Yield(t *task.Task, cpu int32) {
	p.cpus[cpu].curr = nil
	p.enqueue(cpu, t)
}

// Block clears curr; the task is already detached (it was running, not
// queued).
func (p *Policy) Block(t *task.Task, cpu int32) {
	p.cpus[cpu].curr = nil
}

// Balance is a no-op: RR has no work-stealing, only spawn-time spreading.
func (p *Policy) Balance(int32) {}

// Poll is a no-op: RR has no dispatcher loop.
func (p *Policy) Poll() {}

// Preempt increments cpu's current task's quantum counter, returning true
// once it reaches PreemptQuantum.
func (p *Policy) Preempt(cpu int32) bool {
	c := &p.cpus[cpu]
	if c.curr == nil {
		return false
	}
	d := policy.DataOf[data](c.curr)
	d.quantum++
	return d.quantum >= PreemptQuantum
}

func (p *Policy) SetParams(any) {}

// DumpTasks returns every queued task plus every CPU's currently running
// task, for diagnostics and tests.
func (p *Policy) DumpTasks() []*task.Task {
	var out []*task.Task
	for i := range p.cpus {
		p.cpus[i].lock.Lock()
		for j := 0; j < p.cpus[i].ring.Len(); j++ {
			out = append(out, p.cpus[i].ring.Get(j))
		}
		out = append(out, p.cpus[i].overflow...)
		if p.cpus[i].curr != nil {
			out = append(out, p.cpus[i].curr)
		}
		p.cpus[i].lock.Unlock()
	}
	return out
}
