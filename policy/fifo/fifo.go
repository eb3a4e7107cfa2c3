// Package fifo implements the spec §4.4.1 FIFO-with-work-stealing policy:
// a per-CPU ring plus spinlock-guarded overflow list, with half-queue
// stealing on an empty local ring.
package fifo

import (
	"unsafe"

	"github.com/skyloft-rt/skyloft/internal/ring"
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/policy"
	"github.com/skyloft-rt/skyloft/task"
)

// RingSize is the per-CPU ring capacity before tasks spill to the overflow
// list; must be a power of two.
const RingSize = 256

type percpu struct {
	lock     spinlock.Spinlock
	ring     *ring.Buffer[*task.Task]
	overflow []*task.Task
}

// Policy is the FIFO-steal scheduling policy, one instance shared by every
// CPU it governs.
type Policy struct {
	cpus []percpu
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
func (p *Policy) InitTask(*task.Task, int32) {}
func (p *Policy) FinishTask(*task.Task, int32) {}

func (p *Policy) PercpuLock(cpu int32)   { p.cpus[cpu].lock.Lock() }
func (p *Policy) PercpuUnlock(cpu int32) { p.cpus[cpu].lock.Unlock() }

func (p *Policy) enqueueLocked(cpu int32, t *task.Task) {
	c := &p.cpus[cpu]
	if !c.ring.PushBack(t) {
		c.overflow = append(c.overflow, t)
	}
}

// Spawn enqueues t on cpu's local ring (or overflow on a full ring).
func (p *Policy) Spawn(t *task.Task, cpu int32) {
	p.PercpuLock(cpu)
	p.enqueueLocked(cpu, t)
	p.PercpuUnlock(cpu)
}

// Wakeup enqueues t onto the ring of t.LastCPU (the CPU t was created on or
// last ran on), mirroring Spawn's placement. It takes no cpu argument, so
// the waking CPU's ring is not used.
func (p *Policy) Wakeup(t *task.Task) {
	p.Spawn(t, t.LastCPU)
}

// PickNext pops cpu's local ring head.
func (p *Policy) PickNext(cpu int32) *task.Task {
	p.PercpuLock(cpu)
	defer p.PercpuUnlock(cpu)
	c := &p.cpus[cpu]
	if tk, ok := c.ring.PopFront(); ok {
		return tk
	}
	if len(c.overflow) > 0 {
		tk := c.overflow[0]
		c.overflow = c.overflow[1:]
		return tk
	}
	return nil
}

// Yield pushes t back onto cpu's local tail.
func (p *Policy) Yield(t *task.Task, cpu int32) {
	p.Spawn(t, cpu)
}

// Block is a no-op: a blocked task is already detached (it was `current`,
// not queued) so there's nothing to remove from the runqueue.
func (p *Policy) Block(*task.Task, int32) {}

// Balance steals half of a victim CPU's queued entries, chosen by
// hash(self) mod W and scanned round-robin across all W CPUs, falling back
// to one overflow entry, per §4.4.1.
func (p *Policy) Balance(cpu int32) {
	w := len(p.cpus)
	if w <= 1 {
		return
	}
	start := int(hashPtr(&p.cpus[cpu])) % w
	for i := 0; i < w; i++ {
		victim := int32((start + i) % w)
		if victim == cpu {
			continue
		}
		if p.stealFrom(victim, cpu) {
			return
		}
	}
}

func hashPtr(p *percpu) uintptr {
	return uintptr(unsafe.Pointer(p))
}

// stealFrom attempts to take half of victim's queued ring entries (or one
// overflow entry) onto cpu's own ring, tie-breaking via TryLock so a
// contended victim is simply skipped this round.
func (p *Policy) stealFrom(victim, cpu int32) bool {
	if !p.cpus[victim].lock.TryLock() {
		return false
	}
	vc := &p.cpus[victim]
	n := vc.ring.Len()
	if n == 0 {
		if len(vc.overflow) > 0 {
			tk := vc.overflow[0]
			vc.overflow = vc.overflow[1:]
			vc.lock.Unlock()
			p.PercpuLock(cpu)
			p.enqueueLocked(cpu, tk)
			p.PercpuUnlock(cpu)
			return true
		}
		vc.lock.Unlock()
		return false
	}

	half := (n + 1) / 2
	stolen := make([]*task.Task, 0, half)
	for i := 0; i < half; i++ {
		if tk, ok := vc.ring.PopBack(); ok {
			stolen = append(stolen, tk)
		}
	}
	vc.lock.Unlock()

	if len(stolen) == 0 {
		return false
	}
	p.PercpuLock(cpu)
	for _, tk := range stolen {
		p.enqueueLocked(cpu, tk)
	}
	p.PercpuUnlock(cpu)
	return true
}

// Poll is a no-op: FIFO-steal has no dispatcher loop.
func (p *Policy) Poll() {}

// Preempt always returns true: cooperative preemption is always permitted,
// timer-driven yield decides the cadence.
func (p *Policy) Preempt(int32) bool { return true }

func (p *Policy) SetParams(any) {}

// DumpTasks returns every queued task across every CPU's ring and overflow
// list, for diagnostics and tests.
func (p *Policy) DumpTasks() []*task.Task {
	var out []*task.Task
	for i := range p.cpus {
		p.cpus[i].lock.Lock()
		for j := 0; j < p.cpus[i].ring.Len(); j++ {
			out = append(out, p.cpus[i].ring.Get(j))
		}
		out = append(out, p.cpus[i].overflow...)
		p.cpus[i].lock.Unlock()
	}
	return out
}
