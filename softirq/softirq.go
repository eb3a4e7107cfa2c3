// Package softirq implements the spec §4.9 softirq dispatch: a factory
// that builds a one-shot task draining a bounded batch of NIC-ring entries
// and firing due timers, the only hand-off point between the scheduler
// core and the (out-of-scope) iokernel data plane.
package softirq

import (
	"github.com/skyloft-rt/skyloft/task"
	"github.com/skyloft-rt/skyloft/timer"
)

// Command is one drained NIC-ring entry: an opaque command plus payload,
// per spec §1's "MPSC command ring yielding (cmd, payload) pairs."
type Command struct {
	Cmd     int32
	Payload any
}

// CommandRing is the scheduler-facing interface onto the NIC data plane.
// The real ring (poll-mode driver, iokernel thread) is out of scope; tests
// and non-networked deployments can satisfy this with an empty ring.
type CommandRing interface {
	// Drain removes up to budget ready commands and invokes handle(cmd) for
	// each, returning the number actually drained.
	Drain(budget int, handle func(Command)) int
}

// NoRing is a CommandRing that never has anything to drain, for
// deployments with no NIC data plane wired up.
type NoRing struct{}

func (NoRing) Drain(int, func(Command)) int { return 0 }

// Budget bounds one softirq pass: how many ring entries and timer pops it
// may process before yielding back to the scheduler's slowpath.
type Budget struct {
	Ring  int
	Timer int
}

// DefaultBudget matches the teacher's poller batch-drain sizing idiom
// (bounded per-tick work to keep the slowpath latency predictable).
var DefaultBudget = Budget{Ring: 64, Timer: 64}

// Run drains up to budget.Ring NIC-ring entries via ring, handling each
// with handleCmd, then fires up to budget.Timer due entries on h at nowUs.
// It is the body of the task the Factory below produces.
func Run(ring CommandRing, handleCmd func(Command), h *timer.Heap, nowUs int64, budget Budget) (ringDrained, timersFired int) {
	if ring != nil && handleCmd != nil {
		ringDrained = ring.Drain(budget.Ring, handleCmd)
	}
	if h != nil {
		timersFired = h.Softirq(nowUs, budget.Timer)
	}
	return
}

// Factory builds the one-shot softirq task for a CPU, closing over its
// ring, timer heap, and a clock function (so tests can control time
// without depending on a wall-clock read inside task.Fn).
type Factory struct {
	Ring      CommandRing
	HandleCmd func(Command)
	Heap      *timer.Heap
	NowUs     func() int64
	Budget    Budget
}

// NewFactory constructs a Factory with DefaultBudget; zero Ring/HandleCmd
// is legal (nothing to drain on the NIC side).
func NewFactory(h *timer.Heap, nowUs func() int64) *Factory {
	return &Factory{Ring: NoRing{}, Heap: h, NowUs: nowUs, Budget: DefaultBudget}
}

// Task returns a task.Fn that performs exactly one softirq pass and
// returns, matching §4.9's "one-shot task". sched.Scheduler.runSoftirq
// calls it inline, with a nil task, each time the slowpath finds no
// runnable task; no task is spawned for it.
func (f *Factory) Task() task.Fn {
	return func(t *task.Task, arg any) {
		Run(f.Ring, f.HandleCmd, f.Heap, f.NowUs(), f.Budget)
	}
}
