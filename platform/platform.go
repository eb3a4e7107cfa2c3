// Package platform implements the spec §4.5/§6 glue that sits below the
// scheduler core: CPU pinning, per-CPU stack-region memory advice,
// park/wakeup/switch_to, and the two preemption-delivery mechanisms
// ("host timer" and "user-interrupt"), plus GOMAXPROCS/GOMEMLIMIT
// correction for container deployments.
//
// The kernel module surface the spec describes (PARK/WAKEUP/SWITCH_TO
// ioctls, optional user-interrupt vector setup) has no Go equivalent: Go
// cannot deliver a signal into a goroutine at an arbitrary instruction
// boundary, and it cannot suspend one goroutine and resume a specific other
// one the way a kernel scheduler suspends/resumes OS threads. This package
// follows the spec's own fallback clause (§6: "identical semantics must be
// reproducible with POSIX signals alone... a specific real-time signal
// stands in for SWITCH_TO/WAKEUP, and PARK becomes sigwait") one step
// further for a cooperative runtime: park/wakeup are rendezvous channels
// per CPU, and the host-timer preemption path is a goroutine ticker that
// calls sched.Scheduler.ShouldPreempt on each tick — the same
// "post a deadline, let the next safe point observe it" contract the spec
// requires, without a true asynchronous interrupt.
package platform

import (
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"go.uber.org/automaxprocs/maxprocs"

	"github.com/skyloft-rt/skyloft/errs"
	"github.com/skyloft-rt/skyloft/logging"
)

// Preemptible is the subset of sched.Scheduler the preemption deliverers
// need. Kept narrow (rather than importing sched) the same way sched.Handoff
// is kept narrow to avoid a platform<->sched import cycle: sched will hold a
// *Park/Deliverer via this package's exported types, and this package only
// ever sees the Scheduler through this interface.
type Preemptible interface {
	ShouldPreempt(cpu int32) bool
}

// CPUOwnership is the spec's shared CPU-ownership table: a length-N array
// mapping CPU index to the app id currently running there. sched.Scheduler
// keeps its own copy for its own app's decisions; Park/SwitchTo below read
// and write a table of this shape when arranging a genuine cross-app
// hand-off (single-arena deployments per DESIGN.md Open Question #5).
type CPUOwnership struct {
	owner []atomic.Int32
}

// NewCPUOwnership allocates an ownership table for numCPUs; every entry
// starts at 0 until Set or CompareAndSwap stores an app id.
func NewCPUOwnership(numCPUs int) *CPUOwnership {
	return &CPUOwnership{owner: make([]atomic.Int32, numCPUs)}
}

func (o *CPUOwnership) Get(cpu int32) int32 { return o.owner[cpu].Load() }

func (o *CPUOwnership) Set(cpu int32, appID int32) { o.owner[cpu].Store(appID) }

func (o *CPUOwnership) CompareAndSwap(cpu int32, old, new int32) bool {
	return o.owner[cpu].CompareAndSwap(old, new)
}

// Park is the per-CPU parked/woken rendezvous the spec's PARK(cpu) and
// WAKEUP(tid) ioctls reduce to under the POSIX-signal fallback clause
// (§6): an OS thread calls Wait to park itself and another thread calls
// Wake to resume it. Grounded on eventloop/state.go's FastState — a small
// CAS-guarded flag is the teacher's idiom for "cheap, race-safe parked
// state," the same job PARK/WAKEUP do here.
type Park struct {
	parked atomic.Bool
	wake   chan struct{}
}

// NewPark constructs a Park in the awake state.
func NewPark() *Park {
	return &Park{wake: make(chan struct{}, 1)}
}

// Wait parks the calling goroutine until Wake is called or ctx is done. It
// returns ctx.Err() on cancellation, nil on a genuine wakeup.
func (p *Park) Wait(ctx context.Context) error {
	p.parked.Store(true)
	defer p.parked.Store(false)
	select {
	case <-p.wake:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Wake resumes a goroutine blocked in Wait. A Wake with nothing parked is
// remembered (buffered channel of size 1), mirroring WAKEUP(tid) racing
// ahead of PARK(cpu) in the original ioctl semantics.
func (p *Park) Wake() {
	select {
	case p.wake <- struct{}{}:
	default:
	}
}

// Parked reports whether a goroutine is currently inside Wait. Racy by
// nature (the same way the spec's own parked flag is advisory for
// diagnostics, not a synchronization point).
func (p *Park) Parked() bool { return p.parked.Load() }

// SwitchTo implements sched.Handoff against a real CPUOwnership table and
// per-CPU Park set: it publishes the new owner and wakes the parked OS
// thread (goroutine, here) for that CPU — the cooperative substitution for
// switch_to(target_tid) handing the physical CPU to another app's thread.
// It does not park the caller; the calling sched.Scheduler's Run loop
// yields while its own CPUOwner entry names another app.
type SwitchTo struct {
	Owner *CPUOwnership
	Parks []*Park // one per CPU

	selfAppID int32
}

// NewSwitchTo constructs a SwitchTo for the calling app (selfAppID), sharing
// owner/parks with every other app pinned to the same CPU pool.
func NewSwitchTo(selfAppID int32, owner *CPUOwnership, parks []*Park) *SwitchTo {
	return &SwitchTo{Owner: owner, Parks: parks, selfAppID: selfAppID}
}

// SwitchTo publishes appID as cpu's new owner and wakes its parked thread.
// Returns errs.ErrNoSuchTask if cpu has no registered Park (treated as
// "target app has exited" per spec §9's ownership-reversion clause; the
// caller, sched.Scheduler.crossAppSwitch, reverts ownership on error).
func (s *SwitchTo) SwitchTo(cpu int32, appID int32) error {
	if int(cpu) < 0 || int(cpu) >= len(s.Parks) {
		return errs.NewInvalidArgument("cpu", cpu)
	}
	if s.Parks[cpu] == nil {
		return errs.ErrNoSuchTask
	}
	s.Owner.Set(cpu, appID)
	s.Parks[cpu].Wake()
	return nil
}

// Deliverer is a preemption-delivery mechanism (spec §4.5): it posts a
// deadline and, on expiry, asks the scheduler whether the current task
// should be preempted. HostTimer and Uintr below are the two variants named in
// §9's open question; both are "stat-augmented" per DESIGN.md decision #2
// (counts of ticks/deliveries are tracked, no non-counting variant exists).
type Deliverer interface {
	Start(ctx context.Context)
	Stop()
	Ticks() int64
}

// HostTimer is the §4.5 "host timer that raises a signal at TIMER_HZ"
// delivery mechanism, reduced to a goroutine ticker: Go cannot install a
// SIGALRM handler that safely preempts arbitrary user code (signal handlers
// in Go run on a dedicated signal-handling goroutine, already one level
// removed from "interrupt context"), so the handler's two responsibilities
// -- "never switch directly from interrupt context" and "mark state, return,
// and let the next safe point observe it" -- collapse into calling
// Preemptible.ShouldPreempt from the ticker goroutine and relying on the
// scheduler's own loop (sched.Scheduler.Run) to observe the result at its
// next fastpath entry, exactly the deferred-yield contract the spec
// describes.
type HostTimer struct {
	CPU      int32
	Period   time.Duration
	Target   Preemptible
	OnTick   func(shouldPreempt bool)
	Logger   *logging.Logger

	ticks  atomic.Int64
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewHostTimer constructs a HostTimer for the given CPU firing every period
// (derived from config.Config.TimerHz as period = time.Second / hz).
func NewHostTimer(cpu int32, period time.Duration, target Preemptible) *HostTimer {
	return &HostTimer{CPU: cpu, Period: period, Target: target}
}

// Start launches the ticker goroutine; it runs until Stop is called or ctx
// is cancelled.
func (h *HostTimer) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		t := time.NewTicker(h.Period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				h.ticks.Add(1)
				should := h.Target != nil && h.Target.ShouldPreempt(h.CPU)
				if h.OnTick != nil {
					h.OnTick(should)
				}
			}
		}
	}()
}

// Stop cancels the ticker and waits for its goroutine to exit.
func (h *HostTimer) Stop() {
	if h.cancel != nil {
		h.cancel()
	}
	h.wg.Wait()
}

// Ticks returns the number of timer deliveries observed so far.
func (h *HostTimer) Ticks() int64 { return h.ticks.Load() }

// Uintr is the §4.5 "user-interrupt mechanism" variant: a tiny per-process
// timer thread delivers a vector directly, avoiding the host-timer path's
// signal round trip. In the absence of real uintr/self-IPI hardware support
// from Go, this is implemented as the same ticker shape as HostTimer but
// with a configurable, typically much shorter period, and a Delegate hook
// so callers can route delivery through a dedicated OS thread
// (runtime.LockOSThread) for tighter latency — the closest analogue this
// runtime can offer to "delivered directly to user space."
type Uintr struct {
	HostTimer
	Delegate func(fn func())
}

// NewUintr constructs a Uintr deliverer.
func NewUintr(cpu int32, period time.Duration, target Preemptible) *Uintr {
	return &Uintr{HostTimer: HostTimer{CPU: cpu, Period: period, Target: target}}
}

// Start launches the delivery goroutine, running the per-tick check via
// Delegate if set (e.g. pinned to a dedicated locked OS thread), inline
// otherwise.
func (u *Uintr) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	u.cancel = cancel
	u.wg.Add(1)
	go func() {
		defer u.wg.Done()
		t := time.NewTicker(u.Period)
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				u.ticks.Add(1)
				deliver := func() {
					should := u.Target != nil && u.Target.ShouldPreempt(u.CPU)
					if u.OnTick != nil {
						u.OnTick(should)
					}
				}
				if u.Delegate != nil {
					u.Delegate(deliver)
				} else {
					deliver()
				}
			}
		}
	}()
}

// CorrectRuntimeLimits applies go.uber.org/automaxprocs and
// KimMachineGun/automemlimit so GOMAXPROCS and GOMEMLIMIT reflect the
// container's cgroup quota rather than the host's full core/memory count
// -- necessary because this module pins one goroutine per worker CPU
// (spec §2 "Platform glue: CPU pinning") and an uncorrected GOMAXPROCS
// would let the Go runtime believe it has more cores than the deployment
// actually grants it. logger receives automaxprocs/automemlimit's own
// diagnostic lines; nil discards them.
func CorrectRuntimeLimits(logger *logging.Logger) error {
	log := logging.OrDiscard(logger)
	printf := func(format string, args ...any) {
		log.Info().Log(fmt.Sprintf(format, args...))
	}
	if _, err := maxprocs.Set(maxprocs.Logger(printf)); err != nil {
		return errs.NewUnrecoverable("automaxprocs", err)
	}
	if _, err := memlimit.SetGoMemLimitWithOpts(); err != nil {
		return errs.NewUnrecoverable("automemlimit", err)
	}
	return nil
}

// NumCPU is the platform's view of available logical CPUs, after
// CorrectRuntimeLimits has run; a thin wrapper kept here (rather than
// scattering runtime.NumCPU calls through app/config) so one substitution
// point exists if a future target needs a different source of truth (e.g.
// the cgroup quota directly).
func NumCPU() int { return runtime.NumCPU() }
