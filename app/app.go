// Package app implements the spec §4.9/§6 process bootstrap: the
// CPU-ownership registry shared by every app pinned to the same CPU pool,
// per-app control-block wiring (policy + allocator + scheduler + per-CPU
// timer heaps + RCU domain), and libos_start's stable user-facing surface
// (task_spawn, task_spawn_oncpu, sleep/usleep, sched_poll,
// current_cpu_id/current_task_id/current_app_id).
//
// Grounded on eventloop.New() (id allocation, wake-mechanism setup,
// single-constructor wiring of every subsystem a Loop needs) and
// microbatch.NewBatcher's config-struct-with-defaults constructor idiom.
package app

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skyloft-rt/skyloft/config"
	"github.com/skyloft-rt/skyloft/errs"
	"github.com/skyloft-rt/skyloft/logging"
	"github.com/skyloft-rt/skyloft/platform"
	"github.com/skyloft-rt/skyloft/policy"
	"github.com/skyloft-rt/skyloft/policy/cfs"
	"github.com/skyloft-rt/skyloft/policy/eevdf"
	"github.com/skyloft-rt/skyloft/policy/fifo"
	"github.com/skyloft-rt/skyloft/policy/rr"
	"github.com/skyloft-rt/skyloft/policy/sq"
	"github.com/skyloft-rt/skyloft/policy/sqlcbe"
	"github.com/skyloft-rt/skyloft/rcu"
	"github.com/skyloft-rt/skyloft/sched"
	"github.com/skyloft-rt/skyloft/softirq"
	"github.com/skyloft-rt/skyloft/task"
	"github.com/skyloft-rt/skyloft/timer"
)

// PolicyByName constructs the policy named by cfg.Policy (one of the
// config.Policy* constants), sized and clocked per cfg. It cannot live in
// package policy itself: every policy subpackage already imports policy for
// the Policy interface and policy.DataOf, so a reverse import here would
// cycle.
func PolicyByName(cfg config.Config, nowUs func() int64) (policy.Policy, error) {
	switch cfg.Policy {
	case config.PolicyFIFO:
		return fifo.New(cfg.NumCPUs), nil
	case config.PolicyRR:
		return rr.New(cfg.NumCPUs), nil
	case config.PolicyCFS:
		return cfs.New(cfg.NumCPUs, nowUs), nil
	case config.PolicyEEVDF:
		return eevdf.New(cfg.NumCPUs, nowUs), nil
	case config.PolicySQ:
		return sq.New(cfg.SQ.NumWorkers, microseconds(cfg.SQ.PreemptionQuantum), nowUs), nil
	case config.PolicySQLCBE:
		return sqlcbe.New(
			cfg.SQ.NumWorkers, cfg.SQ.GuaranteedCPUs,
			microseconds(cfg.SQ.PreemptionQuantum), microseconds(cfg.SQ.AdjustQuantum),
			cfg.SQ.CongestionThresh, nowUs,
		), nil
	default:
		return nil, errs.NewInvalidArgument("policy", cfg.Policy)
	}
}

func microseconds(d time.Duration) int64 { return int64(d / time.Microsecond) }

// hostTimerPeriod derives the §4.5 host-timer period from cfg.TimerHz,
// falling back to a 1kHz default if the config left it at zero or negative.
func hostTimerPeriod(cfg config.Config) time.Duration {
	hz := cfg.TimerHz
	if hz <= 0 {
		hz = 1000
	}
	return time.Second / time.Duration(hz)
}

// isDispatcherPolicy reports whether cfg.Policy runs the SQ-family
// dispatcher loop (spec §4.4.5/§4.4.6): CPU 0 polls a shared pending FIFO
// instead of being addressed through Policy.PickNext, so it sits outside
// the scheduler's own CPU index space.
func isDispatcherPolicy(name string) bool {
	return name == config.PolicySQ || name == config.PolicySQLCBE
}

// workerCPUCount is how many CPU indices the scheduler core (and the
// policy) address directly: every pinned CPU for FIFO/RR/CFS/EEVDF, or just
// the worker CPUs for SQ/SQ-LCBE (the dispatcher has no slot of its own,
// per policy/sq's package doc).
func workerCPUCount(cfg config.Config) int {
	if isDispatcherPolicy(cfg.Policy) {
		return cfg.SQ.NumWorkers
	}
	return cfg.NumCPUs
}

// Registry is the spec's shared CPU-ownership table plus the per-CPU
// park/wakeup rendezvous every app in the same arena hands off through.
// Per DESIGN.md Open Question #5, this models the spec's cross-process
// shared memory as a single in-process arena: one Registry, many Apps.
type Registry struct {
	Owner *platform.CPUOwnership
	Parks []*platform.Park

	nextID atomic.Int32

	mu          sync.Mutex
	apps        map[int32]*App
	limitsOnce  sync.Once
	limitsErr   error
}

// NewRegistry allocates a Registry shared by apps pinned across numCPUs
// physical CPUs.
func NewRegistry(numCPUs int) *Registry {
	parks := make([]*platform.Park, numCPUs)
	for i := range parks {
		parks[i] = platform.NewPark()
	}
	return &Registry{
		Owner: platform.NewCPUOwnership(numCPUs),
		Parks: parks,
		apps:  make(map[int32]*App),
	}
}

// ensureRuntimeLimits runs platform.CorrectRuntimeLimits exactly once per
// Registry: GOMAXPROCS/GOMEMLIMIT correction is a process-wide concern, not
// a per-app one.
func (r *Registry) ensureRuntimeLimits(logger *logging.Logger) error {
	r.limitsOnce.Do(func() {
		r.limitsErr = platform.CorrectRuntimeLimits(logger)
	})
	return r.limitsErr
}

func (r *Registry) register(a *App) {
	r.mu.Lock()
	r.apps[a.ID] = a
	r.mu.Unlock()
}

// Lookup returns the App owning appID, if any app in this arena has that
// id.
func (r *Registry) Lookup(appID int32) (*App, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.apps[appID]
	return a, ok
}

// handoff builds the sched.Handoff this app uses to publish cross-app CPU
// ownership through the shared registry.
func (r *Registry) handoff(appID int32) sched.Handoff {
	return platform.NewSwitchTo(appID, r.Owner, r.Parks)
}

// options configures Bootstrap beyond what config.Config covers.
type options struct {
	logger *logging.Logger
	nowUs  func() int64
	ring   softirq.CommandRing
	pin    bool
}

// Option mutates Bootstrap's options.
type Option func(*options)

// WithLogger attaches a structured logger to the app's scheduler and
// runtime-limit correction diagnostics.
func WithLogger(l *logging.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithClock overrides the microsecond clock every subsystem reads (tests
// supply a fake one; production defaults to the wall clock).
func WithClock(nowUs func() int64) Option {
	return func(o *options) { o.nowUs = nowUs }
}

// WithCommandRing wires the NIC-ring command source every CPU's softirq
// factory drains (spec §4.9); omitted, each CPU gets softirq.NoRing{}.
func WithCommandRing(ring softirq.CommandRing) Option {
	return func(o *options) { o.ring = ring }
}

// WithCPUPinning enables sched_setaffinity pinning (platform.Pin) for each
// worker goroutine. Off by default since most dev/test environments don't
// grant the calling process affinity-setting permission.
func WithCPUPinning() Option {
	return func(o *options) { o.pin = true }
}

// App is one process's (spec "proc") runtime control block: its policy,
// allocator, scheduler core, per-CPU timer heaps, and RCU domain, plus the
// bookkeeping libos_start/task_spawn/sleep/sched_poll are built from.
type App struct {
	ID     int32
	Config config.Config
	Logger *logging.Logger

	Allocator task.Allocator
	Policy    policy.Policy
	Scheduler *sched.Scheduler
	Heaps     []*timer.Heap
	RCU       *rcu.Domain

	registry *Registry

	schedCPUs  int
	dispatcher bool
	pin        bool

	spawnNext atomic.Int32

	group      *errgroup.Group
	groupCtx   context.Context
	cancel     context.CancelFunc
	dispStop   chan struct{}
	startOnce  sync.Once

	ready  atomic.Bool
	exited atomic.Bool
}

// Bootstrap constructs an App in reg, wiring cfg's policy, allocator, and
// per-CPU heaps, per spec §9's "encapsulate each behind an explicit
// singleton object constructed in libos_start" design note.
func Bootstrap(reg *Registry, cfg config.Config, opts ...Option) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := options{nowUs: func() int64 { return time.Now().UnixMicro() }}
	for _, opt := range opts {
		opt(&o)
	}
	if o.ring == nil {
		o.ring = softirq.NoRing{}
	}

	if err := reg.ensureRuntimeLimits(o.logger); err != nil {
		return nil, err
	}

	pol, err := PolicyByName(cfg, o.nowUs)
	if err != nil {
		return nil, err
	}

	schedCPUs := workerCPUCount(cfg)
	if schedCPUs <= 0 {
		return nil, errs.NewInvalidArgument("num_cpus", schedCPUs)
	}

	alloc := task.NewMagazineAllocator(schedCPUs, cfg.MagazineSize, cfg.StackSize)

	appID := reg.nextID.Add(1)

	heaps := make([]*timer.Heap, schedCPUs)
	gens := make([]*rcu.Generation, schedCPUs)
	factories := make([]*softirq.Factory, schedCPUs)
	for i := range heaps {
		heaps[i] = timer.NewHeap()
		gens[i] = &rcu.Generation{}
		factories[i] = softirq.NewFactory(heaps[i], o.nowUs)
	}

	s := sched.New(appID, schedCPUs, pol, alloc, o.nowUs)
	s.Gens = gens
	s.Softirq = factories
	s.Logger = o.logger
	s.Handoff = reg.handoff(appID)

	a := &App{
		ID:        appID,
		Config:    cfg,
		Logger:    o.logger,
		Allocator: alloc,
		Policy:    pol,
		Scheduler: s,
		Heaps:     heaps,
		RCU:       rcu.NewDomain(gens),
		registry:  reg,
		schedCPUs: schedCPUs,
		dispatcher: isDispatcherPolicy(cfg.Policy),
		pin:       o.pin,
		dispStop:  make(chan struct{}),
	}
	reg.register(a)
	return a, nil
}

// heapFor returns the timer heap belonging to cpu, clamping to heap 0 if
// cpu is out of range (defensive: callers pass t.LastCPU, which for the
// dispatcher-policy family never indexes a heap directly since sleeps
// still run on worker CPUs).
func (a *App) heapFor(cpu int32) *timer.Heap {
	if int(cpu) < 0 || int(cpu) >= len(a.Heaps) {
		return a.Heaps[0]
	}
	return a.Heaps[cpu]
}

// Start implements libos_start: spawns fn as the first task on CPU 0 and
// launches every CPU's scheduling loop (plus, for SQ/SQ-LCBE, the
// dispatcher's Poll loop) if they aren't already running.
func (a *App) Start(fn task.Fn, arg any) (*task.Task, error) {
	a.startLoops()
	t, err := a.Scheduler.Spawn(0, fn, arg)
	if err != nil {
		return nil, err
	}
	a.ready.Store(true)
	return t, nil
}

func (a *App) startLoops() {
	a.startOnce.Do(func() {
		ctx, cancel := context.WithCancel(context.Background())
		g, gctx := errgroup.WithContext(ctx)
		a.group, a.groupCtx, a.cancel = g, gctx, cancel

		period := hostTimerPeriod(a.Config)
		for i := 0; i < a.schedCPUs; i++ {
			cpu := int32(i)
			g.Go(func() error {
				if a.pin {
					runtime.LockOSThread()
					defer runtime.UnlockOSThread()
					if err := platform.Pin(cpu); err != nil {
						logging.OrDiscard(a.Logger).Warning().Err(err).Log("cpu pin failed")
					}
				}

				// §4.5 preemption delivery: without a running deliverer
				// calling ShouldPreempt, FIFO/RR/CFS/EEVDF's quantum
				// bookkeeping (policy.Preempt) is never invoked and those
				// policies silently degrade to purely cooperative
				// scheduling.
				ht := platform.NewHostTimer(cpu, period, a.Scheduler)
				ht.Start(gctx)
				defer ht.Stop()

				a.Scheduler.Run(cpu)
				return nil
			})
		}

		if a.dispatcher {
			g.Go(func() error {
				t := time.NewTicker(50 * time.Microsecond)
				defer t.Stop()
				for {
					select {
					case <-a.dispStop:
						return nil
					case <-t.C:
						a.Policy.Poll()
					}
				}
			})
		}
	})
}

// Spawn implements task_spawn: places fn/arg on a scheduler CPU chosen by
// round-robin, since the spec leaves "any CPU" placement up to the
// runtime.
func (a *App) Spawn(fn task.Fn, arg any) (*task.Task, error) {
	cpu := int32(a.spawnNext.Add(1)-1) % int32(a.schedCPUs)
	return a.Scheduler.Spawn(cpu, fn, arg)
}

// SpawnOnCPU implements task_spawn_oncpu.
func (a *App) SpawnOnCPU(cpu int32, fn task.Fn, arg any) (*task.Task, error) {
	return a.Scheduler.Spawn(cpu, fn, arg)
}

// Sleep implements sleep(us): blocks t until us microseconds have elapsed,
// via the timer heap belonging to t's last-run CPU.
func (a *App) Sleep(t *task.Task, us int64) {
	timer.Sleep(a.Scheduler, a.heapFor(t.LastCPU), t, us)
}

// Usleep is an alias for Sleep kept for the spec's stable-surface naming
// (sleep/usleep are the same operation at different unit granularities in
// the source; both already take microseconds here).
func (a *App) Usleep(t *task.Task, us int64) { a.Sleep(t, us) }

// Poll implements sched_poll: lets a caller explicitly drive
// dispatcher-style policies (SQ, SQ-LCBE) outside of their own ticker, for
// tests or synchronous request/response embeddings.
func (a *App) Poll() { a.Policy.Poll() }

// Ready reports whether Start has completed at least once.
func (a *App) Ready() bool { return a.ready.Load() }

// Wait blocks until Shutdown stops every scheduling loop.
func (a *App) Wait() error {
	if a.group == nil {
		return nil
	}
	return a.group.Wait()
}

// Shutdown stops every per-CPU loop and the dispatcher (if any), waits for
// them to return, and tears down the RCU domain's background worker. Safe
// to call more than once; only the first call does anything.
func (a *App) Shutdown() error {
	if !a.exited.CompareAndSwap(false, true) {
		return nil
	}
	for i := 0; i < a.schedCPUs; i++ {
		a.Scheduler.Stop(int32(i))
	}
	if a.dispatcher {
		close(a.dispStop)
	}
	if a.cancel != nil {
		a.cancel()
	}
	err := a.Wait()
	if rerr := a.RCU.Shutdown(); rerr != nil && err == nil {
		err = rerr
	}
	return err
}

// CurrentCPU, CurrentTaskID, and CurrentAppID implement the spec's
// current_cpu_id/current_task_id/current_app_id accessors. The source
// reaches these through implicit per-thread state; this module's explicit
// task-handle substitution (task.Fn's doc comment) means every task already
// carries its own identity, so these are thin field reads rather than a
// thread-local lookup.
func CurrentCPU(t *task.Task) int32   { return t.LastCPU }
func CurrentTaskID(t *task.Task) int64 { return t.ID }
func CurrentAppID(t *task.Task) int32 { return t.AppID }
