// Package pthread implements the spec §6 "POSIX-like shim" exposing
// pthread_create/join/detach/mutex_*/cond_* on top of task_spawn and the
// sync2 primitives — a thin renaming layer, not a second implementation:
// every operation here is one or two lines deferring to sync2 or to a
// Spawner (app.App satisfies it).
package pthread

import (
	"sync/atomic"

	"github.com/skyloft-rt/skyloft/errs"
	"github.com/skyloft-rt/skyloft/sync2"
	"github.com/skyloft-rt/skyloft/task"
)

// Spawner is the subset of app.App this package needs: task_spawn's "place
// this function on any CPU" operation. Kept narrow, the same way
// sched.Handoff and sync2.Scheduler are, so pthread doesn't need to import
// package app.
type Spawner interface {
	Spawn(fn task.Fn, arg any) (*task.Task, error)
}

type retvalBox struct{ v any }

// Thread is the handle returned by Create, standing in for pthread_t.
type Thread struct {
	task *task.Task
	wg   *sync2.WaitGroup
	ret  atomic.Value // retvalBox

	detached atomic.Bool
	joined   atomic.Bool
}

// Create implements pthread_create: spawns fn(arg) as a new task via sp and
// returns a Thread for Join/Detach. fn's return value becomes Join's result
// (the Go substitution for pthread_exit's void* return).
func Create(sched sync2.Scheduler, sp Spawner, fn func(self *task.Task, arg any) any, arg any) (*Thread, error) {
	th := &Thread{wg: sync2.NewWaitGroup(sched)}
	th.wg.Add(1)

	t, err := sp.Spawn(func(self *task.Task, arg any) {
		rv := fn(self, arg)
		th.ret.Store(retvalBox{rv})
		th.wg.Done()
	}, arg)
	if err != nil {
		return nil, err
	}
	th.task = t
	return th, nil
}

// Join implements pthread_join: blocks the calling task self (not the
// calling OS thread/goroutine — joining a thread must not stall its CPU
// for anyone else, the same reasoning sync2's every primitive follows)
// until the target thread's function returns, yielding its return value.
// Returns an error if the thread was already joined or detached, mirroring
// pthread_join's EINVAL on those misuses.
func (th *Thread) Join(self *task.Task) (any, error) {
	if th.detached.Load() {
		return nil, errs.NewInvalidArgument("pthread_join", "thread is detached")
	}
	if !th.joined.CompareAndSwap(false, true) {
		return nil, errs.NewInvalidArgument("pthread_join", "thread already joined")
	}
	th.wg.Wait(self)
	box, _ := th.ret.Load().(retvalBox)
	return box.v, nil
}

// Detach implements pthread_detach: marks the thread as never to be
// joined, so its resources (here: just the Thread handle and the task
// itself, already freed by the scheduler on exit per SkipFree's default)
// need no rendezvous. Returns an error if already joined.
func (th *Thread) Detach() error {
	if th.joined.Load() {
		return errs.NewInvalidArgument("pthread_detach", "thread already joined")
	}
	th.detached.Store(true)
	return nil
}

// Task returns the underlying task handle (not part of POSIX, but needed
// by callers that want current_task_id-style introspection on a spawned
// thread without a separate accessor).
func (th *Thread) Task() *task.Task { return th.task }

// Mutex is pthread_mutex_t, a thin rename of sync2.Mutex.
type Mutex struct{ m *sync2.Mutex }

// NewMutex implements pthread_mutex_init.
func NewMutex(sched sync2.Scheduler) *Mutex { return &Mutex{m: sync2.NewMutex(sched)} }

// Lock implements pthread_mutex_lock.
func (x *Mutex) Lock(self *task.Task) { x.m.Lock(self) }

// TryLock implements pthread_mutex_trylock.
func (x *Mutex) TryLock() bool { return x.m.TryLock() }

// Unlock implements pthread_mutex_unlock.
func (x *Mutex) Unlock() { x.m.Unlock() }

// Cond is pthread_cond_t, a thin rename of sync2.Condvar.
type Cond struct{ c *sync2.Condvar }

// NewCond implements pthread_cond_init.
func NewCond(sched sync2.Scheduler) *Cond { return &Cond{c: sync2.NewCondvar(sched)} }

// Wait implements pthread_cond_wait.
func (x *Cond) Wait(self *task.Task, m *Mutex) { x.c.Wait(self, m.m) }

// Signal implements pthread_cond_signal.
func (x *Cond) Signal() { x.c.Signal() }

// Broadcast implements pthread_cond_broadcast.
func (x *Cond) Broadcast() { x.c.Broadcast() }
