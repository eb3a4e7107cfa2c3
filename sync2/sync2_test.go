package sync2

import (
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skyloft-rt/skyloft/errs"
	"github.com/skyloft-rt/skyloft/internal/spinlock"
	"github.com/skyloft-rt/skyloft/task"
)

// fakeScheduler is a minimal, synchronous Scheduler double used to unit test
// the primitives' bookkeeping without a full scheduler core: Block just
// records the task as blocked (the lock is released per contract), Wakeup
// records it as woken. Tests interleave Lock/Unlock calls from a single
// goroutine, so there's no concurrency to coordinate here.
type fakeScheduler struct {
	blocked []*task.Task
	woken   []*task.Task
}

func (f *fakeScheduler) Block(t *task.Task, lock *spinlock.Spinlock) {
	f.blocked = append(f.blocked, t)
	lock.Unlock()
}

func (f *fakeScheduler) Wakeup(t *task.Task) {
	f.woken = append(f.woken, t)
}

func testTask(id int64) *task.Task {
	return task.NewIdle(int32(id))
}

func TestMutex_TryLock(t *testing.T) {
	sched := &fakeScheduler{}
	m := NewMutex(sched)
	assert.True(t, m.TryLock())
	assert.False(t, m.TryLock())
}

func TestMutex_LockUnlock_Uncontended(t *testing.T) {
	sched := &fakeScheduler{}
	m := NewMutex(sched)
	tk := testTask(1)
	m.Lock(tk)
	assert.Empty(t, sched.blocked)
	m.Unlock()
	assert.False(t, m.held)
}

func TestMutex_LockUnlock_Contended(t *testing.T) {
	sched := &fakeScheduler{}
	m := NewMutex(sched)
	a, b := testTask(1), testTask(2)

	m.Lock(a)
	m.Lock(b)
	require.Len(t, sched.blocked, 1)
	assert.Same(t, b, sched.blocked[0])

	m.Unlock()
	require.Len(t, sched.woken, 1)
	assert.Same(t, b, sched.woken[0])
}

func TestWaitGroup_AddDoneWait(t *testing.T) {
	sched := &fakeScheduler{}
	wg := NewWaitGroup(sched)
	tk := testTask(1)

	wg.Add(2)
	wg.Wait(tk)
	require.Len(t, sched.blocked, 1)

	wg.Done()
	assert.Empty(t, sched.woken)

	wg.Done()
	require.Len(t, sched.woken, 1)
	assert.Same(t, tk, sched.woken[0])
}

func TestWaitGroup_NegativePanics(t *testing.T) {
	sched := &fakeScheduler{}
	wg := NewWaitGroup(sched)
	assert.Panics(t, func() { wg.Add(-1) })
}

func TestWaitGroup_WaitReturnsImmediatelyWhenZero(t *testing.T) {
	sched := &fakeScheduler{}
	wg := NewWaitGroup(sched)
	wg.Wait(testTask(1))
	assert.Empty(t, sched.blocked)
}

func TestBarrier_LastArriverWakesRest(t *testing.T) {
	sched := &fakeScheduler{}
	b := NewBarrier(sched, 3)
	a1, a2, a3 := testTask(1), testTask(2), testTask(3)

	b.Wait(a1)
	b.Wait(a2)
	require.Len(t, sched.blocked, 2)

	b.Wait(a3)
	require.Len(t, sched.woken, 2)
	assert.ElementsMatch(t, []*task.Task{a1, a2}, sched.woken)
	assert.Equal(t, 0, b.arrived)
}

func TestCondvar_SignalWakesOne(t *testing.T) {
	sched := &fakeScheduler{}
	m := NewMutex(sched)
	cv := NewCondvar(sched)
	a := testTask(1)

	m.Lock(a)
	cv.Wait(a, m)
	require.Len(t, sched.blocked, 1)

	cv.Signal()
	require.Len(t, sched.woken, 1)
	assert.Same(t, a, sched.woken[0])
}

func TestCondvar_Broadcast(t *testing.T) {
	sched := &fakeScheduler{}
	m := NewMutex(sched)
	cv := NewCondvar(sched)
	a, b := testTask(1), testTask(2)

	m.Lock(a)
	cv.Wait(a, m)
	m.Unlock()
	m.Lock(b)
	cv.Wait(b, m)

	cv.Broadcast()
	assert.Len(t, sched.woken, 2)
}

func TestFutex_WaitMismatchReturnsTryAgain(t *testing.T) {
	sched := &fakeScheduler{}
	f := NewFutex(sched)
	var addr atomic.Uint32
	addr.Store(5)

	err := f.Wait(testTask(1), &addr, 1)
	assert.ErrorIs(t, err, errs.ErrTryAgain)
	assert.Empty(t, sched.blocked)
}

func TestFutex_WaitThenWake(t *testing.T) {
	sched := &fakeScheduler{}
	f := NewFutex(sched)
	var addr atomic.Uint32
	addr.Store(1)

	a := testTask(1)
	err := f.Wait(a, &addr, 1)
	assert.NoError(t, err)
	require.Len(t, sched.blocked, 1)

	n := f.Wake(&addr, 1)
	assert.Equal(t, 1, n)
	require.Len(t, sched.woken, 1)
	assert.Same(t, a, sched.woken[0])
}

func TestFutex_WakeRespectsLimit(t *testing.T) {
	sched := &fakeScheduler{}
	f := NewFutex(sched)
	var addr atomic.Uint32

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, f.Wait(testTask(i), &addr, 0))
	}

	n := f.Wake(&addr, 2)
	assert.Equal(t, 2, n)
	assert.Len(t, f.waiters, 1)
}
