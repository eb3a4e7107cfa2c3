package sqlcbe

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skyloft-rt/skyloft/task"
)

func stubTask(id int64) *task.Task {
	return task.NewIdle(int32(id))
}

func fakeClock(now *int64) func() int64 {
	return func() int64 { return *now }
}

func TestPolicy_GuaranteedWorkersStartAsLC(t *testing.T) {
	now := int64(0)
	p := New(3, 1, 1000, 5000, 0.5, fakeClock(&now))
	assert.True(t, p.workers[0].isLC)
	assert.False(t, p.workers[1].isLC)
	assert.False(t, p.workers[2].isLC)
}

func TestPolicy_BESpawnInstallsOnBEWorker(t *testing.T) {
	now := int64(0)
	p := New(2, 1, 1000, 5000, 0.5, fakeClock(&now))
	a := stubTask(1)
	p.Spawn(a, 0)

	p.Poll()
	assert.Equal(t, Queuing, p.workers[1].be.state)
	assert.Same(t, a, p.PickNext(1))
}

func TestPolicy_LCSpawnInstallsOnGuaranteedWorker(t *testing.T) {
	now := int64(0)
	p := New(2, 1, 1000, 5000, 0.5, fakeClock(&now))
	a := stubTask(1)
	p.MarkLC(a)
	p.Spawn(a, 0)

	p.Poll()
	assert.Equal(t, Queuing, p.workers[0].lc.state)
	assert.Same(t, a, p.PickNext(0))
}

func TestPolicy_CongestionReclaimsBEWorkerForLC(t *testing.T) {
	now := int64(0)
	p := New(2, 0, 1000, 100, 0.9, fakeClock(&now))
	lc := stubTask(1)
	p.MarkLC(lc)
	p.Spawn(lc, 0)

	// oldest LC request has had no active time; ratio 0 < thresh triggers.
	now = 200
	p.Poll()

	assert.True(t, p.workers[0].needSched || p.workers[1].needSched)
}

func TestPolicy_NeedSchedRaisesIsLCAtNextPick(t *testing.T) {
	now := int64(0)
	p := New(1, 0, 1000, 100, 0.9, fakeClock(&now))
	p.workers[0].needSched = true

	p.PickNext(0)
	assert.True(t, p.workers[0].isLC)
}

func TestPolicy_PreemptFlagsActiveSlotWithoutEvictingIt(t *testing.T) {
	now := int64(0)
	p := New(1, 1, 1000, 5000, 0.5, fakeClock(&now))
	a := stubTask(1)
	p.MarkLC(a)
	p.Spawn(a, 0)
	p.Poll()
	p.PickNext(0)

	assert.True(t, p.Preempt(0))
	// The flag is advisory: the slot stays Running and keeps its task,
	// since the task's own goroutine may still be inside SwitchInto.
	assert.Equal(t, Running, p.workers[0].lc.state)
	assert.Same(t, a, p.workers[0].lc.task)
	assert.False(t, p.Preempt(0))
}

func TestPolicy_PollFlagsRunningSlotPastQuantumWithoutFreeingIt(t *testing.T) {
	now := int64(0)
	p := New(1, 1, 100, 5000, 0.5, fakeClock(&now))
	a := stubTask(1)
	p.MarkLC(a)
	p.Spawn(a, 0)
	p.Poll()
	p.PickNext(0)

	now = 150
	p.Poll()
	assert.Equal(t, Running, p.workers[0].lc.state)
	assert.True(t, p.workers[0].lc.preempted)
	assert.Same(t, a, p.workers[0].lc.task)
}

func TestPolicy_PreemptFlagSurvivesPollUntilWorkerActuallyStops(t *testing.T) {
	now := int64(0)
	p := New(1, 1, 1000, 5000, 0.5, fakeClock(&now))
	a := stubTask(1)
	p.MarkLC(a)
	p.Spawn(a, 0)
	p.Poll()
	p.PickNext(0)
	p.Preempt(0)

	// Poll alone must never free a Running slot or requeue its task: only
	// the worker's own goroutine, via FinishTask/Block, may do that.
	p.Poll()
	assert.Equal(t, Running, p.workers[0].lc.state)
	assert.Same(t, a, p.workers[0].lc.task)

	p.FinishTask(a, 0)
	p.Poll()
	assert.Equal(t, Idle, p.workers[0].lc.state)
	assert.Nil(t, p.workers[0].lc.task)
}

func TestPolicy_DumpTasksIncludesBothQueuesAndSlots(t *testing.T) {
	now := int64(0)
	p := New(2, 1, 1000, 5000, 0.5, fakeClock(&now))
	lc, be := stubTask(1), stubTask(2)
	p.MarkLC(lc)
	p.Spawn(lc, 0)
	p.Spawn(be, 0)

	dump := p.DumpTasks()
	assert.Len(t, dump, 2)
}
