package sq

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

func TestPolicy_PollInstallsPendingOntoIdleWorker(t *testing.T) {
	now := int64(0)
	p := New(2, 100, fakeClock(&now))
	a := stubTask(1)
	p.Spawn(a, 0)

	p.Poll()
	assert.Equal(t, Queuing, p.workers[0].state)
	assert.Same(t, a, p.PickNext(0))
	assert.Equal(t, Running, p.workers[0].state)
}

func TestPolicy_PollFlagsRunningWorkerPastQuantumWithoutFreeingSlot(t *testing.T) {
	now := int64(0)
	p := New(1, 100, fakeClock(&now))
	a := stubTask(1)
	p.Spawn(a, 0)
	p.Poll()
	p.PickNext(0)

	now = 150
	p.Poll()
	// Flagged past-quantum, but still Running: Poll cannot know the task's
	// own goroutine has actually stopped, so it must not free the slot.
	assert.Equal(t, Running, p.workers[0].state)
	assert.True(t, p.workers[0].preempted)
	assert.Same(t, a, p.workers[0].task)
}

func TestPolicy_PreemptFlagsRunningWorkerWithoutEvictingIt(t *testing.T) {
	now := int64(0)
	p := New(1, 1000, fakeClock(&now))
	a := stubTask(1)
	p.Spawn(a, 0)
	p.Poll()
	p.PickNext(0)

	assert.True(t, p.Preempt(0))
	// The flag is advisory: the worker stays Running and keeps its task,
	// since the task's own goroutine may still be inside SwitchInto.
	assert.Equal(t, Running, p.workers[0].state)
	assert.Same(t, a, p.workers[0].task)
	assert.False(t, p.Preempt(0))
}

func TestPolicy_PreemptFlagSurvivesPollUntilWorkerActuallyStops(t *testing.T) {
	now := int64(0)
	p := New(1, 1000, fakeClock(&now))
	a := stubTask(1)
	p.Spawn(a, 0)
	p.Poll()
	p.PickNext(0)
	p.Preempt(0)

	// Poll alone must never free a Running slot or requeue its task: only
	// the worker's own goroutine, via FinishTask/Block, may do that.
	p.Poll()
	assert.Equal(t, Running, p.workers[0].state)
	assert.Same(t, a, p.workers[0].task)

	p.FinishTask(a, 0)
	p.Poll()
	assert.Equal(t, Idle, p.workers[0].state)
	assert.Nil(t, p.workers[0].task)
}

func TestPolicy_FinishTaskFreesSlotOnPoll(t *testing.T) {
	now := int64(0)
	p := New(1, 1000, fakeClock(&now))
	a := stubTask(1)
	p.Spawn(a, 0)
	p.Poll()
	p.PickNext(0)
	p.FinishTask(a, 0)

	p.Poll()
	assert.Equal(t, Idle, p.workers[0].state)
	assert.Nil(t, p.workers[0].task)
}

func TestPolicy_DumpTasksIncludesPendingAndInstalled(t *testing.T) {
	now := int64(0)
	p := New(1, 1000, fakeClock(&now))
	a, b := stubTask(1), stubTask(2)
	p.Spawn(a, 0)
	p.Spawn(b, 0)
	p.Poll()

	dump := p.DumpTasks()
	assert.Len(t, dump, 2)
}
