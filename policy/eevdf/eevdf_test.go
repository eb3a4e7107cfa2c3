package eevdf

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skyloft-rt/skyloft/policy"
	"github.com/skyloft-rt/skyloft/task"
)

func stubTask(id int64) *task.Task {
	return task.NewIdle(int32(id))
}

func fakeClock(now *int64) func() int64 {
	return func() int64 { return *now }
}

func TestPolicy_SpawnAndPickDrainsAll(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	a, b, c := stubTask(1), stubTask(2), stubTask(3)
	for _, tk := range []*task.Task{a, b, c} {
		p.InitTask(tk, 0)
		p.Spawn(tk, 0)
	}

	seen := map[*task.Task]bool{}
	for i := 0; i < 3; i++ {
		tk := p.PickNext(0)
		assert.NotNil(t, tk)
		seen[tk] = true
	}
	assert.Len(t, seen, 3)
	assert.Nil(t, p.PickNext(0))
}

func TestPolicy_SingleRunnableIsPicked(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	a := stubTask(1)
	p.InitTask(a, 0)
	p.Spawn(a, 0)
	assert.Same(t, a, p.PickNext(0))
}

func TestPolicy_YieldReassignsDeadlineAndRequeues(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	a := stubTask(1)
	p.InitTask(a, 0)
	p.Spawn(a, 0)

	got := p.PickNext(0)
	now = 500
	p.Yield(got, 0)

	d := policy.DataOf[data](got)
	assert.Greater(t, d.vruntime, int64(0))
	assert.Equal(t, d.vruntime+d.slice*NICE0Weight/d.weight, d.deadline)
	assert.Same(t, got, p.PickNext(0))
}

func TestPolicy_BlockRecordsVlagAndDoesNotRequeue(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	a := stubTask(1)
	p.InitTask(a, 0)
	p.Spawn(a, 0)

	got := p.PickNext(0)
	now = 200
	p.Block(got, 0)

	assert.Nil(t, p.PickNext(0))
}

func TestPolicy_WakeupAfterBlockPlacesRelativeToVlag(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	a, b := stubTask(1), stubTask(2)
	p.InitTask(a, 0)
	p.InitTask(b, 0)
	p.Spawn(a, 0)

	got := p.PickNext(0)
	now = 1000
	p.Block(got, 0)

	got.LastCPU = 0
	p.Wakeup(got)

	found := false
	for i := 0; i < 2; i++ {
		tk := p.PickNext(0)
		if tk == got {
			found = true
		}
		if tk == nil {
			break
		}
	}
	assert.True(t, found)
}

func TestPolicy_PreemptNoCurrIsFalse(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	assert.False(t, p.Preempt(0))
}

func TestPolicy_PreemptFiresAfterDeadlineExhaustion(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	a := stubTask(1)
	p.InitTask(a, 0)
	p.Spawn(a, 0)
	p.PickNext(0)

	now = DefaultSliceUs + 1
	assert.True(t, p.Preempt(0))
}

func TestPolicy_DumpTasksIncludesCurrAndRunnable(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	a, b := stubTask(1), stubTask(2)
	p.InitTask(a, 0)
	p.InitTask(b, 0)
	p.Spawn(a, 0)
	p.Spawn(b, 0)
	curr := p.PickNext(0)

	dump := p.DumpTasks()
	assert.Contains(t, dump, curr)
	assert.Len(t, dump, 2)
}
