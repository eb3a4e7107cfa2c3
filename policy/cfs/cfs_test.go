package cfs

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

func TestPolicy_SpawnAndPickLeftmost(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	a, b, c := stubTask(1), stubTask(2), stubTask(3)
	p.InitTask(a, 0)
	p.InitTask(b, 0)
	p.InitTask(c, 0)

	p.Spawn(a, 0)
	p.Spawn(b, 0)
	p.Spawn(c, 0)

	// all start at vruntime 0 (or clamped to min_vruntime floor); pick
	// should return some task and fully drain the runqueue.
	got := map[*task.Task]bool{}
	for i := 0; i < 3; i++ {
		tk := p.PickNext(0)
		assert.NotNil(t, tk)
		got[tk] = true
	}
	assert.Len(t, got, 3)
	assert.Nil(t, p.PickNext(0))
}

func TestPolicy_YieldAdvancesVruntime(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	a := stubTask(1)
	p.InitTask(a, 0)
	p.Spawn(a, 0)

	got := p.PickNext(0)
	now = 1000
	p.Yield(got, 0)

	d := policy.DataOf[data](got)
	assert.Greater(t, d.vruntime, int64(0))
}

func TestPolicy_BlockDoesNotRequeue(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	a := stubTask(1)
	p.InitTask(a, 0)
	p.Spawn(a, 0)

	got := p.PickNext(0)
	p.Block(got, 0)

	assert.Nil(t, p.PickNext(0))
}

func TestPolicy_PreemptNoCurrIsFalse(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	assert.False(t, p.Preempt(0))
}

func TestPolicy_PreemptFiresAfterSlice(t *testing.T) {
	now := int64(0)
	p := New(1, fakeClock(&now))
	a := stubTask(1)
	p.InitTask(a, 0)
	p.Spawn(a, 0)
	p.PickNext(0)

	now = LatencyUs + 1
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
