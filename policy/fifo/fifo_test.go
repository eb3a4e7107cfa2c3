package fifo

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skyloft-rt/skyloft/task"
)

func stubTask(id int64) *task.Task {
	return task.NewIdle(int32(id))
}

func TestPolicy_SpawnAndPick(t *testing.T) {
	p := New(2)
	a, b := stubTask(1), stubTask(2)
	p.Spawn(a, 0)
	p.Spawn(b, 0)

	assert.Same(t, a, p.PickNext(0))
	assert.Same(t, b, p.PickNext(0))
	assert.Nil(t, p.PickNext(0))
}

func TestPolicy_Yield_RequeuesAtTail(t *testing.T) {
	p := New(1)
	a, b := stubTask(1), stubTask(2)
	p.Spawn(a, 0)
	p.Spawn(b, 0)

	got := p.PickNext(0)
	p.Yield(got, 0)

	assert.Same(t, b, p.PickNext(0))
	assert.Same(t, got, p.PickNext(0))
}

func TestPolicy_OverflowOnFullRing(t *testing.T) {
	p := New(1)
	for i := 0; i < RingSize+5; i++ {
		p.Spawn(stubTask(int64(i)), 0)
	}
	count := 0
	for p.PickNext(0) != nil {
		count++
	}
	assert.Equal(t, RingSize+5, count)
}

func TestPolicy_BalanceSteals(t *testing.T) {
	p := New(2)
	for i := 0; i < 10; i++ {
		p.Spawn(stubTask(int64(i)), 0)
	}
	assert.Nil(t, p.PickNext(1))

	p.Balance(1)
	assert.NotNil(t, p.PickNext(1))
}

func TestPolicy_Preempt(t *testing.T) {
	p := New(1)
	assert.True(t, p.Preempt(0))
}

func TestPolicy_DumpTasks(t *testing.T) {
	p := New(2)
	a := stubTask(1)
	p.Spawn(a, 0)
	dump := p.DumpTasks()
	assert.Contains(t, dump, a)
}
