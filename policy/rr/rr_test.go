package rr

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skyloft-rt/skyloft/task"
)

func stubTask(id int64) *task.Task {
	tk := task.NewIdle(int32(id))
	return tk
}

func TestPolicy_SpawnSpreadsAcrossCPUs(t *testing.T) {
	p := New(4)
	for i := 0; i < 8; i++ {
		tk := stubTask(int64(i))
		p.InitTask(tk, 0)
		p.Spawn(tk, 0)
	}
	total := 0
	for cpu := int32(0); cpu < 4; cpu++ {
		for p.PickNext(cpu) != nil {
			total++
		}
	}
	assert.Equal(t, 8, total)
}

func TestPolicy_WakeupReturnsToLastCPU(t *testing.T) {
	p := New(2)
	tk := stubTask(1)
	p.InitTask(tk, 0)
	tk.LastCPU = 1
	p.Wakeup(tk)

	assert.Nil(t, p.PickNext(0))
	assert.Same(t, tk, p.PickNext(1))
}

func TestPolicy_PreemptQuantum(t *testing.T) {
	p := New(1)
	tk := stubTask(1)
	p.InitTask(tk, 0)
	p.Spawn(tk, 0)
	got := p.PickNext(0)

	for i := 0; i < PreemptQuantum-1; i++ {
		assert.False(t, p.Preempt(0))
	}
	assert.True(t, p.Preempt(0))
	_ = got
}

func TestPolicy_PreemptNoCurrIsFalse(t *testing.T) {
	p := New(1)
	assert.False(t, p.Preempt(0))
}

func TestPolicy_YieldRequeues(t *testing.T) {
	p := New(1)
	tk := stubTask(1)
	p.InitTask(tk, 0)
	p.Spawn(tk, 0)
	got := p.PickNext(0)
	p.Yield(got, 0)
	assert.Same(t, got, p.PickNext(0))
}
