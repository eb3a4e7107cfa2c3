package softirq

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/skyloft-rt/skyloft/timer"
)

type fakeRing struct {
	cmds []Command
}

func (r *fakeRing) Drain(budget int, handle func(Command)) int {
	n := len(r.cmds)
	if n > budget {
		n = budget
	}
	for i := 0; i < n; i++ {
		handle(r.cmds[i])
	}
	r.cmds = r.cmds[n:]
	return n
}

func TestRun_DrainsRingAndTimers(t *testing.T) {
	ring := &fakeRing{cmds: []Command{{Cmd: 1}, {Cmd: 2}, {Cmd: 3}}}
	h := timer.NewHeap()
	fired := 0
	h.Start(&timer.Entry{Fn: func(any) { fired++ }}, 5)
	h.Start(&timer.Entry{Fn: func(any) { fired++ }}, 15)

	var handled []int32
	ringN, timerN := Run(ring, func(c Command) { handled = append(handled, c.Cmd) }, h, 10, Budget{Ring: 2, Timer: 10})

	assert.Equal(t, 2, ringN)
	assert.Equal(t, 1, timerN)
	assert.Equal(t, []int32{1, 2}, handled)
	assert.Equal(t, 1, fired)
}

func TestNoRing_DrainsNothing(t *testing.T) {
	n := NoRing{}.Drain(10, func(Command) { t.Fatal("should never be called") })
	assert.Equal(t, 0, n)
}

func TestFactory_Task(t *testing.T) {
	h := timer.NewHeap()
	fired := false
	h.Start(&timer.Entry{Fn: func(any) { fired = true }}, 1)

	f := NewFactory(h, func() int64 { return 100 })
	fn := f.Task()
	fn(nil, nil)
	assert.True(t, fired)
}
