package rcu

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSatisfied(t *testing.T) {
	assert.True(t, satisfied(4, 4))
	assert.True(t, satisfied(4, 6))
	assert.False(t, satisfied(4, 2))
	assert.True(t, satisfied(5, 7))
	assert.False(t, satisfied(5, 5))
	assert.False(t, satisfied(5, 4))
}

func TestDomain_FreeFiresAfterGracePeriod(t *testing.T) {
	var gen Generation
	gen.Store(2)
	d := NewDomain([]*Generation{&gen})
	d.interval = time.Millisecond

	fired := make(chan any, 1)
	d.Free("payload", func(head any) { fired <- head })

	// advance the generation so the sweep's snapshot can be satisfied
	time.AfterFunc(5*time.Millisecond, func() { gen.Store(4) })

	select {
	case head := <-fired:
		assert.Equal(t, "payload", head)
	case <-time.After(2 * time.Second):
		t.Fatal("callback never fired")
	}

	require.NoError(t, d.Shutdown())
}

func TestDomain_SynchronizeRCU(t *testing.T) {
	var gen Generation
	gen.Store(0)
	d := NewDomain([]*Generation{&gen})
	d.interval = time.Millisecond

	go func() {
		time.Sleep(5 * time.Millisecond)
		gen.Store(2)
	}()

	done := make(chan struct{})
	go func() {
		d.SynchronizeRCU()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("SynchronizeRCU never returned")
	}

	require.NoError(t, d.Shutdown())
}

func TestGeneration_LoadStore(t *testing.T) {
	var g Generation
	g.Store(42)
	assert.Equal(t, uint64(42), g.Load())
	var raw atomic.Uint64
	raw.Store(7)
	assert.Equal(t, uint64(7), raw.Load())
}
