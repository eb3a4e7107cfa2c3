// Package rcu implements the spec §4.8 read-copy-update scheme: a global
// deferred-free list drained by a background grace-period worker that waits
// for every CPU's RCU generation counter to satisfy the even/odd transition
// rule from §4.3 before invoking detached callbacks.
package rcu

import (
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/skyloft-rt/skyloft/internal/spinlock"
)

// Generation is one CPU's published RCU generation counter: odd means "in
// task", even means "in scheduler / parked" (spec §4.3). Cache-line padded
// like eventloop/state.go's FastState, since it's written every scheduler
// entry/exit on its owning CPU and read by every grace-period sweep.
type Generation struct {
	_ [64]byte
	v atomic.Uint64
	_ [56]byte
}

// Load reads the generation atomically.
func (g *Generation) Load() uint64 { return g.v.Load() }

// Store publishes a new generation value.
func (g *Generation) Store(v uint64) { g.v.Store(v) }

// satisfied reports whether cur has passed old per the §4.3 transition
// rule: cur is even and >= old (left task land, or parked), or cur is odd
// and strictly greater than old (rescheduled at least once).
func satisfied(old, cur uint64) bool {
	if cur%2 == 0 {
		return cur >= old
	}
	return cur > old
}

type callback struct {
	head any
	fn   func(head any)
}

// Domain is one RCU domain: the global free list plus the background
// worker. cpus is the set of per-CPU generation counters to wait on,
// published and owned by the scheduler core.
type Domain struct {
	cpus     []*Generation
	interval time.Duration

	mu      spinlock.Spinlock
	pending []callback

	startOnce sync.Once
	group     *errgroup.Group
	stop      chan struct{}
}

// defaultInterval matches spec §4.8's "every ~10 ms".
const defaultInterval = 10 * time.Millisecond

// NewDomain constructs a Domain over the given per-CPU generation counters.
func NewDomain(cpus []*Generation) *Domain {
	return &Domain{cpus: cpus, interval: defaultInterval, stop: make(chan struct{})}
}

// Free appends (head, fn) to the global free list and starts the background
// worker on first use.
func (d *Domain) Free(head any, fn func(head any)) {
	d.mu.Lock()
	d.pending = append(d.pending, callback{head: head, fn: fn})
	d.mu.Unlock()
	d.ensureStarted()
}

// SynchronizeRCU blocks until every callback enqueued before this call has
// run, per §4.8: "implemented by appending a synthetic entry whose callback
// wakes the caller."
func (d *Domain) SynchronizeRCU() {
	done := make(chan struct{})
	d.Free(nil, func(any) { close(done) })
	<-done
}

// Shutdown stops the background worker. Safe to call even if the worker was
// never started.
func (d *Domain) Shutdown() error {
	close(d.stop)
	if d.group != nil {
		return d.group.Wait()
	}
	return nil
}

func (d *Domain) ensureStarted() {
	d.startOnce.Do(func() {
		var g errgroup.Group
		d.group = &g
		g.Go(func() error {
			d.run()
			return nil
		})
	})
}

func (d *Domain) run() {
	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()
	for {
		select {
		case <-d.stop:
			return
		case <-ticker.C:
			d.sweep()
		}
	}
}

// sweep detaches the current pending list and the current CPU generation
// snapshot, then polls until every CPU has satisfied the transition rule,
// firing callbacks only once the whole batch has quiesced.
func (d *Domain) sweep() {
	d.mu.Lock()
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	snapshot := make([]uint64, len(d.cpus))
	for i, g := range d.cpus {
		snapshot[i] = g.Load()
	}

	for {
		quiesced := true
		for i, g := range d.cpus {
			if !satisfied(snapshot[i], g.Load()) {
				quiesced = false
				break
			}
		}
		if quiesced {
			break
		}
		select {
		case <-d.stop:
			return
		case <-time.After(time.Millisecond):
		}
	}

	for _, cb := range batch {
		if cb.fn != nil {
			cb.fn(cb.head)
		}
	}
}
