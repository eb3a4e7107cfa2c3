// Package timer implements the per-CPU 4-ary min-heap of spec §4.7: insert,
// cancel (retry-on-merge), merge, and the budgeted softirq drain, plus
// sleep/sleep_until built on top as task-blocking wrappers.
package timer

import (
	"github.com/skyloft-rt/skyloft/internal/spinlock"
)

// arity is the heap's branching factor (spec §4.7: "4-ary min-heap").
const arity = 4

// Entry is one scheduled callback. It stores its own heap index so Cancel
// is O(log n) instead of a linear scan, and a back-pointer to its current
// owning Heap so a Cancel racing a Merge can detect the entry moved and
// retry against the new owner (spec §4.7's "reloading e->k").
type Entry struct {
	DeadlineUs int64
	Fn         func(arg any)
	Arg        any

	idx  int
	heap *Heap
}

// Heap is one CPU's timer heap.
type Heap struct {
	lock    spinlock.Spinlock
	entries []*Entry
}

// NewHeap constructs an empty Heap.
func NewHeap() *Heap {
	return &Heap{}
}

func parent(i int) int { return (i - 1) / arity }

func firstChild(i int) int { return i*arity + 1 }

// Start inserts e at deadlineUs and sifts it up. e must not already be
// queued on any heap.
func (h *Heap) Start(e *Entry, deadlineUs int64) {
	e.DeadlineUs = deadlineUs
	h.lock.Lock()
	e.heap = h
	e.idx = len(h.entries)
	h.entries = append(h.entries, e)
	h.siftUp(e.idx)
	h.lock.Unlock()
}

// Cancel removes e from whichever heap currently owns it; the receiver h is
// not consulted. If a concurrent Merge moved e to a different heap, Cancel
// re-reads e's current owner, locks it, and retries until the heap it
// locked is the one holding e.
func (h *Heap) Cancel(e *Entry) {
	for {
		owner := e.currentHeap()
		if owner == nil {
			return // already fired or already cancelled
		}
		owner.lock.Lock()
		if e.heap != owner {
			// migrated between currentHeap() and acquiring the lock; retry
			// against whatever heap now owns it.
			owner.lock.Unlock()
			continue
		}
		owner.remove(e.idx)
		e.heap = nil
		owner.lock.Unlock()
		return
	}
}

func (e *Entry) currentHeap() *Heap {
	return e.heap
}

// remove deletes the entry at index i via last-slot swap, then sifts the
// moved element up or down to restore heap order. Caller holds h.lock.
func (h *Heap) remove(i int) {
	last := len(h.entries) - 1
	if i != last {
		h.entries[i] = h.entries[last]
		h.entries[i].idx = i
	}
	h.entries = h.entries[:last]
	if i < len(h.entries) {
		h.siftDown(i)
		h.siftUp(i)
	}
}

func (h *Heap) siftUp(i int) {
	for i > 0 {
		p := parent(i)
		if h.entries[p].DeadlineUs <= h.entries[i].DeadlineUs {
			break
		}
		h.swap(i, p)
		i = p
	}
}

func (h *Heap) siftDown(i int) {
	n := len(h.entries)
	for {
		smallest := i
		first := firstChild(i)
		for c := first; c < first+arity && c < n; c++ {
			if h.entries[c].DeadlineUs < h.entries[smallest].DeadlineUs {
				smallest = c
			}
		}
		if smallest == i {
			return
		}
		h.swap(i, smallest)
		i = smallest
	}
}

func (h *Heap) swap(i, j int) {
	h.entries[i], h.entries[j] = h.entries[j], h.entries[i]
	h.entries[i].idx = i
	h.entries[j].idx = j
}

// Softirq pops every entry with DeadlineUs <= nowUs, up to budget entries,
// invoking Fn(Arg) between pops with the heap lock released (spec §4.7:
// "invoking fn(arg) between pops, re-locking between handlers").
func (h *Heap) Softirq(nowUs int64, budget int) int {
	fired := 0
	for fired < budget {
		h.lock.Lock()
		if len(h.entries) == 0 || h.entries[0].DeadlineUs > nowUs {
			h.lock.Unlock()
			break
		}
		e := h.entries[0]
		h.remove(0)
		e.heap = nil
		h.lock.Unlock()

		if e.Fn != nil {
			e.Fn(e.Arg)
		}
		fired++
	}
	return fired
}

// Merge absorbs other's entries into h and restores heap order in linear
// time (Floyd's build-heap), per §4.7's "merge(other) ... in linear time."
// Both heaps' locks are held for the duration.
func (h *Heap) Merge(other *Heap) {
	if h == other {
		return
	}
	h.lock.Lock()
	other.lock.Lock()
	defer other.lock.Unlock()
	defer h.lock.Unlock()

	for _, e := range other.entries {
		e.heap = h
		e.idx = len(h.entries)
		h.entries = append(h.entries, e)
	}
	other.entries = nil

	if n := len(h.entries); n > 1 {
		for i := parent(n - 1); i >= 0; i-- {
			h.siftDown(i)
		}
	}
}

// Len reports the number of queued entries.
func (h *Heap) Len() int {
	h.lock.Lock()
	defer h.lock.Unlock()
	return len(h.entries)
}
