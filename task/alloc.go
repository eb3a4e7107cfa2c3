package task

import (
	"sync/atomic"

	"github.com/pbnjay/memory"

	"github.com/skyloft-rt/skyloft/errs"
	"github.com/skyloft-rt/skyloft/internal/ring"
	"github.com/skyloft-rt/skyloft/internal/spinlock"
)

// Allocator is the spec §4.1 task_create/task_create_with_buf/
// task_create_idle/task_free contract: wait-free under a non-empty cache,
// must not fail spuriously when a slot is free.
type Allocator interface {
	// Create allocates and starts a new task bound to fn/arg, owned by the
	// given app, to eventually run on cpu (used only for LastCPU/placement
	// bookkeeping by the allocator, not for pinning the goroutine itself).
	Create(appID int32, cpu int32, fn Fn, arg any) (*Task, error)

	// CreateWithBuf is like Create, additionally reserving bufLen bytes of
	// scratch space at the top of the task's stack, returned for the
	// caller to use as it sees fit (e.g. to stash a request payload).
	CreateWithBuf(appID int32, cpu int32, fn Fn, arg any, bufLen int) (*Task, []byte, error)

	// CreateIdle builds the marker task used for a CPU's own idle loop.
	// It does not consume a slot from the cache.
	CreateIdle(cpu int32) *Task

	// Free returns t's slot (and its stack) to the allocator. Calling Free
	// on a task with SkipFree set is a caller error and panics, mirroring
	// the spec's "creator owns the lifetime" invariant.
	Free(t *Task)
}

// --- Per-CPU magazine mode (spec §4.1, "Per-CPU mode") ---

// centralSlab is the fallback backing store shared by every per-CPU
// magazine: a central free list of Stacks (freeTasks is never filled),
// guarded by a Spinlock exactly like the original's central slab lock.
type centralSlab struct {
	mu        spinlock.Spinlock
	freeTasks []*Task
	freeStack []*Stack
	stackSize int
	nextID    atomic.Int64
}

func newCentralSlab(stackSize int) *centralSlab {
	return &centralSlab{stackSize: stackSize}
}

func (c *centralSlab) getStack() (*Stack, error) {
	c.mu.Lock()
	if n := len(c.freeStack); n > 0 {
		s := c.freeStack[n-1]
		c.freeStack = c.freeStack[:n-1]
		c.mu.Unlock()
		return s, nil
	}
	c.mu.Unlock()
	return newStack(c.stackSize)
}

func (c *centralSlab) putStack(s *Stack) {
	if err := s.Discard(); err != nil {
		// Discard failures are not fatal: the region remains mapped and
		// usable, just not guaranteed zeroed/evicted from RSS.
		_ = err
	}
	c.mu.Lock()
	c.freeStack = append(c.freeStack, s)
	c.mu.Unlock()
}

// refillStacks moves up to n free Stacks from the central slab into a
// per-CPU magazine; tasks themselves are allocated fresh since
// they're cheap Go objects (unlike the C slab, Go's GC already owns their
// memory — only the Stack's mmap'd region is worth pooling centrally).
func (c *centralSlab) refillStacks(n int) []*Stack {
	c.mu.Lock()
	defer c.mu.Unlock()
	avail := len(c.freeStack)
	if avail > n {
		avail = n
	}
	if avail == 0 {
		return nil
	}
	out := make([]*Stack, avail)
	copy(out, c.freeStack[len(c.freeStack)-avail:])
	c.freeStack = c.freeStack[:len(c.freeStack)-avail]
	return out
}

// MagazineAllocator is the per-CPU mode allocator: each CPU keeps a small
// local cache of free stacks (default size 8, spec §4.1) and falls back to
// the central slab on a miss.
type MagazineAllocator struct {
	central      *centralSlab
	magazineSize int
	percpuFree   []*spinlock.Spinlock // guards percpuStacks[i]
	percpuStacks [][]*Stack
}

// NewMagazineAllocator builds a per-CPU allocator for numCPUs workers, each
// with a magazine of magazineSize free stacks of stackSize bytes.
func NewMagazineAllocator(numCPUs, magazineSize, stackSize int) *MagazineAllocator {
	if magazineSize <= 0 {
		magazineSize = 8
	}
	a := &MagazineAllocator{
		central:      newCentralSlab(stackSize),
		magazineSize: magazineSize,
		percpuFree:   make([]*spinlock.Spinlock, numCPUs),
		percpuStacks: make([][]*Stack, numCPUs),
	}
	for i := range a.percpuFree {
		a.percpuFree[i] = new(spinlock.Spinlock)
	}
	return a
}

func (a *MagazineAllocator) acquireStack(cpu int32) (*Stack, error) {
	i := int(cpu)
	if i < 0 || i >= len(a.percpuStacks) {
		return nil, errs.NewInvalidArgument("cpu", cpu)
	}
	lock := a.percpuFree[i]
	lock.Lock()
	if n := len(a.percpuStacks[i]); n > 0 {
		s := a.percpuStacks[i][n-1]
		a.percpuStacks[i] = a.percpuStacks[i][:n-1]
		lock.Unlock()
		return s, nil
	}
	lock.Unlock()

	// Miss: refill from central, then retry locally once.
	refilled := a.central.refillStacks(a.magazineSize)
	if len(refilled) == 0 {
		return a.central.getStack()
	}
	lock.Lock()
	a.percpuStacks[i] = append(a.percpuStacks[i], refilled...)
	s := a.percpuStacks[i][len(a.percpuStacks[i])-1]
	a.percpuStacks[i] = a.percpuStacks[i][:len(a.percpuStacks[i])-1]
	lock.Unlock()
	return s, nil
}

func (a *MagazineAllocator) releaseStack(cpu int32, s *Stack) {
	i := int(cpu)
	if i < 0 || i >= len(a.percpuStacks) {
		a.central.putStack(s)
		return
	}
	lock := a.percpuFree[i]
	lock.Lock()
	if len(a.percpuStacks[i]) < a.magazineSize*2 {
		a.percpuStacks[i] = append(a.percpuStacks[i], s)
		lock.Unlock()
		return
	}
	lock.Unlock()
	a.central.putStack(s)
}

func (a *MagazineAllocator) Create(appID int32, cpu int32, fn Fn, arg any) (*Task, error) {
	t, _, err := a.CreateWithBuf(appID, cpu, fn, arg, 0)
	return t, err
}

func (a *MagazineAllocator) CreateWithBuf(appID int32, cpu int32, fn Fn, arg any, bufLen int) (*Task, []byte, error) {
	stack, err := a.acquireStack(cpu)
	if err != nil {
		return nil, nil, err
	}
	var buf []byte
	if bufLen > 0 {
		b := stack.Bytes()
		if bufLen > len(b) {
			a.releaseStack(cpu, stack)
			return nil, nil, errs.NewInvalidArgument("bufLen", bufLen)
		}
		buf = b[len(b)-bufLen:]
	}
	t := New(a.central.nextID.Add(1), appID, stack, fn, arg)
	t.LastCPU = cpu
	t.Start()
	return t, buf, nil
}

func (a *MagazineAllocator) CreateIdle(cpu int32) *Task {
	return NewIdle(cpu)
}

func (a *MagazineAllocator) Free(t *Task) {
	if t.SkipFree {
		panic("task: Free called on a SkipFree task; creator owns its lifetime")
	}
	if t.Stack != nil {
		a.releaseStack(t.LastCPU, t.Stack)
		t.Stack = nil
	}
}

// --- Shared mode (spec §4.1, "Shared mode") ---

// slot pairs a preallocated Task with its Stack in the shared-mode arena.
type slot struct {
	t *Task
	s *Stack
}

// SharedAllocator preallocates MAX_TASKS_PER_APP stacks and hands out
// slots via a free ring guarded by a spinlock (freeMu): Create and Free
// both take that lock, so the ring is neither lock-free nor limited to one
// producer and one consumer. The ring element is the slot index, following the same
// ring-buffer-plus-mask idiom as internal/ring (grounded on
// catrate/ring.go), sized to the next power of two >= capacity.
type SharedAllocator struct {
	appID     int32
	slots     []slot
	free      *ring.Buffer[int32]
	freeMu    spinlock.Spinlock
	nextID    atomic.Int64
	stackSize int
}

// defaultSharedCapacity picks MAX_TASKS_PER_APP when the caller leaves it
// at 0: a fraction of total system memory (reported by
// github.com/pbnjay/memory, the pack's ambient "how much RAM do we have"
// dependency), sized so the arena's stacks can't alone exhaust it.
func defaultSharedCapacity(stackSize int) int {
	total := memory.TotalMemory()
	if total == 0 {
		return 1024
	}
	budget := total / 16 // reserve at most 1/16th of RAM for one app's arena
	n := int(budget / uint64(stackSize))
	if n < 64 {
		n = 64
	}
	if n > 1<<20 {
		n = 1 << 20
	}
	return nextPow2(n)
}

func nextPow2(n int) int {
	p := 1
	for p < n {
		p <<= 1
	}
	return p
}

// NewSharedAllocator preallocates capacity (Task, Stack) pairs for appID.
// capacity == 0 sizes the arena from available system memory.
func NewSharedAllocator(appID int32, capacity, stackSize int) (*SharedAllocator, error) {
	if stackSize <= 0 {
		stackSize = DefaultStackSize
	}
	if capacity <= 0 {
		capacity = defaultSharedCapacity(stackSize)
	} else {
		capacity = nextPow2(capacity)
	}

	a := &SharedAllocator{
		appID:     appID,
		slots:     make([]slot, capacity),
		free:      ring.New[int32](capacity),
		stackSize: stackSize,
	}
	for i := range a.slots {
		s, err := newStack(stackSize)
		if err != nil {
			return nil, err
		}
		a.slots[i] = slot{t: nil, s: s}
		a.free.PushBack(int32(i))
	}
	return a, nil
}

func (a *SharedAllocator) Create(appID int32, cpu int32, fn Fn, arg any) (*Task, error) {
	t, _, err := a.CreateWithBuf(appID, cpu, fn, arg, 0)
	return t, err
}

func (a *SharedAllocator) CreateWithBuf(appID int32, cpu int32, fn Fn, arg any, bufLen int) (*Task, []byte, error) {
	a.freeMu.Lock()
	idx, ok := a.free.PopFront()
	a.freeMu.Unlock()
	if !ok {
		return nil, nil, errs.ErrOutOfMemory
	}
	sl := &a.slots[idx]
	var buf []byte
	if bufLen > 0 {
		b := sl.s.Bytes()
		if bufLen > len(b) {
			a.freeMu.Lock()
			a.free.PushBack(idx)
			a.freeMu.Unlock()
			return nil, nil, errs.NewInvalidArgument("bufLen", bufLen)
		}
		buf = b[len(b)-bufLen:]
	}
	t := New(a.nextID.Add(1), appID, sl.s, fn, arg)
	t.LastCPU = cpu
	sl.t = t
	t.Start()
	return t, buf, nil
}

func (a *SharedAllocator) CreateIdle(cpu int32) *Task {
	return NewIdle(cpu)
}

func (a *SharedAllocator) Free(t *Task) {
	if t.SkipFree {
		panic("task: Free called on a SkipFree task; creator owns its lifetime")
	}
	for i := range a.slots {
		if a.slots[i].t == t {
			if err := a.slots[i].s.Discard(); err != nil {
				_ = err
			}
			a.slots[i].t = nil
			a.freeMu.Lock()
			a.free.PushBack(int32(i))
			a.freeMu.Unlock()
			t.Stack = nil
			return
		}
	}
}
