package task

import (
	"sync/atomic"

	"golang.org/x/sys/unix"

	"github.com/skyloft-rt/skyloft/errs"
)

// DefaultStackSize is the spec §3 default stack region size.
const DefaultStackSize = 256 * 1024

// Stack is a fixed-size virtual memory region (page-aligned by mmap, not
// aligned to its own size), mapped anonymously on first use and returned to the OS via MADV_DONTNEED
// on free. Go doesn't run task code directly on this memory (the task's
// goroutine has its own runtime-managed stack — see switch.go), but the
// allocator's lifecycle — acquire from a per-CPU magazine, lazily mmap,
// madvise-discard on free — is still real: it's what would back the task's
// stack in a non-goroutine-substituted target, and here it backs the
// fixed-size inline scratch buffer task_create_with_buf reserves.
type Stack struct {
	mem  []byte
	used atomic.Bool
}

// newStack mmaps size bytes of anonymous memory. Real huge-page alignment
// is platform-specific (see the platform package); the allocator here only
// guarantees the region is usable and its Discard path is real.
func newStack(size int) (*Stack, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errs.ErrOutOfMemory
	}
	return &Stack{mem: mem}, nil
}

// Bytes returns the backing region, for task_create_with_buf's
// reserved-scratch-space use.
func (s *Stack) Bytes() []byte { return s.mem }

// Discard advises the kernel the stack's contents are no longer needed,
// the spec §3 "lazily returned to the OS on free via don't-need advice,"
// without unmapping the region (so it can be reused by the central free
// list without a fresh mmap call).
func (s *Stack) Discard() error {
	if len(s.mem) == 0 {
		return nil
	}
	return unix.Madvise(s.mem, unix.MADV_DONTNEED)
}

// Unmap releases the region back to the OS entirely; only used when a
// central slab itself is torn down, not on ordinary task_free.
func (s *Stack) Unmap() error {
	if len(s.mem) == 0 {
		return nil
	}
	err := unix.Munmap(s.mem)
	s.mem = nil
	return err
}
