//go:build linux

package platform

import (
	"golang.org/x/sys/unix"

	"github.com/skyloft-rt/skyloft/errs"
)

// Pin pins the calling OS thread to cpu using sched_setaffinity, per spec §2
// ("Platform glue: CPU pinning"). Callers run this from the goroutine that
// will become cpu's dedicated scheduler loop (sched.Scheduler.Run), having
// already called runtime.LockOSThread. Grounded on eventloop/poller_linux.go's
// direct golang.org/x/sys/unix usage idiom for the one other place this
// codebase talks to the kernel directly.
func Pin(cpu int32) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(int(cpu))
	return unix.SchedSetaffinity(0, &set)
}

// StackRegion models one lazily-backed, size-aligned stack mapping (spec
// §3 "Stack"): anonymous on first touch, returned to the OS via MADV_DONTNEED
// on free rather than munmap'd, so the virtual range can be reused without a
// fresh mmap call.
type StackRegion struct {
	mem []byte
}

// MapStackRegion reserves size bytes of anonymous, zero-filled memory
// (MAP_PRIVATE|MAP_ANONYMOUS), the backing for one Stack per spec §3's
// "base mapped anonymously on first use."
func MapStackRegion(size int) (*StackRegion, error) {
	mem, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANONYMOUS)
	if err != nil {
		return nil, errs.NewUnrecoverable("mmap stack region", err)
	}
	return &StackRegion{mem: mem}, nil
}

// Bytes returns the mapped region.
func (r *StackRegion) Bytes() []byte { return r.mem }

// Release advises the kernel the region's contents are no longer needed
// ("don't need" advice, spec §3), without unmapping the virtual range.
func (r *StackRegion) Release() error {
	if len(r.mem) == 0 {
		return nil
	}
	return unix.Madvise(r.mem, unix.MADV_DONTNEED)
}

// Unmap fully releases the virtual address range. Only called at process
// teardown; during normal operation Release (DONTNEED) is preferred so the
// central free list can reuse the range (spec §3, §4.1).
func (r *StackRegion) Unmap() error {
	if len(r.mem) == 0 {
		return nil
	}
	err := unix.Munmap(r.mem)
	r.mem = nil
	return err
}
