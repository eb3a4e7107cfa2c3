package policy

import (
	"unsafe"

	"github.com/skyloft-rt/skyloft/task"
)

// DataOf reinterprets t's fixed-size inline policy buffer as *T, the Go
// analogue of the spec's "fixed-size inline byte buffer reserved for the
// active policy" (effectively a tagged union keyed by whichever policy
// owns the task). Grounded on eventloop/loop.go's own reinterpret-a-fixed-
// byte-array-via-unsafe-pointer idiom. Callers must ensure T's size fits
// task.PolicyDataSize and that they never interpret the buffer as two
// different policies' T at once.
func DataOf[T any](t *task.Task) *T {
	const max = task.PolicyDataSize
	if int(unsafe.Sizeof(*new(T))) > max {
		panic("policy: per-task data exceeds task.PolicyDataSize")
	}
	return (*T)(unsafe.Pointer(&t.PolicyData[0]))
}
