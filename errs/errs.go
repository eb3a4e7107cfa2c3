// Package errs defines the error kinds surfaced across the scheduler core
// (spec §7), following the sentinel-plus-typed-wrapper style of
// eventloop/errors.go: exported sentinels for errors.Is, typed structs with
// Unwrap for ones that carry a cause.
package errs

import (
	"errors"
	"fmt"
	"os"

	"github.com/skyloft-rt/skyloft/logging"
)

// Sentinel errors for the four kinds that propagate as plain result values.
var (
	// ErrOutOfMemory is returned when a task, stack, or magazine allocation
	// cannot be satisfied.
	ErrOutOfMemory = errors.New("skyloft: out of memory")

	// ErrQueueFull is returned when a FIFO ring and its overflow list are
	// both exhausted; fatal for the SQ policies' single pending queue.
	ErrQueueFull = errors.New("skyloft: queue full")

	// ErrInvalidArgument is returned for a bad CPU id or bad policy params.
	ErrInvalidArgument = errors.New("skyloft: invalid argument")

	// ErrNoSuchTask is returned when a futex/wakeup target no longer exists.
	ErrNoSuchTask = errors.New("skyloft: no such task")
)

// ErrTryAgain and ErrChannelEmpty and ErrBusy are normal control flow, not
// failures: callers are expected to check for them explicitly rather than
// treat them as exceptional.
var (
	// ErrTryAgain is returned by Futex.Wait when the compared value didn't
	// match *uaddr.
	ErrTryAgain = errors.New("skyloft: try again")

	// ErrChannelEmpty is returned by non-blocking primitive polls that find
	// nothing available.
	ErrChannelEmpty = errors.New("skyloft: channel empty")

	// ErrBusy is returned when a cross-app wakeup target's app has exited.
	ErrBusy = errors.New("skyloft: busy")
)

// InvalidArgumentError wraps ErrInvalidArgument with a field name, for
// callers that want more than "invalid argument" in a log line.
type InvalidArgumentError struct {
	Field string
	Value any
}

func (e *InvalidArgumentError) Error() string {
	return fmt.Sprintf("skyloft: invalid argument: %s=%v", e.Field, e.Value)
}

func (e *InvalidArgumentError) Unwrap() error {
	return ErrInvalidArgument
}

// NewInvalidArgument constructs an *InvalidArgumentError.
func NewInvalidArgument(field string, value any) error {
	return &InvalidArgumentError{Field: field, Value: value}
}

// Unrecoverable represents an assertion failure or heap/runqueue
// inconsistency: per spec §7 these are not propagated as values, they
// terminate the process after a logged backtrace. See Fatal, in this
// package, for the termination helper.
type Unrecoverable struct {
	Reason string
	Cause  error
}

func (e *Unrecoverable) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("skyloft: unrecoverable: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("skyloft: unrecoverable: %s", e.Reason)
}

func (e *Unrecoverable) Unwrap() error {
	return e.Cause
}

// NewUnrecoverable constructs an *Unrecoverable wrapping cause (which may
// be nil).
func NewUnrecoverable(reason string, cause error) error {
	return &Unrecoverable{Reason: reason, Cause: cause}
}

// Fatal logs err at error level, if l is non-nil, then terminates the
// process. Callers use this for the §7 assertion-failure/heap-corruption
// class of error, which is never propagated as a value.
func Fatal(l *logging.Logger, err error) {
	logging.OrDiscard(l).Err().Err(err).Log("fatal scheduler error")
	os.Exit(1)
}
