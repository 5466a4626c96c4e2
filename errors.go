package fsobserve

import (
	"errors"
	"fmt"
)

var (
	// ErrWatchPathDoesNotExist is returned by [Observer.Schedule] when the
	// path is absent at registration time.
	ErrWatchPathDoesNotExist = errors.New("fsobserve: watch path does not exist")

	// ErrWatchAlreadyExists is returned when the backend cannot coalesce a
	// duplicate registration with an existing kernel watch.
	ErrWatchAlreadyExists = errors.New("fsobserve: watch already exists")

	// ErrNonExistentWatch is returned by [Observer.Unschedule] when the
	// watch was never scheduled or has already been removed.
	ErrNonExistentWatch = errors.New("fsobserve: can't remove non-existent watch")

	// ErrClosed is returned when trying to operate on an observer that has
	// been stopped.
	ErrClosed = errors.New("fsobserve: observer already stopped")

	// ErrUnsupported reports an event kind the backend cannot deliver; see
	// [Observer.Supports]. No operation of the observer returns it: Schedule
	// takes no event kinds, and unsupported kinds are simply never sent.
	ErrUnsupported = errors.New("fsobserve: not supported on this platform")
)

// OSError wraps a kernel-level observation failure: descriptor exhaustion,
// permission problems, unsupported filesystems. The underlying syscall error
// is available through errors.Unwrap.
type OSError struct {
	Op  string // The failing operation, e.g. "inotify_add_watch".
	Err error
}

func (e *OSError) Error() string { return "fsobserve: " + e.Op + ": " + e.Err.Error() }
func (e *OSError) Unwrap() error { return e.Err }

func osErrorf(op string, err error) error {
	if err == nil {
		return nil
	}
	return &OSError{Op: op, Err: err}
}

// HandlerError reports a panic raised inside a handler. It is sent on
// [Observer.Errors] and never stops dispatching.
type HandlerError struct {
	Event Event
	Panic any
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("fsobserve: handler panicked on %s: %v", e.Event, e.Panic)
}
