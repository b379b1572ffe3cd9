package reactor

import (
	"errors"
	"fmt"
)

var (
	// ErrLoopAlreadyRunning is returned when Run is called on a loop that is
	// already running.
	ErrLoopAlreadyRunning = errors.New("reactor: loop is already running")

	// ErrLoopTerminated is returned when work is submitted to a loop that has
	// been shut down, and is used to reject operations that were still in
	// flight when the loop stopped.
	ErrLoopTerminated = errors.New("reactor: loop has been terminated")

	// ErrReentrantRun is returned when Run is called from the loop goroutine.
	ErrReentrantRun = errors.New("reactor: cannot call Run() from within the loop")

	// ErrNotOnLoop is returned by operations that may only be performed on
	// the loop goroutine.
	ErrNotOnLoop = errors.New("reactor: must be called on the loop goroutine")

	// ErrBusy indicates that a registration already exists for the same
	// (descriptor, direction) key.
	ErrBusy = errors.New("reactor: descriptor is busy")

	// ErrFDOutOfRange is returned for negative (or otherwise unusable)
	// file descriptors.
	ErrFDOutOfRange = errors.New("reactor: fd out of range")

	// ErrPollerClosed is returned when the poller has already been closed.
	ErrPollerClosed = errors.New("reactor: poller closed")

	// ErrNotImplemented rejects the operations this package deliberately
	// does not support (sendfile, TLS upgrade).
	ErrNotImplemented = errors.New("reactor: not implemented")

	// ErrInvalidState is the panic value raised when a Future is resolved
	// twice, and is returned by Future.Result before resolution.
	ErrInvalidState = errors.New("reactor: invalid future state")

	// ErrCancelled is the error held by a cancelled Future.
	ErrCancelled = errors.New("reactor: cancelled")

	// ErrShutdown is the cooperative shutdown signal. Errors matching it (per
	// errors.Is) that are raised by a socket, a resolver, or an exception
	// handler are never delivered to a Future: they stop the loop, and are
	// returned from Run.
	ErrShutdown = errors.New("reactor: shutdown requested")

	// ErrAddressFamily is returned when an address does not match the
	// family of the socket it is used with.
	ErrAddressFamily = errors.New("reactor: address family mismatch")
)

// PanicError wraps a recovered panic value.
type PanicError struct {
	Value any
}

func (e PanicError) Error() string {
	return fmt.Sprintf("reactor: panic: %v", e.Value)
}

// Unwrap returns the panic value if it is an error, allowing [errors.Is] and
// [errors.As] to match through it.
func (e PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// ConnectError is the fault delivered by [Loop.SockConnect] when the
// connection attempt fails.
type ConnectError struct {
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("reactor: connect call failed %s: %v", e.Addr, e.Err)
}

// Unwrap returns the underlying cause, typically a unix.Errno.
func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ResolveError is the fault delivered by [Loop.GetAddrInfo] and
// [Loop.GetNameInfo] when the resolver fails.
type ResolveError struct {
	Op   string // "getaddrinfo" or "getnameinfo"
	Name string
	Err  error
}

func (e *ResolveError) Error() string {
	if e.Name == "" {
		return fmt.Sprintf("reactor: %s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("reactor: %s %s: %v", e.Op, e.Name, e.Err)
}

func (e *ResolveError) Unwrap() error {
	return e.Err
}

// panicToError converts a recovered value into an error, preserving values
// that already are errors (so that cooperative shutdown can be detected).
func panicToError(r any) error {
	if err, ok := r.(error); ok {
		return err
	}
	return PanicError{Value: r}
}

// isShutdown reports whether err is (or wraps) the cooperative shutdown
// signal.
func isShutdown(err error) bool {
	return err != nil && errors.Is(err, ErrShutdown)
}
