package reactor

import (
	"context"
	"fmt"
	"sync"
)

// FutureState is the state of a [Future].
type FutureState uint32

const (
	// FuturePending indicates the result is not yet available.
	FuturePending FutureState = iota
	// FutureResolved indicates the future holds a value.
	FutureResolved
	// FutureRejected indicates the future holds an error.
	FutureRejected
	// FutureCancelled indicates the future was cancelled, and holds
	// ErrCancelled.
	FutureCancelled
)

func (s FutureState) String() string {
	switch s {
	case FuturePending:
		return "pending"
	case FutureResolved:
		return "resolved"
	case FutureRejected:
		return "rejected"
	case FutureCancelled:
		return "cancelled"
	default:
		return fmt.Sprintf("FutureState(%d)", uint32(s))
	}
}

// futureCore is the untyped state of a Future, shared with the tracker.
type futureCore struct {
	mu        sync.Mutex
	loop      *Loop
	value     any
	err       error
	done      chan struct{}
	callbacks []func()
	// onCancel releases the resources of the operation backing the future,
	// and runs on the loop goroutine
	onCancel func()
	state    FutureState
}

func (c *futureCore) State() FutureState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// settle completes the future, returning false if it was already done.
func (c *futureCore) settle(value any, err error, state FutureState) bool {
	c.mu.Lock()
	if c.state != FuturePending {
		c.mu.Unlock()
		return false
	}
	c.state = state
	c.value = value
	c.err = err
	c.onCancel = nil
	callbacks := c.callbacks
	c.callbacks = nil
	close(c.done)
	c.mu.Unlock()

	for _, fn := range callbacks {
		c.schedule(fn)
	}
	return true
}

// schedule queues a done callback on the loop, or runs it inline once the
// loop has terminated.
func (c *futureCore) schedule(fn func()) {
	if c.loop == nil || c.loop.enqueue(c.loop.newHandle(fn)) != nil {
		fn()
	}
}

// Future is a single-assignment result container. It is resolved exactly
// once, with a value ([Future.SetResult]), an error
// ([Future.SetException]), or by [Future.Cancel].
//
// All methods are safe to call from any goroutine.
type Future[T any] struct {
	core *futureCore
}

// NewFuture creates a pending future bound to l, on which done callbacks
// are scheduled.
func NewFuture[T any](l *Loop) *Future[T] {
	return &Future[T]{core: &futureCore{
		loop: l,
		done: make(chan struct{}),
	}}
}

// newOpFuture creates a future for an operation of l, tracked so that it is
// rejected if the loop terminates first.
func newOpFuture[T any](l *Loop) *Future[T] {
	f := NewFuture[T](l)
	l.tracker.track(f.core)
	return f
}

// SetResult resolves the future with v. It panics with [ErrInvalidState] if
// the future is already done.
func (f *Future[T]) SetResult(v T) {
	if !f.core.settle(v, nil, FutureResolved) {
		panic(fmt.Errorf("%w: result already set (%s)", ErrInvalidState, f.State()))
	}
}

// SetException rejects the future with err. It panics with
// [ErrInvalidState] if the future is already done.
func (f *Future[T]) SetException(err error) {
	if err == nil {
		panic(fmt.Errorf("%w: nil exception", ErrInvalidState))
	}
	if !f.core.settle(nil, err, FutureRejected) {
		panic(fmt.Errorf("%w: result already set (%s)", ErrInvalidState, f.State()))
	}
}

// resolve and reject are used by operations, which may race with Cancel.
func (f *Future[T]) resolve(v T) bool {
	return f.core.settle(v, nil, FutureResolved)
}

func (f *Future[T]) reject(err error) bool {
	return f.core.settle(nil, err, FutureRejected)
}

// Cancel cancels a pending future, releasing any registration or
// descriptor held by its operation. It returns false if the future was
// already done.
func (f *Future[T]) Cancel() bool {
	c := f.core
	c.mu.Lock()
	onCancel := c.onCancel
	c.mu.Unlock()

	if !c.settle(nil, ErrCancelled, FutureCancelled) {
		return false
	}
	if onCancel != nil && c.loop != nil {
		// a terminated loop has already released everything
		if c.loop.isLoopThread() {
			onCancel()
		} else {
			_ = c.loop.postOwned(onCancel, onCancel)
		}
	}
	return true
}

// Cancelled reports whether the future was cancelled.
func (f *Future[T]) Cancelled() bool {
	return f.State() == FutureCancelled
}

// State returns the current state.
func (f *Future[T]) State() FutureState {
	return f.core.State()
}

// Done returns a channel that is closed once the future is done.
func (f *Future[T]) Done() <-chan struct{} {
	return f.core.done
}

// Result returns the value or error of a done future, or [ErrInvalidState]
// if it is still pending.
func (f *Future[T]) Result() (T, error) {
	c := f.core
	c.mu.Lock()
	defer c.mu.Unlock()
	var zero T
	switch c.state {
	case FuturePending:
		return zero, ErrInvalidState
	case FutureResolved:
		v, _ := c.value.(T)
		return v, nil
	default:
		return zero, c.err
	}
}

// Wait blocks until the future is done, or ctx is done.
//
// Do not call Wait from the loop goroutine, as the loop cannot make
// progress while it is blocked.
func (f *Future[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-f.core.done:
		return f.Result()
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

// AddDoneCallback schedules fn to run on the loop once the future is done.
// If it is already done, fn is scheduled immediately.
func (f *Future[T]) AddDoneCallback(fn func(*Future[T])) {
	cb := func() { fn(f) }
	c := f.core
	c.mu.Lock()
	if c.state == FuturePending {
		c.callbacks = append(c.callbacks, cb)
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.schedule(cb)
}

// setOnCancel installs the release hook of an operation.
func (f *Future[T]) setOnCancel(fn func()) {
	c := f.core
	c.mu.Lock()
	if c.state == FuturePending {
		c.onCancel = fn
	}
	c.mu.Unlock()
}

func (f *Future[T]) String() string {
	return fmt.Sprintf("Future<%s>", f.State())
}
