package reactor

import (
	"fmt"
	"reflect"
	"runtime"
	"strings"
	"sync/atomic"
	"time"
)

const (
	handlePending uint32 = iota
	// handleFired marks a timer that has been moved to the ready queue, and
	// can no longer be cancelled.
	handleFired
	handleCancelled
	// handleRunning marks a callback in progress, reported as neither
	// pending nor done
	handleRunning
	handleDone
)

// Handle is a scheduled callback, returned by [Loop.CallSoon],
// [Loop.CallLater] and [Loop.CallAt].
type Handle struct {
	fn    func()
	loop  *Loop
	when  time.Time
	stack []uintptr
	// onDiscard, if set, runs instead of fn when the handle is dropped
	// from the queue by Close
	onDiscard func()
	// id is non-zero for timer handles
	id    uint64
	state atomic.Uint32
}

func (l *Loop) newHandle(fn func()) *Handle {
	h := &Handle{fn: fn, loop: l}
	if l.opts.debug {
		h.stack = callers(3)
	}
	return h
}

// Cancel prevents the callback from running, returning false if it has
// already run, was already cancelled, or (for timers) has already fired.
func (h *Handle) Cancel() bool {
	if !h.state.CompareAndSwap(handlePending, handleCancelled) {
		return false
	}
	if h.id != 0 {
		h.loop.cancelTimer(h.id)
	}
	return true
}

// Cancelled reports whether the handle was cancelled.
func (h *Handle) Cancelled() bool {
	return h.state.Load() == handleCancelled
}

// When returns the scheduled time of a timer handle, or the zero time for
// immediate handles (CallSoon, or a CallLater/CallAt deadline that had
// already passed).
func (h *Handle) When() time.Time {
	return h.when
}

// claim transitions the handle to running, reporting whether the callback
// should run.
func (h *Handle) claim() bool {
	if h.id != 0 {
		return h.state.CompareAndSwap(handleFired, handleRunning)
	}
	return h.state.CompareAndSwap(handlePending, handleRunning)
}

func (h *Handle) String() string {
	var b strings.Builder
	if h.id != 0 {
		b.WriteString("TimerHandle(")
	} else {
		b.WriteString("Handle(")
	}
	b.WriteString(funcName(h.fn))
	switch h.state.Load() {
	case handleCancelled:
		b.WriteString(" cancelled")
	case handleDone:
		b.WriteString(" done")
	}
	if h.id != 0 {
		fmt.Fprintf(&b, " when=%s", h.when.Format(time.RFC3339Nano))
	}
	b.WriteByte(')')
	return b.String()
}

func funcName(fn func()) string {
	if fn == nil {
		return "<nil>"
	}
	if f := runtime.FuncForPC(reflect.ValueOf(fn).Pointer()); f != nil {
		return f.Name()
	}
	return "<unknown>"
}

// callers captures the current stack, skipping skip frames.
func callers(skip int) []uintptr {
	var pcs [32]uintptr
	n := runtime.Callers(skip+1, pcs[:])
	return append([]uintptr(nil), pcs[:n]...)
}
