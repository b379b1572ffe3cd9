package reactor

import (
	"fmt"
	"maps"
	"runtime"
	"slices"
	"strings"
)

// Well-known [ExceptionContext] keys.
const (
	KeyMessage         = "message"
	KeyException       = "exception"
	KeyHandle          = "handle"
	KeyFuture          = "future"
	KeySocket          = "socket"
	KeySourceTraceback = "source_traceback"
	KeyHandleTraceback = "handle_traceback"
	// KeyContext holds the original context, when reporting a failure of
	// a custom exception handler.
	KeyContext = "context"
)

const (
	defaultExceptionMessage = "Unhandled exception in event loop"
	handlerFaultMessage     = "Unhandled error in exception handler"
)

// ExceptionContext describes an exception reported to the loop. See the
// Key constants for the well-known keys; any others are rendered as
// "key: value" by [Loop.DefaultExceptionHandler].
type ExceptionContext map[string]any

// ExceptionHandler handles exceptions reported to a loop. Returning an
// error (or panicking) causes the failure to be reported through
// [Loop.DefaultExceptionHandler].
type ExceptionHandler func(loop *Loop, ctx ExceptionContext) error

// SetExceptionHandler installs handler, or restores the default if nil.
func (l *Loop) SetExceptionHandler(handler ExceptionHandler) {
	l.handlerMu.Lock()
	l.handler = handler
	l.handlerMu.Unlock()
}

// ExceptionHandler returns the custom exception handler, or nil if the
// default is in use.
func (l *Loop) ExceptionHandler() ExceptionHandler {
	l.handlerMu.RLock()
	defer l.handlerMu.RUnlock()
	return l.handler
}

// CallExceptionHandler reports ctx through the custom exception handler, if
// any, else [Loop.DefaultExceptionHandler]. Failures of the handlers are
// logged, never returned. A cooperative shutdown error (see [ErrShutdown])
// raised by a handler is re-raised as a panic.
func (l *Loop) CallExceptionHandler(ctx ExceptionContext) {
	handler := l.ExceptionHandler()
	if handler == nil {
		l.callDefaultHandler(ctx)
		return
	}

	err := callHandler(l, handler, ctx)
	if err == nil {
		return
	}
	if isShutdown(err) {
		panic(err)
	}
	l.callDefaultHandler(ExceptionContext{
		KeyMessage:   handlerFaultMessage,
		KeyException: err,
		KeyContext:   ctx,
	})
}

// callHandler runs a custom handler, converting panics to errors.
func callHandler(l *Loop, handler ExceptionHandler, ctx ExceptionContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = panicToError(r)
		}
	}()
	return handler(l, ctx)
}

// callDefaultHandler runs DefaultExceptionHandler, logging (and dropping)
// its failures.
func (l *Loop) callDefaultHandler(ctx ExceptionContext) {
	var err error
	func() {
		defer func() {
			if r := recover(); r != nil {
				err = panicToError(r)
			}
		}()
		err = l.DefaultExceptionHandler(ctx)
	}()
	if err != nil {
		l.logCritical("Exception in default exception handler", err)
	}
}

// reportException is CallExceptionHandler for the loop's own reports: a
// shutdown error raised by a handler stops the loop rather than unwinding
// the caller.
func (l *Loop) reportException(ctx ExceptionContext) {
	defer func() {
		if r := recover(); r != nil {
			err := panicToError(r)
			if isShutdown(err) {
				l.requestExit(err)
				return
			}
			l.logCritical("reactor: exception report failed", err)
		}
	}()
	l.CallExceptionHandler(ctx)
}

// DefaultExceptionHandler formats ctx and emits it as a single error-level
// log event, with the exception (if any) attached as the error field.
//
// The first line is the message, defaulting to "Unhandled exception in
// event loop". It is followed by the remaining keys in lexicographic order,
// excluding exception. Tracebacks are rendered beneath a heading, and all
// other values as "key: value".
//
// Reports may be rate limited per message (see [WithReportRateLimit]).
func (l *Loop) DefaultExceptionHandler(ctx ExceptionContext) error {
	ctx = maps.Clone(ctx)
	if ctx == nil {
		ctx = ExceptionContext{}
	}
	if _, ok := ctx[KeyHandleTraceback]; !ok {
		if h, ok := ctx[KeyHandle].(*Handle); ok && len(h.stack) != 0 {
			ctx[KeyHandleTraceback] = h.stack
		}
	}

	message, _ := ctx[KeyMessage].(string)
	if message == "" {
		message = defaultExceptionMessage
	}

	if limiter := l.opts.reportLimiter; limiter != nil {
		if _, ok := limiter.Allow(message); !ok {
			l.metrics.recordReport(true)
			l.logger.Warning().Str("report", message).Log("reactor: exception report rate limited")
			return nil
		}
	}

	lines := []string{message}
	for _, key := range slices.Sorted(maps.Keys(ctx)) {
		if key == KeyMessage || key == KeyException {
			continue
		}
		value := ctx[key]
		switch key {
		case KeySourceTraceback:
			lines = append(lines, "Object created at (most recent call last):\n"+formatTraceback(value))
		case KeyHandleTraceback:
			lines = append(lines, "Handle created at (most recent call last):\n"+formatTraceback(value))
		default:
			lines = append(lines, fmt.Sprintf("%s: %v", key, value))
		}
	}

	b := l.logger.Err()
	if exc := exceptionOf(ctx[KeyException]); exc != nil {
		b = b.Err(exc)
	}
	b.Log(strings.Join(lines, "\n"))

	l.metrics.recordReport(false)
	return nil
}

func exceptionOf(v any) error {
	switch v := v.(type) {
	case nil:
		return nil
	case error:
		return v
	default:
		return fmt.Errorf("%v", v)
	}
}

// formatTraceback renders a stack, outermost call first.
func formatTraceback(v any) string {
	var frames []runtime.Frame
	switch v := v.(type) {
	case []uintptr:
		it := runtime.CallersFrames(v)
		for {
			frame, more := it.Next()
			frames = append(frames, frame)
			if !more {
				break
			}
		}
	case []runtime.Frame:
		frames = v
	case []string:
		return strings.TrimRight(strings.Join(v, "\n"), "\n")
	case string:
		return strings.TrimRight(v, "\n")
	default:
		return fmt.Sprint(v)
	}

	var b strings.Builder
	for i := len(frames) - 1; i >= 0; i-- {
		f := frames[i]
		if f.Function == "" && f.File == "" {
			continue
		}
		if b.Len() != 0 {
			b.WriteByte('\n')
		}
		fmt.Fprintf(&b, "  File %q, line %d, in %s", f.File, f.Line, f.Function)
	}
	return b.String()
}
