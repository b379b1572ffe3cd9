// Package reactor provides a single-threaded, serialized event loop for Go,
// featuring descriptor readiness notification, deferred and timed callbacks,
// asynchronous socket operations and an asyncio-style exception reporting
// protocol.
//
// # Architecture
//
// A [Loop] owns exactly one goroutine of control, started by [Loop.Run].
// Everything that mutates loop state (the readiness registry, the timer
// heap, the exception handler dispatch) happens on that goroutine. Other
// goroutines interact with the loop by posting callbacks ([Loop.CallSoon],
// [Loop.Post]) which are queued in FIFO order and woken through an eventfd
// (Linux) or a pipe (Darwin).
//
// Each tick of the loop:
//  1. Moves due timers to the ready queue (earliest deadline first, ties in
//     scheduling order).
//  2. Runs the callbacks that were ready when the tick began.
//  3. Polls for descriptor readiness (epoll or kqueue), blocking until the
//     next timer deadline when the ready queue is empty.
//
// Readiness registrations are one-shot and keyed by (descriptor,
// [Direction]). At most one registration may exist per key; a duplicate is
// rejected with [ErrBusy]. When readiness fires, the registration is removed
// before its completion is posted to the ready queue.
//
// # Socket Operations
//
// [Loop.SockRecv], [Loop.SockRecvInto], [Loop.SockSend], [Loop.SockSendall],
// [Loop.SockConnect] and [Loop.SockAccept] return a [Future] immediately, and
// complete it on the loop goroutine. Transient failures (EAGAIN, EINTR) are
// retried by re-registering. Errors matching [ErrShutdown] are never
// delivered to a future: they stop the loop, and are returned by [Loop.Run].
// Name resolution ([Loop.GetAddrInfo], [Loop.GetNameInfo]) runs the blocking
// [Resolver] on a bounded worker pool, posting the result back to the loop.
//
// # Thread Safety
//
//   - [Loop.CallSoon], [Loop.CallLater], [Loop.CallAt] and [Loop.Post] are
//     safe to call from any goroutine
//   - The Sock* and resolver methods are safe to call from any goroutine
//   - [Loop.Register] and [Loop.Unregister] must be called on the loop
//     goroutine, and return [ErrNotOnLoop] (or false) otherwise
//   - [Future] methods are safe to call from any goroutine
//
// # Usage
//
//	loop, err := reactor.New()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer loop.Close()
//
//	loop.CallLater(100*time.Millisecond, func() {
//	    fmt.Println("Hello after 100ms")
//	    go loop.Shutdown(context.Background())
//	})
//
//	if err := loop.Run(context.Background()); err != nil {
//	    log.Fatal(err)
//	}
//
// # Exception Reporting
//
// Panics raised by callbacks, and errors that cannot be delivered anywhere
// else, are reported through [Loop.CallExceptionHandler]. Without a custom
// handler, [Loop.DefaultExceptionHandler] formats the [ExceptionContext] into
// a single error-level log line, using the configured logiface logger (see
// [WithLogger]), or a stumpy JSON logger writing to stderr.
package reactor
