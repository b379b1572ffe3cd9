//go:build linux || darwin

package reactor

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
	"golang.org/x/sync/semaphore"
)

// Loop is a single-threaded event loop. All callbacks, readiness
// completions and exception handlers run on the goroutine that called
// [Loop.Run].
type Loop struct { // betteralign:ignore
	state   *fastState
	opts    *loopOptions
	logger  *logiface.Logger[logiface.Event]
	metrics *metricsCollector

	// guarded by mu
	mu    sync.Mutex
	ready readyQueue

	// only accessed on the loop goroutine
	poller     poller
	registry   *registry
	timers     timerHeap
	timerIndex map[uint64]*timer
	batch      []*Handle
	tickCount  uint64

	tracker *futureTracker

	resolver       Resolver
	resolverSem    *semaphore.Weighted
	resolverCtx    context.Context
	resolverCancel context.CancelFunc

	handlerMu sync.RWMutex
	handler   ExceptionHandler

	exitMu  sync.Mutex
	exitErr error

	loopDone chan struct{}
	stopOnce sync.Once

	loopGoroutineID atomic.Uint64
	nextTimerID     atomic.Uint64
	inflight        atomic.Int64
	wakePending     atomic.Uint32
	discard         atomic.Bool

	id          uint64
	wakeFd      int
	wakeWriteFd int
	wakeBuf     [8]byte
}

var loopIDCounter atomic.Uint64

// New creates a new event loop. The loop owns a poller and a wake-up
// descriptor until it terminates (see [Loop.Shutdown] and [Loop.Close]).
func New(opts ...LoopOption) (*Loop, error) {
	cfg, err := resolveLoopOptions(opts)
	if err != nil {
		return nil, err
	}

	wakeFd, wakeWriteFd, err := createWakeFd()
	if err != nil {
		return nil, err
	}

	l := &Loop{
		state:       newFastState(),
		opts:        cfg,
		logger:      cfg.logger,
		timerIndex:  make(map[uint64]*timer),
		tracker:     newFutureTracker(),
		resolver:    cfg.resolver,
		resolverSem: semaphore.NewWeighted(cfg.resolverConcurrency),
		handler:     cfg.exceptionHandler,
		loopDone:    make(chan struct{}),
		id:          loopIDCounter.Add(1),
		wakeFd:      wakeFd,
		wakeWriteFd: wakeWriteFd,
	}
	if l.logger == nil {
		l.logger = stumpy.L.New(stumpy.L.WithStumpy(stumpy.WithWriter(os.Stderr))).Logger()
	}
	if l.resolver == nil {
		l.resolver = &NetResolver{}
	}
	if cfg.metricsEnabled {
		l.metrics = newMetricsCollector()
	}
	l.resolverCtx, l.resolverCancel = context.WithCancel(context.Background())

	if err := l.poller.init(cfg.pollBudget); err != nil {
		l.closeWakeFds()
		return nil, err
	}
	if err := l.poller.control(wakeFd, 0, EventRead); err != nil {
		_ = l.poller.close()
		l.closeWakeFds()
		return nil, err
	}
	l.registry = newRegistry(&l.poller)

	return l, nil
}

// Run runs the event loop, blocking until it terminates.
//
// Run returns nil after [Loop.Shutdown] or [Loop.Close], ctx.Err() if ctx
// is cancelled, or the error that requested a cooperative shutdown (see
// [ErrShutdown]). To run in a separate goroutine, use: `go loop.Run(ctx)`.
func (l *Loop) Run(ctx context.Context) error {
	if l.isLoopThread() {
		return ErrReentrantRun
	}

	if !l.state.TryTransition(StateAwake, StateRunning) {
		if l.state.Load() == StateTerminated {
			return ErrLoopTerminated
		}
		return ErrLoopAlreadyRunning
	}

	defer close(l.loopDone)

	return l.run(ctx)
}

// Shutdown gracefully stops the loop, blocking until it has terminated or
// ctx is done. Callbacks already queued are run; pending timers are
// cancelled, and in-flight socket and resolver operations are rejected with
// [ErrLoopTerminated].
//
// Only the first call does this; every later call returns
// [ErrLoopTerminated]. Shutdown must not be called from the loop goroutine,
// as it waits for the loop to exit. Use `go loop.Shutdown(ctx)` from a
// callback instead.
func (l *Loop) Shutdown(ctx context.Context) error {
	result := ErrLoopTerminated
	l.stopOnce.Do(func() {
		result = l.shutdownImpl(ctx)
	})
	return result
}

func (l *Loop) shutdownImpl(ctx context.Context) error {
	if !l.requestTerminate() {
		return ErrLoopTerminated
	}
	if l.state.Load() == StateTerminated {
		// never started
		return nil
	}

	select {
	case <-l.loopDone:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close immediately terminates the loop, without waiting. Queued callbacks
// are discarded rather than run, and socket operations that had not started
// yet release their descriptors and are rejected with [ErrLoopTerminated].
func (l *Loop) Close() error {
	l.discard.Store(true)
	if !l.requestTerminate() {
		return ErrLoopTerminated
	}
	return nil
}

// requestTerminate moves the loop to StateTerminating, or straight to
// StateTerminated if it was never started. It returns false if the loop is
// already stopping.
func (l *Loop) requestTerminate() bool {
	for {
		current := l.state.Load()
		if current == StateTerminated || current == StateTerminating {
			return false
		}
		if l.state.TryTransition(current, StateTerminating) {
			switch current {
			case StateAwake:
				l.abandon()
			case StateSleeping:
				_ = l.submitWakeup()
			}
			return true
		}
	}
}

// requestExit records err as the result of Run (first one wins), and stops
// the loop after the current callback.
func (l *Loop) requestExit(err error) {
	l.exitMu.Lock()
	if l.exitErr == nil {
		l.exitErr = err
	}
	l.exitMu.Unlock()
	l.logger.Debug().Err(err).Log("reactor: shutdown requested")
	l.requestTerminate()
}

func (l *Loop) exitError() error {
	l.exitMu.Lock()
	defer l.exitMu.Unlock()
	return l.exitErr
}

// State returns the current loop state.
func (l *Loop) State() LoopState {
	return l.state.Load()
}

// IsRunning reports whether the loop is running (processing or waiting).
func (l *Loop) IsRunning() bool {
	return l.state.IsRunning()
}

// Metrics returns a snapshot of the loop's statistics, or nil unless
// metrics were enabled with [WithMetrics].
func (l *Loop) Metrics() *Metrics {
	if l.metrics == nil {
		return nil
	}
	return l.metrics.snapshot()
}

// run is the main loop goroutine.
func (l *Loop) run(ctx context.Context) error {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	l.loopGoroutineID.Store(getGoroutineID())
	defer l.loopGoroutineID.Store(0)

	ctxDone := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			_ = l.submitWakeup()
		case <-ctxDone:
		}
	}()
	defer close(ctxDone)

	l.logger.Debug().Uint64("loop", l.id).Log("reactor: loop started")

	for {
		select {
		case <-ctx.Done():
			l.requestTerminate()
			l.shutdown()
			if err := l.exitError(); err != nil {
				return err
			}
			return ctx.Err()
		default:
		}

		if s := l.state.Load(); s == StateTerminating || s == StateTerminated {
			l.shutdown()
			return l.exitError()
		}

		l.tick()
	}
}

// tick is a single iteration of the event loop.
func (l *Loop) tick() {
	l.tickCount++

	l.runTimers(l.Time())

	l.runReady()

	l.poll()

	l.tracker.Scavenge(20)

	if l.metrics != nil {
		l.mu.Lock()
		ready := l.ready.Length()
		l.mu.Unlock()
		l.metrics.recordDepths(ready, len(l.timers), l.registry.len())
	}
}

// runReady runs the callbacks that were queued when it was called. Anything
// they queue runs on the next tick.
func (l *Loop) runReady() bool {
	l.mu.Lock()
	n := l.ready.Length()
	for i := 0; i < n; i++ {
		h, _ := l.ready.Pop()
		l.batch = append(l.batch, h)
	}
	l.mu.Unlock()

	for i, h := range l.batch {
		l.batch[i] = nil
		l.runHandle(h)
	}
	l.batch = l.batch[:0]

	return n > 0
}

func (l *Loop) runHandle(h *Handle) {
	if !h.claim() {
		return
	}
	defer h.state.Store(handleDone)
	if l.metrics == nil {
		l.safeExecute(h)
		return
	}
	start := time.Now()
	l.safeExecute(h)
	l.metrics.recordCallback(time.Since(start))
}

// safeExecute runs a callback, reporting panics through the exception
// handler. A panic with a cooperative shutdown error stops the loop.
func (l *Loop) safeExecute(h *Handle) {
	if h.fn == nil {
		return
	}

	defer func() {
		if r := recover(); r != nil {
			err := panicToError(r)
			if isShutdown(err) {
				l.requestExit(err)
				return
			}
			l.reportException(ExceptionContext{
				KeyMessage:   fmt.Sprintf("Exception in callback %v", h),
				KeyException: err,
				KeyHandle:    h,
			})
		}
	}()

	h.fn()
}

// poll waits for readiness, up to the next timer deadline, or not at all if
// callbacks are already queued.
func (l *Loop) poll() {
	if !l.state.TryTransition(StateRunning, StateSleeping) {
		return
	}

	l.mu.Lock()
	pending := l.ready.Length()
	l.mu.Unlock()

	timeout := 0
	if pending == 0 {
		timeout = l.calculateTimeout()
	}

	if _, err := l.poller.wait(timeout, l.dispatch); err != nil {
		l.logCritical("reactor: poll failed, terminating loop", err)
		l.requestExit(fmt.Errorf("reactor: poll failed: %w", err))
		return
	}

	l.state.TryTransition(StateSleeping, StateRunning)
}

// dispatch handles one readiness event from the poller.
func (l *Loop) dispatch(fd int, events IOEvents) {
	if fd == l.wakeFd {
		l.drainWakeUpPipe()
		return
	}
	if err := l.registry.ready(fd, events, l.postCompletion); err != nil {
		l.logger.Debug().Int("fd", fd).Err(err).Log("reactor: failed to disarm descriptor")
	}
}

func (l *Loop) postCompletion(reg *registration) {
	l.logger.Debug().
		Int("fd", reg.key.fd).
		Str("dir", reg.key.dir.String()).
		Log("reactor: descriptor ready")
	l.pushReady(l.newHandle(reg.completion))
}

// shutdown runs on the loop goroutine, once the loop is terminating.
func (l *Loop) shutdown() {
	// Set Terminated first, so that new work is rejected. Anything that
	// passed the state check before this is caught by the drain below.
	l.state.Store(StateTerminated)

	emptyChecks := 0
	const requiredEmptyChecks = 3
	for emptyChecks < requiredEmptyChecks {
		spinCount := 0
		for l.inflight.Load() > 0 {
			spinCount++
			if spinCount > 1000 {
				time.Sleep(100 * time.Microsecond)
			} else {
				runtime.Gosched()
			}
		}

		var drained bool
		if l.discard.Load() {
			drained = l.discardReady()
		} else {
			drained = l.runReady()
		}

		if drained || l.inflight.Load() > 0 {
			emptyChecks = 0
		} else {
			emptyChecks++
			runtime.Gosched()
		}
	}

	l.cancelTimers()
	l.registry.closeAll(ErrLoopTerminated)
	l.resolverCancel()
	l.tracker.RejectAll(ErrLoopTerminated)
	l.terminate()

	l.logger.Debug().Uint64("loop", l.id).Uint64("ticks", l.tickCount).Log("reactor: loop terminated")
}

// discardReady drops every queued handle without running it, then runs the
// discard hooks of those that hold resources.
func (l *Loop) discardReady() bool {
	var hooks []func()
	var discarded bool
	l.mu.Lock()
	for {
		h, ok := l.ready.Pop()
		if !ok {
			break
		}
		discarded = true
		if h.state.CompareAndSwap(handlePending, handleCancelled) || h.state.CompareAndSwap(handleFired, handleCancelled) {
			if h.onDiscard != nil {
				hooks = append(hooks, h.onDiscard)
			}
		}
	}
	l.mu.Unlock()
	for _, fn := range hooks {
		fn()
	}
	return discarded
}

// abandon stops a loop that never ran. Queued work is discarded, and
// tracked futures are rejected.
func (l *Loop) abandon() {
	l.state.Store(StateTerminated)
	for l.inflight.Load() > 0 {
		runtime.Gosched()
	}
	l.discardReady()
	l.tracker.RejectAll(ErrLoopTerminated)
	l.terminate()
}

// terminate releases the loop's descriptors.
func (l *Loop) terminate() {
	l.state.Store(StateTerminated)
	l.resolverCancel()
	_ = l.poller.close()
	l.closeWakeFds()
}

func (l *Loop) closeWakeFds() {
	_ = closeFD(l.wakeFd)
	if l.wakeWriteFd != l.wakeFd {
		_ = closeFD(l.wakeWriteFd)
	}
}

// CallSoon schedules fn to run on the loop, after every callback already
// queued. It is safe to call from any goroutine.
//
// The returned handle is already cancelled if the loop has terminated.
func (l *Loop) CallSoon(fn func()) *Handle {
	h := l.newHandle(fn)
	if err := l.enqueue(h); err != nil {
		h.state.Store(handleCancelled)
		l.logger.Warning().Err(err).Log("reactor: callback rejected")
	}
	return h
}

// Post schedules fn to run on the loop, like [Loop.CallSoon], returning
// [ErrLoopTerminated] if the loop has stopped.
func (l *Loop) Post(fn func()) error {
	return l.post(fn)
}

func (l *Loop) post(fn func()) error {
	return l.enqueue(l.newHandle(fn))
}

// postOwned is post for callbacks that own resources: if the handle is
// discarded by Close, or by a loop that never ran, release runs instead.
func (l *Loop) postOwned(fn, release func()) error {
	h := l.newHandle(fn)
	h.onDiscard = release
	return l.enqueue(h)
}

// enqueue adds h to the ready queue, waking the loop if it is sleeping.
func (l *Loop) enqueue(h *Handle) error {
	l.inflight.Add(1)
	defer l.inflight.Add(-1)

	if !l.state.CanAcceptWork() {
		return ErrLoopTerminated
	}

	l.mu.Lock()
	l.ready.Push(h)
	l.mu.Unlock()

	if l.state.Load() == StateSleeping {
		if l.wakePending.CompareAndSwap(0, 1) {
			if err := l.submitWakeup(); err != nil {
				// the handle is queued, and will run if the loop wakes
				l.wakePending.Store(0)
			}
		}
	}

	return nil
}

// pushReady queues h from the loop goroutine, which needs no wake-up.
func (l *Loop) pushReady(h *Handle) {
	l.mu.Lock()
	l.ready.Push(h)
	l.mu.Unlock()
}

func (l *Loop) drainWakeUpPipe() {
	for {
		if _, err := readFD(l.wakeFd, l.wakeBuf[:]); err != nil {
			break
		}
	}
	l.wakePending.Store(0)
}

func (l *Loop) submitWakeup() error {
	if l.state.Load() == StateTerminated {
		return ErrLoopTerminated
	}
	_, err := writeFD(l.wakeWriteFd, wakeBytes)
	return err
}

// Register arms a one-shot readiness registration for (fd, dir): once fd
// is ready, the registration is removed and completion is queued to run on
// the loop. It must be called on the loop goroutine.
//
// A live registration for the same key results in [ErrBusy]; it is never
// replaced or merged. The registry never closes fd.
func (l *Loop) Register(fd int, dir Direction, completion func()) error {
	if !l.isLoopThread() {
		return ErrNotOnLoop
	}
	if completion == nil {
		return fmt.Errorf("reactor: nil completion for fd %d", fd)
	}
	if _, err := l.registry.add(regKey{fd: fd, dir: dir}, fd, completion, nil); err != nil {
		return err
	}
	l.logger.Debug().Int("fd", fd).Str("dir", dir.String()).Log("reactor: descriptor armed")
	return nil
}

// Unregister removes the registration for (fd, dir) without invoking it,
// reporting whether one was removed. It must be called on the loop
// goroutine, and returns false otherwise.
func (l *Loop) Unregister(fd int, dir Direction) bool {
	if !l.isLoopThread() {
		return false
	}
	reg, err := l.registry.remove(regKey{fd: fd, dir: dir})
	if err != nil {
		l.logger.Debug().Int("fd", fd).Err(err).Log("reactor: failed to disarm descriptor")
	}
	return reg != nil
}

// logCritical logs at critical level, falling back to the standard
// library logger if the configured logger panics.
func (l *Loop) logCritical(msg string, err error) {
	defer func() {
		if r := recover(); r != nil {
			log.Printf("CRITICAL: %s: %v (logger panicked: %v)", msg, err, r)
		}
	}()
	l.logger.Crit().Err(err).Uint64("loop", l.id).Log(msg)
}

// isLoopThread checks if we're on the loop goroutine.
func (l *Loop) isLoopThread() bool {
	loopID := l.loopGoroutineID.Load()
	if loopID == 0 {
		return false
	}
	return getGoroutineID() == loopID
}

// getGoroutineID returns the current goroutine's ID.
func getGoroutineID() uint64 {
	var buf [64]byte
	n := runtime.Stack(buf[:], false)
	var id uint64
	for i := len("goroutine "); i < n; i++ {
		if buf[i] >= '0' && buf[i] <= '9' {
			id = id*10 + uint64(buf[i]-'0')
		} else {
			break
		}
	}
	return id
}
