//go:build linux || darwin

package reactor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"
)

func TestLoop_CallSoonFIFO(t *testing.T) {
	loop := newTestLoop(t)
	startLoop(t, loop)

	const n = 1000
	var (
		order   []int
		running atomic.Int32
		wg      sync.WaitGroup
	)
	wg.Add(n)
	for i := 0; i < n; i++ {
		loop.CallSoon(func() {
			defer wg.Done()
			if running.Add(1) != 1 {
				t.Error("callbacks ran concurrently")
			}
			order = append(order, i)
			running.Add(-1)
		})
	}
	wg.Wait()

	require.Len(t, order, n)
	for i, v := range order {
		if v != i {
			t.Fatalf("out of order at %d: got %d", i, v)
		}
	}
}

func TestLoop_CallbacksRunOnLoopGoroutine(t *testing.T) {
	loop := newTestLoop(t)
	startLoop(t, loop)

	assert.False(t, loop.isLoopThread())
	onLoop(t, loop, func() {
		assert.True(t, loop.isLoopThread())
	})
}

func TestLoop_NestedCallSoonRunsNextTick(t *testing.T) {
	loop := newTestLoop(t)
	startLoop(t, loop)

	var order []string
	onLoop(t, loop, func() {
		loop.CallSoon(func() { order = append(order, "nested") })
		order = append(order, "outer")
	})
	onLoop(t, loop, func() {})
	assert.Equal(t, []string{"outer", "nested"}, order)
}

func TestLoop_RunTwice(t *testing.T) {
	loop := newTestLoop(t)
	startLoop(t, loop)

	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopAlreadyRunning)
}

func TestLoop_ReentrantRun(t *testing.T) {
	loop := newTestLoop(t)
	startLoop(t, loop)

	var err error
	onLoop(t, loop, func() { err = loop.Run(context.Background()) })
	assert.ErrorIs(t, err, ErrReentrantRun)
}

func TestLoop_ShutdownRunsQueuedCallbacks(t *testing.T) {
	loop := newTestLoop(t)
	done := startLoop(t, loop)

	var ran atomic.Int32
	block := make(chan struct{})
	loop.CallSoon(func() { <-block })
	for i := 0; i < 10; i++ {
		loop.CallSoon(func() { ran.Add(1) })
	}

	shutdownErr := make(chan error, 1)
	go func() { shutdownErr <- loop.Shutdown(context.Background()) }()
	close(block)

	require.NoError(t, <-shutdownErr)
	require.NoError(t, <-done)
	assert.EqualValues(t, 10, ran.Load())
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoop_ShutdownBeforeRun(t *testing.T) {
	loop := newTestLoop(t)

	require.NoError(t, loop.Shutdown(context.Background()))
	assert.Equal(t, StateTerminated, loop.State())
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopTerminated)
	assert.ErrorIs(t, loop.Shutdown(context.Background()), ErrLoopTerminated)
}

func TestLoop_ShutdownAfterRun(t *testing.T) {
	loop := newTestLoop(t)
	done := startLoop(t, loop)

	require.NoError(t, loop.Shutdown(context.Background()))
	require.NoError(t, <-done)
	assert.ErrorIs(t, loop.Shutdown(context.Background()), ErrLoopTerminated)
	assert.ErrorIs(t, loop.Close(), ErrLoopTerminated)
}

func TestLoop_CloseBeforeRun(t *testing.T) {
	loop := newTestLoop(t)

	require.NoError(t, loop.Close())
	assert.ErrorIs(t, loop.Close(), ErrLoopTerminated)
	assert.ErrorIs(t, loop.Run(context.Background()), ErrLoopTerminated)
}

func TestLoop_ContextCancelStopsRun(t *testing.T) {
	loop := newTestLoop(t)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	waitRunning(t, loop)

	cancel()
	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, StateTerminated, loop.State())
}

func TestLoop_WorkRejectedAfterTermination(t *testing.T) {
	loop := newTestLoop(t)
	require.NoError(t, loop.Shutdown(context.Background()))

	assert.ErrorIs(t, loop.Post(func() {}), ErrLoopTerminated)

	h := loop.CallSoon(func() { t.Error("should not run") })
	assert.True(t, h.Cancelled())

	h = loop.CallLater(time.Hour, func() { t.Error("should not run") })
	assert.True(t, h.Cancelled())
}

func TestLoop_CallbackPanicReported(t *testing.T) {
	reports := make(chan ExceptionContext, 1)
	loop := newTestLoop(t, WithExceptionHandler(func(_ *Loop, ctx ExceptionContext) error {
		reports <- ctx
		return nil
	}))
	startLoop(t, loop)

	h := loop.CallSoon(func() { panic("boom") })

	select {
	case ctx := <-reports:
		assert.Contains(t, ctx[KeyMessage], "Exception in callback Handle(")
		assert.NotContains(t, ctx[KeyMessage], " done", "the callback was still running")
		var perr PanicError
		require.ErrorAs(t, ctx[KeyException].(error), &perr)
		assert.Equal(t, "boom", perr.Value)
		assert.IsType(t, &Handle{}, ctx[KeyHandle])
	case <-time.After(5 * time.Second):
		t.Fatal("no report")
	}

	// the loop survives
	onLoop(t, loop, func() {})
	assert.Contains(t, h.String(), " done")
}

func TestLoop_ShutdownErrorStopsRun(t *testing.T) {
	loop := newTestLoop(t)
	done := startLoop(t, loop)

	var after atomic.Bool
	loop.CallSoon(func() { panic(fmt.Errorf("%w: interrupted", ErrShutdown)) })
	loop.CallLater(time.Hour, func() { after.Store(true) })

	select {
	case err := <-done:
		require.ErrorIs(t, err, ErrShutdown)
		assert.Equal(t, "reactor: shutdown requested: interrupted", err.Error())
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.False(t, after.Load())
}

func TestLoop_ShutdownErrorFirstWins(t *testing.T) {
	loop := newTestLoop(t)
	done := startLoop(t, loop)

	first := fmt.Errorf("%w: first", ErrShutdown)
	second := fmt.Errorf("%w: second", ErrShutdown)
	onLoop(t, loop, func() {
		loop.CallSoon(func() { panic(first) })
		loop.CallSoon(func() { panic(second) })
	})

	select {
	case err := <-done:
		assert.Same(t, first, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestLoop_RegisterOffLoop(t *testing.T) {
	loop := newTestLoop(t)
	startLoop(t, loop)

	assert.ErrorIs(t, loop.Register(0, Read, func() {}), ErrNotOnLoop)
	assert.False(t, loop.Unregister(0, Read))
}

func TestLoop_RegisterReadiness(t *testing.T) {
	loop := newTestLoop(t)
	startLoop(t, loop)
	a, b := newTestPair(t)

	fired := make(chan bool, 1)
	onLoop(t, loop, func() {
		assert.NoError(t, loop.Register(a, Read, func() { fired <- loop.isLoopThread() }))
		assert.ErrorIs(t, loop.Register(a, Read, func() {}), ErrBusy)
	})

	_, err := unix.Write(b, []byte("ping"))
	require.NoError(t, err)

	select {
	case onLoopThread := <-fired:
		assert.True(t, onLoopThread)
	case <-time.After(5 * time.Second):
		t.Fatal("completion did not run")
	}

	// one-shot: the key is free again
	onLoop(t, loop, func() {
		assert.NoError(t, loop.Register(a, Read, func() {}))
		assert.True(t, loop.Unregister(a, Read))
		assert.False(t, loop.Unregister(a, Read))
	})
}

func TestLoop_Metrics(t *testing.T) {
	loop := newTestLoop(t)
	assert.Nil(t, loop.Metrics())

	loop = newTestLoop(t, WithMetrics(true))
	startLoop(t, loop)

	for i := 0; i < 5; i++ {
		onLoop(t, loop, func() { time.Sleep(time.Millisecond) })
	}

	m := loop.Metrics()
	require.NotNil(t, m)
	assert.GreaterOrEqual(t, m.Callbacks, uint64(5))
	assert.GreaterOrEqual(t, m.Latency.Max, time.Millisecond)
	assert.Positive(t, m.CPS)
}

func TestLoop_PostFromManyGoroutines(t *testing.T) {
	loop := newTestLoop(t)
	startLoop(t, loop)

	const goroutines, perGoroutine = 8, 200
	var (
		count int
		wg    sync.WaitGroup
	)
	wg.Add(goroutines * perGoroutine)
	for g := 0; g < goroutines; g++ {
		go func() {
			for i := 0; i < perGoroutine; i++ {
				if err := loop.Post(func() {
					count++
					wg.Done()
				}); err != nil {
					t.Error(err)
					wg.Done()
				}
			}
		}()
	}
	wg.Wait()

	var got int
	onLoop(t, loop, func() { got = count })
	assert.Equal(t, goroutines*perGoroutine, got)
}

func TestGetGoroutineID(t *testing.T) {
	id := getGoroutineID()
	assert.NotZero(t, id)

	other := make(chan uint64)
	go func() { other <- getGoroutineID() }()
	assert.NotEqual(t, id, <-other)
}

func TestLogCritical_LoggerPanics(t *testing.T) {
	writer := &testEventWriter{
		onWrite: func(*testEvent) error { panic("logger panic") },
	}
	loop := newTestLoop(t)
	loop.logger = newWriterLogger(writer)

	assert.NotPanics(t, func() {
		loop.logCritical("test critical message", errors.New("test error"))
	})
}
