//go:build linux || darwin

package reactor

import (
	"errors"
	"fmt"
	"runtime"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newCaptureLoop(t *testing.T, opts ...LoopOption) (*Loop, *logCapture) {
	t.Helper()
	capture := &logCapture{}
	loop := newTestLoop(t, append([]LoopOption{WithLogger(capture.logger(logiface.LevelWarning))}, opts...)...)
	return loop, capture
}

func TestCallExceptionHandler_SingleLogLine(t *testing.T) {
	loop, capture := newCaptureLoop(t)

	loop.CallExceptionHandler(ExceptionContext{KeyMessage: "x"})

	records := capture.atLevel(logiface.LevelError)
	require.Len(t, records, 1)
	assert.Contains(t, records[0].msg(), "x")
	assert.Nil(t, records[0].err())
}

func TestDefaultExceptionHandler_Format(t *testing.T) {
	loop, capture := newCaptureLoop(t)

	cause := errors.New("cause")
	require.NoError(t, loop.DefaultExceptionHandler(ExceptionContext{
		"zeta":             2,
		"alpha":            "one",
		KeyException:       cause,
		KeySourceTraceback: "  File \"a.go\", line 1, in main\n",
	}))

	records := capture.atLevel(logiface.LevelError)
	require.Len(t, records, 1)
	assert.Equal(t, strings.Join([]string{
		"Unhandled exception in event loop",
		"alpha: one",
		"Object created at (most recent call last):",
		"  File \"a.go\", line 1, in main",
		"zeta: 2",
	}, "\n"), records[0].msg())
	assert.Same(t, cause, records[0].err())
}

func TestDefaultExceptionHandler_DoesNotMutateContext(t *testing.T) {
	loop, _ := newCaptureLoop(t, WithDebug(true))

	h := loop.newHandle(func() {})
	ctx := ExceptionContext{KeyHandle: h}
	require.NoError(t, loop.DefaultExceptionHandler(ctx))
	assert.Len(t, ctx, 1)
}

func TestDefaultExceptionHandler_HandleTraceback(t *testing.T) {
	loop, capture := newCaptureLoop(t, WithDebug(true))
	startLoop(t, loop)

	loop.CallSoon(func() { panic("boom") })

	require.Eventually(t, func() bool {
		return len(capture.atLevel(logiface.LevelError)) == 1
	}, 5*time.Second, time.Millisecond)

	record := capture.atLevel(logiface.LevelError)[0]
	msg := record.msg()
	assert.True(t, strings.HasPrefix(msg, "Exception in callback Handle("), msg)
	assert.Contains(t, msg, "Handle created at (most recent call last):")
	assert.Contains(t, msg, "TestDefaultExceptionHandler_HandleTraceback")
	assert.Contains(t, msg, "handle: Handle(")
	assert.ErrorContains(t, record.err(), "boom")
}

func TestCustomHandler_Failure(t *testing.T) {
	for _, tc := range []struct {
		name    string
		handler ExceptionHandler
	}{
		{
			name: "error",
			handler: func(*Loop, ExceptionContext) error {
				return errors.New("handler failed")
			},
		},
		{
			name: "panic",
			handler: func(*Loop, ExceptionContext) error {
				panic("handler failed")
			},
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			loop, capture := newCaptureLoop(t, WithExceptionHandler(tc.handler))

			loop.CallExceptionHandler(ExceptionContext{KeyMessage: "original"})

			records := capture.atLevel(logiface.LevelError)
			require.Len(t, records, 1)
			msg := records[0].msg()
			assert.True(t, strings.HasPrefix(msg, "Unhandled error in exception handler\n"), msg)
			assert.Contains(t, msg, "context: map[message:original]")
			assert.ErrorContains(t, records[0].err(), "handler failed")
		})
	}
}

func TestDefaultHandler_FailureLoggedAndDropped(t *testing.T) {
	var (
		mu      sync.Mutex
		records []logRecord
		failed  bool
	)
	logger := newWriterLogger(&testEventWriter{onWrite: func(event *testEvent) error {
		mu.Lock()
		defer mu.Unlock()
		if event.level == logiface.LevelError && !failed {
			failed = true
			panic("sink failed")
		}
		records = append(records, logRecord{fields: event.fields, level: event.level})
		return nil
	}})
	loop := newTestLoop(t,
		WithLogger(logger),
		WithExceptionHandler(func(*Loop, ExceptionContext) error {
			return errors.New("handler failed")
		}),
	)

	require.NotPanics(t, func() {
		loop.CallExceptionHandler(ExceptionContext{KeyMessage: "original"})
	})

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, records, 1)
	assert.Equal(t, logiface.LevelCritical, records[0].level)
	assert.Equal(t, "Exception in default exception handler", records[0].msg())
	assert.ErrorContains(t, records[0].err(), "sink failed")
}

func TestCustomHandler_ShutdownReraised(t *testing.T) {
	shutdown := fmt.Errorf("%w: from handler", ErrShutdown)
	loop, capture := newCaptureLoop(t, WithExceptionHandler(func(*Loop, ExceptionContext) error {
		return shutdown
	}))

	assert.Equal(t, shutdown, recoverError(func() {
		loop.CallExceptionHandler(ExceptionContext{KeyMessage: "x"})
	}))
	assert.Empty(t, capture.atLevel(logiface.LevelError))
}

func TestCustomHandler_ShutdownFromCallbackReport(t *testing.T) {
	shutdown := fmt.Errorf("%w: from handler", ErrShutdown)
	loop, _ := newCaptureLoop(t, WithExceptionHandler(func(*Loop, ExceptionContext) error {
		panic(shutdown)
	}))
	done := startLoop(t, loop)

	loop.CallSoon(func() { panic("boom") })

	select {
	case err := <-done:
		assert.Same(t, shutdown, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}

func TestSetExceptionHandler(t *testing.T) {
	loop, capture := newCaptureLoop(t)
	assert.Nil(t, loop.ExceptionHandler())

	var got []ExceptionContext
	loop.SetExceptionHandler(func(l *Loop, ctx ExceptionContext) error {
		assert.Same(t, loop, l)
		got = append(got, ctx)
		return nil
	})
	require.NotNil(t, loop.ExceptionHandler())

	loop.CallExceptionHandler(ExceptionContext{KeyMessage: "custom"})
	assert.Len(t, got, 1)
	assert.Empty(t, capture.atLevel(logiface.LevelError))

	loop.SetExceptionHandler(nil)
	loop.CallExceptionHandler(ExceptionContext{KeyMessage: "default"})
	assert.Len(t, got, 1)
	assert.Len(t, capture.atLevel(logiface.LevelError), 1)
}

func TestDefaultExceptionHandler_RateLimit(t *testing.T) {
	loop, capture := newCaptureLoop(t,
		WithMetrics(true),
		WithReportRateLimit(map[time.Duration]int{time.Minute: 1}),
	)

	for i := 0; i < 3; i++ {
		loop.CallExceptionHandler(ExceptionContext{KeyMessage: "noisy"})
	}
	loop.CallExceptionHandler(ExceptionContext{KeyMessage: "other"})

	assert.Len(t, capture.atLevel(logiface.LevelError), 2)
	assert.Len(t, capture.atLevel(logiface.LevelWarning), 2)

	m := loop.Metrics()
	assert.EqualValues(t, 2, m.Reports)
	assert.EqualValues(t, 2, m.ReportsDropped)
}

func TestFormatTraceback(t *testing.T) {
	frames := []runtime.Frame{
		{Function: "main.inner", File: "/src/main.go", Line: 20},
		{Function: "main.outer", File: "/src/main.go", Line: 10},
	}
	assert.Equal(t,
		"  File \"/src/main.go\", line 10, in main.outer\n  File \"/src/main.go\", line 20, in main.inner",
		formatTraceback(frames),
	)

	assert.Equal(t, "a\nb", formatTraceback([]string{"a", "b\n"}))
	assert.Equal(t, "42", formatTraceback(42))

	pcs := callers(1)
	assert.Contains(t, formatTraceback(pcs), "TestFormatTraceback")
}
