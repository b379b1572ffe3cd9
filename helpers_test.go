//go:build linux || darwin

package reactor

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/joeycumines/logiface"
	"github.com/stretchr/testify/require"
)

// testEvent is a minimal logiface.Event implementation, recording fields so
// tests can assert on log output.
type testEvent struct {
	logiface.UnimplementedEvent
	fields map[string]any
	level  logiface.Level
}

func (e *testEvent) Level() logiface.Level { return e.level }

func (e *testEvent) AddField(key string, val any) {
	if e.fields == nil {
		e.fields = make(map[string]any)
	}
	e.fields[key] = val
}

// testEventFactory creates testEvent instances.
type testEventFactory struct{}

func (f *testEventFactory) NewEvent(level logiface.Level) *testEvent {
	return &testEvent{level: level}
}

// testEventWriter writes testEvent instances.
type testEventWriter struct {
	onWrite func(*testEvent) error
}

func (w *testEventWriter) Write(event *testEvent) error {
	if w.onWrite != nil {
		return w.onWrite(event)
	}
	return nil
}

// newWriterLogger returns a logger (at the default level) writing to w.
func newWriterLogger(w *testEventWriter) *logiface.Logger[logiface.Event] {
	return logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](&testEventFactory{}),
		logiface.WithWriter[*testEvent](w),
	).Logger()
}

// logRecord is a single captured log event.
type logRecord struct {
	fields map[string]any
	level  logiface.Level
}

func (r logRecord) msg() string {
	s, _ := r.fields["msg"].(string)
	return s
}

func (r logRecord) err() error {
	err, _ := r.fields["err"].(error)
	return err
}

// logCapture collects every event written to its logger.
type logCapture struct {
	records []logRecord
	mu      sync.Mutex
}

func (c *logCapture) logger(level logiface.Level) *logiface.Logger[logiface.Event] {
	writer := &testEventWriter{
		onWrite: func(event *testEvent) error {
			c.mu.Lock()
			c.records = append(c.records, logRecord{fields: event.fields, level: event.level})
			c.mu.Unlock()
			return nil
		},
	}
	return logiface.New[*testEvent](
		logiface.WithEventFactory[*testEvent](&testEventFactory{}),
		logiface.WithWriter[*testEvent](writer),
		logiface.WithLevel[*testEvent](level),
	).Logger()
}

// atLevel returns the captured records at exactly level.
func (c *logCapture) atLevel(level logiface.Level) []logRecord {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []logRecord
	for _, r := range c.records {
		if r.level == level {
			out = append(out, r)
		}
	}
	return out
}

// newTestLoop creates a loop with a discarding logger, unless opts sets
// one. The loop is closed when the test ends.
func newTestLoop(t *testing.T, opts ...LoopOption) *Loop {
	t.Helper()
	var capture logCapture
	opts = append([]LoopOption{WithLogger(capture.logger(logiface.LevelWarning))}, opts...)
	loop, err := New(opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = loop.Close() })
	return loop
}

// startLoop runs loop in a goroutine, shutting it down when the test ends.
// The returned channel receives the result of Run.
func startLoop(t *testing.T, loop *Loop) <-chan error {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()
	t.Cleanup(func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		_ = loop.Shutdown(shutdownCtx)
		cancel()
	})
	waitRunning(t, loop)
	return done
}

func waitRunning(t *testing.T, loop *Loop) {
	t.Helper()
	require.Eventually(t, loop.IsRunning, 2*time.Second, time.Millisecond)
}

// await waits for fut, failing the test after a timeout.
func await[T any](t *testing.T, fut *Future[T]) (T, error) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	v, err := fut.Wait(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("timed out waiting for %v", fut)
	}
	return v, err
}

// onLoop runs fn on the loop goroutine, and waits for it to return.
func onLoop(t *testing.T, loop *Loop, fn func()) {
	t.Helper()
	done := make(chan struct{})
	require.NoError(t, loop.Post(func() {
		defer close(done)
		fn()
	}))
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for the loop")
	}
}
