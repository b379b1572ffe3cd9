package reactor

import (
	"container/heap"
	"time"
)

// maxPollTimeout caps a single blocking poll.
const maxPollTimeout = 10 * time.Second

type timer struct {
	when   time.Time
	handle *Handle
	id     uint64
	index  int
}

// timerHeap is a min-heap ordered by (when, id), so that timers sharing a
// deadline fire in the order they were scheduled.
type timerHeap []*timer

func (h timerHeap) Len() int { return len(h) }

func (h timerHeap) Less(i, j int) bool {
	if h[i].when.Equal(h[j].when) {
		return h[i].id < h[j].id
	}
	return h[i].when.Before(h[j].when)
}

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*timer)
	t.index = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.index = -1
	*h = old[:n-1]
	return t
}

// Time returns the loop's current time. Values carry a monotonic clock
// reading, so deadlines derived from them are immune to wall clock changes.
func (l *Loop) Time() time.Time {
	return time.Now()
}

// CallLater schedules fn to run on the loop after delay. A delay of zero or
// less schedules fn like [Loop.CallSoon].
func (l *Loop) CallLater(delay time.Duration, fn func()) *Handle {
	return l.callAt(l.Time().Add(delay), fn)
}

// CallAt schedules fn to run on the loop at (or after) when. A deadline
// that has already passed schedules fn like [Loop.CallSoon], and the
// handle's When is zero.
//
// The returned handle is already cancelled if the loop has terminated.
func (l *Loop) CallAt(when time.Time, fn func()) *Handle {
	return l.callAt(when, fn)
}

func (l *Loop) callAt(when time.Time, fn func()) *Handle {
	h := l.newHandle(fn)

	// a deadline already passed is a plain CallSoon, with a zero When
	if !when.After(l.Time()) {
		if err := l.enqueue(h); err != nil {
			h.state.Store(handleCancelled)
			l.logger.Warning().Err(err).Log("reactor: timer rejected")
		}
		return h
	}

	h.when = when
	h.id = l.nextTimerID.Add(1)
	if l.isLoopThread() {
		l.addTimer(h)
		return h
	}
	if err := l.post(func() { l.addTimer(h) }); err != nil {
		h.state.Store(handleCancelled)
		l.logger.Warning().Err(err).Log("reactor: timer rejected")
	}
	return h
}

// addTimer inserts h into the heap, unless it was cancelled in transit.
func (l *Loop) addTimer(h *Handle) {
	if h.state.Load() != handlePending {
		return
	}
	t := &timer{when: h.when, handle: h, id: h.id}
	heap.Push(&l.timers, t)
	l.timerIndex[t.id] = t
	l.logger.Debug().
		Uint64("timer", t.id).
		Dur("delay", time.Until(t.when)).
		Log("reactor: timer scheduled")
}

// cancelTimer removes the timer with id, from any goroutine.
func (l *Loop) cancelTimer(id uint64) {
	if l.isLoopThread() {
		l.removeTimer(id)
		return
	}
	// a terminated loop has already discarded its timers
	_ = l.post(func() { l.removeTimer(id) })
}

func (l *Loop) removeTimer(id uint64) {
	t, ok := l.timerIndex[id]
	if !ok {
		return
	}
	delete(l.timerIndex, id)
	heap.Remove(&l.timers, t.index)
}

// runTimers moves every timer due at now to the ready queue. Timers are
// never run inline, so they stay ordered with respect to other callbacks.
func (l *Loop) runTimers(now time.Time) {
	for len(l.timers) > 0 {
		if l.timers[0].when.After(now) {
			break
		}
		t := heap.Pop(&l.timers).(*timer)
		delete(l.timerIndex, t.id)
		if t.handle.state.CompareAndSwap(handlePending, handleFired) {
			l.pushReady(t.handle)
		}
	}
}

// calculateTimeout determines how long to block in poll, in milliseconds,
// rounding up so that the loop never wakes before the next deadline.
func (l *Loop) calculateTimeout() int {
	maxDelay := maxPollTimeout

	if len(l.timers) > 0 {
		delay := time.Until(l.timers[0].when)
		if delay < 0 {
			delay = 0
		}
		if delay < maxDelay {
			maxDelay = delay
		}
	}

	ms := maxDelay / time.Millisecond
	if maxDelay%time.Millisecond != 0 {
		ms++
	}
	return int(ms)
}

// cancelTimers discards every pending timer.
func (l *Loop) cancelTimers() {
	for _, t := range l.timers {
		t.handle.state.CompareAndSwap(handlePending, handleCancelled)
	}
	l.timers = nil
	clear(l.timerIndex)
}
