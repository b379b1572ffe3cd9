package reactor

import (
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Metrics is a point-in-time snapshot of loop statistics, as returned by
// [Loop.Metrics]. Collection is enabled by [WithMetrics].
//
// Example:
//
//	loop, _ := New(WithMetrics(true))
//	go loop.Run(ctx)
//	// ...
//	stats := loop.Metrics()
//	fmt.Printf("CPS: %.2f, P99 latency: %v\n", stats.CPS, stats.Latency.P99)
type Metrics struct {
	// Latency is the distribution of callback execution times.
	Latency LatencyStats

	// Ready, Timers and Registrations are sampled once per tick.
	Ready         DepthStats
	Timers        DepthStats
	Registrations DepthStats

	// CPS is callbacks executed per second, over a rolling window.
	CPS float64

	// Callbacks is the total number of callbacks executed.
	Callbacks uint64
	// Retries counts socket operations re-registered after a transient
	// failure (EAGAIN, EINTR, in-progress connect).
	Retries uint64
	// Faults counts socket and resolver operations that completed with an
	// error.
	Faults uint64
	// Reports counts exception reports emitted by the default handler.
	Reports uint64
	// ReportsDropped counts exception reports suppressed by the rate limit
	// (see WithReportRateLimit).
	ReportsDropped uint64
}

// LatencyStats holds percentiles computed from the most recent samples.
type LatencyStats struct {
	P50     time.Duration
	P90     time.Duration
	P95     time.Duration
	P99     time.Duration
	Max     time.Duration
	Mean    time.Duration
	Samples int
}

// DepthStats tracks a sampled depth (queue length, map size).
type DepthStats struct {
	Current int
	Max     int
	// Avg is an exponential moving average (alpha=0.1), initialised to the
	// first observed value.
	Avg         float64
	initialized bool
}

func (d *DepthStats) update(depth int) {
	d.Current = depth
	if depth > d.Max {
		d.Max = depth
	}
	if !d.initialized {
		d.Avg = float64(depth)
		d.initialized = true
	} else {
		d.Avg = 0.9*d.Avg + 0.1*float64(depth)
	}
}

// sampleSize is the number of latency samples retained.
const sampleSize = 1000

// latencyRecorder keeps a rolling buffer of samples.
type latencyRecorder struct {
	samples     [sampleSize]time.Duration
	sum         time.Duration
	sampleIdx   int
	sampleCount int
	mu          sync.Mutex
}

func (l *latencyRecorder) Record(duration time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sampleCount >= sampleSize {
		l.sum -= l.samples[l.sampleIdx]
	}

	l.samples[l.sampleIdx] = duration
	l.sum += duration
	l.sampleIdx++
	if l.sampleIdx >= sampleSize {
		l.sampleIdx = 0
	}
	if l.sampleCount < sampleSize {
		l.sampleCount++
	}
}

// Sample computes percentiles over the retained samples. It sorts a copy,
// so should not be called more than about once per second.
func (l *latencyRecorder) Sample() LatencyStats {
	l.mu.Lock()
	defer l.mu.Unlock()

	count := l.sampleCount
	if count == 0 {
		return LatencyStats{}
	}

	sorted := make([]time.Duration, count)
	copy(sorted, l.samples[:count])
	slices.Sort(sorted)

	return LatencyStats{
		P50:     sorted[percentileIndex(count, 50)],
		P90:     sorted[percentileIndex(count, 90)],
		P95:     sorted[percentileIndex(count, 95)],
		P99:     sorted[percentileIndex(count, 99)],
		Max:     sorted[count-1],
		Mean:    l.sum / time.Duration(count),
		Samples: count,
	}
}

// percentileIndex computes the index for a given percentile (0-100).
func percentileIndex(n, p int) int {
	index := (p * n) / 100
	if index >= n {
		return n - 1
	}
	return index
}

// rateCounter tracks events per second over a rolling window of buckets.
type rateCounter struct {
	lastRotation time.Time
	buckets      []int64
	bucketSize   time.Duration
	windowSize   time.Duration
	mu           sync.Mutex
}

func newRateCounter(windowSize, bucketSize time.Duration) *rateCounter {
	bucketCount := int(windowSize / bucketSize)
	if bucketCount < 1 {
		bucketCount = 1
	}
	return &rateCounter{
		lastRotation: time.Now(),
		buckets:      make([]int64, bucketCount),
		bucketSize:   bucketSize,
		windowSize:   windowSize,
	}
}

func (t *rateCounter) Increment() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotate(time.Now())
	t.buckets[len(t.buckets)-1]++
}

// rotate advances the window, must be called with mu held.
func (t *rateCounter) rotate(now time.Time) {
	advance := int(now.Sub(t.lastRotation) / t.bucketSize)
	if advance <= 0 {
		return
	}
	if advance >= len(t.buckets) {
		clear(t.buckets)
		t.lastRotation = now
		return
	}
	copy(t.buckets, t.buckets[advance:])
	clear(t.buckets[len(t.buckets)-advance:])
	t.lastRotation = t.lastRotation.Add(time.Duration(advance) * t.bucketSize)
}

// Rate returns the events per second, averaged over the window.
func (t *rateCounter) Rate() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rotate(time.Now())
	var sum int64
	for _, count := range t.buckets {
		sum += count
	}
	if sum == 0 {
		return 0
	}
	return float64(sum) / t.windowSize.Seconds()
}

// metricsCollector is owned by a Loop with metrics enabled. Recording
// methods are nil-safe, so the loop may call them unconditionally.
type metricsCollector struct {
	latency latencyRecorder
	rate    *rateCounter
	queueMu sync.Mutex
	ready   DepthStats
	timers  DepthStats
	regs    DepthStats
	calls   atomic.Uint64
	retries atomic.Uint64
	faults  atomic.Uint64
	reports atomic.Uint64
	dropped atomic.Uint64
}

func newMetricsCollector() *metricsCollector {
	return &metricsCollector{
		rate: newRateCounter(10*time.Second, 100*time.Millisecond),
	}
}

func (m *metricsCollector) recordCallback(d time.Duration) {
	if m == nil {
		return
	}
	m.calls.Add(1)
	m.latency.Record(d)
	m.rate.Increment()
}

func (m *metricsCollector) recordDepths(ready, timers, regs int) {
	if m == nil {
		return
	}
	m.queueMu.Lock()
	m.ready.update(ready)
	m.timers.update(timers)
	m.regs.update(regs)
	m.queueMu.Unlock()
}

func (m *metricsCollector) recordRetry() {
	if m != nil {
		m.retries.Add(1)
	}
}

func (m *metricsCollector) recordFault() {
	if m != nil {
		m.faults.Add(1)
	}
}

func (m *metricsCollector) recordReport(dropped bool) {
	if m == nil {
		return
	}
	if dropped {
		m.dropped.Add(1)
	} else {
		m.reports.Add(1)
	}
}

func (m *metricsCollector) snapshot() *Metrics {
	s := &Metrics{
		Latency:        m.latency.Sample(),
		CPS:            m.rate.Rate(),
		Callbacks:      m.calls.Load(),
		Retries:        m.retries.Load(),
		Faults:         m.faults.Load(),
		Reports:        m.reports.Load(),
		ReportsDropped: m.dropped.Load(),
	}
	m.queueMu.Lock()
	s.Ready = m.ready
	s.Timers = m.timers
	s.Registrations = m.regs
	m.queueMu.Unlock()
	return s
}
