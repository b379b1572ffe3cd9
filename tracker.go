package reactor

import (
	"sync"
	"weak"
)

// futureTracker tracks the futures of in-flight operations using weak
// pointers, so that shutdown can reject whatever is still pending without
// keeping abandoned futures alive. A ring of ids is scanned incrementally
// (see Scavenge) to drop entries that have settled or been collected.
//
// Only operation futures (newOpFuture) are tracked. Futures made by
// NewFuture belong to the caller, and are never rejected by the loop.
type futureTracker struct {
	data map[uint64]weak.Pointer[futureCore]

	// ring is a circular buffer of ids, 0 marking a removed entry
	ring []uint64

	head   int
	nextID uint64
	mu     sync.RWMutex

	// scavengeMu serializes scavenge passes, for compaction safety
	scavengeMu sync.Mutex
}

func newFutureTracker() *futureTracker {
	return &futureTracker{
		data:   make(map[uint64]weak.Pointer[futureCore]),
		ring:   make([]uint64, 0, 1024),
		nextID: 1,
	}
}

// track registers c, returning its id.
func (r *futureTracker) track(c *futureCore) uint64 {
	wp := weak.Make(c)

	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextID
	r.nextID++

	r.data[id] = wp
	r.ring = append(r.ring, id)

	return id
}

// Len returns the number of tracked (possibly settled) futures.
func (r *futureTracker) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.data)
}

// Scavenge checks up to batchSize entries of the ring, removing those that
// were collected or are no longer pending. The loop calls it once per tick,
// so a pass never blocks the loop for long. Settled entries go at once, as
// shutdown has nothing left to reject for them.
func (r *futureTracker) Scavenge(batchSize int) {
	r.scavengeMu.Lock()
	defer r.scavengeMu.Unlock()

	if batchSize <= 0 {
		return
	}

	r.mu.RLock()
	ringLen := len(r.ring)
	if ringLen == 0 {
		r.mu.RUnlock()
		return
	}

	start := r.head
	end := min(start+batchSize, ringLen)

	type item struct {
		wp  weak.Pointer[futureCore]
		id  uint64
		idx int
	}
	items := make([]item, 0, end-start)
	for i := start; i < end; i++ {
		id := r.ring[i]
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			items = append(items, item{wp: wp, id: id, idx: i})
		}
	}

	nextHead := end
	if nextHead >= ringLen {
		nextHead = 0
	}
	r.mu.RUnlock()

	cycleCompleted := nextHead == 0

	var remove []item
	for _, it := range items {
		if c := it.wp.Value(); c == nil || c.State() != FuturePending {
			remove = append(remove, it)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	for _, it := range remove {
		delete(r.data, it.id)
		if it.idx < len(r.ring) && r.ring[it.idx] == it.id {
			r.ring[it.idx] = 0
		}
	}

	r.head = nextHead

	// compact once the load factor drops below 25%
	if cycleCompleted && len(r.ring) > 256 && float64(len(r.data)) < float64(len(r.ring))*0.25 {
		r.compactAndRenew()
	}
}

// RejectAll rejects every pending tracked future with err, and clears the
// tracker. Futures are settled outside the lock, as settling may run done
// callbacks inline.
func (r *futureTracker) RejectAll(err error) {
	r.mu.Lock()
	pending := make([]*futureCore, 0, len(r.data))
	for _, wp := range r.data {
		if c := wp.Value(); c != nil {
			pending = append(pending, c)
		}
	}
	clear(r.data)
	r.ring = r.ring[:0]
	r.head = 0
	r.mu.Unlock()

	for _, c := range pending {
		c.settle(nil, err, FutureRejected)
	}
}

// compactAndRenew rebuilds the ring without null markers, and reallocates
// the map to release its buckets. Must be called with mu held.
func (r *futureTracker) compactAndRenew() {
	newRing := make([]uint64, 0, len(r.data))
	newData := make(map[uint64]weak.Pointer[futureCore], len(r.data))

	for _, id := range r.ring {
		if id == 0 {
			continue
		}
		if wp, ok := r.data[id]; ok {
			newRing = append(newRing, id)
			newData[id] = wp
		}
	}

	r.ring = newRing
	r.data = newData
	r.head = 0
}
