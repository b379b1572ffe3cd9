package reactor

import (
	"sync"
)

// chunkSize is the number of handles per node in the readyQueue linked list.
const chunkSize = 128

// readyQueue is the FIFO of handles waiting to run, implemented as a linked
// list of fixed-size chunks recycled through a sync.Pool.
//
// It is NOT thread-safe; the loop guards it with its own mutex.
type readyQueue struct { // betteralign:ignore
	head   *chunk
	tail   *chunk
	length int
}

var chunkPool = sync.Pool{
	New: func() any {
		return &chunk{}
	},
}

// chunk is a fixed-size node, read at readPos and written at pos.
type chunk struct {
	handles [chunkSize]*Handle
	next    *chunk
	readPos int
	pos     int
}

func newChunk() *chunk {
	c := chunkPool.Get().(*chunk)
	c.pos = 0
	c.readPos = 0
	c.next = nil
	return c
}

// returnChunk clears any retained handles, then recycles the chunk.
func returnChunk(c *chunk) {
	for i := 0; i < c.pos; i++ {
		c.handles[i] = nil
	}
	c.pos = 0
	c.readPos = 0
	c.next = nil
	chunkPool.Put(c)
}

// Push appends a handle to the tail of the queue.
func (q *readyQueue) Push(h *Handle) {
	if q.tail == nil {
		q.tail = newChunk()
		q.head = q.tail
	}

	if q.tail.pos == len(q.tail.handles) {
		newTail := newChunk()
		q.tail.next = newTail
		q.tail = newTail
	}

	q.tail.handles[q.tail.pos] = h
	q.tail.pos++
	q.length++
}

// Pop removes and returns the head of the queue, or false if it is empty.
// An exhausted head chunk is recycled immediately, unless it is also the
// tail, in which case its cursors are rewound.
func (q *readyQueue) Pop() (*Handle, bool) {
	c := q.head
	if c == nil || c.readPos >= c.pos {
		return nil, false
	}

	h := c.handles[c.readPos]
	c.handles[c.readPos] = nil
	c.readPos++
	q.length--

	if c.readPos >= c.pos {
		if c == q.tail {
			c.pos = 0
			c.readPos = 0
		} else {
			q.head = c.next
			returnChunk(c)
		}
	}

	return h, true
}

// Length returns the number of queued handles.
func (q *readyQueue) Length() int {
	return q.length
}
