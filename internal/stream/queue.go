package stream

import "sync"

// MaxQueue bounds each controller's frame FIFO. At 30 fps this is
// roughly one second of video.
const MaxQueue = 30

// Queue is a bounded FIFO of encoded packets with drop-oldest overflow
// and a blocking Pop, consumed by exactly one drain goroutine per
// controller-leg. A full queue never blocks the producer: the head is
// discarded to make room, privileging recency over completeness.
type Queue struct {
	mu      sync.Mutex
	cond    *sync.Cond
	items   [][]byte
	max     int
	closed  bool
	dropped uint64
}

// NewQueue creates a queue bounded to max entries.
func NewQueue(max int) *Queue {
	if max <= 0 {
		max = MaxQueue
	}
	q := &Queue{max: max}
	q.cond = sync.NewCond(&q.mu)
	return q
}

// Push enqueues an item, dropping the oldest entry first when full.
// Returns true if an entry was dropped. Pushing to a closed queue is a
// no-op.
func (q *Queue) Push(item []byte) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	dropped := false
	if len(q.items) >= q.max {
		q.items = q.items[1:]
		q.dropped++
		dropped = true
	}
	q.items = append(q.items, item)
	q.cond.Signal()
	return dropped
}

// Pop blocks until an item is available or the queue is closed. The
// second return is false once the queue is closed and drained.
func (q *Queue) Pop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) == 0 && !q.closed {
		q.cond.Wait()
	}
	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// TryPop dequeues without blocking.
func (q *Queue) TryPop() ([]byte, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) == 0 {
		return nil, false
	}
	item := q.items[0]
	q.items = q.items[1:]
	return item, true
}

// Close wakes all blocked Pops. Remaining items stay poppable via
// TryPop until garbage collected with the queue.
func (q *Queue) Close() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Len reports the current depth.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Dropped reports how many entries drop-oldest has discarded.
func (q *Queue) Dropped() uint64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}
