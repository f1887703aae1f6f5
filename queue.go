package xevent

import (
	"sync"
)

// eventQueue is the bounded FIFO holding un-dispatched envelopes.
//
// Capacity is enforced at push time by evicting low-priority envelopes in
// queue order; normal and high priority envelopes are never evicted. When the
// queue is saturated with non-evictable envelopes the cap is soft: producers
// are never blocked and never lose normal/high events.
type eventQueue struct {
	mu       sync.Mutex
	items    []*Event
	capacity int
}

func newEventQueue(capacity int) *eventQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &eventQueue{capacity: capacity}
}

// push appends evt at the tail, evicting low-priority envelopes first when
// the queue is full. It returns the envelopes that were evicted to make room.
func (q *eventQueue) push(evt *Event) (evicted []*Event) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		evicted = q.evictLowPriority()
	}
	q.items = append(q.items, evt)
	return evicted
}

// evictLowPriority removes up to ceil(10%) of the queued envelopes, oldest
// first, skipping anything that is not low priority. Caller holds q.mu.
func (q *eventQueue) evictLowPriority() []*Event {
	target := (len(q.items) + 9) / 10
	if target == 0 {
		return nil
	}

	var evicted []*Event
	kept := q.items[:0]
	for _, e := range q.items {
		if len(evicted) < target && e.Meta.Priority == PriorityLow {
			evicted = append(evicted, e)
			continue
		}
		kept = append(kept, e)
	}
	// Release references past the new tail.
	for i := len(kept); i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = kept
	return evicted
}

// popBatch removes and returns up to n envelopes from the head.
func (q *eventQueue) popBatch(n int) []*Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	if n > len(q.items) {
		n = len(q.items)
	}
	if n == 0 {
		return nil
	}
	batch := make([]*Event, n)
	copy(batch, q.items)
	remaining := copy(q.items, q.items[n:])
	for i := remaining; i < len(q.items); i++ {
		q.items[i] = nil
	}
	q.items = q.items[:remaining]
	return batch
}

func (q *eventQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}
