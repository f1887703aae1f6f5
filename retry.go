package xevent

import (
	"container/heap"
	"context"
	"sync"
	"sync/atomic"
	"time"
)

// retryScheduler owns delayed redelivery for individually-routed envelopes.
//
// Failed envelopes bypass the queue: each is parked in a min-heap keyed by
// fire time and re-delivered by a single timer goroutine. Keeping them in one
// heap (rather than one timer per envelope) makes pending retries countable
// and gives shutdown a single thing to stop.
type retryScheduler struct {
	mu   sync.Mutex
	heap retryHeap

	wake     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	inflight atomic.Int64

	// deliver re-invokes the envelope's individual handlers.
	deliver func(evt *Event)
}

type retryItem struct {
	evt    *Event
	fireAt time.Time
}

func newRetryScheduler(deliver func(evt *Event)) *retryScheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &retryScheduler{
		wake:    make(chan struct{}, 1),
		ctx:     ctx,
		cancel:  cancel,
		deliver: deliver,
	}
	s.wg.Add(1)
	go s.run()
	return s
}

// schedule parks evt until delay elapses, then re-delivers it.
func (s *retryScheduler) schedule(evt *Event, delay time.Duration) {
	s.mu.Lock()
	heap.Push(&s.heap, &retryItem{evt: evt, fireAt: time.Now().Add(delay)})
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// pending counts envelopes waiting on a timer plus retries currently executing.
func (s *retryScheduler) pending() int {
	s.mu.Lock()
	n := len(s.heap)
	s.mu.Unlock()
	return n + int(s.inflight.Load())
}

// stop cancels the scheduler and returns the number of undelivered retries.
func (s *retryScheduler) stop() int {
	s.cancel()
	s.wg.Wait()

	s.mu.Lock()
	defer s.mu.Unlock()
	dropped := len(s.heap)
	s.heap = nil
	return dropped
}

func (s *retryScheduler) run() {
	defer s.wg.Done()

	timer := time.NewTimer(time.Hour)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		now := time.Now()
		var due []*Event

		s.mu.Lock()
		for len(s.heap) > 0 && !s.heap[0].fireAt.After(now) {
			item := heap.Pop(&s.heap).(*retryItem)
			due = append(due, item.evt)
		}
		var wait time.Duration = -1
		if len(s.heap) > 0 {
			wait = s.heap[0].fireAt.Sub(now)
		}
		s.mu.Unlock()

		for _, evt := range due {
			s.inflight.Add(1)
			go func(e *Event) {
				defer s.inflight.Add(-1)
				s.deliver(e)
			}(evt)
		}

		if wait < 0 {
			select {
			case <-s.ctx.Done():
				return
			case <-s.wake:
			}
			continue
		}

		timer.Reset(wait)
		select {
		case <-s.ctx.Done():
			if !timer.Stop() {
				<-timer.C
			}
			return
		case <-s.wake:
			if !timer.Stop() {
				<-timer.C
			}
		case <-timer.C:
		}
	}
}

// retryHeap is a min-heap ordered by fire time.
type retryHeap []*retryItem

func (h retryHeap) Len() int           { return len(h) }
func (h retryHeap) Less(i, j int) bool { return h[i].fireAt.Before(h[j].fireAt) }
func (h retryHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *retryHeap) Push(x any)        { *h = append(*h, x.(*retryItem)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return item
}
