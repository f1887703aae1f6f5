package xevent

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
)

// subscriber is one registered handler descriptor for an event type.
// Exactly one of handler/batch is set.
type subscriber struct {
	name     string
	priority int
	handler  Handler
	batch    BatchHandler
}

func (s *subscriber) isBatch() bool { return s.batch != nil }

// subscriberRegistry keeps per-type descriptor lists sorted by descending
// priority. Registration order breaks priority ties.
type subscriberRegistry struct {
	mu     sync.RWMutex
	byType map[string][]*subscriber

	nameSeq atomic.Uint64
}

func newSubscriberRegistry() *subscriberRegistry {
	return &subscriberRegistry{byType: make(map[string][]*subscriber)}
}

// add registers one descriptor per event type and re-sorts each list.
func (r *subscriberRegistry) add(eventTypes []string, sub *subscriber) {
	if sub.name == "" {
		sub.name = fmt.Sprintf("subscriber-%d", r.nameSeq.Add(1))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range eventTypes {
		if t == "" {
			continue
		}
		list := append(r.byType[t], sub)
		sort.SliceStable(list, func(i, j int) bool {
			return list[i].priority > list[j].priority
		})
		r.byType[t] = list
	}
}

// remove deletes descriptors by exact name match. Unknown types or names are no-ops.
func (r *subscriberRegistry) remove(eventTypes []string, name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, t := range eventTypes {
		list, ok := r.byType[t]
		if !ok {
			continue
		}
		kept := list[:0]
		for _, s := range list {
			if s.name != name {
				kept = append(kept, s)
			}
		}
		if len(kept) == 0 {
			delete(r.byType, t)
			continue
		}
		r.byType[t] = kept
	}
}

// hasBatch reports whether at least one batch descriptor exists for the type.
// Any batch descriptor routes the whole type through the batch path.
func (r *subscriberRegistry) hasBatch(eventType string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, s := range r.byType[eventType] {
		if s.isBatch() {
			return true
		}
	}
	return false
}

// batchSubscribers returns a snapshot of the type's batch descriptors in
// priority order.
func (r *subscriberRegistry) batchSubscribers(eventType string) []*subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*subscriber
	for _, s := range r.byType[eventType] {
		if s.isBatch() {
			out = append(out, s)
		}
	}
	return out
}

// individualSubscribers returns a snapshot of the type's individual
// descriptors in priority order.
func (r *subscriberRegistry) individualSubscribers(eventType string) []*subscriber {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []*subscriber
	for _, s := range r.byType[eventType] {
		if !s.isBatch() {
			out = append(out, s)
		}
	}
	return out
}

// count returns the total number of registered descriptors across all types.
func (r *subscriberRegistry) count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, list := range r.byType {
		n += len(list)
	}
	return n
}
