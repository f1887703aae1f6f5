package xevent

import (
	"context"
	"time"
)

// Handler processes a single event. Return error to trigger delayed redelivery.
type Handler func(ctx context.Context, evt *Event) error

// BatchHandler processes all pending events of one type in a single call.
// Return error to re-enqueue the batch's events for another flush.
type BatchHandler func(ctx context.Context, evts []*Event) error

// Middleware composes processing concerns around a Handler.
type Middleware func(next Handler) Handler

// Subscription represents an active registration. Close removes it.
type Subscription interface {
	Close() error
}

// DedupStore is the Strategy interface for idempotency-key storage.
// Implementations must be safe for concurrent use.
type DedupStore interface {
	// Get returns the event id recorded for key, if any.
	Get(ctx context.Context, key string) (eventID string, ok bool, err error)
	// PutIfAbsent atomically records key -> eventID unless the key is already
	// present. It reports whether this call won the reservation and, when it
	// lost, the id recorded by the winner.
	PutIfAbsent(ctx context.Context, key, eventID string) (existingID string, won bool, err error)
	// Purge removes entries older than cutoff; entry age comes from the
	// timestamp embedded in the event id when present, otherwise from the
	// insertion time. Stores with native expiry may treat this as a no-op.
	Purge(ctx context.Context, cutoff time.Time) (removed int, err error)
	// Len reports the number of live entries.
	Len(ctx context.Context) (int, error)
	// Close releases resources.
	Close(ctx context.Context) error
}

// Observer receives pipeline lifecycle events. Implementations should be
// non-blocking; slow observers are isolated by the async observer pool.
type Observer interface {
	OnEvent(e BusEvent)
}

// HealthChecker provides health status for production monitoring.
type HealthChecker interface {
	Health(ctx context.Context) HealthStatus
}

// API represents the complete xevent surface for extensibility.
type API interface {
	Publish(ctx context.Context, eventType string, payload any, opts ...PublishOption) (PublishResult, error)
	Subscribe(eventTypes []string, handler Handler, opts ...SubscribeOption) (Subscription, error)
	SubscribeBatch(eventTypes []string, handler BatchHandler, opts ...SubscribeOption) (Subscription, error)
	Unsubscribe(eventTypes []string, name string)
	Flush(ctx context.Context) error
	GetStats() Stats
	GetMetrics() Metrics
	Health(ctx context.Context) HealthStatus
	AddObserver(obs Observer)
	RemoveObserver(obs Observer)
	Close(ctx context.Context) error
}
