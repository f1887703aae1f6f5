package xevent

import (
	"time"
)

// BusEventType enumerates internal lifecycle events for the Observer pattern.
type BusEventType string

const (
	Published      BusEventType = "published"
	Duplicate      BusEventType = "duplicate"
	Evicted        BusEventType = "evicted"
	FlushStart     BusEventType = "flush_start"
	FlushDone      BusEventType = "flush_done"
	Dispatched     BusEventType = "dispatched"
	RetryScheduled BusEventType = "retry_scheduled"
	Dropped        BusEventType = "dropped"
	Error          BusEventType = "error"
)

// BusEvent carries telemetry for observers.
type BusEvent struct {
	Type       BusEventType
	EventType  string
	EventID    string
	Handler    string
	Priority   Priority
	RetryCount int
	BatchSize  int
	Duration   time.Duration
	Err        error

	// Internal: attached for async dispatch
	observers []Observer
}

// Stats is a point-in-time snapshot of pipeline state.
type Stats struct {
	QueueSize            int
	PendingRetries       int
	SubscriberCount      int
	ProcessedCacheSize   int
	CorrelationCacheSize int
	IsFlushing           bool
}

// Metrics defines cumulative telemetry for the bus.
type Metrics struct {
	Published           uint64
	Duplicates          uint64
	Dispatched          uint64
	Retried             uint64
	Dropped             uint64
	Evicted             uint64
	Errors              uint64
	EventsDroppedByPool uint64
	AvgProcessingTimeMs float64
}

// PoolStats returns telemetry about the observer pool.
type PoolStats struct {
	Dropped      uint64 // Events dropped due to full buffer
	Processed    uint64 // Events successfully processed
	ActiveEvents int    // Current queue depth
	Workers      int    // Number of dispatch goroutines
	BufferSize   int    // Channel capacity
}

// HealthStatus indicates bus health for Kubernetes probes.
type HealthStatus struct {
	Status    string // "healthy", "degraded", "unhealthy"
	Metrics   Metrics
	Timestamp time.Time
	Message   string
}
