package xevent

import (
	"time"

	"github.com/google/uuid"
)

// Priority classifies an envelope for backpressure decisions. Only low
// priority envelopes are ever evicted under queue pressure.
type Priority string

const (
	PriorityHigh   Priority = "high"
	PriorityNormal Priority = "normal"
	PriorityLow    Priority = "low"
)

func (p Priority) valid() bool {
	switch p {
	case PriorityHigh, PriorityNormal, PriorityLow:
		return true
	}
	return false
}

// Metadata carries delivery bookkeeping for an envelope.
type Metadata struct {
	// IdempotencyKey collapses duplicate submissions of the same logical event.
	IdempotencyKey string
	// CorrelationID groups events originating from the same session.
	CorrelationID string
	// Timestamp is the publish instant (from the injected clock).
	Timestamp time.Time
	// Priority drives eviction under queue pressure.
	Priority Priority
	// RetryCount is the number of redelivery attempts so far. It is the only
	// mutable field on an envelope and never exceeds the bus retry limit.
	RetryCount int
	// Source identifies the producing subsystem, if provided.
	Source string
	// Version is the envelope schema version.
	Version string
}

// Event is the envelope traveling the pipeline. The Payload is encoded via
// the bus Codec; use Decode to recover the typed value inside a handler.
type Event struct {
	// ID is a UUIDv7: globally unique with the creation instant embedded.
	ID string
	// Type is the logical event name used for routing.
	Type string
	// Payload is the encoded bytes of the event.
	Payload []byte
	// Meta is the delivery metadata.
	Meta Metadata
}

const envelopeVersion = "1"

// newEventID returns a UUIDv7 string. The embedded timestamp lets the dedup
// sweep derive entry age from the id alone.
func newEventID() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source does; fall back to v4
		// rather than failing a publish.
		return uuid.NewString()
	}
	return id.String()
}

// eventIDTime extracts the creation instant embedded in a UUIDv7 event id.
// Returns false for malformed or non-time-ordered ids.
func eventIDTime(id string) (time.Time, bool) {
	u, err := uuid.Parse(id)
	if err != nil || u.Version() != 7 {
		return time.Time{}, false
	}
	sec, nsec := u.Time().UnixTime()
	return time.Unix(sec, nsec), true
}
