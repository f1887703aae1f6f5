package xevent

// PublishResult reports the outcome of a successful publish call.
type PublishResult struct {
	// EventID is the id of the enqueued envelope; for a duplicate publish it
	// is the id recorded for the original.
	EventID string
	// Duplicate is true when the idempotency key was already seen and the
	// call had no further side effects.
	Duplicate bool
	// CorrelationID links the event to its session.
	CorrelationID string
}

type publishOptions struct {
	eventID        string
	idempotencyKey string
	priority       Priority
	source         string
	sessionID      string
}

// PublishOption customizes a single publish call.
type PublishOption func(*publishOptions)

// WithEventID supplies an explicit event id instead of a generated UUIDv7.
// Age-based dedup expiry only works for time-ordered ids.
func WithEventID(id string) PublishOption {
	return func(o *publishOptions) { o.eventID = id }
}

// WithIdempotencyKey overrides the default payload-hash dedup key.
func WithIdempotencyKey(key string) PublishOption {
	return func(o *publishOptions) { o.idempotencyKey = key }
}

// WithPriority sets the envelope priority (default: normal).
func WithPriority(p Priority) PublishOption {
	return func(o *publishOptions) { o.priority = p }
}

// WithSource tags the envelope with the producing subsystem.
func WithSource(source string) PublishOption {
	return func(o *publishOptions) { o.source = source }
}

// WithSession resolves the envelope's correlation id through the session map,
// minting one on first use. Without it each event gets a one-off correlation id.
func WithSession(sessionID string) PublishOption {
	return func(o *publishOptions) { o.sessionID = sessionID }
}

type subscribeOptions struct {
	name     string
	priority int
}

// SubscribeOption customizes a subscription.
type SubscribeOption func(*subscribeOptions)

// WithHandlerName names the subscription for Unsubscribe; a sequential name
// is generated when omitted.
func WithHandlerName(name string) SubscribeOption {
	return func(o *subscribeOptions) { o.name = name }
}

// WithHandlerPriority orders handlers within an event type; higher runs first
// (default: 0).
func WithHandlerPriority(priority int) SubscribeOption {
	return func(o *subscribeOptions) { o.priority = priority }
}
