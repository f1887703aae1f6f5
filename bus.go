package xevent

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

var _ API = (*Bus)(nil)
var _ HealthChecker = (*Bus)(nil)

// Bus is the in-process event pipeline: publishers enqueue envelopes, the
// scheduler batches them, and the dispatcher fans them out to subscribers.
type Bus struct {
	codec       Codec
	clock       xclock.Clock
	logger      *xlog.Logger
	middlewares []Middleware

	queue        *eventQueue
	registry     *subscriberRegistry
	dedup        DedupStore
	correlations *correlationTracker
	retries      *retryScheduler
	janitor      *cleanupWorker

	batchSize      int
	maxRetries     int
	flushInterval  time.Duration
	retryBaseDelay time.Duration
	handlerTimeout time.Duration

	// flushTok holds a single token while no flush is in flight. Taking the
	// token is the "at most one flush" guard.
	flushTok   chan struct{}
	debounceMu sync.Mutex
	debounce   *time.Timer

	observerPool *ObserverPool
	observersMu  sync.RWMutex
	observers    []Observer
	baseCtx      context.Context
	metrics      *busMetrics
	closed       atomic.Bool
	closeOnce    sync.Once
}

// busMetrics uses lock-free atomics for production-grade telemetry.
type busMetrics struct {
	published    atomic.Uint64
	duplicates   atomic.Uint64
	dispatched   atomic.Uint64
	retried      atomic.Uint64
	dropped      atomic.Uint64
	evicted      atomic.Uint64
	errorCount   atomic.Uint64
	processingNs atomic.Int64
}

// Codec returns the configured codec (Strategy).
func (b *Bus) Codec() Codec { return b.codec }

// Publish encodes payload, collapses duplicates, resolves the correlation id
// and enqueues an envelope. It returns after the enqueue; dispatch is
// asynchronous. Publish never panics and never blocks on a full queue.
func (b *Bus) Publish(ctx context.Context, eventType string, payload any, opts ...PublishOption) (PublishResult, error) {
	if b.closed.Load() {
		return PublishResult{}, ErrBusClosed
	}
	if eventType == "" {
		return PublishResult{}, ErrInvalidEventType
	}

	o := publishOptions{priority: PriorityNormal}
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	if !o.priority.valid() {
		return PublishResult{}, ErrInvalidPriority
	}

	data, err := b.codec.Marshal(payload)
	if err != nil {
		b.metrics.errorCount.Add(1)
		return PublishResult{}, err
	}

	key := o.idempotencyKey
	if key == "" {
		key = defaultIdempotencyKey(eventType, data)
	}

	id := o.eventID
	if id == "" {
		id = newEventID()
	}

	// Atomic dedup reserve: exactly one of any concurrent publishes for the
	// same key wins; the rest return the winner's id with no side effects.
	if existing, won, derr := b.dedup.PutIfAbsent(ctx, key, id); derr != nil {
		// A broken dedup backend must not block producers; publish proceeds.
		b.metrics.errorCount.Add(1)
		b.logger.Warn().Err(derr).Msg("xevent: dedup reserve failed")
	} else if !won {
		b.metrics.duplicates.Add(1)
		corr := b.correlations.peek(o.sessionID)
		b.notifyAsync(BusEvent{Type: Duplicate, EventType: eventType, EventID: existing})
		return PublishResult{EventID: existing, Duplicate: true, CorrelationID: corr}, nil
	}

	corr := b.correlations.resolve(o.sessionID)

	evt := &Event{
		ID:      id,
		Type:    eventType,
		Payload: data,
		Meta: Metadata{
			IdempotencyKey: key,
			CorrelationID:  corr,
			Timestamp:      b.clock.Now(),
			Priority:       o.priority,
			Source:         o.source,
			Version:        envelopeVersion,
		},
	}

	for _, victim := range b.queue.push(evt) {
		b.metrics.evicted.Add(1)
		b.notifyAsync(BusEvent{Type: Evicted, EventType: victim.Type, EventID: victim.ID, Priority: victim.Meta.Priority})
		b.logger.Warn().
			Str("event_type", victim.Type).
			Str("event_id", victim.ID).
			Msg("xevent: low-priority event evicted under queue pressure")
	}

	b.metrics.published.Add(1)
	b.notifyAsync(BusEvent{Type: Published, EventType: eventType, EventID: id, Priority: o.priority})

	b.schedule()
	return PublishResult{EventID: id, CorrelationID: corr}, nil
}

// Subscribe registers an individual handler for each event type.
// The handler is wrapped with panic recovery, the configured middlewares and
// the bounded handler timeout. Closing the returned Subscription unsubscribes.
func (b *Bus) Subscribe(eventTypes []string, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if len(eventTypes) == 0 || handler == nil {
		return nil, ErrInvalidSubscription
	}

	o := applySubscribeOptions(opts)
	sub := &subscriber{
		name:     o.name,
		priority: o.priority,
		handler:  b.wrap(handler),
	}
	b.registry.add(eventTypes, sub)
	return b.newSubscription(eventTypes, sub), nil
}

// SubscribeBatch registers a batch handler for each event type. Registering
// any batch handler routes all of that type's events through the batch path;
// individual handlers on the same type stop receiving them. Batch handlers
// get panic recovery and the handler timeout but not Handler middlewares.
func (b *Bus) SubscribeBatch(eventTypes []string, handler BatchHandler, opts ...SubscribeOption) (Subscription, error) {
	if b.closed.Load() {
		return nil, ErrBusClosed
	}
	if len(eventTypes) == 0 || handler == nil {
		return nil, ErrInvalidSubscription
	}

	o := applySubscribeOptions(opts)
	sub := &subscriber{
		name:     o.name,
		priority: o.priority,
		batch:    handler,
	}
	b.registry.add(eventTypes, sub)
	return b.newSubscription(eventTypes, sub), nil
}

// Unsubscribe removes handlers by exact name match. Unknown types or names
// are no-ops.
func (b *Bus) Unsubscribe(eventTypes []string, name string) {
	b.registry.remove(eventTypes, name)
}

func applySubscribeOptions(opts []SubscribeOption) subscribeOptions {
	var o subscribeOptions
	for _, opt := range opts {
		if opt != nil {
			opt(&o)
		}
	}
	return o
}

// wrap pre-composes the middleware chain: recovery innermost for
// dependability, user middlewares, then the bounded timeout outermost.
func (b *Bus) wrap(h Handler) Handler {
	base := RecoveryMiddleware()(h)
	mws := make([]Middleware, 0, len(b.middlewares)+1)
	mws = append(mws, TimeoutMiddleware(b.handlerTimeout))
	mws = append(mws, b.middlewares...)
	return Chain(base, mws...)
}

type subscription struct {
	close func() error
}

func (s *subscription) Close() error {
	if s.close != nil {
		return s.close()
	}
	return nil
}

func (b *Bus) newSubscription(eventTypes []string, sub *subscriber) Subscription {
	types := make([]string, len(eventTypes))
	copy(types, eventTypes)
	return &subscription{close: func() error {
		b.registry.remove(types, sub.name)
		return nil
	}}
}

// schedule decides how the queued envelopes get flushed: immediately once the
// batch size is reached, otherwise via the debounce timer re-armed on every
// publish.
func (b *Bus) schedule() {
	if b.queue.len() >= b.batchSize {
		b.kick()
		return
	}
	b.armDebounce()
}

func (b *Bus) armDebounce() {
	b.debounceMu.Lock()
	defer b.debounceMu.Unlock()
	if b.closed.Load() {
		return
	}
	if b.debounce == nil {
		b.debounce = time.AfterFunc(b.flushInterval, b.kick)
		return
	}
	b.debounce.Reset(b.flushInterval)
}

func (b *Bus) stopDebounce() {
	b.debounceMu.Lock()
	defer b.debounceMu.Unlock()
	if b.debounce != nil {
		b.debounce.Stop()
	}
}

// kick starts a background flush loop unless one is already in flight.
func (b *Bus) kick() {
	select {
	case <-b.flushTok:
	default:
		// A flush holds the token; it reschedules on completion if needed.
		return
	}
	go b.flushLoop()
}

// flushLoop drains the queue in batchSize passes while holding the flush
// token, so flushes are strictly serialized.
func (b *Bus) flushLoop() {
	defer func() { b.flushTok <- struct{}{} }()
	for {
		b.flushOnce(b.baseCtx)
		n := b.queue.len()
		if n == 0 {
			return
		}
		if n >= b.batchSize {
			continue
		}
		b.armDebounce()
		return
	}
}

// Flush synchronously drains the queue. Used at shutdown; safe to call
// concurrently with background flushes.
func (b *Bus) Flush(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-b.flushTok:
		}

		if b.queue.len() == 0 {
			b.flushTok <- struct{}{}
			return nil
		}
		b.flushOnce(ctx)
		b.flushTok <- struct{}{}
	}
}

// GetStats returns a point-in-time snapshot of pipeline state.
func (b *Bus) GetStats() Stats {
	dedupLen, err := b.dedup.Len(context.Background())
	if err != nil {
		dedupLen = -1
	}
	return Stats{
		QueueSize:            b.queue.len(),
		PendingRetries:       b.retries.pending(),
		SubscriberCount:      b.registry.count(),
		ProcessedCacheSize:   dedupLen,
		CorrelationCacheSize: b.correlations.len(),
		IsFlushing:           len(b.flushTok) == 0,
	}
}

// GetMetrics returns cumulative bus metrics.
func (b *Bus) GetMetrics() Metrics {
	return Metrics{
		Published:           b.metrics.published.Load(),
		Duplicates:          b.metrics.duplicates.Load(),
		Dispatched:          b.metrics.dispatched.Load(),
		Retried:             b.metrics.retried.Load(),
		Dropped:             b.metrics.dropped.Load(),
		Evicted:             b.metrics.evicted.Load(),
		Errors:              b.metrics.errorCount.Load(),
		EventsDroppedByPool: b.observerPool.Stats().Dropped,
		AvgProcessingTimeMs: float64(b.metrics.processingNs.Load()) / 1e6,
	}
}

// Health checks bus health for Kubernetes probes.
// Implements HealthChecker interface.
func (b *Bus) Health(ctx context.Context) HealthStatus {
	if b.closed.Load() {
		return HealthStatus{
			Status:    "unhealthy",
			Timestamp: time.Now(),
			Message:   "bus is closed",
		}
	}

	metrics := b.GetMetrics()
	status := "healthy"

	// Degraded if error rate > 5%
	if metrics.Errors > 0 && metrics.Published > 0 {
		errorRate := float64(metrics.Errors) / float64(metrics.Published)
		if errorRate > 0.05 {
			status = "degraded"
		}
	}

	return HealthStatus{
		Status:    status,
		Metrics:   metrics,
		Timestamp: time.Now(),
	}
}

// Close gracefully shuts down the bus: it stops accepting publishes, drains
// the queue synchronously, cancels pending retry timers and releases
// resources. Idempotent via sync.Once.
func (b *Bus) Close(ctx context.Context) error {
	var closeErr error

	b.closeOnce.Do(func() {
		b.closed.Store(true)
		b.stopDebounce()
		b.janitor.stop()

		if err := b.Flush(ctx); err != nil {
			b.logger.Warn().Err(err).Msg("xevent: drain interrupted")
			closeErr = err
		}

		if dropped := b.retries.stop(); dropped > 0 {
			b.metrics.dropped.Add(uint64(dropped))
			b.logger.Warn().Int("count", dropped).Msg("xevent: pending retries dropped at shutdown")
		}

		if b.observerPool != nil {
			if err := b.observerPool.Close(5 * time.Second); err != nil {
				b.logger.Warn().Err(err).Msg("xevent: observer pool shutdown timeout")
				closeErr = err
			}
		}

		if err := b.dedup.Close(ctx); err != nil {
			b.logger.Error().Err(err).Msg("xevent: dedup store close failed")
			closeErr = err
		}
	})

	return closeErr
}

// AddObserver registers an observer (thread-safe).
func (b *Bus) AddObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	b.observers = append(b.observers, obs)
	b.observersMu.Unlock()
}

// RemoveObserver removes an observer.
func (b *Bus) RemoveObserver(obs Observer) {
	if obs == nil {
		return
	}
	b.observersMu.Lock()
	defer b.observersMu.Unlock()

	for i, o := range b.observers {
		if o == obs {
			b.observers = append(b.observers[:i], b.observers[i+1:]...)
			break
		}
	}
}

// notifyAsync dispatches lifecycle events asynchronously (non-blocking).
func (b *Bus) notifyAsync(e BusEvent) {
	if b.observerPool == nil {
		return
	}

	b.observersMu.RLock()
	observerCount := len(b.observers)
	if observerCount == 0 {
		b.observersMu.RUnlock()
		return
	}

	if observerCount == 1 {
		obs := b.observers[0]
		b.observersMu.RUnlock()
		b.observerPool.Notify(e, []Observer{obs})
		return
	}

	observers := make([]Observer, observerCount)
	copy(observers, b.observers)
	b.observersMu.RUnlock()

	b.observerPool.Notify(e, observers)
}

// recordProcessingTime records flush time using exponential moving average.
func (b *Bus) recordProcessingTime(ns int64) {
	const alpha = 0.2 // 20% weight to new sample
	current := b.metrics.processingNs.Load()
	if current == 0 {
		b.metrics.processingNs.Store(ns)
		return
	}
	newAvg := int64(float64(ns)*alpha + float64(current)*(1-alpha))
	b.metrics.processingNs.Store(newAvg)
}
