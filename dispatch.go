package xevent

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"
)

// flushOnce pops up to batchSize envelopes and dispatches them: per-type
// batch groups first, then the individually-routed envelopes with one
// goroutine per envelope. Callers must hold the flush token.
func (b *Bus) flushOnce(ctx context.Context) {
	batch := b.queue.popBatch(b.batchSize)
	if len(batch) == 0 {
		return
	}

	start := b.clock.Now()
	b.notifyAsync(BusEvent{Type: FlushStart, BatchSize: len(batch)})

	hctx := injectCodec(ctx, b.codec)
	hctx = injectLogger(hctx, b.logger)
	hctx = injectClock(hctx, b.clock)

	// Partition by type. A type with any batch subscriber routes all of its
	// pending envelopes through the batch path for this flush.
	var (
		batchTypes  []string
		grouped     = make(map[string][]*Event)
		individuals []*Event
	)
	for _, evt := range batch {
		if b.registry.hasBatch(evt.Type) {
			if _, seen := grouped[evt.Type]; !seen {
				batchTypes = append(batchTypes, evt.Type)
			}
			grouped[evt.Type] = append(grouped[evt.Type], evt)
			continue
		}
		individuals = append(individuals, evt)
	}

	for _, t := range batchTypes {
		b.dispatchBatch(hctx, t, grouped[t])
	}

	g := new(errgroup.Group)
	for _, evt := range individuals {
		g.Go(func() error {
			return b.dispatchIndividual(hctx, evt)
		})
	}
	err := g.Wait()

	duration := b.clock.Since(start)
	b.recordProcessingTime(duration.Nanoseconds())
	b.notifyAsync(BusEvent{Type: FlushDone, BatchSize: len(batch), Duration: duration, Err: err})
}

// dispatchBatch invokes every batch subscriber of the type once with the full
// event slice. Any failure retries the whole group: each envelope is
// re-enqueued at the tail or dropped once its retry budget is spent.
func (b *Bus) dispatchBatch(ctx context.Context, eventType string, evts []*Event) {
	subs := b.registry.batchSubscribers(eventType)
	if len(subs) == 0 {
		// The last batch subscriber left between partition and dispatch;
		// fall back to the individual path.
		for _, evt := range evts {
			_ = b.dispatchIndividual(ctx, evt)
		}
		return
	}

	var failure error
	for _, s := range subs {
		if err := b.invokeBatch(ctx, s, evts); err != nil {
			failure = err
			b.metrics.errorCount.Add(1)
			b.notifyAsync(BusEvent{Type: Error, EventType: eventType, Handler: s.name, BatchSize: len(evts), Err: err})
			b.logger.Warn().
				Str("event_type", eventType).
				Str("handler", s.name).
				Int("batch_size", len(evts)).
				Err(err).
				Msg("xevent: batch handler failed")
		}
	}

	if failure == nil {
		b.metrics.dispatched.Add(uint64(len(evts)))
		for _, evt := range evts {
			b.notifyAsync(BusEvent{Type: Dispatched, EventType: evt.Type, EventID: evt.ID})
		}
		return
	}

	for _, evt := range evts {
		if evt.Meta.RetryCount >= b.maxRetries {
			b.dropEvent(evt, failure)
			continue
		}
		evt.Meta.RetryCount++
		b.metrics.retried.Add(1)
		b.notifyAsync(BusEvent{Type: RetryScheduled, EventType: evt.Type, EventID: evt.ID, RetryCount: evt.Meta.RetryCount})
		for _, victim := range b.queue.push(evt) {
			b.metrics.evicted.Add(1)
			b.notifyAsync(BusEvent{Type: Evicted, EventType: victim.Type, EventID: victim.ID, Priority: victim.Meta.Priority})
		}
	}
}

// invokeBatch runs one batch handler with panic recovery and the bounded
// handler timeout. On timeout the handler goroutine keeps running and its
// eventual result is discarded, so a slow-but-successful batch can still see
// its envelopes re-enqueued; a stalled handler cannot wedge a flush.
func (b *Bus) invokeBatch(ctx context.Context, s *subscriber, evts []*Event) error {
	run := func(ctx context.Context) (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("panic recovered: %v", r)
			}
		}()
		return s.batch(ctx, evts)
	}

	if b.handlerTimeout <= 0 {
		return run(ctx)
	}

	tctx, cancel := context.WithTimeout(ctx, b.handlerTimeout)
	defer cancel()

	errCh := make(chan error, 1)
	go func() { errCh <- run(tctx) }()

	select {
	case <-tctx.Done():
		return tctx.Err()
	case err := <-errCh:
		return err
	}
}

// dispatchIndividual runs the envelope through its type's individual
// subscribers in descending priority order. Every subscriber sees the event
// even if an earlier one fails; any failure schedules a delayed redelivery.
// The returned error is non-nil only when the envelope was dropped for good.
func (b *Bus) dispatchIndividual(ctx context.Context, evt *Event) error {
	subs := b.registry.individualSubscribers(evt.Type)
	if len(subs) == 0 {
		return nil
	}

	var failure error
	for _, s := range subs {
		if err := s.handler(ctx, evt); err != nil {
			if failure == nil {
				failure = err
			}
			b.metrics.errorCount.Add(1)
			b.notifyAsync(BusEvent{Type: Error, EventType: evt.Type, EventID: evt.ID, Handler: s.name, Err: err})
			b.logger.Warn().
				Str("event_type", evt.Type).
				Str("event_id", evt.ID).
				Str("handler", s.name).
				Err(err).
				Msg("xevent: handler failed")
		}
	}

	if failure == nil {
		b.metrics.dispatched.Add(1)
		b.notifyAsync(BusEvent{Type: Dispatched, EventType: evt.Type, EventID: evt.ID, RetryCount: evt.Meta.RetryCount})
		return nil
	}
	return b.scheduleRetry(evt, failure)
}

// scheduleRetry parks the envelope on a backoff timer, or drops it once the
// retry budget is spent. Delay doubles per attempt: base, 2x, 4x, ...
func (b *Bus) scheduleRetry(evt *Event, cause error) error {
	if evt.Meta.RetryCount >= b.maxRetries {
		b.dropEvent(evt, cause)
		return fmt.Errorf("event %s dropped after %d retries: %w", evt.ID, evt.Meta.RetryCount, cause)
	}

	delay := b.retryBaseDelay << uint(evt.Meta.RetryCount)
	evt.Meta.RetryCount++
	b.metrics.retried.Add(1)
	b.notifyAsync(BusEvent{
		Type:       RetryScheduled,
		EventType:  evt.Type,
		EventID:    evt.ID,
		RetryCount: evt.Meta.RetryCount,
		Duration:   delay,
		Err:        cause,
	})
	b.retries.schedule(evt, delay)
	return nil
}

// redeliver is the retry scheduler callback: re-invoke the envelope's
// individual subscribers outside the flush cycle.
func (b *Bus) redeliver(evt *Event) {
	if b.closed.Load() {
		b.dropEvent(evt, ErrBusClosed)
		return
	}
	_ = b.dispatchIndividual(b.baseCtx, evt)
}

// dropEvent permanently discards an envelope; the log record is its only trace.
func (b *Bus) dropEvent(evt *Event, cause error) {
	b.metrics.dropped.Add(1)
	b.notifyAsync(BusEvent{Type: Dropped, EventType: evt.Type, EventID: evt.ID, RetryCount: evt.Meta.RetryCount, Err: cause})
	b.logger.Error().
		Str("event_type", evt.Type).
		Str("event_id", evt.ID).
		Int("retry_count", evt.Meta.RetryCount).
		Err(cause).
		Msg("xevent: event dropped")
}
