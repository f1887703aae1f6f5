package xevent

import (
	"context"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/trickstertwo/xlog"
	"github.com/trickstertwo/xlog/adapter/zerolog"
)

func TestMain(m *testing.M) {
	// Keep lifecycle logging quiet; the bus attaches a LoggingObserver by default.
	zerolog.Use(zerolog.Config{MinLevel: xlog.LevelError})
	os.Exit(m.Run())
}

type orderPayload struct {
	OrderID string `json:"order_id"`
}

// newTestBus builds a bus with fast timings so tests don't wait on defaults.
func newTestBus(t *testing.T, init func(bb *BusBuilder)) *Bus {
	t.Helper()

	bb := NewBusBuilder().
		WithFlushInterval(20 * time.Millisecond).
		WithRetryBaseDelay(time.Millisecond).
		WithCleanupInterval(time.Hour)
	if init != nil {
		init(bb)
	}

	bus, err := bb.Build()
	require.NoError(t, err)
	t.Cleanup(func() { _ = bus.Close(context.Background()) })
	return bus
}

func TestPublish_Idempotence(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	first, err := bus.Publish(ctx, "order_placed", orderPayload{OrderID: "O1"})
	require.NoError(t, err)
	require.False(t, first.Duplicate)
	require.NotEmpty(t, first.EventID)

	second, err := bus.Publish(ctx, "order_placed", orderPayload{OrderID: "O1"})
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)

	// A different payload is a different logical event.
	third, err := bus.Publish(ctx, "order_placed", orderPayload{OrderID: "O2"})
	require.NoError(t, err)
	assert.False(t, third.Duplicate)
	assert.NotEqual(t, first.EventID, third.EventID)
}

func TestPublish_ExplicitIdempotencyKey(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	first, err := bus.Publish(ctx, "order_placed", orderPayload{OrderID: "O1"}, WithIdempotencyKey("checkout-123"))
	require.NoError(t, err)

	// Different payload, same caller-supplied key: still a duplicate.
	second, err := bus.Publish(ctx, "order_placed", orderPayload{OrderID: "O2"}, WithIdempotencyKey("checkout-123"))
	require.NoError(t, err)
	assert.True(t, second.Duplicate)
	assert.Equal(t, first.EventID, second.EventID)
}

func TestPublish_ConcurrentDuplicates(t *testing.T) {
	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithFlushInterval(time.Hour)
	})
	ctx := context.Background()

	const workers = 16
	var (
		wg      sync.WaitGroup
		start   = make(chan struct{})
		results = make([]PublishResult, workers)
		errs    = make([]error, workers)
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			results[i], errs[i] = bus.Publish(ctx, "order_placed", orderPayload{OrderID: "O1"})
		}(i)
	}
	close(start)
	wg.Wait()

	winners := 0
	var winnerID string
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if !results[i].Duplicate {
			winners++
			winnerID = results[i].EventID
		}
	}
	require.Equal(t, 1, winners, "exactly one concurrent publish may win the reservation")
	for _, res := range results {
		assert.Equal(t, winnerID, res.EventID)
	}
	assert.Equal(t, 1, bus.GetStats().QueueSize)
}

func TestPublish_DuplicateDoesNotTrackSession(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	first, err := bus.Publish(ctx, "order_placed", orderPayload{OrderID: "O1"}, WithSession("sess-a"))
	require.NoError(t, err)

	// Suppressed publish under a never-seen session: it must not create a
	// correlation entry for that session.
	dup, err := bus.Publish(ctx, "order_placed", orderPayload{OrderID: "O1"}, WithSession("sess-b"))
	require.NoError(t, err)
	require.True(t, dup.Duplicate)
	assert.Equal(t, first.EventID, dup.EventID)
	assert.NotEmpty(t, dup.CorrelationID)
	assert.Equal(t, 1, bus.GetStats().CorrelationCacheSize)
}

func TestPublish_InvalidInput(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	_, err := bus.Publish(ctx, "", orderPayload{})
	assert.ErrorIs(t, err, ErrInvalidEventType)

	_, err = bus.Publish(ctx, "order_placed", orderPayload{}, WithPriority(Priority("urgent")))
	assert.ErrorIs(t, err, ErrInvalidPriority)

	// Unserializable payload surfaces as an error, never a panic.
	_, err = bus.Publish(ctx, "order_placed", make(chan int))
	assert.Error(t, err)
}

func TestPublish_CorrelationPerSession(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	a1, err := bus.Publish(ctx, "customer_activity", orderPayload{OrderID: "A1"}, WithSession("sess-a"))
	require.NoError(t, err)
	a2, err := bus.Publish(ctx, "customer_activity", orderPayload{OrderID: "A2"}, WithSession("sess-a"))
	require.NoError(t, err)
	b1, err := bus.Publish(ctx, "customer_activity", orderPayload{OrderID: "B1"}, WithSession("sess-b"))
	require.NoError(t, err)

	assert.Equal(t, a1.CorrelationID, a2.CorrelationID)
	assert.NotEqual(t, a1.CorrelationID, b1.CorrelationID)
}

func TestDispatch_PriorityOrdering(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		order []string
	)
	record := func(name string) Handler {
		return func(context.Context, *Event) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}
	}

	// Registered low priority first to prove sorting, not registration order.
	_, err := bus.Subscribe([]string{"order_placed"}, record("low"), WithHandlerName("low"), WithHandlerPriority(5))
	require.NoError(t, err)
	_, err = bus.Subscribe([]string{"order_placed"}, record("high"), WithHandlerName("high"), WithHandlerPriority(10))
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "order_placed", orderPayload{OrderID: "O1"})
	require.NoError(t, err)
	require.NoError(t, bus.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"high", "low"}, order)
}

func TestDispatch_ExclusiveBatchRouting(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	var (
		mu           sync.Mutex
		batchCalls   [][]string
		individually []string
	)

	_, err := bus.Subscribe([]string{"x"}, func(_ context.Context, evt *Event) error {
		mu.Lock()
		individually = append(individually, evt.ID)
		mu.Unlock()
		return nil
	}, WithHandlerName("individual"))
	require.NoError(t, err)

	_, err = bus.SubscribeBatch([]string{"x"}, func(_ context.Context, evts []*Event) error {
		ids := make([]string, len(evts))
		for i, e := range evts {
			ids[i] = e.ID
		}
		mu.Lock()
		batchCalls = append(batchCalls, ids)
		mu.Unlock()
		return nil
	}, WithHandlerName("batch"))
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		_, err = bus.Publish(ctx, "x", map[string]int{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, bus.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, batchCalls, 1)
	assert.Len(t, batchCalls[0], 3)
	assert.Empty(t, individually, "individual handler must not see batch-routed events")
}

func TestDispatch_AllBatchHandlersInvoked(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	sink := func(name string) BatchHandler {
		return func(_ context.Context, evts []*Event) error {
			mu.Lock()
			calls[name] += len(evts)
			mu.Unlock()
			return nil
		}
	}

	_, err := bus.SubscribeBatch([]string{"x"}, sink("a"), WithHandlerName("a"))
	require.NoError(t, err)
	_, err = bus.SubscribeBatch([]string{"x"}, sink("b"), WithHandlerName("b"))
	require.NoError(t, err)

	for i := 0; i < 4; i++ {
		_, err = bus.Publish(ctx, "x", map[string]int{"i": i})
		require.NoError(t, err)
	}
	require.NoError(t, bus.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, map[string]int{"a": 4, "b": 4}, calls)
}

func TestDispatch_BatchSizeTriggersFlush(t *testing.T) {
	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithBatchSize(50).WithQueueCapacity(200)
	})
	ctx := context.Background()

	var (
		mu    sync.Mutex
		sizes []int
		total int
	)
	_, err := bus.SubscribeBatch([]string{"x"}, func(_ context.Context, evts []*Event) error {
		mu.Lock()
		sizes = append(sizes, len(evts))
		total += len(evts)
		mu.Unlock()
		return nil
	}, WithHandlerName("sink"))
	require.NoError(t, err)

	for i := 0; i < 60; i++ {
		_, err = bus.Publish(ctx, "x", map[string]int{"i": i})
		require.NoError(t, err)
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return total == 60
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	require.GreaterOrEqual(t, len(sizes), 2)
	assert.Equal(t, 50, sizes[0], "first flush carries exactly one full batch")
	for _, n := range sizes[1:] {
		assert.LessOrEqual(t, n, 50)
	}
}

func TestRetry_ExhaustionDropsEvent(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		attempts int
	)
	_, err := bus.Subscribe([]string{"flaky"}, func(context.Context, *Event) error {
		mu.Lock()
		attempts++
		mu.Unlock()
		return assert.AnError
	}, WithHandlerName("always-fails"))
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "flaky", orderPayload{OrderID: "O1"})
	require.NoError(t, err)
	require.NoError(t, bus.Flush(ctx))

	// First invocation plus exactly maxRetries redeliveries, then dropped.
	require.Eventually(t, func() bool {
		return bus.GetMetrics().Dropped == 1
	}, 2*time.Second, 5*time.Millisecond)

	mu.Lock()
	got := attempts
	mu.Unlock()
	assert.Equal(t, 1+DefaultMaxRetries, got)

	// Never invoked again after the drop.
	time.Sleep(50 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, got, attempts)
	assert.Zero(t, bus.GetStats().PendingRetries)
}

func TestRetry_RecoversAfterTransientFailure(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		attempts int
	)
	_, err := bus.Subscribe([]string{"flaky"}, func(context.Context, *Event) error {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts < 3 {
			return assert.AnError
		}
		return nil
	}, WithHandlerName("flaky"))
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "flaky", orderPayload{OrderID: "O1"})
	require.NoError(t, err)
	require.NoError(t, bus.Flush(ctx))

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return attempts == 3
	}, 2*time.Second, 5*time.Millisecond)

	assert.Zero(t, bus.GetMetrics().Dropped)
}

func TestRetry_BatchReentersQueue(t *testing.T) {
	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithMaxRetries(1)
	})
	ctx := context.Background()

	var (
		mu    sync.Mutex
		calls int
	)
	_, err := bus.SubscribeBatch([]string{"x"}, func(_ context.Context, evts []*Event) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return assert.AnError
		}
		return nil
	}, WithHandlerName("flaky-batch"))
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "x", orderPayload{OrderID: "O1"})
	require.NoError(t, err)
	require.NoError(t, bus.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 2, calls, "failed batch re-enters the queue and is flushed again")
	assert.Zero(t, bus.GetStats().QueueSize)
}

func TestFlush_DrainsQueue(t *testing.T) {
	bus := newTestBus(t, func(bb *BusBuilder) {
		// Long debounce so only the explicit Flush drains.
		bb.WithFlushInterval(time.Hour)
	})
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received int
	)
	_, err := bus.Subscribe([]string{"x"}, func(context.Context, *Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	}, WithHandlerName("sink"))
	require.NoError(t, err)

	for i := 0; i < 10; i++ {
		_, err = bus.Publish(ctx, "x", map[string]int{"i": i})
		require.NoError(t, err)
	}
	assert.Equal(t, 10, bus.GetStats().QueueSize)

	require.NoError(t, bus.Flush(ctx))

	assert.Zero(t, bus.GetStats().QueueSize)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 10, received)
}

func TestPublish_EvictionNeverBlocks(t *testing.T) {
	bus := newTestBus(t, func(bb *BusBuilder) {
		// Capacity below batch size and a long debounce: nothing drains the
		// queue while we overfill it.
		bb.WithQueueCapacity(10).WithBatchSize(100).WithFlushInterval(time.Hour)
	})
	ctx := context.Background()

	for i := 0; i < 25; i++ {
		res, err := bus.Publish(ctx, "clickstream", map[string]int{"i": i}, WithPriority(PriorityLow))
		require.NoError(t, err)
		require.False(t, res.Duplicate)
	}

	stats := bus.GetStats()
	assert.LessOrEqual(t, stats.QueueSize, 10)
	assert.Positive(t, bus.GetMetrics().Evicted)
}

func TestPublish_NormalPriorityNotEvicted(t *testing.T) {
	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithQueueCapacity(10).WithBatchSize(100).WithFlushInterval(time.Hour)
	})
	ctx := context.Background()

	for i := 0; i < 20; i++ {
		_, err := bus.Publish(ctx, "orders", map[string]int{"i": i}, WithPriority(PriorityNormal))
		require.NoError(t, err)
	}

	// Nothing was evictable, so the cap is soft and nothing was lost.
	assert.Equal(t, 20, bus.GetStats().QueueSize)
	assert.Zero(t, bus.GetMetrics().Evicted)
}

func TestSubscribe_UnsubscribeByName(t *testing.T) {
	bus := newTestBus(t, nil)
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received int
	)
	_, err := bus.Subscribe([]string{"x", "y"}, func(context.Context, *Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	}, WithHandlerName("sink"))
	require.NoError(t, err)

	bus.Unsubscribe([]string{"x", "y"}, "sink")
	// Unknown names and types are no-ops.
	bus.Unsubscribe([]string{"x"}, "nope")
	bus.Unsubscribe([]string{"zzz"}, "sink")

	_, err = bus.Publish(ctx, "x", orderPayload{OrderID: "O1"})
	require.NoError(t, err)
	require.NoError(t, bus.Flush(ctx))

	mu.Lock()
	defer mu.Unlock()
	assert.Zero(t, received)
	assert.Zero(t, bus.GetStats().SubscriberCount)
}

func TestSubscription_CloseUnsubscribes(t *testing.T) {
	bus := newTestBus(t, nil)

	sub, err := bus.Subscribe([]string{"x"}, func(context.Context, *Event) error { return nil },
		WithHandlerName("sink"))
	require.NoError(t, err)
	assert.Equal(t, 1, bus.GetStats().SubscriberCount)

	require.NoError(t, sub.Close())
	assert.Zero(t, bus.GetStats().SubscriberCount)
}

func TestBus_CloseDrainsAndRejects(t *testing.T) {
	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithFlushInterval(time.Hour)
	})
	ctx := context.Background()

	var (
		mu       sync.Mutex
		received int
	)
	_, err := bus.Subscribe([]string{"x"}, func(context.Context, *Event) error {
		mu.Lock()
		received++
		mu.Unlock()
		return nil
	}, WithHandlerName("sink"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = bus.Publish(ctx, "x", map[string]int{"i": i})
		require.NoError(t, err)
	}

	require.NoError(t, bus.Close(ctx))
	// Idempotent.
	require.NoError(t, bus.Close(ctx))

	mu.Lock()
	got := received
	mu.Unlock()
	assert.Equal(t, 5, got, "close drains queued events")

	_, err = bus.Publish(ctx, "x", orderPayload{OrderID: "O9"})
	assert.ErrorIs(t, err, ErrBusClosed)

	health := bus.Health(ctx)
	assert.Equal(t, "unhealthy", health.Status)
}

func TestHandler_PanicIsRecovered(t *testing.T) {
	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithMaxRetries(0)
	})
	ctx := context.Background()

	_, err := bus.Subscribe([]string{"x"}, func(context.Context, *Event) error {
		panic("handler bug")
	}, WithHandlerName("panics"))
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "x", orderPayload{OrderID: "O1"})
	require.NoError(t, err)
	require.NoError(t, bus.Flush(ctx))

	// The bus survives and records the drop.
	require.Eventually(t, func() bool {
		return bus.GetMetrics().Dropped == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestGetStats_Snapshot(t *testing.T) {
	bus := newTestBus(t, func(bb *BusBuilder) {
		bb.WithFlushInterval(time.Hour)
	})
	ctx := context.Background()

	_, err := bus.Subscribe([]string{"x"}, func(context.Context, *Event) error { return nil },
		WithHandlerName("sink"))
	require.NoError(t, err)

	_, err = bus.Publish(ctx, "x", orderPayload{OrderID: "O1"}, WithSession("sess-1"))
	require.NoError(t, err)

	stats := bus.GetStats()
	assert.Equal(t, 1, stats.QueueSize)
	assert.Equal(t, 1, stats.SubscriberCount)
	assert.Equal(t, 1, stats.ProcessedCacheSize)
	assert.Equal(t, 1, stats.CorrelationCacheSize)
	assert.False(t, stats.IsFlushing)
}
