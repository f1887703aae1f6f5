package xevent

import (
	"context"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xlog"
)

// Pipeline defaults. All are overridable through the builder.
const (
	DefaultQueueCapacity   = 1000
	DefaultBatchSize       = 50
	DefaultFlushInterval   = 5 * time.Second
	DefaultMaxRetries      = 3
	DefaultRetryBaseDelay  = time.Second
	DefaultDedupTTL        = 5 * time.Minute
	DefaultCleanupInterval = time.Minute
	DefaultCorrelationTTL  = 30 * time.Minute
	DefaultHandlerTimeout  = 30 * time.Second
)

// BusBuilder constructs Bus instances (Builder pattern).
type BusBuilder struct {
	codecName string
	codecInst Codec

	dedupName string
	dedupCfg  map[string]any
	dedupInst DedupStore

	middlewares []Middleware
	observers   []Observer
	logger      *xlog.Logger
	clock       xclock.Clock
	baseCtx     context.Context

	queueCapacity   int
	batchSize       int
	maxRetries      int
	flushInterval   time.Duration
	retryBaseDelay  time.Duration
	dedupTTL        time.Duration
	correlationTTL  time.Duration
	cleanupInterval time.Duration
	handlerTimeout  time.Duration

	poolWorkers int
	poolBuffer  int
}

// NewBusBuilder returns a new builder with sensible defaults.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		codecName:       "json",
		dedupName:       "memory",
		queueCapacity:   DefaultQueueCapacity,
		batchSize:       DefaultBatchSize,
		maxRetries:      DefaultMaxRetries,
		flushInterval:   DefaultFlushInterval,
		retryBaseDelay:  DefaultRetryBaseDelay,
		dedupTTL:        DefaultDedupTTL,
		correlationTTL:  DefaultCorrelationTTL,
		cleanupInterval: DefaultCleanupInterval,
		handlerTimeout:  DefaultHandlerTimeout,
		poolWorkers:     4,
		poolBuffer:      1000,
	}
}

func (bb *BusBuilder) WithCodec(name string) *BusBuilder {
	bb.codecName = name
	return bb
}

// WithCodecInstance accepts a ready Codec instance.
func (bb *BusBuilder) WithCodecInstance(c Codec) *BusBuilder {
	bb.codecInst = c
	return bb
}

// WithDedupStore selects a registered dedup store backend by name.
func (bb *BusBuilder) WithDedupStore(name string, cfg map[string]any) *BusBuilder {
	bb.dedupName = name
	bb.dedupCfg = cfg
	return bb
}

// WithDedupStoreInstance accepts a ready DedupStore (e.g., from adapter Use()).
func (bb *BusBuilder) WithDedupStoreInstance(s DedupStore) *BusBuilder {
	bb.dedupInst = s
	return bb
}

func (bb *BusBuilder) WithMiddleware(mw ...Middleware) *BusBuilder {
	if len(mw) == 0 {
		return bb
	}
	bb.middlewares = append(bb.middlewares, mw...)
	return bb
}

func (bb *BusBuilder) WithObserver(obs ...Observer) *BusBuilder {
	for _, o := range obs {
		if o != nil {
			bb.observers = append(bb.observers, o)
		}
	}
	return bb
}

func (bb *BusBuilder) WithLogger(l *xlog.Logger) *BusBuilder {
	bb.logger = l
	return bb
}

func (bb *BusBuilder) WithClock(c xclock.Clock) *BusBuilder {
	bb.clock = c
	return bb
}

// WithBaseContext sets the context handlers receive; shutdown of long-lived
// consumers can hang off it.
func (bb *BusBuilder) WithBaseContext(ctx context.Context) *BusBuilder {
	bb.baseCtx = ctx
	return bb
}

// WithQueueCapacity bounds the un-dispatched envelope queue.
func (bb *BusBuilder) WithQueueCapacity(n int) *BusBuilder {
	if n > 0 {
		bb.queueCapacity = n
	}
	return bb
}

// WithBatchSize sets both the per-flush pop limit and the immediate-flush
// threshold.
func (bb *BusBuilder) WithBatchSize(n int) *BusBuilder {
	if n > 0 {
		bb.batchSize = n
	}
	return bb
}

// WithFlushInterval sets the debounce delay armed on every publish.
func (bb *BusBuilder) WithFlushInterval(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.flushInterval = d
	}
	return bb
}

// WithMaxRetries bounds redelivery attempts per envelope.
func (bb *BusBuilder) WithMaxRetries(n int) *BusBuilder {
	if n >= 0 {
		bb.maxRetries = n
	}
	return bb
}

// WithRetryBaseDelay sets the backoff base; attempt n waits base * 2^n.
func (bb *BusBuilder) WithRetryBaseDelay(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.retryBaseDelay = d
	}
	return bb
}

// WithDedupTTL sets how long idempotency keys suppress duplicates.
func (bb *BusBuilder) WithDedupTTL(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.dedupTTL = d
	}
	return bb
}

// WithCorrelationTTL bounds the session correlation map; 0 keeps entries for
// the life of the bus.
func (bb *BusBuilder) WithCorrelationTTL(d time.Duration) *BusBuilder {
	if d >= 0 {
		bb.correlationTTL = d
	}
	return bb
}

// WithCleanupInterval sets the janitor sweep period.
func (bb *BusBuilder) WithCleanupInterval(d time.Duration) *BusBuilder {
	if d > 0 {
		bb.cleanupInterval = d
	}
	return bb
}

// WithHandlerTimeout bounds a single handler invocation; 0 disables the bound.
func (bb *BusBuilder) WithHandlerTimeout(d time.Duration) *BusBuilder {
	if d >= 0 {
		bb.handlerTimeout = d
	}
	return bb
}

// WithObserverPool configures async observer dispatch.
func (bb *BusBuilder) WithObserverPool(workers, bufferSize int) *BusBuilder {
	if workers > 0 {
		bb.poolWorkers = workers
	}
	if bufferSize > 0 {
		bb.poolBuffer = bufferSize
	}
	return bb
}

func (bb *BusBuilder) Build() (*Bus, error) {
	var cd Codec
	var err error
	if bb.codecInst != nil {
		cd = bb.codecInst
	} else {
		cd, err = NewCodec(bb.codecName)
		if err != nil {
			return nil, err
		}
	}

	var store DedupStore
	switch {
	case bb.dedupInst != nil:
		store = bb.dedupInst
	case bb.dedupName != "":
		store, err = NewDedupStore(bb.dedupName, bb.dedupCfg)
		if err != nil {
			return nil, err
		}
	default:
		return nil, ErrNoDedupStore
	}

	clk := bb.clock
	if clk == nil {
		clk = xclock.Default()
	}
	lg := bb.logger
	if lg == nil {
		lg = xlog.Default()
	}
	baseCtx := bb.baseCtx
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	b := &Bus{
		codec:          cd,
		clock:          clk,
		logger:         lg,
		middlewares:    bb.middlewares,
		queue:          newEventQueue(bb.queueCapacity),
		registry:       newSubscriberRegistry(),
		dedup:          store,
		correlations:   newCorrelationTracker(),
		batchSize:      bb.batchSize,
		maxRetries:     bb.maxRetries,
		flushInterval:  bb.flushInterval,
		retryBaseDelay: bb.retryBaseDelay,
		handlerTimeout: bb.handlerTimeout,
		flushTok:       make(chan struct{}, 1),
		baseCtx:        baseCtx,
		metrics:        &busMetrics{},
	}
	b.flushTok <- struct{}{}

	b.retries = newRetryScheduler(b.redeliver)
	b.janitor = newCleanupWorker(store, b.correlations, lg, bb.cleanupInterval, bb.dedupTTL, bb.correlationTTL)
	b.observerPool = NewObserverPool(baseCtx, bb.poolWorkers, bb.poolBuffer)

	// Attach logging observer first for dependable telemetry unless already
	// supplied externally.
	hasLoggingObserver := false
	for _, o := range bb.observers {
		if _, ok := o.(LoggingObserver); ok {
			hasLoggingObserver = true
			break
		}
	}
	if !hasLoggingObserver {
		b.AddObserver(LoggingObserver{Logger: lg})
	}

	for _, o := range bb.observers {
		b.AddObserver(o)
	}

	return b, nil
}

// New constructs a Bus via Builder and returns a close func for convenience.
func New(init func(b *BusBuilder)) (*Bus, func() error, error) {
	bb := NewBusBuilder()
	if init != nil {
		init(bb)
	}
	bus, err := bb.Build()
	if err != nil {
		return nil, nil, err
	}
	closeFn := func() error { return bus.Close(context.Background()) }
	return bus, closeFn, nil
}
