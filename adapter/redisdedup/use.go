package redisdedup

import (
	"fmt"
	"time"

	"github.com/trickstertwo/xclock"
	"github.com/trickstertwo/xevent"
	"github.com/trickstertwo/xlog"
)

// Use builds a Bus with the Redis dedup store and sets it as the default.
// Mirrors the xlog/xclock "Use" behavior: explicit construction and global
// install.
//
// Example:
//
//	bus := redisdedup.Use(redisdedup.Config{
//	    Addr:      "localhost:6379",
//	    KeyPrefix: "storefront:dedup:",
//	    TTL:       5 * time.Minute,
//	},
//	    redisdedup.WithLogger(logger),
//	)
func Use(cfg Config, opts ...Option) *xevent.Bus {
	bb := xevent.NewBusBuilder().
		WithDedupStore(StoreName, cfg.toMap()).
		WithDedupTTL(cfg.TTL)

	for _, o := range opts {
		if o != nil {
			o(bb)
		}
	}

	bus, err := bb.Build()
	if err != nil {
		panic(fmt.Errorf("redisdedup.Use: %w", err))
	}

	// Install as process-wide default (replaces any existing default).
	xevent.SetDefault(bus)
	return bus
}

// Option configures the xevent.Bus when calling Use.
type Option func(*xevent.BusBuilder)

// WithLogger injects a custom xlog logger.
func WithLogger(l *xlog.Logger) Option {
	return func(b *xevent.BusBuilder) { b.WithLogger(l) }
}

// WithClock injects a custom xclock clock.
func WithClock(c xclock.Clock) Option {
	return func(b *xevent.BusBuilder) { b.WithClock(c) }
}

// WithCodec selects a codec by name (default: "json").
func WithCodec(name string) Option {
	return func(b *xevent.BusBuilder) { b.WithCodec(name) }
}

// WithMiddleware adds processing middlewares.
func WithMiddleware(mw ...xevent.Middleware) Option {
	return func(b *xevent.BusBuilder) { b.WithMiddleware(mw...) }
}

// WithBatchSize sets the flush threshold and per-flush pop limit.
func WithBatchSize(n int) Option {
	return func(b *xevent.BusBuilder) { b.WithBatchSize(n) }
}

// WithFlushInterval sets the publish debounce delay.
func WithFlushInterval(d time.Duration) Option {
	return func(b *xevent.BusBuilder) { b.WithFlushInterval(d) }
}

// WithObserver attaches observers for lifecycle events.
func WithObserver(obs ...xevent.Observer) Option {
	return func(b *xevent.BusBuilder) { b.WithObserver(obs...) }
}
