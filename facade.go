package xevent

import (
	"context"
	"fmt"
	"sync"
)

var (
	defaultBus   *Bus
	defaultBusMu sync.Mutex
)

// Default returns the process-wide singleton Bus, building one with defaults
// on first use.
func Default() *Bus {
	defaultBusMu.Lock()
	defer defaultBusMu.Unlock()

	if defaultBus != nil {
		return defaultBus
	}

	bus, err := NewBusBuilder().Build()
	if err != nil {
		panic(fmt.Sprintf("xevent: failed to initialize default bus: %v", err))
	}
	defaultBus = bus
	return defaultBus
}

// SetDefault replaces the process-wide default Bus.
func SetDefault(b *Bus) {
	if b == nil {
		panic("xevent: SetDefault called with nil Bus")
	}
	defaultBusMu.Lock()
	defaultBus = b
	defaultBusMu.Unlock()
}

// Publish is the Facade using the default bus.
func Publish(ctx context.Context, eventType string, payload any, opts ...PublishOption) (PublishResult, error) {
	return Default().Publish(ctx, eventType, payload, opts...)
}

// Subscribe is the Facade using the default bus.
func Subscribe(eventTypes []string, handler Handler, opts ...SubscribeOption) (Subscription, error) {
	return Default().Subscribe(eventTypes, handler, opts...)
}

// SubscribeBatch is the Facade using the default bus.
func SubscribeBatch(eventTypes []string, handler BatchHandler, opts ...SubscribeOption) (Subscription, error) {
	return Default().SubscribeBatch(eventTypes, handler, opts...)
}

// Unsubscribe is the Facade using the default bus.
func Unsubscribe(eventTypes []string, name string) {
	Default().Unsubscribe(eventTypes, name)
}

// Flush drains the default bus queue synchronously.
func Flush(ctx context.Context) error {
	return Default().Flush(ctx)
}

// GetStats snapshots the default bus state.
func GetStats() Stats {
	return Default().GetStats()
}
