package xevent

import (
	"errors"
	"fmt"
)

// ErrUnknownDedupStore reports a dedup store name with no registered factory.
type ErrUnknownDedupStore struct{ name string }

func (e ErrUnknownDedupStore) Error() string {
	return fmt.Sprintf("xevent: unknown dedup store: %s", e.name)
}

var (
	ErrBusClosed           = errors.New("xevent: bus is closed")
	ErrInvalidEventType    = errors.New("xevent: event type must not be empty")
	ErrInvalidPriority     = errors.New("xevent: priority must be high, normal or low")
	ErrInvalidSubscription = errors.New("xevent: subscription requires event types and a handler")
	ErrNoDedupStore        = errors.New("xevent: no dedup store configured")

	ErrObserverPoolShutdownTimeout = errors.New("xevent: observer pool shutdown timeout")
)
