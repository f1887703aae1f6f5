package xevent

import (
	"github.com/trickstertwo/xlog"
)

// ObserverFunc is an Adapter that lets a plain function satisfy Observer.
type ObserverFunc func(e BusEvent)

func (f ObserverFunc) OnEvent(e BusEvent) { f(e) }

// LoggingObserver is an Adapter that emits BusEvents via xlog.
type LoggingObserver struct {
	Logger *xlog.Logger
}

func (o LoggingObserver) OnEvent(e BusEvent) {
	if o.Logger == nil {
		return
	}
	ev := o.Logger.With(
		xlog.Str("type", string(e.Type)),
		xlog.Str("event_type", e.EventType),
		xlog.Str("event_id", e.EventID),
	)
	switch e.Type {
	case Dropped, Evicted, Error:
		ev.Warn().Err(e.Err).Msg("xevent event")
	case RetryScheduled:
		ev.With(xlog.Dur("delay", e.Duration)).Debug().Err(e.Err).Msg("xevent event")
	default:
		if e.Duration > 0 {
			ev = ev.With(xlog.Dur("duration", e.Duration))
		}
		ev.Debug().Msg("xevent event")
	}
}
