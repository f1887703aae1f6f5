package xevent

import (
	"context"
	"sync"
	"time"

	"github.com/trickstertwo/xlog"
)

// cleanupWorker periodically expires stale dedup entries and, when a
// correlation TTL is configured, stale session correlations. Entry age comes
// from the UUIDv7 timestamp embedded in the stored ids, or from the insertion
// time for ids without one.
type cleanupWorker struct {
	dedup        DedupStore
	correlations *correlationTracker
	logger       *xlog.Logger

	interval       time.Duration
	dedupTTL       time.Duration
	correlationTTL time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func newCleanupWorker(dedup DedupStore, correlations *correlationTracker, logger *xlog.Logger, interval, dedupTTL, correlationTTL time.Duration) *cleanupWorker {
	ctx, cancel := context.WithCancel(context.Background())
	w := &cleanupWorker{
		dedup:          dedup,
		correlations:   correlations,
		logger:         logger,
		interval:       interval,
		dedupTTL:       dedupTTL,
		correlationTTL: correlationTTL,
		ctx:            ctx,
		cancel:         cancel,
	}
	w.wg.Add(1)
	go w.run()
	return w
}

func (w *cleanupWorker) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.sweep()
		}
	}
}

func (w *cleanupWorker) sweep() {
	now := time.Now()

	removed, err := w.dedup.Purge(w.ctx, now.Add(-w.dedupTTL))
	if err != nil {
		w.logger.Warn().Err(err).Msg("xevent: dedup sweep failed")
	} else if removed > 0 {
		w.logger.Debug().Int("removed", removed).Msg("xevent: dedup entries expired")
	}

	if w.correlationTTL > 0 {
		if removed := w.correlations.purge(now.Add(-w.correlationTTL)); removed > 0 {
			w.logger.Debug().Int("removed", removed).Msg("xevent: correlation entries expired")
		}
	}
}

func (w *cleanupWorker) stop() {
	w.cancel()
	w.wg.Wait()
}
