package xevent

import (
	"sync"
	"time"
)

// correlationTracker maps session ids to correlation ids so related events
// can be linked by consumers. Correlation ids are UUIDv7, which lets the
// janitor bound the map by entry age without a separate expiry field.
type correlationTracker struct {
	mu      sync.Mutex
	entries map[string]string
}

func newCorrelationTracker() *correlationTracker {
	return &correlationTracker{entries: make(map[string]string)}
}

// resolve returns the correlation id for a session, creating one on first use.
// An empty session id yields a one-off correlation id that is never tracked.
func (c *correlationTracker) resolve(sessionID string) string {
	if sessionID == "" {
		return newEventID()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.entries[sessionID]; ok {
		return id
	}
	id := newEventID()
	c.entries[sessionID] = id
	return id
}

// peek returns the correlation id a session currently maps to without
// creating an entry. Unknown or empty sessions get a one-off id.
func (c *correlationTracker) peek(sessionID string) string {
	if sessionID == "" {
		return newEventID()
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if id, ok := c.entries[sessionID]; ok {
		return id
	}
	return newEventID()
}

// purge drops entries whose correlation id was minted before cutoff.
// A session quiet for longer than the TTL simply gets a fresh correlation id.
func (c *correlationTracker) purge(cutoff time.Time) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for session, id := range c.entries {
		created, ok := eventIDTime(id)
		if !ok || created.Before(cutoff) {
			delete(c.entries, session)
			removed++
		}
	}
	return removed
}

func (c *correlationTracker) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}
