package xevent

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
)

// DedupStoreFactory constructs dedup stores from a config blob.
type DedupStoreFactory func(cfg map[string]any) (DedupStore, error)

var (
	dedupRegistryMu sync.RWMutex
	dedupRegistry   = map[string]DedupStoreFactory{
		"memory": func(map[string]any) (DedupStore, error) { return NewMemoryDedupStore(), nil },
	}
)

// RegisterDedupStore registers a dedup store backend.
func RegisterDedupStore(name string, factory DedupStoreFactory) error {
	if name == "" {
		return errors.New("dedup store name must not be empty")
	}
	if factory == nil {
		return errors.New("dedup store factory must not be nil")
	}
	dedupRegistryMu.Lock()
	dedupRegistry[name] = factory
	dedupRegistryMu.Unlock()
	return nil
}

// NewDedupStore constructs a dedup store by name with config.
func NewDedupStore(name string, cfg map[string]any) (DedupStore, error) {
	dedupRegistryMu.RLock()
	f, ok := dedupRegistry[name]
	dedupRegistryMu.RUnlock()
	if !ok {
		return nil, ErrUnknownDedupStore{name: name}
	}
	return f(cfg)
}

// defaultIdempotencyKey derives the dedup key from the event type and the
// encoded payload. Two publishes of the same logical event hash identically.
func defaultIdempotencyKey(eventType string, payload []byte) string {
	d := xxhash.New()
	_, _ = d.WriteString(eventType)
	_, _ = d.Write([]byte{0})
	_, _ = d.Write(payload)
	return strconv.FormatUint(d.Sum64(), 16)
}

// MemoryDedupStore is the in-process DedupStore (single-node default).
// Entry age is derived from the UUIDv7 timestamp inside the stored event id;
// caller-supplied ids without one are stamped with their insertion time.
type MemoryDedupStore struct {
	mu      sync.RWMutex
	entries map[string]dedupEntry
}

type dedupEntry struct {
	eventID  string
	storedAt time.Time
}

var _ DedupStore = (*MemoryDedupStore)(nil)

func NewMemoryDedupStore() *MemoryDedupStore {
	return &MemoryDedupStore{entries: make(map[string]dedupEntry)}
}

func (s *MemoryDedupStore) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.RLock()
	e, ok := s.entries[key]
	s.mu.RUnlock()
	return e.eventID, ok, nil
}

// PutIfAbsent reserves key under one lock hold, so concurrent publishes of
// the same logical event agree on a single winner.
func (s *MemoryDedupStore) PutIfAbsent(_ context.Context, key, eventID string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e, ok := s.entries[key]; ok {
		return e.eventID, false, nil
	}
	s.entries[key] = dedupEntry{eventID: eventID, storedAt: time.Now()}
	return "", true, nil
}

// Purge drops entries created before cutoff.
func (s *MemoryDedupStore) Purge(_ context.Context, cutoff time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, e := range s.entries {
		created, ok := eventIDTime(e.eventID)
		if !ok {
			created = e.storedAt
		}
		if created.Before(cutoff) {
			delete(s.entries, key)
			removed++
		}
	}
	return removed, nil
}

func (s *MemoryDedupStore) Len(_ context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entries), nil
}

func (s *MemoryDedupStore) Close(_ context.Context) error { return nil }
