package xevent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIdempotencyKey_Deterministic(t *testing.T) {
	payload := []byte(`{"order_id":"O1"}`)

	assert.Equal(t,
		defaultIdempotencyKey("order_placed", payload),
		defaultIdempotencyKey("order_placed", payload))

	assert.NotEqual(t,
		defaultIdempotencyKey("order_placed", payload),
		defaultIdempotencyKey("order_cancelled", payload),
		"key is sensitive to the event type")

	assert.NotEqual(t,
		defaultIdempotencyKey("order_placed", payload),
		defaultIdempotencyKey("order_placed", []byte(`{"order_id":"O2"}`)),
		"key is sensitive to the payload")
}

func TestMemoryDedupStore_PutIfAbsent(t *testing.T) {
	s := NewMemoryDedupStore()
	ctx := context.Background()

	_, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	assert.False(t, ok)

	id := newEventID()
	_, won, err := s.PutIfAbsent(ctx, "k1", id)
	require.NoError(t, err)
	require.True(t, won)

	// The losing reservation observes the winner's id.
	existing, won, err := s.PutIfAbsent(ctx, "k1", newEventID())
	require.NoError(t, err)
	assert.False(t, won)
	assert.Equal(t, id, existing)

	got, ok, err := s.Get(ctx, "k1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, got)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestMemoryDedupStore_PurgeByEmbeddedAge(t *testing.T) {
	s := NewMemoryDedupStore()
	ctx := context.Background()

	_, won, err := s.PutIfAbsent(ctx, "fresh", newEventID())
	require.NoError(t, err)
	require.True(t, won)

	// Entries are kept while younger than the cutoff.
	removed, err := s.Purge(ctx, time.Now().Add(-time.Minute))
	require.NoError(t, err)
	assert.Zero(t, removed)

	// ...and dropped once the cutoff passes their embedded timestamp.
	removed, err = s.Purge(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	n, err := s.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestMemoryDedupStore_OpaqueIDsAgeFromInsertion(t *testing.T) {
	s := NewMemoryDedupStore()
	ctx := context.Background()

	_, _, err := s.PutIfAbsent(ctx, "opaque", "caller-supplied-id")
	require.NoError(t, err)

	// No embedded timestamp, so the insertion time decides the entry's age:
	// a fresh entry survives the sweep for its full TTL.
	removed, err := s.Purge(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, removed)

	removed, err = s.Purge(ctx, time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)
}

func TestDedupStoreRegistry(t *testing.T) {
	s, err := NewDedupStore("memory", nil)
	require.NoError(t, err)
	require.NotNil(t, s)

	_, err = NewDedupStore("bogus", nil)
	var unknown ErrUnknownDedupStore
	require.ErrorAs(t, err, &unknown)

	assert.Error(t, RegisterDedupStore("", nil))
	assert.Error(t, RegisterDedupStore("x", nil))
}

func TestEventIDTime_RoundTrip(t *testing.T) {
	id := newEventID()

	created, ok := eventIDTime(id)
	require.True(t, ok)
	assert.WithinDuration(t, time.Now(), created, 5*time.Second)

	_, ok = eventIDTime("not-a-uuid")
	assert.False(t, ok)
}
