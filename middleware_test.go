package xevent

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecoveryMiddleware_ConvertsPanicToError(t *testing.T) {
	h := RecoveryMiddleware()(func(context.Context, *Event) error {
		panic("boom")
	})

	err := h(context.Background(), &Event{ID: "e1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
}

func TestTimeoutMiddleware_CutsOffSlowHandler(t *testing.T) {
	done := make(chan struct{})
	h := TimeoutMiddleware(20*time.Millisecond)(func(ctx context.Context, _ *Event) error {
		defer close(done)
		<-ctx.Done()
		return ctx.Err()
	})

	err := h(context.Background(), &Event{ID: "e1"})
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler never observed cancellation")
	}
}

func TestTimeoutMiddleware_FastHandlerPassesThrough(t *testing.T) {
	h := TimeoutMiddleware(time.Second)(func(context.Context, *Event) error {
		return nil
	})
	assert.NoError(t, h(context.Background(), &Event{ID: "e1"}))
}

func TestTimeoutMiddleware_ZeroDurationIsNoop(t *testing.T) {
	called := false
	h := TimeoutMiddleware(0)(func(context.Context, *Event) error {
		called = true
		return nil
	})
	require.NoError(t, h(context.Background(), &Event{ID: "e1"}))
	assert.True(t, called)
}

func TestChain_FirstMiddlewareIsOutermost(t *testing.T) {
	var order []string
	mw := func(tag string) Middleware {
		return func(next Handler) Handler {
			return func(ctx context.Context, evt *Event) error {
				order = append(order, tag)
				return next(ctx, evt)
			}
		}
	}

	h := Chain(func(context.Context, *Event) error {
		order = append(order, "handler")
		return nil
	}, mw("outer"), nil, mw("inner"))

	require.NoError(t, h(context.Background(), &Event{ID: "e1"}))
	assert.Equal(t, []string{"outer", "inner", "handler"}, order)
}
