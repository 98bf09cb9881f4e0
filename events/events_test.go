package events

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type collector struct {
	mu     sync.Mutex
	events []Event
	err    error
}

func (c *collector) Handle(ctx context.Context, event Event) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, event)
	return c.err
}

func (c *collector) requestIDs() []uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]uint64, len(c.events))
	for i, e := range c.events {
		out[i] = e.RequestID
	}
	return out
}

func TestNewEvent(t *testing.T) {
	at := time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)
	a := NewEvent(TypeApproved, 123, "alice", at)
	b := NewEvent(TypeApproved, 123, "alice", at)

	assert.NotEmpty(t, a.ID)
	assert.NotEqual(t, a.ID, b.ID)
	assert.Equal(t, TypeApproved, a.Type)
	assert.Equal(t, at, a.OccurredAt)
	assert.NotNil(t, a.Data)
}

func TestEventBus_Subscriptions(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	assert.False(t, eb.HasSubscribers(TypeSubmitted))

	first := eb.Subscribe(TypeRejected, &collector{})
	second := eb.SubscribeFunc(TypeRejected, func(context.Context, Event) error { return nil })
	assert.True(t, eb.HasSubscribers(TypeRejected))
	assert.False(t, eb.HasSubscribers(TypeSubmitted))
	assert.Equal(t, []string{TypeRejected}, eb.Types())

	assert.True(t, eb.Unsubscribe(first))
	assert.False(t, eb.Unsubscribe(first), "second removal is a no-op")
	assert.True(t, eb.HasSubscribers(TypeRejected))

	assert.True(t, eb.Unsubscribe(second))
	assert.False(t, eb.HasSubscribers(TypeRejected))
	assert.Empty(t, eb.Types())

	all := eb.SubscribeAll(&collector{})
	for _, typ := range AllTypes {
		assert.True(t, eb.HasSubscribers(typ), typ)
	}
	assert.True(t, eb.Unsubscribe(all))
	assert.False(t, eb.HasSubscribers(TypeExpired))
}

func TestEventBus_PublishDeliversInOrder(t *testing.T) {
	eb := NewEventBus()
	typed := &collector{}
	catchAll := &collector{}
	eb.Subscribe(TypeApproved, typed)
	eb.SubscribeAll(catchAll)

	for i := uint64(1); i <= 20; i++ {
		typ := TypeApproved
		if i%2 == 0 {
			typ = TypeStepApproved
		}
		require.NoError(t, eb.Publish(context.Background(), NewEvent(typ, i, "alice", time.Now())))
	}
	eb.Stop()

	assert.Len(t, typed.requestIDs(), 10)
	ids := catchAll.requestIDs()
	require.Len(t, ids, 20)
	for i, id := range ids {
		assert.Equal(t, uint64(i+1), id)
	}

	stats := eb.Stats()
	assert.Equal(t, DeliveryStats{Delivered: 20}, stats[TypeApproved])
	assert.Equal(t, DeliveryStats{Delivered: 10}, stats[TypeStepApproved])
}

func TestEventBus_PublishErrors(t *testing.T) {
	t.Run("NoHandler", func(t *testing.T) {
		eb := NewEventBus()
		defer eb.Stop()
		err := eb.Publish(context.Background(), Event{Type: "unknown_event", RequestID: 123})
		assert.ErrorIs(t, err, ErrNoHandler)
	})

	t.Run("Closed", func(t *testing.T) {
		eb := NewEventBus()
		eb.Subscribe(TypeSubmitted, &collector{})
		eb.Stop()
		assert.ErrorIs(t, eb.Publish(context.Background(), Event{Type: TypeSubmitted}), ErrBusClosed)
		assert.Equal(t, []error{ErrBusClosed}, eb.PublishSync(context.Background(), Event{Type: TypeSubmitted}))
	})

	t.Run("CanceledContext", func(t *testing.T) {
		eb := NewEventBus()
		defer eb.Stop()
		eb.Subscribe(TypeSubmitted, &collector{})
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		assert.ErrorIs(t, eb.Publish(ctx, Event{Type: TypeSubmitted}), context.Canceled)
	})

	t.Run("QueueFull", func(t *testing.T) {
		release := make(chan struct{})
		started := make(chan struct{}, 1)
		eb := NewEventBus(WithBufferSize(1))
		eb.SubscribeFunc(TypeEscalated, func(context.Context, Event) error {
			select {
			case started <- struct{}{}:
			default:
			}
			<-release
			return nil
		})

		require.NoError(t, eb.Publish(context.Background(), Event{Type: TypeEscalated, RequestID: 1}))
		<-started
		require.NoError(t, eb.Publish(context.Background(), Event{Type: TypeEscalated, RequestID: 2}))
		err := eb.Publish(context.Background(), Event{Type: TypeEscalated, RequestID: 3})
		assert.ErrorIs(t, err, ErrQueueFull)

		close(release)
		eb.Stop()
	})
}

func TestEventBus_PublishSync(t *testing.T) {
	eb := NewEventBus()
	defer eb.Stop()

	failing := &collector{err: errors.New("smtp down")}
	ok := &collector{}
	eb.Subscribe(TypeExpired, failing)
	eb.SubscribeAll(ok)
	eb.SubscribeFunc(TypeExpired, func(context.Context, Event) error { panic("boom") })

	errs := eb.PublishSync(context.Background(), Event{Type: TypeExpired, RequestID: 9})
	require.Len(t, errs, 2)
	assert.EqualError(t, errs[0], "smtp down")
	assert.Contains(t, errs[1].Error(), "handler panic on approval.expired")
	assert.Equal(t, []uint64{9}, ok.requestIDs(), "a panicking handler does not stop the others")
	assert.Equal(t, DeliveryStats{Delivered: 1, Failed: 2}, eb.Stats()[TypeExpired])

	errs = eb.PublishSync(context.Background(), Event{Type: "unknown", RequestID: 10})
	assert.Empty(t, errs)
	assert.Equal(t, []uint64{9, 10}, ok.requestIDs(), "catch-all handlers receive unlisted types")
}

func TestEventBus_ErrorHandler(t *testing.T) {
	var mu sync.Mutex
	var got []error
	eb := NewEventBus(WithErrorHandler(func(event Event, err error) {
		mu.Lock()
		defer mu.Unlock()
		got = append(got, err)
	}))
	eb.Subscribe(TypeCancelled, &collector{err: errors.New("test error")})

	require.NoError(t, eb.Publish(context.Background(), Event{Type: TypeCancelled, RequestID: 123}))
	eb.Stop()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, got, 1)
	assert.EqualError(t, got[0], "test error")
}

func TestEventBus_HandlerTimeout(t *testing.T) {
	eb := NewEventBus(WithHandlerTimeout(10 * time.Millisecond))
	defer eb.Stop()

	eb.SubscribeFunc(TypeDelegated, func(ctx context.Context, _ Event) error {
		<-ctx.Done()
		return ctx.Err()
	})
	errs := eb.PublishSync(context.Background(), Event{Type: TypeDelegated})
	require.Len(t, errs, 1)
	assert.ErrorIs(t, errs[0], context.DeadlineExceeded)
}
