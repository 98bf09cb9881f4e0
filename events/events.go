package events

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

var (
	// ErrBusClosed indicates the event bus has been stopped.
	ErrBusClosed = errors.New("event bus is closed")
	// ErrQueueFull indicates the delivery queue cannot accept more events.
	ErrQueueFull = errors.New("event queue is full")
	// ErrNoHandler indicates nobody subscribed to the event type.
	ErrNoHandler = errors.New("no handlers registered for event type")
)

// Event types emitted once per committed approval transition.
const (
	TypeSubmitted        = "approval.submitted"
	TypeApprovalRecorded = "approval.approval_recorded"
	TypeStepApproved     = "approval.approved_step"
	TypeApproved         = "approval.approved"
	TypeRejected         = "approval.rejected"
	TypeDelegated        = "approval.delegated"
	TypeCancelled        = "approval.cancelled"
	TypeEscalated        = "approval.escalated"
	TypeExpired          = "approval.expired"
)

// AllTypes lists every transition event type.
var AllTypes = []string{
	TypeSubmitted, TypeApprovalRecorded, TypeStepApproved, TypeApproved, TypeRejected,
	TypeDelegated, TypeCancelled, TypeEscalated, TypeExpired,
}

// anyType is the subscription key of handlers registered with SubscribeAll.
const anyType = "*"

// Event describes one committed transition of an approval request.
// Recipients are the users a notifier should contact.
type Event struct {
	ID         string                 `json:"id"`
	Type       string                 `json:"type"`
	RequestID  uint64                 `json:"request_id"`
	Actor      string                 `json:"actor,omitempty"`
	Recipients []string               `json:"recipients,omitempty"`
	OccurredAt time.Time              `json:"occurred_at"`
	Data       map[string]interface{} `json:"data,omitempty"`
}

// NewEvent builds an event with a fresh id.
func NewEvent(eventType string, requestID uint64, actor string, at time.Time) Event {
	return Event{
		ID:         uuid.NewString(),
		Type:       eventType,
		RequestID:  requestID,
		Actor:      actor,
		OccurredAt: at,
		Data:       make(map[string]interface{}),
	}
}

// EventHandler consumes events delivered by the bus.
type EventHandler interface {
	Handle(ctx context.Context, event Event) error
}

// EventHandlerFunc adapts a function to EventHandler.
type EventHandlerFunc func(ctx context.Context, event Event) error

// Handle calls f.
func (f EventHandlerFunc) Handle(ctx context.Context, event Event) error {
	return f(ctx, event)
}

// Subscription is returned by Subscribe and used to unsubscribe.
type Subscription struct {
	id        uint64
	eventType string
}

type subscriber struct {
	id      uint64
	handler EventHandler
}

// DeliveryStats counts handler outcomes for one event type.
type DeliveryStats struct {
	Delivered int64
	Failed    int64
}

// EventBus delivers transition events to subscribers on a single background
// goroutine, so every handler sees events in publish order.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[string][]subscriber
	nextID uint64
	stats  map[string]DeliveryStats

	queue   chan Event
	onError func(event Event, err error)
	timeout time.Duration
	log     zerolog.Logger
	wg      sync.WaitGroup
	closeMu sync.RWMutex
	closed  bool
}

// EventBusOption configures an EventBus.
type EventBusOption func(*EventBus)

// WithBufferSize sets how many events may wait for delivery.
func WithBufferSize(size int) EventBusOption {
	return func(eb *EventBus) {
		if size > 0 {
			eb.queue = make(chan Event, size)
		}
	}
}

// WithErrorHandler replaces the default handler-error logging.
func WithErrorHandler(handler func(event Event, err error)) EventBusOption {
	return func(eb *EventBus) {
		if handler != nil {
			eb.onError = handler
		}
	}
}

// WithHandlerTimeout bounds each synchronous publish.
func WithHandlerTimeout(d time.Duration) EventBusOption {
	return func(eb *EventBus) {
		if d > 0 {
			eb.timeout = d
		}
	}
}

// WithLogger sets the logger used by the default error handler.
func WithLogger(log zerolog.Logger) EventBusOption {
	return func(eb *EventBus) {
		eb.log = log
	}
}

// NewEventBus starts a bus with a queue of 100 events and a 5s sync timeout.
func NewEventBus(options ...EventBusOption) *EventBus {
	eb := &EventBus{
		subs:    make(map[string][]subscriber),
		stats:   make(map[string]DeliveryStats),
		queue:   make(chan Event, 100),
		timeout: 5 * time.Second,
		log:     zerolog.Nop(),
	}
	eb.onError = eb.logError

	for _, option := range options {
		option(eb)
	}

	eb.wg.Add(1)
	go eb.dispatch()

	return eb
}

// Subscribe registers handler for one event type.
func (eb *EventBus) Subscribe(eventType string, handler EventHandler) Subscription {
	eb.mu.Lock()
	defer eb.mu.Unlock()
	eb.nextID++
	eb.subs[eventType] = append(eb.subs[eventType], subscriber{id: eb.nextID, handler: handler})
	return Subscription{id: eb.nextID, eventType: eventType}
}

// SubscribeAll registers handler for every event type, including types
// added after the call.
func (eb *EventBus) SubscribeAll(handler EventHandler) Subscription {
	return eb.Subscribe(anyType, handler)
}

// SubscribeFunc registers a plain function for one event type.
func (eb *EventBus) SubscribeFunc(eventType string, fn func(ctx context.Context, event Event) error) Subscription {
	return eb.Subscribe(eventType, EventHandlerFunc(fn))
}

// Unsubscribe removes a subscription. It reports whether it was still registered.
func (eb *EventBus) Unsubscribe(sub Subscription) bool {
	eb.mu.Lock()
	defer eb.mu.Unlock()

	list := eb.subs[sub.eventType]
	for i, s := range list {
		if s.id != sub.id {
			continue
		}
		list = append(list[:i:i], list[i+1:]...)
		if len(list) == 0 {
			delete(eb.subs, sub.eventType)
		} else {
			eb.subs[sub.eventType] = list
		}
		return true
	}
	return false
}

// HasSubscribers reports whether an event of the given type reaches anyone.
func (eb *EventBus) HasSubscribers(eventType string) bool {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	return len(eb.subs[eventType])+len(eb.subs[anyType]) > 0
}

// handlersFor returns the type's handlers followed by the catch-all ones,
// each group in subscription order.
func (eb *EventBus) handlersFor(eventType string) []subscriber {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make([]subscriber, 0, len(eb.subs[eventType])+len(eb.subs[anyType]))
	out = append(out, eb.subs[eventType]...)
	if eventType != anyType {
		out = append(out, eb.subs[anyType]...)
	}
	return out
}

// Publish queues event for asynchronous delivery. It never blocks: a full
// queue returns ErrQueueFull.
func (eb *EventBus) Publish(ctx context.Context, event Event) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	eb.closeMu.RLock()
	defer eb.closeMu.RUnlock()
	if eb.closed {
		return ErrBusClosed
	}
	if !eb.HasSubscribers(event.Type) {
		return fmt.Errorf("%w: %s", ErrNoHandler, event.Type)
	}

	select {
	case eb.queue <- event:
		return nil
	default:
		return fmt.Errorf("%w: dropping %s for request %d", ErrQueueFull, event.Type, event.RequestID)
	}
}

// PublishSync delivers event on the caller's goroutine and returns every
// handler error.
func (eb *EventBus) PublishSync(ctx context.Context, event Event) []error {
	eb.closeMu.RLock()
	closed := eb.closed
	eb.closeMu.RUnlock()
	if closed {
		return []error{ErrBusClosed}
	}

	subs := eb.handlersFor(event.Type)
	if len(subs) == 0 {
		return []error{fmt.Errorf("%w: %s", ErrNoHandler, event.Type)}
	}

	ctx, cancel := context.WithTimeout(ctx, eb.timeout)
	defer cancel()
	return eb.deliver(ctx, subs, event)
}

// Stats returns per-type delivery counters.
func (eb *EventBus) Stats() map[string]DeliveryStats {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make(map[string]DeliveryStats, len(eb.stats))
	for k, v := range eb.stats {
		out[k] = v
	}
	return out
}

// Types returns the event types that currently have a dedicated subscriber.
func (eb *EventBus) Types() []string {
	eb.mu.RLock()
	defer eb.mu.RUnlock()
	out := make([]string, 0, len(eb.subs))
	for k := range eb.subs {
		if k != anyType {
			out = append(out, k)
		}
	}
	sort.Strings(out)
	return out
}

// Stop rejects new events and waits until the queued ones are delivered.
func (eb *EventBus) Stop() {
	eb.closeMu.Lock()
	if !eb.closed {
		eb.closed = true
		close(eb.queue)
	}
	eb.closeMu.Unlock()

	eb.wg.Wait()
}

func (eb *EventBus) dispatch() {
	defer eb.wg.Done()

	for event := range eb.queue {
		for _, err := range eb.deliver(context.Background(), eb.handlersFor(event.Type), event) {
			eb.onError(event, err)
		}
	}
}

// deliver runs handlers one after another. A panicking handler is reported
// as an error and does not stop the others.
func (eb *EventBus) deliver(ctx context.Context, subs []subscriber, event Event) []error {
	var errs []error
	for _, s := range subs {
		if err := safeHandle(ctx, s.handler, event); err != nil {
			errs = append(errs, err)
		}
	}

	eb.mu.Lock()
	st := eb.stats[event.Type]
	st.Delivered += int64(len(subs) - len(errs))
	st.Failed += int64(len(errs))
	eb.stats[event.Type] = st
	eb.mu.Unlock()

	return errs
}

func safeHandle(ctx context.Context, h EventHandler, event Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic on %s: %v\n%s", event.Type, r, debug.Stack())
		}
	}()
	return h.Handle(ctx, event)
}

func (eb *EventBus) logError(event Event, err error) {
	eb.log.Error().Err(err).
		Str("event_type", event.Type).
		Uint64("request_id", event.RequestID).
		Str("event_id", event.ID).
		Msg("event handler failed")
}
