// Package events carries trust outcomes to whoever consumes them. The
// challenge dispatch event is how one-time codes leave the service.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.opentelemetry.io/otel/trace"
)

// Trust event types
const (
	// Outbound challenge delivery, consumed by the notification collaborator
	EventMFAChallengeDispatch = "mfa.challenge.dispatch"
	EventMFAVerified          = "mfa.verified"
	EventMFAFailed            = "mfa.failed"

	EventRiskBlocked    = "risk.blocked"
	EventIdentityBanned = "ratelimit.banned"
	EventReplayDetected = "ratelimit.replay"
	EventConfigReloaded = "system.config.reloaded"

	// Provider callbacks that passed replay and idempotency checks
	EventWebhookReceived = "webhook.received"
)

// Any subscribes to every event type
const Any = "*"

// ErrClosed is returned by Publish after Close
var ErrClosed = errors.New("event bus is closed")

var (
	published = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_events_published_total",
		Help: "Events published on the in-process bus",
	}, []string{"type"})

	handlerErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "trustcore_event_handler_errors_total",
		Help: "Event handler failures by event type",
	}, []string{"type"})
)

// Event is a trust outcome
type Event struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	Source    string                 `json:"source"`
	Timestamp time.Time              `json:"timestamp"`
	TraceID   string                 `json:"trace_id,omitempty"`
	UserID    string                 `json:"user_id,omitempty"`
	Payload   map[string]interface{} `json:"payload"`
}

// NewEvent creates an event with a fresh ID and the current time
func NewEvent(eventType, source string, payload map[string]interface{}) Event {
	return Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Source:    source,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// WithUserID sets the subject of the event
func (e Event) WithUserID(userID string) Event {
	e.UserID = userID
	return e
}

// JSON encodes the event
func (e Event) JSON() ([]byte, error) {
	return json.Marshal(e)
}

// Handler consumes one event
type Handler func(ctx context.Context, event Event) error

// Bus delivers events to subscribers
type Bus interface {
	// Publish runs every matching handler before returning. The joined
	// handler errors are returned.
	Publish(ctx context.Context, event Event) error
	// Subscribe registers h for eventType, or every type when eventType is
	// Any. The returned func removes the subscription.
	Subscribe(eventType string, h Handler) (unsubscribe func())
}

type subscription struct {
	id        uint64
	eventType string
	handler   Handler
}

// MemoryBus is a synchronous in-process Bus
type MemoryBus struct {
	mu      sync.RWMutex
	subs    []subscription
	nextID  uint64
	closed  bool
	onError func(error)
}

// NewMemoryBus creates an empty bus
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{onError: func(error) {}}
}

// SetErrorHandler is called once per failed handler invocation
func (b *MemoryBus) SetErrorHandler(fn func(error)) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.onError = fn
}

// Publish stamps the trace ID from ctx when the event has none, then calls
// handlers in subscription order.
func (b *MemoryBus) Publish(ctx context.Context, event Event) error {
	b.mu.RLock()
	if b.closed {
		b.mu.RUnlock()
		return ErrClosed
	}
	var handlers []Handler
	for _, s := range b.subs {
		if s.eventType == Any || s.eventType == event.Type {
			handlers = append(handlers, s.handler)
		}
	}
	onError := b.onError
	b.mu.RUnlock()

	if event.TraceID == "" {
		if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
			event.TraceID = sc.TraceID().String()
		}
	}
	published.WithLabelValues(event.Type).Inc()

	var errs []error
	for _, h := range handlers {
		if err := h(ctx, event); err != nil {
			handlerErrors.WithLabelValues(event.Type).Inc()
			err = fmt.Errorf("%s handler: %w", event.Type, err)
			onError(err)
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Subscribe registers h for eventType
func (b *MemoryBus) Subscribe(eventType string, h Handler) func() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription{id: id, eventType: eventType, handler: h})

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subs {
			if s.id == id {
				b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
				return
			}
		}
	}
}

// Close rejects further publishes
func (b *MemoryBus) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	return nil
}
