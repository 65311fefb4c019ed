package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"bookpay/internal/models"
)

const (
	EventBookingCreated       = "booking.created"
	EventBookingStatusChanged = "booking.status_changed"
	EventBookingPaid          = "booking.paid"
	EventBookingRefunded      = "booking.refunded"
	EventPayoutScheduled      = "payout.scheduled"
	EventWebhookExhausted     = "webhook.exhausted"
)

// BookingEventPayload describes the booking snapshot sent to consumers.
type BookingEventPayload struct {
	BookingID      int64     `json:"booking_id"`
	ProviderID     int64     `json:"provider_id"`
	Status         string    `json:"status"`
	PreviousStatus string    `json:"previous_status,omitempty"`
	CustomerTotal  int64     `json:"customer_total"`
	PlatformFee    int64     `json:"platform_fee"`
	ProviderPayout int64     `json:"provider_payout"`
	RefundedPPM    int64     `json:"refunded_ppm,omitempty"`
	Currency       string    `json:"currency"`
	OccurredAt     time.Time `json:"occurred_at"`
}

func NewBookingPayload(b *models.Booking, previous string) BookingEventPayload {
	return BookingEventPayload{
		BookingID:      b.ID,
		ProviderID:     b.ProviderID,
		Status:         string(b.Status),
		PreviousStatus: previous,
		CustomerTotal:  b.CustomerTotal,
		PlatformFee:    b.PlatformFee,
		ProviderPayout: b.ProviderPayout,
		RefundedPPM:    b.RefundedPPM,
		Currency:       b.Currency,
		OccurredAt:     time.Now().UTC(),
	}
}

// Event represents a lightweight domain event.
type Event struct {
	Type      string
	Payload   []byte
	CreatedAt time.Time
}

// EventHandler reacts to an event.
type EventHandler func(ctx context.Context, event *Event) error

// Sink receives every event after local subscribers ran, e.g. a broker.
type Sink interface {
	Publish(ctx context.Context, event *Event) error
}

// EventBus provides in-process pub/sub for events with an optional
// external sink.
type EventBus struct {
	subscribers map[string][]EventHandler
	sinks       []Sink
	mu          sync.RWMutex
}

// NewEventBus constructs an empty bus.
func NewEventBus(sinks ...Sink) *EventBus {
	return &EventBus{subscribers: make(map[string][]EventHandler), sinks: sinks}
}

// Subscribe registers a handler for a given event type.
func (b *EventBus) Subscribe(eventType string, handler EventHandler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subscribers[eventType] = append(b.subscribers[eventType], handler)
}

// Publish notifies subscribers of the event type and forwards to sinks.
// Handler errors do not stop delivery; they are joined and returned.
func (b *EventBus) Publish(ctx context.Context, event *Event) error {
	b.mu.RLock()
	handlers := append([]EventHandler(nil), b.subscribers[event.Type]...)
	sinks := append([]Sink(nil), b.sinks...)
	b.mu.RUnlock()

	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	var errs []error
	for _, handler := range handlers {
		if err := handler(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	for _, sink := range sinks {
		if err := sink.Publish(ctx, event); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// PublishJSON serializes the payload and publishes an event.
func (b *EventBus) PublishJSON(ctx context.Context, eventType string, payload interface{}) error {
	if b == nil {
		return nil
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	return b.Publish(ctx, &Event{Type: eventType, Payload: raw, CreatedAt: time.Now()})
}
