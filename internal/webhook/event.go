// Package webhook decodes and authenticates payment processor callbacks.
package webhook

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	TypePaymentSucceeded  = "payment.succeeded"
	TypePaymentFailed     = "payment.failed"
	TypeTransferCompleted = "transfer.completed"
	TypeRefundCompleted   = "refund.completed"
)

var ErrMalformedEvent = errors.New("malformed webhook event")

// Event is one of PaymentSucceeded, PaymentFailed, TransferCompleted,
// RefundCompleted or Unsupported.
type Event interface {
	EventID() string
	EventType() string
	event()
}

type PaymentSucceeded struct {
	ID              string `json:"-"`
	ChargeReference string `json:"charge_id"`
	BookingID       int64  `json:"booking_id,omitempty"`
	AmountCents     int64  `json:"amount"`
	Currency        string `json:"currency,omitempty"`
}

type PaymentFailed struct {
	ID              string `json:"-"`
	ChargeReference string `json:"charge_id"`
	BookingID       int64  `json:"booking_id,omitempty"`
	FailureCode     string `json:"failure_code,omitempty"`
	FailureMessage  string `json:"failure_message,omitempty"`
}

type TransferCompleted struct {
	ID                string `json:"-"`
	TransferReference string `json:"transfer_id"`
	AmountCents       int64  `json:"amount,omitempty"`
}

type RefundCompleted struct {
	ID              string `json:"-"`
	RefundReference string `json:"refund_id"`
	// RefundID is the platform's own refund id echoed through processor metadata.
	RefundID        string `json:"platform_refund_id,omitempty"`
	ChargeReference string `json:"charge_id,omitempty"`
}

// Unsupported is any event type the engine does not act on. It is
// acknowledged and recorded but never dispatched.
type Unsupported struct {
	ID   string          `json:"-"`
	Type string          `json:"-"`
	Data json.RawMessage `json:"-"`
}

func (e PaymentSucceeded) EventID() string  { return e.ID }
func (e PaymentFailed) EventID() string     { return e.ID }
func (e TransferCompleted) EventID() string { return e.ID }
func (e RefundCompleted) EventID() string   { return e.ID }
func (e Unsupported) EventID() string       { return e.ID }

func (PaymentSucceeded) EventType() string  { return TypePaymentSucceeded }
func (PaymentFailed) EventType() string     { return TypePaymentFailed }
func (TransferCompleted) EventType() string { return TypeTransferCompleted }
func (RefundCompleted) EventType() string   { return TypeRefundCompleted }
func (e Unsupported) EventType() string     { return e.Type }

func (PaymentSucceeded) event()  {}
func (PaymentFailed) event()     {}
func (TransferCompleted) event() {}
func (RefundCompleted) event()   {}
func (Unsupported) event()       {}

// Envelope is the wire shape shared by every callback.
type Envelope struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"data"`
}

// Decode parses a raw callback body into its event variant.
func Decode(raw []byte) (Event, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return env.Event()
}

// Event converts the envelope into its variant.
func (env Envelope) Event() (Event, error) {
	env.ID = strings.TrimSpace(env.ID)
	if env.ID == "" {
		return nil, fmt.Errorf("%w: missing id", ErrMalformedEvent)
	}
	if env.Type == "" {
		return nil, fmt.Errorf("%w: missing type", ErrMalformedEvent)
	}

	switch env.Type {
	case TypePaymentSucceeded:
		var e PaymentSucceeded
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		if e.ChargeReference == "" && e.BookingID == 0 {
			return nil, fmt.Errorf("%w: payment event without charge or booking", ErrMalformedEvent)
		}
		e.ID = env.ID
		return e, nil
	case TypePaymentFailed:
		var e PaymentFailed
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		if e.ChargeReference == "" && e.BookingID == 0 {
			return nil, fmt.Errorf("%w: payment event without charge or booking", ErrMalformedEvent)
		}
		e.ID = env.ID
		return e, nil
	case TypeTransferCompleted:
		var e TransferCompleted
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		if e.TransferReference == "" {
			return nil, fmt.Errorf("%w: transfer event without transfer id", ErrMalformedEvent)
		}
		e.ID = env.ID
		return e, nil
	case TypeRefundCompleted:
		var e RefundCompleted
		if err := decodeData(env.Data, &e); err != nil {
			return nil, err
		}
		if e.RefundReference == "" && e.RefundID == "" {
			return nil, fmt.Errorf("%w: refund event without refund id", ErrMalformedEvent)
		}
		e.ID = env.ID
		return e, nil
	default:
		return Unsupported{ID: env.ID, Type: env.Type, Data: env.Data}, nil
	}
}

func decodeData(data json.RawMessage, v interface{}) error {
	if len(data) == 0 {
		return fmt.Errorf("%w: missing data", ErrMalformedEvent)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	return nil
}

// Encode renders an event back into its envelope form. Decode(Encode(e))
// yields an equal event.
func Encode(e Event) ([]byte, error) {
	env := Envelope{ID: e.EventID(), Type: e.EventType()}
	if u, ok := e.(Unsupported); ok {
		env.Data = u.Data
	} else {
		data, err := json.Marshal(e)
		if err != nil {
			return nil, err
		}
		env.Data = data
	}
	return json.Marshal(env)
}
