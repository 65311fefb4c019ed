package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"bookpay/internal/webhook"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
)

// Omise event keys the engine acts on.
const (
	KeyChargeComplete = "charge.complete"
	KeyRefundCreate   = "refund.create"
	KeyTransferPay    = "transfer.pay"
)

// refundData and transferData hold the fields read from Omise refund and
// transfer objects.
type refundData struct {
	ID       string                 `json:"id"`
	Charge   string                 `json:"charge"`
	Amount   int64                  `json:"amount"`
	Status   string                 `json:"status"`
	Metadata map[string]interface{} `json:"metadata"`
}

type transferData struct {
	ID     string `json:"id"`
	Amount int64  `json:"amount"`
	Paid   bool   `json:"paid"`
}

// EventVerifier authenticates a callback by fetching the event it names
// from the Omise API; the request body itself is never trusted.
type EventVerifier struct {
	client *omise.Client
}

func NewEventVerifier(client *omise.Client) *EventVerifier {
	return &EventVerifier{client: client}
}

func (v *EventVerifier) Verify(ctx context.Context, _ http.Header, body []byte) (webhook.Event, error) {
	var inbound struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(body, &inbound); err != nil || inbound.ID == "" {
		return nil, fmt.Errorf("%w: callback without event id", webhook.ErrInvalidSignature)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	ev := &omise.Event{}
	if err := v.client.Do(ev, &operations.RetrieveEvent{EventID: inbound.ID}); err != nil {
		var apiErr *omise.Error
		if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
			return nil, fmt.Errorf("%w: unknown event %s", webhook.ErrInvalidSignature, inbound.ID)
		}
		return nil, fmt.Errorf("retrieve event %s: %w", inbound.ID, err)
	}

	data, err := json.Marshal(ev.Data)
	if err != nil {
		return nil, fmt.Errorf("encode event data: %w", err)
	}
	return MapEvent(inbound.ID, ev.Key, data)
}

// MapEvent turns an Omise event into an engine event. Keys and charge
// states the engine does not act on map to webhook.Unsupported.
func MapEvent(eventID, key string, data []byte) (webhook.Event, error) {
	switch key {
	case KeyChargeComplete:
		var ch omise.Charge
		if err := json.Unmarshal(data, &ch); err != nil {
			return nil, fmt.Errorf("%w: charge: %v", webhook.ErrMalformedEvent, err)
		}
		bookingID := metadataInt(ch.Metadata, "booking_id")
		switch string(ch.Status) {
		case "successful":
			return webhook.PaymentSucceeded{
				ID:              eventID,
				ChargeReference: ch.ID,
				BookingID:       bookingID,
				AmountCents:     ch.Amount,
				Currency:        ch.Currency,
			}, nil
		case "failed", "expired", "reversed":
			evt := webhook.PaymentFailed{ID: eventID, ChargeReference: ch.ID, BookingID: bookingID}
			if ch.FailureCode != nil {
				evt.FailureCode = *ch.FailureCode
			}
			if ch.FailureMessage != nil {
				evt.FailureMessage = *ch.FailureMessage
			}
			return evt, nil
		}
	case KeyRefundCreate:
		var r refundData
		if err := json.Unmarshal(data, &r); err != nil {
			return nil, fmt.Errorf("%w: refund: %v", webhook.ErrMalformedEvent, err)
		}
		refundID, _ := r.Metadata["platform_refund_id"].(string)
		return webhook.RefundCompleted{
			ID:              eventID,
			RefundReference: r.ID,
			RefundID:        refundID,
			ChargeReference: r.Charge,
		}, nil
	case KeyTransferPay:
		var tr transferData
		if err := json.Unmarshal(data, &tr); err != nil {
			return nil, fmt.Errorf("%w: transfer: %v", webhook.ErrMalformedEvent, err)
		}
		return webhook.TransferCompleted{ID: eventID, TransferReference: tr.ID, AmountCents: tr.Amount}, nil
	}
	return webhook.Unsupported{ID: eventID, Type: key, Data: data}, nil
}

// metadataInt reads an integer written into metadata; JSON hands it back
// as a number or, from some clients, a string.
func metadataInt(metadata map[string]interface{}, key string) int64 {
	switch v := metadata[key].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	default:
		return 0
	}
}

var _ webhook.Verifier = (*EventVerifier)(nil)
