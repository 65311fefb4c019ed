package domain

import (
	"context"

	"bookpay/internal/models"
)

// ChargeRequest asks the processor to collect money for a booking. The
// platform fee is retained and the remainder is destined for the provider.
type ChargeRequest struct {
	IdempotencyKey   string
	BookingID        int64
	AmountCents      int64
	Currency         string
	Source           string
	Destination      string
	PlatformFeeCents int64
	Description      string
	Metadata         map[string]interface{}
}

type ChargeResult struct {
	Reference string
	Status    string
}

type RefundRequest struct {
	IdempotencyKey  string
	ChargeReference string
	AmountCents     int64
	Metadata        map[string]interface{}
}

type RefundResult struct {
	Reference string
	Status    string
}

type TransferRequest struct {
	IdempotencyKey string
	Destination    string
	AmountCents    int64
	Currency       string
	Metadata       map[string]interface{}
}

type TransferResult struct {
	Reference string
}

// PaymentProcessor is the outbound command surface of the external processor.
type PaymentProcessor interface {
	CreateCharge(ctx context.Context, req ChargeRequest) (*ChargeResult, error)
	CreateRefund(ctx context.Context, req RefundRequest) (*RefundResult, error)
	CreateTransfer(ctx context.Context, req TransferRequest) (*TransferResult, error)
}

// EventPublisher fans domain events out to other services.
type EventPublisher interface {
	PublishJSON(ctx context.Context, eventType string, payload interface{}) error
}

// TaskNotifier wakes the outbound worker for tasks committed to the queue.
type TaskNotifier interface {
	Notify(ctx context.Context, taskIDs ...int64)
}

// TaskHandler executes one queued task.
type TaskHandler interface {
	HandleTask(ctx context.Context, task *models.Task) error
}

// TaskHandlerFunc adapts a function to TaskHandler.
type TaskHandlerFunc func(ctx context.Context, task *models.Task) error

func (f TaskHandlerFunc) HandleTask(ctx context.Context, task *models.Task) error {
	return f(ctx, task)
}

type AlertSender interface {
	SendAlert(ctx context.Context, text string) error
}

// ReportWriter publishes a reconciliation report and returns where it went.
type ReportWriter interface {
	WriteReport(ctx context.Context, report *models.ReconciliationReport) (string, error)
}
