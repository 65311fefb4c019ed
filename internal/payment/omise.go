// Package payment adapts the Omise API to the engine's processor and
// callback verification interfaces.
package payment

import (
	"context"
	"fmt"
	"strings"

	"bookpay/internal/domain"

	"github.com/omise/omise-go"
	"github.com/omise/omise-go/operations"
	"github.com/rs/zerolog"
)

// Processor executes outbound money movements through Omise.
type Processor struct {
	client *omise.Client
	logger *zerolog.Logger
}

func NewOmiseClient(publicKey, secretKey string) (*omise.Client, error) {
	c, err := omise.NewClient(publicKey, secretKey)
	if err != nil {
		return nil, fmt.Errorf("omise client: %w", err)
	}
	return c, nil
}

func NewProcessor(client *omise.Client, logger *zerolog.Logger) *Processor {
	return &Processor{client: client, logger: logger}
}

func (p *Processor) CreateCharge(ctx context.Context, req domain.ChargeRequest) (*domain.ChargeResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ch := &omise.Charge{}
	if err := p.client.Do(ch, chargeOperation(req)); err != nil {
		return nil, fmt.Errorf("create charge for booking %d: %w", req.BookingID, err)
	}
	p.logger.Debug().Str("charge", ch.ID).Str("status", string(ch.Status)).Msg("Omise charge created")
	return &domain.ChargeResult{Reference: ch.ID, Status: string(ch.Status)}, nil
}

func (p *Processor) CreateRefund(ctx context.Context, req domain.RefundRequest) (*domain.RefundResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var refund refundData
	if err := p.client.Do(&refund, refundOperation(req)); err != nil {
		return nil, fmt.Errorf("refund charge %s: %w", req.ChargeReference, err)
	}
	p.logger.Debug().Str("refund", refund.ID).Str("charge", req.ChargeReference).Msg("Omise refund created")
	return &domain.RefundResult{Reference: refund.ID, Status: refund.Status}, nil
}

func (p *Processor) CreateTransfer(ctx context.Context, req domain.TransferRequest) (*domain.TransferResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var transfer transferData
	if err := p.client.Do(&transfer, transferOperation(req)); err != nil {
		return nil, fmt.Errorf("transfer to %s: %w", req.Destination, err)
	}
	p.logger.Debug().Str("transfer", transfer.ID).Int64("amount", req.AmountCents).Msg("Omise transfer created")
	return &domain.TransferResult{Reference: transfer.ID}, nil
}

// chargeOperation maps a charge request. Card tokens and payment sources
// travel in different fields; everything the processor has no field for is
// kept in metadata so callbacks can be traced back.
func chargeOperation(req domain.ChargeRequest) *operations.CreateCharge {
	metadata := map[string]interface{}{
		"booking_id":      req.BookingID,
		"idempotency_key": req.IdempotencyKey,
		"platform_fee":    req.PlatformFeeCents,
	}
	if req.Destination != "" {
		metadata["destination"] = req.Destination
	}
	if req.Description != "" {
		metadata["description"] = req.Description
	}
	for k, v := range req.Metadata {
		metadata[k] = v
	}

	op := &operations.CreateCharge{
		Amount:   req.AmountCents,
		Currency: req.Currency,
		Metadata: metadata,
	}
	if strings.HasPrefix(req.Source, "tokn_") {
		op.Card = req.Source
	} else {
		op.Source = req.Source
	}
	return op
}

func refundOperation(req domain.RefundRequest) *operations.CreateRefund {
	return &operations.CreateRefund{
		ChargeID: req.ChargeReference,
		Amount:   req.AmountCents,
		Metadata: withIdempotencyKey(req.Metadata, req.IdempotencyKey),
	}
}

func transferOperation(req domain.TransferRequest) *operations.CreateTransfer {
	return &operations.CreateTransfer{
		Amount:    req.AmountCents,
		Recipient: req.Destination,
		Metadata:  withIdempotencyKey(req.Metadata, req.IdempotencyKey),
	}
}

func withIdempotencyKey(metadata map[string]interface{}, key string) map[string]interface{} {
	out := make(map[string]interface{}, len(metadata)+1)
	for k, v := range metadata {
		out[k] = v
	}
	if key != "" {
		out["idempotency_key"] = key
	}
	return out
}

var _ domain.PaymentProcessor = (*Processor)(nil)
