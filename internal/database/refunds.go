package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookpay/internal/models"
)

func (q *Queries) CreateRefund(ctx context.Context, r *models.Refund) error {
	r.CreatedAt = now()
	_, err := q.exec(ctx, `INSERT INTO refunds (
				id, booking_id, ratio_ppm, customer_amount, platform_amount, provider_amount,
				residual, reason, status, processor_reference, negative_balance, created_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.BookingID, r.RatioPPM, r.CustomerAmount, r.PlatformAmount, r.ProviderAmount,
		r.Residual, r.Reason, r.Status, r.ProcessorReference, r.NegativeBalance, r.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create refund: %w", err)
	}
	return nil
}

func (q *Queries) GetRefund(ctx context.Context, id string) (*models.Refund, error) {
	return q.getRefund(ctx, `SELECT * FROM refunds WHERE id = ?`, id)
}

func (q *Queries) GetRefundByProcessorReference(ctx context.Context, ref string) (*models.Refund, error) {
	return q.getRefund(ctx, `SELECT * FROM refunds WHERE processor_reference = ?`, ref)
}

func (q *Queries) getRefund(ctx context.Context, query, arg string) (*models.Refund, error) {
	var r models.Refund
	if err := q.get(ctx, &r, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("refund %s: %w", arg, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get refund: %w", err)
	}
	return &r, nil
}

func (q *Queries) ListRefunds(ctx context.Context, bookingID int64) ([]*models.Refund, error) {
	var refunds []*models.Refund
	err := q.selectAll(ctx, &refunds, `SELECT * FROM refunds WHERE booking_id = ? ORDER BY created_at ASC`, bookingID)
	if err != nil {
		return nil, fmt.Errorf("failed to list refunds: %w", err)
	}
	return refunds, nil
}

func (q *Queries) SetRefundProcessorReference(ctx context.Context, id, ref string) error {
	_, err := q.exec(ctx, `UPDATE refunds SET processor_reference = ? WHERE id = ?`, ref, id)
	if err != nil {
		return fmt.Errorf("failed to set refund reference: %w", err)
	}
	return nil
}

// CompleteRefund marks a refund completed. It reports false when the refund
// was already completed.
func (q *Queries) CompleteRefund(ctx context.Context, id string, at time.Time) (bool, error) {
	rows, err := q.exec(ctx,
		`UPDATE refunds SET status = ?, completed_at = ? WHERE id = ? AND status <> ?`,
		models.RefundCompleted, at.UTC(), id, models.RefundCompleted)
	if err != nil {
		return false, fmt.Errorf("failed to complete refund: %w", err)
	}
	return rows > 0, nil
}

func (q *Queries) FailRefund(ctx context.Context, id string) error {
	_, err := q.exec(ctx, `UPDATE refunds SET status = ? WHERE id = ? AND status = ?`,
		models.RefundFailed, id, models.RefundPending)
	if err != nil {
		return fmt.Errorf("failed to mark refund failed: %w", err)
	}
	return nil
}
