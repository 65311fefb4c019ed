package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookpay/internal/models"

	"github.com/jmoiron/sqlx"
)

func (q *Queries) CreatePayout(ctx context.Context, p *models.Payout) error {
	p.CreatedAt = now()
	if p.Status == "" {
		p.Status = models.PayoutPending
	}
	id, err := q.insertID(ctx,
		`INSERT INTO payouts (provider_id, booking_id, amount, status, created_at) VALUES (?, ?, ?, ?, ?)`,
		p.ProviderID, p.BookingID, p.Amount, p.Status, p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create payout: %w", err)
	}
	p.ID = id
	return nil
}

func (q *Queries) GetPayoutByBooking(ctx context.Context, bookingID int64) (*models.Payout, error) {
	var p models.Payout
	err := q.get(ctx, &p, q.forUpdate(`SELECT * FROM payouts WHERE booking_id = ?`), bookingID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("payout for booking %d: %w", bookingID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get payout: %w", err)
	}
	return &p, nil
}

// ReducePendingPayout lowers a payout that has not left the platform yet.
func (q *Queries) ReducePendingPayout(ctx context.Context, id, by int64) error {
	rows, err := q.exec(ctx,
		`UPDATE payouts SET amount = amount - ? WHERE id = ? AND status = ? AND amount >= ?`,
		by, id, models.PayoutPending, by)
	if err != nil {
		return fmt.Errorf("failed to reduce payout: %w", err)
	}
	if rows == 0 {
		return ErrStaleState
	}
	return nil
}

func (q *Queries) ListPendingPayouts(ctx context.Context, providerID int64) ([]*models.Payout, error) {
	var payouts []*models.Payout
	err := q.selectAll(ctx, &payouts,
		`SELECT * FROM payouts WHERE provider_id = ? AND status = ? ORDER BY created_at ASC`,
		providerID, models.PayoutPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending payouts: %w", err)
	}
	return payouts, nil
}

// ListProvidersWithPendingBalance returns providers with pending payouts or
// open adjustments.
func (q *Queries) ListProvidersWithPendingBalance(ctx context.Context) ([]int64, error) {
	var ids []int64
	err := q.selectAll(ctx, &ids,
		`SELECT provider_id FROM payouts WHERE status = ?
		 UNION
		 SELECT provider_id FROM provider_adjustments WHERE status = ?
		 ORDER BY provider_id`,
		models.PayoutPending, models.AdjustmentOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to list providers: %w", err)
	}
	return ids, nil
}

// MarkPayoutsInTransit assigns pending payouts to a transfer batch.
func (q *Queries) MarkPayoutsInTransit(ctx context.Context, ids []int64, batchID string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE payouts SET status = ?, batch_id = ? WHERE status = ? AND id IN (?)`,
		models.PayoutInTransit, batchID, models.PayoutPending, ids)
	if err != nil {
		return fmt.Errorf("failed to build payout batch query: %w", err)
	}
	rows, err := q.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to mark payouts in transit: %w", err)
	}
	if rows != int64(len(ids)) {
		return ErrStaleState
	}

	query, args, err = sqlx.In(
		`UPDATE bookings SET payout_status = ? WHERE id IN (SELECT booking_id FROM payouts WHERE id IN (?))`,
		models.PayoutInTransit, ids)
	if err != nil {
		return fmt.Errorf("failed to build booking payout query: %w", err)
	}
	if _, err := q.exec(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to update booking payout status: %w", err)
	}
	return nil
}

func (q *Queries) SetBatchTransferReference(ctx context.Context, batchID, ref string) error {
	_, err := q.exec(ctx, `UPDATE payouts SET transfer_reference = ? WHERE batch_id = ?`, ref, batchID)
	if err != nil {
		return fmt.Errorf("failed to set transfer reference: %w", err)
	}
	return nil
}

// BatchTransferReference returns the processor transfer recorded for a
// payout batch, or "" when none was recorded yet.
func (q *Queries) BatchTransferReference(ctx context.Context, batchID string) (string, error) {
	var refs []string
	err := q.selectAll(ctx, &refs,
		`SELECT transfer_reference FROM payouts WHERE batch_id = ? AND transfer_reference <> '' LIMIT 1`, batchID)
	if err != nil {
		return "", fmt.Errorf("failed to read transfer reference: %w", err)
	}
	if len(refs) == 0 {
		return "", nil
	}
	return refs[0], nil
}

// MarkTransferPaid settles every in-transit payout carrying the transfer
// reference and returns how many rows changed.
func (q *Queries) MarkTransferPaid(ctx context.Context, transferRef string, at time.Time) (int64, error) {
	_, err := q.exec(ctx,
		`UPDATE bookings SET payout_status = ? WHERE id IN (
			SELECT booking_id FROM payouts WHERE transfer_reference = ? AND status = ?)`,
		models.PayoutPaid, transferRef, models.PayoutInTransit)
	if err != nil {
		return 0, fmt.Errorf("failed to update booking payout status: %w", err)
	}

	rows, err := q.exec(ctx,
		`UPDATE payouts SET status = ?, paid_at = ? WHERE transfer_reference = ? AND status = ?`,
		models.PayoutPaid, at.UTC(), transferRef, models.PayoutInTransit)
	if err != nil {
		return 0, fmt.Errorf("failed to mark payouts paid: %w", err)
	}
	return rows, nil
}

func (q *Queries) CreateAdjustment(ctx context.Context, a *models.ProviderAdjustment) error {
	a.CreatedAt = now()
	if a.Status == "" {
		a.Status = models.AdjustmentOpen
	}
	id, err := q.insertID(ctx,
		`INSERT INTO provider_adjustments (provider_id, booking_id, refund_id, amount, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		a.ProviderID, a.BookingID, a.RefundID, a.Amount, a.Status, a.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create adjustment: %w", err)
	}
	a.ID = id
	return nil
}

func (q *Queries) ListOpenAdjustments(ctx context.Context, providerID int64) ([]*models.ProviderAdjustment, error) {
	var adjustments []*models.ProviderAdjustment
	err := q.selectAll(ctx, &adjustments,
		`SELECT * FROM provider_adjustments WHERE provider_id = ? AND status = ? ORDER BY created_at ASC`,
		providerID, models.AdjustmentOpen)
	if err != nil {
		return nil, fmt.Errorf("failed to list adjustments: %w", err)
	}
	return adjustments, nil
}

func (q *Queries) ApplyAdjustments(ctx context.Context, ids []int64, batchID string) error {
	if len(ids) == 0 {
		return nil
	}
	query, args, err := sqlx.In(
		`UPDATE provider_adjustments SET status = ?, batch_id = ? WHERE status = ? AND id IN (?)`,
		models.AdjustmentApplied, batchID, models.AdjustmentOpen, ids)
	if err != nil {
		return fmt.Errorf("failed to build adjustment query: %w", err)
	}
	rows, err := q.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to apply adjustments: %w", err)
	}
	if rows != int64(len(ids)) {
		return ErrStaleState
	}
	return nil
}
