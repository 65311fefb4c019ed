package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"bookpay/internal/models"
)

func (q *Queries) CreateBooking(ctx context.Context, b *models.Booking) error {
	ts := now()
	if b.Status == "" {
		b.Status = models.StatusInitiated
	}
	if b.PayoutStatus == "" {
		b.PayoutStatus = models.PayoutNone
	}

	id, err := q.insertID(ctx, `INSERT INTO bookings (
				provider_id, provider_account, customer_id, guest_name, guest_email, guest_phone,
				service_description, scheduled_start, scheduled_end, status, currency, is_guest_booking,
				total_amount, platform_fee, provider_payout, guest_surcharge, platform_total_revenue,
				customer_total, commission_ppm, surcharge_ppm, payout_status, created_at, updated_at, version
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		b.ProviderID, b.ProviderAccount, b.CustomerID, b.GuestName, b.GuestEmail, b.GuestPhone,
		b.ServiceDescription, b.ScheduledStart.UTC(), b.ScheduledEnd.UTC(), b.Status, b.Currency, b.IsGuestBooking,
		b.TotalAmount, b.PlatformFee, b.ProviderPayout, b.GuestSurcharge, b.PlatformTotalRevenue,
		b.CustomerTotal, b.CommissionPPM, b.SurchargePPM, b.PayoutStatus, ts, ts, 1,
	)
	if err != nil {
		return fmt.Errorf("failed to create booking: %w", err)
	}

	b.ID = id
	b.CreatedAt = ts
	b.UpdatedAt = ts
	b.Version = 1
	return nil
}

func (q *Queries) GetBooking(ctx context.Context, id int64) (*models.Booking, error) {
	return q.getBooking(ctx, `SELECT * FROM bookings WHERE id = ?`, id)
}

// GetBookingForUpdate reads a booking and, on postgres, locks the row until
// the transaction ends.
func (q *Queries) GetBookingForUpdate(ctx context.Context, id int64) (*models.Booking, error) {
	return q.getBooking(ctx, q.forUpdate(`SELECT * FROM bookings WHERE id = ?`), id)
}

func (q *Queries) GetBookingByPaymentReference(ctx context.Context, ref string) (*models.Booking, error) {
	return q.getBooking(ctx, q.forUpdate(`SELECT * FROM bookings WHERE payment_reference = ?`), ref)
}

func (q *Queries) getBooking(ctx context.Context, query string, arg interface{}) (*models.Booking, error) {
	var b models.Booking
	if err := q.get(ctx, &b, query, arg); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("booking %v: %w", arg, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to get booking: %w", err)
	}
	return &b, nil
}

// TransitionBookingStatus moves a booking from expected to next only if the
// stored status still equals expected. The lifecycle timestamp that belongs
// to next is stamped in the same statement.
func (q *Queries) TransitionBookingStatus(ctx context.Context, id int64, expected, next models.BookingStatus, at time.Time) error {
	stamp := ""
	switch next {
	case models.StatusAccepted:
		stamp = ", confirmed_at = ?"
	case models.StatusPaymentSucceeded:
		stamp = ", earned_at = ?"
	case models.StatusCompleted:
		stamp = ", completed_at = ?"
	case models.StatusCancelled:
		stamp = ", cancelled_at = ?"
	}

	query := `UPDATE bookings SET status = ?, version = version + 1, updated_at = ?` + stamp +
		` WHERE id = ? AND status = ?`
	args := []interface{}{next, at.UTC()}
	if stamp != "" {
		args = append(args, at.UTC())
	}
	args = append(args, id, expected)

	rows, err := q.exec(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update booking status: %w", err)
	}
	if rows == 0 {
		return ErrStaleState
	}
	return nil
}

// SetPaymentReference records the processor charge id. It may be written
// once; repeating the same value is a no-op.
func (q *Queries) SetPaymentReference(ctx context.Context, id int64, ref string) error {
	rows, err := q.exec(ctx,
		`UPDATE bookings SET payment_reference = ?, updated_at = ?
		 WHERE id = ? AND (payment_reference = '' OR payment_reference = ?)`,
		ref, now(), id, ref)
	if err != nil {
		return fmt.Errorf("failed to set payment reference: %w", err)
	}
	if rows == 0 {
		return ErrPaymentReferenceSet
	}
	return nil
}

// ApplyBookingRefund adds one refund to the cumulative totals. fromPPM is the
// refunded ratio the caller computed against.
func (q *Queries) ApplyBookingRefund(ctx context.Context, id, fromPPM int64, r *models.Refund) error {
	rows, err := q.exec(ctx,
		`UPDATE bookings SET
			refunded_customer = refunded_customer + ?,
			refunded_platform = refunded_platform + ?,
			refunded_provider = refunded_provider + ?,
			refunded_ppm = refunded_ppm + ?,
			version = version + 1,
			updated_at = ?
		 WHERE id = ? AND refunded_ppm = ?`,
		r.CustomerAmount, r.PlatformAmount, r.ProviderAmount, r.RatioPPM, now(), id, fromPPM)
	if err != nil {
		return fmt.Errorf("failed to apply refund totals: %w", err)
	}
	if rows == 0 {
		return ErrStaleState
	}
	return nil
}

func (q *Queries) SetPayoutStatus(ctx context.Context, bookingID int64, status models.PayoutStatus) error {
	_, err := q.exec(ctx, `UPDATE bookings SET payout_status = ?, updated_at = ? WHERE id = ?`,
		status, now(), bookingID)
	if err != nil {
		return fmt.Errorf("failed to set payout status: %w", err)
	}
	return nil
}

// ListEarnedBookings returns bookings that reached PAYMENT_SUCCEEDED within [from, to).
func (q *Queries) ListEarnedBookings(ctx context.Context, from, to time.Time) ([]*models.Booking, error) {
	var bookings []*models.Booking
	err := q.selectAll(ctx, &bookings,
		`SELECT * FROM bookings WHERE earned_at IS NOT NULL AND earned_at >= ? AND earned_at < ? ORDER BY earned_at ASC`,
		from.UTC(), to.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list earned bookings: %w", err)
	}
	return bookings, nil
}
