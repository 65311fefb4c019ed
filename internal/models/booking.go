package models

import (
	"fmt"
	"time"
)

// Booking is the aggregate root of one scheduled engagement and its money.
// Amounts are minor currency units.
type Booking struct {
	ID                 int64         `db:"id" json:"id"`
	ProviderID         int64         `db:"provider_id" json:"provider_id"`
	ProviderAccount    string        `db:"provider_account" json:"provider_account,omitempty"`
	CustomerID         *int64        `db:"customer_id" json:"customer_id,omitempty"`
	GuestName          string        `db:"guest_name" json:"guest_name,omitempty"`
	GuestEmail         string        `db:"guest_email" json:"guest_email,omitempty"`
	GuestPhone         string        `db:"guest_phone" json:"guest_phone,omitempty"`
	ServiceDescription string        `db:"service_description" json:"service_description"`
	ScheduledStart     time.Time     `db:"scheduled_start" json:"scheduled_start"`
	ScheduledEnd       time.Time     `db:"scheduled_end" json:"scheduled_end"`
	Status             BookingStatus `db:"status" json:"status"`
	Currency           string        `db:"currency" json:"currency"`
	IsGuestBooking     bool          `db:"is_guest_booking" json:"is_guest_booking"`

	// TotalAmount is the base charge; it always equals ProviderPayout+PlatformFee.
	TotalAmount          int64 `db:"total_amount" json:"total_amount"`
	PlatformFee          int64 `db:"platform_fee" json:"platform_fee"`
	ProviderPayout       int64 `db:"provider_payout" json:"provider_payout"`
	GuestSurcharge       int64 `db:"guest_surcharge" json:"guest_surcharge"`
	PlatformTotalRevenue int64 `db:"platform_total_revenue" json:"platform_total_revenue"`
	CustomerTotal        int64 `db:"customer_total" json:"customer_total"`
	CommissionPPM        int64 `db:"commission_ppm" json:"commission_ppm"`
	SurchargePPM         int64 `db:"surcharge_ppm" json:"surcharge_ppm"`

	RefundedCustomer int64 `db:"refunded_customer" json:"refunded_customer"`
	RefundedPlatform int64 `db:"refunded_platform" json:"refunded_platform"`
	RefundedProvider int64 `db:"refunded_provider" json:"refunded_provider"`
	RefundedPPM      int64 `db:"refunded_ppm" json:"refunded_ppm"`

	PaymentReference string       `db:"payment_reference" json:"payment_reference,omitempty"`
	PayoutStatus     PayoutStatus `db:"payout_status" json:"payout_status"`

	CreatedAt   time.Time  `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at" json:"updated_at"`
	ConfirmedAt *time.Time `db:"confirmed_at" json:"confirmed_at,omitempty"`
	EarnedAt    *time.Time `db:"earned_at" json:"earned_at,omitempty"`
	CompletedAt *time.Time `db:"completed_at" json:"completed_at,omitempty"`
	CancelledAt *time.Time `db:"cancelled_at" json:"cancelled_at,omitempty"`
	Version     int64      `db:"version" json:"version"`
}

// CheckInvariant verifies the fee split adds up.
func (b *Booking) CheckInvariant() error {
	if b.TotalAmount != b.ProviderPayout+b.PlatformFee {
		return fmt.Errorf("booking %d: total %d != payout %d + fee %d",
			b.ID, b.TotalAmount, b.ProviderPayout, b.PlatformFee)
	}
	if b.PlatformTotalRevenue != b.PlatformFee+b.GuestSurcharge {
		return fmt.Errorf("booking %d: platform revenue %d != fee %d + surcharge %d",
			b.ID, b.PlatformTotalRevenue, b.PlatformFee, b.GuestSurcharge)
	}
	if b.CustomerTotal != b.TotalAmount+b.GuestSurcharge {
		return fmt.Errorf("booking %d: customer total %d != base %d + surcharge %d",
			b.ID, b.CustomerTotal, b.TotalAmount, b.GuestSurcharge)
	}
	return nil
}

// Earned reports whether revenue on this booking is reportable.
func (b *Booking) Earned() bool { return b.EarnedAt != nil }

// FullyRefunded reports whether the cumulative refund ratio reached one.
func (b *Booking) FullyRefunded() bool { return b.RefundedPPM >= PPMScale }

func (b *Booking) NetCustomer() int64 { return b.CustomerTotal - b.RefundedCustomer }
func (b *Booking) NetPlatform() int64 { return b.PlatformTotalRevenue - b.RefundedPlatform }
func (b *Booking) NetProvider() int64 { return b.ProviderPayout - b.RefundedProvider }
