package models

import "time"

// Payout is the provider's earning on one paid booking.
type Payout struct {
	ID                int64        `db:"id" json:"id"`
	ProviderID        int64        `db:"provider_id" json:"provider_id"`
	BookingID         int64        `db:"booking_id" json:"booking_id"`
	Amount            int64        `db:"amount" json:"amount"`
	Status            PayoutStatus `db:"status" json:"status"`
	BatchID           string       `db:"batch_id" json:"batch_id,omitempty"`
	TransferReference string       `db:"transfer_reference" json:"transfer_reference,omitempty"`
	CreatedAt         time.Time    `db:"created_at" json:"created_at"`
	PaidAt            *time.Time   `db:"paid_at" json:"paid_at,omitempty"`
}

// ProviderAdjustment is a negative balance carried into future payouts.
type ProviderAdjustment struct {
	ID         int64            `db:"id" json:"id"`
	ProviderID int64            `db:"provider_id" json:"provider_id"`
	BookingID  int64            `db:"booking_id" json:"booking_id"`
	RefundID   string           `db:"refund_id" json:"refund_id"`
	Amount     int64            `db:"amount" json:"amount"`
	Status     AdjustmentStatus `db:"status" json:"status"`
	BatchID    string           `db:"batch_id" json:"batch_id,omitempty"`
	CreatedAt  time.Time        `db:"created_at" json:"created_at"`
}
