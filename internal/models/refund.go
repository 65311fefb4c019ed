package models

import "time"

// Refund is one (possibly partial) reversal of a booking's fee split.
// Residual is CustomerAmount - PlatformAmount - ProviderAmount; it is left
// as computed and absorbed by the platform.
type Refund struct {
	ID                 string       `db:"id" json:"id"`
	BookingID          int64        `db:"booking_id" json:"booking_id"`
	RatioPPM           int64        `db:"ratio_ppm" json:"ratio_ppm"`
	CustomerAmount     int64        `db:"customer_amount" json:"customer_amount"`
	PlatformAmount     int64        `db:"platform_amount" json:"platform_amount"`
	ProviderAmount     int64        `db:"provider_amount" json:"provider_amount"`
	Residual           int64        `db:"residual" json:"residual"`
	Reason             string       `db:"reason" json:"reason"`
	Status             RefundStatus `db:"status" json:"status"`
	ProcessorReference string       `db:"processor_reference" json:"processor_reference,omitempty"`
	NegativeBalance    bool         `db:"negative_balance" json:"negative_balance"`
	CreatedAt          time.Time    `db:"created_at" json:"created_at"`
	CompletedAt        *time.Time   `db:"completed_at" json:"completed_at,omitempty"`
}
