package models

import "time"

// ReconciliationLine is one earned booking's money as of the report.
type ReconciliationLine struct {
	BookingID        int64
	ProviderID       int64
	Status           BookingStatus
	EarnedAt         time.Time
	CustomerTotal    int64
	PlatformRevenue  int64
	ProviderPayout   int64
	RefundedCustomer int64
	RefundedPlatform int64
	RefundedProvider int64
	NetCustomer      int64
	NetPlatform      int64
	NetProvider      int64
	Residual         int64
	PayoutStatus     PayoutStatus
	Problems         []string
}

type ReconciliationReport struct {
	From        time.Time
	To          time.Time
	GeneratedAt time.Time
	Lines       []ReconciliationLine
	// Totals over Lines.
	GrossCustomer   int64
	GrossPlatform   int64
	GrossProvider   int64
	NetCustomer     int64
	NetPlatform     int64
	NetProvider     int64
	ResidualTotal   int64
	Discrepancies   int
	FailedEvents    []*IdempotencyRecord
	FailedTasks     []*Task
	OpenAdjustments int64
	// Outputs lists where the report was written.
	Outputs []string
}

// HasIssues reports whether the run needs human attention.
func (r *ReconciliationReport) HasIssues() bool {
	return r.Discrepancies > 0 || len(r.FailedEvents) > 0 || len(r.FailedTasks) > 0
}
