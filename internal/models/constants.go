package models

// PPMScale is the denominator of every rate stored as parts-per-million.
const PPMScale int64 = 1_000_000

type PayoutStatus string

const (
	PayoutNone      PayoutStatus = "none"
	PayoutPending   PayoutStatus = "pending"
	PayoutInTransit PayoutStatus = "in_transit"
	PayoutPaid      PayoutStatus = "paid"
)

// IdempotencyStatus is the processing state of an inbound event.
type IdempotencyStatus string

const (
	IdempotencyReceived   IdempotencyStatus = "received"
	IdempotencyProcessing IdempotencyStatus = "processing"
	IdempotencySucceeded  IdempotencyStatus = "succeeded"
	IdempotencyFailed     IdempotencyStatus = "failed"
)

type RefundStatus string

const (
	RefundPending   RefundStatus = "pending"
	RefundCompleted RefundStatus = "completed"
	RefundFailed    RefundStatus = "failed"
)

type AdjustmentStatus string

const (
	AdjustmentOpen    AdjustmentStatus = "open"
	AdjustmentApplied AdjustmentStatus = "applied"
)

const (
	TaskCreateCharge   = "create_charge"
	TaskCreateRefund   = "create_refund"
	TaskCreateTransfer = "create_transfer"
	TaskReplayEvent    = "replay_event"
)

const (
	TaskStatusPending    = "pending"
	TaskStatusProcessing = "processing"
	TaskStatusRetry      = "retry"
	TaskStatusCompleted  = "completed"
	TaskStatusFailed     = "failed"
)

const (
	// DefaultCurrency is used when a booking does not name one.
	DefaultCurrency = "usd"

	// DefaultMaxEventAttempts caps how often a failed event is resumed.
	DefaultMaxEventAttempts = 5

	// WorkerQueueSize is the in-memory task buffer of the outbound worker.
	WorkerQueueSize = 128

	// DefaultWorkerBatchSize is how many due tasks are polled at once.
	DefaultWorkerBatchSize = 20
)
