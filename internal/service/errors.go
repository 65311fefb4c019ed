package service

import (
	"errors"
	"fmt"

	"bookpay/internal/database"
	"bookpay/internal/fees"
)

var (
	ErrNotFound = database.ErrNotFound
	// ErrStaleState is returned when the booking moved on since the caller
	// read it. The caller must re-fetch before retrying.
	ErrStaleState             = database.ErrStaleState
	ErrBelowMinimum           = fees.ErrBelowMinimum
	ErrAmountTooLarge         = fees.ErrAmountTooLarge
	ErrTerminalState          = errors.New("booking is in a terminal state")
	ErrIllegalTransition      = errors.New("illegal state transition")
	ErrAlreadyRefunded        = errors.New("booking already fully refunded")
	ErrRefundExceedsRemaining = errors.New("refund exceeds remaining refundable amount")
	ErrNotRefundable          = errors.New("booking has no earned revenue to refund")
	ErrRefundRequired         = errors.New("paid booking must be cancelled through a refund")
	ErrAlreadyProcessed       = errors.New("event already processed")
	ErrGroupFull              = errors.New("group is full")
	ErrParticipantState       = errors.New("participant is not in the required state")
	ErrGroupExists            = errors.New("booking already has a group")
)

// ValidationError is a caller mistake; the request should not be retried as is.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation failed: " + e.Message
	}
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Message)
}

func invalid(field, format string, args ...interface{}) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// DataIntegrityError means stored money no longer adds up. The affected
// operation is halted and the condition needs an operator.
type DataIntegrityError struct {
	BookingID int64
	Err       error
}

func (e *DataIntegrityError) Error() string {
	return fmt.Sprintf("data integrity violation on booking %d: %v", e.BookingID, e.Err)
}

func (e *DataIntegrityError) Unwrap() error { return e.Err }

// ExternalServiceError wraps a processor or transport failure.
type ExternalServiceError struct {
	Service   string
	Operation string
	Retryable bool
	Err       error
}

func (e *ExternalServiceError) Error() string {
	return fmt.Sprintf("%s %s failed: %v", e.Service, e.Operation, e.Err)
}

func (e *ExternalServiceError) Unwrap() error { return e.Err }

// IsRetryable reports whether err is worth another attempt later.
func IsRetryable(err error) bool {
	var ext *ExternalServiceError
	if errors.As(err, &ext) {
		return ext.Retryable
	}
	var integrity *DataIntegrityError
	var validation *ValidationError
	switch {
	case errors.As(err, &integrity), errors.As(err, &validation):
		return false
	case errors.Is(err, ErrTerminalState), errors.Is(err, ErrIllegalTransition):
		return false
	}
	return true
}
