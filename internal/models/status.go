package models

// BookingStatus is a node of the booking lifecycle graph.
type BookingStatus string

const (
	StatusInitiated        BookingStatus = "INITIATED"
	StatusPendingProvider  BookingStatus = "PENDING_PROVIDER"
	StatusAccepted         BookingStatus = "ACCEPTED"
	StatusRejected         BookingStatus = "REJECTED"
	StatusPaymentPending   BookingStatus = "PAYMENT_PENDING"
	StatusPaymentSucceeded BookingStatus = "PAYMENT_SUCCEEDED"
	StatusPaymentFailed    BookingStatus = "PAYMENT_FAILED"
	StatusCompleted        BookingStatus = "COMPLETED"
	StatusCancelled        BookingStatus = "CANCELLED"
)

// transitions lists the legal edges. CANCELLED is reachable from every
// non-terminal state and is handled in CanTransition.
var transitions = map[BookingStatus][]BookingStatus{
	StatusInitiated:        {StatusPendingProvider},
	StatusPendingProvider:  {StatusAccepted, StatusRejected},
	StatusAccepted:         {StatusPaymentPending},
	StatusPaymentPending:   {StatusPaymentSucceeded, StatusPaymentFailed},
	StatusPaymentFailed:    {StatusPaymentPending},
	StatusPaymentSucceeded: {StatusCompleted},
}

// AllStatuses returns every known status in lifecycle order.
func AllStatuses() []BookingStatus {
	return []BookingStatus{
		StatusInitiated,
		StatusPendingProvider,
		StatusAccepted,
		StatusRejected,
		StatusPaymentPending,
		StatusPaymentSucceeded,
		StatusPaymentFailed,
		StatusCompleted,
		StatusCancelled,
	}
}

func (s BookingStatus) String() string { return string(s) }

// Valid reports whether s is a known status.
func (s BookingStatus) Valid() bool {
	for _, known := range AllStatuses() {
		if s == known {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition may leave s.
func (s BookingStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusCancelled, StatusCompleted:
		return true
	default:
		return false
	}
}

// CanTransition reports whether from -> to is a legal edge.
func CanTransition(from, to BookingStatus) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == StatusCancelled {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// NextStatuses returns the legal targets from s.
func NextStatuses(s BookingStatus) []BookingStatus {
	if !s.Valid() || s.IsTerminal() {
		return nil
	}
	out := append([]BookingStatus(nil), transitions[s]...)
	return append(out, StatusCancelled)
}
