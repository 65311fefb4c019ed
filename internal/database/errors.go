package database

import "errors"

var (
	ErrNotFound = errors.New("record not found")
	// ErrStaleState means a compare-and-set found a different row state than expected.
	ErrStaleState = errors.New("stale state")
	// ErrConcurrentModification is returned by version-guarded updates.
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrPaymentReferenceSet    = errors.New("payment reference already set")
	ErrTaskNotClaimable       = errors.New("task is not claimable")
)
