package domain

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrAlreadyExists = errors.New("already exists")
	ErrRateLimited   = errors.New("rate limited")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrSigningFailed = errors.New("signing failed")
	ErrContextDone   = errors.New("context cancelled")
	ErrLockHeld      = errors.New("lock already held")

	// Scheduling and execution taxonomy.
	ErrCapacityExceeded             = errors.New("capacity exceeded")
	ErrQuoteUnavailable             = errors.New("quote unavailable")
	ErrReserveFloorViolation        = errors.New("reserve floor violation")
	ErrConfirmationTimeout          = errors.New("confirmation timeout")
	ErrProviderCapacityInsufficient = errors.New("no provider covers the requested loan")
	ErrExecutionInFlight            = errors.New("execution already in flight for strategy")
	ErrReserveTripped               = errors.New("reserve guard tripped")
)
