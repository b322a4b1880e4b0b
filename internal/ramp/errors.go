package ramp

import (
	"errors"
	"fmt"
)

var (
	ErrNotFound              = errors.New("ramp: request not found")
	ErrQuoteNotFound         = errors.New("ramp: quote not found or expired")
	ErrForbidden             = errors.New("ramp: address does not own request")
	ErrSettlementInProgress  = errors.New("ramp: settlement already in progress")
	ErrSettlementUnavailable = errors.New("ramp: settlement not configured")
	ErrDepositNotVerified    = errors.New("ramp: bank deposit not verified")
	ErrDuplicateRequest      = errors.New("ramp: request already exists")

	// ErrStatusConflict is returned by Repository.UpdateIfStatus when the stored status moved.
	ErrStatusConflict = errors.New("ramp: request status changed concurrently")

	// ErrLedgerIndeterminate means the settlement transaction was broadcast but its
	// result is unknown. The request stays in processing until reconciled.
	ErrLedgerIndeterminate = errors.New("ramp: settlement outcome indeterminate")
)

// ValidationError rejects bad input before it reaches the state machine.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Message)
}

// TransitionError is an illegal status change. The request is left untouched.
type TransitionError struct {
	RequestID string
	From      Status
	To        Status
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("request %s: transition %s -> %s not allowed", e.RequestID, e.From, e.To)
}
