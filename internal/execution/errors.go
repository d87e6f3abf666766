package execution

import (
	"errors"
	"fmt"
)

var (
	// ErrCommandTimeout means no TRADE_RESULT arrived within the await bound.
	ErrCommandTimeout = errors.New("command timed out awaiting trade result")
	// ErrConcurrencyViolation means the order would breach the account's
	// open-position cap.
	ErrConcurrencyViolation = errors.New("open position cap reached")
)

// ValidationError rejects an intent before any network call is made.
type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s: %s", e.Field, e.Msg)
}

// ExecutionRejectedError is an explicit terminal-side refusal.
type ExecutionRejectedError struct {
	Reason string
}

func (e *ExecutionRejectedError) Error() string {
	return fmt.Sprintf("execution rejected: %s", e.Reason)
}
