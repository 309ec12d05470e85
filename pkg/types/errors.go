package types

import (
	"errors"
	"fmt"
)

// Business outcomes. Callers are expected to handle these.
var (
	ErrInsufficientCash = errors.New("insufficient cash")
	ErrMaxPositions     = errors.New("max open positions reached")
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderNotPending  = errors.New("order is not pending")
	ErrInvalidOrder     = errors.New("invalid order")
	ErrUnknownSymbol    = errors.New("symbol not traded by this session")
	ErrSessionNotFound  = errors.New("session not found")
	ErrSessionExists    = errors.New("session already exists")
	ErrSessionStopped   = errors.New("session is stopped")
	ErrStrategyNotFound = errors.New("strategy not found")
	ErrInvalidStrategy  = errors.New("invalid strategy")
	ErrNoData           = errors.New("no market data")
)

// ErrInvariantViolation marks accounting bugs in the simulation driver.
// It is never returned for expected runtime conditions.
var ErrInvariantViolation = errors.New("accounting invariant violated")

// InvariantError describes which operation broke an accounting invariant
type InvariantError struct {
	Op     string
	Detail string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("%s: %s: %s", ErrInvariantViolation, e.Op, e.Detail)
}

func (e *InvariantError) Unwrap() error { return ErrInvariantViolation }

// NewInvariantError builds an InvariantError with a formatted detail
func NewInvariantError(op, format string, args ...any) error {
	return &InvariantError{Op: op, Detail: fmt.Sprintf(format, args...)}
}

// IsInvariantViolation reports whether err signals a driver bug
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvariantViolation)
}
