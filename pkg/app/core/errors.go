package core

import (
	"errors"
	"fmt"
)

// Validation kinds. Every rejected order unwraps to ErrValidation and exactly one of these.
var (
	ErrValidation       = errors.New("order validation failed")
	ErrMissingField     = errors.New("missing field")
	ErrInvalidSignature = errors.New("invalid signature")
	ErrOrderExpired     = errors.New("order expired")
	ErrInvalidPrice     = errors.New("invalid price")
	ErrInvalidAmount    = errors.New("invalid amount")
	ErrInvalidOutcome   = errors.New("invalid outcome")
	ErrInvalidSide      = errors.New("invalid side")
)

var (
	ErrMatchingFailed   = errors.New("matching failed")
	ErrStoreUnavailable = errors.New("order store unavailable")
	ErrDuplicateOrder   = errors.New("duplicate order")
	ErrOrderNotFound    = errors.New("order not found")
	ErrOrderNotOpen     = errors.New("order is not open")
)

// ValidationError is a caller-fixable rejection. Never retried.
type ValidationError struct {
	Kind   error
	Detail string
}

func NewValidationError(kind error, format string, args ...interface{}) *ValidationError {
	return &ValidationError{Kind: kind, Detail: fmt.Sprintf(format, args...)}
}

func (e *ValidationError) Error() string {
	if e.Detail == "" {
		return e.Kind.Error()
	}
	return fmt.Sprintf("%v: %s", e.Kind, e.Detail)
}

func (e *ValidationError) Unwrap() []error { return []error{ErrValidation, e.Kind} }

// MatchingError reports a submission that stopped part way through its fills.
// Trades holds every fill already committed; they are not rolled back.
type MatchingError struct {
	Taker  *Order
	Trades []*Trade
	Cause  error
}

func (e *MatchingError) Error() string {
	return fmt.Sprintf("%v after %d committed fills for order %s: %v",
		ErrMatchingFailed, len(e.Trades), e.Taker.ID, e.Cause)
}

func (e *MatchingError) Unwrap() []error { return []error{ErrMatchingFailed, e.Cause} }

// Unavailable wraps an infrastructure failure so callers can match ErrStoreUnavailable.
func Unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrStoreUnavailable, err)
}

// ErrorKind returns the short name of the most specific taxonomy member err belongs to.
func ErrorKind(err error) string {
	kinds := []struct {
		err  error
		name string
	}{
		{ErrMissingField, "MissingField"},
		{ErrInvalidSignature, "InvalidSignature"},
		{ErrOrderExpired, "OrderExpired"},
		{ErrInvalidPrice, "InvalidPrice"},
		{ErrInvalidAmount, "InvalidAmount"},
		{ErrInvalidOutcome, "InvalidOutcome"},
		{ErrInvalidSide, "InvalidSide"},
		{ErrMatchingFailed, "MatchingFailed"},
		{ErrStoreUnavailable, "StoreUnavailable"},
		{ErrDuplicateOrder, "DuplicateOrder"},
		{ErrOrderNotFound, "NotFound"},
		{ErrOrderNotOpen, "NotOpen"},
	}
	for _, k := range kinds {
		if errors.Is(err, k.err) {
			return k.name
		}
	}
	return "Internal"
}
