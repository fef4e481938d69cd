package core

import (
	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/predmatch/pkg/util"
)

// MaxPriceDecimals is the finest price tick the book can order. Stores key
// resting orders by price scaled to this many fractional digits.
const MaxPriceDecimals = 18

// Validator rejects malformed orders before they reach the engine.
// Checks run in a fixed order and the first failure wins.
type Validator struct {
	scheme *SignatureScheme
	clock  util.Clock
}

func NewValidator(scheme *SignatureScheme, clock util.Clock) *Validator {
	if clock == nil {
		clock = util.RealClock{}
	}
	return &Validator{scheme: scheme, clock: clock}
}

// Validate returns nil or a *ValidationError. It has no side effects.
func (v *Validator) Validate(o *Order) error {
	if o == nil {
		return NewValidationError(ErrMissingField, "order is empty")
	}
	switch {
	case o.ID == "":
		return NewValidationError(ErrMissingField, "orderId is required")
	case o.Maker == (common.Address{}):
		return NewValidationError(ErrMissingField, "maker is required")
	case len(o.Signature) == 0:
		return NewValidationError(ErrMissingField, "signature is required")
	case o.MarketID == "":
		return NewValidationError(ErrMissingField, "marketId is required")
	}

	if !v.scheme.Verify(o) {
		return NewValidationError(ErrInvalidSignature, "signature does not recover to %s", o.Maker.Hex())
	}

	now := v.clock.Now()
	if o.Expired(now) {
		return NewValidationError(ErrOrderExpired, "expired at %d, now %d", o.Expiration, now.Unix())
	}

	if o.Price.Sign() < 0 || o.Price.GreaterThan(decimal.NewFromInt(1)) {
		return NewValidationError(ErrInvalidPrice, "price %s outside [0,1]", o.Price)
	}
	if !o.Price.Equal(o.Price.Truncate(MaxPriceDecimals)) {
		return NewValidationError(ErrInvalidPrice, "price %s has more than %d decimal places", o.Price, MaxPriceDecimals)
	}

	if o.Amount.Sign() <= 0 {
		return NewValidationError(ErrInvalidAmount, "amount %s must be positive", o.Amount)
	}

	if o.Outcome > 1 {
		return NewValidationError(ErrInvalidOutcome, "outcome %d not in {0,1}", o.Outcome)
	}

	if !o.Side.Valid() {
		return NewValidationError(ErrInvalidSide, "side %d is neither buy nor sell", o.Side)
	}

	return nil
}
