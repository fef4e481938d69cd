package transaction

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"

	"github.com/uhyunpark/predmatch/pkg/app/core"
)

// SignedOrder is the wire form of an order as clients submit it.
// Prices, amounts and the salt travel as decimal strings so no precision is
// lost in JSON; expiration and nonce are plain integers.
type SignedOrder struct {
	OrderID    string `json:"orderId"`
	Maker      string `json:"maker"` // Ethereum address (0x...)
	MarketID   string `json:"marketId"`
	Outcome    int    `json:"outcome"`    // 0 or 1
	Side       string `json:"side"`       // "buy" | "sell"
	Price      string `json:"price"`      // decimal in [0,1], e.g. "0.42"
	Amount     string `json:"amount"`     // decimal > 0
	Expiration int64  `json:"expiration"` // Unix seconds
	Nonce      uint64 `json:"nonce"`
	Salt       string `json:"salt"`      // uint256 as decimal string
	Signature  string `json:"signature"` // Hex-encoded signature (0x...)
}

// CancelRequest asks to cancel an order on behalf of its maker.
type CancelRequest struct {
	OrderID string `json:"orderId"`
	Maker   string `json:"maker"`
}

// ToOrder converts the wire form into a core order. It rejects values that
// cannot be represented at all, in the same order core.Validator checks
// them: required fields, then the signature, then the numeric fields.
// Range checks belong to core.Validator.
func (s *SignedOrder) ToOrder() (*core.Order, error) {
	switch {
	case s.OrderID == "":
		return nil, core.NewValidationError(core.ErrMissingField, "orderId is required")
	case s.Maker == "":
		return nil, core.NewValidationError(core.ErrMissingField, "maker is required")
	case !common.IsHexAddress(s.Maker):
		return nil, core.NewValidationError(core.ErrMissingField, "maker %q is not an address", s.Maker)
	case s.Signature == "":
		return nil, core.NewValidationError(core.ErrMissingField, "signature is required")
	case s.MarketID == "":
		return nil, core.NewValidationError(core.ErrMissingField, "marketId is required")
	}

	o := &core.Order{
		ID:         s.OrderID,
		Maker:      common.HexToAddress(s.Maker),
		MarketID:   s.MarketID,
		Side:       core.ParseSide(s.Side),
		Expiration: s.Expiration,
		Nonce:      s.Nonce,
		Salt:       new(big.Int),
	}

	var err error
	if o.Signature, err = DecodeSignature(s.Signature); err != nil {
		return nil, core.NewValidationError(core.ErrInvalidSignature, "%v", err)
	}
	// The salt is part of the signed message; an order whose salt cannot be
	// read cannot be verified either.
	if s.Salt != "" {
		salt, ok := new(big.Int).SetString(s.Salt, 10)
		if !ok || salt.Sign() < 0 || salt.BitLen() > 256 {
			return nil, core.NewValidationError(core.ErrInvalidSignature, "salt %q is not a uint256", s.Salt)
		}
		o.Salt = salt
	}

	if o.Price, err = decimal.NewFromString(s.Price); err != nil {
		return nil, core.NewValidationError(core.ErrInvalidPrice, "price %q is not a decimal", s.Price)
	}
	if o.Amount, err = decimal.NewFromString(s.Amount); err != nil {
		return nil, core.NewValidationError(core.ErrInvalidAmount, "amount %q is not a decimal", s.Amount)
	}
	o.Remaining = o.Amount

	if s.Outcome < 0 || s.Outcome > 255 {
		return nil, core.NewValidationError(core.ErrInvalidOutcome, "outcome %d not in {0,1}", s.Outcome)
	}
	o.Outcome = uint8(s.Outcome)
	return o, nil
}

// FromOrder builds the wire form of o.
func FromOrder(o *core.Order) *SignedOrder {
	salt := "0"
	if o.Salt != nil {
		salt = o.Salt.String()
	}
	s := &SignedOrder{
		OrderID:    o.ID,
		Maker:      o.Maker.Hex(),
		MarketID:   o.MarketID,
		Outcome:    int(o.Outcome),
		Side:       o.Side.String(),
		Price:      o.Price.String(),
		Amount:     o.Amount.String(),
		Expiration: o.Expiration,
		Nonce:      o.Nonce,
		Salt:       salt,
	}
	if len(o.Signature) > 0 {
		s.Signature = "0x" + hex.EncodeToString(o.Signature)
	}
	return s
}

// Serialize converts SignedOrder to JSON bytes
func (s *SignedOrder) Serialize() ([]byte, error) {
	return json.Marshal(s)
}

// Deserialize parses JSON bytes into SignedOrder
func Deserialize(data []byte) (*SignedOrder, error) {
	var s SignedOrder
	if err := json.Unmarshal(data, &s); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &s, nil
}

// ParseOrder decodes a JSON signed order straight into a core order.
func ParseOrder(data []byte) (*core.Order, error) {
	s, err := Deserialize(data)
	if err != nil {
		return nil, err
	}
	return s.ToOrder()
}

// Owner returns the address the cancel request claims.
func (c *CancelRequest) Owner() (common.Address, error) {
	if c.OrderID == "" {
		return common.Address{}, core.NewValidationError(core.ErrMissingField, "orderId is required")
	}
	if c.Maker == "" {
		return common.Address{}, core.NewValidationError(core.ErrMissingField, "maker is required")
	}
	if !common.IsHexAddress(c.Maker) {
		return common.Address{}, core.NewValidationError(core.ErrMissingField, "maker %q is not an address", c.Maker)
	}
	return common.HexToAddress(c.Maker), nil
}

// DecodeSignature decodes hex-encoded signature (with or without 0x prefix)
func DecodeSignature(sig string) ([]byte, error) {
	sig = strings.TrimPrefix(strings.TrimPrefix(sig, "0x"), "0X")

	sigBytes, err := hex.DecodeString(sig)
	if err != nil {
		return nil, fmt.Errorf("invalid hex signature: %w", err)
	}

	if len(sigBytes) != 65 {
		return nil, fmt.Errorf("signature must be 65 bytes, got %d", len(sigBytes))
	}

	return sigBytes, nil
}

// Example format:
//   {
//     "orderId": "0b7c6f0e-5d1a-4a1f-9a51-1d0a6f3c2e11",
//     "maker": "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0",
//     "marketId": "will-it-rain-tomorrow",
//     "outcome": 0,
//     "side": "buy",
//     "price": "0.42",
//     "amount": "150",
//     "expiration": 1767225600,
//     "nonce": 7,
//     "salt": "81723648172634817263",
//     "signature": "0x1234567890abcdef..."
//   }
