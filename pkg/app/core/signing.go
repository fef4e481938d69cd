package core

import (
	"math/big"

	"github.com/ethereum/go-ethereum/common"

	"github.com/uhyunpark/predmatch/pkg/crypto"
)

// SignatureScheme binds orders to their maker through EIP-712 typed data.
// All methods are pure and safe for concurrent use.
type SignatureScheme struct {
	eip712 *crypto.EIP712Signer
}

func NewSignatureScheme(domain crypto.EIP712Domain) *SignatureScheme {
	return &SignatureScheme{eip712: crypto.NewEIP712Signer(domain)}
}

// TypedOrder converts o into its canonical typed-data form. The signature is not part of it.
func TypedOrder(o *Order) *crypto.OrderEIP712 {
	salt := new(big.Int)
	if o.Salt != nil {
		salt.Set(o.Salt)
	}
	return &crypto.OrderEIP712{
		OrderID:    o.ID,
		Maker:      o.Maker,
		MarketID:   o.MarketID,
		Outcome:    o.Outcome,
		Side:       uint8(o.Side),
		Price:      o.Price.String(),
		Amount:     o.Amount.String(),
		Expiration: big.NewInt(o.Expiration),
		Nonce:      new(big.Int).SetUint64(o.Nonce),
		Salt:       salt,
	}
}

// Hash returns the order fingerprint. Identical field sets give identical
// fingerprints; any field change gives a different one.
func (s *SignatureScheme) Hash(o *Order) (common.Hash, error) {
	return s.eip712.HashOrder(TypedOrder(o))
}

// Verify reports whether o.Signature was produced over o's fields by o.Maker.
// Malformed signatures yield false, never an error.
func (s *SignatureScheme) Verify(o *Order) bool {
	ok, err := s.eip712.VerifyOrderSignature(TypedOrder(o), o.Signature)
	return err == nil && ok
}

// Sign fills o.Signature using signer. o.Maker must already be the signer's address.
func (s *SignatureScheme) Sign(signer *crypto.Signer, o *Order) error {
	sig, err := s.eip712.SignOrder(signer, TypedOrder(o))
	if err != nil {
		return err
	}
	o.Signature = sig
	return nil
}
