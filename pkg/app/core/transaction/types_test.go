package transaction

import (
	"errors"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/predmatch/pkg/app/core"
	"github.com/uhyunpark/predmatch/pkg/crypto"
	"github.com/uhyunpark/predmatch/pkg/util"
)

func signedSample(t *testing.T) (*core.Order, *core.SignatureScheme) {
	t.Helper()
	signer, err := crypto.GenerateKey()
	require.NoError(t, err)
	scheme := core.NewSignatureScheme(crypto.DefaultDomain())

	o := &core.Order{
		ID:         "0b7c6f0e-5d1a-4a1f-9a51-1d0a6f3c2e11",
		Maker:      signer.Address(),
		MarketID:   "will-it-rain-tomorrow",
		Outcome:    1,
		Side:       core.Sell,
		Price:      decimal.RequireFromString("0.42"),
		Amount:     decimal.RequireFromString("150.5"),
		Expiration: time.Now().Add(time.Hour).Unix(),
		Nonce:      7,
		Salt:       new(big.Int).Lsh(big.NewInt(1), 255),
	}
	require.NoError(t, scheme.Sign(signer, o))
	return o, scheme
}

func TestSignedOrderRoundTrip(t *testing.T) {
	o, scheme := signedSample(t)

	data, err := FromOrder(o).Serialize()
	require.NoError(t, err)
	assert.Contains(t, string(data), `"side":"sell"`)
	assert.Contains(t, string(data), `"price":"0.42"`)

	got, err := ParseOrder(data)
	require.NoError(t, err)
	assert.Equal(t, o.ID, got.ID)
	assert.Equal(t, o.Maker, got.Maker)
	assert.Equal(t, o.Side, got.Side)
	assert.True(t, o.Price.Equal(got.Price))
	assert.True(t, got.Remaining.Equal(got.Amount))
	assert.Equal(t, 0, o.Salt.Cmp(got.Salt))
	assert.Equal(t, []byte(o.Signature), []byte(got.Signature))

	v := core.NewValidator(scheme, util.RealClock{})
	assert.NoError(t, v.Validate(got), "decoded order must still verify")
}

func TestToOrderRejections(t *testing.T) {
	o, _ := signedSample(t)

	tests := []struct {
		name   string
		mutate func(*SignedOrder)
		kind   error
	}{
		{"price not a number", func(s *SignedOrder) { s.Price = "forty cents" }, core.ErrInvalidPrice},
		{"price empty", func(s *SignedOrder) { s.Price = "" }, core.ErrInvalidPrice},
		{"amount not a number", func(s *SignedOrder) { s.Amount = "1e" }, core.ErrInvalidAmount},
		{"negative outcome", func(s *SignedOrder) { s.Outcome = -1 }, core.ErrInvalidOutcome},
		{"order id empty", func(s *SignedOrder) { s.OrderID = "" }, core.ErrMissingField},
		{"maker empty", func(s *SignedOrder) { s.Maker = "" }, core.ErrMissingField},
		{"maker not an address", func(s *SignedOrder) { s.Maker = "alice" }, core.ErrMissingField},
		{"signature empty", func(s *SignedOrder) { s.Signature = "" }, core.ErrMissingField},
		{"market empty", func(s *SignedOrder) { s.MarketID = "" }, core.ErrMissingField},
		{"salt not an integer", func(s *SignedOrder) { s.Salt = "0.5" }, core.ErrInvalidSignature},
		{"salt too large", func(s *SignedOrder) { s.Salt = "1" + strings.Repeat("0", 80) }, core.ErrInvalidSignature},
		{"signature not hex", func(s *SignedOrder) { s.Signature = "0xzz" }, core.ErrInvalidSignature},
		{"signature too short", func(s *SignedOrder) { s.Signature = "0x1234" }, core.ErrInvalidSignature},

		// The first failing check wins, matching core.Validator.
		{"missing field before malformed price", func(s *SignedOrder) {
			s.OrderID = ""
			s.Price = "abc"
		}, core.ErrMissingField},
		{"missing field before malformed signature", func(s *SignedOrder) {
			s.MarketID = ""
			s.Signature = "0xzz"
		}, core.ErrMissingField},
		{"missing field before bad outcome and amount", func(s *SignedOrder) {
			s.Maker = ""
			s.Outcome = -1
			s.Amount = "lots"
		}, core.ErrMissingField},
		{"malformed signature before malformed price", func(s *SignedOrder) {
			s.Signature = "0x1234"
			s.Price = "abc"
		}, core.ErrInvalidSignature},
		{"malformed salt before malformed amount", func(s *SignedOrder) {
			s.Salt = "-1"
			s.Amount = ""
		}, core.ErrInvalidSignature},
		{"price before amount and outcome", func(s *SignedOrder) {
			s.Price = "abc"
			s.Amount = "xyz"
			s.Outcome = 300
		}, core.ErrInvalidPrice},
		{"amount before outcome", func(s *SignedOrder) {
			s.Amount = "xyz"
			s.Outcome = 300
		}, core.ErrInvalidAmount},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := FromOrder(o)
			tt.mutate(s)
			_, err := s.ToOrder()
			require.Error(t, err)
			assert.ErrorIs(t, err, core.ErrValidation)
			assert.ErrorIs(t, err, tt.kind)
		})
	}
}

func TestToOrderAllFieldsEmpty(t *testing.T) {
	_, err := (&SignedOrder{}).ToOrder()
	assert.ErrorIs(t, err, core.ErrMissingField)

	_, err = (&SignedOrder{Price: "", Amount: "-", Salt: "x", Signature: "0x", Outcome: -5}).ToOrder()
	assert.ErrorIs(t, err, core.ErrMissingField)
}

func TestToOrderLeavesRangeChecksToValidator(t *testing.T) {
	o, scheme := signedSample(t)
	s := FromOrder(o)
	s.Side = "hold"
	s.Outcome = 2

	got, err := s.ToOrder()
	require.NoError(t, err)
	assert.Equal(t, core.SideUnknown, got.Side)
	assert.Equal(t, uint8(2), got.Outcome)

	v := core.NewValidator(scheme, util.RealClock{})
	assert.ErrorIs(t, v.Validate(got), core.ErrInvalidSignature, "fields differ from what was signed")
}

func TestDeserializeMalformed(t *testing.T) {
	_, err := ParseOrder([]byte(`{"orderId": 12`))
	require.Error(t, err)
	var verr *core.ValidationError
	assert.False(t, errors.As(err, &verr))
}

func TestCancelRequestOwner(t *testing.T) {
	owner, err := (&CancelRequest{OrderID: "o1", Maker: "0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0"}).Owner()
	require.NoError(t, err)
	assert.Equal(t, "0x742d35cc6634c0532925a3b844bc9e7595f0beb0", strings.ToLower(owner.Hex()))

	_, err = (&CancelRequest{Maker: owner.Hex()}).Owner()
	assert.ErrorIs(t, err, core.ErrMissingField)
	_, err = (&CancelRequest{OrderID: "o1", Maker: "nobody"}).Owner()
	assert.ErrorIs(t, err, core.ErrMissingField)
}

func TestDecodeSignature(t *testing.T) {
	sig := "0x" + strings.Repeat("ab", 65)
	b, err := DecodeSignature(sig)
	require.NoError(t, err)
	assert.Len(t, b, 65)

	_, err = DecodeSignature(strings.Repeat("ab", 65))
	assert.NoError(t, err, "prefix is optional")

	_, err = DecodeSignature("0x" + strings.Repeat("ab", 64))
	assert.Error(t, err)
}
