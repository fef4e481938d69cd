package crypto

import (
	"encoding/json"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
)

// EIP712Domain represents the domain separator for EIP-712 typed data.
// Binds signatures to one protocol, version, chain and verifying contract.
type EIP712Domain struct {
	Name              string         // Protocol name
	Version           string         // Protocol version
	ChainID           *big.Int       // Network identifier
	VerifyingContract common.Address // Exchange contract (zero for off-chain only)
}

// OrderEIP712 is the canonical typed-data form of an order.
// Price and Amount are normalized decimal strings so the signed encoding is exact.
type OrderEIP712 struct {
	OrderID    string
	Maker      common.Address
	MarketID   string
	Outcome    uint8
	Side       uint8 // 1 = Buy, 2 = Sell
	Price      string
	Amount     string
	Expiration *big.Int // Unix seconds
	Nonce      *big.Int
	Salt       *big.Int
}

// Field order of the Order struct type. Changing it changes every digest.
var orderTypes = []apitypes.Type{
	{Name: "orderId", Type: "string"},
	{Name: "maker", Type: "address"},
	{Name: "marketId", Type: "string"},
	{Name: "outcome", Type: "uint8"},
	{Name: "side", Type: "uint8"},
	{Name: "price", Type: "string"},
	{Name: "amount", Type: "string"},
	{Name: "expiration", Type: "uint256"},
	{Name: "nonce", Type: "uint256"},
	{Name: "salt", Type: "uint256"},
}

var domainTypes = []apitypes.Type{
	{Name: "name", Type: "string"},
	{Name: "version", Type: "string"},
	{Name: "chainId", Type: "uint256"},
	{Name: "verifyingContract", Type: "address"},
}

// EIP712Signer handles EIP-712 typed data hashing and verification for orders
type EIP712Signer struct {
	domain EIP712Domain
}

// NewEIP712Signer creates a new EIP-712 signer with given domain
func NewEIP712Signer(domain EIP712Domain) *EIP712Signer {
	if domain.ChainID == nil {
		domain.ChainID = new(big.Int)
	}
	return &EIP712Signer{domain: domain}
}

// DefaultDomain returns the development domain (Polygon Amoy chain id, off-chain contract)
func DefaultDomain() EIP712Domain {
	return EIP712Domain{
		Name:              "OutcomeExchange",
		Version:           "1",
		ChainID:           big.NewInt(80002),
		VerifyingContract: common.Address{},
	}
}

// Domain returns the domain this signer is bound to.
func (e *EIP712Signer) Domain() EIP712Domain {
	return e.domain
}

func (e *EIP712Signer) typedData(order *OrderEIP712) apitypes.TypedData {
	return apitypes.TypedData{
		Types: apitypes.Types{
			"EIP712Domain": domainTypes,
			"Order":        orderTypes,
		},
		PrimaryType: "Order",
		Domain: apitypes.TypedDataDomain{
			Name:              e.domain.Name,
			Version:           e.domain.Version,
			ChainId:           (*math.HexOrDecimal256)(e.domain.ChainID),
			VerifyingContract: e.domain.VerifyingContract.Hex(),
		},
		Message: apitypes.TypedDataMessage{
			"orderId":    order.OrderID,
			"maker":      order.Maker.Hex(),
			"marketId":   order.MarketID,
			"outcome":    fmt.Sprintf("%d", order.Outcome),
			"side":       fmt.Sprintf("%d", order.Side),
			"price":      order.Price,
			"amount":     order.Amount,
			"expiration": bigString(order.Expiration),
			"nonce":      bigString(order.Nonce),
			"salt":       bigString(order.Salt),
		},
	}
}

// HashOrder returns the EIP-712 digest of an order, the value that gets signed.
func (e *EIP712Signer) HashOrder(order *OrderEIP712) (common.Hash, error) {
	typedData := e.typedData(order)

	domainSeparator, err := typedData.HashStruct("EIP712Domain", typedData.Domain.Map())
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash domain: %w", err)
	}

	typedDataHash, err := typedData.HashStruct(typedData.PrimaryType, typedData.Message)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to hash message: %w", err)
	}

	// keccak256("\x19\x01" || domainSeparator || typedDataHash)
	rawData := []byte(fmt.Sprintf("\x19\x01%s%s", string(domainSeparator), string(typedDataHash)))
	return crypto.Keccak256Hash(rawData), nil
}

// SignOrder signs an order and returns the 65-byte signature
func (e *EIP712Signer) SignOrder(signer *Signer, order *OrderEIP712) ([]byte, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return nil, fmt.Errorf("failed to hash order: %w", err)
	}

	signature, err := signer.Sign(hash.Bytes())
	if err != nil {
		return nil, fmt.Errorf("failed to sign order: %w", err)
	}

	return signature, nil
}

// VerifyOrderSignature reports whether signature was produced over order by order.Maker.
func (e *EIP712Signer) VerifyOrderSignature(order *OrderEIP712, signature []byte) (bool, error) {
	recovered, err := e.RecoverOrderSigner(order, signature)
	if err != nil {
		return false, err
	}
	return recovered == order.Maker, nil
}

// RecoverOrderSigner recovers the address that signed an order
func (e *EIP712Signer) RecoverOrderSigner(order *OrderEIP712, signature []byte) (common.Address, error) {
	hash, err := e.HashOrder(order)
	if err != nil {
		return common.Address{}, fmt.Errorf("failed to hash order: %w", err)
	}

	return RecoverAddress(hash.Bytes(), signature)
}

// OrderToJSON renders the eth_signTypedData_v4 payload wallets expect.
func (e *EIP712Signer) OrderToJSON(order *OrderEIP712) (string, error) {
	typedData := map[string]interface{}{
		"types": map[string]interface{}{
			"EIP712Domain": typeList(domainTypes),
			"Order":        typeList(orderTypes),
		},
		"primaryType": "Order",
		"domain": map[string]interface{}{
			"name":              e.domain.Name,
			"version":           e.domain.Version,
			"chainId":           e.domain.ChainID.String(),
			"verifyingContract": e.domain.VerifyingContract.Hex(),
		},
		"message": map[string]interface{}{
			"orderId":    order.OrderID,
			"maker":      order.Maker.Hex(),
			"marketId":   order.MarketID,
			"outcome":    order.Outcome,
			"side":       order.Side,
			"price":      order.Price,
			"amount":     order.Amount,
			"expiration": bigString(order.Expiration),
			"nonce":      bigString(order.Nonce),
			"salt":       bigString(order.Salt),
		},
	}

	jsonBytes, err := json.MarshalIndent(typedData, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal JSON: %w", err)
	}

	return string(jsonBytes), nil
}

func typeList(types []apitypes.Type) []map[string]string {
	out := make([]map[string]string, len(types))
	for i, t := range types {
		out[i] = map[string]string{"name": t.Name, "type": t.Type}
	}
	return out
}

func bigString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
