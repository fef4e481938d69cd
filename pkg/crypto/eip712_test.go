package crypto

import (
	"encoding/json"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func sampleOrder(maker common.Address) *OrderEIP712 {
	return &OrderEIP712{
		OrderID:    "ord-1",
		Maker:      maker,
		MarketID:   "election-2028",
		Outcome:    1,
		Side:       1,
		Price:      "0.55",
		Amount:     "100",
		Expiration: big.NewInt(1_900_000_000),
		Nonce:      big.NewInt(7),
		Salt:       big.NewInt(424242),
	}
}

func TestSignAndVerifyOrder(t *testing.T) {
	signer, _ := GenerateKey()
	eip := NewEIP712Signer(DefaultDomain())
	order := sampleOrder(signer.Address())

	sig, err := eip.SignOrder(signer, order)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	ok, err := eip.VerifyOrderSignature(order, sig)
	if err != nil || !ok {
		t.Fatalf("verify = %v, %v; want true, nil", ok, err)
	}

	recovered, err := eip.RecoverOrderSigner(order, sig)
	if err != nil {
		t.Fatalf("recover: %v", err)
	}
	if recovered != signer.Address() {
		t.Errorf("recovered %s, want %s", recovered.Hex(), signer.Address().Hex())
	}
}

func TestHashOrder_Deterministic(t *testing.T) {
	eip := NewEIP712Signer(DefaultDomain())
	maker := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")

	h1, err := eip.HashOrder(sampleOrder(maker))
	if err != nil {
		t.Fatalf("hash: %v", err)
	}
	h2, _ := eip.HashOrder(sampleOrder(maker))
	if h1 != h2 {
		t.Errorf("identical orders hashed differently: %s vs %s", h1.Hex(), h2.Hex())
	}
}

func TestHashOrder_EveryFieldMatters(t *testing.T) {
	eip := NewEIP712Signer(DefaultDomain())
	maker := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")
	base, _ := eip.HashOrder(sampleOrder(maker))

	mutations := map[string]func(o *OrderEIP712){
		"orderId":    func(o *OrderEIP712) { o.OrderID = "ord-2" },
		"maker":      func(o *OrderEIP712) { o.Maker = common.HexToAddress("0x01") },
		"marketId":   func(o *OrderEIP712) { o.MarketID = "election-2032" },
		"outcome":    func(o *OrderEIP712) { o.Outcome = 0 },
		"side":       func(o *OrderEIP712) { o.Side = 2 },
		"price":      func(o *OrderEIP712) { o.Price = "0.56" },
		"amount":     func(o *OrderEIP712) { o.Amount = "101" },
		"expiration": func(o *OrderEIP712) { o.Expiration = big.NewInt(1_900_000_001) },
		"nonce":      func(o *OrderEIP712) { o.Nonce = big.NewInt(8) },
		"salt":       func(o *OrderEIP712) { o.Salt = big.NewInt(424243) },
	}

	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			o := sampleOrder(maker)
			mutate(o)
			h, err := eip.HashOrder(o)
			if err != nil {
				t.Fatalf("hash: %v", err)
			}
			if h == base {
				t.Errorf("changing %s did not change the digest", name)
			}
		})
	}
}

func TestHashOrder_DomainSeparation(t *testing.T) {
	maker := common.HexToAddress("0x742d35Cc6634C0532925a3b844Bc9e7595f0bEb0")
	other := DefaultDomain()
	other.ChainID = big.NewInt(137)

	h1, _ := NewEIP712Signer(DefaultDomain()).HashOrder(sampleOrder(maker))
	h2, _ := NewEIP712Signer(other).HashOrder(sampleOrder(maker))
	if h1 == h2 {
		t.Error("digest must differ across chain ids")
	}
}

func TestVerifyOrderSignature_WrongSigner(t *testing.T) {
	signer, _ := GenerateKey()
	impostor, _ := GenerateKey()
	eip := NewEIP712Signer(DefaultDomain())

	order := sampleOrder(signer.Address())
	sig, _ := eip.SignOrder(impostor, order)

	ok, err := eip.VerifyOrderSignature(order, sig)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("signature by another key must not verify")
	}
}

func TestOrderToJSON(t *testing.T) {
	eip := NewEIP712Signer(DefaultDomain())
	out, err := eip.OrderToJSON(sampleOrder(common.HexToAddress("0x01")))
	if err != nil {
		t.Fatalf("to json: %v", err)
	}

	var decoded map[string]interface{}
	if err := json.Unmarshal([]byte(out), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v", err)
	}
	if decoded["primaryType"] != "Order" {
		t.Errorf("primaryType = %v, want Order", decoded["primaryType"])
	}
	msg := decoded["message"].(map[string]interface{})
	if msg["price"] != "0.55" {
		t.Errorf("message.price = %v, want 0.55", msg["price"])
	}
}
