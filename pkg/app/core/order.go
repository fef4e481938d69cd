package core

import (
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/shopspring/decimal"
)

// Side is the direction of an order. The numeric values are the ones signed
// in the typed-data encoding.
type Side uint8

const (
	SideUnknown Side = 0
	Buy         Side = 1
	Sell        Side = 2
)

func (s Side) String() string {
	switch s {
	case Buy:
		return "buy"
	case Sell:
		return "sell"
	default:
		return "unknown"
	}
}

func (s Side) Valid() bool { return s == Buy || s == Sell }

// Opposite returns the side a counter-order must have.
func (s Side) Opposite() Side {
	switch s {
	case Buy:
		return Sell
	case Sell:
		return Buy
	default:
		return SideUnknown
	}
}

// ParseSide maps "buy"/"sell" (any case) to a Side, anything else to SideUnknown.
func ParseSide(s string) Side {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "buy":
		return Buy
	case "sell":
		return Sell
	default:
		return SideUnknown
	}
}

func (s Side) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Side) UnmarshalText(b []byte) error {
	*s = ParseSide(string(b))
	return nil
}

// State is the lifecycle state of an order.
type State uint8

const (
	StateOpen State = iota + 1
	StatePartial
	StateFilled
	StateCancelled
	StateExpired
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StatePartial:
		return "partial"
	case StateFilled:
		return "filled"
	case StateCancelled:
		return "cancelled"
	case StateExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// Resting reports whether the order can still trade or be cancelled.
func (s State) Resting() bool { return s == StateOpen || s == StatePartial }

func (s State) Terminal() bool { return s == StateFilled || s == StateCancelled || s == StateExpired }

func ParseState(s string) (State, error) {
	switch s {
	case "open":
		return StateOpen, nil
	case "partial":
		return StatePartial, nil
	case "filled":
		return StateFilled, nil
	case "cancelled":
		return StateCancelled, nil
	case "expired":
		return StateExpired, nil
	default:
		return 0, fmt.Errorf("unknown order state %q", s)
	}
}

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *State) UnmarshalText(b []byte) error {
	st, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = st
	return nil
}

// Order is a signed intent to buy or sell shares of one outcome at a limit price.
// Filled + Remaining == Amount holds for every stored order.
type Order struct {
	ID         string          `json:"orderId"`
	Maker      common.Address  `json:"maker"`
	MarketID   string          `json:"marketId"`
	Outcome    uint8           `json:"outcome"`
	Side       Side            `json:"side"`
	Price      decimal.Decimal `json:"price"`
	Amount     decimal.Decimal `json:"amount"`
	Filled     decimal.Decimal `json:"filledAmount"`
	Remaining  decimal.Decimal `json:"remainingAmount"`
	Nonce      uint64          `json:"nonce"`
	Salt       *big.Int        `json:"salt"`
	Expiration int64           `json:"expiration"` // Unix seconds
	Signature  hexutil.Bytes   `json:"signature"`

	State     State       `json:"state"`
	Hash      common.Hash `json:"hash"`      // typed-data digest, set on acceptance
	CreatedAt time.Time   `json:"createdAt"` // assigned by the engine
	Seq       uint64      `json:"seq"`       // insertion order, assigned by the store
}

// Clone returns a deep copy safe to hand across goroutines.
func (o *Order) Clone() *Order {
	if o == nil {
		return nil
	}
	cp := *o
	if o.Salt != nil {
		cp.Salt = new(big.Int).Set(o.Salt)
	}
	if o.Signature != nil {
		cp.Signature = append(hexutil.Bytes(nil), o.Signature...)
	}
	return &cp
}

// Expired reports whether the order's expiration has passed at now.
func (o *Order) Expired(now time.Time) bool {
	return now.Unix() > o.Expiration
}

// EffectiveState folds time into the stored state: a resting order past its
// expiration is expired even though no writer has touched it.
func (o *Order) EffectiveState(now time.Time) State {
	if o.State.Resting() && o.Expired(now) {
		return StateExpired
	}
	return o.State
}

// Crosses reports whether a counter-order at price can trade with o.
func (o *Order) Crosses(price decimal.Decimal) bool {
	switch o.Side {
	case Buy:
		return price.LessThanOrEqual(o.Price)
	case Sell:
		return price.GreaterThanOrEqual(o.Price)
	default:
		return false
	}
}

// afterFill returns o's fill position once amount more has traded. o is not modified.
func (o *Order) afterFill(amount decimal.Decimal) FillUpdate {
	u := FillUpdate{
		OrderID:   o.ID,
		Filled:    o.Filled.Add(amount),
		Remaining: o.Remaining.Sub(amount),
		State:     StatePartial,
	}
	if u.Remaining.Sign() <= 0 {
		u.Remaining = decimal.Zero
		u.State = StateFilled
	}
	return u
}

// FillUpdate is the new fill position of one order after a match.
type FillUpdate struct {
	OrderID   string
	Filled    decimal.Decimal
	Remaining decimal.Decimal
	State     State
}

// Apply copies the update onto o.
func (u FillUpdate) Apply(o *Order) {
	o.Filled = u.Filled
	o.Remaining = u.Remaining
	o.State = u.State
}

// Trade is one immutable match between a taker and a resting maker.
type Trade struct {
	ID           string          `json:"tradeId"`
	MarketID     string          `json:"marketId"`
	Outcome      uint8           `json:"outcome"`
	MakerOrderID string          `json:"makerOrderId"`
	TakerOrderID string          `json:"takerOrderId"`
	Maker        common.Address  `json:"maker"`
	Taker        common.Address  `json:"taker"`
	TakerSide    Side            `json:"takerSide"`
	Price        decimal.Decimal `json:"price"`
	Amount       decimal.Decimal `json:"amount"`
	Settled      bool            `json:"settled"`
	CreatedAt    time.Time       `json:"createdAt"`
}

func (t *Trade) Clone() *Trade {
	if t == nil {
		return nil
	}
	cp := *t
	return &cp
}

// BookLevel aggregates every resting order at one price.
type BookLevel struct {
	Price  decimal.Decimal `json:"price"`
	Amount decimal.Decimal `json:"amount"`
	Orders int             `json:"orders"`
}

// BookSnapshot is the ladder for one (market, outcome) pair.
// Bids are sorted high to low, asks low to high.
type BookSnapshot struct {
	MarketID  string      `json:"marketId"`
	Outcome   uint8       `json:"outcome"`
	Bids      []BookLevel `json:"bids"`
	Asks      []BookLevel `json:"asks"`
	Timestamp time.Time   `json:"timestamp"`
}

// PriorityLess orders resting orders of one side by price-time priority:
// best price first (lowest ask, highest bid), then earliest creation, then insertion.
func PriorityLess(a, b *Order) bool {
	if c := a.Price.Cmp(b.Price); c != 0 {
		if a.Side == Buy {
			return c > 0
		}
		return c < 0
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.Seq < b.Seq
}
