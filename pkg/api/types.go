package api

import (
	"github.com/uhyunpark/predmatch/pkg/app/core"
)

// API response types for REST endpoints and WebSocket messages.
// Prices and amounts are decimal strings; timestamps are Unix milliseconds.

// ==============================
// REST Response Types
// ==============================

// OrderInfo represents an order (open or historical)
type OrderInfo struct {
	ID         string `json:"orderId"`
	Hash       string `json:"hash"`
	Maker      string `json:"maker"`
	MarketID   string `json:"marketId"`
	Outcome    uint8  `json:"outcome"`
	Side       string `json:"side"` // "buy" or "sell"
	Price      string `json:"price"`
	Amount     string `json:"amount"`
	Filled     string `json:"filledAmount"`
	Remaining  string `json:"remainingAmount"`
	State      string `json:"state"` // "open" | "partial" | "filled" | "cancelled" | "expired"
	Expiration int64  `json:"expiration"`
	CreatedAt  int64  `json:"createdAt"`
}

// TradeInfo represents one executed trade
type TradeInfo struct {
	ID           string `json:"tradeId"`
	MarketID     string `json:"marketId"`
	Outcome      uint8  `json:"outcome"`
	MakerOrderID string `json:"makerOrderId"`
	TakerOrderID string `json:"takerOrderId"`
	Maker        string `json:"maker"`
	Taker        string `json:"taker"`
	TakerSide    string `json:"takerSide"`
	Price        string `json:"price"`
	Amount       string `json:"amount"`
	Timestamp    int64  `json:"timestamp"`
}

// PriceLevel aggregates resting orders at one price
type PriceLevel struct {
	Price  string `json:"price"`
	Amount string `json:"amount"`
	Orders int    `json:"orders"`
}

// OrderbookSnapshot represents the current book of one outcome
type OrderbookSnapshot struct {
	MarketID  string       `json:"marketId"`
	Outcome   uint8        `json:"outcome"`
	Bids      []PriceLevel `json:"bids"` // Sorted high to low
	Asks      []PriceLevel `json:"asks"` // Sorted low to high
	Timestamp int64        `json:"timestamp"`
}

// SubmitOrderResponse is the response from order submission
type SubmitOrderResponse struct {
	Status      string      `json:"status"` // "open" | "partial" | "filled"
	Order       OrderInfo   `json:"order"`
	Trades      []TradeInfo `json:"trades"`
	FullyFilled bool        `json:"fullyFilled"`
}

// CancelOrderResponse reports whether a resting order was cancelled
type CancelOrderResponse struct {
	OrderID   string `json:"orderId"`
	Cancelled bool   `json:"cancelled"`
}

// ErrorResponse is returned for all errors. Trades is only set when matching
// stopped after some fills were already committed.
type ErrorResponse struct {
	Error   string      `json:"error"`
	Kind    string      `json:"kind"`
	Message string      `json:"message,omitempty"`
	Trades  []TradeInfo `json:"trades,omitempty"`
}

// ==============================
// WebSocket Message Types
// ==============================

// WSMessage is the envelope for everything pushed to clients
type WSMessage struct {
	Type    string      `json:"type"`    // "trade" | "order"
	Channel string      `json:"channel"` // e.g. "trades:<market>"
	Data    interface{} `json:"data"`
	Time    int64       `json:"timestamp"`
}

// WSSubscribeRequest is sent by client to subscribe to channels
type WSSubscribeRequest struct {
	Op       string   `json:"op"`       // "subscribe" or "unsubscribe"
	Channels []string `json:"channels"` // e.g. ["trades:<market>", "orders:<market>"]
}

func TradesChannel(marketID string) string { return "trades:" + marketID }
func OrdersChannel(marketID string) string { return "orders:" + marketID }

// ==============================
// Conversions
// ==============================

func NewOrderInfo(o *core.Order) OrderInfo {
	return OrderInfo{
		ID:         o.ID,
		Hash:       o.Hash.Hex(),
		Maker:      o.Maker.Hex(),
		MarketID:   o.MarketID,
		Outcome:    o.Outcome,
		Side:       o.Side.String(),
		Price:      o.Price.String(),
		Amount:     o.Amount.String(),
		Filled:     o.Filled.String(),
		Remaining:  o.Remaining.String(),
		State:      o.State.String(),
		Expiration: o.Expiration,
		CreatedAt:  o.CreatedAt.UnixMilli(),
	}
}

func NewTradeInfo(t *core.Trade) TradeInfo {
	return TradeInfo{
		ID:           t.ID,
		MarketID:     t.MarketID,
		Outcome:      t.Outcome,
		MakerOrderID: t.MakerOrderID,
		TakerOrderID: t.TakerOrderID,
		Maker:        t.Maker.Hex(),
		Taker:        t.Taker.Hex(),
		TakerSide:    t.TakerSide.String(),
		Price:        t.Price.String(),
		Amount:       t.Amount.String(),
		Timestamp:    t.CreatedAt.UnixMilli(),
	}
}

func NewTradeInfos(trades []*core.Trade) []TradeInfo {
	out := make([]TradeInfo, len(trades))
	for i, t := range trades {
		out[i] = NewTradeInfo(t)
	}
	return out
}

func NewOrderbookSnapshot(b *core.BookSnapshot) OrderbookSnapshot {
	return OrderbookSnapshot{
		MarketID:  b.MarketID,
		Outcome:   b.Outcome,
		Bids:      levels(b.Bids),
		Asks:      levels(b.Asks),
		Timestamp: b.Timestamp.UnixMilli(),
	}
}

func levels(in []core.BookLevel) []PriceLevel {
	out := make([]PriceLevel, len(in))
	for i, l := range in {
		out[i] = PriceLevel{Price: l.Price.String(), Amount: l.Amount.String(), Orders: l.Orders}
	}
	return out
}
