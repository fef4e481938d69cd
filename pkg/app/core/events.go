package core

import (
	"context"
	"time"
)

type EventKind string

const (
	EventTradeCreated      EventKind = "trade-created"
	EventOrderStateChanged EventKind = "order-state-changed"
)

// Event is emitted after the change it describes has been committed.
// Exactly one of Trade and Order is set.
type Event struct {
	Kind  EventKind `json:"kind"`
	Trade *Trade    `json:"trade,omitempty"`
	Order *Order    `json:"order,omitempty"`
	At    time.Time `json:"at"`
}

// MarketID returns the market the event belongs to.
func (e Event) MarketID() string {
	if e.Trade != nil {
		return e.Trade.MarketID
	}
	if e.Order != nil {
		return e.Order.MarketID
	}
	return ""
}

// Publisher hands events to downstream consumers (settlement, notification).
// The engine and cancel handler call Publish while holding a market lock, so
// implementations must not wait on slow consumers.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

func TradeCreated(t *Trade, at time.Time) Event {
	return Event{Kind: EventTradeCreated, Trade: t.Clone(), At: at}
}

func OrderStateChanged(o *Order, at time.Time) Event {
	return Event{Kind: EventOrderStateChanged, Order: o.Clone(), At: at}
}
