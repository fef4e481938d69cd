package core

import (
	"context"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
)

// CrossingQuery selects resting makers a taker can trade with.
// Side is the makers' side; Limit is the taker's price (max price when makers
// sell, min price when makers buy). Orders expired at Now are excluded.
type CrossingQuery struct {
	MarketID string
	Outcome  uint8
	Side     Side
	Limit    decimal.Decimal
	Now      time.Time
}

// Crosses reports whether a maker resting at price satisfies the query limit.
func (q CrossingQuery) Crosses(price decimal.Decimal) bool {
	if q.Side == Sell {
		return price.LessThanOrEqual(q.Limit)
	}
	return price.GreaterThanOrEqual(q.Limit)
}

// Matches reports whether o is an eligible maker for the query.
func (q CrossingQuery) Matches(o *Order) bool {
	return o.MarketID == q.MarketID &&
		o.Outcome == q.Outcome &&
		o.Side == q.Side &&
		o.State.Resting() &&
		o.Remaining.Sign() > 0 &&
		!o.Expired(q.Now) &&
		q.Crosses(o.Price)
}

// BookQuery selects one side of a (market, outcome) book, at most Limit levels.
type BookQuery struct {
	MarketID string
	Outcome  uint8
	Side     Side
	Limit    int
	Now      time.Time
}

// OrderStore is the narrow persistence contract the matching core consumes.
// Implementations report infrastructure failures as ErrStoreUnavailable and
// never retry on their own unless wrapped in a retry policy.
type OrderStore interface {
	// CreateOrder persists a new order, assigning Seq. ErrDuplicateOrder if the ID exists.
	CreateOrder(ctx context.Context, o *Order) (*Order, error)
	// FindCrossingMakers returns eligible makers in price-time priority.
	FindCrossingMakers(ctx context.Context, q CrossingQuery) ([]*Order, error)
	// UpdateOrderFill sets fill position and state. ErrOrderNotOpen if the order no longer rests.
	UpdateOrderFill(ctx context.Context, u FillUpdate) error
	CreateTrade(ctx context.Context, t *Trade) (*Trade, error)
	// FindOrderByIDAndOwner returns nil, nil when no such order belongs to owner.
	FindOrderByIDAndOwner(ctx context.Context, id string, owner common.Address) (*Order, error)
	// CancelOrder moves a resting order to cancelled. ErrOrderNotOpen otherwise.
	CancelOrder(ctx context.Context, id string) error
	// AggregateBookLevels returns best-first price levels of non-expired resting orders.
	AggregateBookLevels(ctx context.Context, q BookQuery) ([]BookLevel, error)
}

// FillRecorder is implemented by stores that can commit a trade and both
// order updates in one atomic write.
type FillRecorder interface {
	RecordFill(ctx context.Context, t *Trade, maker, taker FillUpdate) error
}

// OrderReader serves lookups outside the matching path.
type OrderReader interface {
	// FindOrder returns ErrOrderNotFound when the id is unknown.
	FindOrder(ctx context.Context, id string) (*Order, error)
	// RecentTrades returns the newest trades of a market first.
	RecentTrades(ctx context.Context, marketID string, limit int) ([]*Trade, error)
}
