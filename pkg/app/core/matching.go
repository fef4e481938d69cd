package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/predmatch/pkg/util"
)

// MatchResult is the outcome of one submission.
type MatchResult struct {
	Taker       *Order
	Trades      []*Trade
	FullyFilled bool
}

// Engine matches validated takers against resting makers under price-time
// priority. Execution always happens at the maker's price.
type Engine struct {
	store  OrderStore
	locks  *MarketLocks
	clock  util.Clock
	events Publisher
	log    *zap.Logger

	// NewTradeID generates trade identifiers. Replaceable in tests.
	NewTradeID func() string
}

func NewEngine(store OrderStore, locks *MarketLocks, clock util.Clock, events Publisher, log *zap.Logger) *Engine {
	if locks == nil {
		locks = NewMarketLocks()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if events == nil {
		events = NopPublisher{}
	}
	return &Engine{
		store:      store,
		locks:      locks,
		clock:      clock,
		events:     events,
		log:        util.OrNop(log),
		NewTradeID: func() string { return uuid.NewString() },
	}
}

// Submit persists taker as open and fills it against crossing makers until it
// is filled or no crossing maker remains. The whole sequence runs inside the
// book's lock, so concurrent takers never consume the same maker quantity.
//
// Errors from before the first fill are returned as they are (typically
// ErrStoreUnavailable or ErrDuplicateOrder). A failure after that returns a
// *MatchingError carrying the fills that were committed.
func (e *Engine) Submit(ctx context.Context, taker *Order) (*MatchResult, error) {
	unlock := e.locks.Lock(taker.MarketID, taker.Outcome)
	defer unlock()

	now := e.clock.Now()

	o, err := e.persistTaker(ctx, taker)
	if err != nil {
		return nil, err
	}

	q := CrossingQuery{
		MarketID: o.MarketID,
		Outcome:  o.Outcome,
		Side:     o.Side.Opposite(),
		Limit:    o.Price,
		Now:      now,
	}
	makers, err := e.store.FindCrossingMakers(ctx, q)
	if err != nil {
		e.publish(ctx, OrderStateChanged(o, now))
		return nil, fmt.Errorf("find makers for %s: %w", o.ID, err)
	}

	var trades []*Trade
	for _, maker := range makers {
		if o.Remaining.Sign() <= 0 {
			break
		}
		if maker.ID == o.ID || !q.Matches(maker) {
			continue
		}

		fill := decimal.Min(o.Remaining, maker.Remaining)
		if fill.Sign() <= 0 {
			continue
		}

		trade := &Trade{
			ID:           e.NewTradeID(),
			MarketID:     o.MarketID,
			Outcome:      o.Outcome,
			MakerOrderID: maker.ID,
			TakerOrderID: o.ID,
			Maker:        maker.Maker,
			Taker:        o.Maker,
			TakerSide:    o.Side,
			Price:        maker.Price,
			Amount:       fill,
			CreatedAt:    now,
		}
		makerUpdate := maker.afterFill(fill)
		takerUpdate := o.afterFill(fill)

		committed, err := e.recordFill(ctx, trade, makerUpdate, takerUpdate)
		if err != nil {
			if !committed && errors.Is(err, ErrOrderNotOpen) {
				// maker left the book through another writer; nothing was committed
				e.log.Warn("maker_not_open", zap.String("order_id", o.ID), zap.String("maker_order_id", maker.ID))
				continue
			}
			if committed {
				// the trade record is durable even though an order update is not
				trades = append(trades, trade)
				e.publish(ctx, TradeCreated(trade, now))
			}
			e.log.Error("matching_failed",
				zap.String("order_id", o.ID),
				zap.Int("committed_fills", len(trades)),
				zap.Error(err))
			e.publish(ctx, OrderStateChanged(o, now))
			return nil, &MatchingError{Taker: o.Clone(), Trades: trades, Cause: err}
		}

		makerUpdate.Apply(maker)
		takerUpdate.Apply(o)
		trades = append(trades, trade)

		e.publish(ctx, TradeCreated(trade, now))
		e.publish(ctx, OrderStateChanged(maker, now))
	}

	e.publish(ctx, OrderStateChanged(o, now))

	e.log.Info("order_matched",
		zap.String("order_id", o.ID),
		zap.String("market_id", o.MarketID),
		zap.Uint8("outcome", o.Outcome),
		zap.String("state", o.State.String()),
		zap.String("remaining", o.Remaining.String()),
		zap.Int("trades", len(trades)))

	return &MatchResult{Taker: o, Trades: trades, FullyFilled: o.State == StateFilled}, nil
}

// persistTaker stores the taker as a fresh open order. A resubmission of an
// identical order that is still resting resumes from its stored state, which
// makes retrying after ErrStoreUnavailable safe.
func (e *Engine) persistTaker(ctx context.Context, taker *Order) (*Order, error) {
	o := taker.Clone()
	o.Filled = decimal.Zero
	o.Remaining = o.Amount
	o.State = StateOpen
	o.CreatedAt = e.clock.Now()

	stored, err := e.store.CreateOrder(ctx, o)
	if err == nil {
		return stored, nil
	}
	if !errors.Is(err, ErrDuplicateOrder) {
		return nil, fmt.Errorf("create order %s: %w", o.ID, err)
	}

	existing, lookupErr := e.store.FindOrderByIDAndOwner(ctx, o.ID, o.Maker)
	if lookupErr != nil {
		return nil, fmt.Errorf("create order %s: %w", o.ID, lookupErr)
	}
	if existing == nil || existing.Hash != o.Hash || !existing.State.Resting() {
		return nil, fmt.Errorf("create order %s: %w", o.ID, err)
	}
	e.log.Info("order_resubmitted", zap.String("order_id", o.ID), zap.String("remaining", existing.Remaining.String()))
	return existing, nil
}

// recordFill commits one fill. committed reports whether the trade record
// was written, which for a store without FillRecorder can be true even when
// a following order update failed.
func (e *Engine) recordFill(ctx context.Context, t *Trade, maker, taker FillUpdate) (committed bool, err error) {
	if fr, ok := e.store.(FillRecorder); ok {
		if err := fr.RecordFill(ctx, t, maker, taker); err != nil {
			return false, err
		}
		return true, nil
	}

	if _, err := e.store.CreateTrade(ctx, t); err != nil {
		return false, fmt.Errorf("create trade: %w", err)
	}
	if err := e.store.UpdateOrderFill(ctx, maker); err != nil {
		e.log.Error("trade_without_maker_update", zap.String("trade_id", t.ID), zap.Error(err))
		return true, fmt.Errorf("update maker %s: %w", maker.OrderID, err)
	}
	if err := e.store.UpdateOrderFill(ctx, taker); err != nil {
		e.log.Error("trade_without_taker_update", zap.String("trade_id", t.ID), zap.Error(err))
		return true, fmt.Errorf("update taker %s: %w", taker.OrderID, err)
	}
	return true, nil
}

func (e *Engine) publish(ctx context.Context, ev Event) {
	if err := e.events.Publish(ctx, ev); err != nil {
		e.log.Warn("event_publish_failed", zap.String("kind", string(ev.Kind)), zap.Error(err))
	}
}
