package storage

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/predmatch/pkg/app/core"
)

// gateway is what every store in this package implements.
type gateway interface {
	core.OrderStore
	core.FillRecorder
	core.OrderReader
}

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	bob   = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	epoch = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
)

type orderOpt func(*core.Order)

func at(offset time.Duration) orderOpt {
	return func(o *core.Order) { o.CreatedAt = epoch.Add(offset) }
}

func outcome(n uint8) orderOpt {
	return func(o *core.Order) { o.Outcome = n }
}

func expiresAt(t time.Time) orderOpt {
	return func(o *core.Order) { o.Expiration = t.Unix() }
}

func makeOrder(id string, maker common.Address, side core.Side, price, amount string, opts ...orderOpt) *core.Order {
	o := &core.Order{
		ID:         id,
		Maker:      maker,
		MarketID:   "election-2028",
		Side:       side,
		Price:      decimal.RequireFromString(price),
		Amount:     decimal.RequireFromString(amount),
		Filled:     decimal.Zero,
		Remaining:  decimal.RequireFromString(amount),
		Nonce:      1,
		Salt:       big.NewInt(42),
		Expiration: epoch.Add(24 * time.Hour).Unix(),
		Signature:  []byte{0x01, 0x02},
		State:      core.StateOpen,
		Hash:       common.HexToHash(fmt.Sprintf("0x%x", id)),
		CreatedAt:  epoch,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func mustCreate(t *testing.T, s gateway, orders ...*core.Order) {
	t.Helper()
	for _, o := range orders {
		_, err := s.CreateOrder(context.Background(), o)
		require.NoError(t, err, "create %s", o.ID)
	}
}

func ids(orders []*core.Order) []string {
	out := make([]string, len(orders))
	for i, o := range orders {
		out[i] = o.ID
	}
	return out
}

func sellQuery(limit string) core.CrossingQuery {
	return core.CrossingQuery{
		MarketID: "election-2028",
		Side:     core.Sell,
		Limit:    decimal.RequireFromString(limit),
		Now:      epoch.Add(time.Minute),
	}
}

func tradeFor(id string, maker, taker *core.Order, amount string) *core.Trade {
	return &core.Trade{
		ID:           id,
		MarketID:     maker.MarketID,
		Outcome:      maker.Outcome,
		MakerOrderID: maker.ID,
		TakerOrderID: taker.ID,
		Maker:        maker.Maker,
		Taker:        taker.Maker,
		TakerSide:    taker.Side,
		Price:        maker.Price,
		Amount:       decimal.RequireFromString(amount),
		CreatedAt:    epoch.Add(time.Minute),
	}
}

func fill(o *core.Order, amount string) core.FillUpdate {
	a := decimal.RequireFromString(amount)
	u := core.FillUpdate{
		OrderID:   o.ID,
		Filled:    o.Filled.Add(a),
		Remaining: o.Remaining.Sub(a),
		State:     core.StatePartial,
	}
	if u.Remaining.IsZero() {
		u.State = core.StateFilled
	}
	return u
}

func runStoreSuite(t *testing.T, newStore func(t *testing.T) gateway) {
	ctx := context.Background()

	t.Run("CreateOrderAssignsSeqAndRejectsDuplicates", func(t *testing.T) {
		s := newStore(t)
		first, err := s.CreateOrder(ctx, makeOrder("o1", alice, core.Sell, "0.40", "10"))
		require.NoError(t, err)
		second, err := s.CreateOrder(ctx, makeOrder("o2", alice, core.Sell, "0.40", "10"))
		require.NoError(t, err)
		assert.Greater(t, second.Seq, first.Seq)

		_, err = s.CreateOrder(ctx, makeOrder("o1", bob, core.Buy, "0.50", "5"))
		require.ErrorIs(t, err, core.ErrDuplicateOrder)

		got, err := s.FindOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, alice, got.Maker)
	})

	t.Run("FindCrossingMakersPriceTimePriority", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s,
			makeOrder("s45", alice, core.Sell, "0.45", "10", at(0)),
			makeOrder("s40-late", alice, core.Sell, "0.40", "10", at(2*time.Second)),
			makeOrder("s40-early", bob, core.Sell, "0.40", "10", at(time.Second)),
			makeOrder("s60", bob, core.Sell, "0.60", "10", at(0)),
			makeOrder("s30-expired", bob, core.Sell, "0.30", "10", expiresAt(epoch)),
			makeOrder("s20-other-outcome", bob, core.Sell, "0.20", "10", outcome(1)),
			makeOrder("b70", bob, core.Buy, "0.70", "10"),
		)

		makers, err := s.FindCrossingMakers(ctx, sellQuery("0.50"))
		require.NoError(t, err)
		assert.Equal(t, []string{"s40-early", "s40-late", "s45"}, ids(makers))
	})

	t.Run("FindCrossingMakersBids", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s,
			makeOrder("b55", alice, core.Buy, "0.55", "10"),
			makeOrder("b60", alice, core.Buy, "0.60", "10"),
			makeOrder("b50", bob, core.Buy, "0.5", "10"),
		)

		makers, err := s.FindCrossingMakers(ctx, core.CrossingQuery{
			MarketID: "election-2028",
			Side:     core.Buy,
			Limit:    decimal.RequireFromString("0.52"),
			Now:      epoch,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"b60", "b55"}, ids(makers))
	})

	t.Run("FindCrossingMakersSamePriceTieBreaksOnSeq", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s,
			makeOrder("first", alice, core.Sell, "0.40", "1"),
			makeOrder("second", bob, core.Sell, "0.40", "1"),
			makeOrder("third", alice, core.Sell, "0.40", "1"),
		)
		makers, err := s.FindCrossingMakers(ctx, sellQuery("0.40"))
		require.NoError(t, err)
		assert.Equal(t, []string{"first", "second", "third"}, ids(makers))
	})

	t.Run("FinestPriceTickOrdersAndCrosses", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s,
			makeOrder("s-above", alice, core.Sell, "0.500000000000000001", "2", at(0)),
			makeOrder("s-half", bob, core.Sell, "0.5", "3", at(time.Second)),
			makeOrder("b-below", alice, core.Buy, "0.499999999999999999", "4", at(0)),
			makeOrder("b-half", bob, core.Buy, "0.5", "1", at(time.Second)),
		)

		makers, err := s.FindCrossingMakers(ctx, sellQuery("0.5"))
		require.NoError(t, err)
		assert.Equal(t, []string{"s-half"}, ids(makers))

		makers, err = s.FindCrossingMakers(ctx, sellQuery("0.500000000000000001"))
		require.NoError(t, err)
		assert.Equal(t, []string{"s-half", "s-above"}, ids(makers))

		makers, err = s.FindCrossingMakers(ctx, core.CrossingQuery{
			MarketID: "election-2028", Side: core.Buy, Limit: decimal.RequireFromString("0.5"), Now: epoch,
		})
		require.NoError(t, err)
		assert.Equal(t, []string{"b-half"}, ids(makers))

		asks, err := s.AggregateBookLevels(ctx, core.BookQuery{
			MarketID: "election-2028", Side: core.Sell, Limit: 10, Now: epoch,
		})
		require.NoError(t, err)
		require.Len(t, asks, 2)
		assert.Equal(t, "0.5", asks[0].Price.String())
		assert.Equal(t, "0.500000000000000001", asks[1].Price.String())
		assert.Equal(t, 1, asks[1].Orders)

		bids, err := s.AggregateBookLevels(ctx, core.BookQuery{
			MarketID: "election-2028", Side: core.Buy, Limit: 10, Now: epoch,
		})
		require.NoError(t, err)
		require.Len(t, bids, 2)
		assert.Equal(t, "0.5", bids[0].Price.String())
		assert.Equal(t, "0.499999999999999999", bids[1].Price.String())
	})

	t.Run("RecordFillAppliesAtomically", func(t *testing.T) {
		s := newStore(t)
		maker := makeOrder("maker", alice, core.Sell, "0.40", "30")
		taker := makeOrder("taker", bob, core.Buy, "0.50", "100")
		mustCreate(t, s, maker, taker)

		trade := tradeFor("t1", maker, taker, "30")
		require.NoError(t, s.RecordFill(ctx, trade, fill(maker, "30"), fill(taker, "30")))

		gotMaker, err := s.FindOrder(ctx, "maker")
		require.NoError(t, err)
		assert.Equal(t, core.StateFilled, gotMaker.State)
		assert.True(t, gotMaker.Remaining.IsZero())
		assert.Equal(t, "30", gotMaker.Filled.String())

		gotTaker, err := s.FindOrder(ctx, "taker")
		require.NoError(t, err)
		assert.Equal(t, core.StatePartial, gotTaker.State)
		assert.Equal(t, "70", gotTaker.Remaining.String())
		assert.True(t, gotTaker.Filled.Add(gotTaker.Remaining).Equal(gotTaker.Amount))

		makers, err := s.FindCrossingMakers(ctx, sellQuery("0.50"))
		require.NoError(t, err)
		assert.Empty(t, makers, "filled maker must leave the book")

		trades, err := s.RecentTrades(ctx, "election-2028", 10)
		require.NoError(t, err)
		require.Len(t, trades, 1)
		assert.Equal(t, "t1", trades[0].ID)
		assert.Equal(t, "0.4", trades[0].Price.String())
	})

	t.Run("RecordFillRejectsStaleUpdate", func(t *testing.T) {
		s := newStore(t)
		maker := makeOrder("maker", alice, core.Sell, "0.40", "30")
		taker1 := makeOrder("taker1", bob, core.Buy, "0.50", "20")
		taker2 := makeOrder("taker2", bob, core.Buy, "0.50", "20")
		mustCreate(t, s, maker, taker1, taker2)

		// Both fills are computed from the same snapshot of maker.
		require.NoError(t, s.RecordFill(ctx, tradeFor("t1", maker, taker1, "20"), fill(maker, "20"), fill(taker1, "20")))
		err := s.RecordFill(ctx, tradeFor("t2", maker, taker2, "20"), fill(maker, "20"), fill(taker2, "20"))
		require.ErrorIs(t, err, core.ErrOrderNotOpen)

		trades, err := s.RecentTrades(ctx, "election-2028", 10)
		require.NoError(t, err)
		assert.Len(t, trades, 1, "rejected fill must not leave a trade behind")

		got, err := s.FindOrder(ctx, "taker2")
		require.NoError(t, err)
		assert.Equal(t, core.StateOpen, got.State)
	})

	t.Run("UpdateOrderFillRefusesTerminalOrders", func(t *testing.T) {
		s := newStore(t)
		o := makeOrder("o1", alice, core.Sell, "0.40", "10")
		mustCreate(t, s, o)
		require.NoError(t, s.CancelOrder(ctx, "o1"))
		require.ErrorIs(t, s.UpdateOrderFill(ctx, fill(o, "5")), core.ErrOrderNotOpen)
	})

	t.Run("CancelOrder", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, makeOrder("o1", alice, core.Sell, "0.40", "10"))

		require.NoError(t, s.CancelOrder(ctx, "o1"))
		require.ErrorIs(t, s.CancelOrder(ctx, "o1"), core.ErrOrderNotOpen)
		require.ErrorIs(t, s.CancelOrder(ctx, "missing"), core.ErrOrderNotFound)

		got, err := s.FindOrder(ctx, "o1")
		require.NoError(t, err)
		assert.Equal(t, core.StateCancelled, got.State)

		makers, err := s.FindCrossingMakers(ctx, sellQuery("0.50"))
		require.NoError(t, err)
		assert.Empty(t, makers)
	})

	t.Run("FindOrderByIDAndOwner", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s, makeOrder("o1", alice, core.Sell, "0.40", "10"))

		got, err := s.FindOrderByIDAndOwner(ctx, "o1", alice)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "o1", got.ID)

		got, err = s.FindOrderByIDAndOwner(ctx, "o1", bob)
		require.NoError(t, err)
		assert.Nil(t, got)

		got, err = s.FindOrderByIDAndOwner(ctx, "missing", alice)
		require.NoError(t, err)
		assert.Nil(t, got)

		_, err = s.FindOrder(ctx, "missing")
		require.ErrorIs(t, err, core.ErrOrderNotFound)
	})

	t.Run("AggregateBookLevels", func(t *testing.T) {
		s := newStore(t)
		mustCreate(t, s,
			makeOrder("a1", alice, core.Sell, "0.45", "10"),
			makeOrder("a2", bob, core.Sell, "0.45", "5"),
			makeOrder("a3", bob, core.Sell, "0.50", "7"),
			makeOrder("a4", bob, core.Sell, "0.55", "1"),
			makeOrder("a5", bob, core.Sell, "0.41", "3", expiresAt(epoch)),
			makeOrder("b1", alice, core.Buy, "0.30", "4"),
			makeOrder("b2", alice, core.Buy, "0.35", "6"),
		)

		asks, err := s.AggregateBookLevels(ctx, core.BookQuery{
			MarketID: "election-2028", Side: core.Sell, Limit: 2, Now: epoch.Add(time.Minute),
		})
		require.NoError(t, err)
		require.Len(t, asks, 2)
		assert.Equal(t, "0.45", asks[0].Price.StringFixed(2))
		assert.Equal(t, "15", asks[0].Amount.String())
		assert.Equal(t, 2, asks[0].Orders)
		assert.Equal(t, "0.50", asks[1].Price.StringFixed(2))

		bids, err := s.AggregateBookLevels(ctx, core.BookQuery{
			MarketID: "election-2028", Side: core.Buy, Limit: 10, Now: epoch,
		})
		require.NoError(t, err)
		require.Len(t, bids, 2)
		assert.Equal(t, "0.35", bids[0].Price.StringFixed(2))
		assert.Equal(t, "0.30", bids[1].Price.StringFixed(2))
	})

	t.Run("RecentTradesNewestFirst", func(t *testing.T) {
		s := newStore(t)
		maker := makeOrder("maker", alice, core.Sell, "0.40", "30")
		taker := makeOrder("taker", bob, core.Buy, "0.50", "30")
		mustCreate(t, s, maker, taker)

		for i := 1; i <= 3; i++ {
			_, err := s.CreateTrade(ctx, tradeFor(fmt.Sprintf("t%d", i), maker, taker, "1"))
			require.NoError(t, err)
		}
		trades, err := s.RecentTrades(ctx, "election-2028", 2)
		require.NoError(t, err)
		require.Len(t, trades, 2)
		assert.Equal(t, "t3", trades[0].ID)
		assert.Equal(t, "t2", trades[1].ID)

		other, err := s.RecentTrades(ctx, "other-market", 10)
		require.NoError(t, err)
		assert.Empty(t, other)
	})
}
