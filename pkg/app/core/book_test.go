package core_test

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/uhyunpark/predmatch/pkg/app/core"
)

func levelPrices(levels []core.BookLevel) []string {
	out := make([]string, len(levels))
	for i, l := range levels {
		out[i] = l.Price.String()
	}
	return out
}

func TestBookView_Ordering(t *testing.T) {
	f := newFixture(t)
	f.submit(f.order("alice", core.Buy, "0.30", "5"))
	f.submit(f.order("alice", core.Buy, "0.35", "5"))
	f.submit(f.order("bob", core.Buy, "0.35", "7"))
	f.submit(f.order("bob", core.Sell, "0.60", "4"))
	f.submit(f.order("carol", core.Sell, "0.50", "2"))

	snap, err := f.book.Snapshot(context.Background(), market, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.35", "0.3"}, levelPrices(snap.Bids))
	assert.Equal(t, []string{"0.5", "0.6"}, levelPrices(snap.Asks))
	assert.Equal(t, "12", snap.Bids[0].Amount.String())
	assert.Equal(t, 2, snap.Bids[0].Orders)
	assert.Equal(t, market, snap.MarketID)
	assert.True(t, snap.Timestamp.Equal(start))
}

func TestBookView_EmptyBook(t *testing.T) {
	f := newFixture(t)
	snap, err := f.book.Snapshot(context.Background(), market, 1)
	require.NoError(t, err)
	assert.NotNil(t, snap.Bids)
	assert.NotNil(t, snap.Asks)
	assert.Empty(t, snap.Bids)
	assert.Empty(t, snap.Asks)
}

func TestBookView_BoundedLevelsKeepBestPrices(t *testing.T) {
	f := newFixture(t)
	book := core.NewBookView(f.store, f.clock, 3)
	for i := 1; i <= 6; i++ {
		f.submit(f.order("alice", core.Sell, fmt.Sprintf("0.%d", 50+i), "1"))
		f.submit(f.order("bob", core.Buy, fmt.Sprintf("0.%d", 10+i), "1"))
	}

	snap, err := book.Snapshot(context.Background(), market, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.51", "0.52", "0.53"}, levelPrices(snap.Asks))
	assert.Equal(t, []string{"0.16", "0.15", "0.14"}, levelPrices(snap.Bids))
}

func TestBookView_ExcludesExpiredAndInactive(t *testing.T) {
	f := newFixture(t)
	f.submit(f.order("alice", core.Sell, "0.50", "3", func(o *core.Order) {
		o.Expiration = start.Add(time.Minute).Unix()
	}))
	cancelled := f.order("alice", core.Sell, "0.55", "3")
	f.submit(cancelled)
	f.submit(f.order("alice", core.Sell, "0.60", "3"))

	ok, err := f.cancel.Cancel(context.Background(), cancelled.ID, cancelled.Maker)
	require.NoError(t, err)
	require.True(t, ok)

	snap, err := f.book.Snapshot(context.Background(), market, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.5", "0.6"}, levelPrices(snap.Asks))

	f.clock.Advance(2 * time.Minute)
	snap, err = f.book.Snapshot(context.Background(), market, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"0.6"}, levelPrices(snap.Asks))
}

func TestBookView_RejectsBadInput(t *testing.T) {
	f := newFixture(t)
	_, err := f.book.Snapshot(context.Background(), "", 0)
	assert.ErrorIs(t, err, core.ErrMissingField)
	_, err = f.book.Snapshot(context.Background(), market, 2)
	assert.ErrorIs(t, err, core.ErrInvalidOutcome)
}
