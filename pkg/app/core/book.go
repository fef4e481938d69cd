package core

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/uhyunpark/predmatch/pkg/util"
)

const DefaultMaxBookLevels = 50

// BookView projects the stored orders of one (market, outcome) into a
// bid/ask ladder. Nothing is cached: every call reads the store.
type BookView struct {
	store     OrderStore
	clock     util.Clock
	maxLevels int
}

func NewBookView(store OrderStore, clock util.Clock, maxLevels int) *BookView {
	if clock == nil {
		clock = util.RealClock{}
	}
	if maxLevels <= 0 {
		maxLevels = DefaultMaxBookLevels
	}
	return &BookView{store: store, clock: clock, maxLevels: maxLevels}
}

// Snapshot returns at most maxLevels levels per side, best prices kept.
func (b *BookView) Snapshot(ctx context.Context, marketID string, outcome uint8) (*BookSnapshot, error) {
	if marketID == "" {
		return nil, NewValidationError(ErrMissingField, "marketId is required")
	}
	if outcome > 1 {
		return nil, NewValidationError(ErrInvalidOutcome, "outcome %d not in {0,1}", outcome)
	}

	now := b.clock.Now()
	bids, err := b.side(ctx, marketID, outcome, Buy, now)
	if err != nil {
		return nil, err
	}
	asks, err := b.side(ctx, marketID, outcome, Sell, now)
	if err != nil {
		return nil, err
	}

	return &BookSnapshot{
		MarketID:  marketID,
		Outcome:   outcome,
		Bids:      bids,
		Asks:      asks,
		Timestamp: now,
	}, nil
}

func (b *BookView) side(ctx context.Context, marketID string, outcome uint8, side Side, now time.Time) ([]BookLevel, error) {
	levels, err := b.store.AggregateBookLevels(ctx, BookQuery{
		MarketID: marketID,
		Outcome:  outcome,
		Side:     side,
		Limit:    b.maxLevels,
		Now:      now,
	})
	if err != nil {
		return nil, fmt.Errorf("aggregate %s levels: %w", side, err)
	}

	// Bids high to low, asks low to high
	sort.SliceStable(levels, func(i, j int) bool {
		if side == Buy {
			return levels[i].Price.GreaterThan(levels[j].Price)
		}
		return levels[i].Price.LessThan(levels[j].Price)
	})
	if len(levels) > b.maxLevels {
		levels = levels[:b.maxLevels]
	}
	if levels == nil {
		levels = []BookLevel{}
	}
	return levels, nil
}
