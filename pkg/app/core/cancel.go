package core

import (
	"context"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/predmatch/pkg/util"
)

// CancelHandler moves resting orders to cancelled on behalf of their maker.
// Authorization is by address match only; the order's own signature already
// proved control of that address at submission.
type CancelHandler struct {
	store  OrderStore
	locks  *MarketLocks
	clock  util.Clock
	events Publisher
	log    *zap.Logger
}

func NewCancelHandler(store OrderStore, locks *MarketLocks, clock util.Clock, events Publisher, log *zap.Logger) *CancelHandler {
	if locks == nil {
		locks = NewMarketLocks()
	}
	if clock == nil {
		clock = util.RealClock{}
	}
	if events == nil {
		events = NopPublisher{}
	}
	return &CancelHandler{store: store, locks: locks, clock: clock, events: events, log: util.OrNop(log)}
}

// Cancel returns true when the order was resting, owned by owner and is now
// cancelled. Missing, foreign, filled, expired or already cancelled orders
// return false without error, so retries are safe. Only store failures error.
//
// The state check and the write run under the book lock shared with the
// engine: a racing fill either lands first (and cancel takes what remains)
// or after (and finds the order cancelled).
func (h *CancelHandler) Cancel(ctx context.Context, orderID string, owner common.Address) (bool, error) {
	if orderID == "" || owner == (common.Address{}) {
		return false, nil
	}

	o, err := h.store.FindOrderByIDAndOwner(ctx, orderID, owner)
	if err != nil {
		return false, fmt.Errorf("find order %s: %w", orderID, err)
	}
	if o == nil {
		return false, nil
	}

	unlock := h.locks.Lock(o.MarketID, o.Outcome)
	defer unlock()

	// re-read under the lock; a fill may have landed in between
	o, err = h.store.FindOrderByIDAndOwner(ctx, orderID, owner)
	if err != nil {
		return false, fmt.Errorf("find order %s: %w", orderID, err)
	}
	now := h.clock.Now()
	if o == nil || o.Maker != owner || !o.EffectiveState(now).Resting() {
		return false, nil
	}

	if err := h.store.CancelOrder(ctx, orderID); err != nil {
		if errors.Is(err, ErrOrderNotOpen) || errors.Is(err, ErrOrderNotFound) {
			return false, nil
		}
		return false, fmt.Errorf("cancel order %s: %w", orderID, err)
	}

	o.State = StateCancelled
	if err := h.events.Publish(ctx, OrderStateChanged(o, now)); err != nil {
		h.log.Warn("event_publish_failed", zap.String("order_id", orderID), zap.Error(err))
	}
	h.log.Info("order_cancelled",
		zap.String("order_id", orderID),
		zap.String("maker", owner.Hex()),
		zap.String("remaining", o.Remaining.String()))

	return true, nil
}
