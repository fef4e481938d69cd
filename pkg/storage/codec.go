package storage

import (
	"encoding/json"
	"fmt"

	"github.com/uhyunpark/predmatch/pkg/app/core"
)

func encodeOrder(o *core.Order) ([]byte, error) {
	b, err := json.Marshal(o)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal order: %w", err)
	}
	return b, nil
}

func decodeOrder(b []byte) (*core.Order, error) {
	var o core.Order
	if err := json.Unmarshal(b, &o); err != nil {
		return nil, fmt.Errorf("failed to unmarshal order: %w", err)
	}
	return &o, nil
}

func encodeTrade(t *core.Trade) ([]byte, error) {
	b, err := json.Marshal(t)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal trade: %w", err)
	}
	return b, nil
}

func decodeTrade(b []byte) (*core.Trade, error) {
	var t core.Trade
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, fmt.Errorf("failed to unmarshal trade: %w", err)
	}
	return &t, nil
}

// checkFillBase verifies o still holds the remaining amount that makes u
// the result of a fill of t.Amount. Used as an optimistic version check.
func checkFillBase(o *core.Order, t *core.Trade, u core.FillUpdate) error {
	if !o.State.Resting() {
		return fmt.Errorf("order %s is %s: %w", o.ID, o.State, core.ErrOrderNotOpen)
	}
	if !o.Remaining.Equal(u.Remaining.Add(t.Amount)) {
		return fmt.Errorf("order %s remaining %s changed under fill of %s: %w",
			o.ID, o.Remaining, t.Amount, core.ErrOrderNotOpen)
	}
	return nil
}
