package storage

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/btree"

	"github.com/uhyunpark/predmatch/pkg/app/core"
)

const btreeDegree = 32

type sideKey struct {
	market  string
	outcome uint8
	side    core.Side
}

// MemoryStore keeps orders and trades in process memory. Resting orders are
// indexed per book side in a B-tree ordered by price-time priority.
// Every write is applied under one lock, so RecordFill is atomic.
type MemoryStore struct {
	mu     sync.RWMutex
	seq    uint64
	orders map[string]*core.Order
	books  map[sideKey]*btree.BTreeG[*core.Order]
	trades map[string][]*core.Trade // per market, oldest first
	ids    map[string]struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		orders: make(map[string]*core.Order),
		books:  make(map[sideKey]*btree.BTreeG[*core.Order]),
		trades: make(map[string][]*core.Trade),
		ids:    make(map[string]struct{}),
	}
}

var (
	_ core.OrderStore   = (*MemoryStore)(nil)
	_ core.FillRecorder = (*MemoryStore)(nil)
	_ core.OrderReader  = (*MemoryStore)(nil)
)

func (s *MemoryStore) book(market string, outcome uint8, side core.Side) *btree.BTreeG[*core.Order] {
	k := sideKey{market, outcome, side}
	t, ok := s.books[k]
	if !ok {
		t = btree.NewG(btreeDegree, core.PriorityLess)
		s.books[k] = t
	}
	return t
}

func (s *MemoryStore) CreateOrder(_ context.Context, o *core.Order) (*core.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.orders[o.ID]; exists {
		return nil, fmt.Errorf("order %s: %w", o.ID, core.ErrDuplicateOrder)
	}
	s.seq++
	stored := o.Clone()
	stored.Seq = s.seq
	s.orders[stored.ID] = stored
	if stored.State.Resting() && stored.Remaining.Sign() > 0 {
		s.book(stored.MarketID, stored.Outcome, stored.Side).ReplaceOrInsert(stored)
	}
	return stored.Clone(), nil
}

func (s *MemoryStore) FindCrossingMakers(_ context.Context, q core.CrossingQuery) ([]*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.books[sideKey{q.MarketID, q.Outcome, q.Side}]
	if !ok {
		return nil, nil
	}
	var out []*core.Order
	t.Ascend(func(o *core.Order) bool {
		if !q.Crosses(o.Price) {
			return false
		}
		if q.Matches(o) {
			out = append(out, o.Clone())
		}
		return true
	})
	return out, nil
}

func (s *MemoryStore) UpdateOrderFill(_ context.Context, u core.FillUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[u.OrderID]
	if !ok {
		return fmt.Errorf("order %s: %w", u.OrderID, core.ErrOrderNotFound)
	}
	if !o.State.Resting() {
		return fmt.Errorf("order %s is %s: %w", o.ID, o.State, core.ErrOrderNotOpen)
	}
	s.applyLocked(o, u)
	return nil
}

func (s *MemoryStore) CreateTrade(_ context.Context, t *core.Trade) (*core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[t.ID]; exists {
		return nil, fmt.Errorf("trade %s already exists", t.ID)
	}
	stored := t.Clone()
	s.ids[stored.ID] = struct{}{}
	s.trades[stored.MarketID] = append(s.trades[stored.MarketID], stored)
	return stored.Clone(), nil
}

// RecordFill commits the trade and both fills or none of them.
func (s *MemoryStore) RecordFill(_ context.Context, t *core.Trade, maker, taker core.FillUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.ids[t.ID]; exists {
		return fmt.Errorf("trade %s already exists", t.ID)
	}
	mo, ok := s.orders[maker.OrderID]
	if !ok {
		return fmt.Errorf("maker %s: %w", maker.OrderID, core.ErrOrderNotFound)
	}
	to, ok := s.orders[taker.OrderID]
	if !ok {
		return fmt.Errorf("taker %s: %w", taker.OrderID, core.ErrOrderNotFound)
	}
	if err := checkFillBase(mo, t, maker); err != nil {
		return err
	}
	if err := checkFillBase(to, t, taker); err != nil {
		return err
	}

	stored := t.Clone()
	s.ids[stored.ID] = struct{}{}
	s.trades[stored.MarketID] = append(s.trades[stored.MarketID], stored)
	s.applyLocked(mo, maker)
	s.applyLocked(to, taker)
	return nil
}

func (s *MemoryStore) FindOrderByIDAndOwner(_ context.Context, id string, owner common.Address) (*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok || o.Maker != owner {
		return nil, nil
	}
	return o.Clone(), nil
}

func (s *MemoryStore) CancelOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, ok := s.orders[id]
	if !ok {
		return fmt.Errorf("order %s: %w", id, core.ErrOrderNotFound)
	}
	if !o.State.Resting() {
		return fmt.Errorf("order %s is %s: %w", id, o.State, core.ErrOrderNotOpen)
	}
	s.book(o.MarketID, o.Outcome, o.Side).Delete(o)
	o.State = core.StateCancelled
	return nil
}

func (s *MemoryStore) AggregateBookLevels(_ context.Context, q core.BookQuery) ([]core.BookLevel, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.books[sideKey{q.MarketID, q.Outcome, q.Side}]
	if !ok {
		return nil, nil
	}
	var levels []core.BookLevel
	t.Ascend(func(o *core.Order) bool {
		if o.Expired(q.Now) || o.Remaining.Sign() <= 0 {
			return true
		}
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Amount = levels[n-1].Amount.Add(o.Remaining)
			levels[n-1].Orders++
			return true
		}
		if q.Limit > 0 && len(levels) == q.Limit {
			return false
		}
		levels = append(levels, core.BookLevel{Price: o.Price, Amount: o.Remaining, Orders: 1})
		return true
	})
	return levels, nil
}

func (s *MemoryStore) FindOrder(_ context.Context, id string) (*core.Order, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	o, ok := s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, core.ErrOrderNotFound)
	}
	return o.Clone(), nil
}

func (s *MemoryStore) RecentTrades(_ context.Context, marketID string, limit int) ([]*core.Trade, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	all := s.trades[marketID]
	out := make([]*core.Trade, 0, min(len(all), max(limit, 0)))
	for i := len(all) - 1; i >= 0; i-- {
		if limit > 0 && len(out) == limit {
			break
		}
		out = append(out, all[i].Clone())
	}
	return out, nil
}

// RestingOrders lists the resting orders of one book side in priority order.
func (s *MemoryStore) RestingOrders(market string, outcome uint8, side core.Side) []*core.Order {
	s.mu.RLock()
	defer s.mu.RUnlock()

	t, ok := s.books[sideKey{market, outcome, side}]
	if !ok {
		return nil
	}
	out := make([]*core.Order, 0, t.Len())
	t.Ascend(func(o *core.Order) bool {
		out = append(out, o.Clone())
		return true
	})
	return out
}

// applyLocked writes u onto the stored order and keeps the book index in sync.
// The tree key (price, time, seq) is immutable, so a resting order stays in place.
func (s *MemoryStore) applyLocked(o *core.Order, u core.FillUpdate) {
	u.Apply(o)
	if !o.State.Resting() || o.Remaining.Sign() <= 0 {
		s.book(o.MarketID, o.Outcome, o.Side).Delete(o)
	}
}
