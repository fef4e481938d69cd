package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/predmatch/pkg/app/core"
)

// PebbleStore persists orders, trades and the resting-order index in an
// embedded Pebble database. Writers are serialized by mu; each write is a
// single batch committed with pebble.Sync.
type PebbleStore struct {
	db  *pebble.DB
	log *zap.Logger

	mu  sync.Mutex
	seq uint64
}

var (
	_ core.OrderStore   = (*PebbleStore)(nil)
	_ core.FillRecorder = (*PebbleStore)(nil)
	_ core.OrderReader  = (*PebbleStore)(nil)
)

func NewPebbleStore(path string, log *zap.Logger) (*PebbleStore, error) {
	db, err := pebble.Open(path, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("open pebble at %s: %w", path, err)
	}
	s := &PebbleStore{db: db, log: log}
	if s.log == nil {
		s.log = zap.NewNop()
	}

	val, closer, err := db.Get([]byte(keySeq))
	switch {
	case err == nil:
		s.seq = decodeSeq(val)
		closer.Close()
	case errors.Is(err, pebble.ErrNotFound):
	default:
		db.Close()
		return nil, fmt.Errorf("load sequence: %w", err)
	}
	s.log.Info("pebble_store_opened", zap.String("path", path), zap.Uint64("seq", s.seq))
	return s, nil
}

func (s *PebbleStore) Close() error { return s.db.Close() }

func (s *PebbleStore) getOrder(id string) (*core.Order, error) {
	val, closer, err := s.db.Get(orderKey(id))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, fmt.Errorf("order %s: %w", id, core.ErrOrderNotFound)
		}
		return nil, core.Unavailable("get order", err)
	}
	defer closer.Close()
	return decodeOrder(val)
}

func (s *PebbleStore) has(key []byte) (bool, error) {
	_, closer, err := s.db.Get(key)
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return false, nil
		}
		return false, err
	}
	closer.Close()
	return true, nil
}

func (s *PebbleStore) commit(op string, b *pebble.Batch) error {
	if err := b.Commit(pebble.Sync); err != nil {
		return core.Unavailable(op, err)
	}
	return nil
}

func (s *PebbleStore) CreateOrder(_ context.Context, o *core.Order) (*core.Order, error) {
	if !o.Price.Equal(o.Price.Truncate(priceScale)) {
		return nil, core.NewValidationError(core.ErrInvalidPrice, "price %s has more than %d decimal places", o.Price, priceScale)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	exists, err := s.has(orderKey(o.ID))
	if err != nil {
		return nil, core.Unavailable("create order", err)
	}
	if exists {
		return nil, fmt.Errorf("order %s: %w", o.ID, core.ErrDuplicateOrder)
	}

	stored := o.Clone()
	stored.Seq = s.seq + 1
	val, err := encodeOrder(stored)
	if err != nil {
		return nil, err
	}

	b := s.db.NewBatch()
	defer b.Close()
	b.Set(orderKey(stored.ID), val, nil)
	if stored.State.Resting() && stored.Remaining.Sign() > 0 {
		b.Set(bookKey(stored), []byte(stored.ID), nil)
	}
	b.Set([]byte(keySeq), encodeSeq(stored.Seq), nil)
	if err := s.commit("create order", b); err != nil {
		return nil, err
	}
	s.seq = stored.Seq
	return stored, nil
}

func (s *PebbleStore) FindCrossingMakers(_ context.Context, q core.CrossingQuery) ([]*core.Order, error) {
	prefix := bookPrefix(q.MarketID, q.Outcome, q.Side)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, core.Unavailable("find crossing makers", err)
	}
	defer iter.Close()

	var out []*core.Order
	for iter.First(); iter.Valid(); iter.Next() {
		o, err := s.getOrder(string(iter.Value()))
		if err != nil {
			if errors.Is(err, core.ErrOrderNotFound) {
				continue
			}
			return nil, err
		}
		if !q.Crosses(o.Price) {
			break
		}
		if q.Matches(o) {
			out = append(out, o)
		}
	}
	if err := iter.Error(); err != nil {
		return nil, core.Unavailable("find crossing makers", err)
	}
	return out, nil
}

// putFill stages u for o in b, dropping the book entry once o stops resting.
func putFill(b *pebble.Batch, o *core.Order, u core.FillUpdate) error {
	u.Apply(o)
	val, err := encodeOrder(o)
	if err != nil {
		return err
	}
	b.Set(orderKey(o.ID), val, nil)
	if !o.State.Resting() || o.Remaining.Sign() <= 0 {
		b.Delete(bookKey(o), nil)
	}
	return nil
}

func (s *PebbleStore) UpdateOrderFill(_ context.Context, u core.FillUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.getOrder(u.OrderID)
	if err != nil {
		return err
	}
	if !o.State.Resting() {
		return fmt.Errorf("order %s is %s: %w", o.ID, o.State, core.ErrOrderNotOpen)
	}
	b := s.db.NewBatch()
	defer b.Close()
	if err := putFill(b, o, u); err != nil {
		return err
	}
	return s.commit("update order fill", b)
}

// putTrade stages t in b under the next sequence number.
func (s *PebbleStore) putTrade(b *pebble.Batch, t *core.Trade) (uint64, error) {
	exists, err := s.has(tradeIDKey(t.ID))
	if err != nil {
		return 0, core.Unavailable("create trade", err)
	}
	if exists {
		return 0, fmt.Errorf("trade %s already exists", t.ID)
	}
	val, err := encodeTrade(t)
	if err != nil {
		return 0, err
	}
	seq := s.seq + 1
	key := tradeKey(t.MarketID, seq)
	b.Set(key, val, nil)
	b.Set(tradeIDKey(t.ID), key, nil)
	b.Set([]byte(keySeq), encodeSeq(seq), nil)
	return seq, nil
}

func (s *PebbleStore) CreateTrade(_ context.Context, t *core.Trade) (*core.Trade, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b := s.db.NewBatch()
	defer b.Close()
	seq, err := s.putTrade(b, t)
	if err != nil {
		return nil, err
	}
	if err := s.commit("create trade", b); err != nil {
		return nil, err
	}
	s.seq = seq
	return t.Clone(), nil
}

// RecordFill writes the trade and both order updates in one batch.
func (s *PebbleStore) RecordFill(_ context.Context, t *core.Trade, maker, taker core.FillUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	mo, err := s.getOrder(maker.OrderID)
	if err != nil {
		return err
	}
	to, err := s.getOrder(taker.OrderID)
	if err != nil {
		return err
	}
	if err := checkFillBase(mo, t, maker); err != nil {
		return err
	}
	if err := checkFillBase(to, t, taker); err != nil {
		return err
	}

	b := s.db.NewBatch()
	defer b.Close()
	seq, err := s.putTrade(b, t)
	if err != nil {
		return err
	}
	if err := putFill(b, mo, maker); err != nil {
		return err
	}
	if err := putFill(b, to, taker); err != nil {
		return err
	}
	if err := s.commit("record fill", b); err != nil {
		return err
	}
	s.seq = seq
	return nil
}

func (s *PebbleStore) FindOrderByIDAndOwner(_ context.Context, id string, owner common.Address) (*core.Order, error) {
	o, err := s.getOrder(id)
	if err != nil {
		if errors.Is(err, core.ErrOrderNotFound) {
			return nil, nil
		}
		return nil, err
	}
	if o.Maker != owner {
		return nil, nil
	}
	return o, nil
}

func (s *PebbleStore) CancelOrder(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	o, err := s.getOrder(id)
	if err != nil {
		return err
	}
	if !o.State.Resting() {
		return fmt.Errorf("order %s is %s: %w", id, o.State, core.ErrOrderNotOpen)
	}
	o.State = core.StateCancelled
	val, err := encodeOrder(o)
	if err != nil {
		return err
	}
	b := s.db.NewBatch()
	defer b.Close()
	b.Set(orderKey(id), val, nil)
	b.Delete(bookKey(o), nil)
	return s.commit("cancel order", b)
}

func (s *PebbleStore) AggregateBookLevels(_ context.Context, q core.BookQuery) ([]core.BookLevel, error) {
	prefix := bookPrefix(q.MarketID, q.Outcome, q.Side)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, core.Unavailable("aggregate book", err)
	}
	defer iter.Close()

	var levels []core.BookLevel
	for iter.First(); iter.Valid(); iter.Next() {
		o, err := s.getOrder(string(iter.Value()))
		if err != nil {
			if errors.Is(err, core.ErrOrderNotFound) {
				continue
			}
			return nil, err
		}
		if !o.State.Resting() || o.Expired(q.Now) || o.Remaining.Sign() <= 0 {
			continue
		}
		if n := len(levels); n > 0 && levels[n-1].Price.Equal(o.Price) {
			levels[n-1].Amount = levels[n-1].Amount.Add(o.Remaining)
			levels[n-1].Orders++
			continue
		}
		if q.Limit > 0 && len(levels) == q.Limit {
			break
		}
		levels = append(levels, core.BookLevel{Price: o.Price, Amount: o.Remaining, Orders: 1})
	}
	if err := iter.Error(); err != nil {
		return nil, core.Unavailable("aggregate book", err)
	}
	return levels, nil
}

func (s *PebbleStore) FindOrder(_ context.Context, id string) (*core.Order, error) {
	return s.getOrder(id)
}

func (s *PebbleStore) RecentTrades(_ context.Context, marketID string, limit int) ([]*core.Trade, error) {
	prefix := tradePrefix(marketID)
	iter, err := s.db.NewIter(&pebble.IterOptions{
		LowerBound: prefix,
		UpperBound: keyUpperBound(prefix),
	})
	if err != nil {
		return nil, core.Unavailable("recent trades", err)
	}
	defer iter.Close()

	var out []*core.Trade
	for iter.Last(); iter.Valid(); iter.Prev() {
		if limit > 0 && len(out) == limit {
			break
		}
		if !bytes.HasPrefix(iter.Key(), prefix) {
			break
		}
		t, err := decodeTrade(iter.Value())
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	if err := iter.Error(); err != nil {
		return nil, core.Unavailable("recent trades", err)
	}
	return out, nil
}
