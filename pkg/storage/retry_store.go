package storage

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"

	"github.com/uhyunpark/predmatch/params"
	"github.com/uhyunpark/predmatch/pkg/app/core"
)

// RetryStore wraps a gateway and retries calls that failed with
// ErrStoreUnavailable using exponential backoff. Every other error is
// returned on the first attempt.
//
// Only idempotent calls are retried: reads, CreateOrder (a replay surfaces
// as ErrDuplicateOrder, which the engine resumes from) and UpdateOrderFill
// (absolute values). CreateTrade, RecordFill and CancelOrder are passed
// through once, since a lost acknowledgement would make a retry fail or
// double-apply.
type RetryStore struct {
	next   core.OrderStore
	policy params.Retry
	log    *zap.Logger
}

var (
	_ core.OrderStore   = (*RetryStore)(nil)
	_ core.OrderReader  = (*RetryStore)(nil)
	_ core.FillRecorder = (*atomicRetryStore)(nil)
)

// NewRetryStore wraps next. The result implements core.FillRecorder only
// when next does, so the engine can still tell whether a fill commits
// atomically.
func NewRetryStore(next core.OrderStore, policy params.Retry, log *zap.Logger) core.OrderStore {
	if log == nil {
		log = zap.NewNop()
	}
	r := &RetryStore{next: next, policy: policy, log: log}
	if fr, ok := next.(core.FillRecorder); ok {
		return &atomicRetryStore{RetryStore: r, fr: fr}
	}
	return r
}

// Unwrap returns the wrapped gateway.
func (r *RetryStore) Unwrap() core.OrderStore { return r.next }

func (r *RetryStore) backOff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if r.policy.InitialInterval > 0 {
		b.InitialInterval = r.policy.InitialInterval
	}
	if r.policy.MaxInterval > 0 {
		b.MaxInterval = r.policy.MaxInterval
	}
	b.MaxElapsedTime = r.policy.MaxElapsed
	return backoff.WithContext(backoff.WithMaxRetries(b, r.policy.MaxRetries), ctx)
}

func retry[T any](ctx context.Context, r *RetryStore, op string, fn func() (T, error)) (T, error) {
	operation := func() (T, error) {
		v, err := fn()
		if err != nil && !errors.Is(err, core.ErrStoreUnavailable) {
			// Returning a permanent error kills the retry loop.
			return v, backoff.Permanent(err)
		}
		return v, err
	}
	notify := func(err error, wait time.Duration) {
		r.log.Warn("store_retry", zap.String("op", op), zap.Duration("wait", wait), zap.Error(err))
	}
	return backoff.RetryNotifyWithData(operation, r.backOff(ctx), notify)
}

func (r *RetryStore) CreateOrder(ctx context.Context, o *core.Order) (*core.Order, error) {
	return retry(ctx, r, "create_order", func() (*core.Order, error) {
		return r.next.CreateOrder(ctx, o)
	})
}

func (r *RetryStore) FindCrossingMakers(ctx context.Context, q core.CrossingQuery) ([]*core.Order, error) {
	return retry(ctx, r, "find_crossing_makers", func() ([]*core.Order, error) {
		return r.next.FindCrossingMakers(ctx, q)
	})
}

func (r *RetryStore) UpdateOrderFill(ctx context.Context, u core.FillUpdate) error {
	_, err := retry(ctx, r, "update_order_fill", func() (struct{}, error) {
		return struct{}{}, r.next.UpdateOrderFill(ctx, u)
	})
	return err
}

func (r *RetryStore) CreateTrade(ctx context.Context, t *core.Trade) (*core.Trade, error) {
	return r.next.CreateTrade(ctx, t)
}

// atomicRetryStore is a RetryStore over a gateway with an atomic fill path.
type atomicRetryStore struct {
	*RetryStore
	fr core.FillRecorder
}

// RecordFill is passed through once, like CreateTrade.
func (r *atomicRetryStore) RecordFill(ctx context.Context, t *core.Trade, maker, taker core.FillUpdate) error {
	return r.fr.RecordFill(ctx, t, maker, taker)
}

func (r *RetryStore) FindOrderByIDAndOwner(ctx context.Context, id string, owner common.Address) (*core.Order, error) {
	return retry(ctx, r, "find_order_by_owner", func() (*core.Order, error) {
		return r.next.FindOrderByIDAndOwner(ctx, id, owner)
	})
}

func (r *RetryStore) CancelOrder(ctx context.Context, id string) error {
	return r.next.CancelOrder(ctx, id)
}

func (r *RetryStore) AggregateBookLevels(ctx context.Context, q core.BookQuery) ([]core.BookLevel, error) {
	return retry(ctx, r, "aggregate_book_levels", func() ([]core.BookLevel, error) {
		return r.next.AggregateBookLevels(ctx, q)
	})
}

func (r *RetryStore) FindOrder(ctx context.Context, id string) (*core.Order, error) {
	reader, ok := r.next.(core.OrderReader)
	if !ok {
		return nil, errors.New("store does not support order lookup")
	}
	return retry(ctx, r, "find_order", func() (*core.Order, error) {
		return reader.FindOrder(ctx, id)
	})
}

func (r *RetryStore) RecentTrades(ctx context.Context, marketID string, limit int) ([]*core.Trade, error) {
	reader, ok := r.next.(core.OrderReader)
	if !ok {
		return nil, errors.New("store does not support trade history")
	}
	return retry(ctx, r, "recent_trades", func() ([]*core.Trade, error) {
		return reader.RecentTrades(ctx, marketID, limit)
	})
}
