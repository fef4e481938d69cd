package clob

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/uhyunpark/predmatch/pkg/app/core"
	"github.com/uhyunpark/predmatch/pkg/app/core/transaction"
	"github.com/uhyunpark/predmatch/pkg/metrics"
	"github.com/uhyunpark/predmatch/pkg/util"
)

const (
	DefaultDedupSize   = 100_000
	DefaultTradesLimit = 100
	MaxTradesLimit     = 1000
)

var ErrLookupUnsupported = errors.New("order store does not support lookups")

type Options struct {
	Store  core.OrderStore
	Scheme *core.SignatureScheme
	Events core.Publisher
	// Metrics defaults to a fresh private registry.
	Metrics *metrics.Metrics
	Clock   util.Clock
	Logger  *zap.Logger

	MaxBookLevels int
	DedupSize     int
}

// App is the single entry point of the matching service. It validates
// incoming orders, drops exact resubmissions, and routes each operation to
// the engine, book view or cancel handler.
type App struct {
	store   core.OrderStore
	scheme  *core.SignatureScheme
	valid   *core.Validator
	engine  *core.Engine
	book    *core.BookView
	cancel  *core.CancelHandler
	seen    *lru.Cache[common.Hash, string]
	metrics *metrics.Metrics
	clock   util.Clock
	log     *zap.Logger
}

func NewApp(opts Options) (*App, error) {
	if opts.Store == nil {
		return nil, errors.New("clob: nil order store")
	}
	if opts.Scheme == nil {
		return nil, errors.New("clob: nil signature scheme")
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Metrics == nil {
		opts.Metrics = metrics.New()
	}
	if opts.Events == nil {
		opts.Events = core.NopPublisher{}
	}
	if opts.DedupSize <= 0 {
		opts.DedupSize = DefaultDedupSize
	}
	log := util.OrNop(opts.Logger)

	seen, err := lru.New[common.Hash, string](opts.DedupSize)
	if err != nil {
		return nil, fmt.Errorf("clob: dedup cache: %w", err)
	}

	pub := &countingPublisher{next: opts.Events, m: opts.Metrics}
	locks := core.NewMarketLocks()
	return &App{
		store:   opts.Store,
		scheme:  opts.Scheme,
		valid:   core.NewValidator(opts.Scheme, opts.Clock),
		engine:  core.NewEngine(opts.Store, locks, opts.Clock, pub, log.Named("engine")),
		book:    core.NewBookView(opts.Store, opts.Clock, opts.MaxBookLevels),
		cancel:  core.NewCancelHandler(opts.Store, locks, opts.Clock, pub, log.Named("cancel")),
		seen:    seen,
		metrics: opts.Metrics,
		clock:   opts.Clock,
		log:     log,
	}, nil
}

func (a *App) Metrics() *metrics.Metrics { return a.metrics }

// Engine exposes the matching engine, e.g. to override trade ID generation.
func (a *App) Engine() *core.Engine { return a.engine }

// SubmitSigned decodes a wire order and submits it.
func (a *App) SubmitSigned(ctx context.Context, so *transaction.SignedOrder) (*core.MatchResult, error) {
	o, err := so.ToOrder()
	if err != nil {
		a.reject(so.OrderID, err)
		return nil, err
	}
	return a.SubmitOrder(ctx, o)
}

// SubmitOrder validates o and matches it. An order whose fingerprint was
// already accepted returns ErrDuplicateOrder without reaching the store.
func (a *App) SubmitOrder(ctx context.Context, o *core.Order) (*core.MatchResult, error) {
	if err := a.valid.Validate(o); err != nil {
		a.reject(orderID(o), err)
		return nil, err
	}

	h, err := a.scheme.Hash(o)
	if err != nil {
		a.reject(o.ID, err)
		return nil, core.NewValidationError(core.ErrInvalidSignature, "hash order: %v", err)
	}
	o.Hash = h

	if prev, ok := a.seen.Get(h); ok {
		a.metrics.OrderSubmitted(metrics.ResultDuplicate)
		a.log.Info("order_duplicate", zap.String("order_id", o.ID), zap.String("first_id", prev))
		return nil, fmt.Errorf("order %s: %w of %s", o.ID, core.ErrDuplicateOrder, prev)
	}

	start := time.Now()
	res, err := a.engine.Submit(ctx, o)
	a.metrics.ObserveMatch(time.Since(start))

	if err != nil {
		var me *core.MatchingError
		if errors.As(err, &me) {
			a.countTrades(me.Trades)
		}
		if errors.Is(err, core.ErrDuplicateOrder) {
			a.metrics.OrderSubmitted(metrics.ResultDuplicate)
		} else {
			a.metrics.OrderSubmitted(metrics.ResultFailed)
		}
		a.log.Warn("order_submit_failed",
			zap.String("order_id", o.ID),
			zap.String("market_id", o.MarketID),
			zap.String("kind", core.ErrorKind(err)),
			zap.Error(err))
		return nil, err
	}

	a.seen.Add(h, o.ID)
	a.countTrades(res.Trades)
	a.metrics.OrderSubmitted(metrics.ResultAccepted)
	a.log.Debug("order_accepted",
		zap.String("order_id", o.ID),
		zap.String("market_id", o.MarketID),
		zap.Int("trades", len(res.Trades)),
		zap.Stringer("state", res.Taker.State))
	return res, nil
}

// Cancel cancels a resting order owned by owner. See core.CancelHandler.
func (a *App) Cancel(ctx context.Context, orderID string, owner common.Address) (bool, error) {
	ok, err := a.cancel.Cancel(ctx, orderID, owner)
	if err != nil {
		a.log.Warn("order_cancel_failed", zap.String("order_id", orderID), zap.Error(err))
		return false, err
	}
	a.metrics.CancelHandled(ok)
	return ok, nil
}

func (a *App) CancelRequest(ctx context.Context, req *transaction.CancelRequest) (bool, error) {
	owner, err := req.Owner()
	if err != nil {
		return false, err
	}
	return a.Cancel(ctx, req.OrderID, owner)
}

func (a *App) Book(ctx context.Context, marketID string, outcome uint8) (*core.BookSnapshot, error) {
	return a.book.Snapshot(ctx, marketID, outcome)
}

func (a *App) Order(ctx context.Context, id string) (*core.Order, error) {
	r, ok := a.store.(core.OrderReader)
	if !ok {
		return nil, ErrLookupUnsupported
	}
	return r.FindOrder(ctx, id)
}

// Trades returns the newest trades of a market first. limit is clamped to
// [1, MaxTradesLimit]; zero selects DefaultTradesLimit.
func (a *App) Trades(ctx context.Context, marketID string, limit int) ([]*core.Trade, error) {
	r, ok := a.store.(core.OrderReader)
	if !ok {
		return nil, ErrLookupUnsupported
	}
	switch {
	case limit <= 0:
		limit = DefaultTradesLimit
	case limit > MaxTradesLimit:
		limit = MaxTradesLimit
	}
	return r.RecentTrades(ctx, marketID, limit)
}

func (a *App) reject(id string, err error) {
	kind := core.ErrorKind(err)
	a.metrics.OrderRejected(kind)
	a.log.Info("order_rejected", zap.String("order_id", id), zap.String("kind", kind), zap.Error(err))
}

func (a *App) countTrades(trades []*core.Trade) {
	for _, t := range trades {
		a.metrics.TradeExecuted(t.MarketID, t.Amount)
	}
}

func orderID(o *core.Order) string {
	if o == nil {
		return ""
	}
	return o.ID
}

// countingPublisher counts events the downstream publisher refused.
type countingPublisher struct {
	next core.Publisher
	m    *metrics.Metrics
}

func (p *countingPublisher) Publish(ctx context.Context, e core.Event) error {
	err := p.next.Publish(ctx, e)
	if err != nil {
		p.m.EventPublishFailed()
	}
	return err
}
