package core_test

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/uhyunpark/predmatch/pkg/app/core"
	"github.com/uhyunpark/predmatch/pkg/crypto"
	"github.com/uhyunpark/predmatch/pkg/storage"
	"github.com/uhyunpark/predmatch/pkg/util"
)

const market = "will-it-rain-tomorrow"

var start = time.Date(2026, 5, 4, 9, 0, 0, 0, time.UTC)

// recorder is a Publisher that keeps every event in order.
type recorder struct {
	mu     sync.Mutex
	events []core.Event
}

func (r *recorder) Publish(_ context.Context, e core.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
	return nil
}

func (r *recorder) all() []core.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]core.Event(nil), r.events...)
}

func (r *recorder) kinds() []core.EventKind {
	var out []core.EventKind
	for _, e := range r.all() {
		out = append(out, e.Kind)
	}
	return out
}

type fixture struct {
	t       *testing.T
	clock   *util.ManualClock
	store   *storage.MemoryStore
	scheme  *core.SignatureScheme
	locks   *core.MarketLocks
	events  *recorder
	signers map[string]*crypto.Signer
	nextID  int
	tradeN  int
	mu      sync.Mutex

	validator *core.Validator
	engine    *core.Engine
	book      *core.BookView
	cancel    *core.CancelHandler
}

func newFixture(t *testing.T) *fixture {
	return newFixtureWithStore(t, nil)
}

// newFixtureWithStore builds the components over wrap(memory store), or
// over the memory store itself when wrap is nil.
func newFixtureWithStore(t *testing.T, wrap func(*storage.MemoryStore) core.OrderStore) *fixture {
	f := &fixture{
		t:       t,
		clock:   util.NewManualClock(start),
		store:   storage.NewMemoryStore(),
		scheme:  core.NewSignatureScheme(crypto.DefaultDomain()),
		locks:   core.NewMarketLocks(),
		events:  &recorder{},
		signers: make(map[string]*crypto.Signer),
	}
	var gw core.OrderStore = f.store
	if wrap != nil {
		gw = wrap(f.store)
	}
	log := zaptest.NewLogger(t)
	f.validator = core.NewValidator(f.scheme, f.clock)
	f.engine = core.NewEngine(gw, f.locks, f.clock, f.events, log)
	f.engine.NewTradeID = func() string {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.tradeN++
		return fmt.Sprintf("trade-%03d", f.tradeN)
	}
	f.book = core.NewBookView(gw, f.clock, 0)
	f.cancel = core.NewCancelHandler(gw, f.locks, f.clock, f.events, log)
	return f
}

func (f *fixture) signer(name string) *crypto.Signer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.signers[name]; ok {
		return s
	}
	s, err := crypto.GenerateKey()
	require.NoError(f.t, err)
	f.signers[name] = s
	return s
}

// order builds a signed order for maker. mutate runs before signing.
func (f *fixture) order(maker string, side core.Side, price, amount string, mutate ...func(*core.Order)) *core.Order {
	s := f.signer(maker)
	f.mu.Lock()
	f.nextID++
	n := f.nextID
	f.mu.Unlock()

	salt, err := crypto.GenerateSalt()
	require.NoError(f.t, err)
	o := &core.Order{
		ID:         fmt.Sprintf("order-%03d", n),
		Maker:      s.Address(),
		MarketID:   market,
		Outcome:    0,
		Side:       side,
		Price:      decimal.RequireFromString(price),
		Amount:     decimal.RequireFromString(amount),
		Nonce:      uint64(n),
		Salt:       salt,
		Expiration: f.clock.Now().Add(time.Hour).Unix(),
	}
	for _, m := range mutate {
		m(o)
	}
	require.NoError(f.t, f.scheme.Sign(s, o))
	o.Hash, err = f.scheme.Hash(o)
	require.NoError(f.t, err)
	return o
}

// submit validates and matches o, failing the test on any error.
func (f *fixture) submit(o *core.Order) *core.MatchResult {
	f.t.Helper()
	require.NoError(f.t, f.validator.Validate(o))
	res, err := f.engine.Submit(context.Background(), o)
	require.NoError(f.t, err)
	return res
}

func (f *fixture) stored(id string) *core.Order {
	f.t.Helper()
	o, err := f.store.FindOrder(context.Background(), id)
	require.NoError(f.t, err)
	return o
}

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }
