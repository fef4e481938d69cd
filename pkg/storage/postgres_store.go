package storage

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/uhyunpark/predmatch/params"
	"github.com/uhyunpark/predmatch/pkg/app/core"
)

// Schema creates the tables PostgresStore reads and writes.
const Schema = `
CREATE TABLE IF NOT EXISTS orders (
	seq         BIGSERIAL UNIQUE,
	id          TEXT PRIMARY KEY,
	maker       TEXT NOT NULL,
	market_id   TEXT NOT NULL,
	outcome     SMALLINT NOT NULL,
	side        SMALLINT NOT NULL,
	price       NUMERIC NOT NULL,
	amount      NUMERIC NOT NULL,
	filled      NUMERIC NOT NULL,
	remaining   NUMERIC NOT NULL,
	nonce       NUMERIC(20, 0) NOT NULL,
	salt        NUMERIC(78, 0) NOT NULL,
	expiration  BIGINT NOT NULL,
	signature   BYTEA NOT NULL,
	hash        BYTEA NOT NULL,
	state       TEXT NOT NULL,
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS orders_book_idx
	ON orders (market_id, outcome, side, price, created_at, seq)
	WHERE state IN ('open', 'partial');
CREATE INDEX IF NOT EXISTS orders_maker_idx ON orders (maker);

CREATE TABLE IF NOT EXISTS trades (
	seq             BIGSERIAL UNIQUE,
	id              TEXT PRIMARY KEY,
	market_id       TEXT NOT NULL,
	outcome         SMALLINT NOT NULL,
	maker_order_id  TEXT NOT NULL REFERENCES orders (id),
	taker_order_id  TEXT NOT NULL REFERENCES orders (id),
	maker           TEXT NOT NULL,
	taker           TEXT NOT NULL,
	taker_side      SMALLINT NOT NULL,
	price           NUMERIC NOT NULL,
	amount          NUMERIC NOT NULL,
	settled         BOOLEAN NOT NULL DEFAULT false,
	created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS trades_market_idx ON trades (market_id, seq DESC);
`

const orderColumns = `id, maker, market_id, outcome, side, price::text, amount::text, filled::text,
	remaining::text, nonce::text, salt::text, expiration, signature, hash, state, created_at, seq`

const restingClause = `state IN ('open', 'partial') AND remaining > 0 AND expiration >= $4`

// BuildConnString builds a PostgreSQL connection string from config.
func BuildConnString(cfg params.DBConfig) string {
	sslMode := cfg.SSLMode
	if sslMode == "" {
		sslMode = "prefer"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		url.QueryEscape(cfg.User),
		url.QueryEscape(cfg.Password),
		cfg.Host,
		cfg.Port,
		cfg.Name,
		sslMode,
	)
}

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg params.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}
	poolCfg.MinConns = int32(cfg.MinConns)
	poolCfg.MaxConns = int32(cfg.MaxConns)

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, core.Unavailable("ping database", err)
	}
	return pool, nil
}

// PostgresStore is the relational Order Store Gateway. Fill and cancel
// updates are conditional on the stored state, so concurrent writers from
// other processes cannot overwrite each other.
type PostgresStore struct {
	pool *pgxpool.Pool
	log  *zap.Logger
}

var (
	_ core.OrderStore   = (*PostgresStore)(nil)
	_ core.FillRecorder = (*PostgresStore)(nil)
	_ core.OrderReader  = (*PostgresStore)(nil)
)

func NewPostgresStore(pool *pgxpool.Pool, log *zap.Logger) *PostgresStore {
	if log == nil {
		log = zap.NewNop()
	}
	return &PostgresStore{pool: pool, log: log}
}

// CreateSchema applies Schema. Safe to run on every start.
func (s *PostgresStore) CreateSchema(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, Schema); err != nil {
		return classify("create schema", err)
	}
	return nil
}

func (s *PostgresStore) Close() { s.pool.Close() }

// classify maps driver errors onto the core taxonomy: unique violations
// become ErrDuplicateOrder, connection-level failures ErrStoreUnavailable.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch {
		case pgErr.Code == "23505":
			return fmt.Errorf("%s: %w", op, core.ErrDuplicateOrder)
		case strings.HasPrefix(pgErr.Code, "08"), // connection exception
			strings.HasPrefix(pgErr.Code, "53"), // insufficient resources
			strings.HasPrefix(pgErr.Code, "57"): // operator intervention
			return core.Unavailable(op, err)
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return core.Unavailable(op, err)
}

func (s *PostgresStore) CreateOrder(ctx context.Context, o *core.Order) (*core.Order, error) {
	stored := o.Clone()
	salt := "0"
	if o.Salt != nil {
		salt = o.Salt.String()
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO orders (id, maker, market_id, outcome, side, price, amount, filled, remaining,
			nonce, salt, expiration, signature, hash, state, created_at)
		VALUES ($1, $2, $3, $4, $5, $6::numeric, $7::numeric, $8::numeric, $9::numeric,
			$10::numeric, $11::numeric, $12, $13, $14, $15, $16)
		RETURNING seq`,
		o.ID, strings.ToLower(o.Maker.Hex()), o.MarketID, int16(o.Outcome), int16(o.Side),
		o.Price.String(), o.Amount.String(), o.Filled.String(), o.Remaining.String(),
		strconv.FormatUint(o.Nonce, 10), salt, o.Expiration, []byte(o.Signature), o.Hash.Bytes(),
		o.State.String(), o.CreatedAt,
	).Scan(&stored.Seq)
	if err != nil {
		return nil, classify("create order", err)
	}
	return stored, nil
}

func (s *PostgresStore) FindCrossingMakers(ctx context.Context, q core.CrossingQuery) ([]*core.Order, error) {
	var query string
	if q.Side == core.Sell {
		query = `SELECT ` + orderColumns + ` FROM orders
			WHERE market_id = $1 AND outcome = $2 AND side = $3 AND ` + restingClause + `
			AND price <= $5::numeric
			ORDER BY price ASC, created_at ASC, seq ASC`
	} else {
		query = `SELECT ` + orderColumns + ` FROM orders
			WHERE market_id = $1 AND outcome = $2 AND side = $3 AND ` + restingClause + `
			AND price >= $5::numeric
			ORDER BY price DESC, created_at ASC, seq ASC`
	}
	rows, err := s.pool.Query(ctx, query,
		q.MarketID, int16(q.Outcome), int16(q.Side), q.Now.Unix(), q.Limit.String())
	if err != nil {
		return nil, classify("find crossing makers", err)
	}
	defer rows.Close()

	var out []*core.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("find crossing makers", err)
	}
	return out, nil
}

func (s *PostgresStore) UpdateOrderFill(ctx context.Context, u core.FillUpdate) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET filled = $2::numeric, remaining = $3::numeric, state = $4, updated_at = now()
		WHERE id = $1 AND state IN ('open', 'partial')`,
		u.OrderID, u.Filled.String(), u.Remaining.String(), u.State.String())
	if err != nil {
		return classify("update order fill", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", u.OrderID, core.ErrOrderNotOpen)
	}
	return nil
}

const insertTrade = `
	INSERT INTO trades (id, market_id, outcome, maker_order_id, taker_order_id, maker, taker,
		taker_side, price, amount, settled, created_at)
	VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::numeric, $10::numeric, $11, $12)`

func tradeArgs(t *core.Trade) []any {
	return []any{
		t.ID, t.MarketID, int16(t.Outcome), t.MakerOrderID, t.TakerOrderID,
		strings.ToLower(t.Maker.Hex()), strings.ToLower(t.Taker.Hex()), int16(t.TakerSide),
		t.Price.String(), t.Amount.String(), t.Settled, t.CreatedAt,
	}
}

func (s *PostgresStore) CreateTrade(ctx context.Context, t *core.Trade) (*core.Trade, error) {
	if _, err := s.pool.Exec(ctx, insertTrade, tradeArgs(t)...); err != nil {
		return nil, classify("create trade", err)
	}
	return t.Clone(), nil
}

// RecordFill commits the trade and both order updates in one transaction.
// Each update only applies if the order still rests with the remaining
// amount the fill was computed from.
func (s *PostgresStore) RecordFill(ctx context.Context, t *core.Trade, maker, taker core.FillUpdate) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return classify("record fill", err)
	}
	defer tx.Rollback(ctx)

	for _, u := range []core.FillUpdate{maker, taker} {
		tag, err := tx.Exec(ctx, `
			UPDATE orders SET filled = $2::numeric, remaining = $3::numeric, state = $4, updated_at = now()
			WHERE id = $1 AND state IN ('open', 'partial') AND remaining = $5::numeric`,
			u.OrderID, u.Filled.String(), u.Remaining.String(), u.State.String(),
			u.Remaining.Add(t.Amount).String())
		if err != nil {
			return classify("record fill", err)
		}
		if tag.RowsAffected() == 0 {
			return fmt.Errorf("order %s changed under fill: %w", u.OrderID, core.ErrOrderNotOpen)
		}
	}
	if _, err := tx.Exec(ctx, insertTrade, tradeArgs(t)...); err != nil {
		return classify("record fill", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return classify("record fill", err)
	}
	return nil
}

func (s *PostgresStore) FindOrderByIDAndOwner(ctx context.Context, id string, owner common.Address) (*core.Order, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1 AND maker = $2`,
		id, strings.ToLower(owner.Hex()))
	o, err := scanOrder(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return o, err
}

func (s *PostgresStore) CancelOrder(ctx context.Context, id string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE orders SET state = 'cancelled', updated_at = now()
		WHERE id = $1 AND state IN ('open', 'partial')`, id)
	if err != nil {
		return classify("cancel order", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", id, core.ErrOrderNotOpen)
	}
	return nil
}

func (s *PostgresStore) AggregateBookLevels(ctx context.Context, q core.BookQuery) ([]core.BookLevel, error) {
	order := "ASC"
	if q.Side == core.Buy {
		order = "DESC"
	}
	limit := q.Limit
	if limit <= 0 {
		limit = core.DefaultMaxBookLevels
	}
	rows, err := s.pool.Query(ctx, `
		SELECT price::text, SUM(remaining)::text, COUNT(*)
		FROM orders
		WHERE market_id = $1 AND outcome = $2 AND side = $3 AND `+restingClause+`
		GROUP BY price
		ORDER BY price `+order+`
		LIMIT $5`,
		q.MarketID, int16(q.Outcome), int16(q.Side), q.Now.Unix(), limit)
	if err != nil {
		return nil, classify("aggregate book", err)
	}
	defer rows.Close()

	var levels []core.BookLevel
	for rows.Next() {
		var price, amount string
		var count int64
		if err := rows.Scan(&price, &amount, &count); err != nil {
			return nil, classify("aggregate book", err)
		}
		lvl := core.BookLevel{Orders: int(count)}
		if lvl.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("aggregate book: bad price %q: %w", price, err)
		}
		if lvl.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("aggregate book: bad amount %q: %w", amount, err)
		}
		levels = append(levels, lvl)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("aggregate book", err)
	}
	return levels, nil
}

func (s *PostgresStore) FindOrder(ctx context.Context, id string) (*core.Order, error) {
	o, err := scanOrder(s.pool.QueryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("order %s: %w", id, core.ErrOrderNotFound)
	}
	return o, err
}

func (s *PostgresStore) RecentTrades(ctx context.Context, marketID string, limit int) ([]*core.Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, market_id, outcome, maker_order_id, taker_order_id, maker, taker, taker_side,
			price::text, amount::text, settled, created_at
		FROM trades WHERE market_id = $1
		ORDER BY seq DESC
		LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, classify("recent trades", err)
	}
	defer rows.Close()

	var out []*core.Trade
	for rows.Next() {
		var (
			t             core.Trade
			outcome, side int16
			maker, taker  string
			price, amount string
		)
		if err := rows.Scan(&t.ID, &t.MarketID, &outcome, &t.MakerOrderID, &t.TakerOrderID,
			&maker, &taker, &side, &price, &amount, &t.Settled, &t.CreatedAt); err != nil {
			return nil, classify("recent trades", err)
		}
		t.Outcome = uint8(outcome)
		t.TakerSide = core.Side(side)
		t.Maker = common.HexToAddress(maker)
		t.Taker = common.HexToAddress(taker)
		if t.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("recent trades: bad price %q: %w", price, err)
		}
		if t.Amount, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("recent trades: bad amount %q: %w", amount, err)
		}
		out = append(out, &t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("recent trades", err)
	}
	return out, nil
}

func scanOrder(row pgx.Row) (*core.Order, error) {
	var (
		o                                core.Order
		maker, state                     string
		outcome, side                    int16
		price, amount, filled, remaining string
		nonce, salt                      string
		signature, hash                  []byte
		createdAt                        time.Time
		seq                              int64
	)
	err := row.Scan(&o.ID, &maker, &o.MarketID, &outcome, &side, &price, &amount, &filled,
		&remaining, &nonce, &salt, &o.Expiration, &signature, &hash, &state, &createdAt, &seq)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, err
		}
		return nil, classify("scan order", err)
	}

	o.Maker = common.HexToAddress(maker)
	o.Outcome = uint8(outcome)
	o.Side = core.Side(side)
	o.Signature = signature
	o.Hash = common.BytesToHash(hash)
	o.CreatedAt = createdAt
	o.Seq = uint64(seq)
	if o.State, err = core.ParseState(state); err != nil {
		return nil, err
	}
	for _, f := range []struct {
		dst *decimal.Decimal
		src string
	}{{&o.Price, price}, {&o.Amount, amount}, {&o.Filled, filled}, {&o.Remaining, remaining}} {
		if *f.dst, err = decimal.NewFromString(f.src); err != nil {
			return nil, fmt.Errorf("scan order %s: bad decimal %q: %w", o.ID, f.src, err)
		}
	}
	if o.Nonce, err = strconv.ParseUint(nonce, 10, 64); err != nil {
		return nil, fmt.Errorf("scan order %s: bad nonce %q: %w", o.ID, nonce, err)
	}
	var ok bool
	if o.Salt, ok = new(big.Int).SetString(salt, 10); !ok {
		return nil, fmt.Errorf("scan order %s: bad salt %q", o.ID, salt)
	}
	return &o, nil
}
