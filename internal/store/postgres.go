package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
)

//go:embed schema.sql
var schemaSQL string

// PostgresStore implements Store using PostgreSQL as the source of truth.
// All monetary values are stored as NUMERIC for exact decimal precision.
//
// Inside Update, GetMarket takes a row lock (SELECT ... FOR UPDATE) so that
// writers on the same market serialise across engine instances, and GetUser
// locks the user row before its balance is changed.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgreSQL-backed store.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Migrate creates the ledger tables if they do not exist.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("migrate: %w", err)
	}
	return nil
}

func (s *PostgresStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted}, true, fn)
}

func (s *PostgresStore) View(ctx context.Context, fn func(tx Tx) error) error {
	return s.run(ctx, pgx.TxOptions{AccessMode: pgx.ReadOnly}, false, fn)
}

func (s *PostgresStore) run(ctx context.Context, opts pgx.TxOptions, writable bool, fn func(tx Tx) error) error {
	tx, err := s.pool.BeginTx(ctx, opts)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	committed := false
	defer func() {
		if !committed {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(&pgTx{tx: tx, writable: writable}); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	committed = true
	return nil
}

type pgTx struct {
	tx       pgx.Tx
	writable bool
}

func (t *pgTx) exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	if !t.writable {
		return pgconn.CommandTag{}, ErrReadOnly
	}
	tag, err := t.tx.Exec(ctx, sql, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return tag, fmt.Errorf("%s: %w", pgErr.ConstraintName, ErrConflict)
		}
	}
	return tag, err
}

// forUpdate appends a row-lock clause to point reads made inside Update.
func (t *pgTx) forUpdate(sql string) string {
	if t.writable {
		return sql + " FOR UPDATE"
	}
	return sql
}

// --- Users ---

func (t *pgTx) GetUser(ctx context.Context, id string) (*model.User, error) {
	var u model.User
	var balance string
	err := t.tx.QueryRow(ctx, t.forUpdate(
		`SELECT id, username, balance::TEXT, created_at FROM users WHERE id = $1`), id).
		Scan(&u.ID, &u.Username, &balance, &u.CreatedAt)
	if err != nil {
		return nil, notFound(err, "user %s", id)
	}
	u.Balance, err = decimal.NewFromString(balance)
	if err != nil {
		return nil, fmt.Errorf("parse balance: %w", err)
	}
	return &u, nil
}

func (t *pgTx) InsertUser(ctx context.Context, u *model.User) error {
	_, err := t.exec(ctx,
		`INSERT INTO users (id, username, balance, created_at) VALUES ($1, $2, $3::NUMERIC, $4)`,
		u.ID, u.Username, u.Balance.String(), u.CreatedAt)
	return err
}

func (t *pgTx) UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error {
	tag, err := t.exec(ctx, `UPDATE users SET balance = $2::NUMERIC WHERE id = $1`, id, balance.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	return nil
}

// --- Markets ---

const marketColumns = `id, title, description, category, resolution_source, resolution_date,
	status, yes_price::TEXT, no_price::TEXT, volume::TEXT, created_at`

func (t *pgTx) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	row := t.tx.QueryRow(ctx, t.forUpdate(`SELECT `+marketColumns+` FROM markets WHERE id = $1`), id)
	m, err := scanMarket(row)
	if err != nil {
		return nil, notFound(err, "market %s", id)
	}
	return m, nil
}

func (t *pgTx) InsertMarket(ctx context.Context, m *model.Market) error {
	_, err := t.exec(ctx,
		`INSERT INTO markets (id, title, description, category, resolution_source, resolution_date,
		                      status, yes_price, no_price, volume, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::NUMERIC, $9::NUMERIC, $10::NUMERIC, $11)`,
		m.ID, m.Title, m.Description, m.Category, m.ResolutionSource, m.ResolutionDate,
		string(m.Status), m.YesPrice.String(), m.NoPrice.String(), m.Volume.String(), m.CreatedAt,
	)
	return err
}

func (t *pgTx) UpdateMarket(ctx context.Context, m *model.Market) error {
	tag, err := t.exec(ctx,
		`UPDATE markets
		 SET status = $2, yes_price = $3::NUMERIC, no_price = $4::NUMERIC, volume = $5::NUMERIC
		 WHERE id = $1`,
		m.ID, string(m.Status), m.YesPrice.String(), m.NoPrice.String(), m.Volume.String(),
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) ListMarkets(ctx context.Context, filter MarketFilter) ([]model.Market, error) {
	order := "volume DESC, created_at DESC"
	if filter.SortBy == "created" {
		order = "created_at DESC"
	}
	limit := filter.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := t.tx.Query(ctx,
		`SELECT `+marketColumns+` FROM markets
		 WHERE ($1 = '' OR category = $1) AND ($2 = '' OR status = $2)
		 ORDER BY `+order+` LIMIT $3`,
		filter.Category, string(filter.Status), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var markets []model.Market
	for rows.Next() {
		m, err := scanMarket(rows)
		if err != nil {
			return nil, err
		}
		markets = append(markets, *m)
	}
	return markets, rows.Err()
}

// --- Orders ---

const orderColumns = `id, seq, user_id, market_id, side, type, price::TEXT,
	quantity, filled_quantity, status, created_at`

func (t *pgTx) GetOrder(ctx context.Context, id string) (*model.Order, error) {
	row := t.tx.QueryRow(ctx, t.forUpdate(`SELECT `+orderColumns+` FROM orders WHERE id = $1`), id)
	o, err := scanOrder(row)
	if err != nil {
		return nil, notFound(err, "order %s", id)
	}
	return o, nil
}

func (t *pgTx) InsertOrder(ctx context.Context, o *model.Order) error {
	if !t.writable {
		return ErrReadOnly
	}
	return t.tx.QueryRow(ctx,
		`INSERT INTO orders (id, user_id, market_id, side, type, price, quantity, filled_quantity, status, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7, $8, $9, $10)
		 RETURNING seq`,
		o.ID, o.UserID, o.MarketID, string(o.Side), string(o.Type), o.Price.String(),
		o.Quantity, o.FilledQuantity, string(o.Status), o.CreatedAt,
	).Scan(&o.Seq)
}

func (t *pgTx) UpdateOrder(ctx context.Context, o *model.Order) error {
	tag, err := t.exec(ctx,
		`UPDATE orders SET filled_quantity = $2, status = $3 WHERE id = $1`,
		o.ID, o.FilledQuantity, string(o.Status))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) RestingOrders(ctx context.Context, marketID string, side model.Side) ([]model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE market_id = $1 AND ($2 = '' OR side = $2) AND status IN ('open', 'partial')
		 ORDER BY price DESC, created_at ASC, seq ASC`,
		marketID, string(side))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

func (t *pgTx) UserOrders(ctx context.Context, userID string) ([]model.Order, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+orderColumns+` FROM orders
		 WHERE user_id = $1 AND status IN ('open', 'partial')
		 ORDER BY seq DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanOrders(rows)
}

// --- Trades ---

func (t *pgTx) InsertTrade(ctx context.Context, tr *model.Trade) error {
	_, err := t.exec(ctx,
		`INSERT INTO trades (id, market_id, taker_order_id, maker_order_id, price, quantity, created_at)
		 VALUES ($1, $2, $3, $4, $5::NUMERIC, $6, $7)`,
		tr.ID, tr.MarketID, tr.TakerOrderID, tr.MakerOrderID, tr.Price.String(), tr.Quantity, tr.CreatedAt)
	return err
}

func (t *pgTx) RecentTrades(ctx context.Context, marketID string, limit int) ([]model.Trade, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := t.tx.Query(ctx,
		`SELECT id, market_id, taker_order_id, maker_order_id, price::TEXT, quantity, created_at
		 FROM trades WHERE market_id = $1 ORDER BY created_at DESC LIMIT $2`, marketID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var trades []model.Trade
	for rows.Next() {
		var tr model.Trade
		var price string
		if err := rows.Scan(&tr.ID, &tr.MarketID, &tr.TakerOrderID, &tr.MakerOrderID,
			&price, &tr.Quantity, &tr.CreatedAt); err != nil {
			return nil, err
		}
		if tr.Price, err = decimal.NewFromString(price); err != nil {
			return nil, fmt.Errorf("parse trade price: %w", err)
		}
		trades = append(trades, tr)
	}
	return trades, rows.Err()
}

// --- Positions ---

const positionColumns = `id, user_id, market_id, side, shares, avg_price::TEXT, realized_pnl::TEXT`

func (t *pgTx) GetPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	row := t.tx.QueryRow(ctx, t.forUpdate(
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND market_id = $2 AND side = $3`),
		userID, marketID, string(side))
	p, err := scanPosition(row)
	if err != nil {
		return nil, notFound(err, "position %s/%s/%s", userID, marketID, side)
	}
	return p, nil
}

func (t *pgTx) InsertPosition(ctx context.Context, p *model.Position) error {
	_, err := t.exec(ctx,
		`INSERT INTO positions (id, user_id, market_id, side, shares, avg_price, realized_pnl)
		 VALUES ($1, $2, $3, $4, $5, $6::NUMERIC, $7::NUMERIC)`,
		p.ID, p.UserID, p.MarketID, string(p.Side), p.Shares, p.AvgPrice.String(), p.RealizedPnL.String())
	return err
}

func (t *pgTx) UpdatePosition(ctx context.Context, p *model.Position) error {
	tag, err := t.exec(ctx,
		`UPDATE positions SET shares = $2, avg_price = $3::NUMERIC, realized_pnl = $4::NUMERIC WHERE id = $1`,
		p.ID, p.Shares, p.AvgPrice.String(), p.RealizedPnL.String())
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	return nil
}

func (t *pgTx) MarketPositions(ctx context.Context, marketID string) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE market_id = $1 AND shares > 0 ORDER BY id`, marketID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

func (t *pgTx) UserPositions(ctx context.Context, userID string) ([]model.Position, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT `+positionColumns+` FROM positions WHERE user_id = $1 AND shares > 0 ORDER BY shares DESC`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return scanPositions(rows)
}

// --- Aggregates ---

func (t *pgTx) UserExposures(ctx context.Context, userID string) ([]model.Exposure, error) {
	rows, err := t.tx.Query(ctx,
		`SELECT m.id, m.category, SUM(c.amount)::TEXT
		 FROM (
		     SELECT market_id, price * (quantity - filled_quantity) AS amount
		     FROM orders WHERE user_id = $1 AND status IN ('open', 'partial')
		     UNION ALL
		     SELECT market_id, avg_price * shares AS amount
		     FROM positions WHERE user_id = $1 AND shares > 0
		 ) c
		 JOIN markets m ON m.id = c.market_id
		 WHERE m.status = 'open'
		 GROUP BY m.id, m.category`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var exposures []model.Exposure
	for rows.Next() {
		var e model.Exposure
		var amount string
		if err := rows.Scan(&e.MarketID, &e.Category, &amount); err != nil {
			return nil, err
		}
		if e.Committed, err = decimal.NewFromString(amount); err != nil {
			return nil, fmt.Errorf("parse exposure: %w", err)
		}
		exposures = append(exposures, e)
	}
	return exposures, rows.Err()
}

func (t *pgTx) Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := t.tx.Query(ctx,
		`SELECT u.id, u.username, u.balance::TEXT,
		        COALESCE(SUM(p.realized_pnl), 0)::TEXT,
		        COUNT(DISTINCT p.market_id),
		        (SELECT COUNT(DISTINCT tr.id) FROM trades tr
		         JOIN orders o ON o.id = tr.taker_order_id OR o.id = tr.maker_order_id
		         WHERE o.user_id = u.id)
		 FROM users u
		 LEFT JOIN positions p ON p.user_id = u.id AND p.shares > 0
		 GROUP BY u.id
		 ORDER BY (u.balance + COALESCE(SUM(p.realized_pnl), 0)) DESC, u.username
		 LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []LeaderboardRow
	for rows.Next() {
		var r LeaderboardRow
		var balance, pnl string
		if err := rows.Scan(&r.UserID, &r.Username, &balance, &pnl, &r.MarketsTraded, &r.TradeCount); err != nil {
			return nil, err
		}
		var n numerics
		r.Balance = n.parse("balance", balance)
		r.TotalRealizedPnL = n.parse("realized_pnl", pnl)
		if n.err != nil {
			return nil, fmt.Errorf("leaderboard row %s: %w", r.UserID, n.err)
		}
		result = append(result, r)
	}
	return result, rows.Err()
}

// --- Scan helpers ---

// numerics parses NUMERIC columns read as text and keeps the first error.
type numerics struct {
	err error
}

func (n *numerics) parse(column, s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil && n.err == nil {
		n.err = fmt.Errorf("parse %s: %w", column, err)
	}
	return v
}

func notFound(err error, format string, args ...any) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf(format+": %w", append(args, ErrNotFound)...)
	}
	return fmt.Errorf(format+": %w", append(args, err)...)
}

func scanMarket(row pgx.Row) (*model.Market, error) {
	var m model.Market
	var status, yes, no, volume string
	if err := row.Scan(&m.ID, &m.Title, &m.Description, &m.Category, &m.ResolutionSource,
		&m.ResolutionDate, &status, &yes, &no, &volume, &m.CreatedAt); err != nil {
		return nil, err
	}
	m.Status = model.MarketStatus(status)
	var n numerics
	m.YesPrice = n.parse("yes_price", yes)
	m.NoPrice = n.parse("no_price", no)
	m.Volume = n.parse("volume", volume)
	if n.err != nil {
		return nil, fmt.Errorf("market %s: %w", m.ID, n.err)
	}
	return &m, nil
}

func scanOrder(row pgx.Row) (*model.Order, error) {
	var o model.Order
	var side, typ, price, status string
	if err := row.Scan(&o.ID, &o.Seq, &o.UserID, &o.MarketID, &side, &typ, &price,
		&o.Quantity, &o.FilledQuantity, &status, &o.CreatedAt); err != nil {
		return nil, err
	}
	o.Side = model.Side(side)
	o.Type = model.OrderType(typ)
	o.Status = model.OrderStatus(status)
	var n numerics
	o.Price = n.parse("price", price)
	if n.err != nil {
		return nil, fmt.Errorf("order %s: %w", o.ID, n.err)
	}
	return &o, nil
}

func scanOrders(rows pgx.Rows) ([]model.Order, error) {
	var orders []model.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		orders = append(orders, *o)
	}
	return orders, rows.Err()
}

func scanPosition(row pgx.Row) (*model.Position, error) {
	var p model.Position
	var side, avg, pnl string
	if err := row.Scan(&p.ID, &p.UserID, &p.MarketID, &side, &p.Shares, &avg, &pnl); err != nil {
		return nil, err
	}
	p.Side = model.Side(side)
	var n numerics
	p.AvgPrice = n.parse("avg_price", avg)
	p.RealizedPnL = n.parse("realized_pnl", pnl)
	if n.err != nil {
		return nil, fmt.Errorf("position %s: %w", p.ID, n.err)
	}
	return &p, nil
}

func scanPositions(rows pgx.Rows) ([]model.Position, error) {
	var positions []model.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, err
		}
		positions = append(positions, *p)
	}
	return positions, rows.Err()
}
