// Package store defines the ledger persistence interface for the exchange.
// Implementations include PostgreSQL (source of truth), Redis (read-through
// cache), and in-memory (for testing).
//
// Every mutation happens inside Update: either all writes made through the
// Tx are applied, or none are.
package store

import (
	"context"
	"errors"

	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
)

var (
	// ErrNotFound is returned when a keyed record does not exist.
	ErrNotFound = errors.New("store: record not found")

	// ErrReadOnly is returned when a write is attempted inside View.
	ErrReadOnly = errors.New("store: write in read-only transaction")

	// ErrConflict is returned when a unique constraint would be violated.
	ErrConflict = errors.New("store: record already exists")
)

// Store is the transactional ledger. PostgreSQL is the source of truth;
// Redis provides a read-through cache layer.
type Store interface {
	// Update runs fn in one atomic read-write transaction. A non-nil error
	// from fn rolls back every write made through tx.
	Update(ctx context.Context, fn func(tx Tx) error) error

	// View runs fn in a read-only transaction.
	View(ctx context.Context, fn func(tx Tx) error) error
}

// MarketFilter narrows ListMarkets. Empty Category matches all.
type MarketFilter struct {
	Category string
	Status   model.MarketStatus
	SortBy   string // "volume" (default) or "created"
	Limit    int
}

// LeaderboardRow is one ranked user in the leaderboard query.
type LeaderboardRow struct {
	UserID           string          `json:"id"`
	Username         string          `json:"username"`
	Balance          decimal.Decimal `json:"balance"`
	TotalRealizedPnL decimal.Decimal `json:"total_realized_pnl"`
	MarketsTraded    int             `json:"markets_traded"`
	TradeCount       int             `json:"trade_count"`
}

// Tx is the set of keyed reads and writes available inside a transaction.
type Tx interface {
	// --- Users ---

	GetUser(ctx context.Context, id string) (*model.User, error)
	InsertUser(ctx context.Context, u *model.User) error
	UpdateUserBalance(ctx context.Context, id string, balance decimal.Decimal) error

	// --- Markets ---

	// GetMarket loads a market. Inside Update the market row is locked for
	// the rest of the transaction, serialising writers on the same market.
	GetMarket(ctx context.Context, id string) (*model.Market, error)
	InsertMarket(ctx context.Context, m *model.Market) error
	// UpdateMarket persists status, prices and volume.
	UpdateMarket(ctx context.Context, m *model.Market) error
	ListMarkets(ctx context.Context, filter MarketFilter) ([]model.Market, error)

	// --- Orders ---

	GetOrder(ctx context.Context, id string) (*model.Order, error)
	// InsertOrder persists a new order and assigns o.Seq.
	InsertOrder(ctx context.Context, o *model.Order) error
	// UpdateOrder persists filled quantity and status.
	UpdateOrder(ctx context.Context, o *model.Order) error
	// RestingOrders returns open/partial orders on one side of a market in
	// price-time priority: price desc, created_at asc, seq asc.
	// An empty side returns both sides.
	RestingOrders(ctx context.Context, marketID string, side model.Side) ([]model.Order, error)
	// UserOrders returns a user's resting orders, newest first.
	UserOrders(ctx context.Context, userID string) ([]model.Order, error)

	// --- Trades (append-only) ---

	InsertTrade(ctx context.Context, t *model.Trade) error
	// RecentTrades returns the newest trades of a market, newest first.
	RecentTrades(ctx context.Context, marketID string, limit int) ([]model.Trade, error)

	// --- Positions ---

	GetPosition(ctx context.Context, userID, marketID string, side model.Side) (*model.Position, error)
	InsertPosition(ctx context.Context, p *model.Position) error
	// UpdatePosition persists shares, average price and realized P&L.
	UpdatePosition(ctx context.Context, p *model.Position) error
	// MarketPositions returns positions with shares > 0 on a market.
	MarketPositions(ctx context.Context, marketID string) ([]model.Position, error)
	// UserPositions returns positions with shares > 0 for a user.
	UserPositions(ctx context.Context, userID string) ([]model.Position, error)

	// --- Aggregates ---

	// UserExposures returns committed funds per open market for a user.
	UserExposures(ctx context.Context, userID string) ([]model.Exposure, error)
	Leaderboard(ctx context.Context, limit int) ([]LeaderboardRow, error)
}
