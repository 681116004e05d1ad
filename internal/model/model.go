// Package model defines the core domain types shared across the prediction
// exchange. All monetary values use shopspring/decimal, never float64 for money.
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// Side is one of the two complementary outcomes of a binary market.
type Side string

const (
	SideYes Side = "yes"
	SideNo  Side = "no"
)

// Valid reports whether s is a known outcome.
func (s Side) Valid() bool {
	return s == SideYes || s == SideNo
}

// Opposite returns the complementary outcome.
func (s Side) Opposite() Side {
	if s == SideYes {
		return SideNo
	}
	return SideYes
}

// OrderType is "limit" (rests on the book) or "market" (never rests).
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

func (t OrderType) Valid() bool {
	return t == OrderTypeLimit || t == OrderTypeMarket
}

// OrderStatus is the lifecycle state of an order. Filled and cancelled are terminal.
type OrderStatus string

const (
	OrderOpen      OrderStatus = "open"
	OrderPartial   OrderStatus = "partial"
	OrderFilled    OrderStatus = "filled"
	OrderCancelled OrderStatus = "cancelled"
)

// Resting reports whether an order in this status sits on the book.
func (s OrderStatus) Resting() bool {
	return s == OrderOpen || s == OrderPartial
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled
}

// FillStatus derives the status implied by a fill count. Cancellation is never
// derived; it is only set explicitly.
func FillStatus(filled, quantity int64) OrderStatus {
	switch {
	case filled >= quantity:
		return OrderFilled
	case filled > 0:
		return OrderPartial
	default:
		return OrderOpen
	}
}

// MarketStatus is the lifecycle state of a market. Everything but open is terminal.
type MarketStatus string

const (
	MarketOpen        MarketStatus = "open"
	MarketResolvedYes MarketStatus = "resolved_yes"
	MarketResolvedNo  MarketStatus = "resolved_no"
	MarketCancelled   MarketStatus = "cancelled"
)

// ResolvedStatus maps a winning outcome to its terminal market status.
func ResolvedStatus(outcome Side) MarketStatus {
	if outcome == SideYes {
		return MarketResolvedYes
	}
	return MarketResolvedNo
}

// User is a trading account. Balance is never negative.
type User struct {
	ID        string          `json:"id" db:"id"`
	Username  string          `json:"username" db:"username"`
	Balance   decimal.Decimal `json:"balance" db:"balance"`
	CreatedAt time.Time       `json:"created_at" db:"created_at"`
}

// Market is a binary prediction market. While open, YesPrice + NoPrice == 1.
type Market struct {
	ID               string          `json:"id" db:"id"`
	Title            string          `json:"title" db:"title"`
	Description      string          `json:"description" db:"description"`
	Category         string          `json:"category" db:"category"`
	ResolutionSource string          `json:"resolution_source" db:"resolution_source"`
	ResolutionDate   string          `json:"resolution_date" db:"resolution_date"`
	Status           MarketStatus    `json:"status" db:"status"`
	YesPrice         decimal.Decimal `json:"yes_price" db:"yes_price"`
	NoPrice          decimal.Decimal `json:"no_price" db:"no_price"`
	Volume           decimal.Decimal `json:"volume" db:"volume"`
	CreatedAt        time.Time       `json:"created_at" db:"created_at"`
}

// Open reports whether the market still accepts orders.
func (m *Market) Open() bool {
	return m.Status == MarketOpen
}

// Order is standing buy interest on one outcome.
// Invariant: 0 <= FilledQuantity <= Quantity.
type Order struct {
	ID             string          `json:"id" db:"id"`
	UserID         string          `json:"user_id" db:"user_id"`
	MarketID       string          `json:"market_id" db:"market_id"`
	Side           Side            `json:"side" db:"side"`
	Type           OrderType       `json:"type" db:"type"`
	Price          decimal.Decimal `json:"price" db:"price"`
	Quantity       int64           `json:"quantity" db:"quantity"`
	FilledQuantity int64           `json:"filled_quantity" db:"filled_quantity"`
	Status         OrderStatus     `json:"status" db:"status"`
	CreatedAt      time.Time       `json:"created_at" db:"created_at"`
	Seq            int64           `json:"-" db:"seq"` // assigned by the store; FIFO tie-break
}

// Remaining is the unfilled share count.
func (o *Order) Remaining() int64 {
	return o.Quantity - o.FilledQuantity
}

// Reserved is the notional still held for the unfilled remainder.
func (o *Order) Reserved() decimal.Decimal {
	return o.Price.Mul(decimal.NewFromInt(o.Remaining()))
}

// Trade is an immutable fill between an incoming and a resting order.
// Price is always the yes-equivalent execution price.
type Trade struct {
	ID           string          `json:"id" db:"id"`
	MarketID     string          `json:"market_id" db:"market_id"`
	TakerOrderID string          `json:"taker_order_id" db:"taker_order_id"`
	MakerOrderID string          `json:"maker_order_id" db:"maker_order_id"`
	Price        decimal.Decimal `json:"price" db:"price"`
	Quantity     int64           `json:"quantity" db:"quantity"`
	CreatedAt    time.Time       `json:"created_at" db:"created_at"`
}

// Position is a user's inventory on one side of one market. At most one per
// (user, market, side). Shares are kept after settlement for reporting.
type Position struct {
	ID          string          `json:"id" db:"id"`
	UserID      string          `json:"user_id" db:"user_id"`
	MarketID    string          `json:"market_id" db:"market_id"`
	Side        Side            `json:"side" db:"side"`
	Shares      int64           `json:"shares" db:"shares"`
	AvgPrice    decimal.Decimal `json:"avg_price" db:"avg_price"`
	RealizedPnL decimal.Decimal `json:"realized_pnl" db:"realized_pnl"`
}

// CostBasis is the committed cost of the held shares.
func (p *Position) CostBasis() decimal.Decimal {
	return p.AvgPrice.Mul(decimal.NewFromInt(p.Shares))
}

// Exposure is the funds a user has committed to one market: resting order
// reservations plus position cost basis.
type Exposure struct {
	MarketID  string          `json:"market_id"`
	Category  string          `json:"category"`
	Committed decimal.Decimal `json:"committed"`
}

// OrderBook is the resting interest on both sides of a market, each sorted
// by price descending then creation order ascending.
type OrderBook struct {
	MarketID string  `json:"market_id"`
	YesBids  []Order `json:"yes_bids"`
	NoBids   []Order `json:"no_bids"`
}
