// Package events fans out committed exchange activity to subscribers:
// WebSocket clients and a Kafka topic. Events are published only after the
// ledger transaction that produced them has committed.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/pricing"
)

// Event types.
const (
	TypeOrderPlaced     = "order_placed"
	TypeOrderCancelled  = "order_cancelled"
	TypeTradeExecuted   = "trade_executed"
	TypeMarketCreated   = "market_created"
	TypeMarketResolved  = "market_resolved"
	TypeMarketCancelled = "market_cancelled"
)

// Event is a JSON message describing one committed change. Decimal values
// are carried as strings.
type Event struct {
	Type      string    `json:"type"`
	MarketID  string    `json:"market_id"`
	OrderID   string    `json:"order_id,omitempty"`
	TradeID   string    `json:"trade_id,omitempty"`
	UserID    string    `json:"user_id,omitempty"`
	Side      string    `json:"side,omitempty"`
	Price     string    `json:"price,omitempty"`
	Quantity  int64     `json:"quantity,omitempty"`
	YesPrice  string    `json:"yes_price,omitempty"`
	NoPrice   string    `json:"no_price,omitempty"`
	Status    string    `json:"status,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Publisher delivers events. Implementations must not block trade execution
// for long; a failed publish never undoes the committed change.
type Publisher interface {
	Publish(ctx context.Context, evts ...Event) error
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, ...Event) error { return nil }

// Multi publishes to every publisher and joins their errors.
type Multi []Publisher

func (m Multi) Publish(ctx context.Context, evts ...Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, evts...); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// OrderEvent describes an order's state after a committed change.
func OrderEvent(typ string, o *model.Order) Event {
	return Event{
		Type:      typ,
		MarketID:  o.MarketID,
		OrderID:   o.ID,
		UserID:    o.UserID,
		Side:      string(o.Side),
		Price:     o.Price.String(),
		Quantity:  o.Quantity,
		Status:    string(o.Status),
		Timestamp: time.Now().UTC(),
	}
}

// TradeEvent describes a fill. Side is the aggressor's side; the market
// prices are those printed by the fill.
func TradeEvent(t *model.Trade, aggressor model.Side) Event {
	return Event{
		Type:      TypeTradeExecuted,
		MarketID:  t.MarketID,
		OrderID:   t.TakerOrderID,
		TradeID:   t.ID,
		Side:      string(aggressor),
		Price:     t.Price.String(),
		Quantity:  t.Quantity,
		YesPrice:  t.Price.String(),
		NoPrice:   pricing.Complement(t.Price).String(),
		Timestamp: t.CreatedAt,
	}
}

// MarketEvent describes a market's state after a lifecycle change.
func MarketEvent(typ string, m *model.Market) Event {
	return Event{
		Type:      typ,
		MarketID:  m.ID,
		YesPrice:  m.YesPrice.String(),
		NoPrice:   m.NoPrice.String(),
		Status:    string(m.Status),
		Timestamp: time.Now().UTC(),
	}
}
