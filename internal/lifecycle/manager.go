// Package lifecycle creates markets and drives them to a terminal state:
// resolution pays winning shares one unit each, cancellation unwinds every
// position at cost. Either way all resting orders are released first.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/catalog"
	"github.com/atmx/predict-engine/internal/events"
	"github.com/atmx/predict-engine/internal/ledger"
	"github.com/atmx/predict-engine/internal/metrics"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/pricing"
	"github.com/atmx/predict-engine/internal/store"
)

var (
	ErrMarketNotFound      = errors.New("lifecycle: market not found")
	ErrMarketNotOpen       = errors.New("lifecycle: market is not open")
	ErrInvalidOutcome      = errors.New("lifecycle: outcome must be yes or no")
	ErrInvalidInitialPrice = errors.New("lifecycle: initial yes price must be between 0.01 and 0.99")
)

// RecentTradeLimit is the number of trades included in a market detail view.
const RecentTradeLimit = 20

// Locker grants exclusive access to one market. The matching engine
// satisfies it, so lifecycle transitions never interleave with placements.
type Locker interface {
	Lock(marketID string) (unlock func())
}

// Manager owns market creation and terminal transitions.
type Manager struct {
	store store.Store
	locks Locker
	pub   events.Publisher
}

// NewManager creates a lifecycle manager. A nil publisher discards events.
func NewManager(st store.Store, locks Locker, pub events.Publisher) *Manager {
	if pub == nil {
		pub = events.Nop{}
	}
	return &Manager{store: st, locks: locks, pub: pub}
}

// CreateRequest describes a new market. InitialYesPrice defaults to 0.50.
type CreateRequest struct {
	catalog.Descriptor
	InitialYesPrice *decimal.Decimal `json:"initial_yes_price,omitempty"`
}

// MarketDetail is a market with its book and latest trades.
type MarketDetail struct {
	Market       *model.Market    `json:"market"`
	OrderBook    *model.OrderBook `json:"order_book"`
	RecentTrades []model.Trade    `json:"recent_trades"`
}

// Closure summarises a terminal transition.
type Closure struct {
	Market          *model.Market   `json:"market"`
	OrdersCancelled int             `json:"orders_cancelled"`
	Refunded        decimal.Decimal `json:"refunded"`
	Positions       int             `json:"positions"`
	Settled         decimal.Decimal `json:"settled"`

	released []model.Order
}

// CreateMarket validates the descriptor and opens a market at the initial
// price pair.
func (m *Manager) CreateMarket(ctx context.Context, req CreateRequest) (*model.Market, error) {
	desc, err := catalog.Validate(req.Descriptor)
	if err != nil {
		return nil, err
	}

	yes := pricing.DefaultYesPrice
	if req.InitialYesPrice != nil {
		yes, err = pricing.Normalize(*req.InitialYesPrice)
		if err != nil {
			return nil, ErrInvalidInitialPrice
		}
	}

	market := &model.Market{
		ID:               uuid.New().String(),
		Title:            desc.Title,
		Description:      desc.Description,
		Category:         desc.Category,
		ResolutionSource: desc.ResolutionSource,
		ResolutionDate:   desc.ResolutionDate,
		Status:           model.MarketOpen,
		YesPrice:         yes,
		NoPrice:          pricing.Complement(yes),
		Volume:           decimal.Zero,
		CreatedAt:        time.Now().UTC(),
	}

	if err := m.store.Update(ctx, func(tx store.Tx) error {
		return tx.InsertMarket(ctx, market)
	}); err != nil {
		return nil, fmt.Errorf("create market: %w", err)
	}

	metrics.ActiveMarkets.Inc()
	slog.Info("market created",
		"market", market.ID,
		"category", market.Category,
		"yes_price", market.YesPrice.String(),
	)
	m.publish(ctx, events.MarketEvent(events.TypeMarketCreated, market))
	return market, nil
}

// GetMarket returns a market by ID.
func (m *Manager) GetMarket(ctx context.Context, id string) (*model.Market, error) {
	var market *model.Market
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		market, err = tx.GetMarket(ctx, id)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMarketNotFound
	}
	return market, err
}

// GetMarketDetail returns a market, its order book and its most recent
// trades from one consistent snapshot.
func (m *Manager) GetMarketDetail(ctx context.Context, id string) (*MarketDetail, error) {
	detail := &MarketDetail{
		OrderBook: &model.OrderBook{MarketID: id, YesBids: []model.Order{}, NoBids: []model.Order{}},
	}
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		if detail.Market, err = tx.GetMarket(ctx, id); err != nil {
			return err
		}
		resting, err := tx.RestingOrders(ctx, id, "")
		if err != nil {
			return err
		}
		for _, o := range resting {
			if o.Side == model.SideYes {
				detail.OrderBook.YesBids = append(detail.OrderBook.YesBids, o)
			} else {
				detail.OrderBook.NoBids = append(detail.OrderBook.NoBids, o)
			}
		}
		detail.RecentTrades, err = tx.RecentTrades(ctx, id, RecentTradeLimit)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMarketNotFound
	}
	if err != nil {
		return nil, err
	}
	if detail.RecentTrades == nil {
		detail.RecentTrades = []model.Trade{}
	}
	return detail, nil
}

// ListMarkets returns markets in a category ("" or "all" for every
// category), ordered by volume descending unless sortBy is "created".
func (m *Manager) ListMarkets(ctx context.Context, category, sortBy string) ([]model.Market, error) {
	cat, err := catalog.CategoryFilter(category)
	if err != nil {
		return nil, err
	}
	var markets []model.Market
	err = m.store.View(ctx, func(tx store.Tx) error {
		var err error
		markets, err = tx.ListMarkets(ctx, store.MarketFilter{Category: cat, SortBy: sortBy})
		return err
	})
	if err != nil {
		return nil, err
	}
	if markets == nil {
		markets = []model.Market{}
	}
	return markets, nil
}

// ResolveMarket settles an open market on outcome. Resting orders are
// refunded, winning shares pay one unit each, and every position books its
// realized P&L. Share counts are kept.
func (m *Manager) ResolveMarket(ctx context.Context, id string, outcome model.Side) (*Closure, error) {
	if !outcome.Valid() {
		return nil, ErrInvalidOutcome
	}

	res, err := m.terminate(ctx, id, func(ctx context.Context, tx store.Tx, market *model.Market, c *Closure) error {
		market.Status = model.ResolvedStatus(outcome)
		if outcome == model.SideYes {
			market.YesPrice, market.NoPrice = pricing.One, decimal.Zero
		} else {
			market.YesPrice, market.NoPrice = decimal.Zero, pricing.One
		}
		if err := tx.UpdateMarket(ctx, market); err != nil {
			return err
		}
		if err := m.releaseResting(ctx, tx, market.ID, c); err != nil {
			return err
		}

		positions, err := tx.MarketPositions(ctx, market.ID)
		if err != nil {
			return err
		}
		for i := range positions {
			payout, err := ledger.Settle(ctx, tx, &positions[i], outcome)
			if err != nil {
				return err
			}
			c.Settled = c.Settled.Add(payout)
		}
		c.Positions = len(positions)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SettlementPayouts.WithLabelValues("payout").Add(res.Settled.InexactFloat64())
	m.finish(ctx, res, events.TypeMarketResolved)
	return res, nil
}

// CancelMarket voids an open market. Resting orders are refunded and every
// position is refunded its cost basis; realized P&L and shares are kept.
func (m *Manager) CancelMarket(ctx context.Context, id string) (*Closure, error) {
	res, err := m.terminate(ctx, id, func(ctx context.Context, tx store.Tx, market *model.Market, c *Closure) error {
		market.Status = model.MarketCancelled
		if err := tx.UpdateMarket(ctx, market); err != nil {
			return err
		}
		if err := m.releaseResting(ctx, tx, market.ID, c); err != nil {
			return err
		}

		positions, err := tx.MarketPositions(ctx, market.ID)
		if err != nil {
			return err
		}
		for i := range positions {
			refund, err := ledger.Unwind(ctx, tx, &positions[i])
			if err != nil {
				return err
			}
			c.Settled = c.Settled.Add(refund)
		}
		c.Positions = len(positions)
		return nil
	})
	if err != nil {
		return nil, err
	}

	metrics.SettlementPayouts.WithLabelValues("unwind").Add(res.Settled.InexactFloat64())
	m.finish(ctx, res, events.TypeMarketCancelled)
	return res, nil
}

type closeFunc func(ctx context.Context, tx store.Tx, market *model.Market, c *Closure) error

// terminate runs a terminal transition under the market lock in one
// transaction.
func (m *Manager) terminate(ctx context.Context, id string, fn closeFunc) (*Closure, error) {
	unlock := m.locks.Lock(id)
	defer unlock()

	var c *Closure
	err := m.store.Update(ctx, func(tx store.Tx) error {
		market, err := tx.GetMarket(ctx, id)
		if errors.Is(err, store.ErrNotFound) {
			return ErrMarketNotFound
		}
		if err != nil {
			return err
		}
		if !market.Open() {
			return ErrMarketNotOpen
		}
		c = &Closure{Market: market, Refunded: decimal.Zero, Settled: decimal.Zero}
		return fn(ctx, tx, market, c)
	})
	if err != nil {
		return nil, err
	}
	return c, nil
}

func (m *Manager) releaseResting(ctx context.Context, tx store.Tx, marketID string, c *Closure) error {
	resting, err := tx.RestingOrders(ctx, marketID, "")
	if err != nil {
		return err
	}
	for i := range resting {
		refund, err := ledger.ReleaseOrder(ctx, tx, &resting[i])
		if err != nil {
			return err
		}
		c.Refunded = c.Refunded.Add(refund)
	}
	c.OrdersCancelled = len(resting)
	c.released = resting
	return nil
}

func (m *Manager) finish(ctx context.Context, c *Closure, typ string) {
	metrics.ActiveMarkets.Dec()
	metrics.MarketsClosed.WithLabelValues(string(c.Market.Status)).Inc()
	metrics.OrdersCancelled.WithLabelValues("market_closed").Add(float64(c.OrdersCancelled))

	slog.Info("market closed",
		"market", c.Market.ID,
		"status", c.Market.Status,
		"orders_cancelled", c.OrdersCancelled,
		"refunded", c.Refunded.String(),
		"positions", c.Positions,
		"settled", c.Settled.String(),
	)

	evts := make([]events.Event, 0, len(c.released)+1)
	evts = append(evts, events.MarketEvent(typ, c.Market))
	for i := range c.released {
		evts = append(evts, events.OrderEvent(events.TypeOrderCancelled, &c.released[i]))
	}
	m.publish(ctx, evts...)
}

// SyncMetrics sets the active-market gauge from the store.
func (m *Manager) SyncMetrics(ctx context.Context) error {
	var markets []model.Market
	err := m.store.View(ctx, func(tx store.Tx) error {
		var err error
		markets, err = tx.ListMarkets(ctx, store.MarketFilter{Status: model.MarketOpen})
		return err
	})
	if err != nil {
		return err
	}
	metrics.ActiveMarkets.Set(float64(len(markets)))
	return nil
}

func (m *Manager) publish(ctx context.Context, evts ...events.Event) {
	if err := m.pub.Publish(ctx, evts...); err != nil {
		metrics.EventPublishFailures.Inc()
		slog.Warn("event publish failed", "events", len(evts), "err", err)
	}
}
