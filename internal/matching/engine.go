// Package matching implements continuous price-time priority matching for
// binary prediction markets.
//
// Both outcomes are bought, never sold: a yes bid at p crosses a resting no
// bid at q when p + q >= 1. Each placement runs as one ledger transaction
// covering the reservation debit, every fill, and any refund.
package matching

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/events"
	"github.com/atmx/predict-engine/internal/ledger"
	"github.com/atmx/predict-engine/internal/metrics"
	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/pricing"
	"github.com/atmx/predict-engine/internal/risk"
	"github.com/atmx/predict-engine/internal/store"
)

var (
	ErrInvalidPrice        = errors.New("matching: price must be between 0.01 and 0.99")
	ErrInvalidQuantity     = errors.New("matching: quantity must be a positive integer")
	ErrInvalidSide         = errors.New("matching: side must be yes or no")
	ErrInvalidOrderType    = errors.New("matching: type must be limit or market")
	ErrMarketNotOpen       = errors.New("matching: market is not open for trading")
	ErrUserNotFound        = errors.New("matching: user not found")
	ErrInsufficientBalance = errors.New("matching: insufficient balance")
	ErrOrderNotFound       = errors.New("matching: order not found")
	ErrNotCancellable      = errors.New("matching: order cannot be cancelled")
)

// Engine matches incoming orders against the resting book. Placements and
// cancellations on one market are serialised; different markets proceed in
// parallel.
type Engine struct {
	store   store.Store
	pub     events.Publisher
	limiter *risk.Limiter
	locks   *MarketLocks
	now     func() time.Time
}

// Option configures an Engine.
type Option func(*Engine)

// WithPublisher sets the destination of post-commit events.
func WithPublisher(p events.Publisher) Option {
	return func(e *Engine) { e.pub = p }
}

// WithLimiter enables exposure limits. A nil limiter disables them.
func WithLimiter(l *risk.Limiter) Option {
	return func(e *Engine) { e.limiter = l }
}

// WithLocks shares market locks with another component that mutates markets.
func WithLocks(l *MarketLocks) Option {
	return func(e *Engine) { e.locks = l }
}

// WithClock overrides the order and trade timestamp source.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

// NewEngine creates a matching engine over st.
func NewEngine(st store.Store, opts ...Option) *Engine {
	e := &Engine{
		store: st,
		pub:   events.Nop{},
		locks: NewMarketLocks(),
		now:   func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Lock acquires exclusive access to a market and returns its release func.
func (e *Engine) Lock(marketID string) func() {
	return e.locks.Lock(marketID)
}

// PlaceRequest is an order submission.
type PlaceRequest struct {
	UserID   string
	MarketID string
	Side     model.Side
	Type     model.OrderType
	Price    decimal.Decimal
	Quantity int64
}

// PlaceResult is the final state of a placed order and the fills it made.
type PlaceResult struct {
	Order  *model.Order  `json:"order"`
	Trades []model.Trade `json:"trades"`
}

// PlaceOrder validates, reserves, matches and (for limit orders) rests an
// order. Nothing is written if any step fails.
func (e *Engine) PlaceOrder(ctx context.Context, req PlaceRequest) (*PlaceResult, error) {
	start := time.Now()

	price, err := validate(req)
	if err != nil {
		metrics.OrderRejections.WithLabelValues(rejectReason(err)).Inc()
		return nil, err
	}

	var res *PlaceResult
	err = e.locked(ctx, req.MarketID, func(tx store.Tx) error {
		var err error
		res, err = e.place(ctx, tx, req, price)
		return err
	})
	if err != nil {
		metrics.OrderRejections.WithLabelValues(rejectReason(err)).Inc()
		if errors.Is(err, risk.ErrMarketExposureExceeded) || errors.Is(err, risk.ErrCategoryExposureExceeded) {
			metrics.RiskRejections.Inc()
		}
		slog.Debug("order rejected",
			"market", req.MarketID,
			"user", req.UserID,
			"side", req.Side,
			"err", err,
		)
		return nil, err
	}

	metrics.OrdersTotal.WithLabelValues(string(req.Side), string(req.Type)).Inc()
	metrics.PlacementLatency.WithLabelValues(string(req.Side)).Observe(time.Since(start).Seconds())
	for _, t := range res.Trades {
		metrics.TradesTotal.WithLabelValues(string(req.Side)).Inc()
		metrics.TradedShares.Add(float64(t.Quantity))
	}
	if res.Order.Type == model.OrderTypeMarket && res.Order.Status == model.OrderCancelled {
		metrics.OrdersCancelled.WithLabelValues("market_remainder").Inc()
	}

	slog.Info("order placed",
		"order", res.Order.ID,
		"market", res.Order.MarketID,
		"user", res.Order.UserID,
		"side", res.Order.Side,
		"type", res.Order.Type,
		"price", res.Order.Price.String(),
		"qty", res.Order.Quantity,
		"filled", res.Order.FilledQuantity,
		"status", res.Order.Status,
		"trades", len(res.Trades),
	)

	evts := []events.Event{events.OrderEvent(events.TypeOrderPlaced, res.Order)}
	for i := range res.Trades {
		evts = append(evts, events.TradeEvent(&res.Trades[i], res.Order.Side))
	}
	if res.Order.Status == model.OrderCancelled {
		evts = append(evts, events.OrderEvent(events.TypeOrderCancelled, res.Order))
	}
	e.publish(ctx, evts...)

	return res, nil
}

// validate checks the request fields that need no ledger state and returns
// the price truncated to the tick.
func validate(req PlaceRequest) (decimal.Decimal, error) {
	price, err := pricing.Normalize(req.Price)
	if err != nil {
		return decimal.Zero, ErrInvalidPrice
	}
	if req.Quantity <= 0 {
		return decimal.Zero, ErrInvalidQuantity
	}
	if !req.Side.Valid() {
		return decimal.Zero, ErrInvalidSide
	}
	if !req.Type.Valid() {
		return decimal.Zero, ErrInvalidOrderType
	}
	return price, nil
}

func (e *Engine) place(ctx context.Context, tx store.Tx, req PlaceRequest, price decimal.Decimal) (*PlaceResult, error) {
	m, err := tx.GetMarket(ctx, req.MarketID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrMarketNotOpen
	}
	if err != nil {
		return nil, fmt.Errorf("load market: %w", err)
	}
	if !m.Open() {
		return nil, ErrMarketNotOpen
	}

	u, err := tx.GetUser(ctx, req.UserID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load user: %w", err)
	}

	notional := pricing.Notional(price, req.Quantity)
	if u.Balance.LessThan(notional) {
		return nil, ErrInsufficientBalance
	}

	if e.limiter != nil {
		exposures, err := tx.UserExposures(ctx, u.ID)
		if err != nil {
			return nil, fmt.Errorf("load exposures: %w", err)
		}
		if err := e.limiter.Check(m.ID, m.Category, notional, exposures); err != nil {
			return nil, err
		}
	}

	// Reserve the full notional up front.
	if _, err := ledger.Debit(ctx, tx, u.ID, notional); err != nil {
		return nil, err
	}

	order := &model.Order{
		ID:        uuid.New().String(),
		UserID:    u.ID,
		MarketID:  m.ID,
		Side:      req.Side,
		Type:      req.Type,
		Price:     price,
		Quantity:  req.Quantity,
		Status:    model.OrderOpen,
		CreatedAt: e.now(),
	}
	if err := tx.InsertOrder(ctx, order); err != nil {
		return nil, fmt.Errorf("insert order: %w", err)
	}

	trades, err := e.match(ctx, tx, m, order)
	if err != nil {
		return nil, err
	}

	// Market orders never rest.
	if order.Type == model.OrderTypeMarket && order.Remaining() > 0 {
		if _, err := ledger.ReleaseOrder(ctx, tx, order); err != nil {
			return nil, err
		}
	}

	return &PlaceResult{Order: order, Trades: trades}, nil
}

// match sweeps the opposite side of the book for order. Candidates are a
// snapshot taken once, already in price-time priority.
func (e *Engine) match(ctx context.Context, tx store.Tx, m *model.Market, order *model.Order) ([]model.Trade, error) {
	candidates, err := tx.RestingOrders(ctx, m.ID, order.Side.Opposite())
	if err != nil {
		return nil, fmt.Errorf("load book: %w", err)
	}

	threshold := pricing.Complement(order.Price)
	trades := make([]model.Trade, 0)

	for i := range candidates {
		if order.Remaining() == 0 {
			break
		}
		resting := &candidates[i]
		// Sorted by price desc: nothing further can cross.
		if resting.Price.LessThan(threshold) {
			break
		}
		if resting.UserID == order.UserID {
			continue
		}

		qty := min(order.Remaining(), resting.Remaining())
		trade, err := e.fill(ctx, tx, m, order, resting, qty)
		if err != nil {
			return nil, err
		}
		trades = append(trades, *trade)
	}

	if len(trades) > 0 {
		if err := tx.UpdateOrder(ctx, order); err != nil {
			return nil, fmt.Errorf("update order: %w", err)
		}
		if err := tx.UpdateMarket(ctx, m); err != nil {
			return nil, fmt.Errorf("update market: %w", err)
		}
	}
	return trades, nil
}

// executionPrice returns the yes-equivalent print of a fill. A yes
// aggressor trades at the complement of the resting no quote; a no
// aggressor trades at the complement of its own quote.
func executionPrice(incoming, resting *model.Order) decimal.Decimal {
	if incoming.Side == model.SideYes {
		return pricing.Complement(resting.Price)
	}
	return pricing.Complement(incoming.Price)
}

// sidePrice expresses a yes-equivalent price in side's own terms.
func sidePrice(exec decimal.Decimal, side model.Side) decimal.Decimal {
	if side == model.SideYes {
		return exec
	}
	return pricing.Complement(exec)
}

// fill executes qty shares between the incoming and one resting order.
func (e *Engine) fill(ctx context.Context, tx store.Tx, m *model.Market, incoming, resting *model.Order, qty int64) (*model.Trade, error) {
	exec := executionPrice(incoming, resting)

	trade := &model.Trade{
		ID:           uuid.New().String(),
		MarketID:     m.ID,
		TakerOrderID: incoming.ID,
		MakerOrderID: resting.ID,
		Price:        exec,
		Quantity:     qty,
		CreatedAt:    e.now(),
	}
	if err := tx.InsertTrade(ctx, trade); err != nil {
		return nil, fmt.Errorf("insert trade: %w", err)
	}

	incoming.FilledQuantity += qty
	incoming.Status = model.FillStatus(incoming.FilledQuantity, incoming.Quantity)
	resting.FilledQuantity += qty
	resting.Status = model.FillStatus(resting.FilledQuantity, resting.Quantity)
	if err := tx.UpdateOrder(ctx, resting); err != nil {
		return nil, fmt.Errorf("update resting order: %w", err)
	}

	// The incoming side is costed at the print, the resting side at its
	// own quote.
	paid := sidePrice(exec, incoming.Side)
	if improvement := incoming.Price.Sub(paid); improvement.GreaterThan(pricing.ImprovementTolerance) {
		refund := pricing.Money(pricing.Notional(improvement, qty))
		if err := ledger.Credit(ctx, tx, incoming.UserID, refund); err != nil {
			return nil, err
		}
	}
	if _, err := ledger.ApplyFill(ctx, tx, incoming.UserID, m.ID, incoming.Side, qty, paid); err != nil {
		return nil, err
	}
	if _, err := ledger.ApplyFill(ctx, tx, resting.UserID, m.ID, resting.Side, qty, resting.Price); err != nil {
		return nil, err
	}

	m.YesPrice = exec
	m.NoPrice = pricing.Complement(exec)
	m.Volume = m.Volume.Add(pricing.Notional(exec, qty))

	return trade, nil
}

// CancelOrder cancels a resting order owned by userID and refunds its
// unfilled notional.
func (e *Engine) CancelOrder(ctx context.Context, orderID, userID string) (*model.Order, error) {
	// Find the market first so the market lock is always taken before the
	// order row.
	o, err := e.GetOrder(ctx, orderID)
	if err != nil {
		return nil, err
	}
	if o.UserID != userID {
		return nil, ErrOrderNotFound
	}

	var refund decimal.Decimal
	err = e.locked(ctx, o.MarketID, func(tx store.Tx) error {
		if _, err := tx.GetMarket(ctx, o.MarketID); err != nil {
			return fmt.Errorf("load market: %w", err)
		}
		cur, err := tx.GetOrder(ctx, orderID)
		if errors.Is(err, store.ErrNotFound) {
			return ErrOrderNotFound
		}
		if err != nil {
			return fmt.Errorf("load order: %w", err)
		}
		if cur.Status.Terminal() {
			return ErrNotCancellable
		}
		refund, err = ledger.ReleaseOrder(ctx, tx, cur)
		o = cur
		return err
	})
	if err != nil {
		return nil, err
	}

	metrics.OrdersCancelled.WithLabelValues("user").Inc()
	slog.Info("order cancelled",
		"order", o.ID,
		"market", o.MarketID,
		"user", o.UserID,
		"refund", refund.String(),
	)
	e.publish(ctx, events.OrderEvent(events.TypeOrderCancelled, o))
	return o, nil
}

// GetOrder returns an order by ID.
func (e *Engine) GetOrder(ctx context.Context, orderID string) (*model.Order, error) {
	var o *model.Order
	err := e.store.View(ctx, func(tx store.Tx) error {
		var err error
		o, err = tx.GetOrder(ctx, orderID)
		return err
	})
	if errors.Is(err, store.ErrNotFound) {
		return nil, ErrOrderNotFound
	}
	return o, err
}

// GetOrderBook returns the resting orders of both sides of a market in
// price-time priority. A missing market yields store.ErrNotFound.
func (e *Engine) GetOrderBook(ctx context.Context, marketID string) (*model.OrderBook, error) {
	book := &model.OrderBook{
		MarketID: marketID,
		YesBids:  []model.Order{},
		NoBids:   []model.Order{},
	}
	err := e.store.View(ctx, func(tx store.Tx) error {
		if _, err := tx.GetMarket(ctx, marketID); err != nil {
			return err
		}
		orders, err := tx.RestingOrders(ctx, marketID, "")
		if err != nil {
			return err
		}
		for _, o := range orders {
			if o.Side == model.SideYes {
				book.YesBids = append(book.YesBids, o)
			} else {
				book.NoBids = append(book.NoBids, o)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return book, nil
}

// locked runs fn in a write transaction while holding the market's lock.
// The lock is released when the transaction ends, so events are published
// without it.
func (e *Engine) locked(ctx context.Context, marketID string, fn func(tx store.Tx) error) error {
	unlock := e.locks.Lock(marketID)
	defer unlock()
	return e.store.Update(ctx, fn)
}

func (e *Engine) publish(ctx context.Context, evts ...events.Event) {
	if err := e.pub.Publish(ctx, evts...); err != nil {
		metrics.EventPublishFailures.Inc()
		slog.Warn("event publish failed", "events", len(evts), "err", err)
	}
}

func rejectReason(err error) string {
	switch {
	case errors.Is(err, ErrInvalidPrice):
		return "invalid_price"
	case errors.Is(err, ErrInvalidQuantity):
		return "invalid_quantity"
	case errors.Is(err, ErrInvalidSide), errors.Is(err, ErrInvalidOrderType):
		return "invalid_request"
	case errors.Is(err, ErrMarketNotOpen):
		return "market_not_open"
	case errors.Is(err, ErrUserNotFound):
		return "user_not_found"
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, risk.ErrMarketExposureExceeded), errors.Is(err, risk.ErrCategoryExposureExceeded):
		return "risk_limit"
	default:
		return "internal"
	}
}
