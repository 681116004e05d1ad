package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
)

// MemoryStore implements Store with in-memory maps. Used for testing
// and development. Not suitable for production (no persistence).
//
// Update holds the write lock for the whole transaction and records an undo
// journal; if fn fails the journal is replayed in reverse.
type MemoryStore struct {
	mu        sync.RWMutex
	users     map[string]*model.User
	markets   map[string]*model.Market
	orders    map[string]*model.Order
	positions map[positionKey]*model.Position
	trades    []model.Trade
	seq       int64
}

type positionKey struct {
	userID   string
	marketID string
	side     model.Side
}

// NewMemoryStore creates a new in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:     make(map[string]*model.User),
		markets:   make(map[string]*model.Market),
		orders:    make(map[string]*model.Order),
		positions: make(map[positionKey]*model.Position),
	}
}

func (s *MemoryStore) Update(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s, writable: true}
	defer func() {
		if p := recover(); p != nil {
			tx.rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	return nil
}

func (s *MemoryStore) View(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()
	return fn(&memTx{s: s})
}

type memTx struct {
	s        *MemoryStore
	writable bool
	undo     []func()
}

func (tx *memTx) rollback() {
	for i := len(tx.undo) - 1; i >= 0; i-- {
		tx.undo[i]()
	}
	tx.undo = nil
}

func (tx *memTx) write(undo func()) error {
	if !tx.writable {
		return ErrReadOnly
	}
	tx.undo = append(tx.undo, undo)
	return nil
}

// --- Users ---

func (tx *memTx) GetUser(_ context.Context, id string) (*model.User, error) {
	u, ok := tx.s.users[id]
	if !ok {
		return nil, fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	copy := *u
	return &copy, nil
}

func (tx *memTx) InsertUser(_ context.Context, u *model.User) error {
	if _, ok := tx.s.users[u.ID]; ok {
		return fmt.Errorf("user %s: %w", u.ID, ErrConflict)
	}
	for _, existing := range tx.s.users {
		if existing.Username == u.Username {
			return fmt.Errorf("username %s: %w", u.Username, ErrConflict)
		}
	}
	id := u.ID
	if err := tx.write(func() { delete(tx.s.users, id) }); err != nil {
		return err
	}
	copy := *u
	tx.s.users[id] = &copy
	return nil
}

func (tx *memTx) UpdateUserBalance(_ context.Context, id string, balance decimal.Decimal) error {
	u, ok := tx.s.users[id]
	if !ok {
		return fmt.Errorf("user %s: %w", id, ErrNotFound)
	}
	prev := u.Balance
	if err := tx.write(func() { u.Balance = prev }); err != nil {
		return err
	}
	u.Balance = balance
	return nil
}

// --- Markets ---

func (tx *memTx) GetMarket(_ context.Context, id string) (*model.Market, error) {
	m, ok := tx.s.markets[id]
	if !ok {
		return nil, fmt.Errorf("market %s: %w", id, ErrNotFound)
	}
	copy := *m
	return &copy, nil
}

func (tx *memTx) InsertMarket(_ context.Context, m *model.Market) error {
	if _, ok := tx.s.markets[m.ID]; ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrConflict)
	}
	id := m.ID
	if err := tx.write(func() { delete(tx.s.markets, id) }); err != nil {
		return err
	}
	copy := *m
	tx.s.markets[id] = &copy
	return nil
}

func (tx *memTx) UpdateMarket(_ context.Context, m *model.Market) error {
	cur, ok := tx.s.markets[m.ID]
	if !ok {
		return fmt.Errorf("market %s: %w", m.ID, ErrNotFound)
	}
	prev := *cur
	if err := tx.write(func() { *cur = prev }); err != nil {
		return err
	}
	cur.Status = m.Status
	cur.YesPrice = m.YesPrice
	cur.NoPrice = m.NoPrice
	cur.Volume = m.Volume
	return nil
}

func (tx *memTx) ListMarkets(_ context.Context, filter MarketFilter) ([]model.Market, error) {
	markets := make([]model.Market, 0, len(tx.s.markets))
	for _, m := range tx.s.markets {
		if filter.Category != "" && m.Category != filter.Category {
			continue
		}
		if filter.Status != "" && m.Status != filter.Status {
			continue
		}
		markets = append(markets, *m)
	}

	sort.Slice(markets, func(i, j int) bool {
		a, b := markets[i], markets[j]
		if filter.SortBy != "created" && !a.Volume.Equal(b.Volume) {
			return a.Volume.GreaterThan(b.Volume)
		}
		return a.CreatedAt.After(b.CreatedAt)
	})

	if filter.Limit > 0 && len(markets) > filter.Limit {
		markets = markets[:filter.Limit]
	}
	return markets, nil
}

// --- Orders ---

func (tx *memTx) GetOrder(_ context.Context, id string) (*model.Order, error) {
	o, ok := tx.s.orders[id]
	if !ok {
		return nil, fmt.Errorf("order %s: %w", id, ErrNotFound)
	}
	copy := *o
	return &copy, nil
}

func (tx *memTx) InsertOrder(_ context.Context, o *model.Order) error {
	if _, ok := tx.s.orders[o.ID]; ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrConflict)
	}
	id, prevSeq := o.ID, tx.s.seq
	if err := tx.write(func() {
		delete(tx.s.orders, id)
		tx.s.seq = prevSeq
	}); err != nil {
		return err
	}
	tx.s.seq++
	o.Seq = tx.s.seq
	copy := *o
	tx.s.orders[id] = &copy
	return nil
}

func (tx *memTx) UpdateOrder(_ context.Context, o *model.Order) error {
	cur, ok := tx.s.orders[o.ID]
	if !ok {
		return fmt.Errorf("order %s: %w", o.ID, ErrNotFound)
	}
	prev := *cur
	if err := tx.write(func() { *cur = prev }); err != nil {
		return err
	}
	cur.FilledQuantity = o.FilledQuantity
	cur.Status = o.Status
	return nil
}

func (tx *memTx) RestingOrders(_ context.Context, marketID string, side model.Side) ([]model.Order, error) {
	var result []model.Order
	for _, o := range tx.s.orders {
		if o.MarketID != marketID || !o.Status.Resting() {
			continue
		}
		if side != "" && o.Side != side {
			continue
		}
		result = append(result, *o)
	}
	sortByPriority(result)
	return result, nil
}

func (tx *memTx) UserOrders(_ context.Context, userID string) ([]model.Order, error) {
	var result []model.Order
	for _, o := range tx.s.orders {
		if o.UserID == userID && o.Status.Resting() {
			result = append(result, *o)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq > result[j].Seq })
	return result, nil
}

// sortByPriority orders by price desc, then creation time asc, then sequence asc.
func sortByPriority(orders []model.Order) {
	sort.Slice(orders, func(i, j int) bool {
		a, b := orders[i], orders[j]
		if !a.Price.Equal(b.Price) {
			return a.Price.GreaterThan(b.Price)
		}
		if !a.CreatedAt.Equal(b.CreatedAt) {
			return a.CreatedAt.Before(b.CreatedAt)
		}
		return a.Seq < b.Seq
	})
}

// --- Trades ---

func (tx *memTx) InsertTrade(_ context.Context, t *model.Trade) error {
	n := len(tx.s.trades)
	if err := tx.write(func() { tx.s.trades = tx.s.trades[:n] }); err != nil {
		return err
	}
	tx.s.trades = append(tx.s.trades, *t)
	return nil
}

func (tx *memTx) RecentTrades(_ context.Context, marketID string, limit int) ([]model.Trade, error) {
	var result []model.Trade
	for i := len(tx.s.trades) - 1; i >= 0; i-- {
		if tx.s.trades[i].MarketID != marketID {
			continue
		}
		result = append(result, tx.s.trades[i])
		if limit > 0 && len(result) == limit {
			break
		}
	}
	return result, nil
}

// --- Positions ---

func (tx *memTx) GetPosition(_ context.Context, userID, marketID string, side model.Side) (*model.Position, error) {
	p, ok := tx.s.positions[positionKey{userID, marketID, side}]
	if !ok {
		return nil, fmt.Errorf("position %s/%s/%s: %w", userID, marketID, side, ErrNotFound)
	}
	copy := *p
	return &copy, nil
}

func (tx *memTx) InsertPosition(_ context.Context, p *model.Position) error {
	key := positionKey{p.UserID, p.MarketID, p.Side}
	if _, ok := tx.s.positions[key]; ok {
		return fmt.Errorf("position %s/%s/%s: %w", p.UserID, p.MarketID, p.Side, ErrConflict)
	}
	if err := tx.write(func() { delete(tx.s.positions, key) }); err != nil {
		return err
	}
	copy := *p
	tx.s.positions[key] = &copy
	return nil
}

func (tx *memTx) UpdatePosition(_ context.Context, p *model.Position) error {
	cur, ok := tx.s.positions[positionKey{p.UserID, p.MarketID, p.Side}]
	if !ok {
		return fmt.Errorf("position %s: %w", p.ID, ErrNotFound)
	}
	prev := *cur
	if err := tx.write(func() { *cur = prev }); err != nil {
		return err
	}
	cur.Shares = p.Shares
	cur.AvgPrice = p.AvgPrice
	cur.RealizedPnL = p.RealizedPnL
	return nil
}

func (tx *memTx) MarketPositions(_ context.Context, marketID string) ([]model.Position, error) {
	var result []model.Position
	for _, p := range tx.s.positions {
		if p.MarketID == marketID && p.Shares > 0 {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (tx *memTx) UserPositions(_ context.Context, userID string) ([]model.Position, error) {
	var result []model.Position
	for _, p := range tx.s.positions {
		if p.UserID == userID && p.Shares > 0 {
			result = append(result, *p)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Shares > result[j].Shares })
	return result, nil
}

// --- Aggregates ---

func (tx *memTx) UserExposures(_ context.Context, userID string) ([]model.Exposure, error) {
	committed := make(map[string]decimal.Decimal)
	for _, o := range tx.s.orders {
		if o.UserID == userID && o.Status.Resting() {
			committed[o.MarketID] = committed[o.MarketID].Add(o.Reserved())
		}
	}
	for _, p := range tx.s.positions {
		if p.UserID == userID && p.Shares > 0 {
			committed[p.MarketID] = committed[p.MarketID].Add(p.CostBasis())
		}
	}

	var result []model.Exposure
	for marketID, amount := range committed {
		m, ok := tx.s.markets[marketID]
		if !ok || !m.Open() {
			continue
		}
		result = append(result, model.Exposure{
			MarketID:  marketID,
			Category:  m.Category,
			Committed: amount,
		})
	}
	return result, nil
}

func (tx *memTx) Leaderboard(_ context.Context, limit int) ([]LeaderboardRow, error) {
	orderOwner := make(map[string]string, len(tx.s.orders))
	for _, o := range tx.s.orders {
		orderOwner[o.ID] = o.UserID
	}
	tradeCount := make(map[string]int)
	for _, t := range tx.s.trades {
		taker, maker := orderOwner[t.TakerOrderID], orderOwner[t.MakerOrderID]
		tradeCount[taker]++
		if maker != taker {
			tradeCount[maker]++
		}
	}

	rows := make([]LeaderboardRow, 0, len(tx.s.users))
	for _, u := range tx.s.users {
		row := LeaderboardRow{
			UserID:     u.ID,
			Username:   u.Username,
			Balance:    u.Balance,
			TradeCount: tradeCount[u.ID],
		}
		markets := make(map[string]bool)
		for _, p := range tx.s.positions {
			if p.UserID == u.ID && p.Shares > 0 {
				row.TotalRealizedPnL = row.TotalRealizedPnL.Add(p.RealizedPnL)
				markets[p.MarketID] = true
			}
		}
		row.MarketsTraded = len(markets)
		rows = append(rows, row)
	}

	sort.Slice(rows, func(i, j int) bool {
		si := rows[i].Balance.Add(rows[i].TotalRealizedPnL)
		sj := rows[j].Balance.Add(rows[j].TotalRealizedPnL)
		if !si.Equal(sj) {
			return si.GreaterThan(sj)
		}
		return rows[i].Username < rows[j].Username
	})
	if limit > 0 && len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}
