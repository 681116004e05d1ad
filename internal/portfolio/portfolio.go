// Package portfolio provides user-facing read models over the ledger:
// account registration, per-user portfolios and the leaderboard.
package portfolio

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/pricing"
	"github.com/atmx/predict-engine/internal/store"
)

// LeaderboardSize is the number of ranked users returned.
const LeaderboardSize = 50

// MinUsernameLength is the shortest accepted username.
const MinUsernameLength = 3

var (
	ErrUserNotFound    = errors.New("portfolio: user not found")
	ErrInvalidUsername = errors.New("portfolio: username must be at least 3 characters long")
	ErrUsernameTaken   = errors.New("portfolio: username already exists")
)

// Service serves account and portfolio queries.
type Service struct {
	store           store.Store
	startingBalance decimal.Decimal
}

// NewService creates a portfolio service. New accounts are funded with
// startingBalance, which is also the baseline of leaderboard P&L.
func NewService(st store.Store, startingBalance decimal.Decimal) *Service {
	return &Service{store: st, startingBalance: startingBalance}
}

// Register creates a funded account.
func (s *Service) Register(ctx context.Context, username string) (*model.User, error) {
	username = strings.TrimSpace(username)
	if len(username) < MinUsernameLength {
		return nil, ErrInvalidUsername
	}

	u := &model.User{
		ID:        uuid.New().String(),
		Username:  username,
		Balance:   s.startingBalance,
		CreatedAt: time.Now().UTC(),
	}
	err := s.store.Update(ctx, func(tx store.Tx) error {
		return tx.InsertUser(ctx, u)
	})
	if errors.Is(err, store.ErrConflict) {
		return nil, ErrUsernameTaken
	}
	if err != nil {
		return nil, fmt.Errorf("register %s: %w", username, err)
	}

	slog.Info("user registered", "user", u.ID, "username", u.Username)
	return u, nil
}

// Holding is a position marked to its market's last traded price.
type Holding struct {
	model.Position
	MarketTitle   string             `json:"market_title"`
	MarketStatus  model.MarketStatus `json:"market_status"`
	CurrentPrice  decimal.Decimal    `json:"current_price"`
	UnrealizedPnL decimal.Decimal    `json:"unrealized_pnl"`
}

// Portfolio is a user's balance, holdings and resting orders.
type Portfolio struct {
	User               *model.User     `json:"user"`
	Positions          []Holding       `json:"positions"`
	OpenOrders         []model.Order   `json:"open_orders"`
	TotalUnrealizedPnL decimal.Decimal `json:"total_unrealized_pnl"`
	TotalRealizedPnL   decimal.Decimal `json:"total_realized_pnl"`
}

// GetPortfolio returns a user's positions with shares, largest first, and
// their resting orders, newest first.
func (s *Service) GetPortfolio(ctx context.Context, userID string) (*Portfolio, error) {
	p := &Portfolio{
		Positions:          []Holding{},
		OpenOrders:         []model.Order{},
		TotalUnrealizedPnL: decimal.Zero,
		TotalRealizedPnL:   decimal.Zero,
	}

	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		if p.User, err = tx.GetUser(ctx, userID); err != nil {
			return err
		}

		positions, err := tx.UserPositions(ctx, userID)
		if err != nil {
			return err
		}
		markets := make(map[string]*model.Market)
		for _, pos := range positions {
			m, ok := markets[pos.MarketID]
			if !ok {
				if m, err = tx.GetMarket(ctx, pos.MarketID); err != nil {
					return fmt.Errorf("market %s: %w", pos.MarketID, err)
				}
				markets[pos.MarketID] = m
			}
			p.Positions = append(p.Positions, mark(pos, m))
		}

		orders, err := tx.UserOrders(ctx, userID)
		if err != nil {
			return err
		}
		p.OpenOrders = append(p.OpenOrders, orders...)
		return nil
	})
	if errors.Is(err, store.ErrNotFound) && p.User == nil {
		return nil, ErrUserNotFound
	}
	if err != nil {
		return nil, err
	}

	sort.SliceStable(p.Positions, func(i, j int) bool {
		return p.Positions[i].Shares > p.Positions[j].Shares
	})
	for _, h := range p.Positions {
		p.TotalUnrealizedPnL = p.TotalUnrealizedPnL.Add(h.UnrealizedPnL)
		p.TotalRealizedPnL = p.TotalRealizedPnL.Add(h.RealizedPnL)
	}
	p.TotalUnrealizedPnL = pricing.Money(p.TotalUnrealizedPnL)
	p.TotalRealizedPnL = pricing.Money(p.TotalRealizedPnL)
	return p, nil
}

// mark values a position at the market's current price for its side.
func mark(pos model.Position, m *model.Market) Holding {
	current := m.YesPrice
	if pos.Side == model.SideNo {
		current = m.NoPrice
	}
	return Holding{
		Position:      pos,
		MarketTitle:   m.Title,
		MarketStatus:  m.Status,
		CurrentPrice:  current,
		UnrealizedPnL: pricing.Money(current.Sub(pos.AvgPrice).Mul(decimal.NewFromInt(pos.Shares))),
	}
}

// LeaderEntry is one ranked user.
type LeaderEntry struct {
	Rank int `json:"rank"`
	store.LeaderboardRow
	TotalPnL decimal.Decimal `json:"total_pnl"`
}

// Leaderboard ranks users by balance plus realized P&L. Total P&L is
// measured against the starting balance.
func (s *Service) Leaderboard(ctx context.Context) ([]LeaderEntry, error) {
	var rows []store.LeaderboardRow
	err := s.store.View(ctx, func(tx store.Tx) error {
		var err error
		rows, err = tx.Leaderboard(ctx, LeaderboardSize)
		return err
	})
	if err != nil {
		return nil, err
	}

	entries := make([]LeaderEntry, 0, len(rows))
	for i, r := range rows {
		r.TotalRealizedPnL = pricing.Money(r.TotalRealizedPnL)
		entries = append(entries, LeaderEntry{
			Rank:           i + 1,
			LeaderboardRow: r,
			TotalPnL:       pricing.Money(r.Balance.Sub(s.startingBalance).Add(r.TotalRealizedPnL)),
		})
	}
	return entries, nil
}
