// Package ledger applies the cash and inventory effects of fills, order
// releases and market settlement to user accounts and positions.
//
// Every function runs inside a caller-owned store transaction; an error
// aborts that transaction, so no effect is ever partially applied.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
	"github.com/atmx/predict-engine/internal/pricing"
	"github.com/atmx/predict-engine/internal/store"
)

var (
	// ErrNegativeBalance guards the non-negative balance invariant.
	ErrNegativeBalance = errors.New("ledger: balance would become negative")

	// ErrNegativeAmount is returned for debits or credits below zero.
	ErrNegativeAmount = errors.New("ledger: amount must not be negative")

	// ErrNonPositiveShares is returned when a fill carries no shares.
	ErrNonPositiveShares = errors.New("ledger: fill quantity must be positive")
)

// Debit removes amount from a user's balance.
func Debit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) (*model.User, error) {
	if amount.IsNegative() {
		return nil, ErrNegativeAmount
	}
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	next := u.Balance.Sub(amount)
	if next.IsNegative() {
		return nil, fmt.Errorf("debit %s from %s: %w", amount, userID, ErrNegativeBalance)
	}
	if err := tx.UpdateUserBalance(ctx, userID, next); err != nil {
		return nil, err
	}
	u.Balance = next
	return u, nil
}

// Credit adds amount to a user's balance. A zero amount is a no-op.
func Credit(ctx context.Context, tx store.Tx, userID string, amount decimal.Decimal) error {
	if amount.IsNegative() {
		return ErrNegativeAmount
	}
	if amount.IsZero() {
		return nil
	}
	u, err := tx.GetUser(ctx, userID)
	if err != nil {
		return err
	}
	return tx.UpdateUserBalance(ctx, userID, u.Balance.Add(amount))
}

// ApplyFill adds qty shares bought at price to the user's position on one
// side of a market, creating the position on first fill. The average cost
// is the quantity-weighted mean of all fills; realized P&L is untouched.
func ApplyFill(ctx context.Context, tx store.Tx, userID, marketID string, side model.Side, qty int64, price decimal.Decimal) (*model.Position, error) {
	if qty <= 0 {
		return nil, ErrNonPositiveShares
	}

	pos, err := tx.GetPosition(ctx, userID, marketID, side)
	switch {
	case errors.Is(err, store.ErrNotFound):
		pos = &model.Position{
			ID:          uuid.New().String(),
			UserID:      userID,
			MarketID:    marketID,
			Side:        side,
			Shares:      qty,
			AvgPrice:    price.Round(pricing.AvgPriceScale),
			RealizedPnL: decimal.Zero,
		}
		return pos, tx.InsertPosition(ctx, pos)
	case err != nil:
		return nil, err
	}

	pos.AvgPrice = pricing.WeightedAverage(pos.AvgPrice, pos.Shares, price, qty)
	pos.Shares += qty
	return pos, tx.UpdatePosition(ctx, pos)
}

// ReleaseOrder refunds the unfilled notional of a resting order to its owner
// and marks it cancelled. It returns the refunded amount.
func ReleaseOrder(ctx context.Context, tx store.Tx, o *model.Order) (decimal.Decimal, error) {
	if o.Status.Terminal() {
		return decimal.Zero, fmt.Errorf("release order %s in status %s", o.ID, o.Status)
	}
	refund := o.Reserved()
	if err := Credit(ctx, tx, o.UserID, refund); err != nil {
		return decimal.Zero, err
	}
	o.Status = model.OrderCancelled
	if err := tx.UpdateOrder(ctx, o); err != nil {
		return decimal.Zero, err
	}
	return refund, nil
}

// Settle pays out a position at market resolution. Winning shares receive
// one unit each and book payout minus cost basis as realized P&L; losing
// shares book their full cost basis as a loss. Shares are left unchanged.
// It returns the amount credited.
func Settle(ctx context.Context, tx store.Tx, pos *model.Position, outcome model.Side) (decimal.Decimal, error) {
	cost := pos.CostBasis()
	payout := decimal.Zero

	if pos.Side == outcome {
		payout = pricing.One.Mul(decimal.NewFromInt(pos.Shares))
		if err := Credit(ctx, tx, pos.UserID, payout); err != nil {
			return decimal.Zero, err
		}
		pos.RealizedPnL = pos.RealizedPnL.Add(pricing.Money(payout.Sub(cost)))
	} else {
		pos.RealizedPnL = pos.RealizedPnL.Sub(pricing.Money(cost))
	}

	if err := tx.UpdatePosition(ctx, pos); err != nil {
		return decimal.Zero, err
	}
	return payout, nil
}

// Unwind refunds a position's cost basis at market cancellation. Shares and
// realized P&L are left unchanged. It returns the amount credited.
func Unwind(ctx context.Context, tx store.Tx, pos *model.Position) (decimal.Decimal, error) {
	refund := pricing.Money(pos.CostBasis())
	if err := Credit(ctx, tx, pos.UserID, refund); err != nil {
		return decimal.Zero, err
	}
	return refund, nil
}
