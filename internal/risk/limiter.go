// Package risk implements exposure limits on the funds a user commits to
// markets.
//
// A user's committed funds in a market are the reservations held by their
// resting orders plus the cost basis of their positions there. Markets in
// the same category tend to move together (several crypto price markets,
// several races of one election), so the limiter also caps the aggregate
// commitment across a category.
package risk

import (
	"errors"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/atmx/predict-engine/internal/model"
)

var (
	// ErrMarketExposureExceeded is returned when an order would push a
	// user's commitment in a single market beyond the per-market maximum.
	ErrMarketExposureExceeded = errors.New("risk: per-market exposure limit exceeded")

	// ErrCategoryExposureExceeded is returned when an order would push the
	// aggregate commitment across one category beyond the category maximum.
	ErrCategoryExposureExceeded = errors.New("risk: per-category exposure limit exceeded")
)

// Limiter enforces exposure limits. A zero limit disables that check; a nil
// *Limiter allows everything.
type Limiter struct {
	// MaxPerMarket caps committed funds in any single market.
	MaxPerMarket decimal.Decimal

	// MaxPerCategory caps committed funds summed over all open markets of
	// one category.
	MaxPerCategory decimal.Decimal
}

// NewLimiter creates a limiter. It returns nil when both limits are zero.
func NewLimiter(maxPerMarket, maxPerCategory decimal.Decimal) *Limiter {
	if !maxPerMarket.IsPositive() && !maxPerCategory.IsPositive() {
		return nil
	}
	return &Limiter{MaxPerMarket: maxPerMarket, MaxPerCategory: maxPerCategory}
}

// Check validates whether committing delta more funds to marketID (in
// category) respects the limits, given the user's current exposures.
func (l *Limiter) Check(marketID, category string, delta decimal.Decimal, exposures []model.Exposure) error {
	if l == nil {
		return nil
	}

	// 1. Per-market limit.
	inMarket := delta
	for _, e := range exposures {
		if e.MarketID == marketID {
			inMarket = inMarket.Add(e.Committed)
		}
	}
	if l.MaxPerMarket.IsPositive() && inMarket.GreaterThan(l.MaxPerMarket) {
		return fmt.Errorf("%w: %s > %s", ErrMarketExposureExceeded, inMarket, l.MaxPerMarket)
	}

	// 2. Category aggregate, target market included via inMarket.
	if !l.MaxPerCategory.IsPositive() {
		return nil
	}
	total := inMarket
	for _, e := range exposures {
		if e.MarketID != marketID && e.Category == category {
			total = total.Add(e.Committed)
		}
	}
	if total.GreaterThan(l.MaxPerCategory) {
		return fmt.Errorf("%w: %s > %s", ErrCategoryExposureExceeded, total, l.MaxPerCategory)
	}
	return nil
}
