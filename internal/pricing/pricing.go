// Package pricing holds the tick and rounding rules for binary outcome prices.
//
// A binary market has two complementary outcomes whose prices sum to one
// currency unit per share. Limit prices are quoted on a one-cent tick inside
// [MinPrice, MaxPrice]; weighted-average cost prices carry more precision.
//
// All monetary values use shopspring/decimal, never float64 for money.
package pricing

import (
	"errors"

	"github.com/shopspring/decimal"
)

var (
	// ErrPriceOutOfRange is returned when a quoted price is outside
	// [MinPrice, MaxPrice].
	ErrPriceOutOfRange = errors.New("pricing: price must be between 0.01 and 0.99")

	// MinPrice is the lowest quotable price.
	MinPrice = decimal.RequireFromString("0.01")

	// MaxPrice is the highest quotable price.
	MaxPrice = decimal.RequireFromString("0.99")

	// One is the payoff of a winning share and the sum of complementary prices.
	One = decimal.NewFromInt(1)

	// DefaultYesPrice is the initial yes price of a new market.
	DefaultYesPrice = decimal.RequireFromString("0.5")

	// ImprovementTolerance is the smallest per-share price improvement that
	// is refunded to an aggressor.
	ImprovementTolerance = decimal.RequireFromString("0.001")

	// PriceScale is the number of decimal places of a quoted or traded price.
	PriceScale int32 = 2

	// AvgPriceScale is the number of decimal places of a weighted-average cost.
	AvgPriceScale int32 = 4

	// MoneyScale is the number of decimal places of amounts derived from
	// average prices (P&L, cost-basis refunds).
	MoneyScale int32 = 2
)

// Validate checks that price is quotable.
func Validate(price decimal.Decimal) error {
	if price.LessThan(MinPrice) || price.GreaterThan(MaxPrice) {
		return ErrPriceOutOfRange
	}
	return nil
}

// Normalize validates price and truncates it to the one-cent tick.
func Normalize(price decimal.Decimal) (decimal.Decimal, error) {
	if err := Validate(price); err != nil {
		return decimal.Zero, err
	}
	return price.Truncate(PriceScale), nil
}

// Complement returns 1 - price rounded to the price tick.
func Complement(price decimal.Decimal) decimal.Decimal {
	return One.Sub(price).Round(PriceScale)
}

// Notional is price × quantity.
func Notional(price decimal.Decimal, quantity int64) decimal.Decimal {
	return price.Mul(decimal.NewFromInt(quantity))
}

// WeightedAverage returns the quantity-weighted mean of an existing average
// and a new fill, rounded to AvgPriceScale.
//
//	avg' = (avg × shares + price × qty) / (shares + qty)
func WeightedAverage(avg decimal.Decimal, shares int64, price decimal.Decimal, qty int64) decimal.Decimal {
	total := shares + qty
	if total <= 0 {
		return decimal.Zero
	}
	num := Notional(avg, shares).Add(Notional(price, qty))
	return num.Div(decimal.NewFromInt(total)).Round(AvgPriceScale)
}

// Money rounds a derived amount to MoneyScale.
func Money(amount decimal.Decimal) decimal.Decimal {
	return amount.Round(MoneyScale)
}
