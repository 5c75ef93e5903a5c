// Package mathutil provides decimal helpers shared by the grid calculator
// and the risk engine.
package mathutil

import (
	"github.com/shopspring/decimal"
)

var hundred = decimal.NewFromInt(100)

// FloorToStep snaps value down to the nearest multiple of step. Zero or
// negative steps return the value unchanged.
func FloorToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() || step.IsNegative() {
		return value
	}
	return value.Div(step).Floor().Mul(step)
}

// CeilToStep snaps value up to the nearest multiple of step.
func CeilToStep(value, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() || step.IsNegative() {
		return value
	}
	return value.Div(step).Ceil().Mul(step)
}

// ApplyPercent returns base × (1 + percent/100). Negative percents move the
// value down.
func ApplyPercent(base, percent decimal.Decimal) decimal.Decimal {
	return base.Mul(decimal.NewFromInt(1).Add(percent.Div(hundred)))
}

// PercentDistance returns the signed percent move from base to current:
// (current − base) / base × 100. Zero base returns zero.
func PercentDistance(base, current decimal.Decimal) decimal.Decimal {
	if base.IsZero() {
		return decimal.Zero
	}
	return current.Sub(base).Div(base).Mul(hundred)
}

// UnrealizedPnL computes quantity × (current − entry) for longs and
// quantity × (entry − current) for shorts.
func UnrealizedPnL(entry, current, quantity decimal.Decimal, isLong bool) decimal.Decimal {
	if isLong {
		return current.Sub(entry).Mul(quantity)
	}
	return entry.Sub(current).Mul(quantity)
}

// WeightedAverage folds a new fill into an existing weighted average entry.
// Returns the new average and the new total quantity.
func WeightedAverage(avg, qty, fillPrice, fillQty decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	newQty := qty.Add(fillQty)
	if newQty.IsZero() {
		return decimal.Zero, decimal.Zero
	}
	notional := avg.Mul(qty).Add(fillPrice.Mul(fillQty))
	return notional.Div(newQty), newQty
}

// MeetsMinimums reports whether quantity satisfies the exchange minimums at
// the given price.
func MeetsMinimums(quantity, price, minQty, minNotional decimal.Decimal) bool {
	if quantity.LessThan(minQty) {
		return false
	}
	return quantity.Mul(price).GreaterThanOrEqual(minNotional)
}
