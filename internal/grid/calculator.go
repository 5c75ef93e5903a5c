// Package grid materializes DCA level descriptors into exchange-legal
// orders: prices snapped to tick size, quantities snapped to step size and
// validated against the exchange minimums. It is the only package that
// knows about quantization; everything downstream assumes legal levels.
package grid

import (
	"fmt"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
	"dca_engine/pkg/mathutil"
)

// ValidationError reports a leg that cannot be placed on the exchange.
type ValidationError struct {
	Field   string
	Value   interface{}
	Message string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("validation error for field '%s' (value: %v): %s", e.Field, e.Value, e.Message)
}

// Level is one materialized grid leg. Quantity is zero until
// CalculateQuantities sizes the grid against capital.
type Level struct {
	Index         int
	GapPercent    decimal.Decimal
	WeightPercent decimal.Decimal
	TPPercent     decimal.Decimal
	Price         decimal.Decimal
	TPPrice       decimal.Decimal
	Quantity      decimal.Decimal
}

// CalculateLevels materializes entry and take-profit prices for each
// descriptor against the base price.
//
// Long grids apply gaps directly (negative gaps walk down, where longs
// average in) and place TPs above entry. Short grids invert both signs: the
// same descriptor list walks up, TPs land below entry. All prices snap to
// tick_size with floor, the conservative direction for both sides.
func CalculateLevels(basePrice decimal.Decimal, side core.Side, levels []core.DCALevel, precision core.PrecisionRule) ([]Level, error) {
	if !basePrice.IsPositive() {
		return nil, ValidationError{Field: "base_price", Value: basePrice.String(), Message: "must be positive"}
	}
	if len(levels) == 0 {
		return nil, ValidationError{Field: "levels", Value: 0, Message: "at least one level required"}
	}

	out := make([]Level, len(levels))
	for i, lvl := range levels {
		gap := lvl.GapPercent
		tp := lvl.TPPercent
		if side == core.SideShort {
			gap = gap.Neg()
			tp = tp.Neg()
		}

		price := mathutil.FloorToStep(mathutil.ApplyPercent(basePrice, gap), precision.TickSize)
		if !price.IsPositive() {
			return nil, ValidationError{
				Field:   fmt.Sprintf("levels[%d]", i),
				Value:   lvl.GapPercent.String(),
				Message: "gap produces non-positive price",
			}
		}

		tpPrice := mathutil.FloorToStep(mathutil.ApplyPercent(price, tp), precision.TickSize)
		if !tpPrice.IsPositive() {
			return nil, ValidationError{
				Field:   fmt.Sprintf("levels[%d]", i),
				Value:   lvl.TPPercent.String(),
				Message: "tp produces non-positive price",
			}
		}

		out[i] = Level{
			Index:         i,
			GapPercent:    lvl.GapPercent,
			WeightPercent: lvl.WeightPercent,
			TPPercent:     lvl.TPPercent,
			Price:         price,
			TPPrice:       tpPrice,
		}
	}
	return out, nil
}

// CalculateQuantities sizes each leg as totalCapital × weight/100 ÷ price,
// floor-snapped to step_size. Weights are independent proportions and need
// not sum to 100. Any leg landing under min_qty or min_notional fails the
// whole grid; a partially placeable grid is worse than no grid.
func CalculateQuantities(levels []Level, totalCapital decimal.Decimal, precision core.PrecisionRule) ([]Level, error) {
	if !totalCapital.IsPositive() {
		return nil, ValidationError{Field: "total_capital", Value: totalCapital.String(), Message: "must be positive"}
	}

	hundred := decimal.NewFromInt(100)
	out := make([]Level, len(levels))
	for i, lvl := range levels {
		notional := totalCapital.Mul(lvl.WeightPercent).Div(hundred)
		qty := mathutil.FloorToStep(notional.Div(lvl.Price), precision.StepSize)

		if !mathutil.MeetsMinimums(qty, lvl.Price, precision.MinQty, precision.MinNotional) {
			return nil, ValidationError{
				Field:   fmt.Sprintf("levels[%d]", i),
				Value:   qty.String(),
				Message: fmt.Sprintf("below exchange minimums (min_qty=%s min_notional=%s)", precision.MinQty, precision.MinNotional),
			}
		}

		lvl.Quantity = qty
		out[i] = lvl
	}
	return out, nil
}

// ResolveLevels returns the descriptors for a pyramid, honoring the
// configuration's per-pyramid override.
func ResolveLevels(cfg *core.DCAConfiguration, pyramidIndex int) []core.DCALevel {
	return cfg.LevelsForPyramid(pyramidIndex)
}
