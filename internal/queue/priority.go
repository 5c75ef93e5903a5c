// Package queue holds signals that were denied an execution slot and
// promotes them in strict priority order once capacity frees up.
package queue

import (
	"time"

	"github.com/shopspring/decimal"

	"dca_engine/internal/core"
)

// Priority tier bases. Tiers are separated by orders of magnitude so no
// in-tier sub-score can cross into the tier above; |loss_percent| clamps at
// 99 to keep Tier B strictly below Tier A.
var (
	tierPyramid = decimal.NewFromInt(10_000_000)
	tierLoss    = decimal.NewFromInt(1_000_000)
	tierReplace = decimal.NewFromInt(10_000)
	tierFIFO    = decimal.NewFromInt(1_000)

	lossStep    = decimal.NewFromInt(10_000)
	replaceStep = decimal.NewFromInt(100)
	ageWeight   = decimal.NewFromFloat(0.001)
	lossClamp   = decimal.NewFromInt(99)
)

// Score computes a signal's promotion priority at the given instant. Higher
// wins. Pyramid continuations outrank signals showing unrealized loss, which
// outrank replaced signals, which outrank plain FIFO; seconds in queue break
// ties inside every tier so older signals win.
func Score(signal *core.QueuedSignal, now time.Time) decimal.Decimal {
	age := decimal.NewFromFloat(now.Sub(signal.QueuedAt).Seconds()).Mul(ageWeight)

	switch {
	case signal.IsPyramidContinuation:
		return tierPyramid.Add(age)
	case signal.CurrentLossPercent.IsNegative():
		loss := signal.CurrentLossPercent.Abs()
		if loss.GreaterThan(lossClamp) {
			loss = lossClamp
		}
		return tierLoss.Add(loss.Mul(lossStep)).Add(age)
	case signal.ReplacementCount > 0:
		count := decimal.NewFromInt(int64(signal.ReplacementCount))
		return tierReplace.Add(count.Mul(replaceStep)).Add(age)
	default:
		return tierFIFO.Add(age)
	}
}
