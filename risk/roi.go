package risk

import (
	"github.com/shopspring/decimal"

	"github.com/soryn-dev/trailbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ROI MATH - Margin-relative return and its inverse
// ═══════════════════════════════════════════════════════════════════════════════
//
// ROI/ROE here is return on margin: price move % × leverage. The same two
// conversions drive the simulated engine and the exchange reconciler, only the
// percentages differ.
//
// ═══════════════════════════════════════════════════════════════════════════════

var hundred = decimal.NewFromInt(100)

// RoiPercent returns the unrealized return on margin as a percentage.
// Long: (current−entry)/entry × 100 × leverage. Short: sign flipped.
func RoiPercent(entry, current decimal.Decimal, dir types.Direction, leverage decimal.Decimal) decimal.Decimal {
	if entry.IsZero() {
		return decimal.Zero
	}
	change := current.Sub(entry).Div(entry).Mul(hundred).Mul(leverage)
	if dir == types.Short {
		return change.Neg()
	}
	return change
}

// PriceAtRoi converts an ROI level back to the price that would produce it.
// Long: entry × (1 + roi/100/leverage). Short: entry × (1 − roi/100/leverage).
// A negative roi therefore yields a price on the losing side of entry, which
// is how initial stops are placed.
func PriceAtRoi(entry, roiPct decimal.Decimal, dir types.Direction, leverage decimal.Decimal) decimal.Decimal {
	if leverage.IsZero() {
		return entry
	}
	dist := roiPct.Div(hundred).Div(leverage)
	if dir == types.Short {
		return entry.Mul(decimal.NewFromInt(1).Sub(dist))
	}
	return entry.Mul(decimal.NewFromInt(1).Add(dist))
}

// InitialStop places the stop initialStopPct of margin below entry (long) or
// above entry (short).
func InitialStop(entry decimal.Decimal, dir types.Direction, leverage, initialStopPct decimal.Decimal) decimal.Decimal {
	return PriceAtRoi(entry, initialStopPct.Neg(), dir, leverage)
}

// MoreFavorable reports whether candidate is a strictly tighter stop than
// current for the given direction. A stop only ever moves this way.
func MoreFavorable(dir types.Direction, candidate, current decimal.Decimal) bool {
	if dir == types.Short {
		return candidate.LessThan(current)
	}
	return candidate.GreaterThan(current)
}

// StopHit reports whether price has crossed the stop against the position.
func StopHit(dir types.Direction, price, stop decimal.Decimal) bool {
	if stop.IsZero() {
		return false
	}
	if dir == types.Short {
		return price.GreaterThanOrEqual(stop)
	}
	return price.LessThanOrEqual(stop)
}
