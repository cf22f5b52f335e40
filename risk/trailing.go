package risk

import (
	"github.com/shopspring/decimal"

	"github.com/soryn-dev/trailbot/types"
)

// TrailConfig parameterizes one trailing-stop state machine. The paper engine
// and the live reconciler each carry their own instance.
type TrailConfig struct {
	TriggerPercent    decimal.Decimal // activate once ROI high-water mark reaches this
	StepPercent       decimal.Decimal // lock = high-water mark − step
	Level1LockPercent decimal.Decimal // floor for the first lock, e.g. 0 = breakeven
}

// TrailState is the mutable part of the machine, embedded in whichever
// position type owns it.
type TrailState struct {
	HighestRoiPercent decimal.Decimal
	Activated         bool
}

// advance folds the current ROI into the high-water mark.
func (s *TrailState) advance(roi decimal.Decimal) {
	if roi.GreaterThan(s.HighestRoiPercent) {
		s.HighestRoiPercent = roi
	}
}

// NextStop runs one tick of the trailing machine. It updates st in place and
// returns the stop price the position should carry plus whether that differs
// from curStop. The returned stop never loosens: activation uses
// max(highWaterMark − step, level1Lock), later ticks move the stop only when
// the new level is more favorable.
func (c TrailConfig) NextStop(entry, price, curStop decimal.Decimal, dir types.Direction, leverage decimal.Decimal, st *TrailState) (decimal.Decimal, bool) {
	roi := RoiPercent(entry, price, dir, leverage)
	st.advance(roi)

	if !st.Activated {
		if st.HighestRoiPercent.LessThan(c.TriggerPercent) {
			return curStop, false
		}
		st.Activated = true
		lock := st.HighestRoiPercent.Sub(c.StepPercent)
		if lock.LessThan(c.Level1LockPercent) {
			lock = c.Level1LockPercent
		}
		stop := PriceAtRoi(entry, lock, dir, leverage)
		if curStop.IsZero() || MoreFavorable(dir, stop, curStop) {
			return stop, true
		}
		return curStop, false
	}

	lock := st.HighestRoiPercent.Sub(c.StepPercent)
	stop := PriceAtRoi(entry, lock, dir, leverage)
	if MoreFavorable(dir, stop, curStop) {
		return stop, true
	}
	return curStop, false
}
