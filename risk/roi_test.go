package risk

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soryn-dev/trailbot/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

func TestRoiPercent(t *testing.T) {
	tests := []struct {
		name     string
		entry    string
		current  string
		dir      types.Direction
		leverage string
		want     string
	}{
		{"long 2% move 10x", "100", "102", types.Long, "10", "20"},
		{"long drawdown", "100", "99", types.Long, "10", "-10"},
		{"short profits from drop", "100", "98", types.Short, "10", "20"},
		{"short loses on rise", "100", "101", types.Short, "5", "-5"},
		{"flat", "100", "100", types.Long, "20", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := RoiPercent(d(tt.entry), d(tt.current), tt.dir, d(tt.leverage))
			assert.True(t, got.Equal(d(tt.want)), "got %s want %s", got, tt.want)
		})
	}
}

func TestRoiPercentZeroEntry(t *testing.T) {
	got := RoiPercent(decimal.Zero, d("100"), types.Long, d("10"))
	assert.True(t, got.IsZero())
}

func TestInitialStopPlacement(t *testing.T) {
	// entry=100, leverage=10, initial stop 20% of margin → stop 98 for a long
	stop := InitialStop(d("100"), types.Long, d("10"), d("20"))
	require.True(t, stop.Equal(d("98")), "got %s", stop)

	stop = InitialStop(d("100"), types.Short, d("10"), d("20"))
	require.True(t, stop.Equal(d("102")), "got %s", stop)
}

func TestPriceAtRoiRoundTrip(t *testing.T) {
	entry, leverage := d("250.5"), d("20")
	for _, dir := range []types.Direction{types.Long, types.Short} {
		price := PriceAtRoi(entry, d("35"), dir, leverage)
		roi := RoiPercent(entry, price, dir, leverage)
		assert.True(t, roi.Equal(d("35")), "%s: got %s", dir, roi)
	}
}

func TestMoreFavorable(t *testing.T) {
	assert.True(t, MoreFavorable(types.Long, d("101"), d("100")))
	assert.False(t, MoreFavorable(types.Long, d("99"), d("100")))
	assert.False(t, MoreFavorable(types.Long, d("100"), d("100")))
	assert.True(t, MoreFavorable(types.Short, d("99"), d("100")))
	assert.False(t, MoreFavorable(types.Short, d("101"), d("100")))
}

func TestStopHit(t *testing.T) {
	assert.True(t, StopHit(types.Long, d("98"), d("98")))
	assert.True(t, StopHit(types.Long, d("97.5"), d("98")))
	assert.False(t, StopHit(types.Long, d("98.01"), d("98")))
	assert.True(t, StopHit(types.Short, d("102"), d("102")))
	assert.False(t, StopHit(types.Short, d("101.99"), d("102")))
	assert.False(t, StopHit(types.Long, d("1"), decimal.Zero))
}

func TestTrailActivation(t *testing.T) {
	// trigger=10, step=8, level1Lock=0, long, entry=100, lev=10:
	// price 101.2 → ROI 12% → activation, lock 12−8=4 → stop 100.4
	cfg := TrailConfig{TriggerPercent: d("10"), StepPercent: d("8"), Level1LockPercent: d("0")}
	st := &TrailState{}

	stop, moved := cfg.NextStop(d("100"), d("101.2"), d("98"), types.Long, d("10"), st)
	require.True(t, moved)
	require.True(t, st.Activated)
	assert.True(t, stop.Equal(d("100.4")), "got %s", stop)
}

func TestTrailBelowTriggerDoesNothing(t *testing.T) {
	cfg := TrailConfig{TriggerPercent: d("10"), StepPercent: d("8")}
	st := &TrailState{}

	stop, moved := cfg.NextStop(d("100"), d("100.9"), d("98"), types.Long, d("10"), st)
	assert.False(t, moved)
	assert.False(t, st.Activated)
	assert.True(t, stop.Equal(d("98")))
	assert.True(t, st.HighestRoiPercent.Equal(d("9")))
}

func TestTrailLevel1LockFloor(t *testing.T) {
	// Step larger than trigger would lock a loss; level1Lock forces breakeven.
	cfg := TrailConfig{TriggerPercent: d("10"), StepPercent: d("15"), Level1LockPercent: d("0")}
	st := &TrailState{}

	stop, moved := cfg.NextStop(d("100"), d("101"), d("98"), types.Long, d("10"), st)
	require.True(t, moved)
	assert.True(t, stop.Equal(d("100")), "breakeven expected, got %s", stop)
}

func TestTrailNeverLoosens(t *testing.T) {
	cfg := TrailConfig{TriggerPercent: d("10"), StepPercent: d("8")}
	st := &TrailState{}

	stop, moved := cfg.NextStop(d("100"), d("102"), d("98"), types.Long, d("10"), st)
	require.True(t, moved) // ROI 20 → lock 12 → stop 101.2
	require.True(t, stop.Equal(d("101.2")), "got %s", stop)

	// Price retreats: high-water mark holds, stop must not move back.
	stop2, moved2 := cfg.NextStop(d("100"), d("101.5"), stop, types.Long, d("10"), st)
	assert.False(t, moved2)
	assert.True(t, stop2.Equal(stop))
	assert.True(t, st.HighestRoiPercent.Equal(d("20")))

	// New high tightens again.
	stop3, moved3 := cfg.NextStop(d("100"), d("103"), stop2, types.Long, d("10"), st)
	require.True(t, moved3)
	assert.True(t, stop3.Equal(d("102.2")), "got %s", stop3)
}

func TestTrailShortDirection(t *testing.T) {
	cfg := TrailConfig{TriggerPercent: d("10"), StepPercent: d("8")}
	st := &TrailState{}

	// Short from 100, price falls to 98 → ROI 20% at 10x → lock 12 → stop 98.8
	stop, moved := cfg.NextStop(d("100"), d("98"), d("102"), types.Short, d("10"), st)
	require.True(t, moved)
	assert.True(t, stop.Equal(d("98.8")), "got %s", stop)

	// Price bounces up: stop stays put.
	stop2, moved2 := cfg.NextStop(d("100"), d("98.5"), stop, types.Short, d("10"), st)
	assert.False(t, moved2)
	assert.True(t, stop2.Equal(stop))
}
