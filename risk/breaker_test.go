package risk

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func testBreaker(maxLosses int, maxDrawdownPct string, cooldown time.Duration) (*Breaker, *time.Time) {
	clock := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	b := NewBreaker(maxLosses, d(maxDrawdownPct), cooldown)
	b.now = func() time.Time { return clock }
	return b, &clock
}

func TestBreakerTripsOnLossStreak(t *testing.T) {
	b, _ := testBreaker(3, "0", time.Hour)
	equity := d("1000")

	b.RecordClose(d("-10"))
	b.RecordClose(d("-10"))
	assert.True(t, b.Allow(equity))

	b.RecordClose(d("-10"))
	assert.True(t, b.Tripped())
	assert.False(t, b.Allow(equity))
}

func TestBreakerWinResetsStreak(t *testing.T) {
	b, _ := testBreaker(3, "0", time.Hour)

	b.RecordClose(d("-10"))
	b.RecordClose(d("-10"))
	b.RecordClose(d("5"))
	b.RecordClose(d("-10"))
	b.RecordClose(d("-10"))

	assert.False(t, b.Tripped())
	assert.True(t, b.Allow(d("965")))
}

func TestBreakerTripsOnDrawdown(t *testing.T) {
	b, _ := testBreaker(0, "20", time.Hour)

	assert.True(t, b.Allow(d("1000")))
	assert.True(t, b.Allow(d("850")), "15% off peak stays inside the limit")
	assert.False(t, b.Allow(d("790")), "21% off peak trips")
	assert.True(t, b.Tripped())
}

func TestBreakerCooldownExpires(t *testing.T) {
	b, clock := testBreaker(2, "0", time.Hour)

	b.RecordClose(d("-10"))
	b.RecordClose(d("-10"))
	assert.False(t, b.Allow(d("980")))

	*clock = clock.Add(30 * time.Minute)
	assert.False(t, b.Allow(d("980")), "still inside the cooldown")

	*clock = clock.Add(31 * time.Minute)
	assert.True(t, b.Allow(d("980")))
	assert.False(t, b.Tripped())
}

func TestBreakerDisabledChecksNeverTrip(t *testing.T) {
	b, _ := testBreaker(0, "0", time.Hour)

	for i := 0; i < 50; i++ {
		b.RecordClose(d("-10"))
	}
	assert.True(t, b.Allow(d("500")))
	assert.False(t, b.Tripped())
}
