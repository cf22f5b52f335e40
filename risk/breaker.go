package risk

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CIRCUIT BREAKER - Protection against consecutive losses
// ═══════════════════════════════════════════════════════════════════════════════
//
// Halts NEW entries for one strategy after a run of losing closes or when
// equity draws down too far from its peak. Open positions are unaffected;
// their stops keep working. The trip expires after the cooldown.
//
// ═══════════════════════════════════════════════════════════════════════════════

type Breaker struct {
	mu sync.Mutex

	maxConsecutiveLosses int             // 0 disables the streak check
	maxDrawdownPct       decimal.Decimal // percent off peak equity, zero disables
	cooldown             time.Duration

	consecutiveLosses int
	peakEquity        decimal.Decimal
	tripped           bool
	trippedAt         time.Time

	now func() time.Time
}

func NewBreaker(maxLosses int, maxDrawdownPct decimal.Decimal, cooldown time.Duration) *Breaker {
	return &Breaker{
		maxConsecutiveLosses: maxLosses,
		maxDrawdownPct:       maxDrawdownPct,
		cooldown:             cooldown,
		now:                  time.Now,
	}
}

// Allow reports whether a new entry may open at the given equity.
func (b *Breaker) Allow(equity decimal.Decimal) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if equity.GreaterThan(b.peakEquity) {
		b.peakEquity = equity
	}

	if b.tripped {
		if b.now().Sub(b.trippedAt) > b.cooldown {
			b.tripped = false
			b.consecutiveLosses = 0
			log.Info().Msg("✅ Circuit breaker reset after cooldown")
			return true
		}
		return false
	}

	if b.maxDrawdownPct.IsPositive() && b.peakEquity.IsPositive() {
		drawdown := b.peakEquity.Sub(equity).Div(b.peakEquity).Mul(hundred)
		if drawdown.GreaterThan(b.maxDrawdownPct) {
			b.trip("max drawdown exceeded")
			return false
		}
	}
	return true
}

// RecordClose feeds one realized P&L into the loss streak.
func (b *Breaker) RecordClose(pnl decimal.Decimal) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if pnl.IsNegative() {
		b.consecutiveLosses++
		if b.maxConsecutiveLosses > 0 && b.consecutiveLosses >= b.maxConsecutiveLosses {
			b.trip("max consecutive losses")
		}
		return
	}
	b.consecutiveLosses = 0
}

// Tripped returns the current trip state without advancing the cooldown.
func (b *Breaker) Tripped() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.tripped
}

func (b *Breaker) trip(reason string) {
	if b.tripped {
		return
	}
	b.tripped = true
	b.trippedAt = b.now()
	log.Warn().
		Str("reason", reason).
		Int("consecutive_losses", b.consecutiveLosses).
		Dur("cooldown", b.cooldown).
		Msg("🚨 Circuit breaker tripped")
}
