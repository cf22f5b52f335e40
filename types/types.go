package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SHARED TYPES - Avoid import cycles
// ═══════════════════════════════════════════════════════════════════════════════

// Direction of a trade relative to price.
type Direction string

const (
	Long  Direction = "long"
	Short Direction = "short"
)

// Opposite returns the other direction.
func (d Direction) Opposite() Direction {
	if d == Long {
		return Short
	}
	return Long
}

// SetupState is the lifecycle state of an externally produced signal.
type SetupState string

const (
	SetupWatching    SetupState = "watching"
	SetupTriggered   SetupState = "triggered"
	SetupDeepExtreme SetupState = "deep_extreme"
	SetupPlayedOut   SetupState = "played_out"
	SetupReversing   SetupState = "reversing"
	SetupRemoved     SetupState = "removed"
)

// Setup is a signal emitted by the signal generator. The engine never produces
// these, it only consumes them.
type Setup struct {
	Symbol             string
	Direction          Direction
	Timeframe          string
	State              SetupState
	CurrentPrice       decimal.Decimal
	CurrentRSI         decimal.Decimal
	EntryPrice         decimal.Decimal // zero when the setup has not triggered yet
	ImpulsePercentMove decimal.Decimal
	DetectedAt         time.Time
}

// PositionStatus of a simulated position.
type PositionStatus string

const (
	StatusOpen   PositionStatus = "open"
	StatusClosed PositionStatus = "closed"
)

// ExitReason records why a position closed. Every closed position carries
// exactly one of these.
type ExitReason string

const (
	ExitStopLoss     ExitReason = "stop_loss"
	ExitTrailingStop ExitReason = "trailing_stop"
	ExitManual       ExitReason = "manual"
	ExitExternal     ExitReason = "external"
	ExitExpired      ExitReason = "expired"
)

// Position is a simulated leveraged position owned by one strategy engine.
type Position struct {
	ID            string
	Symbol        string
	Direction     Direction
	EntryPrice    decimal.Decimal
	EntryTime     time.Time
	Leverage      decimal.Decimal
	MarginUsed    decimal.Decimal
	NotionalSize  decimal.Decimal // MarginUsed * Leverage
	StopLossPrice decimal.Decimal // only ever moves in the trade's favor once trailing
	TakeProfit    decimal.Decimal // optional, zero when unset

	HighestRoiPercent decimal.Decimal // best unrealized ROI seen so far
	TrailActivated    bool

	Status             PositionStatus
	ExitPrice          decimal.Decimal
	ExitTime           time.Time
	ExitReason         ExitReason
	RealizedPnl        decimal.Decimal
	RealizedPnlPercent decimal.Decimal

	Orphaned bool // originating setup removed, price polled independently
	Strategy string
}

// Key identifies the one slot a position may occupy inside a strategy:
// at most one open position per (symbol, direction).
func (p *Position) Key() PositionKey {
	return PositionKey{Symbol: p.Symbol, Direction: p.Direction}
}

// PositionKey is the composite map key for open positions.
type PositionKey struct {
	Symbol    string
	Direction Direction
}

// TrackedExchangePosition is the local shadow of a live position on the venue.
// It exists iff the reconciler believes the exchange currently holds the
// position.
type TrackedExchangePosition struct {
	Symbol             string
	Direction          Direction
	EntryPrice         decimal.Decimal
	Leverage           decimal.Decimal
	Volume             decimal.Decimal
	CurrentStopPrice   decimal.Decimal
	PlanOrderID        string
	HighestRoePercent  decimal.Decimal
	TrailActivated     bool
	LastModifiedAt     time.Time
	PlanExpiryDeadline time.Time
}

// PositionRecord for display (Telegram bot)
type PositionRecord struct {
	Strategy   string
	Symbol     string
	Direction  Direction
	EntryPrice decimal.Decimal
	StopLoss   decimal.Decimal
	Leverage   decimal.Decimal
	RoiPercent decimal.Decimal
	OpenedAt   time.Time
}
