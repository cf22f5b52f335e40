package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// StrategyConfig is the full parameter set for one simulated strategy. The
// dozens of bot variants are instances of this one struct, built with the
// fluent builder below — variants are data, not code.
type StrategyConfig struct {
	Name string

	// Sizing
	InitialBalance      decimal.Decimal
	PositionSizePercent decimal.Decimal // % of balance used as margin per trade
	Leverage            decimal.Decimal
	MaxOpenPositions    int

	// Stops
	InitialStopLossPercent decimal.Decimal // ROI % of margin
	TrailTriggerPercent    decimal.Decimal
	TrailStepPercent       decimal.Decimal
	Level1LockPercent      decimal.Decimal

	// Entry gating
	Timeframes           []string // setups outside these are ignored
	UseConfluence        bool
	RequiredTimeframe    string
	ConfirmingTimeframes []string
	ConfluenceWindow     time.Duration

	// Exit policy
	CloseOnPlayedOut bool // default single-timeframe behavior

	// Circuit breaker; zero values disable the respective check
	MaxConsecutiveLosses int
	MaxDrawdownPercent   decimal.Decimal
	BreakerCooldown      time.Duration

	// Live mirroring
	MirrorToExchange bool
}

// Validate rejects configs the engine cannot run.
func (c StrategyConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("strategy name required")
	}
	if c.Leverage.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%s: leverage must be positive", c.Name)
	}
	if c.PositionSizePercent.LessThanOrEqual(decimal.Zero) {
		return fmt.Errorf("%s: position size percent must be positive", c.Name)
	}
	if c.MaxOpenPositions <= 0 {
		return fmt.Errorf("%s: max open positions must be positive", c.Name)
	}
	if (c.MaxConsecutiveLosses > 0 || c.MaxDrawdownPercent.IsPositive()) && c.BreakerCooldown <= 0 {
		return fmt.Errorf("%s: circuit breaker needs a cooldown", c.Name)
	}
	if c.UseConfluence {
		if c.RequiredTimeframe == "" {
			return fmt.Errorf("%s: confluence needs a required timeframe", c.Name)
		}
		if len(c.ConfirmingTimeframes) == 0 {
			return fmt.Errorf("%s: confluence needs confirming timeframes", c.Name)
		}
		if c.ConfluenceWindow <= 0 {
			return fmt.Errorf("%s: confluence window must be positive", c.Name)
		}
	}
	return nil
}

// StrategyBuilder assembles a StrategyConfig with chainable setters.
type StrategyBuilder struct {
	cfg StrategyConfig
}

// NewStrategy starts a builder with conservative defaults.
func NewStrategy(name string) *StrategyBuilder {
	return &StrategyBuilder{cfg: StrategyConfig{
		Name:                   name,
		InitialBalance:         decimal.NewFromInt(1000),
		PositionSizePercent:    decimal.NewFromInt(10),
		Leverage:               decimal.NewFromInt(10),
		MaxOpenPositions:       5,
		InitialStopLossPercent: decimal.NewFromInt(20),
		TrailTriggerPercent:    decimal.NewFromInt(50),
		TrailStepPercent:       decimal.NewFromInt(30),
		Level1LockPercent:      decimal.Zero,
		Timeframes:             []string{"1h"},
		CloseOnPlayedOut:       true,
	}}
}

func (b *StrategyBuilder) Balance(v decimal.Decimal) *StrategyBuilder {
	b.cfg.InitialBalance = v
	return b
}

func (b *StrategyBuilder) PositionSize(pct decimal.Decimal) *StrategyBuilder {
	b.cfg.PositionSizePercent = pct
	return b
}

func (b *StrategyBuilder) Leverage(v int64) *StrategyBuilder {
	b.cfg.Leverage = decimal.NewFromInt(v)
	return b
}

func (b *StrategyBuilder) MaxPositions(n int) *StrategyBuilder {
	b.cfg.MaxOpenPositions = n
	return b
}

func (b *StrategyBuilder) Stops(initial, trigger, step, level1Lock decimal.Decimal) *StrategyBuilder {
	b.cfg.InitialStopLossPercent = initial
	b.cfg.TrailTriggerPercent = trigger
	b.cfg.TrailStepPercent = step
	b.cfg.Level1LockPercent = level1Lock
	return b
}

func (b *StrategyBuilder) Timeframes(tfs ...string) *StrategyBuilder {
	b.cfg.Timeframes = tfs
	return b
}

// Confluence gates entries on a required timeframe plus any confirming one
// inside the window. Confluence strategies never close on played_out.
func (b *StrategyBuilder) Confluence(required string, window time.Duration, confirming ...string) *StrategyBuilder {
	b.cfg.UseConfluence = true
	b.cfg.RequiredTimeframe = required
	b.cfg.ConfirmingTimeframes = confirming
	b.cfg.ConfluenceWindow = window
	b.cfg.CloseOnPlayedOut = false
	tfs := append([]string{required}, confirming...)
	b.cfg.Timeframes = tfs
	return b
}

// Breaker halts new entries after maxLosses losing closes in a row or a
// drawdown beyond maxDrawdownPct of peak equity, for the cooldown duration.
func (b *StrategyBuilder) Breaker(maxLosses int, maxDrawdownPct decimal.Decimal, cooldown time.Duration) *StrategyBuilder {
	b.cfg.MaxConsecutiveLosses = maxLosses
	b.cfg.MaxDrawdownPercent = maxDrawdownPct
	b.cfg.BreakerCooldown = cooldown
	return b
}

func (b *StrategyBuilder) Mirror() *StrategyBuilder {
	b.cfg.MirrorToExchange = true
	return b
}

// Build validates and returns the config.
func (b *StrategyBuilder) Build() (StrategyConfig, error) {
	if err := b.cfg.Validate(); err != nil {
		return StrategyConfig{}, err
	}
	return b.cfg, nil
}
