package config

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Presets returns the built-in strategy lineup. Each entry is one bot; they
// share the engine and differ only in parameters.
func Presets() ([]StrategyConfig, error) {
	builders := []*StrategyBuilder{
		// High leverage burns fast; the breaker sits tight on this one.
		NewStrategy("scalp-15m").
			Timeframes("15m").
			Leverage(20).
			PositionSize(decimal.NewFromInt(5)).
			Stops(decimal.NewFromInt(25), decimal.NewFromInt(40), decimal.NewFromInt(25), decimal.Zero).
			Breaker(4, decimal.NewFromInt(25), 2*time.Hour),

		NewStrategy("swing-1h").
			Timeframes("1h").
			Leverage(10).
			Stops(decimal.NewFromInt(20), decimal.NewFromInt(50), decimal.NewFromInt(30), decimal.Zero),

		NewStrategy("swing-4h").
			Timeframes("4h").
			Leverage(5).
			PositionSize(decimal.NewFromInt(15)).
			Stops(decimal.NewFromInt(15), decimal.NewFromInt(60), decimal.NewFromInt(35), decimal.NewFromInt(5)),

		NewStrategy("confluence-1h-15m").
			Confluence("1h", 30*time.Minute, "15m", "30m").
			Leverage(10).
			Stops(decimal.NewFromInt(20), decimal.NewFromInt(50), decimal.NewFromInt(30), decimal.Zero),

		NewStrategy("confluence-4h-1h").
			Confluence("4h", 2*time.Hour, "1h").
			Leverage(5).
			MaxPositions(3).
			Stops(decimal.NewFromInt(15), decimal.NewFromInt(60), decimal.NewFromInt(35), decimal.NewFromInt(5)).
			Mirror(),
	}

	cfgs := make([]StrategyConfig, 0, len(builders))
	seen := make(map[string]bool)
	for _, b := range builders {
		cfg, err := b.Build()
		if err != nil {
			return nil, err
		}
		if seen[cfg.Name] {
			return nil, fmt.Errorf("duplicate strategy name %q", cfg.Name)
		}
		seen[cfg.Name] = true
		cfgs = append(cfgs, cfg)
	}
	return cfgs, nil
}
