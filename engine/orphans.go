package engine

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"golang.org/x/sync/errgroup"
)

// PriceFunc fetches the current price for one symbol.
type PriceFunc func(ctx context.Context, symbol string) (decimal.Decimal, error)

// UpdateOrphaned polls prices for positions whose originating setup has been
// removed, so stop and trailing evaluation keeps running without fresh
// signals. One fetch per distinct symbol, fetches run concurrently, and a
// failure for one symbol never blocks the others.
func (e *Engine) UpdateOrphaned(ctx context.Context, getPrice PriceFunc) {
	symbols := e.orphanedSymbols()
	if len(symbols) == 0 {
		return
	}

	var mu sync.Mutex
	prices := make(map[string]decimal.Decimal, len(symbols))

	g, ctx := errgroup.WithContext(ctx)
	for _, symbol := range symbols {
		symbol := symbol
		g.Go(func() error {
			price, err := getPrice(ctx, symbol)
			if err != nil {
				log.Warn().Err(err).Str("strategy", e.cfg.Name).Str("symbol", symbol).Msg("Orphan price fetch failed")
				return nil
			}
			mu.Lock()
			prices[symbol] = price
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	for symbol, price := range prices {
		e.UpdatePrice(symbol, price)
	}
}

func (e *Engine) orphanedSymbols() []string {
	e.mu.RLock()
	defer e.mu.RUnlock()

	seen := make(map[string]bool)
	var out []string
	for key, pos := range e.open {
		if pos.Orphaned && !seen[key.Symbol] {
			seen[key.Symbol] = true
			out = append(out, key.Symbol)
		}
	}
	return out
}
