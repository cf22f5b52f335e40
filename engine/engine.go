package engine

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/soryn-dev/trailbot/config"
	"github.com/soryn-dev/trailbot/risk"
	"github.com/soryn-dev/trailbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION ENGINE - Trailing-stop state machine for one strategy
// ═══════════════════════════════════════════════════════════════════════════════
//
// One instance per strategy preset. Each instance owns its own maps, so two
// strategies can never race on the same position. Lifecycle:
//
//   none → open → closed:{stop_loss | trailing_stop | manual | external | expired}
//
// Closed is terminal. Open and Tick treat rejections (duplicate key, cap hit,
// bad price) as nil/no-op outcomes, not errors.
//
// ═══════════════════════════════════════════════════════════════════════════════

// CloseListener is told about every close exactly once.
type CloseListener func(pos *types.Position)

type Engine struct {
	mu    sync.RWMutex
	cfg   config.StrategyConfig
	trail risk.TrailConfig

	balance     decimal.Decimal
	peakBalance decimal.Decimal

	open    map[types.PositionKey]*types.Position
	closed  []*types.Position
	seq     int
	breaker *risk.Breaker // nil when the strategy runs without one

	onClose CloseListener
	now     func() time.Time
}

// New builds an engine from a validated strategy config.
func New(cfg config.StrategyConfig) *Engine {
	var breaker *risk.Breaker
	if cfg.MaxConsecutiveLosses > 0 || cfg.MaxDrawdownPercent.IsPositive() {
		breaker = risk.NewBreaker(cfg.MaxConsecutiveLosses, cfg.MaxDrawdownPercent, cfg.BreakerCooldown)
	}
	return &Engine{
		cfg: cfg,
		trail: risk.TrailConfig{
			TriggerPercent:    cfg.TrailTriggerPercent,
			StepPercent:       cfg.TrailStepPercent,
			Level1LockPercent: cfg.Level1LockPercent,
		},
		balance:     cfg.InitialBalance,
		peakBalance: cfg.InitialBalance,
		open:        make(map[types.PositionKey]*types.Position),
		breaker:     breaker,
		now:         time.Now,
	}
}

// Name returns the strategy name this engine runs.
func (e *Engine) Name() string { return e.cfg.Name }

// Config returns the strategy parameters.
func (e *Engine) Config() config.StrategyConfig { return e.cfg }

// OnClose registers the close listener. Must be called before the engine
// starts receiving setups.
func (e *Engine) OnClose(fn CloseListener) { e.onClose = fn }

// Open opens a simulated position from a triggered setup. Returns nil when
// the slot is taken, the cap is reached, the balance is exhausted, or the
// setup carries no usable price — all normal outcomes, not errors.
func (e *Engine) Open(setup *types.Setup) *types.Position {
	entry := setup.EntryPrice
	if entry.LessThanOrEqual(decimal.Zero) {
		entry = setup.CurrentPrice
	}
	if entry.LessThanOrEqual(decimal.Zero) {
		log.Debug().Str("strategy", e.cfg.Name).Str("symbol", setup.Symbol).Msg("Open skipped: no usable price")
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	key := types.PositionKey{Symbol: setup.Symbol, Direction: setup.Direction}
	if _, exists := e.open[key]; exists {
		return nil
	}
	if len(e.open) >= e.cfg.MaxOpenPositions {
		log.Debug().Str("strategy", e.cfg.Name).Str("symbol", setup.Symbol).Msg("Open skipped: position cap reached")
		return nil
	}

	if e.breaker != nil && !e.breaker.Allow(e.balance) {
		log.Debug().Str("strategy", e.cfg.Name).Str("symbol", setup.Symbol).Msg("Open skipped: circuit breaker tripped")
		return nil
	}

	margin := e.balance.Mul(e.cfg.PositionSizePercent).Div(decimal.NewFromInt(100))
	if margin.LessThanOrEqual(decimal.Zero) {
		return nil
	}

	e.seq++
	pos := &types.Position{
		ID:            fmt.Sprintf("%s-%s-%s-%d", e.cfg.Name, setup.Symbol, setup.Direction, e.seq),
		Symbol:        setup.Symbol,
		Direction:     setup.Direction,
		EntryPrice:    entry,
		EntryTime:     e.now(),
		Leverage:      e.cfg.Leverage,
		MarginUsed:    margin,
		NotionalSize:  margin.Mul(e.cfg.Leverage),
		StopLossPrice: risk.InitialStop(entry, setup.Direction, e.cfg.Leverage, e.cfg.InitialStopLossPercent),
		Status:        types.StatusOpen,
		Strategy:      e.cfg.Name,
	}
	e.open[key] = pos

	log.Info().
		Str("strategy", e.cfg.Name).
		Str("symbol", pos.Symbol).
		Str("direction", string(pos.Direction)).
		Str("entry", pos.EntryPrice.String()).
		Str("stop", pos.StopLossPrice.String()).
		Str("margin", pos.MarginUsed.StringFixed(2)).
		Msg("✅ Position opened")

	return pos
}

// OnSetupUpdated feeds a signal update for a symbol the engine may hold. The
// played_out state closes the position only when the strategy says so; the
// confluence path remaps that state away before it ever reaches here.
func (e *Engine) OnSetupUpdated(setup *types.Setup) {
	if !e.tracksTimeframe(setup.Timeframe) {
		return
	}
	if setup.State == types.SetupPlayedOut && e.cfg.CloseOnPlayedOut {
		e.closeAt(types.PositionKey{Symbol: setup.Symbol, Direction: setup.Direction}, setup.CurrentPrice, types.ExitExpired)
		return
	}
	e.UpdatePrice(setup.Symbol, setup.CurrentPrice)
}

// OnSetupRemoved flags the matching position as orphaned. The position stays
// open; price polling for it moves to UpdateOrphaned.
func (e *Engine) OnSetupRemoved(setup *types.Setup) {
	e.mu.Lock()
	defer e.mu.Unlock()

	key := types.PositionKey{Symbol: setup.Symbol, Direction: setup.Direction}
	if pos, ok := e.open[key]; ok && !pos.Orphaned {
		pos.Orphaned = true
		log.Info().Str("strategy", e.cfg.Name).Str("symbol", setup.Symbol).Msg("Setup removed, position orphaned")
	}
}

// UpdatePrice runs one trailing-stop tick for every open position on the
// symbol. A zero or negative price skips the tick.
func (e *Engine) UpdatePrice(symbol string, price decimal.Decimal) {
	if price.LessThanOrEqual(decimal.Zero) {
		return
	}

	e.mu.Lock()
	var closed []*types.Position
	for _, dir := range []types.Direction{types.Long, types.Short} {
		key := types.PositionKey{Symbol: symbol, Direction: dir}
		if pos, ok := e.open[key]; ok {
			if e.updateLocked(key, pos, price) {
				closed = append(closed, pos)
			}
		}
	}
	e.mu.Unlock()

	for _, pos := range closed {
		e.notifyClose(pos)
	}
}

// updateLocked advances one position. Caller holds e.mu. Returns true when
// the position closed on this tick.
func (e *Engine) updateLocked(key types.PositionKey, pos *types.Position, price decimal.Decimal) bool {
	st := risk.TrailState{HighestRoiPercent: pos.HighestRoiPercent, Activated: pos.TrailActivated}
	wasActive := pos.TrailActivated

	stop, moved := e.trail.NextStop(pos.EntryPrice, price, pos.StopLossPrice, pos.Direction, pos.Leverage, &st)
	pos.HighestRoiPercent = st.HighestRoiPercent
	pos.TrailActivated = st.Activated
	if moved {
		pos.StopLossPrice = stop
		evt := log.Info().
			Str("strategy", e.cfg.Name).
			Str("symbol", pos.Symbol).
			Str("stop", stop.String()).
			Str("high_roi", pos.HighestRoiPercent.StringFixed(2))
		if !wasActive {
			evt.Msg("🔒 Trailing activated")
		} else {
			evt.Msg("Trailing stop moved")
		}
	}

	if risk.StopHit(pos.Direction, price, pos.StopLossPrice) {
		reason := types.ExitStopLoss
		if pos.TrailActivated {
			reason = types.ExitTrailingStop
		}
		e.closeLocked(key, pos, pos.StopLossPrice, reason)
		return true
	}
	return false
}

// CloseManual closes a position at the given price on operator request.
// Returns the closed position, or nil if none was open for the key.
func (e *Engine) CloseManual(symbol string, dir types.Direction, price decimal.Decimal) *types.Position {
	return e.closeAt(types.PositionKey{Symbol: symbol, Direction: dir}, price, types.ExitManual)
}

// CloseExternal closes a mirrored position at the fill price the exchange
// reported. Used by reconciliation when the venue closed the live leg.
func (e *Engine) CloseExternal(symbol string, dir types.Direction, fillPrice decimal.Decimal) *types.Position {
	return e.closeAt(types.PositionKey{Symbol: symbol, Direction: dir}, fillPrice, types.ExitExternal)
}

func (e *Engine) closeAt(key types.PositionKey, price decimal.Decimal, reason types.ExitReason) *types.Position {
	if price.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	e.mu.Lock()
	pos, ok := e.open[key]
	if !ok {
		e.mu.Unlock()
		return nil
	}
	e.closeLocked(key, pos, price, reason)
	e.mu.Unlock()

	e.notifyClose(pos)
	return pos
}

// closeLocked finalizes a position. Caller holds e.mu and fires notifyClose
// after unlocking. Exactly one terminal record per position: the key is
// deleted here, so no later tick can close it again.
func (e *Engine) closeLocked(key types.PositionKey, pos *types.Position, price decimal.Decimal, reason types.ExitReason) {
	roi := risk.RoiPercent(pos.EntryPrice, price, pos.Direction, pos.Leverage)
	pnl := pos.MarginUsed.Mul(roi).Div(decimal.NewFromInt(100))

	pos.Status = types.StatusClosed
	pos.ExitPrice = price
	pos.ExitTime = e.now()
	pos.ExitReason = reason
	pos.RealizedPnl = pnl
	pos.RealizedPnlPercent = roi

	delete(e.open, key)
	e.closed = append(e.closed, pos)

	e.balance = e.balance.Add(pnl)
	if e.balance.GreaterThan(e.peakBalance) {
		e.peakBalance = e.balance
	}
	if e.breaker != nil {
		e.breaker.RecordClose(pnl)
	}

	log.Info().
		Str("strategy", e.cfg.Name).
		Str("symbol", pos.Symbol).
		Str("direction", string(pos.Direction)).
		Str("exit", price.String()).
		Str("reason", string(reason)).
		Str("pnl", pnl.StringFixed(2)).
		Str("balance", e.balance.StringFixed(2)).
		Msg("💰 Position closed")
}

// notifyClose tells the listener about a finished close. Never called under
// e.mu: listeners reach into the reconciler and the notifier.
func (e *Engine) notifyClose(pos *types.Position) {
	if e.onClose != nil {
		e.onClose(pos)
	}
}

// HasOpen reports whether the (symbol, direction) slot is occupied.
func (e *Engine) HasOpen(symbol string, dir types.Direction) bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	_, ok := e.open[types.PositionKey{Symbol: symbol, Direction: dir}]
	return ok
}

// OpenPositions returns a snapshot of the open set.
func (e *Engine) OpenPositions() []*types.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*types.Position, 0, len(e.open))
	for _, pos := range e.open {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// ClosedPositions returns a snapshot of the closed history.
func (e *Engine) ClosedPositions() []*types.Position {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]*types.Position, 0, len(e.closed))
	for _, pos := range e.closed {
		cp := *pos
		out = append(out, &cp)
	}
	return out
}

// Balance returns current and peak balance.
func (e *Engine) Balance() (balance, peak decimal.Decimal) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.balance, e.peakBalance
}

// Restore reloads persisted state on startup. Replaces any in-memory state.
func (e *Engine) Restore(open, closed []*types.Position, balance, peak decimal.Decimal) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.open = make(map[types.PositionKey]*types.Position, len(open))
	for _, pos := range open {
		cp := *pos
		e.open[cp.Key()] = &cp
	}
	e.closed = make([]*types.Position, 0, len(closed))
	for _, pos := range closed {
		cp := *pos
		e.closed = append(e.closed, &cp)
	}
	if balance.GreaterThan(decimal.Zero) {
		e.balance = balance
	}
	if peak.GreaterThan(decimal.Zero) {
		e.peakBalance = peak
	}
	e.seq = len(open) + len(closed)
}

func (e *Engine) tracksTimeframe(tf string) bool {
	for _, t := range e.cfg.Timeframes {
		if t == tf {
			return true
		}
	}
	return false
}
