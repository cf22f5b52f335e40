package confluence

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/soryn-dev/trailbot/config"
	"github.com/soryn-dev/trailbot/engine"
	"github.com/soryn-dev/trailbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONFLUENCE AGGREGATOR - Multi-timeframe entry gate
// ═══════════════════════════════════════════════════════════════════════════════
//
// Buffers recent triggers per (symbol, direction, timeframe) inside a sliding
// window. An entry fires only when the required timeframe and at least one
// confirming timeframe have both triggered inside the window. The required
// timeframe's setup is the economic basis of the trade; confirming ones are
// a gate, never the entry reference.
//
// Positions opened here are deliberately NOT closed when the signal plays
// out: played_out updates are remapped to triggered before they reach the
// engine, so only the stop-loss / trailing-stop machinery can close them.
//
// ═══════════════════════════════════════════════════════════════════════════════

// triggerKey is the composite key for the trigger buffer: one flat map
// instead of three nested ones keeps pruning a single pass.
type triggerKey struct {
	Symbol    string
	Direction types.Direction
	Timeframe string
}

type triggerRecord struct {
	setup types.Setup
	at    time.Time
}

type Aggregator struct {
	mu      sync.Mutex
	cfg     config.StrategyConfig
	eng     *engine.Engine
	records map[triggerKey]triggerRecord
	now     func() time.Time
}

// New wires an aggregator in front of a confluence-configured engine.
func New(cfg config.StrategyConfig, eng *engine.Engine) *Aggregator {
	return &Aggregator{
		cfg:     cfg,
		eng:     eng,
		records: make(map[triggerKey]triggerRecord),
		now:     time.Now,
	}
}

// OnNewSetup records a fresh trigger and opens a position when confluence
// holds.
func (a *Aggregator) OnNewSetup(setup *types.Setup) {
	a.observe(setup)
}

// OnSetupUpdated records state transitions and forwards the tick to the
// engine with the played_out override applied.
func (a *Aggregator) OnSetupUpdated(setup *types.Setup) {
	a.observe(setup)

	if setup.State == types.SetupPlayedOut {
		remapped := *setup
		remapped.State = types.SetupTriggered
		a.eng.OnSetupUpdated(&remapped)
		return
	}
	a.eng.OnSetupUpdated(setup)
}

// OnSetupRemoved drops the buffered trigger and lets the engine orphan any
// open position.
func (a *Aggregator) OnSetupRemoved(setup *types.Setup) {
	a.mu.Lock()
	delete(a.records, triggerKey{Symbol: setup.Symbol, Direction: setup.Direction, Timeframe: setup.Timeframe})
	a.mu.Unlock()

	a.eng.OnSetupRemoved(setup)
}

// observe buffers triggered/deep_extreme setups on configured timeframes and
// fires the entry when the gate opens.
func (a *Aggregator) observe(setup *types.Setup) {
	if setup.State != types.SetupTriggered && setup.State != types.SetupDeepExtreme {
		return
	}
	if !a.configuredTimeframe(setup.Timeframe) {
		return
	}

	a.mu.Lock()
	a.prune()
	a.records[triggerKey{Symbol: setup.Symbol, Direction: setup.Direction, Timeframe: setup.Timeframe}] = triggerRecord{
		setup: *setup,
		at:    a.now(),
	}
	basis, ok := a.confluenceLocked(setup.Symbol, setup.Direction)
	a.mu.Unlock()

	if !ok {
		return
	}
	if a.eng.HasOpen(setup.Symbol, setup.Direction) {
		return
	}

	log.Info().
		Str("strategy", a.cfg.Name).
		Str("symbol", setup.Symbol).
		Str("direction", string(setup.Direction)).
		Str("required_tf", a.cfg.RequiredTimeframe).
		Msg("🎯 Confluence fired")

	a.eng.Open(&basis)
}

// HasConfluence reports whether the gate is currently open for the key.
func (a *Aggregator) HasConfluence(symbol string, dir types.Direction) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.prune()
	_, ok := a.confluenceLocked(symbol, dir)
	return ok
}

// confluenceLocked checks the gate and returns the required-timeframe setup
// as the entry basis. Caller holds a.mu and has pruned.
func (a *Aggregator) confluenceLocked(symbol string, dir types.Direction) (types.Setup, bool) {
	required, ok := a.records[triggerKey{Symbol: symbol, Direction: dir, Timeframe: a.cfg.RequiredTimeframe}]
	if !ok {
		return types.Setup{}, false
	}
	for _, tf := range a.cfg.ConfirmingTimeframes {
		if _, ok := a.records[triggerKey{Symbol: symbol, Direction: dir, Timeframe: tf}]; ok {
			return required.setup, true
		}
	}
	return types.Setup{}, false
}

// prune drops every record at or past the window age, across all keys: a
// trigger survives strictly less than the window. Caller holds a.mu.
func (a *Aggregator) prune() {
	cutoff := a.now().Add(-a.cfg.ConfluenceWindow)
	for key, rec := range a.records {
		if !rec.at.After(cutoff) {
			delete(a.records, key)
		}
	}
}

func (a *Aggregator) configuredTimeframe(tf string) bool {
	if tf == a.cfg.RequiredTimeframe {
		return true
	}
	for _, c := range a.cfg.ConfirmingTimeframes {
		if c == tf {
			return true
		}
	}
	return false
}
