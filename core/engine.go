package core

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/soryn-dev/trailbot/config"
	"github.com/soryn-dev/trailbot/confluence"
	"github.com/soryn-dev/trailbot/engine"
	"github.com/soryn-dev/trailbot/exchange"
	"github.com/soryn-dev/trailbot/risk"
	"github.com/soryn-dev/trailbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// ORCHESTRATOR - Signals in, ticks through, snapshots out
// ═══════════════════════════════════════════════════════════════════════════════
//
// Flow:
//   SignalSource → [ConfluenceAggregator] → PositionEngine.Open
//   price tick (10s) → every engine + reconciler
//   flush tick (30s) → persistence
//
// Setup callbacks are serialized onto the driver goroutine through a channel,
// so each strategy's maps stay single-writer. Engines own disjoint maps; no
// two strategies can touch the same position.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Store is the strategy-side persistence contract.
type Store interface {
	SavePositions(strategy string, open, closed []*types.Position, balance, peak decimal.Decimal) error
	LoadPositions(strategy string) (open, closed []*types.Position, balance, peak decimal.Decimal, err error)
}

// Notifier receives trade and health events. All methods may be called from
// the driver goroutine and must not block on the engines.
type Notifier interface {
	NotifyOpen(pos *types.Position)
	NotifyClose(pos *types.Position)
	NotifyExternalClose(symbol string, dir types.Direction, fillPrice, profit decimal.Decimal)
	NotifyDegraded(degraded bool)
}

// PriceSource is the feed surface the orchestrator consumes.
type PriceSource interface {
	Track(symbol string)
	Snapshot() map[string]decimal.Decimal
	GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
}

type setupEvent struct {
	kind  string // "new", "updated", "removed"
	setup types.Setup
}

type strategyUnit struct {
	cfg config.StrategyConfig
	eng *engine.Engine
	agg *confluence.Aggregator // nil for single-timeframe strategies
}

type Orchestrator struct {
	mu      sync.RWMutex
	cfg     *config.Config
	units   []*strategyUnit
	byName  map[string]*strategyUnit
	feed    PriceSource
	store   Store
	recon   *exchange.Reconciler // nil in pure paper deployments
	health  *exchange.HealthMonitor
	notify  Notifier // may be nil

	setupCh chan setupEvent
	stopCh  chan struct{}
	wg      sync.WaitGroup
	running bool
}

// New assembles the orchestrator. recon and notify may be nil.
func New(cfg *config.Config, strategies []config.StrategyConfig, feed PriceSource, store Store, recon *exchange.Reconciler, health *exchange.HealthMonitor, notify Notifier) *Orchestrator {
	o := &Orchestrator{
		cfg:     cfg,
		byName:  make(map[string]*strategyUnit),
		feed:    feed,
		store:   store,
		recon:   recon,
		health:  health,
		notify:  notify,
		setupCh: make(chan setupEvent, 256),
		stopCh:  make(chan struct{}),
	}

	for _, sc := range strategies {
		unit := &strategyUnit{cfg: sc, eng: engine.New(sc)}
		if sc.UseConfluence {
			unit.agg = confluence.New(sc, unit.eng)
		}
		unit.eng.OnClose(o.closeListener(unit))
		o.units = append(o.units, unit)
		o.byName[sc.Name] = unit
	}

	if recon != nil {
		recon.OnExternalClose(o.handleExternalClose)
	}
	if health != nil {
		health.Notify(
			func() {
				if n := o.notifier(); n != nil {
					n.NotifyDegraded(true)
				}
			},
			func() {
				if n := o.notifier(); n != nil {
					n.NotifyDegraded(false)
				}
			},
		)
	}
	return o
}

// SetNotifier wires the notifier after construction. Must be called before
// Start.
func (o *Orchestrator) SetNotifier(n Notifier) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.notify = n
}

func (o *Orchestrator) notifier() Notifier {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return o.notify
}

// Restore reloads every strategy's persisted snapshot and reconciles the
// exchange before any live trading resumes.
func (o *Orchestrator) Restore(ctx context.Context) error {
	for _, unit := range o.units {
		open, closed, balance, peak, err := o.store.LoadPositions(unit.cfg.Name)
		if err != nil {
			return err
		}
		unit.eng.Restore(open, closed, balance, peak)
		for _, pos := range open {
			o.feed.Track(pos.Symbol)
		}
		if len(open) > 0 || len(closed) > 0 {
			log.Info().
				Str("strategy", unit.cfg.Name).
				Int("open", len(open)).
				Int("closed", len(closed)).
				Msg("Strategy state restored")
		}
	}

	if o.recon != nil {
		if err := o.recon.Reconcile(ctx); err != nil {
			// Startup must not die on a flaky venue; the periodic pass retries.
			log.Warn().Err(err).Msg("Startup reconciliation incomplete, retrying on schedule")
		}
		for _, t := range o.recon.Tracked() {
			o.feed.Track(t.Symbol)
		}
	}
	return nil
}

// Start launches the driver loops.
func (o *Orchestrator) Start() {
	o.mu.Lock()
	if o.running {
		o.mu.Unlock()
		return
	}
	o.running = true
	o.mu.Unlock()

	o.wg.Add(2)
	go o.driverLoop()
	go o.flushLoop()

	log.Info().Int("strategies", len(o.units)).Msg("⚡ Orchestrator started")
}

// Stop halts the loops and flushes once more.
func (o *Orchestrator) Stop() {
	o.mu.Lock()
	if !o.running {
		o.mu.Unlock()
		return
	}
	o.running = false
	close(o.stopCh)
	o.mu.Unlock()

	o.wg.Wait()
	o.flush()
	log.Info().Msg("Orchestrator stopped")
}

// OnNewSetup implements the SignalSource callback contract.
func (o *Orchestrator) OnNewSetup(setup types.Setup) { o.enqueue(setupEvent{kind: "new", setup: setup}) }

// OnSetupUpdated implements the SignalSource callback contract.
func (o *Orchestrator) OnSetupUpdated(setup types.Setup) {
	o.enqueue(setupEvent{kind: "updated", setup: setup})
}

// OnSetupRemoved implements the SignalSource callback contract.
func (o *Orchestrator) OnSetupRemoved(setup types.Setup) {
	o.enqueue(setupEvent{kind: "removed", setup: setup})
}

func (o *Orchestrator) enqueue(ev setupEvent) {
	select {
	case o.setupCh <- ev:
	default:
		// The driver is wedged or flooded; dropping a signal is recoverable,
		// blocking the source is not.
		log.Warn().Str("symbol", ev.setup.Symbol).Msg("Setup queue full, event dropped")
	}
}

func (o *Orchestrator) driverLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.TickInterval)
	defer ticker.Stop()

	// Reconcile slower than prices move: every sixth tick.
	reconcileEvery := 6
	tickCount := 0

	for {
		select {
		case <-o.stopCh:
			return
		case ev := <-o.setupCh:
			o.dispatch(ev)
		case <-ticker.C:
			o.tick()
			tickCount++
			if o.recon != nil && tickCount%reconcileEvery == 0 {
				if err := o.recon.Reconcile(context.Background()); err != nil {
					log.Warn().Err(err).Msg("Reconcile failed, retrying next cycle")
				}
			}
		}
	}
}

// dispatch routes one setup event to every strategy.
func (o *Orchestrator) dispatch(ev setupEvent) {
	if ev.setup.Symbol == "" {
		return // malformed signal, dropped silently
	}
	o.feed.Track(ev.setup.Symbol)

	for _, unit := range o.units {
		setup := ev.setup
		switch ev.kind {
		case "new":
			if unit.agg != nil {
				unit.agg.OnNewSetup(&setup)
			} else {
				o.maybeOpen(unit, &setup)
			}
		case "updated":
			if unit.agg != nil {
				unit.agg.OnSetupUpdated(&setup)
			} else {
				o.maybeOpen(unit, &setup)
				unit.eng.OnSetupUpdated(&setup)
			}
		case "removed":
			if unit.agg != nil {
				unit.agg.OnSetupRemoved(&setup)
			} else {
				unit.eng.OnSetupRemoved(&setup)
			}
		}
	}
}

// maybeOpen applies the single-timeframe entry rule: a triggered or
// deep_extreme setup on a tracked timeframe opens directly.
func (o *Orchestrator) maybeOpen(unit *strategyUnit, setup *types.Setup) {
	if setup.State != types.SetupTriggered && setup.State != types.SetupDeepExtreme {
		return
	}
	if !timeframeIn(setup.Timeframe, unit.cfg.Timeframes) {
		return
	}
	if pos := unit.eng.Open(setup); pos != nil {
		o.opened(unit, pos)
	}
}

// opened handles post-open side effects: notification and live mirroring.
func (o *Orchestrator) opened(unit *strategyUnit, pos *types.Position) {
	if n := o.notifier(); n != nil {
		n.NotifyOpen(pos)
	}
	if !unit.cfg.MirrorToExchange || o.recon == nil || o.cfg.PaperOnly {
		return
	}

	volume := decimal.Zero
	if pos.EntryPrice.IsPositive() {
		volume = pos.NotionalSize.Div(pos.EntryPrice)
	}
	live := exchange.Position{
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		Leverage:   pos.Leverage,
		Volume:     volume,
	}
	if err := o.recon.StartTracking(context.Background(), live); err != nil {
		log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Live mirror tracking failed")
	}
}

// closeListener reacts to engine closes: notify, and for mirrored strategies
// release the matching live stop. External closes skip the release — the
// venue already closed the position, so there is nothing left to cancel.
func (o *Orchestrator) closeListener(unit *strategyUnit) engine.CloseListener {
	return func(pos *types.Position) {
		if n := o.notifier(); n != nil {
			n.NotifyClose(pos)
		}
		if !unit.cfg.MirrorToExchange || o.recon == nil || pos.ExitReason == types.ExitExternal {
			return
		}
		if err := o.recon.StopTracking(context.Background(), pos.Symbol); err != nil {
			log.Warn().Err(err).Str("symbol", pos.Symbol).Msg("Live stop release failed, next reconcile cleans up")
		}
	}
}

// handleExternalClose propagates a venue-side close into every mirrored
// strategy holding the symbol. The exchange fill is authoritative for
// realized P&L.
func (o *Orchestrator) handleExternalClose(ev exchange.ExternalClose) {
	for _, unit := range o.units {
		if !unit.cfg.MirrorToExchange {
			continue
		}
		if pos := unit.eng.CloseExternal(ev.Symbol, ev.Direction, ev.FillPrice); pos != nil {
			log.Info().
				Str("strategy", unit.cfg.Name).
				Str("symbol", ev.Symbol).
				Msg("Mirrored paper position closed from exchange fill")
		}
	}
	if n := o.notifier(); n != nil {
		n.NotifyExternalClose(ev.Symbol, ev.Direction, ev.FillPrice, ev.Profit)
	}
}

// tick drives one price pass across all engines and the reconciler.
func (o *Orchestrator) tick() {
	snapshot := o.feed.Snapshot()

	for _, unit := range o.units {
		for _, pos := range unit.eng.OpenPositions() {
			if pos.Orphaned {
				continue
			}
			if price, ok := snapshot[pos.Symbol]; ok {
				unit.eng.UpdatePrice(pos.Symbol, price)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TickInterval)
		unit.eng.UpdateOrphaned(ctx, o.feed.GetPrice)
		cancel()
	}

	if o.recon != nil {
		ctx, cancel := context.WithTimeout(context.Background(), o.cfg.TickInterval)
		modified := o.recon.UpdatePrices(ctx, snapshot)
		cancel()
		if len(modified) > 0 {
			log.Debug().Strs("symbols", modified).Msg("Live stops modified")
		}
	}
}

func (o *Orchestrator) flushLoop() {
	defer o.wg.Done()

	ticker := time.NewTicker(o.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			o.flush()
		}
	}
}

// flush persists every strategy snapshot. Failures are logged and retried on
// the next flush; the update loop never waits on the store.
func (o *Orchestrator) flush() {
	for _, unit := range o.units {
		balance, peak := unit.eng.Balance()
		err := o.store.SavePositions(unit.cfg.Name, unit.eng.OpenPositions(), unit.eng.ClosedPositions(), balance, peak)
		if err != nil {
			log.Warn().Err(err).Str("strategy", unit.cfg.Name).Msg("Flush failed, retrying next cycle")
		}
	}
	if o.recon != nil {
		o.recon.Flush()
	}
}

// StrategyBalances implements bot.StatsProvider.
func (o *Orchestrator) StrategyBalances() map[string]decimal.Decimal {
	out := make(map[string]decimal.Decimal, len(o.units))
	for _, unit := range o.units {
		balance, _ := unit.eng.Balance()
		out[unit.cfg.Name] = balance
	}
	return out
}

// OpenPositions implements bot.StatsProvider.
func (o *Orchestrator) OpenPositions() []types.PositionRecord {
	snapshot := o.feed.Snapshot()
	var out []types.PositionRecord
	for _, unit := range o.units {
		for _, pos := range unit.eng.OpenPositions() {
			roi := decimal.Zero
			if price, ok := snapshot[pos.Symbol]; ok {
				roi = risk.RoiPercent(pos.EntryPrice, price, pos.Direction, pos.Leverage)
			}
			out = append(out, types.PositionRecord{
				Strategy:   pos.Strategy,
				Symbol:     pos.Symbol,
				Direction:  pos.Direction,
				EntryPrice: pos.EntryPrice,
				StopLoss:   pos.StopLossPrice,
				Leverage:   pos.Leverage,
				RoiPercent: roi,
				OpenedAt:   pos.EntryTime,
			})
		}
	}
	return out
}

// TrackedSymbols implements bot.StatsProvider.
func (o *Orchestrator) TrackedSymbols() []string {
	if o.recon == nil {
		return nil
	}
	var out []string
	for _, t := range o.recon.Tracked() {
		out = append(out, t.Symbol)
	}
	return out
}

func timeframeIn(tf string, set []string) bool {
	for _, t := range set {
		if t == tf {
			return true
		}
	}
	return false
}
