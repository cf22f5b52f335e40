package exchange

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/soryn-dev/trailbot/risk"
	"github.com/soryn-dev/trailbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXCHANGE RECONCILER - Shadow of live positions + real stop orders
// ═══════════════════════════════════════════════════════════════════════════════
//
// Keeps a local shadow of every live position the venue holds and owns the
// conditional (plan) stop order protecting each one. Truth model:
//
//   - the exchange is authoritative for EXISTENCE of a position
//   - local config is authoritative for strategy parameters (trail percents)
//
// Every client call can fail. A failed call leaves local state untouched and
// is retried on the next tick; it is never read as "position closed".
//
// ═══════════════════════════════════════════════════════════════════════════════

// Config parameterizes the live-side trailing machine, independently from any
// paper strategy.
type Config struct {
	TrailTriggerPct   decimal.Decimal
	TrailStepPct      decimal.Decimal
	InitialStopPct    decimal.Decimal
	AdoptedStopPct    decimal.Decimal // stop distance for positions adopted at startup
	RenewalDays       int             // renew plan orders this many days before expiry
	MinModifyInterval time.Duration   // per-symbol floor between stop replacements
	PlanLifetime      time.Duration   // venue-side lifetime of a plan order
}

// ExternalClose describes a position the venue closed without us asking.
type ExternalClose struct {
	Symbol    string
	Direction types.Direction
	FillPrice decimal.Decimal
	Profit    decimal.Decimal
	Recovered bool // false when order history could not be fetched and FillPrice is the last stop estimate
}

// Reconciler owns the tracked-position map. All mutation goes through one
// update pass per tick; there are never concurrent modify calls for a symbol.
type Reconciler struct {
	mu     sync.Mutex
	client Client
	store  TrackedStore
	cfg    Config
	trail  risk.TrailConfig
	health *HealthMonitor

	tracked map[string]*types.TrackedExchangePosition
	loaded  bool

	onExternalClose func(ExternalClose)
	now             func() time.Time
}

func NewReconciler(client Client, store TrackedStore, cfg Config, health *HealthMonitor) *Reconciler {
	if cfg.PlanLifetime <= 0 {
		cfg.PlanLifetime = 14 * 24 * time.Hour
	}
	return &Reconciler{
		client: client,
		store:  store,
		cfg:    cfg,
		trail: risk.TrailConfig{
			TriggerPercent:    cfg.TrailTriggerPct,
			StepPercent:       cfg.TrailStepPct,
			Level1LockPercent: decimal.Zero,
		},
		health:  health,
		tracked: make(map[string]*types.TrackedExchangePosition),
		now:     time.Now,
	}
}

// OnExternalClose registers the callback fired once per externally closed
// position, after fill recovery.
func (r *Reconciler) OnExternalClose(fn func(ExternalClose)) { r.onExternalClose = fn }

// StartTracking creates a local shadow for a live position and makes sure a
// stop order protects it. Idempotent: an existing shadow is left alone.
func (r *Reconciler) StartTracking(ctx context.Context, pos Position) error {
	r.mu.Lock()
	if _, ok := r.tracked[pos.Symbol]; ok {
		r.mu.Unlock()
		return nil
	}
	r.mu.Unlock()

	if r.health.Degraded() {
		log.Warn().Str("symbol", pos.Symbol).Msg("Paper-only mode, not tracking live position")
		return nil
	}

	orders, err := r.client.GetPlanOrders(ctx, pos.Symbol)
	if err != nil {
		r.health.RecordError(err)
		return err
	}
	r.health.RecordSuccess()

	shadow := &types.TrackedExchangePosition{
		Symbol:     pos.Symbol,
		Direction:  pos.Direction,
		EntryPrice: pos.EntryPrice,
		Leverage:   pos.Leverage,
		Volume:     pos.Volume,
	}

	if len(orders) > 0 {
		shadow.PlanOrderID = orders[0].OrderID
		shadow.CurrentStopPrice = orders[0].TriggerPrice
		shadow.PlanExpiryDeadline = orders[0].CreatedAt.Add(r.cfg.PlanLifetime)
	} else {
		stop := risk.InitialStop(pos.EntryPrice, pos.Direction, pos.Leverage, r.cfg.InitialStopPct)
		res, err := r.client.SetStopLoss(ctx, pos.Symbol, pos.Direction, stop, pos.Volume)
		if err != nil {
			r.health.RecordError(err)
			return err
		}
		r.health.RecordSuccess()
		shadow.PlanOrderID = res.OrderID
		shadow.CurrentStopPrice = stop
		shadow.PlanExpiryDeadline = r.now().Add(r.cfg.PlanLifetime)
	}
	shadow.LastModifiedAt = r.now()

	r.mu.Lock()
	r.tracked[pos.Symbol] = shadow
	r.mu.Unlock()

	r.persist(shadow)

	log.Info().
		Str("symbol", pos.Symbol).
		Str("direction", string(pos.Direction)).
		Str("stop", shadow.CurrentStopPrice.String()).
		Str("order_id", shadow.PlanOrderID).
		Msg("🛡️ Tracking live position")
	return nil
}

// StopTracking cancels the protective order and drops the shadow.
func (r *Reconciler) StopTracking(ctx context.Context, symbol string) error {
	if err := r.client.CancelAllPlanOrders(ctx, symbol); err != nil {
		r.health.RecordError(err)
		return err
	}
	r.health.RecordSuccess()

	r.mu.Lock()
	delete(r.tracked, symbol)
	r.mu.Unlock()

	if err := r.store.DeleteTrackedPosition(symbol); err != nil {
		log.Warn().Err(err).Str("symbol", symbol).Msg("Failed to delete tracked position")
	}
	return nil
}

// Tracked returns a snapshot of the shadow set.
func (r *Reconciler) Tracked() []*types.TrackedExchangePosition {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*types.TrackedExchangePosition, 0, len(r.tracked))
	for _, t := range r.tracked {
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

// UpdatePrices runs one trailing pass over every tracked symbol using the
// exchange-reported leverage and volume. Stops are only ever tightened, and a
// symbol's order is replaced at most once per MinModifyInterval. Returns the
// symbols whose orders were actually modified.
func (r *Reconciler) UpdatePrices(ctx context.Context, prices map[string]decimal.Decimal) []string {
	r.mu.Lock()
	symbols := make([]string, 0, len(r.tracked))
	for s := range r.tracked {
		symbols = append(symbols, s)
	}
	r.mu.Unlock()
	sort.Strings(symbols)

	var modified []string
	for _, symbol := range symbols {
		price, ok := prices[symbol]
		if !ok || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		if r.updateSymbol(ctx, symbol, price) {
			modified = append(modified, symbol)
		}
	}
	return modified
}

// updateSymbol advances one symbol's trailing state and replaces or renews
// its plan order when needed.
func (r *Reconciler) updateSymbol(ctx context.Context, symbol string, price decimal.Decimal) bool {
	r.mu.Lock()
	shadow, ok := r.tracked[symbol]
	if !ok {
		r.mu.Unlock()
		return false
	}

	st := risk.TrailState{HighestRoiPercent: shadow.HighestRoePercent, Activated: shadow.TrailActivated}
	stop, move := r.trail.NextStop(shadow.EntryPrice, price, shadow.CurrentStopPrice, shadow.Direction, shadow.Leverage, &st)
	shadow.HighestRoePercent = st.HighestRoiPercent
	shadow.TrailActivated = st.Activated

	rateLimited := r.now().Sub(shadow.LastModifiedAt) < r.cfg.MinModifyInterval
	needsRenewal := r.now().After(shadow.PlanExpiryDeadline.Add(-time.Duration(r.cfg.RenewalDays) * 24 * time.Hour))

	// Snapshot what the replacement call needs before releasing the lock.
	dir, volume := shadow.Direction, shadow.Volume
	curStop := shadow.CurrentStopPrice
	r.mu.Unlock()

	switch {
	case move && !rateLimited:
		return r.replaceStop(ctx, symbol, dir, stop, volume, "trail")
	case needsRenewal:
		// Cancel-and-recreate at the unchanged price so the position is
		// never left without a protective order when the old one expires.
		return r.replaceStop(ctx, symbol, dir, curStop, volume, "renewal")
	default:
		return false
	}
}

// replaceStop atomically (from our side) swaps the plan order: cancel all,
// place the new one, then commit the shadow. On any failure the shadow keeps
// its previous stop so the next tick retries.
func (r *Reconciler) replaceStop(ctx context.Context, symbol string, dir types.Direction, stop, volume decimal.Decimal, reason string) bool {
	if err := r.client.CancelAllPlanOrders(ctx, symbol); err != nil {
		r.health.RecordError(err)
		log.Warn().Err(err).Str("symbol", symbol).Msg("Cancel plan orders failed, retrying next tick")
		return false
	}
	res, err := r.client.SetStopLoss(ctx, symbol, dir, stop, volume)
	if err != nil {
		r.health.RecordError(err)
		log.Warn().Err(err).Str("symbol", symbol).Msg("Stop placement failed, retrying next tick")
		return false
	}
	r.health.RecordSuccess()

	r.mu.Lock()
	shadow, ok := r.tracked[symbol]
	if ok {
		shadow.CurrentStopPrice = stop
		shadow.PlanOrderID = res.OrderID
		shadow.LastModifiedAt = r.now()
		shadow.PlanExpiryDeadline = r.now().Add(r.cfg.PlanLifetime)
	}
	r.mu.Unlock()
	if ok {
		r.persist(shadow)
	}

	log.Info().
		Str("symbol", symbol).
		Str("stop", stop.String()).
		Str("reason", reason).
		Str("order_id", res.OrderID).
		Msg("🔁 Plan order replaced")
	return true
}

// Reconcile aligns the local shadow set with the exchange's truth. Runs once
// at startup before any live trading resumes, and is safe to re-run
// periodically: every step is idempotent.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	if !r.loaded {
		persisted, err := r.store.LoadTrackedPositions()
		if err != nil {
			r.mu.Unlock()
			return err
		}
		for _, t := range persisted {
			cp := *t
			r.tracked[cp.Symbol] = &cp
		}
		r.loaded = true
		log.Info().Int("count", len(persisted)).Msg("Tracked positions loaded")
	}
	r.mu.Unlock()

	live, err := r.client.GetOpenPositions(ctx)
	if err != nil {
		r.health.RecordError(err)
		return err
	}
	r.health.RecordSuccess()

	liveBySymbol := make(map[string]Position, len(live))
	for _, p := range live {
		liveBySymbol[p.Symbol] = p
	}

	r.detectExternalCloses(liveBySymbol)

	for _, p := range live {
		r.mu.Lock()
		_, known := r.tracked[p.Symbol]
		r.mu.Unlock()

		if known {
			r.ensurePlanOrder(ctx, p)
			continue
		}

		// Untracked live risk is an error condition to correct, not tolerate.
		log.Warn().
			Str("symbol", p.Symbol).
			Str("direction", string(p.Direction)).
			Str("entry", p.EntryPrice.String()).
			Msg("⚠️ Untracked live position found, adopting")
		if err := r.adopt(ctx, p); err != nil {
			log.Warn().Err(err).Str("symbol", p.Symbol).Msg("Adoption failed, retrying next reconcile")
		}
	}
	return nil
}

// detectExternalCloses releases every shadow whose exchange counterpart has
// vanished. The terminal record and fill recovery happen exactly once: the
// shadow is removed before the async lookup starts.
func (r *Reconciler) detectExternalCloses(liveBySymbol map[string]Position) {
	r.mu.Lock()
	var closed []*types.TrackedExchangePosition
	for symbol, shadow := range r.tracked {
		if _, alive := liveBySymbol[symbol]; !alive {
			closed = append(closed, shadow)
			delete(r.tracked, symbol)
		}
	}
	r.mu.Unlock()

	for _, shadow := range closed {
		log.Info().
			Str("symbol", shadow.Symbol).
			Str("direction", string(shadow.Direction)).
			Msg("Position closed externally")
		if err := r.store.DeleteTrackedPosition(shadow.Symbol); err != nil {
			log.Warn().Err(err).Str("symbol", shadow.Symbol).Msg("Failed to delete tracked position")
		}
		go r.recoverFill(shadow)
	}
}

// recoverFill queries order history for the true exit price and realized
// P&L; the live-positions endpoint no longer has them once the position is
// gone. Falls back to the last known stop as the estimate.
func (r *Reconciler) recoverFill(shadow *types.TrackedExchangePosition) {
	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	result := ExternalClose{
		Symbol:    shadow.Symbol,
		Direction: shadow.Direction,
		FillPrice: shadow.CurrentStopPrice,
	}

	fills, err := r.client.GetOrderHistory(ctx, shadow.Symbol, 1, 20)
	if err != nil {
		r.health.RecordError(err)
		log.Warn().Err(err).Str("symbol", shadow.Symbol).Msg("Fill recovery failed, using stop price estimate")
	} else {
		r.health.RecordSuccess()
		want := "close_" + string(shadow.Direction)
		for _, f := range fills {
			if strings.Contains(f.OrderType, want) {
				result.FillPrice = f.AvgFillPrice
				result.Profit = f.Profit
				result.Recovered = true
				break
			}
		}
	}

	log.Info().
		Str("symbol", result.Symbol).
		Str("fill", result.FillPrice.String()).
		Str("profit", result.Profit.StringFixed(2)).
		Bool("recovered", result.Recovered).
		Msg("External close resolved")

	if r.onExternalClose != nil {
		r.onExternalClose(result)
	}
}

// ensurePlanOrder re-creates a missing protective order for a known shadow.
func (r *Reconciler) ensurePlanOrder(ctx context.Context, p Position) {
	orders, err := r.client.GetPlanOrders(ctx, p.Symbol)
	if err != nil {
		r.health.RecordError(err)
		log.Warn().Err(err).Str("symbol", p.Symbol).Msg("Plan order check failed")
		return
	}
	r.health.RecordSuccess()
	if len(orders) > 0 {
		return
	}

	r.mu.Lock()
	shadow, ok := r.tracked[p.Symbol]
	var stop, volume decimal.Decimal
	var dir types.Direction
	if ok {
		stop, volume, dir = shadow.CurrentStopPrice, shadow.Volume, shadow.Direction
	}
	r.mu.Unlock()
	if !ok {
		return
	}

	log.Warn().Str("symbol", p.Symbol).Msg("Tracked position has no live stop, re-creating")
	r.replaceStop(ctx, p.Symbol, dir, stop, volume, "recreate")
}

// adopt starts tracking an exchange position we have no shadow for, with a
// fresh stop placed at the default adoption risk distance.
func (r *Reconciler) adopt(ctx context.Context, p Position) error {
	if r.health.Degraded() {
		log.Warn().Str("symbol", p.Symbol).Msg("Paper-only mode, cannot adopt live position")
		return nil
	}

	stop := risk.InitialStop(p.EntryPrice, p.Direction, p.Leverage, r.cfg.AdoptedStopPct)
	res, err := r.client.SetStopLoss(ctx, p.Symbol, p.Direction, stop, p.Volume)
	if err != nil {
		r.health.RecordError(err)
		return err
	}
	r.health.RecordSuccess()

	shadow := &types.TrackedExchangePosition{
		Symbol:             p.Symbol,
		Direction:          p.Direction,
		EntryPrice:         p.EntryPrice,
		Leverage:           p.Leverage,
		Volume:             p.Volume,
		CurrentStopPrice:   stop,
		PlanOrderID:        res.OrderID,
		LastModifiedAt:     r.now(),
		PlanExpiryDeadline: r.now().Add(r.cfg.PlanLifetime),
	}

	r.mu.Lock()
	r.tracked[p.Symbol] = shadow
	r.mu.Unlock()

	r.persist(shadow)
	return nil
}

// persist saves one shadow; failures are logged and retried on the next
// flush, never fatal.
func (r *Reconciler) persist(shadow *types.TrackedExchangePosition) {
	r.mu.Lock()
	cp := *shadow
	r.mu.Unlock()
	if err := r.store.SaveTrackedPosition(cp.Symbol, &cp); err != nil {
		log.Warn().Err(err).Str("symbol", cp.Symbol).Msg("Failed to persist tracked position")
	}
}

// Flush re-persists every shadow. Called by the slow driver so transient
// store failures from the hot path eventually converge.
func (r *Reconciler) Flush() {
	for _, shadow := range r.Tracked() {
		if err := r.store.SaveTrackedPosition(shadow.Symbol, shadow); err != nil {
			log.Warn().Err(err).Str("symbol", shadow.Symbol).Msg("Failed to persist tracked position")
		}
	}
}
