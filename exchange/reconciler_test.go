package exchange

import (
	"context"
	"errors"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/soryn-dev/trailbot/types"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// fakeClient is a scriptable venue. Zero value: no positions, no orders,
// every call succeeds.
type fakeClient struct {
	mu sync.Mutex

	positions []Position
	orders    map[string][]PlanOrder
	history   map[string][]Fill

	setStopErr error
	cancelErr  error
	historyErr error
	posErr     error

	setStopCalls []string // symbols, in order
	cancelCalls  []string
	lastStop     map[string]decimal.Decimal
	nextOrderID  int
}

func newFakeClient() *fakeClient {
	return &fakeClient{
		orders:   make(map[string][]PlanOrder),
		history:  make(map[string][]Fill),
		lastStop: make(map[string]decimal.Decimal),
	}
}

func (c *fakeClient) GetOpenPositions(ctx context.Context) ([]Position, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.posErr != nil {
		return nil, c.posErr
	}
	return append([]Position(nil), c.positions...), nil
}

func (c *fakeClient) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return decimal.Zero, errors.New("not scripted")
}

func (c *fakeClient) SetStopLoss(ctx context.Context, symbol string, dir types.Direction, price, volume decimal.Decimal) (StopOrderResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.setStopErr != nil {
		return StopOrderResult{}, c.setStopErr
	}
	c.setStopCalls = append(c.setStopCalls, symbol)
	c.lastStop[symbol] = price
	c.nextOrderID++
	return StopOrderResult{Success: true, OrderID: "ord-" + symbol + "-" + strconv.Itoa(c.nextOrderID)}, nil
}

func (c *fakeClient) CancelAllPlanOrders(ctx context.Context, symbol string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelErr != nil {
		return c.cancelErr
	}
	c.cancelCalls = append(c.cancelCalls, symbol)
	delete(c.orders, symbol)
	return nil
}

func (c *fakeClient) GetPlanOrders(ctx context.Context, symbol string) ([]PlanOrder, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]PlanOrder(nil), c.orders[symbol]...), nil
}

func (c *fakeClient) GetOrderHistory(ctx context.Context, symbol string, page, size int) ([]Fill, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.historyErr != nil {
		return nil, c.historyErr
	}
	return append([]Fill(nil), c.history[symbol]...), nil
}

func (c *fakeClient) stopCallCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.setStopCalls)
}

func (c *fakeClient) stopFor(symbol string) decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastStop[symbol]
}

// fakeStore is an in-memory TrackedStore.
type fakeStore struct {
	mu      sync.Mutex
	rows    map[string]types.TrackedExchangePosition
	deletes []string
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[string]types.TrackedExchangePosition)}
}

func (s *fakeStore) SaveTrackedPosition(symbol string, state *types.TrackedExchangePosition) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[symbol] = *state
	return nil
}

func (s *fakeStore) LoadTrackedPositions() ([]*types.TrackedExchangePosition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.TrackedExchangePosition, 0, len(s.rows))
	for _, r := range s.rows {
		cp := r
		out = append(out, &cp)
	}
	return out, nil
}

func (s *fakeStore) DeleteTrackedPosition(symbol string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, symbol)
	s.deletes = append(s.deletes, symbol)
	return nil
}

func testReconcilerConfig() Config {
	return Config{
		TrailTriggerPct:   d("10"),
		TrailStepPct:      d("8"),
		InitialStopPct:    d("20"),
		AdoptedStopPct:    d("20"),
		RenewalDays:       2,
		MinModifyInterval: time.Minute,
		PlanLifetime:      14 * 24 * time.Hour,
	}
}

type harness struct {
	client *fakeClient
	store  *fakeStore
	health *HealthMonitor
	recon  *Reconciler
	clock  time.Time
}

func newHarness() *harness {
	h := &harness{
		client: newFakeClient(),
		store:  newFakeStore(),
		health: NewHealthMonitor(3),
		clock:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	h.recon = NewReconciler(h.client, h.store, testReconcilerConfig(), h.health)
	h.recon.now = func() time.Time { return h.clock }
	return h
}

func livePos(symbol string) Position {
	return Position{
		Symbol:     symbol,
		Direction:  types.Long,
		Volume:     d("10"),
		EntryPrice: d("100"),
		Leverage:   d("10"),
	}
}

func TestStartTrackingPlacesInitialStop(t *testing.T) {
	h := newHarness()

	err := h.recon.StartTracking(context.Background(), livePos("BTCUSDT"))
	require.NoError(t, err)

	// 20% ROI at 10x is a 2% price distance.
	assert.True(t, h.client.stopFor("BTCUSDT").Equal(d("98")), "got %s", h.client.stopFor("BTCUSDT"))

	tracked := h.recon.Tracked()
	require.Len(t, tracked, 1)
	assert.True(t, tracked[0].CurrentStopPrice.Equal(d("98")))

	h.store.mu.Lock()
	_, persisted := h.store.rows["BTCUSDT"]
	h.store.mu.Unlock()
	assert.True(t, persisted)
}

func TestStartTrackingIdempotent(t *testing.T) {
	h := newHarness()

	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))
	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))

	assert.Equal(t, 1, h.client.stopCallCount())
	assert.Len(t, h.recon.Tracked(), 1)
}

func TestStartTrackingAdoptsExistingOrder(t *testing.T) {
	h := newHarness()
	h.client.orders["BTCUSDT"] = []PlanOrder{{
		OrderID:      "existing-1",
		Symbol:       "BTCUSDT",
		TriggerPrice: d("97.5"),
		CreatedAt:    h.clock.Add(-24 * time.Hour),
	}}

	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))

	assert.Equal(t, 0, h.client.stopCallCount(), "resting order must be reused, not replaced")
	tracked := h.recon.Tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, "existing-1", tracked[0].PlanOrderID)
	assert.True(t, tracked[0].CurrentStopPrice.Equal(d("97.5")))
}

func TestStartTrackingBlockedWhenDegraded(t *testing.T) {
	h := newHarness()
	for i := 0; i < 3; i++ {
		h.health.RecordError(ErrAuth)
	}
	require.True(t, h.health.Degraded())

	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))

	assert.Equal(t, 0, h.client.stopCallCount())
	assert.Empty(t, h.recon.Tracked())
}

func TestUpdatePricesTightensStop(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))
	h.clock = h.clock.Add(2 * time.Minute)

	// +12% ROE activates the trail; lock 12−8 leaves the stop at +4% ROE.
	modified := h.recon.UpdatePrices(context.Background(), map[string]decimal.Decimal{"BTCUSDT": d("101.2")})

	assert.Equal(t, []string{"BTCUSDT"}, modified)
	assert.True(t, h.client.stopFor("BTCUSDT").Equal(d("100.4")), "got %s", h.client.stopFor("BTCUSDT"))
	tracked := h.recon.Tracked()
	require.Len(t, tracked, 1)
	assert.True(t, tracked[0].TrailActivated)
}

func TestUpdatePricesNeverLoosensStop(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))

	h.clock = h.clock.Add(2 * time.Minute)
	h.recon.UpdatePrices(context.Background(), map[string]decimal.Decimal{"BTCUSDT": d("102")})
	first := h.client.stopFor("BTCUSDT")

	// Retrace: ROE falls but stays above the stop. No replacement.
	h.clock = h.clock.Add(2 * time.Minute)
	calls := h.client.stopCallCount()
	modified := h.recon.UpdatePrices(context.Background(), map[string]decimal.Decimal{"BTCUSDT": d("101.5")})

	assert.Empty(t, modified)
	assert.Equal(t, calls, h.client.stopCallCount())
	assert.True(t, h.client.stopFor("BTCUSDT").Equal(first))
}

func TestUpdatePricesRateLimited(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))

	// Inside MinModifyInterval of the initial placement: hold.
	h.clock = h.clock.Add(30 * time.Second)
	modified := h.recon.UpdatePrices(context.Background(), map[string]decimal.Decimal{"BTCUSDT": d("101.2")})
	assert.Empty(t, modified)
	assert.True(t, h.client.stopFor("BTCUSDT").Equal(d("98")))

	// Past the interval the held move goes out, recomputed from the HWM.
	h.clock = h.clock.Add(time.Minute)
	modified = h.recon.UpdatePrices(context.Background(), map[string]decimal.Decimal{"BTCUSDT": d("101.2")})
	assert.Equal(t, []string{"BTCUSDT"}, modified)
	assert.True(t, h.client.stopFor("BTCUSDT").Equal(d("100.4")))
}

func TestFailedReplaceLeavesShadowUnchanged(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))
	h.clock = h.clock.Add(2 * time.Minute)

	h.client.mu.Lock()
	h.client.setStopErr = errors.New("venue timeout")
	h.client.mu.Unlock()

	modified := h.recon.UpdatePrices(context.Background(), map[string]decimal.Decimal{"BTCUSDT": d("101.2")})
	assert.Empty(t, modified)
	tracked := h.recon.Tracked()
	require.Len(t, tracked, 1)
	assert.True(t, tracked[0].CurrentStopPrice.Equal(d("98")), "shadow must keep the old stop after a failed call")

	// Next tick, venue healthy again: the same move goes through.
	h.client.mu.Lock()
	h.client.setStopErr = nil
	h.client.mu.Unlock()
	h.clock = h.clock.Add(2 * time.Minute)

	modified = h.recon.UpdatePrices(context.Background(), map[string]decimal.Decimal{"BTCUSDT": d("101.2")})
	assert.Equal(t, []string{"BTCUSDT"}, modified)
	assert.True(t, h.recon.Tracked()[0].CurrentStopPrice.Equal(d("100.4")))
}

func TestRenewalBeforeExpiry(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))
	firstID := h.recon.Tracked()[0].PlanOrderID

	// Twelve days in: inside the two-day renewal margin of the 14-day
	// lifetime. Price unchanged, stop unchanged, but the order is recut.
	h.clock = h.clock.Add(12*24*time.Hour + time.Hour)
	modified := h.recon.UpdatePrices(context.Background(), map[string]decimal.Decimal{"BTCUSDT": d("100")})

	assert.Equal(t, []string{"BTCUSDT"}, modified)
	tracked := h.recon.Tracked()
	require.Len(t, tracked, 1)
	assert.NotEqual(t, firstID, tracked[0].PlanOrderID)
	assert.True(t, tracked[0].CurrentStopPrice.Equal(d("98")))
	assert.True(t, tracked[0].PlanExpiryDeadline.After(h.clock.Add(13*24*time.Hour)))
}

func TestReconcileAdoptsUntrackedPosition(t *testing.T) {
	h := newHarness()
	h.client.positions = []Position{livePos("ETHUSDT")}

	require.NoError(t, h.recon.Reconcile(context.Background()))

	tracked := h.recon.Tracked()
	require.Len(t, tracked, 1)
	assert.Equal(t, "ETHUSDT", tracked[0].Symbol)
	assert.True(t, tracked[0].CurrentStopPrice.Equal(d("98")))
}

func TestReconcileSkipsAdoptionWhenDegraded(t *testing.T) {
	h := newHarness()
	h.client.positions = []Position{livePos("ETHUSDT")}
	for i := 0; i < 3; i++ {
		h.health.RecordError(ErrAuth)
	}

	require.NoError(t, h.recon.Reconcile(context.Background()))
	assert.Empty(t, h.recon.Tracked())
}

func TestReconcileRestoresPersistedShadows(t *testing.T) {
	h := newHarness()
	h.store.rows["BTCUSDT"] = types.TrackedExchangePosition{
		Symbol:             "BTCUSDT",
		Direction:          types.Long,
		EntryPrice:         d("100"),
		Leverage:           d("10"),
		Volume:             d("10"),
		CurrentStopPrice:   d("100.4"),
		PlanOrderID:        "persisted-1",
		HighestRoePercent:  d("12"),
		TrailActivated:     true,
		LastModifiedAt:     h.clock.Add(-time.Hour),
		PlanExpiryDeadline: h.clock.Add(10 * 24 * time.Hour),
	}
	h.client.positions = []Position{livePos("BTCUSDT")}
	h.client.orders["BTCUSDT"] = []PlanOrder{{OrderID: "persisted-1", Symbol: "BTCUSDT", TriggerPrice: d("100.4"), CreatedAt: h.clock.Add(-time.Hour)}}

	require.NoError(t, h.recon.Reconcile(context.Background()))

	tracked := h.recon.Tracked()
	require.Len(t, tracked, 1)
	assert.True(t, tracked[0].TrailActivated, "trailing state survives a restart")
	assert.True(t, tracked[0].HighestRoePercent.Equal(d("12")))
	assert.Equal(t, 0, h.client.stopCallCount(), "live order verified, not replaced")
}

func TestReconcileRecreatesMissingStop(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))
	h.client.mu.Lock()
	delete(h.client.orders, "BTCUSDT")
	h.client.mu.Unlock()
	h.client.positions = []Position{livePos("BTCUSDT")}
	calls := h.client.stopCallCount()

	require.NoError(t, h.recon.Reconcile(context.Background()))

	assert.Equal(t, calls+1, h.client.stopCallCount())
	assert.True(t, h.client.stopFor("BTCUSDT").Equal(d("98")), "recreated at the shadow's stop, not a fresh one")
}

func TestExternalCloseFiresOnceWithRecoveredFill(t *testing.T) {
	h := newHarness()
	closes := make(chan ExternalClose, 4)
	h.recon.OnExternalClose(func(c ExternalClose) { closes <- c })

	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))
	h.client.history["BTCUSDT"] = []Fill{
		{OrderType: "open_long", AvgFillPrice: d("100")},
		{OrderType: "burst_close_long", AvgFillPrice: d("98.1"), Profit: d("-19")},
	}

	// Position vanished from the venue.
	h.client.positions = nil
	require.NoError(t, h.recon.Reconcile(context.Background()))

	select {
	case c := <-closes:
		assert.Equal(t, "BTCUSDT", c.Symbol)
		assert.True(t, c.Recovered)
		assert.True(t, c.FillPrice.Equal(d("98.1")))
		assert.True(t, c.Profit.Equal(d("-19")))
	case <-time.After(2 * time.Second):
		t.Fatal("external close callback never fired")
	}

	assert.Empty(t, h.recon.Tracked())
	assert.Contains(t, h.store.deletes, "BTCUSDT")

	// Re-running reconcile must not resurrect or re-fire it.
	require.NoError(t, h.recon.Reconcile(context.Background()))
	select {
	case <-closes:
		t.Fatal("external close fired twice")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestExternalCloseFallsBackToStopEstimate(t *testing.T) {
	h := newHarness()
	closes := make(chan ExternalClose, 1)
	h.recon.OnExternalClose(func(c ExternalClose) { closes <- c })

	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))
	h.client.mu.Lock()
	h.client.historyErr = errors.New("history unavailable")
	h.client.mu.Unlock()

	h.client.positions = nil
	require.NoError(t, h.recon.Reconcile(context.Background()))

	select {
	case c := <-closes:
		assert.False(t, c.Recovered)
		assert.True(t, c.FillPrice.Equal(d("98")), "estimate is the last known stop")
	case <-time.After(2 * time.Second):
		t.Fatal("external close callback never fired")
	}
}

func TestStopTrackingCancelsAndForgets(t *testing.T) {
	h := newHarness()
	require.NoError(t, h.recon.StartTracking(context.Background(), livePos("BTCUSDT")))

	require.NoError(t, h.recon.StopTracking(context.Background(), "BTCUSDT"))

	assert.Empty(t, h.recon.Tracked())
	assert.Contains(t, h.store.deletes, "BTCUSDT")
}

func TestHealthDegradeAndRecover(t *testing.T) {
	hm := NewHealthMonitor(2)
	var degraded, recovered bool
	hm.Notify(func() { degraded = true }, func() { recovered = true })

	hm.RecordError(errors.New("plain network error"))
	hm.RecordError(errors.New("plain network error"))
	assert.False(t, hm.Degraded(), "only auth failures count toward degradation")

	hm.RecordError(ErrAuth)
	assert.False(t, hm.Degraded())
	hm.RecordError(ErrAuth)
	assert.True(t, hm.Degraded())
	assert.True(t, degraded)

	hm.RecordSuccess()
	assert.False(t, hm.Degraded())
	assert.True(t, recovered)
}
