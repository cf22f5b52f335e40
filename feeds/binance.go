package feeds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PRICE FEED - REST ticker poller
// ═══════════════════════════════════════════════════════════════════════════════
//
// Polls spot ticker prices for every tracked symbol and caches them. The
// websocket stream (stream.go) writes into the same cache when enabled; the
// poller then acts as the fallback for symbols the stream has not delivered
// yet. A failure for one symbol never blocks the others.
//
// ═══════════════════════════════════════════════════════════════════════════════

const defaultPollInterval = 10 * time.Second

type Feed struct {
	mu      sync.RWMutex
	running bool
	stopCh  chan struct{}

	baseURL  string
	client   *http.Client
	interval time.Duration

	symbols map[string]bool
	prices  map[string]decimal.Decimal
}

// NewFeed creates a feed polling the given ticker API base URL. interval
// should match the tick driver so the cache is fresh for every tick; zero
// falls back to the default.
func NewFeed(baseURL string, interval time.Duration) *Feed {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &Feed{
		stopCh:   make(chan struct{}),
		baseURL:  baseURL,
		client:   &http.Client{Timeout: 5 * time.Second},
		interval: interval,
		symbols:  make(map[string]bool),
		prices:   make(map[string]decimal.Decimal),
	}
}

// Track adds a symbol to the poll set.
func (f *Feed) Track(symbol string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.symbols[symbol] = true
}

// Start begins polling.
func (f *Feed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.pollLoop()
	log.Info().Dur("interval", f.interval).Msg("📈 Price feed started")
}

// Stop stops the feed.
func (f *Feed) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.running {
		return
	}
	f.running = false
	close(f.stopCh)
	log.Info().Msg("Price feed stopped")
}

func (f *Feed) pollLoop() {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	f.pollOnce()
	for {
		select {
		case <-f.stopCh:
			return
		case <-ticker.C:
			f.pollOnce()
		}
	}
}

func (f *Feed) pollOnce() {
	for _, symbol := range f.trackedSymbols() {
		price, err := f.fetch(context.Background(), symbol)
		if err != nil {
			log.Debug().Err(err).Str("symbol", symbol).Msg("Ticker fetch failed")
			continue
		}
		f.set(symbol, price)
	}
}

func (f *Feed) trackedSymbols() []string {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make([]string, 0, len(f.symbols))
	for s := range f.symbols {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// fetch pulls one ticker price over REST.
func (f *Feed) fetch(ctx context.Context, symbol string) (decimal.Decimal, error) {
	u := fmt.Sprintf("%s/api/v3/ticker/price?symbol=%s", f.baseURL, url.QueryEscape(symbol))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return decimal.Zero, err
	}
	resp, err := f.client.Do(req)
	if err != nil {
		return decimal.Zero, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return decimal.Zero, fmt.Errorf("ticker %s: status %d: %s", symbol, resp.StatusCode, body)
	}

	var payload struct {
		Symbol string `json:"symbol"`
		Price  string `json:"price"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return decimal.Zero, err
	}
	return decimal.NewFromString(payload.Price)
}

// GetPrice returns the cached price, fetching on demand when the cache has
// nothing for the symbol yet.
func (f *Feed) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.RLock()
	price, ok := f.prices[symbol]
	f.mu.RUnlock()
	if ok {
		return price, nil
	}

	price, err := f.fetch(ctx, symbol)
	if err != nil {
		return decimal.Zero, err
	}
	f.Track(symbol)
	f.set(symbol, price)
	return price, nil
}

// Snapshot returns a copy of the whole price cache.
func (f *Feed) Snapshot() map[string]decimal.Decimal {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]decimal.Decimal, len(f.prices))
	for s, p := range f.prices {
		out[s] = p
	}
	return out
}

func (f *Feed) set(symbol string, price decimal.Decimal) {
	f.mu.Lock()
	f.prices[symbol] = price
	f.mu.Unlock()
}
