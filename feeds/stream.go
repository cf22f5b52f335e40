package feeds

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

const (
	reconnectDelay = 5 * time.Second
	pingInterval   = 30 * time.Second
)

// Stream pushes live miniTicker updates into a Feed's cache over websocket.
// The connection is rebuilt whenever the tracked symbol set changes or the
// venue drops us. It fronts the feed as the price source when enabled:
// reads come from the shared cache, Track triggers a resubscribe.
type Stream struct {
	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	refresh chan struct{}

	wsURL string
	feed  *Feed
}

// NewStream attaches a websocket stream to the feed.
func NewStream(wsURL string, feed *Feed) *Stream {
	return &Stream{
		stopCh:  make(chan struct{}),
		refresh: make(chan struct{}, 1),
		wsURL:   wsURL,
		feed:    feed,
	}
}

// Track subscribes a symbol, reconnecting with the larger set.
func (s *Stream) Track(symbol string) {
	s.feed.Track(symbol)
	select {
	case s.refresh <- struct{}{}:
	default:
	}
}

// Snapshot reads the shared price cache.
func (s *Stream) Snapshot() map[string]decimal.Decimal {
	return s.feed.Snapshot()
}

// GetPrice reads the shared cache, falling back to the feed's REST fetch.
func (s *Stream) GetPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	return s.feed.GetPrice(ctx, symbol)
}

// Start runs the connect loop.
func (s *Stream) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.connectLoop()
	log.Info().Str("url", s.wsURL).Msg("📡 Ticker stream started")
}

// Stop shuts the stream down.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	log.Info().Msg("Ticker stream stopped")
}

func (s *Stream) connectLoop() {
	for {
		select {
		case <-s.stopCh:
			return
		default:
		}

		symbols := s.feed.trackedSymbols()
		if len(symbols) == 0 {
			select {
			case <-s.stopCh:
				return
			case <-s.refresh:
			case <-time.After(reconnectDelay):
			}
			continue
		}

		if err := s.run(symbols); err != nil {
			log.Warn().Err(err).Msg("Ticker stream disconnected, reconnecting")
		}

		select {
		case <-s.stopCh:
			return
		case <-time.After(reconnectDelay):
		}
	}
}

// run holds one connection open until error, stop, or a symbol-set change.
func (s *Stream) run(symbols []string) error {
	streams := make([]string, len(symbols))
	for i, sym := range symbols {
		streams[i] = strings.ToLower(sym) + "@miniTicker"
	}
	u := s.wsURL + "/stream?streams=" + strings.Join(streams, "/")

	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	if err != nil {
		return err
	}
	defer conn.Close()

	log.Info().Int("symbols", len(symbols)).Msg("Ticker stream connected")

	done := make(chan error, 1)
	go func() { done <- s.readLoop(conn) }()

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-s.stopCh:
			return nil
		case <-s.refresh:
			return nil // reconnect with the new symbol set
		case err := <-done:
			return err
		case <-ping.C:
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return err
			}
		}
	}
}

func (s *Stream) readLoop(conn *websocket.Conn) error {
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return err
		}

		var frame struct {
			Data struct {
				Symbol string `json:"s"`
				Close  string `json:"c"`
			} `json:"data"`
		}
		if err := json.Unmarshal(msg, &frame); err != nil || frame.Data.Symbol == "" {
			continue
		}

		price, err := decimal.NewFromString(frame.Data.Close)
		if err != nil || price.LessThanOrEqual(decimal.Zero) {
			continue
		}
		s.feed.set(frame.Data.Symbol, price)
	}
}
