package signals

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/soryn-dev/trailbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL WEBHOOK - Inbound bridge from the external signal generator
// ═══════════════════════════════════════════════════════════════════════════════
//
// The indicator engine (RSI, fibs, divergences) runs elsewhere and POSTs
// setup lifecycle events here. This is a dumb adapter: parse, validate,
// forward. Malformed payloads are dropped with a 400 and never reach the
// engines.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Sink receives validated setup events.
type Sink interface {
	OnNewSetup(setup types.Setup)
	OnSetupUpdated(setup types.Setup)
	OnSetupRemoved(setup types.Setup)
}

type Server struct {
	srv  *http.Server
	sink Sink
}

type setupPayload struct {
	Event              string          `json:"event"` // new | updated | removed
	Symbol             string          `json:"symbol"`
	Direction          string          `json:"direction"`
	Timeframe          string          `json:"timeframe"`
	State              string          `json:"state"`
	CurrentPrice       decimal.Decimal `json:"currentPrice"`
	CurrentRSI         decimal.Decimal `json:"currentRsi"`
	EntryPrice         decimal.Decimal `json:"entryPrice"`
	ImpulsePercentMove decimal.Decimal `json:"impulsePercentMove"`
	DetectedAt         time.Time       `json:"detectedAt"`
}

// NewServer builds the webhook listener on addr.
func NewServer(addr string, sink Sink) *Server {
	s := &Server{sink: sink}
	mux := http.NewServeMux()
	mux.HandleFunc("/setups", s.handleSetup)
	s.srv = &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	return s
}

// Start listens in the background.
func (s *Server) Start() {
	go func() {
		log.Info().Str("addr", s.srv.Addr).Msg("🔌 Signal webhook listening")
		if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Signal webhook failed")
		}
	}()
}

// Stop shuts the listener down.
func (s *Server) Stop(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

func (s *Server) handleSetup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var payload setupPayload
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "bad payload", http.StatusBadRequest)
		return
	}
	if payload.Symbol == "" || payload.Timeframe == "" {
		http.Error(w, "symbol and timeframe required", http.StatusBadRequest)
		return
	}
	dir := types.Direction(payload.Direction)
	if dir != types.Long && dir != types.Short {
		http.Error(w, "direction must be long or short", http.StatusBadRequest)
		return
	}

	setup := types.Setup{
		Symbol:             payload.Symbol,
		Direction:          dir,
		Timeframe:          payload.Timeframe,
		State:              types.SetupState(payload.State),
		CurrentPrice:       payload.CurrentPrice,
		CurrentRSI:         payload.CurrentRSI,
		EntryPrice:         payload.EntryPrice,
		ImpulsePercentMove: payload.ImpulsePercentMove,
		DetectedAt:         payload.DetectedAt,
	}

	switch payload.Event {
	case "new":
		s.sink.OnNewSetup(setup)
	case "updated":
		s.sink.OnSetupUpdated(setup)
	case "removed":
		s.sink.OnSetupRemoved(setup)
	default:
		http.Error(w, "event must be new, updated or removed", http.StatusBadRequest)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}
