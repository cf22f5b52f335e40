// Trailbot runs a fleet of simulated leveraged strategies driven by external
// technical-analysis setups, manages every position with ROI-based trailing
// stops, and optionally mirrors the same risk management onto a live futures
// account: the local shadow of each live position is reconciled against the
// exchange on startup and on every cycle, with real conditional stop orders
// kept on the venue.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/soryn-dev/trailbot/bot"
	"github.com/soryn-dev/trailbot/config"
	"github.com/soryn-dev/trailbot/core"
	"github.com/soryn-dev/trailbot/exchange"
	"github.com/soryn-dev/trailbot/feeds"
	"github.com/soryn-dev/trailbot/signals"
	"github.com/soryn-dev/trailbot/storage"
)

const version = "1.3.0"

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}
	if cfg.Debug {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	log.Info().Str("version", version).Bool("paper_only", cfg.PaperOnly).Msg("🤖 Trailbot starting")

	strategies, err := config.Presets()
	if err != nil {
		log.Fatal().Err(err).Msg("Invalid strategy presets")
	}

	db, err := storage.Open(cfg.DatabaseURL, cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}

	feed := feeds.NewFeed(cfg.FeedBaseURL, cfg.TickInterval)
	var stream *feeds.Stream
	source := core.PriceSource(feed)
	if cfg.UseStream {
		// The stream fronts the feed so tracked symbols trigger a
		// websocket resubscribe.
		stream = feeds.NewStream(cfg.FeedStreamURL, feed)
		source = stream
	}

	health := exchange.NewHealthMonitor(cfg.AuthFailureThreshold)

	var recon *exchange.Reconciler
	if !cfg.PaperOnly {
		client := exchange.NewRestClient(cfg.ExchangeBaseURL, cfg.ExchangeAPIKey, cfg.ExchangeAPISecret, cfg.ExchangePassphrase)
		recon = exchange.NewReconciler(client, db, exchange.Config{
			TrailTriggerPct:   cfg.TrailTriggerPct,
			TrailStepPct:      cfg.TrailStepPct,
			InitialStopPct:    cfg.InitialStopPct,
			AdoptedStopPct:    cfg.AdoptedStopPct,
			RenewalDays:       cfg.RenewalDays,
			MinModifyInterval: cfg.MinModifyInterval,
		}, health)
	}

	orch := core.New(cfg, strategies, source, db, recon, health, nil)

	var tg *bot.TelegramBot
	if cfg.TelegramToken != "" && cfg.TelegramChatID != 0 {
		tg, err = bot.NewTelegramBot(cfg.TelegramToken, cfg.TelegramChatID, orch)
		if err != nil {
			log.Warn().Err(err).Msg("Telegram disabled")
		} else {
			orch.SetNotifier(tg)
		}
	}

	// Restore persisted state and reconcile exchange truth before anything
	// trades.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	if err := orch.Restore(ctx); err != nil {
		cancel()
		log.Fatal().Err(err).Msg("Failed to restore state")
	}
	cancel()

	feed.Start()
	if stream != nil {
		stream.Start()
	}
	if tg != nil {
		tg.Start()
	}
	orch.Start()

	webhook := signals.NewServer(cfg.SignalAddr, orch)
	webhook.Start()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := webhook.Stop(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("Webhook shutdown failed")
	}
	orch.Stop()
	if stream != nil {
		stream.Stop()
	}
	feed.Stop()
	if tg != nil {
		tg.Stop()
	}
	log.Info().Msg("Goodbye")
}
