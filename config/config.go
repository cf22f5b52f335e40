package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds process-level configuration. Strategy parameters live in
// StrategyConfig; this is everything around the engines.
type Config struct {
	// Mode
	Debug     bool
	PaperOnly bool // never place live orders even with credentials present

	// Exchange API
	ExchangeBaseURL    string
	ExchangeAPIKey     string
	ExchangeAPISecret  string
	ExchangePassphrase string

	// Schedulers
	TickInterval  time.Duration // price tick driving engines + reconciler
	FlushInterval time.Duration // persistence flush

	// Reconciler
	TrailTriggerPct      decimal.Decimal
	TrailStepPct         decimal.Decimal
	InitialStopPct       decimal.Decimal
	AdoptedStopPct       decimal.Decimal // risk % for stops on adopted positions
	RenewalDays          int
	MinModifyInterval    time.Duration
	AuthFailureThreshold int

	// Persistence
	DatabaseURL  string // postgres when set
	DatabasePath string // sqlite file otherwise

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Price feed
	FeedBaseURL   string
	FeedStreamURL string
	UseStream     bool

	// Signal webhook
	SignalAddr string
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Debug:     getEnvBool("DEBUG", false),
		PaperOnly: getEnvBool("PAPER_ONLY", false),

		ExchangeBaseURL:    getEnv("EXCHANGE_BASE_URL", "https://api.bitget.com"),
		ExchangeAPIKey:     os.Getenv("EXCHANGE_API_KEY"),
		ExchangeAPISecret:  os.Getenv("EXCHANGE_API_SECRET"),
		ExchangePassphrase: os.Getenv("EXCHANGE_PASSPHRASE"),

		TickInterval:  getEnvDuration("TICK_INTERVAL", 10*time.Second),
		FlushInterval: getEnvDuration("FLUSH_INTERVAL", 30*time.Second),

		TrailTriggerPct:      getEnvDecimal("TRAIL_TRIGGER_PCT", decimal.NewFromInt(50)),
		TrailStepPct:         getEnvDecimal("TRAIL_STEP_PCT", decimal.NewFromInt(30)),
		InitialStopPct:       getEnvDecimal("INITIAL_STOP_PCT", decimal.NewFromInt(20)),
		AdoptedStopPct:       getEnvDecimal("ADOPTED_STOP_PCT", decimal.NewFromInt(20)),
		RenewalDays:          getEnvInt("PLAN_RENEWAL_DAYS", 2),
		MinModifyInterval:    getEnvDuration("MIN_MODIFY_INTERVAL", 60*time.Second),
		AuthFailureThreshold: getEnvInt("AUTH_FAILURE_THRESHOLD", 5),

		DatabaseURL:  os.Getenv("DATABASE_URL"),
		DatabasePath: getEnv("DATABASE_PATH", "trailbot.db"),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		FeedBaseURL:   getEnv("FEED_BASE_URL", "https://api.binance.com"),
		FeedStreamURL: getEnv("FEED_STREAM_URL", "wss://stream.binance.com:9443"),
		UseStream:     getEnvBool("FEED_USE_STREAM", true),

		SignalAddr: getEnv("SIGNAL_ADDR", ":8090"),
	}

	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if cfg.ExchangeAPIKey == "" {
		cfg.PaperOnly = true
	}

	if cfg.TickInterval <= 0 || cfg.FlushInterval <= 0 {
		return nil, fmt.Errorf("intervals must be positive")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1" || value == "yes"
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getEnvDecimal(key string, defaultValue decimal.Decimal) decimal.Decimal {
	if value := os.Getenv(key); value != "" {
		if d, err := decimal.NewFromString(value); err == nil {
			return d
		}
	}
	return defaultValue
}
