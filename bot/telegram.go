package bot

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/soryn-dev/trailbot/types"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Trade notifications & status commands
// ═══════════════════════════════════════════════════════════════════════════════
//
//   💰 open/close notifications per strategy
//   🛡️ live-position tracking and external-close alerts
//   🚨 paper-only degradation alerts
//   /status /positions commands
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatsProvider supplies the data behind the status commands.
type StatsProvider interface {
	StrategyBalances() map[string]decimal.Decimal
	OpenPositions() []types.PositionRecord
	TrackedSymbols() []string
}

type TelegramBot struct {
	mu      sync.Mutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	stats StatsProvider
}

// NewTelegramBot connects the bot. token and chatID come from config; the
// caller skips construction entirely when they are unset.
func NewTelegramBot(token string, chatID int64, stats StatsProvider) (*TelegramBot, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("telegram connect: %w", err)
	}
	log.Info().Str("username", api.Self.UserName).Msg("📱 Telegram bot connected")
	return &TelegramBot{
		api:    api,
		chatID: chatID,
		stopCh: make(chan struct{}),
		stats:  stats,
	}, nil
}

// Start begins handling commands.
func (t *TelegramBot) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go t.commandLoop()
}

// Stop shuts the command loop down.
func (t *TelegramBot) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
}

// NotifyOpen announces a new simulated position.
func (t *TelegramBot) NotifyOpen(pos *types.Position) {
	t.send(fmt.Sprintf("✅ *OPEN* %s %s\nStrategy: %s\nEntry: %s  Stop: %s\nLeverage: %sx  Margin: %s",
		pos.Symbol, strings.ToUpper(string(pos.Direction)), pos.Strategy,
		pos.EntryPrice.String(), pos.StopLossPrice.String(),
		pos.Leverage.String(), pos.MarginUsed.StringFixed(2)))
}

// NotifyClose announces a close with its reason and P&L.
func (t *TelegramBot) NotifyClose(pos *types.Position) {
	emoji := "💰"
	if pos.RealizedPnl.IsNegative() {
		emoji = "🛑"
	}
	t.send(fmt.Sprintf("%s *CLOSE* %s %s (%s)\nStrategy: %s\nExit: %s  PnL: %s (%s%%)",
		emoji, pos.Symbol, strings.ToUpper(string(pos.Direction)), pos.ExitReason,
		pos.Strategy, pos.ExitPrice.String(),
		pos.RealizedPnl.StringFixed(2), pos.RealizedPnlPercent.StringFixed(2)))
}

// NotifyExternalClose announces that the venue closed a live position.
func (t *TelegramBot) NotifyExternalClose(symbol string, dir types.Direction, fillPrice, profit decimal.Decimal) {
	t.send(fmt.Sprintf("⚠️ *EXTERNAL CLOSE* %s %s\nFill: %s  Profit: %s",
		symbol, strings.ToUpper(string(dir)), fillPrice.String(), profit.StringFixed(2)))
}

// NotifyDegraded announces paper-only degradation or recovery.
func (t *TelegramBot) NotifyDegraded(degraded bool) {
	if degraded {
		t.send("🚨 Exchange auth failing — degraded to *paper-only* mode. Live orders suspended.")
		return
	}
	t.send("✅ Exchange auth recovered — live trading resumed.")
}

func (t *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30
	updates := t.api.GetUpdatesChan(u)

	for {
		select {
		case <-t.stopCh:
			t.api.StopReceivingUpdates()
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			if update.Message.Chat.ID != t.chatID {
				continue
			}
			t.handleCommand(update.Message.Command())
		}
	}
}

func (t *TelegramBot) handleCommand(cmd string) {
	switch cmd {
	case "status":
		t.send(t.statusText())
	case "positions":
		t.send(t.positionsText())
	default:
		t.send("Commands: /status /positions")
	}
}

func (t *TelegramBot) statusText() string {
	var b strings.Builder
	b.WriteString("📊 *Status*\n")
	for name, balance := range t.stats.StrategyBalances() {
		fmt.Fprintf(&b, "%s: %s\n", name, balance.StringFixed(2))
	}
	tracked := t.stats.TrackedSymbols()
	fmt.Fprintf(&b, "Live tracked: %d", len(tracked))
	if len(tracked) > 0 {
		fmt.Fprintf(&b, " (%s)", strings.Join(tracked, ", "))
	}
	return b.String()
}

func (t *TelegramBot) positionsText() string {
	positions := t.stats.OpenPositions()
	if len(positions) == 0 {
		return "No open positions"
	}
	var b strings.Builder
	b.WriteString("📈 *Open positions*\n")
	for _, p := range positions {
		fmt.Fprintf(&b, "%s %s %s @ %s | stop %s | roi %s%% | %s\n",
			p.Strategy, p.Symbol, strings.ToUpper(string(p.Direction)),
			p.EntryPrice.String(), p.StopLoss.String(),
			p.RoiPercent.StringFixed(2), time.Since(p.OpenedAt).Round(time.Minute))
	}
	return b.String()
}

func (t *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(t.chatID, text)
	msg.ParseMode = tgbotapi.ModeMarkdown
	if _, err := t.api.Send(msg); err != nil {
		log.Warn().Err(err).Msg("Telegram send failed")
	}
}
