package notify

import (
	"fmt"
	"strings"
	"sync"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
)

// ═══════════════════════════════════════════════════════════════════════════════
// TELEGRAM BOT - Operational alerts & control
// ═══════════════════════════════════════════════════════════════════════════════
//
// Features:
//   🔌 Bridge disconnect / recovery alerts
//   💰 Trade close and large-loss notifications
//   📈 Daily P&L summaries
//   🎛️ Commands (/status, /stats, /trades, /positions, /ping)
//
// ═══════════════════════════════════════════════════════════════════════════════

// StatusProvider exposes engine state for the command surface
type StatusProvider interface {
	BridgeConnected() bool
	Balance() (decimal.Decimal, error)
	OpenPositionCount() int
	WaitingCount() int
}

// TelegramBot manages the Telegram interface
type TelegramBot struct {
	mu      sync.RWMutex
	api     *tgbotapi.BotAPI
	chatID  int64
	running bool
	stopCh  chan struct{}

	db     *database.DB
	status StatusProvider
}

// NewTelegramBot creates the bot from config. Returns nil without error
// when no token is configured, alerts are optional.
func NewTelegramBot(cfg *config.Config, db *database.DB, status StatusProvider) (*TelegramBot, error) {
	if cfg.TelegramToken == "" || cfg.TelegramChatID == 0 {
		log.Info().Msg("Telegram not configured, alerts disabled")
		return nil, nil
	}

	api, err := tgbotapi.NewBotAPI(cfg.TelegramToken)
	if err != nil {
		return nil, fmt.Errorf("failed to create bot: %w", err)
	}

	bot := &TelegramBot{
		api:    api,
		chatID: cfg.TelegramChatID,
		stopCh: make(chan struct{}),
		db:     db,
		status: status,
	}

	log.Info().Str("username", api.Self.UserName).Msg("🤖 Telegram bot initialized")
	return bot, nil
}

// Start begins listening for commands
func (b *TelegramBot) Start() {
	if b == nil {
		return
	}
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.commandLoop()
	log.Info().Msg("📱 Telegram bot started")
}

// Stop stops the bot
func (b *TelegramBot) Stop() {
	if b == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.running {
		return
	}
	b.running = false
	close(b.stopCh)
	log.Info().Msg("Telegram bot stopped")
}

// ═══════════════════════════════════════════════════════════════════════════════
// NOTIFICATIONS
// ═══════════════════════════════════════════════════════════════════════════════

// NotifyStartup sends the boot banner
func (b *TelegramBot) NotifyStartup(mode string, balance decimal.Decimal) {
	if b == nil {
		return
	}
	msg := fmt.Sprintf(`🚀 *GOLDENGINE STARTED*
━━━━━━━━━━━━━━━━━━━━

📊 Mode: *%s*
💰 Balance: *$%s*

Use /help for commands`, mode, balance.StringFixed(2))
	b.sendMarkdown(msg)
}

// NotifyDisconnect alerts on a dead bridge connection
func (b *TelegramBot) NotifyDisconnect(downFor time.Duration) {
	if b == nil {
		return
	}
	b.sendMarkdown(fmt.Sprintf(
		"🔌 *BRIDGE DISCONNECTED*\n\nReconnect attempts failing for *%s*. Trading halted.",
		downFor.Round(time.Second)))
}

// NotifyRecovered alerts when the bridge comes back
func (b *TelegramBot) NotifyRecovered() {
	if b == nil {
		return
	}
	b.sendMarkdown("✅ *BRIDGE RECONNECTED*\n\nTrading resumed.")
}

// NotifyTradeClosed sends a close alert
func (b *TelegramBot) NotifyTradeClosed(ticket int64, outcome string, pnlUSD decimal.Decimal) {
	if b == nil {
		return
	}
	emoji := "📈"
	if pnlUSD.IsNegative() {
		emoji = "📉"
	}
	sign := "+"
	if pnlUSD.IsNegative() {
		sign = ""
	}
	b.sendMarkdown(fmt.Sprintf(`%s *TRADE CLOSED*

🎫 Ticket: *%d*
🏷️ Outcome: *%s*
💵 P&L: *%s$%s*`,
		emoji, ticket, outcome, sign, pnlUSD.StringFixed(2)))
}

// NotifyLossAlert fires on a single loss beyond the alert threshold
func (b *TelegramBot) NotifyLossAlert(pnlUSD decimal.Decimal, ticket int64) {
	if b == nil {
		return
	}
	b.sendMarkdown(fmt.Sprintf(
		"🚨 *LARGE LOSS*\n\n🎫 Ticket: *%d*\n💵 P&L: *$%s*",
		ticket, pnlUSD.StringFixed(2)))
}

// NotifyRiskBlock reports a risk-gate halt
func (b *TelegramBot) NotifyRiskBlock(reason string) {
	if b == nil {
		return
	}
	b.sendMarkdown(fmt.Sprintf("🚫 *RISK GATE*\n\n`%s`", reason))
}

// NotifyDailySummary sends the end-of-day report
func (b *TelegramBot) NotifyDailySummary(now time.Time) {
	if b == nil || b.db == nil {
		return
	}
	pnl, err := b.db.SumClosedPnLToday(now)
	if err != nil {
		log.Warn().Err(err).Msg("Daily summary query failed")
		return
	}
	trades, err := b.db.ClosedTradesSince(now.Truncate(24 * time.Hour))
	if err != nil {
		trades = nil
	}

	wins, losses := 0, 0
	for _, t := range trades {
		if t.PnLUSD.IsPositive() {
			wins++
		} else if t.PnLUSD.IsNegative() {
			losses++
		}
	}
	winRate := 0.0
	if len(trades) > 0 {
		winRate = float64(wins) / float64(len(trades)) * 100
	}

	emoji := "📈"
	if pnl.IsNegative() {
		emoji = "📉"
	}
	sign := "+"
	if pnl.IsNegative() {
		sign = ""
	}

	b.sendMarkdown(fmt.Sprintf(`%s *DAILY SUMMARY*
━━━━━━━━━━━━━━━━━━━━

📊 Trades: *%d*
✅ Wins: *%d*
❌ Losses: *%d*
📈 Win Rate: *%.1f%%*

━━━━━━━━━━━━━━━━━━━━
💵 P&L: *%s$%s*`,
		emoji, len(trades), wins, losses, winRate, sign, pnl.StringFixed(2)))
}

// ═══════════════════════════════════════════════════════════════════════════════
// COMMAND HANDLING
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) commandLoop() {
	u := tgbotapi.NewUpdate(0)
	u.Timeout = 30

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-b.stopCh:
			return
		case update := <-updates:
			if update.Message == nil || !update.Message.IsCommand() {
				continue
			}
			// Only respond to the authorized chat
			if update.Message.Chat.ID != b.chatID {
				continue
			}
			b.handleCommand(update.Message)
		}
	}
}

func (b *TelegramBot) handleCommand(msg *tgbotapi.Message) {
	switch strings.ToLower(msg.Command()) {
	case "start", "help":
		b.cmdHelp()
	case "status":
		b.cmdStatus()
	case "stats":
		b.cmdStats()
	case "trades":
		b.cmdTrades()
	case "ping":
		b.send("🏓 Pong!")
	default:
		b.send("❓ Unknown command. Use /help")
	}
}

func (b *TelegramBot) cmdHelp() {
	b.sendMarkdown(`🤖 *GOLDENGINE COMMANDS*
━━━━━━━━━━━━━━━━━━━━

📊 /status — Engine status
📈 /stats — Today's statistics
📜 /trades — Last 10 closed trades
🏓 /ping — Test connection`)
}

func (b *TelegramBot) cmdStatus() {
	if b.status == nil {
		b.send("❌ Status not available")
		return
	}

	conn := "🟢 CONNECTED"
	if !b.status.BridgeConnected() {
		conn = "🔴 DISCONNECTED"
	}

	balanceStr := "N/A"
	if bal, err := b.status.Balance(); err == nil {
		balanceStr = "$" + bal.StringFixed(2)
	}

	b.sendMarkdown(fmt.Sprintf(`📊 *ENGINE STATUS*
━━━━━━━━━━━━━━━━━━━━

🔌 Bridge: %s
💰 Balance: *%s*
💼 Open Positions: *%d*
⏸️ Waiting Decisions: *%d*`,
		conn, balanceStr,
		b.status.OpenPositionCount(),
		b.status.WaitingCount()))
}

func (b *TelegramBot) cmdStats() {
	b.NotifyDailySummary(time.Now().UTC())
}

func (b *TelegramBot) cmdTrades() {
	if b.db == nil {
		b.send("❌ Trades not available")
		return
	}
	trades, err := b.db.RecentClosedTrades(10)
	if err != nil {
		b.send("❌ Failed to fetch trades")
		return
	}
	if len(trades) == 0 {
		b.send("📭 No trade history yet")
		return
	}

	msg := "📜 *LAST 10 TRADES*\n━━━━━━━━━━━━━━━━━━━━\n\n"
	for _, t := range trades {
		emoji := "📌"
		switch t.Outcome {
		case "tp_hit":
			emoji = "💰"
		case "sl_hit":
			emoji = "🛑"
		case "trailing_sl":
			emoji = "📊"
		case "partial_tp":
			emoji = "✂️"
		}
		sign := "+"
		if t.PnLUSD.IsNegative() {
			sign = ""
		}
		msg += fmt.Sprintf("%s %s #%d | P&L: %s$%s\n   _%s_\n\n",
			emoji, t.Outcome, t.Ticket,
			sign, t.PnLUSD.StringFixed(2),
			t.ClosedAtTime().Format("Jan 2 15:04"))
	}
	b.sendMarkdown(msg)
}

// ═══════════════════════════════════════════════════════════════════════════════
// HELPERS
// ═══════════════════════════════════════════════════════════════════════════════

func (b *TelegramBot) send(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}

func (b *TelegramBot) sendMarkdown(text string) {
	msg := tgbotapi.NewMessage(b.chatID, text)
	msg.ParseMode = "Markdown"
	if _, err := b.api.Send(msg); err != nil {
		log.Error().Err(err).Msg("Failed to send Telegram message")
	}
}
