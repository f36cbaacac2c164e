// Goldengine - Automated gold trading decision and execution engine
//
// TradingView alerts arrive on the webhook, get validated and debounced
// into batches, scored against a normalized market schema, and approved
// entries flow through the risk gate to the broker bridge. Positions
// are managed through break-even, partial take-profit and trailing
// stages until the broker closes them.
package main

import (
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantfold/goldengine/internal/broker"
	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
	"github.com/quantfold/goldengine/internal/decision"
	"github.com/quantfold/goldengine/internal/execution"
	"github.com/quantfold/goldengine/internal/health"
	"github.com/quantfold/goldengine/internal/market"
	"github.com/quantfold/goldengine/internal/notify"
	"github.com/quantfold/goldengine/internal/pipeline"
	"github.com/quantfold/goldengine/internal/position"
	"github.com/quantfold/goldengine/internal/risk"
	"github.com/quantfold/goldengine/internal/schedule"
	"github.com/quantfold/goldengine/internal/server"
	sig "github.com/quantfold/goldengine/internal/signal"
	"github.com/quantfold/goldengine/internal/tuner"
	"github.com/quantfold/goldengine/internal/wait"
)

const version = "2.1.0"

// engineStatus satisfies the Telegram status surface
type engineStatus struct {
	broker broker.Broker
	pm     *position.Manager
	buf    *wait.Buffer
}

func (s *engineStatus) BridgeConnected() bool { return s.broker.IsConnected() }
func (s *engineStatus) Balance() (decimal.Decimal, error) {
	acc, err := s.broker.Account()
	if err != nil {
		return decimal.Zero, err
	}
	return acc.Balance, nil
}
func (s *engineStatus) OpenPositionCount() int { return s.pm.Count() }
func (s *engineStatus) WaitingCount() int      { return s.buf.WaitingCount() }

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if os.Getenv("DEBUG") == "true" {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	}

	if err := godotenv.Load(); err != nil {
		log.Warn().Msg("No .env file found, using environment variables")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load configuration")
	}

	log.Info().Str("version", version).Str("symbol", cfg.Symbol).
		Bool("test_mode", cfg.TestMode).Msg("🏆 Goldengine starting")

	db, err := database.New(cfg.DatabasePath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to open database")
	}
	defer db.Close()

	scores, err := decision.LoadScoreConfig(cfg.ScoreConfigPath)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load score config")
	}

	b := connectBroker(cfg)
	defer b.Close()

	// Wiring order: position manager first, everything downstream of
	// the dispatcher references it.
	pm := position.NewManager(cfg, b, db)
	executor := execution.NewExecutor(cfg, b, db, pm)
	news := market.NewNewsFilter(b, cfg.NewsFilterEnabled, cfg.NewsBlockBefore,
		cfg.NewsBlockAfter, cfg.NewsCurrencies, cfg.NewsMinImportance)
	gate := risk.NewGate(cfg, db, b, news)
	builder := pipeline.NewContextBuilder(cfg, b, db)
	buffer := wait.NewBuffer(cfg)
	dispatcher := pipeline.NewDispatcher(cfg, db, builder, scores, gate, executor, buffer)

	reval := wait.NewRevaluator(cfg, buffer, db, scores, builder, dispatcher.ExecuteWaitItem)
	dispatcher.SetRevaluator(reval)

	collector := sig.NewCollector(cfg.CollectionWindow, cfg.BatchHardCap(), dispatcher.Dispatch)

	monitor := health.NewMonitor(cfg, b, db)
	scheduler := schedule.NewScheduler(cfg, b, db, pm)
	tun := tuner.New(db, scores)

	status := &engineStatus{broker: b, pm: pm, buf: buffer}
	bot, err := notify.NewTelegramBot(cfg, db, status)
	if err != nil {
		log.Warn().Err(err).Msg("Telegram bot unavailable")
	}
	if bot != nil {
		pm.SetNotifier(bot)
		monitor.SetAlerter(bot)
		scheduler.SetSummarizer(bot)
	}

	srv := server.New(cfg, collector, monitor)

	pm.Start()
	reval.Start()
	monitor.Start()
	scheduler.Start()
	tun.Start()
	bot.Start()
	if err := srv.Start(); err != nil {
		log.Fatal().Err(err).Msg("Failed to start webhook server")
	}

	if bot != nil {
		mode := "LIVE"
		if cfg.TestMode {
			mode = "PAPER"
		}
		balance := cfg.FallbackBalance
		if acc, err := b.Account(); err == nil {
			balance = acc.Balance
		}
		bot.NotifyStartup(mode, balance)
	}

	db.LogEvent("engine_started", version, "INFO")
	log.Info().Msg("✅ Goldengine running")

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down")
	srv.Stop()
	collector.Stop()
	reval.Stop()
	tun.Stop()
	scheduler.Stop()
	monitor.Stop()
	pm.Stop()
	bot.Stop()
	db.LogEvent("engine_stopped", "", "INFO")
	log.Info().Msg("👋 Goodbye")
}

// connectBroker dials the bridge with a short retry, falling back to
// the paper broker in test mode.
func connectBroker(cfg *config.Config) broker.Broker {
	if cfg.TestMode {
		log.Warn().Msg("📜 TEST MODE: paper broker, no real orders")
		return broker.NewPaper()
	}

	bridge := broker.NewBridge(cfg.BridgeURL, cfg.BridgeTimeout)
	for attempt := 1; attempt <= 3; attempt++ {
		if err := bridge.Connect(); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Bridge connect failed")
			time.Sleep(2 * time.Second)
			continue
		}
		log.Info().Str("url", cfg.BridgeURL).Msg("🔗 Bridge connected")
		return bridge
	}

	// The health monitor keeps retrying in the background
	log.Error().Msg("Bridge unavailable at startup, running degraded")
	return bridge
}
