package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/shopspring/decimal"
)

// Config holds all runtime configuration for the engine
type Config struct {
	// Webhook server
	WebhookPort int

	// Broker bridge
	BridgeURL     string
	BridgeTimeout time.Duration
	TestMode      bool

	// Trading
	Symbol       string
	MagicNumber  int64
	OrderComment string
	Deviation    int

	// Risk sizing
	RiskPercent      decimal.Decimal
	MaxPositions     int
	MaxTotalRiskPct  decimal.Decimal // cap on Σ|entry−sl|·lots·contract as fraction of balance
	MinFreeMargin    decimal.Decimal
	FallbackBalance  decimal.Decimal // used when the account query fails
	ContractSize     float64         // ounces per lot, $1 move per oz = $100 per lot
	LossAlertUSD     decimal.Decimal
	MaxDailyLossPct  decimal.Decimal // negative, percent of balance
	MaxConsecLosses  int
	LossResetHours   int
	GapThresholdUSD  float64

	// ATR based SL/TP
	ATRPeriod     int
	ATRSLMult     float64
	ATRTPMult     float64
	MinSLDollars  float64
	MaxSLDollars  float64
	ATRVolatilMin float64
	ATRVolatilMax float64

	// Setup-type SL/TP adjustment (applied on top of session adjustment)
	SweepReversalSLMult float64
	SweepReversalTPMult float64
	TrendContTPMult     float64

	// Decision thresholds
	MinConfidence float64
	MinEVScore    float64

	// Signal collection
	CollectionWindow time.Duration
	SignalBufferSize int

	// Context time windows
	WindowNewZone    time.Duration
	WindowZoneTouch  time.Duration
	WindowFVGTouch   time.Duration
	WindowSweep      time.Duration
	WindowQTrend     time.Duration

	// Wait / re-evaluation
	WaitExpiryNextBar   time.Duration
	WaitExpiryStructure time.Duration
	WaitExpiryCooldown  time.Duration
	MaxReevalCount      int
	RevalInterval       time.Duration

	// Reversal auto-trigger
	ReversalEnabled     bool
	ReversalCooldown    time.Duration

	// News filter
	NewsFilterEnabled bool
	NewsBlockBefore   time.Duration
	NewsBlockAfter    time.Duration
	NewsCurrencies    []string
	NewsMinImportance int

	// Position management
	PartialCloseRatio float64
	PartialTPATRMult  float64
	BETriggerATRMult  float64
	BEBufferDollars   float64
	TrailATRMult      float64
	PositionInterval  time.Duration

	// Monitoring
	HealthInterval time.Duration

	// Daily schedule (UTC)
	EODCloseHour     int
	EODCloseMinute   int
	LimitCancelHour  int
	LimitCancelMin   int

	// Telegram
	TelegramToken  string
	TelegramChatID int64

	// Files
	DatabasePath    string
	ScoreConfigPath string
}

// Load loads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{
		WebhookPort:   getEnvInt("WEBHOOK_PORT", 5000),
		BridgeURL:     getEnv("BRIDGE_URL", "ws://127.0.0.1:8765/rpc"),
		BridgeTimeout: getEnvDuration("BRIDGE_TIMEOUT", 5*time.Second),
		TestMode:      getEnvBool("TEST_MODE", false),

		Symbol:       getEnv("SYMBOL", "GOLD"),
		MagicNumber:  int64(getEnvInt("MAGIC_NUMBER", 20260223)),
		OrderComment: getEnv("ORDER_COMMENT", "goldengine_v2"),
		Deviation:    getEnvInt("ORDER_DEVIATION", 20),

		RiskPercent:     getEnvDecimal("RISK_PERCENT", decimal.NewFromFloat(2.0)),
		MaxPositions:    getEnvInt("MAX_POSITIONS", 5),
		MaxTotalRiskPct: getEnvDecimal("MAX_TOTAL_RISK_PCT", decimal.NewFromFloat(0.10)),
		MinFreeMargin:   getEnvDecimal("MIN_FREE_MARGIN", decimal.NewFromFloat(500)),
		FallbackBalance: getEnvDecimal("FALLBACK_BALANCE", decimal.NewFromFloat(10000)),
		ContractSize:    getEnvFloat("CONTRACT_SIZE", 100),
		LossAlertUSD:    getEnvDecimal("LOSS_ALERT_USD", decimal.NewFromFloat(-100)),
		MaxDailyLossPct: getEnvDecimal("MAX_DAILY_LOSS_PCT", decimal.NewFromFloat(-5.0)),
		MaxConsecLosses: getEnvInt("MAX_CONSECUTIVE_LOSSES", 3),
		LossResetHours:  getEnvInt("LOSS_RESET_HOURS", 24),
		GapThresholdUSD: getEnvFloat("GAP_THRESHOLD_USD", 15.0),

		ATRPeriod:     getEnvInt("ATR_PERIOD", 14),
		ATRSLMult:     getEnvFloat("ATR_SL_MULT", 2.0),
		ATRTPMult:     getEnvFloat("ATR_TP_MULT", 3.0),
		MinSLDollars:  getEnvFloat("MIN_SL_DOLLARS", 8.0),
		MaxSLDollars:  getEnvFloat("MAX_SL_DOLLARS", 80.0),
		ATRVolatilMin: getEnvFloat("ATR_VOLATILITY_MIN", 3.0),
		ATRVolatilMax: getEnvFloat("ATR_VOLATILITY_MAX", 30.0),

		SweepReversalSLMult: getEnvFloat("SWEEP_REVERSAL_SL_MULT", 0.80),
		SweepReversalTPMult: getEnvFloat("SWEEP_REVERSAL_TP_MULT", 1.20),
		TrendContTPMult:     getEnvFloat("TREND_CONT_TP_MULT", 1.25),

		MinConfidence: getEnvFloat("MIN_CONFIDENCE", 0.70),
		MinEVScore:    getEnvFloat("MIN_EV_SCORE", 0.20),

		CollectionWindow: getEnvDuration("COLLECTION_WINDOW", 500*time.Millisecond),
		SignalBufferSize: getEnvInt("SIGNAL_BUFFER_SIZE", 50),

		WindowNewZone:   getEnvDuration("WINDOW_NEW_ZONE", 12*time.Hour),
		WindowZoneTouch: getEnvDuration("WINDOW_ZONE_TOUCH", 15*time.Minute),
		WindowFVGTouch:  getEnvDuration("WINDOW_FVG_TOUCH", 15*time.Minute),
		WindowSweep:     getEnvDuration("WINDOW_SWEEP", 30*time.Minute),
		WindowQTrend:    getEnvDuration("WINDOW_Q_TREND", 4*time.Hour),

		WaitExpiryNextBar:   getEnvDuration("WAIT_EXPIRY_NEXT_BAR", 6*time.Minute),
		WaitExpiryStructure: getEnvDuration("WAIT_EXPIRY_STRUCTURE", 15*time.Minute),
		WaitExpiryCooldown:  getEnvDuration("WAIT_EXPIRY_COOLDOWN", 3*time.Minute),
		MaxReevalCount:      getEnvInt("MAX_REEVAL_COUNT", 3),
		RevalInterval:       getEnvDuration("REVAL_INTERVAL", 15*time.Second),

		ReversalEnabled:  getEnvBool("REVERSAL_AUTO_TRIGGER", true),
		ReversalCooldown: getEnvDuration("REVERSAL_COOLDOWN", 5*time.Minute),

		NewsFilterEnabled: getEnvBool("NEWS_FILTER_ENABLED", true),
		NewsBlockBefore:   getEnvDuration("NEWS_BLOCK_BEFORE", 30*time.Minute),
		NewsBlockAfter:    getEnvDuration("NEWS_BLOCK_AFTER", 30*time.Minute),
		NewsCurrencies:    []string{"USD", "EUR"},
		NewsMinImportance: getEnvInt("NEWS_MIN_IMPORTANCE", 2),

		PartialCloseRatio: getEnvFloat("PARTIAL_CLOSE_RATIO", 0.5),
		PartialTPATRMult:  getEnvFloat("PARTIAL_TP_ATR_MULT", 2.0),
		BETriggerATRMult:  getEnvFloat("BE_TRIGGER_ATR_MULT", 1.0),
		BEBufferDollars:   getEnvFloat("BE_BUFFER_DOLLARS", 0.2),
		TrailATRMult:      getEnvFloat("TRAIL_ATR_MULT", 1.5),
		PositionInterval:  getEnvDuration("POSITION_CHECK_INTERVAL", 10*time.Second),

		HealthInterval: getEnvDuration("HEALTH_CHECK_INTERVAL", 60*time.Second),

		EODCloseHour:    getEnvInt("EOD_CLOSE_HOUR", 23),
		EODCloseMinute:  getEnvInt("EOD_CLOSE_MINUTE", 30),
		LimitCancelHour: getEnvInt("LIMIT_CANCEL_HOUR", 23),
		LimitCancelMin:  getEnvInt("LIMIT_CANCEL_MINUTE", 30),

		TelegramToken: os.Getenv("TELEGRAM_BOT_TOKEN"),

		DatabasePath:    getEnv("DATABASE_PATH", "data/goldengine.db"),
		ScoreConfigPath: getEnv("SCORE_CONFIG_PATH", "data/score_config.yaml"),
	}

	// Parse chat ID
	if chatID := os.Getenv("TELEGRAM_CHAT_ID"); chatID != "" {
		id, err := strconv.ParseInt(chatID, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid TELEGRAM_CHAT_ID: %w", err)
		}
		cfg.TelegramChatID = id
	}

	if !cfg.TestMode && cfg.BridgeURL == "" {
		return nil, fmt.Errorf("BRIDGE_URL is required outside test mode")
	}
	if cfg.MaxConsecLosses < 1 {
		return nil, fmt.Errorf("MAX_CONSECUTIVE_LOSSES must be >= 1")
	}
	if cfg.PartialCloseRatio <= 0 || cfg.PartialCloseRatio >= 1 {
		return nil, fmt.Errorf("PARTIAL_CLOSE_RATIO must be in (0, 1)")
	}

	return cfg, nil
}

// BatchHardCap is the overflow limit of the signal collector buffer.
func (c *Config) BatchHardCap() int {
	return 4 * c.SignalBufferSize
}

// Helper functions

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

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
