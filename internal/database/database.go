package database

import (
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DATABASE - Trade journal and engine state
// ═══════════════════════════════════════════════════════════════════════════════
//
// SQLite by default (WAL mode), Postgres when the DSN says so.
// Timestamps are stored as ISO-8601 UTC strings so date-prefix queries
// (daily loss cap) stay trivial on both backends.
//
// ═══════════════════════════════════════════════════════════════════════════════

const timeLayout = "2006-01-02T15:04:05.000Z"

// NowISO formats the current UTC time for storage
func NowISO() string {
	return time.Now().UTC().Format(timeLayout)
}

// FormatISO formats a timestamp for storage
func FormatISO(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

// ParseISO parses a stored timestamp
func ParseISO(s string) (time.Time, error) {
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		// Tolerate second-precision rows written by older versions
		return time.Parse(time.RFC3339, s)
	}
	return t, nil
}

// ─── Models ────────────────────────────────────────────────────────────────────

// SignalRecord is one accepted webhook signal
type SignalRecord struct {
	ID         uint   `gorm:"primaryKey"`
	ReceivedAt string `gorm:"index"`
	Symbol     string
	Source     string
	SignalType string
	Event      string `gorm:"index"`
	Direction  string
	Price      float64
	TF         int
	RawJSON    string `gorm:"column:raw_json"`
	Processed  bool
}

func (SignalRecord) TableName() string { return "signals" }

// ReceivedAtTime parses the stored receive timestamp
func (s *SignalRecord) ReceivedAtTime() time.Time {
	t, err := ParseISO(s.ReceivedAt)
	if err != nil {
		return time.Time{}
	}
	return t
}

// Decision is one scored decision (approve/wait/reject)
type Decision struct {
	ID                uint   `gorm:"primaryKey"`
	CreatedAt         string `gorm:"index"`
	SignalIDs         string
	Decision          string `gorm:"index"`
	Confidence        float64
	EVScore           float64 `gorm:"column:ev_score"`
	Reason            string
	RiskNote          string
	WaitScope         string
	WaitCondition     string
	StructuredJSON    string `gorm:"column:structured_data"`
	BreakdownJSON     string `gorm:"column:score_breakdown"`
	SetupType         string `gorm:"default:standard"`
	Session           string
	QTrendAligned     bool
	PatternSimilarity *float64
}

func (Decision) TableName() string { return "ai_decisions" }

// Execution is one order submission attempt
type Execution struct {
	ID         uint   `gorm:"primaryKey"`
	CreatedAt  string `gorm:"index"`
	DecisionID uint
	Symbol     string
	Direction  string
	OrderType  string
	LotSize    float64
	EntryPrice float64
	SLPrice    float64 `gorm:"column:sl_price"`
	TPPrice    float64 `gorm:"column:tp_price"`
	Ticket     int64   `gorm:"index"`
	Success    bool
	ErrorMsg   string
}

func (Execution) TableName() string { return "executions" }

// TradeResult is one closed trade
type TradeResult struct {
	ID              uint   `gorm:"primaryKey"`
	ClosedAt        string `gorm:"index"`
	ExecutionID     uint
	Ticket          int64
	Outcome         string          // tp_hit | sl_hit | trailing_sl | partial_tp | manual
	PnLUSD          decimal.Decimal `gorm:"column:pnl_usd;type:decimal(14,2)"`
	PnLPips         float64         `gorm:"column:pnl_pips"`
	DurationMin     float64
	PartialClosePnL decimal.Decimal `gorm:"column:partial_close_pnl;type:decimal(14,2)"`
}

func (TradeResult) TableName() string { return "trade_results" }

// ClosedAtTime parses the stored close timestamp
func (t *TradeResult) ClosedAtTime() time.Time {
	ts, err := ParseISO(t.ClosedAt)
	if err != nil {
		return time.Time{}
	}
	return ts
}

// WaitRecord is the audit row for one deferred decision
type WaitRecord struct {
	ID            uint   `gorm:"primaryKey"`
	CreatedAt     string `gorm:"index"`
	DecisionID    uint
	WaitScope     string
	WaitCondition string
	ReevalCount   int
	FinalStatus   string
	ResolvedAt    string
}

func (WaitRecord) TableName() string { return "wait_history" }

// ScoringRecord is one scoring-engine outcome, later back-filled with
// the realized trade result for the weekly tuner.
type ScoringRecord struct {
	ID              uint   `gorm:"primaryKey"`
	CreatedAt       string `gorm:"index"`
	SignalDirection string
	Regime          string
	TotalScore      float64
	Decision        string
	BreakdownJSON   string `gorm:"column:breakdown_json"`
	Outcome         string
	PnLUSD          *float64 `gorm:"column:pnl_usd"`
}

func (ScoringRecord) TableName() string { return "scoring_history" }

// SystemEvent is a structured operational log row
type SystemEvent struct {
	ID        uint   `gorm:"primaryKey"`
	CreatedAt string `gorm:"index"`
	Event     string
	Detail    string
	Level     string `gorm:"default:INFO"`
}

func (SystemEvent) TableName() string { return "system_events" }

// ParamChange records one tuner parameter adjustment
type ParamChange struct {
	ID        uint   `gorm:"primaryKey"`
	UpdatedAt string `gorm:"index"`
	Param     string
	OldValue  float64
	NewValue  float64
	Reason    string
}

func (ParamChange) TableName() string { return "param_history" }

// ─── DB handle ─────────────────────────────────────────────────────────────────

// DB wraps the gorm connection
type DB struct {
	db       *gorm.DB
	isSQLite bool
}

// New opens the database and migrates the schema. A DSN starting with
// "postgres://" selects Postgres, anything else is a SQLite path.
func New(dsn string) (*DB, error) {
	var dialector gorm.Dialector
	isSQLite := false
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		dialector = postgres.Open(dsn)
	} else {
		dialector = sqlite.Open(dsn)
		isSQLite = true
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if isSQLite {
		db.Exec("PRAGMA journal_mode=WAL")
		db.Exec("PRAGMA synchronous=NORMAL")
	}

	if err := db.AutoMigrate(
		&SignalRecord{},
		&Decision{},
		&Execution{},
		&TradeResult{},
		&WaitRecord{},
		&ScoringRecord{},
		&SystemEvent{},
		&ParamChange{},
	); err != nil {
		return nil, fmt.Errorf("migrate schema: %w", err)
	}

	log.Info().Str("dsn", dsn).Msg("✅ Database ready")
	return &DB{db: db, isSQLite: isSQLite}, nil
}

// Close closes the underlying connection pool
func (d *DB) Close() {
	sqlDB, err := d.db.DB()
	if err == nil {
		sqlDB.Close()
	}
}

// ─── Signals ───────────────────────────────────────────────────────────────────

// InsertSignal stores one accepted signal and returns its id via rec.ID
func (d *DB) InsertSignal(rec *SignalRecord) error {
	if rec.ReceivedAt == "" {
		rec.ReceivedAt = NowISO()
	}
	return d.db.Create(rec).Error
}

// RecentStructures returns structure signals of one event type received
// since the cutoff, newest first.
func (d *DB) RecentStructures(event string, since time.Time) ([]SignalRecord, error) {
	var out []SignalRecord
	err := d.db.
		Where("signal_type = ? AND event = ? AND received_at >= ?",
			"structure", event, FormatISO(since)).
		Order("received_at DESC").
		Find(&out).Error
	return out, err
}

// LatestStructure returns the most recent structure signal of one event
// type since the cutoff, or nil.
func (d *DB) LatestStructure(event string, since time.Time) (*SignalRecord, error) {
	rows, err := d.RecentStructures(event, since)
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return &rows[0], nil
}

// LatestQTrend returns the most recent higher-timeframe prediction
// signal inside the lookback window, or nil.
func (d *DB) LatestQTrend(since time.Time) (*SignalRecord, error) {
	var out []SignalRecord
	err := d.db.
		Where("event = ? AND received_at >= ?", "prediction_signal", FormatISO(since)).
		Order("received_at DESC").
		Limit(1).
		Find(&out).Error
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

// ─── Decisions / executions / results ──────────────────────────────────────────

// InsertDecision stores a decision row
func (d *DB) InsertDecision(dec *Decision) error {
	if dec.CreatedAt == "" {
		dec.CreatedAt = NowISO()
	}
	return d.db.Create(dec).Error
}

// InsertExecution stores an execution row
func (d *DB) InsertExecution(ex *Execution) error {
	if ex.CreatedAt == "" {
		ex.CreatedAt = NowISO()
	}
	return d.db.Create(ex).Error
}

// InsertTradeResult stores a closed-trade row
func (d *DB) InsertTradeResult(tr *TradeResult) error {
	if tr.ClosedAt == "" {
		tr.ClosedAt = NowISO()
	}
	return d.db.Create(tr).Error
}

// ExecutionByTicket looks up the execution that opened a ticket
func (d *DB) ExecutionByTicket(ticket int64) (*Execution, error) {
	var out []Execution
	err := d.db.Where("ticket = ?", ticket).Order("id DESC").Limit(1).Find(&out).Error
	if err != nil || len(out) == 0 {
		return nil, err
	}
	return &out[0], nil
}

// SumClosedPnLToday sums realized P&L of trades closed on the given UTC day
func (d *DB) SumClosedPnLToday(now time.Time) (decimal.Decimal, error) {
	prefix := now.UTC().Format("2006-01-02")
	var rows []TradeResult
	err := d.db.Where("closed_at LIKE ?", prefix+"%").Find(&rows).Error
	if err != nil {
		return decimal.Zero, err
	}
	sum := decimal.Zero
	for _, r := range rows {
		sum = sum.Add(r.PnLUSD)
	}
	return sum, nil
}

// ClosedTradesSince returns closed trades newest first since the cutoff
func (d *DB) ClosedTradesSince(cutoff time.Time) ([]TradeResult, error) {
	var out []TradeResult
	err := d.db.
		Where("closed_at >= ?", FormatISO(cutoff)).
		Order("closed_at DESC").
		Find(&out).Error
	return out, err
}

// RecentClosedTrades returns the last n closed trades, newest first
func (d *DB) RecentClosedTrades(n int) ([]TradeResult, error) {
	var out []TradeResult
	err := d.db.Order("closed_at DESC").Limit(n).Find(&out).Error
	return out, err
}

// ─── Wait history ──────────────────────────────────────────────────────────────

// InsertWaitRecord stores the audit row for a new wait item
func (d *DB) InsertWaitRecord(w *WaitRecord) error {
	if w.CreatedAt == "" {
		w.CreatedAt = NowISO()
	}
	return d.db.Create(w).Error
}

// ResolveWaitRecord finalizes a wait audit row
func (d *DB) ResolveWaitRecord(id uint, finalStatus string, reevalCount int) error {
	return d.db.Model(&WaitRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"final_status": finalStatus,
		"reeval_count": reevalCount,
		"resolved_at":  NowISO(),
	}).Error
}

// ─── Scoring history ───────────────────────────────────────────────────────────

// InsertScoring stores one scoring outcome
func (d *DB) InsertScoring(s *ScoringRecord) error {
	if s.CreatedAt == "" {
		s.CreatedAt = NowISO()
	}
	return d.db.Create(s).Error
}

// BackfillScoringOutcome attaches the realized result to a scoring row
func (d *DB) BackfillScoringOutcome(id uint, outcome string, pnlUSD float64) error {
	return d.db.Model(&ScoringRecord{}).Where("id = ?", id).Updates(map[string]interface{}{
		"outcome": outcome,
		"pnl_usd": pnlUSD,
	}).Error
}

// ScoringSince returns scoring rows with realized outcomes since the cutoff
func (d *DB) ScoringSince(cutoff time.Time) ([]ScoringRecord, error) {
	var out []ScoringRecord
	err := d.db.
		Where("created_at >= ? AND outcome <> ''", FormatISO(cutoff)).
		Order("created_at DESC").
		Find(&out).Error
	return out, err
}

// ─── System events / params ────────────────────────────────────────────────────

// LogEvent appends a system-event row. Failures only warn, operational
// logging must never take the engine down.
func (d *DB) LogEvent(event, detail, level string) {
	rec := &SystemEvent{CreatedAt: NowISO(), Event: event, Detail: detail, Level: level}
	if err := d.db.Create(rec).Error; err != nil {
		log.Warn().Err(err).Str("event", event).Msg("Failed to store system event")
	}
}

// InsertParamChange records one tuner adjustment
func (d *DB) InsertParamChange(p *ParamChange) error {
	if p.UpdatedAt == "" {
		p.UpdatedAt = NowISO()
	}
	return d.db.Create(p).Error
}
