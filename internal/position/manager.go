package position

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantfold/goldengine/internal/broker"
	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
	"github.com/quantfold/goldengine/internal/signal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// POSITION MANAGER - Per-ticket lifecycle state machine
// ═══════════════════════════════════════════════════════════════════════════════
//
// One pass every tick interval:
//
//   INITIAL ──U ≥ ATR·be_mult──▶ BE_APPLIED ──U ≥ ATR·partial_mult──▶
//   PARTIAL_CLOSED (trailing active, SL ratchets with the high-water mark)
//
// Transitions are monotonic. The broker closes the remainder via SL/TP;
// the only close this manager issues is the partial take-profit.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Notifier receives position alerts. Defined here so the telegram bot
// can satisfy it without an import cycle.
type Notifier interface {
	NotifyLossAlert(pnlUSD decimal.Decimal, ticket int64)
	NotifyTradeClosed(ticket int64, outcome string, pnlUSD decimal.Decimal)
}

// ManagedPosition is the tracked state of one open ticket
type ManagedPosition struct {
	Ticket            int64
	Direction         signal.Direction
	EntryPrice        float64
	LotSize           float64
	SL                float64
	TP                float64
	ATRAtEntry        float64
	MaxFavorablePrice float64
	BEApplied         bool
	PartialClosed     bool
	TrailingActive    bool
	RemainingLots     float64
	EnteredAt         time.Time

	// Journal links for close-time bookkeeping
	ExecutionID uint
	ScoringID   uint
}

// Manager owns the position map and the tick loop
type Manager struct {
	mu        sync.RWMutex
	cfg       *config.Config
	broker    broker.Broker
	db        *database.DB
	notifier  Notifier
	positions map[int64]*ManagedPosition

	running bool
	stopCh  chan struct{}
}

// NewManager creates the position manager
func NewManager(cfg *config.Config, b broker.Broker, db *database.DB) *Manager {
	return &Manager{
		cfg:       cfg,
		broker:    b,
		db:        db,
		positions: make(map[int64]*ManagedPosition),
		stopCh:    make(chan struct{}),
	}
}

// SetNotifier wires the alert sink
func (m *Manager) SetNotifier(n Notifier) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notifier = n
}

// Register starts managing a freshly opened position
func (m *Manager) Register(pos *ManagedPosition) {
	if pos.RemainingLots == 0 {
		pos.RemainingLots = pos.LotSize
	}
	if pos.MaxFavorablePrice == 0 {
		pos.MaxFavorablePrice = pos.EntryPrice
	}
	m.mu.Lock()
	m.positions[pos.Ticket] = pos
	m.mu.Unlock()

	log.Info().Int64("ticket", pos.Ticket).Str("direction", string(pos.Direction)).
		Float64("lots", pos.LotSize).Float64("atr", pos.ATRAtEntry).
		Msg("📌 Position registered")
}

// Count returns the number of managed positions
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.positions)
}

// Get returns a copy of one managed position, if tracked
func (m *Manager) Get(ticket int64) (ManagedPosition, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pos, ok := m.positions[ticket]
	if !ok {
		return ManagedPosition{}, false
	}
	return *pos, true
}

// Start launches the tick loop
func (m *Manager) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.monitorLoop()
	log.Info().Dur("interval", m.cfg.PositionInterval).Msg("👁️ Position manager started")
}

// Stop halts the tick loop
func (m *Manager) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	log.Info().Msg("Position manager stopped")
}

func (m *Manager) monitorLoop() {
	ticker := time.NewTicker(m.cfg.PositionInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Tick()
		}
	}
}

// Tick runs one management pass. The position map is snapshotted under
// the lock, per-ticket work runs outside it, and removals are applied
// at the end.
func (m *Manager) Tick() {
	m.mu.RLock()
	snapshot := make([]*ManagedPosition, 0, len(m.positions))
	for _, pos := range m.positions {
		snapshot = append(snapshot, pos)
	}
	m.mu.RUnlock()

	if len(snapshot) == 0 {
		return
	}

	brokerPositions, err := m.broker.OpenPositions(m.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("Position query failed, skipping tick")
		return
	}
	open := make(map[int64]broker.Position, len(brokerPositions))
	for _, p := range brokerPositions {
		open[p.Ticket] = p
	}

	tick, err := m.broker.CurrentTick(m.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("Quote unavailable, skipping tick")
		return
	}

	var toRemove []int64
	for _, pos := range snapshot {
		if _, stillOpen := open[pos.Ticket]; !stillOpen {
			m.handleExternalClose(pos)
			toRemove = append(toRemove, pos.Ticket)
			continue
		}
		m.managePosition(pos, tick)
	}

	if len(toRemove) > 0 {
		m.mu.Lock()
		for _, ticket := range toRemove {
			delete(m.positions, ticket)
		}
		m.mu.Unlock()
	}
}

// managePosition advances one position through its state machine
func (m *Manager) managePosition(pos *ManagedPosition, tick *broker.Tick) {
	// Direction-correct mark price: longs exit on the bid, shorts on the ask
	price := tick.Bid
	if pos.Direction == signal.Sell {
		price = tick.Ask
	}

	// High-water mark of the favorable extreme
	if pos.Direction == signal.Buy {
		if price > pos.MaxFavorablePrice {
			pos.MaxFavorablePrice = price
		}
	} else if price < pos.MaxFavorablePrice {
		pos.MaxFavorablePrice = price
	}

	favorable := price - pos.EntryPrice
	if pos.Direction == signal.Sell {
		favorable = pos.EntryPrice - price
	}

	if pos.RemainingLots <= 0 {
		log.Error().Int64("ticket", pos.Ticket).Msg("Invariant violation: no remaining lots")
		return
	}

	if !pos.BEApplied && favorable >= pos.ATRAtEntry*m.cfg.BETriggerATRMult {
		m.applyBreakEven(pos)
	}

	if pos.BEApplied && !pos.PartialClosed && favorable >= pos.ATRAtEntry*m.cfg.PartialTPATRMult {
		m.applyPartialClose(pos, price)
	}

	if pos.TrailingActive {
		m.updateTrailing(pos)
	}
}

// applyBreakEven moves the SL to entry plus a small buffer. The modify
// resends the TP, some terminals reset it otherwise.
func (m *Manager) applyBreakEven(pos *ManagedPosition) {
	newSL := pos.EntryPrice + m.cfg.BEBufferDollars
	if pos.Direction == signal.Sell {
		newSL = pos.EntryPrice - m.cfg.BEBufferDollars
	}

	if err := m.broker.ModifyPosition(pos.Ticket, newSL, pos.TP); err != nil {
		log.Error().Err(err).Int64("ticket", pos.Ticket).Msg("Break-even modify failed")
		return
	}

	pos.SL = newSL
	pos.BEApplied = true
	log.Info().Int64("ticket", pos.Ticket).Float64("sl", newSL).Msg("🔒 Break-even applied")
	m.db.LogEvent("position_be", fmt.Sprintf("ticket=%d sl=%.2f", pos.Ticket, newSL), "INFO")
}

// applyPartialClose realizes half the position at the first target. If
// the partial volume is below the broker minimum the close is skipped
// but the state still advances so trailing can take over.
func (m *Manager) applyPartialClose(pos *ManagedPosition, price float64) {
	volume := roundToStep(pos.LotSize*m.cfg.PartialCloseRatio, m.lotStep())

	if volume < m.minLot() {
		pos.PartialClosed = true
		pos.TrailingActive = true
		log.Info().Int64("ticket", pos.Ticket).Float64("volume", volume).
			Msg("Partial volume below min lot, skipping close; trailing enabled")
		return
	}

	profit, err := m.broker.ClosePosition(pos.Ticket, volume)
	if err != nil {
		log.Error().Err(err).Int64("ticket", pos.Ticket).Msg("Partial close failed")
		return
	}

	pos.RemainingLots = pos.LotSize - volume
	pos.PartialClosed = true
	pos.TrailingActive = true

	log.Info().Int64("ticket", pos.Ticket).Float64("closed", volume).
		Str("pnl", profit.StringFixed(2)).Msg("💰 Partial take-profit")

	move := price - pos.EntryPrice
	if pos.Direction == signal.Sell {
		move = pos.EntryPrice - price
	}
	if err := m.db.InsertTradeResult(&database.TradeResult{
		ExecutionID:     pos.ExecutionID,
		Ticket:          pos.Ticket,
		Outcome:         "partial_tp",
		PnLUSD:          profit,
		PnLPips:         move * pipsPerDollar,
		DurationMin:     time.Since(pos.EnteredAt).Minutes(),
		PartialClosePnL: profit,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to journal partial close")
	}
}

// updateTrailing ratchets the SL behind the favorable extreme. The SL
// only ever moves in the position's favor.
func (m *Manager) updateTrailing(pos *ManagedPosition) {
	trail := pos.ATRAtEntry * m.cfg.TrailATRMult

	var candidate float64
	var improves bool
	if pos.Direction == signal.Buy {
		candidate = pos.MaxFavorablePrice - trail
		improves = candidate > pos.SL
	} else {
		candidate = pos.MaxFavorablePrice + trail
		improves = pos.SL == 0 || candidate < pos.SL
	}
	if !improves {
		return
	}

	if pos.BEApplied && !slDirectionCorrect(pos.Direction, pos.EntryPrice, candidate) {
		log.Error().Int64("ticket", pos.Ticket).Float64("candidate", candidate).
			Msg("Invariant violation: trailing SL on wrong side of entry, update skipped")
		return
	}

	if err := m.broker.ModifyPosition(pos.Ticket, candidate, pos.TP); err != nil {
		log.Error().Err(err).Int64("ticket", pos.Ticket).Msg("Trailing modify failed")
		return
	}
	pos.SL = candidate
	log.Debug().Int64("ticket", pos.Ticket).Float64("sl", candidate).Msg("Trailing SL advanced")
}

// handleExternalClose journals a position the broker no longer reports
// (SL/TP fill or manual close).
func (m *Manager) handleExternalClose(pos *ManagedPosition) {
	outcome, pnl := m.inferCloseResult(pos)

	log.Info().Int64("ticket", pos.Ticket).Str("outcome", outcome).
		Str("pnl", pnl.StringFixed(2)).Msg("📉 Position closed at broker")

	if err := m.db.InsertTradeResult(&database.TradeResult{
		ExecutionID: pos.ExecutionID,
		Ticket:      pos.Ticket,
		Outcome:     outcome,
		PnLUSD:      pnl,
		DurationMin: time.Since(pos.EnteredAt).Minutes(),
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to journal closed trade")
	}

	if pos.ScoringID != 0 {
		result := "loss"
		if pnl.IsPositive() {
			result = "win"
		}
		pnlF, _ := pnl.Float64()
		if err := m.db.BackfillScoringOutcome(pos.ScoringID, result, pnlF); err != nil {
			log.Warn().Err(err).Msg("Failed to backfill scoring outcome")
		}
	}

	m.mu.RLock()
	n := m.notifier
	m.mu.RUnlock()
	if n != nil {
		n.NotifyTradeClosed(pos.Ticket, outcome, pnl)
		if pnl.LessThanOrEqual(m.cfg.LossAlertUSD) {
			n.NotifyLossAlert(pnl, pos.Ticket)
		}
	}
}

// inferCloseResult estimates the exit from tracked state. Without a
// deal-history feed the fill price is approximated by the SL/TP level.
func (m *Manager) inferCloseResult(pos *ManagedPosition) (string, decimal.Decimal) {
	exitPrice := pos.SL
	outcome := "sl_hit"

	tick, err := m.broker.CurrentTick(m.cfg.Symbol)
	if err == nil && pos.TP > 0 {
		reachedTP := (pos.Direction == signal.Buy && tick.Bid >= pos.TP) ||
			(pos.Direction == signal.Sell && tick.Ask <= pos.TP)
		if reachedTP {
			outcome = "tp_hit"
			exitPrice = pos.TP
		}
	}
	if outcome == "sl_hit" {
		if pos.TrailingActive {
			outcome = "trailing_sl"
		} else if pos.SL == 0 {
			outcome = "manual"
			if tick != nil {
				exitPrice = tick.Bid
			}
		}
	}

	move := exitPrice - pos.EntryPrice
	if pos.Direction == signal.Sell {
		move = pos.EntryPrice - exitPrice
	}
	pnl := decimal.NewFromFloat(move).
		Mul(decimal.NewFromFloat(pos.RemainingLots)).
		Mul(decimal.NewFromFloat(m.cfg.ContractSize))
	return outcome, pnl
}

// CloseAll flat-closes every managed position (end-of-day)
func (m *Manager) CloseAll(reason string) {
	m.mu.RLock()
	snapshot := make([]*ManagedPosition, 0, len(m.positions))
	for _, pos := range m.positions {
		snapshot = append(snapshot, pos)
	}
	m.mu.RUnlock()

	for _, pos := range snapshot {
		profit, err := m.broker.ClosePosition(pos.Ticket, pos.RemainingLots)
		if err != nil {
			log.Error().Err(err).Int64("ticket", pos.Ticket).Msg("Flat close failed")
			continue
		}
		log.Info().Int64("ticket", pos.Ticket).Str("pnl", profit.StringFixed(2)).
			Str("reason", reason).Msg("🏁 Position flat-closed")

		if err := m.db.InsertTradeResult(&database.TradeResult{
			ExecutionID: pos.ExecutionID,
			Ticket:      pos.Ticket,
			Outcome:     "manual",
			PnLUSD:      profit,
			DurationMin: time.Since(pos.EnteredAt).Minutes(),
		}); err != nil {
			log.Warn().Err(err).Msg("Failed to journal flat close")
		}

		m.mu.Lock()
		delete(m.positions, pos.Ticket)
		m.mu.Unlock()
	}
}

// ─── helpers ───────────────────────────────────────────────────────────────────

func slDirectionCorrect(d signal.Direction, entry, sl float64) bool {
	if d == signal.Buy {
		return sl >= entry || sl == 0
	}
	return sl <= entry && sl != 0
}

func (m *Manager) minLot() float64 {
	info, err := m.broker.SymbolInfo(m.cfg.Symbol)
	if err != nil {
		return 0.01
	}
	return info.MinLot
}

func (m *Manager) lotStep() float64 {
	info, err := m.broker.SymbolInfo(m.cfg.Symbol)
	if err != nil {
		return 0.01
	}
	return info.LotStep
}

func roundToStep(volume, step float64) float64 {
	if step <= 0 {
		return volume
	}
	return math.Floor(volume/step+1e-9) * step
}

// Gold quotes in dollars; 1 pip = $0.10
const pipsPerDollar = 10.0
