package execution

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantfold/goldengine/internal/broker"
	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
	"github.com/quantfold/goldengine/internal/decision"
	"github.com/quantfold/goldengine/internal/market"
	"github.com/quantfold/goldengine/internal/position"
	"github.com/quantfold/goldengine/internal/signal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// EXECUTOR - Approved decision to broker order
// ═══════════════════════════════════════════════════════════════════════════════
//
// Sizing chain:
//   ATR(15m) ──▶ raw SL distance ──▶ session adjust ──▶ setup adjust ──▶
//   clamp [min, max] ──▶ lot = balance·risk% / (slDist·contract) ──▶ step floor
//
// Every attempt is journaled, including failures.
//
// ═══════════════════════════════════════════════════════════════════════════════

// OrderParams is the fully derived order before submission
type OrderParams struct {
	Direction  signal.Direction
	EntryPrice float64
	SLPrice    float64
	TPPrice    float64
	SLDistance float64
	ATR        float64
	Lots       float64
}

// Executor turns approved assessments into broker orders
type Executor struct {
	cfg    *config.Config
	broker broker.Broker
	db     *database.DB
	pm     *position.Manager
}

// NewExecutor creates the executor
func NewExecutor(cfg *config.Config, b broker.Broker, db *database.DB, pm *position.Manager) *Executor {
	return &Executor{cfg: cfg, broker: b, db: db, pm: pm}
}

// Execute sizes and submits a market order for an approved assessment.
// decisionID and scoringID link the journal rows; either may be zero.
func (e *Executor) Execute(a *decision.Assessment, direction signal.Direction, decisionID, scoringID uint) (*broker.OrderResult, error) {
	params, err := e.BuildOrderParams(direction, a.SetupType, time.Now().UTC())
	if err != nil {
		e.journalFailure(decisionID, direction, err)
		return nil, err
	}

	req := &broker.OrderRequest{
		Symbol:    e.cfg.Symbol,
		Direction: string(direction),
		OrderType: "market",
		Lots:      params.Lots,
		SL:        params.SLPrice,
		TP:        params.TPPrice,
		Deviation: e.cfg.Deviation,
		Magic:     e.cfg.MagicNumber,
		Comment:   e.cfg.OrderComment,
	}

	result, err := e.broker.SendOrder(req)
	if err != nil {
		e.journalFailure(decisionID, direction, err)
		return nil, fmt.Errorf("order send: %w", err)
	}

	log.Info().Int64("ticket", result.Ticket).Str("direction", string(direction)).
		Float64("lots", params.Lots).Float64("entry", result.ExecutedPrice).
		Float64("sl", params.SLPrice).Float64("tp", params.TPPrice).
		Str("setup", a.SetupType).Msg("✅ Order filled")

	if err := e.db.InsertExecution(&database.Execution{
		DecisionID: decisionID,
		Symbol:     e.cfg.Symbol,
		Direction:  string(direction),
		OrderType:  "market",
		LotSize:    params.Lots,
		EntryPrice: result.ExecutedPrice,
		SLPrice:    params.SLPrice,
		TPPrice:    params.TPPrice,
		Ticket:     result.Ticket,
		Success:    true,
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to journal execution")
	}

	execID := e.lookupExecutionID(result.Ticket)
	e.pm.Register(&position.ManagedPosition{
		Ticket:      result.Ticket,
		Direction:   direction,
		EntryPrice:  result.ExecutedPrice,
		LotSize:     params.Lots,
		SL:          params.SLPrice,
		TP:          params.TPPrice,
		ATRAtEntry:  params.ATR,
		EnteredAt:   time.Now().UTC(),
		ExecutionID: execID,
		ScoringID:   scoringID,
	})
	return result, nil
}

// BuildOrderParams derives entry, SL, TP and lot size from the current
// quote and 15m ATR. setupType comes from the scoring breakdown.
func (e *Executor) BuildOrderParams(direction signal.Direction, setupType string, now time.Time) (*OrderParams, error) {
	tick, err := e.broker.CurrentTick(e.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("quote: %w", err)
	}
	entry := tick.Ask
	if direction == signal.Sell {
		entry = tick.Bid
	}

	candles, err := e.broker.Rates(e.cfg.Symbol, broker.TF15m, e.cfg.ATRPeriod+1)
	if err != nil {
		return nil, fmt.Errorf("rates for ATR: %w", err)
	}
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	atr := market.ATR(highs, lows, closes, e.cfg.ATRPeriod)
	if atr <= 0 {
		return nil, fmt.Errorf("ATR unavailable: %d candles", len(candles))
	}
	if atr < e.cfg.ATRVolatilMin || atr > e.cfg.ATRVolatilMax {
		return nil, fmt.Errorf("volatility out of band: ATR %.2f outside [%.1f, %.1f]",
			atr, e.cfg.ATRVolatilMin, e.cfg.ATRVolatilMax)
	}

	slDist := atr * e.cfg.ATRSLMult
	tpDist := atr * e.cfg.ATRTPMult

	slAdj, tpAdj := market.SessionSLTPAdjust(market.CurrentSession(now))
	slDist *= slAdj
	tpDist *= tpAdj

	switch setupType {
	case decision.SetupSweepReversal:
		slDist *= e.cfg.SweepReversalSLMult
		tpDist *= e.cfg.SweepReversalTPMult
	case decision.SetupTrendCont:
		tpDist *= e.cfg.TrendContTPMult
	}

	slDist = clamp(slDist, e.cfg.MinSLDollars, e.cfg.MaxSLDollars)

	var slPrice, tpPrice float64
	if direction == signal.Buy {
		slPrice = entry - slDist
		tpPrice = entry + tpDist
	} else {
		slPrice = entry + slDist
		tpPrice = entry - tpDist
	}

	lots, err := e.lotSize(slDist)
	if err != nil {
		return nil, err
	}

	return &OrderParams{
		Direction:  direction,
		EntryPrice: entry,
		SLPrice:    roundPrice(slPrice),
		TPPrice:    roundPrice(tpPrice),
		SLDistance: slDist,
		ATR:        atr,
		Lots:       lots,
	}, nil
}

// lotSize risks a fixed fraction of balance per trade. Decimal all the
// way to the step floor, broker quantities only at the boundary.
func (e *Executor) lotSize(slDistance float64) (float64, error) {
	balance := e.accountBalance()
	riskUSD := balance.Mul(e.cfg.RiskPercent).Div(decimal.NewFromInt(100))

	perLot := decimal.NewFromFloat(slDistance).Mul(decimal.NewFromFloat(e.cfg.ContractSize))
	if perLot.IsZero() {
		return 0, fmt.Errorf("zero SL distance")
	}
	lots := riskUSD.Div(perLot)

	info, err := e.broker.SymbolInfo(e.cfg.Symbol)
	if err != nil {
		return 0, fmt.Errorf("symbol info: %w", err)
	}

	step := decimal.NewFromFloat(info.LotStep)
	if step.IsPositive() {
		lots = lots.Div(step).Floor().Mul(step)
	}

	lotsF, _ := lots.Float64()
	if lotsF < info.MinLot {
		return 0, fmt.Errorf("computed lot %.4f below broker minimum %.2f", lotsF, info.MinLot)
	}
	if info.MaxLot > 0 && lotsF > info.MaxLot {
		lotsF = info.MaxLot
	}
	return lotsF, nil
}

func (e *Executor) accountBalance() decimal.Decimal {
	acc, err := e.broker.Account()
	if err != nil {
		log.Warn().Err(err).Msg("Account query failed, sizing from fallback balance")
		return e.cfg.FallbackBalance
	}
	return acc.Balance
}

func (e *Executor) journalFailure(decisionID uint, direction signal.Direction, cause error) {
	log.Error().Err(cause).Str("direction", string(direction)).Msg("❌ Execution aborted")
	if err := e.db.InsertExecution(&database.Execution{
		DecisionID: decisionID,
		Symbol:     e.cfg.Symbol,
		Direction:  string(direction),
		OrderType:  "market",
		Success:    false,
		ErrorMsg:   cause.Error(),
	}); err != nil {
		log.Warn().Err(err).Msg("Failed to journal execution failure")
	}
}

func (e *Executor) lookupExecutionID(ticket int64) uint {
	ex, err := e.db.ExecutionByTicket(ticket)
	if err != nil || ex == nil {
		return 0
	}
	return ex.ID
}

func clamp(v, lo, hi float64) float64 {
	return math.Min(math.Max(v, lo), hi)
}

// Gold quotes to 2 decimals
func roundPrice(p float64) float64 {
	return math.Round(p*100) / 100
}
