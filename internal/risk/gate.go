package risk

import (
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"

	"github.com/quantfold/goldengine/internal/broker"
	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
	"github.com/quantfold/goldengine/internal/market"
)

// ═══════════════════════════════════════════════════════════════════════════════
// RISK GATE - Pre-execution hard blocks
// ═══════════════════════════════════════════════════════════════════════════════
//
// Ordered read-only checks; the first failure short-circuits with a
// human-readable reason that lands in the decision record. A sick
// database never blocks: risk history we cannot read is treated as
// clean, so a DB outage cannot freeze trading and recovery at once.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Verdict is the outcome of the gate. Blocked is a documented policy
// result, not an error.
type Verdict struct {
	Blocked   bool
	Reason    string
	ResumesAt *time.Time
}

func ok() Verdict { return Verdict{} }

func blocked(format string, args ...interface{}) Verdict {
	return Verdict{Blocked: true, Reason: fmt.Sprintf(format, args...)}
}

// Store is the journal subset the gate reads
type Store interface {
	SumClosedPnLToday(now time.Time) (decimal.Decimal, error)
	ClosedTradesSince(cutoff time.Time) ([]database.TradeResult, error)
}

// Gate runs every pre-execution check
type Gate struct {
	cfg    *config.Config
	store  Store
	broker broker.Broker
	news   *market.NewsFilter
}

// NewGate creates the risk gate
func NewGate(cfg *config.Config, store Store, b broker.Broker, news *market.NewsFilter) *Gate {
	return &Gate{cfg: cfg, store: store, broker: b, news: news}
}

// Check runs the full gate for a prospective entry at entryPrice with
// the given stop distance in dollars.
func (g *Gate) Check(now time.Time, entryPrice, slDistance float64) Verdict {
	if v := g.checkMarketOpen(now); v.Blocked {
		return v
	}
	if g.news != nil {
		if nv := g.news.Check(now); nv.Blocked {
			return Verdict{Blocked: true, Reason: nv.Reason, ResumesAt: nv.ResumesAt}
		}
	}
	if v := g.checkDailyLoss(now); v.Blocked {
		return v
	}
	if v := g.checkConsecutiveLosses(now); v.Blocked {
		return v
	}
	if v := g.checkWeekendGap(now, entryPrice); v.Blocked {
		return v
	}
	if v := g.checkMarginAndExposure(slDistance); v.Blocked {
		return v
	}
	return ok()
}

// ─── Market session ────────────────────────────────────────────────────────────

func (g *Gate) checkMarketOpen(now time.Time) Verdict {
	if market.IsWeekend(now) {
		return blocked("market closed: weekend")
	}
	if market.IsDailyBreak(now) {
		return blocked("market closed: daily break")
	}
	info, err := g.broker.SymbolInfo(g.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("Symbol info unavailable for market-open check")
		return ok()
	}
	if !info.TradeAllowed {
		return blocked("trading disabled for %s at broker", g.cfg.Symbol)
	}
	return ok()
}

// ─── Daily loss cap ────────────────────────────────────────────────────────────

func (g *Gate) checkDailyLoss(now time.Time) Verdict {
	sum, err := g.store.SumClosedPnLToday(now)
	if err != nil {
		log.Warn().Err(err).Msg("Daily loss query failed, check passes")
		return ok()
	}

	balance := g.accountBalance()
	// MaxDailyLossPct is negative: -5 means stop at -5% of balance
	limit := balance.Mul(g.cfg.MaxDailyLossPct).Div(decimal.NewFromInt(100))
	if sum.LessThan(limit) {
		return blocked("daily loss limit hit: %s USD today (limit %s)",
			sum.StringFixed(2), limit.StringFixed(2))
	}
	return ok()
}

// ─── Consecutive losses ────────────────────────────────────────────────────────

// LossEvent is one grouped close event used by the consecutive-loss
// check. Multi-lot fills that close within seconds of each other with
// the same outcome collapse into a single event.
type LossEvent struct {
	Outcome  string
	ClosedAt time.Time
}

// groupWindow is the maximum spacing between fills of one logical close
const groupWindow = 10 * time.Second

// GroupLossEvents collapses near-simultaneous same-outcome sl_hit rows
// into single events. Input must be newest first; output is newest
// first as well.
func GroupLossEvents(trades []database.TradeResult) []LossEvent {
	events := make([]LossEvent, 0, len(trades))
	for _, t := range trades {
		closedAt := t.ClosedAtTime()
		if len(events) > 0 {
			prev := events[len(events)-1]
			gap := prev.ClosedAt.Sub(closedAt)
			if gap < 0 {
				gap = -gap
			}
			if t.Outcome == "sl_hit" && prev.Outcome == "sl_hit" && gap <= groupWindow {
				continue // same fill burst
			}
		}
		events = append(events, LossEvent{Outcome: t.Outcome, ClosedAt: closedAt})
	}
	return events
}

// ConsecutiveSLHits reports whether the n most recent events are all
// stop-loss hits.
func ConsecutiveSLHits(events []LossEvent, n int) bool {
	if len(events) < n {
		return false
	}
	for _, ev := range events[:n] {
		if ev.Outcome != "sl_hit" {
			return false
		}
	}
	return true
}

func (g *Gate) checkConsecutiveLosses(now time.Time) Verdict {
	cutoff := now.Add(-time.Duration(g.cfg.LossResetHours) * time.Hour)
	trades, err := g.store.ClosedTradesSince(cutoff)
	if err != nil {
		log.Warn().Err(err).Msg("Consecutive-loss query failed, check passes")
		return ok()
	}

	events := GroupLossEvents(trades)
	if ConsecutiveSLHits(events, g.cfg.MaxConsecLosses) {
		return blocked("%d consecutive stop-loss events within %dh",
			g.cfg.MaxConsecLosses, g.cfg.LossResetHours)
	}
	return ok()
}

// ─── Weekend gap ───────────────────────────────────────────────────────────────

func (g *Gate) checkWeekendGap(now time.Time, entryPrice float64) Verdict {
	if !market.InGapCheckWindow(now) {
		return ok()
	}

	candles, err := g.broker.Rates(g.cfg.Symbol, broker.TF1d, 2)
	if err != nil || len(candles) < 2 {
		log.Warn().Err(err).Msg("Daily candles unavailable for gap check")
		return ok()
	}

	prevClose := candles[len(candles)-2].Close
	latestOpen := candles[len(candles)-1].Open
	gap := math.Abs(latestOpen - prevClose)
	if gap >= g.cfg.GapThresholdUSD {
		return blocked("weekend gap %.2f USD exceeds threshold %.2f",
			gap, g.cfg.GapThresholdUSD)
	}
	return ok()
}

// ─── Margin / exposure ─────────────────────────────────────────────────────────

func (g *Gate) checkMarginAndExposure(slDistance float64) Verdict {
	acc, err := g.broker.Account()
	if err != nil {
		log.Warn().Err(err).Msg("Account query failed, margin check passes")
		return ok()
	}
	if acc.FreeMargin.LessThan(g.cfg.MinFreeMargin) {
		return blocked("free margin %s below floor %s",
			acc.FreeMargin.StringFixed(2), g.cfg.MinFreeMargin.StringFixed(2))
	}

	positions, err := g.broker.OpenPositions(g.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("Positions query failed, exposure check passes")
		return ok()
	}

	mine := 0
	openRisk := decimal.Zero
	contract := decimal.NewFromFloat(g.cfg.ContractSize)
	for _, p := range positions {
		if p.Magic != g.cfg.MagicNumber {
			continue
		}
		mine++
		if p.SL > 0 {
			dist := math.Abs(p.OpenPrice - p.SL)
			openRisk = openRisk.Add(
				decimal.NewFromFloat(dist).
					Mul(decimal.NewFromFloat(p.Lots)).
					Mul(contract))
		}
	}

	if mine >= g.cfg.MaxPositions {
		return blocked("position cap reached: %d open (max %d)", mine, g.cfg.MaxPositions)
	}

	riskCap := acc.Balance.Mul(g.cfg.MaxTotalRiskPct)
	if openRisk.GreaterThanOrEqual(riskCap) {
		return blocked("total open risk %s USD at cap %s",
			openRisk.StringFixed(2), riskCap.StringFixed(2))
	}
	return ok()
}

func (g *Gate) accountBalance() decimal.Decimal {
	acc, err := g.broker.Account()
	if err != nil {
		log.Warn().Err(err).Msg("Account query failed, using fallback balance")
		return g.cfg.FallbackBalance
	}
	return acc.Balance
}
