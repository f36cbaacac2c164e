package decision

import (
	"fmt"
	"math"

	"github.com/quantfold/goldengine/internal/signal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCORING ENGINE - Pure additive decision policy
// ═══════════════════════════════════════════════════════════════════════════════
//
// calculate once, get the same answer forever: no I/O, no clock, no
// state. The weight snapshot is passed in so the tuner can swap the
// live config between invocations without touching this code.
//
// Phase A: instant rejects (sentinel score).
// Phase B: additive factor scoring against the weight table.
// Phase C: approve / wait / reject by threshold, with a wait condition.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Decision outcomes
const (
	DecisionApprove = "approve"
	DecisionWait    = "wait"
	DecisionReject  = "reject"
)

// Wait scopes
const (
	ScopeNextBar         = "next_bar"
	ScopeStructureNeeded = "structure_needed"
	ScopeCooldown        = "cooldown"
)

// InstantRejectScore is the sentinel for phase-A rejections
const InstantRejectScore = -999.0

// Result is the scoring engine output
type Result struct {
	Decision      string             `json:"decision"`
	Score         float64            `json:"score"`
	Breakdown     map[string]float64 `json:"score_breakdown"`
	RejectReasons []string           `json:"reject_reasons"`
	WaitCondition string             `json:"wait_condition,omitempty"`
}

// Critical slots whose absence alone forces an instant reject
var criticalFields = map[string]bool{
	"rsi_value":     true,
	"adx_value":     true,
	"atr_expanding": true,
}

// Calculate scores a normalized schema for an entry direction.
// qTrendAvailable tells phase A whether higher-timeframe trend data
// existed at all (its absence disables the alignment gate rather than
// failing it).
func Calculate(s *Structured, direction signal.Direction, qTrendAvailable bool, w Weights) *Result {
	if reasons := instantReject(s, qTrendAvailable); len(reasons) > 0 {
		return &Result{
			Decision:      DecisionReject,
			Score:         InstantRejectScore,
			Breakdown:     map[string]float64{"instant_reject": InstantRejectScore},
			RejectReasons: reasons,
		}
	}

	total := 0.0
	breakdown := make(map[string]float64)
	add := func(tag string, value float64) {
		if value == 0 {
			return
		}
		breakdown[tag] = value
		total += value
	}

	// ── Regime base ────────────────────────────────────────────
	switch s.Regime.Classification {
	case RegimeTrend:
		add("regime_trend_base", w.get("regime_trend_base"))
	case RegimeBreakout:
		add("regime_breakout_base", w.get("regime_breakout_base"))
	case RegimeRange:
		add("regime_range_base", w.get("regime_range_base"))
	}

	// ── Structure ──────────────────────────────────────────────
	zi := s.ZoneInteraction
	zoneAligned := zi.ZoneTouch && zoneDirectionMatches(zi.ZoneDirection, direction)
	if zoneAligned {
		if s.Momentum.TrendAligned {
			add("zone_touch_aligned_with_trend", w.get("zone_touch_aligned_with_trend"))
		} else {
			add("zone_touch_counter_trend", w.get("zone_touch_counter_trend"))
		}
	}
	if zi.FVGTouch && fvgDirectionMatches(zi.FVGDirection, direction) {
		if s.Momentum.TrendAligned {
			add("fvg_touch_aligned_with_trend", w.get("fvg_touch_aligned_with_trend"))
		} else {
			add("fvg_touch_counter_trend", w.get("fvg_touch_counter_trend"))
		}
	}
	sweepAligned := zi.LiquiditySweep && sweepDirectionMatches(zi.SweepDirection, direction)
	if sweepAligned {
		add("liquidity_sweep", w.get("liquidity_sweep"))
		if zoneAligned {
			add("sweep_plus_zone", w.get("sweep_plus_zone"))
		}
	}

	// ── Momentum ───────────────────────────────────────────────
	if s.Momentum.TrendAligned {
		add("trend_aligned", w.get("trend_aligned"))
	}
	switch {
	case direction == signal.Buy && s.Momentum.RSIZone == RSIOversold,
		direction == signal.Sell && s.Momentum.RSIZone == RSIOverbought:
		add("rsi_confirmation", w.get("rsi_confirmation"))
	case direction == signal.Buy && s.Momentum.RSIZone == RSIOverbought,
		direction == signal.Sell && s.Momentum.RSIZone == RSIOversold:
		add("rsi_divergence", w.get("rsi_divergence"))
	}
	if !s.Momentum.TrendAligned && !sweepAligned {
		add("counter_trend_no_sweep", w.get("counter_trend_no_sweep"))
	}

	// ── Signal quality ─────────────────────────────────────────
	if s.SignalQuality.BarCloseConfirmed {
		add("bar_close_confirmed", w.get("bar_close_confirmed"))
	}
	switch s.SignalQuality.Session {
	case "London_NY":
		add("session_london_ny", w.get("session_london_ny"))
	case "Tokyo":
		add("session_tokyo", w.get("session_tokyo"))
	case "off_hours":
		add("session_off_hours", w.get("session_off_hours"))
	}
	if tv := s.SignalQuality.TVConfidence; tv != nil {
		if *tv > 0.7 {
			add("tv_confidence_high", w.get("tv_confidence_high"))
		} else if *tv < 0.3 {
			add("tv_confidence_low", w.get("tv_confidence_low"))
		}
	}
	if ps := s.SignalQuality.PatternSimilarity; ps != nil {
		if *ps > 0.7 {
			add("pattern_similarity_high", w.get("pattern_similarity_high"))
		} else if *ps < 0.3 {
			add("pattern_similarity_low", w.get("pattern_similarity_low"))
		}
	}

	// ── Decision ───────────────────────────────────────────────
	result := &Result{
		Score:         total,
		Breakdown:     breakdown,
		RejectReasons: []string{},
	}
	switch {
	case total >= w.get("approve_threshold"):
		result.Decision = DecisionApprove
	case total >= w.get("wait_threshold"):
		result.Decision = DecisionWait
		result.WaitCondition = waitCondition(s)
	default:
		result.Decision = DecisionReject
		result.RejectReasons = append(result.RejectReasons,
			fmt.Sprintf("score %.3f below wait threshold %.3f", total, w.get("wait_threshold")))
	}
	return result
}

// instantReject implements phase A. Returned reasons are human readable
// and land in the decision record.
func instantReject(s *Structured, qTrendAvailable bool) []string {
	reasons := make([]string, 0, 2)

	missing := s.DataCompleteness.FieldsMissing
	criticalMissing := false
	for _, f := range missing {
		if criticalFields[f] {
			criticalMissing = true
			break
		}
	}
	if len(missing) >= 3 || criticalMissing {
		reasons = append(reasons,
			fmt.Sprintf("insufficient data: %d fields missing %v", len(missing), missing))
		return reasons
	}

	// Range-midpoint chase: no edge this close to the mean without a
	// structure touch.
	dist := s.PriceStructure.SMA20DistancePct
	if s.Regime.Classification == RegimeRange && dist != nil &&
		math.Abs(*dist) <= 0.3 &&
		!s.ZoneInteraction.ZoneTouch && !s.ZoneInteraction.FVGTouch {
		reasons = append(reasons,
			fmt.Sprintf("range midpoint chase: |sma20_dist| %.2f%% with no zone/FVG touch", math.Abs(*dist)))
		return reasons
	}

	// Gate 2: a counter-trend entry without bar close confirmation is
	// never taken when higher-timeframe trend data exists.
	if qTrendAvailable && !s.Momentum.TrendAligned && !s.SignalQuality.BarCloseConfirmed {
		reasons = append(reasons,
			"q-trend misaligned and entry not bar-close confirmed")
	}
	return reasons
}

// waitCondition names what the deferred decision is waiting for
func waitCondition(s *Structured) string {
	if !s.ZoneInteraction.ZoneTouch && !s.ZoneInteraction.FVGTouch {
		return ScopeStructureNeeded + ": no zone or FVG touch in window"
	}
	if !s.SignalQuality.BarCloseConfirmed {
		return ScopeNextBar + ": waiting for bar close confirmation"
	}
	return ScopeCooldown + ": score below approve threshold"
}

// ─── Alignment predicates ──────────────────────────────────────────────────────

func zoneDirectionMatches(zone string, d signal.Direction) bool {
	return (zone == ZoneDemand && d == signal.Buy) ||
		(zone == ZoneSupply && d == signal.Sell)
}

func fvgDirectionMatches(fvg string, d signal.Direction) bool {
	return (fvg == FVGBullish && d == signal.Buy) ||
		(fvg == FVGBearish && d == signal.Sell)
}

// A sweep of the opposite-side liquidity implies reversal in favor of
// the entry: sell-side sweep (stops below) sets up a buy.
func sweepDirectionMatches(sweep string, d signal.Direction) bool {
	return (sweep == SweepSellSide && d == signal.Buy) ||
		(sweep == SweepBuySide && d == signal.Sell)
}
