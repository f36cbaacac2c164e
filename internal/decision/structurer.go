package decision

import (
	"github.com/quantfold/goldengine/internal/signal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// STRUCTURER - Deterministic context → normalized schema mapping
// ═══════════════════════════════════════════════════════════════════════════════
//
// Pure rules, no probabilistic inference. Any slot whose inputs are
// absent stays null and is recorded in fields_missing.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Structurize converts a context bundle into the normalized schema
func Structurize(ctx *Context) *Structured {
	missing := make([]string, 0, 4)

	out := &Structured{}

	// ── Regime (15m) ───────────────────────────────────────────
	ind15 := ctx.Ind15m
	if ind15 == nil {
		ind15 = &TFIndicators{}
	}
	out.Regime.ADXValue = ind15.ADX14
	out.Regime.ADXRising = ind15.ADXRising
	out.Regime.ATRExpanding = ind15.ATRExpanding
	if ind15.ADX14 == nil {
		missing = append(missing, "adx_value")
	}
	if ind15.ATRExpanding == nil {
		missing = append(missing, "atr_expanding")
	}
	out.Regime.Classification = classifyRegime(ind15)

	// ── Price structure (5m) ───────────────────────────────────
	ind5 := ctx.Ind5m
	if ind5 == nil {
		ind5 = &TFIndicators{}
	}
	if ind5.SMA20 != nil && *ind5.SMA20 != 0 {
		above := ind5.Close > *ind5.SMA20
		dist := (ind5.Close - *ind5.SMA20) / *ind5.SMA20 * 100
		out.PriceStructure.AboveSMA20 = &above
		out.PriceStructure.SMA20DistancePct = &dist
	} else {
		missing = append(missing, "sma20_distance_pct")
	}

	// ── Zone interaction ───────────────────────────────────────
	if ev := ctx.Structures.ZoneTouch; ev != nil {
		out.ZoneInteraction.ZoneTouch = true
		out.ZoneInteraction.ZoneDirection = zoneDirection(ev.Direction)
	}
	if ev := ctx.Structures.FVGTouch; ev != nil {
		out.ZoneInteraction.FVGTouch = true
		out.ZoneInteraction.FVGDirection = fvgDirection(ev.Direction)
	}
	if ev := ctx.Structures.Sweep; ev != nil {
		out.ZoneInteraction.LiquiditySweep = true
		out.ZoneInteraction.SweepDirection = sweepDirection(ev.Direction)
	}

	// ── Momentum (5m RSI + higher-timeframe alignment) ─────────
	if ind5.RSI14 != nil {
		out.Momentum.RSIValue = ind5.RSI14
		out.Momentum.RSIZone = rsiZone(*ind5.RSI14)
	} else {
		missing = append(missing, "rsi_value")
		out.Momentum.RSIZone = RSINeutral
	}
	out.Momentum.TrendAligned = ctx.QTrend != nil && *ctx.QTrend == ctx.Direction

	// ── Signal quality ─────────────────────────────────────────
	out.SignalQuality.Session = ctx.Stats.Session
	if trig := ctx.Trigger(); trig != nil {
		out.SignalQuality.Source = trig.Source
		out.SignalQuality.BarCloseConfirmed = trig.BarCloseConfirmed()
		out.SignalQuality.TVConfidence = trig.TVConfidence
		out.SignalQuality.PatternSimilarity = trig.PatternSimilarity
	}

	out.DataCompleteness.Connected = ctx.Connected
	out.DataCompleteness.FieldsMissing = missing

	return out
}

// classifyRegime applies the regime rules: breakout needs a strong and
// strengthening ADX with expanding ATR, trend needs ADX above 20,
// everything else is range.
func classifyRegime(ind *TFIndicators) string {
	if ind.ADX14 == nil {
		return RegimeRange
	}
	adx := *ind.ADX14
	rising := ind.ADXRising != nil && *ind.ADXRising
	expanding := ind.ATRExpanding != nil && *ind.ATRExpanding

	if adx > 25 && rising && expanding {
		return RegimeBreakout
	}
	if adx > 20 {
		return RegimeTrend
	}
	return RegimeRange
}

func rsiZone(rsi float64) string {
	switch {
	case rsi < 30:
		return RSIOversold
	case rsi > 70:
		return RSIOverbought
	default:
		return RSINeutral
	}
}

// A buy-direction structure signal marks a demand zone, sell marks supply
func zoneDirection(d signal.Direction) string {
	if d == signal.Buy {
		return ZoneDemand
	}
	return ZoneSupply
}

func fvgDirection(d signal.Direction) string {
	if d == signal.Buy {
		return FVGBullish
	}
	return FVGBearish
}

// A sell-direction sweep took out sell-side liquidity (stops below price)
func sweepDirection(d signal.Direction) string {
	if d == signal.Sell {
		return SweepSellSide
	}
	return SweepBuySide
}
