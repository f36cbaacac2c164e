package decision

import (
	"time"

	"github.com/quantfold/goldengine/internal/signal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// NORMALIZED SCHEMA - Structurer output, scoring engine input
// ═══════════════════════════════════════════════════════════════════════════════
//
// Six sub-records. All numeric fields nullable: an absent input stays
// null and is listed in data_completeness.fields_missing, never guessed.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Regime classification labels
const (
	RegimeRange    = "range"
	RegimeTrend    = "trend"
	RegimeBreakout = "breakout"
)

// RSI zone labels
const (
	RSIOversold   = "oversold"
	RSINeutral    = "neutral"
	RSIOverbought = "overbought"
)

// Zone / FVG / sweep direction labels
const (
	ZoneDemand    = "demand"
	ZoneSupply    = "supply"
	FVGBullish    = "bullish"
	FVGBearish    = "bearish"
	SweepBuySide  = "buy_side"
	SweepSellSide = "sell_side"
)

// Regime describes the current market classification
type Regime struct {
	Classification  string   `json:"classification"`
	ADXValue        *float64 `json:"adx_value"`
	ADXRising       *bool    `json:"adx_rising"`
	ATRExpanding    *bool    `json:"atr_expanding"`
	SqueezeDetected *bool    `json:"squeeze_detected"`
}

// PriceStructure describes price relative to its moving averages
type PriceStructure struct {
	AboveSMA20       *bool    `json:"above_sma20"`
	SMA20DistancePct *float64 `json:"sma20_distance_pct"`
	PerfectOrder     *bool    `json:"perfect_order"`
	HigherHighs      *bool    `json:"higher_highs"`
	LowerLows        *bool    `json:"lower_lows"`
}

// ZoneInteraction describes recent structure-signal touches
type ZoneInteraction struct {
	ZoneTouch      bool   `json:"zone_touch"`
	ZoneDirection  string `json:"zone_direction,omitempty"` // demand | supply
	FVGTouch       bool   `json:"fvg_touch"`
	FVGDirection   string `json:"fvg_direction,omitempty"` // bullish | bearish
	LiquiditySweep bool   `json:"liquidity_sweep"`
	SweepDirection string `json:"sweep_direction,omitempty"` // buy_side | sell_side
}

// Momentum describes oscillator state and higher-timeframe alignment
type Momentum struct {
	RSIValue     *float64 `json:"rsi_value"`
	RSIZone      string   `json:"rsi_zone"`
	TrendAligned bool     `json:"trend_aligned"`
}

// SignalQuality describes how trustworthy the trigger itself is
type SignalQuality struct {
	Source            string   `json:"source"`
	BarCloseConfirmed bool     `json:"bar_close_confirmed"`
	Session           string   `json:"session"`
	TVConfidence      *float64 `json:"tv_confidence"`
	PatternSimilarity *float64 `json:"pattern_similarity"`
}

// DataCompleteness lists which semantic slots had no source data
type DataCompleteness struct {
	Connected     bool     `json:"connected"`
	FieldsMissing []string `json:"fields_missing"`
}

// Structured is the full normalized schema
type Structured struct {
	Regime           Regime           `json:"regime"`
	PriceStructure   PriceStructure   `json:"price_structure"`
	ZoneInteraction  ZoneInteraction  `json:"zone_interaction"`
	Momentum         Momentum         `json:"momentum"`
	SignalQuality    SignalQuality    `json:"signal_quality"`
	DataCompleteness DataCompleteness `json:"data_completeness"`
}

// ─── Context bundle (structurer input) ─────────────────────────────────────────

// TFIndicators is one timeframe's indicator snapshot. Nil pointers mean
// the feed could not provide the value.
type TFIndicators struct {
	Close        float64
	SMA20        *float64
	SMA50        *float64
	EMA20        *float64
	RSI14        *float64
	ATR14        *float64
	ADX14        *float64
	ADXRising    *bool
	ATRExpanding *bool
}

// StructureEvent is the most recent structure signal of one event type
type StructureEvent struct {
	Direction signal.Direction
	Price     float64
	At        time.Time
}

// StructureSnapshot holds the most recent structure signal per event
// type inside that event's lookback window.
type StructureSnapshot struct {
	ZoneTouch *StructureEvent
	NewZone   *StructureEvent
	FVGTouch  *StructureEvent
	Sweep     *StructureEvent
}

// Stats carries trading statistics for the decision record
type Stats struct {
	WinRate           *float64
	ConsecutiveLosses int
	Session           string
	ATRPercentile     *float64
}

// Context is the bundle assembled per decision by the context builder.
// Built fresh for every evaluation, never persisted in raw form.
type Context struct {
	EntrySignals []*signal.Signal
	Direction    signal.Direction
	Ind5m        *TFIndicators
	Ind15m       *TFIndicators
	Ind1h        *TFIndicators
	Structures   StructureSnapshot
	QTrend       *signal.Direction
	Stats        Stats
	Connected    bool
}

// QTrendAvailable reports whether a higher-timeframe trend context exists
func (c *Context) QTrendAvailable() bool {
	return c.QTrend != nil
}

// Trigger returns the canonical entry trigger (first of the group)
func (c *Context) Trigger() *signal.Signal {
	if len(c.EntrySignals) == 0 {
		return nil
	}
	return c.EntrySignals[0]
}
