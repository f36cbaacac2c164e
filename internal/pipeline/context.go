package pipeline

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/goldengine/internal/broker"
	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
	"github.com/quantfold/goldengine/internal/decision"
	"github.com/quantfold/goldengine/internal/market"
	"github.com/quantfold/goldengine/internal/risk"
	"github.com/quantfold/goldengine/internal/signal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// CONTEXT BUILDER - Fresh decision bundle per evaluation
// ═══════════════════════════════════════════════════════════════════════════════
//
// Reads are best effort: a dead indicator feed leaves nil pointers in
// the bundle and the structurer reports them as missing fields. Only a
// total quote failure aborts the build.
//
// ═══════════════════════════════════════════════════════════════════════════════

// candles needed for indicator warm-up (ADX needs 2·period+1)
const indicatorBars = 60

// ContextBuilder assembles decision contexts from the broker feed and
// the structure-signal journal.
type ContextBuilder struct {
	cfg    *config.Config
	broker broker.Broker
	db     *database.DB
}

// NewContextBuilder creates the builder
func NewContextBuilder(cfg *config.Config, b broker.Broker, db *database.DB) *ContextBuilder {
	return &ContextBuilder{cfg: cfg, broker: b, db: db}
}

// Build assembles the full context bundle for one direction group
func (cb *ContextBuilder) Build(direction signal.Direction, entrySignals []*signal.Signal, now time.Time) (*decision.Context, error) {
	connected := cb.broker.IsConnected()

	ctx := &decision.Context{
		EntrySignals: entrySignals,
		Direction:    direction,
		Ind5m:        cb.indicators(broker.TF5m),
		Ind15m:       cb.indicators(broker.TF15m),
		Ind1h:        cb.indicators(broker.TF1h),
		Structures:   cb.structures(now),
		QTrend:       cb.qTrend(now),
		Connected:    connected,
	}
	if ctx.Ind5m == nil && ctx.Ind15m == nil && ctx.Ind1h == nil && !connected {
		return nil, fmt.Errorf("no market data: broker disconnected")
	}

	ctx.Stats = cb.stats(now, ctx.Ind15m)
	return ctx, nil
}

// indicators computes one timeframe's snapshot, nil on feed failure
func (cb *ContextBuilder) indicators(tf broker.Timeframe) *decision.TFIndicators {
	candles, err := cb.broker.Rates(cb.cfg.Symbol, tf, indicatorBars)
	if err != nil || len(candles) == 0 {
		log.Debug().Err(err).Str("tf", string(tf)).Msg("Indicator feed unavailable")
		return nil
	}

	closes := make([]float64, len(candles))
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	for i, c := range candles {
		closes[i], highs[i], lows[i] = c.Close, c.High, c.Low
	}

	ind := &decision.TFIndicators{Close: closes[len(closes)-1]}

	if len(closes) >= 20 {
		v := market.SMA(closes, 20)
		ind.SMA20 = &v
		e := market.EMA(closes, 20)
		ind.EMA20 = &e
	}
	if len(closes) >= 50 {
		v := market.SMA(closes, 50)
		ind.SMA50 = &v
	}
	if len(closes) >= 15 {
		v := market.RSI(closes, 14)
		ind.RSI14 = &v
	}

	atrSeries := market.ATRSeries(highs, lows, closes, cb.cfg.ATRPeriod)
	if len(atrSeries) >= 2 {
		v := atrSeries[len(atrSeries)-1]
		ind.ATR14 = &v
		// Expanding when the latest ATR sits above its recent average
		expanding := v > market.SMA(atrSeries, min(10, len(atrSeries)))
		ind.ATRExpanding = &expanding
	}

	if len(closes) >= 2*14+1 {
		adx := market.ADX(highs, lows, closes, 14)
		ind.ADX14 = &adx
		if len(closes) > 2*14+2 {
			prev := market.ADX(highs[:len(highs)-1], lows[:len(lows)-1], closes[:len(closes)-1], 14)
			rising := adx > prev
			ind.ADXRising = &rising
		}
	}
	return ind
}

// structures pulls the most recent structure signal per event type
// inside that event's lookback window.
func (cb *ContextBuilder) structures(now time.Time) decision.StructureSnapshot {
	return decision.StructureSnapshot{
		ZoneTouch: cb.latestStructure(signal.EventZoneTouch, now.Add(-cb.cfg.WindowZoneTouch)),
		NewZone:   cb.latestStructure(signal.EventNewZone, now.Add(-cb.cfg.WindowNewZone)),
		FVGTouch:  cb.latestStructure(signal.EventFVGTouch, now.Add(-cb.cfg.WindowFVGTouch)),
		Sweep:     cb.latestStructure(signal.EventSweep, now.Add(-cb.cfg.WindowSweep)),
	}
}

func (cb *ContextBuilder) latestStructure(event signal.Event, since time.Time) *decision.StructureEvent {
	rec, err := cb.db.LatestStructure(string(event), since)
	if err != nil {
		log.Warn().Err(err).Str("event", string(event)).Msg("Structure lookup failed")
		return nil
	}
	if rec == nil {
		return nil
	}
	return &decision.StructureEvent{
		Direction: signal.Direction(rec.Direction),
		Price:     rec.Price,
		At:        rec.ReceivedAtTime(),
	}
}

// qTrend finds the freshest higher-timeframe prediction inside the
// lookback window.
func (cb *ContextBuilder) qTrend(now time.Time) *signal.Direction {
	rec, err := cb.db.LatestQTrend(now.Add(-cb.cfg.WindowQTrend))
	if err != nil {
		log.Warn().Err(err).Msg("Q-trend lookup failed")
		return nil
	}
	if rec == nil || rec.Direction == "" {
		return nil
	}
	d := signal.Direction(rec.Direction)
	return &d
}

// stats assembles the trading statistics attached to each decision
func (cb *ContextBuilder) stats(now time.Time, ind15m *decision.TFIndicators) decision.Stats {
	st := decision.Stats{Session: market.CurrentSession(now)}

	trades, err := cb.db.RecentClosedTrades(20)
	if err != nil {
		log.Warn().Err(err).Msg("Trade stats unavailable")
	} else if len(trades) > 0 {
		wins := 0
		for _, t := range trades {
			if t.PnLUSD.IsPositive() {
				wins++
			}
		}
		wr := float64(wins) / float64(len(trades))
		st.WinRate = &wr

		st.ConsecutiveLosses = consecutiveLosses(trades)
	}

	if ind15m != nil && ind15m.ATR14 != nil {
		if p := cb.atrPercentile(*ind15m.ATR14); p != nil {
			st.ATRPercentile = p
		}
	}
	return st
}

// consecutiveLosses counts grouped stop-loss events at the head of the
// trade history.
func consecutiveLosses(trades []database.TradeResult) int {
	n := 0
	for _, ev := range risk.GroupLossEvents(trades) {
		if ev.Outcome != "sl_hit" {
			break
		}
		n++
	}
	return n
}

// atrPercentile ranks the current ATR against a daily lookback
func (cb *ContextBuilder) atrPercentile(current float64) *float64 {
	candles, err := cb.broker.Rates(cb.cfg.Symbol, broker.TF15m, 200)
	if err != nil || len(candles) < cb.cfg.ATRPeriod*2 {
		return nil
	}
	highs := make([]float64, len(candles))
	lows := make([]float64, len(candles))
	closes := make([]float64, len(candles))
	for i, c := range candles {
		highs[i], lows[i], closes[i] = c.High, c.Low, c.Close
	}
	series := market.ATRSeries(highs, lows, closes, cb.cfg.ATRPeriod)
	if len(series) == 0 {
		return nil
	}
	p := market.PercentileRank(series, current)
	return &p
}
