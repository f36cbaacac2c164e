package decision

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/goldengine/internal/signal"
)

func fptr(v float64) *float64 { return &v }
func bptr(v bool) *bool       { return &v }

func makeContext(mods ...func(*Context)) *Context {
	buy := signal.Buy
	ctx := &Context{
		EntrySignals: []*signal.Signal{{
			Source:    "TradingView",
			Kind:      signal.KindEntryTrigger,
			Event:     signal.EventPrediction,
			Direction: signal.Buy,
			Price:     2650.0,
			Confirmed: signal.ConfirmedBarClose,
		}},
		Direction: signal.Buy,
		Ind5m: &TFIndicators{
			Close: 2652.0,
			SMA20: fptr(2640.0),
			RSI14: fptr(55.0),
		},
		Ind15m: &TFIndicators{
			Close:        2652.0,
			ADX14:        fptr(22.0),
			ADXRising:    bptr(false),
			ATRExpanding: bptr(false),
		},
		QTrend:    &buy,
		Stats:     Stats{Session: "London_NY"},
		Connected: true,
	}
	for _, m := range mods {
		m(ctx)
	}
	return ctx
}

func TestStructurizeRegimeClassification(t *testing.T) {
	cases := []struct {
		name      string
		adx       *float64
		rising    *bool
		expanding *bool
		want      string
	}{
		{"breakout", fptr(27.0), bptr(true), bptr(true), RegimeBreakout},
		{"strong adx not rising is trend", fptr(27.0), bptr(false), bptr(true), RegimeTrend},
		{"strong adx not expanding is trend", fptr(27.0), bptr(true), bptr(false), RegimeTrend},
		{"moderate adx is trend", fptr(21.0), bptr(false), bptr(false), RegimeTrend},
		{"weak adx is range", fptr(15.0), bptr(true), bptr(true), RegimeRange},
		{"no adx is range", nil, nil, nil, RegimeRange},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			ctx := makeContext(func(c *Context) {
				c.Ind15m.ADX14 = tc.adx
				c.Ind15m.ADXRising = tc.rising
				c.Ind15m.ATRExpanding = tc.expanding
			})
			s := Structurize(ctx)
			assert.Equal(t, tc.want, s.Regime.Classification)
		})
	}
}

func TestStructurizeFieldsMissing(t *testing.T) {
	ctx := makeContext(func(c *Context) {
		c.Ind5m = nil
		c.Ind15m = nil
	})
	s := Structurize(ctx)

	assert.ElementsMatch(t,
		[]string{"adx_value", "atr_expanding", "sma20_distance_pct", "rsi_value"},
		s.DataCompleteness.FieldsMissing)
	assert.Nil(t, s.Momentum.RSIValue)
	assert.Equal(t, RSINeutral, s.Momentum.RSIZone)
}

func TestStructurizeCompleteContextHasNoMissingFields(t *testing.T) {
	s := Structurize(makeContext())
	assert.Empty(t, s.DataCompleteness.FieldsMissing)
}

func TestStructurizeSMA20Distance(t *testing.T) {
	s := Structurize(makeContext())

	require.NotNil(t, s.PriceStructure.SMA20DistancePct)
	// (2652 - 2640) / 2640 * 100
	assert.InDelta(t, 0.4545, *s.PriceStructure.SMA20DistancePct, 0.001)
	require.NotNil(t, s.PriceStructure.AboveSMA20)
	assert.True(t, *s.PriceStructure.AboveSMA20)
}

func TestStructurizeStructureTranslation(t *testing.T) {
	now := time.Now().UTC()
	ctx := makeContext(func(c *Context) {
		c.Structures = StructureSnapshot{
			ZoneTouch: &StructureEvent{Direction: signal.Buy, Price: 2648, At: now},
			FVGTouch:  &StructureEvent{Direction: signal.Sell, Price: 2655, At: now},
			Sweep:     &StructureEvent{Direction: signal.Sell, Price: 2645, At: now},
		}
	})
	s := Structurize(ctx)

	assert.True(t, s.ZoneInteraction.ZoneTouch)
	assert.Equal(t, ZoneDemand, s.ZoneInteraction.ZoneDirection)
	assert.True(t, s.ZoneInteraction.FVGTouch)
	assert.Equal(t, FVGBearish, s.ZoneInteraction.FVGDirection)
	assert.True(t, s.ZoneInteraction.LiquiditySweep)
	assert.Equal(t, SweepSellSide, s.ZoneInteraction.SweepDirection)
}

func TestStructurizeTrendAlignment(t *testing.T) {
	s := Structurize(makeContext())
	assert.True(t, s.Momentum.TrendAligned)

	sell := signal.Sell
	s = Structurize(makeContext(func(c *Context) { c.QTrend = &sell }))
	assert.False(t, s.Momentum.TrendAligned)

	s = Structurize(makeContext(func(c *Context) { c.QTrend = nil }))
	assert.False(t, s.Momentum.TrendAligned)
}

func TestStructurizeRSIZones(t *testing.T) {
	s := Structurize(makeContext(func(c *Context) { c.Ind5m.RSI14 = fptr(25.0) }))
	assert.Equal(t, RSIOversold, s.Momentum.RSIZone)

	s = Structurize(makeContext(func(c *Context) { c.Ind5m.RSI14 = fptr(75.0) }))
	assert.Equal(t, RSIOverbought, s.Momentum.RSIZone)
}

func TestStructurizeSignalQualityFromTrigger(t *testing.T) {
	conf := 0.8
	ctx := makeContext(func(c *Context) {
		c.EntrySignals[0].TVConfidence = &conf
	})
	s := Structurize(ctx)

	assert.Equal(t, "TradingView", s.SignalQuality.Source)
	assert.True(t, s.SignalQuality.BarCloseConfirmed)
	assert.Equal(t, "London_NY", s.SignalQuality.Session)
	require.NotNil(t, s.SignalQuality.TVConfidence)
	assert.Equal(t, 0.8, *s.SignalQuality.TVConfidence)
}

func TestStructurizeIsDeterministic(t *testing.T) {
	ctx := makeContext()
	first := Structurize(ctx)
	for i := 0; i < 20; i++ {
		assert.Equal(t, first, Structurize(ctx))
	}
}
