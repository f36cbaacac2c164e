package risk

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/goldengine/internal/broker"
	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
)

// Wednesday mid-session, well clear of the daily break
var tradingHour = time.Date(2026, 8, 19, 10, 0, 0, 0, time.UTC)

// fakeStore feeds the gate canned journal rows
type fakeStore struct {
	dailyPnL decimal.Decimal
	trades   []database.TradeResult
}

func (f *fakeStore) SumClosedPnLToday(time.Time) (decimal.Decimal, error) {
	return f.dailyPnL, nil
}

func (f *fakeStore) ClosedTradesSince(time.Time) ([]database.TradeResult, error) {
	return f.trades, nil
}

func gateConfig() *config.Config {
	return &config.Config{
		Symbol:          "GOLD",
		MagicNumber:     20260223,
		MaxPositions:    5,
		MaxTotalRiskPct: decimal.NewFromFloat(0.10),
		MinFreeMargin:   decimal.NewFromInt(500),
		FallbackBalance: decimal.NewFromInt(10000),
		ContractSize:    100,
		MaxDailyLossPct: decimal.NewFromFloat(-5.0),
		MaxConsecLosses: 3,
		LossResetHours:  24,
		GapThresholdUSD: 15,
	}
}

func tradeAt(outcome string, closedAt time.Time) database.TradeResult {
	return database.TradeResult{
		Outcome:  outcome,
		ClosedAt: database.FormatISO(closedAt),
		PnLUSD:   decimal.NewFromInt(-50),
	}
}

func TestGatePassesOnCleanState(t *testing.T) {
	g := NewGate(gateConfig(), &fakeStore{}, broker.NewPaper(), nil)
	v := g.Check(tradingHour, 2650, 10)
	assert.False(t, v.Blocked, v.Reason)
}

func TestGateBlocksWeekend(t *testing.T) {
	g := NewGate(gateConfig(), &fakeStore{}, broker.NewPaper(), nil)

	saturday := time.Date(2026, 8, 22, 12, 0, 0, 0, time.UTC)
	v := g.Check(saturday, 2650, 10)
	require.True(t, v.Blocked)
	assert.Contains(t, v.Reason, "weekend")
}

func TestGateBlocksDailyBreak(t *testing.T) {
	g := NewGate(gateConfig(), &fakeStore{}, broker.NewPaper(), nil)

	breakTime := time.Date(2026, 8, 19, 23, 50, 0, 0, time.UTC)
	v := g.Check(breakTime, 2650, 10)
	require.True(t, v.Blocked)
	assert.Contains(t, v.Reason, "daily break")
}

func TestGateBlocksDailyLossLimit(t *testing.T) {
	// Balance 10000, limit -5% = -500
	store := &fakeStore{dailyPnL: decimal.NewFromInt(-501)}
	g := NewGate(gateConfig(), store, broker.NewPaper(), nil)

	v := g.Check(tradingHour, 2650, 10)
	require.True(t, v.Blocked)
	assert.Contains(t, v.Reason, "daily loss limit")

	store.dailyPnL = decimal.NewFromInt(-499)
	v = g.Check(tradingHour, 2650, 10)
	assert.False(t, v.Blocked, v.Reason)
}

func TestGateBlocksConsecutiveLosses(t *testing.T) {
	now := tradingHour
	store := &fakeStore{trades: []database.TradeResult{
		tradeAt("sl_hit", now.Add(-10*time.Minute)),
		tradeAt("sl_hit", now.Add(-2*time.Hour)),
		tradeAt("sl_hit", now.Add(-4*time.Hour)),
	}}
	g := NewGate(gateConfig(), store, broker.NewPaper(), nil)

	v := g.Check(now, 2650, 10)
	require.True(t, v.Blocked)
	assert.Contains(t, v.Reason, "consecutive stop-loss")
}

func TestGateWinBreaksLossStreak(t *testing.T) {
	now := tradingHour
	store := &fakeStore{trades: []database.TradeResult{
		tradeAt("sl_hit", now.Add(-10*time.Minute)),
		tradeAt("tp_hit", now.Add(-2*time.Hour)),
		tradeAt("sl_hit", now.Add(-4*time.Hour)),
		tradeAt("sl_hit", now.Add(-6*time.Hour)),
	}}
	g := NewGate(gateConfig(), store, broker.NewPaper(), nil)

	v := g.Check(now, 2650, 10)
	assert.False(t, v.Blocked, v.Reason)
}

func TestGateBlocksPositionCap(t *testing.T) {
	cfg := gateConfig()
	paper := broker.NewPaper()
	paper.SetTick(2650, 2650.3)
	for i := 0; i < cfg.MaxPositions; i++ {
		_, err := paper.SendOrder(&broker.OrderRequest{
			Symbol: "GOLD", Direction: "buy", OrderType: "market",
			Lots: 0.1, Magic: cfg.MagicNumber,
		})
		require.NoError(t, err)
	}

	g := NewGate(cfg, &fakeStore{}, paper, nil)
	v := g.Check(tradingHour, 2650, 10)
	require.True(t, v.Blocked)
	assert.Contains(t, v.Reason, "position cap")
}

func TestGateIgnoresForeignMagicPositions(t *testing.T) {
	cfg := gateConfig()
	paper := broker.NewPaper()
	paper.SetTick(2650, 2650.3)
	for i := 0; i < cfg.MaxPositions; i++ {
		_, err := paper.SendOrder(&broker.OrderRequest{
			Symbol: "GOLD", Direction: "buy", OrderType: "market",
			Lots: 0.1, Magic: 999,
		})
		require.NoError(t, err)
	}

	g := NewGate(cfg, &fakeStore{}, paper, nil)
	v := g.Check(tradingHour, 2650, 10)
	assert.False(t, v.Blocked, v.Reason)
}

func TestGateBlocksTotalOpenRisk(t *testing.T) {
	cfg := gateConfig()
	paper := broker.NewPaper()
	paper.SetTick(2650, 2650.3)
	// One position risking $1000 = 10% of the 10k balance
	_, err := paper.SendOrder(&broker.OrderRequest{
		Symbol: "GOLD", Direction: "buy", OrderType: "market",
		Lots: 0.5, SL: 2630.3, Magic: cfg.MagicNumber,
	})
	require.NoError(t, err)

	g := NewGate(cfg, &fakeStore{}, paper, nil)
	v := g.Check(tradingHour, 2650, 10)
	require.True(t, v.Blocked)
	assert.Contains(t, v.Reason, "open risk")
}

func TestGateBlocksMarginFloor(t *testing.T) {
	paper := broker.NewPaper()
	paper.SetBalance(decimal.NewFromInt(400))

	g := NewGate(gateConfig(), &fakeStore{}, paper, nil)
	v := g.Check(tradingHour, 2650, 10)
	require.True(t, v.Blocked)
	assert.Contains(t, v.Reason, "free margin")
}

func TestGateWeekendGap(t *testing.T) {
	cfg := gateConfig()
	paper := broker.NewPaper()
	// Friday closed 2650, Monday opened 2670: a $20 gap
	paper.SetRates(broker.TF1d, []broker.Candle{
		{Open: 2640, High: 2655, Low: 2635, Close: 2650},
		{Open: 2670, High: 2675, Low: 2665, Close: 2672},
	})

	monday := time.Date(2026, 8, 24, 2, 0, 0, 0, time.UTC)
	g := NewGate(cfg, &fakeStore{}, paper, nil)
	v := g.Check(monday, 2670, 10)
	require.True(t, v.Blocked)
	assert.Contains(t, v.Reason, "weekend gap")

	// Outside the Monday check window the gap is irrelevant
	v = g.Check(tradingHour, 2670, 10)
	assert.False(t, v.Blocked, v.Reason)
}

// ─── Grouping helpers ──────────────────────────────────────────────────────────

func TestGroupLossEventsCollapsesFillBursts(t *testing.T) {
	base := tradingHour
	trades := []database.TradeResult{
		tradeAt("sl_hit", base),
		tradeAt("sl_hit", base.Add(-3*time.Second)),
		tradeAt("sl_hit", base.Add(-6*time.Second)),
		tradeAt("sl_hit", base.Add(-1*time.Hour)),
	}

	events := GroupLossEvents(trades)
	require.Len(t, events, 2)
	assert.Equal(t, "sl_hit", events[0].Outcome)
	assert.Equal(t, "sl_hit", events[1].Outcome)
}

func TestGroupLossEventsKeepsDistinctOutcomes(t *testing.T) {
	base := tradingHour
	trades := []database.TradeResult{
		tradeAt("sl_hit", base),
		tradeAt("tp_hit", base.Add(-2*time.Second)),
		tradeAt("sl_hit", base.Add(-4*time.Second)),
	}

	events := GroupLossEvents(trades)
	assert.Len(t, events, 3)
}

func TestConsecutiveSLHits(t *testing.T) {
	events := []LossEvent{
		{Outcome: "sl_hit"}, {Outcome: "sl_hit"}, {Outcome: "sl_hit"},
	}
	assert.True(t, ConsecutiveSLHits(events, 3))
	assert.False(t, ConsecutiveSLHits(events, 4))

	events[1].Outcome = "tp_hit"
	assert.False(t, ConsecutiveSLHits(events, 3))
	assert.False(t, ConsecutiveSLHits(events[:0], 1))
}
