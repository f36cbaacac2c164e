package pipeline

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/goldengine/internal/broker"
	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
	"github.com/quantfold/goldengine/internal/decision"
	"github.com/quantfold/goldengine/internal/signal"
)

func reversalConfig() *config.Config {
	return &config.Config{
		Symbol:           "GOLD",
		ReversalEnabled:  true,
		ReversalCooldown: 5 * time.Minute,
		WindowSweep:      30 * time.Minute,
		WindowZoneTouch:  15 * time.Minute,
		WindowFVGTouch:   15 * time.Minute,
	}
}

func reversalDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return NewDispatcher(reversalConfig(), db, nil, nil, nil, nil, nil)
}

func sweepSignal(dir signal.Direction, price float64) *signal.Signal {
	return &signal.Signal{
		Symbol: "GOLD", Kind: signal.KindStructure,
		Event: signal.EventSweep, Direction: dir, Price: price,
		ReceivedAt: time.Now().UTC(),
	}
}

func touchSignal(ev signal.Event, dir signal.Direction, price float64) *signal.Signal {
	return &signal.Signal{
		Symbol: "GOLD", Kind: signal.KindStructure,
		Event: ev, Direction: dir, Price: price,
		ReceivedAt: time.Now().UTC(),
	}
}

func TestReversalFromSellSideSweep(t *testing.T) {
	dp := reversalDispatcher(t)
	now := time.Now().UTC()

	// Stops below the lows taken, the zone touch anchors a long
	batch := []*signal.Signal{
		sweepSignal(signal.Sell, 2648.0),
		touchSignal(signal.EventZoneTouch, signal.Buy, 2649.5),
	}

	synthetic := dp.detectReversal(batch, now)
	require.NotNil(t, synthetic)
	assert.Equal(t, signal.Buy, synthetic.Direction)
	assert.Equal(t, 2649.5, synthetic.Price)
	assert.Equal(t, signal.KindEntryTrigger, synthetic.Kind)
	assert.Equal(t, signal.EventPrediction, synthetic.Event)
	assert.Equal(t, reversalSource, synthetic.Source)
	assert.Equal(t, signal.ConfirmedBarClose, synthetic.Confirmed)
}

func TestReversalFromBuySideSweep(t *testing.T) {
	dp := reversalDispatcher(t)

	batch := []*signal.Signal{
		sweepSignal(signal.Buy, 2662.0),
		touchSignal(signal.EventFVGTouch, signal.Sell, 2660.0),
	}

	synthetic := dp.detectReversal(batch, time.Now().UTC())
	require.NotNil(t, synthetic)
	assert.Equal(t, signal.Sell, synthetic.Direction)
	assert.Equal(t, 2660.0, synthetic.Price)
}

func TestReversalNeedsBothSweepAndTouch(t *testing.T) {
	dp := reversalDispatcher(t)
	now := time.Now().UTC()

	sweepOnly := []*signal.Signal{sweepSignal(signal.Sell, 2648.0)}
	assert.Nil(t, dp.detectReversal(sweepOnly, now))

	touchOnly := []*signal.Signal{touchSignal(signal.EventZoneTouch, signal.Buy, 2649.5)}
	assert.Nil(t, dp.detectReversal(touchOnly, now))
}

func TestReversalCooldownPerDirection(t *testing.T) {
	dp := reversalDispatcher(t)
	now := time.Now().UTC()

	buySetup := []*signal.Signal{
		sweepSignal(signal.Sell, 2648.0),
		touchSignal(signal.EventZoneTouch, signal.Buy, 2649.5),
	}
	require.NotNil(t, dp.detectReversal(buySetup, now))

	// Same direction inside the cooldown is suppressed
	assert.Nil(t, dp.detectReversal(buySetup, now.Add(2*time.Minute)))

	// The opposite direction is not
	sellSetup := []*signal.Signal{
		sweepSignal(signal.Buy, 2662.0),
		touchSignal(signal.EventZoneTouch, signal.Sell, 2660.0),
	}
	assert.NotNil(t, dp.detectReversal(sellSetup, now.Add(2*time.Minute)))

	// And the cooldown expires
	assert.NotNil(t, dp.detectReversal(buySetup, now.Add(6*time.Minute)))
}

func TestReversalDisabled(t *testing.T) {
	dp := reversalDispatcher(t)
	dp.cfg.ReversalEnabled = false

	batch := []*signal.Signal{
		sweepSignal(signal.Sell, 2648.0),
		touchSignal(signal.EventZoneTouch, signal.Buy, 2649.5),
	}
	assert.Nil(t, dp.detectReversal(batch, time.Now().UTC()))
}

func TestReversalFindsSweepInJournal(t *testing.T) {
	dp := reversalDispatcher(t)
	now := time.Now().UTC()

	// A sweep persisted 10 minutes ago still pairs with a fresh touch
	require.NoError(t, dp.db.InsertSignal(&database.SignalRecord{
		ReceivedAt: database.FormatISO(now.Add(-10 * time.Minute)),
		Symbol:     "GOLD",
		SignalType: string(signal.KindStructure),
		Event:      string(signal.EventSweep),
		Direction:  string(signal.Sell),
		Price:      2648.0,
	}))

	batch := []*signal.Signal{touchSignal(signal.EventZoneTouch, signal.Buy, 2649.5)}
	synthetic := dp.detectReversal(batch, now)
	require.NotNil(t, synthetic)
	assert.Equal(t, signal.Buy, synthetic.Direction)
	assert.Equal(t, 2649.5, synthetic.Price)
}

func TestReversalIgnoresStaleJournalSweep(t *testing.T) {
	dp := reversalDispatcher(t)
	now := time.Now().UTC()

	require.NoError(t, dp.db.InsertSignal(&database.SignalRecord{
		ReceivedAt: database.FormatISO(now.Add(-45 * time.Minute)),
		Symbol:     "GOLD",
		SignalType: string(signal.KindStructure),
		Event:      string(signal.EventSweep),
		Direction:  string(signal.Sell),
		Price:      2648.0,
	}))

	batch := []*signal.Signal{touchSignal(signal.EventZoneTouch, signal.Buy, 2649.5)}
	assert.Nil(t, dp.detectReversal(batch, now))
}

// decidingDispatcher can run the full Dispatch path: the paper broker
// has no rates, so every decision lands on the journaled reject branch
// before the gate or the executor are needed.
func decidingDispatcher(t *testing.T) *Dispatcher {
	t.Helper()
	cfg := reversalConfig()
	cfg.ATRPeriod = 14
	cfg.WindowNewZone = 4 * time.Hour
	cfg.WindowQTrend = 4 * time.Hour

	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)

	scores, err := decision.LoadScoreConfig(filepath.Join(t.TempDir(), "weights.yaml"))
	require.NoError(t, err)

	builder := NewContextBuilder(cfg, broker.NewPaper(), db)
	return NewDispatcher(cfg, db, builder, scores, nil, nil, nil)
}

func TestDispatchSkipsReversalWhenBatchHasTriggers(t *testing.T) {
	dp := decidingDispatcher(t)

	// A real sell trigger alongside reversal conditions for a buy:
	// only the real trigger may be decided.
	batch := []*signal.Signal{
		{
			Symbol: "GOLD", Kind: signal.KindEntryTrigger,
			Event: signal.EventPrediction, Direction: signal.Sell,
			Price: 2650.0, ReceivedAt: time.Now().UTC(),
		},
		sweepSignal(signal.Sell, 2648.0),
		touchSignal(signal.EventZoneTouch, signal.Buy, 2649.5),
	}
	require.NoError(t, dp.Dispatch(batch))

	// The detector never ran, so no cooldown was burned
	assert.Empty(t, dp.lastReversal)
}

func TestDispatchSynthesizesReversalOnQuietBatch(t *testing.T) {
	dp := decidingDispatcher(t)

	batch := []*signal.Signal{
		sweepSignal(signal.Sell, 2648.0),
		touchSignal(signal.EventZoneTouch, signal.Buy, 2649.5),
	}
	require.NoError(t, dp.Dispatch(batch))

	assert.Contains(t, dp.lastReversal, signal.Buy)
}

func TestEntryTriggersFilter(t *testing.T) {
	trigger := &signal.Signal{Kind: signal.KindEntryTrigger, Event: signal.EventPrediction, Direction: signal.Buy}
	batch := []*signal.Signal{
		trigger,
		sweepSignal(signal.Sell, 2648.0),
		touchSignal(signal.EventZoneTouch, signal.Buy, 2649.5),
	}

	out := entryTriggers(batch)
	require.Len(t, out, 1)
	assert.Same(t, trigger, out[0])
}

func TestGroupByDirection(t *testing.T) {
	mk := func(dir signal.Direction) *signal.Signal {
		return &signal.Signal{Kind: signal.KindEntryTrigger, Event: signal.EventPrediction, Direction: dir}
	}
	groups := groupByDirection([]*signal.Signal{mk(signal.Buy), mk(signal.Sell), mk(signal.Buy)})

	assert.Len(t, groups[signal.Buy], 2)
	assert.Len(t, groups[signal.Sell], 1)
}
