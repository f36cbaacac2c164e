package wait

import (
	"errors"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
	"github.com/quantfold/goldengine/internal/decision"
	"github.com/quantfold/goldengine/internal/signal"
)

func revalConfig() *config.Config {
	return &config.Config{
		WaitExpiryNextBar:   6 * time.Minute,
		WaitExpiryStructure: 15 * time.Minute,
		WaitExpiryCooldown:  3 * time.Minute,
		MaxReevalCount:      3,
		RevalInterval:       15 * time.Second,
		MinConfidence:       0.70,
		MinEVScore:          0.20,
	}
}

func revalDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(db.Close)
	return db
}

func revalScores(t *testing.T) *decision.ScoreConfig {
	t.Helper()
	scores, err := decision.LoadScoreConfig(filepath.Join(t.TempDir(), "weights.yaml"))
	require.NoError(t, err)
	return scores
}

func f64(v float64) *float64 { return &v }
func bp(v bool) *bool        { return &v }

// waitContext scores into the wait band with nothing touched, so its
// verdict waits on structure: trend regime, trend aligned, bar close
// confirmed, London_NY.
func waitContext() *decision.Context {
	buy := signal.Buy
	return &decision.Context{
		EntrySignals: []*signal.Signal{{
			Source:    "TradingView",
			Kind:      signal.KindEntryTrigger,
			Event:     signal.EventPrediction,
			Direction: signal.Buy,
			Price:     2650.0,
			Confirmed: signal.ConfirmedBarClose,
		}},
		Direction: signal.Buy,
		Ind5m: &decision.TFIndicators{
			Close: 2652.0,
			SMA20: f64(2640.0),
			RSI14: f64(55.0),
		},
		Ind15m: &decision.TFIndicators{
			Close:        2652.0,
			ADX14:        f64(22.0),
			ADXRising:    bp(false),
			ATRExpanding: bp(false),
		},
		QTrend:    &buy,
		Stats:     decision.Stats{Session: "London_NY"},
		Connected: true,
	}
}

// cooldownContext adds a mismatched FVG touch: the touch satisfies the
// structure condition without scoring, so the wait verdict lands on
// the cooldown scope.
func cooldownContext() *decision.Context {
	ctx := waitContext()
	ctx.Structures.FVGTouch = &decision.StructureEvent{
		Direction: signal.Sell, Price: 2655.0, At: time.Now().UTC(),
	}
	return ctx
}

// approveContext adds an aligned demand-zone touch on top of the wait
// baseline, pushing the score over the approve threshold.
func approveContext() *decision.Context {
	ctx := waitContext()
	ctx.Structures.ZoneTouch = &decision.StructureEvent{
		Direction: signal.Buy, Price: 2648.0, At: time.Now().UTC(),
	}
	return ctx
}

// rejectContext strips the indicator feeds, tripping the missing-data
// instant reject.
func rejectContext() *decision.Context {
	ctx := waitContext()
	ctx.Ind5m = nil
	ctx.Ind15m = nil
	return ctx
}

type fakeBuilder struct {
	ctx   *decision.Context
	err   error
	calls int
}

func (f *fakeBuilder) Build(_ signal.Direction, _ []*signal.Signal, _ time.Time) (*decision.Context, error) {
	f.calls++
	return f.ctx, f.err
}

type executeRecorder struct {
	calls int
	err   error
}

func (e *executeRecorder) fn(_ Item, _ *decision.Assessment) error {
	e.calls++
	return e.err
}

func TestStructureSweepExecutesReapprovedItem(t *testing.T) {
	cfg := revalConfig()
	buf := NewBuffer(cfg)
	builder := &fakeBuilder{ctx: approveContext()}
	exec := &executeRecorder{}
	r := NewRevaluator(cfg, buf, revalDB(t), revalScores(t), builder, exec.fn)

	buf.Add(signal.Buy, decision.ScopeStructureNeeded, "waiting", 0.40, 1, 0, nil)
	r.StructureSweep(time.Now().UTC())

	assert.Equal(t, 1, builder.calls)
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, 0, buf.Len())
}

func TestTimerPassSkipsStructureGatedItems(t *testing.T) {
	cfg := revalConfig()
	buf := NewBuffer(cfg)
	builder := &fakeBuilder{ctx: waitContext()}
	exec := &executeRecorder{}
	r := NewRevaluator(cfg, buf, revalDB(t), revalScores(t), builder, exec.fn)

	item := buf.Add(signal.Buy, decision.ScopeStructureNeeded, "waiting", 0.40, 1, 0, nil)

	// A minute of poll ticks must not burn the item's retries
	now := time.Now().UTC()
	for i := 0; i < 4; i++ {
		r.Pass(now.Add(time.Duration(i) * cfg.RevalInterval))
	}
	assert.Equal(t, 0, builder.calls)
	require.Equal(t, 1, buf.WaitingCount())
	got, ok := buf.items[item.ID]
	require.True(t, ok)
	assert.Equal(t, 0, got.ReevalCount)

	// The structure event arriving later still promotes it
	builder.ctx = approveContext()
	r.StructureSweep(now.Add(2 * time.Minute))
	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, 0, buf.Len())
}

func TestPassRejectsOnInstantReject(t *testing.T) {
	cfg := revalConfig()
	buf := NewBuffer(cfg)
	builder := &fakeBuilder{ctx: rejectContext()}
	exec := &executeRecorder{}
	r := NewRevaluator(cfg, buf, revalDB(t), revalScores(t), builder, exec.fn)

	buf.Add(signal.Buy, decision.ScopeNextBar, "waiting", 0.40, 1, 0, nil)
	r.Pass(time.Now().UTC())

	assert.Equal(t, 0, exec.calls)
	assert.Equal(t, 0, buf.Len())
}

func TestPassKeepsWaitingItemWithoutExtendingDeadline(t *testing.T) {
	cfg := revalConfig()
	buf := NewBuffer(cfg)
	builder := &fakeBuilder{ctx: cooldownContext()}
	exec := &executeRecorder{}
	r := NewRevaluator(cfg, buf, revalDB(t), revalScores(t), builder, exec.fn)

	item := buf.Add(signal.Buy, decision.ScopeCooldown, "waiting", 0.40, 1, 0, nil)
	expiry := item.ExpiresAt

	r.Pass(time.Now().UTC())
	require.Equal(t, 1, buf.WaitingCount())
	r.Pass(time.Now().UTC())
	require.Equal(t, 1, buf.WaitingCount())

	got, ok := buf.items[item.ID]
	require.True(t, ok)
	assert.Equal(t, 2, got.ReevalCount)
	assert.Equal(t, expiry, got.ExpiresAt)
}

func TestWaitVerdictRetargetsScope(t *testing.T) {
	cfg := revalConfig()
	buf := NewBuffer(cfg)
	builder := &fakeBuilder{ctx: waitContext()}
	exec := &executeRecorder{}
	r := NewRevaluator(cfg, buf, revalDB(t), revalScores(t), builder, exec.fn)

	// Entered as next_bar, but the fresh assessment finds no structure
	// touch and retargets the item
	item := buf.Add(signal.Buy, decision.ScopeNextBar, "waiting", 0.40, 1, 0, nil)
	expiry := item.ExpiresAt

	r.Pass(time.Now().UTC())
	got, ok := buf.items[item.ID]
	require.True(t, ok)
	assert.Equal(t, decision.ScopeStructureNeeded, got.Scope)
	assert.True(t, strings.HasPrefix(got.Condition, decision.ScopeStructureNeeded))
	assert.Equal(t, expiry, got.ExpiresAt)

	// Timer passes now leave it to the structure path
	r.Pass(time.Now().UTC())
	assert.Equal(t, 1, builder.calls)
	r.StructureSweep(time.Now().UTC())
	assert.Equal(t, 2, builder.calls)
}

func TestPassExhaustsReevaluations(t *testing.T) {
	cfg := revalConfig()
	buf := NewBuffer(cfg)
	builder := &fakeBuilder{ctx: cooldownContext()}
	exec := &executeRecorder{}
	r := NewRevaluator(cfg, buf, revalDB(t), revalScores(t), builder, exec.fn)

	buf.Add(signal.Buy, decision.ScopeCooldown, "waiting", 0.40, 1, 0, nil)

	now := time.Now().UTC()
	for i := 0; i < 3; i++ {
		r.Pass(now)
	}
	require.Equal(t, 1, buf.WaitingCount())

	// The fourth attempt exceeds the cap and rejects without a rebuild
	r.Pass(now)
	assert.Equal(t, 3, builder.calls)
	assert.Equal(t, 0, buf.Len())
	assert.Equal(t, 0, exec.calls)
}

func TestStructureSweepRejectsWhenExecutionFails(t *testing.T) {
	cfg := revalConfig()
	buf := NewBuffer(cfg)
	builder := &fakeBuilder{ctx: approveContext()}
	exec := &executeRecorder{err: errors.New("risk gate: weekend")}
	r := NewRevaluator(cfg, buf, revalDB(t), revalScores(t), builder, exec.fn)

	buf.Add(signal.Buy, decision.ScopeStructureNeeded, "waiting", 0.40, 1, 0, nil)
	r.StructureSweep(time.Now().UTC())

	assert.Equal(t, 1, exec.calls)
	assert.Equal(t, 0, buf.Len())
}

func TestStructureSweepBuildFailureKeepsItemBuffered(t *testing.T) {
	cfg := revalConfig()
	buf := NewBuffer(cfg)
	builder := &fakeBuilder{err: errors.New("bridge timeout")}
	exec := &executeRecorder{}
	r := NewRevaluator(cfg, buf, revalDB(t), revalScores(t), builder, exec.fn)

	buf.Add(signal.Buy, decision.ScopeStructureNeeded, "waiting", 0.40, 1, 0, nil)
	r.StructureSweep(time.Now().UTC())

	assert.Equal(t, 1, buf.WaitingCount())
	assert.Equal(t, 0, exec.calls)
}

func TestPassSkipsExpiredItems(t *testing.T) {
	cfg := revalConfig()
	buf := NewBuffer(cfg)
	builder := &fakeBuilder{ctx: approveContext()}
	exec := &executeRecorder{}
	r := NewRevaluator(cfg, buf, revalDB(t), revalScores(t), builder, exec.fn)

	buf.Add(signal.Buy, decision.ScopeCooldown, "waiting", 0.40, 1, 0, nil)
	r.Pass(time.Now().UTC().Add(4 * time.Minute))

	assert.Equal(t, 0, builder.calls)
	assert.Equal(t, 0, exec.calls)
	assert.Equal(t, 0, buf.Len())
}

func TestPassExpiresStructureGatedItems(t *testing.T) {
	cfg := revalConfig()
	buf := NewBuffer(cfg)
	builder := &fakeBuilder{ctx: waitContext()}
	exec := &executeRecorder{}
	r := NewRevaluator(cfg, buf, revalDB(t), revalScores(t), builder, exec.fn)

	buf.Add(signal.Buy, decision.ScopeStructureNeeded, "waiting", 0.40, 1, 0, nil)
	r.Pass(time.Now().UTC().Add(16 * time.Minute))

	assert.Equal(t, 0, builder.calls)
	assert.Equal(t, 0, buf.Len())
}

func TestOnNewStructureNeverBlocks(t *testing.T) {
	r := NewRevaluator(revalConfig(), NewBuffer(revalConfig()), nil, nil, nil, nil)
	for i := 0; i < 5; i++ {
		r.OnNewStructure()
	}
}
