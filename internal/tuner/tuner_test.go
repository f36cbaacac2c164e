package tuner

import (
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/goldengine/internal/decision"
)

var tunerNow = time.Date(2026, 8, 23, 20, 0, 0, 0, time.UTC) // a Sunday

// makeSamples builds n settled samples, wins of them winning, all
// carrying the given factors and created at the given age.
func makeSamples(n, wins int, age time.Duration, factors map[string]float64) []sample {
	out := make([]sample, 0, n)
	for i := 0; i < n; i++ {
		out = append(out, sample{
			win:       i < wins,
			createdAt: tunerNow.Add(-age),
			factors:   factors,
		})
	}
	return out
}

func TestSkipOnInsufficientSample(t *testing.T) {
	samples := makeSamples(59, 30, 24*time.Hour, nil)
	reason := skipReason(samples, tunerNow)
	assert.Contains(t, reason, "insufficient sample")
}

func TestSkipOnStaleSample(t *testing.T) {
	// 80 old samples, only 10 recent: recent share 11%
	samples := append(
		makeSamples(80, 40, 6*7*24*time.Hour, nil),
		makeSamples(10, 5, 24*time.Hour, nil)...)
	reason := skipReason(samples, tunerNow)
	assert.Contains(t, reason, "stale sample")
}

func TestSkipOnWinRateShift(t *testing.T) {
	// Overall 57%, recent window 90%: a 33 point shift
	samples := append(
		makeSamples(60, 21, 4*7*24*time.Hour, nil),
		makeSamples(40, 36, 24*time.Hour, nil)...)
	reason := skipReason(samples, tunerNow)
	assert.Contains(t, reason, "win-rate shift")
}

func TestNoSkipOnHealthySample(t *testing.T) {
	samples := append(
		makeSamples(60, 30, 4*7*24*time.Hour, nil),
		makeSamples(40, 20, 24*time.Hour, nil)...)
	assert.Empty(t, skipReason(samples, tunerNow))
}

func TestProposeMovesWinningFactorUp(t *testing.T) {
	current := decision.DefaultWeights()

	// liquidity_sweep fires on a cohort winning far above the overall
	// rate, the weight must rise but never by more than the step cap.
	withSweep := makeSamples(40, 36, 24*time.Hour, map[string]float64{"liquidity_sweep": 0.25})
	without := makeSamples(60, 18, 24*time.Hour, map[string]float64{"trend_aligned": 0.10})
	samples := append(withSweep, without...)

	proposed, changes := propose(current, samples)

	old := current["liquidity_sweep"]
	next := proposed["liquidity_sweep"]
	assert.Greater(t, next, old)
	assert.LessOrEqual(t, next-old, maxWeightChange+1e-9)

	var found bool
	for _, ch := range changes {
		if ch.Param == "liquidity_sweep" {
			found = true
			assert.Equal(t, old, ch.OldValue)
			assert.Equal(t, next, ch.NewValue)
		}
	}
	assert.True(t, found)
}

func TestProposeRespectsBounds(t *testing.T) {
	current := decision.DefaultWeights()
	current["liquidity_sweep"] = 0.39 // near the 0.40 ceiling

	withSweep := makeSamples(50, 50, 24*time.Hour, map[string]float64{"liquidity_sweep": 0.39})
	without := makeSamples(50, 10, 24*time.Hour, map[string]float64{})
	samples := append(withSweep, without...)

	proposed, _ := propose(current, samples)
	bounds := tunableParams["liquidity_sweep"]
	assert.LessOrEqual(t, proposed["liquidity_sweep"], bounds[1])
}

func TestProposeSkipsThinFactors(t *testing.T) {
	current := decision.DefaultWeights()

	// Only 5 fires: below the per-factor floor, no adjustment
	withSweep := makeSamples(5, 5, 24*time.Hour, map[string]float64{"liquidity_sweep": 0.25})
	without := makeSamples(95, 40, 24*time.Hour, map[string]float64{})
	samples := append(withSweep, without...)

	proposed, _ := propose(current, samples)
	assert.Equal(t, current["liquidity_sweep"], proposed["liquidity_sweep"])
}

func TestProposeTightensThresholdWhenLosing(t *testing.T) {
	current := decision.DefaultWeights()
	samples := makeSamples(100, 30, 24*time.Hour, map[string]float64{})

	proposed, _ := propose(current, samples)

	assert.InDelta(t, current["approve_threshold"]+maxThresholdChange,
		proposed["approve_threshold"], 1e-9)
	// The step cap binds
	assert.LessOrEqual(t,
		math.Abs(proposed["approve_threshold"]-current["approve_threshold"]),
		maxThresholdChange+1e-9)
}

func TestProposeNeutralWinRateLeavesThresholds(t *testing.T) {
	current := decision.DefaultWeights()
	samples := makeSamples(100, 55, 24*time.Hour, map[string]float64{})

	proposed, _ := propose(current, samples)
	assert.Equal(t, current["approve_threshold"], proposed["approve_threshold"])
}

func TestProposeNeverCollapsesWaitBand(t *testing.T) {
	current := decision.DefaultWeights()
	current["approve_threshold"] = 0.36
	current["wait_threshold"] = 0.20

	// Winning hard wants the threshold lowered, but 0.33 < bounds floor
	// 0.35 clamps, and the band against wait_threshold must survive.
	samples := makeSamples(100, 70, 24*time.Hour, map[string]float64{})
	proposed, _ := propose(current, samples)

	require.Greater(t, proposed["approve_threshold"], proposed["wait_threshold"])
	bounds := tunableParams["approve_threshold"]
	assert.GreaterOrEqual(t, proposed["approve_threshold"], bounds[0])
}
