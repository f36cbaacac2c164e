package tuner

import (
	"encoding/json"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/goldengine/internal/database"
	"github.com/quantfold/goldengine/internal/decision"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WEEKLY TUNER - Bounded adjustment of scoring weights from outcomes
// ═══════════════════════════════════════════════════════════════════════════════
//
// Runs Sunday 20:00 UTC against eight weeks of realized scoring
// history. Three skip guards before any change:
//   - fewer than 60 settled samples
//   - the most recent two weeks carry under 30% of the sample
//   - recent win rate shifted 20+ points from the full window
// Each weight moves at most 0.05 per run inside its hard bounds,
// thresholds at most 0.03. Changes land via the atomic config replace
// and are journaled per parameter.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Hard bounds per tunable parameter
var tunableParams = map[string][2]float64{
	"regime_trend_base":             {0.05, 0.30},
	"regime_breakout_base":          {0.10, 0.35},
	"regime_range_base":             {-0.25, 0.00},
	"zone_touch_aligned_with_trend": {0.10, 0.35},
	"zone_touch_counter_trend":      {0.00, 0.20},
	"fvg_touch_aligned_with_trend":  {0.05, 0.30},
	"fvg_touch_counter_trend":       {0.00, 0.15},
	"liquidity_sweep":               {0.15, 0.40},
	"sweep_plus_zone":               {0.00, 0.25},
	"trend_aligned":                 {0.05, 0.25},
	"rsi_confirmation":              {0.00, 0.15},
	"rsi_divergence":                {-0.25, 0.00},
	"counter_trend_no_sweep":        {-0.30, -0.05},
	"bar_close_confirmed":           {0.05, 0.20},
	"session_london_ny":             {0.00, 0.15},
	"session_tokyo":                 {-0.10, 0.05},
	"session_off_hours":             {-0.20, 0.00},
	"approve_threshold":             {0.35, 0.60},
	"wait_threshold":                {0.05, 0.20},
}

const (
	maxWeightChange    = 0.05
	maxThresholdChange = 0.03
	minSampleSize      = 60
	lookbackWeeks      = 8
	recentWeeks        = 2
	minRecentShare     = 0.30
	maxWinRateShift    = 0.20
	learningRate       = 0.25
	minFactorSamples   = 15
)

// Tuner owns the weekly adjustment job
type Tuner struct {
	db     *database.DB
	scores *decision.ScoreConfig

	mu         sync.Mutex
	lastRunDay string
	running    bool
	stopCh     chan struct{}
}

// New creates the tuner
func New(db *database.DB, scores *decision.ScoreConfig) *Tuner {
	return &Tuner{db: db, scores: scores, stopCh: make(chan struct{})}
}

// Start launches the schedule loop
func (t *Tuner) Start() {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	t.running = true
	t.mu.Unlock()

	go t.loop()
	log.Info().Msg("🎛️ Weekly tuner started")
}

// Stop halts the schedule loop
func (t *Tuner) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return
	}
	t.running = false
	close(t.stopCh)
	log.Info().Msg("Tuner stopped")
}

func (t *Tuner) loop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			now := time.Now().UTC()
			if t.due(now) {
				t.RunOnce(now)
			}
		}
	}
}

func (t *Tuner) due(now time.Time) bool {
	if now.Weekday() != time.Sunday || now.Hour() != 20 {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastRunDay != now.Format("2006-01-02")
}

// sample is one settled scoring row with its parsed factor breakdown
type sample struct {
	win       bool
	createdAt time.Time
	factors   map[string]float64
}

// RunOnce executes one tuning pass. Skips log their reason and change
// nothing.
func (t *Tuner) RunOnce(now time.Time) {
	t.mu.Lock()
	t.lastRunDay = now.Format("2006-01-02")
	t.mu.Unlock()

	samples, err := t.loadSamples(now)
	if err != nil {
		log.Error().Err(err).Msg("Tuner sample load failed")
		return
	}

	if reason := skipReason(samples, now); reason != "" {
		log.Info().Str("reason", reason).Int("samples", len(samples)).Msg("🎛️ Tuning skipped")
		t.db.LogEvent("tuning_skipped", reason, "INFO")
		return
	}

	current := t.scores.Snapshot()
	proposed, changes := propose(current, samples)
	if len(changes) == 0 {
		log.Info().Msg("🎛️ Tuning pass: no adjustments warranted")
		return
	}

	if err := t.scores.Replace(proposed); err != nil {
		log.Error().Err(err).Msg("Score config replace failed, adjustments dropped")
		return
	}

	for _, ch := range changes {
		log.Info().Str("param", ch.Param).Float64("old", ch.OldValue).
			Float64("new", ch.NewValue).Str("reason", ch.Reason).Msg("🎛️ Parameter adjusted")
		if err := t.db.InsertParamChange(&ch); err != nil {
			log.Warn().Err(err).Str("param", ch.Param).Msg("Failed to journal param change")
		}
	}
	t.db.LogEvent("tuning_applied", fmt.Sprintf("%d parameters adjusted", len(changes)), "INFO")
}

func (t *Tuner) loadSamples(now time.Time) ([]sample, error) {
	rows, err := t.db.ScoringSince(now.AddDate(0, 0, -7*lookbackWeeks))
	if err != nil {
		return nil, err
	}

	samples := make([]sample, 0, len(rows))
	for _, r := range rows {
		if r.Outcome != "win" && r.Outcome != "loss" {
			continue
		}
		var factors map[string]float64
		if err := json.Unmarshal([]byte(r.BreakdownJSON), &factors); err != nil {
			continue
		}
		createdAt, err := database.ParseISO(r.CreatedAt)
		if err != nil {
			continue
		}
		samples = append(samples, sample{
			win:       r.Outcome == "win",
			createdAt: createdAt,
			factors:   factors,
		})
	}
	return samples, nil
}

// skipReason applies the three guards, empty string means proceed
func skipReason(samples []sample, now time.Time) string {
	if len(samples) < minSampleSize {
		return fmt.Sprintf("insufficient sample: %d settled trades (need %d)", len(samples), minSampleSize)
	}

	recentCutoff := now.AddDate(0, 0, -7*recentWeeks)
	recent := 0
	recentWins := 0
	wins := 0
	for _, s := range samples {
		if s.win {
			wins++
		}
		if s.createdAt.After(recentCutoff) {
			recent++
			if s.win {
				recentWins++
			}
		}
	}

	share := float64(recent) / float64(len(samples))
	if share < minRecentShare {
		return fmt.Sprintf("stale sample: recent share %.0f%% below %.0f%%", share*100, minRecentShare*100)
	}

	if recent > 0 {
		overallWR := float64(wins) / float64(len(samples))
		recentWR := float64(recentWins) / float64(recent)
		if math.Abs(recentWR-overallWR) >= maxWinRateShift {
			return fmt.Sprintf("win-rate shift: recent %.0f%% vs overall %.0f%%", recentWR*100, overallWR*100)
		}
	}
	return ""
}

// propose computes the adjusted weight map and the journal rows
func propose(current decision.Weights, samples []sample) (decision.Weights, []database.ParamChange) {
	proposed := make(decision.Weights, len(current))
	for k, v := range current {
		proposed[k] = v
	}

	wins := 0
	for _, s := range samples {
		if s.win {
			wins++
		}
	}
	overallWR := float64(wins) / float64(len(samples))

	changes := make([]database.ParamChange, 0)

	for param, bounds := range tunableParams {
		if param == "approve_threshold" || param == "wait_threshold" {
			continue
		}

		fired, firedWins := 0, 0
		for _, s := range samples {
			if _, ok := s.factors[param]; ok {
				fired++
				if s.win {
					firedWins++
				}
			}
		}
		if fired < minFactorSamples {
			continue
		}

		factorWR := float64(firedWins) / float64(fired)
		delta := clamp((factorWR-overallWR)*learningRate, -maxWeightChange, maxWeightChange)
		old := current[param]
		next := clamp(old+delta, bounds[0], bounds[1])
		if math.Abs(next-old) < 0.005 {
			continue
		}

		proposed[param] = round3(next)
		changes = append(changes, database.ParamChange{
			Param:    param,
			OldValue: old,
			NewValue: proposed[param],
			Reason: fmt.Sprintf("factor win rate %.0f%% vs overall %.0f%% over %d fires",
				factorWR*100, overallWR*100, fired),
		})
	}

	// Thresholds move on the overall hit rate: tighten when losing,
	// loosen slightly when the engine is clearly too picky.
	oldApprove := current["approve_threshold"]
	var deltaT float64
	switch {
	case overallWR < 0.45:
		deltaT = maxThresholdChange
	case overallWR > 0.65:
		deltaT = -maxThresholdChange
	}
	if deltaT != 0 {
		bounds := tunableParams["approve_threshold"]
		next := clamp(oldApprove+deltaT, bounds[0], bounds[1])
		// Never collapse the wait band
		if next > proposed["wait_threshold"] && next != oldApprove {
			proposed["approve_threshold"] = round3(next)
			changes = append(changes, database.ParamChange{
				Param:    "approve_threshold",
				OldValue: oldApprove,
				NewValue: proposed["approve_threshold"],
				Reason:   fmt.Sprintf("overall win rate %.0f%%", overallWR*100),
			})
		}
	}

	return proposed, changes
}

func clamp(v, lo, hi float64) float64 {
	return math.Max(lo, math.Min(hi, v))
}

func round3(v float64) float64 {
	return math.Round(v*1000) / 1000
}
