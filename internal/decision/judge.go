package decision

import (
	"fmt"
	"sort"
	"strings"
)

// ═══════════════════════════════════════════════════════════════════════════════
// JUDGE - Structurize + score + derive execution metadata
// ═══════════════════════════════════════════════════════════════════════════════

// Setup types derived from the scoring breakdown, used by the executor
// to adjust SL/TP multiples.
const (
	SetupStandard      = "standard"
	SetupSweepReversal = "sweep_reversal"
	SetupTrendCont     = "trend_continuation"
)

// Assessment is the full decision produced for one direction group
type Assessment struct {
	Decision      string
	Score         float64
	Breakdown     map[string]float64
	RejectReasons []string
	WaitScope     string
	WaitCondition string
	Confidence    float64
	EVScore       float64
	Reason        string
	RiskNote      string
	SetupType     string
	Structured    *Structured
}

// Assess runs the two-stage decision for a context bundle against one
// weight snapshot.
func Assess(ctx *Context, weights Weights) *Assessment {
	structured := Structurize(ctx)
	result := Calculate(structured, ctx.Direction, ctx.QTrendAvailable(), weights)

	a := &Assessment{
		Decision:      result.Decision,
		Score:         result.Score,
		Breakdown:     result.Breakdown,
		RejectReasons: result.RejectReasons,
		WaitCondition: result.WaitCondition,
		Confidence:    scoreToConfidence(result.Score),
		EVScore:       result.Score,
		SetupType:     deriveSetupType(structured, result),
		Structured:    structured,
	}
	a.WaitScope = waitScope(result.WaitCondition)
	a.Reason = buildReason(ctx, result)
	a.RiskNote = buildRiskNote(ctx, structured)
	return a
}

// ShouldExecute applies the execution thresholds on top of an approve
func (a *Assessment) ShouldExecute(minConfidence, minEVScore float64) bool {
	return a.Decision == DecisionApprove &&
		a.Confidence >= minConfidence &&
		a.EVScore >= minEVScore
}

// scoreToConfidence maps the additive score onto 0..0.99
func scoreToConfidence(score float64) float64 {
	if score <= InstantRejectScore {
		return 0
	}
	c := 0.5 + score*0.667
	if c < 0 {
		return 0
	}
	if c > 0.99 {
		return 0.99
	}
	return c
}

// waitScope extracts the scope label from a wait condition string
func waitScope(condition string) string {
	switch {
	case condition == "":
		return ""
	case strings.HasPrefix(condition, ScopeStructureNeeded):
		return ScopeStructureNeeded
	case strings.HasPrefix(condition, ScopeNextBar):
		return ScopeNextBar
	default:
		return ScopeCooldown
	}
}

func deriveSetupType(s *Structured, r *Result) string {
	if _, ok := r.Breakdown["liquidity_sweep"]; ok {
		return SetupSweepReversal
	}
	if s.Momentum.TrendAligned &&
		(s.Regime.Classification == RegimeTrend || s.Regime.Classification == RegimeBreakout) {
		return SetupTrendCont
	}
	return SetupStandard
}

// buildReason produces the audit string stored with the decision
func buildReason(ctx *Context, r *Result) string {
	if len(r.RejectReasons) > 0 {
		return strings.Join(r.RejectReasons, "; ")
	}

	// Top contributing factors, strongest first
	type factor struct {
		tag   string
		value float64
	}
	factors := make([]factor, 0, len(r.Breakdown))
	for tag, v := range r.Breakdown {
		factors = append(factors, factor{tag, v})
	}
	sort.Slice(factors, func(i, j int) bool {
		return factors[i].value > factors[j].value
	})
	if len(factors) > 4 {
		factors = factors[:4]
	}
	parts := make([]string, 0, len(factors))
	for _, f := range factors {
		parts = append(parts, fmt.Sprintf("%s %+.2f", f.tag, f.value))
	}
	return fmt.Sprintf("%s %s: score %.3f (%s)",
		r.Decision, ctx.Direction, r.Score, strings.Join(parts, ", "))
}

// buildRiskNote flags conditions the executor and the audit trail
// should know about even on approval.
func buildRiskNote(ctx *Context, s *Structured) string {
	notes := make([]string, 0, 2)
	if ctx.Stats.ConsecutiveLosses >= 2 {
		notes = append(notes, fmt.Sprintf("%d consecutive losses", ctx.Stats.ConsecutiveLosses))
	}
	if !s.Momentum.TrendAligned {
		notes = append(notes, "counter-trend entry")
	}
	if s.Regime.Classification == RegimeRange {
		notes = append(notes, "range regime")
	}
	if ap := ctx.Stats.ATRPercentile; ap != nil && *ap > 90 {
		notes = append(notes, "ATR above 90th percentile")
	}
	return strings.Join(notes, "; ")
}
