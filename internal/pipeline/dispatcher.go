package pipeline

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
	"github.com/quantfold/goldengine/internal/decision"
	"github.com/quantfold/goldengine/internal/execution"
	"github.com/quantfold/goldengine/internal/risk"
	"github.com/quantfold/goldengine/internal/signal"
	"github.com/quantfold/goldengine/internal/wait"
)

// ═══════════════════════════════════════════════════════════════════════════════
// DISPATCHER - Batch processing behind the collection window
// ═══════════════════════════════════════════════════════════════════════════════
//
// One batch pass:
//   1. persist every signal, wake the revaluator on structure arrivals
//   2. on a trigger-free batch, reversal detection may synthesize one
//   3. entry triggers grouped per direction, one decision each
//   4. approve → risk gate → order; wait → buffer; reject → journal
//
// ═══════════════════════════════════════════════════════════════════════════════

// reversalSource tags synthesized entry triggers in the journal
const reversalSource = "ReverseAutoTrigger"

// Dispatcher consumes collector batches
type Dispatcher struct {
	cfg      *config.Config
	db       *database.DB
	builder  *ContextBuilder
	scores   *decision.ScoreConfig
	gate     *risk.Gate
	executor *execution.Executor
	buffer   *wait.Buffer
	reval    *wait.Revaluator

	mu           sync.Mutex
	lastReversal map[signal.Direction]time.Time
}

// NewDispatcher wires the batch pipeline
func NewDispatcher(cfg *config.Config, db *database.DB, builder *ContextBuilder,
	scores *decision.ScoreConfig, gate *risk.Gate, executor *execution.Executor,
	buffer *wait.Buffer) *Dispatcher {
	return &Dispatcher{
		cfg:          cfg,
		db:           db,
		builder:      builder,
		scores:       scores,
		gate:         gate,
		executor:     executor,
		buffer:       buffer,
		lastReversal: make(map[signal.Direction]time.Time),
	}
}

// SetRevaluator attaches the wait-buffer worker for structure wake-ups
func (dp *Dispatcher) SetRevaluator(r *wait.Revaluator) {
	dp.reval = r
}

// Dispatch processes one collected batch. Returning an error makes the
// collector requeue the batch.
func (dp *Dispatcher) Dispatch(batch []*signal.Signal) error {
	now := time.Now().UTC()

	structureArrived, err := dp.persistBatch(batch)
	if err != nil {
		return err
	}
	if structureArrived && dp.reval != nil {
		dp.reval.OnNewStructure()
	}

	triggers := entryTriggers(batch)
	// Reversal synthesis only fills a quiet batch; real triggers win.
	if len(triggers) == 0 {
		if synthetic := dp.detectReversal(batch, now); synthetic != nil {
			triggers = append(triggers, synthetic)
		}
	}
	if len(triggers) == 0 {
		return nil
	}

	for direction, group := range groupByDirection(triggers) {
		dp.decide(direction, group, now)
	}
	return nil
}

// persistBatch journals every signal and reports whether any structure
// event arrived.
func (dp *Dispatcher) persistBatch(batch []*signal.Signal) (bool, error) {
	structure := false
	for _, s := range batch {
		raw, _ := json.Marshal(s)
		rec := &database.SignalRecord{
			ReceivedAt: database.FormatISO(s.ReceivedAt),
			Symbol:     s.Symbol,
			Source:     s.Source,
			SignalType: string(s.Kind),
			Event:      string(s.Event),
			Direction:  string(s.Direction),
			Price:      s.Price,
			TF:         s.Timeframe,
			RawJSON:    string(raw),
		}
		if err := dp.db.InsertSignal(rec); err != nil {
			return structure, fmt.Errorf("persist signal: %w", err)
		}
		s.DBID = rec.ID
		if s.Kind == signal.KindStructure {
			structure = true
		}
	}
	return structure, nil
}

// ─── Reversal detection ────────────────────────────────────────────────────────

// detectReversal synthesizes an entry trigger when a liquidity sweep
// coincides with a fresh zone or FVG touch. The sweep side implies the
// reversal direction: stops taken below the lows set up a buy.
func (dp *Dispatcher) detectReversal(batch []*signal.Signal, now time.Time) *signal.Signal {
	if !dp.cfg.ReversalEnabled {
		return nil
	}

	sweep := dp.recentSweep(batch, now)
	if sweep == nil {
		return nil
	}

	direction := signal.Buy
	if sweep.Direction == signal.Buy {
		// buy-side sweep: stops above the highs taken, reversal is down
		direction = signal.Sell
	}

	touch := dp.recentTouch(batch, now)
	if touch == nil {
		return nil
	}

	dp.mu.Lock()
	last, seen := dp.lastReversal[direction]
	if seen && now.Sub(last) < dp.cfg.ReversalCooldown {
		dp.mu.Unlock()
		return nil
	}
	dp.lastReversal[direction] = now
	dp.mu.Unlock()

	log.Info().Str("direction", string(direction)).Float64("price", touch.Price).
		Msg("🔃 Sweep reversal trigger synthesized")
	dp.db.LogEvent("reversal_trigger",
		fmt.Sprintf("direction=%s price=%.2f", direction, touch.Price), "INFO")

	return &signal.Signal{
		Symbol:     dp.cfg.Symbol,
		Source:     reversalSource,
		Kind:       signal.KindEntryTrigger,
		Event:      signal.EventPrediction,
		Direction:  direction,
		Price:      touch.Price,
		Confirmed:  signal.ConfirmedBarClose,
		ReceivedAt: now,
	}
}

// recentSweep finds a liquidity sweep in this batch or in the journal
// inside the sweep window.
func (dp *Dispatcher) recentSweep(batch []*signal.Signal, now time.Time) *signal.Signal {
	for _, s := range batch {
		if s.Event == signal.EventSweep {
			return s
		}
	}
	rec, err := dp.db.LatestStructure(string(signal.EventSweep), now.Add(-dp.cfg.WindowSweep))
	if err != nil || rec == nil {
		return nil
	}
	return &signal.Signal{
		Event:     signal.EventSweep,
		Direction: signal.Direction(rec.Direction),
		Price:     rec.Price,
	}
}

// recentTouch finds a zone or FVG touch in this batch or in the journal
// inside the touch window. The touch price anchors the synthetic entry.
func (dp *Dispatcher) recentTouch(batch []*signal.Signal, now time.Time) *signal.Signal {
	for _, s := range batch {
		if s.Event == signal.EventZoneTouch || s.Event == signal.EventFVGTouch {
			return s
		}
	}
	for _, ev := range []signal.Event{signal.EventZoneTouch, signal.EventFVGTouch} {
		window := dp.cfg.WindowZoneTouch
		if ev == signal.EventFVGTouch {
			window = dp.cfg.WindowFVGTouch
		}
		rec, err := dp.db.LatestStructure(string(ev), now.Add(-window))
		if err == nil && rec != nil {
			return &signal.Signal{Event: ev, Direction: signal.Direction(rec.Direction), Price: rec.Price}
		}
	}
	return nil
}

// ─── Decision path ─────────────────────────────────────────────────────────────

func (dp *Dispatcher) decide(direction signal.Direction, group []*signal.Signal, now time.Time) {
	ctx, err := dp.builder.Build(direction, group, now)
	if err != nil {
		log.Error().Err(err).Str("direction", string(direction)).Msg("Context build failed, group dropped")
		dp.db.LogEvent("context_failed", err.Error(), "ERROR")
		return
	}

	a := decision.Assess(ctx, dp.scores.Snapshot())
	decisionID := dp.journalDecision(a, ctx, group)
	scoringID := dp.journalScoring(a, direction)

	log.Info().Str("direction", string(direction)).Str("decision", a.Decision).
		Float64("score", a.Score).Float64("confidence", a.Confidence).
		Str("reason", a.Reason).Msg("⚖️ Decision")

	switch a.Decision {
	case decision.DecisionApprove:
		dp.handleApprove(a, direction, decisionID, scoringID, now)

	case decision.DecisionWait:
		waitRecordID := dp.journalWait(a, decisionID)
		dp.buffer.Add(direction, a.WaitScope, a.WaitCondition, a.Score,
			decisionID, waitRecordID, group)

	case decision.DecisionReject:
		// Journaled above, nothing to do
	}
}

func (dp *Dispatcher) handleApprove(a *decision.Assessment, direction signal.Direction,
	decisionID, scoringID uint, now time.Time) {

	if !a.ShouldExecute(dp.cfg.MinConfidence, dp.cfg.MinEVScore) {
		log.Info().Float64("confidence", a.Confidence).Float64("ev", a.EVScore).
			Msg("Approved but below execution thresholds")
		return
	}

	params, err := dp.executor.BuildOrderParams(direction, a.SetupType, now)
	if err != nil {
		log.Warn().Err(err).Msg("Order sizing failed")
		dp.db.LogEvent("sizing_failed", err.Error(), "WARNING")
		return
	}

	if v := dp.gate.Check(now, params.EntryPrice, params.SLDistance); v.Blocked {
		log.Warn().Str("reason", v.Reason).Msg("🚫 Risk gate blocked execution")
		dp.db.LogEvent("risk_blocked", v.Reason, "WARNING")
		return
	}

	if _, err := dp.executor.Execute(a, direction, decisionID, scoringID); err != nil {
		log.Error().Err(err).Msg("Execution failed")
	}
}

// ExecuteWaitItem is the revaluator's path back into the gate and the
// executor for re-approved deferred decisions.
func (dp *Dispatcher) ExecuteWaitItem(item wait.Item, a *decision.Assessment) error {
	now := time.Now().UTC()

	params, err := dp.executor.BuildOrderParams(item.Direction, a.SetupType, now)
	if err != nil {
		return err
	}
	if v := dp.gate.Check(now, params.EntryPrice, params.SLDistance); v.Blocked {
		return fmt.Errorf("risk gate: %s", v.Reason)
	}
	_, err = dp.executor.Execute(a, item.Direction, item.DecisionID, 0)
	return err
}

// ─── Journaling ────────────────────────────────────────────────────────────────

func (dp *Dispatcher) journalDecision(a *decision.Assessment, ctx *decision.Context, group []*signal.Signal) uint {
	ids := make([]uint, 0, len(group))
	for _, s := range group {
		if s.DBID != 0 {
			ids = append(ids, s.DBID)
		}
	}
	idsJSON, _ := json.Marshal(ids)
	structuredJSON, _ := json.Marshal(a.Structured)
	breakdownJSON, _ := json.Marshal(a.Breakdown)

	rec := &database.Decision{
		SignalIDs:         string(idsJSON),
		Decision:          a.Decision,
		Confidence:        a.Confidence,
		EVScore:           a.EVScore,
		Reason:            a.Reason,
		RiskNote:          a.RiskNote,
		WaitScope:         a.WaitScope,
		WaitCondition:     a.WaitCondition,
		StructuredJSON:    string(structuredJSON),
		BreakdownJSON:     string(breakdownJSON),
		SetupType:         a.SetupType,
		Session:           a.Structured.SignalQuality.Session,
		QTrendAligned:     a.Structured.Momentum.TrendAligned,
		PatternSimilarity: a.Structured.SignalQuality.PatternSimilarity,
	}
	if err := dp.db.InsertDecision(rec); err != nil {
		log.Warn().Err(err).Msg("Failed to journal decision")
		return 0
	}
	return rec.ID
}

func (dp *Dispatcher) journalScoring(a *decision.Assessment, direction signal.Direction) uint {
	breakdownJSON, _ := json.Marshal(a.Breakdown)
	rec := &database.ScoringRecord{
		SignalDirection: string(direction),
		Regime:          a.Structured.Regime.Classification,
		TotalScore:      a.Score,
		Decision:        a.Decision,
		BreakdownJSON:   string(breakdownJSON),
	}
	if err := dp.db.InsertScoring(rec); err != nil {
		log.Warn().Err(err).Msg("Failed to journal scoring")
		return 0
	}
	return rec.ID
}

func (dp *Dispatcher) journalWait(a *decision.Assessment, decisionID uint) uint {
	rec := &database.WaitRecord{
		DecisionID:    decisionID,
		WaitScope:     a.WaitScope,
		WaitCondition: a.WaitCondition,
		FinalStatus:   wait.StatusWaiting,
	}
	if err := dp.db.InsertWaitRecord(rec); err != nil {
		log.Warn().Err(err).Msg("Failed to journal wait record")
		return 0
	}
	return rec.ID
}

// ─── Grouping helpers ──────────────────────────────────────────────────────────

func entryTriggers(batch []*signal.Signal) []*signal.Signal {
	out := make([]*signal.Signal, 0, len(batch))
	for _, s := range batch {
		if s.Kind == signal.KindEntryTrigger {
			out = append(out, s)
		}
	}
	return out
}

func groupByDirection(triggers []*signal.Signal) map[signal.Direction][]*signal.Signal {
	groups := make(map[signal.Direction][]*signal.Signal)
	for _, s := range triggers {
		groups[s.Direction] = append(groups[s.Direction], s)
	}
	return groups
}
