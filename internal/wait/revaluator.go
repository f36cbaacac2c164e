package wait

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
	"github.com/quantfold/goldengine/internal/decision"
	"github.com/quantfold/goldengine/internal/signal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// REVALUATOR - Single worker that re-scores deferred decisions
// ═══════════════════════════════════════════════════════════════════════════════
//
// Wakes on a poll interval, and immediately when new structure arrives.
// One worker, so wait items never race each other; the buffer's own
// lock covers the read-modify-write on the re-evaluation counter.
//
// ═══════════════════════════════════════════════════════════════════════════════

// ContextBuilder rebuilds a fresh decision context for one direction
type ContextBuilder interface {
	Build(direction signal.Direction, entrySignals []*signal.Signal, now time.Time) (*decision.Context, error)
}

// ExecuteFunc runs the risk gate and the order path for a re-approved
// item. Returning an error means the trade did not open.
type ExecuteFunc func(item Item, a *decision.Assessment) error

// Revaluator drives the wait buffer
type Revaluator struct {
	cfg     *config.Config
	buf     *Buffer
	db      *database.DB
	scores  *decision.ScoreConfig
	builder ContextBuilder
	execute ExecuteFunc

	wakeCh  chan struct{}
	stopCh  chan struct{}
	mu      sync.Mutex
	running bool
}

// NewRevaluator creates the revaluator worker
func NewRevaluator(cfg *config.Config, buf *Buffer, db *database.DB,
	scores *decision.ScoreConfig, builder ContextBuilder, execute ExecuteFunc) *Revaluator {
	return &Revaluator{
		cfg:     cfg,
		buf:     buf,
		db:      db,
		scores:  scores,
		builder: builder,
		execute: execute,
		wakeCh:  make(chan struct{}, 1),
		stopCh:  make(chan struct{}),
	}
}

// OnNewStructure wakes the worker early. Non-blocking, coalescing.
func (r *Revaluator) OnNewStructure() {
	select {
	case r.wakeCh <- struct{}{}:
	default:
	}
}

// Start launches the worker loop
func (r *Revaluator) Start() {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	r.running = true
	r.mu.Unlock()

	go r.loop()
	log.Info().Dur("interval", r.cfg.RevalInterval).Msg("🔄 Revaluator started")
}

// Stop halts the worker loop
func (r *Revaluator) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.running = false
	close(r.stopCh)
	log.Info().Msg("Revaluator stopped")
}

func (r *Revaluator) loop() {
	ticker := time.NewTicker(r.cfg.RevalInterval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopCh:
			return
		case <-ticker.C:
			r.Pass(time.Now().UTC())
		case <-r.wakeCh:
			r.StructureSweep(time.Now().UTC())
		}
	}
}

// Pass runs one timer sweep. Items gated on new structure are only
// checked for expiry here; their re-evaluation belongs to the event
// path.
func (r *Revaluator) Pass(now time.Time) {
	for _, item := range r.buf.Due(now) {
		if item.Status == StatusExpired {
			log.Info().Str("id", item.ID).Str("scope", item.Scope).Msg("⌛ Wait item expired")
			continue
		}
		if item.Scope == decision.ScopeStructureNeeded {
			continue
		}
		r.reevaluate(item, now)
	}
	r.cleanup()
}

// StructureSweep re-evaluates the items waiting on structure. Runs
// when a structure signal lands, never on the poll timer.
func (r *Revaluator) StructureSweep(now time.Time) {
	for _, item := range r.buf.WaitingByScope(decision.ScopeStructureNeeded) {
		r.reevaluate(item, now)
	}
	r.cleanup()
}

func (r *Revaluator) cleanup() {
	for _, done := range r.buf.CleanupDone() {
		if done.WaitRecordID != 0 {
			if err := r.db.ResolveWaitRecord(done.WaitRecordID, done.Status, done.ReevalCount); err != nil {
				log.Warn().Err(err).Uint("wait_id", done.WaitRecordID).Msg("Failed to resolve wait record")
			}
		}
	}
}

func (r *Revaluator) reevaluate(item Item, now time.Time) {
	count := r.buf.IncrementReeval(item.ID)
	if count < 0 {
		return
	}
	if count > r.cfg.MaxReevalCount {
		r.buf.Resolve(item.ID, StatusRejected)
		log.Info().Str("id", item.ID).Int("count", count).Msg("Wait item exhausted re-evaluations")
		return
	}

	ctx, err := r.builder.Build(item.Direction, item.Signals, now)
	if err != nil {
		log.Warn().Err(err).Str("id", item.ID).Msg("Context rebuild failed, item stays buffered")
		return
	}

	a := decision.Assess(ctx, r.scores.Snapshot())
	log.Debug().Str("id", item.ID).Str("decision", a.Decision).
		Float64("score", a.Score).Int("reeval", count).Msg("Wait item re-scored")

	switch a.Decision {
	case decision.DecisionApprove:
		if !a.ShouldExecute(r.cfg.MinConfidence, r.cfg.MinEVScore) {
			return // approved on score, thresholds not met yet
		}
		if err := r.execute(item, a); err != nil {
			r.buf.Resolve(item.ID, StatusRejected)
			log.Warn().Err(err).Str("id", item.ID).Msg("Re-approved item failed to execute")
			return
		}
		r.buf.Resolve(item.ID, StatusExecuted)
		log.Info().Str("id", item.ID).Float64("score", a.Score).Msg("🚀 Deferred entry executed")

	case decision.DecisionReject:
		r.buf.Resolve(item.ID, StatusRejected)

	case decision.DecisionWait:
		// Scope and condition track the latest assessment. The original
		// expiry stands, a wait never extends its own deadline.
		r.buf.UpdateScope(item.ID, a.WaitScope, a.WaitCondition)
	}
}
