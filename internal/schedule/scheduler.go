package schedule

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/goldengine/internal/broker"
	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
	"github.com/quantfold/goldengine/internal/position"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCHEDULER - Daily and weekly clock-driven jobs
// ═══════════════════════════════════════════════════════════════════════════════
//
// Minute-resolution loop, each job fires once per period:
//   23:30 UTC  flat-close all managed positions (EOD)
//   23:30 UTC  cancel our pending orders
//   Sunday     database retention sweep
//
// ═══════════════════════════════════════════════════════════════════════════════

// Summarizer sends the end-of-day report
type Summarizer interface {
	NotifyDailySummary(now time.Time)
}

// Scheduler runs the clock jobs
type Scheduler struct {
	cfg    *config.Config
	broker broker.Broker
	db     *database.DB
	pm     *position.Manager

	mu           sync.Mutex
	summarizer   Summarizer
	lastEODDay   string
	lastMaintDay string
	running      bool
	stopCh       chan struct{}
}

// NewScheduler creates the scheduler
func NewScheduler(cfg *config.Config, b broker.Broker, db *database.DB, pm *position.Manager) *Scheduler {
	return &Scheduler{cfg: cfg, broker: b, db: db, pm: pm, stopCh: make(chan struct{})}
}

// SetSummarizer wires the daily report sink
func (s *Scheduler) SetSummarizer(sum Summarizer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.summarizer = sum
}

// Start launches the minute loop
func (s *Scheduler) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	go s.loop()
	log.Info().Msg("⏰ Scheduler started")
}

// Stop halts the loop
func (s *Scheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running {
		return
	}
	s.running = false
	close(s.stopCh)
	log.Info().Msg("Scheduler stopped")
}

func (s *Scheduler) loop() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.Tick(time.Now().UTC())
		}
	}
}

// Tick evaluates every job against the clock
func (s *Scheduler) Tick(now time.Time) {
	if s.eodDue(now) {
		s.runEOD(now)
	}
	if s.pendingCancelDue(now) {
		s.cancelPending()
	}
	if s.maintenanceDue(now) {
		s.db.RunMaintenance(now)
		s.mu.Lock()
		s.lastMaintDay = now.Format("2006-01-02")
		s.mu.Unlock()
	}
}

// ─── EOD close ─────────────────────────────────────────────────────────────────

func (s *Scheduler) eodDue(now time.Time) bool {
	if now.Hour() != s.cfg.EODCloseHour || now.Minute() < s.cfg.EODCloseMinute {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastEODDay != now.Format("2006-01-02")
}

func (s *Scheduler) runEOD(now time.Time) {
	s.mu.Lock()
	s.lastEODDay = now.Format("2006-01-02")
	sum := s.summarizer
	s.mu.Unlock()

	log.Info().Msg("🌙 End-of-day close")
	s.db.LogEvent("eod_close", "", "INFO")
	s.pm.CloseAll("eod")

	if sum != nil {
		sum.NotifyDailySummary(now)
	}
}

// ─── Pending order cancel ──────────────────────────────────────────────────────

func (s *Scheduler) pendingCancelDue(now time.Time) bool {
	return now.Hour() == s.cfg.LimitCancelHour && now.Minute() >= s.cfg.LimitCancelMin
}

// cancelPending removes our remaining pending orders so nothing fills
// into the daily break.
func (s *Scheduler) cancelPending() {
	orders, err := s.broker.PendingOrders(s.cfg.Symbol)
	if err != nil {
		log.Warn().Err(err).Msg("Pending order query failed")
		return
	}
	for _, o := range orders {
		if o.Magic != s.cfg.MagicNumber {
			continue
		}
		if err := s.broker.CancelOrder(o.Ticket); err != nil {
			log.Error().Err(err).Int64("ticket", o.Ticket).Msg("Pending cancel failed")
			continue
		}
		log.Info().Int64("ticket", o.Ticket).Msg("🗑️ Pending order cancelled")
		s.db.LogEvent("pending_cancelled", "", "INFO")
	}
}

// ─── Weekly maintenance ────────────────────────────────────────────────────────

func (s *Scheduler) maintenanceDue(now time.Time) bool {
	if now.Weekday() != time.Sunday || now.Hour() != 2 {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastMaintDay != now.Format("2006-01-02")
}
