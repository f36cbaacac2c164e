package health

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/goldengine/internal/broker"
	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/database"
)

// ═══════════════════════════════════════════════════════════════════════════════
// HEALTH MONITOR - Bridge liveness and reconnect
// ═══════════════════════════════════════════════════════════════════════════════

const (
	reconnectAttempts = 3
	reconnectDelay    = 10 * time.Second
)

// Alerter receives coalesced connectivity alerts
type Alerter interface {
	NotifyDisconnect(downFor time.Duration)
	NotifyRecovered()
}

// Monitor checks the bridge on an interval and drives reconnects
type Monitor struct {
	cfg    *config.Config
	broker broker.Broker
	db     *database.DB

	mu        sync.Mutex
	alerter   Alerter
	downSince time.Time
	alerted   bool
	running   bool
	stopCh    chan struct{}
}

// NewMonitor creates the health monitor
func NewMonitor(cfg *config.Config, b broker.Broker, db *database.DB) *Monitor {
	return &Monitor{cfg: cfg, broker: b, db: db, stopCh: make(chan struct{})}
}

// SetAlerter wires the alert sink
func (m *Monitor) SetAlerter(a Alerter) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.alerter = a
}

// Healthy reports current bridge liveness
func (m *Monitor) Healthy() bool {
	return m.broker.IsConnected()
}

// Start launches the check loop
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return
	}
	m.running = true
	m.mu.Unlock()

	go m.loop()
	log.Info().Dur("interval", m.cfg.HealthInterval).Msg("❤️ Health monitor started")
}

// Stop halts the check loop
func (m *Monitor) Stop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.running {
		return
	}
	m.running = false
	close(m.stopCh)
	log.Info().Msg("Health monitor stopped")
}

func (m *Monitor) loop() {
	ticker := time.NewTicker(m.cfg.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.Check()
		}
	}
}

// Check runs one liveness probe with a bounded reconnect burst
func (m *Monitor) Check() {
	if m.broker.IsConnected() {
		m.markUp()
		return
	}

	m.markDown()
	log.Warn().Msg("🔌 Bridge down, attempting reconnect")

	for attempt := 1; attempt <= reconnectAttempts; attempt++ {
		if err := m.broker.Connect(); err != nil {
			log.Warn().Err(err).Int("attempt", attempt).Msg("Reconnect failed")
			if attempt < reconnectAttempts {
				select {
				case <-m.stopCh:
					return
				case <-time.After(reconnectDelay):
				}
			}
			continue
		}
		m.markUp()
		return
	}

	// Still down after the burst: alert once per outage
	m.mu.Lock()
	downFor := time.Since(m.downSince)
	shouldAlert := !m.alerted
	m.alerted = true
	a := m.alerter
	m.mu.Unlock()

	if shouldAlert {
		m.db.LogEvent("bridge_down", downFor.String(), "ERROR")
		if a != nil {
			a.NotifyDisconnect(downFor)
		}
	}
}

func (m *Monitor) markDown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.downSince.IsZero() {
		m.downSince = time.Now().UTC()
	}
}

func (m *Monitor) markUp() {
	m.mu.Lock()
	wasDown := !m.downSince.IsZero()
	wasAlerted := m.alerted
	m.downSince = time.Time{}
	m.alerted = false
	a := m.alerter
	m.mu.Unlock()

	if wasDown {
		log.Info().Msg("✅ Bridge connection recovered")
		m.db.LogEvent("bridge_recovered", "", "INFO")
		if wasAlerted && a != nil {
			a.NotifyRecovered()
		}
	}
}
