package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/quantfold/goldengine/internal/config"
	"github.com/quantfold/goldengine/internal/signal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// WEBHOOK SERVER - TradingView entry point
// ═══════════════════════════════════════════════════════════════════════════════
//
// POST /webhook  alert payload in, 200 ok / 400 invalid
// GET  /health   200 when the bridge is live, 503 otherwise
//
// Validation failures are the caller's problem and return 400 with the
// reason; anything past validation that fails is a 500.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Receiver accepts validated signals (the collector)
type Receiver interface {
	Receive(s *signal.Signal)
}

// HealthChecker reports bridge liveness
type HealthChecker interface {
	Healthy() bool
}

// Server is the HTTP surface
type Server struct {
	cfg      *config.Config
	receiver Receiver
	health   HealthChecker
	httpSrv  *http.Server
}

// New creates the webhook server
func New(cfg *config.Config, receiver Receiver, health HealthChecker) *Server {
	return &Server{cfg: cfg, receiver: receiver, health: health}
}

// Start runs the listener in the background
func (s *Server) Start() error {
	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())

	router.POST("/webhook", s.handleWebhook)
	router.GET("/health", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.WebhookPort),
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Webhook server failed")
		}
	}()

	log.Info().Int("port", s.cfg.WebhookPort).Msg("🌐 Webhook server started")
	return nil
}

// Stop shuts the listener down gracefully
func (s *Server) Stop() {
	if s.httpSrv == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.httpSrv.Shutdown(ctx); err != nil {
		log.Warn().Err(err).Msg("Webhook server shutdown error")
	}
}

func (s *Server) handleWebhook(c *gin.Context) {
	var payload map[string]interface{}
	if err := c.ShouldBindJSON(&payload); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "error": "malformed JSON"})
		return
	}

	sig, err := signal.Validate(payload)
	if err != nil {
		log.Warn().Err(err).Interface("payload", payload).Msg("⚠️ Signal rejected")
		c.JSON(http.StatusBadRequest, gin.H{"status": "rejected", "error": err.Error()})
		return
	}

	s.receiver.Receive(sig)
	log.Debug().Str("event", string(sig.Event)).Str("direction", string(sig.Direction)).
		Msg("📥 Signal accepted")
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (s *Server) handleHealth(c *gin.Context) {
	if s.health != nil && !s.health.Healthy() {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "degraded", "bridge": "disconnected"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
