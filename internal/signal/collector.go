package signal

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// COLLECTOR - Debounce-window micro-batcher
// ═══════════════════════════════════════════════════════════════════════════════
//
// Chart alerts for one market event arrive as a burst of webhooks a few
// milliseconds apart. The collector coalesces everything that arrives
// within the debounce window into a single ordered batch: each arrival
// re-arms the timer, so the batch closes only after the burst goes
// quiet for a full window.
//
// If the dispatch callback fails, the batch is put back at the head of
// the buffer so no signal is lost. A hard cap bounds the buffer when
// the callback keeps failing; overflow drops the oldest signals with an
// ERROR log.
//
// ═══════════════════════════════════════════════════════════════════════════════

// FlushFunc consumes one closed batch. A non-nil error re-queues the
// batch at the head of the buffer.
type FlushFunc func(batch []*Signal) error

// Collector is the debounced signal buffer
type Collector struct {
	mu      sync.Mutex
	buf     []*Signal
	timer   *time.Timer
	window  time.Duration
	hardCap int
	flush   FlushFunc
	stopped bool
}

// NewCollector creates a collector. hardCap bounds the buffer across
// failed flushes; the window is the debounce interval.
func NewCollector(window time.Duration, hardCap int, flush FlushFunc) *Collector {
	return &Collector{
		window:  window,
		hardCap: hardCap,
		flush:   flush,
	}
}

// Receive appends a signal and re-arms the debounce timer. Safe for
// concurrent use by the webhook handlers.
func (c *Collector) Receive(sig *Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.stopped {
		log.Warn().Str("event", string(sig.Event)).Msg("Collector stopped, signal dropped")
		return
	}

	c.buf = append(c.buf, sig)
	c.enforceCapLocked()

	if c.timer != nil {
		c.timer.Stop()
	}
	c.timer = time.AfterFunc(c.window, c.onTimer)

	log.Debug().
		Str("event", string(sig.Event)).
		Str("direction", string(sig.Direction)).
		Int("buffered", len(c.buf)).
		Msg("📥 Signal buffered")
}

// FlushNow closes the current batch immediately. Used on shutdown and
// by tests.
func (c *Collector) FlushNow() {
	c.mu.Lock()
	if c.timer != nil {
		c.timer.Stop()
		c.timer = nil
	}
	c.mu.Unlock()
	c.onTimer()
}

// Stop prevents further receives and flushes what is buffered
func (c *Collector) Stop() {
	c.FlushNow()
	c.mu.Lock()
	c.stopped = true
	c.mu.Unlock()
}

// Pending returns the current buffer size
func (c *Collector) Pending() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.buf)
}

// onTimer snapshots and clears the buffer, then dispatches outside the
// lock. Mutually exclusive with Receive via the collector mutex.
func (c *Collector) onTimer() {
	c.mu.Lock()
	if len(c.buf) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.buf
	c.buf = nil
	c.timer = nil
	c.mu.Unlock()

	log.Info().Int("size", len(batch)).Msg("⏱️ Collection window closed, dispatching batch")

	if err := c.flush(batch); err != nil {
		log.Error().Err(err).Int("size", len(batch)).
			Msg("Batch dispatch failed, re-queueing at head")
		c.requeue(batch)
	}
}

// requeue restores a failed batch at the head of the buffer, preserving
// overall arrival order.
func (c *Collector) requeue(batch []*Signal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.buf = append(batch, c.buf...)
	c.enforceCapLocked()

	// Retry on the next window unless new arrivals re-arm it first
	if c.timer == nil && !c.stopped {
		c.timer = time.AfterFunc(c.window, c.onTimer)
	}
}

func (c *Collector) enforceCapLocked() {
	if c.hardCap <= 0 || len(c.buf) <= c.hardCap {
		return
	}
	dropped := len(c.buf) - c.hardCap
	c.buf = c.buf[dropped:]
	log.Error().Int("dropped", dropped).Int("cap", c.hardCap).
		Msg("Signal buffer overflow, oldest signals dropped")
}
