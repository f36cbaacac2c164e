package decision

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SCORE CONFIG - Factor weights and decision thresholds
// ═══════════════════════════════════════════════════════════════════════════════
//
// Loaded once at startup from a yaml map, read as a snapshot on every
// decision, replaced atomically (temp file + rename, then a coarse
// whole-map swap) when the weekly tuner adjusts parameters. A crash
// mid-replace leaves the previous file intact.
//
// ═══════════════════════════════════════════════════════════════════════════════

// Weights is one immutable snapshot of the score configuration
type Weights map[string]float64

func (w Weights) get(name string) float64 {
	return w[name]
}

// Weight exposes a single factor weight (tuner, tests)
func (w Weights) Weight(name string) float64 {
	return w[name]
}

// ApproveThreshold returns the approve cutoff
func (w Weights) ApproveThreshold() float64 {
	return w["approve_threshold"]
}

// WaitThreshold returns the wait cutoff
func (w Weights) WaitThreshold() float64 {
	return w["wait_threshold"]
}

// DefaultWeights returns the shipped configuration
func DefaultWeights() Weights {
	return Weights{
		"regime_trend_base":    0.15,
		"regime_breakout_base": 0.20,
		"regime_range_base":    -0.10,

		"zone_touch_aligned_with_trend": 0.20,
		"zone_touch_counter_trend":      0.08,
		"fvg_touch_aligned_with_trend":  0.15,
		"fvg_touch_counter_trend":       0.06,
		"liquidity_sweep":               0.25,
		"sweep_plus_zone":               0.10,

		"trend_aligned":          0.10,
		"rsi_confirmation":       0.05,
		"rsi_divergence":         -0.10,
		"counter_trend_no_sweep": -0.15,

		"bar_close_confirmed":     0.10,
		"session_london_ny":       0.05,
		"session_tokyo":           -0.03,
		"session_off_hours":       -0.10,
		"tv_confidence_high":      0.08,
		"tv_confidence_low":       -0.08,
		"pattern_similarity_high": 0.10,
		"pattern_similarity_low":  -0.10,

		"approve_threshold": 0.45,
		"wait_threshold":    0.10,
	}
}

// ScoreConfig owns the live weight map and its file
type ScoreConfig struct {
	mu      sync.RWMutex
	path    string
	weights Weights
}

// LoadScoreConfig reads the weight file. A missing file is seeded with
// defaults; a corrupt file is a startup failure.
func LoadScoreConfig(path string) (*ScoreConfig, error) {
	cfg := &ScoreConfig{path: path}

	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		cfg.weights = DefaultWeights()
		if err := cfg.write(cfg.weights); err != nil {
			return nil, fmt.Errorf("seed score config: %w", err)
		}
		log.Info().Str("path", path).Msg("📝 Score config seeded with defaults")
		return cfg, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read score config: %w", err)
	}

	var weights Weights
	if err := yaml.Unmarshal(data, &weights); err != nil {
		return nil, fmt.Errorf("parse score config %s: %w", path, err)
	}
	if weights["approve_threshold"] <= weights["wait_threshold"] {
		return nil, fmt.Errorf("score config %s: approve_threshold must exceed wait_threshold", path)
	}

	// Factors added since the file was written fall back to defaults
	merged := DefaultWeights()
	for k, v := range weights {
		merged[k] = v
	}
	cfg.weights = merged

	log.Info().Str("path", path).Int("factors", len(merged)).Msg("✅ Score config loaded")
	return cfg, nil
}

// Snapshot returns a copy of the current weights. The scoring engine
// reads one snapshot per invocation.
func (c *ScoreConfig) Snapshot() Weights {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(Weights, len(c.weights))
	for k, v := range c.weights {
		out[k] = v
	}
	return out
}

// Replace atomically persists a full weight map and hot-swaps it in
// memory. The in-memory swap happens only after the rename succeeds.
func (c *ScoreConfig) Replace(weights Weights) error {
	if weights["approve_threshold"] <= weights["wait_threshold"] {
		return fmt.Errorf("approve_threshold must exceed wait_threshold")
	}
	if err := c.write(weights); err != nil {
		return err
	}

	c.mu.Lock()
	c.weights = weights
	c.mu.Unlock()
	return nil
}

// write marshals to a temp file in the same directory and renames over
// the target so a crash never leaves a partial file.
func (c *ScoreConfig) write(weights Weights) error {
	data, err := yaml.Marshal(weights)
	if err != nil {
		return fmt.Errorf("marshal score config: %w", err)
	}

	dir := filepath.Dir(c.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create config dir: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".score_config_*.yaml")
	if err != nil {
		return fmt.Errorf("create temp config: %w", err)
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write temp config: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("sync temp config: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close temp config: %w", err)
	}

	if err := os.Rename(tmpName, c.path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("replace score config: %w", err)
	}
	return nil
}
