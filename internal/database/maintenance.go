package database

import (
	"time"

	"github.com/rs/zerolog/log"
)

// ═══════════════════════════════════════════════════════════════════════════════
// MAINTENANCE - Retention policy and weekly VACUUM
// ═══════════════════════════════════════════════════════════════════════════════
//
// High-volume low-value rows are pruned, large JSON payloads on rows we
// keep are nulled out, trade-related tables are permanent.
//
//   system_events    90 days    delete
//   scoring_history  90 days    delete
//   signals          180 days   delete
//   ai_decisions     90 days    null structured_data / score_breakdown
//   signals          180 days   (raw_json goes with the row)
//
// ═══════════════════════════════════════════════════════════════════════════════

// RunMaintenance applies the retention policy and compacts the file.
// Intended to run weekly from the scheduler.
func (d *DB) RunMaintenance(now time.Time) error {
	cut90 := FormatISO(now.Add(-90 * 24 * time.Hour))
	cut180 := FormatISO(now.Add(-180 * 24 * time.Hour))

	res := d.db.Where("created_at < ?", cut90).Delete(&SystemEvent{})
	if res.Error != nil {
		return res.Error
	}
	events := res.RowsAffected

	res = d.db.Where("created_at < ?", cut90).Delete(&ScoringRecord{})
	if res.Error != nil {
		return res.Error
	}
	scoring := res.RowsAffected

	res = d.db.Where("received_at < ?", cut180).Delete(&SignalRecord{})
	if res.Error != nil {
		return res.Error
	}
	signals := res.RowsAffected

	res = d.db.Model(&Decision{}).
		Where("created_at < ? AND structured_data <> ''", cut90).
		Updates(map[string]interface{}{
			"structured_data": "",
			"score_breakdown": "",
		})
	if res.Error != nil {
		return res.Error
	}
	nulled := res.RowsAffected

	if d.isSQLite {
		if err := d.db.Exec("VACUUM").Error; err != nil {
			return err
		}
	}

	log.Info().
		Int64("events", events).
		Int64("scoring", scoring).
		Int64("signals", signals).
		Int64("decisions_nulled", nulled).
		Msg("🧹 Database maintenance done")
	d.LogEvent("db_maintenance", "retention applied and database compacted", "INFO")
	return nil
}
