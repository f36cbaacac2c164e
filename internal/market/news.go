package market

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/quantfold/goldengine/internal/broker"
)

// ═══════════════════════════════════════════════════════════════════════════════
// NEWS FILTER - Block entries around high-impact economic releases
// ═══════════════════════════════════════════════════════════════════════════════

// NewsVerdict is the outcome of a news-window check
type NewsVerdict struct {
	Blocked   bool
	Reason    string
	ResumesAt *time.Time
}

// NewsFilter blocks entries within a window around USD/EUR releases of
// sufficient importance, using the broker calendar feed.
type NewsFilter struct {
	broker        broker.Broker
	enabled       bool
	blockBefore   time.Duration
	blockAfter    time.Duration
	currencies    map[string]bool
	minImportance int
}

// NewNewsFilter creates the filter
func NewNewsFilter(b broker.Broker, enabled bool, before, after time.Duration,
	currencies []string, minImportance int) *NewsFilter {

	set := make(map[string]bool, len(currencies))
	for _, c := range currencies {
		set[c] = true
	}
	return &NewsFilter{
		broker:        b,
		enabled:       enabled,
		blockBefore:   before,
		blockAfter:    after,
		currencies:    set,
		minImportance: minImportance,
	}
}

// Check evaluates the news window at the given time. Calendar fetch
// failures allow the entry (fail open) so a sick feed cannot freeze the
// whole engine.
func (f *NewsFilter) Check(now time.Time) NewsVerdict {
	if !f.enabled {
		return NewsVerdict{Reason: "news filter disabled"}
	}

	from := now.Add(-f.blockAfter)
	to := now.Add(2 * time.Hour)

	events, err := f.broker.CalendarEvents(from, to)
	if err != nil {
		log.Warn().Err(err).Msg("Calendar fetch failed, allowing entry")
		return NewsVerdict{Reason: "calendar unavailable"}
	}

	for _, ev := range events {
		if !f.currencies[ev.Currency] {
			continue
		}
		if ev.Importance < f.minImportance {
			continue
		}

		diff := ev.Time.Sub(now)
		if diff > f.blockBefore || diff < -f.blockAfter {
			continue
		}

		resumesAt := ev.Time.Add(f.blockAfter)
		side := "before"
		if diff < 0 {
			side = "after"
		}
		reason := fmt.Sprintf("news block: %s (%s, %dm %s release)",
			ev.Name, ev.Currency, int(diff.Abs().Minutes()), side)

		log.Info().Str("event", ev.Name).Time("resumes_at", resumesAt).
			Msg("🚫 Entry blocked by news window")

		return NewsVerdict{Blocked: true, Reason: reason, ResumesAt: &resumesAt}
	}

	return NewsVerdict{Reason: "news filter passed"}
}
