package market

import (
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SESSIONS & MARKET HOURS - UTC based calendar for gold
// ═══════════════════════════════════════════════════════════════════════════════

// Session labels derived from the UTC hour
const (
	SessionTokyo    = "Tokyo"
	SessionLondon   = "London"
	SessionLondonNY = "London_NY"
	SessionNY       = "NY"
	SessionOffHours = "off_hours"
)

// CurrentSession maps a UTC timestamp to its trading-session label
func CurrentSession(now time.Time) string {
	switch h := now.UTC().Hour(); {
	case h < 7:
		return SessionTokyo
	case h < 12:
		return SessionLondon
	case h < 16:
		return SessionLondonNY
	case h < 21:
		return SessionNY
	default:
		return SessionOffHours
	}
}

// SessionSLTPAdjust returns the SL and TP multiplier corrections for a
// session. Low-volatility sessions tighten both, the London/NY overlap
// widens both for noise tolerance.
func SessionSLTPAdjust(session string) (slMult, tpMult float64) {
	switch session {
	case SessionTokyo, SessionOffHours:
		return 0.75, 0.75
	case SessionLondonNY:
		return 1.30, 1.30
	default:
		return 1.00, 1.00
	}
}

// IsWeekend reports whether the gold market is in its weekend closure.
// Saturday and Sunday all day, plus Monday before 01:00 UTC.
func IsWeekend(now time.Time) bool {
	now = now.UTC()
	switch now.Weekday() {
	case time.Saturday, time.Sunday:
		return true
	case time.Monday:
		return now.Hour() < 1
	default:
		return false
	}
}

// IsDailyBreak reports the 23:45-01:00 UTC server maintenance break
func IsDailyBreak(now time.Time) bool {
	now = now.UTC()
	h, m := now.Hour(), now.Minute()
	if h == 23 && m >= 45 {
		return true
	}
	return h == 0
}

// InGapCheckWindow reports the Monday 01:00-03:00 UTC window in which
// the weekend-gap risk check applies.
func InGapCheckWindow(now time.Time) bool {
	now = now.UTC()
	return now.Weekday() == time.Monday && now.Hour() >= 1 && now.Hour() < 3
}

// InLimitCancelZone reports whether pending orders should be cancelled
// ahead of the daily break (from 23:30 UTC).
func InLimitCancelZone(now time.Time, cancelHour, cancelMin int) bool {
	now = now.UTC()
	return now.Hour() > cancelHour ||
		(now.Hour() == cancelHour && now.Minute() >= cancelMin)
}

// IsEODClose reports whether the end-of-day flat-close time has been
// reached (but the daily break has not started yet).
func IsEODClose(now time.Time, closeHour, closeMin int) bool {
	if IsDailyBreak(now) {
		return false
	}
	now = now.UTC()
	return now.Hour() > closeHour ||
		(now.Hour() == closeHour && now.Minute() >= closeMin)
}
