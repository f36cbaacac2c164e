package signal

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// ═══════════════════════════════════════════════════════════════════════════════
// SIGNAL - Canonical inbound signal and the webhook validation boundary
// ═══════════════════════════════════════════════════════════════════════════════

// Kind partitions signals into entry triggers and structure updates
type Kind string

const (
	KindEntryTrigger Kind = "entry_trigger"
	KindStructure    Kind = "structure"
)

// Event identifies what the chart service observed
type Event string

const (
	EventPrediction   Event = "prediction_signal"
	EventZoneTouch    Event = "zone_retrace_touch"
	EventNewZone      Event = "new_zone_confirmed"
	EventFVGTouch     Event = "fvg_touch"
	EventSweep        Event = "liquidity_sweep"
)

// Direction is the trade direction of a signal
type Direction string

const (
	Buy  Direction = "buy"
	Sell Direction = "sell"
)

// Opposite returns the reverse direction
func (d Direction) Opposite() Direction {
	if d == Buy {
		return Sell
	}
	return Buy
}

// ConfirmedBarClose marks signals emitted only after the candle closed
const ConfirmedBarClose = "bar_close"

// Signal is the canonical record produced by the validator. Immutable
// once accepted.
type Signal struct {
	Symbol            string     `json:"symbol"`
	Source            string     `json:"source"`
	Kind              Kind       `json:"signal_type"`
	Event             Event      `json:"event"`
	Direction         Direction  `json:"direction,omitempty"`
	Price             float64    `json:"price"`
	Timeframe         int        `json:"tf,omitempty"`
	Strength          string     `json:"strength,omitempty"`
	Confirmed         string     `json:"confirmed,omitempty"`
	TVConfidence      *float64   `json:"tv_confidence,omitempty"`
	PatternSimilarity *float64   `json:"pattern_similarity,omitempty"`
	ReceivedAt        time.Time  `json:"received_at"`

	// DBID is filled after the signal row is persisted
	DBID uint `json:"-"`
}

// BarCloseConfirmed reports whether the signal waited for candle close
func (s *Signal) BarCloseConfirmed() bool {
	return s.Confirmed == ConfirmedBarClose
}

var validEvents = map[Event]bool{
	EventPrediction: true,
	EventZoneTouch:  true,
	EventNewZone:    true,
	EventFVGTouch:   true,
	EventSweep:      true,
}

var structureEvents = map[Event]bool{
	EventZoneTouch: true,
	EventNewZone:   true,
	EventFVGTouch:  true,
	EventSweep:     true,
}

// Broker symbol aliases all normalize to GOLD
var symbolAliases = map[string]string{
	"XAUUSD":   "GOLD",
	"XAUUSD.A": "GOLD",
	"XAUUSD.M": "GOLD",
	"GOLD":     "GOLD",
	"GOLD.A":   "GOLD",
}

// Validate converts a free-form webhook payload into a canonical Signal.
// Any returned error is a validation failure the caller maps to 400.
func Validate(payload map[string]interface{}) (*Signal, error) {
	for _, field := range []string{"signal_type", "event", "price"} {
		if _, ok := payload[field]; !ok {
			return nil, fmt.Errorf("missing required field %q", field)
		}
	}

	kind := Kind(strings.ToLower(asString(payload["signal_type"])))
	if kind != KindEntryTrigger && kind != KindStructure {
		return nil, fmt.Errorf("invalid signal_type %q", payload["signal_type"])
	}

	event := Event(strings.ToLower(asString(payload["event"])))
	if !validEvents[event] {
		return nil, fmt.Errorf("invalid event %q", payload["event"])
	}
	if kind == KindEntryTrigger && event != EventPrediction {
		return nil, fmt.Errorf("entry_trigger requires event=prediction_signal, got %q", event)
	}
	if kind == KindStructure && !structureEvents[event] {
		return nil, fmt.Errorf("structure signal with non-structure event %q", event)
	}

	price, err := asFloat(payload["price"])
	if err != nil {
		return nil, fmt.Errorf("invalid price: %w", err)
	}

	sig := &Signal{
		Kind:       kind,
		Event:      event,
		Price:      price,
		Source:     asString(payload["source"]),
		Strength:   asString(payload["strength"]),
		Confirmed:  asString(payload["confirmed"]),
		ReceivedAt: time.Now().UTC(),
	}

	// Symbol aliases collapse to the canonical broker symbol
	symbol := strings.ToUpper(asString(payload["symbol"]))
	if canonical, ok := symbolAliases[symbol]; ok {
		sig.Symbol = canonical
	} else if symbol != "" {
		sig.Symbol = symbol
	} else {
		sig.Symbol = "GOLD"
	}

	// Direction arrives under any of three aliases
	for _, alias := range []string{"direction", "side", "action"} {
		if v, ok := payload[alias]; ok {
			dir := Direction(strings.ToLower(asString(v)))
			if dir != Buy && dir != Sell {
				return nil, fmt.Errorf("invalid direction %q", v)
			}
			sig.Direction = dir
			break
		}
	}
	if kind == KindEntryTrigger && sig.Direction == "" {
		return nil, fmt.Errorf("entry_trigger requires a direction")
	}

	if v, ok := payload["tf"]; ok {
		tf, err := asInt(v)
		if err != nil {
			return nil, fmt.Errorf("invalid tf: %w", err)
		}
		sig.Timeframe = tf
	}

	// Quality metrics: out-of-range values become null, never zero
	sig.TVConfidence = unitInterval(payload["tv_confidence"])
	if sig.TVConfidence == nil {
		sig.TVConfidence = unitInterval(payload["confidence"])
	}
	if sig.TVConfidence == nil {
		// win_rate arrives on a 0..100 scale
		if wr, err := asFloat(payload["win_rate"]); err == nil && wr >= 0 && wr <= 100 {
			v := wr / 100
			sig.TVConfidence = &v
		}
	}
	sig.PatternSimilarity = unitInterval(payload["pattern_similarity"])

	return sig, nil
}

// unitInterval parses an optional 0..1 metric, rejecting out-of-range
// values to null.
func unitInterval(v interface{}) *float64 {
	if v == nil {
		return nil
	}
	f, err := asFloat(v)
	if err != nil || f < 0 || f > 1 {
		return nil
	}
	return &f
}

func asString(v interface{}) string {
	if v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", v)
}

func asFloat(v interface{}) (float64, error) {
	switch x := v.(type) {
	case float64:
		return x, nil
	case float32:
		return float64(x), nil
	case int:
		return float64(x), nil
	case int64:
		return float64(x), nil
	case json.Number:
		return x.Float64()
	case string:
		return strconv.ParseFloat(x, 64)
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func asInt(v interface{}) (int, error) {
	switch x := v.(type) {
	case int:
		return x, nil
	case int64:
		return int(x), nil
	case float64:
		if x != float64(int(x)) {
			return 0, fmt.Errorf("not an integer: %v", x)
		}
		return int(x), nil
	case json.Number:
		i, err := x.Int64()
		return int(i), err
	case string:
		return strconv.Atoi(x)
	default:
		return 0, fmt.Errorf("not an integer: %v", v)
	}
}
