package broker

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BRIDGE CLIENT - WebSocket JSON-RPC to the MT terminal bridge
// ═══════════════════════════════════════════════════════════════════════════════
//
// The terminal runs next to the broker platform and exposes a small
// request/response protocol over a single websocket:
//
//   → {"id": 17, "method": "rates", "params": {...}}
//   ← {"id": 17, "result": {...}}  or  {"id": 17, "error": "..."}
//
// Calls are serialized on the socket; each call carries its own deadline.
//
// ═══════════════════════════════════════════════════════════════════════════════

type bridgeRequest struct {
	ID     uint64          `json:"id"`
	Method string          `json:"method"`
	Params interface{}     `json:"params,omitempty"`
}

type bridgeResponse struct {
	ID     uint64          `json:"id"`
	Result json.RawMessage `json:"result"`
	Error  string          `json:"error"`
}

// Bridge is the live Broker implementation
type Bridge struct {
	mu        sync.Mutex
	url       string
	timeout   time.Duration
	conn      *websocket.Conn
	connected bool
	nextID    uint64
}

// NewBridge creates a bridge client (not yet connected)
func NewBridge(url string, timeout time.Duration) *Bridge {
	return &Bridge{url: url, timeout: timeout}
}

// Connect dials the terminal bridge
func (b *Bridge) Connect() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		b.conn.Close()
	}

	dialer := websocket.Dialer{HandshakeTimeout: b.timeout}
	conn, _, err := dialer.Dial(b.url, nil)
	if err != nil {
		b.connected = false
		return fmt.Errorf("bridge dial %s: %w", b.url, err)
	}

	b.conn = conn
	b.connected = true
	log.Info().Str("url", b.url).Msg("📡 Terminal bridge connected")
	return nil
}

// Close shuts the connection down
func (b *Bridge) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.conn != nil {
		b.conn.Close()
		b.conn = nil
	}
	b.connected = false
}

// IsConnected reports connection liveness based on a ping round-trip
func (b *Bridge) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.connected || b.conn == nil {
		return false
	}
	var pong struct {
		OK bool `json:"ok"`
	}
	if err := b.callLocked("ping", nil, &pong); err != nil {
		return false
	}
	return pong.OK
}

// call performs one request/response exchange under the socket lock
func (b *Bridge) call(method string, params interface{}, out interface{}) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.callLocked(method, params, out)
}

func (b *Bridge) callLocked(method string, params interface{}, out interface{}) error {
	if b.conn == nil {
		return fmt.Errorf("bridge not connected")
	}

	b.nextID++
	req := bridgeRequest{ID: b.nextID, Method: method, Params: params}

	deadline := time.Now().Add(b.timeout)
	b.conn.SetWriteDeadline(deadline)
	if err := b.conn.WriteJSON(req); err != nil {
		b.connected = false
		return fmt.Errorf("bridge write %s: %w", method, err)
	}

	b.conn.SetReadDeadline(deadline)
	for {
		var resp bridgeResponse
		if err := b.conn.ReadJSON(&resp); err != nil {
			b.connected = false
			return fmt.Errorf("bridge read %s: %w", method, err)
		}
		if resp.ID != req.ID {
			// Stale response from an earlier timed-out call
			continue
		}
		if resp.Error != "" {
			return fmt.Errorf("bridge %s: %s", method, resp.Error)
		}
		if out == nil {
			return nil
		}
		return json.Unmarshal(resp.Result, out)
	}
}

// ─── Broker interface ──────────────────────────────────────────────────────────

func (b *Bridge) SymbolInfo(symbol string) (*SymbolInfo, error) {
	var info SymbolInfo
	err := b.call("symbol_info", map[string]string{"symbol": symbol}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

func (b *Bridge) CurrentTick(symbol string) (*Tick, error) {
	var tick Tick
	err := b.call("tick", map[string]string{"symbol": symbol}, &tick)
	if err != nil {
		return nil, err
	}
	return &tick, nil
}

func (b *Bridge) Rates(symbol string, tf Timeframe, count int) ([]Candle, error) {
	var candles []Candle
	err := b.call("rates", map[string]interface{}{
		"symbol":    symbol,
		"timeframe": string(tf),
		"count":     count,
	}, &candles)
	if err != nil {
		return nil, err
	}
	return candles, nil
}

func (b *Bridge) Account() (*AccountInfo, error) {
	var acc AccountInfo
	if err := b.call("account", nil, &acc); err != nil {
		return nil, err
	}
	return &acc, nil
}

func (b *Bridge) OpenPositions(symbol string) ([]Position, error) {
	var positions []Position
	err := b.call("positions", map[string]string{"symbol": symbol}, &positions)
	if err != nil {
		return nil, err
	}
	return positions, nil
}

func (b *Bridge) PendingOrders(symbol string) ([]PendingOrder, error) {
	var orders []PendingOrder
	err := b.call("pending_orders", map[string]string{"symbol": symbol}, &orders)
	if err != nil {
		return nil, err
	}
	return orders, nil
}

func (b *Bridge) SendOrder(req *OrderRequest) (*OrderResult, error) {
	var result OrderResult
	if err := b.call("order_send", req, &result); err != nil {
		return nil, err
	}
	log.Info().
		Int64("ticket", result.Ticket).
		Str("direction", req.Direction).
		Float64("lots", req.Lots).
		Float64("price", result.ExecutedPrice).
		Msg("✅ Order executed")
	return &result, nil
}

func (b *Bridge) ModifyPosition(ticket int64, sl, tp float64) error {
	return b.call("position_modify", map[string]interface{}{
		"ticket": ticket,
		"sl":     sl,
		"tp":     tp,
	}, nil)
}

func (b *Bridge) ClosePosition(ticket int64, lots float64) (decimal.Decimal, error) {
	var result struct {
		Profit decimal.Decimal `json:"profit"`
	}
	err := b.call("position_close", map[string]interface{}{
		"ticket": ticket,
		"lots":   lots,
	}, &result)
	if err != nil {
		return decimal.Zero, err
	}
	return result.Profit, nil
}

func (b *Bridge) CancelOrder(ticket int64) error {
	return b.call("order_cancel", map[string]interface{}{"ticket": ticket}, nil)
}

func (b *Bridge) CalendarEvents(from, to time.Time) ([]CalendarEvent, error) {
	var events []CalendarEvent
	err := b.call("calendar_events", map[string]interface{}{
		"from": from.Unix(),
		"to":   to.Unix(),
	}, &events)
	if err != nil {
		return nil, err
	}
	return events, nil
}
