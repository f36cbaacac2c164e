package broker

import (
	"time"

	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// BROKER INTERFACE - Abstract trading terminal access
// ═══════════════════════════════════════════════════════════════════════════════

// Timeframe identifies a candle period
type Timeframe string

const (
	TF5m  Timeframe = "5m"
	TF15m Timeframe = "15m"
	TF1h  Timeframe = "1h"
	TF1d  Timeframe = "1d"
)

// Tick is the current bid/ask quote
type Tick struct {
	Bid  float64   `json:"bid"`
	Ask  float64   `json:"ask"`
	Time time.Time `json:"time"`
}

// Candle is one OHLC bar
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// SymbolInfo describes the traded instrument
type SymbolInfo struct {
	Name         string  `json:"name"`
	Digits       int     `json:"digits"`
	Point        float64 `json:"point"`
	MinLot       float64 `json:"min_lot"`
	MaxLot       float64 `json:"max_lot"`
	LotStep      float64 `json:"lot_step"`
	ContractSize float64 `json:"contract_size"`
	TradeAllowed bool    `json:"trade_allowed"`
}

// AccountInfo is a snapshot of the trading account
type AccountInfo struct {
	Balance    decimal.Decimal `json:"balance"`
	Equity     decimal.Decimal `json:"equity"`
	FreeMargin decimal.Decimal `json:"free_margin"`
	Currency   string          `json:"currency"`
}

// Position is an open position at the broker
type Position struct {
	Ticket    int64           `json:"ticket"`
	Symbol    string          `json:"symbol"`
	Direction string          `json:"direction"` // buy | sell
	Lots      float64         `json:"lots"`
	OpenPrice float64         `json:"open_price"`
	SL        float64         `json:"sl"`
	TP        float64         `json:"tp"`
	Profit    decimal.Decimal `json:"profit"`
	Magic     int64           `json:"magic"`
	OpenedAt  time.Time       `json:"opened_at"`
}

// PendingOrder is a working limit/stop order
type PendingOrder struct {
	Ticket    int64     `json:"ticket"`
	Symbol    string    `json:"symbol"`
	Direction string    `json:"direction"`
	OrderType string    `json:"order_type"` // limit | stop
	Lots      float64   `json:"lots"`
	Price     float64   `json:"price"`
	Magic     int64     `json:"magic"`
	PlacedAt  time.Time `json:"placed_at"`
}

// OrderRequest describes an order to submit
type OrderRequest struct {
	Symbol    string  `json:"symbol"`
	Direction string  `json:"direction"`
	OrderType string  `json:"order_type"` // market | limit
	Lots      float64 `json:"lots"`
	Price     float64 `json:"price"` // limit orders only
	SL        float64 `json:"sl"`
	TP        float64 `json:"tp"`
	Deviation int     `json:"deviation"`
	Magic     int64   `json:"magic"`
	Comment   string  `json:"comment"`
}

// OrderResult is the broker response to a submitted order
type OrderResult struct {
	Ticket        int64   `json:"ticket"`
	ExecutedPrice float64 `json:"executed_price"`
}

// CalendarEvent is one economic-calendar entry
type CalendarEvent struct {
	Time       time.Time `json:"time"`
	Currency   string    `json:"currency"`
	Name       string    `json:"name"`
	Importance int       `json:"importance"` // 0..3
}

// Broker abstracts the trading terminal. Implemented by the websocket
// bridge client and by the in-memory paper broker used in test mode.
type Broker interface {
	Connect() error
	Close()
	IsConnected() bool

	SymbolInfo(symbol string) (*SymbolInfo, error)
	CurrentTick(symbol string) (*Tick, error)
	Rates(symbol string, tf Timeframe, count int) ([]Candle, error)
	Account() (*AccountInfo, error)

	OpenPositions(symbol string) ([]Position, error)
	PendingOrders(symbol string) ([]PendingOrder, error)
	SendOrder(req *OrderRequest) (*OrderResult, error)
	ModifyPosition(ticket int64, sl, tp float64) error
	ClosePosition(ticket int64, lots float64) (decimal.Decimal, error)
	CancelOrder(ticket int64) error

	CalendarEvents(from, to time.Time) ([]CalendarEvent, error)
}
