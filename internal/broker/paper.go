package broker

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// ═══════════════════════════════════════════════════════════════════════════════
// PAPER BROKER - In-memory simulator for test mode
// ═══════════════════════════════════════════════════════════════════════════════

// Paper simulates the terminal: orders fill instantly at the current
// quote, positions live in memory, P&L on close uses the contract size.
type Paper struct {
	mu sync.Mutex

	connected bool
	tick      Tick
	rates     map[Timeframe][]Candle
	symbol    SymbolInfo
	account   AccountInfo
	calendar  []CalendarEvent

	nextTicket int64
	positions  map[int64]*Position
	pending    map[int64]*PendingOrder
}

// NewPaper creates a paper broker with sane gold defaults
func NewPaper() *Paper {
	return &Paper{
		connected: true,
		rates:     make(map[Timeframe][]Candle),
		symbol: SymbolInfo{
			Name:         "GOLD",
			Digits:       2,
			Point:        0.01,
			MinLot:       0.01,
			MaxLot:       50,
			LotStep:      0.01,
			ContractSize: 100,
			TradeAllowed: true,
		},
		account: AccountInfo{
			Balance:    decimal.NewFromInt(10000),
			Equity:     decimal.NewFromInt(10000),
			FreeMargin: decimal.NewFromInt(10000),
			Currency:   "USD",
		},
		nextTicket: 1000,
		positions:  make(map[int64]*Position),
		pending:    make(map[int64]*PendingOrder),
	}
}

// ─── test-mode setup helpers ───────────────────────────────────────────────────

// SetTick sets the current quote
func (p *Paper) SetTick(bid, ask float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.tick = Tick{Bid: bid, Ask: ask, Time: time.Now().UTC()}
}

// SetRates replaces the candle history for a timeframe
func (p *Paper) SetRates(tf Timeframe, candles []Candle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.rates[tf] = candles
}

// SetSymbolInfo overrides instrument metadata
func (p *Paper) SetSymbolInfo(info SymbolInfo) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.symbol = info
}

// SetBalance overrides the account balance and equity
func (p *Paper) SetBalance(balance decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.account.Balance = balance
	p.account.Equity = balance
	p.account.FreeMargin = balance
}

// SetCalendar replaces the calendar events
func (p *Paper) SetCalendar(events []CalendarEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calendar = events
}

// SetConnected toggles simulated connectivity
func (p *Paper) SetConnected(connected bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = connected
}

// RemovePosition drops a position without closing it, simulating an
// external close (broker-side SL/TP fill or manual close).
func (p *Paper) RemovePosition(ticket int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.positions, ticket)
}

// ─── Broker interface ──────────────────────────────────────────────────────────

func (p *Paper) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return nil
}

func (p *Paper) Close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
}

func (p *Paper) IsConnected() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.connected
}

func (p *Paper) SymbolInfo(symbol string) (*SymbolInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	info := p.symbol
	return &info, nil
}

func (p *Paper) CurrentTick(symbol string) (*Tick, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.tick.Bid == 0 && p.tick.Ask == 0 {
		return nil, fmt.Errorf("no quote for %s", symbol)
	}
	tick := p.tick
	return &tick, nil
}

func (p *Paper) Rates(symbol string, tf Timeframe, count int) ([]Candle, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	candles, ok := p.rates[tf]
	if !ok {
		return nil, fmt.Errorf("no rates for %s %s", symbol, tf)
	}
	if len(candles) > count {
		candles = candles[len(candles)-count:]
	}
	out := make([]Candle, len(candles))
	copy(out, candles)
	return out, nil
}

func (p *Paper) Account() (*AccountInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	acc := p.account
	return &acc, nil
}

func (p *Paper) OpenPositions(symbol string) ([]Position, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Position, 0, len(p.positions))
	for _, pos := range p.positions {
		out = append(out, *pos)
	}
	return out, nil
}

func (p *Paper) PendingOrders(symbol string) ([]PendingOrder, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]PendingOrder, 0, len(p.pending))
	for _, ord := range p.pending {
		out = append(out, *ord)
	}
	return out, nil
}

func (p *Paper) SendOrder(req *OrderRequest) (*OrderResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.nextTicket++
	ticket := p.nextTicket

	if req.OrderType == "limit" {
		p.pending[ticket] = &PendingOrder{
			Ticket:    ticket,
			Symbol:    req.Symbol,
			Direction: req.Direction,
			OrderType: "limit",
			Lots:      req.Lots,
			Price:     req.Price,
			Magic:     req.Magic,
			PlacedAt:  time.Now().UTC(),
		}
		return &OrderResult{Ticket: ticket, ExecutedPrice: req.Price}, nil
	}

	price := p.tick.Ask
	if req.Direction == "sell" {
		price = p.tick.Bid
	}

	p.positions[ticket] = &Position{
		Ticket:    ticket,
		Symbol:    req.Symbol,
		Direction: req.Direction,
		Lots:      req.Lots,
		OpenPrice: price,
		SL:        req.SL,
		TP:        req.TP,
		Magic:     req.Magic,
		OpenedAt:  time.Now().UTC(),
	}

	log.Debug().Int64("ticket", ticket).Str("direction", req.Direction).
		Float64("lots", req.Lots).Float64("price", price).Msg("Paper order filled")

	return &OrderResult{Ticket: ticket, ExecutedPrice: price}, nil
}

func (p *Paper) ModifyPosition(ticket int64, sl, tp float64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	pos, ok := p.positions[ticket]
	if !ok {
		return fmt.Errorf("position %d not found", ticket)
	}
	pos.SL = sl
	pos.TP = tp
	return nil
}

func (p *Paper) ClosePosition(ticket int64, lots float64) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	pos, ok := p.positions[ticket]
	if !ok {
		return decimal.Zero, fmt.Errorf("position %d not found", ticket)
	}
	if lots <= 0 || lots > pos.Lots {
		return decimal.Zero, fmt.Errorf("invalid close volume %.2f for position %d", lots, ticket)
	}

	closePrice := p.tick.Bid
	move := closePrice - pos.OpenPrice
	if pos.Direction == "sell" {
		closePrice = p.tick.Ask
		move = pos.OpenPrice - closePrice
	}

	profit := decimal.NewFromFloat(move).
		Mul(decimal.NewFromFloat(lots)).
		Mul(decimal.NewFromFloat(p.symbol.ContractSize))

	pos.Lots -= lots
	if pos.Lots < p.symbol.MinLot/2 {
		delete(p.positions, ticket)
	}
	p.account.Balance = p.account.Balance.Add(profit)
	p.account.Equity = p.account.Balance

	return profit, nil
}

func (p *Paper) CancelOrder(ticket int64) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pending[ticket]; !ok {
		return fmt.Errorf("order %d not found", ticket)
	}
	delete(p.pending, ticket)
	return nil
}

func (p *Paper) CalendarEvents(from, to time.Time) ([]CalendarEvent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]CalendarEvent, 0)
	for _, ev := range p.calendar {
		if !ev.Time.Before(from) && !ev.Time.After(to) {
			out = append(out, ev)
		}
	}
	return out, nil
}
