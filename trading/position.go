package trading

import "time"

// Position is an open or closed exposure of one operation. An operation
// holds at most one open position.
type Position struct {
	ID                 string     `json:"id"`
	OperationID        string     `json:"operation_id"`
	Asset              string     `json:"asset"`
	Side               Side       `json:"side"`
	Quantity           float64    `json:"quantity"`
	EntryPrice         float64    `json:"entry_price"`
	CurrentPrice       float64    `json:"current_price"`
	StopLoss           float64    `json:"stop_loss,omitempty"`
	TakeProfit         float64    `json:"take_profit,omitempty"`
	UnrealizedPnL      float64    `json:"unrealized_pnl"`
	UnrealizedPnLPct   float64    `json:"unrealized_pnl_pct"`
	EntryTransactionID string     `json:"entry_transaction_id"`
	OpenedAt           time.Time  `json:"opened_at"`
	ClosedAt           *time.Time `json:"closed_at,omitempty"`
}

// Open reports whether the position has not been closed.
func (p *Position) Open() bool { return p.ClosedAt == nil }

// Mark revalues the position at price.
func (p *Position) Mark(price float64) {
	p.CurrentPrice = price
	p.UnrealizedPnL = Profit(p.Side, p.EntryPrice, price, p.Quantity)
	p.UnrealizedPnLPct = ProfitPct(p.UnrealizedPnL, p.EntryPrice, p.Quantity)
}

// LossFraction is the unrealized loss at price as a fraction of the entry
// notional; zero when the position is in profit.
func (p *Position) LossFraction(price float64) float64 {
	if p.EntryPrice <= 0 || p.Quantity <= 0 {
		return 0
	}
	pnl := Profit(p.Side, p.EntryPrice, price, p.Quantity)
	if pnl >= 0 {
		return 0
	}
	return -pnl / (p.EntryPrice * p.Quantity)
}
