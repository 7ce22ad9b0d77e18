package trading

import (
	"time"

	"github.com/shopspring/decimal"
)

// Transaction is one fill applied to a position.
type Transaction struct {
	ID                 string    `json:"id"`
	OperationID        string    `json:"operation_id"`
	OrderID            string    `json:"order_id"`
	PositionID         string    `json:"position_id"`
	Action             Action    `json:"action"`
	Role               Role      `json:"role"`
	PositionSide       Side      `json:"position_side"`
	Price              float64   `json:"price"`
	Quantity           float64   `json:"quantity"`
	Commission         float64   `json:"commission"`
	Profit             float64   `json:"profit"`
	ProfitPct          float64   `json:"profit_pct"`
	EntryTransactionID string    `json:"entry_transaction_id,omitempty"`
	ExecutedAt         time.Time `json:"executed_at"`
}

// Trade pairs an entry transaction with the exit that closed it.
type Trade struct {
	ID                 string        `json:"id"`
	OperationID        string        `json:"operation_id"`
	Asset              string        `json:"asset"`
	Side               Side          `json:"side"`
	EntryTransactionID string        `json:"entry_transaction_id"`
	ExitTransactionID  string        `json:"exit_transaction_id"`
	EntryPrice         float64       `json:"entry_price"`
	ExitPrice          float64       `json:"exit_price"`
	Quantity           float64       `json:"quantity"`
	PnL                float64       `json:"pnl"`
	PnLPct             float64       `json:"pnl_pct"`
	TotalCommission    float64       `json:"total_commission"`
	EntryTime          time.Time     `json:"entry_time"`
	ExitTime           time.Time     `json:"exit_time"`
	Duration           time.Duration `json:"duration"`
	Reason             string        `json:"reason,omitempty"`
}

// Profit is (exit-entry)*qty for a long and (entry-exit)*qty for a short,
// computed in decimal so repeated fills do not accumulate float error.
func Profit(side Side, entry, exit, qty float64) float64 {
	e := decimal.NewFromFloat(entry)
	x := decimal.NewFromFloat(exit)
	q := decimal.NewFromFloat(qty)
	diff := x.Sub(e)
	if side == Short {
		diff = diff.Neg()
	}
	return diff.Mul(q).InexactFloat64()
}

// ProfitPct is profit as a percentage of the entry notional.
func ProfitPct(profit, entry, qty float64) float64 {
	notional := decimal.NewFromFloat(entry).Mul(decimal.NewFromFloat(qty))
	if notional.IsZero() {
		return 0
	}
	return decimal.NewFromFloat(profit).Div(notional).Mul(decimal.NewFromInt(100)).InexactFloat64()
}

// Sum adds float amounts in decimal.
func Sum(xs ...float64) float64 {
	total := decimal.Zero
	for _, x := range xs {
		total = total.Add(decimal.NewFromFloat(x))
	}
	return total.InexactFloat64()
}
