// Package trading holds the records an operation produces: the operation
// itself, orders, positions, transactions and trades.
package trading

import "fmt"

// Side is the direction of a position.
type Side string

const (
	Long  Side = "LONG"
	Short Side = "SHORT"
)

// Sign is +1 for Long and -1 for Short.
func (s Side) Sign() float64 {
	if s == Short {
		return -1
	}
	return 1
}

// Opposite returns the other side.
func (s Side) Opposite() Side {
	if s == Short {
		return Long
	}
	return Short
}

// Action is the direction of an order or transaction.
type Action string

const (
	Buy  Action = "BUY"
	Sell Action = "SELL"
)

// Opens returns the position side an entry with this action opens.
func (a Action) Opens() Side {
	if a == Sell {
		return Short
	}
	return Long
}

// Closing returns the action that flattens a position on side s.
func Closing(s Side) Action {
	if s == Short {
		return Buy
	}
	return Sell
}

// SignalType is a strategy decision for one bar.
type SignalType int

const (
	SignalNone SignalType = iota
	SignalBuy
	SignalSell
)

func (t SignalType) String() string {
	switch t {
	case SignalBuy:
		return "BUY"
	case SignalSell:
		return "SELL"
	default:
		return "NONE"
	}
}

func (t SignalType) MarshalText() ([]byte, error) { return []byte(t.String()), nil }

func (t *SignalType) UnmarshalText(b []byte) error {
	switch string(b) {
	case "BUY":
		*t = SignalBuy
	case "SELL":
		*t = SignalSell
	case "NONE", "":
		*t = SignalNone
	default:
		return fmt.Errorf("unknown signal %q", b)
	}
	return nil
}

// Action maps BUY/SELL signals to an order action.
func (t SignalType) Action() (Action, bool) {
	switch t {
	case SignalBuy:
		return Buy, true
	case SignalSell:
		return Sell, true
	}
	return "", false
}

// Signal is what a strategy emits after evaluating a row. Price is the
// reference price the strategy saw, usually the primary close.
type Signal struct {
	Type   SignalType `json:"type"`
	Price  float64    `json:"price"`
	Reason string     `json:"reason,omitempty"`
}

// None is the zero signal.
var None = Signal{}

func BuySignal(price float64, reason string) Signal {
	return Signal{Type: SignalBuy, Price: price, Reason: reason}
}

func SellSignal(price float64, reason string) Signal {
	return Signal{Type: SignalSell, Price: price, Reason: reason}
}
