package trading

import "time"

// OrderType is the broker order type.
type OrderType string

const (
	Market OrderType = "MARKET"
	Limit  OrderType = "LIMIT"
	Stop   OrderType = "STOP"
)

// OrderStatus follows PENDING -> SUBMITTED -> {FILLED, PARTIALLY_FILLED,
// CANCELLED, REJECTED}. PARTIALLY_FILLED is live; the other three are final.
type OrderStatus string

const (
	OrderPending         OrderStatus = "PENDING"
	OrderSubmitted       OrderStatus = "SUBMITTED"
	OrderPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	OrderFilled          OrderStatus = "FILLED"
	OrderCancelled       OrderStatus = "CANCELLED"
	OrderRejected        OrderStatus = "REJECTED"
)

// Terminal reports whether the status is final.
func (s OrderStatus) Terminal() bool {
	return s == OrderFilled || s == OrderCancelled || s == OrderRejected
}

// Role tells whether an order or transaction opens or closes a position.
type Role string

const (
	Entry Role = "ENTRY"
	Exit  Role = "EXIT"
)

// Exit reasons recorded on orders and trades.
const (
	ReasonSignal        = "SIGNAL"
	ReasonReversal      = "SIGNAL_REVERSAL"
	ReasonStopLoss      = "STOP_LOSS"
	ReasonTakeProfit    = "TAKE_PROFIT"
	ReasonManual        = "MANUAL_CLOSE"
	ReasonStop          = "OPERATION_STOP"
	ReasonRecoveryClose = "RECOVERY_CLOSE"
	ReasonEmergencyExit = "RECOVERY_EMERGENCY_EXIT"
)

type Order struct {
	ID            string      `json:"id"`
	OperationID   string      `json:"operation_id"`
	BrokerOrderID string      `json:"broker_order_id,omitempty"`
	Asset         string      `json:"asset"`
	Type          OrderType   `json:"type"`
	Action        Action      `json:"action"`
	Role          Role        `json:"role"`
	Reason        string      `json:"reason,omitempty"`
	Quantity      float64     `json:"quantity"`
	Price         float64     `json:"price,omitempty"`
	StopLoss      float64     `json:"stop_loss,omitempty"`
	TakeProfit    float64     `json:"take_profit,omitempty"`
	Status        OrderStatus `json:"status"`

	FilledQuantity float64 `json:"filled_quantity"`
	AvgFillPrice   float64 `json:"avg_fill_price"`
	Commission     float64 `json:"commission"`
	RejectReason   string  `json:"reject_reason,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	FilledAt    *time.Time `json:"filled_at,omitempty"`
	CancelledAt *time.Time `json:"cancelled_at,omitempty"`
}

// Remaining is the unfilled quantity.
func (o *Order) Remaining() float64 {
	r := o.Quantity - o.FilledQuantity
	if r < 0 {
		return 0
	}
	return r
}
