// Package broker defines what the runtime needs from a market-data and
// order-execution venue.
package broker

import (
	"context"
	"errors"
	"time"

	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

// TickHandler receives every tick of a subscription. It is called on a
// broker goroutine and must not block.
type TickHandler func(pricing.Tick)

// OrderHandler receives the status changes of one submitted order. It is
// called on a broker goroutine and must not block.
type OrderHandler func(OrderUpdate)

// Subscription is a live tick stream.
type Subscription interface {
	Unsubscribe()
}

type Broker interface {
	SubscribeTicks(ctx context.Context, asset string, fn TickHandler) (Subscription, error)
	// SubmitOrder sends req and returns the broker's order id. Fills,
	// rejections and cancellations arrive through fn, possibly before
	// SubmitOrder returns.
	SubmitOrder(ctx context.Context, req OrderRequest, fn OrderHandler) (string, error)
	// FetchHistoricalBars returns up to count completed bars, oldest first.
	FetchHistoricalBars(ctx context.Context, asset string, tf pricing.Timeframe, count int) ([]pricing.Candle, error)
}

type OrderRequest struct {
	ClientOrderID string
	Asset         string
	Type          trading.OrderType
	Action        trading.Action
	Quantity      float64
	// Price is the limit or stop trigger; unused for market orders.
	Price float64
}

// OrderUpdate reports one change of a submitted order. For fills, Quantity
// and Price describe this fill only.
type OrderUpdate struct {
	ClientOrderID string
	BrokerOrderID string
	Status        trading.OrderStatus
	Quantity      float64
	Price         float64
	Commission    float64
	Reason        string
	Time          time.Time
}

var (
	ErrUnknownAsset  = errors.New("broker: unknown asset")
	ErrInvalidOrder  = errors.New("broker: invalid order")
	ErrNotConnected  = errors.New("broker: not connected")
	ErrNoMarketPrice = errors.New("broker: no market price")
)

type transientError struct {
	err error
}

func (e *transientError) Error() string { return e.err.Error() }
func (e *transientError) Unwrap() error { return e.err }

// Transient marks err as retryable: timeouts, dropped connections, rate
// limits. A nil err stays nil.
func Transient(err error) error {
	if err == nil {
		return nil
	}
	return &transientError{err: err}
}

// IsTransient reports whether err, or anything it wraps, was marked with
// Transient. Context deadline errors count as transient.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	var te *transientError
	if errors.As(err, &te) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded) || errors.Is(err, ErrNotConnected)
}

// Validate checks the fields every broker needs.
func (r OrderRequest) Validate() error {
	switch {
	case r.Asset == "":
		return errors.Join(ErrInvalidOrder, errors.New("asset required"))
	case r.Quantity <= 0:
		return errors.Join(ErrInvalidOrder, errors.New("quantity must be positive"))
	case r.Action != trading.Buy && r.Action != trading.Sell:
		return errors.Join(ErrInvalidOrder, errors.New("action must be BUY or SELL"))
	}
	switch r.Type {
	case trading.Market:
	case trading.Limit, trading.Stop:
		if r.Price <= 0 {
			return errors.Join(ErrInvalidOrder, errors.New("price required for limit and stop orders"))
		}
	default:
		return errors.Join(ErrInvalidOrder, errors.New("unknown order type"))
	}
	return nil
}
