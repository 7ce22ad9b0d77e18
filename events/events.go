// Package events publishes what operations do (bars, signals, orders and
// status changes) to whoever is listening. Publishing is best effort:
// trading never depends on an event being delivered.
package events

import (
	"context"
	"errors"
	"time"

	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

type Kind string

const (
	BarCompleted Kind = "BAR_COMPLETED"
	SignalKind   Kind = "SIGNAL"
	OrderKind    Kind = "ORDER"
	StatusKind   Kind = "STATUS"
)

type Event struct {
	Kind        Kind                    `json:"kind"`
	OperationID string                  `json:"operation_id"`
	Time        time.Time               `json:"time"`
	Timeframe   pricing.Timeframe       `json:"timeframe,omitempty"`
	Bar         *pricing.Candle         `json:"bar,omitempty"`
	Signal      *trading.Signal         `json:"signal,omitempty"`
	Order       *trading.Order          `json:"order,omitempty"`
	Status      trading.OperationStatus `json:"status,omitempty"`
}

var ErrInvalidEvent = errors.New("events: kind and operation id required")

func (e Event) Validate() error {
	if e.Kind == "" || e.OperationID == "" {
		return ErrInvalidEvent
	}
	return nil
}

// Bus is implemented by every event sink. Publish must not block on slow
// consumers.
type Bus interface {
	Publish(ctx context.Context, evt Event) error
}

// Nop drops every event.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }

// Multi publishes to every bus and joins their errors.
type Multi []Bus

func (m Multi) Publish(ctx context.Context, evt Event) error {
	var errs []error
	for _, b := range m {
		if b == nil {
			continue
		}
		if err := b.Publish(ctx, evt); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
