// Package journal is the durable, append-only record of everything an
// operation decides, plus the current state of its orders and positions.
package journal

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

// Action names a journal entry.
type Action string

const (
	OperationCreated Action = "OPERATION_CREATED"
	OperationStarted Action = "OPERATION_STARTED"
	OperationPaused  Action = "OPERATION_PAUSED"
	OperationResumed Action = "OPERATION_RESUMED"
	OperationStopped Action = "OPERATION_STOPPED"
	OperationError   Action = "OPERATION_ERROR"

	SignalReceived Action = "SIGNAL"

	OrderCreated         Action = "ORDER_CREATED"
	OrderSubmitted       Action = "ORDER_SUBMITTED"
	OrderPartiallyFilled Action = "ORDER_PARTIALLY_FILLED"
	OrderFilled          Action = "ORDER_FILLED"
	OrderCancelled       Action = "ORDER_CANCELLED"
	OrderRejected        Action = "ORDER_REJECTED"

	PositionOpened Action = "POSITION_OPENED"
	PositionClosed Action = "POSITION_CLOSED"
	// PositionReduced follows a partial exit.
	PositionReduced Action = "POSITION_REDUCED"
	ProtectiveExit  Action = "PROTECTIVE_EXIT"
	ManualClose     Action = "MANUAL_CLOSE"

	RecoveryStarted       Action = "RECOVERY_STARTED"
	RecoveryClose         Action = "RECOVERY_CLOSE"
	RecoveryEmergencyExit Action = "RECOVERY_EMERGENCY_EXIT"
	RecoveryResume        Action = "RECOVERY_RESUME"
	RecoveryCompleted     Action = "RECOVERY_COMPLETED"
)

var (
	ErrNotFound = errors.New("journal: not found")
	ErrClosed   = errors.New("journal: closed")
)

// Entry is one journaled decision. Seq is per operation, starts at 1 and
// has no gaps.
type Entry struct {
	OperationID string          `json:"operation_id"`
	Seq         uint64          `json:"seq"`
	Action      Action          `json:"action"`
	Payload     json.RawMessage `json:"payload"`
	Time        time.Time       `json:"time"`
	Notes       string          `json:"notes,omitempty"`
}

// Decode unmarshals the payload into v.
func (e Entry) Decode(v any) error {
	if len(e.Payload) == 0 {
		return nil
	}
	return json.Unmarshal(e.Payload, v)
}

// Batch is one atomic write: a journal entry together with the record
// changes it describes. Either all of it is durable or none of it is.
type Batch struct {
	OperationID string
	Action      Action
	Payload     any
	Notes       string
	Time        time.Time
	// Then holds further entries written after the first, with the
	// following sequence numbers, in the same write.
	Then []Note

	Operation    *trading.Operation
	Orders       []trading.Order
	Positions    []trading.Position
	Transactions []trading.Transaction
	Trades       []trading.Trade
}

// Note is a follow-on entry of a Batch.
type Note struct {
	Action  Action
	Payload any
	Notes   string
}

// Store is the persistence boundary of the runtime.
type Store interface {
	// Append writes b atomically and returns the last entry written, with
	// its sequence number assigned.
	Append(ctx context.Context, b Batch) (Entry, error)
	Entries(ctx context.Context, operationID string, afterSeq uint64, limit int) ([]Entry, error)
	LastSeq(ctx context.Context, operationID string) (uint64, error)

	SaveBars(ctx context.Context, operationID string, tf pricing.Timeframe, bars []pricing.Candle) error
	// Bars returns up to limit of the newest bars, oldest first.
	Bars(ctx context.Context, operationID string, tf pricing.Timeframe, limit int) ([]pricing.Candle, error)

	Operation(ctx context.Context, id string) (trading.Operation, error)
	// Operations lists operations, filtered by status when any are given.
	Operations(ctx context.Context, statuses ...trading.OperationStatus) ([]trading.Operation, error)

	Positions(ctx context.Context, operationID string) ([]trading.Position, error)
	OpenPositions(ctx context.Context, operationID string) ([]trading.Position, error)
	Orders(ctx context.Context, operationID string) ([]trading.Order, error)
	OpenOrders(ctx context.Context, operationID string) ([]trading.Order, error)
	Transactions(ctx context.Context, operationID string) ([]trading.Transaction, error)
	Trades(ctx context.Context, operationID string) ([]trading.Trade, error)

	Close() error
}

func encodePayload(v any) (json.RawMessage, error) {
	switch p := v.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// entries renders every entry of b, numbered from first.
func entries(b Batch, first uint64) ([]Entry, error) {
	ts := entryTime(b)
	notes := append([]Note{{Action: b.Action, Payload: b.Payload, Notes: b.Notes}}, b.Then...)
	out := make([]Entry, 0, len(notes))
	for i, n := range notes {
		if n.Action == "" {
			return nil, errors.New("journal: action required")
		}
		payload, err := encodePayload(n.Payload)
		if err != nil {
			return nil, fmt.Errorf("journal: encode %s payload: %w", n.Action, err)
		}
		out = append(out, Entry{
			OperationID: b.OperationID,
			Seq:         first + uint64(i),
			Action:      n.Action,
			Payload:     payload,
			Time:        ts,
			Notes:       n.Notes,
		})
	}
	return out, nil
}

func entryTime(b Batch) time.Time {
	if b.Time.IsZero() {
		return time.Now().UTC()
	}
	return b.Time.UTC()
}
