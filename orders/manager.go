// Package orders turns signals and protective exits into orders and books
// their fills into positions, transactions and trades.
//
// A Manager belongs to one operation and is driven by that operation's
// task goroutine only. Every change is staged on copies, written to the
// journal as one batch, and applied to memory only once the write
// succeeded.
package orders

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/id"
	"github.com/rustyeddy/livetrader/journal"
	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/risk"
	"github.com/rustyeddy/livetrader/trading"
)

// State is where an operation is in its entry/exit cycle.
type State string

const (
	NoPosition     State = "NO_POSITION"
	OrderPending   State = "ORDER_PENDING"
	OrderSubmitted State = "ORDER_SUBMITTED"
	PositionOpen   State = "POSITION_OPEN"
	ExitPending    State = "EXIT_PENDING"
	ExitSubmitted  State = "EXIT_SUBMITTED"
)

const DefaultMaxConsecutiveRejects = 3

// qtyEpsilon absorbs float noise when comparing filled quantities.
const qtyEpsilon = 1e-9

var (
	ErrJournal        = errors.New("journal write failed")
	ErrInvalidState   = errors.New("invalid order state")
	ErrCorruptState   = errors.New("corrupt recovered state")
	ErrNoPosition     = errors.New("no open position")
	ErrTooManyRejects = errors.New("too many consecutive order rejections")
)

type Config struct {
	MaxConsecutiveRejects int
	Log                   *zap.Logger
	// Now stamps records; defaults to the wall clock in UTC.
	Now func() time.Time
}

type Manager struct {
	op    trading.Operation
	store journal.Store
	log   *zap.Logger
	now   func() time.Time

	maxRejects int
	rejects    int

	position *trading.Position
	entryTx  *trading.Transaction
	live     *trading.Order
}

func NewManager(op trading.Operation, store journal.Store, cfg Config) *Manager {
	if cfg.MaxConsecutiveRejects <= 0 {
		cfg.MaxConsecutiveRejects = DefaultMaxConsecutiveRejects
	}
	if cfg.Log == nil {
		cfg.Log = zap.NewNop()
	}
	if cfg.Now == nil {
		cfg.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Manager{
		op:         op,
		store:      store,
		log:        cfg.Log,
		now:        cfg.Now,
		maxRejects: cfg.MaxConsecutiveRejects,
	}
}

// Restore loads the open position, its entry transaction and any live
// order of the operation from the store.
func (m *Manager) Restore(ctx context.Context) error {
	positions, err := m.store.OpenPositions(ctx, m.op.ID)
	if err != nil {
		return fmt.Errorf("load open positions: %w", err)
	}
	if len(positions) > 1 {
		return fmt.Errorf("%w: %d open positions", ErrCorruptState, len(positions))
	}

	var (
		pos     *trading.Position
		entryTx *trading.Transaction
	)
	if len(positions) == 1 {
		p := positions[0]
		pos = &p
		txs, err := m.store.Transactions(ctx, m.op.ID)
		if err != nil {
			return fmt.Errorf("load transactions: %w", err)
		}
		for i := range txs {
			if txs[i].ID == p.EntryTransactionID {
				tx := txs[i]
				entryTx = &tx
				break
			}
		}
		if entryTx == nil {
			return fmt.Errorf("%w: entry transaction %s of position %s missing", ErrCorruptState, p.EntryTransactionID, p.ID)
		}
	}

	open, err := m.store.OpenOrders(ctx, m.op.ID)
	if err != nil {
		return fmt.Errorf("load open orders: %w", err)
	}
	if len(open) > 1 {
		return fmt.Errorf("%w: %d live orders", ErrCorruptState, len(open))
	}
	var live *trading.Order
	if len(open) == 1 {
		o := open[0]
		live = &o
		if pos != nil && o.Action != trading.Closing(pos.Side) {
			return fmt.Errorf("%w: live %s order %s would add to open %s position", ErrCorruptState, o.Action, o.ID, pos.Side)
		}
	}

	m.position, m.entryTx, m.live = pos, entryTx, live
	return nil
}

// Operation returns a copy of the operation record.
func (m *Manager) Operation() trading.Operation { return m.op }

func (m *Manager) State() State {
	switch {
	case m.live == nil && m.position == nil:
		return NoPosition
	case m.live == nil:
		return PositionOpen
	case m.position == nil && m.live.Status == trading.OrderPending:
		return OrderPending
	case m.position == nil:
		return OrderSubmitted
	case m.live.Status == trading.OrderPending:
		return ExitPending
	default:
		return ExitSubmitted
	}
}

// Position returns the open position, if any.
func (m *Manager) Position() (trading.Position, bool) {
	if m.position == nil {
		return trading.Position{}, false
	}
	return *m.position, true
}

// LiveOrder returns the order in flight, if any.
func (m *Manager) LiveOrder() (trading.Order, bool) {
	if m.live == nil {
		return trading.Order{}, false
	}
	return *m.live, true
}

// UpdateMark revalues the open position at price. It is a derived view
// and is not journaled.
func (m *Manager) UpdateMark(price float64) {
	if m.position != nil && price > 0 {
		m.position.Mark(price)
	}
}

func (m *Manager) write(ctx context.Context, b journal.Batch) error {
	b.OperationID = m.op.ID
	if b.Time.IsZero() {
		b.Time = m.now()
	}
	if _, err := m.store.Append(ctx, b); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrJournal, b.Action, err)
	}
	return nil
}

// Record journals an entry that changes no records.
func (m *Manager) Record(ctx context.Context, action journal.Action, payload any, notes string) error {
	return m.write(ctx, journal.Batch{Action: action, Payload: payload, Notes: notes})
}

// SetStatus moves the operation to status and journals it as action.
// lastErr is kept on the record for ERROR.
func (m *Manager) SetStatus(ctx context.Context, status trading.OperationStatus, action journal.Action, notes, lastErr string) error {
	op := m.op
	now := m.now()
	op.Status = status
	op.UpdatedAt = now
	op.LastError = lastErr
	if op.CreatedAt.IsZero() {
		op.CreatedAt = now
	}
	if status == trading.StatusActive && op.StartedAt == nil {
		op.StartedAt = &now
	}
	if status == trading.StatusClosed {
		op.ClosedAt = &now
	}

	payload := map[string]any{"status": status}
	if lastErr != "" {
		payload["error"] = lastErr
	}
	if err := m.write(ctx, journal.Batch{Action: action, Payload: payload, Notes: notes, Time: now, Operation: &op}); err != nil {
		return err
	}
	m.op = op
	return nil
}

type signalPayload struct {
	Signal trading.Signal `json:"signal"`
	State  State          `json:"state"`
}

// OnSignal acts on a strategy signal. It returns the order to submit, or
// nil when the signal is ignored: no pyramiding, and nothing new while an
// order is in flight. A signal against the open position closes it.
//
// price is the reference price for protective levels and sizing; atr is
// the current ATR of the primary timeframe, zero when unknown.
func (m *Manager) OnSignal(ctx context.Context, sig trading.Signal, price, atr float64) (*trading.Order, error) {
	action, ok := sig.Type.Action()
	if !ok {
		return nil, nil
	}
	if sig.Price > 0 {
		price = sig.Price
	}
	state := m.State()
	note := journal.Batch{Action: journal.SignalReceived, Payload: signalPayload{sig, state}}

	switch {
	case m.live != nil:
		note.Notes = fmt.Sprintf("ignored: order %s in flight", m.live.ID)
		return nil, m.write(ctx, note)

	case m.position != nil && action.Opens() == m.position.Side:
		note.Notes = "ignored: position already " + string(m.position.Side)
		return nil, m.write(ctx, note)

	case m.position != nil:
		note.Notes = "reversal: closing " + string(m.position.Side)
		return m.exit(ctx, note, trading.ReasonReversal)
	}

	side := action.Opens()
	prot, err := m.levels(side, price, atr)
	if err != nil {
		return nil, err
	}
	qty := m.op.Quantity
	if qty <= 0 {
		qty = risk.Calculate(risk.Inputs{
			Equity:     m.op.CurrentCapital,
			RiskPct:    m.op.RiskPct,
			EntryPrice: price,
			StopPrice:  prot.StopLoss,
		}).Units
	}
	if qty <= 0 {
		note.Notes = "ignored: position size is zero"
		return nil, m.write(ctx, note)
	}

	o := m.newOrder(trading.Entry, action, qty, trading.ReasonSignal)
	o.StopLoss, o.TakeProfit = prot.StopLoss, prot.TakeProfit
	note.Then = []journal.Note{{Action: journal.OrderCreated, Payload: o}}
	note.Orders = []trading.Order{o}
	if err := m.write(ctx, note); err != nil {
		return nil, err
	}
	m.live = &o
	out := o
	return &out, nil
}

// levels computes the bracket, substituting a fraction of price for ATR
// when none could be computed.
func (m *Manager) levels(side trading.Side, price, atr float64) (risk.Protective, error) {
	if atr <= 0 && risk.NeedsATR(m.op.Risk) {
		atr = price * risk.FallbackATRFraction
		m.log.Warn("ATR not available, using fallback",
			zap.Float64("price", price), zap.Float64("atr", atr))
	}
	p, err := risk.Levels(m.op.Risk, side, price, atr)
	if err != nil {
		return risk.Protective{}, fmt.Errorf("protective levels: %w", err)
	}
	return p, nil
}

func (m *Manager) newOrder(role trading.Role, action trading.Action, qty float64, reason string) trading.Order {
	return trading.Order{
		ID:          id.New(),
		OperationID: m.op.ID,
		Asset:       m.op.Asset,
		Type:        trading.Market,
		Action:      action,
		Role:        role,
		Reason:      reason,
		Quantity:    qty,
		Status:      trading.OrderPending,
		CreatedAt:   m.now(),
	}
}

// exit stages a market order flattening the open position, journaled
// together with why.
func (m *Manager) exit(ctx context.Context, why journal.Batch, reason string) (*trading.Order, error) {
	pos := m.position
	o := m.newOrder(trading.Exit, trading.Closing(pos.Side), pos.Quantity, reason)
	why.Then = append(why.Then, journal.Note{Action: journal.OrderCreated, Payload: o})
	why.Orders = append(why.Orders, o)
	if err := m.write(ctx, why); err != nil {
		return nil, err
	}
	m.live = &o
	out := o
	return &out, nil
}

// Close flattens the open position. It returns nil without writing when
// an exit is already in flight, and ErrNoPosition when there is nothing to
// close.
func (m *Manager) Close(ctx context.Context, action journal.Action, reason, notes string) (*trading.Order, error) {
	if m.position == nil {
		return nil, ErrNoPosition
	}
	if m.live != nil {
		if m.live.Role == trading.Exit || m.live.Action == trading.Closing(m.position.Side) {
			return nil, nil
		}
		return nil, fmt.Errorf("%w: %s order %s in flight", ErrInvalidState, m.live.Role, m.live.ID)
	}
	return m.exit(ctx, journal.Batch{
		Action:  action,
		Payload: map[string]any{"position_id": m.position.ID, "reason": reason},
		Notes:   notes,
	}, reason)
}

type protectivePayload struct {
	PositionID string  `json:"position_id"`
	Reason     string  `json:"reason"`
	Level      float64 `json:"level"`
	High       float64 `json:"high"`
	Low        float64 `json:"low"`
}

// CheckBar closes the open position when bar reached its stop-loss or
// take-profit. The stop wins when both were reached.
func (m *Manager) CheckBar(ctx context.Context, bar pricing.Candle) (*trading.Order, error) {
	if m.position == nil || m.live != nil {
		return nil, nil
	}
	prot := risk.Protective{StopLoss: m.position.StopLoss, TakeProfit: m.position.TakeProfit}
	reason, level, hit := risk.CheckBar(m.position.Side, prot, bar)
	if !hit {
		return nil, nil
	}
	return m.exit(ctx, journal.Batch{
		Action: journal.ProtectiveExit,
		Payload: protectivePayload{
			PositionID: m.position.ID, Reason: reason, Level: level, High: bar.High, Low: bar.Low,
		},
	}, reason)
}

// CheckPrice is CheckBar for a single price.
func (m *Manager) CheckPrice(ctx context.Context, price float64) (*trading.Order, error) {
	if price <= 0 {
		return nil, nil
	}
	return m.CheckBar(ctx, pricing.Candle{High: price, Low: price})
}

// MarkSubmitted records that the broker accepted the order.
func (m *Manager) MarkSubmitted(ctx context.Context, orderID, brokerID string) error {
	if m.live == nil || m.live.ID != orderID {
		return nil
	}
	o := *m.live
	o.BrokerOrderID = brokerID
	if o.Status != trading.OrderPending {
		// A fill already moved it on; only the id is new.
		if err := m.write(ctx, journal.Batch{Action: journal.OrderSubmitted, Payload: o, Orders: []trading.Order{o}}); err != nil {
			return err
		}
		*m.live = o
		return nil
	}
	now := m.now()
	o.Status = trading.OrderSubmitted
	o.SubmittedAt = &now
	if err := m.write(ctx, journal.Batch{Action: journal.OrderSubmitted, Payload: o, Time: now, Orders: []trading.Order{o}}); err != nil {
		return err
	}
	*m.live = o
	return nil
}

// MarkSubmitFailed rejects an order the broker refused outright.
func (m *Manager) MarkSubmitFailed(ctx context.Context, orderID string, cause error) error {
	if m.live == nil || m.live.ID != orderID {
		return nil
	}
	reason := "submit failed"
	if cause != nil {
		reason = cause.Error()
	}
	return m.reject(ctx, *m.live, reason, m.now())
}

func (m *Manager) reject(ctx context.Context, o trading.Order, reason string, ts time.Time) error {
	o.Status = trading.OrderRejected
	o.RejectReason = reason
	if err := m.write(ctx, journal.Batch{
		Action:  journal.OrderRejected,
		Payload: o,
		Notes:   reason,
		Time:    ts,
		Orders:  []trading.Order{o},
	}); err != nil {
		return err
	}
	m.live = nil
	m.rejects++
	m.log.Warn("order rejected",
		zap.String("order_id", o.ID),
		zap.String("reason", reason),
		zap.Int("consecutive", m.rejects))
	if m.rejects >= m.maxRejects {
		return fmt.Errorf("%w: %d in a row", ErrTooManyRejects, m.rejects)
	}
	return nil
}

// OnOrderUpdate applies a broker report to the live order. Reports for
// unknown or finished orders are ignored.
func (m *Manager) OnOrderUpdate(ctx context.Context, u broker.OrderUpdate) error {
	if m.live == nil || (m.live.ID != u.ClientOrderID && (u.BrokerOrderID == "" || m.live.BrokerOrderID != u.BrokerOrderID)) {
		m.log.Debug("update for unknown order",
			zap.String("client_order_id", u.ClientOrderID),
			zap.String("status", string(u.Status)))
		return nil
	}
	ts := u.Time
	if ts.IsZero() {
		ts = m.now()
	}
	o := *m.live
	if o.BrokerOrderID == "" {
		o.BrokerOrderID = u.BrokerOrderID
	}

	switch u.Status {
	case trading.OrderSubmitted:
		return m.MarkSubmitted(ctx, o.ID, o.BrokerOrderID)

	case trading.OrderPartiallyFilled, trading.OrderFilled:
		qty := u.Quantity
		if qty <= 0 && u.Status == trading.OrderFilled {
			qty = o.Remaining()
		}
		applyFill(&o, qty, u.Price, u.Commission)
		if u.Status == trading.OrderFilled || o.Remaining() <= qtyEpsilon {
			o.Status = trading.OrderFilled
			o.FilledAt = &ts
			return m.book(ctx, o, journal.OrderFilled, ts)
		}
		o.Status = trading.OrderPartiallyFilled
		if err := m.write(ctx, journal.Batch{Action: journal.OrderPartiallyFilled, Payload: o, Time: ts, Orders: []trading.Order{o}}); err != nil {
			return err
		}
		*m.live = o
		return nil

	case trading.OrderCancelled:
		o.Status = trading.OrderCancelled
		o.CancelledAt = &ts
		if o.FilledQuantity > qtyEpsilon {
			return m.book(ctx, o, journal.OrderCancelled, ts)
		}
		if err := m.write(ctx, journal.Batch{Action: journal.OrderCancelled, Payload: o, Notes: u.Reason, Time: ts, Orders: []trading.Order{o}}); err != nil {
			return err
		}
		m.live = nil
		return nil

	case trading.OrderRejected:
		return m.reject(ctx, o, u.Reason, ts)
	}
	return fmt.Errorf("%w: update status %q", ErrInvalidState, u.Status)
}

// applyFill adds one fill to the order's running totals.
func applyFill(o *trading.Order, qty, price, commission float64) {
	if rem := o.Remaining(); qty > rem {
		qty = rem
	}
	if qty <= 0 {
		return
	}
	filled := decimal.NewFromFloat(o.FilledQuantity)
	q := decimal.NewFromFloat(qty)
	total := filled.Add(q)
	avg := decimal.NewFromFloat(o.AvgFillPrice).Mul(filled).
		Add(decimal.NewFromFloat(price).Mul(q)).
		Div(total)
	o.FilledQuantity = total.InexactFloat64()
	o.AvgFillPrice = avg.InexactFloat64()
	o.Commission = trading.Sum(o.Commission, commission)
}

// book turns the filled quantity of o into a position change. Whether it
// opens or closes is decided by the position, not by the order's role.
func (m *Manager) book(ctx context.Context, o trading.Order, action journal.Action, ts time.Time) error {
	if m.position == nil {
		return m.open(ctx, o, action, ts)
	}
	if o.Action != trading.Closing(m.position.Side) {
		return fmt.Errorf("%w: %s fill of order %s on open %s position", ErrInvalidState, o.Action, o.ID, m.position.Side)
	}
	return m.close(ctx, o, action, ts)
}

func (m *Manager) open(ctx context.Context, o trading.Order, action journal.Action, ts time.Time) error {
	side := o.Action.Opens()
	tx := trading.Transaction{
		ID:           id.New(),
		OperationID:  m.op.ID,
		OrderID:      o.ID,
		Action:       o.Action,
		Role:         trading.Entry,
		PositionSide: side,
		Price:        o.AvgFillPrice,
		Quantity:     o.FilledQuantity,
		Commission:   o.Commission,
		ExecutedAt:   ts,
	}
	pos := trading.Position{
		ID:                 id.New(),
		OperationID:        m.op.ID,
		Asset:              m.op.Asset,
		Side:               side,
		Quantity:           o.FilledQuantity,
		EntryPrice:         o.AvgFillPrice,
		StopLoss:           o.StopLoss,
		TakeProfit:         o.TakeProfit,
		EntryTransactionID: tx.ID,
		OpenedAt:           ts,
	}
	pos.Mark(o.AvgFillPrice)
	tx.PositionID = pos.ID

	if err := m.write(ctx, journal.Batch{
		Action:       action,
		Payload:      o,
		Time:         ts,
		Then:         []journal.Note{{Action: journal.PositionOpened, Payload: pos}},
		Orders:       []trading.Order{o},
		Positions:    []trading.Position{pos},
		Transactions: []trading.Transaction{tx},
	}); err != nil {
		return err
	}
	m.position, m.entryTx, m.live = &pos, &tx, nil
	m.rejects = 0
	m.log.Info("position opened",
		zap.String("position_id", pos.ID),
		zap.String("side", string(pos.Side)),
		zap.Float64("quantity", pos.Quantity),
		zap.Float64("entry_price", pos.EntryPrice),
		zap.Float64("stop_loss", pos.StopLoss),
		zap.Float64("take_profit", pos.TakeProfit))
	return nil
}

func (m *Manager) close(ctx context.Context, o trading.Order, action journal.Action, ts time.Time) error {
	pos := *m.position
	entry := *m.entryTx
	qty := math.Min(o.FilledQuantity, pos.Quantity)
	profit := trading.Profit(pos.Side, pos.EntryPrice, o.AvgFillPrice, qty)
	profitPct := trading.ProfitPct(profit, pos.EntryPrice, qty)

	tx := trading.Transaction{
		ID:                 id.New(),
		OperationID:        m.op.ID,
		OrderID:            o.ID,
		PositionID:         pos.ID,
		Action:             o.Action,
		Role:               trading.Exit,
		PositionSide:       pos.Side,
		Price:              o.AvgFillPrice,
		Quantity:           qty,
		Commission:         o.Commission,
		Profit:             profit,
		ProfitPct:          profitPct,
		EntryTransactionID: entry.ID,
		ExecutedAt:         ts,
	}

	entryCommission := 0.0
	if entry.Quantity > 0 {
		entryCommission = decimal.NewFromFloat(entry.Commission).
			Mul(decimal.NewFromFloat(qty)).
			Div(decimal.NewFromFloat(entry.Quantity)).InexactFloat64()
	}
	commission := trading.Sum(entryCommission, tx.Commission)
	trade := trading.Trade{
		ID:                 id.New(),
		OperationID:        m.op.ID,
		Asset:              pos.Asset,
		Side:               pos.Side,
		EntryTransactionID: entry.ID,
		ExitTransactionID:  tx.ID,
		EntryPrice:         pos.EntryPrice,
		ExitPrice:          o.AvgFillPrice,
		Quantity:           qty,
		PnL:                profit,
		PnLPct:             profitPct,
		TotalCommission:    commission,
		EntryTime:          pos.OpenedAt,
		ExitTime:           ts,
		Duration:           ts.Sub(pos.OpenedAt),
		Reason:             o.Reason,
	}

	op := m.op
	op.TotalPnL = trading.Sum(op.TotalPnL, profit, -commission)
	op.CurrentCapital = trading.Sum(op.InitialCapital, op.TotalPnL)
	if op.InitialCapital > 0 {
		op.TotalPnLPct = decimal.NewFromFloat(op.TotalPnL).
			Div(decimal.NewFromFloat(op.InitialCapital)).
			Mul(decimal.NewFromInt(100)).InexactFloat64()
	}
	op.UpdatedAt = ts

	remaining := trading.Sum(pos.Quantity, -qty)
	then := journal.PositionClosed
	if remaining > qtyEpsilon {
		pos.Quantity = remaining
		pos.Mark(o.AvgFillPrice)
		then = journal.PositionReduced
	} else {
		pos.ClosedAt = &ts
		pos.CurrentPrice = o.AvgFillPrice
		pos.UnrealizedPnL, pos.UnrealizedPnLPct = 0, 0
	}

	if err := m.write(ctx, journal.Batch{
		Action:       action,
		Payload:      o,
		Time:         ts,
		Then:         []journal.Note{{Action: then, Payload: trade}},
		Operation:    &op,
		Orders:       []trading.Order{o},
		Positions:    []trading.Position{pos},
		Transactions: []trading.Transaction{tx},
		Trades:       []trading.Trade{trade},
	}); err != nil {
		return err
	}

	m.op, m.live = op, nil
	m.rejects = 0
	if pos.Open() {
		m.position = &pos
	} else {
		m.position, m.entryTx = nil, nil
	}
	m.log.Info("position closed",
		zap.String("position_id", pos.ID),
		zap.String("reason", o.Reason),
		zap.Float64("quantity", qty),
		zap.Float64("exit_price", o.AvgFillPrice),
		zap.Float64("pnl", profit),
		zap.Float64("capital", op.CurrentCapital))
	return nil
}
