package orders

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/journal"
	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

func testOperation() trading.Operation {
	op := trading.Operation{
		ID:         "op-1",
		Asset:      "EUR_USD",
		Strategy:   "noop",
		Timeframes: []pricing.Timeframe{pricing.M1},
		Quantity:   100,
		Risk: trading.RiskConfig{
			StopLossType:    trading.StopLossFixed,
			StopLossValue:   0.01,
			TakeProfitType:  trading.TakeProfitRiskReward,
			TakeProfitValue: 2,
		},
		Status: trading.StatusActive,
	}
	op.ApplyDefaults()
	return op
}

func newManager(t *testing.T, op trading.Operation, store journal.Store) *Manager {
	t.Helper()
	clock := t0
	return NewManager(op, store, Config{
		Log: zaptest.NewLogger(t),
		Now: func() time.Time {
			clock = clock.Add(time.Second)
			return clock
		},
	})
}

func fill(o *trading.Order, price float64, at time.Time) broker.OrderUpdate {
	return broker.OrderUpdate{
		ClientOrderID: o.ID,
		BrokerOrderID: "B-" + o.ID,
		Status:        trading.OrderFilled,
		Quantity:      o.Quantity,
		Price:         price,
		Time:          at,
	}
}

func actions(t *testing.T, s journal.Store, op string) []journal.Action {
	t.Helper()
	es, err := s.Entries(context.Background(), op, 0, 0)
	require.NoError(t, err)
	out := make([]journal.Action, len(es))
	for i, e := range es {
		out[i] = e.Action
	}
	return out
}

// openLong drives a BUY signal through submission and fill.
func openLong(t *testing.T, m *Manager, price float64) trading.Position {
	t.Helper()
	ctx := context.Background()
	o, err := m.OnSignal(ctx, trading.BuySignal(price, "test"), price, 0)
	require.NoError(t, err)
	require.NotNil(t, o)
	require.NoError(t, m.MarkSubmitted(ctx, o.ID, "B-"+o.ID))
	require.NoError(t, m.OnOrderUpdate(ctx, fill(o, price, t0.Add(time.Minute))))
	pos, ok := m.Position()
	require.True(t, ok)
	return pos
}

func TestEntryLifecycle(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	m := newManager(t, testOperation(), store)
	ctx := context.Background()
	assert.Equal(t, NoPosition, m.State())

	o, err := m.OnSignal(ctx, trading.BuySignal(0, "cross"), 1.10, 0)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, OrderPending, m.State())
	assert.Equal(t, trading.Buy, o.Action)
	assert.Equal(t, trading.Entry, o.Role)
	assert.Equal(t, 100.0, o.Quantity)
	assert.InDelta(t, 1.09, o.StopLoss, 1e-9)
	assert.InDelta(t, 1.12, o.TakeProfit, 1e-9)

	require.NoError(t, m.MarkSubmitted(ctx, o.ID, "B-1"))
	assert.Equal(t, OrderSubmitted, m.State())
	live, ok := m.LiveOrder()
	require.True(t, ok)
	assert.Equal(t, "B-1", live.BrokerOrderID)

	require.NoError(t, m.OnOrderUpdate(ctx, fill(o, 1.1002, t0.Add(time.Minute))))
	assert.Equal(t, PositionOpen, m.State())

	pos, ok := m.Position()
	require.True(t, ok)
	assert.Equal(t, trading.Long, pos.Side)
	assert.Equal(t, 100.0, pos.Quantity)
	assert.Equal(t, 1.1002, pos.EntryPrice)
	assert.True(t, t0.Add(time.Minute).Equal(pos.OpenedAt))

	assert.Equal(t, []journal.Action{
		journal.SignalReceived, journal.OrderCreated, journal.OrderSubmitted,
		journal.OrderFilled, journal.PositionOpened,
	}, actions(t, store, "op-1"))

	txs, err := store.Transactions(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, txs, 1)
	assert.Equal(t, trading.Entry, txs[0].Role)
	assert.Equal(t, pos.EntryTransactionID, txs[0].ID)
	assert.Equal(t, 0.0, txs[0].Profit)
}

func TestNoPyramiding(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	m := newManager(t, testOperation(), store)
	ctx := context.Background()

	o, err := m.OnSignal(ctx, trading.BuySignal(1.1, ""), 1.1, 0)
	require.NoError(t, err)
	require.NotNil(t, o)

	again, err := m.OnSignal(ctx, trading.BuySignal(1.1, ""), 1.1, 0)
	require.NoError(t, err)
	assert.Nil(t, again, "order in flight")

	require.NoError(t, m.OnOrderUpdate(ctx, fill(o, 1.1, t0)))
	again, err = m.OnSignal(ctx, trading.BuySignal(1.1, ""), 1.1, 0)
	require.NoError(t, err)
	assert.Nil(t, again, "same-direction position open")

	none, err := m.OnSignal(ctx, trading.None, 1.1, 0)
	require.NoError(t, err)
	assert.Nil(t, none)

	positions, err := store.Positions(ctx, "op-1")
	require.NoError(t, err)
	assert.Len(t, positions, 1)

	es, err := store.Entries(ctx, "op-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, "ignored: position already LONG", es[len(es)-1].Notes)
}

func TestReversalClosesLongWithProfit(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	m := newManager(t, testOperation(), store)
	ctx := context.Background()
	openLong(t, m, 1.10)

	exit, err := m.OnSignal(ctx, trading.SellSignal(1.11, ""), 1.11, 0)
	require.NoError(t, err)
	require.NotNil(t, exit)
	assert.Equal(t, trading.Sell, exit.Action)
	assert.Equal(t, trading.Exit, exit.Role)
	assert.Equal(t, trading.ReasonReversal, exit.Reason)
	assert.Equal(t, 100.0, exit.Quantity)
	assert.Equal(t, ExitPending, m.State())

	require.NoError(t, m.MarkSubmitted(ctx, exit.ID, "B-x"))
	assert.Equal(t, ExitSubmitted, m.State())
	require.NoError(t, m.OnOrderUpdate(ctx, fill(exit, 1.11, t0.Add(time.Hour))))
	assert.Equal(t, NoPosition, m.State())

	trades, err := store.Trades(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	tr := trades[0]
	assert.InDelta(t, 1.0, tr.PnL, 1e-9)
	assert.InDelta(t, 1.0/110.0*100, tr.PnLPct, 1e-9)
	assert.Equal(t, trading.ReasonReversal, tr.Reason)
	assert.Equal(t, 59*time.Minute, tr.Duration)

	op := m.Operation()
	assert.InDelta(t, 10001.0, op.CurrentCapital, 1e-9)
	assert.InDelta(t, 1.0, op.TotalPnL, 1e-9)
	assert.InDelta(t, 0.01, op.TotalPnLPct, 1e-9)

	stored, err := store.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.InDelta(t, 10001.0, stored.CurrentCapital, 1e-9)

	open, err := store.OpenPositions(ctx, "op-1")
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestShortProfit(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	m := newManager(t, testOperation(), store)
	ctx := context.Background()

	o, err := m.OnSignal(ctx, trading.SellSignal(1.10, ""), 1.10, 0)
	require.NoError(t, err)
	assert.InDelta(t, 1.11, o.StopLoss, 1e-9)
	assert.InDelta(t, 1.08, o.TakeProfit, 1e-9)
	require.NoError(t, m.OnOrderUpdate(ctx, fill(o, 1.10, t0)))

	pos, _ := m.Position()
	assert.Equal(t, trading.Short, pos.Side)

	exit, err := m.Close(ctx, journal.ManualClose, trading.ReasonManual, "")
	require.NoError(t, err)
	assert.Equal(t, trading.Buy, exit.Action)
	require.NoError(t, m.OnOrderUpdate(ctx, fill(exit, 1.08, t0.Add(time.Minute))))

	trades, err := store.Trades(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 2.0, trades[0].PnL, 1e-9)

	txs, err := store.Transactions(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, trading.Exit, txs[1].Role)
	assert.Equal(t, txs[0].ID, txs[1].EntryTransactionID)
	assert.InDelta(t, 2.0, txs[1].Profit, 1e-9)
}

func TestProtectiveExitStopFirst(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	m := newManager(t, testOperation(), store)
	ctx := context.Background()
	openLong(t, m, 1.10)

	o, err := m.CheckBar(ctx, pricing.Candle{High: 1.105, Low: 1.095})
	require.NoError(t, err)
	assert.Nil(t, o)

	o, err = m.CheckBar(ctx, pricing.Candle{High: 1.13, Low: 1.08})
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, trading.ReasonStopLoss, o.Reason)

	again, err := m.CheckPrice(ctx, 1.0)
	require.NoError(t, err)
	assert.Nil(t, again, "exit already in flight")

	as := actions(t, store, "op-1")
	assert.Equal(t, []journal.Action{journal.ProtectiveExit, journal.OrderCreated}, as[len(as)-2:])
}

func TestTakeProfitOnPrice(t *testing.T) {
	t.Parallel()

	m := newManager(t, testOperation(), journal.NewMemory())
	openLong(t, m, 1.10)

	o, err := m.CheckPrice(context.Background(), 1.125)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.Equal(t, trading.ReasonTakeProfit, o.Reason)
}

func TestConsecutiveRejects(t *testing.T) {
	t.Parallel()

	m := newManager(t, testOperation(), journal.NewMemory())
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		o, err := m.OnSignal(ctx, trading.BuySignal(1.1, ""), 1.1, 0)
		require.NoError(t, err)
		require.NotNil(t, o)
		err = m.MarkSubmitFailed(ctx, o.ID, errors.New("insufficient margin"))
		if i < 3 {
			require.NoError(t, err)
			assert.Equal(t, NoPosition, m.State())
			continue
		}
		assert.ErrorIs(t, err, ErrTooManyRejects)
	}
}

func TestRejectionCounterResetsOnFill(t *testing.T) {
	t.Parallel()

	m := newManager(t, testOperation(), journal.NewMemory())
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		o, err := m.OnSignal(ctx, trading.BuySignal(1.1, ""), 1.1, 0)
		require.NoError(t, err)
		require.NoError(t, m.OnOrderUpdate(ctx, broker.OrderUpdate{ClientOrderID: o.ID, Status: trading.OrderRejected, Reason: "no"}))
	}
	openLong(t, m, 1.1)
	exit, err := m.Close(ctx, journal.ManualClose, trading.ReasonManual, "")
	require.NoError(t, err)
	require.NoError(t, m.OnOrderUpdate(ctx, broker.OrderUpdate{ClientOrderID: exit.ID, Status: trading.OrderRejected}))
	assert.Equal(t, PositionOpen, m.State(), "rejected exit keeps the position")
}

func TestFailedJournalWriteLeavesStateUnchanged(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	m := newManager(t, testOperation(), store)
	ctx := context.Background()

	store.FailAppends(errors.New("disk full"))
	o, err := m.OnSignal(ctx, trading.BuySignal(1.1, ""), 1.1, 0)
	assert.ErrorIs(t, err, ErrJournal)
	assert.Nil(t, o)
	assert.Equal(t, NoPosition, m.State())

	store.FailAppends(nil)
	o, err = m.OnSignal(ctx, trading.BuySignal(1.1, ""), 1.1, 0)
	require.NoError(t, err)

	store.FailAppends(errors.New("disk full"))
	err = m.OnOrderUpdate(ctx, fill(o, 1.1, t0))
	assert.ErrorIs(t, err, ErrJournal)
	assert.Equal(t, OrderPending, m.State())
	_, open := m.Position()
	assert.False(t, open)
	live, _ := m.LiveOrder()
	assert.Equal(t, 0.0, live.FilledQuantity)
}

func TestPartialFills(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	m := newManager(t, testOperation(), store)
	ctx := context.Background()

	o, err := m.OnSignal(ctx, trading.BuySignal(1.1, ""), 1.1, 0)
	require.NoError(t, err)
	require.NoError(t, m.MarkSubmitted(ctx, o.ID, "B"))

	require.NoError(t, m.OnOrderUpdate(ctx, broker.OrderUpdate{ClientOrderID: o.ID, Status: trading.OrderPartiallyFilled, Quantity: 40, Price: 1.10, Commission: 0.04}))
	assert.Equal(t, OrderSubmitted, m.State())
	live, _ := m.LiveOrder()
	assert.Equal(t, trading.OrderPartiallyFilled, live.Status)
	assert.Equal(t, 40.0, live.FilledQuantity)

	require.NoError(t, m.OnOrderUpdate(ctx, broker.OrderUpdate{ClientOrderID: o.ID, Status: trading.OrderFilled, Quantity: 60, Price: 1.20, Commission: 0.06}))
	pos, ok := m.Position()
	require.True(t, ok)
	assert.Equal(t, 100.0, pos.Quantity)
	assert.InDelta(t, 1.16, pos.EntryPrice, 1e-9)

	orders, err := store.Orders(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.InDelta(t, 0.1, orders[0].Commission, 1e-9)
	assert.Equal(t, trading.OrderFilled, orders[0].Status)
}

func TestCancelAfterPartialBooksFilledPortion(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	m := newManager(t, testOperation(), store)
	ctx := context.Background()

	o, err := m.OnSignal(ctx, trading.BuySignal(1.1, ""), 1.1, 0)
	require.NoError(t, err)
	require.NoError(t, m.OnOrderUpdate(ctx, broker.OrderUpdate{ClientOrderID: o.ID, Status: trading.OrderPartiallyFilled, Quantity: 30, Price: 1.1}))
	require.NoError(t, m.OnOrderUpdate(ctx, broker.OrderUpdate{ClientOrderID: o.ID, Status: trading.OrderCancelled}))

	pos, ok := m.Position()
	require.True(t, ok)
	assert.Equal(t, 30.0, pos.Quantity)

	exit, err := m.Close(ctx, journal.ManualClose, trading.ReasonManual, "")
	require.NoError(t, err)
	assert.Equal(t, 30.0, exit.Quantity)

	// Half of the exit fills, then the rest is cancelled.
	require.NoError(t, m.OnOrderUpdate(ctx, broker.OrderUpdate{ClientOrderID: exit.ID, Status: trading.OrderPartiallyFilled, Quantity: 10, Price: 1.2}))
	require.NoError(t, m.OnOrderUpdate(ctx, broker.OrderUpdate{ClientOrderID: exit.ID, Status: trading.OrderCancelled}))
	pos, ok = m.Position()
	require.True(t, ok)
	assert.InDelta(t, 20.0, pos.Quantity, 1e-9)
	assert.Equal(t, PositionOpen, m.State())

	trades, err := store.Trades(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.InDelta(t, 1.0, trades[0].PnL, 1e-9)

	as := actions(t, store, "op-1")
	assert.Equal(t, journal.PositionReduced, as[len(as)-1])

	_, err = m.OnSignal(ctx, trading.None, 0, 0)
	require.NoError(t, err)
}

func TestCancelWithoutFill(t *testing.T) {
	t.Parallel()

	m := newManager(t, testOperation(), journal.NewMemory())
	ctx := context.Background()
	o, err := m.OnSignal(ctx, trading.BuySignal(1.1, ""), 1.1, 0)
	require.NoError(t, err)
	require.NoError(t, m.OnOrderUpdate(ctx, broker.OrderUpdate{ClientOrderID: o.ID, Status: trading.OrderCancelled}))
	assert.Equal(t, NoPosition, m.State())

	// Late reports for a finished order are ignored.
	require.NoError(t, m.OnOrderUpdate(ctx, fill(o, 1.1, t0)))
	assert.Equal(t, NoPosition, m.State())
}

func TestCommissionReducesCapital(t *testing.T) {
	t.Parallel()

	m := newManager(t, testOperation(), journal.NewMemory())
	ctx := context.Background()

	o, err := m.OnSignal(ctx, trading.BuySignal(1.1, ""), 1.1, 0)
	require.NoError(t, err)
	u := fill(o, 1.1, t0)
	u.Commission = 0.1
	require.NoError(t, m.OnOrderUpdate(ctx, u))

	exit, err := m.Close(ctx, journal.ManualClose, trading.ReasonManual, "")
	require.NoError(t, err)
	u = fill(exit, 1.1, t0.Add(time.Minute))
	u.Commission = 0.1
	require.NoError(t, m.OnOrderUpdate(ctx, u))

	op := m.Operation()
	assert.InDelta(t, 9999.8, op.CurrentCapital, 1e-9)
	assert.InDelta(t, -0.2, op.TotalPnL, 1e-9)
}

func TestRiskSizedQuantity(t *testing.T) {
	t.Parallel()

	op := testOperation()
	op.Quantity = 0
	op.RiskPct = 0.01
	m := newManager(t, op, journal.NewMemory())

	// 1% of 10000 = 100 at risk over a 0.01 stop distance.
	o, err := m.OnSignal(context.Background(), trading.BuySignal(1.1, ""), 1.1, 0)
	require.NoError(t, err)
	require.NotNil(t, o)
	assert.InDelta(t, 10000.0, o.Quantity, 1)
}

func TestATRFallback(t *testing.T) {
	t.Parallel()

	op := testOperation()
	op.Risk = trading.RiskConfig{
		StopLossType: trading.StopLossATR, StopLossValue: 2,
		TakeProfitType: trading.TakeProfitRiskReward, TakeProfitValue: 1,
	}
	m := newManager(t, op, journal.NewMemory())

	o, err := m.OnSignal(context.Background(), trading.BuySignal(100, ""), 100, 0)
	require.NoError(t, err)
	assert.InDelta(t, 99.8, o.StopLoss, 1e-9)
	assert.InDelta(t, 100.2, o.TakeProfit, 1e-9)
}

func TestRestore(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	ctx := context.Background()
	first := newManager(t, testOperation(), store)
	openLong(t, first, 1.10)
	exit, err := first.Close(ctx, journal.ManualClose, trading.ReasonManual, "")
	require.NoError(t, err)
	require.NotNil(t, exit)

	m := newManager(t, testOperation(), store)
	require.NoError(t, m.Restore(ctx))
	assert.Equal(t, ExitPending, m.State())

	again, err := m.Close(ctx, journal.RecoveryClose, trading.ReasonRecoveryClose, "")
	require.NoError(t, err)
	assert.Nil(t, again, "pending exit is not duplicated")

	require.NoError(t, m.OnOrderUpdate(ctx, fill(exit, 1.12, t0.Add(time.Hour))))
	assert.Equal(t, NoPosition, m.State())

	fresh := newManager(t, testOperation(), store)
	require.NoError(t, fresh.Restore(ctx))
	assert.Equal(t, NoPosition, fresh.State())
	_, err = fresh.Close(ctx, journal.RecoveryClose, trading.ReasonRecoveryClose, "")
	assert.ErrorIs(t, err, ErrNoPosition)
}

func TestRestoreRejectsTwoOpenPositions(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	ctx := context.Background()
	for _, id := range []string{"p-1", "p-2"} {
		_, err := store.Append(ctx, journal.Batch{
			OperationID: "op-1",
			Action:      journal.PositionOpened,
			Positions:   []trading.Position{{ID: id, OperationID: "op-1", Side: trading.Long, Quantity: 1, OpenedAt: t0}},
		})
		require.NoError(t, err)
	}
	m := newManager(t, testOperation(), store)
	assert.ErrorIs(t, m.Restore(ctx), ErrCorruptState)
}

func TestSetStatus(t *testing.T) {
	t.Parallel()

	store := journal.NewMemory()
	m := newManager(t, testOperation(), store)
	ctx := context.Background()

	require.NoError(t, m.SetStatus(ctx, trading.StatusActive, journal.OperationStarted, "", ""))
	op := m.Operation()
	require.NotNil(t, op.StartedAt)

	store.FailAppends(errors.New("io"))
	err := m.SetStatus(ctx, trading.StatusPaused, journal.OperationPaused, "", "")
	assert.ErrorIs(t, err, ErrJournal)
	assert.Equal(t, trading.StatusActive, m.Operation().Status)
	store.FailAppends(nil)

	require.NoError(t, m.SetStatus(ctx, trading.StatusError, journal.OperationError, "", "boom"))
	stored, err := store.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusError, stored.Status)
	assert.Equal(t, "boom", stored.LastError)
}

func TestUpdateMark(t *testing.T) {
	t.Parallel()

	m := newManager(t, testOperation(), journal.NewMemory())
	openLong(t, m, 1.10)
	m.UpdateMark(1.09)
	pos, _ := m.Position()
	assert.InDelta(t, -1.0, pos.UnrealizedPnL, 1e-9)
	assert.InDelta(t, 1.09, pos.CurrentPrice, 1e-12)
}
