package runtime

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/broker/sim"
	"github.com/rustyeddy/livetrader/events"
	"github.com/rustyeddy/livetrader/journal"
	"github.com/rustyeddy/livetrader/orders"
	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

var t0 = time.Date(2024, 5, 6, 10, 0, 0, 0, time.UTC)

const (
	waitFor   = 2 * time.Second
	pollEvery = 5 * time.Millisecond
)

type harness struct {
	rt    *Runtime
	sim   *sim.Engine
	store *journal.Memory
	bus   *events.Memory
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		sim:   sim.NewEngine(sim.Config{}, zaptest.NewLogger(t)),
		store: journal.NewMemory(),
		bus:   events.NewMemory(),
	}
	h.start(t, cfg)
	return h
}

// start runs a fresh runtime over the harness's store and broker, as a
// process restart would.
func (h *harness) start(t *testing.T, cfg Config) {
	t.Helper()
	cfg.Log = zaptest.NewLogger(t)
	cfg.Events = h.bus
	if cfg.ProtectiveInterval == 0 {
		cfg.ProtectiveInterval = 10 * time.Millisecond
	}
	cfg.RetryInterval = time.Millisecond
	cfg.RetryTimeout = time.Second
	rt, err := New(h.store, h.sim, cfg)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, rt.Close()) })
	h.rt = rt
}

func (h *harness) quote(sec int, bid, ask float64) {
	h.sim.Publish(pricing.Tick{
		Asset: "EUR_USD",
		Time:  t0.Add(time.Duration(sec) * time.Second),
		Bid:   bid,
		Ask:   ask,
	})
}

func (h *harness) actions(t *testing.T, opID string) []journal.Action {
	t.Helper()
	es, err := h.store.Entries(context.Background(), opID, 0, 0)
	require.NoError(t, err)
	out := make([]journal.Action, len(es))
	for i, e := range es {
		out[i] = e.Action
	}
	return out
}

func (h *harness) state(t *testing.T, opID string) orders.State {
	t.Helper()
	st, err := h.rt.Status(context.Background(), opID)
	require.NoError(t, err)
	return st.State
}

func testOperation(strategy string) trading.Operation {
	return trading.Operation{
		ID:         "op-1",
		Asset:      "EUR_USD",
		Strategy:   strategy,
		Timeframes: []pricing.Timeframe{pricing.M1},
		Quantity:   100,
		Risk: trading.RiskConfig{
			StopLossType:    trading.StopLossFixed,
			StopLossValue:   0.01,
			TakeProfitType:  trading.TakeProfitRiskReward,
			TakeProfitValue: 2,
		},
	}
}

func TestCreateOperationStartsActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	op, err := h.rt.CreateOperation(ctx, testOperation("noop"))
	require.NoError(t, err)
	assert.Equal(t, trading.StatusActive, op.Status)
	assert.NotNil(t, op.StartedAt)
	assert.Equal(t, []journal.Action{journal.OperationCreated, journal.OperationStarted}, h.actions(t, "op-1"))

	stored, err := h.store.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusActive, stored.Status)

	_, err = h.rt.CreateOperation(ctx, testOperation("noop"))
	assert.ErrorIs(t, err, ErrExists)

	list, err := h.rt.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.True(t, list[0].Running)
	assert.Equal(t, orders.NoPosition, list[0].State)
}

func TestCreateOperationValidates(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	bad := testOperation("noop")
	bad.Asset = ""
	_, err := h.rt.CreateOperation(ctx, bad)
	assert.Error(t, err)

	unknown := testOperation("no-such-strategy")
	_, err = h.rt.CreateOperation(ctx, unknown)
	assert.Error(t, err)

	ops, err := h.store.Operations(ctx)
	require.NoError(t, err)
	assert.Empty(t, ops)
}

func TestDefinedOperationStartsLater(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := Define(ctx, h.store, nil, testOperation("no-such-strategy"))
	require.Error(t, err)

	op, err := Define(ctx, h.store, nil, testOperation("noop"))
	require.NoError(t, err)
	assert.Equal(t, trading.StatusCreated, op.Status)
	_, err = Define(ctx, h.store, nil, testOperation("noop"))
	assert.ErrorIs(t, err, ErrExists)

	st, err := h.rt.Status(ctx, "op-1")
	require.NoError(t, err)
	assert.False(t, st.Running)

	require.NoError(t, h.rt.StartCreated(ctx))
	st, err = h.rt.Status(ctx, "op-1")
	require.NoError(t, err)
	assert.True(t, st.Running)
	assert.Equal(t, trading.StatusActive, st.Operation.Status)
	assert.Equal(t, []journal.Action{journal.OperationCreated, journal.OperationStarted}, h.actions(t, "op-1"))

	assert.ErrorIs(t, h.rt.Start(ctx, "op-1"), ErrInvalidTransition)
	assert.ErrorIs(t, h.rt.Start(ctx, "op-404"), ErrNotFound)
}

func TestUnknownOperation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()

	_, err := h.rt.Status(ctx, "nope")
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, h.rt.Pause(ctx, "nope"), ErrNotFound)
	assert.ErrorIs(t, h.rt.Stop(ctx, "nope"), ErrNotFound)
	assert.ErrorIs(t, h.rt.ClosePosition(ctx, "nope"), ErrNotFound)
}

func TestTicksBecomeBars(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	evts, cancel := h.bus.Subscribe(64, events.ForOperation("op-1"))
	defer cancel()

	_, err := h.rt.CreateOperation(ctx, testOperation("noop"))
	require.NoError(t, err)

	for _, tk := range []struct {
		sec   int
		price float64
	}{{0, 1.1000}, {10, 1.1005}, {50, 1.0998}, {60, 1.1010}} {
		h.sim.Publish(pricing.Tick{Asset: "EUR_USD", Time: t0.Add(time.Duration(tk.sec) * time.Second), Price: tk.price})
	}

	var bar events.Event
	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-evts:
				if e.Kind == events.BarCompleted {
					bar = e
					return true
				}
			default:
				return false
			}
		}
	}, waitFor, pollEvery)

	require.NotNil(t, bar.Bar)
	assert.Equal(t, pricing.M1, bar.Timeframe)
	assert.True(t, t0.Equal(bar.Bar.Time))
	assert.Equal(t, 1.1000, bar.Bar.Open)
	assert.Equal(t, 1.1005, bar.Bar.High)
	assert.Equal(t, 1.0998, bar.Bar.Low)
	assert.Equal(t, 1.0998, bar.Bar.Close)

	bars, err := h.store.Bars(ctx, "op-1", pricing.M1, 0)
	require.NoError(t, err)
	require.Len(t, bars, 1)
	assert.Equal(t, 1.0998, bars[0].Close)
}

func TestSignalOpensAndManualCloseFlattens(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.rt.CreateOperation(ctx, testOperation("open-once"))
	require.NoError(t, err)

	h.quote(0, 1.1000, 1.1002)
	h.quote(60, 1.1010, 1.1012)
	require.Eventually(t, func() bool { return h.state(t, "op-1") == orders.PositionOpen }, waitFor, pollEvery)

	st, err := h.rt.Status(ctx, "op-1")
	require.NoError(t, err)
	require.NotNil(t, st.Position)
	assert.Equal(t, trading.Long, st.Position.Side)
	assert.Equal(t, 100.0, st.Position.Quantity)

	sent := h.sim.Submitted()
	require.Len(t, sent, 1)
	assert.Equal(t, trading.Buy, sent[0].Action)
	assert.Equal(t, trading.Market, sent[0].Type)

	require.NoError(t, h.rt.ClosePosition(ctx, "op-1"))
	assert.Equal(t, orders.NoPosition, h.state(t, "op-1"))

	trades, err := h.store.Trades(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, trading.ReasonManual, trades[0].Reason)

	assert.ErrorIs(t, h.rt.ClosePosition(ctx, "op-1"), orders.ErrNoPosition)

	assert.Subset(t, h.actions(t, "op-1"), []journal.Action{
		journal.SignalReceived, journal.OrderCreated, journal.OrderSubmitted,
		journal.OrderFilled, journal.PositionOpened, journal.ManualClose, journal.PositionClosed,
	})
}

func TestProtectiveTimerStopsOut(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{ProtectiveInterval: 5 * time.Millisecond})
	ctx := context.Background()
	_, err := h.rt.CreateOperation(ctx, testOperation("open-once"))
	require.NoError(t, err)

	h.quote(0, 1.1000, 1.1002)
	h.quote(60, 1.1000, 1.1002)
	require.Eventually(t, func() bool { return h.state(t, "op-1") == orders.PositionOpen }, waitFor, pollEvery)

	// Far below the stop, inside the same bar.
	h.quote(70, 1.0500, 1.0502)
	require.Eventually(t, func() bool {
		trades, err := h.store.Trades(ctx, "op-1")
		return err == nil && len(trades) == 1
	}, waitFor, pollEvery)

	trades, err := h.store.Trades(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, trading.ReasonStopLoss, trades[0].Reason)
	assert.Less(t, trades[0].PnL, 0.0)
	assert.Contains(t, h.actions(t, "op-1"), journal.ProtectiveExit)
}

func TestPausedOperationBuildsBarsButIgnoresSignals(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	op := testOperation("open-once")
	op.FlattenOnStop = true
	_, err := h.rt.CreateOperation(ctx, op)
	require.NoError(t, err)

	require.NoError(t, h.rt.Pause(ctx, "op-1"))
	assert.ErrorIs(t, h.rt.Pause(ctx, "op-1"), ErrInvalidTransition)

	h.quote(0, 1.1000, 1.1002)
	h.quote(60, 1.1000, 1.1002)
	require.Eventually(t, func() bool {
		bars, err := h.store.Bars(ctx, "op-1", pricing.M1, 0)
		return err == nil && len(bars) == 1
	}, waitFor, pollEvery)
	assert.NotContains(t, h.actions(t, "op-1"), journal.SignalReceived)
	assert.Empty(t, h.sim.Submitted())

	require.NoError(t, h.rt.Resume(ctx, "op-1"))
	h.quote(120, 1.1010, 1.1012)
	require.Eventually(t, func() bool { return h.state(t, "op-1") == orders.PositionOpen }, waitFor, pollEvery)

	require.NoError(t, h.rt.Stop(ctx, "op-1"))
	st, err := h.rt.Status(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusClosed, st.Operation.Status)
	assert.NotNil(t, st.Operation.ClosedAt)
	assert.False(t, st.Running)
	assert.Nil(t, st.Position)

	trades, err := h.store.Trades(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, trades, 1)
	assert.Equal(t, trading.ReasonStop, trades[0].Reason)

	acts := h.actions(t, "op-1")
	assert.Equal(t, journal.OperationStopped, acts[len(acts)-1])
	assert.Subset(t, acts, []journal.Action{journal.OperationPaused, journal.OperationResumed})

	assert.ErrorIs(t, h.rt.Pause(ctx, "op-1"), ErrNotRunning)
}

func TestStopDoesNotActOnQueuedSignals(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.rt.CreateOperation(ctx, testOperation("open-once"))
	require.NoError(t, err)

	h.quote(0, 1.1000, 1.1002)
	require.Eventually(t, func() bool {
		st, err := h.rt.Status(ctx, "op-1")
		return err == nil && st.LastTick.Equal(t0)
	}, waitFor, pollEvery)

	tk, ok := h.rt.task("op-1")
	require.True(t, ok)
	// The tick completing the first bar is accepted but still queued when
	// the stop runs.
	err = tk.exec(ctx, func(ctx context.Context) error {
		tk.accept(pricing.Tick{Asset: "EUR_USD", Time: t0.Add(time.Minute), Bid: 1.1000, Ask: 1.1002})
		return tk.stop(ctx)
	})
	require.NoError(t, err)

	assert.Empty(t, h.sim.Submitted())
	open, err := h.store.OpenPositions(ctx, "op-1")
	require.NoError(t, err)
	assert.Empty(t, open)

	bars, err := h.store.Bars(ctx, "op-1", pricing.M1, 0)
	require.NoError(t, err)
	assert.Len(t, bars, 1, "queued ticks still build bars")

	st, err := h.rt.Status(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusClosed, st.Operation.Status)
	assert.NotContains(t, h.actions(t, "op-1"), journal.SignalReceived)
}

// heldExits never reports on sell orders, so a long position cannot be
// flattened.
type heldExits struct {
	*sim.Engine
}

func (b heldExits) SubmitOrder(ctx context.Context, req broker.OrderRequest, fn broker.OrderHandler) (string, error) {
	if req.Action == trading.Sell {
		return "held-" + req.ClientOrderID, nil
	}
	return b.Engine.SubmitOrder(ctx, req, fn)
}

func TestStopWithUnfilledFlattenEndsInError(t *testing.T) {
	t.Parallel()

	engine := sim.NewEngine(sim.Config{}, zaptest.NewLogger(t))
	store := journal.NewMemory()
	rt, err := New(store, heldExits{engine}, Config{
		Log:                zaptest.NewLogger(t),
		ProtectiveInterval: 10 * time.Millisecond,
		StopFlattenTimeout: 50 * time.Millisecond,
		RetryInterval:      time.Millisecond,
		RetryTimeout:       time.Second,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, rt.Close()) })

	ctx := context.Background()
	op := testOperation("open-once")
	op.FlattenOnStop = true
	_, err = rt.CreateOperation(ctx, op)
	require.NoError(t, err)

	quote := func(sec int) {
		engine.Publish(pricing.Tick{Asset: "EUR_USD", Time: t0.Add(time.Duration(sec) * time.Second), Bid: 1.1000, Ask: 1.1002})
	}
	quote(0)
	quote(60)
	require.Eventually(t, func() bool {
		st, err := rt.Status(ctx, "op-1")
		return err == nil && st.State == orders.PositionOpen
	}, waitFor, pollEvery)

	err = rt.Stop(ctx, "op-1")
	assert.ErrorIs(t, err, ErrStillOpen)

	st, err := rt.Status(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusError, st.Operation.Status)
	assert.Nil(t, st.Operation.ClosedAt)
	assert.Contains(t, st.Operation.LastError, "not filled")
	assert.False(t, st.Running)

	stored, err := store.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusError, stored.Status)
	assert.Nil(t, stored.ClosedAt)

	open, err := store.OpenPositions(ctx, "op-1")
	require.NoError(t, err)
	assert.Len(t, open, 1)

	es, err := store.Entries(ctx, "op-1", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, journal.OperationError, es[len(es)-1].Action)
}

func TestTransientSubmitErrorsAreRetried(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.rt.CreateOperation(ctx, testOperation("open-once"))
	require.NoError(t, err)

	h.sim.FailSubmits(
		broker.Transient(errors.New("connection reset")),
		broker.Transient(errors.New("connection reset")),
	)
	h.quote(0, 1.1000, 1.1002)
	h.quote(60, 1.1000, 1.1002)
	require.Eventually(t, func() bool { return h.state(t, "op-1") == orders.PositionOpen }, waitFor, pollEvery)

	st, err := h.rt.Status(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusActive, st.Operation.Status)
	assert.NotContains(t, h.actions(t, "op-1"), journal.OrderRejected)
}

func TestPermanentSubmitErrorRejectsOrder(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.rt.CreateOperation(ctx, testOperation("open-once"))
	require.NoError(t, err)

	h.sim.FailSubmits(errors.New("instrument halted"))
	h.quote(0, 1.1000, 1.1002)
	h.quote(60, 1.1000, 1.1002)
	require.Eventually(t, func() bool {
		placed, err := h.store.Orders(ctx, "op-1")
		return err == nil && len(placed) == 1 && placed[0].Status == trading.OrderRejected
	}, waitFor, pollEvery)

	st, err := h.rt.Status(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusActive, st.Operation.Status)
	assert.Equal(t, orders.NoPosition, st.State)
}

func TestRepeatedRejectionsEndInError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{MaxConsecutiveRejects: 1})
	ctx := context.Background()
	_, err := h.rt.CreateOperation(ctx, testOperation("open-once"))
	require.NoError(t, err)

	h.sim.RejectNext("insufficient margin")
	h.quote(0, 1.1000, 1.1002)
	h.quote(60, 1.1000, 1.1002)
	require.Eventually(t, func() bool {
		st, err := h.rt.Status(ctx, "op-1")
		return err == nil && st.Operation.Status == trading.StatusError
	}, waitFor, pollEvery)

	stored, err := h.store.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusError, stored.Status)
	assert.Contains(t, stored.LastError, "consecutive order rejections")

	select {
	case err := <-h.rt.Fatal():
		t.Fatalf("rejections must not be fatal: %v", err)
	default:
	}
}

func TestFailedJournalWriteStopsOperation(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	_, err := h.rt.CreateOperation(ctx, testOperation("open-once"))
	require.NoError(t, err)
	before := h.actions(t, "op-1")

	h.store.FailAppends(errors.New("disk full"))
	h.quote(0, 1.1000, 1.1002)
	h.quote(60, 1.1000, 1.1002)

	select {
	case err := <-h.rt.Fatal():
		assert.ErrorIs(t, err, orders.ErrJournal)
	case <-time.After(waitFor):
		t.Fatal("no fatal error")
	}

	require.Eventually(t, func() bool {
		st, err := h.rt.Status(ctx, "op-1")
		return err == nil && !st.Running
	}, waitFor, pollEvery)
	st, err := h.rt.Status(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusError, st.Operation.Status)
	assert.Contains(t, st.Operation.LastError, "disk full")
	assert.Equal(t, orders.NoPosition, st.State)
	assert.Nil(t, st.LiveOrder)

	assert.Empty(t, h.sim.Submitted())
	h.store.FailAppends(nil)
	assert.Equal(t, before, h.actions(t, "op-1"))
}

func TestBootstrapLoadsHistory(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{BootstrapBars: 10})
	ctx := context.Background()

	var seeded []pricing.Candle
	for i := 20; i > 0; i-- {
		ts := t0.Add(-time.Duration(i) * time.Minute)
		seeded = append(seeded, pricing.Candle{Time: ts, Open: 1.1, High: 1.101, Low: 1.099, Close: 1.1})
	}
	h.sim.SeedBars("EUR_USD", pricing.M1, seeded)
	h.sim.FailFetches(broker.Transient(errors.New("timeout")))

	_, err := h.rt.CreateOperation(ctx, testOperation("noop"))
	require.NoError(t, err)

	bars, err := h.store.Bars(ctx, "op-1", pricing.M1, 0)
	require.NoError(t, err)
	require.Len(t, bars, 10)
	assert.True(t, seeded[19].Time.Equal(bars[9].Time))

	// Inside the last bootstrapped bar: late.
	h.quote(-30, 1.1, 1.1002)
	require.Eventually(t, func() bool {
		st, err := h.rt.Status(ctx, "op-1")
		return err == nil && st.TicksLate == 1
	}, waitFor, pollEvery)
}

func TestBootstrapFailureEndsInError(t *testing.T) {
	t.Parallel()

	h := newHarness(t, Config{})
	ctx := context.Background()
	h.sim.FailFetches(errors.New("unknown instrument"))

	_, err := h.rt.CreateOperation(ctx, testOperation("noop"))
	require.Error(t, err)

	stored, err := h.store.Operation(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, trading.StatusError, stored.Status)
	assert.Contains(t, stored.LastError, "unknown instrument")
}
