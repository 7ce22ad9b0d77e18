package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/events"
	"github.com/rustyeddy/livetrader/indicators"
	"github.com/rustyeddy/livetrader/journal"
	"github.com/rustyeddy/livetrader/orders"
	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/risk"
	"github.com/rustyeddy/livetrader/strategies"
	"github.com/rustyeddy/livetrader/trading"
)

// task is the single goroutine that owns one operation. Everything that
// changes the operation happens on it: ticks, order updates, protective
// checks and control commands.
type task struct {
	rt  *Runtime
	id  string
	log *zap.Logger

	mgr     *orders.Manager
	strat   strategies.Strategy
	aggs    []*pricing.Aggregator // primary last
	aligner *pricing.Aligner

	inbox    *inbox
	updates  *mailbox[broker.OrderUpdate]
	cmds     chan command
	done     chan struct{}
	dropWarn rate.Sometimes

	subMu sync.Mutex
	sub   broker.Subscription

	last     pricing.Tick
	late     int64
	halted   bool
	stopping bool

	status atomic.Pointer[Status]
}

type command struct {
	fn    func(context.Context) error
	reply chan error
}

func (r *Runtime) newTask(op trading.Operation) (*task, error) {
	strat, err := r.cfg.Strategies.New(op.Strategy, strategies.Config(op.StrategyConfig))
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", op.ID, err)
	}
	aligner, err := pricing.NewAligner(op.PrimaryTimeframe, op.Timeframes, op.DataRetentionBars)
	if err != nil {
		return nil, fmt.Errorf("operation %s: %w", op.ID, err)
	}

	log := r.cfg.Log.Named("operation").With(
		zap.String("operation_id", op.ID),
		zap.String("asset", op.Asset))
	t := &task{
		rt:       r,
		id:       op.ID,
		log:      log,
		strat:    strat,
		aligner:  aligner,
		inbox:    newInbox(r.cfg.InboxSize),
		updates:  newMailbox[broker.OrderUpdate](),
		cmds:     make(chan command),
		done:     make(chan struct{}),
		dropWarn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
		mgr: orders.NewManager(op, r.store, orders.Config{
			MaxConsecutiveRejects: r.cfg.MaxConsecutiveRejects,
			Log:                   log,
			Now:                   r.cfg.Now,
		}),
	}
	for _, tf := range op.Timeframes {
		if tf != op.PrimaryTimeframe {
			t.aggs = append(t.aggs, pricing.NewAggregator(tf))
		}
	}
	t.aggs = append(t.aggs, pricing.NewAggregator(op.PrimaryTimeframe))
	t.snapshot("", "")
	return t, nil
}

// start takes a new operation through STARTING to ACTIVE.
func (t *task) start(ctx context.Context) error {
	t.snapshot(trading.StatusStarting, "")
	if err := t.bootstrap(ctx); err != nil {
		t.fail(ctx, err)
		return err
	}
	if err := t.mgr.SetStatus(ctx, trading.StatusActive, journal.OperationStarted, "", ""); err != nil {
		t.fail(ctx, err)
		return err
	}
	if err := t.subscribe(ctx); err != nil {
		t.fail(ctx, err)
		return err
	}
	t.statusEvent(ctx)
	t.snapshot("", "")
	return nil
}

// bootstrap loads recent history for every timeframe so the first live
// evaluation sees full context.
func (t *task) bootstrap(ctx context.Context) error {
	op := t.mgr.Operation()
	n := min(op.DataRetentionBars, t.rt.cfg.BootstrapBars)
	for _, tf := range op.Timeframes {
		bars, err := retry(ctx, t, "fetch bars", func() ([]pricing.Candle, error) {
			return t.rt.broker.FetchHistoricalBars(ctx, op.Asset, tf, n)
		})
		if err != nil {
			return fmt.Errorf("bootstrap %s bars: %w", tf, err)
		}
		if len(bars) > 0 {
			if err := t.rt.store.SaveBars(ctx, t.id, tf, bars); err != nil {
				return fmt.Errorf("%w: save %s bars: %w", orders.ErrJournal, tf, err)
			}
		}
		t.load(tf, bars)
		t.log.Debug("bootstrapped bars", zap.Stringer("timeframe", tf), zap.Int("bars", len(bars)))
	}
	return nil
}

func (t *task) load(tf pricing.Timeframe, bars []pricing.Candle) {
	if err := t.aligner.Load(tf, bars); err != nil {
		t.log.Warn("load bars", zap.Error(err))
		return
	}
	if len(bars) == 0 {
		return
	}
	for _, a := range t.aggs {
		if a.Timeframe() == tf {
			a.Seed(bars[len(bars)-1])
		}
	}
}

func (t *task) subscribe(ctx context.Context) error {
	op := t.mgr.Operation()
	sub, err := retry(ctx, t, "subscribe", func() (broker.Subscription, error) {
		return t.rt.broker.SubscribeTicks(ctx, op.Asset, t.accept)
	})
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", op.Asset, err)
	}
	t.subMu.Lock()
	t.sub = sub
	t.subMu.Unlock()
	return nil
}

// unsubscribe stops tick delivery and closes the inbox. Ticks already
// queued stay there.
func (t *task) unsubscribe() {
	t.subMu.Lock()
	sub := t.sub
	t.sub = nil
	t.subMu.Unlock()
	if sub != nil {
		sub.Unsubscribe()
	}
	t.inbox.Close()
}

// accept runs on the broker's goroutine.
func (t *task) accept(tick pricing.Tick) {
	ctx := t.rt.ctx
	t.rt.metrics.ticks.Add(ctx, 1, opAttr(t.id))
	ok, dropped := t.inbox.Push(tick)
	if !ok || !dropped {
		return
	}
	t.rt.metrics.ticksDropped.Add(ctx, 1, opAttr(t.id))
	t.dropWarn.Do(func() {
		t.log.Warn("tick inbox full, dropping oldest",
			zap.Int("capacity", t.rt.cfg.InboxSize),
			zap.Int64("dropped", t.inbox.Dropped()))
	})
}

// onUpdate runs on whatever goroutine the broker reports from.
func (t *task) onUpdate(u broker.OrderUpdate) {
	t.updates.Push(u)
}

func (t *task) run(ctx context.Context) {
	defer close(t.done)
	defer t.unsubscribe()

	// Steps are not cancelled by shutdown; the loop checks ctx between them.
	work := context.WithoutCancel(ctx)
	protect := time.NewTicker(t.rt.cfg.ProtectiveInterval)
	defer protect.Stop()

	if !t.step(work, t.drainUpdates) {
		return
	}
	for {
		select {
		case <-ctx.Done():
			t.log.Info("operation task stopped",
				zap.String("status", string(t.mgr.Operation().Status)))
			return
		case cmd := <-t.cmds:
			err := cmd.fn(work)
			if err != nil && terminal(err) {
				t.fail(work, err)
			} else {
				t.snapshot("", "")
			}
			cmd.reply <- err
		case <-t.updates.Ready():
			t.step(work, t.drainUpdates)
		case <-t.inbox.Ready():
			t.step(work, t.nextTick)
		case <-protect.C:
			t.step(work, t.protect)
		}
		if t.halted {
			return
		}
	}
}

// step runs fn and publishes the resulting status. It reports whether the
// task can go on.
func (t *task) step(ctx context.Context, fn func(context.Context) error) bool {
	err := fn(ctx)
	switch {
	case err == nil:
	case terminal(err):
		t.fail(ctx, err)
		return false
	default:
		t.log.Warn("operation step failed", zap.Error(err))
	}
	t.snapshot("", "")
	return !t.halted
}

// terminal errors end the operation in ERROR.
func terminal(err error) bool {
	return errors.Is(err, orders.ErrJournal) ||
		errors.Is(err, orders.ErrCorruptState) ||
		errors.Is(err, orders.ErrTooManyRejects)
}

func (t *task) fail(ctx context.Context, cause error) {
	t.halted = true
	t.unsubscribe()
	t.log.Error("operation failed", zap.Error(cause))
	if err := t.mgr.SetStatus(ctx, trading.StatusError, journal.OperationError, "", cause.Error()); err != nil {
		t.log.Error("could not journal operation error", zap.Error(err))
	}
	t.snapshot(trading.StatusError, cause.Error())
	t.publish(ctx, events.Event{Kind: events.StatusKind, Status: trading.StatusError})
	if errors.Is(cause, orders.ErrJournal) || errors.Is(cause, orders.ErrCorruptState) {
		t.rt.raise(fmt.Errorf("operation %s: %w", t.id, cause))
	}
}

// exec runs fn on the task and waits for its result.
func (t *task) exec(ctx context.Context, fn func(context.Context) error) error {
	cmd := command{fn: fn, reply: make(chan error, 1)}
	select {
	case t.cmds <- cmd:
	case <-t.done:
		return fmt.Errorf("%w: %s", ErrNotRunning, t.id)
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *task) nextTick(ctx context.Context) error {
	// Fills reported before this tick arrived come first.
	if err := t.drainUpdates(ctx); err != nil {
		return err
	}
	tick, ok := t.inbox.Pop()
	if !ok {
		return nil
	}
	return t.onTick(ctx, tick)
}

type completed struct {
	tf  pricing.Timeframe
	bar pricing.Candle
}

func (t *task) onTick(ctx context.Context, tick pricing.Tick) error {
	if err := tick.Validate(); err != nil {
		t.log.Warn("skipping tick", zap.Error(err), zap.Time("time", tick.Time))
		return nil
	}
	price := tick.Last()
	t.last = tick
	t.mgr.UpdateMark(price)

	var (
		done []completed
		late bool
	)
	for _, a := range t.aggs {
		bar, ok, err := a.AddTick(price, tick.Size, tick.Time)
		if errors.Is(err, pricing.ErrLateTick) {
			late = true
			continue
		}
		if ok {
			done = append(done, completed{a.Timeframe(), bar})
		}
	}
	if late {
		t.late++
		t.rt.metrics.ticksLate.Add(ctx, 1, opAttr(t.id))
		t.log.Warn("late tick", zap.Time("time", tick.Time), zap.Float64("price", price))
	}

	for _, c := range done {
		if err := t.onBar(ctx, c.tf, c.bar); err != nil {
			return err
		}
	}
	return nil
}

func (t *task) onBar(ctx context.Context, tf pricing.Timeframe, bar pricing.Candle) error {
	if err := t.rt.store.SaveBars(ctx, t.id, tf, []pricing.Candle{bar}); err != nil {
		return fmt.Errorf("%w: save %s bar: %w", orders.ErrJournal, tf, err)
	}
	t.rt.metrics.bars.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation_id", t.id),
		attribute.String("timeframe", tf.String())))
	t.publish(ctx, events.Event{Kind: events.BarCompleted, Time: bar.Time, Timeframe: tf, Bar: &bar})

	rows, aligned := t.aligner.Add(tf, bar)
	if tf != t.aligner.Primary() {
		return nil
	}

	o, err := t.mgr.CheckBar(ctx, bar)
	if err != nil {
		return err
	}
	if o != nil {
		return t.submit(ctx, *o)
	}

	if !aligned {
		t.log.Debug("not every timeframe has a bar yet", zap.Time("bar", bar.Time))
		return nil
	}
	if t.stopping || t.mgr.Operation().Status != trading.StatusActive {
		return nil
	}

	sig, err := strategies.SafeEvaluate(t.strat, rows)
	if err != nil {
		t.rt.metrics.strategyErrors.Add(ctx, 1, opAttr(t.id))
		t.log.Warn("strategy failed", zap.String("strategy", t.strat.Name()), zap.Error(err))
		return nil
	}
	if sig.Type == trading.SignalNone {
		return nil
	}
	t.rt.metrics.signals.Add(ctx, 1, metric.WithAttributes(
		attribute.String("operation_id", t.id),
		attribute.String("type", sig.Type.String())))
	t.publish(ctx, events.Event{Kind: events.SignalKind, Time: bar.Time, Timeframe: tf, Signal: &sig})

	o, err = t.mgr.OnSignal(ctx, sig, bar.Close, t.atr())
	if err != nil {
		return err
	}
	if o != nil {
		return t.submit(ctx, *o)
	}
	return nil
}

// atr is the ATR of the primary timeframe, zero until there is enough
// history.
func (t *task) atr() float64 {
	op := t.mgr.Operation()
	if !risk.NeedsATR(op.Risk) {
		return 0
	}
	v, err := indicators.ATRFunc(t.aligner.History(op.PrimaryTimeframe), op.Risk.ATRPeriod)
	if err != nil {
		t.log.Debug("ATR not ready", zap.Error(err))
		return 0
	}
	return v
}

func (t *task) protect(ctx context.Context) error {
	if t.last.Time.IsZero() {
		return nil
	}
	if err := t.drainUpdates(ctx); err != nil {
		return err
	}
	o, err := t.mgr.CheckPrice(ctx, t.last.Last())
	if err != nil || o == nil {
		return err
	}
	return t.submit(ctx, *o)
}

// submit hands a journaled order to the broker. Transient failures are
// retried; anything else rejects the order.
func (t *task) submit(ctx context.Context, o trading.Order) error {
	req := broker.OrderRequest{
		ClientOrderID: o.ID,
		Asset:         o.Asset,
		Type:          o.Type,
		Action:        o.Action,
		Quantity:      o.Quantity,
		Price:         o.Price,
	}
	brokerID, err := retry(ctx, t, "submit order", func() (string, error) {
		return t.rt.broker.SubmitOrder(ctx, req, t.onUpdate)
	})
	if err != nil {
		t.log.Warn("order submission failed",
			zap.String("order_id", o.ID), zap.Error(err))
		t.rt.metrics.orders.Add(ctx, 1, orderAttrs(t.id, trading.OrderRejected))
		if err := t.mgr.MarkSubmitFailed(ctx, o.ID, err); err != nil {
			return err
		}
		return t.drainUpdates(ctx)
	}

	if err := t.mgr.MarkSubmitted(ctx, o.ID, brokerID); err != nil {
		return err
	}
	t.rt.metrics.orders.Add(ctx, 1, orderAttrs(t.id, trading.OrderSubmitted))
	o.BrokerOrderID = brokerID
	o.Status = trading.OrderSubmitted
	t.publish(ctx, events.Event{Kind: events.OrderKind, Order: &o})
	t.log.Info("order submitted",
		zap.String("order_id", o.ID),
		zap.String("broker_order_id", brokerID),
		zap.String("action", string(o.Action)),
		zap.String("role", string(o.Role)),
		zap.Float64("quantity", o.Quantity),
		zap.String("reason", o.Reason))
	return t.drainUpdates(ctx)
}

func orderAttrs(operationID string, status trading.OrderStatus) metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("operation_id", operationID),
		attribute.String("status", string(status)))
}

// drainUpdates applies every queued order update.
func (t *task) drainUpdates(ctx context.Context) error {
	for {
		us := t.updates.Drain()
		if len(us) == 0 {
			return nil
		}
		for _, u := range us {
			if err := t.mgr.OnOrderUpdate(ctx, u); err != nil {
				if terminal(err) {
					return err
				}
				t.log.Warn("order update not applied",
					zap.String("order_id", u.ClientOrderID),
					zap.String("status", string(u.Status)),
					zap.Error(err))
				continue
			}
			t.rt.metrics.orders.Add(ctx, 1, orderAttrs(t.id, u.Status))
			t.publish(ctx, events.Event{Kind: events.OrderKind, Time: u.Time, Order: t.reported(u)})
		}
	}
}

// reported is the order as it stands after u.
func (t *task) reported(u broker.OrderUpdate) *trading.Order {
	if live, ok := t.mgr.LiveOrder(); ok && live.ID == u.ClientOrderID {
		return &live
	}
	return &trading.Order{
		ID:             u.ClientOrderID,
		OperationID:    t.id,
		BrokerOrderID:  u.BrokerOrderID,
		Status:         u.Status,
		FilledQuantity: u.Quantity,
		AvgFillPrice:   u.Price,
		Commission:     u.Commission,
		RejectReason:   u.Reason,
	}
}

func (t *task) pause(ctx context.Context) error {
	if st := t.mgr.Operation().Status; st != trading.StatusActive {
		return fmt.Errorf("%w: pause %s from %s", ErrInvalidTransition, t.id, st)
	}
	if err := t.mgr.SetStatus(ctx, trading.StatusPaused, journal.OperationPaused, "", ""); err != nil {
		return err
	}
	t.statusEvent(ctx)
	t.log.Info("operation paused")
	return nil
}

func (t *task) resume(ctx context.Context) error {
	if st := t.mgr.Operation().Status; st != trading.StatusPaused {
		return fmt.Errorf("%w: resume %s from %s", ErrInvalidTransition, t.id, st)
	}
	if err := t.mgr.SetStatus(ctx, trading.StatusActive, journal.OperationResumed, "", ""); err != nil {
		return err
	}
	t.statusEvent(ctx)
	t.log.Info("operation resumed")
	return nil
}

func (t *task) closePosition(ctx context.Context) error {
	if err := t.drainUpdates(ctx); err != nil {
		return err
	}
	o, err := t.mgr.Close(ctx, journal.ManualClose, trading.ReasonManual, "manual close")
	if err != nil || o == nil {
		return err
	}
	return t.submit(ctx, *o)
}

// stop unsubscribes, works off the ticks already accepted, optionally
// flattens and closes the operation. Queued ticks still build bars and
// trigger protective exits but no longer reach the strategy. When the
// position cannot be flattened the operation ends in ERROR instead.
func (t *task) stop(ctx context.Context) error {
	t.stopping = true
	t.snapshot(trading.StatusStopping, "")
	t.unsubscribe()
	for {
		tick, ok := t.inbox.Pop()
		if !ok {
			break
		}
		if err := t.onTick(ctx, tick); err != nil && terminal(err) {
			return err
		}
	}
	if err := t.drainUpdates(ctx); err != nil {
		return err
	}

	if t.mgr.Operation().FlattenOnStop {
		still, err := t.flatten(ctx)
		if err != nil {
			return err
		}
		if still != "" {
			return t.stopFailed(ctx, still)
		}
	}
	if err := t.mgr.SetStatus(ctx, trading.StatusClosed, journal.OperationStopped, "", ""); err != nil {
		return err
	}
	t.halted = true
	t.statusEvent(ctx)
	t.log.Info("operation closed")
	return nil
}

// stopFailed leaves the operation in ERROR with its position open. It is
// never marked closed, so the position stays on record as open.
func (t *task) stopFailed(ctx context.Context, reason string) error {
	if err := t.mgr.SetStatus(ctx, trading.StatusError, journal.OperationError, reason, reason); err != nil {
		return err
	}
	t.halted = true
	t.statusEvent(ctx)
	t.log.Error("operation stopped with an open position", zap.String("reason", reason))
	return fmt.Errorf("%w: %s: %s", ErrStillOpen, t.id, reason)
}

// flatten closes the open position and waits for the fill. It returns why
// the position is still open, or "" once it is flat.
func (t *task) flatten(ctx context.Context) (string, error) {
	if _, open := t.mgr.Position(); !open {
		return "", nil
	}
	o, err := t.mgr.Close(ctx, journal.ManualClose, trading.ReasonStop, "flatten on stop")
	if err != nil {
		return "", err
	}
	if o != nil {
		if err := t.submit(ctx, *o); err != nil {
			return "", err
		}
	}

	deadline := time.NewTimer(t.rt.cfg.StopFlattenTimeout)
	defer deadline.Stop()
	for {
		if _, open := t.mgr.Position(); !open {
			return "", nil
		}
		live, ok := t.mgr.LiveOrder()
		if !ok {
			return "exit order did not fill", nil
		}
		select {
		case <-t.updates.Ready():
			if err := t.drainUpdates(ctx); err != nil {
				return "", err
			}
		case <-deadline.C:
			t.log.Warn("flatten timed out", zap.String("order_id", live.ID))
			return fmt.Sprintf("exit order %s not filled after %s", live.ID, t.rt.cfg.StopFlattenTimeout), nil
		}
	}
}

func (t *task) publish(ctx context.Context, evt events.Event) {
	evt.OperationID = t.id
	if evt.Time.IsZero() {
		evt.Time = t.rt.cfg.Now()
	}
	if err := t.rt.cfg.Events.Publish(ctx, evt); err != nil {
		t.log.Debug("publish event", zap.String("kind", string(evt.Kind)), zap.Error(err))
	}
}

func (t *task) statusEvent(ctx context.Context) {
	t.publish(ctx, events.Event{Kind: events.StatusKind, Status: t.mgr.Operation().Status})
}

// snapshot publishes the current state for status readers. status and
// lastErr override what the operation record says.
func (t *task) snapshot(status trading.OperationStatus, lastErr string) {
	op := t.mgr.Operation()
	if status != "" {
		op.Status = status
	}
	if lastErr != "" {
		op.LastError = lastErr
	}
	st := &Status{
		Operation:    op,
		State:        t.mgr.State(),
		Running:      !t.halted,
		LastTick:     t.last.Time,
		TicksDropped: t.inbox.Dropped(),
		TicksLate:    t.late,
	}
	if p, ok := t.mgr.Position(); ok {
		st.Position = &p
	}
	if o, ok := t.mgr.LiveOrder(); ok {
		st.LiveOrder = &o
	}
	t.status.Store(st)
}

// retry calls fn until it succeeds, fails with an error that is not
// transient, or the retry budget runs out.
func retry[T any](ctx context.Context, t *task, call string, fn func() (T, error)) (T, error) {
	return backoff.Retry(ctx, func() (T, error) {
		v, err := fn()
		if err != nil && !broker.IsTransient(err) {
			return v, backoff.Permanent(err)
		}
		return v, err
	},
		backoff.WithBackOff(t.rt.newBackOff()),
		backoff.WithMaxElapsedTime(t.rt.cfg.RetryTimeout),
		backoff.WithNotify(func(err error, next time.Duration) {
			t.log.Warn("broker call failed, retrying",
				zap.String("call", call),
				zap.Duration("next", next),
				zap.Error(err))
		}))
}
