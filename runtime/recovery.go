package runtime

import (
	"context"
	"errors"
	"fmt"

	"github.com/sourcegraph/conc"
	"go.uber.org/zap"

	"github.com/rustyeddy/livetrader/journal"
	"github.com/rustyeddy/livetrader/orders"
	"github.com/rustyeddy/livetrader/risk"
	"github.com/rustyeddy/livetrader/trading"
)

// Recover restarts every operation that was running when the process
// last stopped. Operations recover concurrently; each one finishes its
// recovery before it accepts a tick.
func (r *Runtime) Recover(ctx context.Context) error {
	all, err := r.store.Operations(ctx)
	if err != nil {
		return fmt.Errorf("list operations: %w", err)
	}
	var ops []trading.Operation
	for _, op := range all {
		if op.Status.Recoverable() {
			ops = append(ops, op)
		}
	}
	r.log.Info("recovering operations", zap.Int("count", len(ops)))

	errs := make([]error, len(ops))
	var wg conc.WaitGroup
	for i, op := range ops {
		wg.Go(func() {
			errs[i] = r.recoverOne(ctx, op)
		})
	}
	wg.Wait()
	return errors.Join(errs...)
}

func (r *Runtime) recoverOne(ctx context.Context, op trading.Operation) error {
	if _, running := r.task(op.ID); running {
		return nil
	}
	t, err := r.newTask(op)
	if err != nil {
		r.markError(ctx, op, err)
		return fmt.Errorf("recover %s: %w", op.ID, err)
	}
	if err := t.recover(ctx); err != nil {
		t.fail(ctx, err)
		r.retire(t)
		return fmt.Errorf("recover %s: %w", op.ID, err)
	}
	if err := r.launch(t); err != nil {
		t.unsubscribe()
		return err
	}
	if op.Status == trading.StatusStopping {
		return t.exec(ctx, t.stop)
	}
	return nil
}

// markError records an operation that could not even be rebuilt.
func (r *Runtime) markError(ctx context.Context, op trading.Operation, cause error) {
	m := orders.NewManager(op, r.store, orders.Config{Log: r.log, Now: r.cfg.Now})
	if err := m.SetStatus(ctx, trading.StatusError, journal.OperationError, "recovery", cause.Error()); err != nil {
		r.log.Error("could not journal operation error",
			zap.String("operation_id", op.ID), zap.Error(err))
	}
}

type recoveryPayload struct {
	Status      trading.OperationStatus `json:"status"`
	Mode        trading.RecoveryMode    `json:"mode"`
	State       orders.State            `json:"state"`
	PositionID  string                  `json:"position_id,omitempty"`
	LiveOrderID string                  `json:"live_order_id,omitempty"`
}

type recoveryDecision struct {
	PositionID   string       `json:"position_id"`
	Side         trading.Side `json:"side"`
	Quantity     float64      `json:"quantity"`
	EntryPrice   float64      `json:"entry_price"`
	MarkPrice    float64      `json:"mark_price"`
	LossFraction float64      `json:"loss_fraction"`
	Threshold    float64      `json:"threshold"`
}

// recover rebuilds the task from the store and applies the operation's
// crash recovery mode. It runs before the task goroutine exists.
func (t *task) recover(ctx context.Context) error {
	op := t.mgr.Operation()
	for _, tf := range op.Timeframes {
		bars, err := t.rt.store.Bars(ctx, t.id, tf, op.DataRetentionBars)
		if err != nil {
			return fmt.Errorf("load %s bars: %w", tf, err)
		}
		t.load(tf, bars)
	}
	if err := t.mgr.Restore(ctx); err != nil {
		return err
	}

	start := recoveryPayload{Status: op.Status, Mode: op.CrashRecoveryMode, State: t.mgr.State()}
	if p, ok := t.mgr.Position(); ok {
		start.PositionID = p.ID
	}
	if o, ok := t.mgr.LiveOrder(); ok {
		start.LiveOrderID = o.ID
	}
	if err := t.mgr.Record(ctx, journal.RecoveryStarted, start, ""); err != nil {
		return err
	}
	t.log.Info("recovery started",
		zap.String("mode", string(op.CrashRecoveryMode)),
		zap.String("state", string(start.State)))

	// An order journaled before the crash but never handed to the broker
	// goes out now. Submitted orders are left to the broker.
	if o, ok := t.mgr.LiveOrder(); ok && o.Status == trading.OrderPending {
		if err := t.submit(ctx, o); err != nil {
			return err
		}
	}
	if _, open := t.mgr.Position(); open {
		if err := t.applyRecoveryMode(ctx); err != nil {
			return err
		}
	}

	if err := t.mgr.Record(ctx, journal.RecoveryCompleted, map[string]any{"state": t.mgr.State()}, ""); err != nil {
		return err
	}
	if op.Status == trading.StatusStarting {
		if err := t.mgr.SetStatus(ctx, trading.StatusActive, journal.OperationStarted, "started by recovery", ""); err != nil {
			return err
		}
	}
	if err := t.subscribe(ctx); err != nil {
		return err
	}
	t.snapshot("", "")
	t.log.Info("recovery completed", zap.String("state", string(t.mgr.State())))
	return nil
}

func (t *task) applyRecoveryMode(ctx context.Context) error {
	op := t.mgr.Operation()
	pos, _ := t.mgr.Position()
	price := t.markPrice(pos)
	t.mgr.UpdateMark(price)

	d := recoveryDecision{
		PositionID:   pos.ID,
		Side:         pos.Side,
		Quantity:     pos.Quantity,
		EntryPrice:   pos.EntryPrice,
		MarkPrice:    price,
		LossFraction: pos.LossFraction(price),
		Threshold:    op.EmergencyStopLossPct,
	}

	action, reason := journal.RecoveryClose, trading.ReasonRecoveryClose
	notes := "close all on restart"
	if op.CrashRecoveryMode != trading.RecoveryCloseAll {
		if !risk.EmergencyExit(pos, price, op.EmergencyStopLossPct) {
			return t.mgr.Record(ctx, journal.RecoveryResume, d,
				fmt.Sprintf("loss %.2f%% within %.2f%%", d.LossFraction*100, d.Threshold*100))
		}
		action, reason = journal.RecoveryEmergencyExit, trading.ReasonEmergencyExit
		notes = fmt.Sprintf("loss %.2f%% exceeds %.2f%%", d.LossFraction*100, d.Threshold*100)
	}

	if live, ok := t.mgr.LiveOrder(); ok {
		return t.mgr.Record(ctx, action, d, fmt.Sprintf("exit order %s already live", live.ID))
	}
	o, err := t.mgr.Close(ctx, action, reason, notes)
	if err != nil || o == nil {
		return err
	}
	t.log.Warn("flattening position on recovery",
		zap.String("position_id", pos.ID),
		zap.String("reason", reason),
		zap.Float64("quantity", pos.Quantity))
	return t.submit(ctx, *o)
}

// markPrice is the best price known at recovery: the close of the newest
// primary bar, then the last mark, then the entry.
func (t *task) markPrice(pos trading.Position) float64 {
	if bar, ok := t.aligner.Latest(t.aligner.Primary()); ok && bar.Close > 0 {
		return bar.Close
	}
	if pos.CurrentPrice > 0 {
		return pos.CurrentPrice
	}
	return pos.EntryPrice
}
