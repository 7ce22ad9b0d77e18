// Package runtime runs trading operations. Every operation gets its own
// task goroutine that owns its bars, strategy and order manager; the
// Runtime holds the tasks and is the only way to reach them.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/events"
	"github.com/rustyeddy/livetrader/id"
	"github.com/rustyeddy/livetrader/journal"
	"github.com/rustyeddy/livetrader/orders"
	"github.com/rustyeddy/livetrader/strategies"
	"github.com/rustyeddy/livetrader/trading"
)

const (
	DefaultInboxSize          = 1024
	DefaultBootstrapBars      = 200
	DefaultProtectiveInterval = time.Second
	DefaultStopFlattenTimeout = 10 * time.Second
	DefaultRetryTimeout       = 30 * time.Second
	DefaultRetryInterval      = 250 * time.Millisecond
)

var (
	ErrNotFound          = errors.New("operation not found")
	ErrExists            = errors.New("operation already exists")
	ErrNotRunning        = errors.New("operation is not running")
	ErrInvalidTransition = errors.New("invalid operation transition")
	ErrClosed            = errors.New("runtime closed")
	ErrStillOpen         = errors.New("position still open")
)

type Config struct {
	// InboxSize bounds the ticks queued per operation.
	InboxSize int
	// BootstrapBars caps the history fetched per timeframe on start.
	BootstrapBars int
	// ProtectiveInterval is how often stop-loss and take-profit are checked
	// against the latest tick between bars.
	ProtectiveInterval time.Duration
	// StopFlattenTimeout is how long Stop waits for a flattening fill.
	StopFlattenTimeout time.Duration
	// RetryTimeout bounds retries of transient broker errors.
	RetryTimeout  time.Duration
	RetryInterval time.Duration

	MaxConsecutiveRejects int

	Strategies *strategies.Registry
	Events     events.Bus
	Meter      metric.Meter
	Log        *zap.Logger
	Now        func() time.Time
}

func (c *Config) applyDefaults() {
	if c.InboxSize <= 0 {
		c.InboxSize = DefaultInboxSize
	}
	if c.BootstrapBars <= 0 {
		c.BootstrapBars = DefaultBootstrapBars
	}
	if c.ProtectiveInterval <= 0 {
		c.ProtectiveInterval = DefaultProtectiveInterval
	}
	if c.StopFlattenTimeout <= 0 {
		c.StopFlattenTimeout = DefaultStopFlattenTimeout
	}
	if c.RetryTimeout <= 0 {
		c.RetryTimeout = DefaultRetryTimeout
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = DefaultRetryInterval
	}
	if c.MaxConsecutiveRejects <= 0 {
		c.MaxConsecutiveRejects = orders.DefaultMaxConsecutiveRejects
	}
	if c.Strategies == nil {
		c.Strategies = strategies.Default()
	}
	if c.Events == nil {
		c.Events = events.Nop{}
	}
	if c.Log == nil {
		c.Log = zap.NewNop()
	}
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
}

// Runtime owns the tasks of all running operations.
type Runtime struct {
	cfg     Config
	store   journal.Store
	broker  broker.Broker
	log     *zap.Logger
	metrics *metrics

	ctx    context.Context
	cancel context.CancelFunc
	wg     conc.WaitGroup

	mu     sync.Mutex
	tasks  map[string]*task
	ended  map[string]*Status // last snapshot of tasks that exited
	closed bool

	fatal     chan error
	fatalOnce sync.Once
}

func New(store journal.Store, brk broker.Broker, cfg Config) (*Runtime, error) {
	if store == nil || brk == nil {
		return nil, errors.New("runtime: store and broker are required")
	}
	cfg.applyDefaults()
	m, err := newMetrics(cfg.Meter)
	if err != nil {
		return nil, fmt.Errorf("runtime metrics: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Runtime{
		cfg:     cfg,
		store:   timedStore{Store: store, latency: m.journalLatency},
		broker:  brk,
		log:     cfg.Log.Named("runtime"),
		metrics: m,
		ctx:     ctx,
		cancel:  cancel,
		tasks:   make(map[string]*task),
		ended:   make(map[string]*Status),
		fatal:   make(chan error, 1),
	}, nil
}

// Fatal delivers the first unrecoverable failure: a journal that cannot be
// written or state that cannot be trusted. The process should exit.
func (r *Runtime) Fatal() <-chan error { return r.fatal }

func (r *Runtime) raise(err error) {
	r.fatalOnce.Do(func() {
		r.log.Error("fatal operation failure", zap.Error(err))
		r.fatal <- err
	})
}

func (r *Runtime) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = r.cfg.RetryInterval
	b.MaxInterval = 10 * r.cfg.RetryInterval
	return b
}

func (r *Runtime) task(id string) (*task, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	t, ok := r.tasks[id]
	return t, ok
}

// snapshot returns the status published by the operation's task, running
// or ended in this process.
func (r *Runtime) snapshot(id string) (Status, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if t, ok := r.tasks[id]; ok {
		return *t.status.Load(), true
	}
	if st, ok := r.ended[id]; ok {
		return *st, true
	}
	return Status{}, false
}

// launch registers t and starts its goroutine.
func (r *Runtime) launch(t *task) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if _, dup := r.tasks[t.id]; dup {
		return fmt.Errorf("%w: %s", ErrExists, t.id)
	}
	r.tasks[t.id] = t
	r.wg.Go(func() {
		t.run(r.ctx)
		r.retire(t)
	})
	return nil
}

// retire keeps the last snapshot of a task that is gone.
func (r *Runtime) retire(t *task) {
	st := *t.status.Load()
	st.Running = false
	r.mu.Lock()
	defer r.mu.Unlock()
	if cur, ok := r.tasks[t.id]; ok && cur != t {
		return
	}
	delete(r.tasks, t.id)
	r.ended[t.id] = &st
}

// prepare assigns an id, applies defaults and validates a new operation.
func prepare(op trading.Operation) (trading.Operation, error) {
	if op.ID == "" {
		op.ID = id.New()
	}
	op.Status = trading.StatusCreated
	op.ApplyDefaults()
	if err := op.Validate(); err != nil {
		return trading.Operation{}, fmt.Errorf("invalid operation: %w", err)
	}
	return op, nil
}

func absent(ctx context.Context, store journal.Store, id string) error {
	_, err := store.Operation(ctx, id)
	switch {
	case err == nil:
		return fmt.Errorf("%w: %s", ErrExists, id)
	case errors.Is(err, journal.ErrNotFound):
		return nil
	default:
		return fmt.Errorf("look up operation: %w", err)
	}
}

// Define validates op and journals it as CREATED without running it. A
// runtime picks it up with Start or StartCreated.
func Define(ctx context.Context, store journal.Store, reg *strategies.Registry, op trading.Operation) (trading.Operation, error) {
	op, err := prepare(op)
	if err != nil {
		return trading.Operation{}, err
	}
	if reg == nil {
		reg = strategies.Default()
	}
	if _, err := reg.New(op.Strategy, strategies.Config(op.StrategyConfig)); err != nil {
		return trading.Operation{}, fmt.Errorf("operation %s: %w", op.ID, err)
	}
	if err := absent(ctx, store, op.ID); err != nil {
		return trading.Operation{}, err
	}
	m := orders.NewManager(op, store, orders.Config{})
	if err := m.SetStatus(ctx, trading.StatusCreated, journal.OperationCreated, op.Name, ""); err != nil {
		return trading.Operation{}, err
	}
	return m.Operation(), nil
}

// CreateOperation validates op, journals it and starts it. The returned
// operation is ACTIVE.
func (r *Runtime) CreateOperation(ctx context.Context, op trading.Operation) (trading.Operation, error) {
	op, err := prepare(op)
	if err != nil {
		return trading.Operation{}, err
	}
	if _, running := r.task(op.ID); running {
		return trading.Operation{}, fmt.Errorf("%w: %s", ErrExists, op.ID)
	}
	if err := absent(ctx, r.store, op.ID); err != nil {
		return trading.Operation{}, err
	}

	t, err := r.newTask(op)
	if err != nil {
		return trading.Operation{}, err
	}
	if err := t.mgr.SetStatus(ctx, trading.StatusCreated, journal.OperationCreated, op.Name, ""); err != nil {
		return trading.Operation{}, err
	}
	if err := r.startTask(ctx, t); err != nil {
		return t.mgr.Operation(), err
	}
	return t.mgr.Operation(), nil
}

// Start runs an operation journaled as CREATED that never started.
func (r *Runtime) Start(ctx context.Context, id string) error {
	if _, running := r.task(id); running {
		return fmt.Errorf("%w: %s is already running", ErrInvalidTransition, id)
	}
	op, err := r.store.Operation(ctx, id)
	if err != nil {
		return r.lookupErr(id, err)
	}
	if op.Status != trading.StatusCreated {
		return fmt.Errorf("%w: start %s from %s", ErrInvalidTransition, id, op.Status)
	}
	t, err := r.newTask(op)
	if err != nil {
		r.markError(ctx, op, err)
		return err
	}
	return r.startTask(ctx, t)
}

// StartCreated starts every operation waiting in CREATED.
func (r *Runtime) StartCreated(ctx context.Context) error {
	ops, err := r.store.Operations(ctx, trading.StatusCreated)
	if err != nil {
		return fmt.Errorf("list operations: %w", err)
	}
	var errs []error
	for _, op := range ops {
		errs = append(errs, r.Start(ctx, op.ID))
	}
	return errors.Join(errs...)
}

func (r *Runtime) startTask(ctx context.Context, t *task) error {
	if err := t.start(ctx); err != nil {
		r.retire(t)
		return err
	}
	if err := r.launch(t); err != nil {
		t.unsubscribe()
		return err
	}
	op := t.mgr.Operation()
	r.log.Info("operation started",
		zap.String("operation_id", op.ID),
		zap.String("asset", op.Asset),
		zap.String("strategy", op.Strategy))
	return nil
}

// Pause stops acting on signals. Bars keep being built and protective
// exits keep firing.
func (r *Runtime) Pause(ctx context.Context, id string) error {
	t, ok := r.task(id)
	if !ok {
		return r.notRunning(ctx, id)
	}
	return t.exec(ctx, t.pause)
}

// Resume reactivates a paused operation, starting it first when it has no
// task.
func (r *Runtime) Resume(ctx context.Context, id string) error {
	t, ok := r.task(id)
	if !ok {
		op, err := r.store.Operation(ctx, id)
		if err != nil {
			return r.lookupErr(id, err)
		}
		if op.Status != trading.StatusPaused {
			return fmt.Errorf("%w: resume %s from %s", ErrInvalidTransition, id, op.Status)
		}
		if err := r.recoverOne(ctx, op); err != nil {
			return err
		}
		if t, ok = r.task(id); !ok {
			return fmt.Errorf("%w: %s", ErrNotRunning, id)
		}
	}
	return t.exec(ctx, t.resume)
}

// Stop closes the operation. With FlattenOnStop set, an open position is
// closed first.
func (r *Runtime) Stop(ctx context.Context, id string) error {
	t, ok := r.task(id)
	if !ok {
		return r.notRunning(ctx, id)
	}
	return t.exec(ctx, t.stop)
}

// ClosePosition flattens the open position of the operation.
func (r *Runtime) ClosePosition(ctx context.Context, id string) error {
	t, ok := r.task(id)
	if !ok {
		return r.notRunning(ctx, id)
	}
	return t.exec(ctx, t.closePosition)
}

func (r *Runtime) notRunning(ctx context.Context, id string) error {
	if _, err := r.store.Operation(ctx, id); err != nil {
		return r.lookupErr(id, err)
	}
	return fmt.Errorf("%w: %s", ErrNotRunning, id)
}

func (r *Runtime) lookupErr(id string, err error) error {
	if errors.Is(err, journal.ErrNotFound) {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return fmt.Errorf("look up operation %s: %w", id, err)
}

// Status is a point-in-time view of one operation.
type Status struct {
	Operation    trading.Operation `json:"operation"`
	State        orders.State      `json:"state"`
	Running      bool              `json:"running"`
	Position     *trading.Position `json:"position,omitempty"`
	LiveOrder    *trading.Order    `json:"live_order,omitempty"`
	LastTick     time.Time         `json:"last_tick,omitempty"`
	TicksDropped int64             `json:"ticks_dropped"`
	TicksLate    int64             `json:"ticks_late"`
}

// Status returns the latest snapshot published by the operation's task,
// or what the store holds for an operation this process has not run.
func (r *Runtime) Status(ctx context.Context, id string) (Status, error) {
	if st, ok := r.snapshot(id); ok {
		return st, nil
	}
	op, err := r.store.Operation(ctx, id)
	if err != nil {
		return Status{}, r.lookupErr(id, err)
	}
	return r.storedStatus(ctx, op)
}

func (r *Runtime) storedStatus(ctx context.Context, op trading.Operation) (Status, error) {
	st := Status{Operation: op, State: orders.NoPosition}
	open, err := r.store.OpenPositions(ctx, op.ID)
	if err != nil {
		return Status{}, fmt.Errorf("load positions of %s: %w", op.ID, err)
	}
	if len(open) > 0 {
		p := open[0]
		st.Position = &p
		st.State = orders.PositionOpen
	}
	return st, nil
}

// List returns the status of every known operation.
func (r *Runtime) List(ctx context.Context) ([]Status, error) {
	ops, err := r.store.Operations(ctx)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	out := make([]Status, 0, len(ops))
	for _, op := range ops {
		if st, ok := r.snapshot(op.ID); ok {
			out = append(out, st)
			continue
		}
		st, err := r.storedStatus(ctx, op)
		if err != nil {
			return nil, err
		}
		out = append(out, st)
	}
	return out, nil
}

// Close stops every task without changing the status of its operation,
// so that the next start recovers them.
func (r *Runtime) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()
	r.wg.Wait()
	return nil
}
