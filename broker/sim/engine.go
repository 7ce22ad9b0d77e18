// Package sim is an in-process paper broker. Ticks are pushed in with
// Publish (usually by the replay package) and orders fill against the
// latest quote: buys at the ask, sells at the bid.
package sim

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/id"
	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

const DefaultHistoryTicks = 100_000

type Config struct {
	// Commission is charged on every fill as a fraction of its notional.
	Commission float64
	// HistoryTicks bounds the ticks kept per asset for FetchHistoricalBars.
	HistoryTicks int
}

type Engine struct {
	cfg Config
	log *zap.Logger

	mu        sync.Mutex
	ticks     *pricing.TickStore
	history   map[string]*pricing.Ring[pricing.Tick]
	seeded    map[barKey][]pricing.Candle
	subs      map[string]map[uint64]broker.TickHandler
	nextSub   uint64
	resting   []*restingOrder
	submitted []broker.OrderRequest

	submitErrs []error
	rejects    []string
	fetchErrs  []error
}

type barKey struct {
	asset string
	tf    pricing.Timeframe
}

type restingOrder struct {
	brokerID string
	req      broker.OrderRequest
	fn       broker.OrderHandler
}

type delivery struct {
	fn broker.OrderHandler
	u  broker.OrderUpdate
}

var _ broker.Broker = (*Engine)(nil)

func NewEngine(cfg Config, log *zap.Logger) *Engine {
	if cfg.HistoryTicks <= 0 {
		cfg.HistoryTicks = DefaultHistoryTicks
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:     cfg,
		log:     log.Named("sim"),
		ticks:   pricing.NewTickStore(),
		history: make(map[string]*pricing.Ring[pricing.Tick]),
		seeded:  make(map[barKey][]pricing.Candle),
		subs:    make(map[string]map[uint64]broker.TickHandler),
	}
}

// Prices exposes the latest tick per asset.
func (e *Engine) Prices() *pricing.TickStore {
	return e.ticks
}

type subscription struct {
	once sync.Once
	stop func()
}

func (s *subscription) Unsubscribe() { s.once.Do(s.stop) }

func (e *Engine) SubscribeTicks(ctx context.Context, asset string, fn broker.TickHandler) (broker.Subscription, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if asset == "" || fn == nil {
		return nil, fmt.Errorf("subscribe: %w", broker.ErrUnknownAsset)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.nextSub++
	subID := e.nextSub
	if e.subs[asset] == nil {
		e.subs[asset] = make(map[uint64]broker.TickHandler)
	}
	e.subs[asset][subID] = fn

	return &subscription{stop: func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs[asset], subID)
	}}, nil
}

// Publish feeds one tick into the engine: resting orders that it triggers
// are filled, then subscribers of the asset receive it.
func (e *Engine) Publish(t pricing.Tick) {
	e.mu.Lock()
	e.ticks.Set(t)
	h := e.history[t.Asset]
	if h == nil {
		h = pricing.NewRing[pricing.Tick](e.cfg.HistoryTicks)
		e.history[t.Asset] = h
	}
	h.Push(t)

	var fills []delivery
	kept := e.resting[:0]
	for _, o := range e.resting {
		if o.req.Asset == t.Asset && triggered(o.req, t) {
			fills = append(fills, delivery{o.fn, e.fill(o.brokerID, o.req, t)})
			continue
		}
		kept = append(kept, o)
	}
	e.resting = kept

	handlers := make([]broker.TickHandler, 0, len(e.subs[t.Asset]))
	for _, fn := range e.subs[t.Asset] {
		handlers = append(handlers, fn)
	}
	e.mu.Unlock()

	for _, d := range fills {
		d.fn(d.u)
	}
	for _, fn := range handlers {
		fn(t)
	}
}

func (e *Engine) SubmitOrder(ctx context.Context, req broker.OrderRequest, fn broker.OrderHandler) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", broker.Transient(err)
	}
	if err := req.Validate(); err != nil {
		return "", err
	}
	if fn == nil {
		fn = func(broker.OrderUpdate) {}
	}

	e.mu.Lock()
	if len(e.submitErrs) > 0 {
		err := e.submitErrs[0]
		e.submitErrs = e.submitErrs[1:]
		e.mu.Unlock()
		return "", err
	}

	brokerID := "SIM-" + id.New()
	e.submitted = append(e.submitted, req)

	var d *delivery
	switch {
	case len(e.rejects) > 0:
		reason := e.rejects[0]
		e.rejects = e.rejects[1:]
		d = &delivery{fn, broker.OrderUpdate{
			ClientOrderID: req.ClientOrderID,
			BrokerOrderID: brokerID,
			Status:        trading.OrderRejected,
			Reason:        reason,
			Time:          e.now(req.Asset),
		}}
	default:
		if t, err := e.ticks.Get(req.Asset); err == nil && triggered(req, t) {
			d = &delivery{fn, e.fill(brokerID, req, t)}
		} else {
			e.resting = append(e.resting, &restingOrder{brokerID: brokerID, req: req, fn: fn})
		}
	}
	e.mu.Unlock()

	e.log.Debug("order accepted",
		zap.String("client_order_id", req.ClientOrderID),
		zap.String("broker_order_id", brokerID),
		zap.String("action", string(req.Action)),
		zap.Float64("quantity", req.Quantity))

	if d != nil {
		d.fn(d.u)
	}
	return brokerID, nil
}

// Cancel cancels a resting order. Orders that already filled are not found.
func (e *Engine) Cancel(ctx context.Context, brokerID string) error {
	e.mu.Lock()
	var found *restingOrder
	for i, o := range e.resting {
		if o.brokerID == brokerID {
			found = o
			e.resting = append(e.resting[:i], e.resting[i+1:]...)
			break
		}
	}
	var ts time.Time
	if found != nil {
		ts = e.now(found.req.Asset)
	}
	e.mu.Unlock()

	if found == nil {
		return fmt.Errorf("cancel %s: order not found", brokerID)
	}
	found.fn(broker.OrderUpdate{
		ClientOrderID: found.req.ClientOrderID,
		BrokerOrderID: brokerID,
		Status:        trading.OrderCancelled,
		Reason:        "cancelled",
		Time:          ts,
	})
	return nil
}

// fill prices req against t. Must hold e.mu.
func (e *Engine) fill(brokerID string, req broker.OrderRequest, t pricing.Tick) broker.OrderUpdate {
	price := fillPrice(req.Action, t)
	return broker.OrderUpdate{
		ClientOrderID: req.ClientOrderID,
		BrokerOrderID: brokerID,
		Status:        trading.OrderFilled,
		Quantity:      req.Quantity,
		Price:         price,
		Commission:    req.Quantity * price * e.cfg.Commission,
		Time:          t.Time,
	}
}

// now returns the latest market time of asset, falling back to the wall
// clock before the first tick. Must hold e.mu.
func (e *Engine) now(asset string) time.Time {
	if t, err := e.ticks.Get(asset); err == nil {
		return t.Time
	}
	return time.Now().UTC()
}

func fillPrice(a trading.Action, t pricing.Tick) float64 {
	if a == trading.Buy && t.Ask > 0 {
		return t.Ask
	}
	if a == trading.Sell && t.Bid > 0 {
		return t.Bid
	}
	return t.Last()
}

func triggered(req broker.OrderRequest, t pricing.Tick) bool {
	p := fillPrice(req.Action, t)
	if p <= 0 {
		return false
	}
	switch req.Type {
	case trading.Limit:
		if req.Action == trading.Buy {
			return p <= req.Price
		}
		return p >= req.Price
	case trading.Stop:
		if req.Action == trading.Buy {
			return p >= req.Price
		}
		return p <= req.Price
	}
	return true
}

// FetchHistoricalBars returns seeded bars when there are any, otherwise
// bars aggregated from the ticks published so far. The bar still being
// built is not included.
func (e *Engine) FetchHistoricalBars(ctx context.Context, asset string, tf pricing.Timeframe, count int) ([]pricing.Candle, error) {
	if err := ctx.Err(); err != nil {
		return nil, broker.Transient(err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.fetchErrs) > 0 {
		err := e.fetchErrs[0]
		e.fetchErrs = e.fetchErrs[1:]
		return nil, err
	}

	var bars []pricing.Candle
	if seeded, ok := e.seeded[barKey{asset, tf}]; ok {
		bars = append(bars, seeded...)
	} else if h := e.history[asset]; h != nil {
		agg := pricing.NewAggregator(tf)
		for _, t := range h.Slice() {
			if done, ok, err := agg.AddTick(t.Last(), t.Size, t.Time); err == nil && ok {
				bars = append(bars, done)
			}
		}
	}
	if count > 0 && len(bars) > count {
		bars = bars[len(bars)-count:]
	}
	return bars, nil
}

// SeedBars sets the history FetchHistoricalBars returns for asset and tf.
func (e *Engine) SeedBars(asset string, tf pricing.Timeframe, bars []pricing.Candle) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.seeded[barKey{asset, tf}] = append([]pricing.Candle(nil), bars...)
}

// Submitted returns every order the engine accepted, in order.
func (e *Engine) Submitted() []broker.OrderRequest {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]broker.OrderRequest(nil), e.submitted...)
}

// Resting returns the number of orders waiting for a price.
func (e *Engine) Resting() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.resting)
}

// FailSubmits makes the next len(errs) SubmitOrder calls return errs in turn.
func (e *Engine) FailSubmits(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submitErrs = append(e.submitErrs, errs...)
}

// RejectNext accepts the next len(reasons) orders and then rejects them
// through their handler.
func (e *Engine) RejectNext(reasons ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.rejects = append(e.rejects, reasons...)
}

// FailFetches makes the next len(errs) FetchHistoricalBars calls fail.
func (e *Engine) FailFetches(errs ...error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.fetchErrs = append(e.fetchErrs, errs...)
}
