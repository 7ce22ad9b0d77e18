package journal

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

// Memory is an in-process Store. It is used by tests and by paper runs
// that do not need durability.
type Memory struct {
	mu sync.Mutex

	entries      map[string][]Entry
	operations   map[string]trading.Operation
	orders       map[string]trading.Order
	positions    map[string]trading.Position
	transactions map[string]trading.Transaction
	trades       map[string]trading.Trade
	bars         map[string]map[int64]pricing.Candle

	failAppend error
	closed     bool
}

func NewMemory() *Memory {
	return &Memory{
		entries:      make(map[string][]Entry),
		operations:   make(map[string]trading.Operation),
		orders:       make(map[string]trading.Order),
		positions:    make(map[string]trading.Position),
		transactions: make(map[string]trading.Transaction),
		trades:       make(map[string]trading.Trade),
		bars:         make(map[string]map[int64]pricing.Candle),
	}
}

// FailAppends makes every following Append return err. A nil err clears it.
func (m *Memory) FailAppends(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failAppend = err
}

func (m *Memory) Append(ctx context.Context, b Batch) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	if b.OperationID == "" {
		return Entry{}, errors.New("journal: operation id required")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return Entry{}, ErrClosed
	}
	if m.failAppend != nil {
		return Entry{}, m.failAppend
	}

	for _, t := range b.Transactions {
		if _, dup := m.transactions[t.ID]; dup {
			return Entry{}, fmt.Errorf("journal: insert transaction: duplicate id %q", t.ID)
		}
	}
	for _, t := range b.Trades {
		if _, dup := m.trades[t.ID]; dup {
			return Entry{}, fmt.Errorf("journal: insert trade: duplicate id %q", t.ID)
		}
	}

	es, err := entries(b, uint64(len(m.entries[b.OperationID]))+1)
	if err != nil {
		return Entry{}, err
	}
	m.entries[b.OperationID] = append(m.entries[b.OperationID], es...)

	if b.Operation != nil {
		m.operations[b.Operation.ID] = cloneOperation(*b.Operation)
	}
	for _, o := range b.Orders {
		m.orders[o.ID] = o
	}
	for _, p := range b.Positions {
		m.positions[p.ID] = p
	}
	for _, t := range b.Transactions {
		m.transactions[t.ID] = t
	}
	for _, t := range b.Trades {
		m.trades[t.ID] = t
	}
	return es[len(es)-1], nil
}

func cloneOperation(op trading.Operation) trading.Operation {
	op.Timeframes = append([]pricing.Timeframe(nil), op.Timeframes...)
	if op.StrategyConfig != nil {
		cfg := make(map[string]any, len(op.StrategyConfig))
		for k, v := range op.StrategyConfig {
			cfg[k] = v
		}
		op.StrategyConfig = cfg
	}
	return op
}

func (m *Memory) Entries(ctx context.Context, operationID string, afterSeq uint64, limit int) ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []Entry
	for _, e := range m.entries[operationID] {
		if e.Seq <= afterSeq {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}

func (m *Memory) LastSeq(ctx context.Context, operationID string) (uint64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return uint64(len(m.entries[operationID])), nil
}

func barKey(operationID string, tf pricing.Timeframe) string {
	return fmt.Sprintf("%s/%d", operationID, int64(tf))
}

func (m *Memory) SaveBars(ctx context.Context, operationID string, tf pricing.Timeframe, bars []pricing.Candle) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrClosed
	}
	k := barKey(operationID, tf)
	if m.bars[k] == nil {
		m.bars[k] = make(map[int64]pricing.Candle)
	}
	for _, c := range bars {
		m.bars[k][c.Time.UnixNano()] = c
	}
	return nil
}

func (m *Memory) Bars(ctx context.Context, operationID string, tf pricing.Timeframe, limit int) ([]pricing.Candle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]pricing.Candle, 0, len(m.bars[barKey(operationID, tf)]))
	for _, c := range m.bars[barKey(operationID, tf)] {
		out = append(out, c)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].Time.Before(out[b].Time) })
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

func (m *Memory) Operation(ctx context.Context, id string) (trading.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	op, ok := m.operations[id]
	if !ok {
		return trading.Operation{}, fmt.Errorf("operation %q: %w", id, ErrNotFound)
	}
	return cloneOperation(op), nil
}

func (m *Memory) Operations(ctx context.Context, statuses ...trading.OperationStatus) ([]trading.Operation, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	want := map[trading.OperationStatus]bool{}
	for _, s := range statuses {
		want[s] = true
	}
	var out []trading.Operation
	for _, op := range m.operations {
		if len(want) > 0 && !want[op.Status] {
			continue
		}
		out = append(out, cloneOperation(op))
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out, nil
}

func collect[T any](m map[string]T, keep func(T) bool, less func(a, b T) bool) []T {
	var out []T
	for _, v := range m {
		if keep(v) {
			out = append(out, v)
		}
	}
	sort.Slice(out, func(a, b int) bool { return less(out[a], out[b]) })
	return out
}

func (m *Memory) Positions(ctx context.Context, operationID string) ([]trading.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return collect(m.positions,
		func(p trading.Position) bool { return p.OperationID == operationID },
		positionLess), nil
}

func (m *Memory) OpenPositions(ctx context.Context, operationID string) ([]trading.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return collect(m.positions,
		func(p trading.Position) bool { return p.OperationID == operationID && p.Open() },
		positionLess), nil
}

func positionLess(a, b trading.Position) bool {
	if !a.OpenedAt.Equal(b.OpenedAt) {
		return a.OpenedAt.Before(b.OpenedAt)
	}
	return a.ID < b.ID
}

func (m *Memory) Orders(ctx context.Context, operationID string) ([]trading.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return collect(m.orders,
		func(o trading.Order) bool { return o.OperationID == operationID },
		orderLess), nil
}

func (m *Memory) OpenOrders(ctx context.Context, operationID string) ([]trading.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return collect(m.orders,
		func(o trading.Order) bool { return o.OperationID == operationID && !o.Status.Terminal() },
		orderLess), nil
}

func orderLess(a, b trading.Order) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (m *Memory) Transactions(ctx context.Context, operationID string) ([]trading.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return collect(m.transactions,
		func(t trading.Transaction) bool { return t.OperationID == operationID },
		func(a, b trading.Transaction) bool {
			if !a.ExecutedAt.Equal(b.ExecutedAt) {
				return a.ExecutedAt.Before(b.ExecutedAt)
			}
			return a.ID < b.ID
		}), nil
}

func (m *Memory) Trades(ctx context.Context, operationID string) ([]trading.Trade, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return collect(m.trades,
		func(t trading.Trade) bool { return t.OperationID == operationID },
		func(a, b trading.Trade) bool {
			if !a.ExitTime.Equal(b.ExitTime) {
				return a.ExitTime.Before(b.ExitTime)
			}
			return a.ID < b.ID
		}), nil
}

func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
