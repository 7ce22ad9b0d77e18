package runtime

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/rustyeddy/livetrader/journal"
)

const meterName = "github.com/rustyeddy/livetrader/runtime"

type metrics struct {
	ticks          metric.Int64Counter
	ticksDropped   metric.Int64Counter
	ticksLate      metric.Int64Counter
	bars           metric.Int64Counter
	signals        metric.Int64Counter
	orders         metric.Int64Counter
	strategyErrors metric.Int64Counter
	journalLatency metric.Float64Histogram
}

func newMetrics(meter metric.Meter) (*metrics, error) {
	if meter == nil {
		meter = otel.Meter(meterName)
	}
	var (
		m   metrics
		err error
	)
	counter := func(dst *metric.Int64Counter, name, desc, unit string) {
		if err != nil {
			return
		}
		*dst, err = meter.Int64Counter(name, metric.WithDescription(desc), metric.WithUnit(unit))
		if err != nil {
			err = fmt.Errorf("create %s: %w", name, err)
		}
	}
	counter(&m.ticks, "trader_ticks_received", "Ticks delivered by the broker", "{tick}")
	counter(&m.ticksDropped, "trader_ticks_dropped", "Ticks dropped because the inbox was full", "{tick}")
	counter(&m.ticksLate, "trader_ticks_late", "Ticks older than the bar in progress", "{tick}")
	counter(&m.bars, "trader_bars_completed", "Completed bars", "{bar}")
	counter(&m.signals, "trader_signals", "Strategy signals other than NONE", "{signal}")
	counter(&m.orders, "trader_orders", "Order status changes", "{order}")
	counter(&m.strategyErrors, "trader_strategy_errors", "Strategy errors and panics", "{error}")
	if err != nil {
		return nil, err
	}

	m.journalLatency, err = meter.Float64Histogram("trader_journal_write_latency",
		metric.WithDescription("Journal append latency"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, fmt.Errorf("create trader_journal_write_latency: %w", err)
	}
	return &m, nil
}

func opAttr(operationID string) metric.MeasurementOption {
	return metric.WithAttributes(attribute.String("operation_id", operationID))
}

// timedStore records how long every journal append takes.
type timedStore struct {
	journal.Store
	latency metric.Float64Histogram
}

func (s timedStore) Append(ctx context.Context, b journal.Batch) (journal.Entry, error) {
	start := time.Now()
	e, err := s.Store.Append(ctx, b)
	s.latency.Record(ctx, float64(time.Since(start).Microseconds())/1000,
		metric.WithAttributes(
			attribute.String("operation_id", b.OperationID),
			attribute.String("action", string(b.Action)),
			attribute.Bool("ok", err == nil),
		))
	return e, err
}
