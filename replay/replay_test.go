package replay

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/rustyeddy/livetrader/broker"
	"github.com/rustyeddy/livetrader/broker/sim"
	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

const scenario = `time,instrument,bid,ask
2026-01-24T09:30:00Z,EUR_USD,1.1000,1.1002
2026-01-24T09:30:05Z,EUR_USD,1.1010,1.1012
2026-01-24T09:30:10Z,EUR_USD,1.1020,1.1022
2026-01-24T09:31:00Z,EUR_USD,1.1030,1.1032,250
`

type collector struct{ ticks []pricing.Tick }

func (c *collector) Publish(t pricing.Tick) { c.ticks = append(c.ticks, t) }

func TestCSVParsesTicks(t *testing.T) {
	t.Parallel()

	var c collector
	n, err := CSV(context.Background(), strings.NewReader(scenario), &c, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, c.ticks, 4)

	first := c.ticks[0]
	assert.Equal(t, "EUR_USD", first.Asset)
	assert.Equal(t, 1.1000, first.Bid)
	assert.Equal(t, 1.1002, first.Ask)
	assert.True(t, time.Date(2026, 1, 24, 9, 30, 0, 0, time.UTC).Equal(first.Time))
	assert.Equal(t, 250.0, c.ticks[3].Size)
}

func TestCSVBadRows(t *testing.T) {
	t.Parallel()

	data := "2026-01-24T09:30:00Z,EUR_USD,1.1,1.2\nyesterday,EUR_USD,1,1\n2026-01-24T09:30:01Z,EUR_USD,x,1\n2026-01-24T09:30:02Z,EUR_USD,1.3,1.4\n"

	var c collector
	_, err := CSV(context.Background(), strings.NewReader(data), &c, Options{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "line 2")
	assert.Len(t, c.ticks, 1, "no header row, first line is data")

	c = collector{}
	n, err := CSV(context.Background(), strings.NewReader(data), &c, Options{SkipBad: true, Log: zaptest.NewLogger(t)})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestCSVHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var c collector
	_, err := CSV(ctx, strings.NewReader(scenario), &c, Options{})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Empty(t, c.ticks)
}

func TestCSVSpeedWaitsBetweenTicks(t *testing.T) {
	t.Parallel()

	data := "2026-01-24T09:30:00Z,EUR_USD,1.1,1.2\n2026-01-24T09:30:01Z,EUR_USD,1.1,1.2\n"
	var c collector
	start := time.Now()
	_, err := CSV(context.Background(), strings.NewReader(data), &c, Options{Speed: 20})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 40*time.Millisecond)
}

func TestFileReplayFillsSimOrders(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "ticks.csv")
	require.NoError(t, os.WriteFile(path, []byte(scenario), 0o644))

	engine := sim.NewEngine(sim.Config{}, nil)
	var fills []broker.OrderUpdate
	_, err := engine.SubmitOrder(context.Background(), broker.OrderRequest{
		ClientOrderID: "tp", Asset: "EUR_USD", Type: trading.Limit, Action: trading.Sell, Quantity: 10000, Price: 1.1020,
	}, func(u broker.OrderUpdate) { fills = append(fills, u) })
	require.NoError(t, err)

	n, err := File(context.Background(), path, engine, Options{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	require.Len(t, fills, 1)
	assert.Equal(t, 1.1020, fills[0].Price)

	last, err := engine.Prices().Get("EUR_USD")
	require.NoError(t, err)
	assert.Equal(t, 1.1030, last.Bid)
}
