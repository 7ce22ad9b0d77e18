package events

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

func barEvent(op string) Event {
	return Event{
		Kind:        BarCompleted,
		OperationID: op,
		Time:        time.Date(2024, 1, 1, 0, 1, 0, 0, time.UTC),
		Timeframe:   pricing.M1,
		Bar:         &pricing.Candle{Open: 1, High: 2, Low: 0.5, Close: 1.5},
	}
}

func TestMemoryFanOut(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	all, stopAll := m.Subscribe(4, nil)
	defer stopAll()
	onlyB, stopB := m.Subscribe(4, ForOperation("b"))
	defer stopB()

	ctx := context.Background()
	require.NoError(t, m.Publish(ctx, barEvent("a")))
	require.NoError(t, m.Publish(ctx, barEvent("b")))

	assert.Equal(t, "a", (<-all).OperationID)
	assert.Equal(t, "b", (<-all).OperationID)
	assert.Equal(t, "b", (<-onlyB).OperationID)
	assert.Empty(t, onlyB)

	assert.ErrorIs(t, m.Publish(ctx, Event{Kind: SignalKind}), ErrInvalidEvent)
}

func TestMemoryDropsForSlowSubscriber(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ch, stop := m.Subscribe(1, nil)
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		require.NoError(t, m.Publish(ctx, barEvent("a")))
	}
	assert.Len(t, ch, 1)
	assert.Equal(t, int64(2), m.Dropped())

	stop()
	stop()
	<-ch
	_, open := <-ch
	assert.False(t, open)
}

func TestMemoryClose(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ch, _ := m.Subscribe(1, nil)
	m.Close()
	_, open := <-ch
	assert.False(t, open)

	late, _ := m.Subscribe(1, nil)
	_, open = <-late
	assert.False(t, open)
	require.NoError(t, m.Publish(context.Background(), barEvent("a")))
}

type fakeRedis struct {
	channel string
	payload []byte
	err     error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.payload, _ = message.([]byte)
	cmd := redis.NewIntCmd(ctx)
	if f.err != nil {
		cmd.SetErr(f.err)
	} else {
		cmd.SetVal(1)
	}
	return cmd
}

func TestRedisPublishesJSON(t *testing.T) {
	t.Parallel()

	fake := &fakeRedis{}
	r := NewRedis(fake, "")
	sig := trading.BuySignal(1.25, "cross")
	evt := Event{Kind: SignalKind, OperationID: "op-1", Time: time.Unix(0, 0).UTC(), Signal: &sig}
	require.NoError(t, r.Publish(context.Background(), evt))

	assert.Equal(t, "trader:op-1", fake.channel)
	var got map[string]any
	require.NoError(t, json.Unmarshal(fake.payload, &got))
	assert.Equal(t, "SIGNAL", got["kind"])
	assert.Equal(t, "op-1", got["operation_id"])
	assert.NotContains(t, got, "bar")

	fake.err = errors.New("connection refused")
	err := r.Publish(context.Background(), evt)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
}

func TestMulti(t *testing.T) {
	t.Parallel()

	m := NewMemory()
	ch, stop := m.Subscribe(1, nil)
	defer stop()

	boom := &fakeRedis{err: errors.New("down")}
	bus := Multi{Nop{}, nil, m, NewRedis(boom, "x")}
	err := bus.Publish(context.Background(), barEvent("a"))
	assert.Error(t, err)
	assert.Len(t, ch, 1)
}
