package runtime

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rustyeddy/livetrader/pricing"
)

func tickAt(sec int) pricing.Tick {
	return pricing.Tick{Asset: "EUR_USD", Time: t0.Add(time.Duration(sec) * time.Second), Price: 1.1}
}

func TestInboxDropsOldestWhenFull(t *testing.T) {
	t.Parallel()

	q := newInbox(3)
	for i := 1; i <= 5; i++ {
		ok, dropped := q.Push(tickAt(i))
		require.True(t, ok)
		assert.Equal(t, i > 3, dropped, "push %d", i)
	}
	assert.Equal(t, 3, q.Len())
	assert.EqualValues(t, 2, q.Dropped())

	var got []time.Time
	for {
		tk, ok := q.Pop()
		if !ok {
			break
		}
		got = append(got, tk.Time)
	}
	assert.Equal(t, []time.Time{tickAt(3).Time, tickAt(4).Time, tickAt(5).Time}, got)
}

func TestInboxSignalsWhileTicksRemain(t *testing.T) {
	t.Parallel()

	q := newInbox(4)
	q.Push(tickAt(1))
	q.Push(tickAt(2))

	<-q.Ready()
	_, ok := q.Pop()
	require.True(t, ok)

	select {
	case <-q.Ready():
	default:
		t.Fatal("inbox not signalled with a tick left")
	}
	_, ok = q.Pop()
	require.True(t, ok)

	select {
	case <-q.Ready():
		t.Fatal("inbox signalled while empty")
	default:
	}
}

func TestInboxIgnoresPushesAfterClose(t *testing.T) {
	t.Parallel()

	q := newInbox(2)
	q.Push(tickAt(1))
	q.Close()

	ok, _ := q.Push(tickAt(2))
	assert.False(t, ok)
	assert.Equal(t, 1, q.Len())

	tk, ok := q.Pop()
	require.True(t, ok)
	assert.Equal(t, tickAt(1).Time, tk.Time)
}

func TestMailboxKeepsEveryItem(t *testing.T) {
	t.Parallel()

	m := newMailbox[int]()
	for i := 0; i < 10_000; i++ {
		m.Push(i)
	}
	<-m.Ready()
	got := m.Drain()
	require.Len(t, got, 10_000)
	assert.Equal(t, 0, got[0])
	assert.Equal(t, 9_999, got[len(got)-1])
	assert.Empty(t, m.Drain())
}
