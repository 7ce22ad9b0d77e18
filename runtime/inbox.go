package runtime

import (
	"sync"

	"github.com/rustyeddy/livetrader/pricing"
)

// inbox carries ticks from the broker's callback to the operation task.
// It is bounded and Push never blocks: when it is full the oldest queued
// tick is dropped.
type inbox struct {
	mu      sync.Mutex
	buf     []pricing.Tick
	head    int
	n       int
	dropped int64
	closed  bool
	ready   chan struct{}
}

func newInbox(size int) *inbox {
	if size <= 0 {
		size = DefaultInboxSize
	}
	return &inbox{
		buf:   make([]pricing.Tick, size),
		ready: make(chan struct{}, 1),
	}
}

// Push queues t. It reports whether an older tick was dropped to make room.
// Ticks pushed after Close are ignored.
func (q *inbox) Push(t pricing.Tick) (accepted, dropped bool) {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false, false
	}
	if q.n == len(q.buf) {
		q.head = (q.head + 1) % len(q.buf)
		q.n--
		q.dropped++
		dropped = true
	}
	q.buf[(q.head+q.n)%len(q.buf)] = t
	q.n++
	q.mu.Unlock()

	q.signal()
	return true, dropped
}

// Pop takes the oldest tick.
func (q *inbox) Pop() (pricing.Tick, bool) {
	q.mu.Lock()
	if q.n == 0 {
		q.mu.Unlock()
		return pricing.Tick{}, false
	}
	t := q.buf[q.head]
	q.buf[q.head] = pricing.Tick{}
	q.head = (q.head + 1) % len(q.buf)
	q.n--
	more := q.n > 0
	q.mu.Unlock()

	if more {
		q.signal()
	}
	return t, true
}

func (q *inbox) signal() {
	select {
	case q.ready <- struct{}{}:
	default:
	}
}

// Ready is signalled when ticks are waiting.
func (q *inbox) Ready() <-chan struct{} { return q.ready }

func (q *inbox) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.n
}

func (q *inbox) Dropped() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.dropped
}

// Close stops accepting ticks. Queued ticks can still be popped.
func (q *inbox) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
}

// mailbox is an unbounded queue. Order updates go through it so that
// none is ever dropped.
type mailbox[T any] struct {
	mu    sync.Mutex
	items []T
	ready chan struct{}
}

func newMailbox[T any]() *mailbox[T] {
	return &mailbox[T]{ready: make(chan struct{}, 1)}
}

func (m *mailbox[T]) Push(v T) {
	m.mu.Lock()
	m.items = append(m.items, v)
	m.mu.Unlock()

	select {
	case m.ready <- struct{}{}:
	default:
	}
}

// Drain takes everything queued, oldest first.
func (m *mailbox[T]) Drain() []T {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := m.items
	m.items = nil
	return out
}

func (m *mailbox[T]) Ready() <-chan struct{} { return m.ready }
