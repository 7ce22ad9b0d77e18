package events

import (
	"context"
	"sync"
	"sync/atomic"
)

const defaultBuffer = 256

// Memory fans events out to in-process subscribers. Each subscriber has
// its own buffered channel; when it is full the event is dropped for that
// subscriber only.
type Memory struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber
	nextID  uint64
	dropped atomic.Int64
	closed  bool
}

type subscriber struct {
	ch     chan Event
	filter func(Event) bool
	once   sync.Once
}

func (s *subscriber) close() { s.once.Do(func() { close(s.ch) }) }

func NewMemory() *Memory {
	return &Memory{subs: make(map[uint64]*subscriber)}
}

// Subscribe returns a channel of events accepted by filter (all when nil)
// and a function that ends the subscription and closes the channel.
func (m *Memory) Subscribe(buffer int, filter func(Event) bool) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = defaultBuffer
	}
	sub := &subscriber{ch: make(chan Event, buffer), filter: filter}

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		sub.close()
		return sub.ch, func() {}
	}
	m.nextID++
	id := m.nextID
	m.subs[id] = sub

	return sub.ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if s, ok := m.subs[id]; ok {
			delete(m.subs, id)
			s.close()
		}
	}
}

func (m *Memory) Publish(ctx context.Context, evt Event) error {
	if err := evt.Validate(); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.subs {
		if s.filter != nil && !s.filter(evt) {
			continue
		}
		select {
		case s.ch <- evt:
		default:
			m.dropped.Add(1)
		}
	}
	return nil
}

// Dropped counts deliveries skipped because a subscriber was full.
func (m *Memory) Dropped() int64 { return m.dropped.Load() }

// Close ends every subscription.
func (m *Memory) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, s := range m.subs {
		delete(m.subs, id)
		s.close()
	}
	m.closed = true
}

// ForOperation is a Subscribe filter for one operation's events.
func ForOperation(id string) func(Event) bool {
	return func(e Event) bool { return e.OperationID == id }
}
