package pricing

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"
)

// ErrBadTick is returned by Tick.Validate for ticks that cannot be priced.
var ErrBadTick = errors.New("bad tick")

// Tick is a single market data update for one asset.
// Price is the last trade price; quote-only feeds leave it zero and
// carry Bid/Ask instead.
type Tick struct {
	Asset string
	Time  time.Time
	Price float64
	Size  float64
	Bid   float64
	Ask   float64
}

func (t Tick) Mid() float64 {
	if t.Bid == 0 && t.Ask == 0 {
		return 0
	}
	return (t.Bid + t.Ask) / 2
}

func (t Tick) Spread() float64 {
	return t.Ask - t.Bid
}

// Last returns the price bars are built from: the trade price when the
// feed has one, otherwise the mid quote.
func (t Tick) Last() float64 {
	if t.Price != 0 {
		return t.Price
	}
	return t.Mid()
}

// Validate rejects ticks with no timestamp or with a price that is not a
// positive finite number.
func (t Tick) Validate() error {
	if t.Time.IsZero() {
		return fmt.Errorf("%w: missing time", ErrBadTick)
	}
	p := t.Last()
	if math.IsNaN(p) || math.IsInf(p, 0) || p <= 0 {
		return fmt.Errorf("%w: price %v", ErrBadTick, p)
	}
	if t.Size < 0 || math.IsNaN(t.Size) || math.IsInf(t.Size, 0) {
		return fmt.Errorf("%w: size %v", ErrBadTick, t.Size)
	}
	return nil
}

// TickStore keeps the latest tick per asset.
type TickStore struct {
	mu    sync.RWMutex
	ticks map[string]Tick
}

func NewTickStore() *TickStore {
	return &TickStore{ticks: make(map[string]Tick)}
}

func (ps *TickStore) Set(p Tick) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.ticks[p.Asset] = p
}

func (ps *TickStore) Get(asset string) (Tick, error) {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	p, ok := ps.ticks[asset]
	if !ok {
		return Tick{}, fmt.Errorf("no price for %q", asset)
	}
	return p, nil
}
