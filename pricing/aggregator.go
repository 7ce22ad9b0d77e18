package pricing

import (
	"errors"
	"time"
)

// ErrLateTick is returned for a tick older than the bar in progress.
var ErrLateTick = errors.New("late tick")

// Aggregator folds ticks into bars of one timeframe. It is not safe for
// concurrent use; each operation owns its aggregators.
type Aggregator struct {
	tf    Timeframe
	cur   Candle
	have  bool
	floor time.Time
	late  int
}

func NewAggregator(tf Timeframe) *Aggregator {
	return &Aggregator{tf: tf}
}

func (a *Aggregator) Timeframe() Timeframe { return a.tf }

// AddTick adds one trade to the aggregator. When the tick falls into a
// later bucket than the bar in progress, that bar is returned completed
// and a new one is started from the tick. Gaps do not produce empty bars.
//
// A tick that falls into an earlier bucket is dropped and ErrLateTick
// returned; the bar in progress is unchanged.
func (a *Aggregator) AddTick(price, size float64, ts time.Time) (Candle, bool, error) {
	start := a.tf.Bucket(ts)

	if !a.have {
		if !a.floor.IsZero() && !start.After(a.floor) {
			a.late++
			return Candle{}, false, ErrLateTick
		}
		a.cur = newCandle(start, price, size)
		a.have = true
		return Candle{}, false, nil
	}

	switch {
	case start.Equal(a.cur.Time):
		a.cur.add(price, size)
		return Candle{}, false, nil
	case start.Before(a.cur.Time):
		a.late++
		return Candle{}, false, ErrLateTick
	}

	done := a.cur
	a.cur = newCandle(start, price, size)
	return done, true, nil
}

// Current returns the bar in progress, if any.
func (a *Aggregator) Current() (Candle, bool) {
	return a.cur, a.have
}

// Late reports how many ticks have been dropped as late.
func (a *Aggregator) Late() int { return a.late }

// Seed marks last as already completed, so ticks belonging to its bucket
// or earlier are treated as late. Used after loading history.
func (a *Aggregator) Seed(last Candle) {
	if a.have {
		return
	}
	if last.Time.After(a.floor) {
		a.floor = last.Time
	}
}

// Flush returns the bar in progress and resets the aggregator. Bars built
// from live ticks are completed only by a boundary crossing; Flush is for
// callers that know no more ticks will come, such as the end of a replay.
func (a *Aggregator) Flush() (Candle, bool) {
	if !a.have {
		return Candle{}, false
	}
	done := a.cur
	a.floor = done.Time
	a.cur = Candle{}
	a.have = false
	return done, true
}
