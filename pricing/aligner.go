package pricing

import (
	"fmt"
	"time"
)

// DefaultRetention is the number of bars kept per timeframe.
const DefaultRetention = 1000

// Aligner keeps the recent completed bars of every timeframe of an
// operation and joins them into one row each time a primary bar completes.
type Aligner struct {
	primary Timeframe
	tfs     []Timeframe
	bufs    map[Timeframe]*Ring[Candle]
}

// NewAligner builds an aligner for tfs. primary must be one of tfs.
func NewAligner(primary Timeframe, tfs []Timeframe, retention int) (*Aligner, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	a := &Aligner{
		primary: primary,
		bufs:    make(map[Timeframe]*Ring[Candle], len(tfs)),
	}
	for _, tf := range tfs {
		if tf <= 0 {
			return nil, fmt.Errorf("aligner: invalid timeframe %v", tf)
		}
		if _, dup := a.bufs[tf]; dup {
			return nil, fmt.Errorf("aligner: duplicate timeframe %s", tf)
		}
		a.tfs = append(a.tfs, tf)
		a.bufs[tf] = NewRing[Candle](retention)
	}
	if _, ok := a.bufs[primary]; !ok {
		return nil, fmt.Errorf("aligner: primary timeframe %s not in %v", primary, tfs)
	}
	return a, nil
}

func (a *Aligner) Primary() Timeframe { return a.primary }

func (a *Aligner) Timeframes() []Timeframe {
	return append([]Timeframe(nil), a.tfs...)
}

// Add records a completed bar. Only a primary bar can produce a row, and
// only once every timeframe holds a bar at or before the primary bar's time.
func (a *Aligner) Add(tf Timeframe, bar Candle) (AlignedRows, bool) {
	buf, ok := a.bufs[tf]
	if !ok {
		return AlignedRows{}, false
	}
	buf.Push(bar)
	if tf != a.primary {
		return AlignedRows{}, false
	}
	return a.align(bar)
}

func (a *Aligner) align(primary Candle) (AlignedRows, bool) {
	rows := AlignedRows{
		Time:    primary.Time,
		Primary: a.primary,
		Bars:    make(map[Timeframe]Candle, len(a.tfs)),
		src:     a,
	}
	for _, tf := range a.tfs {
		if tf == a.primary {
			rows.Bars[tf] = primary
			continue
		}
		bar, ok := latestAtOrBefore(a.bufs[tf], primary.Time)
		if !ok {
			return AlignedRows{}, false
		}
		rows.Bars[tf] = bar
	}
	return rows, true
}

func latestAtOrBefore(r *Ring[Candle], t time.Time) (Candle, bool) {
	for i := r.Len() - 1; i >= 0; i-- {
		if c := r.At(i); !c.Time.After(t) {
			return c, true
		}
	}
	return Candle{}, false
}

// Load replaces the buffer of tf with bars, oldest first. Bars beyond the
// retention keep only the newest.
func (a *Aligner) Load(tf Timeframe, bars []Candle) error {
	buf, ok := a.bufs[tf]
	if !ok {
		return fmt.Errorf("aligner: unknown timeframe %s", tf)
	}
	buf.Reset()
	for _, b := range bars {
		buf.Push(b)
	}
	return nil
}

// Latest returns the newest completed bar of tf.
func (a *Aligner) Latest(tf Timeframe) (Candle, bool) {
	buf, ok := a.bufs[tf]
	if !ok {
		return Candle{}, false
	}
	return buf.Last()
}

// History copies the retained bars of tf, oldest first.
func (a *Aligner) History(tf Timeframe) []Candle {
	buf, ok := a.bufs[tf]
	if !ok {
		return nil
	}
	return buf.Slice()
}

func (a *Aligner) Len(tf Timeframe) int {
	if buf, ok := a.bufs[tf]; ok {
		return buf.Len()
	}
	return 0
}

// AlignedRows is the multi-timeframe view handed to a strategy: the
// primary bar that just completed and, for each other timeframe, its most
// recent completed bar at or before that time.
type AlignedRows struct {
	Time    time.Time
	Primary Timeframe
	Bars    map[Timeframe]Candle

	src *Aligner
}

// PrimaryBar returns the bar that triggered the row.
func (r AlignedRows) PrimaryBar() Candle {
	return r.Bars[r.Primary]
}

func (r AlignedRows) Bar(tf Timeframe) (Candle, bool) {
	c, ok := r.Bars[tf]
	return c, ok
}

// History returns the retained bars of tf up to and including the row's
// time, oldest first.
func (r AlignedRows) History(tf Timeframe) []Candle {
	if r.src == nil {
		if c, ok := r.Bars[tf]; ok {
			return []Candle{c}
		}
		return nil
	}
	all := r.src.History(tf)
	n := len(all)
	for n > 0 && all[n-1].Time.After(r.Time) {
		n--
	}
	return all[:n]
}
