// Package replay feeds recorded ticks into a paper broker.
package replay

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rustyeddy/livetrader/pricing"
)

// Publisher accepts ticks; *sim.Engine is one.
type Publisher interface {
	Publish(pricing.Tick)
}

// Options controls how replay behaves.
type Options struct {
	// Speed scales the gaps between tick timestamps: 1 replays in real
	// time, 10 ten times faster. Zero or less replays without waiting.
	Speed float64
	// SkipBad logs and skips malformed rows instead of failing.
	SkipBad bool
	Log     *zap.Logger
}

// File replays the CSV file at path. See CSV.
func File(ctx context.Context, path string, pub Publisher, opts Options) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()
	return CSV(ctx, f, pub, opts)
}

// CSV replays ticks from r and returns how many were published.
//
// Rows are:
//
//	time,instrument,bid,ask[,size]
//
// time is RFC3339 (fractional seconds allowed). A first row whose first
// column is "time" is taken as a header. Rows with a price column only
// (bid == ask) are fine; bars are built from the mid.
func CSV(ctx context.Context, r io.Reader, pub Publisher, opts Options) (int, error) {
	log := opts.Log
	if log == nil {
		log = zap.NewNop()
	}

	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.ReuseRecord = true

	var (
		n    int
		line int
		prev time.Time
	)
	for {
		row, err := cr.Read()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, err
		}
		line++
		if len(row) == 0 || (len(row) == 1 && strings.TrimSpace(row[0]) == "") {
			continue
		}
		if line == 1 && strings.EqualFold(strings.TrimSpace(row[0]), "time") {
			continue
		}

		tick, err := parseRow(row)
		if err != nil {
			if opts.SkipBad {
				log.Warn("skipping replay row", zap.Int("line", line), zap.Error(err))
				continue
			}
			return n, fmt.Errorf("line %d: %w", line, err)
		}

		if opts.Speed > 0 && !prev.IsZero() && tick.Time.After(prev) {
			wait := time.Duration(float64(tick.Time.Sub(prev)) / opts.Speed)
			if err := sleep(ctx, wait); err != nil {
				return n, err
			}
		} else if err := ctx.Err(); err != nil {
			return n, err
		}
		prev = tick.Time

		pub.Publish(tick)
		n++
	}
}

func parseRow(row []string) (pricing.Tick, error) {
	// Minimum tick columns: time,instrument,bid,ask
	if len(row) < 4 {
		return pricing.Tick{}, fmt.Errorf("bad row (need at least 4 cols time,instrument,bid,ask): %v", row)
	}

	t, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(row[0]))
	if err != nil {
		return pricing.Tick{}, fmt.Errorf("bad time %q: %w", row[0], err)
	}
	inst := strings.TrimSpace(row[1])
	if inst == "" {
		return pricing.Tick{}, fmt.Errorf("instrument is empty")
	}

	bid, err := strconv.ParseFloat(strings.TrimSpace(row[2]), 64)
	if err != nil {
		return pricing.Tick{}, fmt.Errorf("bad bid %q: %w", row[2], err)
	}
	ask, err := strconv.ParseFloat(strings.TrimSpace(row[3]), 64)
	if err != nil {
		return pricing.Tick{}, fmt.Errorf("bad ask %q: %w", row[3], err)
	}

	tick := pricing.Tick{Asset: inst, Time: t.UTC(), Bid: bid, Ask: ask}
	if len(row) >= 5 && strings.TrimSpace(row[4]) != "" {
		size, err := strconv.ParseFloat(strings.TrimSpace(row[4]), 64)
		if err != nil {
			return pricing.Tick{}, fmt.Errorf("bad size %q: %w", row[4], err)
		}
		tick.Size = size
	}
	return tick, nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
