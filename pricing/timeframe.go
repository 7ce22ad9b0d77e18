package pricing

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Timeframe is a fixed bar duration.
type Timeframe time.Duration

const (
	M1  = Timeframe(time.Minute)
	M5  = Timeframe(5 * time.Minute)
	M15 = Timeframe(15 * time.Minute)
	M30 = Timeframe(30 * time.Minute)
	H1  = Timeframe(time.Hour)
	H4  = Timeframe(4 * time.Hour)
	D1  = Timeframe(24 * time.Hour)
	W1  = Timeframe(7 * 24 * time.Hour)
)

var unitWords = map[string]time.Duration{
	"sec": time.Second, "secs": time.Second, "second": time.Second, "seconds": time.Second,
	"min": time.Minute, "mins": time.Minute, "minute": time.Minute, "minutes": time.Minute,
	"hour": time.Hour, "hours": time.Hour,
	"day": 24 * time.Hour, "days": 24 * time.Hour,
	"week": 7 * 24 * time.Hour, "weeks": 7 * 24 * time.Hour,
}

// ParseTimeframe accepts short codes ("M1", "M15", "H1", "H4", "D1", "W1")
// and long forms ("1 min", "15 mins", "1 hour", "1 day", "2 weeks").
// Plain Go durations ("90s", "2h") are accepted too.
func ParseTimeframe(s string) (Timeframe, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, fmt.Errorf("empty timeframe")
	}

	if tf, ok := parseCode(s); ok {
		return tf, nil
	}

	fields := strings.Fields(strings.ToLower(s))
	if len(fields) == 2 {
		n, err := strconv.Atoi(fields[0])
		unit, ok := unitWords[fields[1]]
		if err == nil && ok && n > 0 {
			return Timeframe(time.Duration(n) * unit), nil
		}
	}

	if d, err := time.ParseDuration(s); err == nil && d > 0 {
		return Timeframe(d), nil
	}
	return 0, fmt.Errorf("unknown timeframe %q", s)
}

func parseCode(s string) (Timeframe, bool) {
	if len(s) < 2 {
		return 0, false
	}
	n, err := strconv.Atoi(s[1:])
	if err != nil || n <= 0 {
		return 0, false
	}
	switch strings.ToUpper(s[:1]) {
	case "S":
		return Timeframe(time.Duration(n) * time.Second), true
	case "M":
		return Timeframe(time.Duration(n) * time.Minute), true
	case "H":
		return Timeframe(time.Duration(n) * time.Hour), true
	case "D":
		return Timeframe(time.Duration(n) * 24 * time.Hour), true
	case "W":
		return Timeframe(time.Duration(n) * 7 * 24 * time.Hour), true
	}
	return 0, false
}

// MustTimeframe is ParseTimeframe for constants and tests.
func MustTimeframe(s string) Timeframe {
	tf, err := ParseTimeframe(s)
	if err != nil {
		panic(err)
	}
	return tf
}

func (tf Timeframe) Duration() time.Duration {
	return time.Duration(tf)
}

// String renders the short code when one exists.
func (tf Timeframe) String() string {
	d := time.Duration(tf)
	day := 24 * time.Hour
	week := 7 * day
	switch {
	case d <= 0:
		return d.String()
	case d%week == 0:
		return fmt.Sprintf("W%d", d/week)
	case d%day == 0:
		return fmt.Sprintf("D%d", d/day)
	case d%time.Hour == 0:
		return fmt.Sprintf("H%d", d/time.Hour)
	case d%time.Minute == 0:
		return fmt.Sprintf("M%d", d/time.Minute)
	case d%time.Second == 0:
		return fmt.Sprintf("S%d", d/time.Second)
	}
	return d.String()
}

// Bucket returns the start of the bar containing ts: floor(ts/duration)
// measured from the Unix epoch in UTC.
func (tf Timeframe) Bucket(ts time.Time) time.Time {
	d := int64(tf)
	ns := ts.UnixNano()
	start := ns - ns%d
	if ns%d < 0 {
		start -= d
	}
	return time.Unix(0, start).UTC()
}

func (tf Timeframe) MarshalText() ([]byte, error) {
	return []byte(tf.String()), nil
}

func (tf *Timeframe) UnmarshalText(b []byte) error {
	v, err := ParseTimeframe(string(b))
	if err != nil {
		return err
	}
	*tf = v
	return nil
}
