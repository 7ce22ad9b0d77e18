// Package indicators provides streaming technical indicators over closed bars.
package indicators

import "github.com/rustyeddy/livetrader/pricing"

// Indicator computes a single streaming value from candles.
type Indicator interface {
	// Name returns a stable identifier like "EMA(20)".
	Name() string

	// Warmup returns how many updates are needed before Ready() can be true.
	Warmup() int

	Reset()

	// Update consumes the next closed candle.
	Update(c pricing.Candle)

	Ready() bool

	// Value is 0 until Ready.
	Value() float64
}

// Run feeds candles through ind and returns the final value and readiness.
func Run(ind Indicator, candles []pricing.Candle) (float64, bool) {
	ind.Reset()
	for _, c := range candles {
		ind.Update(c)
	}
	return ind.Value(), ind.Ready()
}
