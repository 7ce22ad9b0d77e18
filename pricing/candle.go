package pricing

import "time"

// Candle is an OHLCV bar. Time is the start of the bar's bucket.
type Candle struct {
	Time time.Time `json:"time"`

	Open  float64 `json:"open"`
	High  float64 `json:"high"`
	Low   float64 `json:"low"`
	Close float64 `json:"close"`

	Volume float64 `json:"volume"`
}

func newCandle(start time.Time, price, size float64) Candle {
	return Candle{
		Time:   start,
		Open:   price,
		High:   price,
		Low:    price,
		Close:  price,
		Volume: size,
	}
}

func (c *Candle) add(price, size float64) {
	if price > c.High {
		c.High = price
	}
	if price < c.Low {
		c.Low = price
	}
	c.Close = price
	c.Volume += size
}

// Range is High-Low.
func (c Candle) Range() float64 {
	return c.High - c.Low
}
