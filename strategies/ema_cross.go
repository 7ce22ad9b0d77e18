package strategies

import (
	"fmt"

	"github.com/rustyeddy/livetrader/indicators"
	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

// EMACrossConfig configures EMACross. TrendTimeframe, when set, must be one
// of the operation's timeframes; signals against that timeframe's trend are
// suppressed. TrendMA picks the trend average: "ema" or "sma". Crossovers
// are also suppressed while the ADX is below MinADX.
type EMACrossConfig struct {
	FastPeriod     int               `json:"fast_period"`
	SlowPeriod     int               `json:"slow_period"`
	TrendTimeframe pricing.Timeframe `json:"trend_timeframe"`
	TrendPeriod    int               `json:"trend_period"`
	TrendMA        string            `json:"trend_ma"`
	MinADX         float64           `json:"min_adx"`
	ADXPeriod      int               `json:"adx_period"`
}

func EMACrossConfigDefaults() EMACrossConfig {
	return EMACrossConfig{
		FastPeriod:  10,
		SlowPeriod:  30,
		TrendPeriod: 50,
		TrendMA:     "ema",
		ADXPeriod:   14,
	}
}

// EMACross signals on fast/slow EMA crossovers of the primary closes:
// BUY when the fast EMA crosses above the slow one, SELL when it crosses
// below. It recomputes from the row history each bar, so it needs no state
// to survive a restart.
type EMACross struct {
	EMACrossConfig
}

func NewEMACross(cfg Config) (Strategy, error) {
	c := EMACrossConfigDefaults()
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	if c.FastPeriod <= 0 || c.SlowPeriod <= 0 || c.FastPeriod >= c.SlowPeriod {
		return nil, fmt.Errorf("ema-cross: need 0 < fast_period < slow_period, got %d/%d", c.FastPeriod, c.SlowPeriod)
	}
	if c.TrendTimeframe != 0 && c.TrendPeriod <= 0 {
		return nil, fmt.Errorf("ema-cross: trend_period must be positive")
	}
	if c.TrendMA != "ema" && c.TrendMA != "sma" {
		return nil, fmt.Errorf("ema-cross: trend_ma must be ema or sma, got %q", c.TrendMA)
	}
	return &EMACross{EMACrossConfig: c}, nil
}

func (s *EMACross) Name() string {
	return fmt.Sprintf("ema-cross(%d,%d)", s.FastPeriod, s.SlowPeriod)
}

func (s *EMACross) Evaluate(rows pricing.AlignedRows) (trading.Signal, error) {
	hist := rows.History(rows.Primary)
	if len(hist) < s.SlowPeriod+1 {
		return trading.None, nil
	}

	fast := indicators.NewEMA(s.FastPeriod)
	slow := indicators.NewEMA(s.SlowPeriod)
	var lastDiff, diff float64
	haveLastDiff := false
	for i, c := range hist {
		fast.Update(c)
		slow.Update(c)
		if !fast.Ready() || !slow.Ready() {
			continue
		}
		if i == len(hist)-1 {
			diff = fast.Value() - slow.Value()
			break
		}
		lastDiff = fast.Value() - slow.Value()
		haveLastDiff = true
	}
	if !haveLastDiff {
		return trading.None, nil
	}

	// Bull cross: diff goes from <=0 to >0. Bear cross: >=0 to <0.
	bullCross := diff > 0 && lastDiff <= 0
	bearCross := diff < 0 && lastDiff >= 0
	if !bullCross && !bearCross {
		return trading.None, nil
	}

	if s.MinADX > 0 {
		adx, ready := indicators.Run(indicators.NewADX(s.ADXPeriod), hist)
		if !ready || adx < s.MinADX {
			return trading.None, nil
		}
	}

	px := rows.PrimaryBar().Close
	if s.TrendTimeframe != 0 {
		up, ok := s.trendUp(rows)
		if !ok || up != bullCross {
			return trading.None, nil
		}
	}

	if bullCross {
		return trading.BuySignal(px, "BullCross"), nil
	}
	return trading.SellSignal(px, "BearCross"), nil
}

// trendUp reports whether the trend timeframe's latest close sits above
// its moving average.
func (s *EMACross) trendUp(rows pricing.AlignedRows) (bool, bool) {
	bar, ok := rows.Bar(s.TrendTimeframe)
	if !ok {
		return false, false
	}
	var ma indicators.Indicator = indicators.NewEMA(s.TrendPeriod)
	if s.TrendMA == "sma" {
		ma = indicators.NewMA(s.TrendPeriod)
	}
	avg, ready := indicators.Run(ma, rows.History(s.TrendTimeframe))
	if !ready {
		return false, false
	}
	return bar.Close > avg, true
}
