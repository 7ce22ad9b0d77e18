// Package risk derives protective exit levels and position sizes from an
// operation's risk settings.
package risk

import (
	"errors"
	"fmt"

	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

// ErrNeedATR is returned when an ATR-based level is requested without an
// ATR value.
var ErrNeedATR = errors.New("risk: ATR value required")

// FallbackATRFraction stands in for ATR (as a fraction of price) when not
// enough bars exist to compute one.
const FallbackATRFraction = 0.001

// Protective is the stop-loss / take-profit bracket of a position.
type Protective struct {
	StopLoss   float64 `json:"stop_loss"`
	TakeProfit float64 `json:"take_profit"`
}

// Levels computes the bracket for a position on side entered at entry.
// atr is only consulted for ATR-based types.
func Levels(cfg trading.RiskConfig, side trading.Side, entry, atr float64) (Protective, error) {
	if entry <= 0 {
		return Protective{}, fmt.Errorf("risk: invalid entry price %v", entry)
	}
	sign := side.Sign()

	var stopDist float64
	switch cfg.StopLossType {
	case trading.StopLossATR:
		if atr <= 0 {
			return Protective{}, ErrNeedATR
		}
		stopDist = cfg.StopLossValue * atr
	case trading.StopLossPercentage:
		stopDist = cfg.StopLossValue * entry
	case trading.StopLossFixed:
		stopDist = cfg.StopLossValue
	default:
		return Protective{}, fmt.Errorf("risk: unknown stop_loss_type %q", cfg.StopLossType)
	}
	p := Protective{StopLoss: entry - sign*stopDist}

	switch cfg.TakeProfitType {
	case trading.TakeProfitRiskReward:
		p.TakeProfit = entry + sign*stopDist*cfg.TakeProfitValue
	case trading.TakeProfitATR:
		if atr <= 0 {
			return Protective{}, ErrNeedATR
		}
		p.TakeProfit = entry + sign*cfg.TakeProfitValue*atr
	case trading.TakeProfitPercentage:
		p.TakeProfit = entry + sign*cfg.TakeProfitValue*entry
	case trading.TakeProfitFixed:
		p.TakeProfit = cfg.TakeProfitValue
	default:
		return Protective{}, fmt.Errorf("risk: unknown take_profit_type %q", cfg.TakeProfitType)
	}
	return p, nil
}

// NeedsATR reports whether cfg uses ATR for either level.
func NeedsATR(cfg trading.RiskConfig) bool {
	return cfg.StopLossType == trading.StopLossATR || cfg.TakeProfitType == trading.TakeProfitATR
}

// CheckBar tests the bracket against a bar's range. When both levels lie
// inside the range the stop wins, since the bar's path is unknown.
func CheckBar(side trading.Side, p Protective, bar pricing.Candle) (reason string, level float64, hit bool) {
	if side == trading.Short {
		if p.StopLoss > 0 && bar.High >= p.StopLoss {
			return trading.ReasonStopLoss, p.StopLoss, true
		}
		if p.TakeProfit > 0 && bar.Low <= p.TakeProfit {
			return trading.ReasonTakeProfit, p.TakeProfit, true
		}
		return "", 0, false
	}
	if p.StopLoss > 0 && bar.Low <= p.StopLoss {
		return trading.ReasonStopLoss, p.StopLoss, true
	}
	if p.TakeProfit > 0 && bar.High >= p.TakeProfit {
		return trading.ReasonTakeProfit, p.TakeProfit, true
	}
	return "", 0, false
}

// CheckPrice tests the bracket against a single price.
func CheckPrice(side trading.Side, p Protective, price float64) (string, float64, bool) {
	return CheckBar(side, p, pricing.Candle{High: price, Low: price})
}

// EmergencyExit reports whether pos's unrealized loss at price exceeds
// threshold (a fraction of entry notional).
func EmergencyExit(pos trading.Position, price, threshold float64) bool {
	return pos.LossFraction(price) > threshold
}
