package risk

import "math"

// Inputs sizes a position so that a stop-out loses RiskPct of Equity.
type Inputs struct {
	Equity     float64
	RiskPct    float64 // 0.01
	EntryPrice float64
	StopPrice  float64
	// QuoteToAccount converts one unit of quote currency into account
	// currency; 1.0 when they match.
	QuoteToAccount float64
	// Step is the tradeable quantity increment; 0 means 1.
	Step float64
}

type Result struct {
	Units        float64
	StopDistance float64
	RiskAmount   float64
}

// Calculate returns the largest multiple of Step whose loss at the stop
// does not exceed the risk amount. Units is 0 when no size fits.
func Calculate(in Inputs) Result {
	step := in.Step
	if step <= 0 {
		step = 1
	}
	q2a := in.QuoteToAccount
	if q2a <= 0 {
		q2a = 1
	}

	dist := math.Abs(in.EntryPrice - in.StopPrice)
	riskAmt := in.Equity * in.RiskPct
	res := Result{StopDistance: dist, RiskAmount: riskAmt}
	if dist == 0 || riskAmt <= 0 {
		return res
	}

	units := riskAmt / (dist * q2a)
	res.Units = math.Floor(units/step) * step
	return res
}

// PlannedRisk is the account-currency loss if the stop is hit.
func PlannedRisk(units, entry, stop, quoteToAccount float64) float64 {
	if quoteToAccount <= 0 {
		quoteToAccount = 1
	}
	return math.Abs(entry-stop) * units * quoteToAccount
}

// RR is the reward-to-risk ratio of a bracket.
func RR(entry, stop, takeProfit float64) float64 {
	r := math.Abs(entry - stop)
	if r == 0 {
		return 0
	}
	return math.Abs(takeProfit-entry) / r
}
