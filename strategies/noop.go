package strategies

import (
	"fmt"
	"strings"

	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

// Noop never signals.
type Noop struct{}

func NewNoop(Config) (Strategy, error) { return Noop{}, nil }

func (Noop) Name() string { return "noop" }

func (Noop) Evaluate(pricing.AlignedRows) (trading.Signal, error) {
	return trading.None, nil
}

// OpenOnce emits one signal on the first row it sees and nothing after.
// Handy for exercising the order path end to end.
type OpenOnce struct {
	Side  string `json:"side"`
	fired bool
}

func NewOpenOnce(cfg Config) (Strategy, error) {
	s := &OpenOnce{Side: "BUY"}
	if err := cfg.Decode(s); err != nil {
		return nil, err
	}
	s.Side = strings.ToUpper(strings.TrimSpace(s.Side))
	if s.Side != "BUY" && s.Side != "SELL" {
		return nil, fmt.Errorf("open-once: side must be BUY or SELL, got %q", s.Side)
	}
	return s, nil
}

func (s *OpenOnce) Name() string { return "open-once" }

func (s *OpenOnce) Evaluate(rows pricing.AlignedRows) (trading.Signal, error) {
	if s.fired {
		return trading.None, nil
	}
	s.fired = true
	px := rows.PrimaryBar().Close
	if s.Side == "SELL" {
		return trading.SellSignal(px, "open-once"), nil
	}
	return trading.BuySignal(px, "open-once"), nil
}
