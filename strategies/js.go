package strategies

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/dop251/goja"
	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

// JSConfig points at a CommonJS-style script exporting evaluate(rows).
// Either Script (inline source) or Path must be set.
type JSConfig struct {
	Script string         `json:"script"`
	Path   string         `json:"path"`
	Params map[string]any `json:"params"`
}

// JS runs a strategy written in JavaScript. The script sees
//
//	rows.time, rows.primary, rows.bars[tf], rows.history(tf), params
//
// and returns "BUY", "SELL", "NONE" or {signal, price, reason}.
type JS struct {
	name     string
	rt       *goja.Runtime
	evaluate goja.Callable
}

func NewJS(cfg Config) (Strategy, error) {
	var c JSConfig
	if err := cfg.Decode(&c); err != nil {
		return nil, err
	}
	src, name := c.Script, "inline.js"
	if c.Path != "" {
		b, err := os.ReadFile(c.Path)
		if err != nil {
			return nil, fmt.Errorf("js strategy: read %s: %w", c.Path, err)
		}
		src, name = string(b), c.Path
	}
	if strings.TrimSpace(src) == "" {
		return nil, errors.New("js strategy: script or path required")
	}

	prog, err := goja.Compile(name, src, true)
	if err != nil {
		return nil, fmt.Errorf("js strategy: compile: %w", err)
	}

	rt := goja.New()
	rt.SetFieldNameMapper(goja.TagFieldNameMapper("json", true))
	module := rt.NewObject()
	exports := rt.NewObject()
	if err := module.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := rt.Set("exports", exports); err != nil {
		return nil, err
	}
	if err := rt.Set("module", module); err != nil {
		return nil, err
	}
	if err := rt.Set("params", c.Params); err != nil {
		return nil, err
	}
	if _, err := rt.RunProgram(prog); err != nil {
		return nil, fmt.Errorf("js strategy: run: %w", err)
	}

	obj := module.Get("exports").ToObject(rt)
	fn, ok := goja.AssertFunction(obj.Get("evaluate"))
	if !ok {
		return nil, errors.New("js strategy: module must export evaluate(rows)")
	}
	return &JS{name: name, rt: rt, evaluate: fn}, nil
}

func (s *JS) Name() string { return "js:" + s.name }

type jsBar struct {
	Time   int64   `json:"time"`
	Open   float64 `json:"open"`
	High   float64 `json:"high"`
	Low    float64 `json:"low"`
	Close  float64 `json:"close"`
	Volume float64 `json:"volume"`
}

func toJSBar(c pricing.Candle) jsBar {
	return jsBar{
		Time:   c.Time.UnixMilli(),
		Open:   c.Open,
		High:   c.High,
		Low:    c.Low,
		Close:  c.Close,
		Volume: c.Volume,
	}
}

func (s *JS) Evaluate(rows pricing.AlignedRows) (trading.Signal, error) {
	bars := make(map[string]any, len(rows.Bars))
	for tf, c := range rows.Bars {
		bars[tf.String()] = toJSBar(c)
	}
	arg := map[string]any{
		"time":    rows.Time.UnixMilli(),
		"primary": rows.Primary.String(),
		"bars":    bars,
		"history": func(name string) []jsBar {
			tf, err := pricing.ParseTimeframe(name)
			if err != nil {
				return nil
			}
			hist := rows.History(tf)
			out := make([]jsBar, len(hist))
			for i, c := range hist {
				out[i] = toJSBar(c)
			}
			return out
		},
	}

	res, err := s.evaluate(goja.Undefined(), s.rt.ToValue(arg))
	if err != nil {
		return trading.None, fmt.Errorf("js strategy: evaluate: %w", err)
	}
	return parseJSSignal(res.Export(), rows.PrimaryBar().Close)
}

func parseJSSignal(v any, defPrice float64) (trading.Signal, error) {
	var kind, reason string
	price := defPrice
	switch r := v.(type) {
	case nil:
		return trading.None, nil
	case string:
		kind = r
	case map[string]any:
		kind, _ = r["signal"].(string)
		reason, _ = r["reason"].(string)
		switch p := r["price"].(type) {
		case float64:
			price = p
		case int64:
			price = float64(p)
		}
	default:
		return trading.None, fmt.Errorf("js strategy: unexpected result %T", v)
	}

	var st trading.SignalType
	if err := st.UnmarshalText([]byte(strings.ToUpper(kind))); err != nil {
		return trading.None, fmt.Errorf("js strategy: %w", err)
	}
	return trading.Signal{Type: st, Price: price, Reason: reason}, nil
}
