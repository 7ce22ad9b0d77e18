// Package strategies defines the strategy port and the built-in strategies.
package strategies

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/go-viper/mapstructure/v2"
	"github.com/rustyeddy/livetrader/pricing"
	"github.com/rustyeddy/livetrader/trading"
)

// Strategy turns an aligned multi-timeframe row into a signal. Evaluate is
// called on the owning operation's goroutine only, once per primary bar.
type Strategy interface {
	Name() string
	Evaluate(rows pricing.AlignedRows) (trading.Signal, error)
}

// Config is the free-form strategy_config of an operation.
type Config map[string]any

// Decode copies cfg into out, converting loosely typed values
// ("20" -> 20) the way YAML and JSON inputs need.
func (c Config) Decode(out any) error {
	if len(c) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           out,
		WeaklyTypedInput: true,
		ErrorUnused:      true,
		TagName:          "json",
		DecodeHook:       mapstructure.TextUnmarshallerHookFunc(),
	})
	if err != nil {
		return err
	}
	return dec.Decode(map[string]any(c))
}

// Factory builds a fresh strategy instance from its config.
type Factory func(cfg Config) (Strategy, error)

var ErrUnknownStrategy = errors.New("unknown strategy")

// Registry maps strategy names to factories.
type Registry struct {
	mu        sync.RWMutex
	factories map[string]Factory
}

func NewRegistry() *Registry {
	return &Registry{factories: make(map[string]Factory)}
}

// Default returns a registry holding the built-in strategies.
func Default() *Registry {
	r := NewRegistry()
	r.MustRegister("noop", NewNoop)
	r.MustRegister("open-once", NewOpenOnce)
	r.MustRegister("ema-cross", NewEMACross)
	r.MustRegister("js", NewJS)
	return r
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (r *Registry) Register(name string, f Factory) error {
	key := normalize(name)
	if key == "" || f == nil {
		return fmt.Errorf("register strategy: name and factory required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, dup := r.factories[key]; dup {
		return fmt.Errorf("register strategy: %q already registered", key)
	}
	r.factories[key] = f
	return nil
}

func (r *Registry) MustRegister(name string, f Factory) {
	if err := r.Register(name, f); err != nil {
		panic(err)
	}
}

// New builds the named strategy.
func (r *Registry) New(name string, cfg Config) (Strategy, error) {
	r.mu.RLock()
	f, ok := r.factories[normalize(name)]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w %q (supported: %s)", ErrUnknownStrategy, name, strings.Join(r.Names(), ", "))
	}
	s, err := f(cfg)
	if err != nil {
		return nil, fmt.Errorf("strategy %s: %w", name, err)
	}
	return s, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.factories))
	for k := range r.factories {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// PanicError wraps a value recovered from a strategy panic.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("strategy panic: %v", e.Value)
}

// SafeEvaluate calls s.Evaluate, converting a panic into a *PanicError.
// Any error comes back with a NONE signal.
func SafeEvaluate(s Strategy, rows pricing.AlignedRows) (sig trading.Signal, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			sig = trading.None
			err = &PanicError{Value: rec}
		}
	}()
	sig, err = s.Evaluate(rows)
	if err != nil {
		return trading.None, err
	}
	return sig, nil
}
