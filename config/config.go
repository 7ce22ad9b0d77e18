// Package config loads the trader's application settings and operation
// definition files.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/goccy/go-json"
	"github.com/spf13/viper"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/rustyeddy/livetrader/trading"
)

// EnvPrefix prefixes environment overrides, e.g. TRADER_JOURNAL_PATH.
const EnvPrefix = "TRADER"

// Config represents the complete application configuration
type Config struct {
	Journal   JournalConfig   `mapstructure:"journal" yaml:"journal"`
	Runtime   RuntimeConfig   `mapstructure:"runtime" yaml:"runtime"`
	Broker    BrokerConfig    `mapstructure:"broker" yaml:"broker"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
	Events    EventsConfig    `mapstructure:"events" yaml:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry" yaml:"telemetry"`
}

// JournalConfig locates the SQLite journal.
type JournalConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// RuntimeConfig tunes the operation runtime.
type RuntimeConfig struct {
	InboxSize             int           `mapstructure:"inbox_size" yaml:"inbox_size"`
	BootstrapBars         int           `mapstructure:"bootstrap_bars" yaml:"bootstrap_bars"`
	ProtectiveInterval    time.Duration `mapstructure:"protective_interval" yaml:"protective_interval"`
	StopFlattenTimeout    time.Duration `mapstructure:"stop_flatten_timeout" yaml:"stop_flatten_timeout"`
	RetryTimeout          time.Duration `mapstructure:"retry_timeout" yaml:"retry_timeout"`
	MaxConsecutiveRejects int           `mapstructure:"max_consecutive_rejects" yaml:"max_consecutive_rejects"`
}

// BrokerConfig selects the broker. Only the paper broker ships; it is fed
// from a tick CSV replayed at ReplaySpeed (0 replays without delay).
type BrokerConfig struct {
	Type        string  `mapstructure:"type" yaml:"type"`
	Replay      string  `mapstructure:"replay" yaml:"replay"`
	ReplaySpeed float64 `mapstructure:"replay_speed" yaml:"replay_speed"`
	Commission  float64 `mapstructure:"commission" yaml:"commission"`
}

type LogConfig struct {
	Level string `mapstructure:"level" yaml:"level"`
	// Dir receives a JSON log file when set.
	Dir string `mapstructure:"dir" yaml:"dir"`
}

type EventsConfig struct {
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig enables the Redis event publisher when Addr is set.
type RedisConfig struct {
	Addr     string `mapstructure:"addr" yaml:"addr"`
	Password string `mapstructure:"password" yaml:"password,omitempty"`
	DB       int    `mapstructure:"db" yaml:"db"`
	Prefix   string `mapstructure:"prefix" yaml:"prefix"`
}

// TelemetryConfig enables OTLP metric export when OTLPEndpoint is set.
type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint" yaml:"otlp_endpoint"`
	ServiceName  string `mapstructure:"service_name" yaml:"service_name"`
}

const PaperBroker = "paper"

// Default returns a configuration with sensible defaults
func Default() *Config {
	return &Config{
		Journal: JournalConfig{Path: "./trader.sqlite"},
		Runtime: RuntimeConfig{
			InboxSize:             1024,
			BootstrapBars:         200,
			ProtectiveInterval:    time.Second,
			StopFlattenTimeout:    10 * time.Second,
			RetryTimeout:          30 * time.Second,
			MaxConsecutiveRejects: 3,
		},
		Broker: BrokerConfig{Type: PaperBroker},
		Log:    LogConfig{Level: "info"},
		Events: EventsConfig{Redis: RedisConfig{Prefix: "trader"}},
		Telemetry: TelemetryConfig{
			ServiceName: "trader",
		},
	}
}

func setDefaults(v *viper.Viper, d *Config) {
	v.SetDefault("journal.path", d.Journal.Path)
	v.SetDefault("runtime.inbox_size", d.Runtime.InboxSize)
	v.SetDefault("runtime.bootstrap_bars", d.Runtime.BootstrapBars)
	v.SetDefault("runtime.protective_interval", d.Runtime.ProtectiveInterval)
	v.SetDefault("runtime.stop_flatten_timeout", d.Runtime.StopFlattenTimeout)
	v.SetDefault("runtime.retry_timeout", d.Runtime.RetryTimeout)
	v.SetDefault("runtime.max_consecutive_rejects", d.Runtime.MaxConsecutiveRejects)
	v.SetDefault("broker.type", d.Broker.Type)
	v.SetDefault("broker.replay", d.Broker.Replay)
	v.SetDefault("broker.replay_speed", d.Broker.ReplaySpeed)
	v.SetDefault("broker.commission", d.Broker.Commission)
	v.SetDefault("log.level", d.Log.Level)
	v.SetDefault("log.dir", d.Log.Dir)
	v.SetDefault("events.redis.addr", d.Events.Redis.Addr)
	v.SetDefault("events.redis.password", d.Events.Redis.Password)
	v.SetDefault("events.redis.db", d.Events.Redis.DB)
	v.SetDefault("events.redis.prefix", d.Events.Redis.Prefix)
	v.SetDefault("telemetry.otlp_endpoint", d.Telemetry.OTLPEndpoint)
	v.SetDefault("telemetry.service_name", d.Telemetry.ServiceName)
}

// Load reads path, when given, over the defaults and applies TRADER_*
// environment overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v, Default())

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var cfg Config
	hook := viper.DecodeHook(mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
	))
	if err := v.Unmarshal(&cfg, hook); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// SaveToFile writes the configuration as YAML.
func (c *Config) SaveToFile(path string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write config file: %w", err)
	}
	return nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.Journal.Path) == "" {
		errs = append(errs, errors.New("journal.path is required"))
	}
	if c.Runtime.InboxSize <= 0 {
		errs = append(errs, errors.New("runtime.inbox_size must be positive"))
	}
	if c.Runtime.BootstrapBars < 0 {
		errs = append(errs, errors.New("runtime.bootstrap_bars must not be negative"))
	}
	if c.Runtime.ProtectiveInterval <= 0 {
		errs = append(errs, errors.New("runtime.protective_interval must be positive"))
	}
	if c.Runtime.StopFlattenTimeout <= 0 {
		errs = append(errs, errors.New("runtime.stop_flatten_timeout must be positive"))
	}
	if c.Runtime.RetryTimeout <= 0 {
		errs = append(errs, errors.New("runtime.retry_timeout must be positive"))
	}
	if c.Runtime.MaxConsecutiveRejects <= 0 {
		errs = append(errs, errors.New("runtime.max_consecutive_rejects must be positive"))
	}
	if c.Broker.Type != PaperBroker {
		errs = append(errs, fmt.Errorf("broker.type must be %q", PaperBroker))
	}
	if c.Broker.ReplaySpeed < 0 {
		errs = append(errs, errors.New("broker.replay_speed must not be negative"))
	}
	if c.Broker.Commission < 0 || c.Broker.Commission >= 1 {
		errs = append(errs, errors.New("broker.commission must be between 0 and 1"))
	}
	if _, err := zapcore.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("log.level: %w", err))
	}
	return errors.Join(errs...)
}

// LoadOperation reads an operation definition. YAML is tried first, then
// JSON. Defaults are applied and the result validated.
func LoadOperation(path string) (trading.Operation, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return trading.Operation{}, fmt.Errorf("read operation file: %w", err)
	}

	var op trading.Operation
	if err := yaml.Unmarshal(data, &op); err != nil {
		op = trading.Operation{}
		if jerr := json.Unmarshal(data, &op); jerr != nil {
			return trading.Operation{}, fmt.Errorf("parse operation %s (tried YAML and JSON): %w", filepath.Base(path), errors.Join(err, jerr))
		}
	}
	op.ApplyDefaults()
	if err := op.Validate(); err != nil {
		return trading.Operation{}, fmt.Errorf("invalid operation %s: %w", filepath.Base(path), err)
	}
	return op, nil
}

// SaveOperation writes op as YAML, or JSON when path ends in .json.
func SaveOperation(path string, op trading.Operation) error {
	var (
		data []byte
		err  error
	)
	if strings.EqualFold(filepath.Ext(path), ".json") {
		data, err = json.MarshalIndent(op, "", "  ")
	} else {
		data, err = yaml.Marshal(op)
	}
	if err != nil {
		return fmt.Errorf("marshal operation: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write operation file: %w", err)
	}
	return nil
}
