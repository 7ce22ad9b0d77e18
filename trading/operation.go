package trading

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rustyeddy/livetrader/pricing"
)

// OperationStatus is the lifecycle state of an operation.
type OperationStatus string

const (
	StatusCreated  OperationStatus = "CREATED"
	StatusStarting OperationStatus = "STARTING"
	StatusActive   OperationStatus = "ACTIVE"
	StatusPaused   OperationStatus = "PAUSED"
	StatusStopping OperationStatus = "STOPPING"
	StatusClosed   OperationStatus = "CLOSED"
	StatusError    OperationStatus = "ERROR"
)

// Recoverable reports whether an operation in this status is restarted by
// crash recovery.
func (s OperationStatus) Recoverable() bool {
	return s == StatusActive || s == StatusPaused || s == StatusStarting || s == StatusStopping
}

// Terminal reports whether no further transitions are possible.
func (s OperationStatus) Terminal() bool {
	return s == StatusClosed || s == StatusError
}

// StopLossType selects how the stop-loss distance is derived.
type StopLossType string

const (
	StopLossATR        StopLossType = "ATR"
	StopLossPercentage StopLossType = "PERCENTAGE"
	StopLossFixed      StopLossType = "FIXED"
)

// TakeProfitType selects how the take-profit level is derived.
type TakeProfitType string

const (
	TakeProfitATR        TakeProfitType = "ATR"
	TakeProfitPercentage TakeProfitType = "PERCENTAGE"
	TakeProfitFixed      TakeProfitType = "FIXED"
	TakeProfitRiskReward TakeProfitType = "RISK_REWARD"
)

// RecoveryMode decides what happens to an open position after a restart.
type RecoveryMode string

const (
	RecoveryCloseAll      RecoveryMode = "CLOSE_ALL"
	RecoveryResume        RecoveryMode = "RESUME"
	RecoveryEmergencyExit RecoveryMode = "EMERGENCY_EXIT"
)

// RiskConfig holds the protective exit settings of an operation.
//
// A FIXED stop-loss is a price distance from entry; a FIXED take-profit is
// an absolute price. PERCENTAGE values are fractions of the entry price.
type RiskConfig struct {
	StopLossType    StopLossType   `json:"stop_loss_type" yaml:"stop_loss_type"`
	StopLossValue   float64        `json:"stop_loss_value" yaml:"stop_loss_value"`
	TakeProfitType  TakeProfitType `json:"take_profit_type" yaml:"take_profit_type"`
	TakeProfitValue float64        `json:"take_profit_value" yaml:"take_profit_value"`
	ATRPeriod       int            `json:"atr_period" yaml:"atr_period"`
}

// Operation is one long-running trading process for one asset.
type Operation struct {
	ID               string              `json:"id" yaml:"id"`
	Name             string              `json:"name,omitempty" yaml:"name,omitempty"`
	Asset            string              `json:"asset" yaml:"asset"`
	Timeframes       []pricing.Timeframe `json:"timeframes" yaml:"timeframes"`
	PrimaryTimeframe pricing.Timeframe   `json:"primary_timeframe" yaml:"primary_timeframe"`
	Strategy         string              `json:"strategy" yaml:"strategy"`
	StrategyConfig   map[string]any      `json:"strategy_config,omitempty" yaml:"strategy_config,omitempty"`

	Risk                 RiskConfig   `json:"risk" yaml:"risk"`
	Quantity             float64      `json:"quantity" yaml:"quantity"`
	RiskPct              float64      `json:"risk_pct" yaml:"risk_pct"`
	CrashRecoveryMode    RecoveryMode `json:"crash_recovery_mode" yaml:"crash_recovery_mode"`
	EmergencyStopLossPct float64      `json:"emergency_stop_loss_pct" yaml:"emergency_stop_loss_pct"`
	DataRetentionBars    int          `json:"data_retention_bars" yaml:"data_retention_bars"`
	FlattenOnStop        bool         `json:"flatten_on_stop" yaml:"flatten_on_stop"`

	InitialCapital float64 `json:"initial_capital" yaml:"initial_capital"`
	CurrentCapital float64 `json:"current_capital" yaml:"-"`
	TotalPnL       float64 `json:"total_pnl" yaml:"-"`
	TotalPnLPct    float64 `json:"total_pnl_pct" yaml:"-"`

	Status    OperationStatus `json:"status" yaml:"-"`
	LastError string          `json:"last_error,omitempty" yaml:"-"`
	CreatedAt time.Time       `json:"created_at" yaml:"-"`
	UpdatedAt time.Time       `json:"updated_at" yaml:"-"`
	StartedAt *time.Time      `json:"started_at,omitempty" yaml:"-"`
	ClosedAt  *time.Time      `json:"closed_at,omitempty" yaml:"-"`
}

const (
	DefaultStopLossValue        = 1.5
	DefaultTakeProfitValue      = 2.0
	DefaultATRPeriod            = 14
	DefaultEmergencyStopLossPct = 0.05
	DefaultInitialCapital       = 10000
	DefaultRiskPct              = 0.01
)

// ApplyDefaults fills unset fields.
func (o *Operation) ApplyDefaults() {
	if o.Risk.StopLossType == "" {
		o.Risk.StopLossType = StopLossATR
		if o.Risk.StopLossValue == 0 {
			o.Risk.StopLossValue = DefaultStopLossValue
		}
	}
	if o.Risk.TakeProfitType == "" {
		o.Risk.TakeProfitType = TakeProfitRiskReward
		if o.Risk.TakeProfitValue == 0 {
			o.Risk.TakeProfitValue = DefaultTakeProfitValue
		}
	}
	if o.Risk.ATRPeriod == 0 {
		o.Risk.ATRPeriod = DefaultATRPeriod
	}
	if o.CrashRecoveryMode == "" {
		o.CrashRecoveryMode = RecoveryCloseAll
	}
	if o.EmergencyStopLossPct == 0 {
		o.EmergencyStopLossPct = DefaultEmergencyStopLossPct
	}
	if o.DataRetentionBars == 0 {
		o.DataRetentionBars = pricing.DefaultRetention
	}
	if o.InitialCapital == 0 {
		o.InitialCapital = DefaultInitialCapital
	}
	if o.CurrentCapital == 0 {
		o.CurrentCapital = o.InitialCapital
	}
	if o.RiskPct == 0 && o.Quantity == 0 {
		o.RiskPct = DefaultRiskPct
	}
	if o.PrimaryTimeframe == 0 && len(o.Timeframes) > 0 {
		o.PrimaryTimeframe = o.Timeframes[0]
	}
	if len(o.Timeframes) == 0 && o.PrimaryTimeframe != 0 {
		o.Timeframes = []pricing.Timeframe{o.PrimaryTimeframe}
	}
	if o.Status == "" {
		o.Status = StatusCreated
	}
}

// Validate checks an operation definition before it is created.
func (o *Operation) Validate() error {
	var errs []error
	if strings.TrimSpace(o.Asset) == "" {
		errs = append(errs, errors.New("asset is required"))
	}
	if strings.TrimSpace(o.Strategy) == "" {
		errs = append(errs, errors.New("strategy is required"))
	}
	if len(o.Timeframes) == 0 {
		errs = append(errs, errors.New("at least one timeframe is required"))
	}
	seen := map[pricing.Timeframe]bool{}
	primary := false
	for _, tf := range o.Timeframes {
		if tf <= 0 {
			errs = append(errs, fmt.Errorf("invalid timeframe %v", tf))
		}
		if seen[tf] {
			errs = append(errs, fmt.Errorf("duplicate timeframe %s", tf))
		}
		seen[tf] = true
		if tf == o.PrimaryTimeframe {
			primary = true
		}
	}
	if !primary {
		errs = append(errs, fmt.Errorf("primary timeframe %s must be one of the timeframes", o.PrimaryTimeframe))
	}

	switch o.Risk.StopLossType {
	case StopLossATR, StopLossPercentage, StopLossFixed:
	default:
		errs = append(errs, fmt.Errorf("unknown stop_loss_type %q", o.Risk.StopLossType))
	}
	if o.Risk.StopLossValue <= 0 {
		errs = append(errs, errors.New("stop_loss_value must be positive"))
	}
	switch o.Risk.TakeProfitType {
	case TakeProfitATR, TakeProfitPercentage, TakeProfitFixed, TakeProfitRiskReward:
	default:
		errs = append(errs, fmt.Errorf("unknown take_profit_type %q", o.Risk.TakeProfitType))
	}
	if o.Risk.TakeProfitValue <= 0 {
		errs = append(errs, errors.New("take_profit_value must be positive"))
	}

	switch o.CrashRecoveryMode {
	case RecoveryCloseAll, RecoveryResume, RecoveryEmergencyExit:
	default:
		errs = append(errs, fmt.Errorf("unknown crash_recovery_mode %q", o.CrashRecoveryMode))
	}
	if o.EmergencyStopLossPct <= 0 || o.EmergencyStopLossPct >= 1 {
		errs = append(errs, errors.New("emergency_stop_loss_pct must be between 0 and 1"))
	}
	if o.DataRetentionBars <= 0 {
		errs = append(errs, errors.New("data_retention_bars must be positive"))
	}
	if o.Quantity < 0 {
		errs = append(errs, errors.New("quantity must not be negative"))
	}
	if o.Quantity == 0 && (o.RiskPct <= 0 || o.RiskPct > 1) {
		errs = append(errs, errors.New("risk_pct must be between 0 and 1 when quantity is not set"))
	}
	if o.InitialCapital <= 0 {
		errs = append(errs, errors.New("initial_capital must be positive"))
	}
	return errors.Join(errs...)
}
