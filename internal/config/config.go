// Package config loads the run configuration from YAML and BACKTEST_*
// environment variables and turns it into the kernel's typed configs.
package config

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/backtest"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/scheduler"
	"github.com/Aidin1998/pincex_backtest/internal/database"
	"github.com/Aidin1998/pincex_backtest/internal/trading/engine"
	"github.com/Aidin1998/pincex_backtest/internal/trading/eventjournal"
	"github.com/Aidin1998/pincex_backtest/internal/trading/fees"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
	"github.com/Aidin1998/pincex_backtest/pkg/logger"
)

// Snapshot stores
const (
	SnapshotStoreJSON   = "json"
	SnapshotStoreBadger = "badger"
)

// Config is the whole run configuration
type Config struct {
	Run      RunConfig           `mapstructure:"run" yaml:"run"`
	Accounts []AccountConfig     `mapstructure:"accounts" yaml:"accounts" validate:"required,min=1,dive"`
	Fees     FeesConfig          `mapstructure:"fees" yaml:"fees"`
	Matching MatchingConfig      `mapstructure:"matching" yaml:"matching"`
	Data     database.Config     `mapstructure:"data" yaml:"data"`
	Results  ResultsConfig       `mapstructure:"results" yaml:"results"`
	Journal  eventjournal.Config `mapstructure:"journal" yaml:"journal"`
	Snapshot SnapshotConfig      `mapstructure:"snapshot" yaml:"snapshot"`
	Report   ReportConfig        `mapstructure:"report" yaml:"report"`
	Logging  logger.Config       `mapstructure:"logging" yaml:"logging"`
	Metrics  MetricsConfig       `mapstructure:"metrics" yaml:"metrics"`
}

// RunConfig selects the strategy and the replayed period
type RunConfig struct {
	Strategy     string            `mapstructure:"strategy" yaml:"strategy" validate:"required"`
	Params       map[string]string `mapstructure:"params" yaml:"params"`
	StartDate    string            `mapstructure:"start_date" yaml:"start_date" validate:"required,datetime=2006-01-02"`
	EndDate      string            `mapstructure:"end_date" yaml:"end_date" validate:"required,datetime=2006-01-02"`
	Frequency    string            `mapstructure:"frequency" yaml:"frequency" validate:"oneof=1d 1m tick"`
	Universe     []string          `mapstructure:"universe" yaml:"universe" validate:"required,min=1,dive,required"`
	Benchmark    string            `mapstructure:"benchmark" yaml:"benchmark"`
	RiskFreeRate float64           `mapstructure:"risk_free_rate" yaml:"risk_free_rate" validate:"gte=0,lt=1"`

	// PauseAt stops the run after this date and saves a snapshot
	PauseAt string `mapstructure:"pause_at" yaml:"pause_at" validate:"omitempty,datetime=2006-01-02"`

	// ResumeRunID continues the run saved under this id
	ResumeRunID string `mapstructure:"resume_run_id" yaml:"resume_run_id" validate:"omitempty,uuid"`
}

// AccountConfig is one trading account. Money is written as a decimal string.
type AccountConfig struct {
	Type          string   `mapstructure:"type" yaml:"type" validate:"required"`
	StartingCash  string   `mapstructure:"starting_cash" yaml:"starting_cash" validate:"required,numeric"`
	T0Instruments []string `mapstructure:"t0_instruments" yaml:"t0_instruments"`
}

// FeesConfig holds commission, tax and slippage rates as decimal strings
type FeesConfig struct {
	StockCommissionRate  string `mapstructure:"stock_commission_rate" yaml:"stock_commission_rate" validate:"numeric"`
	StockMinCommission   string `mapstructure:"stock_min_commission" yaml:"stock_min_commission" validate:"numeric"`
	StockTaxRate         string `mapstructure:"stock_tax_rate" yaml:"stock_tax_rate" validate:"numeric"`
	CommissionMultiplier string `mapstructure:"commission_multiplier" yaml:"commission_multiplier" validate:"numeric"`
	FutureCommissionType string `mapstructure:"future_commission_type" yaml:"future_commission_type" validate:"oneof=by_money by_volume"`
	FutureOpenRate       string `mapstructure:"future_open_rate" yaml:"future_open_rate" validate:"numeric"`
	FutureCloseRate      string `mapstructure:"future_close_rate" yaml:"future_close_rate" validate:"numeric"`
	FutureCloseTodayRate string `mapstructure:"future_close_today_rate" yaml:"future_close_today_rate" validate:"numeric"`
	SlippageModel        string `mapstructure:"slippage_model" yaml:"slippage_model" validate:"oneof=price_ratio tick_size"`
	Slippage             string `mapstructure:"slippage" yaml:"slippage" validate:"numeric"`
}

// MatchingConfig selects the fill price and the volume cap
type MatchingConfig struct {
	Type          string `mapstructure:"type" yaml:"type" validate:"oneof=current_bar next_bar vwap open_auction"`
	VolumeLimit   bool   `mapstructure:"volume_limit" yaml:"volume_limit"`
	VolumePercent string `mapstructure:"volume_percent" yaml:"volume_percent" validate:"numeric"`
	PriceLimit    bool   `mapstructure:"price_limit" yaml:"price_limit"`
}

// ResultsConfig stores results in SQL when enabled
type ResultsConfig struct {
	Enabled  bool            `mapstructure:"enabled" yaml:"enabled"`
	Database database.Config `mapstructure:"database" yaml:"database"`
}

// SnapshotConfig is where paused runs are kept
type SnapshotConfig struct {
	Store string `mapstructure:"store" yaml:"store" validate:"oneof=json badger"`
	Dir   string `mapstructure:"dir" yaml:"dir" validate:"required"`
}

// ReportConfig is where the report goes; .yaml/.yml selects YAML, anything else JSON
type ReportConfig struct {
	Path string `mapstructure:"path" yaml:"path"`
}

// MetricsConfig writes a node-exporter textfile after the run when set
type MetricsConfig struct {
	TextfilePath string `mapstructure:"textfile_path" yaml:"textfile_path"`
}

// DefaultConfig mirrors the component defaults
func DefaultConfig() Config {
	f := fees.DefaultConfig()
	m := engine.DefaultConfig()
	return Config{
		Run: RunConfig{Frequency: "1d"},
		Fees: FeesConfig{
			StockCommissionRate:  f.StockCommissionRate.String(),
			StockMinCommission:   f.StockMinCommission.String(),
			StockTaxRate:         f.StockTaxRate.String(),
			CommissionMultiplier: f.CommissionMultiplier.String(),
			FutureCommissionType: f.FutureCommissionType,
			FutureOpenRate:       f.FutureOpenRate.String(),
			FutureCloseRate:      f.FutureCloseRate.String(),
			FutureCloseTodayRate: f.FutureCloseTodayRate.String(),
			SlippageModel:        f.SlippageModel,
			Slippage:             f.Slippage.String(),
		},
		Matching: MatchingConfig{
			Type:          m.MatchingType,
			VolumeLimit:   m.VolumeLimit,
			VolumePercent: m.VolumePercent.String(),
			PriceLimit:    m.PriceLimit,
		},
		Data:     database.Config{Driver: database.DriverSQLite, DSN: "data/market.db"},
		Journal:  eventjournal.DefaultConfig(),
		Snapshot: SnapshotConfig{Store: SnapshotStoreJSON, Dir: "runs/snapshots"},
		Report:   ReportConfig{Path: "runs/report.yaml"},
		Logging:  logger.Config{Level: "info"},
	}
}

// Validate runs the tag checks and the checks that span fields
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var fields validator.ValidationErrors
		if !errors.As(err, &fields) {
			return errors.Invalid.Explain("configuration").Wrap(err)
		}
		verr := errors.Invalid.Explain("configuration")
		for _, f := range fields {
			verr = verr.WithField(f.Namespace(), fmt.Sprintf("failed %q check", f.Tag()))
		}
		return verr
	}
	start, end, err := c.Dates()
	if err != nil {
		return err
	}
	if end.Before(start) {
		return errors.Invalid.Explain("end_date %s is before start_date %s", c.Run.EndDate, c.Run.StartDate)
	}
	for i, a := range c.Accounts {
		kind, err := accounts.ParseKind(a.Type)
		if err != nil {
			return errors.Invalid.Explain("accounts[%d]", i).Wrap(err)
		}
		if kind == accounts.KindBenchmark {
			return errors.Invalid.Explain("accounts[%d]: the benchmark is set with run.benchmark", i)
		}
		if decimal.RequireFromString(a.StartingCash).IsNegative() {
			return errors.Invalid.Explain("accounts[%d]: starting cash %s is negative", i, a.StartingCash)
		}
	}
	slippage := decimal.RequireFromString(c.Fees.Slippage)
	if slippage.IsNegative() {
		return errors.Invalid.Explain("slippage %s is negative", c.Fees.Slippage)
	}
	if c.Fees.SlippageModel == fees.SlippagePriceRatio && !slippage.LessThan(decimal.NewFromInt(1)) {
		return errors.Invalid.Explain("slippage rate %s is outside [0, 1)", c.Fees.Slippage)
	}
	if c.Snapshot.Store == SnapshotStoreBadger && filepath.Ext(c.Snapshot.Dir) != "" {
		return errors.Invalid.Explain("badger snapshot store needs a directory, got %s", c.Snapshot.Dir)
	}
	return nil
}

// Dates parses the run's start and end dates
func (c *Config) Dates() (start, end time.Time, err error) {
	if start, err = time.Parse(time.DateOnly, c.Run.StartDate); err != nil {
		return start, end, errors.Invalid.Explain("start_date %q", c.Run.StartDate).Wrap(err)
	}
	if end, err = time.Parse(time.DateOnly, c.Run.EndDate); err != nil {
		return start, end, errors.Invalid.Explain("end_date %q", c.Run.EndDate).Wrap(err)
	}
	return start, end, nil
}

// PauseDate is the date to pause after, zero when the run goes to the end
func (c *Config) PauseDate() time.Time {
	if c.Run.PauseAt == "" {
		return time.Time{}
	}
	t, _ := time.Parse(time.DateOnly, c.Run.PauseAt)
	return t
}

// Backtest converts a validated config into the runner's config
func (c *Config) Backtest() (backtest.Config, error) {
	start, end, err := c.Dates()
	if err != nil {
		return backtest.Config{}, err
	}
	cfg := backtest.Config{
		Strategy:     c.Run.Strategy,
		StartDate:    start,
		EndDate:      end,
		Frequency:    c.Run.Frequency,
		Universe:     c.Run.Universe,
		Benchmark:    c.Run.Benchmark,
		RiskFreeRate: c.Run.RiskFreeRate,
		Scheduler:    scheduler.DefaultConfig(),
	}
	if c.Run.ResumeRunID != "" {
		if cfg.RunID, err = uuid.Parse(c.Run.ResumeRunID); err != nil {
			return backtest.Config{}, errors.Invalid.Explain("resume_run_id").Wrap(err)
		}
	}
	for _, a := range c.Accounts {
		kind, err := accounts.ParseKind(a.Type)
		if err != nil {
			return backtest.Config{}, err
		}
		cfg.Accounts = append(cfg.Accounts, accounts.Config{
			Kind:          kind,
			StartingCash:  decimal.RequireFromString(a.StartingCash),
			T0Instruments: a.T0Instruments,
		})
	}
	cfg.Fees = fees.Config{
		StockCommissionRate:  decimal.RequireFromString(c.Fees.StockCommissionRate),
		StockMinCommission:   decimal.RequireFromString(c.Fees.StockMinCommission),
		StockTaxRate:         decimal.RequireFromString(c.Fees.StockTaxRate),
		CommissionMultiplier: decimal.RequireFromString(c.Fees.CommissionMultiplier),
		FutureCommissionType: c.Fees.FutureCommissionType,
		FutureOpenRate:       decimal.RequireFromString(c.Fees.FutureOpenRate),
		FutureCloseRate:      decimal.RequireFromString(c.Fees.FutureCloseRate),
		FutureCloseTodayRate: decimal.RequireFromString(c.Fees.FutureCloseTodayRate),
		SlippageModel:        c.Fees.SlippageModel,
		Slippage:             decimal.RequireFromString(c.Fees.Slippage),
	}
	if err := cfg.Fees.Validate(); err != nil {
		return backtest.Config{}, fmt.Errorf("fees: %w", err)
	}
	cfg.Matching = engine.Config{
		MatchingType:  c.Matching.Type,
		VolumeLimit:   c.Matching.VolumeLimit,
		VolumePercent: decimal.RequireFromString(c.Matching.VolumePercent),
		PriceLimit:    c.Matching.PriceLimit,
	}
	if err := cfg.Matching.Validate(); err != nil {
		return backtest.Config{}, fmt.Errorf("matching: %w", err)
	}
	return cfg, nil
}
