// Package report collects the per-day results of a run and writes the
// final summary.
package report

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/trading/analytics"
	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

// PortfolioSource supplies the latest settled portfolio
type PortfolioSource interface {
	LastSnapshot() *accounts.PortfolioSnapshot
}

// RiskSource supplies the latest risk statistics
type RiskSource interface {
	Snapshot() *analytics.Snapshot
}

// TradeSource supplies the fills of the day being settled
type TradeSource interface {
	TodayTrades() []*model.Trade
}

// Day is everything recorded at one settlement
type Day struct {
	Date      time.Time                   `json:"date" yaml:"date"`
	Portfolio *accounts.PortfolioSnapshot `json:"portfolio" yaml:"portfolio"`
	Risk      *analytics.Snapshot         `json:"risk,omitempty" yaml:"risk,omitempty"`
	Trades    []*model.Trade              `json:"trades,omitempty" yaml:"trades,omitempty"`
}

// State is the collected series, persisted with a paused run
type State struct {
	Days []Day `json:"days"`
}

// Collector records one Day per settlement
type Collector struct {
	logger *zap.Logger
	days   []Day
}

// NewCollector creates an empty collector
func NewCollector(logger *zap.Logger) *Collector {
	return &Collector{logger: logger.Named("report")}
}

// Subscribe records a Day at every POST_SETTLEMENT. Subscribe it after
// whatever computes the day's risk statistics.
func (c *Collector) Subscribe(bus *events.Bus, portfolio PortfolioSource, risk RiskSource, trades TradeSource) {
	bus.Subscribe(events.KindPostSettlement, "report", func(_ context.Context, ev *events.Event) (events.Result, error) {
		snap := portfolio.LastSnapshot()
		if snap == nil {
			c.logger.Warn("Settlement without a portfolio snapshot", zap.Time("trading_date", ev.TradingDate()))
			return events.Continue, nil
		}
		day := Day{Date: snap.Date, Portfolio: snap, Trades: append([]*model.Trade(nil), trades.TodayTrades()...)}
		if rs := risk.Snapshot(); rs != nil && rs.Date.Equal(snap.Date) {
			day.Risk = rs
		}
		c.Record(day)
		return events.Continue, nil
	})
}

// Record appends day. A date already recorded is replaced.
func (c *Collector) Record(day Day) {
	if n := len(c.days); n > 0 && c.days[n-1].Date.Equal(day.Date) {
		c.days[n-1] = day
		return
	}
	c.days = append(c.days, day)
}

// Days returns the recorded days in date order
func (c *Collector) Days() []Day {
	return append([]Day(nil), c.days...)
}

func (c *Collector) State() State {
	return State{Days: c.Days()}
}

func (c *Collector) Restore(st State) {
	c.days = append([]Day(nil), st.Days...)
}

// Meta describes the run a summary belongs to
type Meta struct {
	RunID     string `json:"run_id" yaml:"run_id"`
	Strategy  string `json:"strategy" yaml:"strategy"`
	Frequency string `json:"frequency" yaml:"frequency"`
	Benchmark string `json:"benchmark,omitempty" yaml:"benchmark,omitempty"`
}

// Summary is the headline figures of a finished run
type Summary struct {
	Meta `yaml:",inline"`

	StartDate   time.Time `json:"start_date" yaml:"start_date"`
	EndDate     time.Time `json:"end_date" yaml:"end_date"`
	TradingDays int       `json:"trading_days" yaml:"trading_days"`

	StartingCash          decimal.Decimal `json:"starting_cash" yaml:"starting_cash"`
	FinalValue            decimal.Decimal `json:"final_value" yaml:"final_value"`
	TotalReturns          decimal.Decimal `json:"total_returns" yaml:"total_returns"`
	AnnualizedReturns     decimal.Decimal `json:"annualized_returns" yaml:"annualized_returns"`
	BenchmarkTotalReturns decimal.Decimal `json:"benchmark_total_returns" yaml:"benchmark_total_returns"`
	TransactionCost       decimal.Decimal `json:"transaction_cost" yaml:"transaction_cost"`
	Trades                int             `json:"trades" yaml:"trades"`

	Volatility       float64         `json:"volatility" yaml:"volatility"`
	MaxDrawdown      float64         `json:"max_drawdown" yaml:"max_drawdown"`
	Alpha            analytics.Ratio `json:"alpha" yaml:"alpha"`
	Beta             analytics.Ratio `json:"beta" yaml:"beta"`
	Sharpe           analytics.Ratio `json:"sharpe" yaml:"sharpe"`
	Sortino          analytics.Ratio `json:"sortino" yaml:"sortino"`
	InformationRatio analytics.Ratio `json:"information_ratio" yaml:"information_ratio"`
	TrackingError    analytics.Ratio `json:"tracking_error" yaml:"tracking_error"`
}

// Summary folds the recorded days into the headline figures. Ratios are NaN
// when nothing was recorded.
func (c *Collector) Summary(meta Meta) Summary {
	nan := analytics.Ratio(math.NaN())
	s := Summary{
		Meta:             meta,
		Alpha:            nan,
		Beta:             nan,
		Sharpe:           nan,
		Sortino:          nan,
		InformationRatio: nan,
		TrackingError:    nan,
	}
	if len(c.days) == 0 {
		return s
	}
	first, last := c.days[0], c.days[len(c.days)-1]
	s.StartDate = first.Date
	s.EndDate = last.Date
	s.TradingDays = len(c.days)
	s.StartingCash = first.Portfolio.StaticValue
	s.FinalValue = last.Portfolio.TotalValue
	s.TotalReturns = last.Portfolio.TotalReturns
	s.AnnualizedReturns = last.Portfolio.AnnualizedReturns
	s.BenchmarkTotalReturns = last.Portfolio.BenchmarkTotalReturns
	for _, d := range c.days {
		s.TransactionCost = s.TransactionCost.Add(d.Portfolio.TransactionCost)
		s.Trades += len(d.Trades)
	}
	if rs := last.Risk; rs != nil {
		s.Volatility = rs.Volatility
		s.MaxDrawdown = rs.MaxDrawdown
		s.Alpha = rs.Alpha
		s.Beta = rs.Beta
		s.Sharpe = rs.Sharpe
		s.Sortino = rs.Sortino
		s.InformationRatio = rs.InformationRatio
		s.TrackingError = rs.TrackingError
	}
	return s
}

// Report is the document written at the end of a run
type Report struct {
	Summary Summary `json:"summary" yaml:"summary"`
	Days    []Day   `json:"days" yaml:"days"`
}

// Report builds the full document
func (c *Collector) Report(meta Meta) *Report {
	return &Report{Summary: c.Summary(meta), Days: c.Days()}
}

func isYAMLFile(path string) bool {
	ext := strings.ToLower(filepath.Ext(path))
	return ext == ".yaml" || ext == ".yml"
}

// Write saves v as YAML or JSON depending on the file extension
func Write(path string, v any) error {
	if isYAMLFile(path) {
		return WriteYAML(path, v)
	}
	return WriteJSON(path, v)
}

// WriteYAML saves v as YAML
func WriteYAML(path string, v any) error {
	data, err := yaml.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal YAML report: %w", err)
	}
	return writeFile(path, data)
}

// WriteJSON saves v as indented JSON
func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON report: %w", err)
	}
	return writeFile(path, data)
}

func writeFile(path string, data []byte) error {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create report directory: %w", err)
		}
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write report file: %w", err)
	}
	return nil
}
