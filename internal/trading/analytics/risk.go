// Package analytics computes the daily risk and performance statistics of a
// run. Returns arrive as decimals from the ledger; the statistics themselves
// are float64.
package analytics

import (
	"encoding/json"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

const (
	// TradingDaysPerYear annualizes volatility and tracking error
	TradingDaysPerYear = 252
	// calendarDaysPerYear annualizes returns
	calendarDaysPerYear = 365.0
)

// Ratio is a statistic that may be NaN when its denominator is zero. NaN and
// infinities encode as JSON null.
type Ratio float64

// Valid reports whether r carries a number
func (r Ratio) Valid() bool {
	f := float64(r)
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

func (r Ratio) MarshalJSON() ([]byte, error) {
	if !r.Valid() {
		return []byte("null"), nil
	}
	return json.Marshal(float64(r))
}

func (r *Ratio) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*r = Ratio(math.NaN())
		return nil
	}
	var f float64
	if err := json.Unmarshal(data, &f); err != nil {
		return err
	}
	*r = Ratio(f)
	return nil
}

// Snapshot is the statistics after one trading day
type Snapshot struct {
	Date                       time.Time `json:"date" yaml:"date"`
	DailyReturns               float64   `json:"daily_returns" yaml:"daily_returns"`
	TotalReturns               float64   `json:"total_returns" yaml:"total_returns"`
	AnnualizedReturns          float64   `json:"annualized_returns" yaml:"annualized_returns"`
	BenchmarkTotalReturns      float64   `json:"benchmark_total_returns" yaml:"benchmark_total_returns"`
	BenchmarkAnnualizedReturns float64   `json:"benchmark_annualized_returns" yaml:"benchmark_annualized_returns"`
	Volatility                 float64   `json:"volatility" yaml:"volatility"`
	BenchmarkVolatility        float64   `json:"benchmark_volatility" yaml:"benchmark_volatility"`
	MaxDrawdown                float64   `json:"max_drawdown" yaml:"max_drawdown"`
	Alpha                      Ratio     `json:"alpha" yaml:"alpha"`
	Beta                       Ratio     `json:"beta" yaml:"beta"`
	Sharpe                     Ratio     `json:"sharpe" yaml:"sharpe"`
	Sortino                    Ratio     `json:"sortino" yaml:"sortino"`
	DownsideRisk               Ratio     `json:"downside_risk" yaml:"downside_risk"`
	TrackingError              Ratio     `json:"tracking_error" yaml:"tracking_error"`
	InformationRatio           Ratio     `json:"information_ratio" yaml:"information_ratio"`
}

// State is the trailing input series. Replaying it through Calculate
// rebuilds every statistic.
type State struct {
	Dates            []time.Time `json:"dates"`
	Returns          []float64   `json:"returns"`
	BenchmarkReturns []float64   `json:"benchmark_returns"`
	RiskFree         []float64   `json:"risk_free"`
}

// moments keeps the running sums of one series
type moments struct {
	n     float64
	sum   float64
	sumSq float64
}

func (m *moments) add(x float64) {
	m.n++
	m.sum += x
	m.sumSq += x * x
}

// sampleVariance uses ddof=1; NaN below two observations
func (m *moments) sampleVariance() float64 {
	if m.n < 2 {
		return math.NaN()
	}
	v := (m.sumSq - m.sum*m.sum/m.n) / (m.n - 1)
	if v < 0 {
		// rounding on a constant series
		return 0
	}
	return v
}

// RiskEngine accumulates one day of returns per settlement
type RiskEngine struct {
	logger *zap.Logger
	state  State

	strategy  moments
	benchmark moments
	excess    moments // strategy minus benchmark
	cross     float64 // Σ strategy*benchmark

	growth      float64 // Π(1+r)
	benchGrowth float64
	peak        float64 // running max of growth
	maxDrawdown float64

	downSumSq float64
	downCount int

	last *Snapshot
}

// NewRiskEngine creates an empty engine
func NewRiskEngine(logger *zap.Logger) *RiskEngine {
	r := &RiskEngine{logger: logger.Named("risk")}
	r.reset()
	return r
}

func (r *RiskEngine) reset() {
	*r = RiskEngine{
		logger:      r.logger,
		growth:      1,
		benchGrowth: 1,
		peak:        1,
	}
}

// Calculate appends one trading day and recomputes the statistics. riskFree
// is the annual risk-free rate in effect on date.
func (r *RiskEngine) Calculate(date time.Time, strategyDaily, benchmarkDaily, riskFree float64) (*Snapshot, error) {
	date = model.TruncateDay(date)
	if n := len(r.state.Dates); n > 0 && !date.After(r.state.Dates[n-1]) {
		return nil, errors.Invalid.Explain("risk dates must increase, got %s after %s", date.Format(time.DateOnly), r.state.Dates[n-1].Format(time.DateOnly))
	}
	for _, v := range []float64{strategyDaily, benchmarkDaily, riskFree} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, errors.Invalid.Explain("risk input on %s is not a number", date.Format(time.DateOnly))
		}
	}

	r.state.Dates = append(r.state.Dates, date)
	r.state.Returns = append(r.state.Returns, strategyDaily)
	r.state.BenchmarkReturns = append(r.state.BenchmarkReturns, benchmarkDaily)
	r.state.RiskFree = append(r.state.RiskFree, riskFree)

	r.strategy.add(strategyDaily)
	r.benchmark.add(benchmarkDaily)
	r.excess.add(strategyDaily - benchmarkDaily)
	r.cross += strategyDaily * benchmarkDaily

	r.growth *= 1 + strategyDaily
	r.benchGrowth *= 1 + benchmarkDaily
	r.peak = math.Max(r.peak, r.growth)
	if dd := 1 - r.growth/r.peak; dd > r.maxDrawdown {
		r.maxDrawdown = dd
	}
	if strategyDaily < benchmarkDaily {
		diff := strategyDaily - benchmarkDaily
		r.downSumSq += diff * diff
		r.downCount++
	}

	r.last = r.snapshot(date, strategyDaily, riskFree)
	return r.last, nil
}

func (r *RiskEngine) snapshot(date time.Time, daily, riskFree float64) *Snapshot {
	annualFactor := math.Sqrt(TradingDaysPerYear)
	days := date.Sub(r.state.Dates[0]).Hours()/24 + 1

	s := &Snapshot{
		Date:                  date,
		DailyReturns:          daily,
		TotalReturns:          r.growth - 1,
		BenchmarkTotalReturns: r.benchGrowth - 1,
	}
	s.AnnualizedReturns = annualize(r.growth, days)
	s.BenchmarkAnnualizedReturns = annualize(r.benchGrowth, days)
	s.MaxDrawdown = r.maxDrawdown

	// fewer than two observations leaves volatility at zero
	if v := r.strategy.sampleVariance(); !math.IsNaN(v) {
		s.Volatility = math.Sqrt(v) * annualFactor
	}
	if v := r.benchmark.sampleVariance(); !math.IsNaN(v) {
		s.BenchmarkVolatility = math.Sqrt(v) * annualFactor
	}

	beta := math.NaN()
	if benchVar := r.benchmark.sampleVariance(); benchVar > 0 {
		n := r.strategy.n
		cov := (r.cross - r.strategy.sum*r.benchmark.sum/n) / (n - 1)
		beta = cov / benchVar
	}
	s.Beta = Ratio(beta)
	s.Alpha = Ratio(s.AnnualizedReturns - (riskFree + beta*(s.BenchmarkAnnualizedReturns-riskFree)))
	s.Sharpe = Ratio(safeDiv(s.AnnualizedReturns-riskFree, s.Volatility))

	downside := math.NaN()
	if r.downCount > 0 {
		downside = math.Sqrt(r.downSumSq/float64(r.downCount)) * annualFactor
	}
	s.DownsideRisk = Ratio(downside)
	s.Sortino = Ratio(safeDiv(s.AnnualizedReturns-riskFree, downside))

	tracking := math.NaN()
	if v := r.excess.sampleVariance(); !math.IsNaN(v) {
		tracking = math.Sqrt(v) * annualFactor
	}
	s.TrackingError = Ratio(tracking)
	s.InformationRatio = Ratio(safeDiv(s.AnnualizedReturns-s.BenchmarkAnnualizedReturns, tracking))
	return s
}

// annualize compounds growth over days calendar days; a wiped out series is -1
func annualize(growth, days float64) float64 {
	if growth <= 0 {
		return -1
	}
	return math.Pow(growth, calendarDaysPerYear/days) - 1
}

// safeDiv is NaN when the denominator is zero or already NaN
func safeDiv(num, den float64) float64 {
	if den == 0 || math.IsNaN(den) {
		return math.NaN()
	}
	return num / den
}

// Snapshot returns the latest statistics, nil before the first day
func (r *RiskEngine) Snapshot() *Snapshot {
	return r.last
}

// Days returns how many trading days were calculated
func (r *RiskEngine) Days() int {
	return len(r.state.Dates)
}

// State returns a copy of the trailing series
func (r *RiskEngine) State() State {
	return State{
		Dates:            append([]time.Time(nil), r.state.Dates...),
		Returns:          append([]float64(nil), r.state.Returns...),
		BenchmarkReturns: append([]float64(nil), r.state.BenchmarkReturns...),
		RiskFree:         append([]float64(nil), r.state.RiskFree...),
	}
}

// Restore rebuilds the engine by replaying st
func (r *RiskEngine) Restore(st State) error {
	n := len(st.Dates)
	if len(st.Returns) != n || len(st.BenchmarkReturns) != n || len(st.RiskFree) != n {
		return errors.Invalid.Explain("risk state series lengths differ: %d dates, %d returns, %d benchmark, %d risk free",
			n, len(st.Returns), len(st.BenchmarkReturns), len(st.RiskFree))
	}
	r.reset()
	for i := range st.Dates {
		if _, err := r.Calculate(st.Dates[i], st.Returns[i], st.BenchmarkReturns[i], st.RiskFree[i]); err != nil {
			return err
		}
	}
	r.logger.Debug("Restored risk state", zap.Int("days", n))
	return nil
}
