package report

import (
	"context"
	"encoding/json"
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/trading/analytics"
	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

func day(n int) time.Time {
	return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC)
}

type fakeSources struct {
	snap   *accounts.PortfolioSnapshot
	risk   *analytics.Snapshot
	trades []*model.Trade
}

func (f *fakeSources) LastSnapshot() *accounts.PortfolioSnapshot { return f.snap }
func (f *fakeSources) Snapshot() *analytics.Snapshot             { return f.risk }
func (f *fakeSources) TodayTrades() []*model.Trade               { return f.trades }

func portfolioDay(n int, static, value, cost string) *accounts.PortfolioSnapshot {
	v := decimal.RequireFromString(value)
	return &accounts.PortfolioSnapshot{
		Date:            day(n),
		StaticValue:     decimal.RequireFromString(static),
		TotalValue:      v,
		TransactionCost: decimal.RequireFromString(cost),
		TotalReturns:    v.Div(decimal.NewFromInt(100000)).Sub(decimal.NewFromInt(1)),
	}
}

func TestCollectorRecordsEachSettlementOnce(t *testing.T) {
	bus := events.NewBus(zap.NewNop())
	src := &fakeSources{}
	c := NewCollector(zap.NewNop())
	c.Subscribe(bus, src, src, src)
	ctx := context.Background()

	settle := func(n int) {
		sim := events.SimulationContext{CalendarDT: day(n).Add(15 * time.Hour), TradingDT: day(n).Add(15 * time.Hour)}
		require.NoError(t, bus.Publish(ctx, &events.Event{Kind: events.KindPostSettlement, SimulationContext: sim}))
	}

	// no snapshot yet
	settle(2)
	assert.Empty(t, c.Days())

	src.snap = portfolioDay(2, "100000", "101000", "5")
	src.risk = &analytics.Snapshot{Date: day(2), TotalReturns: 0.01}
	src.trades = []*model.Trade{{ID: 1, OrderBookID: "000001.XSHE", Quantity: 100}}
	settle(2)
	settle(2)
	require.Len(t, c.Days(), 1)
	assert.Len(t, c.Days()[0].Trades, 1)
	require.NotNil(t, c.Days()[0].Risk)

	// stale risk statistics are not attached to a later day
	src.snap = portfolioDay(3, "101000", "99000", "0")
	src.trades = nil
	settle(3)
	require.Len(t, c.Days(), 2)
	assert.Nil(t, c.Days()[1].Risk)
}

func TestSummary(t *testing.T) {
	c := NewCollector(zap.NewNop())
	empty := c.Summary(Meta{RunID: "r"})
	assert.Equal(t, 0, empty.TradingDays)
	assert.False(t, empty.Sharpe.Valid())

	c.Record(Day{Date: day(2), Portfolio: portfolioDay(2, "100000", "101000", "5"), Trades: []*model.Trade{{ID: 1}, {ID: 2}}})
	c.Record(Day{
		Date:      day(3),
		Portfolio: portfolioDay(3, "101000", "102000", "2.5"),
		Trades:    []*model.Trade{{ID: 3}},
		Risk:      &analytics.Snapshot{Date: day(3), MaxDrawdown: 0.01, Sharpe: 1.5, Beta: analytics.Ratio(math.NaN())},
	})

	s := c.Summary(Meta{RunID: "r", Strategy: "buy_and_hold"})
	assert.Equal(t, day(2), s.StartDate)
	assert.Equal(t, day(3), s.EndDate)
	assert.Equal(t, 2, s.TradingDays)
	assert.True(t, decimal.NewFromInt(100000).Equal(s.StartingCash))
	assert.True(t, decimal.NewFromInt(102000).Equal(s.FinalValue))
	assert.True(t, decimal.RequireFromString("0.02").Equal(s.TotalReturns))
	assert.True(t, decimal.RequireFromString("7.5").Equal(s.TransactionCost))
	assert.Equal(t, 3, s.Trades)
	assert.Equal(t, 0.01, s.MaxDrawdown)
	assert.Equal(t, analytics.Ratio(1.5), s.Sharpe)
	assert.False(t, s.Beta.Valid())
}

func TestWriteReport(t *testing.T) {
	c := NewCollector(zap.NewNop())
	c.Record(Day{Date: day(2), Portfolio: portfolioDay(2, "100000", "101000", "5")})
	rep := c.Report(Meta{RunID: "r1", Strategy: "buy_and_hold", Frequency: "1d"})
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "out", "report.json")
	require.NoError(t, Write(jsonPath, rep))
	raw, err := os.ReadFile(jsonPath)
	require.NoError(t, err)
	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	summary := decoded["summary"].(map[string]any)
	assert.Equal(t, "r1", summary["run_id"])
	assert.Equal(t, "101000", summary["final_value"])
	assert.Nil(t, summary["sharpe"], "NaN is written as null")

	yamlPath := filepath.Join(dir, "report.yaml")
	require.NoError(t, Write(yamlPath, rep))
	raw, err = os.ReadFile(yamlPath)
	require.NoError(t, err)
	var doc struct {
		Summary struct {
			RunID      string `yaml:"run_id"`
			Strategy   string `yaml:"strategy"`
			FinalValue string `yaml:"final_value"`
		} `yaml:"summary"`
	}
	require.NoError(t, yaml.Unmarshal(raw, &doc))
	assert.Equal(t, "r1", doc.Summary.RunID)
	assert.Equal(t, "buy_and_hold", doc.Summary.Strategy)
	assert.Equal(t, "101000", doc.Summary.FinalValue)
}

func TestStateRestore(t *testing.T) {
	c := NewCollector(zap.NewNop())
	c.Record(Day{Date: day(2), Portfolio: portfolioDay(2, "100000", "101000", "0")})
	other := NewCollector(zap.NewNop())
	other.Restore(c.State())
	assert.Equal(t, c.Days(), other.Days())
}
