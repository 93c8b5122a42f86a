package backtest

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/strategy"
	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/eventjournal"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/internal/trading/persistence"
	"github.com/Aidin1998/pincex_backtest/internal/trading/repository"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

const (
	stockA = "000001.XSHE"
	stockB = "600000.XSHG"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(n int) time.Time {
	return time.Date(2024, time.January, n, 0, 0, 0, 0, time.UTC)
}

func closeBar(id string, day time.Time, close string) *model.Bar {
	c := d(close)
	return &model.Bar{OrderBookID: id, Datetime: day.Add(15 * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: 100000000}
}

// newStore lists closes for consecutive trading dates starting on the 2nd
func newStore(closes map[string][]string) *marketdata.MemoryStore {
	s := marketdata.NewMemoryStore()
	s.AddInstrument(&model.Instrument{OrderBookID: stockA, Type: model.InstrumentStock, RoundLot: 100})
	s.AddInstrument(&model.Instrument{OrderBookID: stockB, Type: model.InstrumentStock, RoundLot: 100})
	for id, cs := range closes {
		day := date(2)
		for _, c := range cs {
			s.AddBars(closeBar(id, day, c))
			day = day.AddDate(0, 0, 1)
			for day.Weekday() == time.Saturday || day.Weekday() == time.Sunday {
				day = day.AddDate(0, 0, 1)
			}
		}
	}
	return s
}

func config(end time.Time) Config {
	cfg := DefaultConfig()
	cfg.Strategy = "test"
	cfg.StartDate = date(2)
	cfg.EndDate = end
	cfg.Universe = []string{stockA, stockB}
	cfg.Accounts = []accounts.Config{{Kind: accounts.KindStock, StartingCash: d("100000")}}
	return cfg
}

func TestRunProducesReport(t *testing.T) {
	store := newStore(map[string][]string{
		stockA: {"10", "11", "12", "11"},
		stockB: {"20", "20", "22", "22"},
	})
	cfg := config(date(5))
	cfg.Fees.StockCommissionRate = decimal.Zero
	cfg.Fees.StockMinCommission = decimal.Zero
	cfg.Fees.StockTaxRate = decimal.Zero
	cfg.Benchmark = stockB

	bt, err := New(cfg, &strategy.BuyAndHold{OrderBookID: stockA}, store, zap.NewNop())
	require.NoError(t, err)
	rep, err := bt.Run(context.Background())
	require.NoError(t, err)

	s := rep.Summary
	assert.Equal(t, bt.RunID().String(), s.RunID)
	assert.Equal(t, 4, s.TradingDays)
	assert.Equal(t, 1, s.Trades)
	assert.True(t, d("110000").Equal(s.FinalValue), "final value %s", s.FinalValue)
	assert.True(t, d("0.1").Equal(s.TotalReturns))
	assert.True(t, d("0.1").Equal(s.BenchmarkTotalReturns))
	assert.InDelta(t, 1-11.0/12.0, s.MaxDrawdown, 1e-12)

	require.Len(t, rep.Days, 4)
	for i, day := range rep.Days {
		require.NotNil(t, day.Risk, "risk statistics for day %d", i)
		assert.True(t, day.Risk.Date.Equal(day.Date))
	}
	assert.Len(t, rep.Days[0].Trades, 1)
	assert.Equal(t, 4, bt.Risk().Days())
}

func TestPauseResumeMatchesUninterruptedRun(t *testing.T) {
	closes := map[string][]string{
		stockA: {"10", "9", "8", "9", "11", "12", "7", "6", "8", "10"},
		stockB: {"20", "21", "20", "19", "20", "21", "22", "21", "20", "21"},
	}
	end := date(15)
	newStrategy := func() strategy.Strategy {
		return &strategy.DualMovingAverage{OrderBookID: stockA, Short: 2, Long: 3}
	}
	cfg := config(end)
	cfg.Benchmark = stockB
	cfg.RunID = uuid.New()

	full, err := New(cfg, newStrategy(), newStore(closes), zap.NewNop())
	require.NoError(t, err)
	want, err := full.Run(context.Background())
	require.NoError(t, err)
	require.Greater(t, want.Summary.Trades, 1, "the strategy should trade on both sides")

	for _, pauseAt := range []time.Time{date(2), date(5), date(9), date(12)} {
		t.Run(pauseAt.Format(time.DateOnly), func(t *testing.T) {
			ctx := context.Background()
			first, err := New(cfg, newStrategy(), newStore(closes), zap.NewNop())
			require.NoError(t, err)
			snap, err := first.Pause(ctx, pauseAt)
			require.NoError(t, err)
			assert.True(t, snap.PausedAt.Equal(pauseAt))

			raw, err := persistence.Encode(snap)
			require.NoError(t, err)
			loaded, err := persistence.Decode(raw)
			require.NoError(t, err)

			second, err := New(cfg, newStrategy(), newStore(closes), zap.NewNop())
			require.NoError(t, err)
			require.NoError(t, second.Resume(ctx, loaded))
			got, err := second.Run(ctx)
			require.NoError(t, err)

			wantJSON, err := json.Marshal(want)
			require.NoError(t, err)
			gotJSON, err := json.Marshal(got)
			require.NoError(t, err)
			assert.JSONEq(t, string(wantJSON), string(gotJSON))
			assert.True(t, full.Portfolio().TotalValue().Equal(second.Portfolio().TotalValue()))
			assert.Equal(t, full.Engine().State().LastOrderID, second.Engine().State().LastOrderID)
		})
	}
}

func TestResumeChecksRun(t *testing.T) {
	store := newStore(map[string][]string{stockA: {"10", "11"}})
	cfg := config(date(3))
	first, err := New(cfg, &strategy.BuyAndHold{OrderBookID: stockA}, store, zap.NewNop())
	require.NoError(t, err)
	snap, err := first.Pause(context.Background(), date(2))
	require.NoError(t, err)

	other, err := New(cfg, &strategy.BuyAndHold{OrderBookID: stockA}, store, zap.NewNop())
	require.NoError(t, err)
	err = other.Resume(context.Background(), snap)
	assert.True(t, errors.Is(err, errors.Invalid), "a fresh run id does not match: %v", err)

	_, err = first.Run(context.Background())
	require.NoError(t, err)
	assert.True(t, errors.Is(first.Resume(context.Background(), snap), errors.Invalid), "started runs can not resume")
}

func TestConfigValidation(t *testing.T) {
	store := newStore(map[string][]string{stockA: {"10"}})
	s := &strategy.BuyAndHold{OrderBookID: stockA}

	cfg := config(date(2))
	cfg.EndDate = date(1)
	_, err := New(cfg, s, store, zap.NewNop())
	assert.True(t, errors.Is(err, errors.Invalid))

	cfg = config(date(2))
	cfg.Universe = nil
	_, err = New(cfg, s, store, zap.NewNop())
	assert.True(t, errors.Is(err, errors.Invalid))

	cfg = config(date(2))
	cfg.Frequency = "5m"
	_, err = New(cfg, s, store, zap.NewNop())
	assert.True(t, errors.Is(err, errors.Invalid))
}

type failing struct {
	strategy.Base
}

func (failing) HandleBar(*strategy.Context, map[string]*model.Bar) error {
	return fmt.Errorf("no data feed")
}

func openRepo(t *testing.T) *repository.ResultRepository {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { sqlDB.Close() })
	repo := repository.NewResultRepository(db, zap.NewNop())
	require.NoError(t, repo.Migrate(context.Background()))
	return repo
}

func TestSinksAreWired(t *testing.T) {
	ctx := context.Background()
	store := newStore(map[string][]string{stockA: {"10", "11", "12"}})
	cfg := config(date(4))
	cfg.RunID = uuid.New()
	repo := openRepo(t)

	jcfg := eventjournal.DefaultConfig()
	jcfg.Enabled = true
	jcfg.FilePath = filepath.Join(t.TempDir(), "journal.jsonl")
	journal, err := eventjournal.NewFileJournal(jcfg, cfg.RunID, zap.NewNop())
	require.NoError(t, err)

	bt, err := New(cfg, &strategy.BuyAndHold{OrderBookID: stockA}, store, zap.NewNop(), WithRepository(repo), WithJournal(journal))
	require.NoError(t, err)
	rep, err := bt.Run(ctx)
	require.NoError(t, err)
	require.NoError(t, journal.Close())

	run, err := repo.Run(ctx, cfg.RunID.String())
	require.NoError(t, err)
	assert.Equal(t, repository.RunStatusFinished, run.Status)
	days, err := repo.Days(ctx, cfg.RunID.String())
	require.NoError(t, err)
	require.Len(t, days, 3)
	assert.True(t, rep.Summary.FinalValue.Equal(days[2].TotalValue))
	trades, err := repo.Trades(ctx, cfg.RunID.String(), stockA)
	require.NoError(t, err)
	assert.Len(t, trades, 1)

	var kinds []string
	require.NoError(t, eventjournal.Replay(jcfg.FilePath, zap.NewNop(), func(e eventjournal.Entry) (bool, error) {
		assert.Equal(t, cfg.RunID, e.RunID)
		kinds = append(kinds, e.EventType)
		return true, nil
	}))
	assert.Contains(t, kinds, "ORDER_PENDING_NEW")
	assert.Contains(t, kinds, "TRADE")
}

func TestStrategyErrorMarksRunFailed(t *testing.T) {
	ctx := context.Background()
	store := newStore(map[string][]string{stockA: {"10", "11"}})
	cfg := config(date(3))
	cfg.RunID = uuid.New()
	repo := openRepo(t)

	bt, err := New(cfg, failing{}, store, zap.NewNop(), WithRepository(repo))
	require.NoError(t, err)
	_, err = bt.Run(ctx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.Strategy))
	assert.Contains(t, err.Error(), "no data feed")

	run, err := repo.Run(ctx, cfg.RunID.String())
	require.NoError(t, err)
	assert.Equal(t, repository.RunStatusFailed, run.Status)
}
