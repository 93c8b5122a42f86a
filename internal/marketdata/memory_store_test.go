package marketdata

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/database"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
)

func day(d int) time.Time {
	return time.Date(2024, 1, d, 0, 0, 0, 0, time.UTC)
}

func closeBar(id string, d int, close string) *model.Bar {
	c := decimal.RequireFromString(close)
	return &model.Bar{OrderBookID: id, Datetime: day(d).Add(15 * time.Hour), Open: c, High: c, Low: c, Close: c, Volume: 100000}
}

func seededStore() *MemoryStore {
	s := NewMemoryStore()
	s.AddInstrument(&model.Instrument{OrderBookID: "000001.XSHE", Type: model.InstrumentStock, RoundLot: 100})
	// 2024-01-04 is missing: suspended
	s.AddBars(closeBar("000001.XSHE", 2, "9.08"), closeBar("000001.XSHE", 3, "9.10"), closeBar("000001.XSHE", 5, "9.30"))
	s.SetTradingDates(day(4))
	return s
}

func TestMemoryStoreFloorLookup(t *testing.T) {
	s := seededStore()

	bar, err := s.Bar("000001.XSHE", day(4).Add(15*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, bar)
	assert.True(t, decimal.RequireFromString("9.10").Equal(bar.Close))

	bar, err = s.Bar("000001.XSHE", day(1))
	require.NoError(t, err)
	assert.Nil(t, bar)

	bar, err = s.Bar("unknown", day(5))
	require.NoError(t, err)
	assert.Nil(t, bar)
}

func TestDayBarDetectsGap(t *testing.T) {
	s := seededStore()

	bar, err := DayBar(s, "000001.XSHE", day(4))
	require.NoError(t, err)
	assert.Nil(t, bar, "suspended day has no bar of its own")

	bar, err = DayBar(s, "000001.XSHE", day(5))
	require.NoError(t, err)
	require.NotNil(t, bar)
	assert.Equal(t, day(5).Add(15*time.Hour), bar.Datetime)
}

func TestCalendarAndNeighbours(t *testing.T) {
	s := seededStore()

	dates, err := s.TradingCalendar(day(1), day(31))
	require.NoError(t, err)
	assert.Equal(t, []time.Time{day(2), day(3), day(4), day(5)}, dates)

	prev, err := PreviousTradingDate(s, day(5), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, day(4), prev)

	next, err := NextTradingDate(s, day(3), 30*24*time.Hour)
	require.NoError(t, err)
	assert.Equal(t, day(4), next)

	_, err = NextTradingDate(s, day(5), 24*time.Hour)
	assert.ErrorIs(t, err, ErrNoTradingDate)
}

func TestHistoryOldestFirst(t *testing.T) {
	s := seededStore()
	bars, err := s.History("000001.XSHE", day(5).Add(15*time.Hour), 2)
	require.NoError(t, err)
	require.Len(t, bars, 2)
	assert.Equal(t, day(3).Add(15*time.Hour), bars[0].Datetime)
	assert.Equal(t, day(5).Add(15*time.Hour), bars[1].Datetime)
}

func TestTicksOfOneDay(t *testing.T) {
	s := NewMemoryStore()
	for i, last := range []string{"10.0", "10.1", "10.2"} {
		s.AddTicks(&model.Tick{OrderBookID: "IF2401", Datetime: day(2).Add(9*time.Hour + time.Duration(i)*time.Minute),
			Last: decimal.RequireFromString(last)})
	}
	s.AddTicks(&model.Tick{OrderBookID: "IF2401", Datetime: day(3).Add(9 * time.Hour), Last: decimal.NewFromInt(11)})

	ticks, err := s.Ticks("IF2401", day(2))
	require.NoError(t, err)
	assert.Len(t, ticks, 3)

	tick, err := s.Tick("IF2401", day(2).Add(9*time.Hour+90*time.Second))
	require.NoError(t, err)
	assert.True(t, decimal.RequireFromString("10.1").Equal(tick.Last))
}

func TestGormLoaderRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, err := database.Open(database.Config{Driver: database.DriverSQLite, DSN: filepath.Join(t.TempDir(), "md.db")}, zap.NewNop())
	require.NoError(t, err)

	loader := NewGormLoader(db, zap.NewNop())
	require.NoError(t, loader.Migrate(ctx))

	ins := &model.Instrument{
		OrderBookID:        "IF2401",
		Type:               model.InstrumentFuture,
		RoundLot:           1,
		ContractMultiplier: decimal.NewFromInt(300),
		MarginRate:         decimal.RequireFromString("0.12"),
		ListedDate:         day(1),
		DeListedDate:       day(19),
		TradingHours:       []model.Session{{Start: 9*60 + 31, End: 11*60 + 30}},
	}
	require.NoError(t, loader.SaveInstrument(ctx, ins))
	require.NoError(t, loader.SaveBars(ctx, []*model.Bar{closeBar("IF2401", 2, "3500"), closeBar("IF2401", 3, "3520")}))
	require.NoError(t, loader.SaveDividend(ctx, &model.DividendRecord{OrderBookID: "IF2401", BookClosureDate: day(3),
		PayableDate: day(5), CashPerShare: decimal.RequireFromString("0.5")}))
	require.NoError(t, loader.SaveSplit(ctx, &model.SplitRecord{OrderBookID: "IF2401", ExDate: day(5), Ratio: decimal.NewFromInt(2)}))

	store := NewMemoryStore()
	require.NoError(t, loader.Load(ctx, store, []string{"IF2401"}, day(31)))

	got, err := store.Instrument("IF2401")
	require.NoError(t, err)
	assert.True(t, decimal.NewFromInt(300).Equal(got.ContractMultiplier))
	assert.True(t, got.DeListed(day(19)))
	assert.Equal(t, ins.TradingHours, got.TradingHours)

	bar, err := store.Bar("IF2401", day(3).Add(16*time.Hour))
	require.NoError(t, err)
	require.NotNil(t, bar)
	assert.True(t, decimal.NewFromInt(3520).Equal(bar.Close))

	div, err := store.Dividend("IF2401", day(3))
	require.NoError(t, err)
	require.NotNil(t, div)
	assert.True(t, decimal.RequireFromString("0.5").Equal(div.CashPerShare))

	sp, err := store.Split("IF2401", day(5))
	require.NoError(t, err)
	require.NotNil(t, sp)
}
