package executor

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

const (
	stockA = "000001.XSHE"
	stockB = "600000.XSHG"
)

func day(n int) time.Time {
	return time.Date(2024, 1, n, 0, 0, 0, 0, time.UTC)
}

func store() *marketdata.MemoryStore {
	s := marketdata.NewMemoryStore()
	s.AddInstrument(&model.Instrument{OrderBookID: stockA, Type: model.InstrumentStock, RoundLot: 100})
	s.AddInstrument(&model.Instrument{OrderBookID: stockB, Type: model.InstrumentStock, RoundLot: 100})
	for _, n := range []int{2, 3, 4} {
		s.AddBars(&model.Bar{OrderBookID: stockA, Datetime: day(n).Add(15 * time.Hour), Close: decimal.NewFromInt(10), Volume: 100})
	}
	// stockB is suspended on the 3rd
	s.AddBars(
		&model.Bar{OrderBookID: stockB, Datetime: day(2).Add(15 * time.Hour), Close: decimal.NewFromInt(5), Volume: 100},
		&model.Bar{OrderBookID: stockB, Datetime: day(4).Add(15 * time.Hour), Close: decimal.NewFromInt(5), Volume: 100},
	)
	return s
}

// recorder subscribes to every calendar kind
type recorder struct {
	log []string
}

func (r *recorder) subscribe(bus *events.Bus) {
	for k := events.KindPreBeforeTrading; k <= events.KindPostSettlement; k++ {
		bus.Subscribe(k, "recorder", func(_ context.Context, ev *events.Event) (events.Result, error) {
			r.log = append(r.log, fmt.Sprintf("%s %s", ev.CalendarDT.Format("01-02 15:04"), ev.Kind))
			return events.Continue, nil
		})
	}
}

func newRun(t *testing.T, freq string) (*Executor, *events.Bus, *recorder) {
	t.Helper()
	src, err := NewSimulationEventSource(SourceConfig{Frequency: freq, Universe: []string{stockA, stockB, stockA}}, store())
	require.NoError(t, err)
	bus := events.NewBus(zap.NewNop())
	rec := &recorder{}
	rec.subscribe(bus)
	return NewExecutor(bus, src, zap.NewNop()), bus, rec
}

func phases(dt, kind string) []string {
	return []string{dt + " PRE_" + kind, dt + " " + kind, dt + " POST_" + kind}
}

func golden(parts ...[]string) []string {
	var out []string
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestSettlementIsDeferredToNextDay(t *testing.T) {
	x, _, rec := newRun(t, events.FrequencyDaily)
	ctx := context.Background()
	require.NoError(t, x.Run(ctx, day(2), day(3)))

	day2 := golden(
		phases("01-02 00:00", "BEFORE_TRADING"),
		phases("01-02 15:00", "BAR"),
		phases("01-02 15:30", "AFTER_TRADING"),
	)
	day3 := golden(
		// settles day 2 on day 2's clock
		phases("01-02 15:30", "SETTLEMENT"),
		phases("01-03 00:00", "BEFORE_TRADING"),
		phases("01-03 15:00", "BAR"),
		phases("01-03 15:30", "AFTER_TRADING"),
	)
	assert.Equal(t, golden(day2, day3), rec.log)

	require.NoError(t, x.Flush(ctx))
	assert.Equal(t, golden(day2, day3, phases("01-03 15:30", "SETTLEMENT")), rec.log)

	// a second flush has nothing to settle
	require.NoError(t, x.Flush(ctx))
	assert.Len(t, rec.log, len(day2)+len(day3)+3)
}

func TestBeforeTradingFiresOncePerDate(t *testing.T) {
	x, _, rec := newRun(t, events.FrequencyDaily)
	ctx := context.Background()
	evs, err := x.source.Day(day(2))
	require.NoError(t, err)

	require.NoError(t, x.dispatch(ctx, evs[0]))
	require.NoError(t, x.dispatch(ctx, evs[0]))
	require.NoError(t, x.dispatch(ctx, evs[1]))
	assert.Equal(t, golden(
		phases("01-02 00:00", "BEFORE_TRADING"),
		phases("01-02 15:00", "BAR"),
	), rec.log)
}

func TestBarWithoutBeforeTradingTriggersIt(t *testing.T) {
	x, _, rec := newRun(t, events.FrequencyDaily)
	ctx := context.Background()
	day2, err := x.source.Day(day(2))
	require.NoError(t, err)
	day3, err := x.source.Day(day(3))
	require.NoError(t, err)

	for _, ev := range day2 {
		require.NoError(t, x.dispatch(ctx, ev))
	}
	rec.log = nil
	// skip day 3's BEFORE_TRADING and go straight to its bar
	require.NoError(t, x.dispatch(ctx, day3[1]))
	assert.Equal(t, golden(
		phases("01-02 15:30", "SETTLEMENT"),
		phases("01-03 00:00", "BEFORE_TRADING"),
		phases("01-03 15:00", "BAR"),
	), rec.log)
}

func TestStrategyErrorAbortsRun(t *testing.T) {
	x, bus, rec := newRun(t, events.FrequencyDaily)
	bus.Subscribe(events.KindBar, "strategy", func(_ context.Context, ev *events.Event) (events.Result, error) {
		if ev.TradingDate().Equal(day(3)) {
			return events.Continue, errors.CallStrategy("handle_bar", func() error { panic("division by zero") })
		}
		return events.Continue, nil
	})

	err := x.Run(context.Background(), day(2), day(4))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.Strategy))
	assert.Contains(t, err.Error(), "BAR at 2024-01-03 15:00:00")
	assert.Empty(t, x.Phase(), "phase is restored after the failure")
	assert.Equal(t, "01-03 15:00 BAR", rec.log[len(rec.log)-1])
}

func TestDailyBarsCarryUniverse(t *testing.T) {
	x, _, _ := newRun(t, events.FrequencyDaily)
	evs, err := x.source.Day(day(3))
	require.NoError(t, err)
	require.Len(t, evs, 3)
	assert.Contains(t, evs[1].Bars, stockA)
	assert.NotContains(t, evs[1].Bars, stockB, "suspended instruments have no bar")
}

func TestMinuteSource(t *testing.T) {
	x, _, _ := newRun(t, events.FrequencyMinute)
	evs, err := x.source.Day(day(2))
	require.NoError(t, err)
	// 120 minutes per session plus before and after trading
	require.Len(t, evs, 242)
	assert.Equal(t, "09:31", evs[1].CalendarDT.Format("15:04"))
	assert.Equal(t, "11:30", evs[120].CalendarDT.Format("15:04"))
	assert.Equal(t, "13:01", evs[121].CalendarDT.Format("15:04"))
	assert.Equal(t, "15:00", evs[240].CalendarDT.Format("15:04"))
	// only the 15:00 minute has a bar in this store
	assert.Empty(t, evs[1].Bars)
	assert.Len(t, evs[240].Bars, 2)
	assert.Equal(t, events.KindAfterTrading, evs[241].Kind)
}

func TestTickSourceMergesInstruments(t *testing.T) {
	s := store()
	at := func(id string, h, m, sec int) *model.Tick {
		return &model.Tick{OrderBookID: id, Datetime: day(2).Add(time.Duration(h)*time.Hour + time.Duration(m)*time.Minute + time.Duration(sec)*time.Second), Last: decimal.NewFromInt(10)}
	}
	s.AddTicks(at(stockB, 9, 30, 3), at(stockA, 9, 30, 3), at(stockA, 9, 30, 0), at(stockB, 9, 31, 0))
	src, err := NewSimulationEventSource(SourceConfig{Frequency: events.FrequencyTick, Universe: []string{stockA, stockB}}, s)
	require.NoError(t, err)

	evs, err := src.Day(day(2))
	require.NoError(t, err)
	var got []string
	for _, ev := range evs[1 : len(evs)-1] {
		got = append(got, ev.Tick.OrderBookID+" "+ev.CalendarDT.Format("15:04:05"))
	}
	assert.Equal(t, []string{
		stockA + " 09:30:00",
		stockA + " 09:30:03",
		stockB + " 09:30:03",
		stockB + " 09:31:00",
	}, got)
}

func TestResumeSkipsReplayedDays(t *testing.T) {
	x, _, _ := newRun(t, events.FrequencyDaily)
	ctx := context.Background()
	require.NoError(t, x.Run(ctx, day(2), day(3)))
	require.NoError(t, x.Flush(ctx))
	st := x.State()
	assert.False(t, st.SettlementPending)
	assert.Equal(t, day(3), st.LastBeforeTrading)

	resumed, _, rec := newRun(t, events.FrequencyDaily)
	resumed.Restore(st)
	require.NoError(t, resumed.Run(ctx, day(2), day(4)))
	assert.Equal(t, golden(
		phases("01-04 00:00", "BEFORE_TRADING"),
		phases("01-04 15:00", "BAR"),
		phases("01-04 15:30", "AFTER_TRADING"),
	), rec.log)
}

func TestSourceValidation(t *testing.T) {
	_, err := NewSimulationEventSource(SourceConfig{Frequency: "5m"}, store())
	assert.True(t, errors.Is(err, errors.Invalid))

	_, err = NewSimulationEventSource(SourceConfig{Frequency: events.FrequencyDaily, Universe: []string{"UNKNOWN"}}, store())
	assert.True(t, errors.Is(err, errors.Invalid))

	src, err := NewSimulationEventSource(SourceConfig{Frequency: events.FrequencyDaily}, store())
	require.NoError(t, err)
	_, err = src.TradingDates(day(4), day(2))
	assert.True(t, errors.Is(err, errors.Invalid))
}
