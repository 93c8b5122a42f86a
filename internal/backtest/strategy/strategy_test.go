package strategy

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Aidin1998/pincex_backtest/internal/accounts"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/executor"
	"github.com/Aidin1998/pincex_backtest/internal/backtest/scheduler"
	"github.com/Aidin1998/pincex_backtest/internal/marketdata"
	"github.com/Aidin1998/pincex_backtest/internal/trading/engine"
	"github.com/Aidin1998/pincex_backtest/internal/trading/events"
	"github.com/Aidin1998/pincex_backtest/internal/trading/fees"
	"github.com/Aidin1998/pincex_backtest/internal/trading/model"
	"github.com/Aidin1998/pincex_backtest/pkg/errors"
)

const (
	stockA   = "000001.XSHE"
	stockB   = "600000.XSHG"
	futureID = "IF2401"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func date(month time.Month, n int) time.Time {
	return time.Date(2024, month, n, 0, 0, 0, 0, time.UTC)
}

func closeBar(id string, day time.Time, close string) *model.Bar {
	c := d(close)
	return &model.Bar{
		OrderBookID: id,
		Datetime:    day.Add(15 * time.Hour),
		Open:        c,
		High:        c,
		Low:         c,
		Close:       c,
		Volume:      100000000,
	}
}

func noFees() fees.Config {
	cfg := fees.DefaultConfig()
	cfg.StockCommissionRate = decimal.Zero
	cfg.StockMinCommission = decimal.Zero
	cfg.StockTaxRate = decimal.Zero
	return cfg
}

func newStore() *marketdata.MemoryStore {
	s := marketdata.NewMemoryStore()
	s.AddInstrument(&model.Instrument{OrderBookID: stockA, Type: model.InstrumentStock, RoundLot: 100})
	s.AddInstrument(&model.Instrument{OrderBookID: stockB, Type: model.InstrumentStock, RoundLot: 100})
	s.AddInstrument(&model.Instrument{OrderBookID: futureID, Type: model.InstrumentFuture, RoundLot: 1, ContractMultiplier: d("300"), MarginRate: d("0.12")})
	return s
}

// scripted lets a test supply only the callbacks it needs
type scripted struct {
	Base
	init func(c *Context) error
	bar  func(c *Context, bars map[string]*model.Bar) error
}

func (s *scripted) Init(c *Context) error {
	if s.init == nil {
		return nil
	}
	return s.init(c)
}

func (s *scripted) HandleBar(c *Context, bars map[string]*model.Bar) error {
	if s.bar == nil {
		return nil
	}
	return s.bar(c, bars)
}

type rig struct {
	store     *marketdata.MemoryStore
	portfolio *accounts.Portfolio
	engine    *engine.Engine
	runner    *Runner
	exec      *executor.Executor
}

func newRig(t *testing.T, store *marketdata.MemoryStore, feeCfg fees.Config, s Strategy) *rig {
	t.Helper()
	logger := zap.NewNop()
	portfolio, err := accounts.NewPortfolio(accounts.PortfolioConfig{
		StartDate: date(time.January, 2),
		Accounts:  []accounts.Config{{Kind: accounts.KindStock, StartingCash: d("100000")}},
	}, feeCfg, store, logger)
	require.NoError(t, err)

	bus := events.NewBus(logger)
	portfolio.Subscribe(bus)
	eng, err := engine.NewEngine(engine.DefaultConfig(), feeCfg, store, portfolio, bus, logger)
	require.NoError(t, err)
	eng.Subscribe(bus)
	sched, err := scheduler.NewScheduler(scheduler.DefaultConfig(), store, logger)
	require.NoError(t, err)

	runner, err := NewRunner("test", s, Deps{Engine: eng, Portfolio: portfolio, Data: store, Scheduler: sched}, logger)
	require.NoError(t, err)
	runner.Subscribe(bus)
	sched.Subscribe(bus)

	src, err := executor.NewSimulationEventSource(executor.SourceConfig{Frequency: events.FrequencyDaily, Universe: []string{stockA, stockB}}, store)
	require.NoError(t, err)
	return &rig{store: store, portfolio: portfolio, engine: eng, runner: runner, exec: executor.NewExecutor(bus, src, logger)}
}

func (r *rig) run(t *testing.T, start, end time.Time) error {
	t.Helper()
	ctx := context.Background()
	sim := events.SimulationContext{CalendarDT: start, TradingDT: start, Frequency: events.FrequencyDaily}
	if err := r.runner.Init(ctx, sim); err != nil {
		return err
	}
	if err := r.exec.Run(ctx, start, end); err != nil {
		return err
	}
	return r.exec.Flush(ctx)
}

func (r *rig) stock(t *testing.T) *accounts.Account {
	acct, ok := r.portfolio.Account(accounts.KindStock)
	require.True(t, ok)
	return acct
}

func (r *rig) quantity(t *testing.T, id string) int64 {
	pos, _ := r.stock(t).StockPosition(id)
	return pos.Quantity
}

func TestOrdersAreRefusedInInit(t *testing.T) {
	s := &scripted{init: func(c *Context) error {
		_, err := c.OrderShares(stockA, 100, model.MarketOrder())
		return err
	}}
	r := newRig(t, newStore(), noFees(), s)
	err := r.run(t, date(time.January, 2), date(time.January, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.Strategy))
	assert.Contains(t, err.Error(), "test.init failed")
	assert.Contains(t, err.Error(), "orders can not be placed in init")
}

func TestTasksMustBeRegisteredInInit(t *testing.T) {
	store := newStore()
	store.AddBars(closeBar(stockA, date(time.January, 2), "10"))
	var regErr error
	s := &scripted{bar: func(c *Context, _ map[string]*model.Bar) error {
		regErr = c.RunDaily("late", func(*Context) error { return nil }, scheduler.MarketOpen(0, 0))
		return nil
	}}
	r := newRig(t, store, noFees(), s)
	require.NoError(t, r.run(t, date(time.January, 2), date(time.January, 2)))
	assert.True(t, errors.Is(regErr, errors.Invalid))
}

func TestBuyAndHold(t *testing.T) {
	store := newStore()
	store.AddBars(
		closeBar(stockA, date(time.January, 2), "10"),
		closeBar(stockA, date(time.January, 3), "10.5"),
		closeBar(stockA, date(time.January, 4), "11"),
	)
	r := newRig(t, store, noFees(), &BuyAndHold{OrderBookID: stockA})
	require.NoError(t, r.run(t, date(time.January, 2), date(time.January, 4)))

	assert.Equal(t, int64(10000), r.quantity(t, stockA))
	assert.True(t, r.stock(t).Cash().IsZero(), "cash %s", r.stock(t).Cash())
	assert.Equal(t, int64(1), r.engine.State().LastOrderID, "bought once")
	assert.True(t, d("110000").Equal(r.portfolio.TotalValue()))
}

func TestOrderValueLeavesRoomForCost(t *testing.T) {
	store := newStore()
	store.AddBars(closeBar(stockA, date(time.January, 2), "10"))
	var order *model.Order
	s := &scripted{bar: func(c *Context, _ map[string]*model.Bar) error {
		var err error
		order, err = c.OrderValue(stockA, d("10000"), model.MarketOrder())
		return err
	}}
	r := newRig(t, store, fees.DefaultConfig(), s)
	require.NoError(t, r.run(t, date(time.January, 2), date(time.January, 2)))

	// 1000 shares would cost 10008 with commission, so one lot less
	require.NotNil(t, order)
	assert.Equal(t, int64(900), order.Quantity)
	assert.Equal(t, model.OrderStatusFilled, order.Status)
	assert.True(t, d("90992.8").Equal(r.stock(t).Cash()), "cash %s", r.stock(t).Cash())
}

func TestOrderSharesRoundsDownToLots(t *testing.T) {
	store := newStore()
	store.AddBars(closeBar(stockA, date(time.January, 2), "10"))
	var lots, tiny *model.Order
	var futureErr error
	s := &scripted{bar: func(c *Context, _ map[string]*model.Bar) error {
		var err error
		if lots, err = c.OrderShares(stockA, 250, model.MarketOrder()); err != nil {
			return err
		}
		if tiny, err = c.OrderShares(stockA, 50, model.MarketOrder()); err != nil {
			return err
		}
		_, futureErr = c.OrderShares(futureID, 1, model.MarketOrder())
		return nil
	}}
	r := newRig(t, store, noFees(), s)
	require.NoError(t, r.run(t, date(time.January, 2), date(time.January, 2)))

	require.NotNil(t, lots)
	assert.Equal(t, int64(200), lots.Quantity)
	assert.Nil(t, tiny)
	assert.True(t, errors.Is(futureErr, errors.Invalid))
}

func TestOrderTargetValueZeroSellsEverything(t *testing.T) {
	store := newStore()
	store.AddBars(
		closeBar(stockA, date(time.January, 2), "10"),
		closeBar(stockA, date(time.January, 3), "12"),
	)
	s := &scripted{bar: func(c *Context, _ map[string]*model.Bar) error {
		var err error
		if c.TradingDate().Equal(date(time.January, 2)) {
			_, err = c.OrderShares(stockA, 1000, model.MarketOrder())
		} else {
			_, err = c.OrderTargetValue(stockA, decimal.Zero, model.MarketOrder())
		}
		return err
	}}
	r := newRig(t, store, noFees(), s)
	require.NoError(t, r.run(t, date(time.January, 2), date(time.January, 3)))

	assert.Equal(t, int64(0), r.quantity(t, stockA))
	assert.True(t, d("111000").Equal(r.stock(t).Cash()), "cash %s", r.stock(t).Cash())
}

func TestDualMovingAverageCrosses(t *testing.T) {
	store := newStore()
	days := []int{2, 3, 4, 5, 8, 9}
	closes := []string{"10", "9", "8", "9", "11", "5"}
	for i, n := range days {
		store.AddBars(closeBar(stockA, date(time.January, n), closes[i]))
	}
	s := &DualMovingAverage{OrderBookID: stockA, Short: 2, Long: 3}
	r := newRig(t, store, noFees(), s)

	// the short average first tops the long one on the 8th
	require.NoError(t, r.run(t, date(time.January, 2), date(time.January, 8)))
	assert.Equal(t, int64(9000), r.quantity(t, stockA))
	assert.True(t, d("1000").Equal(r.stock(t).Cash()))

	// and falls below it on the 9th
	require.NoError(t, r.exec.Run(context.Background(), date(time.January, 9), date(time.January, 9)))
	assert.Equal(t, int64(0), r.quantity(t, stockA))
	assert.True(t, d("46000").Equal(r.stock(t).Cash()), "cash %s", r.stock(t).Cash())
}

func TestDualMovingAverageValidatesWindows(t *testing.T) {
	r := newRig(t, newStore(), noFees(), &DualMovingAverage{OrderBookID: stockA, Short: 5, Long: 5})
	err := r.run(t, date(time.January, 2), date(time.January, 2))
	assert.True(t, errors.Is(err, errors.Strategy))
	assert.Contains(t, err.Error(), "0 < short < long")
}

func TestRebalanceRunsOnFirstTradingDayOfMonth(t *testing.T) {
	store := newStore()
	store.AddBars(
		closeBar(stockA, date(time.January, 2), "10"),
		closeBar(stockB, date(time.January, 2), "20"),
		closeBar(stockA, date(time.January, 3), "12"),
		closeBar(stockB, date(time.January, 3), "20"),
		closeBar(stockA, date(time.February, 1), "15"),
		closeBar(stockB, date(time.February, 1), "20"),
	)
	s := &Rebalance{Weights: map[string]decimal.Decimal{stockA: d("0.4"), stockB: d("0.4")}}
	r := newRig(t, store, noFees(), s)

	require.NoError(t, r.run(t, date(time.January, 2), date(time.January, 3)))
	assert.Equal(t, int64(4000), r.quantity(t, stockA))
	assert.Equal(t, int64(2000), r.quantity(t, stockB))
	assert.Equal(t, int64(2), r.engine.State().LastOrderID, "nothing on the 3rd")

	// value 120000, so each target is 48000: sell 800 A, buy 400 B
	require.NoError(t, r.exec.Run(context.Background(), date(time.February, 1), date(time.February, 1)))
	assert.Equal(t, int64(3200), r.quantity(t, stockA))
	assert.Equal(t, int64(2400), r.quantity(t, stockB))
	assert.True(t, d("24000").Equal(r.stock(t).Cash()), "cash %s", r.stock(t).Cash())
}

func TestPanicInHandleBarAbortsRun(t *testing.T) {
	store := newStore()
	store.AddBars(closeBar(stockA, date(time.January, 2), "10"))
	s := &scripted{bar: func(*Context, map[string]*model.Bar) error {
		var bars map[string]*model.Bar
		bars[stockA].Close = decimal.Zero
		return nil
	}}
	r := newRig(t, store, noFees(), s)
	err := r.run(t, date(time.January, 2), date(time.January, 2))
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.Strategy))
	assert.Contains(t, err.Error(), "test.handle_bar panicked")
}
